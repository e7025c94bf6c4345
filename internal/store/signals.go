package store

import (
	"context"
	"database/sql"
	"time"

	"campaign-dispatch/internal/common/errors"
	"campaign-dispatch/internal/common/logger"
)

// SignalStore reads the account-level risk signals the rate engine feeds on.
// Both queries are best-effort: callers substitute conservative defaults on
// error rather than failing the dispatch.
type SignalStore struct {
	db     *sql.DB
	logger logger.Logger
	now    func() time.Time
}

func NewSignalStore(db *sql.DB, log logger.Logger) *SignalStore {
	return &SignalStore{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "signal-store"}),
		now:    time.Now,
	}
}

// AccountAge returns how long ago the sending account was created.
func (s *SignalStore) AccountAge(ctx context.Context, userID string) (time.Duration, error) {
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM accounts WHERE user_id = $1`, userID).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return 0, errors.NewStoreError("account age", sql.ErrNoRows)
	}
	if err != nil {
		return 0, errors.NewStoreError("account age", err)
	}
	return s.now().UTC().Sub(createdAt), nil
}

// FailureRate returns the share of failed deliveries among the account's
// attempted sends over the last 30 days. No attempts in the window reads as a
// clean history.
func (s *SignalStore) FailureRate(ctx context.Context, userID string) (float64, error) {
	var failed, attempted int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FILTER (WHERE r.status = 'failed'), COUNT(*)
		 FROM campaign_recipients r
		 JOIN campaigns c ON c.id = r.campaign_id
		 WHERE c.user_id = $1
		   AND r.status IN ('sent', 'delivered', 'failed')
		   AND r.updated_at > NOW() - INTERVAL '30 days'`, userID).
		Scan(&failed, &attempted)
	if err != nil {
		return 0, errors.NewStoreError("failure rate", err)
	}
	if attempted == 0 {
		return 0, nil
	}
	return float64(failed) / float64(attempted), nil
}
