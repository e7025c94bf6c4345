// Package store holds the durable Postgres-backed state of the engine: the
// campaign aggregates and the per-recipient delivery records. All shared
// mutable state is mutated through single atomic statements; the claim and
// the progress counter never go through application-level read-then-write.
package store

import (
	"context"
	"database/sql"
	goerrors "errors"

	"campaign-dispatch/internal/common/errors"
	"campaign-dispatch/internal/common/logger"
	"campaign-dispatch/internal/models"

	"github.com/lib/pq"
)

// CampaignStore persists campaign aggregates.
type CampaignStore struct {
	db     *sql.DB
	logger logger.Logger
}

func NewCampaignStore(db *sql.DB, log logger.Logger) *CampaignStore {
	return &CampaignStore{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "campaign-store"}),
	}
}

// Progress is the campaign progress snapshot exposed to collaborators.
type Progress struct {
	Processed int                   `json:"processed"`
	Total     int                   `json:"total"`
	Status    models.CampaignStatus `json:"status"`
}

const campaignColumns = `id, user_id, name, status, priority, schedule_type, scheduled_at, timezone,
	custom_delay, delay_unit, total_recipients, sent, delivered, read_count, failed,
	processed_recipients, started_at, completed_at, created_at, updated_at`

// Get loads a campaign with its variants.
func (s *CampaignStore) Get(ctx context.Context, campaignID string) (*models.Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, campaignID)

	var c models.Campaign
	var scheduledAt, startedAt, completedAt sql.NullTime
	var timezone, delayUnit sql.NullString
	var customDelay sql.NullInt64
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Status, &c.Priority,
		&c.Schedule.Type, &scheduledAt, &timezone, &customDelay, &delayUnit,
		&c.Metrics.TotalRecipients, &c.Metrics.Sent, &c.Metrics.Delivered,
		&c.Metrics.Read, &c.Metrics.Failed, &c.ProcessedRecipients,
		&startedAt, &completedAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewCampaignNotFoundError(campaignID)
	}
	if err != nil {
		return nil, errors.NewStoreError("get campaign", err)
	}

	if scheduledAt.Valid {
		c.Schedule.ScheduledAt = &scheduledAt.Time
	}
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	c.Schedule.Timezone = timezone.String
	c.Schedule.CustomDelay = int(customDelay.Int64)
	c.Schedule.DelayUnit = models.DelayUnit(delayUnit.String)

	if err := s.loadVariants(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *CampaignStore) loadVariants(ctx context.Context, c *models.Campaign) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, body, media_url, message_type, total_recipients, sent, failed
		 FROM campaign_variants WHERE campaign_id = $1 ORDER BY name`, c.ID)
	if err != nil {
		return errors.NewStoreError("load variants", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v models.Variant
		var mediaURL sql.NullString
		if err := rows.Scan(&v.Name, &v.Content.Body, &mediaURL, &v.Content.MessageType,
			&v.Metrics.TotalRecipients, &v.Metrics.Sent, &v.Metrics.Failed); err != nil {
			return errors.NewStoreError("scan variant", err)
		}
		v.Content.MediaURL = mediaURL.String
		c.Variants = append(c.Variants, v)
	}
	return rows.Err()
}

// Create inserts a campaign aggregate with its variants. Recipients are
// inserted separately through the RecipientStore.
func (s *CampaignStore) Create(ctx context.Context, c *models.Campaign) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStoreError("create campaign", err)
	}
	defer tx.Rollback()

	status := c.Status
	if status == "" {
		status = models.CampaignStatusDraft
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO campaigns (id, user_id, name, status, priority, schedule_type, scheduled_at,
		   timezone, custom_delay, delay_unit, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())`,
		c.ID, c.UserID, c.Name, string(status), c.Priority, string(c.Schedule.Type),
		c.Schedule.ScheduledAt, c.Schedule.Timezone, c.Schedule.CustomDelay,
		string(c.Schedule.DelayUnit)); err != nil {
		return errors.NewStoreError("insert campaign", err)
	}

	for _, v := range c.Variants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO campaign_variants (campaign_id, name, body, media_url, message_type, total_recipients)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, v.Name, v.Content.Body, v.Content.MediaURL, v.Content.MessageType,
			len(v.Recipients)); err != nil {
			return errors.NewStoreError("insert variant", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewStoreError("create campaign", err)
	}
	return nil
}

// UpdateStatus transitions a campaign's status. The transition table is
// enforced in the same conditional UPDATE so concurrent writers cannot make
// an illegal transition between a read and a write. Writing the status the
// campaign already has is a no-op, not an error: campaigns may be created
// directly in scheduled or running and then launched.
func (s *CampaignStore) UpdateStatus(ctx context.Context, campaignID string, next models.CampaignStatus) error {
	allowed := append(models.AllowedPredecessors(next), string(next))

	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status = ANY($3)`,
		campaignID, string(next), pq.Array(allowed))
	if err != nil {
		return errors.NewStoreError("update status", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.NewStoreError("update status", err)
	}
	if affected == 0 {
		cur, getErr := s.currentStatus(ctx, campaignID)
		if getErr != nil {
			return getErr
		}
		return errors.NewIllegalTransitionError("campaign", string(cur), string(next))
	}
	return nil
}

func (s *CampaignStore) currentStatus(ctx context.Context, campaignID string) (models.CampaignStatus, error) {
	var status models.CampaignStatus
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM campaigns WHERE id = $1`, campaignID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", errors.NewCampaignNotFoundError(campaignID)
	}
	if err != nil {
		return "", errors.NewStoreError("get status", err)
	}
	return status, nil
}

// BeginDispatch resets the processed counter and moves the campaign into
// running, exactly once. A retried start-campaign job finds started_at
// already set and gets false back, so the counter is never reset twice.
func (s *CampaignStore) BeginDispatch(ctx context.Context, campaignID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns
		 SET processed_recipients = 0, status = 'running', started_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND started_at IS NULL`,
		campaignID)
	if err != nil {
		return false, errors.NewStoreError("begin dispatch", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewStoreError("begin dispatch", err)
	}
	return affected > 0, nil
}

// SetTotals writes the recomputed recipient totals for a variant and keeps
// the campaign rollup in sync with the sum of its variants.
func (s *CampaignStore) SetTotals(ctx context.Context, campaignID, variantName string, total int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStoreError("set totals", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE campaign_variants SET total_recipients = $3
		 WHERE campaign_id = $1 AND name = $2`,
		campaignID, variantName, total); err != nil {
		return errors.NewStoreError("set variant total", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET total_recipients = (
			SELECT COALESCE(SUM(total_recipients), 0) FROM campaign_variants WHERE campaign_id = $1
		 ), updated_at = NOW() WHERE id = $1`,
		campaignID); err != nil {
		return errors.NewStoreError("set campaign total", err)
	}

	if err := tx.Commit(); err != nil {
		return errors.NewStoreError("set totals", err)
	}
	return nil
}

// IncrementProcessed atomically adds delta to the processed counter and
// returns the new progress snapshot in the same statement. This is the only
// way the counter is ever mutated.
func (s *CampaignStore) IncrementProcessed(ctx context.Context, campaignID string, delta int) (*Progress, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE campaigns
		 SET processed_recipients = processed_recipients + $2, updated_at = NOW()
		 WHERE id = $1
		 RETURNING processed_recipients, total_recipients, status`,
		campaignID, delta)

	var p Progress
	if err := row.Scan(&p.Processed, &p.Total, &p.Status); err != nil {
		if goerrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewCampaignNotFoundError(campaignID)
		}
		return nil, errors.NewStoreError("increment processed", err)
	}
	return &p, nil
}

// MarkCompleted transitions the campaign to completed, guarded by
// status <> 'completed'. A false return means another worker won the race;
// callers must treat that as success.
func (s *CampaignStore) MarkCompleted(ctx context.Context, campaignID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = 'completed', completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status <> 'completed'`,
		campaignID)
	if err != nil {
		return false, errors.NewStoreError("mark completed", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewStoreError("mark completed", err)
	}
	return affected > 0, nil
}

// AddRollup adds sent/failed deltas to the campaign and variant counters.
func (s *CampaignStore) AddRollup(ctx context.Context, campaignID, variantName string, sent, failed int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStoreError("add rollup", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET sent = sent + $2, failed = failed + $3, updated_at = NOW()
		 WHERE id = $1`,
		campaignID, sent, failed); err != nil {
		return errors.NewStoreError("add campaign rollup", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE campaign_variants SET sent = sent + $3, failed = $4 + failed
		 WHERE campaign_id = $1 AND name = $2`,
		campaignID, variantName, sent, failed); err != nil {
		return errors.NewStoreError("add variant rollup", err)
	}

	if err := tx.Commit(); err != nil {
		return errors.NewStoreError("add rollup", err)
	}
	return nil
}

// Progress returns the current progress snapshot without mutating anything.
func (s *CampaignStore) Progress(ctx context.Context, campaignID string) (*Progress, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT processed_recipients, total_recipients, status FROM campaigns WHERE id = $1`,
		campaignID)

	var p Progress
	if err := row.Scan(&p.Processed, &p.Total, &p.Status); err != nil {
		if goerrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewCampaignNotFoundError(campaignID)
		}
		return nil, errors.NewStoreError("get progress", err)
	}
	return &p, nil
}
