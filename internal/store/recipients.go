package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"campaign-dispatch/internal/common/errors"
	"campaign-dispatch/internal/common/logger"
	"campaign-dispatch/internal/models"

	"github.com/lib/pq"
)

// RecipientStore persists per-recipient delivery records.
type RecipientStore struct {
	db     *sql.DB
	logger logger.Logger
}

func NewRecipientStore(db *sql.DB, log logger.Logger) *RecipientStore {
	return &RecipientStore{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "recipient-store"}),
	}
}

// BulkInsert creates pending delivery records for a variant. Duplicate
// addresses within the same campaign/variant are ignored so a retried
// start-campaign job does not double-insert.
func (s *RecipientStore) BulkInsert(ctx context.Context, campaignID, variantName string, recipients []models.Recipient) error {
	if len(recipients) == 0 {
		return nil
	}

	addresses := make([]string, 0, len(recipients))
	variables := make([]string, 0, len(recipients))
	for _, r := range recipients {
		vars, err := json.Marshal(r.Variables)
		if err != nil {
			return errors.NewStoreError("marshal recipient variables", err)
		}
		addresses = append(addresses, r.Address)
		variables = append(variables, string(vars))
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaign_recipients (campaign_id, variant_name, address, variables, status, created_at, updated_at)
		 SELECT $1, $2, a, v::jsonb, 'pending', NOW(), NOW()
		 FROM unnest($3::text[], $4::text[]) AS t(a, v)
		 ON CONFLICT (campaign_id, variant_name, address) DO NOTHING`,
		campaignID, variantName, pq.Array(addresses), pq.Array(variables))
	if err != nil {
		return errors.NewStoreError("bulk insert recipients", err)
	}
	return nil
}

// Claim atomically moves the given addresses from pending to processing and
// returns only the ones this caller won. Addresses already claimed, sent or
// failed come back excluded, so two workers handed the same batch can never
// both send to an address.
func (s *RecipientStore) Claim(ctx context.Context, campaignID, variantName string, addresses []string) ([]string, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`UPDATE campaign_recipients
		 SET status = 'processing', updated_at = NOW()
		 WHERE campaign_id = $1 AND variant_name = $2
		   AND status = 'pending' AND address = ANY($3)
		 RETURNING address`,
		campaignID, variantName, pq.Array(addresses))
	if err != nil {
		return nil, errors.NewStoreError("claim recipients", err)
	}
	defer rows.Close()

	var claimed []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, errors.NewStoreError("scan claimed address", err)
		}
		claimed = append(claimed, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStoreError("claim recipients", err)
	}

	if len(claimed) < len(addresses) {
		s.logger.Debug("some addresses were already claimed", map[string]interface{}{
			"campaign_id": campaignID,
			"variant":     variantName,
			"requested":   len(addresses),
			"claimed":     len(claimed),
		})
	}
	return claimed, nil
}

// MarkSent flips claimed recipients to sent and records the provider message
// id per address. Only rows still in processing are touched.
func (s *RecipientStore) MarkSent(ctx context.Context, campaignID, variantName string, addresses, messageIDs []string) error {
	if len(addresses) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaign_recipients AS r
		 SET status = 'sent', message_id = t.mid, sent_at = NOW(), updated_at = NOW()
		 FROM unnest($3::text[], $4::text[]) AS t(addr, mid)
		 WHERE r.campaign_id = $1 AND r.variant_name = $2
		   AND r.address = t.addr AND r.status = 'processing'`,
		campaignID, variantName, pq.Array(addresses), pq.Array(messageIDs))
	if err != nil {
		return errors.NewStoreError("mark sent", err)
	}
	return nil
}

// MarkFailed flips claimed recipients to failed with their per-address error
// detail. Only rows still in processing are touched.
func (s *RecipientStore) MarkFailed(ctx context.Context, campaignID, variantName string, addresses, reasons []string) error {
	if len(addresses) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaign_recipients AS r
		 SET status = 'failed', error_detail = t.reason, updated_at = NOW()
		 FROM unnest($3::text[], $4::text[]) AS t(addr, reason)
		 WHERE r.campaign_id = $1 AND r.variant_name = $2
		   AND r.address = t.addr AND r.status = 'processing'`,
		campaignID, variantName, pq.Array(addresses), pq.Array(reasons))
	if err != nil {
		return errors.NewStoreError("mark failed", err)
	}
	return nil
}

// ReleaseProcessing returns processing rows to pending. Used when a batch is
// requeued after a session fault so the retry can claim them again.
func (s *RecipientStore) ReleaseProcessing(ctx context.Context, campaignID, variantName string, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaign_recipients
		 SET status = 'pending', updated_at = NOW()
		 WHERE campaign_id = $1 AND variant_name = $2
		   AND status = 'processing' AND address = ANY($3)`,
		campaignID, variantName, pq.Array(addresses))
	if err != nil {
		return errors.NewStoreError("release processing", err)
	}
	return nil
}

// RecordReceipt advances a sent recipient to delivered or read. Status never
// regresses: a late delivered receipt after a read one is a no-op.
func (s *RecipientStore) RecordReceipt(ctx context.Context, messageID string, status models.DeliveryStatus) error {
	var stmt string
	switch status {
	case models.DeliveryDelivered:
		stmt = `UPDATE campaign_recipients
		        SET status = 'delivered', delivered_at = NOW(), updated_at = NOW()
		        WHERE message_id = $1 AND status = 'sent'`
	case models.DeliveryRead:
		stmt = `UPDATE campaign_recipients
		        SET status = 'read', read_at = NOW(), updated_at = NOW()
		        WHERE message_id = $1 AND status IN ('sent', 'delivered')`
	default:
		return errors.NewValidationError("receipt status must be delivered or read")
	}

	if _, err := s.db.ExecContext(ctx, stmt, messageID); err != nil {
		return errors.NewStoreError("record receipt", err)
	}
	return nil
}

// CountByStatus returns the per-status recipient counts for a campaign.
func (s *RecipientStore) CountByStatus(ctx context.Context, campaignID string) (map[models.DeliveryStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM campaign_recipients
		 WHERE campaign_id = $1 GROUP BY status`,
		campaignID)
	if err != nil {
		return nil, errors.NewStoreError("count by status", err)
	}
	defer rows.Close()

	counts := make(map[models.DeliveryStatus]int)
	for rows.Next() {
		var status models.DeliveryStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.NewStoreError("scan status count", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// PendingCount returns how many recipients of a campaign are still pending.
// The completion heuristic uses this to decide whether an empty claim means
// the campaign was cancelled mid-flight.
func (s *RecipientStore) PendingCount(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM campaign_recipients
		 WHERE campaign_id = $1 AND status = 'pending'`,
		campaignID).Scan(&n)
	if err != nil {
		return 0, errors.NewStoreError("pending count", err)
	}
	return n, nil
}

// VariantAddresses returns the addresses of a variant in insertion order.
// Batch offsets index into this ordering, so it must be stable across calls.
func (s *RecipientStore) VariantAddresses(ctx context.Context, campaignID, variantName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address FROM campaign_recipients
		 WHERE campaign_id = $1 AND variant_name = $2
		 ORDER BY id`,
		campaignID, variantName)
	if err != nil {
		return nil, errors.NewStoreError("list variant addresses", err)
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, errors.NewStoreError("scan address", err)
		}
		addresses = append(addresses, addr)
	}
	return addresses, rows.Err()
}

// Variables loads the substitution variables for the given addresses.
func (s *RecipientStore) Variables(ctx context.Context, campaignID, variantName string, addresses []string) (map[string]map[string]string, error) {
	if len(addresses) == 0 {
		return map[string]map[string]string{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, variables FROM campaign_recipients
		 WHERE campaign_id = $1 AND variant_name = $2 AND address = ANY($3)`,
		campaignID, variantName, pq.Array(addresses))
	if err != nil {
		return nil, errors.NewStoreError("load variables", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]string, len(addresses))
	for rows.Next() {
		var addr string
		var raw []byte
		if err := rows.Scan(&addr, &raw); err != nil {
			return nil, errors.NewStoreError("scan variables", err)
		}
		vars := map[string]string{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &vars); err != nil {
				return nil, errors.NewStoreError("decode variables", err)
			}
		}
		out[addr] = vars
	}
	return out, rows.Err()
}
