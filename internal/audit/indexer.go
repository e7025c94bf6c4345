// Package audit indexes terminal delivery outcomes into Elasticsearch for
// post-campaign inspection. Indexing is best effort: a failure here is
// logged and never blocks or retries dispatch work.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"campaign-dispatch/internal/common/logger"
	"campaign-dispatch/internal/models"
)

// DeliveryEvent is one indexed terminal outcome for an address.
type DeliveryEvent struct {
	CampaignID  string                `json:"campaignId"`
	VariantName string                `json:"variantName"`
	UserID      string                `json:"userId"`
	Address     string                `json:"address"`
	Status      models.DeliveryStatus `json:"status"`
	MessageID   string                `json:"messageId,omitempty"`
	Error       string                `json:"error,omitempty"`
	OccurredAt  time.Time             `json:"occurredAt"`
}

// Indexer writes delivery events in bulk.
type Indexer struct {
	client *elasticsearch.Client
	index  string
	logger logger.Logger
}

func NewIndexer(client *elasticsearch.Client, index string, log logger.Logger) *Indexer {
	if index == "" {
		index = "campaign-delivery-events"
	}
	return &Indexer{
		client: client,
		index:  index,
		logger: log.WithFields(map[string]interface{}{"component": "audit-indexer"}),
	}
}

// IndexEvents bulk-indexes a batch of delivery events. Errors are logged,
// never returned, so the caller's dispatch path cannot be blocked by the
// audit sink.
func (i *Indexer) IndexEvents(ctx context.Context, events []DeliveryEvent) {
	if i == nil || i.client == nil || len(events) == 0 {
		return
	}

	var buf bytes.Buffer
	for _, event := range events {
		meta := fmt.Sprintf(`{"index":{"_index":%q}}`, i.index)
		doc, err := json.Marshal(event)
		if err != nil {
			i.logger.Warn("failed to encode audit event", map[string]interface{}{
				"campaign_id": event.CampaignID,
				"error":       err.Error(),
			})
			continue
		}
		buf.WriteString(meta)
		buf.WriteByte('\n')
		buf.Write(doc)
		buf.WriteByte('\n')
	}
	if buf.Len() == 0 {
		return
	}

	res, err := i.client.Bulk(
		bytes.NewReader(buf.Bytes()),
		i.client.Bulk.WithContext(ctx),
	)
	if err != nil {
		i.logger.Warn("audit bulk index failed", map[string]interface{}{
			"events": len(events),
			"error":  err.Error(),
		})
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		i.logger.Warn("audit bulk index rejected", map[string]interface{}{
			"events": len(events),
			"status": res.Status(),
		})
	}
}

// EventsFromOutcomes builds audit events from a batch's staged updates.
func EventsFromOutcomes(campaignID, variantName, userID string, updates []models.StatusUpdate, messageIDs map[string]string, at time.Time) []DeliveryEvent {
	events := make([]DeliveryEvent, 0, len(updates))
	for _, u := range updates {
		events = append(events, DeliveryEvent{
			CampaignID:  campaignID,
			VariantName: variantName,
			UserID:      userID,
			Address:     u.Address,
			Status:      u.Status,
			MessageID:   messageIDs[u.Address],
			Error:       u.Error,
			OccurredAt:  at,
		})
	}
	return events
}
