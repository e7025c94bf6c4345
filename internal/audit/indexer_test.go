package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-dispatch/internal/models"
)

func TestEventsFromOutcomes(t *testing.T) {
	at := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	updates := []models.StatusUpdate{
		{Address: "+15550001", Status: models.DeliverySent},
		{Address: "+15550002", Status: models.DeliveryFailed, Error: "invalid address"},
	}
	messageIDs := map[string]string{"+15550001": "msg-1"}

	events := EventsFromOutcomes("camp-1", "A", "user-1", updates, messageIDs, at)

	require.Len(t, events, 2)

	assert.Equal(t, "camp-1", events[0].CampaignID)
	assert.Equal(t, "A", events[0].VariantName)
	assert.Equal(t, "user-1", events[0].UserID)
	assert.Equal(t, "+15550001", events[0].Address)
	assert.Equal(t, models.DeliverySent, events[0].Status)
	assert.Equal(t, "msg-1", events[0].MessageID)
	assert.Empty(t, events[0].Error)
	assert.Equal(t, at, events[0].OccurredAt)

	assert.Equal(t, "+15550002", events[1].Address)
	assert.Equal(t, models.DeliveryFailed, events[1].Status)
	assert.Equal(t, "invalid address", events[1].Error)
	assert.Empty(t, events[1].MessageID)
}

func TestEventsFromOutcomesEmpty(t *testing.T) {
	events := EventsFromOutcomes("camp-1", "A", "user-1", nil, nil, time.Now())
	assert.Empty(t, events)
}
