package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCampaignStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		from CampaignStatus
		to   CampaignStatus
		want bool
	}{
		{name: "draft to running", from: CampaignStatusDraft, to: CampaignStatusRunning, want: true},
		{name: "draft to scheduled", from: CampaignStatusDraft, to: CampaignStatusScheduled, want: true},
		{name: "scheduled to running", from: CampaignStatusScheduled, to: CampaignStatusRunning, want: true},
		{name: "running to completed", from: CampaignStatusRunning, to: CampaignStatusCompleted, want: true},
		{name: "running to cancelled", from: CampaignStatusRunning, to: CampaignStatusCancelled, want: true},
		{name: "paused resumes", from: CampaignStatusPaused, to: CampaignStatusRunning, want: true},
		{name: "completed is terminal", from: CampaignStatusCompleted, to: CampaignStatusRunning, want: false},
		{name: "cancelled is terminal", from: CampaignStatusCancelled, to: CampaignStatusRunning, want: false},
		{name: "no self transition", from: CampaignStatusRunning, to: CampaignStatusRunning, want: false},
		{name: "draft straight to completed", from: CampaignStatusDraft, to: CampaignStatusCompleted, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, CampaignStatusCompleted.Terminal())
	assert.True(t, CampaignStatusCancelled.Terminal())
	assert.True(t, CampaignStatusFailed.Terminal())
	assert.False(t, CampaignStatusRunning.Terminal())
	assert.False(t, CampaignStatusDraft.Terminal())
}

func TestAllowedPredecessors(t *testing.T) {
	preds := AllowedPredecessors(CampaignStatusRunning)
	assert.ElementsMatch(t, []string{"draft", "scheduled", "paused"}, preds)

	preds = AllowedPredecessors(CampaignStatusCompleted)
	assert.ElementsMatch(t, []string{"running"}, preds)
}

func TestScheduleDelay(t *testing.T) {
	now := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)

	t.Run("immediate", func(t *testing.T) {
		delay, err := Schedule{Type: ScheduleImmediate}.Delay(now)
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("fixed future time", func(t *testing.T) {
		at := now.Add(2 * time.Hour)
		delay, err := Schedule{Type: ScheduleFixed, ScheduledAt: &at}.Delay(now)
		require.NoError(t, err)
		assert.Equal(t, 2*time.Hour, delay)
	})

	t.Run("fixed time in the past is negative", func(t *testing.T) {
		at := now.Add(-30 * time.Minute)
		delay, err := Schedule{Type: ScheduleFixed, ScheduledAt: &at}.Delay(now)
		require.NoError(t, err)
		assert.Equal(t, -30*time.Minute, delay)
	})

	t.Run("fixed without time errors", func(t *testing.T) {
		_, err := Schedule{Type: ScheduleFixed}.Delay(now)
		assert.Error(t, err)
	})

	t.Run("fixed with invalid timezone errors", func(t *testing.T) {
		at := now.Add(time.Hour)
		_, err := Schedule{Type: ScheduleFixed, ScheduledAt: &at, Timezone: "Mars/Olympus"}.Delay(now)
		assert.Error(t, err)
	})

	t.Run("delayed units", func(t *testing.T) {
		tests := []struct {
			unit  DelayUnit
			count int
			want  time.Duration
		}{
			{unit: DelayUnitMinutes, count: 15, want: 15 * time.Minute},
			{unit: DelayUnitHours, count: 2, want: 2 * time.Hour},
			{unit: DelayUnitDays, count: 1, want: 24 * time.Hour},
		}
		for _, tt := range tests {
			delay, err := Schedule{Type: ScheduleDelayed, CustomDelay: tt.count, DelayUnit: tt.unit}.Delay(now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, delay)
		}
	})

	t.Run("unknown type errors", func(t *testing.T) {
		_, err := Schedule{Type: "someday"}.Delay(now)
		assert.Error(t, err)
	})
}

func TestVariantTotalSum(t *testing.T) {
	c := &Campaign{
		Variants: []Variant{
			{Name: "A", Metrics: CampaignMetrics{TotalRecipients: 40}},
			{Name: "B", Metrics: CampaignMetrics{TotalRecipients: 60}},
		},
	}
	assert.Equal(t, 100, c.VariantTotalSum())
}
