package dispatch

import (
	"context"

	"campaign-dispatch/internal/common/logger"
	"campaign-dispatch/internal/common/metrics"
	"campaign-dispatch/internal/models"
)

// Tracker owns campaign progress accounting. All progress flows through the
// store's atomic increment; the completion write is conditional, so exactly
// one concurrent caller ever observes the transition.
type Tracker struct {
	campaigns CampaignStore
	logger    logger.Logger
}

func NewTracker(campaigns CampaignStore, log logger.Logger) *Tracker {
	return &Tracker{
		campaigns: campaigns,
		logger:    log.WithFields(map[string]interface{}{"component": "progress-tracker"}),
	}
}

// RecordProgress adds delta processed recipients and completes the campaign
// when the counter reaches the total. Losing the completion race to another
// worker is expected and not an error.
func (t *Tracker) RecordProgress(ctx context.Context, campaignID string, delta int) error {
	if delta <= 0 {
		return nil
	}

	progress, err := t.campaigns.IncrementProcessed(ctx, campaignID, delta)
	if err != nil {
		return err
	}

	if progress.Total <= 0 || progress.Processed < progress.Total {
		return nil
	}
	if progress.Status == models.CampaignStatusCompleted || progress.Status == models.CampaignStatusCancelled {
		return nil
	}

	won, err := t.campaigns.MarkCompleted(ctx, campaignID)
	if err != nil {
		return err
	}
	if !won {
		t.logger.Debug("completion race lost", map[string]interface{}{
			"campaign_id": campaignID,
		})
		return nil
	}

	metrics.CampaignsCompleted.Inc()
	t.logger.Info("campaign completed", map[string]interface{}{
		"campaign_id": campaignID,
		"processed":   progress.Processed,
		"total":       progress.Total,
	})
	return nil
}
