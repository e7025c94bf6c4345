package dispatch

import (
	"context"

	"campaign-dispatch/internal/common/logger"
	"campaign-dispatch/internal/models"
	"campaign-dispatch/internal/store"
)

// Engine is the facade callers use to drive campaign dispatch.
type Engine struct {
	scheduler *Scheduler
	tracker   *Tracker
	campaigns CampaignStore
	queue     JobQueue
	logger    logger.Logger
}

func NewEngine(scheduler *Scheduler, tracker *Tracker, campaigns CampaignStore, q JobQueue, log logger.Logger) *Engine {
	return &Engine{
		scheduler: scheduler,
		tracker:   tracker,
		campaigns: campaigns,
		queue:     q,
		logger:    log.WithFields(map[string]interface{}{"component": "dispatch-engine"}),
	}
}

// LaunchCampaign starts, schedules or delays a campaign per its schedule.
func (e *Engine) LaunchCampaign(ctx context.Context, campaignID string) error {
	return e.scheduler.Launch(ctx, campaignID)
}

// GetCampaignProgress returns the processed/total snapshot and status.
func (e *Engine) GetCampaignProgress(ctx context.Context, campaignID string) (*store.Progress, error) {
	return e.campaigns.Progress(ctx, campaignID)
}

// CancelCampaign moves the campaign to cancelled and removes its scheduled
// jobs best effort. Jobs already in flight run out; the claim guard keeps
// them from touching recipients handled elsewhere.
func (e *Engine) CancelCampaign(ctx context.Context, campaignID string) error {
	if err := e.campaigns.UpdateStatus(ctx, campaignID, models.CampaignStatusCancelled); err != nil {
		return err
	}

	jobs, err := e.queue.ListScheduled(ctx, campaignID)
	if err != nil {
		e.logger.Warn("could not list scheduled jobs for cancellation", map[string]interface{}{
			"campaign_id": campaignID,
			"error":       err.Error(),
		})
		return nil
	}

	removed := 0
	for _, job := range jobs {
		if err := e.queue.Remove(ctx, job.ID); err != nil {
			e.logger.Warn("failed to remove scheduled job", map[string]interface{}{
				"campaign_id": campaignID,
				"job_id":      job.ID,
				"error":       err.Error(),
			})
			continue
		}
		removed++
	}

	e.logger.Info("campaign cancelled", map[string]interface{}{
		"campaign_id":  campaignID,
		"jobs_removed": removed,
	})
	return nil
}
