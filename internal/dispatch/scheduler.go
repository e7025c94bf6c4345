// Package dispatch turns campaigns into queued work and tracks their
// progress to the exactly-once completion write.
package dispatch

import (
	"context"
	"time"

	"campaign-dispatch/internal/common/config"
	"campaign-dispatch/internal/common/errors"
	"campaign-dispatch/internal/common/logger"
	"campaign-dispatch/internal/common/queue"
	"campaign-dispatch/internal/models"
	"campaign-dispatch/internal/store"
)

// CampaignStore is the slice of campaign persistence the dispatch layer
// needs. Satisfied by *store.CampaignStore; tests use fakes.
type CampaignStore interface {
	Get(ctx context.Context, campaignID string) (*models.Campaign, error)
	UpdateStatus(ctx context.Context, campaignID string, next models.CampaignStatus) error
	IncrementProcessed(ctx context.Context, campaignID string, delta int) (*store.Progress, error)
	MarkCompleted(ctx context.Context, campaignID string) (bool, error)
	Progress(ctx context.Context, campaignID string) (*store.Progress, error)
}

// JobQueue is the slice of the work queue the dispatch layer needs.
type JobQueue interface {
	Enqueue(ctx context.Context, jobType models.JobType, campaignID string, payload interface{}, opts queue.EnqueueOptions) (string, error)
	ListScheduled(ctx context.Context, campaignID string) ([]*queue.Job, error)
	Remove(ctx context.Context, jobID string) error
}

// Scheduler decides when a campaign's dispatch starts and fans batches out
// onto the queue.
type Scheduler struct {
	campaigns CampaignStore
	queue     JobQueue
	cfg       config.DispatchConfig
	logger    logger.Logger
	now       func() time.Time
}

func NewScheduler(campaigns CampaignStore, q JobQueue, cfg config.DispatchConfig, log logger.Logger) *Scheduler {
	return &Scheduler{
		campaigns: campaigns,
		queue:     q,
		cfg:       cfg,
		logger:    log.WithFields(map[string]interface{}{"component": "scheduler"}),
		now:       time.Now,
	}
}

// Launch persists the schedule transition and enqueues the start-campaign
// job with the schedule's delay. The status write happens before the
// enqueue so a queue outage never leaves a silently running campaign.
func (s *Scheduler) Launch(ctx context.Context, campaignID string) error {
	campaign, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}

	delay, err := campaign.Schedule.Delay(s.now())
	if err != nil {
		if campaign.Schedule.Type == models.ScheduleFixed && campaign.Schedule.Timezone != "" {
			// unknown zone: fall back to treating the scheduled time as UTC
			s.logger.Warn("unknown timezone on schedule, falling back to UTC", map[string]interface{}{
				"campaign_id": campaignID,
				"timezone":    campaign.Schedule.Timezone,
			})
			fallback := campaign.Schedule
			fallback.Timezone = ""
			if delay, err = fallback.Delay(s.now()); err != nil {
				return errors.NewValidationError(err.Error())
			}
		} else {
			return errors.NewValidationError(err.Error())
		}
	}

	next := models.CampaignStatusScheduled
	if campaign.Schedule.Type == models.ScheduleImmediate {
		next = models.CampaignStatusRunning
	}
	if err := s.campaigns.UpdateStatus(ctx, campaignID, next); err != nil {
		return err
	}

	payload := models.StartCampaignPayload{
		CampaignID: campaignID,
		UserID:     campaign.UserID,
	}
	jobID, err := s.queue.Enqueue(ctx, models.JobTypeStartCampaign, campaignID, payload, queue.EnqueueOptions{
		ID:    campaignID + "_start",
		Delay: delay,
	})
	if err != nil {
		return err
	}

	s.logger.Info("campaign launch scheduled", map[string]interface{}{
		"campaign_id": campaignID,
		"job_id":      jobID,
		"schedule":    string(campaign.Schedule.Type),
		"delay":       delay.String(),
	})
	return nil
}

// DispatchBatches slices a variant's addresses into batch jobs with
// deterministic ids. A re-run enqueues the same ids and the queue's dedup
// drops the duplicates, so the fan-out is idempotent.
func (s *Scheduler) DispatchBatches(ctx context.Context, campaign *models.Campaign, variantName string, addresses []string) (int, error) {
	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 20
	}

	batches := 0
	for offset := 0; offset < len(addresses); offset += batchSize {
		end := offset + batchSize
		if end > len(addresses) {
			end = len(addresses)
		}

		payload := models.SendBatchPayload{
			CampaignID:  campaign.ID,
			VariantName: variantName,
			Offset:      offset,
			Addresses:   addresses[offset:end],
			UserID:      campaign.UserID,
			Priority:    campaign.Priority,
		}
		_, err := s.queue.Enqueue(ctx, models.JobTypeSendBatch, campaign.ID, payload, queue.EnqueueOptions{
			ID:    models.BatchJobID(campaign.ID, variantName, offset),
			Delay: time.Duration(batches) * s.cfg.PacingInterval,
		})
		if err != nil {
			return batches, err
		}
		batches++
	}

	s.logger.Info("variant batches enqueued", map[string]interface{}{
		"campaign_id": campaign.ID,
		"variant":     variantName,
		"recipients":  len(addresses),
		"batches":     batches,
	})
	return batches, nil
}
