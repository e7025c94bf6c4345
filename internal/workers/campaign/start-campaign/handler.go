// internal/workers/campaign/start-campaign/handler.go
package startcampaign

import (
	"context"
	"encoding/json"

	"campaign-dispatch/internal/common/errors"
	"campaign-dispatch/internal/common/logger"
	"campaign-dispatch/internal/common/queue"
	"campaign-dispatch/internal/common/validation"
	"campaign-dispatch/internal/models"
)

const (
	TaskType = "start-campaign"
)

// CampaignStore is the campaign persistence this handler needs.
type CampaignStore interface {
	Get(ctx context.Context, campaignID string) (*models.Campaign, error)
	BeginDispatch(ctx context.Context, campaignID string) (bool, error)
	SetTotals(ctx context.Context, campaignID, variantName string, total int) error
}

// RecipientStore is the recipient persistence this handler needs.
type RecipientStore interface {
	BulkInsert(ctx context.Context, campaignID, variantName string, recipients []models.Recipient) error
	VariantAddresses(ctx context.Context, campaignID, variantName string) ([]string, error)
}

// BatchDispatcher fans a variant's addresses out into queued batch jobs.
type BatchDispatcher interface {
	DispatchBatches(ctx context.Context, campaign *models.Campaign, variantName string, addresses []string) (int, error)
}

type Handler struct {
	config     *Config
	campaigns  CampaignStore
	recipients RecipientStore
	dispatcher BatchDispatcher
	logger     logger.Logger
}

func NewHandler(config *Config, campaigns CampaignStore, recipients RecipientStore, dispatcher BatchDispatcher, log logger.Logger) *Handler {
	return &Handler{
		config:     config,
		campaigns:  campaigns,
		recipients: recipients,
		dispatcher: dispatcher,
		logger:     log.WithFields(map[string]interface{}{"taskType": TaskType}),
	}
}

// Handle materializes a campaign's recipient records and enqueues its batch
// jobs. The whole fan-out is idempotent: BeginDispatch resets the progress
// counter at most once and batch job ids are deterministic, so a retried
// start job cannot double anything.
func (h *Handler) Handle(ctx context.Context, job *queue.Job) error {
	if err := validation.ValidatePayload(job.Type, job.Payload); err != nil {
		return err
	}

	var input models.StartCampaignPayload
	if err := json.Unmarshal(job.Payload, &input); err != nil {
		return errors.NewValidationError(err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	return h.execute(ctx, &input)
}

func (h *Handler) execute(ctx context.Context, input *models.StartCampaignPayload) error {
	campaign, err := h.campaigns.Get(ctx, input.CampaignID)
	if err != nil {
		return err
	}

	switch campaign.Status {
	case models.CampaignStatusCancelled, models.CampaignStatusPaused,
		models.CampaignStatusCompleted, models.CampaignStatusFailed:
		h.logger.Info("campaign no longer dispatchable, skipping start", map[string]interface{}{
			"campaign_id": campaign.ID,
			"status":      string(campaign.Status),
		})
		return nil
	}

	first, err := h.campaigns.BeginDispatch(ctx, campaign.ID)
	if err != nil {
		return err
	}
	if !first {
		h.logger.Info("dispatch already started, re-running fan-out idempotently", map[string]interface{}{
			"campaign_id": campaign.ID,
		})
	}

	for _, variant := range campaign.Variants {
		if err := h.startVariant(ctx, campaign, variant); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) startVariant(ctx context.Context, campaign *models.Campaign, variant models.Variant) error {
	if err := h.recipients.BulkInsert(ctx, campaign.ID, variant.Name, variant.Recipients); err != nil {
		return err
	}

	addresses, err := h.recipients.VariantAddresses(ctx, campaign.ID, variant.Name)
	if err != nil {
		return err
	}

	if err := h.campaigns.SetTotals(ctx, campaign.ID, variant.Name, len(addresses)); err != nil {
		return err
	}

	batches, err := h.dispatcher.DispatchBatches(ctx, campaign, variant.Name, addresses)
	if err != nil {
		return err
	}

	h.logger.Info("variant fan-out complete", map[string]interface{}{
		"campaign_id": campaign.ID,
		"variant":     variant.Name,
		"recipients":  len(addresses),
		"batches":     batches,
	})
	return nil
}
