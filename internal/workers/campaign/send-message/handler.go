// internal/workers/campaign/send-message/handler.go
package sendmessage

import (
	"context"
	"encoding/json"

	"campaign-dispatch/internal/common/errors"
	"campaign-dispatch/internal/common/logger"
	"campaign-dispatch/internal/common/metrics"
	"campaign-dispatch/internal/common/queue"
	"campaign-dispatch/internal/common/validation"
	"campaign-dispatch/internal/health"
	"campaign-dispatch/internal/models"
	"campaign-dispatch/internal/transport"
)

const (
	TaskType = "send-message"
)

// CampaignStore is the campaign persistence this handler needs.
type CampaignStore interface {
	Get(ctx context.Context, campaignID string) (*models.Campaign, error)
	AddRollup(ctx context.Context, campaignID, variantName string, sent, failed int) error
}

// RecipientStore is the recipient persistence this handler needs.
type RecipientStore interface {
	Claim(ctx context.Context, campaignID, variantName string, addresses []string) ([]string, error)
	MarkSent(ctx context.Context, campaignID, variantName string, addresses, messageIDs []string) error
	MarkFailed(ctx context.Context, campaignID, variantName string, addresses, reasons []string) error
	ReleaseProcessing(ctx context.Context, campaignID, variantName string, addresses []string) error
}

// HealthMonitor answers whether a user's channel session is usable.
type HealthMonitor interface {
	GetHealthySession(ctx context.Context, userID string, maxAttempts int) health.Probe
	Invalidate(ctx context.Context, userID string)
}

// ProgressTracker records processed recipients and drives completion.
type ProgressTracker interface {
	RecordProgress(ctx context.Context, campaignID string, delta int) error
}

type Handler struct {
	config     *Config
	campaigns  CampaignStore
	recipients RecipientStore
	monitor    HealthMonitor
	tracker    ProgressTracker
	sender     transport.Sender
	logger     logger.Logger
}

func NewHandler(config *Config, campaigns CampaignStore, recipients RecipientStore,
	monitor HealthMonitor, tracker ProgressTracker, sender transport.Sender,
	log logger.Logger) *Handler {
	return &Handler{
		config:     config,
		campaigns:  campaigns,
		recipients: recipients,
		monitor:    monitor,
		tracker:    tracker,
		sender:     sender,
		logger:     log.WithFields(map[string]interface{}{"taskType": TaskType}),
	}
}

// Handle dispatches a single recipient: the batch pipeline without the
// slicing and without inter-message pacing.
func (h *Handler) Handle(ctx context.Context, job *queue.Job) error {
	if err := validation.ValidatePayload(job.Type, job.Payload); err != nil {
		return err
	}

	var input models.SendMessagePayload
	if err := json.Unmarshal(job.Payload, &input); err != nil {
		return errors.NewValidationError(err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	return h.execute(ctx, &input)
}

func (h *Handler) execute(ctx context.Context, input *models.SendMessagePayload) error {
	log := h.logger.WithFields(map[string]interface{}{
		"campaign_id": input.CampaignID,
		"address":     input.Address,
	})

	campaign, err := h.campaigns.Get(ctx, input.CampaignID)
	if err != nil {
		return err
	}
	if campaign.Status != models.CampaignStatusRunning && campaign.Status != models.CampaignStatusScheduled {
		log.Info("campaign not dispatchable, dropping message", map[string]interface{}{
			"status": string(campaign.Status),
		})
		return nil
	}

	probe := h.monitor.GetHealthySession(ctx, input.UserID, 0)
	if !probe.Healthy {
		return errors.NewTransportError(sessionDownError(probe.Detail))
	}

	claimed, err := h.recipients.Claim(ctx, input.CampaignID, input.VariantName, []string{input.Address})
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		log.Debug("recipient already handled", nil)
		return nil
	}

	content := variantContent(campaign, input.VariantName)
	receipt, sendErr := h.sender.SendToAddress(ctx, input.UserID, input.Address, content, input.Variables)

	if sendErr != nil {
		switch errors.Classify(sendErr) {
		case errors.ClassTransport:
			// release the claim so the requeued job can take it again
			if err := h.recipients.ReleaseProcessing(ctx, input.CampaignID, input.VariantName, claimed); err != nil {
				log.Error("failed to release claim after session fault", map[string]interface{}{
					"error": err.Error(),
				})
			}
			h.monitor.Invalidate(ctx, input.UserID)
			return sendErr
		default:
			if err := h.recipients.MarkFailed(ctx, input.CampaignID, input.VariantName, claimed, []string{sendErr.Error()}); err != nil {
				log.Error("failed to persist delivery failure", map[string]interface{}{
					"error": err.Error(),
				})
			}
			metrics.MessagesDispatched.WithLabelValues("failed").Inc()
			if err := h.campaigns.AddRollup(ctx, input.CampaignID, input.VariantName, 0, 1); err != nil {
				log.Error("failed to update campaign rollup", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return h.tracker.RecordProgress(ctx, input.CampaignID, 1)
		}
	}

	if err := h.recipients.MarkSent(ctx, input.CampaignID, input.VariantName, claimed, []string{receipt.MessageID}); err != nil {
		log.Error("failed to persist sent recipient", map[string]interface{}{
			"error": err.Error(),
		})
	}
	metrics.MessagesDispatched.WithLabelValues("sent").Inc()
	if err := h.campaigns.AddRollup(ctx, input.CampaignID, input.VariantName, 1, 0); err != nil {
		log.Error("failed to update campaign rollup", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return h.tracker.RecordProgress(ctx, input.CampaignID, 1)
}

func variantContent(campaign *models.Campaign, variantName string) models.MessageContent {
	for _, v := range campaign.Variants {
		if v.Name == variantName {
			return v.Content
		}
	}
	return models.MessageContent{}
}

type sessionDownErr string

func (e sessionDownErr) Error() string { return string(e) }

func sessionDownError(detail string) error {
	if detail == "" {
		detail = "channel session unavailable"
	}
	return sessionDownErr(detail)
}
