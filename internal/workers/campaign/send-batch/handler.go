// internal/workers/campaign/send-batch/handler.go
package sendbatch

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"campaign-dispatch/internal/audit"
	"campaign-dispatch/internal/common/errors"
	"campaign-dispatch/internal/common/logger"
	"campaign-dispatch/internal/common/metrics"
	"campaign-dispatch/internal/common/queue"
	"campaign-dispatch/internal/common/validation"
	"campaign-dispatch/internal/health"
	"campaign-dispatch/internal/models"
	"campaign-dispatch/internal/ratelimit"
	"campaign-dispatch/internal/transport"
)

const (
	TaskType = "send-batch"
)

// CampaignStore is the campaign persistence this handler needs.
type CampaignStore interface {
	Get(ctx context.Context, campaignID string) (*models.Campaign, error)
	AddRollup(ctx context.Context, campaignID, variantName string, sent, failed int) error
}

// RecipientStore is the recipient persistence this handler needs.
type RecipientStore interface {
	Claim(ctx context.Context, campaignID, variantName string, addresses []string) ([]string, error)
	Variables(ctx context.Context, campaignID, variantName string, addresses []string) (map[string]map[string]string, error)
	MarkSent(ctx context.Context, campaignID, variantName string, addresses, messageIDs []string) error
	MarkFailed(ctx context.Context, campaignID, variantName string, addresses, reasons []string) error
	ReleaseProcessing(ctx context.Context, campaignID, variantName string, addresses []string) error
	PendingCount(ctx context.Context, campaignID string) (int, error)
}

// HealthMonitor answers whether a user's channel session is usable.
type HealthMonitor interface {
	GetHealthySession(ctx context.Context, userID string, maxAttempts int) health.Probe
	Invalidate(ctx context.Context, userID string)
}

// RateEngine computes the pacing policy for one dispatch attempt.
type RateEngine interface {
	ComputePolicy(ctx context.Context, campaign *models.Campaign) ratelimit.Policy
}

// ProgressTracker records processed recipients and drives completion.
type ProgressTracker interface {
	RecordProgress(ctx context.Context, campaignID string, delta int) error
}

// BatchCanceller removes a campaign's still-scheduled jobs.
type BatchCanceller interface {
	ListScheduled(ctx context.Context, campaignID string) ([]*queue.Job, error)
	Remove(ctx context.Context, jobID string) error
}

type Handler struct {
	config     *Config
	campaigns  CampaignStore
	recipients RecipientStore
	monitor    HealthMonitor
	rates      RateEngine
	tracker    ProgressTracker
	canceller  BatchCanceller
	sender     transport.Sender
	auditor    *audit.Indexer
	logger     logger.Logger
}

func NewHandler(config *Config, campaigns CampaignStore, recipients RecipientStore,
	monitor HealthMonitor, rates RateEngine, tracker ProgressTracker,
	canceller BatchCanceller, sender transport.Sender, auditor *audit.Indexer,
	log logger.Logger) *Handler {
	return &Handler{
		config:     config,
		campaigns:  campaigns,
		recipients: recipients,
		monitor:    monitor,
		rates:      rates,
		tracker:    tracker,
		canceller:  canceller,
		sender:     sender,
		auditor:    auditor,
		logger:     log.WithFields(map[string]interface{}{"taskType": TaskType}),
	}
}

// Handle runs the batch pipeline: health check, claim, send loop, bulk
// persist, progress, completion. A session fault requeues the job via the
// queue's transport handling; everything already attempted stays persisted
// and counted, everything unattempted is released for the retry to claim.
func (h *Handler) Handle(ctx context.Context, job *queue.Job) error {
	if err := validation.ValidatePayload(job.Type, job.Payload); err != nil {
		return err
	}

	var input models.SendBatchPayload
	if err := json.Unmarshal(job.Payload, &input); err != nil {
		return errors.NewValidationError(err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	return h.execute(ctx, &input)
}

func (h *Handler) execute(ctx context.Context, input *models.SendBatchPayload) error {
	log := h.logger.WithFields(map[string]interface{}{
		"campaign_id": input.CampaignID,
		"variant":     input.VariantName,
		"offset":      input.Offset,
	})

	campaign, err := h.campaigns.Get(ctx, input.CampaignID)
	if err != nil {
		return err
	}
	if !dispatchable(campaign.Status) {
		log.Info("campaign not dispatchable, dropping batch", map[string]interface{}{
			"status": string(campaign.Status),
		})
		return nil
	}

	probe := h.monitor.GetHealthySession(ctx, input.UserID, 0)
	if !probe.Healthy {
		// no recipient was touched; the requeued job re-runs the whole batch
		log.Warn("channel session unhealthy, requeueing batch", map[string]interface{}{
			"detail": probe.Detail,
		})
		return errors.NewTransportError(sessionDownError(probe.Detail))
	}

	claimed, err := h.recipients.Claim(ctx, input.CampaignID, input.VariantName, input.Addresses)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		log.Info("nothing left to claim in batch", nil)
		h.maybeCancelRemaining(ctx, log, input.CampaignID)
		return nil
	}

	vars, err := h.recipients.Variables(ctx, input.CampaignID, input.VariantName, claimed)
	if err != nil {
		h.release(ctx, log, input, claimed)
		return err
	}

	policy := h.rates.ComputePolicy(ctx, campaign)
	content := variantContent(campaign, input.VariantName)

	outcome := h.sendLoop(ctx, log, input, campaign, content, claimed, vars, policy)

	h.persistOutcome(ctx, log, input, outcome)

	attempted := len(outcome.sent) + len(outcome.failed)
	if attempted > 0 {
		if err := h.tracker.RecordProgress(ctx, input.CampaignID, attempted); err != nil {
			return err
		}
	}

	if outcome.sessionFault != nil {
		h.monitor.Invalidate(ctx, input.UserID)
		return outcome.sessionFault
	}
	return nil
}

// batchOutcome is the staged result of one send loop.
type batchOutcome struct {
	sent         []string
	messageIDs   []string
	failed       []string
	reasons      []string
	unattempted  []string
	sessionFault error
}

// statusUpdates flattens the staged terminal outcomes into one slice.
func (o batchOutcome) statusUpdates() []models.StatusUpdate {
	updates := make([]models.StatusUpdate, 0, len(o.sent)+len(o.failed))
	for _, address := range o.sent {
		updates = append(updates, models.StatusUpdate{Address: address, Status: models.DeliverySent})
	}
	for i, address := range o.failed {
		updates = append(updates, models.StatusUpdate{Address: address, Status: models.DeliveryFailed, Error: o.reasons[i]})
	}
	return updates
}

func (o batchOutcome) messageIDsByAddress() map[string]string {
	ids := make(map[string]string, len(o.sent))
	for i, address := range o.sent {
		ids[address] = o.messageIDs[i]
	}
	return ids
}

func (h *Handler) sendLoop(ctx context.Context, log logger.Logger, input *models.SendBatchPayload,
	campaign *models.Campaign, content models.MessageContent, claimed []string,
	vars map[string]map[string]string, policy ratelimit.Policy) batchOutcome {

	var out batchOutcome
	pacer := ratelimit.PacerFor(policy)
	urgent := strings.EqualFold(campaign.Priority, "urgent")

	for i, address := range claimed {
		if out.sessionFault == nil && !urgent && i > 0 {
			if err := pacer.Wait(ctx); err != nil {
				out.sessionFault = errors.NewTransportError(err)
			}
		}
		if out.sessionFault != nil {
			out.unattempted = append(out.unattempted, address)
			continue
		}

		receipt, err := h.sender.SendToAddress(ctx, input.UserID, address, content, vars[address])
		if err == nil {
			out.sent = append(out.sent, address)
			out.messageIDs = append(out.messageIDs, receipt.MessageID)
			metrics.MessagesDispatched.WithLabelValues("sent").Inc()
			continue
		}

		switch errors.Classify(err) {
		case errors.ClassTransport:
			// channel went down mid-loop; stop sending and let the retry
			// handle the rest
			log.Warn("session fault mid-batch", map[string]interface{}{
				"address": address,
				"error":   err.Error(),
			})
			out.sessionFault = err
			out.unattempted = append(out.unattempted, address)
		default:
			out.failed = append(out.failed, address)
			out.reasons = append(out.reasons, err.Error())
			metrics.MessagesDispatched.WithLabelValues("failed").Inc()
		}
	}
	return out
}

// persistOutcome applies the staged updates in bulk. Persistence failures
// are logged but the batch's progress is still counted; the recipients stay
// in processing and are visible to operators.
func (h *Handler) persistOutcome(ctx context.Context, log logger.Logger, input *models.SendBatchPayload, out batchOutcome) {
	if err := h.recipients.MarkSent(ctx, input.CampaignID, input.VariantName, out.sent, out.messageIDs); err != nil {
		log.Error("failed to persist sent recipients", map[string]interface{}{
			"count": len(out.sent),
			"error": err.Error(),
		})
	}
	if err := h.recipients.MarkFailed(ctx, input.CampaignID, input.VariantName, out.failed, out.reasons); err != nil {
		log.Error("failed to persist failed recipients", map[string]interface{}{
			"count": len(out.failed),
			"error": err.Error(),
		})
	}
	h.release(ctx, log, input, out.unattempted)

	if len(out.sent)+len(out.failed) > 0 {
		if err := h.campaigns.AddRollup(ctx, input.CampaignID, input.VariantName, len(out.sent), len(out.failed)); err != nil {
			log.Error("failed to update campaign rollup", map[string]interface{}{
				"error": err.Error(),
			})
		}
		h.auditOutcome(ctx, input, out)
	}
}

func (h *Handler) auditOutcome(ctx context.Context, input *models.SendBatchPayload, out batchOutcome) {
	if h.auditor == nil {
		return
	}
	events := audit.EventsFromOutcomes(input.CampaignID, input.VariantName, input.UserID,
		out.statusUpdates(), out.messageIDsByAddress(), time.Now().UTC())
	h.auditor.IndexEvents(ctx, events)
}

func (h *Handler) release(ctx context.Context, log logger.Logger, input *models.SendBatchPayload, addresses []string) {
	if len(addresses) == 0 {
		return
	}
	if err := h.recipients.ReleaseProcessing(ctx, input.CampaignID, input.VariantName, addresses); err != nil {
		log.Error("failed to release unattempted claims", map[string]interface{}{
			"count": len(addresses),
			"error": err.Error(),
		})
	}
}

// maybeCancelRemaining drops the campaign's still-scheduled batches when no
// pending recipients remain. Best effort: the atomic progress counter, not
// this check, is what guarantees correct completion.
func (h *Handler) maybeCancelRemaining(ctx context.Context, log logger.Logger, campaignID string) {
	pending, err := h.recipients.PendingCount(ctx, campaignID)
	if err != nil || pending > 0 {
		return
	}

	jobs, err := h.canceller.ListScheduled(ctx, campaignID)
	if err != nil {
		return
	}
	for _, job := range jobs {
		if job.Type != models.JobTypeSendBatch {
			continue
		}
		if err := h.canceller.Remove(ctx, job.ID); err != nil {
			log.Warn("failed to remove drained batch job", map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			})
		}
	}
}

func dispatchable(status models.CampaignStatus) bool {
	return status == models.CampaignStatusRunning || status == models.CampaignStatusScheduled
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
