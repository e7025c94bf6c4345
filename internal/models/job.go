// internal/models/job.go
package models

import "fmt"

// JobType identifies a unit of dispatch work on the queue.
type JobType string

const (
	JobTypeStartCampaign JobType = "start-campaign"
	JobTypeSendBatch     JobType = "send-batch"
	JobTypeSendMessage   JobType = "send-message"
)

// StartCampaignPayload kicks off batch fan-out for a campaign.
type StartCampaignPayload struct {
	CampaignID string `json:"campaignId"`
	UserID     string `json:"userId,omitempty"`
}

// SendBatchPayload is one bounded slice of a variant's recipients. The batch
// is identified deterministically by (campaignId, variantName, offset) so a
// re-submitted identical batch dedups on the queue.
type SendBatchPayload struct {
	CampaignID  string   `json:"campaignId"`
	VariantName string   `json:"variantName"`
	Offset      int      `json:"offset"`
	Addresses   []string `json:"addresses"`
	UserID      string   `json:"userId"`
	Priority    string   `json:"priority,omitempty"`
}

// SendMessagePayload is a single-recipient dispatch.
type SendMessagePayload struct {
	CampaignID  string            `json:"campaignId"`
	VariantName string            `json:"variantName"`
	Address     string            `json:"address"`
	UserID      string            `json:"userId"`
	Variables   map[string]string `json:"variables,omitempty"`
	Priority    string            `json:"priority,omitempty"`
}

// BatchJobID builds the deterministic job id for a send-batch job.
func BatchJobID(campaignID, variantName string, offset int) string {
	return fmt.Sprintf("%s_%s_%d", campaignID, variantName, offset)
}
