// internal/models/recipient.go
package models

import "time"

// DeliveryStatus is the per-recipient delivery state.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryRead       DeliveryStatus = "read"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliverySkipped    DeliveryStatus = "skipped"
)

// deliveryTransitions encodes the monotonic recipient state machine.
// delivered/read come from channel-side receipts and only ever move forward.
var deliveryTransitions = map[DeliveryStatus][]DeliveryStatus{
	DeliveryPending:    {DeliveryProcessing, DeliverySkipped},
	DeliveryProcessing: {DeliverySent, DeliveryFailed, DeliverySkipped},
	DeliverySent:       {DeliveryDelivered, DeliveryRead},
	DeliveryDelivered:  {DeliveryRead},
}

// CanTransition reports whether moving from s to next is legal.
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	if s == next {
		return false
	}
	for _, allowed := range deliveryTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Attempted reports whether the status counts toward campaign progress.
// Skipped recipients were handled elsewhere and are not re-counted.
func (s DeliveryStatus) Attempted() bool {
	return s == DeliverySent || s == DeliveryFailed
}

// DeliveryRecord is one durable row per (campaign, variant, address).
type DeliveryRecord struct {
	ID          int64             `json:"id"`
	CampaignID  string            `json:"campaignId"`
	VariantName string            `json:"variantName"`
	Address     string            `json:"address"`
	Variables   map[string]string `json:"variables,omitempty"`
	Status      DeliveryStatus    `json:"status"`
	LastError   string            `json:"lastError,omitempty"`
	RetryCount  int               `json:"retryCount"`
	SentAt      *time.Time        `json:"sentAt,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// StatusUpdate is one staged outcome from a send loop, applied in bulk.
type StatusUpdate struct {
	Address string         `json:"address"`
	Status  DeliveryStatus `json:"status"`
	Error   string         `json:"error,omitempty"`
}
