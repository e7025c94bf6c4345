package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		from DeliveryStatus
		to   DeliveryStatus
		want bool
	}{
		{name: "pending claimed", from: DeliveryPending, to: DeliveryProcessing, want: true},
		{name: "pending skipped", from: DeliveryPending, to: DeliverySkipped, want: true},
		{name: "processing sent", from: DeliveryProcessing, to: DeliverySent, want: true},
		{name: "processing failed", from: DeliveryProcessing, to: DeliveryFailed, want: true},
		{name: "sent delivered", from: DeliverySent, to: DeliveryDelivered, want: true},
		{name: "delivered read", from: DeliveryDelivered, to: DeliveryRead, want: true},
		{name: "sent read skips delivered", from: DeliverySent, to: DeliveryRead, want: true},
		{name: "no regression to pending", from: DeliverySent, to: DeliveryPending, want: false},
		{name: "failed is terminal", from: DeliveryFailed, to: DeliverySent, want: false},
		{name: "pending cannot jump to sent", from: DeliveryPending, to: DeliverySent, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestAttempted(t *testing.T) {
	assert.True(t, DeliverySent.Attempted())
	assert.True(t, DeliveryFailed.Attempted())
	assert.False(t, DeliveryPending.Attempted())
	assert.False(t, DeliveryProcessing.Attempted())
	assert.False(t, DeliverySkipped.Attempted())
}

func TestBatchJobID(t *testing.T) {
	assert.Equal(t, "camp-1_A_40", BatchJobID("camp-1", "A", 40))
}
