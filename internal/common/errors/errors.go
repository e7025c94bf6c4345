// Package errors provides standardized error handling for the dispatch engine.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeCampaignNotFound   ErrorCode = "CAMPAIGN_NOT_FOUND"
	ErrCodeCampaignInvalid    ErrorCode = "CAMPAIGN_INVALID"
	ErrCodeIllegalTransition  ErrorCode = "ILLEGAL_STATUS_TRANSITION"
	ErrCodeJobPayloadInvalid  ErrorCode = "JOB_PAYLOAD_INVALID"
	ErrCodeEnqueueFailed      ErrorCode = "ENQUEUE_FAILED"
	ErrCodeDuplicateJob       ErrorCode = "DUPLICATE_JOB"
	ErrCodeSessionUnavailable ErrorCode = "CHANNEL_SESSION_UNAVAILABLE"
	ErrCodeSendFailed         ErrorCode = "SEND_FAILED"
	ErrCodeRecipientRejected  ErrorCode = "RECIPIENT_REJECTED"
	ErrCodeStoreOperation     ErrorCode = "STORE_OPERATION_FAILED"
	ErrCodeCompletionRaceLost ErrorCode = "COMPLETION_RACE_LOST"
	ErrCodeRetriesExhausted   ErrorCode = "RETRIES_EXHAUSTED"
)

// Class is the retry/propagation class of an error, consumed by the queue's
// requeue/fail dispatcher.
type Class int

const (
	// ClassPermanent errors are surfaced immediately and never retried.
	ClassPermanent Class = iota
	// ClassTransport errors trigger session recovery and a job requeue.
	ClassTransport
	// ClassPerRecipient errors are absorbed onto the recipient record.
	ClassPerRecipient
	// ClassRaceLost marks an expected lost completion race, not a failure.
	ClassRaceLost
	// ClassRetryable errors are retried with backoff up to the attempt ceiling.
	ClassRetryable
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// NewCampaignNotFoundError creates a non-retryable lookup error.
func NewCampaignNotFoundError(campaignID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeCampaignNotFound,
		Message:   "Campaign not found",
		Details:   fmt.Sprintf("campaignId: %s", campaignID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewValidationError creates a non-retryable input validation error.
func NewValidationError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeJobPayloadInvalid,
		Message:   "Job payload validation failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewIllegalTransitionError creates a non-retryable status transition error.
func NewIllegalTransitionError(entity, from, to string) *StandardError {
	return &StandardError{
		Code:      ErrCodeIllegalTransition,
		Message:   "Illegal status transition",
		Details:   fmt.Sprintf("%s: %s -> %s", entity, from, to),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewEnqueueFailedError creates a retryable queue error.
func NewEnqueueFailedError(jobID string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeEnqueueFailed,
		Message:   "Failed to enqueue job",
		Details:   fmt.Sprintf("jobId: %s, error: %s", jobID, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewTransportError creates a retryable channel/session error.
func NewTransportError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeSessionUnavailable,
		Message:   "Channel session unavailable",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewPerRecipientError creates an error recorded on a single recipient. It
// never fails the batch or the job.
func NewPerRecipientError(address string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeRecipientRejected,
		Message:   "Delivery failed for recipient",
		Details:   err.Error(),
		Retryable: false,
		Metadata:  map[string]interface{}{"address": address},
		Timestamp: time.Now().UTC(),
	}
}

// NewStoreError creates a retryable persistence error.
func NewStoreError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStoreOperation,
		Message:   "Store operation failed",
		Details:   fmt.Sprintf("operation: %s, error: %s", operation, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewRaceLostError marks a completion write that found the campaign already
// completed by another worker. Expected under concurrency, logged at most.
func NewRaceLostError(campaignID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeCompletionRaceLost,
		Message:   "Campaign already completed by another worker",
		Details:   fmt.Sprintf("campaignId: %s", campaignID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewRetriesExhaustedError marks a job whose attempt budget ran out.
func NewRetriesExhaustedError(jobID string, attempts int) *StandardError {
	return &StandardError{
		Code:      ErrCodeRetriesExhausted,
		Message:   "Job retries exhausted",
		Details:   fmt.Sprintf("jobId: %s, attempts: %d", jobID, attempts),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// sessionErrorPhrases are substrings that mark a failure as a channel/session
// fault rather than a per-recipient delivery failure.
var sessionErrorPhrases = []string{
	"session closed",
	"session not found",
	"not connected",
	"not paired",
	"connection refused",
	"connection reset",
	"broken pipe",
	"websocket",
	"timeout",
	"deadline exceeded",
	"unavailable",
	"unreachable",
	"throttl",
	"too many requests",
}

// IsSessionError reports whether the error smells like a channel/session
// fault. Such failures are transport retries, not delivery failures.
func IsSessionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range sessionErrorPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// Classify maps any error to its retry/propagation class.
func Classify(err error) Class {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		switch stdErr.Code {
		case ErrCodeCompletionRaceLost:
			return ClassRaceLost
		case ErrCodeSessionUnavailable:
			return ClassTransport
		case ErrCodeRecipientRejected:
			return ClassPerRecipient
		}
		if stdErr.Retryable {
			return ClassRetryable
		}
		return ClassPermanent
	}
	if IsSessionError(err) {
		return ClassTransport
	}
	// Unknown errors get the bounded-retry treatment rather than silently
	// dropping work.
	return ClassRetryable
}
