// internal/models/campaign.go
package models

import (
	"fmt"
	"sort"
	"time"
)

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// campaignTransitions is the validated transition table. Statuses not listed
// as a source are terminal.
var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignStatusDraft:     {CampaignStatusScheduled, CampaignStatusRunning, CampaignStatusCancelled},
	CampaignStatusScheduled: {CampaignStatusRunning, CampaignStatusPaused, CampaignStatusCancelled},
	CampaignStatusRunning:   {CampaignStatusPaused, CampaignStatusCompleted, CampaignStatusFailed, CampaignStatusCancelled},
	CampaignStatusPaused:    {CampaignStatusRunning, CampaignStatusCancelled},
}

// CanTransition reports whether moving from s to next is a legal campaign
// status transition.
func (s CampaignStatus) CanTransition(next CampaignStatus) bool {
	if s == next {
		return false
	}
	for _, allowed := range campaignTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s CampaignStatus) Terminal() bool {
	return len(campaignTransitions[s]) == 0
}

// AllowedPredecessors returns every status that may legally transition into
// next, sorted for stable SQL arguments. Used by the store to express
// transition checks as a single conditional UPDATE.
func AllowedPredecessors(next CampaignStatus) []string {
	var from []string
	for src, targets := range campaignTransitions {
		for _, t := range targets {
			if t == next {
				from = append(from, string(src))
			}
		}
	}
	sort.Strings(from)
	return from
}

// ScheduleType determines when a campaign is dispatched.
type ScheduleType string

const (
	ScheduleImmediate ScheduleType = "immediate"
	ScheduleFixed     ScheduleType = "scheduled"
	ScheduleDelayed   ScheduleType = "delayed"
)

// DelayUnit is the unit of a relative-delay schedule.
type DelayUnit string

const (
	DelayUnitMinutes DelayUnit = "minutes"
	DelayUnitHours   DelayUnit = "hours"
	DelayUnitDays    DelayUnit = "days"
)

// Multiplier returns the duration of one delay unit.
func (u DelayUnit) Multiplier() time.Duration {
	switch u {
	case DelayUnitHours:
		return time.Hour
	case DelayUnitDays:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Schedule describes when a campaign should start dispatching.
type Schedule struct {
	Type        ScheduleType `json:"type"`
	ScheduledAt *time.Time   `json:"scheduledAt,omitempty"`
	Timezone    string       `json:"timezone,omitempty"`
	CustomDelay int          `json:"customDelay,omitempty"`
	DelayUnit   DelayUnit    `json:"delayUnit,omitempty"`
}

// Delay computes the enqueue delay for the schedule relative to now (UTC).
// A fixed-time schedule already in the past yields a negative delay; the
// queue executes such jobs immediately.
func (s Schedule) Delay(now time.Time) (time.Duration, error) {
	switch s.Type {
	case ScheduleImmediate:
		return 0, nil
	case ScheduleFixed:
		if s.ScheduledAt == nil {
			return 0, fmt.Errorf("scheduled campaign has no scheduled time")
		}
		at := *s.ScheduledAt
		if s.Timezone != "" {
			loc, err := time.LoadLocation(s.Timezone)
			if err != nil {
				return 0, fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
			}
			at = time.Date(at.Year(), at.Month(), at.Day(), at.Hour(), at.Minute(), at.Second(), 0, loc)
		}
		return at.Sub(now.UTC()), nil
	case ScheduleDelayed:
		return time.Duration(s.CustomDelay) * s.DelayUnit.Multiplier(), nil
	default:
		return 0, fmt.Errorf("unknown schedule type %q", s.Type)
	}
}

// StrategyMode distinguishes single-message campaigns from multi-variant ones.
type StrategyMode string

const (
	StrategySingle       StrategyMode = "single"
	StrategyMultivariate StrategyMode = "multivariate"
)

// Strategy is the variant allocation rule for a campaign.
type Strategy struct {
	Mode StrategyMode `json:"mode"`
	// Allocation maps variant name to its share of recipients in percent.
	Allocation map[string]int `json:"allocation,omitempty"`
}

// MessageContent is one renderable message definition.
type MessageContent struct {
	Body        string `json:"body"`
	MediaURL    string `json:"mediaUrl,omitempty"`
	MessageType string `json:"messageType"` // "text", "media", "link", "template"
}

// CampaignMetrics is the rollup delivery counters for a campaign or variant.
type CampaignMetrics struct {
	TotalRecipients int `json:"totalRecipients"`
	Sent            int `json:"sent"`
	Delivered       int `json:"delivered"`
	Read            int `json:"read"`
	Failed          int `json:"failed"`
}

// Variant is a named message definition with its assigned recipient subset.
type Variant struct {
	Name       string          `json:"name"`
	Content    MessageContent  `json:"content"`
	Recipients []Recipient     `json:"recipients,omitempty"`
	Metrics    CampaignMetrics `json:"metrics"`
}

// Recipient is one target address plus substitution variables.
type Recipient struct {
	Address   string            `json:"address"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Campaign is the aggregate root for a bulk-send task.
type Campaign struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"userId"`
	Name                string          `json:"name"`
	Variants            []Variant       `json:"variants"`
	Strategy            Strategy        `json:"strategy"`
	Schedule            Schedule        `json:"schedule"`
	Status              CampaignStatus  `json:"status"`
	Priority            string          `json:"priority,omitempty"` // "urgent" skips pacing delays
	Metrics             CampaignMetrics `json:"metrics"`
	ProcessedRecipients int             `json:"processedRecipients"`
	StartedAt           *time.Time      `json:"startedAt,omitempty"`
	CompletedAt         *time.Time      `json:"completedAt,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// VariantTotalSum returns the sum of per-variant totals. The invariant is
// that this equals Metrics.TotalRecipients.
func (c *Campaign) VariantTotalSum() int {
	sum := 0
	for _, v := range c.Variants {
		sum += v.Metrics.TotalRecipients
	}
	return sum
}
