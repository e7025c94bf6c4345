// Package ratelimit computes adaptive send-rate policies. The risk model is
// a weighted sum of five signals mapped to fixed tier constants; the derived
// rates are always clamped to hard ceilings so a favorable score can never
// push the channel past the safe envelope.
package ratelimit

import "time"

// Factor weights. They sum to 1.0 so the score stays in [0,1].
const (
	weightAge     = 0.25
	weightContent = 0.20
	weightSize    = 0.20
	weightTime    = 0.15
	weightHistory = 0.20
)

// highRiskThreshold is the score above which the high-risk floors apply.
const highRiskThreshold = 0.7

// Conservative per-factor fallbacks, used when a signal source is
// unavailable. Missing data leans toward caution, never toward speed.
const (
	fallbackAgeRisk     = 0.7
	fallbackHistoryRisk = 0.6
	fallbackTimeRisk    = 0.4
)

// ageRisk maps account/session age to a risk tier. Fresh accounts are the
// ones channels throttle hardest.
func ageRisk(age time.Duration) float64 {
	days := age.Hours() / 24
	switch {
	case days < 7:
		return 1.0
	case days < 30:
		return 0.7
	case days < 90:
		return 0.4
	case days < 180:
		return 0.2
	default:
		return 0.1
	}
}

// contentRisk maps the message type to a risk tier. Links trip spam
// heuristics far more often than plain text or pre-approved templates.
func contentRisk(messageType string) float64 {
	switch messageType {
	case "template":
		return 0.2
	case "text":
		return 0.3
	case "media":
		return 0.6
	case "link":
		return 0.9
	default:
		return 0.5
	}
}

// sizeRisk maps total campaign size to a risk tier.
func sizeRisk(totalRecipients int) float64 {
	switch {
	case totalRecipients >= 10000:
		return 1.0
	case totalRecipients >= 5000:
		return 0.8
	case totalRecipients >= 1000:
		return 0.6
	case totalRecipients >= 500:
		return 0.4
	case totalRecipients >= 100:
		return 0.2
	default:
		return 0.1
	}
}

// timeRisk maps the dispatch moment to a risk tier. Night sends and weekend
// sends draw more complaints, which feed the channel's abuse scoring.
func timeRisk(at time.Time) float64 {
	hour := at.Hour()
	night := hour < 8 || hour >= 22
	weekend := at.Weekday() == time.Saturday || at.Weekday() == time.Sunday

	switch {
	case night:
		return 0.8
	case weekend:
		return 0.6
	case hour >= 9 && hour < 18:
		return 0.2
	default:
		return 0.4
	}
}

// historyRisk maps the account's historical failure rate to a risk tier.
// Above 10% the account is in the poor tier regardless of anything else.
func historyRisk(failureRate float64) float64 {
	switch {
	case failureRate > 0.10:
		return 1.0
	case failureRate > 0.05:
		return 0.6
	case failureRate > 0.02:
		return 0.3
	default:
		return 0.1
	}
}

// score combines the five factors into the final [0,1] risk score.
func score(age, content, size, tod, history float64) float64 {
	s := weightAge*age +
		weightContent*content +
		weightSize*size +
		weightTime*tod +
		weightHistory*history
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
