package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"campaign-dispatch/internal/common/config"
	"campaign-dispatch/internal/common/logger"
	"campaign-dispatch/internal/models"
)

// Policy is the derived, non-persisted rate plan for one dispatch attempt.
type Policy struct {
	PerMinute    int           `json:"perMinute"`
	PerHour      int           `json:"perHour"`
	PerDay       int           `json:"perDay"`
	MaxRetries   int           `json:"maxRetries"`
	MessageDelay time.Duration `json:"messageDelay"`
	BurstLimit   int           `json:"burstLimit"`
	BurstDelay   time.Duration `json:"burstDelay"`
	RiskScore    float64       `json:"riskScore"`
}

// SignalSource supplies the account-level risk signals. Implementations may
// error on a cold cache or upstream outage; the engine then substitutes
// conservative fallbacks instead of failing the campaign.
type SignalSource interface {
	AccountAge(ctx context.Context, userID string) (time.Duration, error)
	FailureRate(ctx context.Context, userID string) (float64, error)
}

// Load is a coarse snapshot of system pressure.
type Load struct {
	MemoryUtilization float64
	CPUUtilization    float64
	QueueDepth        int
}

// LoadProbe reports current system load.
type LoadProbe interface {
	Load(ctx context.Context) (Load, error)
}

// Engine computes rate policies from campaign and account signals.
type Engine struct {
	cfg     config.RateLimitConfig
	signals SignalSource
	load    LoadProbe
	logger  logger.Logger
	now     func() time.Time
}

func NewEngine(cfg config.RateLimitConfig, signals SignalSource, load LoadProbe, log logger.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		signals: signals,
		load:    load,
		logger:  log.WithFields(map[string]interface{}{"component": "rate-engine"}),
		now:     time.Now,
	}
}

// ComputePolicy derives the policy for one campaign dispatch. The pipeline
// is: risk score, base scaling, load adjustment, type multipliers, ceiling
// clamp, high-risk floors. It never returns an error; missing signals fall
// back to conservative tiers.
func (e *Engine) ComputePolicy(ctx context.Context, campaign *models.Campaign) Policy {
	risk := e.riskScore(ctx, campaign)
	scale := 1 - risk*0.7

	perMinute := float64(e.cfg.BasePerMinute) * scale
	perHour := float64(e.cfg.BasePerHour) * scale
	perDay := float64(e.cfg.BasePerDay) * scale
	burst := float64(e.cfg.BaseBurst) * scale

	perMinute, perHour, perDay, burst = e.applyLoad(ctx, perMinute, perHour, perDay, burst)

	mult := campaignMultiplier(campaign) * messageMultiplier(primaryMessageType(campaign))
	perMinute *= mult
	perHour *= mult
	perDay *= mult

	policy := Policy{
		PerMinute:  clampInt(perMinute, 1, e.cfg.MaxPerMinute),
		PerHour:    clampInt(perHour, 1, e.cfg.MaxPerHour),
		PerDay:     clampInt(perDay, 1, e.cfg.MaxPerDay),
		BurstLimit: clampInt(burst, 1, e.cfg.MaxBurst),
		MaxRetries: e.cfg.MaxRetries,
		RiskScore:  risk,
	}

	policy.MessageDelay = time.Minute / time.Duration(policy.PerMinute)
	if policy.MessageDelay < e.cfg.MinMessageDelay {
		policy.MessageDelay = e.cfg.MinMessageDelay
	}
	policy.BurstDelay = policy.MessageDelay * time.Duration(policy.BurstLimit)

	if risk > highRiskThreshold {
		if policy.PerMinute > e.cfg.HighRiskPerMinute {
			policy.PerMinute = e.cfg.HighRiskPerMinute
		}
		if policy.MessageDelay < e.cfg.HighRiskDelay {
			policy.MessageDelay = e.cfg.HighRiskDelay
		}
		if policy.BurstLimit > e.cfg.HighRiskBurst {
			policy.BurstLimit = e.cfg.HighRiskBurst
		}
	}

	e.logger.Debug("computed rate policy", map[string]interface{}{
		"campaign_id":   campaign.ID,
		"risk_score":    risk,
		"per_minute":    policy.PerMinute,
		"message_delay": policy.MessageDelay.String(),
		"burst":         policy.BurstLimit,
	})
	return policy
}

func (e *Engine) riskScore(ctx context.Context, campaign *models.Campaign) float64 {
	age := fallbackAgeRisk
	history := fallbackHistoryRisk
	if e.signals != nil {
		if d, err := e.signals.AccountAge(ctx, campaign.UserID); err == nil {
			age = ageRisk(d)
		} else {
			e.logger.Warn("account age unavailable, using conservative tier", map[string]interface{}{
				"user_id": campaign.UserID,
				"error":   err.Error(),
			})
		}
		if r, err := e.signals.FailureRate(ctx, campaign.UserID); err == nil {
			history = historyRisk(r)
		} else {
			e.logger.Warn("failure history unavailable, using conservative tier", map[string]interface{}{
				"user_id": campaign.UserID,
				"error":   err.Error(),
			})
		}
	}

	tod := fallbackTimeRisk
	if at, err := e.localDispatchTime(campaign); err == nil {
		tod = timeRisk(at)
	}

	return score(age,
		contentRisk(primaryMessageType(campaign)),
		sizeRisk(campaign.Metrics.TotalRecipients),
		tod,
		history)
}

func (e *Engine) localDispatchTime(campaign *models.Campaign) (time.Time, error) {
	now := e.now()
	if campaign.Schedule.Timezone == "" {
		return now.UTC(), nil
	}
	loc, err := time.LoadLocation(campaign.Schedule.Timezone)
	if err != nil {
		return now.UTC(), err
	}
	return now.In(loc), nil
}

// applyLoad shaves the rates under system pressure. Load probe failure is
// treated as no pressure information, not as an error.
func (e *Engine) applyLoad(ctx context.Context, perMinute, perHour, perDay, burst float64) (float64, float64, float64, float64) {
	if e.load == nil {
		return perMinute, perHour, perDay, burst
	}
	load, err := e.load.Load(ctx)
	if err != nil {
		return perMinute, perHour, perDay, burst
	}

	factor := 1.0
	if load.MemoryUtilization > 0.8 || load.CPUUtilization > 0.8 {
		factor = 0.5
	} else if load.MemoryUtilization > 0.6 || load.CPUUtilization > 0.6 {
		factor = 0.75
	}
	if load.QueueDepth > 1000 {
		factor *= 0.7
	}
	return perMinute * factor, perHour * factor, perDay * factor, burst * factor
}

// PacerFor builds a token-bucket limiter that enforces the policy's
// inter-message delay and burst inside a send loop.
func PacerFor(policy Policy) *rate.Limiter {
	return rate.NewLimiter(rate.Every(policy.MessageDelay), policy.BurstLimit)
}

func campaignMultiplier(campaign *models.Campaign) float64 {
	if campaign.Strategy.Mode == models.StrategyMultivariate {
		return 0.9
	}
	return 1.0
}

func messageMultiplier(messageType string) float64 {
	switch messageType {
	case "template":
		return 1.1
	case "media":
		return 0.8
	case "link":
		return 0.7
	default:
		return 1.0
	}
}

// primaryMessageType picks the riskiest message type across the campaign's
// variants so a mixed campaign is paced for its most sensitive content.
func primaryMessageType(campaign *models.Campaign) string {
	worst := ""
	worstRisk := -1.0
	for _, v := range campaign.Variants {
		if r := contentRisk(v.Content.MessageType); r > worstRisk {
			worstRisk = r
			worst = v.Content.MessageType
		}
	}
	if worst == "" {
		return "text"
	}
	return worst
}

func clampInt(v float64, min, max int) int {
	n := int(v)
	if n < min {
		return min
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
