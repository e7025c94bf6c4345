package health

import (
	"context"
	"time"

	"campaign-dispatch/internal/common/config"
	"campaign-dispatch/internal/common/logger"
)

// SessionProbe abstracts the channel session for one user. The concrete
// probe talks to the messaging provider; tests swap in a fake.
type SessionProbe interface {
	IsUsable(ctx context.Context, userID string) (bool, error)
	Reconnect(ctx context.Context, userID string) error
}

// Probe is the structured health verdict. A transient outage is reported
// here, never as a returned error, so callers can requeue instead of
// failing the job.
type Probe struct {
	Healthy   bool
	Recovered bool
	Detail    string
}

// Monitor answers "is this user's channel usable right now" with a cached
// verdict, and drives bounded reconnect attempts when it is not.
type Monitor struct {
	cache  StateCache
	probe  SessionProbe
	cfg    config.HealthConfig
	logger logger.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewMonitor(cache StateCache, probe SessionProbe, cfg config.HealthConfig, log logger.Logger) *Monitor {
	return &Monitor{
		cache:  cache,
		probe:  probe,
		cfg:    cfg,
		logger: log.WithFields(map[string]interface{}{"component": "health-monitor"}),
		sleep:  sleepCtx,
	}
}

// GetHealthySession checks the cached verdict, probes on a miss, and runs
// up to maxAttempts reconnects with exponential backoff when the session is
// down. maxAttempts <= 0 uses the configured default.
func (m *Monitor) GetHealthySession(ctx context.Context, userID string, maxAttempts int) Probe {
	if maxAttempts <= 0 {
		maxAttempts = m.cfg.MaxAttempts
	}

	if healthy, found, err := m.cache.Get(ctx, userID); err == nil && found {
		if healthy {
			return Probe{Healthy: true}
		}
		// a cached unhealthy verdict still gets a recovery attempt below
	} else if err != nil {
		m.logger.Warn("health cache read failed, probing directly", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
	}

	usable, err := m.probe.IsUsable(ctx, userID)
	if err == nil && usable {
		m.remember(ctx, userID, true)
		return Probe{Healthy: true}
	}

	detail := "session not usable"
	if err != nil {
		detail = err.Error()
	}
	m.logger.Info("channel session down, attempting recovery", map[string]interface{}{
		"user_id":      userID,
		"detail":       detail,
		"max_attempts": maxAttempts,
	})

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := m.probe.Reconnect(ctx, userID); err != nil {
			detail = err.Error()
		} else if usable, err := m.probe.IsUsable(ctx, userID); err == nil && usable {
			m.remember(ctx, userID, true)
			m.logger.Info("channel session recovered", map[string]interface{}{
				"user_id": userID,
				"attempt": attempt,
			})
			return Probe{Healthy: true, Recovered: true}
		} else if err != nil {
			detail = err.Error()
		}

		if attempt < maxAttempts {
			backoff := m.cfg.RecoverBackoff * time.Duration(1<<(attempt-1))
			if err := m.sleep(ctx, backoff); err != nil {
				return Probe{Healthy: false, Detail: "cancelled during recovery"}
			}
		}
	}

	m.remember(ctx, userID, false)
	return Probe{Healthy: false, Detail: detail}
}

// Invalidate drops the cached verdict so the next check probes afresh. The
// batch worker calls this after a mid-send session fault.
func (m *Monitor) Invalidate(ctx context.Context, userID string) {
	if err := m.cache.Delete(ctx, userID); err != nil {
		m.logger.Warn("failed to invalidate health cache", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
	}
}

func (m *Monitor) remember(ctx context.Context, userID string, healthy bool) {
	if err := m.cache.Set(ctx, userID, healthy, m.cfg.CacheTTL); err != nil {
		m.logger.Warn("failed to cache health verdict", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
