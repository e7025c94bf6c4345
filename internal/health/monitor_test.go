package health

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-dispatch/internal/common/config"
	"campaign-dispatch/internal/common/logger"
)

type fakeProbe struct {
	usable       bool
	usableErr    error
	reconnectErr error
	usableCalls  int
	reconnects   int
	usableAfterN int // reconnect attempt after which the session comes back
}

func (f *fakeProbe) IsUsable(ctx context.Context, userID string) (bool, error) {
	f.usableCalls++
	if f.usableAfterN > 0 && f.reconnects >= f.usableAfterN {
		return true, nil
	}
	return f.usable, f.usableErr
}

func (f *fakeProbe) Reconnect(ctx context.Context, userID string) error {
	f.reconnects++
	return f.reconnectErr
}

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		CacheTTL:       time.Minute,
		RecoverBackoff: time.Millisecond,
		MaxAttempts:    3,
	}
}

func newTestMonitor(probe SessionProbe) *Monitor {
	m := NewMonitor(NewMemoryStateCache(), probe, testHealthConfig(), logger.NewNoOpLogger())
	m.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return m
}

func TestHealthySessionCached(t *testing.T) {
	probe := &fakeProbe{usable: true}
	monitor := newTestMonitor(probe)

	first := monitor.GetHealthySession(context.Background(), "user-1", 0)
	second := monitor.GetHealthySession(context.Background(), "user-1", 0)

	assert.True(t, first.Healthy)
	assert.True(t, second.Healthy)
	// the second call must come from the cache, not another probe
	assert.Equal(t, 1, probe.usableCalls)
}

func TestRecoveryAfterReconnect(t *testing.T) {
	probe := &fakeProbe{usable: false, usableAfterN: 2}
	monitor := newTestMonitor(probe)

	result := monitor.GetHealthySession(context.Background(), "user-1", 3)

	assert.True(t, result.Healthy)
	assert.True(t, result.Recovered)
	assert.Equal(t, 2, probe.reconnects)
}

func TestUnrecoverableReturnsStructuredVerdict(t *testing.T) {
	probe := &fakeProbe{usable: false, usableErr: fmt.Errorf("socket closed")}
	monitor := newTestMonitor(probe)

	result := monitor.GetHealthySession(context.Background(), "user-1", 2)

	// down channel is a verdict, never a returned error
	require.False(t, result.Healthy)
	assert.Contains(t, result.Detail, "socket closed")
	assert.Equal(t, 2, probe.reconnects)
}

func TestInvalidateForcesReprobe(t *testing.T) {
	probe := &fakeProbe{usable: true}
	monitor := newTestMonitor(probe)

	monitor.GetHealthySession(context.Background(), "user-1", 0)
	monitor.Invalidate(context.Background(), "user-1")
	monitor.GetHealthySession(context.Background(), "user-1", 0)

	assert.Equal(t, 2, probe.usableCalls)
}

func TestMemoryCacheExpiry(t *testing.T) {
	cache := NewMemoryStateCache()
	now := time.Now()
	cache.now = func() time.Time { return now }

	require.NoError(t, cache.Set(context.Background(), "user-1", true, time.Minute))

	_, found, err := cache.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, found)

	now = now.Add(2 * time.Minute)
	_, found, err = cache.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, found)
}
