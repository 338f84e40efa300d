package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
)

func testThresholds() *config.Thresholds {
	t := config.Default()
	t.Breaker.FailureThreshold = 3
	t.Breaker.RecoveryTimeout = 20 * time.Millisecond
	t.Breaker.RateLimitCooldown = 10 * time.Millisecond
	t.Breaker.RateLimitMultiplier = 2
	t.Breaker.RateLimitMaxCooldown = 100 * time.Millisecond
	return t
}

func TestManager_AllowsWhenClosed(t *testing.T) {
	m := NewManager(testThresholds())
	assert.True(t, m.Allow("binance"))
}

func TestManager_OpensAfterConsecutiveFailures(t *testing.T) {
	m := NewManager(testThresholds())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := m.Execute(ctx, "binance", func(context.Context) error {
			return errors.New("boom")
		})
		require.Error(t, err)
	}

	assert.False(t, m.Allow("binance"))
	assert.Equal(t, "open", m.Status("binance").State)
}

func TestManager_ClosesAfterRecoveryAndSuccess(t *testing.T) {
	m := NewManager(testThresholds())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = m.Execute(ctx, "binance", func(context.Context) error { return errors.New("boom") })
	}
	require.False(t, m.Allow("binance"))

	time.Sleep(30 * time.Millisecond) // past RecoveryTimeout -> half-open

	err := m.Execute(ctx, "binance", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "closed", m.Status("binance").State)
}

func TestManager_RateLimitAppliesCooldownSeparateFromTripCondition(t *testing.T) {
	m := NewManager(testThresholds())
	ctx := context.Background()

	rlErr := domain.NewError(domain.ErrRateLimit, "binance", "test", errors.New("429"))
	err := m.Execute(ctx, "binance", func(context.Context) error { return rlErr })
	require.Error(t, err)

	// A single rate limit hit must not trip the breaker (threshold is 3
	// consecutive failures, and rate limits use a separate cooldown).
	assert.Equal(t, "closed", m.Status("binance").State)
	assert.False(t, m.Allow("binance"), "source should be in cooldown")

	time.Sleep(15 * time.Millisecond)
	assert.True(t, m.Allow("binance"), "cooldown should have expired")
}

func TestManager_RateLimitNeverCountsTowardConsecutiveFailures(t *testing.T) {
	m := NewManager(testThresholds()) // FailureThreshold = 3
	ctx := context.Background()
	rlErr := domain.NewError(domain.ErrRateLimit, "binance", "test", errors.New("429"))

	// Two real failures, one short of tripping, then a rate limit hit
	// repeated many times: none of them may count toward
	// ConsecutiveFailures, so the breaker must stay closed throughout.
	for i := 0; i < 2; i++ {
		_ = m.Execute(ctx, "binance", func(context.Context) error { return errors.New("boom") })
	}
	require.Equal(t, "closed", m.Status("binance").State)

	for i := 0; i < 5; i++ {
		err := m.Execute(ctx, "binance", func(context.Context) error { return rlErr })
		require.Error(t, err)
		time.Sleep(15 * time.Millisecond) // outlasts the first 10ms cooldown; later hits may be refused by an escalated one
	}

	assert.Equal(t, "closed", m.Status("binance").State, "rate limit hits must never trip the breaker")
	assert.Equal(t, uint32(2), m.Status("binance").Counts.ConsecutiveFailures)
}

func TestManager_RateLimitCooldownRespectsMaxCooldown(t *testing.T) {
	m := NewManager(testThresholds())
	ctx := context.Background()
	rlErr := domain.NewError(domain.ErrRateLimit, "binance", "test", errors.New("429"))

	for i := 0; i < 5; i++ {
		_ = m.Execute(ctx, "binance", func(context.Context) error { return rlErr })
		time.Sleep(1 * time.Millisecond)
	}

	status := m.Status("binance")
	until := status.CooldownEnd
	assert.True(t, time.Until(until) <= 100*time.Millisecond+5*time.Millisecond, "cooldown must respect RateLimitMaxCooldown")
}

func TestManager_SuccessClearsCooldown(t *testing.T) {
	m := NewManager(testThresholds())
	ctx := context.Background()
	rlErr := domain.NewError(domain.ErrRateLimit, "binance", "test", errors.New("429"))

	_ = m.Execute(ctx, "binance", func(context.Context) error { return rlErr })
	time.Sleep(15 * time.Millisecond)
	require.True(t, m.Allow("binance"))

	err := m.Execute(ctx, "binance", func(context.Context) error { return nil })
	require.NoError(t, err)
	_, ok := m.activeCooldown("binance")
	assert.False(t, ok)
}

func TestManager_AllStatusesIncludesEverySeenSource(t *testing.T) {
	m := NewManager(testThresholds())
	ctx := context.Background()
	_ = m.Execute(ctx, "binance", func(context.Context) error { return nil })
	_ = m.Execute(ctx, "kraken", func(context.Context) error { return nil })

	statuses := m.AllStatuses()
	names := map[string]bool{}
	for _, s := range statuses {
		names[s.Source] = true
	}
	assert.True(t, names["binance"])
	assert.True(t, names["kraken"])
}
