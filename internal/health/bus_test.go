package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/config"
)

func testConfig() *config.HealthBusConfig {
	cfg := config.Default().HealthBus
	cfg.AlertCooldown = 50 * time.Millisecond
	cfg.AlertHourCap = 2
	return &cfg
}

func TestBus_DeliversFirstAlertToSubscriber(t *testing.T) {
	b := NewBus(testConfig())
	ch := b.Subscribe()

	b.Publish(Alert{RuleID: "consensus_deviation", Severity: "CRITICAL", Title: "deviation"})

	select {
	case a := <-ch:
		assert.Equal(t, "consensus_deviation", a.RuleID)
	case <-time.After(time.Second):
		t.Fatal("expected alert delivery")
	}
}

func TestBus_SuppressesWithinCooldown(t *testing.T) {
	b := NewBus(testConfig())
	ch := b.Subscribe()

	now := time.Now()
	b.Publish(Alert{RuleID: "r1", Timestamp: now})
	b.Publish(Alert{RuleID: "r1", Timestamp: now.Add(10 * time.Millisecond)})

	require.Len(t, drain(ch, 2), 1, "second alert within cooldown should be suppressed")
}

func TestBus_EmitsAgainAfterCooldown(t *testing.T) {
	b := NewBus(testConfig())
	ch := b.Subscribe()

	now := time.Now()
	b.Publish(Alert{RuleID: "r1", Timestamp: now})
	b.Publish(Alert{RuleID: "r1", Timestamp: now.Add(100 * time.Millisecond)})

	assert.Len(t, drain(ch, 2), 2)
}

func TestBus_CapsPerHourAndEmitsRateLimitedMeta(t *testing.T) {
	b := NewBus(testConfig()) // AlertHourCap = 2
	ch := b.Subscribe()

	now := time.Now()
	b.Publish(Alert{RuleID: "r1", Timestamp: now})
	b.Publish(Alert{RuleID: "r1", Timestamp: now.Add(100 * time.Millisecond)})
	b.Publish(Alert{RuleID: "r1", Timestamp: now.Add(200 * time.Millisecond)}) // exceeds cap
	b.Publish(Alert{RuleID: "r1", Timestamp: now.Add(300 * time.Millisecond)}) // still over cap, meta already noted

	alerts := drain(ch, 4)
	var metaCount int
	for _, a := range alerts {
		if a.RuleID == "r1.rate_limited" {
			metaCount++
		}
	}
	assert.Equal(t, 1, metaCount, "rate-limited meta-alert should only fire once per window")
}

func TestBus_MultipleSubscribersEachReceive(t *testing.T) {
	b := NewBus(testConfig())
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	b.Publish(Alert{RuleID: "r1"})

	assert.Len(t, drain(ch1, 1), 1)
	assert.Len(t, drain(ch2, 1), 1)
}

func drain(ch <-chan Alert, max int) []Alert {
	var out []Alert
	timeout := time.After(200 * time.Millisecond)
	for len(out) < max {
		select {
		case a := <-ch:
			out = append(out, a)
		case <-timeout:
			return out
		}
	}
	return out
}
