// Package breaker implements C2: a per-source circuit breaker guarding
// every adapter call, built on sony/gobreaker the way the teacher wires
// it in internal/infrastructure/providers/circuitbreakers.go. Unlike
// that wrapper's fallback-chain execution, this breaker only tracks and
// reports state; failover to backup sources is C3's job (internal/failover).
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
)

// Status is the supplemented read-only view of one source's breaker
// state, exposed through the orchestrator for operational visibility.
type Status struct {
	Source      string
	State       string
	Counts      gobreaker.Counts
	CooldownEnd time.Time // zero unless a rate-limit cooldown is active
}

// Manager owns one gobreaker.CircuitBreaker per source, configured from
// the shared Thresholds (§3: failureThreshold=20, successThreshold=1,
// recoveryTimeout=30s).
type Manager struct {
	thresholds *config.Thresholds

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker

	cooldownMu sync.Mutex
	cooldowns  map[string]*rateLimitState
}

type rateLimitState struct {
	consecutiveHits int
	until           time.Time
}

func NewManager(thresholds *config.Thresholds) *Manager {
	return &Manager{
		thresholds: thresholds,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		cooldowns:  make(map[string]*rateLimitState),
	}
}

func (m *Manager) breakerFor(source string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	b, ok := m.breakers[source]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[source]; ok {
		return b
	}

	cfg := m.thresholds.Breaker
	settings := gobreaker.Settings{
		Name:        source,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Interval:    0, // never reset counts on a timer; only on state transition
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().Str("source", name).Str("from", from.String()).Str("to", to.String()).Msg("breaker state change")
		},
	}
	b = gobreaker.NewCircuitBreaker(settings)
	m.breakers[source] = b
	return b
}

// Allow reports whether source's breaker currently permits a call,
// checking both the gobreaker state and any active rate-limit cooldown.
func (m *Manager) Allow(source string) bool {
	if until, ok := m.activeCooldown(source); ok && time.Now().Before(until) {
		return false
	}
	return m.breakerFor(source).State() != gobreaker.StateOpen
}

func (m *Manager) activeCooldown(source string) (time.Time, bool) {
	m.cooldownMu.Lock()
	defer m.cooldownMu.Unlock()
	rl, ok := m.cooldowns[source]
	if !ok {
		return time.Time{}, false
	}
	return rl.until, true
}

// Execute runs fn through source's breaker, classifying the returned
// error so a RateLimitError trips a separate cooldown with
// multiplicative backoff rather than counting toward the consecutive
// failure trip condition, per §3: rate limits are the exchange asking
// us to slow down, not evidence the source is unhealthy. fn is invoked
// directly, ahead of gobreaker, precisely so a RateLimitError can be
// diverted to the cooldown path before gobreaker ever records it as a
// ConsecutiveFailures hit -- §4.2 draws that line at classification,
// not after the fact.
func (m *Manager) Execute(ctx context.Context, source string, fn func(context.Context) error) error {
	if until, ok := m.activeCooldown(source); ok && time.Now().Before(until) {
		return domain.NewError(domain.ErrRateLimit, source, "Execute", fmt.Errorf("cooling down until %s", until)).WithSource(source)
	}

	b := m.breakerFor(source)
	if b.State() == gobreaker.StateOpen {
		return domain.NewError(domain.ErrExchange, source, "Execute", fmt.Errorf("circuit open")).WithSource(source)
	}

	err := fn(ctx)
	if ce, ok := err.(*domain.ClassifiedError); ok && ce.Code == domain.ErrRateLimit {
		m.applyCooldown(source)
		return ce
	}

	_, bErr := b.Execute(func() (interface{}, error) {
		return nil, err
	})
	if bErr == nil {
		m.clearCooldown(source)
		return nil
	}

	if classified, ok := bErr.(*domain.ClassifiedError); ok {
		return classified
	}
	return domain.NewError(domain.ErrExchange, source, "Execute", bErr).WithSource(source)
}

// applyCooldown starts or extends a rate-limit cooldown: base
// RateLimitCooldown, multiplied by RateLimitMultiplier on every
// consecutive rate-limit hit, capped at RateLimitMaxCooldown (§3).
func (m *Manager) applyCooldown(source string) {
	m.cooldownMu.Lock()
	defer m.cooldownMu.Unlock()

	cfg := m.thresholds.Breaker
	rl, ok := m.cooldowns[source]
	if !ok {
		rl = &rateLimitState{}
		m.cooldowns[source] = rl
	}
	rl.consecutiveHits++

	delay := float64(cfg.RateLimitCooldown)
	for i := 1; i < rl.consecutiveHits; i++ {
		delay *= cfg.RateLimitMultiplier
	}
	d := time.Duration(delay)
	if max := cfg.RateLimitMaxCooldown; max > 0 && d > max {
		d = max
	}
	rl.until = time.Now().Add(d)
}

func (m *Manager) clearCooldown(source string) {
	m.cooldownMu.Lock()
	defer m.cooldownMu.Unlock()
	delete(m.cooldowns, source)
}

// Status returns the supplemented operational view of source's breaker.
func (m *Manager) Status(source string) Status {
	b := m.breakerFor(source)
	st := Status{Source: source, State: b.State().String(), Counts: b.Counts()}
	if until, ok := m.activeCooldown(source); ok {
		st.CooldownEnd = until
	}
	return st
}

// AllStatuses returns a Status for every source this manager has seen.
func (m *Manager) AllStatuses() []Status {
	m.mu.RLock()
	sources := make([]string, 0, len(m.breakers))
	for s := range m.breakers {
		sources = append(sources, s)
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(sources))
	for _, s := range sources {
		out = append(out, m.Status(s))
	}
	return out
}
