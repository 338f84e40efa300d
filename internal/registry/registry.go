// Package registry implements C4: the source registry that owns every
// adapter instance, fans its connection/error/price events out to the
// rest of the core, and tracks per-source health. It plays the role the
// teacher's facade.Facade plays for exchange wiring (internal/data/facade/facade.go)
// but scoped to price ticks instead of trades/klines/orderbooks.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/breaker"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
)

// Registry owns the set of live adapters, consumes their event
// channels, and republishes price updates and health changes on its
// own channels for downstream consumption (validator, health bus).
type Registry struct {
	breakers *breaker.Manager

	mu      sync.RWMutex
	sources map[string]adapter.Adapter
	health  map[string]*domain.SourceHealth

	updates chan domain.PriceUpdate
	healthC chan domain.SourceHealth
	errorsC chan adapter.ErrorEvent

	sink *adapter.DroppingSink

	cancelFns map[string]context.CancelFunc

	latMu   sync.Mutex
	latency map[string]*latencyTracker

	errMu       sync.Mutex
	errorWindow map[string][]time.Time // recent classified-error timestamps, for GetConnectionHealth's burst penalty
}

func NewRegistry(breakers *breaker.Manager) *Registry {
	updates := make(chan domain.PriceUpdate, 4096)
	return &Registry{
		breakers:    breakers,
		sources:     make(map[string]adapter.Adapter),
		health:      make(map[string]*domain.SourceHealth),
		updates:     updates,
		healthC:     make(chan domain.SourceHealth, 256),
		errorsC:     make(chan adapter.ErrorEvent, 256),
		sink:        adapter.NewDroppingSink(updates),
		cancelFns:   make(map[string]context.CancelFunc),
		latency:     make(map[string]*latencyTracker),
		errorWindow: make(map[string][]time.Time),
	}
}

// Sink returns the registry's single ingestion point, which every
// adapter built by the orchestrator pushes into. Sharing one
// DroppingSink means overflow coalesces per (source, symbol) pair
// across all adapters rather than per adapter instance.
func (r *Registry) Sink() adapter.Sink { return r.sink }

// Adapter returns the registered adapter for name, if any.
func (r *Registry) Adapter(name string) (adapter.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.sources[name]
	return a, ok
}

// ConnectionSnapshot is C4's aggregate GetConnectionHealth() view
// (§4.4): total sources, connected count, mean latency, unhealthy ids,
// and a 0-100 score penalized for recent error bursts.
type ConnectionSnapshot struct {
	TotalSources   int
	ConnectedCount int
	MeanLatencyMS  float64
	UnhealthyIDs   []string
	HealthScore    float64
}

// ConnectionHealth computes the aggregate health snapshot §4.4
// describes: connectedCount/totalSources*100, minus a penalty for
// recent (5-minute window) classified errors across all sources.
func (r *Registry) ConnectionHealth() ConnectionSnapshot {
	r.mu.RLock()
	total := len(r.sources)
	connected := 0
	var unhealthy []string
	for name, a := range r.sources {
		if a.State() == domain.Connected {
			connected++
		}
		if h, ok := r.health[name]; ok && h.Status == domain.Unhealthy {
			unhealthy = append(unhealthy, name)
		}
	}
	r.mu.RUnlock()

	score := 0.0
	if total > 0 {
		score = float64(connected) / float64(total) * 100
	}
	score -= r.errorBurstPenalty()
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return ConnectionSnapshot{
		TotalSources:   total,
		ConnectedCount: connected,
		MeanLatencyMS:  r.meanLatencyMS(),
		UnhealthyIDs:   unhealthy,
		HealthScore:    score,
	}
}

func (r *Registry) meanLatencyMS() float64 {
	r.latMu.Lock()
	trackers := make([]*latencyTracker, 0, len(r.latency))
	for _, lt := range r.latency {
		trackers = append(trackers, lt)
	}
	r.latMu.Unlock()

	if len(trackers) == 0 {
		return 0
	}
	var sum float64
	for _, lt := range trackers {
		sum += float64(lt.metrics().Avg.Milliseconds())
	}
	return sum / float64(len(trackers))
}

// recordErrorBurst notes a classified error's timestamp for source,
// trimming anything older than 5 minutes.
func (r *Registry) recordErrorBurst(source string, at time.Time) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	cutoff := at.Add(-5 * time.Minute)
	window := r.errorWindow[source]
	window = append(window, at)
	i := 0
	for i < len(window) && window[i].Before(cutoff) {
		i++
	}
	r.errorWindow[source] = window[i:]
}

// errorBurstPenalty sums recent errors across every source into a
// bounded health-score deduction.
func (r *Registry) errorBurstPenalty() float64 {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	total := 0
	for _, window := range r.errorWindow {
		total += len(window)
	}
	penalty := float64(total) * 2
	if penalty > 40 {
		penalty = 40
	}
	return penalty
}

// Updates exposes the merged stream of validated-at-source price
// updates from every registered adapter.
func (r *Registry) Updates() <-chan domain.PriceUpdate { return r.updates }

// HealthEvents exposes source health transitions as they occur.
func (r *Registry) HealthEvents() <-chan domain.SourceHealth { return r.healthC }

// Errors exposes every adapter's classified errors as they occur, for
// the orchestrator's breaker-feedback and health-bus wiring.
func (r *Registry) Errors() <-chan adapter.ErrorEvent { return r.errorsC }

// AddDataSource registers and connects an adapter, starting the
// goroutines that pump its event channels into the registry's merged
// streams. Calling this twice for the same source name is a no-op.
func (r *Registry) AddDataSource(ctx context.Context, a adapter.Adapter) error {
	name := a.Name()

	r.mu.Lock()
	if _, exists := r.sources[name]; exists {
		r.mu.Unlock()
		return nil
	}
	r.sources[name] = a
	r.health[name] = &domain.SourceHealth{Source: name, Status: domain.Healthy, LastUpdate: time.Now()}
	r.mu.Unlock()

	if err := a.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", name, err)
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancelFns[name] = cancel
	r.mu.Unlock()

	go r.pumpConnEvents(pumpCtx, name, a)
	go r.pumpErrors(pumpCtx, name, a)

	log.Info().Str("source", name).Msg("data source added")
	return nil
}

// RemoveDataSource disconnects and deregisters a source.
func (r *Registry) RemoveDataSource(name string) error {
	r.mu.Lock()
	a, ok := r.sources[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown source %s", name)
	}
	if cancel, ok := r.cancelFns[name]; ok {
		cancel()
		delete(r.cancelFns, name)
	}
	delete(r.sources, name)
	delete(r.health, name)
	r.mu.Unlock()

	log.Info().Str("source", name).Msg("data source removed")
	return a.Close()
}

// SubscribeToFeed asks every named source to stream the given
// exchange-native symbols, coalescing per-source subscribe calls.
func (r *Registry) SubscribeToFeed(ctx context.Context, sources []domain.SourceRef) error {
	r.mu.RLock()
	bySource := make(map[string][]string)
	for _, ref := range sources {
		bySource[ref.Exchange] = append(bySource[ref.Exchange], ref.Symbol)
	}
	adapters := make(map[string]adapter.Adapter, len(bySource))
	for ex := range bySource {
		if a, ok := r.sources[ex]; ok {
			adapters[ex] = a
		}
	}
	r.mu.RUnlock()

	var firstErr error
	for ex, symbols := range bySource {
		a, ok := adapters[ex]
		if !ok {
			continue // unregistered source; failover coordinator decides whether this matters
		}
		if err := a.Subscribe(ctx, symbols); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("subscribe %s: %w", ex, err)
		}
	}
	return firstErr
}

// GetConnectionHealth returns a snapshot of one source's tracked
// health record.
func (r *Registry) GetConnectionHealth(source string) (domain.SourceHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.health[source]
	if !ok {
		return domain.SourceHealth{}, false
	}
	return *h, true
}

// GetConnectedSources returns the names of every source currently in
// the Connected state.
func (r *Registry) GetConnectedSources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, a := range r.sources {
		if a.State() == domain.Connected {
			out = append(out, name)
		}
	}
	return out
}

// Push forwards an externally-sourced update (e.g. a REST poll result
// from the CCXT bridge adapter) into the merged stream, used when a
// caller already holds an update rather than waiting on an adapter's
// own sink wiring.
func (r *Registry) Push(update domain.PriceUpdate) {
	r.sink.Push(update)
}

func (r *Registry) pumpConnEvents(ctx context.Context, name string, a adapter.Adapter) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.ConnEvents():
			if !ok {
				return
			}
			r.mu.Lock()
			h, exists := r.health[name]
			if !exists {
				h = &domain.SourceHealth{Source: name}
				r.health[name] = h
			}
			h.LastUpdate = time.Now()
			switch ev.State {
			case domain.Connected:
				if h.Status == domain.Unhealthy {
					h.RecoveryCount++
					h.Status = domain.Recovered
				} else {
					h.Status = domain.Healthy
				}
			case domain.Disconnected, domain.Reconnecting:
				h.Status = domain.Unhealthy
				h.ErrorCount++
			}
			snapshot := *h
			r.mu.Unlock()

			select {
			case r.healthC <- snapshot:
			default:
			}
		}
	}
}

func (r *Registry) pumpErrors(ctx context.Context, name string, a adapter.Adapter) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.Errors():
			if !ok {
				return
			}
			r.recordErrorBurst(name, ev.At)
			log.Warn().Str("source", name).Str("code", ev.Err.Code.String()).Msg(ev.Err.Error())
			select {
			case r.errorsC <- ev:
			default:
			}
		}
	}
}
