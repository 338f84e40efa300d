// Package failover implements C3: per-feed promotion between primary
// and backup sources. It owns no transport of its own; it reconciles
// the breaker-reported health of a feed's configured sources (§4.2)
// and reports which sources should currently be active, the way the
// teacher's HealthManager reconciles provider/circuit state into one
// view (internal/datasources/health.go) without talking to a socket
// itself.
package failover

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
)

// HealthChecker reports whether a source is currently usable. The
// registry (C4) and breaker (C2) both satisfy call sites that need
// this; the coordinator only depends on the narrow interface.
type HealthChecker interface {
	Allow(source string) bool
}

// SourceConnector gives the coordinator just enough of the registry to
// drive a reconnect: look up the adapter by name and let it reconnect
// itself. The registry (C4) satisfies this without any changes on its
// side -- Go's structural typing picks it up off its existing
// Adapter(name) method.
type SourceConnector interface {
	Adapter(name string) (adapter.Adapter, bool)
}

var errConnectExhausted = errors.New("reconnect attempts exhausted")

type feedState struct {
	mu sync.Mutex

	config domain.FeedConfig
	active map[string]struct{} // currently-promoted source set

	consecutiveHealthy map[string]int // per-primary streak toward RecoveryThreshold
	degraded           bool
	degradedSince      time.Time
}

// Coordinator tracks, per feed, which configured sources are currently
// active (promoted), applying the graceful-degradation and recovery
// thresholds from §4.2.
type Coordinator struct {
	thresholds *config.Thresholds
	checker    HealthChecker
	connector  SourceConnector

	reconnectSem chan struct{} // bounds MaxConcurrentReconnects

	mu    sync.RWMutex
	feeds map[string]*feedState

	reconnectMu   sync.Mutex
	reconnecting  map[string]bool
	reconnectWG   sync.WaitGroup
}

func NewCoordinator(thresholds *config.Thresholds, checker HealthChecker, connector SourceConnector) *Coordinator {
	max := thresholds.Failover.MaxConcurrentReconnects
	if max <= 0 {
		max = 1
	}
	return &Coordinator{
		thresholds:   thresholds,
		checker:      checker,
		connector:    connector,
		reconnectSem: make(chan struct{}, max),
		feeds:        make(map[string]*feedState),
		reconnecting: make(map[string]bool),
	}
}

// Register adds a feed's source configuration, defaulting to all
// primaries active.
func (c *Coordinator) Register(fc domain.FeedConfig) {
	key := fc.Feed.String()
	fs := &feedState{
		config:             fc,
		active:             make(map[string]struct{}, len(fc.Primaries)),
		consecutiveHealthy: make(map[string]int),
	}
	for _, src := range fc.Primaries {
		fs.active[src.Exchange] = struct{}{}
	}

	c.mu.Lock()
	c.feeds[key] = fs
	c.mu.Unlock()
}

// Reconcile re-evaluates one feed's active source set against current
// breaker health and returns the (possibly changed) active set. It
// implements §4.2's two rules:
//
//  1. Graceful degradation: once GracefulDegradationThreshold primaries
//     are unhealthy, promote backups to fill the gap.
//  2. Recovery: a demoted primary is restored only after
//     RecoveryThreshold consecutive healthy checks, to avoid flapping.
func (c *Coordinator) Reconcile(feedKey string) []string {
	c.mu.RLock()
	fs, ok := c.feeds[feedKey]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	start := time.Now()
	cfg := c.thresholds.Failover

	unhealthyPrimaries := 0
	for _, src := range fs.config.Primaries {
		if !c.checker.Allow(src.Exchange) {
			unhealthyPrimaries++
			delete(fs.active, src.Exchange)
			fs.consecutiveHealthy[src.Exchange] = 0
			continue
		}
		// Primary is healthy: only restore it once it has strung
		// together RecoveryThreshold consecutive healthy reconciles
		// (recovery threshold applies to sources coming back, not to
		// ones that never left).
		if _, wasActive := fs.active[src.Exchange]; wasActive {
			continue
		}
		fs.consecutiveHealthy[src.Exchange]++
		if fs.consecutiveHealthy[src.Exchange] >= cfg.RecoveryThreshold {
			fs.active[src.Exchange] = struct{}{}
			fs.consecutiveHealthy[src.Exchange] = 0
			log.Info().Str("feed", feedKey).Str("source", src.Exchange).Msg("primary source recovered")
		}
	}

	wasDegraded := fs.degraded
	fs.degraded = unhealthyPrimaries >= cfg.GracefulDegradationThreshold
	if fs.degraded && !wasDegraded {
		fs.degradedSince = time.Now()
		log.Warn().Str("feed", feedKey).Int("unhealthy_primaries", unhealthyPrimaries).Msg("feed entering graceful degradation")
	} else if !fs.degraded && wasDegraded {
		log.Info().Str("feed", feedKey).Msg("feed exiting graceful degradation")
	}

	if fs.degraded {
		for _, src := range fs.config.Backups {
			if !c.checker.Allow(src.Exchange) {
				delete(fs.active, src.Exchange)
				continue
			}
			if c.tryAcquireReconnectSlot() {
				fs.active[src.Exchange] = struct{}{}
				c.releaseReconnectSlot()
			}
		}
	}

	if elapsed := time.Since(start); elapsed > cfg.MaxFailoverTime {
		log.Warn().Str("feed", feedKey).Dur("elapsed", elapsed).Msg("failover reconcile exceeded max failover time")
	}

	out := make([]string, 0, len(fs.active))
	for s := range fs.active {
		out = append(out, s)
	}
	return out
}

func (c *Coordinator) tryAcquireReconnectSlot() bool {
	select {
	case c.reconnectSem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *Coordinator) releaseReconnectSlot() {
	select {
	case <-c.reconnectSem:
	default:
	}
}

// IsDegraded reports whether feedKey is currently in graceful
// degradation.
func (c *Coordinator) IsDegraded(feedKey string) bool {
	c.mu.RLock()
	fs, ok := c.feeds[feedKey]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.degraded
}

// ActiveSources returns the currently-promoted source set for feedKey
// without forcing a reconcile.
func (c *Coordinator) ActiveSources(feedKey string) []string {
	c.mu.RLock()
	fs, ok := c.feeds[feedKey]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]string, 0, len(fs.active))
	for s := range fs.active {
		out = append(out, s)
	}
	return out
}

// ScheduleReconnect launches a reconnect driver for source if one isn't
// already running, per §4.1/§4.3: C3 owns reconnect scheduling, bounded
// by MaxConcurrentReconnects and MaxReconnectAttempts, rather than
// leaving a dropped connection to sit in Reconnecting forever. Idempotent
// per source: a second call while one is already in flight is a no-op.
func (c *Coordinator) ScheduleReconnect(ctx context.Context, source string) {
	if c.connector == nil {
		return
	}

	c.reconnectMu.Lock()
	if c.reconnecting[source] {
		c.reconnectMu.Unlock()
		return
	}
	c.reconnecting[source] = true
	c.reconnectMu.Unlock()

	c.reconnectWG.Add(1)
	go func() {
		defer c.reconnectWG.Done()
		defer func() {
			c.reconnectMu.Lock()
			delete(c.reconnecting, source)
			c.reconnectMu.Unlock()
		}()
		c.runReconnect(ctx, source)
	}()
}

// runReconnect retries source's Connect with the adapter's own
// exponential backoff, bounded by MaxConcurrentReconnects in flight at
// once and MaxReconnectAttempts total. Exhausting the attempt budget
// forces the adapter to a terminal Disconnected state and emits a
// terminal ConnectionError, so the rest of the system (§4.3's Reconcile,
// the health bus) sees the source as gone rather than forever
// "reconnecting".
func (c *Coordinator) runReconnect(ctx context.Context, source string) {
	a, ok := c.connector.Adapter(source)
	if !ok {
		return
	}

	maxAttempts := c.thresholds.Failover.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		delay := a.NextReconnectDelay()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		select {
		case c.reconnectSem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		err := a.Connect(ctx)
		<-c.reconnectSem

		if err == nil {
			a.ResetBackoff()
			log.Info().Str("source", source).Int("attempt", attempt+1).Msg("reconnect succeeded")
			return
		}
		log.Warn().Str("source", source).Int("attempt", attempt+1).Err(err).Msg("reconnect attempt failed")
	}

	log.Error().Str("source", source).Int("max_attempts", maxAttempts).Msg("reconnect attempts exhausted, giving up")
	a.Close()
	ce := domain.NewError(domain.ErrConnection, source, "runReconnect", errConnectExhausted).WithSource(source)
	a.EmitError(source, ce)
}

// Wait blocks until every in-flight reconnect driver has returned,
// called from the orchestrator's shutdown path alongside its own
// goroutine WaitGroup.
func (c *Coordinator) Wait() {
	c.reconnectWG.Wait()
}
