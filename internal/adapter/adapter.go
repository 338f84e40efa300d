// Package adapter defines the per-exchange adapter contract (spec.md
// §4.1) and the shared connection-lifecycle/backoff machinery every
// concrete adapter embeds. Each exchange package (binance, kraken, okx,
// cryptocom, coinbase, ccxtbridge) implements Adapter by embedding Base
// and supplying venue-specific symbol mapping, parsing and confidence
// scoring.
package adapter

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
)

// ParsePrice parses a decimal price string precisely via shopspring/decimal
// before converting to float64, so exchange-supplied strings go through
// exact decimal parsing rather than strconv's binary float rounding before
// ever reaching the validator's range/outlier tiers.
func ParsePrice(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	f, _ := d.Float64()
	return f, nil
}

// ParseOptionalPrice parses an optional numeric field (bid/ask/volume),
// returning 0 on any parse failure rather than propagating an error --
// these fields only ever feed confidence scoring, never validity.
func ParseOptionalPrice(s string) float64 {
	f, err := ParsePrice(s)
	if err != nil {
		return 0
	}
	return f
}

// Sink is the producer-side interface an adapter pushes PriceUpdates
// into. No back-pressure: if the sink is full, implementations drop the
// oldest value for that (feed, source) pair rather than block (§4.1).
type Sink interface {
	Push(update domain.PriceUpdate)
}

// ConnEvent is a connection-state transition surfaced on its own
// channel, separate from price updates (§4.1).
type ConnEvent struct {
	Source string
	State  domain.ConnState
	At     time.Time
}

// ErrorEvent surfaces a classified adapter error on its own channel.
type ErrorEvent struct {
	Source string
	Err    *domain.ClassifiedError
	At     time.Time
}

// Adapter is the per-exchange contract (spec.md §4.1).
type Adapter interface {
	Name() string
	Category() domain.Category
	Tier() domain.Tier
	Capabilities() domain.Capabilities

	// Connect establishes the streaming transport. Idempotent.
	Connect(ctx context.Context) error

	// Subscribe/Unsubscribe are idempotent w.r.t. the subscription set.
	Subscribe(ctx context.Context, symbols []string) error
	Unsubscribe(ctx context.Context, symbols []string) error

	// FetchTickerREST is the synchronous HTTP fallback.
	FetchTickerREST(ctx context.Context, symbol string) (domain.PriceUpdate, error)

	// HealthCheck prefers a REST probe if the stream is unavailable.
	HealthCheck(ctx context.Context) bool

	// NormalizeSymbol/ToExchangeSymbol implement the required
	// round-trip: Normalize(ToExchange(x)) == x (spec.md P5).
	NormalizeSymbol(exchangeSymbol string) string
	ToExchangeSymbol(canonical string) string

	// State returns the current connection state.
	State() domain.ConnState

	// Events exposes the connection-state and error channels.
	ConnEvents() <-chan ConnEvent
	Errors() <-chan ErrorEvent

	// EmitError surfaces a classified error without going through the
	// normal read/subscribe path, used by the reconnect driver to report
	// a terminal failure once its attempt budget is exhausted.
	EmitError(source string, err *domain.ClassifiedError)

	// NextReconnectDelay, ResetBackoff and ReconnectAttempts expose the
	// adapter's backoff schedule to the failover coordinator's reconnect
	// driver (§4.1/§4.3), so reconnect timing lives with the adapter that
	// owns the connection while scheduling/bounding lives with C3.
	NextReconnectDelay() time.Duration
	ResetBackoff()
	ReconnectAttempts() int

	// Close tears down the connection and background tasks.
	Close() error
}

// Backoff computes exponential backoff with jitter, starting at base
// and capped at max, per §4.1's reconnect schedule.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	mu      sync.Mutex
	attempt int
}

// Next returns the delay for the next reconnect attempt and advances
// the internal counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.Base << uint(b.attempt)
	if d <= 0 || d > b.Max {
		d = b.Max
	}
	b.attempt++

	// Full jitter: uniform in [0, d].
	jittered := time.Duration(rand.Int63n(int64(d) + 1))
	return jittered
}

// Reset restarts the backoff schedule at the base delay, called on any
// fully successful subscribe (§4.1).
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// Attempts returns the number of Next() calls since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Confidence computes the adapter-private confidence score from spread,
// volume and staleness, satisfying the monotonicity constraints in
// §4.1: narrower spread -> higher confidence, higher volume -> higher
// confidence, larger emit-time staleness -> lower confidence. Shared
// across adapters so every venue's confidence is comparable.
func Confidence(bid, ask, price, volume float64, age time.Duration) float64 {
	c := 1.0

	if price > 0 && ask >= bid && bid > 0 {
		spread := (ask - bid) / price
		// Spreads of 0.1% or less barely penalize; 2%+ spreads crush it.
		c -= clamp01(spread*50) * 0.5
	}

	// Volume bonus: volume/(volume+1M), saturating toward 1 and reaching
	// half at 1M of 24h volume. No volume data -> no bonus, no penalty
	// beyond the base.
	if volume > 0 {
		volFactor := 1 - 1/(1+volume/1_000_000)
		c = c*0.7 + volFactor*0.3
	} else {
		c *= 0.85
	}

	// Staleness penalty: divides confidence by 1 + age/5s of emit-time
	// age (x1/2 at 5s, x1/3 at 10s).
	ageSec := age.Seconds()
	if ageSec > 0 {
		c *= 1.0 / (1.0 + ageSec/5.0)
	}

	return clamp01(c)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// BaseState is the embeddable connection-lifecycle state machine shared
// by every concrete adapter: Disconnected -> Connecting -> Connected ->
// {Connected | Reconnecting | Disconnected} (§4.1).
type BaseState struct {
	mu    sync.RWMutex
	state domain.ConnState

	connEvents chan ConnEvent
	errEvents  chan ErrorEvent

	Backoff Backoff

	restLimiter *rate.Limiter
}

// NewBaseState constructs a BaseState with buffered event channels and a
// default 5 req/s (burst 10) REST throttle, preemptively bounding
// FetchTickerREST so polling can't outrun a venue's own rate limit ahead
// of a RateLimitError ever coming back.
func NewBaseState(backoffBase, backoffMax time.Duration) *BaseState {
	return &BaseState{
		state:       domain.Disconnected,
		connEvents:  make(chan ConnEvent, 32),
		errEvents:   make(chan ErrorEvent, 32),
		Backoff:     Backoff{Base: backoffBase, Max: backoffMax},
		restLimiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

// WaitREST blocks, bounded by ctx, until the adapter's own REST rate
// limiter admits another request.
func (b *BaseState) WaitREST(ctx context.Context) error {
	return b.restLimiter.Wait(ctx)
}

func (b *BaseState) State() domain.ConnState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// SetState transitions state and emits a ConnEvent. Never called while
// holding a lock across a suspension point (§5).
func (b *BaseState) SetState(source string, s domain.ConnState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()

	select {
	case b.connEvents <- ConnEvent{Source: source, State: s, At: time.Now()}:
	default:
		// Drop oldest-equivalent: a full conn-event channel means a
		// consumer is behind; the latest state is what matters, so we
		// don't block the adapter's hot path on it.
	}
}

func (b *BaseState) EmitError(source string, err *domain.ClassifiedError) {
	select {
	case b.errEvents <- ErrorEvent{Source: source, Err: err, At: time.Now()}:
	default:
	}
}

func (b *BaseState) ConnEvents() <-chan ConnEvent { return b.connEvents }
func (b *BaseState) Errors() <-chan ErrorEvent    { return b.errEvents }

// NextReconnectDelay returns the next backoff delay and advances the
// schedule, forwarding to the embedded Backoff.
func (b *BaseState) NextReconnectDelay() time.Duration { return b.Backoff.Next() }

// ResetBackoff restarts the reconnect schedule at its base delay,
// called once a reconnect (or a fresh Connect) succeeds.
func (b *BaseState) ResetBackoff() { b.Backoff.Reset() }

// ReconnectAttempts reports how many reconnect delays have been drawn
// since the last ResetBackoff.
func (b *BaseState) ReconnectAttempts() int { return b.Backoff.Attempts() }

// DroppingSink wraps a bounded channel with the §4.1/§5 drop-oldest
// back-pressure policy: per (source, symbol) key, a new value replaces
// whatever unread value is sitting in the overflow slot rather than
// blocking, and a dedicated drain goroutine forwards slotted values to
// out as soon as it has room.
type DroppingSink struct {
	mu   sync.Mutex
	slot map[string]domain.PriceUpdate
	out  chan domain.PriceUpdate
	wake chan struct{}
}

// NewDroppingSink creates a sink that forwards to out directly when
// there's room, and via a background drain loop when there isn't,
// coalescing overflow by (source, symbol).
func NewDroppingSink(out chan domain.PriceUpdate) *DroppingSink {
	s := &DroppingSink{
		slot: make(map[string]domain.PriceUpdate),
		out:  out,
		wake: make(chan struct{}, 1),
	}
	go s.drain()
	return s
}

func (s *DroppingSink) Push(update domain.PriceUpdate) {
	select {
	case s.out <- update:
		return
	default:
	}

	// Channel full: drop the oldest unread update for this (source,
	// symbol) pair in favor of the newest (§4.1), and let the drain
	// loop flush it once out has room.
	s.mu.Lock()
	key := update.Source + "|" + update.Symbol
	s.slot[key] = update
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drain flushes slotted overflow values into out whenever it has
// capacity, running for the lifetime of the process the way every
// other background pump in this package does.
func (s *DroppingSink) drain() {
	for range s.wake {
	drainLoop:
		for {
			s.mu.Lock()
			var key string
			var val domain.PriceUpdate
			found := false
			for k, v := range s.slot {
				key, val, found = k, v, true
				break
			}
			s.mu.Unlock()
			if !found {
				break drainLoop
			}

			select {
			case s.out <- val:
				s.mu.Lock()
				if cur, ok := s.slot[key]; ok && cur == val {
					delete(s.slot, key)
				}
				s.mu.Unlock()
			default:
				break drainLoop
			}
		}
	}
}
