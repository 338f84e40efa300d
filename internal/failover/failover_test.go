package failover

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
)

type fakeChecker struct {
	unhealthy map[string]bool
}

func (f *fakeChecker) Allow(source string) bool { return !f.unhealthy[source] }

// fakeAdapter is a minimal adapter.Adapter stub for exercising the
// reconnect driver without any real transport.
type fakeAdapter struct {
	*adapter.BaseState

	mu           sync.Mutex
	connectErr   error
	failAttempts int // Connect fails this many times before succeeding
	connectCalls int32
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{BaseState: adapter.NewBaseState(time.Millisecond, 5*time.Millisecond)}
}

func (f *fakeAdapter) Name() string                          { return "fake" }
func (f *fakeAdapter) Category() domain.Category             { return domain.Crypto }
func (f *fakeAdapter) Tier() domain.Tier                      { return domain.TierNative }
func (f *fakeAdapter) Capabilities() domain.Capabilities      { return domain.Capabilities{} }
func (f *fakeAdapter) Subscribe(context.Context, []string) error   { return nil }
func (f *fakeAdapter) Unsubscribe(context.Context, []string) error { return nil }
func (f *fakeAdapter) FetchTickerREST(context.Context, string) (domain.PriceUpdate, error) {
	return domain.PriceUpdate{}, nil
}
func (f *fakeAdapter) HealthCheck(context.Context) bool    { return true }
func (f *fakeAdapter) NormalizeSymbol(s string) string     { return s }
func (f *fakeAdapter) ToExchangeSymbol(s string) string    { return s }
func (f *fakeAdapter) Close() error                        { return nil }

func (f *fakeAdapter) Connect(context.Context) error {
	n := atomic.AddInt32(&f.connectCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(n) <= f.failAttempts {
		return f.connectErr
	}
	return nil
}

type fakeConnector struct {
	adapters map[string]adapter.Adapter
}

func (f *fakeConnector) Adapter(name string) (adapter.Adapter, bool) {
	a, ok := f.adapters[name]
	return a, ok
}

func testFeed() domain.FeedConfig {
	return domain.FeedConfig{
		Feed: domain.FeedId{Category: domain.Crypto, Name: "BTC/USD"},
		Primaries: []domain.SourceRef{
			{Exchange: "binance"}, {Exchange: "coinbase"}, {Exchange: "kraken"},
		},
		Backups: []domain.SourceRef{
			{Exchange: "okx"}, {Exchange: "crypto.com"},
		},
	}
}

func testThresholds() *config.Thresholds {
	t := config.Default()
	t.Failover.GracefulDegradationThreshold = 2
	t.Failover.RecoveryThreshold = 2
	t.Failover.MaxConcurrentReconnects = 3
	return t
}

func TestCoordinator_AllPrimariesHealthyStaysOnPrimaries(t *testing.T) {
	checker := &fakeChecker{unhealthy: map[string]bool{}}
	c := NewCoordinator(testThresholds(), checker, nil)
	fc := testFeed()
	c.Register(fc)

	active := c.Reconcile(fc.Feed.String())
	assert.ElementsMatch(t, []string{"binance", "coinbase", "kraken"}, active)
	assert.False(t, c.IsDegraded(fc.Feed.String()))
}

func TestCoordinator_PromotesBackupsOnDegradation(t *testing.T) {
	checker := &fakeChecker{unhealthy: map[string]bool{"binance": true, "coinbase": true}}
	c := NewCoordinator(testThresholds(), checker, nil)
	fc := testFeed()
	c.Register(fc)

	active := c.Reconcile(fc.Feed.String())
	require.True(t, c.IsDegraded(fc.Feed.String()))
	assert.Contains(t, active, "kraken")
	assert.Contains(t, active, "okx")
	assert.Contains(t, active, "crypto.com")
	assert.NotContains(t, active, "binance")
}

func TestCoordinator_RecoveryRequiresConsecutiveHealthyReconciles(t *testing.T) {
	checker := &fakeChecker{unhealthy: map[string]bool{"binance": true, "coinbase": true}}
	c := NewCoordinator(testThresholds(), checker, nil)
	fc := testFeed()
	c.Register(fc)
	c.Reconcile(fc.Feed.String())

	// binance recovers, but RecoveryThreshold is 2: first reconcile
	// after recovery should not yet restore it.
	checker.unhealthy["binance"] = false
	active := c.Reconcile(fc.Feed.String())
	assert.NotContains(t, active, "binance")

	active = c.Reconcile(fc.Feed.String())
	assert.Contains(t, active, "binance")
}

func TestCoordinator_UnregisteredFeedReturnsNil(t *testing.T) {
	checker := &fakeChecker{unhealthy: map[string]bool{}}
	c := NewCoordinator(testThresholds(), checker, nil)
	assert.Nil(t, c.Reconcile("crypto:ETH/USD"))
	assert.False(t, c.IsDegraded("crypto:ETH/USD"))
}

func TestCoordinator_ScheduleReconnectEventuallySucceeds(t *testing.T) {
	fa := newFakeAdapter()
	fa.failAttempts = 2
	fa.connectErr = assert.AnError
	connector := &fakeConnector{adapters: map[string]adapter.Adapter{"binance": fa}}

	checker := &fakeChecker{unhealthy: map[string]bool{}}
	th := testThresholds()
	th.Failover.MaxReconnectAttempts = 5
	c := NewCoordinator(th, checker, connector)

	c.ScheduleReconnect(context.Background(), "binance")
	c.Wait()

	assert.GreaterOrEqual(t, int(fa.connectCalls), 3)
	assert.Equal(t, domain.Disconnected, fa.State()) // the fake's Connect and Close never change its state
}

func TestCoordinator_ScheduleReconnectIsIdempotentPerSource(t *testing.T) {
	fa := newFakeAdapter()
	connector := &fakeConnector{adapters: map[string]adapter.Adapter{"binance": fa}}
	checker := &fakeChecker{unhealthy: map[string]bool{}}
	c := NewCoordinator(testThresholds(), checker, connector)

	c.ScheduleReconnect(context.Background(), "binance")
	c.ScheduleReconnect(context.Background(), "binance") // no-op: already running
	c.Wait()

	assert.LessOrEqual(t, int(fa.connectCalls), 1)
}

func TestCoordinator_ScheduleReconnectExhaustsAttemptsAndClosesAdapter(t *testing.T) {
	fa := newFakeAdapter()
	fa.failAttempts = 1000
	fa.connectErr = assert.AnError
	connector := &fakeConnector{adapters: map[string]adapter.Adapter{"binance": fa}}

	checker := &fakeChecker{unhealthy: map[string]bool{}}
	th := testThresholds()
	th.Failover.MaxReconnectAttempts = 3
	c := NewCoordinator(th, checker, connector)

	c.ScheduleReconnect(context.Background(), "binance")
	c.Wait()

	assert.Equal(t, int32(3), fa.connectCalls)
	select {
	case ev := <-fa.Errors():
		assert.Equal(t, domain.ErrConnection, ev.Err.Code)
	case <-time.After(time.Second):
		t.Fatal("expected a terminal ConnectionError to be emitted")
	}
}
