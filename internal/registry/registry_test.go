package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/breaker"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
)

type fakeAdapter struct {
	*adapter.BaseState
	name        string
	subscribed  []string
	connectErr  error
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		BaseState: adapter.NewBaseState(time.Millisecond, time.Second),
		name:      name,
	}
}

func (f *fakeAdapter) Name() string              { return f.name }
func (f *fakeAdapter) Category() domain.Category { return domain.Crypto }
func (f *fakeAdapter) Tier() domain.Tier         { return domain.TierNative }
func (f *fakeAdapter) Capabilities() domain.Capabilities {
	return domain.Capabilities{SupportsStream: true, SupportsREST: true}
}
func (f *fakeAdapter) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.SetState(f.name, domain.Connected)
	return nil
}
func (f *fakeAdapter) Subscribe(ctx context.Context, symbols []string) error {
	f.subscribed = append(f.subscribed, symbols...)
	return nil
}
func (f *fakeAdapter) Unsubscribe(ctx context.Context, symbols []string) error { return nil }
func (f *fakeAdapter) FetchTickerREST(ctx context.Context, symbol string) (domain.PriceUpdate, error) {
	return domain.PriceUpdate{Symbol: symbol, Price: 1, Source: f.name}, nil
}
func (f *fakeAdapter) HealthCheck(ctx context.Context) bool { return true }
func (f *fakeAdapter) NormalizeSymbol(s string) string      { return s }
func (f *fakeAdapter) ToExchangeSymbol(s string) string     { return s }
func (f *fakeAdapter) Close() error {
	f.SetState(f.name, domain.Disconnected)
	return nil
}

func TestRegistry_AddDataSourceConnectsAndTracksHealth(t *testing.T) {
	r := NewRegistry(breaker.NewManager(config.Default()))
	a := newFakeAdapter("binance")

	err := r.AddDataSource(context.Background(), a)
	require.NoError(t, err)

	assert.Contains(t, r.GetConnectedSources(), "binance")

	health, ok := r.GetConnectionHealth("binance")
	require.True(t, ok)
	assert.Equal(t, "binance", health.Source)
}

func TestRegistry_AddDataSourceIsIdempotent(t *testing.T) {
	r := NewRegistry(breaker.NewManager(config.Default()))
	a := newFakeAdapter("binance")

	require.NoError(t, r.AddDataSource(context.Background(), a))
	require.NoError(t, r.AddDataSource(context.Background(), a))
	assert.Len(t, r.GetConnectedSources(), 1)
}

func TestRegistry_RemoveDataSourceDisconnects(t *testing.T) {
	r := NewRegistry(breaker.NewManager(config.Default()))
	a := newFakeAdapter("binance")
	require.NoError(t, r.AddDataSource(context.Background(), a))

	require.NoError(t, r.RemoveDataSource("binance"))
	assert.Empty(t, r.GetConnectedSources())
	assert.Equal(t, domain.Disconnected, a.State())
}

func TestRegistry_RemoveUnknownSourceErrors(t *testing.T) {
	r := NewRegistry(breaker.NewManager(config.Default()))
	err := r.RemoveDataSource("nonexistent")
	assert.Error(t, err)
}

func TestRegistry_SubscribeToFeedRoutesBySource(t *testing.T) {
	r := NewRegistry(breaker.NewManager(config.Default()))
	bin := newFakeAdapter("binance")
	krk := newFakeAdapter("kraken")
	require.NoError(t, r.AddDataSource(context.Background(), bin))
	require.NoError(t, r.AddDataSource(context.Background(), krk))

	err := r.SubscribeToFeed(context.Background(), []domain.SourceRef{
		{Exchange: "binance", Symbol: "BTCUSDT"},
		{Exchange: "kraken", Symbol: "XBT/USD"},
	})
	require.NoError(t, err)

	assert.Contains(t, bin.subscribed, "BTCUSDT")
	assert.Contains(t, krk.subscribed, "XBT/USD")
}

func TestRegistry_PushForwardsToUpdatesChannel(t *testing.T) {
	r := NewRegistry(breaker.NewManager(config.Default()))
	r.Push(domain.PriceUpdate{Symbol: "BTC/USD", Price: 50000, Source: "binance"})

	select {
	case u := <-r.Updates():
		assert.Equal(t, "BTC/USD", u.Symbol)
	case <-time.After(time.Second):
		t.Fatal("expected update on channel")
	}
}

func TestRegistry_ConnectionHealthReflectsConnectedRatio(t *testing.T) {
	r := NewRegistry(breaker.NewManager(config.Default()))
	require.NoError(t, r.AddDataSource(context.Background(), newFakeAdapter("binance")))
	require.NoError(t, r.AddDataSource(context.Background(), newFakeAdapter("kraken")))

	snap := r.ConnectionHealth()
	assert.Equal(t, 2, snap.TotalSources)
	assert.Equal(t, 2, snap.ConnectedCount)
	assert.Equal(t, 100.0, snap.HealthScore)
}

func TestRegistry_ConnectionHealthPenalizesErrorBursts(t *testing.T) {
	r := NewRegistry(breaker.NewManager(config.Default()))
	require.NoError(t, r.AddDataSource(context.Background(), newFakeAdapter("binance")))

	now := time.Now()
	for i := 0; i < 5; i++ {
		r.recordErrorBurst("binance", now)
	}

	snap := r.ConnectionHealth()
	assert.Less(t, snap.HealthScore, 100.0)
}

func TestRegistry_LatencyForReportsPercentiles(t *testing.T) {
	r := NewRegistry(breaker.NewManager(config.Default()))
	for _, d := range []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond} {
		r.RecordLatency("binance", d)
	}
	metrics := r.LatencyFor("binance")
	assert.Greater(t, metrics.Avg, time.Duration(0))
	assert.GreaterOrEqual(t, metrics.P99, metrics.P50)
}
