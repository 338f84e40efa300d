// Package orchestrator implements C8: the single process-wide object
// that wires adapters, the registry, validator, aggregator, cache and
// health bus together and exposes the public entry points of spec.md
// §6. It plays the role the teacher's application.Service plays for
// its scan pipeline (internal/application/pipeline.go) -- own every
// subsystem's lifecycle, fan events between them, answer requests --
// but scoped to price consensus instead of momentum scoring.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/adapter/binance"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/adapter/ccxtbridge"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/adapter/coinbase"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/adapter/cryptocom"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/adapter/kraken"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/adapter/okx"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/aggregator"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/breaker"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/failover"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/health"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/metrics"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/registry"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/validator"
)

// nativeExchanges names the five built-in adapters (§6's "custom
// adapters" set); any other feeds.json exchange id is routed through
// ccxtbridge with the name used verbatim as the CCXT id.
var nativeExchanges = map[string]bool{
	"binance": true, "coinbase": true, "kraken": true, "okx": true, "crypto.com": true,
}

// Orchestrator owns C1-C7 and C9 for the whole process and exposes the
// public API of spec.md §6.
type Orchestrator struct {
	cfg   *config.Thresholds
	feeds *config.FeedSet

	registry   *registry.Registry
	breakers   *breaker.Manager
	failover   *failover.Coordinator
	validator  *validator.Validator
	aggregator *aggregator.Aggregator
	cache      *cache.Cache
	warmer     *cache.Warmer
	bus        *health.Bus
	metrics    *metrics.Registry

	feedByKey   map[string]domain.FeedConfig
	symbolIndex map[string]domain.FeedId   // "exchange|canonicalSymbol" -> feed, built once in Initialize
	sourceFeeds map[string][]string        // exchange -> feed keys it backs, for health-event fan-out

	stats stats

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc

	shutdownGrace time.Duration
}

// New constructs an Orchestrator. Adapters are not connected yet;
// connection happens lazily in Initialize (spec.md §4.8 step 1).
func New(cfg *config.Thresholds, feeds *config.FeedSet) *Orchestrator {
	breakers := breaker.NewManager(cfg)
	reg := registry.NewRegistry(breakers)
	runCtx, runCancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		cfg:           cfg,
		feeds:         feeds,
		registry:      reg,
		breakers:      breakers,
		failover:      failover.NewCoordinator(cfg, breakers, reg),
		validator:     validator.New(&cfg.Validator),
		cache:         cache.New(&cfg.Cache),
		bus:           health.NewBus(&cfg.HealthBus),
		metrics:       metrics.NewRegistry(),
		feedByKey:     make(map[string]domain.FeedConfig),
		stop:          make(chan struct{}),
		runCtx:        runCtx,
		runCancel:     runCancel,
		shutdownGrace: 30 * time.Second,
	}
	o.aggregator = aggregator.New(&cfg.Aggregator, cfg.ReliabilityFor, minSourcesFor)
	o.warmer = cache.NewWarmer(o.cache, o.aggregator, &cfg.Cache)

	o.sourceFeeds = make(map[string][]string)
	for _, fc := range feeds.Feeds {
		key := config.FeedKey(fc.Feed)
		o.feedByKey[key] = fc
		for _, s := range append(append([]domain.SourceRef{}, fc.Primaries...), fc.Backups...) {
			o.sourceFeeds[s.Exchange] = append(o.sourceFeeds[s.Exchange], key)
		}
	}
	return o
}

func minSourcesFor(feed domain.FeedId) int { return feed.Category.MinSources() }

// failoverKey translates a normalized feed key (used by the aggregator,
// cache and validator, which merge USDT/USD variants of the same feed)
// into the key failover.Coordinator was registered under
// (domain.FeedId.String(), unnormalized).
func (o *Orchestrator) failoverKey(feedKey string) string {
	if fc, ok := o.feedByKey[feedKey]; ok {
		return fc.Feed.String()
	}
	return feedKey
}

// Initialize performs spec.md §4.8's five startup steps: build
// adapters, wire event streams, subscribe every configured feed, and
// start the cooperative background tasks (pipeline, health pump,
// warmer, failover reconciliation).
func (o *Orchestrator) Initialize(ctx context.Context) error {
	sources := o.collectSources()
	sink := o.registry.Sink()

	for name := range sources {
		a, err := o.buildAdapter(name, sink)
		if err != nil {
			return fmt.Errorf("build adapter %s: %w", name, err)
		}
		if err := o.registry.AddDataSource(ctx, a); err != nil {
			log.Error().Str("source", name).Err(err).Msg("initial connect failed, will retry via failover reconcile")
		}
	}

	o.buildSymbolIndex()

	for _, fc := range o.feeds.Feeds {
		o.failover.Register(fc)
		if err := o.SubscribeToFeed(ctx, fc.Feed); err != nil {
			log.Warn().Str("feed", fc.Feed.String()).Err(err).Msg("initial subscribe incomplete")
		}
	}

	o.wg.Add(3)
	go o.runPipeline()
	go o.runHealthPump()
	go o.runReconcileLoop()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.warmer.Run(o.stop)
	}()

	return nil
}

// buildSymbolIndex precomputes the (source, canonical symbol) -> feed
// lookup the pipeline needs on every update, using each adapter's own
// NormalizeSymbol so CCXT-bridged sources (which already emit
// canonical symbols) and native adapters (which normalize
// exchange-native symbols) both resolve correctly.
func (o *Orchestrator) buildSymbolIndex() {
	idx := make(map[string]domain.FeedId)
	for _, fc := range o.feeds.Feeds {
		for _, s := range append(append([]domain.SourceRef{}, fc.Primaries...), fc.Backups...) {
			canon := s.Symbol
			if a, ok := o.registry.Adapter(s.Exchange); ok {
				canon = a.NormalizeSymbol(s.Symbol)
			}
			idx[s.Exchange+"|"+canon] = fc.Feed
		}
	}
	o.symbolIndex = idx
}

func (o *Orchestrator) collectSources() map[string]bool {
	set := make(map[string]bool)
	for _, fc := range o.feeds.Feeds {
		for _, s := range fc.Primaries {
			set[s.Exchange] = true
		}
		for _, s := range fc.Backups {
			set[s.Exchange] = true
		}
	}
	return set
}

func (o *Orchestrator) buildAdapter(name string, sink adapter.Sink) (adapter.Adapter, error) {
	switch name {
	case "binance":
		return binance.NewAdapter(sink), nil
	case "coinbase":
		return coinbase.NewAdapter(sink), nil
	case "kraken":
		return kraken.NewAdapter(sink), nil
	case "okx":
		return okx.NewAdapter(sink), nil
	case "crypto.com":
		return cryptocom.NewAdapter(sink), nil
	default:
		baseURL := fmt.Sprintf(o.cfg.Bridge.BaseURLTemplate, name)
		return ccxtbridge.NewAdapter(name, baseURL, o.cfg.Bridge.PollInterval, sink), nil
	}
}

// SubscribeToFeed resolves feedId's currently-active source list
// through the failover coordinator and asks the registry to subscribe
// each one (spec.md §4.4).
func (o *Orchestrator) SubscribeToFeed(ctx context.Context, feedId domain.FeedId) error {
	key := config.FeedKey(feedId)
	fc, ok := o.feedByKey[key]
	if !ok {
		return domain.NewError(domain.ErrNotFound, "orchestrator", "SubscribeToFeed", fmt.Errorf("unknown feed")).WithFeed(key)
	}

	fkey := fc.Feed.String()
	active := o.failover.ActiveSources(fkey)
	if len(active) == 0 {
		o.failover.Register(fc)
		active = o.failover.Reconcile(fkey)
	}

	activeSet := make(map[string]bool, len(active))
	for _, s := range active {
		activeSet[s] = true
	}

	var refs []domain.SourceRef
	for _, s := range append(append([]domain.SourceRef{}, fc.Primaries...), fc.Backups...) {
		if activeSet[s.Exchange] {
			refs = append(refs, s)
		}
	}
	return o.registry.SubscribeToFeed(ctx, refs)
}

// UnsubscribeFromFeed asks the registry to drop every configured
// source's subscription for feedId.
func (o *Orchestrator) UnsubscribeFromFeed(ctx context.Context, feedId domain.FeedId) error {
	key := config.FeedKey(feedId)
	fc, ok := o.feedByKey[key]
	if !ok {
		return domain.NewError(domain.ErrNotFound, "orchestrator", "UnsubscribeFromFeed", fmt.Errorf("unknown feed")).WithFeed(key)
	}
	bySource := make(map[string][]string)
	for _, s := range append(append([]domain.SourceRef{}, fc.Primaries...), fc.Backups...) {
		bySource[s.Exchange] = append(bySource[s.Exchange], s.Symbol)
	}
	for ex, symbols := range bySource {
		if a, ok := o.registry.Adapter(ex); ok {
			if err := a.Unsubscribe(ctx, symbols); err != nil {
				return err
			}
		}
	}
	return nil
}

// Shutdown performs spec.md §4.8's reverse-order teardown within a
// bounded grace period: stop accepting new work, let in-flight
// aggregation settle, disconnect adapters, drain the health bus.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopOnce.Do(func() { close(o.stop) })
	o.runCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		o.failover.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(o.shutdownGrace):
		log.Warn().Msg("shutdown grace period exceeded, forcing adapter disconnect")
	case <-ctx.Done():
	}

	for _, name := range o.registry.GetConnectedSources() {
		if err := o.registry.RemoveDataSource(name); err != nil {
			log.Error().Str("source", name).Err(err).Msg("error disconnecting during shutdown")
		}
	}
	return nil
}
