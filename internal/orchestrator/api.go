package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
)

// GetCurrentPrice implements §6's primary read path: a fresh cache hit,
// falling back to the aggregator's last-emitted value if the cache has
// expired or never been warmed, and finally classifying why neither is
// usable.
func (o *Orchestrator) GetCurrentPrice(ctx context.Context, feedId domain.FeedId) (domain.AggregatedPrice, error) {
	key := config.FeedKey(feedId)
	now := time.Now()

	if price, ok := o.cache.Get(key, now); ok {
		return price, nil
	}

	price, ok := o.aggregator.Current(key)
	if !ok {
		return domain.AggregatedPrice{}, domain.NewError(domain.ErrNotFound, "orchestrator", "GetCurrentPrice", fmt.Errorf("no price has ever been emitted")).WithFeed(key)
	}

	age := now.Sub(time.UnixMilli(price.Timestamp))
	if age > o.cfg.Cache.MaxDataAge {
		return domain.AggregatedPrice{}, domain.NewError(domain.ErrStale, "orchestrator", "GetCurrentPrice", fmt.Errorf("last price is %s old", age.Round(time.Millisecond))).WithFeed(key)
	}

	if minSources := feedId.Category.MinSources(); len(price.Sources) < minSources {
		return domain.AggregatedPrice{}, domain.NewError(domain.ErrDegraded, "orchestrator", "GetCurrentPrice", fmt.Errorf("only %d of %d minimum sources contributing", len(price.Sources), minSources)).WithFeed(key)
	}

	return price, nil
}

// GetCurrentPrices looks up several feeds at once, collecting per-feed
// errors rather than failing the whole batch on one bad feed.
func (o *Orchestrator) GetCurrentPrices(ctx context.Context, feedIds []domain.FeedId) ([]domain.AggregatedPrice, map[string]error) {
	prices := make([]domain.AggregatedPrice, 0, len(feedIds))
	errs := make(map[string]error)
	for _, id := range feedIds {
		p, err := o.GetCurrentPrice(ctx, id)
		if err != nil {
			errs[id.String()] = err
			continue
		}
		prices = append(prices, p)
	}
	return prices, errs
}

// SourceHealthView is one source's entry in GetSystemHealth's sources
// list: connection state, breaker state, and latency percentiles.
type SourceHealthView struct {
	Source       string
	Connected    bool
	BreakerState string
	LatencyP50   time.Duration
	LatencyP99   time.Duration
}

// AggregationHealth summarizes the pipeline's accept/reject ratio.
type AggregationHealth struct {
	SuccessRate float64
	ErrorCount  int64
	LastError   string
}

// PerformanceHealth summarizes request latency and error rate.
type PerformanceHealth struct {
	AvgResponseTimeMs float64
	ErrorRate         float64
}

// AccuracyHealth summarizes validator-derived confidence and outlier
// figures.
type AccuracyHealth struct {
	AvgConfidence float64
	OutlierRate   float64
}

// SystemHealth is the full §6 GetSystemHealth response.
type SystemHealth struct {
	Status      string
	Sources     []SourceHealthView
	Aggregation AggregationHealth
	Performance PerformanceHealth
	Accuracy    AccuracyHealth
	Timestamp   time.Time
}

// GetSystemHealth assembles a point-in-time view across every
// subsystem: connection health (C4), breaker state (C2), and the
// orchestrator's own accept/reject and latency counters.
func (o *Orchestrator) GetSystemHealth() SystemHealth {
	snap := o.registry.ConnectionHealth()

	connectedSet := make(map[string]bool)
	for _, name := range o.registry.GetConnectedSources() {
		connectedSet[name] = true
	}

	sources := make([]SourceHealthView, 0, len(o.registry.GetConnectedSources()))
	for _, name := range o.allKnownSources() {
		st := o.breakers.Status(name)
		lat := o.registry.LatencyFor(name)
		sources = append(sources, SourceHealthView{
			Source:       name,
			Connected:    connectedSet[name],
			BreakerState: st.State,
			LatencyP50:   lat.P50,
			LatencyP99:   lat.P99,
		})
	}

	st := o.stats.snapshot()
	total := st.aggSuccess + st.aggErrors
	successRate := 1.0
	if total > 0 {
		successRate = float64(st.aggSuccess) / float64(total)
	}

	status := "healthy"
	switch {
	case snap.HealthScore < 50:
		status = "unhealthy"
	case snap.HealthScore < 90:
		status = "degraded"
	}

	return SystemHealth{
		Status:  status,
		Sources: sources,
		Aggregation: AggregationHealth{
			SuccessRate: successRate,
			ErrorCount:  st.aggErrors,
			LastError:   st.lastAggErr,
		},
		Performance: PerformanceHealth{
			AvgResponseTimeMs: st.avgResponseMS,
			ErrorRate:         st.reqErrorRate,
		},
		Accuracy: AccuracyHealth{
			AvgConfidence: st.avgConfidence,
			OutlierRate:   st.outlierRate,
		},
		Timestamp: time.Now(),
	}
}

// allKnownSources returns every exchange id ever registered as a feed
// source, regardless of current connection state, so GetSystemHealth
// reports on unreachable sources too.
func (o *Orchestrator) allKnownSources() []string {
	seen := make(map[string]bool)
	var out []string
	for ex := range o.sourceFeeds {
		if !seen[ex] {
			seen[ex] = true
			out = append(out, ex)
		}
	}
	return out
}
