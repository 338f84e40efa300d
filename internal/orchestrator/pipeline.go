package orchestrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/health"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/validator"
)

// runPipeline is C8's central fold: every validated-at-source update
// from every adapter passes through here on its way to the validator,
// the aggregator, and the cache, the way the teacher's pipeline.go
// folds per-symbol candles into the scoring stage.
func (o *Orchestrator) runPipeline() {
	defer o.wg.Done()
	updates := o.registry.Updates()
	for {
		select {
		case <-o.stop:
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			o.handleUpdate(u)
		}
	}
}

func (o *Orchestrator) handleUpdate(u domain.PriceUpdate) {
	start := time.Now()

	// Receiving any update at all, valid or not, is the source's
	// liveness signal (§4.2): the breaker cares about reachability, not
	// data quality.
	_ = o.breakers.Execute(context.Background(), u.Source, func(context.Context) error { return nil })

	feedId, ok := o.symbolIndex[u.Source+"|"+u.Symbol]
	if !ok {
		return // no configured feed wants this (source, symbol) pair
	}
	key := config.FeedKey(feedId)

	vctx := validator.ValidationContext{
		Now:                time.Now().UnixMilli(),
		History:            o.aggregator.History(key),
		OtherSourcesLatest: o.aggregator.LatestBySource(key, u.Source),
		LastConsensus:      o.aggregator.LastConsensus(key),
	}
	result := o.validator.Validate(u, vctx)
	o.stats.recordValidation(result.AdjustedConfidence, isOutlierResult(result))
	for _, e := range result.Errors {
		o.metrics.ValidatorSeverity.WithLabelValues(e.Tier, e.Severity.String()).Inc()
	}

	if !result.IsValid {
		o.metrics.ValidatorRejects.WithLabelValues(firstErrorTier(result.Errors)).Inc()
		o.publish(health.Alert{
			RuleID:   "validationRejected",
			Severity: "ERROR",
			Title:    "update rejected by validator",
			Message:  firstErrorMessage(result.Errors),
			SourceID: u.Source,
			FeedID:   key,
		})
		o.stats.recordResponse(time.Since(start), true)
		return
	}

	tier := o.tierFor(u.Source)
	circuitAllows := o.breakers.Allow(u.Source)
	res := o.aggregator.Accept(key, feedId, u, tier, result.AdjustedConfidence, time.Now(), circuitAllows)

	if res.Insufficient {
		o.stats.recordAggregationError("insufficient_sources")
		o.metrics.AggregationsInsufficient.WithLabelValues(key).Inc()
		o.publish(health.Alert{
			RuleID:   "insufficientSources",
			Severity: "WARNING",
			Title:    "fewer than minimum contributing sources",
			Message:  fmt.Sprintf("feed %s has too few eligible sources", key),
			FeedID:   key,
		})
		o.stats.recordResponse(time.Since(start), false)
		return
	}

	o.stats.recordAggregationSuccess()
	if res.Emitted {
		now := time.Now()
		o.cache.Set(key, res.Price, now)
		o.cache.InvalidateOnPriceUpdate(key, res.Price.Timestamp)
		o.metrics.AggregationsEmitted.Inc()
		o.metrics.AggregationLatency.Observe(time.Since(start).Seconds())
		o.checkConsensusDeviation(key, u, res.Price)
	}
	o.stats.recordResponse(time.Since(start), false)
}

// publish forwards to the health bus and tallies the publication,
// regardless of whether the bus itself ends up rate-limiting it.
func (o *Orchestrator) publish(a health.Alert) {
	o.metrics.AlertsPublished.WithLabelValues(a.RuleID, a.Severity).Inc()
	o.bus.Publish(a)
}

func firstErrorTier(errs []domain.ValidationError) string {
	if len(errs) == 0 {
		return "unknown"
	}
	return errs[0].Tier
}

func (o *Orchestrator) tierFor(source string) domain.Tier {
	if a, ok := o.registry.Adapter(source); ok {
		return a.Tier()
	}
	return domain.TierBridged
}

// checkConsensusDeviation publishes the §4.9 "a source deviates from
// consensus" alert independent of the validator's own (lower)
// consensus-alignment threshold, at the 0.5%/1% bus-rule boundaries.
func (o *Orchestrator) checkConsensusDeviation(key string, u domain.PriceUpdate, price domain.AggregatedPrice) {
	if price.Price == 0 {
		return
	}
	dev := math.Abs(u.Price-price.Price) / price.Price
	switch {
	case dev > 0.01:
		o.publish(health.Alert{
			RuleID:   "consensusDeviation",
			Severity: "CRITICAL",
			Title:    "source deviates from consensus by more than 1%",
			Message:  fmt.Sprintf("%s deviates %.3f%% from consensus on %s", u.Source, dev*100, key),
			SourceID: u.Source,
			FeedID:   key,
		})
	case dev > 0.005:
		o.publish(health.Alert{
			RuleID:   "consensusDeviation",
			Severity: "ERROR",
			Title:    "source deviates from consensus",
			Message:  fmt.Sprintf("%s deviates %.3f%% from consensus on %s", u.Source, dev*100, key),
			SourceID: u.Source,
			FeedID:   key,
		})
	}
}

func isOutlierResult(r validator.Result) bool {
	for _, e := range r.Errors {
		if e.Tier == "statistical_outlier" || e.Tier == "cross_source" {
			return true
		}
	}
	return false
}

func firstErrorMessage(errs []domain.ValidationError) string {
	if len(errs) == 0 {
		return ""
	}
	return errs[0].Error()
}

// runHealthPump fans adapter connection and error events out to the
// failover coordinator and the health bus (§4.9).
func (o *Orchestrator) runHealthPump() {
	defer o.wg.Done()
	healthCh := o.registry.HealthEvents()
	errCh := o.registry.Errors()
	for {
		select {
		case <-o.stop:
			return
		case h, ok := <-healthCh:
			if !ok {
				healthCh = nil
				continue
			}
			o.onSourceHealth(h)
		case e, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			o.onSourceError(e)
		}
	}
}

func (o *Orchestrator) onSourceHealth(h domain.SourceHealth) {
	for _, key := range o.sourceFeeds[h.Source] {
		o.failover.Reconcile(o.failoverKey(key))
	}
	switch h.Status {
	case domain.Unhealthy:
		o.failover.ScheduleReconnect(o.runCtx, h.Source)
		o.publish(health.Alert{
			RuleID:   "connectionRate",
			Severity: "ERROR",
			Title:    "source marked unhealthy",
			Message:  fmt.Sprintf("%s transitioned to unhealthy", h.Source),
			SourceID: h.Source,
		})
	case domain.Recovered:
		o.resubscribeSource(o.runCtx, h.Source)
	}
}

// resubscribeSource restores every feed subscription a source backed
// before it dropped, since a fresh Connect (via the reconnect driver)
// starts with no subscriptions of its own (§4.1: Connect re-establishes
// the transport, not the subscription set).
func (o *Orchestrator) resubscribeSource(ctx context.Context, source string) {
	a, ok := o.registry.Adapter(source)
	if !ok {
		return
	}
	var symbols []string
	for _, key := range o.sourceFeeds[source] {
		fc, ok := o.feedByKey[key]
		if !ok {
			continue
		}
		for _, s := range append(append([]domain.SourceRef{}, fc.Primaries...), fc.Backups...) {
			if s.Exchange == source {
				symbols = append(symbols, s.Symbol)
			}
		}
	}
	if len(symbols) == 0 {
		return
	}
	if err := a.Subscribe(ctx, symbols); err != nil {
		o.publish(health.Alert{
			RuleID:   "connectionRate",
			Severity: "WARNING",
			Title:    "resubscribe after reconnect failed",
			Message:  err.Error(),
			SourceID: source,
		})
	}
}

func (o *Orchestrator) onSourceError(e adapter.ErrorEvent) {
	if e.Err.Code.CountsTowardBreaker() || e.Err.Code == domain.ErrRateLimit {
		_ = o.breakers.Execute(context.Background(), e.Source, func(context.Context) error { return e.Err })
	}
	o.publish(health.Alert{
		RuleID:   "errorRate",
		Severity: "WARNING",
		Title:    "source reported a classified error",
		Message:  e.Err.Error(),
		SourceID: e.Source,
	})
}

// runReconcileLoop periodically re-runs failover reconciliation for
// every configured feed (catching transitions the event-driven path
// might miss) and evaluates the threshold-based health-bus rules that
// aren't naturally tied to a single event (§4.9).
func (o *Orchestrator) runReconcileLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			for key := range o.feedByKey {
				o.failover.Reconcile(o.failoverKey(key))
			}
			o.evaluateHealthRules()
		}
	}
}

func (o *Orchestrator) evaluateHealthRules() {
	snap := o.registry.ConnectionHealth()

	if snap.TotalSources > 0 {
		rate := float64(snap.ConnectedCount) / float64(snap.TotalSources) * 100
		if rate < 90 {
			o.publish(health.Alert{
				RuleID:   "connectionRate",
				Severity: "ERROR",
				Title:    "connection rate below threshold",
				Message:  fmt.Sprintf("%.1f%% of registered sources connected", rate),
			})
		}
	}

	if snap.HealthScore < 70 {
		o.publish(health.Alert{
			RuleID:   "qualityScore",
			Severity: "WARNING",
			Title:    "aggregate connection quality score below threshold",
			Message:  fmt.Sprintf("health score %.1f", snap.HealthScore),
		})
	}

	if st := o.stats.snapshot(); st.errorsPerMinute > 5 {
		o.publish(health.Alert{
			RuleID:   "errorRate",
			Severity: "ERROR",
			Title:    "classified error rate exceeds threshold",
			Message:  fmt.Sprintf("%.1f errors/min over the last 5 minutes", st.errorsPerMinute),
		})
	}

	now := time.Now()
	for key := range o.feedByKey {
		price, ok := o.aggregator.Current(key)
		if !ok {
			continue
		}
		age := now.Sub(time.UnixMilli(price.Timestamp))
		if age > o.cfg.Cache.MaxDataAge {
			o.publish(health.Alert{
				RuleID:   "dataAge",
				Severity: "ERROR",
				Title:    "feed data age exceeds threshold",
				Message:  fmt.Sprintf("%s last updated %s ago", key, age.Round(time.Millisecond)),
				FeedID:   key,
			})
		}
	}
}
