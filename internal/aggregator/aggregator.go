// Package aggregator implements C6: the time-decayed weighted-median
// aggregator. Each feed keeps a rolling buffer of the newest eligible
// update per source and recomputes an AggregatedPrice on every accepted
// input, the way the teacher's factor pipeline folds per-symbol inputs
// into one composite score (internal/score) but specialized to price
// consensus instead of momentum factors.
package aggregator

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
)

// eligibleUpdate is one source's latest accepted update plus the
// adjusted confidence the validator assigned it.
type eligibleUpdate struct {
	update     domain.PriceUpdate
	tier       domain.Tier
	confidence float64
}

type feedBuffer struct {
	mu       sync.Mutex
	symbol   string
	bySource map[string]eligibleUpdate
	history  []float64 // accepted price history, for the validator's statistical-outlier tier
	lastEmit AggregatedResult
	hasEmit  bool
}

// AggregatedResult wraps an AggregatedPrice with the emission decision,
// so callers can distinguish "recomputed but not re-emitted" from
// "recomputed and emitted".
type AggregatedResult struct {
	Price    domain.AggregatedPrice
	Emitted  bool
	Insufficient bool
}

// Aggregator owns one feedBuffer per feed and applies §4.6's weighting,
// weighted-median, and emission-throttling rules.
type Aggregator struct {
	cfg *config.AggregatorConfig

	reliabilityFor func(source string) float64
	minSourcesFor  func(feed domain.FeedId) int

	mu     sync.RWMutex
	feeds  map[string]*feedBuffer
}

func New(cfg *config.AggregatorConfig, reliabilityFor func(string) float64, minSourcesFor func(domain.FeedId) int) *Aggregator {
	return &Aggregator{
		cfg:            cfg,
		reliabilityFor: reliabilityFor,
		minSourcesFor:  minSourcesFor,
		feeds:          make(map[string]*feedBuffer),
	}
}

func (a *Aggregator) bufferFor(feedKey string) *feedBuffer {
	a.mu.RLock()
	fb, ok := a.feeds[feedKey]
	a.mu.RUnlock()
	if ok {
		return fb
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if fb, ok := a.feeds[feedKey]; ok {
		return fb
	}
	fb = &feedBuffer{bySource: make(map[string]eligibleUpdate)}
	a.feeds[feedKey] = fb
	return fb
}

// History returns the feed's rolling price history for use as the
// validator's ValidationContext.History.
func (a *Aggregator) History(feedKey string) []float64 {
	fb := a.bufferFor(feedKey)
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]float64(nil), fb.history...)
}

// LatestBySource returns each source's latest accepted price for the
// feed, for the validator's cross-source tier.
func (a *Aggregator) LatestBySource(feedKey string, excludeSource string) map[string]float64 {
	fb := a.bufferFor(feedKey)
	fb.mu.Lock()
	defer fb.mu.Unlock()
	out := make(map[string]float64, len(fb.bySource))
	for src, eu := range fb.bySource {
		if src == excludeSource {
			continue
		}
		out[src] = eu.update.Price
	}
	return out
}

// Current returns the feed's last emitted AggregatedPrice without
// folding in a new update, used by the cache warmer (C7's Refresher)
// and the orchestrator's read path when the cache itself has no fresh
// entry.
func (a *Aggregator) Current(feedKey string) (domain.AggregatedPrice, bool) {
	fb := a.bufferFor(feedKey)
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if !fb.hasEmit {
		return domain.AggregatedPrice{}, false
	}
	return fb.lastEmit.Price, true
}

// Refresh implements cache.Refresher by returning the feed's current
// value without recomputation; the aggregator only recomputes on
// Accept, so a warm pass re-delivers whatever was last emitted.
func (a *Aggregator) Refresh(feedKey string) (domain.AggregatedPrice, bool) {
	return a.Current(feedKey)
}

// LastConsensus returns the last emitted price for the feed, or 0.
func (a *Aggregator) LastConsensus(feedKey string) float64 {
	fb := a.bufferFor(feedKey)
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if !fb.hasEmit {
		return 0
	}
	return fb.lastEmit.Price.Price
}

// Accept folds a validated update into feedKey's buffer and recomputes
// the AggregatedPrice, applying the eligibility, weighting, and
// emission-throttling rules of §4.6. circuitAllows reports whether the
// update's source circuit is closed or half-open; breakers in the open
// state make a source ineligible even if its update otherwise passes
// validation.
func (a *Aggregator) Accept(feedKey string, feed domain.FeedId, update domain.PriceUpdate, tier domain.Tier, adjustedConfidence float64, now time.Time, circuitAllows bool) AggregatedResult {
	fb := a.bufferFor(feedKey)
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.symbol == "" {
		fb.symbol = update.Symbol
	}

	if !circuitAllows || now.Sub(time.UnixMilli(update.Timestamp)) > a.cfg.MaxStaleness {
		delete(fb.bySource, update.Source)
	} else {
		fb.bySource[update.Source] = eligibleUpdate{update: update, tier: tier, confidence: adjustedConfidence}
		fb.history = append(fb.history, update.Price)
		if len(fb.history) > a.cfg.TradesHistorySize {
			fb.history = fb.history[len(fb.history)-a.cfg.TradesHistorySize:]
		}
	}
	a.pruneStaleLocked(fb, now)

	minSources := 1
	if a.minSourcesFor != nil {
		minSources = a.minSourcesFor(feed)
	}
	if len(fb.bySource) < minSources {
		return AggregatedResult{Insufficient: true, Price: fb.lastEmit.Price}
	}

	computed := a.computeWeightedMedian(fb, now)
	if !fb.hasEmit {
		fb.lastEmit = AggregatedResult{Price: computed, Emitted: true}
		fb.hasEmit = true
		return fb.lastEmit
	}

	elapsed := now.Sub(time.UnixMilli(fb.lastEmit.Price.Timestamp))
	differs := math.Abs(computed.Price-fb.lastEmit.Price.Price) > ulp(fb.lastEmit.Price.Price)
	shouldEmit := differs || elapsed >= a.cfg.MinEmitInterval

	result := AggregatedResult{Price: computed, Emitted: shouldEmit}
	if shouldEmit {
		fb.lastEmit = result
	}
	return result
}

// pruneStaleLocked drops any source whose latest accepted update has
// gone stale since it was last folded in, not just the source named by
// the update currently arriving (§4.6): a source that simply stops
// emitting must still age out of bySource, or it keeps voting on a
// price it hasn't actually reported in a while. Caller holds fb.mu.
func (a *Aggregator) pruneStaleLocked(fb *feedBuffer, now time.Time) {
	for source, eu := range fb.bySource {
		if now.Sub(time.UnixMilli(eu.update.Timestamp)) > a.cfg.MaxStaleness {
			delete(fb.bySource, source)
		}
	}
}

// ulp approximates "1 unit in the last place" for a float64 price,
// used as the emission-policy's near-equality threshold (§4.6).
func ulp(v float64) float64 {
	if v == 0 {
		return math.SmallestNonzeroFloat64
	}
	return math.Nextafter(v, math.Inf(1)) - v
}

func (a *Aggregator) computeWeightedMedian(fb *feedBuffer, now time.Time) domain.AggregatedPrice {
	type weighted struct {
		price      float64
		weight     float64
		confidence float64
		source     string
	}

	items := make([]weighted, 0, len(fb.bySource))
	var maxTS int64
	for source, eu := range fb.bySource {
		ageMS := float64(now.UnixMilli() - eu.update.Timestamp)
		decay := math.Exp(-a.cfg.MedianDecay * ageMS)
		reliability := 1.0
		if a.reliabilityFor != nil {
			reliability = a.reliabilityFor(source)
		}
		w := reliability * eu.tier.Multiplier() * decay * eu.confidence
		items = append(items, weighted{price: eu.update.Price, weight: w, confidence: eu.confidence, source: source})
		if eu.update.Timestamp > maxTS {
			maxTS = eu.update.Timestamp
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].price < items[j].price })

	var totalWeight float64
	for _, it := range items {
		totalWeight += it.weight
	}

	medianPrice := 0.0
	if totalWeight > 0 {
		half := totalWeight / 2
		var cum float64
		for _, it := range items {
			cum += it.weight
			if cum >= half {
				medianPrice = it.price
				break
			}
		}
	} else if len(items) > 0 {
		medianPrice = items[len(items)/2].price
	}

	var weightedConfSum, confWeightSum float64
	sources := make(map[string]struct{}, len(items))
	prices := make([]float64, 0, len(items))
	for _, it := range items {
		weightedConfSum += it.confidence * it.weight
		confWeightSum += it.weight
		sources[it.source] = struct{}{}
		prices = append(prices, it.price)
	}
	avgConfidence := 0.0
	if confWeightSum > 0 {
		avgConfidence = weightedConfSum / confWeightSum
	}

	consensus := consensusScore(prices, medianPrice)

	return domain.AggregatedPrice{
		Symbol:         fb.symbol,
		Price:          medianPrice,
		Timestamp:      maxTS,
		Sources:        sources,
		Confidence:     clamp01(avgConfidence),
		ConsensusScore: consensus,
	}
}

// consensusScore computes 1 - (IQR / median), clamped to [0,1]. A
// single or degenerate price set has zero spread and thus perfect
// consensus.
func consensusScore(prices []float64, median float64) float64 {
	if len(prices) == 0 || median == 0 {
		return 1
	}
	sorted := append([]float64(nil), prices...)
	sort.Float64s(sorted)
	q1 := percentile(sorted, 0.25)
	q3 := percentile(sorted, 0.75)
	iqr := q3 - q1
	score := 1 - (iqr / median)
	return clamp01(score)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
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
