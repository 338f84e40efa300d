// Package validator implements C5: the multi-tier validator that turns
// a raw PriceUpdate plus its ValidationContext into a Result carrying
// severity-tagged errors and an adjusted confidence. Tiers mirror the
// teacher's layered quality-gate style (internal/gates/entry.go's
// ordered, each-stage-independent checks) adapted to price validation.
package validator

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
)

// ValidationContext carries the state a validator tier needs beyond
// the update itself (§4.4).
type ValidationContext struct {
	Now int64 // epoch ms, injected so tiers are deterministic to test

	// History is the feed's rolling buffer of accepted prices, oldest
	// first, used by the statistical-outlier tier.
	History []float64

	// OtherSourcesLatest maps source -> latest accepted price for the
	// feed, excluding the update's own source. The orchestrator fills it
	// from the aggregator's buffer, which holds every source inside
	// MaxStaleness; CrossSourceWindow is not applied.
	OtherSourcesLatest map[string]float64

	// LastConsensus is the last published AggregatedPrice.price for
	// this feed, or 0 if none has been published yet.
	LastConsensus float64
}

// Result is the validator's verdict for one update.
type Result struct {
	IsValid           bool
	Errors            []domain.ValidationError
	AdjustedConfidence float64
}

// Validator applies the six ordered tiers from §4.5.
type Validator struct {
	cfg *config.ValidatorConfig
}

func New(cfg *config.ValidatorConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Validate runs every tier in order and folds the resulting severities
// into an adjusted confidence and final validity verdict.
func (v *Validator) Validate(update domain.PriceUpdate, ctx ValidationContext) Result {
	var errs []domain.ValidationError
	confidence := update.Confidence

	if e, ok := v.format(update); ok {
		errs = append(errs, e)
	}
	if e, ok := v.rangeCheck(update); ok {
		errs = append(errs, e)
	}
	if e, ok := v.staleness(update, ctx); ok {
		errs = append(errs, e)
	}
	errs = append(errs, v.statisticalOutlier(update, ctx)...)
	if e, ok := v.crossSource(update, ctx); ok {
		errs = append(errs, e)
	}
	if e, ok := v.consensusAlignment(update, ctx); ok {
		errs = append(errs, e)
	}

	for _, e := range errs {
		confidence *= e.Severity.ConfidenceMultiplier()
	}
	confidence = clamp01(confidence)

	critical := 0
	high := 0
	for _, e := range errs {
		switch e.Severity {
		case domain.SevCritical:
			critical++
		case domain.SevHigh:
			high++
		}
	}

	isValid := critical == 0 && high <= v.cfg.MaxHighErrors
	return Result{IsValid: isValid, Errors: errs, AdjustedConfidence: confidence}
}

// format rejects non-finite/non-positive prices outright (folded into
// the error list as CRITICAL since there is no usable value at all)
// and flags an out-of-range confidence as MEDIUM without failing
// validity on its own (§4.5 tier 1).
func (v *Validator) format(update domain.PriceUpdate) (domain.ValidationError, bool) {
	if math.IsNaN(update.Price) || math.IsInf(update.Price, 0) || update.Price <= 0 {
		return domain.ValidationError{Tier: "format", Severity: domain.SevCritical, Message: "non-finite or non-positive price"}, true
	}
	if update.Confidence < 0 || update.Confidence > 1 {
		return domain.ValidationError{Tier: "format", Severity: domain.SevMedium, Message: "confidence outside [0,1]"}, true
	}
	return domain.ValidationError{}, false
}

func (v *Validator) rangeCheck(update domain.PriceUpdate) (domain.ValidationError, bool) {
	if update.Price < v.cfg.PriceMin || update.Price > v.cfg.PriceMax {
		return domain.ValidationError{Tier: "range", Severity: domain.SevHigh, Message: "price outside configured range"}, true
	}
	return domain.ValidationError{}, false
}

func (v *Validator) staleness(update domain.PriceUpdate, ctx ValidationContext) (domain.ValidationError, bool) {
	age := time.Duration(ctx.Now-update.Timestamp) * time.Millisecond
	if age > v.cfg.MaxAge {
		return domain.ValidationError{Tier: "staleness", Severity: domain.SevCritical, Message: "update exceeds max age"}, true
	}
	if age > time.Duration(float64(v.cfg.MaxAge)*0.8) {
		return domain.ValidationError{Tier: "staleness", Severity: domain.SevLow, Message: "update nearing max age"}, true
	}
	return domain.ValidationError{}, false
}

// statisticalOutlier requires at least 3 historical points, and checks
// both a z-score against the full rolling buffer and a simple
// percentage deviation against the last-5-points mean (§4.5 tier 4).
func (v *Validator) statisticalOutlier(update domain.PriceUpdate, ctx ValidationContext) []domain.ValidationError {
	if len(ctx.History) < 3 {
		return nil
	}
	var out []domain.ValidationError

	mean, stddev := stat.MeanStdDev(ctx.History, nil)
	if stddev > 0 {
		z := math.Abs(update.Price-mean) / stddev
		if z > v.cfg.ZScoreThreshold {
			out = append(out, domain.ValidationError{Tier: "statistical_outlier", Severity: domain.SevMedium, Message: "z-score exceeds threshold"})
		}
	}

	last5 := ctx.History
	if len(last5) > 5 {
		last5 = last5[len(last5)-5:]
	}
	mean5 := stat.Mean(last5, nil)
	if mean5 > 0 {
		dev := math.Abs(update.Price-mean5) / mean5
		switch {
		case dev > 2*v.cfg.OutlierThreshold:
			out = append(out, domain.ValidationError{Tier: "statistical_outlier", Severity: domain.SevHigh, Message: "deviation from last-5 mean exceeds 2x threshold"})
		case dev > v.cfg.OutlierThreshold:
			out = append(out, domain.ValidationError{Tier: "statistical_outlier", Severity: domain.SevMedium, Message: "deviation from last-5 mean exceeds threshold"})
		}
	}
	return out
}

func (v *Validator) crossSource(update domain.PriceUpdate, ctx ValidationContext) (domain.ValidationError, bool) {
	if len(ctx.OtherSourcesLatest) == 0 {
		return domain.ValidationError{}, false
	}
	prices := make([]float64, 0, len(ctx.OtherSourcesLatest))
	for _, p := range ctx.OtherSourcesLatest {
		prices = append(prices, p)
	}
	med := median(prices)
	if med == 0 {
		return domain.ValidationError{}, false
	}
	dev := math.Abs(update.Price-med) / med
	switch {
	case dev > 2*v.cfg.CrossSourceThreshold:
		return domain.ValidationError{Tier: "cross_source", Severity: domain.SevHigh, Message: "deviates from cross-source median by more than 2x threshold"}, true
	case dev > v.cfg.CrossSourceThreshold:
		return domain.ValidationError{Tier: "cross_source", Severity: domain.SevMedium, Message: "deviates from cross-source median"}, true
	}
	return domain.ValidationError{}, false
}

func (v *Validator) consensusAlignment(update domain.PriceUpdate, ctx ValidationContext) (domain.ValidationError, bool) {
	if ctx.LastConsensus == 0 {
		return domain.ValidationError{}, false
	}
	dev := math.Abs(update.Price-ctx.LastConsensus) / ctx.LastConsensus
	switch {
	case dev > 2*v.cfg.ConsensusThreshold:
		return domain.ValidationError{Tier: "consensus", Severity: domain.SevHigh, Message: "deviates from last consensus by more than 2x threshold"}, true
	case dev > v.cfg.ConsensusThreshold:
		return domain.ValidationError{Tier: "consensus", Severity: domain.SevMedium, Message: "deviates from last consensus"}, true
	}
	return domain.ValidationError{}, false
}

// median computes the median of an unsorted slice without mutating the
// caller's slice.
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sortFloats(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func sortFloats(values []float64) {
	// insertion sort: cross-source peer counts are small (single
	// digits), so this avoids pulling in sort.Float64s for a handful
	// of comparisons per update.
	for i := 1; i < len(values); i++ {
		for j := i; j > 0 && values[j-1] > values[j]; j-- {
			values[j-1], values[j] = values[j], values[j-1]
		}
	}
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
