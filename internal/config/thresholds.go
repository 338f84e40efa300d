// Package config loads the two configuration documents the core
// depends on: the tunable threshold set (YAML, owned by this module)
// and the feed/source list (JSON, owned by the out-of-scope
// configuration component and handed to us, see spec.md §6).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Thresholds is the complete set of tunables named across spec.md
// §3-§7, with the defaults the spec states. It is loaded once at
// startup and never reloaded or swapped, matching the teacher's
// "global config -> immutable record" migration (spec.md §9).
type Thresholds struct {
	Breaker      BreakerConfig      `yaml:"breaker"`
	Failover     FailoverConfig     `yaml:"failover"`
	Validator    ValidatorConfig    `yaml:"validator"`
	Aggregator   AggregatorConfig   `yaml:"aggregator"`
	Cache        CacheConfig        `yaml:"cache"`
	Reliability  map[string]float64 `yaml:"reliability"` // per-exchange constant in [0.5,1.0]
	HealthBus    HealthBusConfig    `yaml:"health_bus"`
	Bridge       BridgeConfig       `yaml:"bridge"`
}

// BridgeConfig configures the CCXT-bridged REST poller used for any
// feeds.json exchange id that isn't one of the five native adapters
// (spec.md §6).
type BridgeConfig struct {
	BaseURLTemplate string        `yaml:"base_url_template"` // "%s" is replaced with the exchange id
	PollInterval    time.Duration `yaml:"poll_interval"`     // default 2s
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // default 20
	SuccessThreshold int           `yaml:"success_threshold"` // default 1
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`  // default 30s

	RateLimitCooldown   time.Duration `yaml:"rate_limit_cooldown"`    // default 5s
	RateLimitMultiplier float64       `yaml:"rate_limit_multiplier"`  // default 3
	RateLimitMaxCooldown time.Duration `yaml:"rate_limit_max_cooldown"` // default 5m
}

type FailoverConfig struct {
	GracefulDegradationThreshold int           `yaml:"graceful_degradation_threshold"` // default 2
	RecoveryThreshold            int           `yaml:"recovery_threshold"`             // default 5 consecutive healthy signals
	MaxFailoverTime              time.Duration `yaml:"max_failover_time"`              // default 100ms
	MaxConcurrentReconnects      int           `yaml:"max_concurrent_reconnects"`       // default 3
	MaxReconnectAttempts         int           `yaml:"max_reconnect_attempts"`          // default 10
	ReconnectBackoffBase         time.Duration `yaml:"reconnect_backoff_base"`          // default 5s
	ReconnectBackoffMax          time.Duration `yaml:"reconnect_backoff_max"`           // default 5m
}

type ValidatorConfig struct {
	MaxHighErrors         int     `yaml:"max_high_errors"`          // default 1
	PriceMin              float64 `yaml:"price_min"`                // default 0.01
	PriceMax              float64 `yaml:"price_max"`                // default 1e6
	MaxAge                time.Duration `yaml:"max_age"`             // staleness CRITICAL boundary
	ZScoreThreshold        float64 `yaml:"z_score_threshold"`        // default 2.5
	OutlierThreshold       float64 `yaml:"outlier_threshold"`        // default 0.05
	CrossSourceThreshold   float64 `yaml:"cross_source_threshold"`   // default 0.02
	CrossSourceWindow      time.Duration `yaml:"cross_source_window"` // default 10s
	ConsensusThreshold     float64 `yaml:"consensus_threshold"`      // default 0.005
}

type AggregatorConfig struct {
	TradesHistorySize int           `yaml:"trades_history_size"` // default 1000
	MaxStaleness      time.Duration `yaml:"max_staleness"`       // default 30s
	MedianDecay       float64       `yaml:"median_decay"`        // default 5e-5 per ms

	// DeprecatedAggregationLambdaDecay mirrors the original's second,
	// conflicting decay constant (spec.md §9 open question #1). It is
	// surfaced but never read by the aggregator.
	DeprecatedAggregationLambdaDecay float64 `yaml:"aggregation_lambda_decay_deprecated"`

	MinEmitInterval time.Duration `yaml:"min_emit_interval"` // default 100ms
}

type CacheConfig struct {
	TTL                time.Duration `yaml:"ttl"`                  // default <=1s
	FreshDataThreshold time.Duration `yaml:"fresh_data_threshold"` // default 2s
	MaxDataAge         time.Duration `yaml:"max_data_age"`         // default 2s
	MaxEntries         int           `yaml:"max_entries"`          // default 25000
	EvictFraction      float64       `yaml:"evict_fraction"`       // default 0.15

	WarmAggressive   time.Duration `yaml:"warm_aggressive"`   // default 3s
	WarmPredictive   time.Duration `yaml:"warm_predictive"`   // default 7s
	WarmMaintenance  time.Duration `yaml:"warm_maintenance"`  // default 15s
	WarmTopN         int           `yaml:"warm_top_n"`        // default 50
}

type HealthBusConfig struct {
	AlertCooldown time.Duration `yaml:"alert_cooldown"` // default 5m
	AlertHourCap  int           `yaml:"alert_hour_cap"`  // default 20
}

// Default returns the threshold set with every spec-stated default
// populated.
func Default() *Thresholds {
	return &Thresholds{
		Breaker: BreakerConfig{
			FailureThreshold:     20,
			SuccessThreshold:     1,
			RecoveryTimeout:      30 * time.Second,
			RateLimitCooldown:    5 * time.Second,
			RateLimitMultiplier:  3,
			RateLimitMaxCooldown: 5 * time.Minute,
		},
		Failover: FailoverConfig{
			GracefulDegradationThreshold: 2,
			RecoveryThreshold:            5,
			MaxFailoverTime:              100 * time.Millisecond,
			MaxConcurrentReconnects:      3,
			MaxReconnectAttempts:         10,
			ReconnectBackoffBase:         5 * time.Second,
			ReconnectBackoffMax:          5 * time.Minute,
		},
		Validator: ValidatorConfig{
			MaxHighErrors:        1,
			PriceMin:             0.01,
			PriceMax:             1e6,
			MaxAge:               5 * time.Second,
			ZScoreThreshold:      2.5,
			OutlierThreshold:     0.05,
			CrossSourceThreshold: 0.02,
			CrossSourceWindow:    10 * time.Second,
			ConsensusThreshold:   0.005,
		},
		Aggregator: AggregatorConfig{
			TradesHistorySize:                1000,
			MaxStaleness:                     30 * time.Second,
			MedianDecay:                      5e-5,
			DeprecatedAggregationLambdaDecay: 4e-5,
			MinEmitInterval:                  100 * time.Millisecond,
		},
		Cache: CacheConfig{
			TTL:                time.Second,
			FreshDataThreshold: 2 * time.Second,
			MaxDataAge:         2 * time.Second,
			MaxEntries:         25000,
			EvictFraction:      0.15,
			WarmAggressive:     3 * time.Second,
			WarmPredictive:     7 * time.Second,
			WarmMaintenance:    15 * time.Second,
			WarmTopN:           50,
		},
		Reliability: map[string]float64{
			"binance":   0.95,
			"coinbase":  0.93,
			"kraken":    0.9,
			"okx":       0.88,
			"crypto.com": 0.85,
		},
		HealthBus: HealthBusConfig{
			AlertCooldown: 5 * time.Minute,
			AlertHourCap:  20,
		},
		Bridge: BridgeConfig{
			BaseURLTemplate: "https://ccxt-bridge.internal/%s",
			PollInterval:    2 * time.Second,
		},
	}
}

// LoadThresholds reads and merges a YAML override file onto the
// defaults, mirroring the teacher's LoadProvidersConfig.
func LoadThresholds(path string) (*Thresholds, error) {
	t := Default()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read thresholds config: %w", err)
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("parse thresholds config: %w", err)
	}
	return t, nil
}

// ReliabilityFor returns the configured per-exchange reliability constant,
// defaulting to the midpoint of the spec's [0.5,1.0] range for unknown
// (CCXT-bridged) exchanges.
func (t *Thresholds) ReliabilityFor(exchange string) float64 {
	if v, ok := t.Reliability[exchange]; ok {
		return v
	}
	return 0.75
}
