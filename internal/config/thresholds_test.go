package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	d := Default()
	assert.Equal(t, 20, d.Breaker.FailureThreshold)
	assert.Equal(t, 1, d.Breaker.SuccessThreshold)
	assert.Equal(t, 30*time.Second, d.Breaker.RecoveryTimeout)
	assert.Equal(t, 2, d.Failover.GracefulDegradationThreshold)
	assert.Equal(t, 5, d.Failover.RecoveryThreshold)
	assert.Equal(t, 0.01, d.Validator.PriceMin)
	assert.InDelta(t, 1e6, d.Validator.PriceMax, 0.01)
	assert.Equal(t, 2.5, d.Validator.ZScoreThreshold)
	assert.Equal(t, 1000, d.Aggregator.TradesHistorySize)
	assert.Equal(t, 30*time.Second, d.Aggregator.MaxStaleness)
	assert.Equal(t, 5e-5, d.Aggregator.MedianDecay)
	assert.Equal(t, 4e-5, d.Aggregator.DeprecatedAggregationLambdaDecay)
	assert.Equal(t, 2*time.Second, d.Cache.FreshDataThreshold)
	assert.Equal(t, 2*time.Second, d.Cache.MaxDataAge)
	assert.Equal(t, 25000, d.Cache.MaxEntries)
	assert.Equal(t, 5*time.Minute, d.HealthBus.AlertCooldown)
	assert.Equal(t, 20, d.HealthBus.AlertHourCap)
}

func TestLoadThresholdsOverridesOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thresholds.yaml")
	yamlDoc := "breaker:\n  failure_threshold: 5\nvalidator:\n  z_score_threshold: 3.0\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	cfg, err := LoadThresholds(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Breaker.FailureThreshold, "override must apply")
	assert.Equal(t, 3.0, cfg.Validator.ZScoreThreshold, "override must apply")
	assert.Equal(t, 30*time.Second, cfg.Breaker.RecoveryTimeout, "unset fields keep defaults")
}

func TestLoadThresholdsEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadThresholds("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestReliabilityForKnownAndUnknownExchange(t *testing.T) {
	d := Default()
	assert.Equal(t, 0.95, d.ReliabilityFor("binance"))
	assert.Equal(t, 0.75, d.ReliabilityFor("some-ccxt-venue"))
}
