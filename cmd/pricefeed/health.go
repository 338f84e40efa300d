package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/orchestrator"
)

var (
	healthWarmup time.Duration
	healthJSON   bool
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Initialize the core, wait for --warmup, and print GetSystemHealth",
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().DurationVar(&healthWarmup, "warmup", 3*time.Second, "how long to let sources connect before reporting")
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "print as JSON instead of a table")
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadThresholds(thresholdsPath)
	if err != nil {
		return fmt.Errorf("load thresholds: %w", err)
	}
	feeds, err := config.LoadFeedSet(feedsPath)
	if err != nil {
		return fmt.Errorf("load feeds: %w", err)
	}

	orch := orchestrator.New(cfg, feeds)
	ctx, cancel := context.WithTimeout(context.Background(), healthWarmup+10*time.Second)
	defer cancel()

	if err := orch.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize orchestrator: %w", err)
	}

	select {
	case <-time.After(healthWarmup):
	case <-ctx.Done():
	}

	snap := orch.GetSystemHealth()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = orch.Shutdown(shutdownCtx)

	if healthJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Printf("status: %s  (as of %s)\n", snap.Status, snap.Timestamp.Format(time.RFC3339))
	fmt.Printf("aggregation: success_rate=%.2f%% errors=%d last_error=%q\n",
		snap.Aggregation.SuccessRate*100, snap.Aggregation.ErrorCount, snap.Aggregation.LastError)
	fmt.Printf("performance: avg_response_ms=%.2f error_rate=%.4f\n",
		snap.Performance.AvgResponseTimeMs, snap.Performance.ErrorRate)
	fmt.Printf("accuracy: avg_confidence=%.4f outlier_rate=%.4f\n",
		snap.Accuracy.AvgConfidence, snap.Accuracy.OutlierRate)
	fmt.Println("sources:")
	for _, s := range snap.Sources {
		fmt.Printf("  %-12s connected=%-5v breaker=%-9s p50=%-8s p99=%s\n",
			s.Source, s.Connected, s.BreakerState, s.LatencyP50, s.LatencyP99)
	}
	return nil
}
