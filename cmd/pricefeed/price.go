package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/orchestrator"
)

var priceWarmup time.Duration

var priceCmd = &cobra.Command{
	Use:   "price <category> <BASE/QUOTE>",
	Short: "Bring the core up, warm the requested feed, and print one GetCurrentPrice result",
	Long: `price is a one-shot smoke test: it loads configuration, initializes
the orchestrator, waits for --warmup to let sources connect and the
aggregator accumulate observations, then calls GetCurrentPrice and
prints the result (or the classified failure).

Example:
  pricefeed price crypto BTC/USD --warmup 5s`,
	Args: cobra.ExactArgs(2),
	RunE: runPrice,
}

func init() {
	rootCmd.AddCommand(priceCmd)
	priceCmd.Flags().DurationVar(&priceWarmup, "warmup", 5*time.Second, "how long to let sources connect before querying")
}

func parseCategory(s string) (domain.Category, error) {
	switch strings.ToLower(s) {
	case "crypto":
		return domain.Crypto, nil
	case "forex":
		return domain.Forex, nil
	case "commodity":
		return domain.Commodity, nil
	case "stock":
		return domain.Stock, nil
	default:
		return 0, fmt.Errorf("unknown category %q (want crypto|forex|commodity|stock)", s)
	}
}

func runPrice(cmd *cobra.Command, args []string) error {
	cat, err := parseCategory(args[0])
	if err != nil {
		return err
	}
	feedID := domain.FeedId{Category: cat, Name: args[1]}

	cfg, err := config.LoadThresholds(thresholdsPath)
	if err != nil {
		return fmt.Errorf("load thresholds: %w", err)
	}
	feeds, err := config.LoadFeedSet(feedsPath)
	if err != nil {
		return fmt.Errorf("load feeds: %w", err)
	}

	orch := orchestrator.New(cfg, feeds)
	ctx, cancel := context.WithTimeout(context.Background(), priceWarmup+10*time.Second)
	defer cancel()

	if err := orch.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize orchestrator: %w", err)
	}

	select {
	case <-time.After(priceWarmup):
	case <-ctx.Done():
		return ctx.Err()
	}

	price, err := orch.GetCurrentPrice(ctx, feedID)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = orch.Shutdown(shutdownCtx)

	if err != nil {
		return fmt.Errorf("GetCurrentPrice(%s): %w", feedID, err)
	}

	fmt.Printf("%s = %s (sources=%v confidence=%.4f consensus=%.4f ts=%d)\n",
		feedID, strconv.FormatFloat(price.Price, 'f', 8, 64),
		price.SourceList(), price.Confidence, price.ConsensusScore, price.Timestamp)
	return nil
}
