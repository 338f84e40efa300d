// Command pricefeed runs the price feed provider core standalone for
// local development and smoke testing: it loads the threshold and
// feed configuration, wires the orchestrator, and runs one of the
// serve, price or health subcommands. The out-of-scope HTTP/RPC
// surface (spec.md §1) is expected to embed internal/orchestrator
// directly rather than shell out to this binary; this command exists
// so the core can be exercised end to end the way the teacher's
// cryptorun binary exercises its scan pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	thresholdsPath string
	feedsPath      string
)

var rootCmd = &cobra.Command{
	Use:   "pricefeed",
	Short: "FTSO-style real-time price feed provider core",
	Long: `pricefeed ingests live market data from configured exchange sources,
validates and aggregates per-feed prices, and serves them through a
freshness-bounded cache. It is the reference harness around the
internal/orchestrator package described in the project specification.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&thresholdsPath, "config", "", "path to the thresholds YAML override (defaults built in if empty)")
	rootCmd.PersistentFlags().StringVar(&feedsPath, "feeds", "feeds.json", "path to the feed configuration document")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
