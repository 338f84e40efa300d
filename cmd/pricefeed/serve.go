package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/orchestrator"
)

var serveLogLevel string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator and keep it running until interrupted",
	Long: `serve loads the feed configuration, wires every subsystem (adapters,
breakers, failover, validator, aggregator, cache, health bus) through
the orchestrator, and blocks until SIGINT/SIGTERM triggers a bounded
graceful shutdown.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "zerolog level: debug|info|warn|error")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger(serveLogLevel)
	log.Logger = logger

	cfg, err := config.LoadThresholds(thresholdsPath)
	if err != nil {
		return fmt.Errorf("load thresholds: %w", err)
	}
	feeds, err := config.LoadFeedSet(feedsPath)
	if err != nil {
		return fmt.Errorf("load feeds: %w", err)
	}

	orch := orchestrator.New(cfg, feeds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize orchestrator: %w", err)
	}
	log.Info().Int("feeds", len(feeds.Feeds)).Msg("orchestrator initialized, serving")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutdown signal received, draining")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("shutdown complete")
	return nil
}
