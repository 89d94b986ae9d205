package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/google/uuid"
	_ "go.uber.org/automaxprocs"

	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/monitoring"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/types"
)

// splitBrokers turns the comma-separated KAFKA_BROKERS value into a slice.
func splitBrokers(brokers string) []string {
	result := []string{}
	for _, b := range strings.Split(brokers, ",") {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := LoadConfig(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(2)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  types.LogLevel(cfg.LogLevel),
		Format: types.LogFormat(cfg.LogFormat),
	})

	// automaxprocs already sized GOMAXPROCS from the container CPU limit.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(logger)

	audit := monitoring.NewAuditLogger(logger)
	if cfg.AlertWebhookURL != "" {
		audit.SetAlerter(monitoring.NewWebhookAlerter(cfg.AlertWebhookURL))
	}

	server, err := NewServer(cfg, logger, audit)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create server")
		os.Exit(2)
	}

	// A failed initial hydrate exits 1; every other fatal setup error
	// exits 2.
	if err := server.Hydrate(); err != nil {
		logger.Error().Err(err).Msg("Initial hydration failed")
		os.Exit(1)
	}

	if err := server.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start server")
		os.Exit(2)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
		os.Exit(2)
	}
}
