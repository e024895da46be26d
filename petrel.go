package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/petrelmq/petrel/broker"
	"github.com/petrelmq/petrel/cfg"
	"github.com/petrelmq/petrel/ingress"
	"github.com/petrelmq/petrel/replfeed"
	"github.com/petrelmq/petrel/telemetry"
)

const metricsCollectInterval = 15 * time.Second

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Petrel - Durable Topic Broker")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	metricsServer := telemetry.NewServer()
	metricsServer.Start()
	defer metricsServer.Stop()

	// Storage engine and topic registry
	log.Info().Str("data_dir", cfg.Config.DataDir).Msg("Opening storage engine")
	b, err := broker.Open()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open broker storage")
		return
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close broker")
		}
	}()

	// Maintenance sweeps: dedup status, snapshots, purges, truncation
	b.StartSweeps()

	collector := telemetry.NewMetricsCollector(b, metricsCollectInterval)
	collector.Start()
	defer collector.Stop()

	// Produce endpoint
	var produceServer *ingress.Server
	if cfg.Config.Ingress.Enabled {
		log.Info().Str("nats_url", cfg.Config.Ingress.NatsURL).Msg("Starting produce endpoint")
		produceServer, err = ingress.NewServer(b)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect produce endpoint")
			return
		}
		if err := produceServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start produce endpoint")
			return
		}
		defer produceServer.Stop()
	}

	// Replication feed
	if cfg.Config.ReplFeed.Enabled {
		feed := replfeed.NewFeed(b)
		feed.Start()
		defer feed.Stop()
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Broker is operational")

	// Run until interrupted
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}
