package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/schulmacher/krupton-sub002/internal/config"
	"github.com/schulmacher/krupton-sub002/internal/ingestion"
	"github.com/schulmacher/krupton-sub002/internal/lifecycle"
	"github.com/schulmacher/krupton-sub002/internal/observability"
	"github.com/schulmacher/krupton-sub002/internal/persistence"
	"github.com/schulmacher/krupton-sub002/internal/record"
	"github.com/schulmacher/krupton-sub002/internal/server"
)

func main() {
	logger := observability.NewLogger("recorder")
	cfg := config.Load()
	if err := cfg.ValidateRecorder(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	proc := lifecycle.New(logger, cfg.ShutdownTimeout)
	proc.HandleSignals()
	ctx := proc.Context()

	// --- Postgres ---
	db, err := persistence.OpenDB(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	proc.OnShutdown("postgres", func(context.Context) error { return db.Close() })

	if _, err := persistence.NewMigrator(db, persistence.Migrations(), logger).Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats")
	}
	proc.OnShutdown("nats", func(context.Context) error { return nc.Drain() })

	if err := ingestion.EnsureRawStream(ctx, js, cfg.LiveMaxAge); err != nil {
		logger.Fatal().Err(err).Msg("ensure live stream")
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()

	// --- Recording ---
	recorder := ingestion.NewRecorder(
		persistence.NewRecordLog(db),
		ingestion.NewNATSPublisher(js),
		proc.Restart,
		logger,
		metrics,
	)

	wsCfg := ingestion.WSConfig{BaseURL: cfg.WSURL}
	for _, symbol := range cfg.Symbols {
		for _, stream := range []string{record.StreamWSTrade, record.StreamWSDepth} {
			key := record.NewStreamKey(stream, symbol)
			src := ingestion.NewWSSource(wsCfg, key, recorder, logger, metrics)
			proc.Go("ws "+key.String(), src.Run)
		}
	}

	poller := ingestion.NewRESTPoller(ingestion.RESTConfig{
		BaseURL:  cfg.RESTURL,
		Interval: cfg.RESTPollInterval,
	}, &http.Client{Timeout: 10 * time.Second}, recorder, cfg.Symbols, logger)
	proc.Go("rest poller", poller.Run)

	// --- Admin surfaces ---
	srv, err := server.New(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{Health: health, Metrics: metrics, Logger: logger})
	if err != nil {
		logger.Fatal().Err(err).Msg("admin server")
	}
	proc.Go("grpc", srv.StartGRPC)
	proc.Go("http", srv.StartHTTP)
	proc.Go("grpc health", func(ctx context.Context) error { return srv.SyncHealth(ctx, time.Second) })
	proc.Go("metrics", func(ctx context.Context) error {
		return server.ServeMetrics(ctx, cfg.MetricsAddr, prometheus.DefaultGatherer, logger)
	})

	health.SetReady("recorder", true)
	logger.Info().
		Strs("symbols", cfg.Symbols).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("recorder ready")

	os.Exit(proc.Wait())
}
