package main

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/schulmacher/krupton-sub002/internal/config"
	"github.com/schulmacher/krupton-sub002/internal/ingestion"
	"github.com/schulmacher/krupton-sub002/internal/lifecycle"
	"github.com/schulmacher/krupton-sub002/internal/observability"
	"github.com/schulmacher/krupton-sub002/internal/persistence"
	"github.com/schulmacher/krupton-sub002/internal/projection"
	"github.com/schulmacher/krupton-sub002/internal/query"
	"github.com/schulmacher/krupton-sub002/internal/record"
	"github.com/schulmacher/krupton-sub002/internal/server"
	"github.com/schulmacher/krupton-sub002/internal/sink"
)

const (
	tradesConsumer = "transformer.trades"
	bookConsumer   = "transformer.book"
)

// runner is what main needs from a symbol pipeline, whatever its output type.
type runner interface {
	query.StateSource
	Name() string
	Run(ctx context.Context) error
	Stop()
	Flush(ctx context.Context) error
}

func main() {
	logger := observability.NewLogger("transformer")
	cfg := config.Load()
	if err := cfg.ValidateTransformer(); err != nil {
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
	proc.OnShutdown("nats", func(context.Context) error { nc.Close(); return nil })

	if err := ingestion.EnsureRawStream(ctx, js, cfg.LiveMaxAge); err != nil {
		logger.Fatal().Err(err).Msg("ensure live stream")
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()

	// --- Archive ---
	var archive *sink.Archive
	if cfg.ArchiveEnabled() {
		client, err := sink.NewS3Client(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("s3 client")
		}
		archive, err = sink.NewArchive(client, cfg.ArchiveBucket, cfg.ArchivePrefix, logger, metrics)
		if err != nil {
			logger.Fatal().Err(err).Msg("archive")
		}
	}

	// --- Pipelines ---
	log := persistence.NewRecordLog(db)
	feed := ingestion.NewNATSFeed(js, cfg.LiveBuffer, logger)
	checkpoints := persistence.NewCheckpointStore(db)
	tradesWriter := persistence.NewUnifiedWriter(db, tradesConsumer, metrics)
	bookWriter := persistence.NewUnifiedWriter(db, bookConsumer, metrics)
	status := query.NewStatusService(log, checkpoints)

	var pipelines []runner
	for _, symbol := range cfg.Symbols {
		trades := projection.Config[record.Trade]{
			Name:              "trades",
			Consumer:          tradesConsumer,
			Symbol:            symbol,
			Streams:           []string{record.StreamWSTrade, record.StreamRESTTrades},
			ConsumerBatchSize: cfg.ConsumerBatchSize,
			MaxBatchSize:      cfg.FlushMaxBatch,
			MaxWait:           cfg.FlushMaxWait,
			Log:               log,
			Feed:              feed,
			Checkpoints:       checkpoints,
			Transformer:       projection.NewTradeTransformer(cfg.PrecedenceCapacity, metrics),
			Commit:            tradesWriter.CommitTrades,
			Health:            health,
			Restart:           proc.Restart,
			Logger:            logger,
			Metrics:           metrics,
		}
		book := projection.Config[record.BookLevel]{
			Name:              "book",
			Consumer:          bookConsumer,
			Symbol:            symbol,
			Streams:           []string{record.StreamWSDepth, record.StreamRESTDepth},
			ConsumerBatchSize: cfg.ConsumerBatchSize,
			MaxBatchSize:      cfg.FlushMaxBatch,
			MaxWait:           cfg.FlushMaxWait,
			Log:               log,
			Feed:              feed,
			Checkpoints:       checkpoints,
			Transformer:       projection.BookTransformer{},
			Commit:            bookWriter.CommitBookLevels,
			Health:            health,
			Restart:           proc.Restart,
			Logger:            logger,
			Metrics:           metrics,
		}
		if archive != nil {
			trades.Archive = archive.ArchiveTrades
			book.Archive = archive.ArchiveBookLevels
		}
		pipelines = append(pipelines, projection.NewPipeline(trades), projection.NewPipeline(book))
	}

	for _, p := range pipelines {
		status.Register(p)
		proc.Go("pipeline "+p.Name(), p.Run)
		// Registered after postgres, so it runs before the pool is closed.
		proc.OnShutdown("flush "+p.Name(), flushHook(p, logger))
	}

	// --- Admin surfaces ---
	srv, err := server.New(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Health:  health,
		Status:  status,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("admin server")
	}
	proc.Go("grpc", srv.StartGRPC)
	proc.Go("http", srv.StartHTTP)
	proc.Go("grpc health", func(ctx context.Context) error { return srv.SyncHealth(ctx, time.Second) })
	proc.Go("metrics", func(ctx context.Context) error {
		return server.ServeMetrics(ctx, cfg.MetricsAddr, prometheus.DefaultGatherer, logger)
	})

	logger.Info().
		Strs("symbols", cfg.Symbols).
		Int("pipelines", len(pipelines)).
		Bool("archive", archive != nil).
		Msg("transformer started, catching up")

	os.Exit(proc.Wait())
}

// flushHook stops the pipeline and commits whatever it still buffers.
func flushHook(p runner, logger zerolog.Logger) lifecycle.ShutdownHook {
	return func(ctx context.Context) error {
		p.Stop()
		if err := p.Flush(ctx); err != nil {
			return err
		}
		logger.Info().Str("pipeline", p.Name()).Msg("final checkpoint flushed")
		return nil
	}
}
