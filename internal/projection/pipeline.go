package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/schulmacher/krupton-sub002/internal/core"
	"github.com/schulmacher/krupton-sub002/internal/ingestion"
	"github.com/schulmacher/krupton-sub002/internal/observability"
	"github.com/schulmacher/krupton-sub002/internal/record"
)

// CheckpointLoader returns the stored resume position of consumer on key.
type CheckpointLoader interface {
	Load(ctx context.Context, consumer string, key record.StreamKey) (record.Checkpoint, error)
}

// CommitFunc durably stores rows together with the checkpoints they advance.
type CommitFunc[O any] func(ctx context.Context, batchID uuid.UUID, rows []O, cps map[record.StreamKey]record.Checkpoint) error

// ArchiveFunc copies a batch to secondary storage before it is committed.
type ArchiveFunc[O any] func(ctx context.Context, batchID uuid.UUID, symbol string, rows []O) error

// Row is what the pipeline buffers: the rows derived from one raw record and
// where that record came from. Values may be empty when the record was
// rejected or suppressed; its origin still advances the checkpoint.
type Row[O any] struct {
	Origin record.Origin
	Values []O
}

// Config wires one symbol pipeline.
type Config[O any] struct {
	Name     string // output kind, e.g. "trades"
	Consumer string // checkpoint owner
	Symbol   string
	Streams  []string

	ConsumerBatchSize int
	MaxBatchSize      int
	MaxWait           time.Duration

	Log         core.PersistentLog[json.RawMessage]
	Feed        core.LiveFeed[json.RawMessage]
	Checkpoints CheckpointLoader
	Transformer Transformer[O]
	Commit      CommitFunc[O]
	Archive     ArchiveFunc[O] // optional

	Health  *observability.HealthChecker // optional
	Restart core.RestartHook
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Pipeline runs one ConsistentConsumer per raw stream of a symbol, merges
// them, projects every record and checkpoints the results in batches.
type Pipeline[O any] struct {
	cfg     Config[O]
	keys    []record.StreamKey
	buffer  *core.CheckpointBuffer[Row[O]]
	stopped atomic.Bool
	logger  zerolog.Logger

	mu        sync.Mutex
	consumers map[record.StreamKey]*core.ConsistentConsumer[json.RawMessage]
}

func NewPipeline[O any](cfg Config[O]) *Pipeline[O] {
	if cfg.Restart == nil {
		cfg.Restart = core.NopRestart
	}
	p := &Pipeline[O]{
		cfg:       cfg,
		consumers: make(map[record.StreamKey]*core.ConsistentConsumer[json.RawMessage]),
		logger: cfg.Logger.With().
			Str("pipeline", cfg.Name).
			Str("symbol", cfg.Symbol).
			Logger(),
	}
	for _, stream := range cfg.Streams {
		p.keys = append(p.keys, record.NewStreamKey(stream, cfg.Symbol))
	}
	p.buffer = core.NewCheckpointBuffer[Row[O]](p.flush, core.BufferConfig{
		Name:         p.Name(),
		MaxBatchSize: cfg.MaxBatchSize,
		MaxWait:      cfg.MaxWait,
		Logger:       p.logger,
		Metrics:      cfg.Metrics,
	}, cfg.Restart)

	if cfg.Health != nil {
		for _, key := range p.keys {
			cfg.Health.Track(p.componentName(key))
		}
	}
	return p
}

// Name identifies the pipeline, e.g. "trades.BTCUSDT".
func (p *Pipeline[O]) Name() string { return p.cfg.Name + "." + strings.ToUpper(p.cfg.Symbol) }

// Keys returns the raw streams the pipeline consumes.
func (p *Pipeline[O]) Keys() []record.StreamKey { return append([]record.StreamKey(nil), p.keys...) }

// Consumer is the checkpoint owner name.
func (p *Pipeline[O]) Consumer() string { return p.cfg.Consumer }

func (p *Pipeline[O]) componentName(key record.StreamKey) string {
	return p.cfg.Consumer + "/" + key.String()
}

// Run loads the stored checkpoints, starts the consumers and projects merged
// records until ctx ends, Stop is called or every consumer has stopped.
// Buffered rows are left for Flush.
func (p *Pipeline[O]) Run(ctx context.Context) error {
	inputs := make(map[record.StreamKey]<-chan record.IndexedRecord[json.RawMessage], len(p.keys))
	for _, key := range p.keys {
		cp, err := p.cfg.Checkpoints.Load(ctx, p.cfg.Consumer, key)
		if err != nil {
			return fmt.Errorf("load checkpoint %s: %w", key, err)
		}
		p.logger.Info().
			Str("stream", key.Stream).
			Stringer("checkpoint", cp).
			Msg("resuming stream")

		c := core.NewConsistentConsumer(core.ConsumerConfig{
			Key:          key,
			Checkpoint:   cp,
			BatchSize:    p.cfg.ConsumerBatchSize,
			IsStopped:    p.stopped.Load,
			OnTransition: p.onTransition,
			Logger:       p.logger,
			Metrics:      p.cfg.Metrics,
		}, p.cfg.Log, p.cfg.Feed, p.cfg.Restart)

		p.mu.Lock()
		p.consumers[key] = c
		p.mu.Unlock()
		inputs[key] = c.Start(ctx)
	}

	var wg sync.WaitGroup
	tickCtx, stopTicker := context.WithCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.buffer.Run(tickCtx)
	}()
	defer func() {
		stopTicker()
		wg.Wait()
	}()

	for item := range core.Merge(ctx, inputs, p.stopped.Load) {
		p.project(ctx, item)
	}
	p.logger.Info().Msg("pipeline stopped")
	return nil
}

// Stop asks the consumers and the merge to stop at their next emission.
func (p *Pipeline[O]) Stop() { p.stopped.Store(true) }

// Flush forces a checkpoint of everything buffered. Used on shutdown.
func (p *Pipeline[O]) Flush(ctx context.Context) error {
	return p.buffer.Checkpoint(ctx, true)
}

// Pending returns the number of buffered rows not yet flushed.
func (p *Pipeline[O]) Pending() int { return p.buffer.Len() }

// States returns the current state of every started consumer.
func (p *Pipeline[O]) States() map[record.StreamKey]core.ConsumerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[record.StreamKey]core.ConsumerState, len(p.consumers))
	for key, c := range p.consumers {
		out[key] = c.State()
	}
	return out
}

func (p *Pipeline[O]) onTransition(key record.StreamKey, _, to core.ConsumerState) {
	if p.cfg.Health != nil {
		p.cfg.Health.SetReady(p.componentName(key), to == core.StateLive)
	}
}

func (p *Pipeline[O]) project(ctx context.Context, item record.MergedItem[record.StreamKey, json.RawMessage]) {
	key := item.Source
	if m := p.cfg.Metrics; m != nil {
		m.MergedItems.WithLabelValues(key.Symbol, record.KindOf(key.Stream).String()).Inc()
	}

	values, err := p.cfg.Transformer.Transform(key, item.Record)
	if err != nil {
		reason := "transform"
		if errors.Is(err, ingestion.ErrInvalidPayload) {
			reason = "invalid_payload"
		}
		if m := p.cfg.Metrics; m != nil {
			m.ProjectionRejected.WithLabelValues(key.Stream, reason).Inc()
		}
		p.logger.Warn().
			Err(err).
			Str("stream", key.Stream).
			Uint64("index", item.Record.Index).
			Msg("rejected record")
		values = nil
	}

	p.buffer.Add(Row[O]{
		Origin: record.Origin{Key: key, Index: item.Record.Index, Timestamp: item.Record.Timestamp},
		Values: values,
	})
	if err := p.buffer.Checkpoint(ctx, false); err != nil && ctx.Err() == nil {
		p.logger.Debug().Err(err).Msg("checkpoint after add")
	}
}

func (p *Pipeline[O]) flush(ctx context.Context, batch []Row[O]) error {
	if len(batch) == 0 {
		return nil
	}

	cps := make(map[record.StreamKey]record.Checkpoint)
	var values []O
	for _, row := range batch {
		cps[row.Origin.Key] = cps[row.Origin.Key].Advance(row.Origin.Index, row.Origin.Timestamp)
		values = append(values, row.Values...)
	}

	batchID := uuid.New()
	if p.cfg.Archive != nil && len(values) > 0 {
		if err := p.cfg.Archive(ctx, batchID, p.cfg.Symbol, values); err != nil {
			return fmt.Errorf("archive batch %s: %w", batchID, err)
		}
	}
	if err := p.cfg.Commit(ctx, batchID, values, cps); err != nil {
		return fmt.Errorf("commit batch %s: %w", batchID, err)
	}

	p.logger.Debug().
		Str("batch_id", batchID.String()).
		Int("records", len(batch)).
		Int("rows", len(values)).
		Strs("streams", streamNames(cps)).
		Msg("batch committed")
	return nil
}

func streamNames(cps map[record.StreamKey]record.Checkpoint) []string {
	out := make([]string, 0, len(cps))
	for key := range cps {
		out = append(out, key.Stream)
	}
	sort.Strings(out)
	return out
}
