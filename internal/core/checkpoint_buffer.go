package core

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/schulmacher/krupton-sub002/internal/observability"
)

// FlushFunc hands a detached batch to the downstream sink. The batch may be
// empty when a flush is forced or triggered by time alone.
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// BufferConfig configures a CheckpointBuffer.
type BufferConfig struct {
	Name         string
	MaxBatchSize int
	MaxWait      time.Duration

	// Clock defaults to time.Now.
	Clock func() time.Time

	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// CheckpointBuffer accumulates items and flushes them on a size or time
// trigger. At most one flush is in flight; the cache is detached and reset
// only while the flush lock is held.
type CheckpointBuffer[T any] struct {
	cfg     BufferConfig
	flush   FlushFunc[T]
	restart RestartHook
	lock    *SinglePermitLock
	logger  zerolog.Logger

	mu        sync.Mutex
	cache     []T
	lastFlush time.Time

	// beforeLock runs between the trigger check and the lock attempt. Tests only.
	beforeLock func()
}

func NewCheckpointBuffer[T any](flush FlushFunc[T], cfg BufferConfig, restart RestartHook) *CheckpointBuffer[T] {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if restart == nil {
		restart = NopRestart
	}
	return &CheckpointBuffer[T]{
		cfg:       cfg,
		flush:     flush,
		restart:   restart,
		lock:      NewSinglePermitLock(),
		logger:    cfg.Logger.With().Str("buffer", cfg.Name).Logger(),
		lastFlush: cfg.Clock(),
	}
}

// Add appends items to the cache. Safe to call while a flush is in flight.
func (b *CheckpointBuffer[T]) Add(items ...T) {
	b.mu.Lock()
	b.cache = append(b.cache, items...)
	n := len(b.cache)
	b.mu.Unlock()

	if m := b.cfg.Metrics; m != nil {
		m.BufferPending.WithLabelValues(b.cfg.Name).Set(float64(n))
	}
}

// Len returns the number of cached items not yet handed to a flush.
func (b *CheckpointBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cache)
}

// LastFlush returns the time the last successful flush finished.
func (b *CheckpointBuffer[T]) LastFlush() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFlush
}

// Flushing reports whether a flush is in flight.
func (b *CheckpointBuffer[T]) Flushing() bool { return b.lock.Locked() }

// Checkpoint flushes the cache if force is set, if MaxWait has elapsed since
// the last flush, or if the cache holds more than MaxBatchSize items.
//
// Concurrent calls are serialized: each waits for the in-flight flush, then
// re-evaluates the trigger, so a burst of calls yields one flush.
func (b *CheckpointBuffer[T]) Checkpoint(ctx context.Context, force bool) error {
	for {
		if err := b.lock.WaitForRelease(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if !b.due(force) {
			return nil
		}
		if b.beforeLock != nil {
			b.beforeLock()
		}
		if b.lock.TryLock() {
			// Another caller may have flushed between the check and the lock.
			if !b.due(force) {
				b.lock.Abandon()
				return nil
			}
			return b.flushLocked(ctx)
		}
	}
}

func (b *CheckpointBuffer[T]) due(force bool) bool {
	if force {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Clock().Sub(b.lastFlush) > b.cfg.MaxWait || len(b.cache) > b.cfg.MaxBatchSize
}

func (b *CheckpointBuffer[T]) flushLocked(ctx context.Context) (err error) {
	defer func() { b.lock.Release(err) }()

	b.mu.Lock()
	batch := b.cache
	b.cache = nil
	b.mu.Unlock()

	start := b.cfg.Clock()
	err = b.flush(ctx, batch)
	runtime.Gosched()

	if err != nil {
		b.restore(batch)
		b.logger.WithLevel(zerolog.FatalLevel).
			Err(err).
			Int("batch_size", len(batch)).
			Msg("checkpoint flush failed, requesting restart")
		if m := b.cfg.Metrics; m != nil {
			m.FlushErrors.WithLabelValues(b.cfg.Name).Inc()
		}
		b.restart(ctx, err)
		return fmt.Errorf("flush %s: %w", b.cfg.Name, err)
	}

	b.mu.Lock()
	b.lastFlush = b.cfg.Clock()
	pending := len(b.cache)
	b.mu.Unlock()

	if m := b.cfg.Metrics; m != nil {
		m.FlushDuration.WithLabelValues(b.cfg.Name).Observe(b.cfg.Clock().Sub(start).Seconds())
		m.FlushSize.WithLabelValues(b.cfg.Name).Observe(float64(len(batch)))
		m.BufferPending.WithLabelValues(b.cfg.Name).Set(float64(pending))
	}
	if len(batch) > 0 {
		b.logger.Debug().Int("batch_size", len(batch)).Msg("checkpoint flushed")
	}
	return nil
}

// restore puts a failed batch back ahead of anything added meanwhile, so
// nothing is dropped before a successful flush.
func (b *CheckpointBuffer[T]) restore(batch []T) {
	if len(batch) == 0 {
		return
	}
	b.mu.Lock()
	b.cache = append(batch, b.cache...)
	b.mu.Unlock()
}

// Run calls Checkpoint(ctx, false) periodically so an idle stream still
// flushes within MaxWait. It returns when ctx ends.
func (b *CheckpointBuffer[T]) Run(ctx context.Context) {
	interval := b.cfg.MaxWait / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Checkpoint(ctx, false); err != nil && ctx.Err() == nil {
				b.logger.Debug().Err(err).Msg("periodic checkpoint")
			}
		}
	}
}
