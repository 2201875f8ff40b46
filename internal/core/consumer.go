package core

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/schulmacher/krupton-sub002/internal/observability"
	"github.com/schulmacher/krupton-sub002/internal/record"
)

// ConsumerState is the catch-up/live state of a ConsistentConsumer.
type ConsumerState int32

const (
	StateCatchingUp ConsumerState = iota
	StateLive
	StateStopped
)

func (s ConsumerState) String() string {
	switch s {
	case StateCatchingUp:
		return "catching_up"
	case StateLive:
		return "live"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("ConsumerState(%d)", int32(s))
	}
}

var (
	ErrSubscriptionClosed = errors.New("live subscription closed")
	ErrLogNotDense        = errors.New("log returned a non-dense range")
)

const (
	defaultConsumerBatchSize = 200
	defaultMaxPending        = 100_000
	defaultGapRetryInterval  = 500 * time.Millisecond
	defaultStopPollInterval  = 250 * time.Millisecond
)

// ConsumerConfig configures one ConsistentConsumer.
type ConsumerConfig struct {
	Key        record.StreamKey
	Checkpoint record.Checkpoint
	BatchSize  int

	// IsStopped is checked before each emission. Advisory: it never interrupts a read.
	IsStopped func() bool

	// MaxPending bounds the live pushes held while catching up. Pushes beyond it
	// are dropped and later recovered by a fallback read.
	MaxPending int

	// GapRetryInterval is how long to wait before re-reading the log when a gap
	// could not be closed because the log did not have the record yet.
	GapRetryInterval time.Duration

	// StopPollInterval is how often an idle live consumer re-checks IsStopped.
	StopPollInterval time.Duration

	// OnTransition, if set, is called from the consumer goroutine on every state change.
	OnTransition func(key record.StreamKey, from, to ConsumerState)

	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultConsumerBatchSize
	}
	if c.MaxPending <= 0 {
		c.MaxPending = defaultMaxPending
	}
	if c.GapRetryInterval <= 0 {
		c.GapRetryInterval = defaultGapRetryInterval
	}
	if c.StopPollInterval <= 0 {
		c.StopPollInterval = defaultStopPollInterval
	}
	return c
}

// ConsistentConsumer produces a gapless, strictly increasing, duplicate-free
// sequence of records for one stream key by combining log replay with live pushes.
//
// It subscribes to the live feed before the first log read and holds pushes
// until the log is exhausted, so a record appended between the last read and
// the subscription cannot be lost. Every emitted record satisfies
// index == expected; expected then advances by one.
type ConsistentConsumer[T any] struct {
	cfg     ConsumerConfig
	log     PersistentLog[T]
	feed    LiveFeed[T]
	restart RestartHook
	logger  zerolog.Logger

	out       chan record.IndexedRecord[T]
	sub       Subscription[T]
	subClosed bool
	pending   pendingRecords[T]
	gapOpen   bool
	gapFrom   uint64
	dropped   bool

	expected atomic.Uint64
	state    atomic.Int32
	started  atomic.Bool

	mu    sync.Mutex
	stats SequenceStats
	err   error
}

func NewConsistentConsumer[T any](cfg ConsumerConfig, log PersistentLog[T], feed LiveFeed[T], restart RestartHook) *ConsistentConsumer[T] {
	cfg = cfg.withDefaults()
	if restart == nil {
		restart = NopRestart
	}
	c := &ConsistentConsumer[T]{
		cfg:     cfg,
		log:     log,
		feed:    feed,
		restart: restart,
		logger: cfg.Logger.With().
			Str("stream", cfg.Key.Stream).
			Str("symbol", cfg.Key.Symbol).
			Logger(),
	}
	c.expected.Store(cfg.Checkpoint.NextIndex())
	c.state.Store(int32(StateCatchingUp))
	return c
}

// Start launches the consumer goroutine. The returned channel is closed when
// the consumer stops: on ctx cancellation, on IsStopped, or after a failure
// has been handed to the restart hook. Start may be called once.
func (c *ConsistentConsumer[T]) Start(ctx context.Context) <-chan record.IndexedRecord[T] {
	if !c.started.CompareAndSwap(false, true) {
		panic("core: ConsistentConsumer started twice")
	}
	c.out = make(chan record.IndexedRecord[T])
	go c.run(ctx)
	return c.out
}

// Key returns the stream key this consumer reads.
func (c *ConsistentConsumer[T]) Key() record.StreamKey { return c.cfg.Key }

// State returns the current state.
func (c *ConsistentConsumer[T]) State() ConsumerState { return ConsumerState(c.state.Load()) }

// NextIndex returns the index after the last record handed to the output
// channel. It advances before the send completes, so once a reader holds a
// record NextIndex is past it.
func (c *ConsistentConsumer[T]) NextIndex() uint64 { return c.expected.Load() }

// Stats returns a copy of the sequencing counters.
func (c *ConsistentConsumer[T]) Stats() SequenceStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Err returns the failure that stopped the consumer, if any.
func (c *ConsistentConsumer[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *ConsistentConsumer[T]) run(ctx context.Context) {
	defer close(c.out)

	sub, err := c.feed.Subscribe(ctx, c.cfg.Key)
	if err != nil {
		c.transition(c.fail(ctx, fmt.Errorf("subscribe %s: %w", c.cfg.Key, err)))
		return
	}
	c.sub = sub
	defer func() {
		if err := c.sub.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("close live subscription")
		}
	}()

	c.logger.Info().
		Uint64("from_index", c.expected.Load()).
		Int("batch_size", c.cfg.BatchSize).
		Msg("consumer catching up")

	state := StateCatchingUp
	for state != StateStopped {
		var next ConsumerState
		switch state {
		case StateCatchingUp:
			next = c.catchUp(ctx)
		case StateLive:
			next = c.live(ctx)
		}
		if next != state {
			c.transition(next)
		}
		state = next
	}
}

func (c *ConsistentConsumer[T]) transition(next ConsumerState) {
	prev := ConsumerState(c.state.Swap(int32(next)))
	if prev == next {
		return
	}
	c.mu.Lock()
	c.stats.Transitions++
	c.mu.Unlock()

	c.logger.Info().
		Str("from", prev.String()).
		Str("to", next.String()).
		Uint64("next_index", c.expected.Load()).
		Msg("consumer state change")
	if m := c.cfg.Metrics; m != nil {
		m.ConsumerState.WithLabelValues(c.cfg.Key.Stream, c.cfg.Key.Symbol).Set(float64(next))
	}
	if c.cfg.OnTransition != nil {
		c.cfg.OnTransition(c.cfg.Key, prev, next)
	}
}

// catchUp reads one batch from the log. A short read means the log tail was
// reached and the consumer goes live.
func (c *ConsistentConsumer[T]) catchUp(ctx context.Context) ConsumerState {
	from := c.expected.Load()
	recs, err := c.readRange(ctx, from)
	if err != nil {
		return c.fail(ctx, fmt.Errorf("catch-up read %s from %d: %w", c.cfg.Key, from, err))
	}
	c.bufferPushes()
	if c.subClosed {
		return c.fail(ctx, fmt.Errorf("catch-up %s: %w", c.cfg.Key, ErrSubscriptionClosed))
	}

	for _, rec := range recs {
		ok, err := c.offerStored(ctx, rec)
		if err != nil {
			return c.fail(ctx, err)
		}
		if !ok {
			return StateStopped
		}
	}

	if len(recs) < c.cfg.BatchSize {
		return StateLive
	}
	return StateCatchingUp
}

// live drains held pushes in index order, then waits for the next push.
func (c *ConsistentConsumer[T]) live(ctx context.Context) ConsumerState {
	blocked, ok := c.drainPending(ctx)
	if !ok {
		return StateStopped
	}
	if !blocked && c.dropped {
		next, ok := c.readDropped(ctx)
		if !ok {
			return next
		}
	}
	if c.subClosed {
		return c.fail(ctx, fmt.Errorf("live %s: %w", c.cfg.Key, ErrSubscriptionClosed))
	}

	wait := c.cfg.StopPollInterval
	if blocked {
		wait = c.cfg.GapRetryInterval
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return StateStopped
	case rec, open := <-c.sub.C():
		if !open {
			c.subClosed = true
			return StateLive
		}
		c.hold(rec)
		c.bufferPushes()
	case <-timer.C:
		if c.isStopped(ctx) {
			return StateStopped
		}
	}
	return StateLive
}

// readDropped reads the log from expected to its tail after pushes were
// dropped on a full pending set. Without it a feed that goes quiet right
// after the drop would leave the consumer behind the tail.
func (c *ConsistentConsumer[T]) readDropped(ctx context.Context) (ConsumerState, bool) {
	for c.dropped {
		c.dropped = false
		from := c.expected.Load()
		recs, err := c.readRange(ctx, from)
		if err != nil {
			return c.fail(ctx, fmt.Errorf("dropped-push read %s from %d: %w", c.cfg.Key, from, err)), false
		}
		for _, rec := range recs {
			ok, err := c.offerStored(ctx, rec)
			if err != nil {
				return c.fail(ctx, err), false
			}
			if !ok {
				return StateStopped, false
			}
		}
		if len(recs) == c.cfg.BatchSize {
			c.dropped = true
		}
	}
	return StateLive, true
}

// drainPending emits every held push that is next in line. blocked reports a
// gap the log could not close yet.
func (c *ConsistentConsumer[T]) drainPending(ctx context.Context) (blocked bool, ok bool) {
	for c.pending.Len() > 0 {
		next := c.pending.peek()
		verdict := ClassifyIndex(c.expected.Load(), next.Index)
		switch verdict {
		case IndexStale:
			c.pending.pop()
			c.recordVerdict(verdict)
		case IndexEmit:
			c.pending.pop()
			if !c.emit(ctx, next) {
				return false, false
			}
		case IndexGap:
			progressed, ok := c.fillGap(ctx, next.Index)
			if !ok {
				return false, false
			}
			if !progressed {
				return true, true
			}
		}
	}
	return false, true
}

// fillGap reads the log from expected up to (not including) upTo.
func (c *ConsistentConsumer[T]) fillGap(ctx context.Context, upTo uint64) (progressed bool, ok bool) {
	from := c.expected.Load()
	if !c.gapOpen || c.gapFrom != from {
		c.gapOpen, c.gapFrom = true, from
		c.recordVerdict(IndexGap)
		c.logger.Debug().
			Uint64("expected", from).
			Uint64("observed", upTo).
			Msg("live gap, falling back to log read")
	}

	for c.expected.Load() < upTo {
		at := c.expected.Load()
		recs, err := c.readRange(ctx, at)
		if err != nil {
			c.fail(ctx, fmt.Errorf("gap read %s from %d: %w", c.cfg.Key, at, err))
			return progressed, false
		}
		if len(recs) == 0 {
			c.logger.Warn().
				Uint64("expected", at).
				Uint64("observed", upTo).
				Msg("log has no record for live gap yet, will retry")
			return progressed, true
		}
		for _, rec := range recs {
			emitted := c.expected.Load()
			ok, err := c.offerStored(ctx, rec)
			if err != nil {
				c.fail(ctx, err)
				return progressed, false
			}
			if !ok {
				return progressed, false
			}
			if c.expected.Load() > emitted {
				progressed = true
				c.mu.Lock()
				c.stats.GapFills++
				c.mu.Unlock()
				if m := c.cfg.Metrics; m != nil {
					m.ConsumerGapFills.WithLabelValues(c.cfg.Key.Stream, c.cfg.Key.Symbol).Inc()
				}
			}
		}
		c.bufferPushes()
	}
	c.gapOpen = false
	return progressed, true
}

// offerStored applies the emission rule to a record read from the log.
// The log is dense, so a stored record ahead of expected is a log fault.
func (c *ConsistentConsumer[T]) offerStored(ctx context.Context, rec record.IndexedRecord[T]) (bool, error) {
	expected := c.expected.Load()
	switch verdict := ClassifyIndex(expected, rec.Index); verdict {
	case IndexStale:
		c.recordVerdict(verdict)
		return true, nil
	case IndexGap:
		return false, fmt.Errorf("%s: expected %d, got %d: %w", c.cfg.Key, expected, rec.Index, ErrLogNotDense)
	default:
		return c.emit(ctx, rec), nil
	}
}

// emit sends rec downstream. It returns false when the consumer must stop.
func (c *ConsistentConsumer[T]) emit(ctx context.Context, rec record.IndexedRecord[T]) bool {
	if c.isStopped(ctx) {
		return false
	}
	// Counted before the send so a reader that received rec sees it in
	// NextIndex and Stats. A cancelled send stops the consumer for good.
	c.expected.Store(rec.Index + 1)
	c.recordVerdict(IndexEmit)
	select {
	case c.out <- rec:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *ConsistentConsumer[T]) isStopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return c.cfg.IsStopped != nil && c.cfg.IsStopped()
}

// hold keeps a live push until it is next in line.
func (c *ConsistentConsumer[T]) hold(rec record.IndexedRecord[T]) {
	if rec.Index < c.expected.Load() {
		c.recordVerdict(IndexStale)
		return
	}
	if c.pending.Len() >= c.cfg.MaxPending {
		// Dropped pushes are read back from the log once the pending set drains.
		c.dropped = true
		if m := c.cfg.Metrics; m != nil {
			m.ConsumerPendingDropped.WithLabelValues(c.cfg.Key.Stream, c.cfg.Key.Symbol).Inc()
		}
		return
	}
	heap.Push(&c.pending, rec)
}

// bufferPushes moves every push already delivered by the subscription into
// the pending set without blocking.
func (c *ConsistentConsumer[T]) bufferPushes() {
	if c.subClosed {
		return
	}
	for {
		select {
		case rec, open := <-c.sub.C():
			if !open {
				c.subClosed = true
				return
			}
			c.hold(rec)
		default:
			return
		}
	}
}

func (c *ConsistentConsumer[T]) readRange(ctx context.Context, from uint64) ([]record.IndexedRecord[T], error) {
	start := time.Now()
	recs, err := c.log.ReadRange(ctx, c.cfg.Key, from, c.cfg.BatchSize)
	if m := c.cfg.Metrics; m != nil {
		m.ConsumerReadDuration.WithLabelValues(c.cfg.Key.Stream).Observe(time.Since(start).Seconds())
	}
	return recs, err
}

func (c *ConsistentConsumer[T]) recordVerdict(v IndexVerdict) {
	c.mu.Lock()
	c.stats.record(v)
	c.mu.Unlock()

	m := c.cfg.Metrics
	if m == nil {
		return
	}
	switch v {
	case IndexEmit:
		m.ConsumerEmitted.WithLabelValues(c.cfg.Key.Stream, c.cfg.Key.Symbol).Inc()
	case IndexStale:
		m.ConsumerStale.WithLabelValues(c.cfg.Key.Stream, c.cfg.Key.Symbol).Inc()
	case IndexGap:
		m.ConsumerGaps.WithLabelValues(c.cfg.Key.Stream, c.cfg.Key.Symbol).Inc()
	}
}

// fail records err, hands it to the restart hook and stops the consumer.
// Reads are never retried in place: resuming from the durable checkpoint
// after a restart cannot skip past a failed read.
func (c *ConsistentConsumer[T]) fail(ctx context.Context, err error) ConsumerState {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()

	c.logger.WithLevel(zerolog.FatalLevel).Err(err).Msg("consumer failed, requesting restart")
	if m := c.cfg.Metrics; m != nil {
		m.ConsumerFailures.WithLabelValues(c.cfg.Key.Stream, c.cfg.Key.Symbol).Inc()
	}
	c.restart(ctx, err)
	return StateStopped
}

// pendingRecords is a min-heap on Index.
type pendingRecords[T any] []record.IndexedRecord[T]

func (p pendingRecords[T]) Len() int           { return len(p) }
func (p pendingRecords[T]) Less(i, j int) bool { return p[i].Index < p[j].Index }
func (p pendingRecords[T]) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }

func (p *pendingRecords[T]) Push(x any) { *p = append(*p, x.(record.IndexedRecord[T])) }

func (p *pendingRecords[T]) Pop() any {
	old := *p
	n := len(old)
	rec := old[n-1]
	*p = old[:n-1]
	return rec
}

func (p pendingRecords[T]) peek() record.IndexedRecord[T] { return p[0] }

func (p *pendingRecords[T]) pop() record.IndexedRecord[T] {
	return heap.Pop(p).(record.IndexedRecord[T])
}
