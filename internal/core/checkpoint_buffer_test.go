package core_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schulmacher/krupton-sub002/internal/core"
)

// --- Test helpers ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu       sync.Mutex
	batches  [][]int
	inFlight atomic.Int32
	overlap  atomic.Bool

	block   chan struct{} // when non-nil, each flush waits for a value
	entered chan struct{}
	fail    func(call int) error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{entered: make(chan struct{}, 64)}
}

func (s *recordingSink) flush(ctx context.Context, batch []int) error {
	if s.inFlight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.inFlight.Add(-1)

	s.mu.Lock()
	call := len(s.batches)
	s.batches = append(s.batches, append([]int(nil), batch...))
	s.mu.Unlock()

	s.entered <- struct{}{}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.fail != nil {
		return s.fail(call)
	}
	return nil
}

func (s *recordingSink) Batches() [][]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]int(nil), s.batches...)
}

func newBuffer(sink *recordingSink, clock *fakeClock, maxBatch int, maxWait time.Duration, restart core.RestartHook) *core.CheckpointBuffer[int] {
	return core.NewCheckpointBuffer[int](sink.flush, core.BufferConfig{
		Name:         "test",
		MaxBatchSize: maxBatch,
		MaxWait:      maxWait,
		Clock:        clock.Now,
		Logger:       zerolog.Nop(),
	}, restart)
}

func waitEntered(t *testing.T, sink *recordingSink) {
	t.Helper()
	select {
	case <-sink.entered:
	case <-time.After(waitTimeout):
		t.Fatal("flush not entered")
	}
}

// --- Trigger rule ---

func TestBuffer_SizeTriggerFlushesWholeCache(t *testing.T) {
	sink := newRecordingSink()
	b := newBuffer(sink, newFakeClock(), 3, time.Hour, nil)

	b.Add(1, 2, 3, 4)
	require.NoError(t, b.Checkpoint(context.Background(), false))

	assert.Equal(t, [][]int{{1, 2, 3, 4}}, sink.Batches())
	assert.Zero(t, b.Len())
}

func TestBuffer_NoFlushAtThreshold(t *testing.T) {
	sink := newRecordingSink()
	b := newBuffer(sink, newFakeClock(), 3, time.Hour, nil)

	b.Add(1, 2, 3)
	require.NoError(t, b.Checkpoint(context.Background(), false))

	assert.Empty(t, sink.Batches(), "size must exceed max, not equal it")
	assert.Equal(t, 3, b.Len())
}

func TestBuffer_TimeTrigger(t *testing.T) {
	sink := newRecordingSink()
	clock := newFakeClock()
	b := newBuffer(sink, clock, 100, time.Second, nil)

	b.Add(7)
	clock.Advance(time.Second)
	require.NoError(t, b.Checkpoint(context.Background(), false))
	assert.Empty(t, sink.Batches(), "elapsed must exceed max wait")

	clock.Advance(time.Nanosecond)
	require.NoError(t, b.Checkpoint(context.Background(), false))
	assert.Equal(t, [][]int{{7}}, sink.Batches())
	assert.Equal(t, clock.Now(), b.LastFlush())
}

func TestBuffer_ForceFlushesEmptyCache(t *testing.T) {
	sink := newRecordingSink()
	b := newBuffer(sink, newFakeClock(), 100, time.Hour, nil)

	require.NoError(t, b.Checkpoint(context.Background(), true))
	require.Len(t, sink.Batches(), 1)
	assert.Empty(t, sink.Batches()[0])
}

// --- Serialization ---

func TestBuffer_BurstDuringFlushYieldsOneMoreFlush(t *testing.T) {
	sink := newRecordingSink()
	sink.block = make(chan struct{})
	b := newBuffer(sink, newFakeClock(), 3, time.Hour, nil)

	b.Add(1)
	first := make(chan error, 1)
	go func() { first <- b.Checkpoint(context.Background(), true) }()
	waitEntered(t, sink)
	require.True(t, b.Flushing())

	// Appends are accepted while the flush is in flight.
	b.Add(2, 3, 4, 5)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Checkpoint(context.Background(), false))
		}()
	}

	sink.block <- struct{}{}
	require.NoError(t, <-first)
	waitEntered(t, sink)
	sink.block <- struct{}{}
	wg.Wait()

	assert.Equal(t, [][]int{{1}, {2, 3, 4, 5}}, sink.Batches())
	assert.False(t, sink.overlap.Load(), "flushes overlapped")
	assert.Zero(t, b.Len())
}

func TestBuffer_StalledFlushBlocksLaterAttempts(t *testing.T) {
	sink := newRecordingSink()
	sink.block = make(chan struct{})
	b := newBuffer(sink, newFakeClock(), 3, time.Hour, nil)

	go func() { _ = b.Checkpoint(context.Background(), true) }()
	waitEntered(t, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Checkpoint(ctx, true), context.DeadlineExceeded)

	second := make(chan error, 1)
	go func() { second <- b.Checkpoint(context.Background(), true) }()
	select {
	case <-second:
		t.Fatal("second flush ran while the first was stalled")
	case <-time.After(30 * time.Millisecond):
	}

	sink.block <- struct{}{}
	waitEntered(t, sink)
	sink.block <- struct{}{}
	require.NoError(t, <-second)
	assert.Len(t, sink.Batches(), 2)
}

// --- Failure ---

func TestBuffer_FailureRestartsOnceAndReleasesLock(t *testing.T) {
	boom := errors.New("sink unavailable")
	sink := newRecordingSink()
	sink.fail = func(call int) error {
		if call == 0 {
			return boom
		}
		return nil
	}

	var restarts atomic.Int32
	var cause error
	restart := func(_ context.Context, err error) {
		restarts.Add(1)
		cause = err
	}
	b := newBuffer(sink, newFakeClock(), 3, time.Hour, restart)

	b.Add(1, 2, 3, 4)
	err := b.Checkpoint(context.Background(), false)
	require.ErrorIs(t, err, boom)

	assert.Equal(t, int32(1), restarts.Load())
	assert.ErrorIs(t, cause, boom)
	assert.False(t, b.Flushing(), "lock released after failure")
	assert.Equal(t, 4, b.Len(), "failed batch is kept")

	b.Add(5)
	require.NoError(t, b.Checkpoint(context.Background(), true))
	assert.Equal(t, int32(1), restarts.Load())

	batches := sink.Batches()
	require.Len(t, batches, 2)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, batches[1])
	assert.Zero(t, b.Len())
}

// --- Ticker ---

func TestBuffer_RunFlushesIdleStream(t *testing.T) {
	sink := newRecordingSink()
	b := core.NewCheckpointBuffer[int](sink.flush, core.BufferConfig{
		Name:         "ticker",
		MaxBatchSize: 100,
		MaxWait:      20 * time.Millisecond,
		Logger:       zerolog.Nop(),
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Add(42)
	flushed := func() []int {
		var out []int
		for _, batch := range sink.Batches() {
			out = append(out, batch...)
		}
		return out
	}
	require.Eventually(t, func() bool { return len(flushed()) == 1 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, []int{42}, flushed())
	assert.Zero(t, b.Len())
}
