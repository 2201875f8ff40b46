package core_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schulmacher/krupton-sub002/internal/core"
	"github.com/schulmacher/krupton-sub002/internal/record"
)

func feedInput(n int) <-chan record.IndexedRecord[int] {
	ch := make(chan record.IndexedRecord[int])
	go func() {
		defer close(ch)
		for i := 0; i < n; i++ {
			ch <- record.IndexedRecord[int]{Index: uint64(i), Payload: i}
		}
	}()
	return ch
}

func TestMerge_TagsEverythingAndClosesAfterInputs(t *testing.T) {
	inputs := map[string]<-chan record.IndexedRecord[int]{
		"ws":   feedInput(50),
		"rest": feedInput(30),
	}
	out := core.Merge(context.Background(), inputs, nil)

	perSource := map[string][]uint64{}
	deadline := time.After(waitTimeout)
	for done := false; !done; {
		select {
		case item, ok := <-out:
			if !ok {
				done = true
				continue
			}
			perSource[item.Source] = append(perSource[item.Source], item.Record.Index)
		case <-deadline:
			t.Fatal("merge output did not close")
		}
	}

	assert.Equal(t, indexRange(0, 49), perSource["ws"], "per-input order is kept")
	assert.Equal(t, indexRange(0, 29), perSource["rest"])
}

func TestMerge_IdleInputDoesNotBlockOthers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idle := make(chan record.IndexedRecord[int])
	inputs := map[string]<-chan record.IndexedRecord[int]{
		"idle": idle,
		"busy": feedInput(3),
	}
	out := core.Merge(ctx, inputs, nil)

	for i := 0; i < 3; i++ {
		select {
		case item := <-out:
			assert.Equal(t, "busy", item.Source)
		case <-time.After(waitTimeout):
			t.Fatalf("blocked on idle input after %d items", i)
		}
	}

	cancel()
	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(waitTimeout):
		t.Fatal("output not closed after cancel")
	}
}

func TestMerge_StopPredicateHaltsForwarding(t *testing.T) {
	var stopped atomic.Bool
	stopped.Store(true)

	a := make(chan record.IndexedRecord[int], 1)
	b := make(chan record.IndexedRecord[int], 1)
	a <- record.IndexedRecord[int]{Index: 0}
	b <- record.IndexedRecord[int]{Index: 0}

	out := core.Merge(context.Background(), map[string]<-chan record.IndexedRecord[int]{"a": a, "b": b}, stopped.Load)

	select {
	case item, ok := <-out:
		require.False(t, ok, "forwarded %v after stop", item)
	case <-time.After(waitTimeout):
		t.Fatal("output not closed")
	}
}

func TestMerge_NoInputsClosesImmediately(t *testing.T) {
	out := core.Merge[string, int](context.Background(), nil, nil)
	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(waitTimeout):
		t.Fatal("output not closed")
	}
}
