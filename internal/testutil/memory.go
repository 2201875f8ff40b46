package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/schulmacher/krupton-sub002/internal/core"
	"github.com/schulmacher/krupton-sub002/internal/record"
)

// ReadCall describes one ReadRange invocation on a MemoryLog.
type ReadCall struct {
	Key       record.StreamKey
	FromIndex uint64
	Count     int
}

// MemoryLog is an in-memory PersistentLog with dense per-key indices.
type MemoryLog[T any] struct {
	mu    sync.Mutex
	logs  map[record.StreamKey][]record.IndexedRecord[T]
	reads []ReadCall

	// BeforeRead runs before each ReadRange is served, without the log lock
	// held. A non-nil error fails the read.
	BeforeRead func(call ReadCall) error

	// AfterRead runs after each ReadRange with the records it returned.
	AfterRead func(call ReadCall, got []record.IndexedRecord[T])

	// AppendErr, if set, fails every Append.
	AppendErr error
}

func NewMemoryLog[T any]() *MemoryLog[T] {
	return &MemoryLog[T]{logs: make(map[record.StreamKey][]record.IndexedRecord[T])}
}

func (l *MemoryLog[T]) Append(_ context.Context, key record.StreamKey, timestamp int64, payload T) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.AppendErr != nil {
		return 0, l.AppendErr
	}
	idx := uint64(len(l.logs[key]))
	l.logs[key] = append(l.logs[key], record.IndexedRecord[T]{Index: idx, Timestamp: timestamp, Payload: payload})
	return idx, nil
}

// Seed appends n records to key, building each payload from its index.
func (l *MemoryLog[T]) Seed(key record.StreamKey, n int, payload func(i uint64) T) {
	for i := 0; i < n; i++ {
		l.mu.Lock()
		idx := uint64(len(l.logs[key]))
		l.logs[key] = append(l.logs[key], record.IndexedRecord[T]{Index: idx, Timestamp: int64(idx), Payload: payload(idx)})
		l.mu.Unlock()
	}
}

func (l *MemoryLog[T]) ReadLastRecord(_ context.Context, key record.StreamKey) (record.IndexedRecord[T], bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	recs := l.logs[key]
	if len(recs) == 0 {
		return record.IndexedRecord[T]{}, false, nil
	}
	return recs[len(recs)-1], true, nil
}

func (l *MemoryLog[T]) ReadRange(_ context.Context, key record.StreamKey, fromIndex uint64, count int) ([]record.IndexedRecord[T], error) {
	call := ReadCall{Key: key, FromIndex: fromIndex, Count: count}
	if l.BeforeRead != nil {
		if err := l.BeforeRead(call); err != nil {
			return nil, err
		}
	}

	l.mu.Lock()
	l.reads = append(l.reads, call)
	recs := l.logs[key]
	var out []record.IndexedRecord[T]
	if fromIndex < uint64(len(recs)) {
		end := fromIndex + uint64(count)
		if end > uint64(len(recs)) {
			end = uint64(len(recs))
		}
		out = append(out, recs[fromIndex:end]...)
	}
	l.mu.Unlock()

	if l.AfterRead != nil {
		l.AfterRead(call, out)
	}
	return out, nil
}

func (l *MemoryLog[T]) ReplaceLastRecord(_ context.Context, key record.StreamKey, timestamp int64, payload T) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	recs := l.logs[key]
	if len(recs) == 0 {
		return 0, errors.New("replace last record: log is empty")
	}
	last := &recs[len(recs)-1]
	last.Timestamp = timestamp
	last.Payload = payload
	return last.Index, nil
}

// Len returns the number of records stored under key.
func (l *MemoryLog[T]) Len(key record.StreamKey) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.logs[key])
}

// Records returns a copy of every record stored under key.
func (l *MemoryLog[T]) Records(key record.StreamKey) []record.IndexedRecord[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]record.IndexedRecord[T](nil), l.logs[key]...)
}

// Reads returns every ReadRange call served so far.
func (l *MemoryLog[T]) Reads() []ReadCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ReadCall(nil), l.reads...)
}

// MemoryFeed is an in-memory LiveFeed and publisher. Pushes to a full
// subscription buffer are dropped, like a lossy live transport.
type MemoryFeed[T any] struct {
	mu     sync.Mutex
	subs   map[record.StreamKey][]*memorySub[T]
	buffer int

	subscribed chan record.StreamKey

	// SubscribeErr, if set, fails every Subscribe.
	SubscribeErr error
	// PublishErr, if set, fails every Publish.
	PublishErr error
}

func NewMemoryFeed[T any](buffer int) *MemoryFeed[T] {
	if buffer <= 0 {
		buffer = 1024
	}
	return &MemoryFeed[T]{
		subs:       make(map[record.StreamKey][]*memorySub[T]),
		buffer:     buffer,
		subscribed: make(chan record.StreamKey, 64),
	}
}

type memorySub[T any] struct {
	feed   *MemoryFeed[T]
	key    record.StreamKey
	ch     chan record.IndexedRecord[T]
	closed bool
}

func (s *memorySub[T]) C() <-chan record.IndexedRecord[T] { return s.ch }

func (s *memorySub[T]) Close() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	s.feed.detach(s)
	return nil
}

func (f *MemoryFeed[T]) Subscribe(_ context.Context, key record.StreamKey) (core.Subscription[T], error) {
	f.mu.Lock()
	if f.SubscribeErr != nil {
		f.mu.Unlock()
		return nil, f.SubscribeErr
	}
	sub := &memorySub[T]{feed: f, key: key, ch: make(chan record.IndexedRecord[T], f.buffer)}
	f.subs[key] = append(f.subs[key], sub)
	f.mu.Unlock()

	select {
	case f.subscribed <- key:
	default:
	}
	return sub, nil
}

// Subscribed delivers each key as it is subscribed.
func (f *MemoryFeed[T]) Subscribed() <-chan record.StreamKey { return f.subscribed }

// Publish delivers rec to every current subscriber of key.
func (f *MemoryFeed[T]) Publish(_ context.Context, key record.StreamKey, rec record.IndexedRecord[T]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishErr != nil {
		return f.PublishErr
	}
	for _, sub := range f.subs[key] {
		select {
		case sub.ch <- rec:
		default:
		}
	}
	return nil
}

// Push is Publish without a context, for hooks.
func (f *MemoryFeed[T]) Push(key record.StreamKey, rec record.IndexedRecord[T]) {
	_ = f.Publish(context.Background(), key, rec)
}

// Disconnect closes every subscription of key, as a dropped connection would.
func (f *MemoryFeed[T]) Disconnect(key record.StreamKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range append([]*memorySub[T](nil), f.subs[key]...) {
		f.detach(sub)
	}
}

// Subscribers returns the number of open subscriptions on key.
func (f *MemoryFeed[T]) Subscribers(key record.StreamKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[key])
}

func (f *MemoryFeed[T]) detach(sub *memorySub[T]) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	subs := f.subs[sub.key]
	for i, s := range subs {
		if s == sub {
			f.subs[sub.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}
