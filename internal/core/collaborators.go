package core

import (
	"context"

	"github.com/schulmacher/krupton-sub002/internal/record"
)

// PersistentLog is a durable, per-key, append-only sequence of records addressable
// by a dense index. Implementations assign the index at append time.
type PersistentLog[T any] interface {
	Append(ctx context.Context, key record.StreamKey, timestamp int64, payload T) (uint64, error)
	ReadLastRecord(ctx context.Context, key record.StreamKey) (record.IndexedRecord[T], bool, error)
	// ReadRange returns at most count records starting at fromIndex, ascending.
	ReadRange(ctx context.Context, key record.StreamKey, fromIndex uint64, count int) ([]record.IndexedRecord[T], error)
	// ReplaceLastRecord overwrites the newest record of key in place, keeping its index.
	ReplaceLastRecord(ctx context.Context, key record.StreamKey, timestamp int64, payload T) (uint64, error)
}

// LiveFeed delivers each record shortly after it is appended to the log.
// Delivery is best-effort: records published before Subscribe are missed, and a
// record may also show up that a reader would anyway see via log replay.
type LiveFeed[T any] interface {
	Subscribe(ctx context.Context, key record.StreamKey) (Subscription[T], error)
}

// Subscription is one live subscription. C is closed after Close.
type Subscription[T any] interface {
	C() <-chan record.IndexedRecord[T]
	Close() error
}

// RestartHook escalates an unrecoverable error to a full process restart.
// It must not block on the component that invokes it.
type RestartHook func(ctx context.Context, cause error)

// NopRestart ignores the request. Useful for tools that run a single pass.
func NopRestart(context.Context, error) {}
