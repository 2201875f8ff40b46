package record

import (
	"fmt"
	"strings"
)

// IndexedRecord is one entry of a per-key append-only log.
// Index is assigned by the log at append time: dense, strictly increasing, never reused.
type IndexedRecord[T any] struct {
	Index     uint64
	Timestamp int64 // unix milliseconds of the upstream message
	Payload   T
}

// Checkpoint is the position a consumer resumes after.
// Valid=false means nothing was processed yet and consumption starts at index 0.
type Checkpoint struct {
	LastIndex     uint64
	LastTimestamp int64
	Valid         bool
}

// NewCheckpoint returns a valid checkpoint positioned at rec.
func NewCheckpoint(index uint64, timestamp int64) Checkpoint {
	return Checkpoint{LastIndex: index, LastTimestamp: timestamp, Valid: true}
}

// NextIndex returns the first index a consumer resuming from c should emit.
func (c Checkpoint) NextIndex() uint64 {
	if !c.Valid {
		return 0
	}
	return c.LastIndex + 1
}

// Advance returns the later of c and the position of (index, ts).
func (c Checkpoint) Advance(index uint64, timestamp int64) Checkpoint {
	if c.Valid && c.LastIndex >= index {
		return c
	}
	return NewCheckpoint(index, timestamp)
}

func (c Checkpoint) String() string {
	if !c.Valid {
		return "checkpoint(none)"
	}
	return fmt.Sprintf("checkpoint(index=%d, ts=%d)", c.LastIndex, c.LastTimestamp)
}

// MergedItem tags a record with the named source that produced it.
type MergedItem[K comparable, T any] struct {
	Source K
	Record IndexedRecord[T]
}

// StreamKey addresses one raw log and its live subject: a raw stream type for one symbol.
type StreamKey struct {
	Stream string // e.g. "binance.ws.trade"
	Symbol string // exchange symbol, upper case, e.g. "BTCUSDT"
}

func NewStreamKey(stream, symbol string) StreamKey {
	return StreamKey{Stream: stream, Symbol: strings.ToUpper(symbol)}
}

func (k StreamKey) String() string {
	return k.Stream + "." + k.Symbol
}

// Validate rejects keys that cannot be used as a log key or a subject token.
func (k StreamKey) Validate() error {
	if k.Stream == "" || k.Symbol == "" {
		return fmt.Errorf("invalid stream key %q: stream and symbol are required", k.String())
	}
	if strings.ContainsAny(k.Symbol, ".*> ") || strings.ContainsAny(k.Stream, "*> ") {
		return fmt.Errorf("invalid stream key %q: wildcard or separator in token", k.String())
	}
	return nil
}
