package projection

import (
	"encoding/json"
	"fmt"

	"github.com/schulmacher/krupton-sub002/internal/ingestion"
	"github.com/schulmacher/krupton-sub002/internal/observability"
	"github.com/schulmacher/krupton-sub002/internal/record"
)

// Transformer turns one raw record into unified rows. An error wrapping
// ingestion.ErrInvalidPayload drops the record; the stream continues.
type Transformer[O any] interface {
	Transform(key record.StreamKey, rec record.IndexedRecord[json.RawMessage]) ([]O, error)
}

// DefaultPrecedenceCapacity bounds the natural keys remembered for cross-source precedence.
const DefaultPrecedenceCapacity = 100_000

// TradeTransformer parses trades from both sources and suppresses repeats of
// the same trade. A websocket trade supersedes a REST one; within the same
// source kind the first seen wins.
//
// Suppression only spans the keys still held by the LRU. Older repeats reach
// the sink, whose upsert applies the same rule.
type TradeTransformer struct {
	seen    *precedenceLRU
	metrics *observability.Metrics
}

func NewTradeTransformer(capacity int, metrics *observability.Metrics) *TradeTransformer {
	if capacity <= 0 {
		capacity = DefaultPrecedenceCapacity
	}
	return &TradeTransformer{seen: newPrecedenceLRU(capacity), metrics: metrics}
}

func (t *TradeTransformer) Transform(key record.StreamKey, rec record.IndexedRecord[json.RawMessage]) ([]record.Trade, error) {
	var trades []record.Trade
	switch key.Stream {
	case record.StreamWSTrade:
		tr, err := ingestion.ParseWSTrade(rec.Payload)
		if err != nil {
			return nil, err
		}
		trades = []record.Trade{tr}
	case record.StreamRESTTrades:
		page, err := ingestion.ParseRESTTrades(key.Symbol, rec.Payload)
		if err != nil {
			return nil, err
		}
		trades = page
	default:
		return nil, fmt.Errorf("%w: %s is not a trade stream", ingestion.ErrInvalidPayload, key.Stream)
	}

	out := trades[:0]
	for _, tr := range trades {
		if t.admit(tr) {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (t *TradeTransformer) admit(tr record.Trade) bool {
	nk := tr.NaturalKey()
	seen, ok := t.seen.Get(nk)
	switch {
	case !ok:
		t.seen.Put(nk, tr.Source)
		return true
	case tr.Source.Rank() > seen.Rank():
		t.seen.Put(nk, tr.Source)
		t.countDuplicate(tr.Symbol, "superseded")
		return true
	default:
		t.countDuplicate(tr.Symbol, "dropped")
		return false
	}
}

func (t *TradeTransformer) countDuplicate(symbol, outcome string) {
	if t.metrics != nil {
		t.metrics.ProjectionDuplicates.WithLabelValues(symbol, outcome).Inc()
	}
}

// BookTransformer normalises websocket depth diffs and REST snapshots into levels.
type BookTransformer struct{}

func (BookTransformer) Transform(key record.StreamKey, rec record.IndexedRecord[json.RawMessage]) ([]record.BookLevel, error) {
	switch key.Stream {
	case record.StreamWSDepth:
		return ingestion.ParseWSDepth(rec.Payload)
	case record.StreamRESTDepth:
		// Snapshots carry no event time; the record timestamp is when it was taken.
		return ingestion.ParseRESTDepth(key.Symbol, rec.Timestamp, rec.Payload)
	default:
		return nil, fmt.Errorf("%w: %s is not a depth stream", ingestion.ErrInvalidPayload, key.Stream)
	}
}
