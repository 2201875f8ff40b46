package record

import (
	"strconv"
	"strings"
)

// SourceKind tells how a raw message reached the log.
type SourceKind int32

const (
	SourceUnknown SourceKind = iota
	SourceWS                 // push feed
	SourceREST               // periodic snapshot / backfill
)

func (s SourceKind) String() string {
	switch s {
	case SourceWS:
		return "ws"
	case SourceREST:
		return "rest"
	default:
		return "unknown"
	}
}

// ParseSourceKind is the inverse of String.
func ParseSourceKind(s string) SourceKind {
	switch s {
	case "ws":
		return SourceWS
	case "rest":
		return SourceREST
	default:
		return SourceUnknown
	}
}

// Raw stream names. A stream name is "<platform>.<kind>.<channel>".
const (
	StreamWSTrade    = "binance.ws.trade"
	StreamRESTTrades = "binance.rest.trades"
	StreamWSDepth    = "binance.ws.depth"
	StreamRESTDepth  = "binance.rest.depth"
)

// Rank orders sources for cross-source precedence: a stored row is only
// replaced by one from a higher ranked source.
func (s SourceKind) Rank() int {
	switch s {
	case SourceWS:
		return 2
	case SourceREST:
		return 1
	default:
		return 0
	}
}

// KindOf derives the source kind from a stream name.
func KindOf(stream string) SourceKind {
	parts := strings.SplitN(stream, ".", 3)
	if len(parts) < 2 {
		return SourceUnknown
	}
	return ParseSourceKind(parts[1])
}

// PlatformOf returns the platform token of a stream name.
func PlatformOf(stream string) string {
	if i := strings.IndexByte(stream, '.'); i > 0 {
		return stream[:i]
	}
	return stream
}

// Side of a trade (taker side) or of a book level.
type Side int32

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Origin is where a unified row came from; used to advance checkpoints after a flush.
type Origin struct {
	Key       StreamKey
	Index     uint64
	Timestamp int64
}

// Trade is the unified trade row.
// Natural key: (Platform, Symbol, TradeID).
type Trade struct {
	Platform  string
	Symbol    string
	TradeID   int64
	Price     string // canonical decimal
	Quantity  string // canonical decimal
	Side      Side
	TradeTime int64 // unix ms
	Source    SourceKind
}

// NaturalKey identifies the same logical trade across sources.
func (t Trade) NaturalKey() string {
	return t.Platform + ":" + t.Symbol + ":" + strconv.FormatInt(t.TradeID, 10)
}

// BookLevel is one normalised price level of an order book snapshot or diff.
type BookLevel struct {
	Platform  string
	Symbol    string
	UpdateID  int64
	Side      Side
	Price     string
	Quantity  string // "0" removes the level in a diff
	Snapshot  bool
	EventTime int64
	Source    SourceKind
}
