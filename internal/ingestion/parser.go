package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/schulmacher/krupton-sub002/internal/record"
)

// ErrInvalidPayload marks an upstream message with a missing or malformed
// field. Such records are dropped at the boundary; the stream continues.
var ErrInvalidPayload = errors.New("invalid payload")

func invalid(field, format string, args ...interface{}) error {
	return fmt.Errorf("%w: field %q: %s", ErrInvalidPayload, field, fmt.Sprintf(format, args...))
}

// --- JSON wire formats ---
// Binance spot public API. Pointer fields detect absence.

type wsTradeJSON struct {
	EventType    *string `json:"e"`
	EventTime    int64   `json:"E"`
	Symbol       *string `json:"s"`
	TradeID      *int64  `json:"t"`
	Price        *string `json:"p"`
	Quantity     *string `json:"q"`
	TradeTime    *int64  `json:"T"`
	BuyerIsMaker *bool   `json:"m"`
}

type restTradeJSON struct {
	ID           *int64  `json:"id"`
	Price        *string `json:"price"`
	Quantity     *string `json:"qty"`
	Time         *int64  `json:"time"`
	IsBuyerMaker *bool   `json:"isBuyerMaker"`
}

type wsDepthJSON struct {
	EventType     *string     `json:"e"`
	EventTime     *int64      `json:"E"`
	Symbol        *string     `json:"s"`
	FirstUpdateID *int64      `json:"U"`
	FinalUpdateID *int64      `json:"u"`
	Bids          [][2]string `json:"b"`
	Asks          [][2]string `json:"a"`
}

type restDepthJSON struct {
	LastUpdateID *int64      `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// ParseWSTrade parses one websocket trade event.
func ParseWSTrade(data []byte) (record.Trade, error) {
	var j wsTradeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return record.Trade{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	switch {
	case j.EventType == nil || *j.EventType != "trade":
		return record.Trade{}, invalid("e", "want trade event")
	case j.Symbol == nil || *j.Symbol == "":
		return record.Trade{}, invalid("s", "missing")
	case j.TradeID == nil:
		return record.Trade{}, invalid("t", "missing")
	case j.TradeTime == nil:
		return record.Trade{}, invalid("T", "missing")
	case j.BuyerIsMaker == nil:
		return record.Trade{}, invalid("m", "missing")
	}

	price, err := positiveDecimal("p", j.Price)
	if err != nil {
		return record.Trade{}, err
	}
	qty, err := positiveDecimal("q", j.Quantity)
	if err != nil {
		return record.Trade{}, err
	}

	return record.Trade{
		Platform:  "binance",
		Symbol:    strings.ToUpper(*j.Symbol),
		TradeID:   *j.TradeID,
		Price:     price,
		Quantity:  qty,
		Side:      takerSide(*j.BuyerIsMaker),
		TradeTime: *j.TradeTime,
		Source:    record.SourceWS,
	}, nil
}

// ParseRESTTrades parses a page of REST trades for symbol.
// One bad entry rejects the page.
func ParseRESTTrades(symbol string, data []byte) ([]record.Trade, error) {
	var page []restTradeJSON
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	trades := make([]record.Trade, 0, len(page))
	for i, j := range page {
		switch {
		case j.ID == nil:
			return nil, invalid(fmt.Sprintf("[%d].id", i), "missing")
		case j.Time == nil:
			return nil, invalid(fmt.Sprintf("[%d].time", i), "missing")
		case j.IsBuyerMaker == nil:
			return nil, invalid(fmt.Sprintf("[%d].isBuyerMaker", i), "missing")
		}
		price, err := positiveDecimal(fmt.Sprintf("[%d].price", i), j.Price)
		if err != nil {
			return nil, err
		}
		qty, err := positiveDecimal(fmt.Sprintf("[%d].qty", i), j.Quantity)
		if err != nil {
			return nil, err
		}
		trades = append(trades, record.Trade{
			Platform:  "binance",
			Symbol:    strings.ToUpper(symbol),
			TradeID:   *j.ID,
			Price:     price,
			Quantity:  qty,
			Side:      takerSide(*j.IsBuyerMaker),
			TradeTime: *j.Time,
			Source:    record.SourceREST,
		})
	}
	return trades, nil
}

// ParseWSDepth parses one websocket depth diff into levels.
// A zero quantity removes the level.
func ParseWSDepth(data []byte) ([]record.BookLevel, error) {
	var j wsDepthJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	switch {
	case j.EventType == nil || *j.EventType != "depthUpdate":
		return nil, invalid("e", "want depthUpdate event")
	case j.Symbol == nil || *j.Symbol == "":
		return nil, invalid("s", "missing")
	case j.FinalUpdateID == nil:
		return nil, invalid("u", "missing")
	case j.EventTime == nil:
		return nil, invalid("E", "missing")
	}

	base := record.BookLevel{
		Platform:  "binance",
		Symbol:    strings.ToUpper(*j.Symbol),
		UpdateID:  *j.FinalUpdateID,
		EventTime: *j.EventTime,
		Source:    record.SourceWS,
	}
	return levels(base, j.Bids, j.Asks, "b", "a")
}

// ParseRESTDepth parses a REST order book snapshot for symbol taken at eventTime.
func ParseRESTDepth(symbol string, eventTime int64, data []byte) ([]record.BookLevel, error) {
	j, err := parseRESTDepth(data)
	if err != nil {
		return nil, err
	}
	base := record.BookLevel{
		Platform:  "binance",
		Symbol:    strings.ToUpper(symbol),
		UpdateID:  *j.LastUpdateID,
		Snapshot:  true,
		EventTime: eventTime,
		Source:    record.SourceREST,
	}
	return levels(base, j.Bids, j.Asks, "bids", "asks")
}

// RESTDepthUpdateID returns the lastUpdateId of a REST snapshot.
func RESTDepthUpdateID(data []byte) (int64, error) {
	j, err := parseRESTDepth(data)
	if err != nil {
		return 0, err
	}
	return *j.LastUpdateID, nil
}

func parseRESTDepth(data []byte) (restDepthJSON, error) {
	var j restDepthJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return j, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if j.LastUpdateID == nil {
		return j, invalid("lastUpdateId", "missing")
	}
	return j, nil
}

// ValidatePayload checks the shape of a raw message before it is appended.
func ValidatePayload(stream string, data []byte) error {
	switch stream {
	case record.StreamWSTrade:
		_, err := ParseWSTrade(data)
		return err
	case record.StreamRESTTrades:
		_, err := ParseRESTTrades("", data)
		return err
	case record.StreamWSDepth:
		_, err := ParseWSDepth(data)
		return err
	case record.StreamRESTDepth:
		_, err := ParseRESTDepth("", 0, data)
		return err
	default:
		return fmt.Errorf("%w: unknown stream %q", ErrInvalidPayload, stream)
	}
}

// CanonicalDecimal parses s and renders it without redundant zeros.
func CanonicalDecimal(s string) (string, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return "", err
	}
	return d.String(), nil
}

func positiveDecimal(field string, s *string) (string, error) {
	if s == nil || *s == "" {
		return "", invalid(field, "missing")
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return "", invalid(field, "not a decimal: %q", *s)
	}
	if !d.IsPositive() {
		return "", invalid(field, "must be positive, got %s", d)
	}
	return d.String(), nil
}

func levels(base record.BookLevel, bids, asks [][2]string, bidField, askField string) ([]record.BookLevel, error) {
	out := make([]record.BookLevel, 0, len(bids)+len(asks))
	add := func(side record.Side, field string, entries [][2]string) error {
		for i, e := range entries {
			price, err := decimal.NewFromString(e[0])
			if err != nil || !price.IsPositive() {
				return invalid(fmt.Sprintf("%s[%d].price", field, i), "bad price %q", e[0])
			}
			qty, err := decimal.NewFromString(e[1])
			if err != nil || qty.IsNegative() {
				return invalid(fmt.Sprintf("%s[%d].qty", field, i), "bad quantity %q", e[1])
			}
			l := base
			l.Side = side
			l.Price = price.String()
			l.Quantity = qty.String()
			out = append(out, l)
		}
		return nil
	}
	if err := add(record.SideBuy, bidField, bids); err != nil {
		return nil, err
	}
	if err := add(record.SideSell, askField, asks); err != nil {
		return nil, err
	}
	return out, nil
}

// takerSide maps Binance's buyer-is-maker flag to the aggressor side.
func takerSide(buyerIsMaker bool) record.Side {
	if buyerIsMaker {
		return record.SideSell
	}
	return record.SideBuy
}
