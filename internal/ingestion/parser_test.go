package ingestion_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schulmacher/krupton-sub002/internal/ingestion"
	"github.com/schulmacher/krupton-sub002/internal/record"
)

const wsTradeMsg = `{"e":"trade","E":1700000000100,"s":"BTCUSDT","t":12345,"p":"42000.10000000","q":"0.00500000","T":1700000000099,"m":true,"M":true}`

func TestParseWSTrade(t *testing.T) {
	tr, err := ingestion.ParseWSTrade([]byte(wsTradeMsg))
	require.NoError(t, err)

	assert.Equal(t, record.Trade{
		Platform:  "binance",
		Symbol:    "BTCUSDT",
		TradeID:   12345,
		Price:     "42000.1",
		Quantity:  "0.005",
		Side:      record.SideSell,
		TradeTime: 1700000000099,
		Source:    record.SourceWS,
	}, tr)
	assert.Equal(t, "binance:BTCUSDT:12345", tr.NaturalKey())
}

func TestParseWSTrade_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `{`},
		{"wrong event", `{"e":"aggTrade","s":"BTCUSDT","t":1,"p":"1","q":"1","T":1,"m":true}`},
		{"missing symbol", `{"e":"trade","t":1,"p":"1","q":"1","T":1,"m":true}`},
		{"missing trade id", `{"e":"trade","s":"BTCUSDT","p":"1","q":"1","T":1,"m":true}`},
		{"missing price", `{"e":"trade","s":"BTCUSDT","t":1,"q":"1","T":1,"m":true}`},
		{"bad price", `{"e":"trade","s":"BTCUSDT","t":1,"p":"abc","q":"1","T":1,"m":true}`},
		{"zero quantity", `{"e":"trade","s":"BTCUSDT","t":1,"p":"1","q":"0","T":1,"m":true}`},
		{"missing maker flag", `{"e":"trade","s":"BTCUSDT","t":1,"p":"1","q":"1","T":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.ParseWSTrade([]byte(tt.input))
			if !errors.Is(err, ingestion.ErrInvalidPayload) {
				t.Errorf("got %v, want ErrInvalidPayload", err)
			}
		})
	}
}

func TestParseRESTTrades(t *testing.T) {
	page := `[
		{"id":10,"price":"4.00000100","qty":"12.00000000","quoteQty":"48.000012","time":1499865549590,"isBuyerMaker":false,"isBestMatch":true},
		{"id":11,"price":"4.1","qty":"1","time":1499865549591,"isBuyerMaker":true}
	]`
	trades, err := ingestion.ParseRESTTrades("btcusdt", []byte(page))
	require.NoError(t, err)
	require.Len(t, trades, 2)

	assert.Equal(t, "BTCUSDT", trades[0].Symbol)
	assert.Equal(t, int64(10), trades[0].TradeID)
	assert.Equal(t, "4.000001", trades[0].Price)
	assert.Equal(t, "12", trades[0].Quantity)
	assert.Equal(t, record.SideBuy, trades[0].Side)
	assert.Equal(t, record.SourceREST, trades[0].Source)
	assert.Equal(t, record.SideSell, trades[1].Side)
}

func TestParseRESTTrades_OneBadEntryRejectsPage(t *testing.T) {
	page := `[{"id":10,"price":"4","qty":"1","time":1,"isBuyerMaker":false},{"price":"4","qty":"1","time":1,"isBuyerMaker":false}]`
	_, err := ingestion.ParseRESTTrades("BTCUSDT", []byte(page))
	require.ErrorIs(t, err, ingestion.ErrInvalidPayload)
	assert.Contains(t, err.Error(), "[1].id")
}

func TestParseWSDepth(t *testing.T) {
	msg := `{"e":"depthUpdate","E":1700000000000,"s":"ETHUSDT","U":157,"u":160,"b":[["0.0024","10"]],"a":[["0.0026","0.000"]]}`
	levels, err := ingestion.ParseWSDepth([]byte(msg))
	require.NoError(t, err)
	require.Len(t, levels, 2)

	assert.Equal(t, record.BookLevel{
		Platform: "binance", Symbol: "ETHUSDT", UpdateID: 160, Side: record.SideBuy,
		Price: "0.0024", Quantity: "10", EventTime: 1700000000000, Source: record.SourceWS,
	}, levels[0])
	assert.Equal(t, record.SideSell, levels[1].Side)
	assert.Equal(t, "0", levels[1].Quantity, "zero quantity removes the level")
}

func TestParseRESTDepth(t *testing.T) {
	snap := `{"lastUpdateId":1027024,"bids":[["4.00000000","431.00000000"]],"asks":[["4.00000200","12.00000000"]]}`
	levels, err := ingestion.ParseRESTDepth("bnbbtc", 99, []byte(snap))
	require.NoError(t, err)
	require.Len(t, levels, 2)
	for _, l := range levels {
		assert.True(t, l.Snapshot)
		assert.Equal(t, int64(1027024), l.UpdateID)
		assert.Equal(t, "BNBBTC", l.Symbol)
		assert.Equal(t, int64(99), l.EventTime)
	}

	id, err := ingestion.RESTDepthUpdateID([]byte(snap))
	require.NoError(t, err)
	assert.Equal(t, int64(1027024), id)

	_, err = ingestion.ParseRESTDepth("bnbbtc", 0, []byte(`{"bids":[],"asks":[]}`))
	assert.ErrorIs(t, err, ingestion.ErrInvalidPayload)
}

func TestValidatePayload(t *testing.T) {
	assert.NoError(t, ingestion.ValidatePayload(record.StreamWSTrade, []byte(wsTradeMsg)))
	assert.ErrorIs(t, ingestion.ValidatePayload(record.StreamWSDepth, []byte(wsTradeMsg)), ingestion.ErrInvalidPayload)
	assert.ErrorIs(t, ingestion.ValidatePayload("kraken.ws.trade", []byte(`{}`)), ingestion.ErrInvalidPayload)
}

func TestCanonicalDecimal(t *testing.T) {
	got, err := ingestion.CanonicalDecimal("0100.2500")
	require.NoError(t, err)
	assert.Equal(t, "100.25", got)

	_, err = ingestion.CanonicalDecimal("1,5")
	assert.Error(t, err)
}
