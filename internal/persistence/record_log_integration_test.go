package persistence_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schulmacher/krupton-sub002/internal/persistence"
	"github.com/schulmacher/krupton-sub002/internal/record"
	"github.com/schulmacher/krupton-sub002/internal/testutil"
)

func TestRecordLog_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	_, err := persistence.NewMigrator(db, persistence.Migrations(), zerolog.Nop()).Up(ctx)
	require.NoError(t, err)

	log := persistence.NewRecordLog(db)
	key := record.NewStreamKey(record.StreamRESTDepth, "ethusdt")

	_, ok, err := log.ReadLastRecord(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = log.ReplaceLastRecord(ctx, key, 1, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, persistence.ErrEmptyLog)

	for i := 0; i < 5; i++ {
		idx, err := log.Append(ctx, key, int64(i), json.RawMessage(`{"n":1}`))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), idx)
	}

	recs, err := log.ReadRange(ctx, key, 3, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(3), recs[0].Index)
	assert.Equal(t, uint64(4), recs[1].Index)

	idx, err := log.ReplaceLastRecord(ctx, key, 99, json.RawMessage(`{"n":2}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), idx)

	last, ok, err := log.ReadLastRecord(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(99), last.Timestamp)
	assert.JSONEq(t, `{"n":2}`, string(last.Payload))
}

func TestUnifiedWriter_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	_, err := persistence.NewMigrator(db, persistence.Migrations(), zerolog.Nop()).Up(ctx)
	require.NoError(t, err)

	w := persistence.NewUnifiedWriter(db, "trades", nil)
	store := persistence.NewCheckpointStore(db)
	wsKey := record.NewStreamKey(record.StreamWSTrade, "btcusdt")

	rest := record.Trade{Platform: "binance", Symbol: "BTCUSDT", TradeID: 1, Price: "1.5", Quantity: "2", Side: record.SideBuy, Source: record.SourceREST}
	ws := rest
	ws.Price = "1.6"
	ws.Source = record.SourceWS

	require.NoError(t, w.CommitTrades(ctx, uuid.New(), []record.Trade{rest},
		map[record.StreamKey]record.Checkpoint{wsKey: record.NewCheckpoint(10, 100)}))
	require.NoError(t, w.CommitTrades(ctx, uuid.New(), []record.Trade{ws},
		map[record.StreamKey]record.Checkpoint{wsKey: record.NewCheckpoint(5, 50)}))
	require.NoError(t, w.CommitTrades(ctx, uuid.New(), []record.Trade{rest}, nil))

	var price, source string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT price::text, source FROM unified.trades WHERE trade_id = 1`).Scan(&price, &source))
	assert.Equal(t, "1.6", price)
	assert.Equal(t, "ws", source)

	cp, err := store.Load(ctx, "trades", wsKey)
	require.NoError(t, err)
	assert.Equal(t, record.NewCheckpoint(10, 100), cp, "checkpoint never moves backwards")
}
