package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schulmacher/krupton-sub002/internal/ingestion"
	"github.com/schulmacher/krupton-sub002/internal/observability"
	"github.com/schulmacher/krupton-sub002/internal/record"
	"github.com/schulmacher/krupton-sub002/internal/testutil"
)

var wsTradeKey = record.NewStreamKey(record.StreamWSTrade, "BTCUSDT")

type restarts struct{ causes []error }

func (r *restarts) hook(_ context.Context, err error) { r.causes = append(r.causes, err) }

func newRecorder(t *testing.T) (*ingestion.Recorder, *testutil.MemoryLog[json.RawMessage], *testutil.MemoryFeed[json.RawMessage], *restarts, *observability.Metrics) {
	t.Helper()
	log := testutil.NewMemoryLog[json.RawMessage]()
	feed := testutil.NewMemoryFeed[json.RawMessage](16)
	rs := &restarts{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return ingestion.NewRecorder(log, feed, rs.hook, zerolog.Nop(), metrics), log, feed, rs, metrics
}

func TestRecorder_PublishesStoredRecordAfterAppend(t *testing.T) {
	rec, log, feed, rs, _ := newRecorder(t)
	ctx := context.Background()

	sub, err := feed.Subscribe(ctx, wsTradeKey)
	require.NoError(t, err)
	defer sub.Close()

	log.Seed(wsTradeKey, 3, func(uint64) json.RawMessage { return json.RawMessage(wsTradeMsg) })

	idx, err := rec.Record(ctx, wsTradeKey, 1234, json.RawMessage(wsTradeMsg))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), idx)

	select {
	case got := <-sub.C():
		assert.Equal(t, uint64(3), got.Index, "published with the index the log assigned")
		assert.Equal(t, int64(1234), got.Timestamp)
		assert.JSONEq(t, wsTradeMsg, string(got.Payload))
	case <-time.After(time.Second):
		t.Fatal("nothing published")
	}
	assert.Empty(t, rs.causes)
}

func TestRecorder_PublishFailureKeepsAppend(t *testing.T) {
	rec, log, feed, rs, metrics := newRecorder(t)
	feed.PublishErr = errors.New("nats unavailable")

	idx, err := rec.Record(context.Background(), wsTradeKey, 1, json.RawMessage(wsTradeMsg))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), idx)
	assert.Equal(t, 1, log.Len(wsTradeKey))
	assert.Empty(t, rs.causes, "live path is best-effort")
	assert.Equal(t, 1.0, testutil.CounterValue(metrics.PublishFailures.WithLabelValues(wsTradeKey.Stream)))
}

func TestRecorder_AppendFailureEscalatesAndSkipsPublish(t *testing.T) {
	rec, log, feed, rs, _ := newRecorder(t)
	ctx := context.Background()
	boom := errors.New("postgres gone")
	log.AppendErr = boom

	sub, err := feed.Subscribe(ctx, wsTradeKey)
	require.NoError(t, err)
	defer sub.Close()

	_, err = rec.Record(ctx, wsTradeKey, 1, json.RawMessage(wsTradeMsg))
	require.ErrorIs(t, err, boom)
	require.Len(t, rs.causes, 1)
	assert.ErrorIs(t, rs.causes[0], boom)

	select {
	case got := <-sub.C():
		t.Fatalf("published %d after failed append", got.Index)
	default:
	}
}

func TestRecorder_RejectsInvalidPayload(t *testing.T) {
	rec, log, _, rs, metrics := newRecorder(t)

	_, err := rec.Record(context.Background(), wsTradeKey, 1, json.RawMessage(`{"e":"trade"}`))
	require.ErrorIs(t, err, ingestion.ErrInvalidPayload)
	assert.Zero(t, log.Len(wsTradeKey))
	assert.Empty(t, rs.causes)
	assert.Equal(t, 1.0, testutil.CounterValue(metrics.RecorderRejected.WithLabelValues(wsTradeKey.Stream)))
}

func TestLiveEnvelopeRoundTrip(t *testing.T) {
	in := record.IndexedRecord[json.RawMessage]{Index: 42, Timestamp: 7, Payload: json.RawMessage(`{"a":1}`)}
	data, err := ingestion.EncodeLive(in)
	require.NoError(t, err)

	out, err := ingestion.DecodeLive(data)
	require.NoError(t, err)
	assert.Equal(t, in.Index, out.Index)
	assert.Equal(t, in.Timestamp, out.Timestamp)
	assert.JSONEq(t, `{"a":1}`, string(out.Payload))

	_, err = ingestion.DecodeLive([]byte("nope"))
	assert.ErrorIs(t, err, ingestion.ErrInvalidPayload)
}

func TestSubjectAndStreamURL(t *testing.T) {
	assert.Equal(t, "krupton.raw.binance.ws.trade.BTCUSDT", ingestion.Subject(wsTradeKey))

	u, err := ingestion.StreamURL("wss://stream.binance.com:9443/ws/", wsTradeKey)
	require.NoError(t, err)
	assert.Equal(t, "wss://stream.binance.com:9443/ws/btcusdt@trade", u)

	_, err = ingestion.StreamURL("wss://x", record.NewStreamKey(record.StreamRESTDepth, "BTCUSDT"))
	assert.Error(t, err)
}
