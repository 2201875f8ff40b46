package sink_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schulmacher/krupton-sub002/internal/record"
	"github.com/schulmacher/krupton-sub002/internal/sink"
)

type fakeS3API struct {
	mu sync.Mutex

	putCalls int
	lastIn   *s3.PutObjectInput
	lastBody []byte

	putErr error
}

func (f *fakeS3API) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	f.lastIn = in
	if f.putErr != nil {
		return nil, f.putErr
	}
	if in.Body != nil {
		f.lastBody, _ = io.ReadAll(in.Body)
	}
	return &s3.PutObjectOutput{}, nil
}

func readAll[T any](t *testing.T, b []byte) []T {
	t.Helper()
	r := parquet.NewGenericReader[T](bytes.NewReader(b))
	defer r.Close()

	out := make([]T, r.NumRows())
	n, err := r.Read(out)
	if err != nil && !errors.Is(err, io.EOF) {
		require.NoError(t, err)
	}
	return out[:n]
}

func TestArchiveTrades_WritesParquetObject(t *testing.T) {
	api := &fakeS3API{}
	a, err := sink.NewArchive(api, "bucket", "/raw/", zerolog.Nop(), nil)
	require.NoError(t, err)

	batchID := uuid.New()
	trades := []record.Trade{
		{Platform: "binance", Symbol: "BTCUSDT", TradeID: 1, Price: "100.5", Quantity: "0.1", Side: record.SideBuy, TradeTime: 10, Source: record.SourceWS},
		{Platform: "binance", Symbol: "BTCUSDT", TradeID: 2, Price: "101", Quantity: "2", Side: record.SideSell, TradeTime: 11, Source: record.SourceREST},
	}
	require.NoError(t, a.ArchiveTrades(context.Background(), batchID, "btcusdt", trades))

	require.Equal(t, 1, api.putCalls)
	assert.Equal(t, "bucket", *api.lastIn.Bucket)
	assert.Regexp(t, `^raw/trades/BTCUSDT/\d{4}/\d{2}/\d{2}/`+batchID.String()+`\.parquet$`, *api.lastIn.Key)
	assert.Equal(t, "application/vnd.apache.parquet", *api.lastIn.ContentType)
	assert.Equal(t, int64(len(api.lastBody)), *api.lastIn.ContentLength)

	rows := readAll[sink.TradeRow](t, api.lastBody)
	require.Len(t, rows, 2)
	assert.Equal(t, sink.TradeRow{
		BatchID: batchID.String(), Platform: "binance", Symbol: "BTCUSDT", TradeID: 2,
		Price: "101", Quantity: "2", Side: "sell", TradeTime: 11, Source: "rest",
	}, rows[1])
}

func TestArchiveBookLevels_EmptyBatchWritesNothing(t *testing.T) {
	api := &fakeS3API{}
	a, err := sink.NewArchive(api, "bucket", "", zerolog.Nop(), nil)
	require.NoError(t, err)

	require.NoError(t, a.ArchiveBookLevels(context.Background(), uuid.New(), "BTCUSDT", nil))
	assert.Zero(t, api.putCalls)
}

func TestArchive_PutErrorIsWrapped(t *testing.T) {
	api := &fakeS3API{putErr: errors.New("slow down")}
	a, err := sink.NewArchive(api, "bucket", "", zerolog.Nop(), nil)
	require.NoError(t, err)

	err = a.ArchiveBookLevels(context.Background(), uuid.New(), "BTCUSDT", []record.BookLevel{
		{Platform: "binance", Symbol: "BTCUSDT", UpdateID: 5, Side: record.SideBuy, Price: "1", Quantity: "0", Source: record.SourceWS},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slow down")
	assert.Contains(t, err.Error(), "book_levels/BTCUSDT/")
}

func TestNewArchive_Validates(t *testing.T) {
	_, err := sink.NewArchive(nil, "bucket", "", zerolog.Nop(), nil)
	assert.Error(t, err)
	_, err = sink.NewArchive(&fakeS3API{}, " ", "", zerolog.Nop(), nil)
	assert.Error(t, err)
}

func TestObjectKey(t *testing.T) {
	id := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	at := time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "trades/ETHUSDT/2024/03/09/00000000-0000-0000-0000-000000000001.parquet",
		sink.ObjectKey("", "trades", "ethusdt", at, id))
	assert.Equal(t, "p/trades/ETHUSDT/2024/03/09/00000000-0000-0000-0000-000000000001.parquet",
		sink.ObjectKey("p", "trades", "ethusdt", at, id))
}
