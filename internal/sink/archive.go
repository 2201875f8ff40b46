package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"

	"github.com/schulmacher/krupton-sub002/internal/observability"
	"github.com/schulmacher/krupton-sub002/internal/record"
)

const parquetContentType = "application/vnd.apache.parquet"

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// TradeRow is the archived column layout of a unified trade.
type TradeRow struct {
	BatchID   string `parquet:"batch_id"`
	Platform  string `parquet:"platform"`
	Symbol    string `parquet:"symbol"`
	TradeID   int64  `parquet:"trade_id"`
	Price     string `parquet:"price"`
	Quantity  string `parquet:"quantity"`
	Side      string `parquet:"side"`
	TradeTime int64  `parquet:"trade_time"`
	Source    string `parquet:"source"`
}

// BookLevelRow is the archived column layout of a unified book level.
type BookLevelRow struct {
	BatchID   string `parquet:"batch_id"`
	Platform  string `parquet:"platform"`
	Symbol    string `parquet:"symbol"`
	UpdateID  int64  `parquet:"update_id"`
	Side      string `parquet:"side"`
	Price     string `parquet:"price"`
	Quantity  string `parquet:"quantity"`
	Snapshot  bool   `parquet:"snapshot"`
	EventTime int64  `parquet:"event_time"`
	Source    string `parquet:"source"`
}

// Archive writes every committed batch as one snappy-compressed parquet object.
type Archive struct {
	client  s3API
	bucket  string
	prefix  string
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewArchive(client s3API, bucket, prefix string, logger zerolog.Logger, metrics *observability.Metrics) (*Archive, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("archive bucket is required")
	}
	return &Archive{
		client:  client,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// ObjectKey lays objects out as <prefix>/<kind>/<symbol>/<yyyy>/<mm>/<dd>/<batch>.parquet.
func ObjectKey(prefix, kind, symbol string, at time.Time, batchID uuid.UUID) string {
	key := fmt.Sprintf("%s/%s/%s/%s.parquet", kind, strings.ToUpper(symbol), at.UTC().Format("2006/01/02"), batchID)
	if prefix != "" {
		key = prefix + "/" + key
	}
	return key
}

// ArchiveTrades stores trades of one batch.
func (a *Archive) ArchiveTrades(ctx context.Context, batchID uuid.UUID, symbol string, trades []record.Trade) error {
	rows := make([]TradeRow, 0, len(trades))
	for _, t := range trades {
		rows = append(rows, TradeRow{
			BatchID:   batchID.String(),
			Platform:  t.Platform,
			Symbol:    t.Symbol,
			TradeID:   t.TradeID,
			Price:     t.Price,
			Quantity:  t.Quantity,
			Side:      t.Side.String(),
			TradeTime: t.TradeTime,
			Source:    t.Source.String(),
		})
	}
	return write(ctx, a, "trades", symbol, batchID, rows)
}

// ArchiveBookLevels stores book levels of one batch.
func (a *Archive) ArchiveBookLevels(ctx context.Context, batchID uuid.UUID, symbol string, levels []record.BookLevel) error {
	rows := make([]BookLevelRow, 0, len(levels))
	for _, l := range levels {
		rows = append(rows, BookLevelRow{
			BatchID:   batchID.String(),
			Platform:  l.Platform,
			Symbol:    l.Symbol,
			UpdateID:  l.UpdateID,
			Side:      l.Side.String(),
			Price:     l.Price,
			Quantity:  l.Quantity,
			Snapshot:  l.Snapshot,
			EventTime: l.EventTime,
			Source:    l.Source.String(),
		})
	}
	return write(ctx, a, "book_levels", symbol, batchID, rows)
}

func write[R any](ctx context.Context, a *Archive, kind, symbol string, batchID uuid.UUID, rows []R) error {
	if len(rows) == 0 {
		return nil
	}
	data, err := Encode(rows)
	if err != nil {
		return fmt.Errorf("encode %s batch %s: %w", kind, batchID, err)
	}

	key := ObjectKey(a.prefix, kind, symbol, a.now(), batchID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(parquetContentType),
	})
	if err != nil {
		return fmt.Errorf("put s3 object key=%q: %w", key, err)
	}

	if a.metrics != nil {
		a.metrics.ArchiveObjects.Inc()
		a.metrics.ArchiveBytes.Add(float64(len(data)))
	}
	a.logger.Debug().
		Str("key", key).
		Int("rows", len(rows)).
		Int("bytes", len(data)).
		Msg("batch archived")
	return nil
}

// Encode writes rows as a snappy-compressed parquet file.
func Encode[R any](rows []R) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[R](&buf, parquet.Compression(&parquet.Snappy))
	if _, err := w.Write(rows); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
