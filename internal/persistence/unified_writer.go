package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/schulmacher/krupton-sub002/internal/observability"
	"github.com/schulmacher/krupton-sub002/internal/record"
)

// rowsPerStatement keeps multi-row INSERTs under the 65535 parameter limit.
const rowsPerStatement = 500

// UnifiedWriter commits unified rows and the checkpoints they advance in one
// transaction, so a crash either keeps both or neither.
type UnifiedWriter struct {
	db       *sql.DB
	consumer string
	metrics  *observability.Metrics
}

func NewUnifiedWriter(db *sql.DB, consumer string, metrics *observability.Metrics) *UnifiedWriter {
	return &UnifiedWriter{db: db, consumer: consumer, metrics: metrics}
}

// CommitTrades upserts trades by natural key and stores cps.
func (w *UnifiedWriter) CommitTrades(ctx context.Context, batchID uuid.UUID, trades []record.Trade, cps map[record.StreamKey]record.Checkpoint) error {
	trades = dedupeTrades(trades)
	return w.commit(ctx, cps, batchID, func(tx *sql.Tx) error {
		for start := 0; start < len(trades); start += rowsPerStatement {
			end := min(start+rowsPerStatement, len(trades))
			if err := insertTrades(ctx, tx, batchID, trades[start:end]); err != nil {
				return err
			}
		}
		w.countRows("trades", len(trades))
		return nil
	})
}

// CommitBookLevels upserts book levels and stores cps.
func (w *UnifiedWriter) CommitBookLevels(ctx context.Context, batchID uuid.UUID, levels []record.BookLevel, cps map[record.StreamKey]record.Checkpoint) error {
	levels = dedupeLevels(levels)
	return w.commit(ctx, cps, batchID, func(tx *sql.Tx) error {
		for start := 0; start < len(levels); start += rowsPerStatement {
			end := min(start+rowsPerStatement, len(levels))
			if err := insertBookLevels(ctx, tx, batchID, levels[start:end]); err != nil {
				return err
			}
		}
		w.countRows("book_levels", len(levels))
		return nil
	})
}

func (w *UnifiedWriter) commit(ctx context.Context, cps map[record.StreamKey]record.Checkpoint, batchID uuid.UUID, write func(*sql.Tx) error) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin unified tx: %w", err)
	}
	defer tx.Rollback()

	if err := write(tx); err != nil {
		return err
	}
	if err := saveCheckpoints(ctx, tx, w.consumer, batchID, cps); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit unified batch %s: %w", batchID, err)
	}
	return nil
}

func (w *UnifiedWriter) countRows(table string, n int) {
	if w.metrics != nil && n > 0 {
		w.metrics.SinkRowsWritten.WithLabelValues(table).Add(float64(n))
	}
}

func insertTrades(ctx context.Context, tx *sql.Tx, batchID uuid.UUID, trades []record.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	const cols = 10
	values := make([]string, 0, len(trades))
	args := make([]interface{}, 0, len(trades)*cols)
	for i, t := range trades {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			t.Platform, t.Symbol, t.TradeID, t.Price, t.Quantity,
			t.Side.String(), t.TradeTime, t.Source.String(), t.Source.Rank(), batchID,
		)
	}

	query := `INSERT INTO unified.trades
		(platform, symbol, trade_id, price, quantity, side, trade_time, source, source_rank, batch_id)
		VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (platform, symbol, trade_id) DO UPDATE SET
			price = EXCLUDED.price,
			quantity = EXCLUDED.quantity,
			side = EXCLUDED.side,
			trade_time = EXCLUDED.trade_time,
			source = EXCLUDED.source,
			source_rank = EXCLUDED.source_rank,
			batch_id = EXCLUDED.batch_id,
			written_at = NOW()
		WHERE unified.trades.source_rank < EXCLUDED.source_rank`

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %d trades: %w", len(trades), err)
	}
	return nil
}

func insertBookLevels(ctx context.Context, tx *sql.Tx, batchID uuid.UUID, levels []record.BookLevel) error {
	if len(levels) == 0 {
		return nil
	}

	const cols = 10
	values := make([]string, 0, len(levels))
	args := make([]interface{}, 0, len(levels)*cols)
	for i, l := range levels {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			l.Platform, l.Symbol, l.Source.String(), l.UpdateID, l.Side.String(),
			l.Price, l.Quantity, l.Snapshot, l.EventTime, batchID,
		)
	}

	query := `INSERT INTO unified.book_levels
		(platform, symbol, source, update_id, side, price, quantity, snapshot, event_time, batch_id)
		VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (platform, symbol, source, update_id, side, price) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			snapshot = EXCLUDED.snapshot,
			event_time = EXCLUDED.event_time,
			batch_id = EXCLUDED.batch_id,
			written_at = NOW()`

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %d book levels: %w", len(levels), err)
	}
	return nil
}

// dedupeTrades keeps one trade per natural key, since a single upsert
// statement cannot touch the same row twice. Higher rank wins, then first seen.
func dedupeTrades(trades []record.Trade) []record.Trade {
	pos := make(map[string]int, len(trades))
	out := make([]record.Trade, 0, len(trades))
	for _, t := range trades {
		k := t.NaturalKey()
		if i, ok := pos[k]; ok {
			if t.Source.Rank() > out[i].Source.Rank() {
				out[i] = t
			}
			continue
		}
		pos[k] = len(out)
		out = append(out, t)
	}
	return out
}

type levelKey struct {
	platform, symbol, source string
	updateID                 int64
	side                     record.Side
	price                    string
}

// dedupeLevels keeps the last level per conflict key.
func dedupeLevels(levels []record.BookLevel) []record.BookLevel {
	pos := make(map[levelKey]int, len(levels))
	out := make([]record.BookLevel, 0, len(levels))
	for _, l := range levels {
		k := levelKey{l.Platform, l.Symbol, l.Source.String(), l.UpdateID, l.Side, l.Price}
		if i, ok := pos[k]; ok {
			out[i] = l
			continue
		}
		pos[k] = len(out)
		out = append(out, l)
	}
	return out
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}
