package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/schulmacher/krupton-sub002/internal/record"
)

// ErrEmptyLog is returned by ReplaceLastRecord when the key has no records.
var ErrEmptyLog = errors.New("log is empty")

// RecordLog is the per-key append-only raw log in Postgres.
//
// Indices are allocated from raw_log.heads inside the append transaction, so
// an aborted append releases its index and the log stays dense.
type RecordLog struct {
	db *sql.DB
}

func NewRecordLog(db *sql.DB) *RecordLog {
	return &RecordLog{db: db}
}

// Append stores payload under key and returns its index.
func (l *RecordLog) Append(ctx context.Context, key record.StreamKey, timestamp int64, payload json.RawMessage) (uint64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append %s: %w", key, err)
	}
	defer tx.Rollback()

	var idx int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO raw_log.heads (stream, symbol, next_index) VALUES ($1, $2, 1)
		ON CONFLICT (stream, symbol) DO UPDATE SET next_index = raw_log.heads.next_index + 1
		RETURNING next_index - 1`,
		key.Stream, key.Symbol,
	).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("allocate index %s: %w", key, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO raw_log.records (stream, symbol, idx, ts, payload) VALUES ($1, $2, $3, $4, $5)`,
		key.Stream, key.Symbol, idx, timestamp, string(payload),
	); err != nil {
		return 0, fmt.Errorf("insert record %s/%d: %w", key, idx, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append %s: %w", key, err)
	}
	return uint64(idx), nil
}

// ReadLastRecord returns the newest record of key, if any.
func (l *RecordLog) ReadLastRecord(ctx context.Context, key record.StreamKey) (record.IndexedRecord[json.RawMessage], bool, error) {
	var (
		idx     int64
		rec     record.IndexedRecord[json.RawMessage]
		payload []byte
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT idx, ts, payload FROM raw_log.records
		WHERE stream = $1 AND symbol = $2
		ORDER BY idx DESC LIMIT 1`,
		key.Stream, key.Symbol,
	).Scan(&idx, &rec.Timestamp, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("read last record %s: %w", key, err)
	}
	rec.Index = uint64(idx)
	rec.Payload = payload
	return rec, true, nil
}

// ReadRange returns up to count records of key starting at fromIndex, ascending.
func (l *RecordLog) ReadRange(ctx context.Context, key record.StreamKey, fromIndex uint64, count int) ([]record.IndexedRecord[json.RawMessage], error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT idx, ts, payload FROM raw_log.records
		WHERE stream = $1 AND symbol = $2 AND idx >= $3
		ORDER BY idx ASC LIMIT $4`,
		key.Stream, key.Symbol, int64(fromIndex), count,
	)
	if err != nil {
		return nil, fmt.Errorf("read range %s from %d: %w", key, fromIndex, err)
	}
	defer rows.Close()

	out := make([]record.IndexedRecord[json.RawMessage], 0, count)
	for rows.Next() {
		var (
			idx     int64
			rec     record.IndexedRecord[json.RawMessage]
			payload []byte
		)
		if err := rows.Scan(&idx, &rec.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("scan record %s: %w", key, err)
		}
		rec.Index = uint64(idx)
		rec.Payload = payload
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read range %s from %d: %w", key, fromIndex, err)
	}
	return out, nil
}

// ReplaceLastRecord overwrites the newest record of key and returns its index.
func (l *RecordLog) ReplaceLastRecord(ctx context.Context, key record.StreamKey, timestamp int64, payload json.RawMessage) (uint64, error) {
	var idx int64
	err := l.db.QueryRowContext(ctx, `
		UPDATE raw_log.records SET ts = $3, payload = $4, recorded_at = NOW()
		WHERE stream = $1 AND symbol = $2
		  AND idx = (SELECT MAX(idx) FROM raw_log.records WHERE stream = $1 AND symbol = $2)
		RETURNING idx`,
		key.Stream, key.Symbol, timestamp, string(payload),
	).Scan(&idx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("replace last record %s: %w", key, ErrEmptyLog)
	}
	if err != nil {
		return 0, fmt.Errorf("replace last record %s: %w", key, err)
	}
	return uint64(idx), nil
}
