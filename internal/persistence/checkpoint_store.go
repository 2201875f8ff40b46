package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/schulmacher/krupton-sub002/internal/record"
)

// CheckpointStore keeps the durable resume position of each consumer.
type CheckpointStore struct {
	db *sql.DB
}

func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Load returns the stored checkpoint, or an invalid one when none exists.
func (s *CheckpointStore) Load(ctx context.Context, consumer string, key record.StreamKey) (record.Checkpoint, error) {
	var idx, ts int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_index, last_timestamp FROM ingest.checkpoints
		WHERE consumer = $1 AND stream = $2 AND symbol = $3`,
		consumer, key.Stream, key.Symbol,
	).Scan(&idx, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Checkpoint{}, nil
	}
	if err != nil {
		return record.Checkpoint{}, fmt.Errorf("load checkpoint %s/%s: %w", consumer, key, err)
	}
	return record.NewCheckpoint(uint64(idx), ts), nil
}

// Save stores checkpoints in their own transaction.
func (s *CheckpointStore) Save(ctx context.Context, consumer string, batchID uuid.UUID, cps map[record.StreamKey]record.Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer tx.Rollback()

	if err := saveCheckpoints(ctx, tx, consumer, batchID, cps); err != nil {
		return err
	}
	return tx.Commit()
}

// saveCheckpoints upserts checkpoints inside tx. A stored checkpoint never
// moves backwards.
func saveCheckpoints(ctx context.Context, tx *sql.Tx, consumer string, batchID uuid.UUID, cps map[record.StreamKey]record.Checkpoint) error {
	for key, cp := range cps {
		if !cp.Valid {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ingest.checkpoints (consumer, stream, symbol, last_index, last_timestamp, batch_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (consumer, stream, symbol) DO UPDATE SET
				last_index = EXCLUDED.last_index,
				last_timestamp = EXCLUDED.last_timestamp,
				batch_id = EXCLUDED.batch_id,
				updated_at = NOW()
			WHERE ingest.checkpoints.last_index < EXCLUDED.last_index`,
			consumer, key.Stream, key.Symbol, int64(cp.LastIndex), cp.LastTimestamp, batchID,
		); err != nil {
			return fmt.Errorf("save checkpoint %s/%s: %w", consumer, key, err)
		}
	}
	return nil
}
