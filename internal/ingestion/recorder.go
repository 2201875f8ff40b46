package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/schulmacher/krupton-sub002/internal/core"
	"github.com/schulmacher/krupton-sub002/internal/observability"
	"github.com/schulmacher/krupton-sub002/internal/record"
)

// Recorder is the writer side of the pipeline: it validates a raw upstream
// message, appends it to the log and then announces it on the live path.
//
// The log is the source of truth. A failed publish only delays readers until
// their next gap fill; a failed append escalates to a restart.
type Recorder struct {
	log     core.PersistentLog[json.RawMessage]
	pub     Publisher
	restart core.RestartHook
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewRecorder(log core.PersistentLog[json.RawMessage], pub Publisher, restart core.RestartHook, logger zerolog.Logger, metrics *observability.Metrics) *Recorder {
	if restart == nil {
		restart = core.NopRestart
	}
	return &Recorder{log: log, pub: pub, restart: restart, logger: logger, metrics: metrics}
}

// Record validates payload, appends it under key and publishes the stored record.
// Invalid payloads return an error wrapping ErrInvalidPayload and are not stored.
func (r *Recorder) Record(ctx context.Context, key record.StreamKey, timestamp int64, payload json.RawMessage) (uint64, error) {
	if err := r.validate(key, payload); err != nil {
		return 0, err
	}

	idx, err := r.log.Append(ctx, key, timestamp, payload)
	if err != nil {
		r.escalate(ctx, key, fmt.Errorf("append %s: %w", key, err))
		return 0, err
	}
	if r.metrics != nil {
		r.metrics.RecorderAppends.WithLabelValues(key.Stream).Inc()
	}

	r.publish(ctx, key, record.IndexedRecord[json.RawMessage]{Index: idx, Timestamp: timestamp, Payload: payload})
	return idx, nil
}

// Replace overwrites the newest record of key in place. Readers that already
// passed that index keep the version they saw.
func (r *Recorder) Replace(ctx context.Context, key record.StreamKey, timestamp int64, payload json.RawMessage) (uint64, error) {
	if err := r.validate(key, payload); err != nil {
		return 0, err
	}
	idx, err := r.log.ReplaceLastRecord(ctx, key, timestamp, payload)
	if err != nil {
		r.escalate(ctx, key, fmt.Errorf("replace last %s: %w", key, err))
		return 0, err
	}
	if r.metrics != nil {
		r.metrics.RecorderCoalesced.WithLabelValues(key.Stream).Inc()
	}
	return idx, nil
}

// LastRecord returns the newest stored record of key.
func (r *Recorder) LastRecord(ctx context.Context, key record.StreamKey) (record.IndexedRecord[json.RawMessage], bool, error) {
	rec, ok, err := r.log.ReadLastRecord(ctx, key)
	if err != nil {
		r.escalate(ctx, key, fmt.Errorf("read last %s: %w", key, err))
	}
	return rec, ok, err
}

func (r *Recorder) validate(key record.StreamKey, payload json.RawMessage) error {
	err := ValidatePayload(key.Stream, payload)
	if err == nil {
		return nil
	}
	if r.metrics != nil {
		r.metrics.RecorderRejected.WithLabelValues(key.Stream).Inc()
	}
	r.logger.Warn().
		Err(err).
		Str("stream", key.Stream).
		Str("symbol", key.Symbol).
		Msg("rejected upstream message")
	return err
}

func (r *Recorder) publish(ctx context.Context, key record.StreamKey, rec record.IndexedRecord[json.RawMessage]) {
	if r.pub == nil {
		return
	}
	if err := r.pub.Publish(ctx, key, rec); err != nil {
		if r.metrics != nil {
			r.metrics.PublishFailures.WithLabelValues(key.Stream).Inc()
		}
		r.logger.Warn().
			Err(err).
			Str("stream", key.Stream).
			Str("symbol", key.Symbol).
			Uint64("index", rec.Index).
			Msg("live publish failed, readers will recover from the log")
	}
}

func (r *Recorder) escalate(ctx context.Context, key record.StreamKey, err error) {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return
	}
	if r.metrics != nil {
		r.metrics.RecorderAppendErrors.WithLabelValues(key.Stream).Inc()
	}
	r.logger.WithLevel(zerolog.FatalLevel).
		Err(err).
		Str("stream", key.Stream).
		Str("symbol", key.Symbol).
		Msg("log write failed, requesting restart")
	r.restart(ctx, err)
}
