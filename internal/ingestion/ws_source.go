package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/schulmacher/krupton-sub002/internal/observability"
	"github.com/schulmacher/krupton-sub002/internal/record"
)

// WSConfig configures a websocket source.
type WSConfig struct {
	BaseURL    string // e.g. wss://stream.binance.com:9443/ws
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// ReadTimeout closes a silent connection so it can be re-dialled.
	ReadTimeout time.Duration
}

// WSSource streams one (stream, symbol) from the exchange websocket into the recorder.
type WSSource struct {
	cfg      WSConfig
	key      record.StreamKey
	recorder *Recorder
	dialer   *websocket.Dialer
	logger   zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewWSSource(cfg WSConfig, key record.StreamKey, recorder *Recorder, logger zerolog.Logger, metrics *observability.Metrics) *WSSource {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Minute
	}
	return &WSSource{
		cfg:      cfg,
		key:      key,
		recorder: recorder,
		dialer:   websocket.DefaultDialer,
		logger: logger.With().
			Str("stream", key.Stream).
			Str("symbol", key.Symbol).
			Logger(),
		metrics: metrics,
		now:     time.Now,
	}
}

// StreamURL returns the raw stream endpoint for key.
func StreamURL(baseURL string, key record.StreamKey) (string, error) {
	symbol := strings.ToLower(key.Symbol)
	base := strings.TrimRight(baseURL, "/")
	switch key.Stream {
	case record.StreamWSTrade:
		return base + "/" + symbol + "@trade", nil
	case record.StreamWSDepth:
		return base + "/" + symbol + "@depth@100ms", nil
	default:
		return "", fmt.Errorf("stream %q has no websocket endpoint", key.Stream)
	}
}

// Run dials, records every message and re-dials with exponential backoff
// until ctx ends or the recorder fails to append.
func (s *WSSource) Run(ctx context.Context) error {
	url, err := StreamURL(s.cfg.BaseURL, s.key)
	if err != nil {
		return err
	}

	backoff := s.cfg.MinBackoff
	for {
		conn, _, err := s.dialer.DialContext(ctx, url, nil)
		if err == nil {
			s.logger.Info().Str("url", url).Msg("websocket connected")
			backoff = s.cfg.MinBackoff
			err = s.readLoop(ctx, conn)
			var appendErr *appendError
			if errors.As(err, &appendErr) {
				return appendErr.err
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("websocket disconnected, reconnecting")
		if s.metrics != nil {
			s.metrics.WSReconnects.WithLabelValues(s.key.Stream).Inc()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.cfg.MaxBackoff)
	}
}

// appendError separates log failures, which end Run, from connection errors.
type appendError struct{ err error }

func (e *appendError) Error() string { return e.err.Error() }

func (s *WSSource) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		if err := conn.SetReadDeadline(s.now().Add(s.cfg.ReadTimeout)); err != nil {
			return err
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}

		_, err = s.recorder.Record(ctx, s.key, s.now().UnixMilli(), json.RawMessage(data))
		switch {
		case err == nil:
		case errors.Is(err, ErrInvalidPayload):
			// Dropped and counted by the recorder.
		default:
			return &appendError{err: err}
		}
	}
}
