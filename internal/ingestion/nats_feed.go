package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/schulmacher/krupton-sub002/internal/core"
	"github.com/schulmacher/krupton-sub002/internal/record"
)

const (
	// RawStreamName is the JetStream stream carrying the live path.
	RawStreamName  = "KRUPTON_RAW"
	rawSubjectRoot = "krupton.raw"
)

// Subject returns the live subject of key: one per raw stream type and symbol.
func Subject(key record.StreamKey) string {
	return rawSubjectRoot + "." + key.Stream + "." + key.Symbol
}

// liveEnvelope is the wire format of a live record.
type liveEnvelope struct {
	Index     uint64          `json:"index"`
	Timestamp int64           `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// EncodeLive renders rec in the live wire format.
func EncodeLive(rec record.IndexedRecord[json.RawMessage]) ([]byte, error) {
	return json.Marshal(liveEnvelope{Index: rec.Index, Timestamp: rec.Timestamp, Payload: rec.Payload})
}

// DecodeLive parses the live wire format.
func DecodeLive(data []byte) (record.IndexedRecord[json.RawMessage], error) {
	var env liveEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return record.IndexedRecord[json.RawMessage]{}, fmt.Errorf("%w: live envelope: %v", ErrInvalidPayload, err)
	}
	return record.IndexedRecord[json.RawMessage]{Index: env.Index, Timestamp: env.Timestamp, Payload: env.Payload}, nil
}

// NATSFeed is the live feed over JetStream ordered consumers.
//
// Each subscription only sees messages published after it was created. When
// the subscription buffer is full, messages are dropped; the consumer heals
// the gap from the log.
type NATSFeed struct {
	js     jetstream.JetStream
	buffer int
	logger zerolog.Logger
}

func NewNATSFeed(js jetstream.JetStream, buffer int, logger zerolog.Logger) *NATSFeed {
	if buffer <= 0 {
		buffer = 4096
	}
	return &NATSFeed{js: js, buffer: buffer, logger: logger}
}

// Subscribe implements core.LiveFeed.
func (f *NATSFeed) Subscribe(ctx context.Context, key record.StreamKey) (core.Subscription[json.RawMessage], error) {
	subject := Subject(key)
	consumer, err := f.js.OrderedConsumer(ctx, RawStreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create ordered consumer %s: %w", subject, err)
	}

	sub := &natsSubscription{
		ch:     make(chan record.IndexedRecord[json.RawMessage], f.buffer),
		logger: f.logger.With().Str("subject", subject).Logger(),
	}
	cc, err := consumer.Consume(sub.handle)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", subject, err)
	}
	sub.cc = cc

	f.logger.Info().Str("subject", subject).Msg("subscribed to live subject")
	return sub, nil
}

type natsSubscription struct {
	mu     sync.Mutex
	closed bool
	ch     chan record.IndexedRecord[json.RawMessage]
	cc     jetstream.ConsumeContext
	logger zerolog.Logger
}

func (s *natsSubscription) C() <-chan record.IndexedRecord[json.RawMessage] { return s.ch }

func (s *natsSubscription) handle(msg jetstream.Msg) {
	rec, err := DecodeLive(msg.Data())
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping undecodable live message")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- rec:
	default:
		s.logger.Debug().Uint64("index", rec.Index).Msg("live buffer full, dropping")
	}
}

func (s *natsSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	if s.cc != nil {
		s.cc.Stop()
	}
	return nil
}

// EnsureRawStream creates or updates the live stream. History lives in
// Postgres, so the stream only keeps a short window.
func EnsureRawStream(ctx context.Context, js jetstream.JetStream, maxAge time.Duration) error {
	cfg := jetstream.StreamConfig{
		Name:      RawStreamName,
		Subjects:  []string{rawSubjectRoot + ".>"},
		Storage:   jetstream.MemoryStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    maxAge,
		Replicas:  1,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
