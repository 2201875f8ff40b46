package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/schulmacher/krupton-sub002/internal/record"
)

// Publisher sends a stored record on the live path.
type Publisher interface {
	Publish(ctx context.Context, key record.StreamKey, rec record.IndexedRecord[json.RawMessage]) error
}

// NATSPublisher publishes stored records to their JetStream subject.
type NATSPublisher struct {
	js jetstream.JetStream
}

func NewNATSPublisher(js jetstream.JetStream) *NATSPublisher {
	return &NATSPublisher{js: js}
}

// Publish sends rec with a message id of key and index, so a retried
// publish is de-duplicated by the server.
func (p *NATSPublisher) Publish(ctx context.Context, key record.StreamKey, rec record.IndexedRecord[json.RawMessage]) error {
	data, err := EncodeLive(rec)
	if err != nil {
		return fmt.Errorf("encode live record %s/%d: %w", key, rec.Index, err)
	}
	msgID := key.String() + ":" + strconv.FormatUint(rec.Index, 10)
	if _, err := p.js.Publish(ctx, Subject(key), data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish %s/%d: %w", key, rec.Index, err)
	}
	return nil
}
