package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/schulmacher/krupton-sub002/internal/core"
	"github.com/schulmacher/krupton-sub002/internal/record"
)

// ErrInvalidKey is returned for a stream key that cannot address a log.
var ErrInvalidKey = errors.New("invalid stream key")

type tailReader interface {
	ReadLastRecord(ctx context.Context, key record.StreamKey) (record.IndexedRecord[json.RawMessage], bool, error)
}

type checkpointLoader interface {
	Load(ctx context.Context, consumer string, key record.StreamKey) (record.Checkpoint, error)
}

// StateSource reports the live state of the consumers of one checkpoint owner.
// Satisfied by projection pipelines.
type StateSource interface {
	Consumer() string
	States() map[record.StreamKey]core.ConsumerState
}

// StreamStatus is the admin view of one raw stream.
type StreamStatus struct {
	Stream        string           `json:"stream"`
	Symbol        string           `json:"symbol"`
	Source        string           `json:"source"`
	Empty         bool             `json:"empty"`
	TailIndex     uint64           `json:"tail_index"`
	TailTimestamp int64            `json:"tail_timestamp"`
	Consumers     []ConsumerStatus `json:"consumers"`
}

// ConsumerStatus is how far one checkpoint owner has come on a stream.
type ConsumerStatus struct {
	Consumer            string `json:"consumer"`
	HasCheckpoint       bool   `json:"has_checkpoint"`
	CheckpointIndex     uint64 `json:"checkpoint_index"`
	CheckpointTimestamp int64  `json:"checkpoint_timestamp"`
	Lag                 uint64 `json:"lag"`
	State               string `json:"state,omitempty"` // only for consumers running in this process
}

// StatusService answers read-only status queries from the log, the
// checkpoint store and the consumers running in this process.
type StatusService struct {
	log         tailReader
	checkpoints checkpointLoader

	mu        sync.RWMutex
	consumers map[string]struct{}
	sources   []StateSource
}

// NewStatusService reports on the given checkpoint owners in addition to
// any registered StateSource.
func NewStatusService(log tailReader, checkpoints checkpointLoader, consumers ...string) *StatusService {
	s := &StatusService{
		log:         log,
		checkpoints: checkpoints,
		consumers:   make(map[string]struct{}),
	}
	for _, c := range consumers {
		s.consumers[c] = struct{}{}
	}
	return s
}

// Register adds a running source of consumer states.
func (s *StatusService) Register(src StateSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, src)
	s.consumers[src.Consumer()] = struct{}{}
}

// StreamStatus returns the tail of key and the progress of every known consumer on it.
func (s *StatusService) StreamStatus(ctx context.Context, key record.StreamKey) (*StreamStatus, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	tail, ok, err := s.log.ReadLastRecord(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read tail %s: %w", key, err)
	}
	out := &StreamStatus{
		Stream: key.Stream,
		Symbol: key.Symbol,
		Source: record.KindOf(key.Stream).String(),
		Empty:  !ok,
	}
	if ok {
		out.TailIndex = tail.Index
		out.TailTimestamp = tail.Timestamp
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.consumers))
	for name := range s.consumers {
		names = append(names, name)
	}
	states := make(map[string]core.ConsumerState)
	for _, src := range s.sources {
		if st, found := src.States()[key]; found {
			states[src.Consumer()] = st
		}
	}
	s.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		cp, err := s.checkpoints.Load(ctx, name, key)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint %s/%s: %w", name, key, err)
		}
		cs := ConsumerStatus{
			Consumer:            name,
			HasCheckpoint:       cp.Valid,
			CheckpointIndex:     cp.LastIndex,
			CheckpointTimestamp: cp.LastTimestamp,
		}
		if ok && tail.Index+1 > cp.NextIndex() {
			cs.Lag = tail.Index + 1 - cp.NextIndex()
		}
		if st, found := states[name]; found {
			cs.State = st.String()
		}
		out.Consumers = append(out.Consumers, cs)
	}
	return out, nil
}
