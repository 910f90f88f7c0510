package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/compozy/deepresearch/pkg/logger"
)

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns every stored record in append order.
func (s *MemorySink) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record(nil), s.records...)
}

// Kinds filters stored records by kind.
func (s *MemorySink) Kinds(kind Kind) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func (s *MemorySink) List(_ context.Context, sessionID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// LogSink writes records through the structured logger.
type LogSink struct {
	logger logger.Logger
}

func NewLogSink(l logger.Logger) *LogSink {
	return &LogSink{logger: l}
}

func (s *LogSink) Append(ctx context.Context, rec Record) error {
	log := s.logger
	if log == nil {
		log = logger.FromContext(ctx)
	}
	kv := []any{
		"seq", rec.Seq,
		"session_id", rec.SessionID,
		"kind", rec.Kind,
		"event", rec.Event,
		"ts", rec.Timestamp,
	}
	keys := make([]string, 0, len(rec.Payload))
	for k := range rec.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kv = append(kv, k, rec.Payload[k])
	}
	log.Debug("audit", kv...)
	return nil
}
