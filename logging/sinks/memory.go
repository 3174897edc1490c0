package sinks

import (
	"context"
	"sync"

	"mathstream/server/logging"
)

// MemorySink keeps events in memory for tests and diagnostics. When a limit
// is set only the most recent events are retained.
type MemorySink struct {
	mu      sync.RWMutex
	events  []logging.Event
	limit   int
	evicted uint64
}

func NewMemorySink() *MemorySink {
	return NewBoundedMemorySink(0)
}

// NewBoundedMemorySink retains at most limit events. A limit <= 0 keeps
// everything.
func NewBoundedMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

func (s *MemorySink) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, copyEvent(event))
	if s.limit > 0 && len(s.events) > s.limit {
		over := len(s.events) - s.limit
		s.evicted += uint64(over)
		s.events = append(s.events[:0], s.events[over:]...)
	}
	return nil
}

func (s *MemorySink) Events() []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]logging.Event(nil), s.events...)
}

// InCategory returns the retained events of one category in arrival order.
func (s *MemorySink) InCategory(category string) []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []logging.Event
	for _, event := range s.events {
		if event.Category == category {
			out = append(out, event)
		}
	}
	return out
}

// Evicted reports how many events were discarded to honour the limit.
func (s *MemorySink) Evicted() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evicted
}

func (s *MemorySink) Close(context.Context) error {
	return nil
}

func copyEvent(event logging.Event) logging.Event {
	if len(event.Targets) > 0 {
		event.Targets = append([]logging.EntityRef(nil), event.Targets...)
	}
	if event.Extra != nil {
		extra := make(map[string]any, len(event.Extra))
		for k, v := range event.Extra {
			extra[k] = v
		}
		event.Extra = extra
	}
	return event
}
