package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is a recorded event with the sink-assigned identifier and receive
// timestamp attached. Entries are immutable once appended.
type Entry struct {
	ID         string            `json:"id"`
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	ReceivedAt int64             `json:"receivedAt"`
}

// MemorySink retains every emitted event in order of arrival. It backs the
// desk_events RPC endpoint and the audit trail in tests. The cap bounds
// memory use; once reached the oldest entries are dropped.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
	seq     uint64
	cap     int
	nowFn   func() int64
}

// NewMemorySink creates a sink retaining at most cap entries. A cap of zero
// or less means unbounded.
func NewMemorySink(cap int) *MemorySink {
	return &MemorySink{
		cap:   cap,
		nowFn: func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the timestamp source. Intended for tests.
func (s *MemorySink) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	s.mu.Lock()
	s.nowFn = now
	s.mu.Unlock()
}

// Emit implements the Emitter interface.
func (s *MemorySink) Emit(evt *Event) {
	if s == nil || evt == nil {
		return
	}
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.entries = append(s.entries, Entry{
		ID:         uuid.NewString(),
		Sequence:   s.seq,
		Type:       evt.Type,
		Attributes: attrs,
		ReceivedAt: s.nowFn(),
	})
	if s.cap > 0 && len(s.entries) > s.cap {
		s.entries = s.entries[len(s.entries)-s.cap:]
	}
}

// Entries returns a copy of the recorded entries in arrival order, starting
// after the supplied sequence number. Passing zero returns everything
// retained.
func (s *MemorySink) Entries(after uint64) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Sequence > after {
			out = append(out, e)
		}
	}
	return out
}

// Len reports the number of retained entries.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
