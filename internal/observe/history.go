// Package observe keeps a bounded in-memory record of recent requests for the
// status endpoint.
package observe

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSize is the number of entries kept when none is configured.
const DefaultSize = 200

// Entry describes one completed request.
type Entry struct {
	ID             string    `json:"id"`
	Time           time.Time `json:"time"`
	RequestedModel string    `json:"requested_model"`
	Backend        string    `json:"backend,omitempty"`
	ResolvedModel  string    `json:"resolved_model,omitempty"`
	Fallback       bool      `json:"fallback"`
	Stream         bool      `json:"stream"`
	Chunks         int       `json:"chunks"`
	Status         int       `json:"status"`
	DurationMS     int64     `json:"duration_ms"`
	ErrorKind      string    `json:"error_kind,omitempty"`
}

// History is a fixed-size ring of entries, safe for concurrent use.
type History struct {
	mu     sync.RWMutex
	size   int
	buffer []Entry
	index  int64
}

// NewHistory returns a ring holding at most size entries.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultSize
	}
	return &History{
		size:   size,
		buffer: make([]Entry, size),
	}
}

// Record stores e, assigning an id and timestamp when missing, and returns the
// stored entry. The oldest entry is overwritten once the ring is full.
func (h *History) Record(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	h.mu.Lock()
	h.buffer[h.index%int64(h.size)] = e
	h.index++
	h.mu.Unlock()
	return e
}

// Recent returns up to limit entries, newest first. A non-positive limit
// returns everything held.
func (h *History) Recent(limit int) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := int(min(h.index, int64(h.size)))
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	for i := h.index - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.buffer[i%int64(h.size)])
	}
	return out
}

// Len is the number of entries currently held.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return int(min(h.index, int64(h.size)))
}
