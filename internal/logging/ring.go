package logging

import (
	"slices"
	"strings"
	"sync"
	"time"
)

const timeLayout = "2006-01-02 15:04:05"

// Entry is one log record as served by the admin log view. Attrs holds the
// record's attributes flattened to dotted keys, including the per-connection
// ones (trace_id, client, port, username).
type Entry struct {
	Time    string            `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// Filter selects entries for Query. Level "" or "ALL" matches every level.
// Search is a case-insensitive substring of the message, level or any
// attribute value. Attrs must all match exactly.
type Filter struct {
	Level  string
	Search string
	Attrs  map[string]string
	Start  int
	Limit  int
}

func (f Filter) match(e Entry) bool {
	if f.Level != "" && !strings.EqualFold(f.Level, "ALL") && !strings.EqualFold(f.Level, e.Level) {
		return false
	}
	for k, v := range f.Attrs {
		if e.Attrs[k] != v {
			return false
		}
	}
	if f.Search == "" {
		return true
	}
	needle := strings.ToLower(f.Search)
	if strings.Contains(strings.ToLower(e.Message), needle) || strings.Contains(strings.ToLower(e.Level), needle) {
		return true
	}
	for _, v := range e.Attrs {
		if strings.Contains(strings.ToLower(v), needle) {
			return true
		}
	}
	return false
}

// RingBuffer keeps the most recent entries in a fixed set of slots.
type RingBuffer struct {
	mu    sync.RWMutex
	slots []Entry
	next  int
	full  bool
}

func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 10000
	}
	return &RingBuffer{slots: make([]Entry, size)}
}

func (r *RingBuffer) add(ts time.Time, level, msg string, attrs map[string]string) {
	if ts.IsZero() {
		ts = time.Now()
	}
	e := Entry{
		Time:    ts.Format(timeLayout),
		Level:   level,
		Message: strings.TrimRight(msg, "\r\n"),
		Attrs:   attrs,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[r.next] = e
	r.next = (r.next + 1) % len(r.slots)
	if r.next == 0 {
		r.full = true
	}
}

// ordered returns the live entries oldest first. Callers hold r.mu.
func (r *RingBuffer) ordered() []Entry {
	if !r.full {
		return r.slots[:r.next]
	}
	return append(slices.Clone(r.slots[r.next:]), r.slots[:r.next]...)
}

func (r *RingBuffer) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.slots)
	}
	return r.next
}

func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.slots)
	r.next = 0
	r.full = false
}

// Query returns one page of matching entries, oldest first, and the number
// of matches overall.
func (r *RingBuffer) Query(f Filter) ([]Entry, int) {
	if f.Start < 0 {
		f.Start = 0
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}

	r.mu.RLock()
	var matched []Entry
	for _, e := range r.ordered() {
		if f.match(e) {
			matched = append(matched, e)
		}
	}
	r.mu.RUnlock()

	total := len(matched)
	if f.Start >= total {
		return []Entry{}, total
	}
	return matched[f.Start:min(f.Start+f.Limit, total)], total
}
