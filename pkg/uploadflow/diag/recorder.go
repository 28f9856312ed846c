// Package diag provides an opt-in, bounded ring buffer of upload attempts
// and orchestration trace steps, kept for support debugging. The recorder is
// inert unless explicitly enabled so that file metadata and request internals
// never accumulate during normal operation.
package diag

import (
	"sync"
	"time"
)

// Entry kinds.
const (
	KindTrace   = "trace"
	KindAttempt = "attempt"
	KindVariant = "variant"
)

// Entry is one recorded upload attempt or trace step.
type Entry struct {
	Time         time.Time `json:"time"`
	Kind         string    `json:"kind"`
	Stage        string    `json:"stage,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	FileName     string    `json:"file_name,omitempty"`
	SizeBytes    int64     `json:"size_bytes,omitempty"`
	Path         string    `json:"path,omitempty"`
	AuthAttached bool      `json:"auth_attached,omitempty"`
	Status       int       `json:"status,omitempty"`
	Snippet      string    `json:"snippet,omitempty"`
	Code         string    `json:"code,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	Probe        string    `json:"probe,omitempty"`
	NonFatal     bool      `json:"non_fatal,omitempty"`
}

// DefaultCapacity bounds the ring when no explicit capacity is given.
const DefaultCapacity = 48

// Recorder is a fixed-capacity ring buffer of entries. The zero value is a
// disabled recorder; use NewRecorder to opt in.
type Recorder struct {
	mu      sync.Mutex
	enabled bool
	cap     int
	entries []Entry
}

// NewRecorder returns a recorder with the default capacity. Pass enabled
// false to get the inert recorder used in normal operation.
func NewRecorder(enabled bool) *Recorder {
	return NewRecorderWithCapacity(enabled, DefaultCapacity)
}

// NewRecorderWithCapacity returns a recorder bounded to capacity entries.
func NewRecorderWithCapacity(enabled bool, capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{enabled: enabled, cap: capacity}
}

// Enabled reports whether the recorder accepts entries.
func (r *Recorder) Enabled() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Append records an entry, evicting the oldest once the ring is full.
// It is a no-op while the recorder is disabled.
func (r *Recorder) Append(e Entry) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.entries = append(r.entries, e)
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
}

// Entries returns a snapshot of the recorded entries, oldest first.
func (r *Recorder) Entries() []Entry {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Clear drops all recorded entries.
func (r *Recorder) Clear() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}
