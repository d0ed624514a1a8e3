package observability

import "sync"

// Entry is a captured log record.
type Entry struct {
	Level   string
	Message string
	Fields  []Field
}

// Recorder is an in-memory Logger used by tests and diagnostics.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder constructs an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Debug(msg string, fields ...Field) { r.record("debug", msg, fields) }
func (r *Recorder) Info(msg string, fields ...Field)  { r.record("info", msg, fields) }
func (r *Recorder) Warn(msg string, fields ...Field)  { r.record("warn", msg, fields) }
func (r *Recorder) Error(msg string, fields ...Field) { r.record("error", msg, fields) }

func (r *Recorder) record(level, msg string, fields []Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := append([]Field(nil), fields...)
	r.entries = append(r.entries, Entry{Level: level, Message: msg, Fields: copied})
}

// Entries returns a copy of captured records.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Count returns how many records were captured at level.
func (r *Recorder) Count(level string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, entry := range r.entries {
		if entry.Level == level {
			n++
		}
	}
	return n
}

// Has reports whether a record with the given level and message exists.
func (r *Recorder) Has(level, msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		if entry.Level == level && entry.Message == msg {
			return true
		}
	}
	return false
}
