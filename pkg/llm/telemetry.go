package llm

import (
	"sync"
	"time"
)

// RetryRecord is one retry attempt outcome, kept for the debug endpoint.
type RetryRecord struct {
	Operation string    `json:"operation"`
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error,omitempty"`
	Retryable bool      `json:"retryable"`
	Succeeded bool      `json:"succeeded"`
	Timestamp time.Time `json:"timestamp"`
}

// RetryLog is a bounded in-memory ring of retry records. Oldest records
// are overwritten once the bound is reached. Safe for concurrent use.
type RetryLog struct {
	mu      sync.Mutex
	records []RetryRecord
	next    int
	full    bool
}

const retryLogSize = 512

// sharedRetryLog is the process-wide log surfaced by the debug API.
var sharedRetryLog = NewRetryLog(retryLogSize)

// SharedRetryLog returns the process-wide retry log.
func SharedRetryLog() *RetryLog { return sharedRetryLog }

// NewRetryLog creates a log holding up to size records.
func NewRetryLog(size int) *RetryLog {
	if size < 1 {
		size = 1
	}
	return &RetryLog{records: make([]RetryRecord, size)}
}

// Record appends a retry record, evicting the oldest when full.
func (l *RetryLog) Record(r RetryRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[l.next] = r
	l.next = (l.next + 1) % len(l.records)
	if l.next == 0 {
		l.full = true
	}
}

// Snapshot returns the retained records oldest-first.
func (l *RetryLog) Snapshot() []RetryRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]RetryRecord, l.next)
		copy(out, l.records[:l.next])
		return out
	}
	out := make([]RetryRecord, 0, len(l.records))
	out = append(out, l.records[l.next:]...)
	out = append(out, l.records[:l.next]...)
	return out
}
