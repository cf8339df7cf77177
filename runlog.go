package pipeline

import (
	"sync"
	"time"
)

// LogCapacity is the number of entries kept by a RunLog.
const LogCapacity = 100

// LogType classifies an execution log entry.
type LogType string

const (
	LogInfo    LogType = "info"
	LogSuccess LogType = "success"
	LogError   LogType = "error"
)

// LogEntry is one line of the execution log shown to the user.
type LogEntry struct {
	Type    LogType   `json:"type"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// RunLog is an append-only, capacity-bounded log. Once full, each append
// drops the oldest entry.
type RunLog struct {
	mu      sync.Mutex
	entries []LogEntry
	cap     int
	now     func() time.Time
}

// NewRunLog returns an empty log holding at most capacity entries.
func NewRunLog(capacity int) *RunLog {
	if capacity <= 0 {
		capacity = LogCapacity
	}
	return &RunLog{cap: capacity, now: time.Now}
}

// Append adds an entry stamped with the current time.
func (l *RunLog) Append(t LogType, msg string) LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := LogEntry{Type: t, Message: msg, Time: l.now()}
	l.entries = append(l.entries, e)
	if over := len(l.entries) - l.cap; over > 0 {
		l.entries = append(l.entries[:0], l.entries[over:]...)
	}
	return e
}

// Entries returns a copy of the log, oldest first.
func (l *RunLog) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries held.
func (l *RunLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear empties the log.
func (l *RunLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}
