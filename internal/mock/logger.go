package mock

import (
	"strings"
	"sync"

	"funding_arb/internal/core"
)

// LogEntry is one captured log call.
type LogEntry struct {
	Level  string
	Msg    string
	Fields []interface{}
}

// Logger is a core.ILogger that records entries for assertions.
type Logger struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewLogger creates an empty capture logger.
func NewLogger() *Logger {
	return &Logger{}
}

func (l *Logger) record(level, msg string, fields []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LogEntry{Level: level, Msg: msg, Fields: fields})
}

func (l *Logger) Debug(msg string, fields ...interface{}) { l.record("DEBUG", msg, fields) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.record("INFO", msg, fields) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.record("WARN", msg, fields) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.record("ERROR", msg, fields) }
func (l *Logger) Fatal(msg string, fields ...interface{}) { l.record("FATAL", msg, fields) }

func (l *Logger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *Logger) WithFields(fields map[string]interface{}) core.ILogger { return l }

// Entries returns a copy of everything logged so far.
func (l *Logger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Contains reports whether any entry's message contains substr.
func (l *Logger) Contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if strings.Contains(e.Msg, substr) {
			return true
		}
	}
	return false
}
