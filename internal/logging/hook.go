// Package logging provides the engine's error-capturing logrus hook: a
// single slot that remembers the most recent error-level entry for the
// diagnostic snapshot's {message, detail} status surface (spec.md §6).
// Grounded on the teacher's internal/logging/hook.go Fire-on-every-entry
// shape, trimmed to the one sink the spec calls for — the teacher's
// syslog/HTTP/sqlite-backed multi-target Output store has no home here.
package logging

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LastError is the most recent error/fatal/panic-level log entry captured
// by an ErrorHook.
type LastError struct {
	Timestamp time.Time
	Message   string
	Fields    map[string]interface{}
}

// ErrorHook is a logrus hook that remembers the last error-level entry
// fired on its logger, for the diagnostic snapshot's lastError field.
type ErrorHook struct {
	mu   sync.RWMutex
	last *LastError
}

// NewErrorHook returns an empty ErrorHook. Attach it with logger.AddHook.
func NewErrorHook() *ErrorHook {
	return &ErrorHook{}
}

// Levels restricts Fire to error-and-above, the only entries the
// diagnostic snapshot surfaces.
func (h *ErrorHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel}
}

// Fire records entry as the last error.
func (h *ErrorHook) Fire(entry *logrus.Entry) error {
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		fields[k] = v
	}
	h.mu.Lock()
	h.last = &LastError{Timestamp: entry.Time, Message: entry.Message, Fields: fields}
	h.mu.Unlock()
	return nil
}

// Last returns the most recently captured error, or nil if none has fired.
func (h *ErrorHook) Last() *LastError {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

// Clear discards the captured error, used after a condition is resolved.
func (h *ErrorHook) Clear() {
	h.mu.Lock()
	h.last = nil
	h.mu.Unlock()
}
