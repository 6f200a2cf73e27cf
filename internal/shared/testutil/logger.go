// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// LogRecord is one captured record with its attributes flattened.
// Group names are dropped.
type LogRecord struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// BufferedSlogHandler keeps every record it handles and mirrors it to the
// test log. Handlers derived with WithAttrs append to the same buffer.
type BufferedSlogHandler struct {
	mu      *sync.Mutex
	records *[]LogRecord
	preset  []slog.Attr
	tb      testing.TB
}

// NewTestLogger returns a logger that records into the returned handler
func NewTestLogger(tb testing.TB) (*slog.Logger, *BufferedSlogHandler) {
	h := &BufferedSlogHandler{mu: &sync.Mutex{}, records: &[]LogRecord{}, tb: tb}
	return slog.New(h), h
}

func (h *BufferedSlogHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *BufferedSlogHandler) Handle(_ context.Context, r slog.Record) error {
	rec := LogRecord{Time: r.Time, Level: r.Level, Message: r.Message, Attrs: map[string]any{}}
	for _, a := range h.preset {
		rec.Attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.Attrs[a.Key] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()

	if h.tb != nil {
		h.tb.Logf("%s %s %v", r.Level, r.Message, rec.Attrs)
	}
	return nil
}

func (h *BufferedSlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	derived := *h
	derived.preset = append(append([]slog.Attr(nil), h.preset...), attrs...)
	return &derived
}

func (h *BufferedSlogHandler) WithGroup(string) slog.Handler { return h }

// GetRecordsByLevel returns the records logged at exactly level
func (h *BufferedSlogHandler) GetRecordsByLevel(level slog.Level) []LogRecord {
	return h.filter(func(r LogRecord) bool { return r.Level == level })
}

// ContainsMessage reports whether any record message contains message
func (h *BufferedSlogHandler) ContainsMessage(message string) bool {
	return len(h.filter(func(r LogRecord) bool { return strings.Contains(r.Message, message) })) > 0
}

// Count returns the number of records captured so far
func (h *BufferedSlogHandler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(*h.records)
}

func (h *BufferedSlogHandler) filter(keep func(LogRecord) bool) []LogRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []LogRecord
	for _, r := range *h.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// AssertLogContains fails tb unless a record at level contains message
func AssertLogContains(tb testing.TB, h *BufferedSlogHandler, level slog.Level, message string) {
	tb.Helper()
	at := h.GetRecordsByLevel(level)
	for _, r := range at {
		if strings.Contains(r.Message, message) {
			return
		}
	}
	msgs := make([]string, len(at))
	for i, r := range at {
		msgs[i] = r.Message
	}
	tb.Errorf("no %s record containing %q, have %q", level, message, msgs)
}

// AssertNoErrors fails tb for every error level record
func AssertNoErrors(tb testing.TB, h *BufferedSlogHandler) {
	tb.Helper()
	for _, r := range h.GetRecordsByLevel(slog.LevelError) {
		tb.Errorf("unexpected error log %q %v", r.Message, r.Attrs)
	}
}
