// Package testlog records structured pslog output so tests can assert on
// emitted events.
package testlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
)

// Entry is one parsed log line.
type Entry struct {
	Timestamp time.Time
	Level     string
	Message   string
	Fields    map[string]any
	Raw       string
}

// Recorder collects structured log entries emitted through the returned logger.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder returns a logger that records every structured log line and
// mirrors it to t when t is non-nil. Safe for concurrent use.
func NewRecorder(t testing.TB, level pslog.Level) (pslog.Logger, *Recorder) {
	rec := &Recorder{}
	logger := pslog.NewStructured(context.Background(), &recordingWriter{t: t, recorder: rec})
	if level != pslog.NoLevel {
		logger = logger.LogLevel(level)
	}
	return logger, rec
}

// Events returns a copy of all recorded entries.
func (r *Recorder) Events() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// First returns the first entry that matches pred.
func (r *Recorder) First(pred func(Entry) bool) (Entry, bool) {
	for _, entry := range r.Events() {
		if pred(entry) {
			return entry, true
		}
	}
	return Entry{}, false
}

// Find returns the first entry with the given message.
func (r *Recorder) Find(msg string) (Entry, bool) {
	return r.First(func(e Entry) bool { return e.Message == msg })
}

// Count returns how many entries carry msg.
func (r *Recorder) Count(msg string) int {
	n := 0
	for _, entry := range r.Events() {
		if entry.Message == msg {
			n++
		}
	}
	return n
}

// Summary returns a human-readable view of the most recent entries.
func (r *Recorder) Summary() string {
	entries := r.Events()
	if len(entries) == 0 {
		return "<no log entries recorded>"
	}
	const max = 15
	start := 0
	if len(entries) > max {
		start = len(entries) - max
	}
	var b strings.Builder
	fmt.Fprintf(&b, "last %d/%d log entries:\n", len(entries)-start, len(entries))
	for _, entry := range entries[start:] {
		fmt.Fprintf(&b, "[%s] %s %v\n", entry.Level, entry.Message, entry.Fields)
	}
	return b.String()
}

func (r *Recorder) add(entry Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
}

type recordingWriter struct {
	t        testing.TB
	recorder *Recorder
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	for line := range bytes.SplitSeq(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.recorder.add(parseLogEntry(line))
		if w.t != nil {
			w.t.Helper()
			w.t.Log(string(line))
		}
	}
	return len(p), nil
}

func parseLogEntry(line []byte) Entry {
	var payload map[string]any
	if err := json.Unmarshal(line, &payload); err != nil {
		return Entry{
			Timestamp: time.Now(),
			Level:     "unknown",
			Message:   "unparsed",
			Fields:    map[string]any{"error": err.Error()},
			Raw:       string(line),
		}
	}
	tsStr, _ := payload["ts"].(string)
	lvl, _ := payload["lvl"].(string)
	msg, _ := payload["msg"].(string)
	timestamp, err := time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		timestamp = time.Now()
	}
	fields := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "ts" || k == "lvl" || k == "msg" {
			continue
		}
		fields[k] = v
	}
	return Entry{
		Timestamp: timestamp,
		Level:     lvl,
		Message:   msg,
		Fields:    fields,
		Raw:       string(line),
	}
}

// StringField returns the string value for key if present.
func StringField(entry Entry, key string) string {
	if value, ok := entry.Fields[key]; ok {
		if str, ok := value.(string); ok {
			return str
		}
	}
	return ""
}
