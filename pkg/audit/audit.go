// Package audit appends control plane outcomes to an ndjson trail.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sarveshkapre/clone/pkg/timeutil"
)

// FileName is the audit trail file inside the logs directory.
const FileName = "control-plane-audit.ndjson"

// Recorder accepts audit entries. Implementations must be safe for
// concurrent use and must not block on slow sinks.
type Recorder interface {
	Record(kind string, payload interface{})
}

// Entry is one line of the trail.
type Entry struct {
	ID      string      `json:"id"`
	TS      string      `json:"ts"`
	Kind    string      `json:"kind"`
	Payload interface{} `json:"payload"`
}

// Log is an append-only ndjson file.
type Log struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	now  func() time.Time
}

// Open opens (creating if needed) the trail at path for appending.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %q: %w", path, err)
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return &Log{file: f, enc: enc, now: time.Now}, nil
}

// Write appends one entry.
func (l *Log) Write(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(e); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// Record stamps and appends an entry, dropping write errors.
func (l *Log) Record(kind string, payload interface{}) {
	_ = l.Write(Entry{
		ID:      uuid.NewString(),
		TS:      timeutil.FormatISO(l.now()),
		Kind:    kind,
		Payload: payload,
	})
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log: %w", err)
	}
	return nil
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(string, interface{}) {}

// Memory keeps entries in memory; used by tests and the TUI preview.
type Memory struct {
	mu      sync.Mutex
	Entries []Entry
}

func (m *Memory) Record(kind string, payload interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Entries = append(m.Entries, Entry{ID: uuid.NewString(), Kind: kind, Payload: payload})
}

// Kinds returns the recorded entry kinds in order.
func (m *Memory) Kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		out[i] = e.Kind
	}
	return out
}
