// Package journal records every forwarded request to an append-only file.
//
// Each entry is one JSON line written with a single Write call under a
// mutex, so concurrent requests never interleave partial lines.
package journal

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"ollama-tunnel-proxy/internal/config"
)

// Entry is one journal line.
type Entry struct {
	Seq       uint64          `json:"seq"`
	Time      time.Time       `json:"time"`
	RequestID string          `json:"request_id,omitempty"`
	Method    string          `json:"method"`
	Path      string          `json:"path"`
	Payload   json.RawMessage `json:"payload"`
}

// Recorder appends entries to a durable sink.
type Recorder interface {
	Record(e Entry) error
}

// Journal is a Recorder backed by an io.WriteCloser.
type Journal struct {
	mu  sync.Mutex
	w   io.WriteCloser
	now func() time.Time
}

// New wraps w. The journal takes ownership of w and closes it on Close.
func New(w io.WriteCloser) *Journal {
	return &Journal{w: w, now: time.Now}
}

// Open opens the journal file named in cfg for appending, creating it and
// its parent directory if needed. With max_size_mb > 0 the file is rotated
// by size and every rotated backup is kept.
func Open(cfg *config.Config) (*Journal, error) {
	path := cfg.RequestLog.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("journal: create dir %s: %w", dir, err)
		}
	}

	if cfg.RequestLog.MaxSizeMB > 0 {
		return New(&lumberjack.Logger{
			Filename:  path,
			MaxSize:   cfg.RequestLog.MaxSizeMB,
			LocalTime: true,
		}), nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return New(f), nil
}

// Record appends e as a single line. A zero Time is filled in with the
// current time; an empty Payload is recorded as JSON null.
func (j *Journal) Record(e Entry) error {
	if e.Time.IsZero() {
		e.Time = j.now()
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("null")
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: encode entry %d: %w", e.Seq, err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.w.Write(line); err != nil {
		return fmt.Errorf("journal: write entry %d: %w", e.Seq, err)
	}
	return nil
}

// Close closes the underlying writer.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.w.Close()
}
