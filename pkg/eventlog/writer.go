// Package eventlog provides a durable, daily-rotated JSONL audit log of
// the lifecycle events a session's pkg/events.Bus publishes, per
// SPEC_FULL.md's ambient-stack eventlog component: an external
// subscriber, never invoked directly by ContextManager.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ctxcore/pkg/events"
)

// Record is the on-disk JSONL shape of one logged event.
type Record struct {
	Time      time.Time      `json:"time"`
	Kind      events.Kind    `json:"kind"`
	SessionID string         `json:"session_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Writer appends Records to a daily rotated JSONL file.
type Writer struct {
	logDir       string
	rotationHour int

	mu          sync.Mutex
	currentFile *os.File
	currentDate string
}

// NewWriter creates a writer rooted at logDir, rotating files daily.
func NewWriter(logDir string, rotationHours int) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create log directory: %w", err)
	}
	if rotationHours <= 0 {
		rotationHours = 24
	}
	w := &Writer{logDir: logDir, rotationHour: rotationHours}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("eventlog: initialize log file: %w", err)
	}
	return w, nil
}

// Subscribe registers the writer on bus so every published Event is
// appended to the log. The returned Handle's Close stops logging.
func (w *Writer) Subscribe(bus *events.Bus) *events.Handle {
	return bus.Subscribe(func(ev events.Event) {
		if err := w.write(ev); err != nil {
			fmt.Fprintf(os.Stderr, "eventlog: write failed: %v\n", err)
		}
	})
}

func (w *Writer) write(ev events.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("rotate: %w", err)
	}

	rec := Record{Time: time.Now(), Kind: ev.Kind, SessionID: ev.SessionID, Payload: ev.Payload}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if _, err := w.currentFile.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return w.currentFile.Sync()
}

func (w *Writer) rotateIfNeeded() error {
	newDate := time.Now().Format("2006-01-02")
	if w.currentFile == nil || w.currentDate != newDate {
		return w.rotate(newDate)
	}
	return nil
}

func (w *Writer) rotate(newDate string) error {
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("close current log file: %w", err)
		}
	}
	path := filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", newDate))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", path, err)
	}
	w.currentFile = file
	w.currentDate = newDate
	return nil
}

// Close closes the current log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return nil
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	if err != nil {
		return fmt.Errorf("eventlog: close log file: %w", err)
	}
	return nil
}

// CurrentLogFile returns the path of the currently active log file.
func (w *Writer) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", w.currentDate))
}

// ReadRecords reads and parses every Record from a log file.
func ReadRecords(logFilePath string) ([]Record, error) {
	f, err := os.Open(logFilePath)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open log file: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("eventlog: parse record: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: scan log file: %w", err)
	}
	return records, nil
}

// ListLogFiles returns all event log files under logDir.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("eventlog: list log files: %w", err)
	}
	return files, nil
}
