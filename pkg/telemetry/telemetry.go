// Package telemetry is a SQLite-backed recorder of a session's lifecycle
// events, subscribed to pkg/events.Bus as an external collaborator —
// per spec section 4.8's "observable side effects: disk writes via
// SnapshotStore only" constraint on the core itself, ContextManager
// never calls into this package directly.
//
// Grounded on pkg/persistence/db.go: the singleton sync.Once-guarded
// *sql.DB, WAL-mode connection string, and single-writer pool sizing are
// kept; the schema and recorded rows are new (event history instead of
// story/plan records).
package telemetry

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"ctxcore/pkg/events"
	"ctxcore/pkg/logx"
)

var (
	globalDB     *sql.DB
	globalDBOnce sync.Once
	globalDBMu   sync.RWMutex
	dbLogger     *logx.Logger
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at TIMESTAMP NOT NULL,
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
`

// Initialize opens and schema-migrates the singleton database at dbPath.
// Safe to call more than once; only the first call takes effect.
func Initialize(dbPath string) error {
	var initErr error
	globalDBOnce.Do(func() {
		dbLogger = logx.NewLogger("telemetry")

		db, err := sql.Open("sqlite", fmt.Sprintf(
			"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", dbPath))
		if err != nil {
			initErr = fmt.Errorf("telemetry: open database: %w", err)
			return
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			initErr = fmt.Errorf("telemetry: ping database: %w", err)
			return
		}
		if _, err := db.Exec(schema); err != nil {
			_ = db.Close()
			initErr = fmt.Errorf("telemetry: create schema: %w", err)
			return
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		globalDB = db
		dbLogger.Info("telemetry: database initialized at %s", dbPath)
	})
	return initErr
}

// GetDB returns the singleton database connection. Panics if Initialize
// has not been called, matching the teacher's fail-fast singleton
// contract.
func GetDB() *sql.DB {
	globalDBMu.RLock()
	defer globalDBMu.RUnlock()
	if globalDB == nil {
		panic("telemetry.Initialize must be called before GetDB")
	}
	return globalDB
}

// IsInitialized reports whether Initialize has succeeded.
func IsInitialized() bool {
	globalDBMu.RLock()
	defer globalDBMu.RUnlock()
	return globalDB != nil
}

// Close closes the database connection. Call during shutdown.
func Close() error {
	globalDBMu.Lock()
	defer globalDBMu.Unlock()
	if globalDB != nil {
		err := globalDB.Close()
		globalDB = nil
		if err != nil {
			return fmt.Errorf("telemetry: close database: %w", err)
		}
	}
	return nil
}

// Reset closes the database and resets the singleton, for test isolation.
func Reset() error {
	globalDBMu.Lock()
	defer globalDBMu.Unlock()
	if globalDB != nil {
		if err := globalDB.Close(); err != nil {
			return fmt.Errorf("telemetry: close database during reset: %w", err)
		}
		globalDB = nil
	}
	globalDBOnce = sync.Once{}
	dbLogger = nil
	return nil
}

// Recorder inserts one row per published event into the events table.
type Recorder struct{}

// NewRecorder constructs a Recorder against the singleton database.
// Initialize must already have succeeded.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Subscribe registers the recorder on bus. The returned Handle's Close
// stops recording.
func (r *Recorder) Subscribe(bus *events.Bus) *events.Handle {
	return bus.Subscribe(func(ev events.Event) {
		if err := r.record(ev); err != nil {
			logx.Warnf("telemetry: record event failed: %v", err)
		}
	})
}

func (r *Recorder) record(ev events.Event) error {
	payload := ""
	if ev.Payload != nil {
		payload = fmt.Sprintf("%v", ev.Payload)
	}
	_, err := GetDB().Exec(
		`INSERT INTO events (recorded_at, session_id, kind, payload) VALUES (?, ?, ?, ?)`,
		time.Now(), ev.SessionID, string(ev.Kind), payload,
	)
	return err
}

// SessionEventCounts returns a count of recorded events per kind for a
// session, useful for a CLI or UI history view.
func SessionEventCounts(sessionID string) (map[string]int, error) {
	rows, err := GetDB().Query(
		`SELECT kind, COUNT(*) FROM events WHERE session_id = ? GROUP BY kind`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("telemetry: query event counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("telemetry: scan event count: %w", err)
		}
		counts[kind] = count
	}
	return counts, rows.Err()
}
