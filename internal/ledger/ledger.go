// Package ledger indexes written run manifests in SQLite so they can be
// queried by session id, date range, or failure flag without scanning the
// runs directory tree, recovering the discoverability the original's flat
// runs/ layout gave for free. Grounded on the teacher's
// internal/checkpoint/store.go: a Store wrapping an already-open *sql.DB,
// migrating its own schema, with driver selection left to the caller.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jtholman/voxcore/internal/events"
	"github.com/jtholman/voxcore/internal/manifest"
)

// Record is one indexed manifest: the manifest fields a caller is likely
// to filter or sort on, plus the path to the full manifest.json.
type Record struct {
	SessionID   string
	StartedAtMS int64
	EndedAtMS   int64
	Failed      bool
	LLMBackend  string
	Path        string
	IndexedAt   time.Time
}

// Store persists Records in a manifests table.
type Store struct {
	db *sql.DB
}

// New wraps an already-open database handle, creating the manifests table
// and its indexes if they don't exist.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS manifests (
			session_id    TEXT PRIMARY KEY,
			started_at_ms INTEGER NOT NULL,
			ended_at_ms   INTEGER NOT NULL,
			failed        INTEGER NOT NULL,
			llm_backend   TEXT NOT NULL,
			path          TEXT NOT NULL,
			indexed_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_manifests_started ON manifests(started_at_ms);
		CREATE INDEX IF NOT EXISTS idx_manifests_failed ON manifests(failed);
	`)
	return err
}

// Record indexes a manifest that has already been written to path. Calling
// it twice for the same session id overwrites the earlier row.
func (s *Store) Record(m manifest.Manifest, path string) error {
	_, err := s.db.Exec(`
		INSERT INTO manifests (session_id, started_at_ms, ended_at_ms, failed, llm_backend, path, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			started_at_ms = excluded.started_at_ms,
			ended_at_ms   = excluded.ended_at_ms,
			failed        = excluded.failed,
			llm_backend   = excluded.llm_backend,
			path          = excluded.path,
			indexed_at    = excluded.indexed_at
	`, m.SessionID, m.StartedAtMS, m.EndedAtMS, m.Failed, m.Profiles.LLMBackend, path, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("ledger: insert %s: %w", m.SessionID, err)
	}
	return nil
}

// BySession returns the indexed record for a session id, or nil if none.
func (s *Store) BySession(sessionID string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT session_id, started_at_ms, ended_at_ms, failed, llm_backend, path, indexed_at
		FROM manifests WHERE session_id = ?
	`, sessionID)
	rec, err := scan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// DateRange returns records whose started_at_ms falls within [from, to],
// newest first.
func (s *Store) DateRange(from, to time.Time) ([]*Record, error) {
	rows, err := s.db.Query(`
		SELECT session_id, started_at_ms, ended_at_ms, failed, llm_backend, path, indexed_at
		FROM manifests
		WHERE started_at_ms >= ? AND started_at_ms <= ?
		ORDER BY started_at_ms DESC
	`, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("ledger: query date range: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// Failed returns every record with failed = true, newest first.
func (s *Store) Failed() ([]*Record, error) {
	rows, err := s.db.Query(`
		SELECT session_id, started_at_ms, ended_at_ms, failed, llm_backend, path, indexed_at
		FROM manifests
		WHERE failed = 1
		ORDER BY started_at_ms DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("ledger: query failed: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*Record, error) {
	var rec Record
	var indexedAt string
	if err := row.Scan(&rec.SessionID, &rec.StartedAtMS, &rec.EndedAtMS, &rec.Failed, &rec.LLMBackend, &rec.Path, &indexedAt); err != nil {
		return nil, err
	}
	rec.IndexedAt, _ = time.Parse(time.RFC3339, indexedAt)
	return &rec, nil
}

func scanAll(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Watcher subscribes to the event bus and indexes every run_manifest_written
// event as it's emitted, so the ledger stays current without the
// orchestrator needing to know the ledger exists.
type Watcher struct {
	store  *Store
	bus    *events.Bus
	logger *slog.Logger
}

// NewWatcher returns a Watcher that will index manifests published on bus
// into store once Run is called.
func NewWatcher(store *Store, bus *events.Bus, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{store: store, bus: bus, logger: logger.With("component", "ledger")}
}

// Run consumes envelopes from a fresh subscription until ch is closed
// (Unsubscribe) or done is closed, indexing each run_manifest_written it
// sees. Intended to run in its own goroutine for the lifetime of the
// process.
func (w *Watcher) Run(done <-chan struct{}) {
	ch := w.bus.Subscribe()
	defer w.bus.Unsubscribe(ch)
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return
			}
			if env.Type != "run_manifest_written" {
				continue
			}
			w.index(env)
		case <-done:
			return
		}
	}
}

func (w *Watcher) index(env events.Envelope) {
	path, _ := env.Payload["path"].(string)
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Error("read manifest for indexing", "path", path, "error", err)
		return
	}
	var m manifest.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		w.logger.Error("unmarshal manifest for indexing", "path", path, "error", err)
		return
	}
	if err := w.store.Record(m, path); err != nil {
		w.logger.Error("index manifest", "session_id", m.SessionID, "error", err)
	}
}
