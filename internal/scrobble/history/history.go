// Package history keeps a SQLite journal of scrobbles that left a queue.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tunez/scrobbler/internal/logging"
	"github.com/tunez/scrobbler/internal/scrobble"
	_ "modernc.org/sqlite"
)

// Store records resolved scrobbles. It implements engine.Journal.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Entry is one journaled scrobble.
type Entry struct {
	Service    string
	Outcome    scrobble.Outcome
	Record     scrobble.Record
	ResolvedAt time.Time
}

// Open opens or creates the journal at dbPath. If dbPath is empty, uses the
// default location in the state directory.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		var err error
		dbPath, err = DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("resolve history db path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// Workers of several services write concurrently.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: time.Now}
	if err := store.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// DefaultPath is history.db in the state directory.
func DefaultPath() (string, error) {
	dir, err := logging.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.db"), nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS scrobbles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			service TEXT NOT NULL,
			outcome TEXT NOT NULL,
			title TEXT NOT NULL,
			artists TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			resolved_at INTEGER NOT NULL,
			record_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS scrobbles_resolved ON scrobbles (resolved_at);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate history schema: %w", err)
		}
	}
	return nil
}

// Record stores one resolved scrobble.
func (s *Store) Record(ctx context.Context, service string, rec scrobble.Record, outcome scrobble.Outcome) error {
	line, err := scrobble.Encode(rec)
	if err != nil {
		return err
	}
	artists := strings.Join(rec.Track.Artists, ", ")
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scrobbles (service, outcome, title, artists, started_at, resolved_at, record_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		service, outcome.String(), rec.Track.Title, artists,
		rec.StartTime.Unix(), s.now().UnixMilli(), string(line))
	if err != nil {
		return fmt.Errorf("insert scrobble: %w", err)
	}
	return nil
}

func parseOutcome(s string) scrobble.Outcome {
	switch s {
	case "accepted":
		return scrobble.OutcomeAccepted
	case "rejected":
		return scrobble.OutcomeRejected
	default:
		return scrobble.OutcomeRetry
	}
}

// Recent returns up to limit entries, newest first. An empty service
// matches every service.
func (s *Store) Recent(ctx context.Context, service string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT service, outcome, resolved_at, record_json FROM scrobbles
		 WHERE (? = '' OR service = ?)
		 ORDER BY resolved_at DESC, id DESC LIMIT ?`,
		service, service, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			outcome    string
			resolvedAt int64
			recordJSON string
		)
		if err := rows.Scan(&e.Service, &outcome, &resolvedAt, &recordJSON); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		rec, err := scrobble.Parse([]byte(recordJSON))
		if err != nil {
			// Skip corrupted entries
			continue
		}
		e.Outcome = parseOutcome(outcome)
		e.Record = rec
		e.ResolvedAt = time.UnixMilli(resolvedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// Counts returns the number of journaled scrobbles per service and outcome.
func (s *Store) Counts(ctx context.Context) (map[string]map[scrobble.Outcome]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT service, outcome, COUNT(*) FROM scrobbles GROUP BY service, outcome`)
	if err != nil {
		return nil, fmt.Errorf("count history: %w", err)
	}
	defer rows.Close()

	counts := map[string]map[scrobble.Outcome]int{}
	for rows.Next() {
		var service, outcome string
		var n int
		if err := rows.Scan(&service, &outcome, &n); err != nil {
			return nil, fmt.Errorf("scan counts: %w", err)
		}
		if counts[service] == nil {
			counts[service] = map[scrobble.Outcome]int{}
		}
		counts[service][parseOutcome(outcome)] = n
	}
	return counts, rows.Err()
}

// Prune removes entries resolved before cutoff and returns how many.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scrobbles WHERE resolved_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
