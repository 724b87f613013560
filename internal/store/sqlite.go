package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite database shared by the settings, region and history
// tables.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("store closed")
	}
	return s.db.PingContext(ctx)
}

// Get returns the setting stored under key, or nil if there is none.
func (s *Store) Get(key string) (*string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get setting %s: %w", key, err)
	}
	return &value, nil
}

// Set stores value under key. A nil value deletes the key.
func (s *Store) Set(key string, value *string) error {
	if value == nil {
		if _, err := s.db.Exec("DELETE FROM settings WHERE key = ?", key); err != nil {
			return fmt.Errorf("delete setting %s: %w", key, err)
		}
		return nil
	}

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_ns) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_ns = excluded.updated_ns`,
		key, *value, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// UpsertRegion inserts r, replacing any region with the same ID.
func (s *Store) UpsertRegion(r RegionRecord) error {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO regions (id, latitude, longitude, radius_m, notify_entry, notify_exit, created_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			radius_m = excluded.radius_m,
			notify_entry = excluded.notify_entry,
			notify_exit = excluded.notify_exit,
			created_ns = excluded.created_ns`,
		r.ID, r.Latitude, r.Longitude, r.Radius, r.NotifyOnEntry, r.NotifyOnExit, created.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert region %s: %w", r.ID, err)
	}
	return nil
}

// DeleteRegion removes the region with the given ID. Deleting a missing
// region is not an error.
func (s *Store) DeleteRegion(id string) error {
	if _, err := s.db.Exec("DELETE FROM regions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete region %s: %w", id, err)
	}
	return nil
}

// ListRegions returns all persisted regions ordered by ID.
func (s *Store) ListRegions() ([]RegionRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, latitude, longitude, radius_m, notify_entry, notify_exit, created_ns
		FROM regions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query regions: %w", err)
	}
	defer rows.Close()

	var regions []RegionRecord
	for rows.Next() {
		var (
			r         RegionRecord
			createdNs int64
		)
		if err := rows.Scan(&r.ID, &r.Latitude, &r.Longitude, &r.Radius, &r.NotifyOnEntry, &r.NotifyOnExit, &createdNs); err != nil {
			return nil, fmt.Errorf("scan region: %w", err)
		}
		r.CreatedAt = time.Unix(0, createdNs)
		regions = append(regions, r)
	}
	return regions, rows.Err()
}

// AppendTransition records a history entry and returns its ID.
func (s *Store) AppendTransition(t Transition) (int64, error) {
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	result, err := s.db.Exec(
		"INSERT INTO transitions (at_ns, kind, value, detail) VALUES (?, ?, ?, ?)",
		at.UnixNano(), string(t.Kind), t.Value, t.Detail,
	)
	if err != nil {
		return 0, fmt.Errorf("insert transition: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// ListTransitions returns up to limit entries, newest first. A non-positive
// limit returns everything.
func (s *Store) ListTransitions(limit int) ([]Transition, error) {
	query := "SELECT id, at_ns, kind, value, COALESCE(detail, '') FROM transitions ORDER BY at_ns DESC, id DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t    Transition
			atNs int64
			kind string
		)
		if err := rows.Scan(&t.ID, &atNs, &kind, &t.Value, &t.Detail); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.At = time.Unix(0, atNs)
		t.Kind = TransitionKind(kind)
		out = append(out, t)
	}
	return out, rows.Err()
}

// PruneTransitions deletes entries older than cutoff and returns how many
// were removed.
func (s *Store) PruneTransitions(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec("DELETE FROM transitions WHERE at_ns < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune transitions: %w", err)
	}
	return result.RowsAffected()
}
