// Package store persists backups and iteration records in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the wardend store. The current_slot table holds at most
// one row, enforcing the single-pending-iteration invariant at the
// storage layer too.
const schema = `
CREATE TABLE IF NOT EXISTS backups (
    id              INTEGER PRIMARY KEY,
    target          TEXT NOT NULL,
    content         BLOB NOT NULL,
    content_hash    TEXT NOT NULL,
    size            INTEGER NOT NULL,
    created_ns      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_backups_target ON backups(target, id);

CREATE TABLE IF NOT EXISTS iterations (
    id          TEXT PRIMARY KEY,
    target      TEXT NOT NULL,
    status      TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    shadow_path TEXT NOT NULL DEFAULT '',
    staged_hash TEXT NOT NULL DEFAULT '',
    diff_json   TEXT NOT NULL DEFAULT '',
    verify_json TEXT NOT NULL DEFAULT '',
    created_ns  INTEGER NOT NULL,
    decided_ns  INTEGER NOT NULL DEFAULT 0,
    decided_by  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_iterations_status ON iterations(status, created_ns);

CREATE TABLE IF NOT EXISTS current_slot (
    slot            INTEGER PRIMARY KEY CHECK (slot = 1),
    iteration_id    TEXT NOT NULL REFERENCES iterations(id)
);
`

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
// busyTimeoutMs bounds how long writers wait on a locked database.
func Open(path string, busyTimeoutMs int) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	if busyTimeoutMs <= 0 {
		busyTimeoutMs = 5000
	}
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
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

// InsertBackup stores a backup record. The caller assigns the ID.
func (s *Store) InsertBackup(b *Backup) error {
	_, err := s.db.Exec(`
		INSERT INTO backups (id, target, content, content_hash, size, created_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.Target, b.Content, b.ContentHash, b.Size, b.CreatedNs,
	)
	if err != nil {
		return fmt.Errorf("insert backup: %w", err)
	}
	return nil
}

// GetBackup retrieves a backup by ID. Returns (nil, nil) when absent.
func (s *Store) GetBackup(id int64) (*Backup, error) {
	var b Backup
	err := s.db.QueryRow(`
		SELECT id, target, content, content_hash, size, created_ns
		FROM backups WHERE id = ?`, id,
	).Scan(&b.ID, &b.Target, &b.Content, &b.ContentHash, &b.Size, &b.CreatedNs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get backup: %w", err)
	}
	return &b, nil
}

// ListBackups returns backup metadata newest-first, content omitted.
// An empty target lists backups for every file. limit <= 0 means no
// limit.
func (s *Store) ListBackups(target string, limit int) ([]Backup, error) {
	query := `
		SELECT id, target, content_hash, size, created_ns
		FROM backups`
	args := []any{}
	if target != "" {
		query += ` WHERE target = ?`
		args = append(args, target)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query backups: %w", err)
	}
	defer rows.Close()

	var backups []Backup
	for rows.Next() {
		var b Backup
		if err := rows.Scan(&b.ID, &b.Target, &b.ContentHash, &b.Size, &b.CreatedNs); err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		backups = append(backups, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backups: %w", err)
	}
	return backups, nil
}

// CountBackups counts backups, optionally scoped to one target.
func (s *Store) CountBackups(target string) (int, error) {
	var count int
	var err error
	if target == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM backups`).Scan(&count)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM backups WHERE target = ?`, target).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count backups: %w", err)
	}
	return count, nil
}

// PruneBackups deletes the oldest backups so that at most keep remain,
// optionally scoped to one target. Returns the number deleted.
func (s *Store) PruneBackups(target string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	var query string
	var args []any
	if target == "" {
		query = `
			DELETE FROM backups WHERE id NOT IN (
				SELECT id FROM backups ORDER BY id DESC LIMIT ?
			)`
		args = []any{keep}
	} else {
		query = `
			DELETE FROM backups WHERE target = ? AND id NOT IN (
				SELECT id FROM backups WHERE target = ? ORDER BY id DESC LIMIT ?
			)`
		args = []any{target, target, keep}
	}

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("prune backups: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(deleted), nil
}

// MaxBackupID returns the highest backup ID, or zero when empty.
func (s *Store) MaxBackupID() (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM backups`).Scan(&id); err != nil {
		return 0, fmt.Errorf("max backup id: %w", err)
	}
	return id.Int64, nil
}

// InsertIteration stores a new iteration record.
func (s *Store) InsertIteration(it *Iteration) error {
	_, err := s.db.Exec(`
		INSERT INTO iterations (id, target, status, reason, description, shadow_path, staged_hash, diff_json, verify_json, created_ns, decided_ns, decided_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.Target, string(it.Status), it.Reason, it.Description, it.ShadowPath, it.StagedHash,
		it.DiffJSON, it.VerifyJSON, it.CreatedNs, it.DecidedNs, it.DecidedBy,
	)
	if err != nil {
		return fmt.Errorf("insert iteration: %w", err)
	}
	return nil
}

// UpdateIterationStatus records a lifecycle transition.
func (s *Store) UpdateIterationStatus(id string, status IterationStatus, reason, decidedBy string, decidedNs int64) error {
	result, err := s.db.Exec(`
		UPDATE iterations SET status = ?, reason = ?, decided_by = ?, decided_ns = ?
		WHERE id = ?`,
		string(status), reason, decidedBy, decidedNs, id,
	)
	if err != nil {
		return fmt.Errorf("update iteration status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("iteration not found: %s", id)
	}
	return nil
}

// GetIteration retrieves an iteration by ID. Returns (nil, nil) when
// absent.
func (s *Store) GetIteration(id string) (*Iteration, error) {
	var it Iteration
	var status string
	err := s.db.QueryRow(`
		SELECT id, target, status, reason, description, shadow_path, staged_hash, diff_json, verify_json, created_ns, decided_ns, decided_by
		FROM iterations WHERE id = ?`, id,
	).Scan(&it.ID, &it.Target, &status, &it.Reason, &it.Description, &it.ShadowPath, &it.StagedHash,
		&it.DiffJSON, &it.VerifyJSON, &it.CreatedNs, &it.DecidedNs, &it.DecidedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get iteration: %w", err)
	}
	it.Status = IterationStatus(status)
	return &it, nil
}

// SetCurrentIteration points the single slot at an iteration,
// replacing any previous occupant.
func (s *Store) SetCurrentIteration(id string) error {
	_, err := s.db.Exec(`
		INSERT INTO current_slot (slot, iteration_id) VALUES (1, ?)
		ON CONFLICT(slot) DO UPDATE SET iteration_id = excluded.iteration_id`, id)
	if err != nil {
		return fmt.Errorf("set current iteration: %w", err)
	}
	return nil
}

// ClearCurrentIteration empties the slot.
func (s *Store) ClearCurrentIteration() error {
	if _, err := s.db.Exec(`DELETE FROM current_slot WHERE slot = 1`); err != nil {
		return fmt.Errorf("clear current iteration: %w", err)
	}
	return nil
}

// GetCurrentIteration returns the iteration occupying the slot, or
// (nil, nil) when the slot is empty.
func (s *Store) GetCurrentIteration() (*Iteration, error) {
	var id string
	err := s.db.QueryRow(`SELECT iteration_id FROM current_slot WHERE slot = 1`).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get current iteration: %w", err)
	}
	return s.GetIteration(id)
}

// CountIterationsByStatus tallies iterations per lifecycle state.
func (s *Store) CountIterationsByStatus() (map[IterationStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM iterations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count iterations: %w", err)
	}
	defer rows.Close()

	counts := make(map[IterationStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan iteration count: %w", err)
		}
		counts[IterationStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// ListIterations returns iterations newest-first. limit <= 0 means no
// limit.
func (s *Store) ListIterations(limit int) ([]Iteration, error) {
	query := `
		SELECT id, target, status, reason, description, shadow_path, staged_hash, diff_json, verify_json, created_ns, decided_ns, decided_by
		FROM iterations ORDER BY created_ns DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query iterations: %w", err)
	}
	defer rows.Close()

	var iterations []Iteration
	for rows.Next() {
		var it Iteration
		var status string
		if err := rows.Scan(&it.ID, &it.Target, &status, &it.Reason, &it.Description, &it.ShadowPath, &it.StagedHash,
			&it.DiffJSON, &it.VerifyJSON, &it.CreatedNs, &it.DecidedNs, &it.DecidedBy); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		it.Status = IterationStatus(status)
		iterations = append(iterations, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate iterations: %w", err)
	}
	return iterations, nil
}
