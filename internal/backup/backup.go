// Package backup captures copies of live files before they are
// mutated and keeps a bounded history per the retention policy.
package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"wardend/internal/store"
)

var (
	// ErrNoSource means the target does not exist yet, so there is
	// nothing to back up. Callers creating a new file treat this as a
	// non-error.
	ErrNoSource = errors.New("backup: target file does not exist")

	// ErrNotFound means no backup exists with the requested ID.
	ErrNotFound = errors.New("backup: not found")
)

// Retention scopes.
const (
	ScopePerTarget = "per-target"
	ScopeGlobal    = "global"
)

// Manager takes and retrieves backups. IDs are monotonic nanosecond
// timestamps; a collision within the same nanosecond is bumped by one
// so ordering stays strict.
type Manager struct {
	store      *store.Store
	maxBackups int
	scope      string

	mu     sync.Mutex
	lastID int64
}

// NewManager builds a Manager over st. maxBackups bounds retained
// backups per the scope; the newest always survive eviction.
func NewManager(st *store.Store, maxBackups int, scope string) (*Manager, error) {
	if maxBackups < 1 {
		return nil, fmt.Errorf("backup: max backups must be at least 1, got %d", maxBackups)
	}
	switch scope {
	case ScopePerTarget, ScopeGlobal:
	default:
		return nil, fmt.Errorf("backup: unknown retention scope %q", scope)
	}

	lastID, err := st.MaxBackupID()
	if err != nil {
		return nil, fmt.Errorf("seed backup id: %w", err)
	}

	return &Manager{
		store:      st,
		maxBackups: maxBackups,
		scope:      scope,
		lastID:     lastID,
	}, nil
}

// Snapshot reads the live file at target and stores a backup of it,
// then evicts the oldest backups beyond the retention bound. Returns
// ErrNoSource when the target does not exist.
func (m *Manager) Snapshot(target string) (*store.Backup, error) {
	content, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSource, target)
		}
		return nil, fmt.Errorf("read target: %w", err)
	}

	sum := sha256.Sum256(content)
	b := &store.Backup{
		ID:          m.nextID(),
		Target:      target,
		Content:     content,
		ContentHash: hex.EncodeToString(sum[:]),
		Size:        int64(len(content)),
		CreatedNs:   time.Now().UnixNano(),
	}

	if err := m.store.InsertBackup(b); err != nil {
		return nil, err
	}

	pruneTarget := target
	if m.scope == ScopeGlobal {
		pruneTarget = ""
	}
	if _, err := m.store.PruneBackups(pruneTarget, m.maxBackups); err != nil {
		return nil, err
	}

	return b, nil
}

// Get retrieves a backup with its content.
func (m *Manager) Get(id int64) (*store.Backup, error) {
	b, err := m.store.GetBackup(id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return b, nil
}

// List returns backup metadata newest-first. An empty target lists
// across all files.
func (m *Manager) List(target string, limit int) ([]store.Backup, error) {
	return m.store.ListBackups(target, limit)
}

// nextID returns a strictly increasing nanosecond-based ID.
func (m *Manager) nextID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := time.Now().UnixNano()
	if id <= m.lastID {
		id = m.lastID + 1
	}
	m.lastID = id
	return id
}
