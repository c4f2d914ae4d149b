// Package patcher mutates live files. Every mutation is authorized by
// the gatekeeper, preceded by a backup of the existing content, and
// applied atomically via a temp file and rename. A live file is never
// left in a partially written state.
package patcher

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"wardend/internal/backup"
	"wardend/internal/gatekeeper"
	"wardend/internal/store"
)

// ErrWriteDenied wraps a gatekeeper denial on the mutation path.
var ErrWriteDenied = errors.New("patcher: write not authorized")

// Patcher applies approved content to live files and restores backups.
type Patcher struct {
	gate    *gatekeeper.Gatekeeper
	backups *backup.Manager
}

// New builds a Patcher. Both collaborators are required.
func New(gate *gatekeeper.Gatekeeper, backups *backup.Manager) *Patcher {
	return &Patcher{gate: gate, backups: backups}
}

// Apply writes content to target. Order is fixed: authorize, back up
// the current content, then replace atomically. The returned backup is
// nil when the target did not exist before (a new file has nothing to
// back up).
func (p *Patcher) Apply(target string, content []byte) (*store.Backup, error) {
	decision := p.gate.AuthorizePath(target, gatekeeper.ModeWrite)
	if err := decision.Denied(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteDenied, err)
	}
	canonical := decision.Path

	b, err := p.backups.Snapshot(canonical)
	if err != nil && !errors.Is(err, backup.ErrNoSource) {
		return nil, fmt.Errorf("backup before apply: %w", err)
	}

	if err := replaceFile(canonical, content); err != nil {
		return nil, fmt.Errorf("apply %s: %w", canonical, err)
	}
	return b, nil
}

// Rollback restores the content of backup id to its original target.
// The pre-rollback content is itself backed up first, so a rollback
// can be rolled back. Returns the pre-rollback snapshot (nil if the
// target was missing) and the restored backup.
func (p *Patcher) Rollback(id int64) (*store.Backup, *store.Backup, error) {
	restored, err := p.backups.Get(id)
	if err != nil {
		return nil, nil, err
	}

	decision := p.gate.AuthorizePath(restored.Target, gatekeeper.ModeWrite)
	if err := decision.Denied(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrWriteDenied, err)
	}
	canonical := decision.Path

	pre, err := p.backups.Snapshot(canonical)
	if err != nil && !errors.Is(err, backup.ErrNoSource) {
		return nil, nil, fmt.Errorf("backup before rollback: %w", err)
	}

	if err := replaceFile(canonical, restored.Content); err != nil {
		return nil, nil, fmt.Errorf("rollback %s: %w", canonical, err)
	}
	return pre, restored, nil
}

// replaceFile writes data next to path and renames it into place.
// Permissions of an existing file are preserved; new files get 0644.
func replaceFile(path string, data []byte) error {
	perm := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tempPath := path + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
