// Package workspace manages the shadow directory where proposed file
// changes are staged before review. Staged content never touches the
// live target until it is explicitly taken for promotion.
package workspace

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	ErrNotStaged  = errors.New("workspace: no staged entry for target")
	ErrStaleEntry = errors.New("workspace: staged file missing from shadow directory")
)

// Entry describes one staged change.
type Entry struct {
	// Target is the canonical path the change applies to.
	Target string `json:"target"`

	// ShadowPath is where the proposed content lives on disk.
	ShadowPath string `json:"shadow_path"`

	// Hash is the SHA-256 of the staged content.
	Hash string `json:"hash"`

	// Size is the staged content length in bytes.
	Size int64 `json:"size"`

	// StagedAt is when the content was staged.
	StagedAt time.Time `json:"staged_at"`
}

// Stats summarizes the shadow directory.
type Stats struct {
	Entries    int       `json:"entries"`
	TotalBytes int64     `json:"total_bytes"`
	Oldest     time.Time `json:"oldest,omitempty"`
}

// Workspace is the on-disk shadow staging area. All operations are
// serialized by a single mutex so check-and-clear sequences cannot
// interleave.
type Workspace struct {
	dir    string
	maxAge time.Duration

	mu      sync.Mutex
	entries map[string]Entry
}

// New opens (creating if needed) the shadow directory at dir.
// maxAge bounds how long an unclaimed entry survives a Sweep;
// zero disables expiry.
func New(dir string, maxAge time.Duration) (*Workspace, error) {
	if dir == "" {
		return nil, errors.New("workspace: directory not configured")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create shadow directory: %w", err)
	}
	return &Workspace{
		dir:     dir,
		maxAge:  maxAge,
		entries: make(map[string]Entry),
	}, nil
}

// Dir returns the shadow directory path.
func (w *Workspace) Dir() string {
	return w.dir
}

// Stage writes content into the shadow directory for target and
// records the entry. Staging again for the same target replaces the
// previous entry and removes its shadow file. Zero-length content is
// accepted so a proposal can truncate a file.
func (w *Workspace) Stage(target string, content []byte) (Entry, error) {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	shadowPath := filepath.Join(w.dir, shadowName(target, hash))

	if err := atomicWrite(shadowPath, content, 0600); err != nil {
		return Entry{}, fmt.Errorf("stage %s: %w", target, err)
	}

	entry := Entry{
		Target:     target,
		ShadowPath: shadowPath,
		Hash:       hash,
		Size:       int64(len(content)),
		StagedAt:   time.Now().UTC(),
	}

	w.mu.Lock()
	if prev, ok := w.entries[target]; ok && prev.ShadowPath != shadowPath {
		os.Remove(prev.ShadowPath)
	}
	w.entries[target] = entry
	w.mu.Unlock()

	return entry, nil
}

// ReadStaged returns the staged content and entry for target.
func (w *Workspace) ReadStaged(target string) ([]byte, Entry, error) {
	w.mu.Lock()
	entry, ok := w.entries[target]
	w.mu.Unlock()
	if !ok {
		return nil, Entry{}, fmt.Errorf("%w: %s", ErrNotStaged, target)
	}

	content, err := os.ReadFile(entry.ShadowPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Entry{}, fmt.Errorf("%w: %s", ErrStaleEntry, target)
		}
		return nil, Entry{}, fmt.Errorf("read staged %s: %w", target, err)
	}
	return content, entry, nil
}

// Entry returns the staged entry for target without reading content.
func (w *Workspace) Entry(target string) (Entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.entries[target]
	return entry, ok
}

// Take removes the entry for target and returns its content in one
// locked step. This is the promotion path: once taken, the change can
// no longer be read, discarded, or taken again.
func (w *Workspace) Take(target string) ([]byte, Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.entries[target]
	if !ok {
		return nil, Entry{}, fmt.Errorf("%w: %s", ErrNotStaged, target)
	}

	content, err := os.ReadFile(entry.ShadowPath)
	if err != nil {
		if os.IsNotExist(err) {
			delete(w.entries, target)
			return nil, Entry{}, fmt.Errorf("%w: %s", ErrStaleEntry, target)
		}
		return nil, Entry{}, fmt.Errorf("read staged %s: %w", target, err)
	}

	delete(w.entries, target)
	os.Remove(entry.ShadowPath)
	return content, entry, nil
}

// Discard removes the entry and shadow file for target.
func (w *Workspace) Discard(target string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.entries[target]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotStaged, target)
	}
	delete(w.entries, target)
	if err := os.Remove(entry.ShadowPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove shadow file: %w", err)
	}
	return nil
}

// Adopt re-registers an entry whose shadow file already exists on
// disk. Used at startup when restoring a persisted pending change.
func (w *Workspace) Adopt(entry Entry) error {
	info, err := os.Stat(entry.ShadowPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrStaleEntry, entry.Target)
		}
		return fmt.Errorf("stat shadow file: %w", err)
	}
	entry.Size = info.Size()

	w.mu.Lock()
	w.entries[entry.Target] = entry
	w.mu.Unlock()
	return nil
}

// Stats reports entry count, total staged bytes, and the oldest
// staging time.
func (w *Workspace) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	var s Stats
	for _, e := range w.entries {
		s.Entries++
		s.TotalBytes += e.Size
		if s.Oldest.IsZero() || e.StagedAt.Before(s.Oldest) {
			s.Oldest = e.StagedAt
		}
	}
	return s
}

// Sweep removes entries older than the configured max age. Entries
// for which keep returns true are retained regardless of age; pass
// nil to sweep unconditionally. Returns the number of entries removed.
func (w *Workspace) Sweep(now time.Time, keep func(target string) bool) int {
	if w.maxAge <= 0 {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for target, entry := range w.entries {
		if now.Sub(entry.StagedAt) < w.maxAge {
			continue
		}
		if keep != nil && keep(target) {
			continue
		}
		delete(w.entries, target)
		os.Remove(entry.ShadowPath)
		removed++
	}
	return removed
}

// shadowName derives a collision-safe shadow filename from the target
// path and the content hash, keeping the extension so verifiers can
// still recognize the file kind. The path hash keeps same-named
// targets in different directories on distinct shadow files.
func shadowName(target, hash string) string {
	base := filepath.Base(target)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	pathSum := sha256.Sum256([]byte(target))
	return fmt.Sprintf("%s.%s.%s%s", stem, hex.EncodeToString(pathSum[:])[:8], hash[:12], ext)
}

// atomicWrite writes data to path via a temp file in the same
// directory followed by a rename, so readers never observe a partial
// shadow file.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
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
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
