// Package iteration runs the lifecycle of change proposals: submit,
// review, approve or reject, and roll back. At most one proposal is
// pending at a time, and every transition is persisted before it is
// acknowledged.
package iteration

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"wardend/internal/differ"
	"wardend/internal/gatekeeper"
	"wardend/internal/patcher"
	"wardend/internal/store"
	"wardend/internal/verifier"
	"wardend/internal/workspace"
)

var (
	// ErrIterationPending means the single proposal slot is occupied.
	ErrIterationPending = errors.New("iteration: a proposal is already pending")

	// ErrNoPending means approve, reject, or diff was called with an
	// empty slot.
	ErrNoPending = errors.New("iteration: no pending proposal")

	// ErrNotAuthorized means the caller is not a configured reviewer.
	ErrNotAuthorized = errors.New("iteration: reviewer not authorized")

	// ErrVerificationFailed means the proposed content did not pass
	// syntax verification and was not staged.
	ErrVerificationFailed = errors.New("iteration: verification failed")

	// ErrStagedTampered means the staged content no longer matches the
	// hash recorded at submission.
	ErrStagedTampered = errors.New("iteration: staged content hash mismatch")

	// ErrRollbackBlocked means a rollback was requested while a
	// proposal is pending and policy requires deciding it first.
	ErrRollbackBlocked = errors.New("iteration: rollback blocked by pending proposal")
)

// Pending policies for rollback requests.
const (
	// PendingPolicyReject refuses rollback while a proposal is pending.
	PendingPolicyReject = "reject"
	// PendingPolicyDiscard auto-rejects the pending proposal and
	// proceeds with the rollback.
	PendingPolicyDiscard = "discard"
)

// View is the externally visible form of an iteration.
type View struct {
	ID           string          `json:"id"`
	Target       string          `json:"target"`
	Status       string          `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	Description  string          `json:"description,omitempty"`
	Diff         differ.Report   `json:"diff"`
	Verification verifier.Result `json:"verification"`
	CreatedAt    time.Time       `json:"created_at"`
	DecidedAt    time.Time       `json:"decided_at,omitempty"`
	DecidedBy    string          `json:"decided_by,omitempty"`
}

// Options configures a Machine.
type Options struct {
	// PendingPolicy governs rollback requests while a proposal is
	// pending. Defaults to PendingPolicyReject.
	PendingPolicy string

	// Reviewers may approve or reject. Empty means anyone may.
	Reviewers []string

	// DiffContext is the unchanged-line context around diff hunks.
	DiffContext int
}

// Machine is the proposal state machine. One mutex spans every
// transition end to end, so a check-then-act sequence (inspect slot,
// stage, persist) can never interleave with another.
type Machine struct {
	gate   *gatekeeper.Gatekeeper
	ws     *workspace.Workspace
	verify *verifier.Verifier
	store  *store.Store
	patch  *patcher.Patcher
	log    *slog.Logger
	opts   Options

	mu      sync.Mutex
	current *store.Iteration
	applied func(target string)
}

// NewMachine wires the machine to its collaborators.
func NewMachine(gate *gatekeeper.Gatekeeper, ws *workspace.Workspace, verify *verifier.Verifier, st *store.Store, patch *patcher.Patcher, log *slog.Logger, opts Options) *Machine {
	if opts.PendingPolicy == "" {
		opts.PendingPolicy = PendingPolicyReject
	}
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		gate:   gate,
		ws:     ws,
		verify: verify,
		store:  st,
		patch:  patch,
		log:    log,
		opts:   opts,
	}
}

// Restore reloads the persisted slot after a restart. A pending
// proposal whose shadow file has vanished degrades to the error state
// rather than blocking the slot forever.
func (m *Machine) Restore() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, err := m.store.GetCurrentIteration()
	if err != nil {
		return err
	}
	if it == nil {
		return nil
	}
	if it.Status != store.StatusPending {
		// A decided iteration left in the slot is stale bookkeeping.
		m.log.Warn("clearing non-pending iteration from slot", "id", it.ID, "status", it.Status)
		return m.store.ClearCurrentIteration()
	}

	err = m.ws.Adopt(workspace.Entry{
		Target:     it.Target,
		ShadowPath: it.ShadowPath,
		Hash:       it.StagedHash,
		StagedAt:   time.Unix(0, it.CreatedNs).UTC(),
	})
	if err != nil {
		m.log.Error("pending proposal lost its staged content", "id", it.ID, "error", err)
		return m.finishLocked(it, store.StatusError, "staged content missing after restart", "")
	}

	m.current = it
	m.log.Info("restored pending proposal", "id", it.ID, "target", it.Target)
	return nil
}

// Submit proposes new content for target. The content is verified and
// staged in the shadow workspace; the live file is not touched.
func (m *Machine) Submit(target string, content []byte, proposer, description string) (*View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, fmt.Errorf("%w: %s for %s", ErrIterationPending, m.current.ID, m.current.Target)
	}

	decision := m.gate.AuthorizePath(target, gatekeeper.ModeWrite)
	if err := decision.Denied(); err != nil {
		return nil, err
	}
	canonical := decision.Path

	result := m.verify.Verify(canonical, content)
	verifyJSON := mustJSON(result)
	if !result.Valid {
		// Record the failed attempt for the audit trail; the slot
		// stays free.
		it := &store.Iteration{
			ID:          uuid.NewString(),
			Target:      canonical,
			Status:      store.StatusError,
			Reason:      result.Summary(),
			Description: description,
			VerifyJSON:  verifyJSON,
			CreatedNs:   time.Now().UnixNano(),
		}
		if err := m.store.InsertIteration(it); err != nil {
			return nil, err
		}
		m.log.Warn("proposal failed verification", "id", it.ID, "target", canonical, "result", result.Summary())
		return nil, fmt.Errorf("%w: %s", ErrVerificationFailed, result.Summary())
	}

	live, err := os.ReadFile(canonical)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read live file: %w", err)
	}

	report, err := differ.Compute(canonical, live, content, m.opts.DiffContext)
	if err != nil {
		return nil, err
	}

	entry, err := m.ws.Stage(canonical, content)
	if err != nil {
		return nil, err
	}

	it := &store.Iteration{
		ID:          uuid.NewString(),
		Target:      canonical,
		Status:      store.StatusPending,
		Description: description,
		ShadowPath:  entry.ShadowPath,
		StagedHash:  entry.Hash,
		DiffJSON:    mustJSON(report),
		VerifyJSON:  verifyJSON,
		CreatedNs:   time.Now().UnixNano(),
	}
	if err := m.store.InsertIteration(it); err != nil {
		m.ws.Discard(canonical)
		return nil, err
	}
	if err := m.store.SetCurrentIteration(it.ID); err != nil {
		m.ws.Discard(canonical)
		return nil, err
	}

	m.current = it
	m.log.Info("proposal submitted", "id", it.ID, "target", canonical, "proposer", proposer, "diff", report.Summary())
	return viewOf(it), nil
}

// Approve promotes the pending proposal to the live file. The staged
// content is taken and its hash re-checked under the machine lock, the
// live file is backed up, and only then is it replaced.
func (m *Machine) Approve(reviewer string) (*View, *store.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil, nil, ErrNoPending
	}
	if err := m.checkReviewer(reviewer); err != nil {
		return nil, nil, err
	}
	it := m.current

	content, entry, err := m.ws.Take(it.Target)
	if err != nil {
		ferr := m.finishLocked(it, store.StatusError, fmt.Sprintf("staged content unavailable: %v", err), reviewer)
		if ferr != nil {
			return nil, nil, ferr
		}
		return nil, nil, err
	}
	if entry.Hash != it.StagedHash {
		if err := m.finishLocked(it, store.StatusError, "staged content hash mismatch", reviewer); err != nil {
			return nil, nil, err
		}
		return nil, nil, ErrStagedTampered
	}

	b, err := m.patch.Apply(it.Target, content)
	if err != nil {
		if ferr := m.finishLocked(it, store.StatusError, fmt.Sprintf("apply failed: %v", err), reviewer); ferr != nil {
			return nil, nil, ferr
		}
		return nil, nil, err
	}
	m.notifyApplied(it.Target)

	if err := m.finishLocked(it, store.StatusApproved, "", reviewer); err != nil {
		return nil, b, err
	}
	m.log.Info("proposal approved", "id", it.ID, "target", it.Target, "reviewer", reviewer)
	return viewOf(it), b, nil
}

// Reject discards the pending proposal. The live file is untouched.
func (m *Machine) Reject(reviewer, reason string) (*View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil, ErrNoPending
	}
	if err := m.checkReviewer(reviewer); err != nil {
		return nil, err
	}
	it := m.current

	if err := m.ws.Discard(it.Target); err != nil && !errors.Is(err, workspace.ErrNotStaged) {
		m.log.Warn("discard staged content", "id", it.ID, "error", err)
	}
	if err := m.finishLocked(it, store.StatusRejected, reason, reviewer); err != nil {
		return nil, err
	}
	m.log.Info("proposal rejected", "id", it.ID, "target", it.Target, "reviewer", reviewer, "reason", reason)
	return viewOf(it), nil
}

// Rollback restores a backup. A pending proposal on another target
// does not block it; when the pending proposal covers the same target
// the configured policy applies: reject refuses the rollback, discard
// auto-rejects the pending proposal first.
func (m *Machine) Rollback(backupID int64, requester string) (*store.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A missing backup falls through; the patcher reports not-found.
	bk, err := m.store.GetBackup(backupID)
	if err != nil {
		return nil, err
	}

	if m.current != nil && bk != nil && m.current.Target == bk.Target {
		switch m.opts.PendingPolicy {
		case PendingPolicyDiscard:
			it := m.current
			if err := m.ws.Discard(it.Target); err != nil && !errors.Is(err, workspace.ErrNotStaged) {
				m.log.Warn("discard staged content", "id", it.ID, "error", err)
			}
			if err := m.finishLocked(it, store.StatusRejected, "superseded by rollback", requester); err != nil {
				return nil, err
			}
			m.log.Info("pending proposal discarded for rollback", "id", it.ID)
		default:
			return nil, fmt.Errorf("%w: %s", ErrRollbackBlocked, m.current.ID)
		}
	}

	_, restored, err := m.patch.Rollback(backupID)
	if err != nil {
		return nil, err
	}
	m.notifyApplied(restored.Target)
	m.log.Info("rollback applied", "backup", backupID, "target", restored.Target, "requester", requester)
	return restored, nil
}

// Current returns the pending proposal, or nil when the slot is empty.
func (m *Machine) Current() *View {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return viewOf(m.current)
}

// Diff returns the diff report of the pending proposal.
func (m *Machine) Diff() (differ.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return differ.Report{}, ErrNoPending
	}
	var report differ.Report
	if err := json.Unmarshal([]byte(m.current.DiffJSON), &report); err != nil {
		return differ.Report{}, fmt.Errorf("decode diff report: %w", err)
	}
	return report, nil
}

// Counts tallies all recorded iterations per status.
func (m *Machine) Counts() (map[store.IterationStatus]int, error) {
	return m.store.CountIterationsByStatus()
}

// History returns recorded iterations newest-first.
func (m *Machine) History(limit int) ([]View, error) {
	records, err := m.store.ListIterations(limit)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(records))
	for i := range records {
		views = append(views, *viewOf(&records[i]))
	}
	return views, nil
}

// InvalidateTarget degrades the pending proposal to the error state
// when its target changed underneath it. Called by the file watcher.
func (m *Machine) InvalidateTarget(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.Target != path {
		return
	}
	it := m.current
	if err := m.ws.Discard(it.Target); err != nil && !errors.Is(err, workspace.ErrNotStaged) {
		m.log.Warn("discard staged content", "id", it.ID, "error", err)
	}
	if err := m.finishLocked(it, store.StatusError, "target changed externally", ""); err != nil {
		m.log.Error("invalidate pending proposal", "id", it.ID, "error", err)
		return
	}
	m.log.Warn("pending proposal invalidated", "id", it.ID, "target", path)
}

// SetAppliedNotifier registers fn to be called with the target path
// of every write the machine itself performs (approve, rollback). The
// file watcher uses it to suppress the daemon's own renames so they
// are not reported as external changes.
func (m *Machine) SetAppliedNotifier(fn func(target string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = fn
}

func (m *Machine) notifyApplied(target string) {
	if m.applied != nil {
		m.applied(target)
	}
}

// PendingTarget reports the pending proposal's target, used by the
// workspace sweeper to protect its staged entry.
func (m *Machine) PendingTarget() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", false
	}
	return m.current.Target, true
}

// finishLocked persists a terminal transition and frees the slot.
// Callers hold m.mu.
func (m *Machine) finishLocked(it *store.Iteration, status store.IterationStatus, reason, decidedBy string) error {
	now := time.Now().UnixNano()
	if err := m.store.UpdateIterationStatus(it.ID, status, reason, decidedBy, now); err != nil {
		return err
	}
	if err := m.store.ClearCurrentIteration(); err != nil {
		return err
	}
	it.Status = status
	it.Reason = reason
	it.DecidedBy = decidedBy
	it.DecidedNs = now
	if m.current != nil && m.current.ID == it.ID {
		m.current = nil
	}
	return nil
}

func (m *Machine) checkReviewer(reviewer string) error {
	if len(m.opts.Reviewers) == 0 {
		return nil
	}
	for _, r := range m.opts.Reviewers {
		if r == reviewer {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrNotAuthorized, reviewer)
}

func viewOf(it *store.Iteration) *View {
	v := &View{
		ID:          it.ID,
		Target:      it.Target,
		Status:      string(it.Status),
		Reason:      it.Reason,
		Description: it.Description,
		CreatedAt:   time.Unix(0, it.CreatedNs).UTC(),
		DecidedBy:   it.DecidedBy,
	}
	if it.DecidedNs > 0 {
		v.DecidedAt = time.Unix(0, it.DecidedNs).UTC()
	}
	if it.DiffJSON != "" {
		json.Unmarshal([]byte(it.DiffJSON), &v.Diff)
	}
	if it.VerifyJSON != "" {
		json.Unmarshal([]byte(it.VerifyJSON), &v.Verification)
	}
	return v
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
