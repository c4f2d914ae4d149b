package iteration

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wardend/internal/backup"
	"wardend/internal/gatekeeper"
	"wardend/internal/patcher"
	"wardend/internal/store"
	"wardend/internal/verifier"
	"wardend/internal/workspace"
)

type fixture struct {
	machine *Machine
	store   *store.Store
	ws      *workspace.Workspace
	backups *backup.Manager
	appDir  string
	dbPath  string
	wsDir   string
	opts    Options
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		appDir: t.TempDir(),
		dbPath: filepath.Join(t.TempDir(), "test.db"),
		wsDir:  t.TempDir(),
		opts:   opts,
	}
	f.open(t)
	return f
}

// open builds the machine over the fixture's paths. Calling it again
// simulates a daemon restart over the same state.
func (f *fixture) open(t *testing.T) {
	t.Helper()
	gate, err := gatekeeper.New(gatekeeper.Policy{
		ReadRoots:         []string{f.appDir},
		WriteRoots:        []string{f.appDir},
		ForbiddenPatterns: []string{`.*secret.*`},
	})
	if err != nil {
		t.Fatalf("gatekeeper.New: %v", err)
	}

	st, err := store.Open(f.dbPath, 0)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ws, err := workspace.New(f.wsDir, 0)
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}

	verify, err := verifier.New(true, nil)
	if err != nil {
		t.Fatalf("verifier.New: %v", err)
	}

	backups, err := backup.NewManager(st, 50, backup.ScopePerTarget)
	if err != nil {
		t.Fatalf("backup.NewManager: %v", err)
	}

	f.store = st
	f.ws = ws
	f.backups = backups
	f.machine = NewMachine(gate, ws, verify, st, patcher.New(gate, backups), nil, f.opts)
}

func (f *fixture) seedTarget(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.appDir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
	return path
}

func TestSubmitStagesWithoutTouchingLive(t *testing.T) {
	f := newFixture(t, Options{})
	target := f.seedTarget(t, "main.go", "package main\n")

	v, err := f.machine.Submit(target, []byte("package main\n\nfunc main() {}\n"), "agent", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if v.Status != string(store.StatusPending) {
		t.Errorf("status = %s", v.Status)
	}
	if v.Diff.Identical() {
		t.Error("diff should show changes")
	}
	if !v.Verification.Valid {
		t.Errorf("verification = %+v", v.Verification)
	}

	live, _ := os.ReadFile(target)
	if string(live) != "package main\n" {
		t.Errorf("live changed at submit: %q", live)
	}
}

func TestSubmitSecondProposalBlocked(t *testing.T) {
	f := newFixture(t, Options{})
	target := f.seedTarget(t, "a.txt", "x\n")

	if _, err := f.machine.Submit(target, []byte("y\n"), "agent", ""); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	_, err := f.machine.Submit(target, []byte("z\n"), "agent", "")
	if !errors.Is(err, ErrIterationPending) {
		t.Errorf("expected ErrIterationPending, got %v", err)
	}
}

func TestSubmitDeniedByGatekeeper(t *testing.T) {
	f := newFixture(t, Options{})
	target := filepath.Join(f.appDir, "secret.cfg")

	if _, err := f.machine.Submit(target, []byte("x\n"), "agent", ""); err == nil {
		t.Fatal("expected gatekeeper denial")
	}
	if v := f.machine.Current(); v != nil {
		t.Errorf("slot occupied after denial: %+v", v)
	}
}

func TestSubmitInvalidSyntaxRecordedNotStaged(t *testing.T) {
	f := newFixture(t, Options{})
	target := f.seedTarget(t, "main.go", "package main\n")

	_, err := f.machine.Submit(target, []byte("package main\nfunc main() {\n"), "agent", "")
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
	if v := f.machine.Current(); v != nil {
		t.Error("slot occupied after failed verification")
	}

	counts, err := f.machine.Counts()
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[store.StatusError] != 1 {
		t.Errorf("error count = %d, want 1 (audit record)", counts[store.StatusError])
	}
}

func TestApproveReplacesLiveAndBacksUp(t *testing.T) {
	f := newFixture(t, Options{})
	target := f.seedTarget(t, "main.go", "package main\n")
	proposed := "package main\n\nfunc main() {}\n"

	if _, err := f.machine.Submit(target, []byte(proposed), "agent", ""); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	v, b, err := f.machine.Approve("reviewer")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if v.Status != string(store.StatusApproved) {
		t.Errorf("status = %s", v.Status)
	}
	if b == nil {
		t.Fatal("expected a backup of the previous content")
	}
	if string(b.Content) != "package main\n" {
		t.Errorf("backup content = %q", b.Content)
	}

	live, _ := os.ReadFile(target)
	if string(live) != proposed {
		t.Errorf("live = %q, want proposed content", live)
	}

	list, _ := f.backups.List(b.Target, 0)
	if len(list) != 1 {
		t.Errorf("backups = %d, want exactly 1", len(list))
	}
}

func TestApproveWithEmptySlot(t *testing.T) {
	f := newFixture(t, Options{})
	if _, _, err := f.machine.Approve("reviewer"); !errors.Is(err, ErrNoPending) {
		t.Errorf("expected ErrNoPending, got %v", err)
	}
}

func TestDoubleApprove(t *testing.T) {
	f := newFixture(t, Options{})
	target := f.seedTarget(t, "a.txt", "x\n")

	f.machine.Submit(target, []byte("y\n"), "agent", "")
	if _, _, err := f.machine.Approve("reviewer"); err != nil {
		t.Fatalf("first Approve: %v", err)
	}
	if _, _, err := f.machine.Approve("reviewer"); !errors.Is(err, ErrNoPending) {
		t.Errorf("second Approve: expected ErrNoPending, got %v", err)
	}
}

func TestRejectLeavesLiveUntouched(t *testing.T) {
	f := newFixture(t, Options{})
	target := f.seedTarget(t, "a.txt", "original\n")

	f.machine.Submit(target, []byte("proposed\n"), "agent", "")
	v, err := f.machine.Reject("reviewer", "not wanted")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if v.Status != string(store.StatusRejected) || v.Reason != "not wanted" {
		t.Errorf("view = %+v", v)
	}

	live, _ := os.ReadFile(target)
	if string(live) != "original\n" {
		t.Errorf("live after reject = %q, must be byte-identical to original", live)
	}
	if list, _ := f.backups.List("", 0); len(list) != 0 {
		t.Errorf("reject must not create backups, got %d", len(list))
	}
	if v := f.machine.Current(); v != nil {
		t.Error("slot occupied after reject")
	}
}

func TestReviewerAuthorization(t *testing.T) {
	f := newFixture(t, Options{Reviewers: []string{"alice"}})
	target := f.seedTarget(t, "a.txt", "x\n")

	f.machine.Submit(target, []byte("y\n"), "agent", "")
	if _, _, err := f.machine.Approve("mallory"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}
	// Still pending: an unauthorized decision changes nothing.
	if v := f.machine.Current(); v == nil {
		t.Fatal("proposal vanished after unauthorized approve")
	}
	if _, _, err := f.machine.Approve("alice"); err != nil {
		t.Errorf("authorized approve failed: %v", err)
	}
}

func TestDiffOfPendingProposal(t *testing.T) {
	f := newFixture(t, Options{})
	target := f.seedTarget(t, "a.txt", "one\ntwo\n")

	if _, err := f.machine.Diff(); !errors.Is(err, ErrNoPending) {
		t.Errorf("Diff with empty slot: %v", err)
	}

	f.machine.Submit(target, []byte("one\nTWO\n"), "agent", "")
	report, err := f.machine.Diff()
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if report.Added != 1 || report.Removed != 1 {
		t.Errorf("report = %s", report.Summary())
	}
}

func TestRollbackBlockedWhilePending(t *testing.T) {
	f := newFixture(t, Options{PendingPolicy: PendingPolicyReject})
	target := f.seedTarget(t, "a.txt", "v1\n")

	f.machine.Submit(target, []byte("v2\n"), "agent", "")
	_, b, err := f.machine.Approve("reviewer")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}

	f.machine.Submit(target, []byte("v3\n"), "agent", "")
	if _, err := f.machine.Rollback(b.ID, "operator"); !errors.Is(err, ErrRollbackBlocked) {
		t.Fatalf("expected ErrRollbackBlocked, got %v", err)
	}
	// Pending proposal intact, live still v2.
	if v := f.machine.Current(); v == nil {
		t.Error("pending proposal lost by blocked rollback")
	}
	live, _ := os.ReadFile(target)
	if string(live) != "v2\n" {
		t.Errorf("live = %q", live)
	}
}

func TestAppliedNotifierFiresOnWrite(t *testing.T) {
	f := newFixture(t, Options{})
	target := f.seedTarget(t, "a.txt", "v1\n")

	var applied []string
	f.machine.SetAppliedNotifier(func(path string) { applied = append(applied, path) })

	f.machine.Submit(target, []byte("v2\n"), "agent", "")
	_, b, err := f.machine.Approve("reviewer")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if len(applied) != 1 || applied[0] != target {
		t.Fatalf("after approve, applied = %v", applied)
	}

	if _, err := f.machine.Rollback(b.ID, "operator"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if len(applied) != 2 || applied[1] != target {
		t.Fatalf("after rollback, applied = %v", applied)
	}

	// Reject writes nothing, so it must not notify.
	f.machine.Submit(target, []byte("v3\n"), "agent", "")
	if _, err := f.machine.Reject("reviewer", "no"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("after reject, applied = %v", applied)
	}
}

func TestRollbackOtherTargetNotBlocked(t *testing.T) {
	f := newFixture(t, Options{PendingPolicy: PendingPolicyReject})
	targetA := f.seedTarget(t, "a.txt", "v1\n")
	targetB := f.seedTarget(t, "b.txt", "b1\n")

	f.machine.Submit(targetA, []byte("v2\n"), "agent", "")
	_, b, err := f.machine.Approve("reviewer")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}

	// Pending proposal on an unrelated target must not block rollback.
	f.machine.Submit(targetB, []byte("b2\n"), "agent", "")
	if _, err := f.machine.Rollback(b.ID, "operator"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	live, _ := os.ReadFile(targetA)
	if string(live) != "v1\n" {
		t.Errorf("live = %q, want v1", live)
	}
	v := f.machine.Current()
	if v == nil || v.Target != targetB {
		t.Fatalf("pending proposal on %s disturbed: %+v", targetB, v)
	}
}

func TestRollbackDiscardPolicy(t *testing.T) {
	f := newFixture(t, Options{PendingPolicy: PendingPolicyDiscard})
	target := f.seedTarget(t, "a.txt", "v1\n")

	f.machine.Submit(target, []byte("v2\n"), "agent", "")
	_, b, err := f.machine.Approve("reviewer")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}

	f.machine.Submit(target, []byte("v3\n"), "agent", "")
	restored, err := f.machine.Rollback(b.ID, "operator")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if restored.ID != b.ID {
		t.Errorf("restored = %d, want %d", restored.ID, b.ID)
	}

	live, _ := os.ReadFile(target)
	if string(live) != "v1\n" {
		t.Errorf("live after rollback = %q, want v1", live)
	}
	if v := f.machine.Current(); v != nil {
		t.Error("pending proposal survived discard policy")
	}

	counts, _ := f.machine.Counts()
	if counts[store.StatusRejected] != 1 {
		t.Errorf("discarded proposal not recorded as rejected: %v", counts)
	}
}

func TestRollbackWithEmptySlot(t *testing.T) {
	f := newFixture(t, Options{})
	target := f.seedTarget(t, "a.txt", "v1\n")

	f.machine.Submit(target, []byte("v2\n"), "agent", "")
	_, b, _ := f.machine.Approve("reviewer")

	if _, err := f.machine.Rollback(b.ID, "operator"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	live, _ := os.ReadFile(target)
	if string(live) != "v1\n" {
		t.Errorf("live = %q", live)
	}
}

func TestRestorePendingAfterRestart(t *testing.T) {
	f := newFixture(t, Options{})
	target := f.seedTarget(t, "a.txt", "v1\n")

	if _, err := f.machine.Submit(target, []byte("v2\n"), "agent", ""); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	f.open(t)
	if err := f.machine.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	v := f.machine.Current()
	if v == nil || v.Status != string(store.StatusPending) {
		t.Fatalf("restored view = %+v", v)
	}

	// The restored proposal is fully operable.
	if _, _, err := f.machine.Approve("reviewer"); err != nil {
		t.Fatalf("Approve after restore: %v", err)
	}
	live, _ := os.ReadFile(target)
	if string(live) != "v2\n" {
		t.Errorf("live = %q", live)
	}
}

func TestRestoreMissingShadowDegradesToError(t *testing.T) {
	f := newFixture(t, Options{})
	target := f.seedTarget(t, "a.txt", "v1\n")

	if _, err := f.machine.Submit(target, []byte("v2\n"), "agent", ""); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	entry, ok := f.ws.Entry(f.machine.Current().Target)
	if !ok {
		t.Fatal("no staged entry")
	}
	os.Remove(entry.ShadowPath)

	f.open(t)
	if err := f.machine.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if v := f.machine.Current(); v != nil {
		t.Errorf("slot occupied after degraded restore: %+v", v)
	}
	counts, _ := f.machine.Counts()
	if counts[store.StatusError] != 1 {
		t.Errorf("counts = %v, want one error record", counts)
	}
}

func TestInvalidateTarget(t *testing.T) {
	f := newFixture(t, Options{})
	target := f.seedTarget(t, "a.txt", "v1\n")

	v, err := f.machine.Submit(target, []byte("v2\n"), "agent", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Unrelated path: no effect.
	f.machine.InvalidateTarget(filepath.Join(f.appDir, "other.txt"))
	if f.machine.Current() == nil {
		t.Fatal("unrelated invalidation cleared the slot")
	}

	f.machine.InvalidateTarget(v.Target)
	if f.machine.Current() != nil {
		t.Error("slot still occupied after target invalidation")
	}
	got, err := f.store.GetIteration(v.ID)
	if err != nil {
		t.Fatalf("GetIteration: %v", err)
	}
	if got.Status != store.StatusError {
		t.Errorf("status = %s, want error", got.Status)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	f := newFixture(t, Options{})
	target := f.seedTarget(t, "a.txt", "v1\n")

	f.machine.Submit(target, []byte("v2\n"), "agent", "")
	f.machine.Reject("reviewer", "first")
	time.Sleep(time.Millisecond)
	f.machine.Submit(target, []byte("v3\n"), "agent", "")
	f.machine.Reject("reviewer", "second")

	history, err := f.machine.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history len = %d", len(history))
	}
	if history[0].Reason != "second" {
		t.Errorf("history not newest-first: %+v", history)
	}
}
