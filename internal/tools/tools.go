// Package tools is the agent-facing operation surface: guarded file
// reads, change proposals, confined command execution, and the
// capability notice describing the rules to the agent.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"wardend/internal/backup"
	"wardend/internal/gatekeeper"
	"wardend/internal/iteration"
	"wardend/internal/store"
	"wardend/internal/workspace"
)

// ErrExecTimeout means a command exceeded its execution deadline.
var ErrExecTimeout = errors.New("tools: command timed out")

// maxReadBytes bounds a single guarded read.
const maxReadBytes = 8 * 1024 * 1024

// FileSlice is a windowed read of a file.
type FileSlice struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	Offset     int    `json:"offset"`
	Count      int    `json:"count"`
	TotalLines int    `json:"total_lines"`
}

// ExecResult is the outcome of a confined command execution.
type ExecResult struct {
	Command  string `json:"command"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out"`
}

// StatusReport aggregates daemon state for the status surface.
type StatusReport struct {
	Pending   *iteration.View `json:"pending,omitempty"`
	Counts    map[string]int  `json:"counts"`
	Workspace workspace.Stats `json:"workspace"`
	Backups   int             `json:"backups"`
}

// Toolbox bundles the guarded operations. Every entry point consults
// the gatekeeper before touching the filesystem or spawning anything.
type Toolbox struct {
	gate        *gatekeeper.Gatekeeper
	machine     *iteration.Machine
	backups     *backup.Manager
	ws          *workspace.Workspace
	st          *store.Store
	execTimeout time.Duration
	log         *slog.Logger
}

// New builds a Toolbox. execTimeout bounds ExecuteTerminal; zero means
// 30 seconds.
func New(gate *gatekeeper.Gatekeeper, machine *iteration.Machine, backups *backup.Manager, ws *workspace.Workspace, st *store.Store, execTimeout time.Duration, log *slog.Logger) *Toolbox {
	if execTimeout <= 0 {
		execTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Toolbox{
		gate:        gate,
		machine:     machine,
		backups:     backups,
		ws:          ws,
		st:          st,
		execTimeout: execTimeout,
		log:         log,
	}
}

// ReadFile returns a window of lines from a readable file. offset is
// the 0-based first line; limit <= 0 means to the end.
func (t *Toolbox) ReadFile(path string, offset, limit int) (*FileSlice, error) {
	decision := t.gate.AuthorizePath(path, gatekeeper.ModeRead)
	if err := decision.Denied(); err != nil {
		return nil, err
	}
	canonical := decision.Path

	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", canonical, err)
	}
	if info.Size() > maxReadBytes {
		return nil, fmt.Errorf("read %s: file size %d exceeds limit %d", canonical, info.Size(), maxReadBytes)
	}

	content, err := os.ReadFile(canonical)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", canonical, err)
	}

	lines := strings.Split(string(content), "\n")
	// A trailing newline produces an empty final element; drop it so
	// line counts match what an editor shows.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	total := len(lines)

	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	window := lines[offset:end]

	return &FileSlice{
		Path:       canonical,
		Content:    strings.Join(window, "\n"),
		Offset:     offset,
		Count:      len(window),
		TotalLines: total,
	}, nil
}

// SelfIterate proposes new content for a file the agent wants to
// change. The change is staged for review; nothing is applied here.
func (t *Toolbox) SelfIterate(target string, content []byte, proposer, description string) (*iteration.View, error) {
	return t.machine.Submit(target, content, proposer, description)
}

// WriteFile stages content for a target without opening an iteration.
// The staged bytes sit in the shadow workspace until a later
// SelfIterate adopts the target or the expiry sweep collects them; the
// live file is never touched. Staging is refused while the target has
// a proposal under review.
func (t *Toolbox) WriteFile(target string, content []byte) (*workspace.Entry, error) {
	decision := t.gate.AuthorizePath(target, gatekeeper.ModeWrite)
	if err := decision.Denied(); err != nil {
		return nil, err
	}
	if pending, ok := t.machine.PendingTarget(); ok && pending == decision.Path {
		return nil, iteration.ErrIterationPending
	}
	entry, err := t.ws.Stage(decision.Path, content)
	if err != nil {
		return nil, err
	}
	t.log.Debug("content staged", "target", decision.Path, "bytes", len(content))
	return &entry, nil
}

// ExecuteTerminal runs a whitelisted command with a bounded runtime.
// The command is split on whitespace and executed directly, never
// through a shell, so redirections and pipes cannot smuggle extra
// programs past the whitelist. workdir must sit inside a read root.
func (t *Toolbox) ExecuteTerminal(ctx context.Context, command, workdir string) (*ExecResult, error) {
	if d := t.gate.AuthorizeCommand(command); !d.Allowed {
		return nil, d.Err
	}

	if workdir != "" {
		d := t.gate.AuthorizePath(workdir, gatekeeper.ModeRead)
		if err := d.Denied(); err != nil {
			return nil, fmt.Errorf("workdir: %w", err)
		}
		workdir = d.Path
	}

	ctx, cancel := context.WithTimeout(ctx, t.execTimeout)
	defer cancel()

	fields := strings.Fields(command)
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Dir = workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecResult{
		Command: command,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		t.log.Warn("command timed out", "command", command)
		return result, fmt.Errorf("%w: %s", ErrExecTimeout, command)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("run %s: %w", fields[0], err)
	}

	t.log.Debug("command executed", "command", command, "workdir", workdir)
	return result, nil
}

// Status aggregates pending proposal, lifecycle counts, workspace
// stats, and retained backup count.
func (t *Toolbox) Status() (*StatusReport, error) {
	counts, err := t.machine.Counts()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]int, len(counts))
	for status, n := range counts {
		byName[string(status)] = n
	}

	backupCount, err := t.st.CountBackups("")
	if err != nil {
		return nil, err
	}

	return &StatusReport{
		Pending:   t.machine.Current(),
		Counts:    byName,
		Workspace: t.ws.Stats(),
		Backups:   backupCount,
	}, nil
}

// Backups lists retained snapshots, newest first. An empty target
// lists snapshots for every file.
func (t *Toolbox) Backups(target string, limit int) ([]store.Backup, error) {
	return t.backups.List(target, limit)
}

// CapabilityNotice is the text injected into the agent's context so
// it knows which operations exist and that every change is reviewed.
func CapabilityNotice() string {
	return strings.TrimSpace(`
You can modify your own source files through a guarded pipeline:
- read_file(path, offset, limit): read files under the allowed roots.
- write_file(path, content): stage draft content in the shadow
  workspace. The live file is never written directly.
- self_iterate(path, description, content): propose a full replacement
  for a file. The proposal is verified, diffed, and staged; it takes
  effect only after an explicit approval.
- execute_terminal(command, workdir): run whitelisted commands with a
  bounded runtime.
Only one proposal may be pending at a time. Approved changes back up
the previous content first and can be rolled back. Paths outside the
allowed roots, paths matching forbidden patterns, and commands outside
the whitelist are denied.`)
}
