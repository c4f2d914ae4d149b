// Package gatekeeper decides whether a path or command is permitted.
//
// Decisions are pure: the gatekeeper compiles its policy once at
// construction and never mutates state afterward, so it is safe to
// call concurrently. Forbidden patterns take precedence over the
// root whitelist - deny wins over allow.
package gatekeeper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Authorization errors.
var (
	ErrInvalidPath       = errors.New("gatekeeper: invalid path")
	ErrNullByte          = errors.New("gatekeeper: null byte in path")
	ErrPathTooLong       = errors.New("gatekeeper: path exceeds maximum length")
	ErrPathOutsideRoot   = errors.New("gatekeeper: path outside allowed root")
	ErrForbiddenPath     = errors.New("gatekeeper: path matches forbidden pattern")
	ErrEmptyCommand      = errors.New("gatekeeper: empty command")
	ErrCommandNotAllowed = errors.New("gatekeeper: command not in whitelist")
	ErrForbiddenCommand  = errors.New("gatekeeper: command matches forbidden pattern")
)

// Mode distinguishes read and write authorization.
type Mode int

const (
	// ModeRead authorizes reading a file.
	ModeRead Mode = iota
	// ModeWrite authorizes staging and applying changes to a file.
	ModeWrite
)

func (m Mode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

// Policy configures the gatekeeper.
type Policy struct {
	// ReadRoots are directories readable paths must resolve into.
	ReadRoots []string

	// WriteRoots are directories writable paths must resolve into.
	WriteRoots []string

	// ForbiddenPatterns are case-insensitive regexes matched against
	// the canonical absolute path. A match denies regardless of roots.
	ForbiddenPatterns []string

	// AllowedCommands are permitted program names (matched by basename).
	AllowedCommands []string

	// ForbiddenCommands are case-insensitive regexes matched against
	// the full invocation. A match denies regardless of the whitelist.
	ForbiddenCommands []string

	// MaxPathLength bounds accepted path lengths. Zero means 4096.
	MaxPathLength int
}

// Decision is the outcome of an authorization check.
type Decision struct {
	// Allowed reports whether the request is permitted.
	Allowed bool

	// Path is the canonical absolute path the decision applies to.
	// Only set for path decisions.
	Path string

	// Err carries the denial reason when Allowed is false.
	Err error
}

// Denied returns the denial reason, or nil when allowed.
func (d Decision) Denied() error {
	if d.Allowed {
		return nil
	}
	return d.Err
}

// Gatekeeper evaluates path and command authorization.
type Gatekeeper struct {
	readRoots  []string
	writeRoots []string
	forbidden  []*regexp.Regexp

	allowedCommands   map[string]struct{}
	forbiddenCommands []*regexp.Regexp

	maxPathLength int
}

// New compiles a policy into a Gatekeeper. Roots are resolved to
// absolute paths; invalid regex patterns are a construction error.
func New(policy Policy) (*Gatekeeper, error) {
	g := &Gatekeeper{
		allowedCommands: make(map[string]struct{}),
		maxPathLength:   policy.MaxPathLength,
	}
	if g.maxPathLength <= 0 {
		g.maxPathLength = 4096
	}

	var err error
	if g.readRoots, err = absRoots(policy.ReadRoots); err != nil {
		return nil, err
	}
	if g.writeRoots, err = absRoots(policy.WriteRoots); err != nil {
		return nil, err
	}

	for _, pat := range policy.ForbiddenPatterns {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			return nil, fmt.Errorf("compile forbidden pattern %q: %w", pat, err)
		}
		g.forbidden = append(g.forbidden, re)
	}

	for _, cmd := range policy.AllowedCommands {
		g.allowedCommands[strings.ToLower(cmd)] = struct{}{}
	}
	for _, pat := range policy.ForbiddenCommands {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			return nil, fmt.Errorf("compile forbidden command %q: %w", pat, err)
		}
		g.forbiddenCommands = append(g.forbiddenCommands, re)
	}

	return g, nil
}

func absRoots(roots []string) ([]string, error) {
	out := make([]string, 0, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve root %q: %w", root, err)
		}
		// Resolve symlinked roots so prefix checks compare like with like.
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			abs = real
		}
		out = append(out, abs)
	}
	return out, nil
}

// AuthorizePath decides whether path may be accessed in the given mode.
// The path is canonicalized (cleaned, made absolute, symlinks resolved)
// before any check, so `..` and symlink traversal cannot escape a root.
func (g *Gatekeeper) AuthorizePath(path string, mode Mode) Decision {
	canonical, err := g.Canonicalize(path)
	if err != nil {
		return Decision{Allowed: false, Err: err}
	}

	// Deny wins: a forbidden match overrides any whitelist entry.
	for _, re := range g.forbidden {
		if re.MatchString(canonical) {
			return Decision{
				Allowed: false,
				Path:    canonical,
				Err:     fmt.Errorf("%w: %s", ErrForbiddenPath, re.String()),
			}
		}
	}

	roots := g.readRoots
	if mode == ModeWrite {
		roots = g.writeRoots
	}

	for _, root := range roots {
		if canonical == root || strings.HasPrefix(canonical, root+string(filepath.Separator)) {
			return Decision{Allowed: true, Path: canonical}
		}
	}

	return Decision{
		Allowed: false,
		Path:    canonical,
		Err:     fmt.Errorf("%w: %s (%s)", ErrPathOutsideRoot, canonical, mode),
	}
}

// Canonicalize cleans and absolutizes a path and resolves symlinks.
// Non-existent paths are resolved through their nearest existing parent
// so a staged path for a file that does not exist yet still canonicalizes.
func (g *Gatekeeper) Canonicalize(path string) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}
	if strings.Contains(path, "\x00") {
		return "", ErrNullByte
	}
	if len(path) > g.maxPathLength {
		return "", fmt.Errorf("%w: length %d exceeds %d", ErrPathTooLong, len(path), g.maxPathLength)
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	real, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return real, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("%w: resolve symlinks: %v", ErrInvalidPath, err)
	}

	// Path does not exist yet: resolve the parent instead.
	parent := filepath.Dir(abs)
	realParent, perr := filepath.EvalSymlinks(parent)
	if perr != nil {
		if os.IsNotExist(perr) {
			return abs, nil
		}
		return "", fmt.Errorf("%w: resolve parent symlinks: %v", ErrInvalidPath, perr)
	}
	return filepath.Join(realParent, filepath.Base(abs)), nil
}

// AuthorizeCommand decides whether a shell invocation is permitted.
// The program is matched by basename against the whitelist, so
// /usr/bin/git and git are equivalent. Forbidden-command patterns are
// checked against the full invocation and always deny.
func (g *Gatekeeper) AuthorizeCommand(command string) Decision {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return Decision{Allowed: false, Err: ErrEmptyCommand}
	}

	for _, re := range g.forbiddenCommands {
		if re.MatchString(trimmed) {
			return Decision{
				Allowed: false,
				Err:     fmt.Errorf("%w: %s", ErrForbiddenCommand, re.String()),
			}
		}
	}

	fields := strings.Fields(trimmed)
	program := strings.ToLower(filepath.Base(fields[0]))
	if _, ok := g.allowedCommands[program]; !ok {
		return Decision{
			Allowed: false,
			Err:     fmt.Errorf("%w: %s", ErrCommandNotAllowed, program),
		}
	}

	return Decision{Allowed: true}
}
