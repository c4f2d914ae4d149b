// Package verifier performs syntax-level validation of proposed file
// content before it can be approved. Verification is advisory and
// kind-tagged: unknown kinds pass with a note rather than blocking.
package verifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"go/parser"
	"go/scanner"
	"go/token"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Kind identifies the syntax family applied to a file.
type Kind string

const (
	KindGoSource  Kind = "go"
	KindJSON      Kind = "json"
	KindYAML      Kind = "yaml"
	KindTOML      Kind = "toml"
	KindPlainText Kind = "text"
	KindUnknown   Kind = "unknown"
)

// Issue is a single problem found during verification.
type Issue struct {
	// Line is 1-based; zero when no position is known.
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Line > 0 {
		return fmt.Sprintf("line %d: %s", i.Line, i.Message)
	}
	return i.Message
}

// Result is the outcome of verifying one file.
type Result struct {
	Kind   Kind    `json:"kind"`
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues,omitempty"`

	// Note carries advisory context, e.g. that the kind was not
	// recognized and no check applied.
	Note string `json:"note,omitempty"`
}

// Summary renders the result as a single line for logs and reports.
func (r Result) Summary() string {
	if r.Valid {
		if r.Note != "" {
			return fmt.Sprintf("%s: ok (%s)", r.Kind, r.Note)
		}
		return fmt.Sprintf("%s: ok", r.Kind)
	}
	parts := make([]string, 0, len(r.Issues))
	for _, issue := range r.Issues {
		parts = append(parts, issue.String())
	}
	return fmt.Sprintf("%s: invalid: %s", r.Kind, strings.Join(parts, "; "))
}

// Verifier validates staged content by file kind. Optional JSON
// schemas, keyed by basename glob patterns, tighten JSON checks
// beyond well-formedness.
type Verifier struct {
	enabled bool
	schemas map[string]*jsonschema.Schema
}

// New builds a Verifier. schemaPaths maps a basename glob pattern
// (e.g. "plugin.json" or "*.plugin.json") to a JSON Schema file;
// schemas and patterns are compiled eagerly so configuration errors
// surface at startup.
func New(enabled bool, schemaPaths map[string]string) (*Verifier, error) {
	v := &Verifier{
		enabled: enabled,
		schemas: make(map[string]*jsonschema.Schema),
	}
	compiler := jsonschema.NewCompiler()
	for pattern, path := range schemaPaths {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("schema pattern %q: %w", pattern, err)
		}
		schema, err := compiler.Compile(path)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", pattern, err)
		}
		v.schemas[pattern] = schema
	}
	return v, nil
}

// schemaFor returns the schema whose pattern matches the target
// basename. An exact basename key wins over glob matches; among
// globs the lexically smallest matching pattern wins so the choice
// is stable across runs.
func (v *Verifier) schemaFor(path string) (*jsonschema.Schema, bool) {
	base := filepath.Base(path)
	if schema, ok := v.schemas[base]; ok {
		return schema, true
	}
	var (
		best   string
		schema *jsonschema.Schema
	)
	for pattern, s := range v.schemas {
		if ok, _ := filepath.Match(pattern, base); !ok {
			continue
		}
		if schema == nil || pattern < best {
			best, schema = pattern, s
		}
	}
	return schema, schema != nil
}

// KindForPath maps a file path to the syntax kind applied to it.
func KindForPath(path string) Kind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return KindGoSource
	case ".json":
		return KindJSON
	case ".yaml", ".yml":
		return KindYAML
	case ".toml":
		return KindTOML
	case ".txt", ".md", ".log":
		return KindPlainText
	default:
		return KindUnknown
	}
}

// Verify checks content destined for path. With verification disabled
// every input passes, tagged with a note.
func (v *Verifier) Verify(path string, content []byte) Result {
	kind := KindForPath(path)
	if !v.enabled {
		return Result{Kind: kind, Valid: true, Note: "verification disabled"}
	}

	switch kind {
	case KindGoSource:
		return verifyGo(path, content)
	case KindJSON:
		return v.verifyJSON(path, content)
	case KindYAML:
		return verifyYAML(content)
	case KindTOML:
		return verifyTOML(content)
	case KindPlainText:
		return Result{Kind: kind, Valid: true}
	default:
		return Result{Kind: kind, Valid: true, Note: "no check for this file kind"}
	}
}

func verifyGo(path string, content []byte) Result {
	fset := token.NewFileSet()
	_, err := parser.ParseFile(fset, filepath.Base(path), content, parser.AllErrors)
	if err == nil {
		return Result{Kind: KindGoSource, Valid: true}
	}

	result := Result{Kind: KindGoSource}
	if list, ok := err.(scanner.ErrorList); ok {
		for _, e := range list {
			result.Issues = append(result.Issues, Issue{Line: e.Pos.Line, Message: e.Msg})
		}
	} else {
		result.Issues = append(result.Issues, Issue{Message: err.Error()})
	}
	return result
}

func (v *Verifier) verifyJSON(path string, content []byte) Result {
	var doc any
	if err := json.Unmarshal(content, &doc); err != nil {
		issue := Issue{Message: err.Error()}
		if syn, ok := err.(*json.SyntaxError); ok {
			issue.Line = lineAtOffset(content, syn.Offset)
		}
		return Result{Kind: KindJSON, Issues: []Issue{issue}}
	}

	schema, ok := v.schemaFor(path)
	if !ok {
		return Result{Kind: KindJSON, Valid: true}
	}
	if err := schema.Validate(doc); err != nil {
		result := Result{Kind: KindJSON}
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			for _, cause := range flattenSchemaErrors(ve) {
				result.Issues = append(result.Issues, Issue{Message: cause})
			}
		} else {
			result.Issues = append(result.Issues, Issue{Message: err.Error()})
		}
		return result
	}
	return Result{Kind: KindJSON, Valid: true, Note: "schema validated"}
}

func verifyYAML(content []byte) Result {
	var doc any
	if err := yaml.Unmarshal(content, &doc); err != nil {
		result := Result{Kind: KindYAML}
		if te, ok := err.(*yaml.TypeError); ok {
			for _, msg := range te.Errors {
				result.Issues = append(result.Issues, Issue{Message: msg})
			}
		} else {
			result.Issues = append(result.Issues, Issue{Message: err.Error()})
		}
		return result
	}
	return Result{Kind: KindYAML, Valid: true}
}

func verifyTOML(content []byte) Result {
	var doc map[string]any
	if err := toml.Unmarshal(content, &doc); err != nil {
		issue := Issue{Message: err.Error()}
		if pe, ok := err.(toml.ParseError); ok {
			issue.Line = pe.Position.Line
			issue.Message = pe.Message
		}
		return Result{Kind: KindTOML, Issues: []Issue{issue}}
	}
	return Result{Kind: KindTOML, Valid: true}
}

// lineAtOffset converts a byte offset into a 1-based line number.
func lineAtOffset(content []byte, offset int64) int {
	if offset < 0 || offset > int64(len(content)) {
		return 0
	}
	return bytes.Count(content[:offset], []byte("\n")) + 1
}

// flattenSchemaErrors walks a validation error tree collecting leaf
// messages, which are the ones that name the failing keyword.
func flattenSchemaErrors(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("%s: %s", loc, ve.Message)}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, flattenSchemaErrors(cause)...)
	}
	return out
}
