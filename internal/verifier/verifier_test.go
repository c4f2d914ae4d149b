package verifier

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := New(true, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestKindForPath(t *testing.T) {
	tests := []struct {
		path string
		want Kind
	}{
		{"main.go", KindGoSource},
		{"/app/plugin.json", KindJSON},
		{"config.yaml", KindYAML},
		{"config.yml", KindYAML},
		{"settings.TOML", KindTOML},
		{"README.md", KindPlainText},
		{"notes.txt", KindPlainText},
		{"binary.bin", KindUnknown},
		{"Makefile", KindUnknown},
	}
	for _, tt := range tests {
		if got := KindForPath(tt.path); got != tt.want {
			t.Errorf("KindForPath(%q) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestVerifyValidGoSource(t *testing.T) {
	v := newVerifier(t)
	src := "package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n"
	r := v.Verify("main.go", []byte(src))
	if !r.Valid {
		t.Fatalf("expected valid, got %s", r.Summary())
	}
	if r.Kind != KindGoSource {
		t.Errorf("kind = %s", r.Kind)
	}
}

func TestVerifyGoSourceUnmatchedBrace(t *testing.T) {
	v := newVerifier(t)
	src := "package main\n\nfunc main() {\n\tprintln(\"hi\")\n"
	r := v.Verify("main.go", []byte(src))
	if r.Valid {
		t.Fatal("expected invalid for unmatched brace")
	}
	if len(r.Issues) == 0 {
		t.Fatal("expected at least one issue")
	}
	if r.Issues[0].Line == 0 {
		t.Errorf("expected a line number, got %+v", r.Issues[0])
	}
}

func TestVerifyJSON(t *testing.T) {
	v := newVerifier(t)

	if r := v.Verify("data.json", []byte(`{"a": [1, 2, 3]}`)); !r.Valid {
		t.Errorf("valid json rejected: %s", r.Summary())
	}

	r := v.Verify("data.json", []byte("{\n  \"a\": 1,\n  \"b\": ,\n}"))
	if r.Valid {
		t.Fatal("expected invalid for malformed json")
	}
	if len(r.Issues) == 0 || r.Issues[0].Line != 3 {
		t.Errorf("expected issue on line 3, got %+v", r.Issues)
	}
}

func TestVerifyJSONWithSchema(t *testing.T) {
	dir := t.TempDir()
	schemaPath := filepath.Join(dir, "plugin.schema.json")
	schema := `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string"},
			"retries": {"type": "integer", "minimum": 0}
		}
	}`
	if err := os.WriteFile(schemaPath, []byte(schema), 0o600); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	v, err := New(true, map[string]string{"plugin.json": schemaPath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if r := v.Verify("plugin.json", []byte(`{"name": "x", "retries": 3}`)); !r.Valid {
		t.Errorf("conforming document rejected: %s", r.Summary())
	}

	r := v.Verify("plugin.json", []byte(`{"retries": -1}`))
	if r.Valid {
		t.Fatal("expected schema violations to fail verification")
	}
	if len(r.Issues) < 2 {
		t.Errorf("expected missing-name and minimum issues, got %+v", r.Issues)
	}

	// Same content under another basename has no schema bound: only
	// well-formedness applies.
	if r := v.Verify("other.json", []byte(`{"retries": -1}`)); !r.Valid {
		t.Errorf("unbound basename should pass well-formed json: %s", r.Summary())
	}
}

func TestVerifyJSONSchemaGlob(t *testing.T) {
	dir := t.TempDir()
	schemaPath := filepath.Join(dir, "plugin.schema.json")
	schema := `{"type": "object", "required": ["name"]}`
	if err := os.WriteFile(schemaPath, []byte(schema), 0o600); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	v, err := New(true, map[string]string{"*.plugin.json": schemaPath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if r := v.Verify("/app/auth.plugin.json", []byte(`{"name": "auth"}`)); !r.Valid {
		t.Errorf("conforming document rejected: %s", r.Summary())
	}
	if r := v.Verify("/app/auth.plugin.json", []byte(`{}`)); r.Valid {
		t.Error("expected glob-bound schema to apply")
	}
	// Non-matching basename: only well-formedness applies.
	if r := v.Verify("/app/settings.json", []byte(`{}`)); !r.Valid {
		t.Errorf("unmatched basename should pass well-formed json: %s", r.Summary())
	}
}

func TestNewRejectsBadSchemaPattern(t *testing.T) {
	if _, err := New(true, map[string]string{"[x.json": "/tmp/x.schema.json"}); err == nil {
		t.Error("expected error for malformed pattern")
	}
}

func TestNewRejectsMissingSchema(t *testing.T) {
	if _, err := New(true, map[string]string{"x.json": "/nonexistent/schema.json"}); err == nil {
		t.Error("expected error for unreadable schema")
	}
}

func TestVerifyYAML(t *testing.T) {
	v := newVerifier(t)

	if r := v.Verify("config.yaml", []byte("a: 1\nb:\n  - x\n  - y\n")); !r.Valid {
		t.Errorf("valid yaml rejected: %s", r.Summary())
	}
	if r := v.Verify("config.yaml", []byte("a: [1, 2\n")); r.Valid {
		t.Error("expected invalid for unterminated flow sequence")
	}
}

func TestVerifyTOML(t *testing.T) {
	v := newVerifier(t)

	if r := v.Verify("config.toml", []byte("[server]\nport = 8080\n")); !r.Valid {
		t.Errorf("valid toml rejected: %s", r.Summary())
	}
	r := v.Verify("config.toml", []byte("[server\nport = 8080\n"))
	if r.Valid {
		t.Fatal("expected invalid for unterminated table header")
	}
	if len(r.Issues) == 0 || r.Issues[0].Line == 0 {
		t.Errorf("expected issue with line number, got %+v", r.Issues)
	}
}

func TestVerifyPlainTextAndUnknownPass(t *testing.T) {
	v := newVerifier(t)

	if r := v.Verify("notes.txt", []byte("anything goes {[(")); !r.Valid {
		t.Error("plain text should always pass")
	}
	r := v.Verify("data.bin", []byte{0x00, 0xff})
	if !r.Valid {
		t.Error("unknown kind should pass")
	}
	if r.Note == "" {
		t.Error("unknown kind should carry a note")
	}
}

func TestVerifyDisabled(t *testing.T) {
	v, err := New(false, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := v.Verify("main.go", []byte("not go at all"))
	if !r.Valid {
		t.Error("disabled verifier must pass everything")
	}
	if !strings.Contains(r.Note, "disabled") {
		t.Errorf("note = %q", r.Note)
	}
}
