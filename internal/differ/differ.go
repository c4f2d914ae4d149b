// Package differ computes line-level diff reports between the live
// content of a file and its proposed replacement. Reports are
// deterministic: the same pair of inputs always yields the same hunks
// and the same rendered text.
package differ

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// DefaultContext is the number of unchanged lines kept around each
// hunk, matching the conventional unified diff default.
const DefaultContext = 3

// Line is one line of a hunk with its change marker.
type Line struct {
	// Op is " " for unchanged, "-" for removed, "+" for added.
	Op   string `json:"op"`
	Text string `json:"text"`
}

// Hunk is one contiguous region of change, with 1-based starting
// lines and line counts matching unified diff headers.
type Hunk struct {
	OldStart int    `json:"old_start"`
	OldLines int    `json:"old_lines"`
	NewStart int    `json:"new_start"`
	NewLines int    `json:"new_lines"`
	Lines    []Line `json:"lines"`
}

// Header renders the @@ range header for the hunk.
func (h Hunk) Header() string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldLines, h.NewStart, h.NewLines)
}

// Report summarizes the difference between old and new content.
type Report struct {
	Target  string `json:"target"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
	Hunks   []Hunk `json:"hunks,omitempty"`

	// Unified is the rendered unified diff text. Empty when the
	// contents are identical.
	Unified string `json:"unified,omitempty"`
}

// Identical reports whether old and new content were byte-equal.
func (r Report) Identical() bool {
	return len(r.Hunks) == 0
}

// Summary is a one-line description for logs and status output.
func (r Report) Summary() string {
	if r.Identical() {
		return "no changes"
	}
	return fmt.Sprintf("%d hunk(s), +%d -%d", len(r.Hunks), r.Added, r.Removed)
}

// Compute diffs oldContent against newContent for target, keeping
// context unchanged lines around each hunk. A missing live file is
// represented by empty oldContent, which yields a pure-addition report.
func Compute(target string, oldContent, newContent []byte, context int) (Report, error) {
	if context <= 0 {
		context = DefaultContext
	}

	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)

	report := Report{Target: target}
	if string(oldContent) == string(newContent) {
		return report, nil
	}

	matcher := difflib.NewMatcher(oldLines, newLines)
	for _, group := range matcher.GetGroupedOpCodes(context) {
		hunk := Hunk{
			OldStart: group[0].I1 + 1,
			OldLines: group[len(group)-1].I2 - group[0].I1,
			NewStart: group[0].J1 + 1,
			NewLines: group[len(group)-1].J2 - group[0].J1,
		}
		for _, op := range group {
			switch op.Tag {
			case 'e':
				for _, text := range oldLines[op.I1:op.I2] {
					hunk.Lines = append(hunk.Lines, Line{Op: " ", Text: chomp(text)})
				}
			case 'r', 'd':
				for _, text := range oldLines[op.I1:op.I2] {
					hunk.Lines = append(hunk.Lines, Line{Op: "-", Text: chomp(text)})
					report.Removed++
				}
				if op.Tag == 'r' {
					for _, text := range newLines[op.J1:op.J2] {
						hunk.Lines = append(hunk.Lines, Line{Op: "+", Text: chomp(text)})
						report.Added++
					}
				}
			case 'i':
				for _, text := range newLines[op.J1:op.J2] {
					hunk.Lines = append(hunk.Lines, Line{Op: "+", Text: chomp(text)})
					report.Added++
				}
			}
		}
		report.Hunks = append(report.Hunks, hunk)
	}

	rel := strings.TrimPrefix(target, "/")
	unified, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        oldLines,
		B:        newLines,
		FromFile: "a/" + rel,
		ToFile:   "b/" + rel,
		Context:  context,
	})
	if err != nil {
		return Report{}, fmt.Errorf("render unified diff: %w", err)
	}
	report.Unified = unified

	return report, nil
}

func chomp(line string) string {
	return strings.TrimRight(line, "\n")
}

// splitLines treats empty content as zero lines, so a created or
// emptied file diffs as pure additions or removals. difflib's own
// SplitLines would yield a single empty line instead.
func splitLines(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	return difflib.SplitLines(string(content))
}
