// Package patch merges generated documentation back into source files. The
// output is additive only: stripping the inserted comment lines from a
// modified file must reproduce the original byte for byte, and assembly
// verifies that invariant before returning an entry.
package patch

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/dredger-dev/dredger/internal/config"
	"github.com/dredger-dev/dredger/internal/dispatch"
	"github.com/dredger-dev/dredger/internal/repo"
	"github.com/dredger-dev/dredger/pkg/chunk"
)

// LineRange is a 1-based inclusive range of inserted lines in the modified
// text.
type LineRange struct {
	Start int
	End   int
}

// PatchEntry is one file's before/after text plus the inserted comment
// ranges, ready for the PR collaborator.
type PatchEntry struct {
	Path     string
	Original string
	Modified string
	Inserted []LineRange
}

// Assemble inserts each successfully generated segment immediately before
// its unit, using the unit's indentation and the language's comment
// syntax. Units with failed or missing results are left untouched. Files
// that end up unchanged produce no entry.
func Assemble(results []dispatch.GenerationResult, units []chunk.SourceUnit, files []repo.File) ([]PatchEntry, error) {
	segments := make(map[string]string)
	for _, result := range results {
		if !result.Succeeded() {
			continue
		}
		for id, doc := range result.Segments {
			segments[id] = doc
		}
	}

	unitsByPath := make(map[string][]chunk.SourceUnit)
	for _, unit := range units {
		unitsByPath[unit.Path] = append(unitsByPath[unit.Path], unit)
	}

	entries := make([]PatchEntry, 0, len(files))
	for _, file := range files {
		entry, changed, err := assembleFile(file, unitsByPath[file.Path], segments)
		if err != nil {
			return nil, err
		}
		if changed {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func assembleFile(file repo.File, units []chunk.SourceUnit, segments map[string]string) (PatchEntry, bool, error) {
	// Units tile the file; anything else means extraction and assembly
	// disagree and inserting by position would corrupt the patch.
	var check strings.Builder
	for _, unit := range units {
		check.WriteString(unit.Text)
	}
	if check.String() != file.Text {
		return PatchEntry{}, false, fmt.Errorf("units do not tile %s", file.Path)
	}

	var out strings.Builder
	inserted := make([]LineRange, 0)
	line := 1
	changed := false
	for _, unit := range units {
		if doc, ok := segments[unit.ID()]; ok && doc != "" {
			block := commentBlock(doc, indentOf(unit.Text), file.Lang)
			out.WriteString(block)
			n := strings.Count(block, "\n")
			inserted = append(inserted, LineRange{Start: line, End: line + n - 1})
			line += n
			changed = true
		}
		out.WriteString(unit.Text)
		line += strings.Count(unit.Text, "\n")
	}

	entry := PatchEntry{
		Path:     file.Path,
		Original: file.Text,
		Modified: out.String(),
		Inserted: inserted,
	}
	if Strip(entry) != entry.Original {
		return PatchEntry{}, false, fmt.Errorf("assembled %s is not additive-only", file.Path)
	}
	return entry, changed, nil
}

// commentBlock renders doc as comment lines at the given indentation,
// always ending with a newline so the unit below keeps its own line.
func commentBlock(doc string, indent string, lang config.Language) string {
	var b strings.Builder
	for _, docLine := range strings.Split(strings.TrimRight(doc, "\n"), "\n") {
		b.WriteString(indent)
		b.WriteString(strings.TrimRight(lang.CommentPrefix+docLine+lang.CommentSuffix, " "))
		b.WriteByte('\n')
	}
	return b.String()
}

// indentOf returns the leading whitespace of the first non-blank line.
func indentOf(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
	}
	return ""
}

// Strip removes the inserted line ranges from the modified text,
// reconstructing what the original must have been.
func Strip(entry PatchEntry) string {
	if len(entry.Inserted) == 0 {
		return entry.Modified
	}
	skip := make(map[int]bool)
	for _, r := range entry.Inserted {
		for i := r.Start; i <= r.End; i++ {
			skip[i] = true
		}
	}
	lines := strings.SplitAfter(entry.Modified, "\n")
	var b strings.Builder
	for i, line := range lines {
		if skip[i+1] {
			continue
		}
		b.WriteString(line)
	}
	return b.String()
}

// DiffText renders the entry as patch text for dry-run output and PR
// bodies.
func (e PatchEntry) DiffText() string {
	dmp := diffmatchpatch.New()
	chars1, chars2, lineArray := dmp.DiffLinesToChars(e.Original, e.Modified)
	diffs := dmp.DiffMain(chars1, chars2, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)
	patches := dmp.PatchMake(e.Original, diffs)
	return dmp.PatchToText(patches)
}
