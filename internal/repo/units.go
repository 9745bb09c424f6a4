package repo

import (
	"strings"

	"github.com/dredger-dev/dredger/pkg/chunk"
)

// ExtractUnits slices a file into source units at top-level declaration
// boundaries. A declaration boundary is an unindented line beginning with
// one of the language's declaration starters; everything before the first
// boundary (package clause, imports) forms its own leading unit. Files with
// no recognized boundaries become a single whole-file unit. Units cover
// whole lines and tile the file in order with no gaps.
func ExtractUnits(file File) []chunk.SourceUnit {
	lines := splitLines(file.Text)
	if len(lines) == 0 {
		return nil
	}

	starts := declStarts(lines, file.Lang.DeclStarters)
	if len(starts) == 0 {
		return []chunk.SourceUnit{unitFor(file, lines, 0, len(lines)-1)}
	}

	units := make([]chunk.SourceUnit, 0, len(starts)+1)
	if starts[0] > 0 {
		units = append(units, unitFor(file, lines, 0, starts[0]-1))
	}
	for i, start := range starts {
		end := len(lines) - 1
		if i+1 < len(starts) {
			end = starts[i+1] - 1
		}
		units = append(units, unitFor(file, lines, start, end))
	}
	return units
}

// ExtractAll runs unit extraction over files in order.
func ExtractAll(files []File) []chunk.SourceUnit {
	units := make([]chunk.SourceUnit, 0, len(files))
	for _, file := range files {
		units = append(units, ExtractUnits(file)...)
	}
	return units
}

func declStarts(lines []string, starters []string) []int {
	if len(starters) == 0 {
		return nil
	}
	starts := make([]int, 0)
	for i, line := range lines {
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		for _, starter := range starters {
			if strings.HasPrefix(line, starter) {
				starts = append(starts, i)
				break
			}
		}
	}
	return starts
}

// unitFor builds the unit covering lines[start..end] (0-based, inclusive),
// reconstructing the exact original text including the trailing newline of
// every line except possibly the file's last.
func unitFor(file File, lines []string, start, end int) chunk.SourceUnit {
	var b strings.Builder
	for i := start; i <= end; i++ {
		b.WriteString(lines[i])
		if i < len(lines)-1 || strings.HasSuffix(file.Text, "\n") {
			b.WriteByte('\n')
		}
	}
	return chunk.SourceUnit{
		Path:      file.Path,
		StartLine: start + 1,
		EndLine:   end + 1,
		Text:      b.String(),
		Language:  file.Language,
	}
}

// splitLines splits without keeping terminators; a trailing newline does
// not produce a phantom empty line.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	trimmed := strings.TrimSuffix(text, "\n")
	return strings.Split(trimmed, "\n")
}
