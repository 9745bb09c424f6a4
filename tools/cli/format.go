package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/dredger-dev/dredger/pkg/chunk"
	f "github.com/dredger-dev/dredger/pkg/functional"
)

type OutputFormat string

const (
	FormatDefault OutputFormat = "default"
	FormatOneLine OutputFormat = "one-line"
	FormatJSON    OutputFormat = "json"
)

var allowedFormats = []string{string(FormatDefault), string(FormatOneLine), string(FormatJSON)}

func validateFormat(format string) (OutputFormat, error) {
	if !slices.Contains(allowedFormats, format) {
		return "", fmt.Errorf("invalid format %s. Must be one of %s", format, strings.Join(allowedFormats, ", "))
	}
	return OutputFormat(format), nil
}

type unitJSON struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Language  string `json:"language"`
}

// writeUnits prints unit IDs grouped per file (default), one per line, or
// as a JSON array.
func writeUnits(w io.Writer, units []chunk.SourceUnit, format OutputFormat) error {
	switch format {
	case FormatJSON:
		out := f.Map(units, func(u chunk.SourceUnit) unitJSON {
			return unitJSON{
				ID:        u.ID(),
				Path:      u.Path,
				StartLine: u.StartLine,
				EndLine:   u.EndLine,
				Language:  u.Language,
			}
		})
		return json.NewEncoder(w).Encode(out)
	case FormatOneLine:
		fmt.Fprintln(w, strings.Join(f.Map(units, func(u chunk.SourceUnit) string { return u.ID() }), " "))
	default:
		lastPath := ""
		for _, unit := range units {
			if unit.Path != lastPath {
				fmt.Fprintf(w, "%s:\n", unit.Path)
				lastPath = unit.Path
			}
			fmt.Fprintf(w, "  %d-%d\n", unit.StartLine, unit.EndLine)
		}
	}
	return nil
}

type chunkJSON struct {
	Index      int      `json:"index"`
	TokenCount int      `json:"token_count"`
	Oversized  bool     `json:"oversized"`
	UnitIDs    []string `json:"unit_ids"`
}

func writeChunks(w io.Writer, chunks []chunk.Chunk, budget int, format OutputFormat) error {
	switch format {
	case FormatJSON:
		out := f.Map(chunks, func(c chunk.Chunk) chunkJSON {
			return chunkJSON{
				Index:      c.Index,
				TokenCount: c.TokenCount,
				Oversized:  c.Oversized,
				UnitIDs:    c.UnitIDs(),
			}
		})
		return json.NewEncoder(w).Encode(out)
	case FormatOneLine:
		parts := f.Map(chunks, func(c chunk.Chunk) string {
			return fmt.Sprintf("%d:%d", c.Index, c.TokenCount)
		})
		fmt.Fprintln(w, strings.Join(parts, " "))
	default:
		for _, c := range chunks {
			marker := ""
			if c.Oversized {
				marker = " OVERSIZED"
			}
			fmt.Fprintf(w, "chunk %d: %d units, %d/%d tokens%s\n", c.Index, len(c.Units), c.TokenCount, budget, marker)
			for _, id := range c.UnitIDs() {
				fmt.Fprintf(w, "  %s\n", id)
			}
		}
	}
	return nil
}
