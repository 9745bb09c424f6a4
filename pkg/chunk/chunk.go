// Package chunk groups source units into token-budgeted chunks for
// dispatch to an inference backend.
package chunk

import (
	"errors"
	"fmt"

	f "github.com/dredger-dev/dredger/pkg/functional"
	"github.com/dredger-dev/dredger/pkg/tokens"
)

var ErrInvalidBudget = errors.New("invalid chunk budget")

// SourceUnit is the smallest independently documentable slice of a file:
// one top-level declaration, or the whole file when no finer structure is
// recognized. Lines are 1-based and inclusive. Immutable once extracted.
type SourceUnit struct {
	Path      string
	StartLine int
	EndLine   int
	Text      string
	Language  string
}

// ID is the stable unit identifier used in prompts, results and reports.
func (u SourceUnit) ID() string {
	return fmt.Sprintf("%s#%d-%d", u.Path, u.StartLine, u.EndLine)
}

// Chunk is an ordered run of units assigned to one inference call. An
// Oversized chunk holds exactly one unit whose own count exceeds the
// budget; such units are dispatched whole rather than truncated, since
// partial code breaks the generation prompt.
type Chunk struct {
	Index      int
	Units      []SourceUnit
	TokenCount int
	Model      string
	Oversized  bool
}

func (c Chunk) UnitIDs() []string {
	return f.Map(c.Units, func(u SourceUnit) string { return u.ID() })
}

// Build packs units into chunks in source order, closing the current chunk
// whenever the next unit would push it past budget. Token counts come from
// counter, which must be the same profile the generation call will use.
func Build(units []SourceUnit, budget int, model string, counter tokens.Counter) ([]Chunk, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBudget, budget)
	}

	chunks := make([]Chunk, 0, len(units))
	var current Chunk
	flush := func() {
		if len(current.Units) == 0 {
			return
		}
		current.Index = len(chunks)
		current.Model = model
		chunks = append(chunks, current)
		current = Chunk{}
	}

	for _, unit := range units {
		count := counter.Count(unit.Text)
		if count > budget {
			flush()
			chunks = append(chunks, Chunk{
				Index:      len(chunks),
				Units:      []SourceUnit{unit},
				TokenCount: count,
				Model:      model,
				Oversized:  true,
			})
			continue
		}
		if current.TokenCount+count > budget {
			flush()
		}
		current.Units = append(current.Units, unit)
		current.TokenCount += count
	}
	flush()
	return chunks, nil
}
