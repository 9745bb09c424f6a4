package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/dredger-dev/dredger/pkg/chunk"
	f "github.com/dredger-dev/dredger/pkg/functional"
)

// ChunkFailure records one failed or cancelled chunk in the report, with
// enough detail for a caller to decide whether a partial patch is usable.
type ChunkFailure struct {
	ChunkIndex int      `json:"chunk_index"`
	Kind       string   `json:"kind"`
	RetryCount int      `json:"retry_count"`
	UnitIDs    []string `json:"unit_ids"`
}

// RunReport is the aggregate record of one pipeline execution. Created at
// run start, finalized at run end, handed to the PR collaborator. The core
// never terminates the process; callers read Failed/Cancelled and decide.
type RunReport struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	TotalUnits  int `json:"total_units"`
	TotalChunks int `json:"total_chunks"`
	TotalTokens int `json:"total_tokens"`
	Oversized   int `json:"oversized_chunks"`

	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`

	PatchedFiles int `json:"patched_files"`

	Failures []ChunkFailure `json:"failures"`
}

// NewRunReport opens a report over the chunk layout before dispatch.
func NewRunReport(units []chunk.SourceUnit, chunks []chunk.Chunk) *RunReport {
	return &RunReport{
		StartedAt:   time.Now(),
		TotalUnits:  len(units),
		TotalChunks: len(chunks),
		TotalTokens: f.Sum(chunks, func(c chunk.Chunk) int { return c.TokenCount }),
		Oversized:   len(f.Filtered(chunks, func(c chunk.Chunk) bool { return c.Oversized })),
		Failures:    []ChunkFailure{},
	}
}

// Finalize folds dispatch results into the report and stamps the end time.
func (r *RunReport) Finalize(results []GenerationResult) {
	for _, result := range results {
		switch result.Status {
		case StatusSucceeded:
			r.Succeeded++
		case StatusCancelled:
			r.Cancelled++
			r.Failures = append(r.Failures, failureOf(result))
		default:
			r.Failed++
			r.Failures = append(r.Failures, failureOf(result))
		}
	}
	r.FinishedAt = time.Now()
}

func failureOf(result GenerationResult) ChunkFailure {
	return ChunkFailure{
		ChunkIndex: result.ChunkIndex,
		Kind:       result.ErrKind,
		RetryCount: result.RetryCount,
		UnitIDs:    result.UnitIDs,
	}
}

// Summary renders the report for PR bodies and terminal output.
func (r *RunReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "units: %d, chunks: %d (%d oversized), tokens: %d\n",
		r.TotalUnits, r.TotalChunks, r.Oversized, r.TotalTokens)
	fmt.Fprintf(&b, "succeeded: %d, failed: %d, cancelled: %d, files patched: %d\n",
		r.Succeeded, r.Failed, r.Cancelled, r.PatchedFiles)
	for _, failure := range r.Failures {
		fmt.Fprintf(&b, "- chunk %d %s after %d retries: %s\n",
			failure.ChunkIndex, failure.Kind, failure.RetryCount, strings.Join(failure.UnitIDs, ", "))
	}
	return b.String()
}
