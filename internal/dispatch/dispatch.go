// Package dispatch fans chunks out to the inference client under a bounded
// concurrency limit and fans results back in chunk-index order. Completion
// order is never observable downstream: results land in a pre-sized,
// index-addressed slot array.
package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dredger-dev/dredger/internal/llm"
	"github.com/dredger-dev/dredger/pkg/chunk"
)

// Status is the lifecycle of one chunk through the dispatcher.
type Status string

const (
	StatusPending           Status = "pending"
	StatusInFlight          Status = "in_flight"
	StatusRetryScheduled    Status = "retry_scheduled"
	StatusSucceeded         Status = "succeeded"
	StatusPermanentlyFailed Status = "failed"
	StatusCancelled         Status = "cancelled"
)

// Generator is the single-attempt inference call. Retrying is owned here,
// not by the implementation.
type Generator interface {
	Generate(ctx context.Context, ch chunk.Chunk) (map[string]string, error)
}

// GenerationResult is the outcome of one chunk, consumed once by the patch
// assembler.
type GenerationResult struct {
	ChunkIndex int
	Segments   map[string]string
	Status     Status
	RetryCount int
	Err        error
	ErrKind    string
	UnitIDs    []string
}

func (r GenerationResult) Succeeded() bool {
	return r.Status == StatusSucceeded
}

// Options bounds the fan-out. Sleep is a seam for tests; nil means a
// context-aware real sleep.
type Options struct {
	Concurrency int
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Grace       time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error
}

type Dispatcher struct {
	gen  Generator
	opts Options
}

func New(gen Generator, opts Options) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 8 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Dispatcher{gen: gen, opts: opts}
}

// Run processes every chunk and returns results in chunk-index order. One
// chunk's permanent failure never halts the others; cancellation marks
// undispatched chunks Cancelled rather than dropping them.
func (d *Dispatcher) Run(ctx context.Context, chunks []chunk.Chunk) []GenerationResult {
	results := make([]GenerationResult, len(chunks))
	for i, ch := range chunks {
		results[i] = GenerationResult{
			ChunkIndex: ch.Index,
			Status:     StatusPending,
			UnitIDs:    ch.UnitIDs(),
		}
	}
	if len(chunks) == 0 {
		return results
	}

	genCtx, stopGrace := graceContext(ctx, d.opts.Grace)
	defer stopGrace()

	var cursor atomic.Int64
	workers := min(d.opts.Concurrency, len(chunks))
	g := new(errgroup.Group)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				idx := int(cursor.Add(1)) - 1
				if idx >= len(chunks) {
					return nil
				}
				if ctx.Err() != nil {
					results[idx].Status = StatusCancelled
					results[idx].ErrKind = "cancelled"
					results[idx].Err = ctx.Err()
					continue
				}
				results[idx] = d.process(ctx, genCtx, chunks[idx])
			}
		})
	}
	_ = g.Wait()
	return results
}

// process walks one chunk through the retry state machine:
// Pending → InFlight → {Succeeded, RetryScheduled, PermanentlyFailed, Cancelled}.
func (d *Dispatcher) process(ctx, genCtx context.Context, ch chunk.Chunk) GenerationResult {
	result := GenerationResult{
		ChunkIndex: ch.Index,
		Status:     StatusPending,
		UnitIDs:    ch.UnitIDs(),
	}

	for attempt := 0; ; attempt++ {
		result.Status = StatusInFlight
		result.RetryCount = attempt

		segments, err := d.gen.Generate(genCtx, ch)
		if err == nil {
			result.Status = StatusSucceeded
			result.Segments = segments
			return result
		}

		result.Err = err
		result.ErrKind = kindOf(err)

		if ctx.Err() != nil {
			result.Status = StatusCancelled
			result.ErrKind = "cancelled"
			return result
		}
		if !llm.Transient(err) || attempt >= d.opts.MaxRetries {
			result.Status = StatusPermanentlyFailed
			return result
		}

		result.Status = StatusRetryScheduled
		if err := d.opts.Sleep(ctx, d.backoff(attempt)); err != nil {
			result.Status = StatusCancelled
			result.ErrKind = "cancelled"
			result.Err = err
			return result
		}
	}
}

// backoff doubles the base per attempt up to the cap. Deterministic so the
// retry schedule is testable.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.opts.BackoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= d.opts.BackoffCap {
			return d.opts.BackoffCap
		}
	}
	return min(delay, d.opts.BackoffCap)
}

func kindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, llm.ErrTimeout):
		return "timeout"
	case errors.Is(err, llm.ErrEndpointUnavailable):
		return "endpoint_unavailable"
	case errors.Is(err, llm.ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

// graceContext returns a context for in-flight calls that survives parent
// cancellation by grace, so requests already on the wire may finish.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	child, cancel := context.WithCancelCause(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		if grace <= 0 {
			cancel(context.Canceled)
			return
		}
		time.AfterFunc(grace, func() { cancel(context.Canceled) })
	})
	return child, func() {
		stop()
		cancel(context.Canceled)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
