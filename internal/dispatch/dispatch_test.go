package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dredger-dev/dredger/internal/llm"
	"github.com/dredger-dev/dredger/pkg/chunk"
	f "github.com/dredger-dev/dredger/pkg/functional"
)

// fakeGenerator scripts per-chunk behavior: artificial delays and error
// sequences keyed by chunk index.
type fakeGenerator struct {
	mu       sync.Mutex
	delays   map[int]time.Duration
	failures map[int][]error
	attempts map[int]int
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		delays:   make(map[int]time.Duration),
		failures: make(map[int][]error),
		attempts: make(map[int]int),
	}
}

func (g *fakeGenerator) Generate(ctx context.Context, ch chunk.Chunk) (map[string]string, error) {
	g.mu.Lock()
	attempt := g.attempts[ch.Index]
	g.attempts[ch.Index] = attempt + 1
	delay := g.delays[ch.Index]
	var err error
	if queue := g.failures[ch.Index]; attempt < len(queue) {
		err = queue[attempt]
	}
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	segments := make(map[string]string)
	for _, id := range ch.UnitIDs() {
		segments[id] = fmt.Sprintf("doc for %s", id)
	}
	return segments, nil
}

func (g *fakeGenerator) attemptCount(index int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts[index]
}

func makeChunks(n int) []chunk.Chunk {
	chunks := make([]chunk.Chunk, n)
	for i := 0; i < n; i++ {
		chunks[i] = chunk.Chunk{
			Index: i,
			Units: []chunk.SourceUnit{
				{Path: fmt.Sprintf("f%d.go", i), StartLine: 1, EndLine: 5, Text: "func X() {}\n"},
			},
			TokenCount: 10,
		}
	}
	return chunks
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func TestRunPreservesChunkOrder(t *testing.T) {
	const n = 8
	gen := newFakeGenerator()
	// Later chunks finish first so completion order is the reverse of
	// dispatch order.
	for i := 0; i < n; i++ {
		gen.delays[i] = time.Duration(n-i) * 10 * time.Millisecond
	}

	chunks := makeChunks(n)
	d := New(gen, Options{Concurrency: n, Sleep: noSleep})
	results := d.Run(context.Background(), chunks)

	if len(results) != n {
		t.Fatalf("expected %d results, got %d", n, len(results))
	}
	for i, result := range results {
		if result.ChunkIndex != i {
			t.Errorf("result %d carries chunk index %d", i, result.ChunkIndex)
		}
		if !result.Succeeded() {
			t.Errorf("chunk %d should have succeeded: %v", i, result.Err)
		}
		if !f.SlicesItemsMatch(result.UnitIDs, chunks[i].UnitIDs()) {
			t.Errorf("result %d should carry its chunk's unit IDs, got %v", i, result.UnitIDs)
		}
	}
}

func TestRunBoundedConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0

	gen := &trackingGenerator{onCall: func() func() {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		return func() {
			mu.Lock()
			inFlight--
			mu.Unlock()
		}
	}}

	d := New(gen, Options{Concurrency: 3, Sleep: noSleep})
	d.Run(context.Background(), makeChunks(12))

	if peak > 3 {
		t.Errorf("in-flight calls should never exceed the limit, saw %d", peak)
	}
}

type trackingGenerator struct {
	onCall func() func()
}

func (g *trackingGenerator) Generate(ctx context.Context, ch chunk.Chunk) (map[string]string, error) {
	done := g.onCall()
	defer done()
	time.Sleep(5 * time.Millisecond)
	return map[string]string{}, nil
}

func TestRunFailureIsolation(t *testing.T) {
	gen := newFakeGenerator()
	gen.failures[1] = []error{llm.ErrMalformedResponse}

	d := New(gen, Options{Concurrency: 2, MaxRetries: 3, Sleep: noSleep})
	results := d.Run(context.Background(), makeChunks(3))

	if !results[0].Succeeded() || !results[2].Succeeded() {
		t.Error("healthy chunks should succeed despite a failing sibling")
	}
	if results[1].Status != StatusPermanentlyFailed {
		t.Errorf("failing chunk should be permanently failed, got %s", results[1].Status)
	}
}

func TestMalformedResponseNeverRetried(t *testing.T) {
	gen := newFakeGenerator()
	gen.failures[0] = []error{fmt.Errorf("%w: no fences", llm.ErrMalformedResponse)}

	d := New(gen, Options{Concurrency: 1, MaxRetries: 5, Sleep: noSleep})
	results := d.Run(context.Background(), makeChunks(1))

	if results[0].Status != StatusPermanentlyFailed {
		t.Fatalf("expected permanent failure, got %s", results[0].Status)
	}
	if results[0].RetryCount != 0 {
		t.Errorf("malformed response should never be retried, retry count %d", results[0].RetryCount)
	}
	if gen.attemptCount(0) != 1 {
		t.Errorf("expected exactly one attempt, got %d", gen.attemptCount(0))
	}
	if results[0].ErrKind != "malformed_response" {
		t.Errorf("unexpected error kind %q", results[0].ErrKind)
	}
}

func TestTimeoutRetriedToMax(t *testing.T) {
	gen := newFakeGenerator()
	gen.failures[0] = []error{llm.ErrTimeout, llm.ErrTimeout, llm.ErrTimeout, llm.ErrTimeout}

	d := New(gen, Options{Concurrency: 1, MaxRetries: 3, Sleep: noSleep})
	results := d.Run(context.Background(), makeChunks(1))

	if results[0].Status != StatusPermanentlyFailed {
		t.Fatalf("expected permanent failure, got %s", results[0].Status)
	}
	if results[0].RetryCount != 3 {
		t.Errorf("expected 3 retries, got %d", results[0].RetryCount)
	}
	if gen.attemptCount(0) != 4 {
		t.Errorf("expected 4 attempts (1 + 3 retries), got %d", gen.attemptCount(0))
	}
	if results[0].ErrKind != "timeout" {
		t.Errorf("unexpected error kind %q", results[0].ErrKind)
	}
}

func TestTransientFailureEventuallySucceeds(t *testing.T) {
	gen := newFakeGenerator()
	gen.failures[0] = []error{llm.ErrEndpointUnavailable, llm.ErrTimeout}

	d := New(gen, Options{Concurrency: 1, MaxRetries: 3, Sleep: noSleep})
	results := d.Run(context.Background(), makeChunks(1))

	if !results[0].Succeeded() {
		t.Fatalf("expected success after transient failures, got %s: %v", results[0].Status, results[0].Err)
	}
	if results[0].RetryCount != 2 {
		t.Errorf("expected 2 retries before success, got %d", results[0].RetryCount)
	}
}

func TestBackoffSchedule(t *testing.T) {
	var slept []time.Duration
	gen := newFakeGenerator()
	gen.failures[0] = []error{llm.ErrTimeout, llm.ErrTimeout, llm.ErrTimeout, llm.ErrTimeout, llm.ErrTimeout}

	d := New(gen, Options{
		Concurrency: 1,
		MaxRetries:  5,
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  400 * time.Millisecond,
		Sleep: func(ctx context.Context, dur time.Duration) error {
			slept = append(slept, dur)
			return nil
		},
	})
	d.Run(context.Background(), makeChunks(1))

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
	}
	if len(slept) != len(want) {
		t.Fatalf("expected %d backoff sleeps, got %d", len(want), len(slept))
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("backoff %d: got %v want %v", i, slept[i], want[i])
		}
	}
}

func TestCancellationMarksRemainingChunks(t *testing.T) {
	gen := newFakeGenerator()
	for i := 0; i < 6; i++ {
		gen.delays[i] = 30 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	d := New(gen, Options{Concurrency: 1, Grace: time.Second, Sleep: noSleep})
	results := d.Run(ctx, makeChunks(6))

	var cancelled int
	for _, result := range results {
		switch result.Status {
		case StatusCancelled:
			cancelled++
			if result.ErrKind != "cancelled" {
				t.Errorf("cancelled chunk %d has kind %q", result.ChunkIndex, result.ErrKind)
			}
		case StatusSucceeded:
		default:
			t.Errorf("chunk %d has unexpected status %s", result.ChunkIndex, result.Status)
		}
	}
	if cancelled == 0 {
		t.Error("cancellation should mark undispatched chunks cancelled, not drop them")
	}
	if len(results) != 6 {
		t.Errorf("every chunk must appear in the results, got %d", len(results))
	}
}

func TestRunEmptyChunks(t *testing.T) {
	d := New(newFakeGenerator(), Options{Concurrency: 4, Sleep: noSleep})
	results := d.Run(context.Background(), nil)
	if len(results) != 0 {
		t.Errorf("no chunks should yield no results, got %d", len(results))
	}
}

func TestRunReport(t *testing.T) {
	units := []chunk.SourceUnit{
		{Path: "a.go", StartLine: 1, EndLine: 2, Text: "x"},
		{Path: "a.go", StartLine: 3, EndLine: 4, Text: "y"},
		{Path: "b.go", StartLine: 1, EndLine: 9, Text: "z"},
	}
	chunks := []chunk.Chunk{
		{Index: 0, Units: units[:2], TokenCount: 80},
		{Index: 1, Units: units[2:], TokenCount: 500, Oversized: true},
	}
	report := NewRunReport(units, chunks)

	if report.TotalUnits != 3 || report.TotalChunks != 2 || report.TotalTokens != 580 || report.Oversized != 1 {
		t.Errorf("unexpected report totals: %+v", report)
	}

	report.Finalize([]GenerationResult{
		{ChunkIndex: 0, Status: StatusSucceeded},
		{ChunkIndex: 1, Status: StatusPermanentlyFailed, ErrKind: "timeout", RetryCount: 3, UnitIDs: []string{"b.go#1-9"}},
	})

	if report.Succeeded != 1 || report.Failed != 1 || report.Cancelled != 0 {
		t.Errorf("unexpected report counters: %+v", report)
	}
	if len(report.Failures) != 1 {
		t.Fatalf("expected one recorded failure, got %d", len(report.Failures))
	}
	failure := report.Failures[0]
	if failure.ChunkIndex != 1 || failure.Kind != "timeout" || failure.RetryCount != 3 {
		t.Errorf("unexpected failure record: %+v", failure)
	}
	if !strings.Contains(report.Summary(), "chunk 1 timeout after 3 retries: b.go#1-9") {
		t.Errorf("summary should enumerate failures:\n%s", report.Summary())
	}
	if report.FinishedAt.IsZero() {
		t.Error("Finalize should stamp the end time")
	}
}

func TestKindOf(t *testing.T) {
	tt := []struct {
		err  error
		kind string
	}{
		{nil, ""},
		{llm.ErrTimeout, "timeout"},
		{fmt.Errorf("wrap: %w", llm.ErrEndpointUnavailable), "endpoint_unavailable"},
		{llm.ErrMalformedResponse, "malformed_response"},
		{context.Canceled, "cancelled"},
		{errors.New("other"), "error"},
	}
	for _, tc := range tt {
		if got := kindOf(tc.err); got != tc.kind {
			t.Errorf("kindOf(%v) = %q want %q", tc.err, got, tc.kind)
		}
	}
}
