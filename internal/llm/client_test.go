package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dredger-dev/dredger/internal/config"
	"github.com/dredger-dev/dredger/pkg/chunk"
)

func testChunk() chunk.Chunk {
	return chunk.Chunk{
		Index: 0,
		Units: []chunk.SourceUnit{
			{Path: "a.go", StartLine: 1, EndLine: 3, Text: "func A() {}\n", Language: "go"},
			{Path: "a.go", StartLine: 5, EndLine: 9, Text: "func B() {}\n", Language: "go"},
		},
		TokenCount: 40,
		Model:      "llama3",
	}
}

func fenced(id, doc string) string {
	return fmt.Sprintf("<<<unit %s>>>\n%s\n<<<end %s>>>\n", id, doc, id)
}

func TestBuildPrompt(t *testing.T) {
	client := NewClient(Options{BaseURL: "http://x", Model: "llama3", Template: config.DefaultPromptTemplate})
	prompt := client.BuildPrompt(testChunk())

	if strings.Contains(prompt, "{units}") {
		t.Error("placeholder should be interpolated")
	}
	for _, marker := range []string{"<<<unit a.go#1-3>>>", "<<<end a.go#1-3>>>", "<<<unit a.go#5-9>>>", "<<<end a.go#5-9>>>"} {
		if !strings.Contains(prompt, marker) {
			t.Errorf("prompt should contain %s", marker)
		}
	}
	if !strings.Contains(prompt, "func A() {}") {
		t.Error("prompt should embed unit source text")
	}
}

func TestGenerateSuccess(t *testing.T) {
	response := fenced("a.go#1-3", "A does nothing.") + fenced("a.go#5-9", "B also does nothing.")
	var gotReq map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(map[string]string{"response": response})
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL, Model: "llama3:8b", Template: "{units}"})
	segments, err := client.Generate(context.Background(), testChunk())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if segments["a.go#1-3"] != "A does nothing." || segments["a.go#5-9"] != "B also does nothing." {
		t.Errorf("unexpected segments: %+v", segments)
	}
	if gotReq["model"] != "llama3:8b" {
		t.Errorf("request should carry the configured model, got %v", gotReq["model"])
	}
	if gotReq["stream"] != false {
		t.Error("request should disable streaming")
	}
}

func TestGenerateEndpointUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL, Model: "llama3", Template: "{units}"})
	_, err := client.Generate(context.Background(), testChunk())
	if !errors.Is(err, ErrEndpointUnavailable) {
		t.Errorf("5xx should map to ErrEndpointUnavailable, got %v", err)
	}
	if !Transient(err) {
		t.Error("endpoint unavailable should be transient")
	}
}

func TestGenerateConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewClient(Options{BaseURL: server.URL, Model: "llama3", Template: "{units}"})
	_, err := client.Generate(context.Background(), testChunk())
	if !errors.Is(err, ErrEndpointUnavailable) {
		t.Errorf("connection failure should map to ErrEndpointUnavailable, got %v", err)
	}
}

func TestGenerateTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL, Model: "llama3", Template: "{units}", Timeout: 20 * time.Millisecond})
	_, err := client.Generate(context.Background(), testChunk())
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("client timeout should map to ErrTimeout, got %v", err)
	}
	if !Transient(err) {
		t.Error("timeout should be transient")
	}
}

func TestGenerateMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json at all"))
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL, Model: "llama3", Template: "{units}"})
	_, err := client.Generate(context.Background(), testChunk())
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("garbage body should map to ErrMalformedResponse, got %v", err)
	}
	if Transient(err) {
		t.Error("malformed response must not be transient")
	}
}

func TestParseSegments(t *testing.T) {
	ch := testChunk()
	tt := []struct {
		name     string
		response string
		wantIDs  []string
		wantErr  error
	}{
		{
			"both units",
			fenced("a.go#1-3", "doc a") + fenced("a.go#5-9", "doc b"),
			[]string{"a.go#1-3", "a.go#5-9"},
			nil,
		},
		{
			"one unit missing is tolerated",
			fenced("a.go#1-3", "doc a"),
			[]string{"a.go#1-3"},
			nil,
		},
		{
			"chatter around fences is ignored",
			"Sure! Here are the docs:\n" + fenced("a.go#1-3", "doc a") + "Hope that helps!",
			[]string{"a.go#1-3"},
			nil,
		},
		{
			"multi-line doc preserved",
			fenced("a.go#1-3", "line one\nline two"),
			[]string{"a.go#1-3"},
			nil,
		},
		{
			"unknown unit ids are ignored",
			fenced("other.go#1-1", "doc x") + fenced("a.go#1-3", "doc a"),
			[]string{"a.go#1-3"},
			nil,
		},
		{
			"no fences at all",
			"Here is some documentation without any markers.",
			nil,
			ErrMalformedResponse,
		},
		{
			"unterminated fence",
			"<<<unit a.go#1-3>>>\ndoc without end",
			nil,
			ErrMalformedResponse,
		},
		{
			"empty response",
			"",
			nil,
			ErrMalformedResponse,
		},
	}

	for _, tc := range tt {
		segments, err := ParseSegments(tc.response, ch)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("%s: got error %v want %v", tc.name, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
			continue
		}
		if len(segments) != len(tc.wantIDs) {
			t.Errorf("%s: got %d segments want %d", tc.name, len(segments), len(tc.wantIDs))
		}
		for _, id := range tc.wantIDs {
			if segments[id] == "" {
				t.Errorf("%s: missing segment for %s", tc.name, id)
			}
		}
	}
}

func TestParseSegmentsMultiline(t *testing.T) {
	ch := testChunk()
	segments, err := ParseSegments(fenced("a.go#1-3", "first line\nsecond line"), ch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if segments["a.go#1-3"] != "first line\nsecond line" {
		t.Errorf("multi-line doc should be preserved, got %q", segments["a.go#1-3"])
	}
}
