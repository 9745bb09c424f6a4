// Package llm talks to a local or remote text-completion endpoint and
// splits model output back into per-unit documentation segments.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dredger-dev/dredger/pkg/chunk"
)

var (
	ErrEndpointUnavailable = errors.New("inference endpoint unavailable")
	ErrTimeout             = errors.New("inference request timed out")
	ErrMalformedResponse   = errors.New("malformed model response")
)

// Transient reports whether an error is worth retrying. Malformed
// responses are excluded: re-asking rarely fixes an unparsable answer.
func Transient(err error) bool {
	return errors.Is(err, ErrEndpointUnavailable) || errors.Is(err, ErrTimeout)
}

// Options configures the completion client. BaseURL and Model come from
// external configuration; the endpoint is treated as a black box accepting
// {model, prompt} and returning {response}.
type Options struct {
	BaseURL  string
	Model    string
	Template string
	Timeout  time.Duration
}

type Client struct {
	url      string
	model    string
	template string
	hc       *http.Client
	do       func(*http.Request) (*http.Response, error)
}

const generatePath = "/api/generate"

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	hc := &http.Client{Timeout: opts.Timeout}
	return &Client{
		url:      strings.TrimRight(opts.BaseURL, "/") + generatePath,
		model:    opts.Model,
		template: opts.Template,
		hc:       hc,
		do:       hc.Do,
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// BuildPrompt interpolates the chunk's fenced units into the template's
// {units} placeholder.
func (c *Client) BuildPrompt(ch chunk.Chunk) string {
	var units strings.Builder
	for _, unit := range ch.Units {
		fmt.Fprintf(&units, "<<<unit %s>>>\n", unit.ID())
		units.WriteString(unit.Text)
		if !strings.HasSuffix(unit.Text, "\n") {
			units.WriteByte('\n')
		}
		fmt.Fprintf(&units, "<<<end %s>>>\n", unit.ID())
	}
	return strings.ReplaceAll(c.template, "{units}", units.String())
}

// Generate performs one completion call for the chunk and parses the
// response into per-unit segments. Retrying is the dispatcher's job; every
// call here is a single attempt.
func (c *Client) Generate(ctx context.Context, ch chunk.Chunk) (map[string]string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: c.BuildPrompt(ch),
		Stream: false,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		switch {
		case res.StatusCode == http.StatusRequestTimeout:
			return nil, fmt.Errorf("%w: upstream %d", ErrTimeout, res.StatusCode)
		case res.StatusCode >= 500:
			return nil, fmt.Errorf("%w: upstream %d: %s", ErrEndpointUnavailable, res.StatusCode, strings.TrimSpace(string(msg)))
		default:
			return nil, fmt.Errorf("%w: upstream %d: %s", ErrMalformedResponse, res.StatusCode, strings.TrimSpace(string(msg)))
		}
	}

	var decoded generateResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrMalformedResponse, err)
	}
	return ParseSegments(decoded.Response, ch)
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrEndpointUnavailable, err)
}

// ParseSegments extracts doc text per unit by matching the fences the
// prompt asked the model to echo. Units the model skipped are simply
// absent; a response with no parseable fence pair for any known unit, or
// with an unterminated fence, is malformed.
func ParseSegments(response string, ch chunk.Chunk) (map[string]string, error) {
	known := make(map[string]bool, len(ch.Units))
	for _, unit := range ch.Units {
		known[unit.ID()] = true
	}

	segments := make(map[string]string)
	lines := strings.Split(response, "\n")
	for i := 0; i < len(lines); i++ {
		id, ok := fenceID(lines[i], "unit")
		if !ok || !known[id] {
			continue
		}
		var doc []string
		closed := false
		for j := i + 1; j < len(lines); j++ {
			if endID, ok := fenceID(lines[j], "end"); ok && endID == id {
				closed = true
				i = j
				break
			}
			doc = append(doc, lines[j])
		}
		if !closed {
			return nil, fmt.Errorf("%w: unterminated fence for %s", ErrMalformedResponse, id)
		}
		text := strings.TrimSpace(strings.Join(doc, "\n"))
		if text != "" {
			segments[id] = text
		}
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: no unit fences found", ErrMalformedResponse)
	}
	return segments, nil
}

func fenceID(line string, kind string) (string, bool) {
	line = strings.TrimSpace(line)
	prefix := "<<<" + kind + " "
	if !strings.HasPrefix(line, prefix) || !strings.HasSuffix(line, ">>>") {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(line, prefix), ">>>"), true
}
