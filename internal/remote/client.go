// Package remote calls the stage compute endpoints. The endpoints are opaque
// HTTP collaborators: POST <base>/<endpoint>/invoke with a JSON payload,
// answered by an envelope carrying a compressed result blob plus elapsed time
// and cost.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	// defaultMaxAttempts bounds retries of transient faults.
	defaultMaxAttempts = 5
	// defaultBackoffBase is the unit for exponential backoff: the wait after
	// failed attempt n (counted from 0) is base * 2^n.
	defaultBackoffBase = time.Second
)

// Envelope is the parsed response of one successful invocation.
type Envelope struct {
	// Res is the compressed result blob (gzip+base64).
	Res string
	// TimeS is the remote-reported elapsed seconds.
	TimeS float64
	// Cost is the remote-reported cost of the run.
	Cost float64
	// Attempts is how many HTTP attempts the call took.
	Attempts int
}

// Client invokes remote compute endpoints with bounded retries.
type Client struct {
	baseURL string
	logger  *slog.Logger

	// HTTPClient, MaxAttempts, and BackoffBase may be overridden before first
	// use; tests shrink the backoff.
	HTTPClient  *http.Client
	MaxAttempts int
	BackoffBase time.Duration
}

// NewClient creates a client for the given compute base URL. Request deadlines
// come from the caller's context, not a client-level timeout: stage calls
// legitimately run for many minutes.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:     baseURL,
		logger:      logger,
		HTTPClient:  &http.Client{},
		MaxAttempts: defaultMaxAttempts,
		BackoffBase: defaultBackoffBase,
	}
}

// Invoke posts the input payload to a stage endpoint and returns the parsed
// envelope. Transient faults (5xx, network errors) are retried with
// exponential backoff; client errors and malformed envelopes fail immediately.
func (c *Client) Invoke(ctx context.Context, endpoint string, input map[string]any) (*Envelope, error) {
	url := fmt.Sprintf("%s/%s/invoke", strings.TrimRight(c.baseURL, "/"), strings.Trim(endpoint, "/"))

	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.MaxAttempts; attempt++ {
		env, retryable, err := c.attempt(ctx, url, body)
		if err == nil {
			env.Attempts = attempt + 1
			return env, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err

		if attempt == c.MaxAttempts-1 {
			break
		}
		wait := c.BackoffBase << attempt
		c.logger.Warn("transient remote fault, retrying",
			"url", url, "attempt", attempt+1, "backoff", wait.String(), "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, &ExhaustedError{Attempts: c.MaxAttempts, Last: lastErr}
}

// attempt performs one HTTP round trip. The second return value reports
// whether the failure is retryable.
func (c *Client) attempt(ctx context.Context, url string, body []byte) (*Envelope, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation is not a remote fault; do not burn retries on it.
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		env, err := parseEnvelope(data)
		if err != nil {
			// Retrying a malformed response is unlikely to help.
			return nil, false, err
		}
		return env, false, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, false, &PermanentError{StatusCode: resp.StatusCode, Body: snippet(data)}
	default:
		return nil, true, fmt.Errorf("server error %d from %s", resp.StatusCode, url)
	}
}

// parseEnvelope decodes {"output": ...} where output may be either a JSON
// object or a JSON-encoded string containing one.
func parseEnvelope(data []byte) (*Envelope, error) {
	var wrapper struct {
		Output json.RawMessage `json:"output"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("invalid response body: %v", err)}
	}
	if len(wrapper.Output) == 0 {
		return nil, &ProtocolError{Reason: "response missing output"}
	}

	raw := []byte(wrapper.Output)
	var nested string
	if err := json.Unmarshal(raw, &nested); err == nil {
		raw = []byte(nested)
	}

	var out struct {
		Res   string  `json:"res"`
		TimeS float64 `json:"TIME(s)"`
		Cost  float64 `json:"cost"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("invalid output object: %v", err)}
	}
	if out.Res == "" {
		return nil, &ProtocolError{Reason: "output missing res"}
	}

	return &Envelope{Res: out.Res, TimeS: out.TimeS, Cost: out.Cost}, nil
}

// snippet bounds error bodies recorded in task state.
func snippet(data []byte) string {
	const maxLen = 200
	s := string(data)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
