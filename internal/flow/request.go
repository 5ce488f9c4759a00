// ABOUTME: HTTP side-calls made by MAKE_REQUEST nodes
// ABOUTME: Bounded by a timeout; returns the decoded JSON body for merging into variables

package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultRequestTimeout bounds a MAKE_REQUEST side-call.
const DefaultRequestTimeout = 20 * time.Second

const maxResponseBytes = 4 << 20

// Requester performs MAKE_REQUEST side-calls.
type Requester struct {
	client  *http.Client
	timeout time.Duration
}

// NewRequester creates a requester. A nil client uses http.DefaultClient.
func NewRequester(client *http.Client, timeout time.Duration) *Requester {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Requester{client: client, timeout: timeout}
}

// Do performs the call and returns the decoded JSON response (an object or
// an array). Non-2xx responses and non-JSON bodies are errors; exceeding the
// timeout wraps ErrSideCallTimeout.
func (r *Requester) Do(ctx context.Context, spec RequestSpec) (any, error) {
	if spec.URL == "" {
		return nil, errors.New("request url is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var body io.Reader
	if spec.Method != http.MethodGet && spec.Method != http.MethodDelete {
		fields := make(map[string]string, len(spec.Body))
		for _, kv := range spec.Body {
			fields[kv.Key] = kv.Value
		}
		b, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.URL, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for _, h := range spec.Headers {
		if h.Key != "" {
			req.Header.Set(h.Key, h.Value)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s", ErrSideCallTimeout, spec.Method, spec.URL)
		}
		return nil, fmt.Errorf("calling %s %s: %w", spec.Method, spec.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("calling %s %s: HTTP %d", spec.Method, spec.URL, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s", ErrSideCallTimeout, spec.Method, spec.URL)
		}
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	switch data.(type) {
	case map[string]any, []any:
		return data, nil
	}
	return nil, fmt.Errorf("response is not a JSON object or array")
}
