// ABOUTME: MockAdapter records outbound envelopes and serves canned media for tests
// ABOUTME: Failures and send delays are programmable per instance

package channel

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/2389/inbox-gateway/internal/message"
)

// MockAdapter implements Adapter and MediaSource for testing.
type MockAdapter struct {
	mu      sync.Mutex
	kind    message.Kind
	sent    []Envelope
	counter int
	sendErr error
	delay   time.Duration
	media   map[string]string
	fetched []MediaRef
}

// NewMockAdapter creates a MockAdapter for kind.
func NewMockAdapter(kind message.Kind) *MockAdapter {
	return &MockAdapter{kind: kind, media: make(map[string]string)}
}

// Kind returns the configured channel kind.
func (m *MockAdapter) Kind() message.Kind {
	return m.kind
}

// Send records the envelope and returns a sequential channel id.
func (m *MockAdapter) Send(ctx context.Context, env Envelope) (string, error) {
	m.mu.Lock()
	delay, sendErr := m.delay, m.sendErr
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if sendErr != nil {
		return "", sendErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	m.sent = append(m.sent, env)
	return fmt.Sprintf("%s.msg.%d", m.kind, m.counter), nil
}

// FailWith makes subsequent sends return err. Nil restores success.
func (m *MockAdapter) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SetDelay makes sends wait before completing.
func (m *MockAdapter) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Sent returns a copy of the recorded envelopes.
func (m *MockAdapter) Sent() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Envelope, len(m.sent))
	copy(out, m.sent)
	return out
}

// AddMedia makes Fetch serve body for the given media id or URL.
func (m *MockAdapter) AddMedia(key, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.media[key] = body
}

// Fetch serves media registered with AddMedia.
func (m *MockAdapter) Fetch(ctx context.Context, ref MediaRef) (*MediaPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetched = append(m.fetched, ref)
	body, ok := m.media[ref.ID]
	if !ok {
		body, ok = m.media[ref.URL]
	}
	if !ok {
		return nil, fmt.Errorf("mock adapter: no media %q", ref.ID+ref.URL)
	}
	return &MediaPayload{
		Body:     io.NopCloser(strings.NewReader(body)),
		MimeType: ref.MimeType,
		Filename: ref.Filename,
	}, nil
}

// Fetched returns the media references requested so far.
func (m *MockAdapter) Fetched() []MediaRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MediaRef, len(m.fetched))
	copy(out, m.fetched)
	return out
}
