// ABOUTME: Channel adapter contract shared by the cloud API and session transports
// ABOUTME: Adapters send envelopes and expose a MediaSource for inbound attachments

package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/2389/inbox-gateway/internal/message"
)

// ErrNoAdapter is returned when no adapter is registered for a channel kind.
var ErrNoAdapter = errors.New("no adapter for channel")

// Envelope is one outbound message addressed to a conversation.
type Envelope struct {
	Conversation message.Conversation
	To           string
	Content      message.Content
}

// Adapter delivers outbound messages over one channel.
type Adapter interface {
	Kind() message.Kind
	// Send delivers the envelope and returns the channel-assigned message id.
	Send(ctx context.Context, env Envelope) (string, error)
}

// MediaRef identifies a channel-hosted attachment.
type MediaRef struct {
	AccountID string
	SessionID string
	ID        string
	URL       string
	MimeType  string
	Filename  string
}

// MediaPayload is a downloaded attachment. Callers close Body.
type MediaPayload struct {
	Body     io.ReadCloser
	MimeType string
	Filename string
}

// MediaSource downloads attachments referenced by inbound events.
type MediaSource interface {
	Fetch(ctx context.Context, ref MediaRef) (*MediaPayload, error)
}

// Registry maps channel kinds to adapters and media sources.
type Registry struct {
	mu       sync.RWMutex
	adapters map[message.Kind]Adapter
	media    map[message.Kind]MediaSource
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[message.Kind]Adapter),
		media:    make(map[message.Kind]MediaSource),
	}
}

// Register adds an adapter, and its media source when it implements one.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
	if src, ok := a.(MediaSource); ok {
		r.media[a.Kind()] = src
	}
}

// Adapter returns the adapter for kind.
func (r *Registry) Adapter(kind message.Kind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoAdapter, kind)
	}
	return a, nil
}

// Media returns the media source for kind.
func (r *Registry) Media(kind message.Kind) (MediaSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.media[kind]
	if !ok {
		return nil, fmt.Errorf("%w %q media", ErrNoAdapter, kind)
	}
	return src, nil
}

// Kinds lists the registered channel kinds.
func (r *Registry) Kinds() []message.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]message.Kind, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	return out
}
