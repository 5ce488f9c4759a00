// ABOUTME: Conversation Log contract: ordered per-conversation message history
// ABOUTME: Defines the Log interface, field patches and shared lookup helpers

package convlog

import (
	"context"
	"errors"

	"github.com/2389/inbox-gateway/internal/message"
)

// ErrLookupMiss is returned by Find when no message carries the channel id.
// Patch operations report a miss through their bool result instead.
var ErrLookupMiss = errors.New("message not found")

// DefaultTail is the number of messages pushed to clients after a change.
const DefaultTail = 10

// Log is an append-ordered message history per conversation. Mutations on the
// same conversation are atomic with respect to each other.
type Log interface {
	// Append adds msg to the end of the conversation, creating it if absent.
	// An incoming message whose channel id is already present is not stored
	// again; the stored copy is returned with appended false.
	Append(ctx context.Context, conv message.Conversation, msg message.Message) (stored message.Message, appended bool, err error)

	// PatchByChannelID applies p to the most recent message with channelID.
	// It reports whether a message matched.
	PatchByChannelID(ctx context.Context, conv message.Conversation, channelID string, p Patch) (bool, error)

	// Tail returns the last n messages in order.
	Tail(ctx context.Context, conv message.Conversation, n int) ([]message.Message, error)

	// Find returns the most recent message with channelID or ErrLookupMiss.
	Find(ctx context.Context, conv message.Conversation, channelID string) (*message.Message, error)

	Close() error
}

// PatchField names the mutable field of a message.
type PatchField int

const (
	FieldStatus PatchField = iota + 1
	FieldReaction
)

// Patch is an in-place update of one mutable message field.
type Patch struct {
	Field    PatchField
	Status   message.DeliveryStatus
	Reaction string
}

// StatusPatch builds a monotonic delivery status patch.
func StatusPatch(s message.DeliveryStatus) Patch {
	return Patch{Field: FieldStatus, Status: s}
}

// ReactionPatch builds an unconditional reaction patch. An empty emoji clears it.
func ReactionPatch(emoji string) Patch {
	return Patch{Field: FieldReaction, Reaction: emoji}
}

// Apply mutates m according to p and reports whether m changed.
func (p Patch) Apply(m *message.Message) bool {
	switch p.Field {
	case FieldStatus:
		next := message.Advance(m.Status, p.Status)
		if next == m.Status {
			return false
		}
		m.Status = next
		return true
	case FieldReaction:
		if m.Reaction == p.Reaction {
			return false
		}
		m.Reaction = p.Reaction
		return true
	}
	return false
}

// lastIndexOf returns the index of the most recent message with channelID, or -1.
func lastIndexOf(msgs []message.Message, channelID string) int {
	if channelID == "" {
		return -1
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == channelID {
			return i
		}
	}
	return -1
}

// tailOf returns the last n entries of msgs (all of them when n <= 0).
func tailOf(msgs []message.Message, n int) []message.Message {
	if n <= 0 || n >= len(msgs) {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
