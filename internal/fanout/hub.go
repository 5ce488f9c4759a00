// ABOUTME: Hub delivering realtime events to an account's owner and assigned agent connections
// ABOUTME: Conversation appends reach only clients viewing that conversation; others get an attention ring

package fanout

import (
	"context"
	"log/slog"

	"github.com/2389/inbox-gateway/internal/message"
)

// AssignmentLookup lists the agents assigned to a conversation.
type AssignmentLookup interface {
	AgentsForChat(ctx context.Context, ownerUID, chatKey string) ([]string, error)
}

// Observer counts delivered and dropped events, typically metrics.
type Observer interface {
	ObserveFanout(kind Kind, delivered, dropped int)
}

// AppendPayload is the payload of a conversation-append event.
type AppendPayload struct {
	Message message.Message `json:"message"`
}

// StatusPayload is the payload of a delivery-status event.
type StatusPayload struct {
	ChannelMsgID string                 `json:"channel_msg_id"`
	Status       message.DeliveryStatus `json:"status"`
}

// ReactionPayload is the payload of a reaction event.
type ReactionPayload struct {
	ChannelMsgID string `json:"channel_msg_id"`
	Emoji        string `json:"emoji"`
}

// Hub routes events to registered connections.
type Hub struct {
	reg         *Registry
	assignments AssignmentLookup
	observer    Observer
	logger      *slog.Logger
}

// NewHub creates a Hub. assignments may be nil, in which case agents never
// receive events.
func NewHub(reg *Registry, assignments AssignmentLookup, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{reg: reg, assignments: assignments, logger: logger.With("component", "fanout")}
}

// SetObserver installs an observer for delivery counts.
func (h *Hub) SetObserver(o Observer) {
	h.observer = o
}

// Registry returns the hub's connection registry.
func (h *Hub) Registry() *Registry {
	return h.reg
}

// Notify delivers an event for chatKey to the owner's connections and to
// agents assigned to the conversation. It returns the number of connections
// that received a frame.
func (h *Hub) Notify(ctx context.Context, accountID, chatKey string, kind Kind, payload any) int {
	var agents []string
	if h.assignments != nil && chatKey != "" {
		var err error
		agents, err = h.assignments.AgentsForChat(ctx, accountID, chatKey)
		if err != nil {
			h.logger.Warn("agent lookup failed", "account_id", accountID, "chat_key", chatKey, "error", err)
		}
	}
	return h.Deliver(accountID, agents, chatKey, kind, payload)
}

// Deliver sends an event to the owner's connections and to the connections of
// the listed agents acting for that owner.
func (h *Hub) Deliver(ownerID string, agents []string, chatKey string, kind Kind, payload any) int {
	targets := make([]*Conn, 0, 4)
	for _, c := range h.reg.ByAccount(ownerID) {
		if !c.Agent {
			targets = append(targets, c)
		}
	}
	for _, agent := range agents {
		if agent == ownerID {
			continue
		}
		for _, c := range h.reg.ByAccount(agent) {
			if c.Agent && c.OwnerID == ownerID {
				targets = append(targets, c)
			}
		}
	}

	delivered, dropped := 0, 0
	for _, c := range targets {
		ev := Event{Kind: kind, ChatKey: chatKey, Payload: payload}
		if kind == KindUpdateChat && c.OpenChat() != chatKey {
			if outgoing(payload) {
				continue
			}
			ev = Event{Kind: KindAttention, ChatKey: chatKey}
		}
		if c.push(ev) {
			delivered++
		} else {
			dropped++
			h.logger.Debug("dropped event for slow connection", "conn_id", c.ID, "kind", ev.Kind)
		}
	}
	if h.observer != nil {
		h.observer.ObserveFanout(kind, delivered, dropped)
	}
	return delivered
}

// MessageSent announces an outbound message: the append to viewers of the
// conversation and a list refresh to everyone.
func (h *Hub) MessageSent(ctx context.Context, conv message.Conversation, msg message.Message) {
	h.Notify(ctx, conv.AccountID, conv.ChatKey, KindUpdateChat, AppendPayload{Message: msg})
	h.Notify(ctx, conv.AccountID, conv.ChatKey, KindChatList, nil)
}

// outgoing reports whether an append payload carries our own message, which
// does not ring clients that are not viewing the conversation.
func outgoing(payload any) bool {
	p, ok := payload.(AppendPayload)
	return ok && p.Message.Direction == message.Outgoing
}
