// ABOUTME: Connection registry for realtime clients keyed by account
// ABOUTME: Each connection owns a bounded event queue; full queues drop events

package fanout

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// connBufferSize is the event queue length of each connection.
const connBufferSize = 64

// Kind is a realtime event kind.
type Kind string

const (
	KindChatList       Kind = "chat_list"
	KindUpdateChat     Kind = "update_chat"
	KindDeliveryStatus Kind = "update_delivery_status"
	KindReaction       Kind = "push_new_reaction"
	KindAttention      Kind = "ring"
)

// Event is one frame delivered to a client.
type Event struct {
	Kind    Kind   `json:"type"`
	ChatKey string `json:"chat_key,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Conn is one live client connection.
type Conn struct {
	ID        string
	AccountID string
	// OwnerID is the account an agent connection acts for.
	OwnerID string
	Agent   bool

	mu       sync.Mutex
	openChat string
	closed   bool
	events   chan Event
}

// NewConn creates a connection for an account owner.
func NewConn(accountID string) *Conn {
	return &Conn{ID: uuid.NewString(), AccountID: accountID, events: make(chan Event, connBufferSize)}
}

// NewAgentConn creates a connection for an agent acting for ownerID.
func NewAgentConn(agentID, ownerID string) *Conn {
	c := NewConn(agentID)
	c.Agent = true
	c.OwnerID = ownerID
	return c
}

// Events returns the connection's queue. It is closed when the connection is
// removed from its registry.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// SetOpenChat records the conversation the client is viewing. Empty clears it.
func (c *Conn) SetOpenChat(chatKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openChat = chatKey
}

// OpenChat returns the conversation the client is viewing.
func (c *Conn) OpenChat() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openChat
}

// push enqueues ev without blocking and reports whether it was queued.
func (c *Conn) push(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

// Registry tracks live connections by id and account.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*Conn
	byAccount map[string]map[string]*Conn
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:     make(map[string]*Conn),
		byAccount: make(map[string]map[string]*Conn),
		logger:    logger.With("component", "fanout.registry"),
	}
}

// Add registers c.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	if _, ok := r.byAccount[c.AccountID]; !ok {
		r.byAccount[c.AccountID] = make(map[string]*Conn)
	}
	r.byAccount[c.AccountID][c.ID] = c
	r.logger.Debug("connection added", "conn_id", c.ID, "account_id", c.AccountID, "agent", c.Agent)
}

// Remove unregisters the connection and closes its queue.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return
	}
	delete(r.conns, id)
	if subs := r.byAccount[c.AccountID]; subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(r.byAccount, c.AccountID)
		}
	}
	c.close()
	r.logger.Debug("connection removed", "conn_id", id, "account_id", c.AccountID)
}

// ByAccount returns the connections authenticated as accountID.
func (r *Registry) ByAccount(accountID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.byAccount[accountID]
	out := make([]*Conn, 0, len(subs))
	for _, c := range subs {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close removes every connection.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.conns {
		c.close()
		delete(r.conns, id)
	}
	r.byAccount = make(map[string]map[string]*Conn)
}
