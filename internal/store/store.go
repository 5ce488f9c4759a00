// ABOUTME: Store interface and data types for inbox-gateway relational state
// ABOUTME: Defines accounts, chats, flow cursors, flows, agent assignments and delivery failures

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/2389/inbox-gateway/internal/message"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrUnknownAccount is returned when credentials reference a missing account
var ErrUnknownAccount = errors.New("unknown account")

// Account is a tenant owning conversations, flows and channel credentials.
type Account struct {
	UID          string
	Timezone     string
	ActiveFlowID string
	CreatedAt    time.Time
}

// CloudAccount holds the cloud messaging API credentials of an account.
type CloudAccount struct {
	PhoneNumberID string
	AccountID     string
	WABAID        string
	AccessToken   string
}

// Session links a session-channel session id to its owning account.
type Session struct {
	SessionID string
	AccountID string
	CreatedAt time.Time
}

// Chat is the summary row of one conversation shown in chat lists.
type Chat struct {
	AccountID       string
	ChatKey         string
	Origin          message.Kind
	Address         string
	SessionID       string
	SenderName      string
	LastMessage     json.RawMessage
	LastMessageCame int64
	IsOpened        bool
	Profile         json.RawMessage
	Tags            json.RawMessage
	UpdatedAt       time.Time
}

// Conversation returns the reference used by the log and dispatcher.
func (c *Chat) Conversation() message.Conversation {
	return message.Conversation{
		AccountID: c.AccountID,
		ChatKey:   c.ChatKey,
		Origin:    c.Origin,
		Address:   c.Address,
		SessionID: c.SessionID,
	}
}

// ChatActivity records a new message against a chat summary.
type ChatActivity struct {
	Conversation message.Conversation
	SenderName   string
	LastMessage  json.RawMessage
	// Incoming marks the chat unopened.
	Incoming bool
	// MarkCame bumps last_message_came (incoming text and media only).
	MarkCame bool
	At       time.Time
}

// Cursor is the persisted flow position and variables of one conversation.
type Cursor struct {
	AccountID   string
	ChatKey     string
	FlowID      string
	LastNode    json.RawMessage
	Mode        string
	HandoffNode json.RawMessage
	Variables   json.RawMessage
	Disabled    json.RawMessage
	UpdatedAt   time.Time
}

// Flow is an authored graph definition.
type Flow struct {
	AccountID string
	FlowID    string
	Name      string
	Nodes     json.RawMessage
	Edges     json.RawMessage
	UpdatedAt time.Time
}

// AgentAssignment grants an agent account access to one conversation.
type AgentAssignment struct {
	OwnerUID  string
	AgentUID  string
	ChatKey   string
	CreatedAt time.Time
}

// DeliveryFailure is a failed outbound delivery receipt kept for operators.
type DeliveryFailure struct {
	ID           int64
	AccountID    string
	ChatKey      string
	ChannelMsgID string
	Status       string
	ErrorMessage string
	Payload      json.RawMessage
	CreatedAt    time.Time
}

// Store is the full persistence surface used by the gateway.
type Store interface {
	// Accounts and channel credentials
	UpsertAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, uid string) (*Account, error)
	SetActiveFlow(ctx context.Context, uid, flowID string) error
	UpsertCloudAccount(ctx context.Context, c *CloudAccount) error
	GetCloudAccount(ctx context.Context, accountID string) (*CloudAccount, error)
	CloudAccountByPhoneNumberID(ctx context.Context, phoneNumberID string) (*CloudAccount, error)
	UpsertSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// Chats
	RecordChatActivity(ctx context.Context, a ChatActivity) error
	GetChat(ctx context.Context, accountID, chatKey string) (*Chat, error)
	ListChats(ctx context.Context, accountID string, limit int) ([]*Chat, error)
	MarkChatOpened(ctx context.Context, accountID, chatKey string) error

	// Flow cursors and definitions
	GetCursor(ctx context.Context, accountID, chatKey string) (*Cursor, error)
	SaveCursor(ctx context.Context, c *Cursor) error
	SaveFlow(ctx context.Context, f *Flow) error
	GetFlow(ctx context.Context, accountID, flowID string) (*Flow, error)

	// Agent assignments
	AssignAgent(ctx context.Context, a *AgentAssignment) (created bool, err error)
	AgentsForChat(ctx context.Context, ownerUID, chatKey string) ([]string, error)
	IsAssigned(ctx context.Context, ownerUID, agentUID, chatKey string) (bool, error)

	// Delivery failures
	RecordDeliveryFailure(ctx context.Context, f *DeliveryFailure) error
	ListDeliveryFailures(ctx context.Context, accountID string, limit int) ([]*DeliveryFailure, error)

	Close() error
}
