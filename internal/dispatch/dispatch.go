// ABOUTME: Outbound Dispatcher sending content through the conversation's channel adapter
// ABOUTME: Successful sends are appended to the conversation log and fanned out; failures append nothing

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/inbox-gateway/internal/channel"
	"github.com/2389/inbox-gateway/internal/message"
	"github.com/2389/inbox-gateway/internal/store"
)

// DefaultTimeout bounds one adapter call.
const DefaultTimeout = 30 * time.Second

var (
	// ErrChannelSendFailed wraps an adapter failure.
	ErrChannelSendFailed = errors.New("channel send failed")

	// ErrNoAdapter is returned when the conversation's channel has no adapter.
	ErrNoAdapter = errors.New("no adapter for conversation origin")
)

// Result is the outcome of one send.
type Result struct {
	Success          bool            `json:"success"`
	ChannelMessageID string          `json:"channel_message_id,omitempty"`
	Message          message.Message `json:"message"`
	Error            string          `json:"error,omitempty"`
}

// Adapters resolves channel adapters.
type Adapters interface {
	Adapter(kind message.Kind) (channel.Adapter, error)
}

// Log is the conversation log surface the dispatcher writes to.
type Log interface {
	Append(ctx context.Context, conv message.Conversation, msg message.Message) (message.Message, bool, error)
}

// Chats records chat summary activity.
type Chats interface {
	RecordChatActivity(ctx context.Context, a store.ChatActivity) error
}

// Notifier receives post-send realtime notifications.
type Notifier interface {
	MessageSent(ctx context.Context, conv message.Conversation, msg message.Message)
}

// Observer records send outcomes, typically metrics.
type Observer interface {
	ObserveSend(kind message.Kind, ok bool, elapsed time.Duration)
}

// Deps are the collaborators of a Dispatcher. Chats, Notifier and Observer are optional.
type Deps struct {
	Adapters Adapters
	Log      Log
	Chats    Chats
	Notifier Notifier
	Observer Observer
}

// Dispatcher sends outbound messages.
type Dispatcher struct {
	deps    Deps
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Dispatcher.
func New(deps Deps, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{deps: deps, timeout: timeout, now: time.Now, logger: logger.With("component", "dispatch")}
}

// Send delivers content to conv. On success the sent message is appended to
// the log with status sent. On failure nothing is recorded and the returned
// error wraps ErrChannelSendFailed or ErrNoAdapter; the Result still carries
// the error text for callers that surface it.
func (d *Dispatcher) Send(ctx context.Context, conv message.Conversation, content message.Content) (*Result, error) {
	logger := d.logger.With("account_id", conv.AccountID, "chat_key", conv.ChatKey, "origin", conv.Origin)

	adapter, err := d.deps.Adapters.Adapter(conv.Origin)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrNoAdapter, err)
		return &Result{Error: err.Error()}, err
	}
	if conv.Address == "" {
		err := fmt.Errorf("%w: conversation has no address", ErrChannelSendFailed)
		return &Result{Error: err.Error()}, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	start := time.Now()
	channelID, err := adapter.Send(sendCtx, channel.Envelope{Conversation: conv, To: conv.Address, Content: content})
	cancel()
	if d.deps.Observer != nil {
		d.deps.Observer.ObserveSend(conv.Origin, err == nil, time.Since(start))
	}
	if err != nil {
		logger.Warn("send failed", "type", content.Type, "error", err)
		err = fmt.Errorf("%w: %v", ErrChannelSendFailed, err)
		return &Result{Error: err.Error()}, err
	}

	msg := message.Message{
		ID:        channelID,
		Type:      content.Type,
		Content:   content,
		Direction: message.Outgoing,
		Timestamp: d.now().Unix(),
		Status:    message.StatusSent,
		Origin:    conv.Origin,
	}
	stored, _, err := d.deps.Log.Append(ctx, conv, msg)
	if err != nil {
		// The channel accepted the message; only local bookkeeping failed.
		logger.Error("sent message not logged", "channel_msg_id", channelID, "error", err)
		stored = msg
	}

	if d.deps.Chats != nil {
		last, _ := json.Marshal(stored)
		if err := d.deps.Chats.RecordChatActivity(ctx, store.ChatActivity{
			Conversation: conv,
			LastMessage:  last,
			At:           d.now(),
		}); err != nil {
			logger.Warn("chat summary not updated", "error", err)
		}
	}
	if d.deps.Notifier != nil {
		d.deps.Notifier.MessageSent(ctx, conv, stored)
	}

	logger.Debug("message sent", "channel_msg_id", channelID, "type", content.Type)
	return &Result{Success: true, ChannelMessageID: channelID, Message: stored}, nil
}
