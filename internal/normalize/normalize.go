// ABOUTME: Channel Normalizer turning raw channel events into canonical messages and receipts
// ABOUTME: Resolves media side-files and reply context before a content event is returned

package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/2389/inbox-gateway/internal/channel"
	"github.com/2389/inbox-gateway/internal/chatkey"
	"github.com/2389/inbox-gateway/internal/convlog"
	"github.com/2389/inbox-gateway/internal/message"
)

// DefaultFetchTimeout bounds one media download.
const DefaultFetchTimeout = 60 * time.Second

var (
	// ErrUnsupportedEventKind marks an event the normalizer does not recognize.
	ErrUnsupportedEventKind = errors.New("unsupported event kind")

	// ErrMediaFetchFailed drops a content event whose attachment could not be stored.
	ErrMediaFetchFailed = errors.New("media fetch failed")
)

// EventKind classifies a normalized event.
type EventKind string

const (
	KindContent  EventKind = "content"
	KindStatus   EventKind = "status"
	KindReaction EventKind = "reaction"
)

// Event is one raw channel event addressed to an account.
type Event struct {
	Channel   message.Kind
	AccountID string
	// SessionID is set for session channel events.
	SessionID string
	Payload   json.RawMessage
}

// Status is a delivery receipt for a previously sent message.
type Status struct {
	ChannelMsgID string
	Status       message.DeliveryStatus
	ErrorMessage string
	// Raw is the channel's receipt payload, kept for failed deliveries.
	Raw json.RawMessage
}

// Reaction sets or clears the reaction on a prior message.
type Reaction struct {
	TargetID string
	Emoji    string
}

// Result is the outcome of normalizing one event. Exactly one of Message,
// Status and Reaction is set, as named by Kind.
type Result struct {
	Kind         EventKind
	Conversation message.Conversation
	Message      *message.Message
	Status       *Status
	Reaction     *Reaction
	SenderName   string
	// Recipients are the accounts whose connections see this conversation:
	// the owner first, then assigned agents.
	Recipients []string
}

// MediaSources resolves the media source of a channel.
type MediaSources interface {
	Media(kind message.Kind) (channel.MediaSource, error)
}

// MediaStore persists downloaded attachments and returns their served URL.
type MediaStore interface {
	Save(ctx context.Context, accountID string, body io.Reader, mimeType, filename string) (string, error)
}

// ReplyLookup finds prior messages for reply context.
type ReplyLookup interface {
	Find(ctx context.Context, conv message.Conversation, channelID string) (*message.Message, error)
}

// Audience lists agents assigned to a conversation.
type Audience interface {
	AgentsForChat(ctx context.Context, ownerUID, chatKey string) ([]string, error)
}

// Config tunes a Normalizer.
type Config struct {
	Salt         string
	FetchTimeout time.Duration
	Now          func() time.Time
}

// Deps are the collaborators of a Normalizer. Audience is optional.
type Deps struct {
	Sources  MediaSources
	Media    MediaStore
	Replies  ReplyLookup
	Audience Audience
}

// Normalizer converts raw events for all channels.
type Normalizer struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// New creates a Normalizer.
func New(cfg Config, deps Deps, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Normalizer{cfg: cfg, deps: deps, logger: logger.With("component", "normalize")}
}

// Normalize classifies and converts ev.
func (n *Normalizer) Normalize(ctx context.Context, ev Event) (*Result, error) {
	if ev.AccountID == "" {
		return nil, errors.New("event has no account")
	}

	var (
		res *Result
		err error
	)
	switch ev.Channel {
	case message.KindCloud:
		res, err = n.cloud(ctx, ev)
	case message.KindSession:
		res, err = n.session(ctx, ev)
	default:
		return nil, fmt.Errorf("%w: channel %q", ErrUnsupportedEventKind, ev.Channel)
	}
	if err != nil {
		return nil, err
	}

	res.Recipients = n.recipients(ctx, res.Conversation)
	return res, nil
}

// conversation builds the conversation reference for a remote address.
func (n *Normalizer) conversation(ev Event, address string) message.Conversation {
	address = chatkey.NormalizeAddress(address)
	return message.Conversation{
		AccountID: ev.AccountID,
		ChatKey:   chatkey.Derive(n.cfg.Salt, address, ev.SessionID),
		Origin:    ev.Channel,
		Address:   address,
		SessionID: ev.SessionID,
	}
}

func (n *Normalizer) recipients(ctx context.Context, conv message.Conversation) []string {
	out := []string{conv.AccountID}
	if n.deps.Audience == nil {
		return out
	}
	agents, err := n.deps.Audience.AgentsForChat(ctx, conv.AccountID, conv.ChatKey)
	if err != nil {
		n.logger.Warn("agent lookup failed", "account_id", conv.AccountID, "chat_key", conv.ChatKey, "error", err)
		return out
	}
	return append(out, agents...)
}

// storeMedia downloads ref through the channel's media source and returns the
// locally served URL.
func (n *Normalizer) storeMedia(ctx context.Context, kind message.Kind, ref channel.MediaRef) (string, string, error) {
	if n.deps.Sources == nil || n.deps.Media == nil {
		return "", "", fmt.Errorf("%w: media storage not configured", ErrMediaFetchFailed)
	}
	src, err := n.deps.Sources.Media(kind)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMediaFetchFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.FetchTimeout)
	defer cancel()

	payload, err := src.Fetch(ctx, ref)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMediaFetchFailed, err)
	}
	defer payload.Body.Close()

	mimeType := payload.MimeType
	if mimeType == "" {
		mimeType = ref.MimeType
	}
	url, err := n.deps.Media.Save(ctx, ref.AccountID, payload.Body, mimeType, ref.Filename)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMediaFetchFailed, err)
	}
	return url, mimeType, nil
}

// replyContext embeds the stored message with channelID, or the raw
// reference when it is not in the log.
func (n *Normalizer) replyContext(ctx context.Context, conv message.Conversation, channelID string, raw json.RawMessage) json.RawMessage {
	if channelID != "" && n.deps.Replies != nil {
		prior, err := n.deps.Replies.Find(ctx, conv, channelID)
		switch {
		case err == nil:
			if b, err := json.Marshal(prior); err == nil {
				return b
			}
		case errors.Is(err, convlog.ErrLookupMiss):
			n.logger.Debug("reply target not in log", "chat_key", conv.ChatKey, "channel_msg_id", channelID)
		default:
			n.logger.Warn("reply lookup failed", "chat_key", conv.ChatKey, "error", err)
		}
	}
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func (n *Normalizer) newMessage(id string, content message.Content, dir message.Direction, name, address string, origin message.Kind) *message.Message {
	return &message.Message{
		ID:            id,
		Type:          content.Type,
		Content:       content,
		Direction:     dir,
		Timestamp:     n.cfg.Now().Unix(),
		SenderName:    name,
		SenderAddress: address,
		Origin:        origin,
	}
}
