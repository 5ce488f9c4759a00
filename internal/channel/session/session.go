// ABOUTME: Session channel adapter over a Matrix puppeting bridge
// ABOUTME: Sends envelopes into portal rooms and downloads mxc attachments for the normalizer

package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/inbox-gateway/internal/channel"
	"github.com/2389/inbox-gateway/internal/message"
)

// networkTimeout bounds room lookups against the homeserver.
const networkTimeout = 10 * time.Second

var (
	// ErrUnknownSession is returned for envelopes or media of another session.
	ErrUnknownSession = errors.New("session not served by this bridge")
	// ErrNoRoom is returned when no portal room exists for an address.
	ErrNoRoom = errors.New("no portal room for address")
)

// Sink receives inbound session events in the key/message/update shape.
type Sink interface {
	HandleSession(ctx context.Context, sessionID string, payload []byte) error
}

// Adapter implements channel.Adapter and channel.MediaSource for one session.
type Adapter struct {
	cfg    *Config
	client *mautrix.Client
	self   id.UserID
	server string
	logger *slog.Logger

	mu         sync.RWMutex
	roomByAddr map[string]id.RoomID
	addrByRoom map[id.RoomID]string
	names      map[id.UserID]string
}

// New creates an adapter with a mautrix client for cfg.
func New(cfg *Config, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mautrix.NewClient(cfg.Matrix.Homeserver, id.UserID(cfg.Matrix.UserID), cfg.Matrix.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	_, server, _ := strings.Cut(cfg.Matrix.UserID, ":")
	return &Adapter{
		cfg:        cfg,
		client:     client,
		self:       id.UserID(cfg.Matrix.UserID),
		server:     server,
		logger:     logger.With("component", "channel.session", "session_id", cfg.Bridge.SessionID),
		roomByAddr: make(map[string]id.RoomID),
		addrByRoom: make(map[id.RoomID]string),
		names:      make(map[id.UserID]string),
	}, nil
}

// Kind returns message.KindSession.
func (a *Adapter) Kind() message.Kind {
	return message.KindSession
}

// SessionID returns the session this adapter serves.
func (a *Adapter) SessionID() string {
	return a.cfg.Bridge.SessionID
}

// AccountID returns the account owning the session.
func (a *Adapter) AccountID() string {
	return a.cfg.Bridge.AccountID
}

// Send posts the envelope to the contact's portal room and returns the event id.
func (a *Adapter) Send(ctx context.Context, env channel.Envelope) (string, error) {
	if env.Conversation.SessionID != "" && env.Conversation.SessionID != a.cfg.Bridge.SessionID {
		return "", fmt.Errorf("%w: %s", ErrUnknownSession, env.Conversation.SessionID)
	}
	room, err := a.roomFor(ctx, env.To)
	if err != nil {
		return "", err
	}

	evType, content := a.render(env.Content)
	resp, err := a.client.SendMessageEvent(ctx, room, evType, content)
	if err != nil {
		return "", fmt.Errorf("sending to %s: %w", room, err)
	}
	a.logger.Debug("sent session message", "room", room.String(), "event_id", resp.EventID.String(), "type", env.Content.Type)
	return resp.EventID.String(), nil
}

// render converts canonical content to a Matrix event. Media without an mxc
// upload is sent as a caption-and-link text.
func (a *Adapter) render(c message.Content) (event.Type, any) {
	if c.Type == message.TypeReaction && c.Reaction != nil {
		return event.EventReaction, &event.ReactionEventContent{RelatesTo: event.RelatesTo{
			Type:    event.RelAnnotation,
			EventID: id.EventID(c.Reaction.MessageID),
			Key:     c.Reaction.Emoji,
		}}
	}

	var out *event.MessageEventContent
	switch {
	case c.Type == message.TypeLocation && c.Location != nil:
		out = &event.MessageEventContent{
			MsgType: event.MsgLocation,
			Body:    c.Location.String(),
			GeoURI:  "geo:" + strconv.FormatFloat(c.Location.Latitude, 'f', -1, 64) + "," + strconv.FormatFloat(c.Location.Longitude, 'f', -1, 64),
		}
	case c.MediaPart() != nil:
		m := c.MediaPart()
		body := strings.TrimSpace(m.Caption + "\n" + m.Link)
		out = a.text(body)
	case c.Text != nil:
		out = a.text(c.Text.Body)
	default:
		out = a.text((&message.Message{Content: c, Type: c.Type}).Preview())
	}
	if c.Context != nil && c.Context.MessageID != "" {
		out.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: id.EventID(c.Context.MessageID)}}
	}
	return event.EventMessage, out
}

func (a *Adapter) text(body string) *event.MessageEventContent {
	out := &event.MessageEventContent{MsgType: event.MsgText, Body: body}
	if !a.cfg.Bridge.Markdown {
		return out
	}
	if formatted, ok := renderMarkdown(body); ok {
		out.Format = event.FormatHTML
		out.FormattedBody = formatted
	}
	return out
}

// renderMarkdown returns the HTML for body, and false when the markup adds
// nothing over a single plain paragraph.
func renderMarkdown(body string) (string, bool) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(body), &buf); err != nil {
		return "", false
	}
	out := strings.TrimSpace(buf.String())
	if out == "" || out == "<p>"+html.EscapeString(body)+"</p>" {
		return "", false
	}
	return out, true
}

// Fetch downloads an mxc attachment.
func (a *Adapter) Fetch(ctx context.Context, ref channel.MediaRef) (*channel.MediaPayload, error) {
	if ref.SessionID != "" && ref.SessionID != a.cfg.Bridge.SessionID {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, ref.SessionID)
	}
	uri, err := id.ParseContentURI(ref.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing media uri %q: %w", ref.URL, err)
	}
	resp, err := a.client.Download(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", uri, err)
	}
	mimeType := ref.MimeType
	if mimeType == "" {
		mimeType = resp.Header.Get("Content-Type")
	}
	return &channel.MediaPayload{Body: resp.Body, MimeType: mimeType, Filename: ref.Filename}, nil
}

// roomFor returns the portal room of address, resolving the portal alias
// #<prefix><address>:<server> when the room has not been seen yet.
func (a *Adapter) roomFor(ctx context.Context, address string) (id.RoomID, error) {
	address = strings.TrimPrefix(strings.TrimSpace(address), "+")
	if address == "" {
		return "", fmt.Errorf("%w: empty address", ErrNoRoom)
	}
	a.mu.RLock()
	room, ok := a.roomByAddr[address]
	a.mu.RUnlock()
	if ok {
		return room, nil
	}

	lctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	alias := id.RoomAlias("#" + a.cfg.Bridge.RoomsPrefix + address + ":" + a.server)
	resp, err := a.client.ResolveAlias(lctx, alias)
	if err != nil {
		return "", fmt.Errorf("%w %s: %v", ErrNoRoom, address, err)
	}
	a.remember(address, resp.RoomID)
	return resp.RoomID, nil
}

func (a *Adapter) remember(address string, room id.RoomID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.roomByAddr[address] = room
	a.addrByRoom[room] = address
}

func (a *Adapter) addressOf(room id.RoomID) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	addr, ok := a.addrByRoom[room]
	return addr, ok
}

// displayName returns the puppet's profile name, or fallback when the
// profile has none or cannot be fetched. Resolved names are cached.
func (a *Adapter) displayName(ctx context.Context, user id.UserID, fallback string) string {
	a.mu.RLock()
	name, ok := a.names[user]
	a.mu.RUnlock()
	if ok {
		return name
	}

	resp, err := a.client.GetDisplayName(ctx, user)
	if err != nil || resp == nil || strings.TrimSpace(resp.DisplayName) == "" {
		if err != nil {
			a.logger.Debug("display name lookup failed", "user_id", user.String(), "error", err)
		}
		return fallback
	}
	name = strings.TrimSpace(resp.DisplayName)
	a.mu.Lock()
	a.names[user] = name
	a.mu.Unlock()
	return name
}

// contactAddress extracts the contact address from a puppet user id
// @<prefix><address>:<server>.
func (a *Adapter) contactAddress(user id.UserID) (string, bool) {
	local, _, ok := strings.Cut(strings.TrimPrefix(user.String(), "@"), ":")
	if !ok || !strings.HasPrefix(local, a.cfg.Bridge.RoomsPrefix) {
		return "", false
	}
	addr := strings.TrimPrefix(local, a.cfg.Bridge.RoomsPrefix)
	return addr, addr != ""
}
