// ABOUTME: Canonical message model shared by every pipeline stage
// ABOUTME: Defines message types, directions, channel kinds and conversation references

package message

import (
	"encoding/json"
	"strings"
)

// Kind identifies the channel a conversation originated from.
type Kind string

const (
	KindCloud   Kind = "cloud"
	KindSession Kind = "session"
)

// Valid reports whether k is a known channel kind.
func (k Kind) Valid() bool {
	return k == KindCloud || k == KindSession
}

// Type is the canonical message type.
type Type string

const (
	TypeText        Type = "text"
	TypeImage       Type = "image"
	TypeVideo       Type = "video"
	TypeDocument    Type = "document"
	TypeAudio       Type = "audio"
	TypeLocation    Type = "location"
	TypeContact     Type = "contact"
	TypeOrder       Type = "order"
	TypeSticker     Type = "sticker"
	TypeReaction    Type = "reaction"
	TypeInteractive Type = "interactive"
	TypeButton      Type = "button"
	TypeList        Type = "list"
)

// IsMedia reports whether messages of this type carry a binary side-file.
func (t Type) IsMedia() bool {
	switch t {
	case TypeImage, TypeVideo, TypeDocument, TypeAudio:
		return true
	}
	return false
}

// Direction records whether a message was received or sent.
type Direction string

const (
	Incoming Direction = "INCOMING"
	Outgoing Direction = "OUTGOING"
)

// Message is one entry of a conversation log.
type Message struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	Content       Content         `json:"content"`
	Direction     Direction       `json:"direction"`
	Timestamp     int64           `json:"timestamp"`
	SenderName    string          `json:"sender_name"`
	SenderAddress string          `json:"sender_address"`
	Status        DeliveryStatus  `json:"status"`
	Reaction      string          `json:"reaction"`
	ReplyContext  json.RawMessage `json:"reply_context,omitempty"`
	Origin        Kind            `json:"origin"`
	Star          bool            `json:"star"`
}

// Conversation identifies one conversation of one account.
type Conversation struct {
	AccountID string `json:"account_id"`
	ChatKey   string `json:"chat_key"`
	Origin    Kind   `json:"origin"`
	// Address is the remote party's channel address (phone number or JID user part).
	Address   string `json:"address"`
	SessionID string `json:"session_id,omitempty"`
}

// LockKey returns the key used to serialize work on this conversation.
func (c Conversation) LockKey() string {
	return c.AccountID + "/" + c.ChatKey
}

// DrivingText returns the single text-like value used to match flow edges:
// the first present of text body, interactive reply title, media caption,
// reaction emoji, location and contact formatted name.
func (m *Message) DrivingText() string {
	c := &m.Content
	if c.Text != nil && c.Text.Body != "" {
		return c.Text.Body
	}
	if title := c.InteractiveTitle(); title != "" {
		return title
	}
	for _, media := range []*Media{c.Image, c.Video, c.Document} {
		if media != nil && media.Caption != "" {
			return media.Caption
		}
	}
	if c.Reaction != nil && c.Reaction.Emoji != "" {
		return c.Reaction.Emoji
	}
	if c.Location != nil {
		if s := c.Location.String(); s != "" {
			return s
		}
	}
	if len(c.Contacts) > 0 {
		return c.Contacts[0].FormattedName()
	}
	return ""
}

// Preview returns a short human-readable summary for chat lists and logs.
func (m *Message) Preview() string {
	if s := strings.TrimSpace(m.DrivingText()); s != "" {
		return s
	}
	return "[" + string(m.Type) + "]"
}
