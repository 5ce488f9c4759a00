// ABOUTME: Type-specific message content variants in the cloud API message shape
// ABOUTME: A stored Content is directly usable as an outbound send envelope

package message

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Content is the per-type payload of a message. Exactly the field named by
// Type is expected to be set; the JSON form mirrors the cloud API message
// object so stored content can be sent back out unchanged.
type Content struct {
	Type        Type            `json:"type"`
	Text        *Text           `json:"text,omitempty"`
	Image       *Media          `json:"image,omitempty"`
	Video       *Media          `json:"video,omitempty"`
	Document    *Media          `json:"document,omitempty"`
	Audio       *Media          `json:"audio,omitempty"`
	Sticker     *Sticker        `json:"sticker,omitempty"`
	Location    *Location       `json:"location,omitempty"`
	Contacts    []Contact       `json:"contacts,omitempty"`
	Order       *Order          `json:"order,omitempty"`
	Reaction    *Reaction       `json:"reaction,omitempty"`
	Interactive json.RawMessage `json:"interactive,omitempty"`
	Context     *ContextRef     `json:"context,omitempty"`
}

// Text is a plain text body.
type Text struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

// Media describes an image, video, document or audio attachment.
type Media struct {
	ID       string `json:"id,omitempty"`
	Link     string `json:"link,omitempty"`
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Sticker carries a display placeholder for received stickers.
type Sticker struct {
	Body string `json:"body,omitempty"`
	Link string `json:"link,omitempty"`
}

// Location is a shared map point.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// String renders the location the way it drives flow matching.
func (l *Location) String() string {
	if l.Name != "" {
		return l.Name
	}
	if l.Address != "" {
		return l.Address
	}
	if l.Latitude == 0 && l.Longitude == 0 {
		return ""
	}
	return strconv.FormatFloat(l.Latitude, 'f', -1, 64) + "," + strconv.FormatFloat(l.Longitude, 'f', -1, 64)
}

// Contact is one shared contact card.
type Contact struct {
	Name   ContactName       `json:"name"`
	Phones []json.RawMessage `json:"phones,omitempty"`
}

// ContactName holds the structured contact name.
type ContactName struct {
	FormattedName string `json:"formatted_name"`
	FirstName     string `json:"first_name,omitempty"`
	LastName      string `json:"last_name,omitempty"`
}

// FormattedName returns the contact's display name.
func (c Contact) FormattedName() string {
	if c.Name.FormattedName != "" {
		return c.Name.FormattedName
	}
	if c.Name.LastName == "" {
		return c.Name.FirstName
	}
	return c.Name.FirstName + " " + c.Name.LastName
}

// Order is a catalog order placed by the contact.
type Order struct {
	CatalogID    string            `json:"catalog_id,omitempty"`
	Text         string            `json:"text,omitempty"`
	ProductItems []json.RawMessage `json:"product_items,omitempty"`
}

// Reaction is an emoji reaction to a prior message.
type Reaction struct {
	Emoji     string `json:"emoji"`
	MessageID string `json:"message_id"`
}

// ContextRef references a prior message by channel id (outbound replies).
type ContextRef struct {
	MessageID string `json:"message_id"`
}

// interactiveReply is the subset of an interactive payload carrying a reply title.
type interactiveReply struct {
	Body *struct {
		Text string `json:"text"`
	} `json:"body"`
	ButtonReply *struct {
		Title string `json:"title"`
	} `json:"button_reply"`
	ListReply *struct {
		Title string `json:"title"`
	} `json:"list_reply"`
}

// InteractiveTitle extracts the reply title or body text of an interactive payload.
func (c *Content) InteractiveTitle() string {
	if len(c.Interactive) == 0 {
		return ""
	}
	var r interactiveReply
	if err := json.Unmarshal(c.Interactive, &r); err != nil {
		return ""
	}
	switch {
	case r.ButtonReply != nil && r.ButtonReply.Title != "":
		return r.ButtonReply.Title
	case r.ListReply != nil && r.ListReply.Title != "":
		return r.ListReply.Title
	case r.Body != nil:
		return r.Body.Text
	}
	return ""
}

// MediaPart returns the media payload for media types, or nil.
func (c *Content) MediaPart() *Media {
	switch c.Type {
	case TypeImage:
		return c.Image
	case TypeVideo:
		return c.Video
	case TypeDocument:
		return c.Document
	case TypeAudio:
		return c.Audio
	}
	return nil
}

// SetMedia stores m under the field matching t.
func (c *Content) SetMedia(t Type, m *Media) error {
	c.Type = t
	switch t {
	case TypeImage:
		c.Image = m
	case TypeVideo:
		c.Video = m
	case TypeDocument:
		c.Document = m
	case TypeAudio:
		c.Audio = m
	default:
		return fmt.Errorf("type %q is not a media type", t)
	}
	return nil
}

// NewText builds a text content.
func NewText(body string) Content {
	return Content{Type: TypeText, Text: &Text{Body: body, PreviewURL: true}}
}
