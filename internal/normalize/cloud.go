// ABOUTME: Cloud API webhook normalization
// ABOUTME: Reads entry[0].changes[0].value and maps messages, reactions and statuses

package normalize

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/2389/inbox-gateway/internal/channel"
	"github.com/2389/inbox-gateway/internal/message"
)

// stickerPlaceholder is the text body stored for received stickers.
const stickerPlaceholder = "Sticker received"

const cloudValuePath = "entry.0.changes.0.value"

// CloudPhoneNumberID returns the receiving phone number id of a cloud webhook,
// used to resolve the owning account before normalization.
func CloudPhoneNumberID(payload []byte) string {
	return gjson.GetBytes(payload, cloudValuePath+".metadata.phone_number_id").String()
}

func (n *Normalizer) cloud(ctx context.Context, ev Event) (*Result, error) {
	if !gjson.ValidBytes(ev.Payload) {
		return nil, fmt.Errorf("%w: invalid json", ErrUnsupportedEventKind)
	}
	value := gjson.GetBytes(ev.Payload, cloudValuePath)
	if !value.IsObject() {
		return nil, fmt.Errorf("%w: no change value", ErrUnsupportedEventKind)
	}

	if msg := value.Get("messages.0"); msg.Exists() {
		return n.cloudMessage(ctx, ev, value, msg)
	}
	if st := value.Get("statuses.0"); st.Exists() {
		return n.cloudStatus(ev, value, st)
	}
	return nil, fmt.Errorf("%w: neither message nor status", ErrUnsupportedEventKind)
}

func (n *Normalizer) cloudStatus(ev Event, value, st gjson.Result) (*Result, error) {
	raw := st.Get("status").String()
	status, ok := message.ParseStatus(raw)
	if !ok {
		return nil, fmt.Errorf("%w: status %q", ErrUnsupportedEventKind, raw)
	}
	id := st.Get("id").String()
	if id == "" {
		return nil, fmt.Errorf("%w: status without message id", ErrUnsupportedEventKind)
	}

	s := &Status{ChannelMsgID: id, Status: status}
	if status == message.StatusFailed {
		s.ErrorMessage = st.Get("errors.0.message").String()
		if s.ErrorMessage == "" {
			s.ErrorMessage = st.Get("errors.0.title").String()
		}
		s.Raw = json.RawMessage(value.Raw)
	}
	return &Result{
		Kind:         KindStatus,
		Conversation: n.conversation(ev, st.Get("recipient_id").String()),
		Status:       s,
	}, nil
}

func (n *Normalizer) cloudMessage(ctx context.Context, ev Event, value, msg gjson.Result) (*Result, error) {
	address := msg.Get("from").String()
	if address == "" {
		address = value.Get("contacts.0.wa_id").String()
	}
	if address == "" {
		return nil, fmt.Errorf("%w: message without sender", ErrUnsupportedEventKind)
	}
	conv := n.conversation(ev, address)
	name := value.Get("contacts.0.profile.name").String()
	id := msg.Get("id").String()
	msgType := msg.Get("type").String()

	if msgType == "reaction" {
		return &Result{
			Kind:         KindReaction,
			Conversation: conv,
			SenderName:   name,
			Reaction: &Reaction{
				TargetID: msg.Get("reaction.message_id").String(),
				Emoji:    msg.Get("reaction.emoji").String(),
			},
		}, nil
	}

	content, replyTo, err := n.cloudContent(ctx, ev, msgType, msg)
	if err != nil {
		return nil, err
	}

	m := n.newMessage(id, content, message.Incoming, name, conv.Address, message.KindCloud)

	var rawRef json.RawMessage
	if c := msg.Get("context"); c.Exists() {
		rawRef = json.RawMessage(c.Raw)
		if ctxID := c.Get("id").String(); ctxID != "" {
			replyTo = ctxID
		}
	}
	if replyTo != "" {
		m.ReplyContext = n.replyContext(ctx, conv, replyTo, rawRef)
	}

	return &Result{Kind: KindContent, Conversation: conv, Message: m, SenderName: name}, nil
}

// cloudContent maps one cloud message to canonical content. The second
// return is the channel id an interactive reply refers to.
func (n *Normalizer) cloudContent(ctx context.Context, ev Event, msgType string, msg gjson.Result) (message.Content, string, error) {
	switch msgType {
	case "text":
		return message.NewText(msg.Get("text.body").String()), "", nil

	case "image", "video", "document", "audio":
		part := msg.Get(msgType)
		ref := channel.MediaRef{
			AccountID: ev.AccountID,
			ID:        part.Get("id").String(),
			MimeType:  part.Get("mime_type").String(),
			Filename:  part.Get("filename").String(),
		}
		url, mimeType, err := n.storeMedia(ctx, message.KindCloud, ref)
		if err != nil {
			return message.Content{}, "", err
		}
		var c message.Content
		_ = c.SetMedia(message.Type(msgType), &message.Media{
			Link:     url,
			Caption:  part.Get("caption").String(),
			MimeType: mimeType,
			Filename: ref.Filename,
		})
		return c, "", nil

	case "sticker":
		return message.Content{Type: message.TypeSticker, Sticker: &message.Sticker{Body: stickerPlaceholder}}, "", nil

	case "contacts":
		var contacts []message.Contact
		if err := json.Unmarshal([]byte(msg.Get("contacts").Raw), &contacts); err != nil {
			return message.Content{}, "", fmt.Errorf("%w: contacts: %v", ErrUnsupportedEventKind, err)
		}
		return message.Content{Type: message.TypeContact, Contacts: contacts}, "", nil

	case "location":
		loc := msg.Get("location")
		return message.Content{Type: message.TypeLocation, Location: &message.Location{
			Latitude:  loc.Get("latitude").Float(),
			Longitude: loc.Get("longitude").Float(),
			Name:      loc.Get("name").String(),
			Address:   loc.Get("address").String(),
		}}, "", nil

	case "order":
		var order message.Order
		if err := json.Unmarshal([]byte(msg.Get("order").Raw), &order); err != nil {
			return message.Content{}, "", fmt.Errorf("%w: order: %v", ErrUnsupportedEventKind, err)
		}
		return message.Content{Type: message.TypeOrder, Order: &order}, "", nil

	case "button":
		if text := msg.Get("button.text").String(); text != "" {
			return message.NewText(text), "", nil
		}

	case "interactive":
		for _, kind := range []string{"button_reply", "list_reply"} {
			reply := msg.Get("interactive." + kind)
			if reply.Exists() {
				return message.NewText(reply.Get("title").String()), reply.Get("id").String(), nil
			}
		}
	}
	return message.Content{}, "", fmt.Errorf("%w: message type %q", ErrUnsupportedEventKind, msgType)
}
