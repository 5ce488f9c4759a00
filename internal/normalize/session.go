// ABOUTME: Session channel event normalization
// ABOUTME: Events use the key/message/update shape emitted by the session adapter

package normalize

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/2389/inbox-gateway/internal/channel"
	"github.com/2389/inbox-gateway/internal/message"
)

// sessionStatuses maps numeric session receipt codes. 5 is "played", which
// reads as read.
var sessionStatuses = map[int64]message.DeliveryStatus{
	2: message.StatusSent,
	3: message.StatusDelivered,
	4: message.StatusRead,
	5: message.StatusRead,
}

// sessionMedia lists the media message fields in lookup order.
var sessionMedia = []struct {
	field string
	typ   message.Type
}{
	{"imageMessage", message.TypeImage},
	{"videoMessage", message.TypeVideo},
	{"audioMessage", message.TypeAudio},
	{"documentMessage", message.TypeDocument},
	{"documentWithCaptionMessage.message.documentMessage", message.TypeDocument},
}

func (n *Normalizer) session(ctx context.Context, ev Event) (*Result, error) {
	if ev.SessionID == "" {
		return nil, fmt.Errorf("%w: session event without session id", ErrUnsupportedEventKind)
	}
	if !gjson.ValidBytes(ev.Payload) {
		return nil, fmt.Errorf("%w: invalid json", ErrUnsupportedEventKind)
	}
	body := gjson.ParseBytes(ev.Payload)

	key := body.Get("key")
	remote := key.Get("remoteJid").String()
	if remote == "" {
		return nil, fmt.Errorf("%w: event without remote jid", ErrUnsupportedEventKind)
	}
	conv := n.conversation(ev, remote)
	fromMe := key.Get("fromMe").Bool()
	id := key.Get("id").String()

	if st := body.Get("update.status"); st.Exists() {
		if !fromMe {
			return nil, fmt.Errorf("%w: receipt for incoming message", ErrUnsupportedEventKind)
		}
		status, ok := sessionStatuses[st.Int()]
		if !ok {
			return nil, fmt.Errorf("%w: session status %d", ErrUnsupportedEventKind, st.Int())
		}
		return &Result{
			Kind:         KindStatus,
			Conversation: conv,
			Status:       &Status{ChannelMsgID: id, Status: status},
		}, nil
	}

	msg := body.Get("message")
	if !msg.IsObject() {
		return nil, fmt.Errorf("%w: event without message", ErrUnsupportedEventKind)
	}
	name := body.Get("pushName").String()

	if r := msg.Get("reactionMessage"); r.Exists() {
		return &Result{
			Kind:         KindReaction,
			Conversation: conv,
			SenderName:   name,
			Reaction:     &Reaction{TargetID: r.Get("key.id").String(), Emoji: r.Get("text").String()},
		}, nil
	}

	content, info, err := n.sessionContent(ctx, ev, id, msg)
	if err != nil {
		return nil, err
	}

	dir := message.Incoming
	if fromMe {
		dir = message.Outgoing
	}
	m := n.newMessage(id, content, dir, name, conv.Address, message.KindSession)
	if info.Exists() {
		quoted := info.Get("quotedMessage")
		var raw json.RawMessage
		if quoted.Exists() {
			raw = json.RawMessage(quoted.Raw)
		}
		if stanza := info.Get("stanzaId").String(); stanza != "" || raw != nil {
			m.ReplyContext = n.replyContext(ctx, conv, stanza, raw)
		}
	}
	return &Result{Kind: KindContent, Conversation: conv, Message: m, SenderName: name}, nil
}

// sessionContent maps a session message object to canonical content and
// returns its contextInfo, if any.
func (n *Normalizer) sessionContent(ctx context.Context, ev Event, id string, msg gjson.Result) (message.Content, gjson.Result, error) {
	if text := msg.Get("conversation"); text.Exists() {
		return message.NewText(text.String()), gjson.Result{}, nil
	}
	if ext := msg.Get("extendedTextMessage"); ext.Exists() {
		return message.NewText(ext.Get("text").String()), ext.Get("contextInfo"), nil
	}
	if loc := msg.Get("locationMessage"); loc.Exists() {
		return message.Content{Type: message.TypeLocation, Location: &message.Location{
			Latitude:  loc.Get("degreesLatitude").Float(),
			Longitude: loc.Get("degreesLongitude").Float(),
			Name:      loc.Get("name").String(),
			Address:   loc.Get("address").String(),
		}}, gjson.Result{}, nil
	}

	for _, sm := range sessionMedia {
		part := msg.Get(sm.field)
		if !part.Exists() {
			continue
		}
		ref := channel.MediaRef{
			AccountID: ev.AccountID,
			SessionID: ev.SessionID,
			ID:        id,
			URL:       part.Get("url").String(),
			MimeType:  part.Get("mimetype").String(),
			Filename:  part.Get("fileName").String(),
		}
		url, mimeType, err := n.storeMedia(ctx, message.KindSession, ref)
		if err != nil {
			return message.Content{}, gjson.Result{}, err
		}
		caption := part.Get("caption").String()
		if caption == "" && sm.typ == message.TypeDocument {
			caption = part.Get("title").String()
		}
		var c message.Content
		_ = c.SetMedia(sm.typ, &message.Media{Link: url, Caption: caption, MimeType: mimeType, Filename: ref.Filename})
		return c, part.Get("contextInfo"), nil
	}

	return message.Content{}, gjson.Result{}, fmt.Errorf("%w: unrecognized session message", ErrUnsupportedEventKind)
}
