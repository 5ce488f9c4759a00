// ABOUTME: Inbound side of the session bridge: syncs the homeserver and maps events
// ABOUTME: Messages, reactions and read receipts become key/message/update payloads for the sink

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
)

// receipt code for a read receipt in the update.status field.
const statusRead = 4

// Run syncs the homeserver and forwards mapped events to sink until ctx is
// cancelled.
func (a *Adapter) Run(ctx context.Context, sink Sink) error {
	a.logger.Info("starting session bridge",
		"homeserver", a.cfg.Matrix.Homeserver,
		"user_id", a.cfg.Matrix.UserID,
	)

	syncer, ok := a.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", a.client.Syncer)
	}
	forward := func(ctx context.Context, evt *event.Event) {
		payload, ok := a.mapEvent(ctx, evt)
		if !ok {
			return
		}
		if err := sink.HandleSession(ctx, a.cfg.Bridge.SessionID, payload); err != nil {
			a.logger.Warn("session event rejected", "event_id", evt.ID.String(), "room", evt.RoomID.String(), "error", err)
		}
	}
	syncer.OnEventType(event.EventMessage, forward)
	syncer.OnEventType(event.EventReaction, forward)
	syncer.OnEventType(event.EphemeralEventReceipt, func(ctx context.Context, evt *event.Event) {
		for _, payload := range a.mapReceipts(evt) {
			if err := sink.HandleSession(ctx, a.cfg.Bridge.SessionID, payload); err != nil {
				a.logger.Debug("receipt rejected", "room", evt.RoomID.String(), "error", err)
			}
		}
	})

	syncCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	syncErr := make(chan error, 1)
	go func() {
		syncErr <- a.client.SyncWithContext(syncCtx)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down session bridge")
		return nil
	case err := <-syncErr:
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

type sessionKey struct {
	RemoteJID string `json:"remoteJid"`
	ID        string `json:"id"`
	FromMe    bool   `json:"fromMe"`
}

type sessionEvent struct {
	Key       sessionKey     `json:"key"`
	PushName  string         `json:"pushName,omitempty"`
	Timestamp int64          `json:"messageTimestamp,omitempty"`
	Message   map[string]any `json:"message,omitempty"`
	Update    map[string]any `json:"update,omitempty"`
}

// mapEvent converts a message or reaction from a puppeted contact. Events
// from the bridge bot itself are echoes of our own sends and are skipped.
// The sender name is the puppet's display name, falling back to the address.
func (a *Adapter) mapEvent(ctx context.Context, evt *event.Event) ([]byte, bool) {
	if evt.Sender == a.self {
		return nil, false
	}
	addr, ok := a.contactAddress(evt.Sender)
	if !ok {
		a.logger.Debug("ignoring event from non-puppet user", "sender", evt.Sender.String())
		return nil, false
	}
	a.remember(addr, evt.RoomID)

	out := sessionEvent{
		Key:       sessionKey{RemoteJID: addr, ID: evt.ID.String()},
		Timestamp: evt.Timestamp / 1000,
	}

	switch content := evt.Content.Parsed.(type) {
	case *event.ReactionEventContent:
		out.Message = map[string]any{"reactionMessage": map[string]any{
			"key":  map[string]any{"id": content.RelatesTo.EventID.String()},
			"text": content.RelatesTo.Key,
		}}
	case *event.MessageEventContent:
		msg, ok := messageFields(content)
		if !ok {
			a.logger.Debug("ignoring unsupported message type", "msgtype", content.MsgType)
			return nil, false
		}
		out.Message = msg
	default:
		return nil, false
	}
	out.PushName = a.displayName(ctx, evt.Sender, addr)

	b, err := json.Marshal(out)
	if err != nil {
		return nil, false
	}
	return b, true
}

// messageFields maps a Matrix message to the session message object.
func messageFields(c *event.MessageEventContent) (map[string]any, bool) {
	var reply string
	if c.RelatesTo != nil && c.RelatesTo.InReplyTo != nil {
		reply = c.RelatesTo.InReplyTo.EventID.String()
	}
	withContext := func(m map[string]any) map[string]any {
		if reply != "" {
			m["contextInfo"] = map[string]any{"stanzaId": reply}
		}
		return m
	}

	switch c.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		body := stripReplyFallback(c.Body)
		if reply == "" {
			return map[string]any{"conversation": body}, true
		}
		return map[string]any{"extendedTextMessage": withContext(map[string]any{"text": body})}, true

	case event.MsgLocation:
		lat, lon, ok := parseGeoURI(c.GeoURI)
		if !ok {
			return nil, false
		}
		return map[string]any{"locationMessage": map[string]any{
			"degreesLatitude":  lat,
			"degreesLongitude": lon,
			"name":             c.Body,
		}}, true

	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		field := map[event.MessageType]string{
			event.MsgImage: "imageMessage",
			event.MsgVideo: "videoMessage",
			event.MsgAudio: "audioMessage",
			event.MsgFile:  "documentMessage",
		}[c.MsgType]
		part := map[string]any{"url": string(c.URL)}
		if c.Info != nil && c.Info.MimeType != "" {
			part["mimetype"] = c.Info.MimeType
		}
		switch {
		case c.FileName != "" && c.FileName != c.Body:
			part["fileName"] = c.FileName
			part["caption"] = c.Body
		case c.MsgType == event.MsgFile:
			part["fileName"] = c.Body
		}
		return map[string]any{field: withContext(part)}, true
	}
	return nil, false
}

// mapReceipts turns read receipts from the contact into status updates for
// our own messages in that room.
func (a *Adapter) mapReceipts(evt *event.Event) [][]byte {
	addr, ok := a.addressOf(evt.RoomID)
	if !ok {
		return nil
	}
	content, ok := evt.Content.Parsed.(*event.ReceiptEventContent)
	if !ok {
		return nil
	}
	var out [][]byte
	for eventID, types := range *content {
		for user := range types[event.ReceiptTypeRead] {
			if user == a.self {
				continue
			}
			b, err := json.Marshal(sessionEvent{
				Key:    sessionKey{RemoteJID: addr, ID: eventID.String(), FromMe: true},
				Update: map[string]any{"status": statusRead},
			})
			if err == nil {
				out = append(out, b)
			}
			break
		}
	}
	return out
}

// stripReplyFallback removes the "> quoted" lines clients prepend to replies.
func stripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i < len(lines) && lines[i] == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

// parseGeoURI reads "geo:lat,lon[;params]".
func parseGeoURI(uri string) (float64, float64, bool) {
	rest, ok := strings.CutPrefix(uri, "geo:")
	if !ok {
		return 0, 0, false
	}
	rest, _, _ = strings.Cut(rest, ";")
	latS, lonS, ok := strings.Cut(rest, ",")
	if !ok {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(latS, 64)
	lon, err2 := strconv.ParseFloat(lonS, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lat, lon, true
}
