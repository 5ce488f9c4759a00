// ABOUTME: Tests for cloud and session event normalization
// ABOUTME: Media goes through a mock channel source into an in-memory store

package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/inbox-gateway/internal/channel"
	"github.com/2389/inbox-gateway/internal/chatkey"
	"github.com/2389/inbox-gateway/internal/convlog"
	"github.com/2389/inbox-gateway/internal/message"
)

type memMedia struct {
	saved map[string]string
	err   error
}

func (m *memMedia) Save(ctx context.Context, accountID string, body io.Reader, mimeType, filename string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	url := "/media/" + accountID + "/f" + mimeType
	m.saved[url] = string(b)
	return url, nil
}

type staticAudience []string

func (s staticAudience) AgentsForChat(ctx context.Context, ownerUID, chatKey string) ([]string, error) {
	return s, nil
}

type fixture struct {
	n      *Normalizer
	cloud  *channel.MockAdapter
	sess   *channel.MockAdapter
	media  *memMedia
	log    convlog.Log
	fixedT time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := channel.NewRegistry()
	f := &fixture{
		cloud:  channel.NewMockAdapter(message.KindCloud),
		sess:   channel.NewMockAdapter(message.KindSession),
		media:  &memMedia{saved: map[string]string{}},
		fixedT: time.Unix(1760000000, 0),
	}
	reg.Register(f.cloud)
	reg.Register(f.sess)

	log, err := convlog.NewFileLog(t.TempDir(), nil)
	require.NoError(t, err)
	f.log = log

	f.n = New(Config{Salt: "salt", Now: func() time.Time { return f.fixedT }}, Deps{
		Sources:  reg,
		Media:    f.media,
		Replies:  log,
		Audience: staticAudience{"agent-1"},
	}, nil)
	return f
}

func cloudEvent(value string) Event {
	return Event{
		Channel:   message.KindCloud,
		AccountID: "acct-1",
		Payload:   json.RawMessage(`{"object":"whatsapp_business_account","entry":[{"changes":[{"value":` + value + `}]}]}`),
	}
}

func cloudMsg(msg string) Event {
	return cloudEvent(`{"metadata":{"phone_number_id":"1001"},"contacts":[{"profile":{"name":"Ada"},"wa_id":"15550001"}],"messages":[` + msg + `]}`)
}

func TestCloudPhoneNumberID(t *testing.T) {
	ev := cloudMsg(`{"from":"15550001","id":"wamid.1","type":"text","text":{"body":"hi"}}`)
	assert.Equal(t, "1001", CloudPhoneNumberID(ev.Payload))
	assert.Equal(t, "", CloudPhoneNumberID([]byte(`{}`)))
}

func TestCloudText(t *testing.T) {
	f := newFixture(t)
	res, err := f.n.Normalize(context.Background(), cloudMsg(`{"from":"15550001","id":"wamid.1","type":"text","text":{"body":"hello"}}`))
	require.NoError(t, err)

	assert.Equal(t, KindContent, res.Kind)
	assert.Equal(t, chatkey.Derive("salt", "15550001", ""), res.Conversation.ChatKey)
	assert.Equal(t, "15550001", res.Conversation.Address)
	assert.Equal(t, message.KindCloud, res.Conversation.Origin)
	assert.Equal(t, []string{"acct-1", "agent-1"}, res.Recipients)

	m := res.Message
	require.NotNil(t, m)
	assert.Equal(t, "wamid.1", m.ID)
	assert.Equal(t, message.TypeText, m.Type)
	assert.Equal(t, "hello", m.Content.Text.Body)
	assert.Equal(t, message.Incoming, m.Direction)
	assert.Equal(t, "Ada", m.SenderName)
	assert.Equal(t, int64(1760000000), m.Timestamp)
	assert.Nil(t, m.ReplyContext)
}

func TestCloudMedia(t *testing.T) {
	f := newFixture(t)
	f.cloud.AddMedia("media-7", "JPEG")

	res, err := f.n.Normalize(context.Background(), cloudMsg(
		`{"from":"15550001","id":"wamid.2","type":"image","image":{"id":"media-7","mime_type":"image/jpeg","caption":"look"}}`))
	require.NoError(t, err)

	img := res.Message.Content.Image
	require.NotNil(t, img)
	assert.Equal(t, "look", img.Caption)
	assert.Equal(t, "JPEG", f.media.saved[img.Link])
	assert.Equal(t, "acct-1", f.cloud.Fetched()[0].AccountID)
}

func TestCloudMediaFailureDropsEvent(t *testing.T) {
	f := newFixture(t)
	_, err := f.n.Normalize(context.Background(), cloudMsg(
		`{"from":"15550001","id":"wamid.3","type":"audio","audio":{"id":"missing"}}`))
	assert.ErrorIs(t, err, ErrMediaFetchFailed)

	f.cloud.AddMedia("m", "x")
	f.media.err = errors.New("disk full")
	_, err = f.n.Normalize(context.Background(), cloudMsg(
		`{"from":"15550001","id":"wamid.4","type":"audio","audio":{"id":"m"}}`))
	assert.ErrorIs(t, err, ErrMediaFetchFailed)
}

func TestCloudVariants(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		msg   string
		check func(t *testing.T, m *message.Message)
	}{
		{"sticker", `{"from":"1","id":"s","type":"sticker","sticker":{"id":"x"}}`, func(t *testing.T, m *message.Message) {
			assert.Equal(t, stickerPlaceholder, m.Content.Sticker.Body)
		}},
		{"location", `{"from":"1","id":"l","type":"location","location":{"latitude":12.5,"longitude":77.25,"name":"Office"}}`, func(t *testing.T, m *message.Message) {
			assert.Equal(t, "Office", m.DrivingText())
			assert.Equal(t, 77.25, m.Content.Location.Longitude)
		}},
		{"contacts", `{"from":"1","id":"c","type":"contacts","contacts":[{"name":{"formatted_name":"Grace Hopper"}}]}`, func(t *testing.T, m *message.Message) {
			assert.Equal(t, message.TypeContact, m.Type)
			assert.Equal(t, "Grace Hopper", m.DrivingText())
		}},
		{"order", `{"from":"1","id":"o","type":"order","order":{"catalog_id":"cat","text":"two please","product_items":[{"id":"p"}]}}`, func(t *testing.T, m *message.Message) {
			assert.Equal(t, "cat", m.Content.Order.CatalogID)
			assert.Len(t, m.Content.Order.ProductItems, 1)
		}},
		{"template button", `{"from":"1","id":"b","type":"button","button":{"text":"Yes"}}`, func(t *testing.T, m *message.Message) {
			assert.Equal(t, "Yes", m.Content.Text.Body)
		}},
		{"list reply", `{"from":"1","id":"r","type":"interactive","interactive":{"type":"list_reply","list_reply":{"id":"row-1","title":"Pricing"}}}`, func(t *testing.T, m *message.Message) {
			assert.Equal(t, "Pricing", m.DrivingText())
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.n.Normalize(context.Background(), cloudMsg(tt.msg))
			require.NoError(t, err)
			tt.check(t, res.Message)
		})
	}
}

func TestCloudUnsupported(t *testing.T) {
	f := newFixture(t)
	for _, ev := range []Event{
		cloudMsg(`{"from":"1","id":"u","type":"ephemeral"}`),
		cloudEvent(`{"metadata":{}}`),
		cloudEvent(`{"statuses":[{"id":"x","status":"warning","recipient_id":"1"}]}`),
		{Channel: message.KindCloud, AccountID: "acct-1", Payload: json.RawMessage(`not json`)},
		{Channel: "carrier-pigeon", AccountID: "acct-1", Payload: json.RawMessage(`{}`)},
	} {
		_, err := f.n.Normalize(context.Background(), ev)
		assert.ErrorIs(t, err, ErrUnsupportedEventKind, string(ev.Payload))
	}
}

func TestCloudReaction(t *testing.T) {
	f := newFixture(t)
	res, err := f.n.Normalize(context.Background(), cloudMsg(
		`{"from":"15550001","id":"wamid.9","type":"reaction","reaction":{"message_id":"wamid.1","emoji":"👍"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindReaction, res.Kind)
	assert.Nil(t, res.Message)
	assert.Equal(t, Reaction{TargetID: "wamid.1", Emoji: "👍"}, *res.Reaction)
}

func TestCloudStatus(t *testing.T) {
	f := newFixture(t)
	res, err := f.n.Normalize(context.Background(), cloudEvent(
		`{"statuses":[{"id":"wamid.out","status":"delivered","recipient_id":"15550001"}]}`))
	require.NoError(t, err)
	assert.Equal(t, KindStatus, res.Kind)
	assert.Equal(t, "wamid.out", res.Status.ChannelMsgID)
	assert.Equal(t, message.StatusDelivered, res.Status.Status)
	assert.Nil(t, res.Status.Raw)
	assert.Equal(t, chatkey.Derive("salt", "15550001", ""), res.Conversation.ChatKey)

	res, err = f.n.Normalize(context.Background(), cloudEvent(
		`{"statuses":[{"id":"wamid.out","status":"failed","recipient_id":"15550001","errors":[{"code":131047,"title":"Re-engagement message"}]}]}`))
	require.NoError(t, err)
	assert.Equal(t, message.StatusFailed, res.Status.Status)
	assert.Equal(t, "Re-engagement message", res.Status.ErrorMessage)
	assert.Contains(t, string(res.Status.Raw), "131047")
}

func TestCloudReplyContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.n.Normalize(ctx, cloudMsg(`{"from":"15550001","id":"wamid.orig","type":"text","text":{"body":"original"}}`))
	require.NoError(t, err)
	_, _, err = f.log.Append(ctx, first.Conversation, *first.Message)
	require.NoError(t, err)

	res, err := f.n.Normalize(ctx, cloudMsg(
		`{"from":"15550001","id":"wamid.reply","type":"text","text":{"body":"re"},"context":{"from":"15550001","id":"wamid.orig"}}`))
	require.NoError(t, err)
	var embedded message.Message
	require.NoError(t, json.Unmarshal(res.Message.ReplyContext, &embedded))
	assert.Equal(t, "original", embedded.Content.Text.Body)

	res, err = f.n.Normalize(ctx, cloudMsg(
		`{"from":"15550001","id":"wamid.reply2","type":"text","text":{"body":"re"},"context":{"from":"15550001","id":"wamid.unknown"}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":"15550001","id":"wamid.unknown"}`, string(res.Message.ReplyContext))
}

func sessionEvent(body string) Event {
	return Event{Channel: message.KindSession, AccountID: "acct-1", SessionID: "sess-1", Payload: json.RawMessage(body)}
}

func TestSessionText(t *testing.T) {
	f := newFixture(t)
	res, err := f.n.Normalize(context.Background(), sessionEvent(
		`{"key":{"remoteJid":"15550001@s.whatsapp.net","id":"3EB0","fromMe":false},"pushName":"Ada","message":{"conversation":"hi"}}`))
	require.NoError(t, err)

	assert.Equal(t, chatkey.Derive("salt", "15550001", "sess-1"), res.Conversation.ChatKey)
	assert.NotEqual(t, chatkey.Derive("salt", "15550001", ""), res.Conversation.ChatKey)
	assert.Equal(t, "sess-1", res.Conversation.SessionID)
	assert.Equal(t, message.Incoming, res.Message.Direction)
	assert.Equal(t, message.KindSession, res.Message.Origin)
	assert.Equal(t, "hi", res.Message.DrivingText())
}

func TestSessionFromMeIsOutgoing(t *testing.T) {
	f := newFixture(t)
	res, err := f.n.Normalize(context.Background(), sessionEvent(
		`{"key":{"remoteJid":"15550001:3@s.whatsapp.net","id":"3EB1","fromMe":true},"message":{"extendedTextMessage":{"text":"sent from phone"}}}`))
	require.NoError(t, err)
	assert.Equal(t, message.Outgoing, res.Message.Direction)
	assert.Equal(t, "15550001", res.Conversation.Address)
}

func TestSessionQuotedReply(t *testing.T) {
	f := newFixture(t)
	res, err := f.n.Normalize(context.Background(), sessionEvent(
		`{"key":{"remoteJid":"15550001@s.whatsapp.net","id":"3EB2"},"message":{"extendedTextMessage":{"text":"yes","contextInfo":{"stanzaId":"nope","quotedMessage":{"conversation":"are you there?"}}}}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"conversation":"are you there?"}`, string(res.Message.ReplyContext))
}

func TestSessionMedia(t *testing.T) {
	f := newFixture(t)
	f.sess.AddMedia("mxc://example.org/abc", "PDFDATA")

	res, err := f.n.Normalize(context.Background(), sessionEvent(
		`{"key":{"remoteJid":"15550001@s.whatsapp.net","id":"3EB3"},"message":{"documentWithCaptionMessage":{"message":{"documentMessage":{"url":"mxc://example.org/abc","mimetype":"application/pdf","fileName":"q3.pdf","title":"Q3 report"}}}}}`))
	require.NoError(t, err)

	doc := res.Message.Content.Document
	require.NotNil(t, doc)
	assert.Equal(t, "Q3 report", doc.Caption)
	assert.Equal(t, "q3.pdf", doc.Filename)
	assert.Equal(t, "PDFDATA", f.media.saved[doc.Link])
	assert.Equal(t, "sess-1", f.sess.Fetched()[0].SessionID)
}

func TestSessionStatus(t *testing.T) {
	f := newFixture(t)
	res, err := f.n.Normalize(context.Background(), sessionEvent(
		`{"key":{"remoteJid":"15550001@s.whatsapp.net","id":"OUT1","fromMe":true},"update":{"status":3}}`))
	require.NoError(t, err)
	assert.Equal(t, KindStatus, res.Kind)
	assert.Equal(t, message.StatusDelivered, res.Status.Status)

	res, err = f.n.Normalize(context.Background(), sessionEvent(
		`{"key":{"remoteJid":"15550001@s.whatsapp.net","id":"OUT1","fromMe":true},"update":{"status":5}}`))
	require.NoError(t, err)
	assert.Equal(t, message.StatusRead, res.Status.Status)

	_, err = f.n.Normalize(context.Background(), sessionEvent(
		`{"key":{"remoteJid":"15550001@s.whatsapp.net","id":"IN1","fromMe":false},"update":{"status":4}}`))
	assert.ErrorIs(t, err, ErrUnsupportedEventKind)
}

func TestSessionReactionAndUnsupported(t *testing.T) {
	f := newFixture(t)
	res, err := f.n.Normalize(context.Background(), sessionEvent(
		`{"key":{"remoteJid":"15550001@s.whatsapp.net","id":"R1"},"message":{"reactionMessage":{"key":{"id":"OUT1"},"text":"❤️"}}}`))
	require.NoError(t, err)
	assert.Equal(t, KindReaction, res.Kind)
	assert.Equal(t, "OUT1", res.Reaction.TargetID)

	for _, body := range []string{
		`{"key":{"remoteJid":"15550001@s.whatsapp.net","id":"P1"},"message":{"pollCreationMessage":{}}}`,
		`{"key":{"id":"P2"},"message":{"conversation":"x"}}`,
		`{"key":{"remoteJid":"15550001@s.whatsapp.net"}}`,
	} {
		_, err := f.n.Normalize(context.Background(), sessionEvent(body))
		assert.ErrorIs(t, err, ErrUnsupportedEventKind, body)
	}

	ev := sessionEvent(`{}`)
	ev.SessionID = ""
	_, err = f.n.Normalize(context.Background(), ev)
	assert.True(t, strings.Contains(err.Error(), "session id"))
}
