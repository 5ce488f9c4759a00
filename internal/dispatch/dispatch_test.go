// ABOUTME: Tests for the outbound dispatcher
// ABOUTME: Uses the mock channel adapter and a real file-backed conversation log

package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/inbox-gateway/internal/channel"
	"github.com/2389/inbox-gateway/internal/convlog"
	"github.com/2389/inbox-gateway/internal/message"
	"github.com/2389/inbox-gateway/internal/store"
)

var conv = message.Conversation{AccountID: "acct-1", ChatKey: "k1", Origin: message.KindCloud, Address: "15550001"}

type recordingChats struct {
	mu   sync.Mutex
	acts []store.ChatActivity
}

func (r *recordingChats) RecordChatActivity(ctx context.Context, a store.ChatActivity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acts = append(r.acts, a)
	return nil
}

type recordingNotifier struct {
	sent []message.Message
}

func (r *recordingNotifier) MessageSent(ctx context.Context, conv message.Conversation, msg message.Message) {
	r.sent = append(r.sent, msg)
}

type countingObserver struct {
	ok, failed int
}

func (c *countingObserver) ObserveSend(kind message.Kind, ok bool, elapsed time.Duration) {
	if ok {
		c.ok++
	} else {
		c.failed++
	}
}

type harness struct {
	d        *Dispatcher
	adapter  *channel.MockAdapter
	log      convlog.Log
	chats    *recordingChats
	notifier *recordingNotifier
	observer *countingObserver
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	log, err := convlog.NewFileLog(t.TempDir(), nil)
	require.NoError(t, err)

	reg := channel.NewRegistry()
	h := &harness{
		adapter:  channel.NewMockAdapter(message.KindCloud),
		log:      log,
		chats:    &recordingChats{},
		notifier: &recordingNotifier{},
		observer: &countingObserver{},
	}
	reg.Register(h.adapter)
	h.d = New(Deps{Adapters: reg, Log: log, Chats: h.chats, Notifier: h.notifier, Observer: h.observer}, timeout, nil)
	return h
}

func TestSend_SuccessAppendsOutgoing(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	res, err := h.d.Send(ctx, conv, message.NewText("hello"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "cloud.msg.1", res.ChannelMessageID)

	sent := h.adapter.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "15550001", sent[0].To)
	assert.Equal(t, conv, sent[0].Conversation)

	msgs, err := h.log.Tail(ctx, conv, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "cloud.msg.1", msgs[0].ID)
	assert.Equal(t, message.Outgoing, msgs[0].Direction)
	assert.Equal(t, message.StatusSent, msgs[0].Status)

	require.Len(t, h.chats.acts, 1)
	assert.False(t, h.chats.acts[0].Incoming)
	assert.Contains(t, string(h.chats.acts[0].LastMessage), "cloud.msg.1")
	assert.Len(t, h.notifier.sent, 1)
	assert.Equal(t, 1, h.observer.ok)
}

func TestSend_FailureAppendsNothing(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.adapter.FailWith(errors.New("rate limited"))

	res, err := h.d.Send(ctx, conv, message.NewText("hello"))
	require.ErrorIs(t, err, ErrChannelSendFailed)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "rate limited")

	msgs, err := h.log.Tail(ctx, conv, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, h.chats.acts)
	assert.Empty(t, h.notifier.sent)
	assert.Equal(t, 1, h.observer.failed)
}

func TestSend_Timeout(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	h.adapter.SetDelay(time.Second)

	_, err := h.d.Send(context.Background(), conv, message.NewText("slow"))
	require.ErrorIs(t, err, ErrChannelSendFailed)
	assert.Contains(t, err.Error(), context.DeadlineExceeded.Error())
}

func TestSend_NoAdapter(t *testing.T) {
	h := newHarness(t, 0)
	sess := conv
	sess.Origin = message.KindSession

	_, err := h.d.Send(context.Background(), sess, message.NewText("x"))
	assert.ErrorIs(t, err, ErrNoAdapter)

	noAddr := conv
	noAddr.Address = ""
	_, err = h.d.Send(context.Background(), noAddr, message.NewText("x"))
	assert.ErrorIs(t, err, ErrChannelSendFailed)
	assert.Empty(t, h.adapter.Sent())
}
