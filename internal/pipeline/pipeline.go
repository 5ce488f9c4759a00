// ABOUTME: Ingestion pipeline from channel events to log, chat summaries, fan-out and flow steps
// ABOUTME: Work on one conversation is serialized; different conversations proceed concurrently

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/inbox-gateway/internal/convlog"
	"github.com/2389/inbox-gateway/internal/fanout"
	"github.com/2389/inbox-gateway/internal/flow"
	"github.com/2389/inbox-gateway/internal/keylock"
	"github.com/2389/inbox-gateway/internal/message"
	"github.com/2389/inbox-gateway/internal/normalize"
	"github.com/2389/inbox-gateway/internal/store"
)

// failureTimeout bounds the asynchronous delivery-failure write.
const failureTimeout = 10 * time.Second

// Outcome labels reported to the observer.
const (
	outcomeOK          = "ok"
	outcomeDuplicate   = "duplicate"
	outcomeUnsupported = "unsupported"
	outcomeMediaFailed = "media_failed"
	outcomeLookupMiss  = "lookup_miss"
	outcomeError       = "error"
)

// State is the relational state the pipeline reads and writes.
type State interface {
	GetAccount(ctx context.Context, uid string) (*store.Account, error)
	CloudAccountByPhoneNumberID(ctx context.Context, phoneNumberID string) (*store.CloudAccount, error)
	GetSession(ctx context.Context, sessionID string) (*store.Session, error)
	RecordChatActivity(ctx context.Context, a store.ChatActivity) error
	RecordDeliveryFailure(ctx context.Context, f *store.DeliveryFailure) error
}

// Normalizer turns raw channel events into canonical results.
type Normalizer interface {
	Normalize(ctx context.Context, ev normalize.Event) (*normalize.Result, error)
}

// Log is the conversation log surface used for ingestion.
type Log interface {
	Append(ctx context.Context, conv message.Conversation, msg message.Message) (message.Message, bool, error)
	PatchByChannelID(ctx context.Context, conv message.Conversation, channelID string, p convlog.Patch) (bool, error)
}

// Deduper remembers recently seen message ids.
type Deduper interface {
	Check(key string) bool
	Mark(key string)
}

// Stepper advances a conversation's flow.
type Stepper interface {
	Step(ctx context.Context, in flow.Inbound) (*flow.Outcome, error)
}

// Deliverer pushes realtime events to known recipients.
type Deliverer interface {
	Deliver(ownerID string, agents []string, chatKey string, kind fanout.Kind, payload any) int
}

// Observer counts pipeline outcomes, typically metrics.
type Observer interface {
	ObserveEvent(channel message.Kind, kind, outcome string)
	ObserveStep(outcome string)
}

// Deps are the pipeline's collaborators. Dedupe, Flow and Observer are optional.
type Deps struct {
	State      State
	Normalizer Normalizer
	Log        Log
	Dedupe     Deduper
	Flow       Stepper
	Fanout     Deliverer
	Observer   Observer
	Now        func() time.Time
}

// Pipeline ingests channel events.
type Pipeline struct {
	deps   Deps
	locks  *keylock.Locker
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a Pipeline.
func New(deps Deps, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{
		deps:   deps,
		locks:  keylock.New(),
		logger: logger.With("component", "pipeline"),
	}
}

// HandleCloud ingests one cloud webhook payload, resolving the account from
// its phone number id.
func (p *Pipeline) HandleCloud(ctx context.Context, payload []byte) error {
	pnid := normalize.CloudPhoneNumberID(payload)
	if pnid == "" {
		p.observe(message.KindCloud, "", outcomeUnsupported)
		return fmt.Errorf("%w: missing phone_number_id", normalize.ErrUnsupportedEventKind)
	}
	acct, err := p.deps.State.CloudAccountByPhoneNumberID(ctx, pnid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: phone number %s", store.ErrUnknownAccount, pnid)
		}
		return fmt.Errorf("resolving cloud account: %w", err)
	}
	return p.handle(ctx, normalize.Event{Channel: message.KindCloud, AccountID: acct.AccountID, Payload: payload})
}

// HandleSession ingests one session event for sessionID.
func (p *Pipeline) HandleSession(ctx context.Context, sessionID string, payload []byte) error {
	sess, err := p.deps.State.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: session %s", store.ErrUnknownAccount, sessionID)
		}
		return fmt.Errorf("resolving session: %w", err)
	}
	return p.handle(ctx, normalize.Event{
		Channel:   message.KindSession,
		AccountID: sess.AccountID,
		SessionID: sessionID,
		Payload:   payload,
	})
}

// Lock serializes work on conv with ingestion. Callers that step, release or
// send on a conversation outside the pipeline hold it for the duration.
func (p *Pipeline) Lock(conv message.Conversation) (unlock func()) {
	return p.locks.Lock(conv.LockKey())
}

// Wait blocks until asynchronous side-writes finish.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) handle(ctx context.Context, ev normalize.Event) error {
	res, err := p.deps.Normalizer.Normalize(ctx, ev)
	if err != nil {
		switch {
		case errors.Is(err, normalize.ErrUnsupportedEventKind):
			p.observe(ev.Channel, "", outcomeUnsupported)
			p.logger.Debug("dropping unsupported event", "channel", ev.Channel, "account_id", ev.AccountID, "error", err)
		case errors.Is(err, normalize.ErrMediaFetchFailed):
			p.observe(ev.Channel, string(normalize.KindContent), outcomeMediaFailed)
			p.logger.Warn("dropping event with unfetchable media", "channel", ev.Channel, "account_id", ev.AccountID, "error", err)
		default:
			p.observe(ev.Channel, "", outcomeError)
		}
		return err
	}

	switch res.Kind {
	case normalize.KindStatus:
		return p.status(ctx, ev, res)
	case normalize.KindReaction:
		return p.reaction(ctx, ev, res)
	default:
		return p.content(ctx, ev, res)
	}
}

func (p *Pipeline) content(ctx context.Context, ev normalize.Event, res *normalize.Result) error {
	conv := res.Conversation
	msg := *res.Message
	logger := p.logger.With("account_id", conv.AccountID, "chat_key", conv.ChatKey, "msg_id", msg.ID)

	dedupeKey := ""
	if msg.ID != "" && p.deps.Dedupe != nil {
		dedupeKey = conv.AccountID + ":" + msg.ID
	}
	if dedupeKey != "" && p.deps.Dedupe.Check(dedupeKey) {
		p.observe(ev.Channel, string(res.Kind), outcomeDuplicate)
		logger.Debug("dropping duplicate message")
		return nil
	}

	unlock := p.locks.Lock(conv.LockKey())
	defer unlock()

	// The id is remembered only once the message is stored, so a failed
	// append can be redelivered.
	stored, appended, err := p.deps.Log.Append(ctx, conv, msg)
	if err != nil {
		p.observe(ev.Channel, string(res.Kind), outcomeError)
		return fmt.Errorf("appending message: %w", err)
	}
	if dedupeKey != "" {
		p.deps.Dedupe.Mark(dedupeKey)
	}
	if !appended {
		p.observe(ev.Channel, string(res.Kind), outcomeDuplicate)
		logger.Debug("message already in conversation log")
		return nil
	}

	incoming := stored.Direction == message.Incoming
	last, _ := json.Marshal(stored)
	if err := p.deps.State.RecordChatActivity(ctx, store.ChatActivity{
		Conversation: conv,
		SenderName:   res.SenderName,
		LastMessage:  last,
		Incoming:     incoming,
		MarkCame:     incoming && (stored.Type == message.TypeText || stored.Type.IsMedia()),
		At:           p.deps.Now(),
	}); err != nil {
		logger.Warn("recording chat activity failed", "error", err)
	}

	p.deliver(res, fanout.KindUpdateChat, fanout.AppendPayload{Message: stored})

	if incoming {
		p.step(ctx, conv, stored, logger)
	}

	p.deliver(res, fanout.KindChatList, nil)
	p.observe(ev.Channel, string(res.Kind), outcomeOK)
	logger.Info("message ingested", "type", stored.Type, "direction", stored.Direction)
	return nil
}

// step runs the flow for an inbound message. Flow failures are logged; the
// message itself is already stored.
func (p *Pipeline) step(ctx context.Context, conv message.Conversation, msg message.Message, logger *slog.Logger) {
	if p.deps.Flow == nil {
		return
	}
	acct, err := p.deps.State.GetAccount(ctx, conv.AccountID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("loading account for flow failed", "error", err)
		return
	}

	out, err := p.deps.Flow.Step(ctx, flow.Inbound{Conversation: conv, Account: acct, Message: msg})
	switch {
	case err != nil:
		p.observeStep(outcomeError)
		logger.Error("flow step failed", "error", err)
	case out.Skipped != flow.SkipNone:
		p.observeStep(string(out.Skipped))
	default:
		p.observeStep("ran")
		logger.Debug("flow step", "activated", len(out.Activated), "sent", out.Sent, "mode", out.Mode)
	}
}

func (p *Pipeline) status(ctx context.Context, ev normalize.Event, res *normalize.Result) error {
	conv, st := res.Conversation, res.Status
	logger := p.logger.With("account_id", conv.AccountID, "chat_key", conv.ChatKey, "msg_id", st.ChannelMsgID)

	if st.Status == message.StatusFailed {
		p.recordFailure(ctx, conv, st)
	}

	unlock := p.locks.Lock(conv.LockKey())
	matched, err := p.deps.Log.PatchByChannelID(ctx, conv, st.ChannelMsgID, convlog.StatusPatch(st.Status))
	unlock()
	if err != nil {
		p.observe(ev.Channel, string(res.Kind), outcomeError)
		return fmt.Errorf("patching status: %w", err)
	}
	if !matched {
		p.observe(ev.Channel, string(res.Kind), outcomeLookupMiss)
		logger.Debug("status target not found", "status", st.Status)
		return nil
	}

	p.deliver(res, fanout.KindDeliveryStatus, fanout.StatusPayload{ChannelMsgID: st.ChannelMsgID, Status: st.Status})
	p.observe(ev.Channel, string(res.Kind), outcomeOK)
	return nil
}

// recordFailure stores the raw failure payload in the background.
func (p *Pipeline) recordFailure(ctx context.Context, conv message.Conversation, st *normalize.Status) {
	f := &store.DeliveryFailure{
		AccountID:    conv.AccountID,
		ChatKey:      conv.ChatKey,
		ChannelMsgID: st.ChannelMsgID,
		Status:       string(st.Status),
		ErrorMessage: st.ErrorMessage,
		Payload:      st.Raw,
		CreatedAt:    p.deps.Now(),
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureTimeout)
		defer cancel()
		if err := p.deps.State.RecordDeliveryFailure(wctx, f); err != nil {
			p.logger.Warn("recording delivery failure failed", "account_id", f.AccountID, "msg_id", f.ChannelMsgID, "error", err)
		}
	}()
}

func (p *Pipeline) reaction(ctx context.Context, ev normalize.Event, res *normalize.Result) error {
	conv, r := res.Conversation, res.Reaction

	unlock := p.locks.Lock(conv.LockKey())
	matched, err := p.deps.Log.PatchByChannelID(ctx, conv, r.TargetID, convlog.ReactionPatch(r.Emoji))
	unlock()
	if err != nil {
		p.observe(ev.Channel, string(res.Kind), outcomeError)
		return fmt.Errorf("patching reaction: %w", err)
	}
	if !matched {
		p.observe(ev.Channel, string(res.Kind), outcomeLookupMiss)
		p.logger.Debug("reaction target not found", "account_id", conv.AccountID, "msg_id", r.TargetID)
		return nil
	}

	p.deliver(res, fanout.KindReaction, fanout.ReactionPayload{ChannelMsgID: r.TargetID, Emoji: r.Emoji})
	p.observe(ev.Channel, string(res.Kind), outcomeOK)
	return nil
}

func (p *Pipeline) deliver(res *normalize.Result, kind fanout.Kind, payload any) {
	if p.deps.Fanout == nil {
		return
	}
	p.deps.Fanout.Deliver(res.Conversation.AccountID, res.Recipients, res.Conversation.ChatKey, kind, payload)
}

func (p *Pipeline) observe(channel message.Kind, kind, outcome string) {
	if p.deps.Observer != nil {
		p.deps.Observer.ObserveEvent(channel, kind, outcome)
	}
}

func (p *Pipeline) observeStep(outcome string) {
	if p.deps.Observer != nil {
		p.deps.Observer.ObserveStep(outcome)
	}
}
