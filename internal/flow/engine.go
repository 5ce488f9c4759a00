// ABOUTME: Flow Graph Engine advancing a conversation's cursor for each inbound message
// ABOUTME: Node execution runs as a bounded trampoline; the cursor is saved only after a complete step

package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/inbox-gateway/internal/dispatch"
	"github.com/2389/inbox-gateway/internal/fanout"
	"github.com/2389/inbox-gateway/internal/message"
	"github.com/2389/inbox-gateway/internal/store"
	"github.com/2389/inbox-gateway/internal/vars"
)

// DefaultHopLimit caps the node activations of one step.
const DefaultHopLimit = 50

var (
	// ErrCycleLimitExceeded aborts a step that activated too many nodes.
	ErrCycleLimitExceeded = errors.New("flow hop limit exceeded")

	// ErrSideCallTimeout marks a MAKE_REQUEST call that ran out of time.
	ErrSideCallTimeout = errors.New("side-call timed out")
)

// Mode is the cursor state between inbound messages.
type Mode string

const (
	ModeIdle          Mode = ""
	ModeAwaitingInput Mode = "take_input"
	ModeHandedOff     Mode = "handed_off"
)

// CursorStore persists flow cursors.
type CursorStore interface {
	GetCursor(ctx context.Context, accountID, chatKey string) (*store.Cursor, error)
	SaveCursor(ctx context.Context, c *store.Cursor) error
}

// Sender dispatches generated replies.
type Sender interface {
	Send(ctx context.Context, conv message.Conversation, content message.Content) (*dispatch.Result, error)
}

// AgentAssigner records conversation-to-agent assignments.
type AgentAssigner interface {
	AssignAgent(ctx context.Context, a *store.AgentAssignment) (bool, error)
}

// Notifier pushes realtime events.
type Notifier interface {
	Notify(ctx context.Context, accountID, chatKey string, kind fanout.Kind, payload any) int
}

// History supplies recent messages to the hand-off collaborator.
type History interface {
	Tail(ctx context.Context, conv message.Conversation, n int) ([]message.Message, error)
}

// Deps are the collaborators of an Engine. Notifier, Handoff, History and
// Requester are optional.
type Deps struct {
	Cursors   CursorStore
	Graphs    GraphSource
	Sender    Sender
	Agents    AgentAssigner
	Notifier  Notifier
	Handoff   Handoff
	History   History
	Requester *Requester
}

// Options tune an Engine.
type Options struct {
	HopLimit int
	Now      func() time.Time
}

// Engine executes flow steps. Callers serialize Step and Release per
// conversation.
type Engine struct {
	cursors   CursorStore
	graphs    GraphSource
	sender    Sender
	agents    AgentAssigner
	notifier  Notifier
	handoff   Handoff
	history   History
	requester *Requester
	hopLimit  int
	now       func() time.Time
	logger    *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(deps Deps, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HopLimit <= 0 {
		opts.HopLimit = DefaultHopLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Handoff == nil {
		deps.Handoff = NewLogHandoff(logger)
	}
	if deps.Requester == nil {
		deps.Requester = NewRequester(nil, DefaultRequestTimeout)
	}
	return &Engine{
		cursors:   deps.Cursors,
		graphs:    deps.Graphs,
		sender:    deps.Sender,
		agents:    deps.Agents,
		notifier:  deps.Notifier,
		handoff:   deps.Handoff,
		history:   deps.History,
		requester: deps.Requester,
		hopLimit:  opts.HopLimit,
		now:       opts.Now,
		logger:    logger.With("component", "flow"),
	}
}

// Inbound is one message driving a step.
type Inbound struct {
	Conversation message.Conversation
	Account      *store.Account
	Message      message.Message
}

// SkipReason explains a step that did nothing.
type SkipReason string

const (
	SkipNone     SkipReason = ""
	SkipNoFlow   SkipReason = "no_flow"
	SkipDisabled SkipReason = "disabled"
	SkipNoMatch  SkipReason = "no_match"

	// SkipSendFailed means every node of the step was a reply that could not
	// be dispatched; the cursor is left as it was.
	SkipSendFailed SkipReason = "send_failed"
)

// Outcome summarizes a step.
type Outcome struct {
	Activated []string
	Sent      int
	Mode      Mode
	Skipped   SkipReason
}

type workItem struct {
	node    *Node
	driving string
}

type stepState struct {
	conv      message.Conversation
	account   *store.Account
	msg       *message.Message
	graph     *Graph
	cursor    *store.Cursor
	vars      vars.Vars
	inputNode *Node
	dirty     bool
	out       *Outcome
	logger    *slog.Logger

	// progressed is set once any node takes effect; failedSends counts
	// replies the channel rejected.
	progressed  bool
	failedSends int
}

func (s *stepState) mode() Mode {
	return Mode(s.cursor.Mode)
}

// Step advances the conversation's cursor for one inbound message.
func (e *Engine) Step(ctx context.Context, in Inbound) (*Outcome, error) {
	conv := in.Conversation
	logger := e.logger.With("account_id", conv.AccountID, "chat_key", conv.ChatKey)
	out := &Outcome{}

	if in.Account == nil || in.Account.ActiveFlowID == "" {
		out.Skipped = SkipNoFlow
		return out, nil
	}
	flowID := in.Account.ActiveFlowID

	cur, err := e.loadCursor(ctx, conv)
	if err != nil {
		return nil, err
	}
	out.Mode = Mode(cur.Mode)

	if d, err := decodeDisabled(cur.Disabled); err != nil {
		logger.Warn("ignoring malformed disabled window", "error", err)
	} else if d != nil && d.Active(e.now(), in.Account.Timezone) {
		logger.Debug("automated replies disabled", "until", d.Timestamp, "timezone", d.Timezone)
		out.Skipped = SkipDisabled
		return out, nil
	}

	graph, err := e.graphs.Graph(ctx, conv.AccountID, flowID)
	if err != nil {
		return nil, fmt.Errorf("loading graph: %w", err)
	}

	if cur.FlowID != flowID {
		cur.FlowID = flowID
		cur.Mode = string(ModeIdle)
		cur.LastNode = nil
		cur.HandoffNode = nil
	}

	v, err := vars.Decode(cur.Variables)
	if err != nil {
		logger.Warn("resetting malformed variables", "error", err)
		v = vars.Vars{}
	}

	s := &stepState{
		conv:    conv,
		account: in.Account,
		msg:     &in.Message,
		graph:   graph,
		cursor:  cur,
		vars:    v,
		out:     out,
		logger:  logger,
	}
	driving := in.Message.DrivingText()

	start := e.resolveStart(s, driving)
	if start == nil {
		out.Skipped = SkipNoMatch
		out.Mode = s.mode()
		if s.dirty {
			return out, e.saveCursor(ctx, s, nil)
		}
		return out, nil
	}

	if err := e.run(ctx, s, workItem{node: start, driving: driving}); err != nil {
		logger.Error("flow step aborted", "error", err, "activated", len(out.Activated))
		return out, err
	}

	if !s.progressed && s.failedSends > 0 {
		logger.Warn("flow replies not sent, cursor unchanged", "failed_sends", s.failedSends)
		out.Skipped = SkipSendFailed
		return out, nil
	}

	out.Mode = s.mode()
	return out, e.saveCursor(ctx, s, start)
}

func (e *Engine) loadCursor(ctx context.Context, conv message.Conversation) (*store.Cursor, error) {
	cur, err := e.cursors.GetCursor(ctx, conv.AccountID, conv.ChatKey)
	if errors.Is(err, store.ErrNotFound) {
		return &store.Cursor{AccountID: conv.AccountID, ChatKey: conv.ChatKey}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading cursor: %w", err)
	}
	return cur, nil
}

// resolveStart picks the first node of the step according to the cursor mode.
func (e *Engine) resolveStart(s *stepState, driving string) *Node {
	switch s.mode() {
	case ModeAwaitingInput:
		last, err := snapshotNode(s.cursor.LastNode)
		s.cursor.Mode = string(ModeIdle)
		s.dirty = true
		if err != nil {
			s.logger.Warn("dropping unreadable input node", "error", err)
			return first(s.graph.Match(driving))
		}
		spec := last.InputSpec()
		if spec.Variable != "" {
			s.vars.Set(spec.Variable, vars.Capture(driving, spec.Pattern))
		}
		return first(s.graph.Outgoing(last.ID))

	case ModeHandedOff:
		node, err := snapshotNode(s.cursor.HandoffNode)
		if err != nil {
			s.logger.Warn("dropping unreadable hand-off node", "error", err)
			s.cursor.Mode = string(ModeIdle)
			s.cursor.HandoffNode = nil
			s.dirty = true
			return first(s.graph.Match(driving))
		}
		if current, ok := s.graph.Node(node.ID); ok {
			return current
		}
		return node
	}
	return first(s.graph.Match(driving))
}

func first(nodes []*Node) *Node {
	if len(nodes) == 0 {
		return nil
	}
	return nodes[0]
}

func snapshotNode(raw json.RawMessage) (*Node, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("no node snapshot")
	}
	var n Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	if n.ID == "" {
		return nil, errors.New("node snapshot has no id")
	}
	return &n, nil
}

// run executes work items until a node terminates the step.
func (e *Engine) run(ctx context.Context, s *stepState, start workItem) error {
	item := &start
	for hops := 0; item != nil; hops++ {
		if hops >= e.hopLimit {
			return fmt.Errorf("%w: %d activations starting at node %s", ErrCycleLimitExceeded, e.hopLimit, start.node.ID)
		}
		s.out.Activated = append(s.out.Activated, item.node.ID)
		item = e.execute(ctx, s, *item)
	}
	return nil
}

// execute runs one node and returns the continuation, if any.
func (e *Engine) execute(ctx context.Context, s *stepState, item workItem) *workItem {
	node := item.node
	logger := s.logger.With("node_id", node.ID, "node_type", node.Type)

	spec, err := node.Spec(s.vars)
	if err != nil {
		logger.Warn("skipping misconfigured node", "error", err)
		return nil
	}

	switch sp := spec.(type) {
	case SendSpec:
		e.send(ctx, s, sp.Type, sp.Content, logger)
		return nil

	case InputSpec:
		// The prompt must reach the contact before their next message is
		// taken as the answer.
		if e.send(ctx, s, NodeText, sp.Prompt, logger) {
			s.cursor.Mode = string(ModeAwaitingInput)
			s.inputNode = node
		}
		return nil

	case RequestSpec:
		s.progressed = true
		data, err := e.requester.Do(ctx, sp)
		if err != nil {
			logger.Warn("side-call failed, continuing without response", "error", err, "url", sp.URL)
		} else {
			s.vars.Merge(data)
		}
		return e.next(s, item)

	case AssignSpec:
		s.progressed = true
		e.assign(ctx, s, sp, logger)
		return e.next(s, item)

	case DisableSpec:
		s.progressed = true
		if sp.Timezone != "" {
			raw, err := json.Marshal(Disabled{
				Timestamp:     sp.Timestamp,
				Timezone:      sp.Timezone,
				SenderName:    s.msg.SenderName,
				SenderAddress: s.msg.SenderAddress,
			})
			if err == nil {
				s.cursor.Disabled = raw
			}
		}
		return e.next(s, item)

	case ConditionSpec:
		s.progressed = true
		outs := s.graph.Outgoing(node.ID)
		idx, marker := 1, MarkerFalse
		if item.driving != "" && strings.Contains(item.driving, sp.Value) {
			idx, marker = 0, MarkerTrue
		}
		if idx >= len(outs) {
			logger.Debug("condition branch has no target", "branch", idx)
			return nil
		}
		return &workItem{node: outs[idx], driving: marker}

	case HandoffSpec:
		s.progressed = true
		s.cursor.Mode = string(ModeHandedOff)
		s.cursor.HandoffNode = node.Snapshot()
		e.startHandoff(ctx, s, node, logger)
		return nil
	}

	logger.Warn("unhandled node spec")
	return nil
}

func (e *Engine) next(s *stepState, item workItem) *workItem {
	target := first(s.graph.Outgoing(item.node.ID))
	if target == nil {
		return nil
	}
	return &workItem{node: target, driving: item.driving}
}

var sendTypes = map[NodeType]message.Type{
	NodeText:     message.TypeText,
	NodeImage:    message.TypeImage,
	NodeAudio:    message.TypeAudio,
	NodeVideo:    message.TypeVideo,
	NodeDocument: message.TypeDocument,
	NodeButton:   message.TypeInteractive,
	NodeList:     message.TypeInteractive,
}

// send dispatches a node's content and reports whether the channel accepted it.
func (e *Engine) send(ctx context.Context, s *stepState, nt NodeType, raw json.RawMessage, logger *slog.Logger) bool {
	if len(raw) == 0 || string(raw) == "null" {
		logger.Warn("node has no content to send")
		return false
	}
	var content message.Content
	if err := json.Unmarshal(raw, &content); err != nil {
		logger.Warn("node content is not a message", "error", err)
		return false
	}
	if content.Type == "" {
		content.Type = sendTypes[nt]
	}

	res, err := e.sender.Send(ctx, s.conv, content)
	if err != nil {
		logger.Warn("flow reply not sent", "error", err)
		s.failedSends++
		return false
	}
	s.out.Sent++
	s.progressed = true
	logger.Debug("flow reply sent", "channel_msg_id", res.ChannelMessageID)
	return true
}

func (e *Engine) assign(ctx context.Context, s *stepState, sp AssignSpec, logger *slog.Logger) {
	if sp.AgentUID == "" {
		logger.Warn("assign node has no agent")
		return
	}
	created, err := e.agents.AssignAgent(ctx, &store.AgentAssignment{
		OwnerUID: s.conv.AccountID,
		AgentUID: sp.AgentUID,
		ChatKey:  s.conv.ChatKey,
	})
	if err != nil {
		logger.Warn("agent assignment failed", "error", err, "agent_uid", sp.AgentUID)
		return
	}
	if created && e.notifier != nil {
		e.notifier.Notify(ctx, s.conv.AccountID, s.conv.ChatKey, fanout.KindChatList, nil)
	}
}

func (e *Engine) startHandoff(ctx context.Context, s *stepState, node *Node, logger *slog.Logger) {
	req := HandoffRequest{
		Event:        HandoffMessage,
		Conversation: s.conv,
		Node:         node.Snapshot(),
		Message:      s.msg,
		Variables:    s.vars,
	}
	if e.history != nil {
		hist, err := e.history.Tail(ctx, s.conv, HandoffHistory)
		if err != nil {
			logger.Warn("hand-off history unavailable", "error", err)
		}
		req.History = hist
	}
	if err := e.handoff.Handle(ctx, req); err != nil {
		logger.Warn("hand-off collaborator failed", "error", err)
	}
}

func (e *Engine) saveCursor(ctx context.Context, s *stepState, start *Node) error {
	switch {
	case s.mode() == ModeAwaitingInput && s.inputNode != nil:
		s.cursor.LastNode = s.inputNode.Snapshot()
	case start != nil:
		s.cursor.LastNode = start.Snapshot()
	}

	raw, err := s.vars.Encode()
	if err != nil {
		return fmt.Errorf("encoding variables: %w", err)
	}
	s.cursor.Variables = raw
	s.cursor.UpdatedAt = e.now()

	if err := e.cursors.SaveCursor(ctx, s.cursor); err != nil {
		return fmt.Errorf("saving cursor: %w", err)
	}
	return nil
}

// Release ends a hand-off so the next inbound message is matched against the
// graph again. It reports whether the conversation was handed off.
func (e *Engine) Release(ctx context.Context, conv message.Conversation) (bool, error) {
	cur, err := e.cursors.GetCursor(ctx, conv.AccountID, conv.ChatKey)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading cursor: %w", err)
	}
	if Mode(cur.Mode) != ModeHandedOff {
		return false, nil
	}

	node := cur.HandoffNode
	cur.Mode = string(ModeIdle)
	cur.HandoffNode = nil
	cur.UpdatedAt = e.now()
	if err := e.cursors.SaveCursor(ctx, cur); err != nil {
		return false, fmt.Errorf("saving cursor: %w", err)
	}

	if err := e.handoff.Handle(ctx, HandoffRequest{Event: HandoffRelease, Conversation: conv, Node: node}); err != nil {
		e.logger.Warn("hand-off release notification failed", "error", err, "chat_key", conv.ChatKey)
	}
	return true, nil
}
