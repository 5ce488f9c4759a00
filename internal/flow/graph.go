// ABOUTME: Flow graph model: authored nodes and edges with typed node specs
// ABOUTME: Node payloads are decoded into a closed set of Spec variants per nodeType

package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/2389/inbox-gateway/internal/vars"
)

// OtherHandle is the edge sourceHandle matching any driving text.
const OtherHandle = "{{OTHER_MSG}}"

// Condition branch markers fed as the driving text of a CONDITION sub-step.
const (
	MarkerTrue  = "eq9083648421"
	MarkerFalse = "neq9083648421"
)

// NodeType is the authored behavior of a node.
type NodeType string

const (
	NodeText        NodeType = "TEXT"
	NodeImage       NodeType = "IMAGE"
	NodeAudio       NodeType = "AUDIO"
	NodeVideo       NodeType = "VIDEO"
	NodeDocument    NodeType = "DOCUMENT"
	NodeButton      NodeType = "BUTTON"
	NodeList        NodeType = "LIST"
	NodeTakeInput   NodeType = "TAKE_INPUT"
	NodeMakeRequest NodeType = "MAKE_REQUEST"
	NodeAssignAgent NodeType = "ASSIGN_AGENT"
	NodeDisableChat NodeType = "DISABLE_CHAT"
	NodeCondition   NodeType = "CONDITION"
	NodeAIBot       NodeType = "AI_BOT"
)

// Graph is an immutable, loaded flow definition.
type Graph struct {
	Nodes []*Node `json:"nodes"`
	Edges []Edge  `json:"edges"`

	byID map[string]*Node
}

// Edge connects two nodes. SourceHandle is matched against driving text.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle"`
}

// Node is one authored step. The original JSON is kept so it can be
// persisted verbatim as the cursor's last node snapshot.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"nodeType"`
	Data NodeData `json:"data"`

	raw json.RawMessage
}

// NodeData is the authored configuration shared by all node types.
type NodeData struct {
	MsgContent   json.RawMessage `json:"msgContent,omitempty"`
	VariableName string          `json:"variableName,omitempty"`
	UseRegEx     bool            `json:"useRegEx,omitempty"`
	Regex        string          `json:"regex,omitempty"`
}

type nodeJSON Node

// UnmarshalJSON decodes a node and keeps its raw snapshot.
func (n *Node) UnmarshalJSON(b []byte) error {
	var tmp nodeJSON
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*n = Node(tmp)
	n.raw = append(json.RawMessage(nil), b...)
	return nil
}

// Snapshot returns the node's JSON as stored in the flow definition.
func (n *Node) Snapshot() json.RawMessage {
	if len(n.raw) > 0 {
		return n.raw
	}
	b, err := json.Marshal((*nodeJSON)(n))
	if err != nil {
		return nil
	}
	return b
}

// ParseGraph decodes separately stored node and edge collections.
func ParseGraph(nodes, edges json.RawMessage) (*Graph, error) {
	g := &Graph{}
	if err := json.Unmarshal(nodes, &g.Nodes); err != nil {
		return nil, fmt.Errorf("decoding nodes: %w", err)
	}
	if err := json.Unmarshal(edges, &g.Edges); err != nil {
		return nil, fmt.Errorf("decoding edges: %w", err)
	}
	g.index()
	return g, nil
}

func (g *Graph) index() {
	g.byID = make(map[string]*Node, len(g.Nodes))
	for _, n := range g.Nodes {
		if n == nil {
			continue
		}
		if _, dup := g.byID[n.ID]; !dup {
			g.byID[n.ID] = n
		}
	}
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	if g.byID == nil {
		g.index()
	}
	n, ok := g.byID[id]
	return n, ok
}

// Match resolves the targets of edges whose handle equals text, falling back
// to OTHER edges. Targets follow edge definition order. Empty text only
// matches OTHER edges.
func (g *Graph) Match(text string) []*Node {
	if text == "" {
		return g.targets(func(e Edge) bool { return e.SourceHandle == OtherHandle })
	}
	if targets := g.targets(func(e Edge) bool { return e.SourceHandle == text }); len(targets) > 0 {
		return targets
	}
	return g.targets(func(e Edge) bool { return e.SourceHandle == OtherHandle })
}

// Outgoing resolves the targets of every edge leaving nodeID.
func (g *Graph) Outgoing(nodeID string) []*Node {
	return g.targets(func(e Edge) bool { return e.Source == nodeID })
}

func (g *Graph) targets(keep func(Edge) bool) []*Node {
	var out []*Node
	for _, e := range g.Edges {
		if !keep(e) {
			continue
		}
		if n, ok := g.Node(e.Target); ok {
			out = append(out, n)
		}
	}
	return out
}

// Spec is the decoded, placeholder-rendered behavior of a node.
type Spec interface {
	nodeType() NodeType
}

// SendSpec sends one outbound message and ends the step.
type SendSpec struct {
	Type    NodeType
	Content json.RawMessage
}

// InputSpec prompts and waits for the next inbound message.
type InputSpec struct {
	Prompt   json.RawMessage
	Variable string
	Pattern  string
}

// RequestSpec performs an HTTP side-call.
type RequestSpec struct {
	Method  string
	URL     string
	Headers []KeyValue
	Body    []KeyValue
}

// KeyValue is an authored header or body field.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// AssignSpec grants an agent access to the conversation.
type AssignSpec struct {
	AgentUID string
}

// DisableSpec suppresses automated replies until a point in time.
type DisableSpec struct {
	Timestamp string
	Timezone  string
}

// ConditionSpec branches on whether the driving text contains Value.
type ConditionSpec struct {
	Value string
}

// HandoffSpec transfers the conversation to the generative collaborator.
type HandoffSpec struct {
	Config json.RawMessage
}

func (s SendSpec) nodeType() NodeType { return s.Type }
func (InputSpec) nodeType() NodeType { return NodeTakeInput }
func (RequestSpec) nodeType() NodeType { return NodeMakeRequest }
func (AssignSpec) nodeType() NodeType { return NodeAssignAgent }
func (DisableSpec) nodeType() NodeType { return NodeDisableChat }
func (ConditionSpec) nodeType() NodeType { return NodeCondition }
func (HandoffSpec) nodeType() NodeType { return NodeAIBot }

// InputSpec returns the capture settings of a TAKE_INPUT node without
// rendering its content.
func (n *Node) InputSpec() InputSpec {
	spec := InputSpec{Prompt: n.Data.MsgContent, Variable: n.Data.VariableName}
	if n.Data.UseRegEx {
		spec.Pattern = n.Data.Regex
	}
	return spec
}

// Spec renders the node's content against v and decodes it into the
// variant for its nodeType.
func (n *Node) Spec(v vars.Vars) (Spec, error) {
	content := n.Data.MsgContent
	if len(content) > 0 {
		rendered, err := v.RenderJSON(content)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
		content = rendered
	}

	switch n.Type {
	case NodeText, NodeImage, NodeAudio, NodeVideo, NodeDocument, NodeButton, NodeList:
		return SendSpec{Type: n.Type, Content: content}, nil

	case NodeTakeInput:
		spec := n.InputSpec()
		spec.Prompt = content
		return spec, nil

	case NodeMakeRequest:
		var raw struct {
			Type    string     `json:"type"`
			URL     string     `json:"url"`
			Headers []KeyValue `json:"headers"`
			Body    []KeyValue `json:"body"`
		}
		if err := decodeContent(content, &raw); err != nil {
			return nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
		method := strings.ToUpper(strings.TrimSpace(raw.Type))
		if method == "" {
			method = "GET"
		}
		return RequestSpec{Method: method, URL: strings.TrimSpace(raw.URL), Headers: raw.Headers, Body: raw.Body}, nil

	case NodeAssignAgent:
		var raw struct {
			AgentObj struct {
				UID string `json:"uid"`
			} `json:"agentObj"`
		}
		if err := decodeContent(content, &raw); err != nil {
			return nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
		return AssignSpec{AgentUID: raw.AgentObj.UID}, nil

	case NodeDisableChat:
		var raw struct {
			Timestamp json.RawMessage `json:"timestamp"`
			Timezone  string          `json:"timezone"`
		}
		if err := decodeContent(content, &raw); err != nil {
			return nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
		return DisableSpec{Timestamp: scalarString(raw.Timestamp), Timezone: raw.Timezone}, nil

	case NodeCondition:
		var raw struct {
			Value json.RawMessage `json:"value"`
		}
		if err := decodeContent(content, &raw); err != nil {
			return nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
		return ConditionSpec{Value: scalarString(raw.Value)}, nil

	case NodeAIBot:
		return HandoffSpec{Config: content}, nil
	}
	return nil, fmt.Errorf("node %s: unknown node type %q", n.ID, n.Type)
}

func decodeContent(content json.RawMessage, dst any) error {
	if len(content) == 0 || string(content) == "null" {
		return nil
	}
	if err := json.Unmarshal(content, dst); err != nil {
		return fmt.Errorf("decoding msgContent: %w", err)
	}
	return nil
}

// scalarString accepts a JSON string or number and returns its text.
func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
