// ABOUTME: Tests for graph parsing, node specs, the graph cache and disabled windows
// ABOUTME: Node specs are rendered against variables before decoding

package flow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/inbox-gateway/internal/store"
	"github.com/2389/inbox-gateway/internal/vars"
)

func TestNodeSnapshotIsVerbatim(t *testing.T) {
	raw := `{"id":"n1","nodeType":"TEXT","position":{"x":10,"y":20},"data":{"msgContent":{"type":"text","text":{"body":"hi"}}}}`
	g, err := ParseGraph(json.RawMessage("["+raw+"]"), json.RawMessage(`[]`))
	require.NoError(t, err)

	n, ok := g.Node("n1")
	require.True(t, ok)
	assert.JSONEq(t, raw, string(n.Snapshot()))
}

func TestParseGraph_Invalid(t *testing.T) {
	_, err := ParseGraph(json.RawMessage(`{}`), json.RawMessage(`[]`))
	assert.Error(t, err)
	_, err = ParseGraph(json.RawMessage(`[]`), json.RawMessage(`nope`))
	assert.Error(t, err)
}

func TestMatch_EmptyTextOnlyUsesOther(t *testing.T) {
	g := mustGraph(t,
		[]string{textNode("blank", "blank"), textNode("other", "other")},
		[]string{edge("root", "blank", ""), edge("root", "other", OtherHandle)},
	)
	nodes := g.Match("")
	require.Len(t, nodes, 1)
	assert.Equal(t, "other", nodes[0].ID)
}

func TestNodeSpec_RendersPlaceholders(t *testing.T) {
	raw := `[{"id":"r","nodeType":"MAKE_REQUEST","data":{"msgContent":{"type":"post","url":"https://api.example.com/u/{{{uid}}}",
		"body":[{"key":"name","value":"{{{name}}}"}]}}}]`
	g, err := ParseGraph(json.RawMessage(raw), json.RawMessage(`[]`))
	require.NoError(t, err)
	n, _ := g.Node("r")

	spec, err := n.Spec(vars.Vars{"uid": "42", "name": "Ada"})
	require.NoError(t, err)
	req, ok := spec.(RequestSpec)
	require.True(t, ok)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "https://api.example.com/u/42", req.URL)
	assert.Equal(t, []KeyValue{{Key: "name", Value: "Ada"}}, req.Body)
}

func TestNodeSpec_Variants(t *testing.T) {
	tests := []struct {
		node string
		want Spec
	}{
		{`{"id":"a","nodeType":"ASSIGN_AGENT","data":{"msgContent":{"agentObj":{"uid":"ag"}}}}`, AssignSpec{AgentUID: "ag"}},
		{`{"id":"c","nodeType":"CONDITION","data":{"msgContent":{"value":7}}}`, ConditionSpec{Value: "7"}},
		{`{"id":"d","nodeType":"DISABLE_CHAT","data":{"msgContent":{"timestamp":"2026-01-01T10:00","timezone":"UTC"}}}`,
			DisableSpec{Timestamp: "2026-01-01T10:00", Timezone: "UTC"}},
		{`{"id":"i","nodeType":"TAKE_INPUT","data":{"variableName":"email","useRegEx":false,"regex":"/x/"}}`,
			InputSpec{Variable: "email"}},
	}
	for _, tt := range tests {
		var n Node
		require.NoError(t, json.Unmarshal([]byte(tt.node), &n))
		spec, err := n.Spec(vars.Vars{})
		require.NoError(t, err, tt.node)
		assert.Equal(t, tt.want, spec)
	}

	var unknown Node
	require.NoError(t, json.Unmarshal([]byte(`{"id":"u","nodeType":"TELEPORT"}`), &unknown))
	_, err := unknown.Spec(vars.Vars{})
	assert.Error(t, err)
}

type countingFlows struct {
	loads int
	flow  *store.Flow
}

func (c *countingFlows) GetFlow(ctx context.Context, accountID, flowID string) (*store.Flow, error) {
	c.loads++
	if c.flow == nil {
		return nil, store.ErrNotFound
	}
	return c.flow, nil
}

func TestGraphCache(t *testing.T) {
	flows := &countingFlows{flow: &store.Flow{
		AccountID: "acct-1",
		FlowID:    "flow-1",
		Nodes:     json.RawMessage(`[` + textNode("n", "hi") + `]`),
		Edges:     json.RawMessage(`[]`),
	}}
	cache := NewGraphCache(flows, time.Minute)
	ctx := context.Background()

	g1, err := cache.Graph(ctx, "acct-1", "flow-1")
	require.NoError(t, err)
	g2, err := cache.Graph(ctx, "acct-1", "flow-1")
	require.NoError(t, err)
	assert.Same(t, g1, g2)
	assert.Equal(t, 1, flows.loads)
	assert.Equal(t, 1, cache.Len())

	cache.Invalidate("acct-1", "flow-1")
	_, err = cache.Graph(ctx, "acct-1", "flow-1")
	require.NoError(t, err)
	assert.Equal(t, 2, flows.loads)

	_, err = NewGraphCache(&countingFlows{}, 0).Graph(ctx, "acct-1", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDisabledUntil(t *testing.T) {
	tests := []struct {
		name string
		d    Disabled
		tz   string
		want time.Time
		ok   bool
	}{
		{"rfc3339", Disabled{Timestamp: "2026-03-01T10:00:00Z"}, "", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), true},
		{"wall clock in zone", Disabled{Timestamp: "2026-03-01T15:30", Timezone: "Asia/Kolkata"}, "", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), true},
		{"fallback zone", Disabled{Timestamp: "2026-03-01 15:30:00", Timezone: "Not/AZone"}, "Asia/Kolkata", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), true},
		{"unix seconds", Disabled{Timestamp: "1772359200"}, "", time.Unix(1772359200, 0), true},
		{"unix millis", Disabled{Timestamp: "1772359200000"}, "", time.Unix(1772359200, 0), true},
		{"empty", Disabled{}, "", time.Time{}, false},
		{"garbage", Disabled{Timestamp: "next tuesday"}, "", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.d.Until(tt.tz)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
			}
		})
	}
}
