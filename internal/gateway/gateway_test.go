// ABOUTME: Tests for gateway wiring, HTTP API handlers and channel webhooks
// ABOUTME: Builds a real gateway over temp dirs with a fake cloud API endpoint

package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/inbox-gateway/internal/auth"
	"github.com/2389/inbox-gateway/internal/chatkey"
	"github.com/2389/inbox-gateway/internal/config"
	"github.com/2389/inbox-gateway/internal/message"
	"github.com/2389/inbox-gateway/internal/store"
)

const (
	testSalt   = "test-salt"
	testSecret = "0123456789abcdef0123456789abcdef"
)

// fakeGraph records cloud API sends.
type fakeGraph struct {
	mu     sync.Mutex
	bodies []string
}

func (f *fakeGraph) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies = append(f.bodies, string(body))
	n := len(f.bodies)
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"messages":[{"id":"wamid.out-%d"}]}`, n)
}

func (f *fakeGraph) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies...)
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, graphURL string, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	raw := fmt.Sprintf(`
server:
  http_addr: "127.0.0.1:0"
  grpc_addr: "127.0.0.1:0"
database:
  path: %q
log:
  dir: %q
media:
  dir: %q
cloud:
  graph_url: %q
  verify_token: "verify-me"
auth:
  jwt_secret: %q
chatkey:
  salt: %q
metrics:
  enabled: true
%s`, dir+"/state.db", dir+"/log", dir+"/media", graphURL, testSecret, testSalt, extra)
	cfg, err := config.Parse([]byte(raw))
	require.NoError(t, err)
	return cfg
}

type fixture struct {
	gw    *Gateway
	graph *fakeGraph
	h     http.Handler
}

func newFixture(t *testing.T, extra string) *fixture {
	t.Helper()
	graph := &fakeGraph{}
	srv := httptest.NewServer(graph)
	t.Cleanup(srv.Close)

	gw, err := New(testConfig(t, srv.URL, extra), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})

	ctx := context.Background()
	require.NoError(t, gw.store.UpsertAccount(ctx, &store.Account{UID: "acct-1", Timezone: "UTC"}))
	require.NoError(t, gw.store.UpsertCloudAccount(ctx, &store.CloudAccount{PhoneNumberID: "pn-1", AccountID: "acct-1", AccessToken: "tok"}))
	return &fixture{gw: gw, graph: graph, h: gw.Handler()}
}

func (f *fixture) token(t *testing.T, c auth.Claims) string {
	t.Helper()
	tok, err := f.gw.verifier.Generate(c, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func cloudText(id, from, body string) []byte {
	return []byte(fmt.Sprintf(`{"entry":[{"changes":[{"value":{
		"metadata":{"phone_number_id":"pn-1"},
		"contacts":[{"profile":{"name":"Ana"},"wa_id":%q}],
		"messages":[{"from":%q,"id":%q,"timestamp":"1","type":"text","text":{"body":%q}}]}}]}]}`,
		from, from, id, body))
}

func greetingFlow() []byte {
	return []byte(`{"name":"greeting",
		"nodes":[{"id":"greet","nodeType":"TEXT","data":{"msgContent":{"type":"text","text":{"body":"welcome"}}}}],
		"edges":[{"id":"e1","source":"trigger","target":"greet","sourceHandle":"hi"}]}`)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = f.do(http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ready")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "inbox_realtime_connections")
}

func TestCloudVerify(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(http.MethodGet, "/webhooks/cloud?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", rec.Body.String())

	rec = f.do(http.MethodGet, "/webhooks/cloud?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCloudWebhook_Signature(t *testing.T) {
	f := newFixture(t, "")
	f.gw.config.Cloud.AppSecret = "app-secret"
	body := cloudText("wamid.sig", "15551234567", "hello")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/cloud", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("other", body))
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/cloud", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("app-secret", body))
	rec = httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCloudWebhook_InvalidJSON(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(http.MethodPost, "/webhooks/cloud", "", []byte("{nope"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCloudWebhook_UnknownAccountStillAcknowledged(t *testing.T) {
	f := newFixture(t, "")
	body := []byte(`{"entry":[{"changes":[{"value":{"metadata":{"phone_number_id":"pn-unknown"},
		"messages":[{"from":"1","id":"x","timestamp":"1","type":"text","text":{"body":"hi"}}]}}]}]}`)
	rec := f.do(http.MethodPost, "/webhooks/cloud", "", body)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFlowRunsEndToEnd(t *testing.T) {
	f := newFixture(t, "")
	owner := f.token(t, auth.Claims{UID: "acct-1"})

	rec := f.do(http.MethodPut, "/api/flows/f1?activate=1", owner, greetingFlow())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, "/webhooks/cloud", "", cloudText("wamid.1", "15551234567", "hi"))
	require.Equal(t, http.StatusOK, rec.Code)

	sent := f.graph.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "welcome")
	assert.Contains(t, sent[0], "15551234567")

	key := chatkey.Derive(testSalt, "15551234567", "")
	rec = f.do(http.MethodGet, "/api/conversations/"+key+"/messages", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp MessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, message.Incoming, resp.Messages[0].Direction)
	assert.Equal(t, message.Outgoing, resp.Messages[1].Direction)
	assert.Equal(t, "wamid.out-1", resp.Messages[1].ID)
}

func TestPutFlow(t *testing.T) {
	f := newFixture(t, "")
	owner := f.token(t, auth.Claims{UID: "acct-1"})

	t.Run("invalid graph", func(t *testing.T) {
		rec := f.do(http.MethodPut, "/api/flows/f1", owner, []byte(`{"nodes":{},"edges":[]}`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("agents cannot edit flows", func(t *testing.T) {
		agent := f.token(t, auth.Claims{UID: "agent-1", Agent: true, OwnerUID: "acct-1"})
		rec := f.do(http.MethodPut, "/api/flows/f1", agent, greetingFlow())
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		rec := f.do(http.MethodPut, "/api/flows/f1", "", greetingFlow())
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("saved without activation", func(t *testing.T) {
		rec := f.do(http.MethodPut, "/api/flows/f2", owner, greetingFlow())
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"flow_id":"f2","activated":false}`, rec.Body.String())

		saved, err := f.gw.store.GetFlow(context.Background(), "acct-1", "f2")
		require.NoError(t, err)
		assert.Equal(t, "greeting", saved.Name)

		acct, err := f.gw.store.GetAccount(context.Background(), "acct-1")
		require.NoError(t, err)
		assert.Empty(t, acct.ActiveFlowID)
	})
}

func TestSend(t *testing.T) {
	f := newFixture(t, "")
	owner := f.token(t, auth.Claims{UID: "acct-1"})

	rec := f.do(http.MethodPost, "/webhooks/cloud", "", cloudText("wamid.1", "15551234567", "hello"))
	require.Equal(t, http.StatusOK, rec.Code)
	key := chatkey.Derive(testSalt, "15551234567", "")

	send := func(token, chatKey string) *httptest.ResponseRecorder {
		body, err := json.Marshal(SendRequest{ChatKey: chatKey, Content: message.NewText("manual reply")})
		require.NoError(t, err)
		return f.do(http.MethodPost, "/api/send", token, body)
	}

	t.Run("owner", func(t *testing.T) {
		rec := send(owner, key)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Contains(t, rec.Body.String(), `"success":true`)
		sent := f.graph.sent()
		require.NotEmpty(t, sent)
		assert.Contains(t, sent[len(sent)-1], "manual reply")
	})

	t.Run("unknown conversation", func(t *testing.T) {
		rec := send(owner, "missing")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing chat key", func(t *testing.T) {
		rec := send(owner, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unassigned agent", func(t *testing.T) {
		agent := f.token(t, auth.Claims{UID: "agent-1", Agent: true, OwnerUID: "acct-1"})
		rec := send(agent, key)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("assigned agent", func(t *testing.T) {
		_, err := f.gw.store.AssignAgent(context.Background(), &store.AgentAssignment{OwnerUID: "acct-1", AgentUID: "agent-2", ChatKey: key})
		require.NoError(t, err)
		agent := f.token(t, auth.Claims{UID: "agent-2", Agent: true, OwnerUID: "acct-1"})
		rec := send(agent, key)
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})

	t.Run("invalid body", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/send", owner, []byte("nope"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestMessages_Limit(t *testing.T) {
	f := newFixture(t, "")
	owner := f.token(t, auth.Claims{UID: "acct-1"})
	for i := range 3 {
		rec := f.do(http.MethodPost, "/webhooks/cloud", "", cloudText(fmt.Sprintf("wamid.%d", i), "15551234567", "msg"))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	key := chatkey.Derive(testSalt, "15551234567", "")

	rec := f.do(http.MethodGet, "/api/conversations/"+key+"/messages?limit=2", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp MessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "wamid.2", resp.Messages[1].ID)

	rec = f.do(http.MethodGet, "/api/conversations/"+key+"/messages?limit=zero", owner, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRelease(t *testing.T) {
	f := newFixture(t, "")
	owner := f.token(t, auth.Claims{UID: "acct-1"})
	rec := f.do(http.MethodPost, "/webhooks/cloud", "", cloudText("wamid.1", "15551234567", "hello"))
	require.Equal(t, http.StatusOK, rec.Code)
	key := chatkey.Derive(testSalt, "15551234567", "")

	rec = f.do(http.MethodPost, "/api/conversations/"+key+"/release", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"released":false}`, rec.Body.String())
}

func TestSessionWebhook(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, f.gw.store.UpsertSession(context.Background(), &store.Session{SessionID: "sess-1", AccountID: "acct-1"}))
	payload := []byte(`{"key":{"remoteJid":"15557654321@s.whatsapp.net","id":"S1","fromMe":false},
		"pushName":"Bo","messageTimestamp":1,"message":{"conversation":"hey"}}`)

	tests := []struct {
		name   string
		token  string
		path   string
		body   []byte
		status int
	}{
		{"no token", "", "/webhooks/session/sess-1", payload, http.StatusUnauthorized},
		{"agent", f.token(t, auth.Claims{UID: "agent-1", Agent: true, OwnerUID: "acct-1"}), "/webhooks/session/sess-1", payload, http.StatusForbidden},
		{"other owner", f.token(t, auth.Claims{UID: "acct-2"}), "/webhooks/session/sess-1", payload, http.StatusForbidden},
		{"unknown session", f.token(t, auth.Claims{UID: "acct-1"}), "/webhooks/session/nope", payload, http.StatusNotFound},
		{"invalid json", f.token(t, auth.Claims{UID: "acct-1"}), "/webhooks/session/sess-1", []byte("{"), http.StatusBadRequest},
		{"ok", f.token(t, auth.Claims{UID: "acct-1"}), "/webhooks/session/sess-1", payload, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	chats, err := f.gw.store.ListChats(context.Background(), "acct-1", 10)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, message.KindSession, chats[0].Origin)
	assert.Equal(t, "Bo", chats[0].SenderName)
}

func TestMediaServed(t *testing.T) {
	f := newFixture(t, "")
	url, err := f.gw.media.Save(context.Background(), "acct-1", strings.NewReader("png-bytes"), "image/png", "")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "/media/"), url)

	rec := f.do(http.MethodGet, url, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png-bytes", rec.Body.String())
}

func TestRunAndShutdown(t *testing.T) {
	graph := httptest.NewServer(&fakeGraph{})
	defer graph.Close()

	gw, err := New(testConfig(t, graph.URL, ""), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}

func TestNew_InvalidSessionConfig(t *testing.T) {
	_, err := New(testConfig(t, "http://127.0.0.1:1", "session:\n  enabled: true\n  bridge_config: /does/not/exist.toml\n"), testLogger())
	assert.Error(t, err)
}

func TestValidSignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	assert.True(t, validSignature("s", sign("s", body), body))
	assert.False(t, validSignature("s", sign("t", body), body))
	assert.False(t, validSignature("s", "md5=abc", body))
	assert.False(t, validSignature("s", "sha256=zz", body))
}
