// ABOUTME: HTTP routes and authenticated API handlers for operators and agents
// ABOUTME: Manual sends, conversation tails, hand-off release and flow upserts

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/2389/inbox-gateway/internal/auth"
	"github.com/2389/inbox-gateway/internal/fanout"
	"github.com/2389/inbox-gateway/internal/flow"
	"github.com/2389/inbox-gateway/internal/message"
	"github.com/2389/inbox-gateway/internal/store"
)

const (
	defaultTailLimit = 50
	maxTailLimit     = 1000
)

// SendRequest is the body of POST /api/send.
type SendRequest struct {
	ChatKey string          `json:"chat_key"`
	Content message.Content `json:"content"`
}

// MessagesResponse is the body of GET /api/conversations/{chatKey}/messages.
type MessagesResponse struct {
	ChatKey  string            `json:"chat_key"`
	Messages []message.Message `json:"messages"`
}

// FlowRequest is the body of PUT /api/flows/{flowID}.
type FlowRequest struct {
	Name  string          `json:"name"`
	Nodes json.RawMessage `json:"nodes"`
	Edges json.RawMessage `json:"edges"`
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	authMW := auth.HTTPAuthMiddleware(g.verifier, g.logger)
	owner := auth.RequireOwnerHTTP()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("GET /webhooks/cloud", g.handleCloudVerify)
	mux.HandleFunc("POST /webhooks/cloud", g.handleCloudWebhook)
	mux.Handle("POST /webhooks/session/{sessionID}", authMW(http.HandlerFunc(g.handleSessionWebhook)))

	mux.Handle("POST /api/send", authMW(http.HandlerFunc(g.handleSend)))
	mux.Handle("GET /api/conversations/{chatKey}/messages", authMW(http.HandlerFunc(g.handleMessages)))
	mux.Handle("POST /api/conversations/{chatKey}/release", authMW(http.HandlerFunc(g.handleRelease)))
	mux.Handle("PUT /api/flows/{flowID}", authMW(owner(http.HandlerFunc(g.handlePutFlow))))

	mux.Handle("GET /ws", g.hub.WSHandler(g.verifier, fanout.WSOptions{}))

	prefix := g.config.Media.URLPrefix
	mux.Handle("GET "+prefix+"/", http.StripPrefix(prefix, g.media.Handler()))

	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}
	return mux
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the database answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d realtime connections)", g.hub.Registry().Count())
}

// chatFor loads the caller's conversation. Agents reach only conversations
// assigned to them.
func (g *Gateway) chatFor(w http.ResponseWriter, r *http.Request, chatKey string) (*store.Chat, bool) {
	claims := auth.FromContext(r.Context())
	if chatKey == "" {
		g.sendJSONError(w, http.StatusBadRequest, "chat_key is required")
		return nil, false
	}
	if claims.Agent {
		ok, err := g.store.IsAssigned(r.Context(), claims.Owner(), claims.UID, chatKey)
		if err != nil {
			g.logger.Error("failed to check assignment", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return nil, false
		}
		if !ok {
			g.sendJSONError(w, http.StatusForbidden, "conversation not assigned")
			return nil, false
		}
	}

	chat, err := g.store.GetChat(r.Context(), claims.Owner(), chatKey)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	if err != nil {
		g.logger.Error("failed to get chat", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return chat, true
}

// handleSend dispatches a manual reply into a conversation.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content.Type == "" {
		g.sendJSONError(w, http.StatusBadRequest, "content.type is required")
		return
	}
	chat, ok := g.chatFor(w, r, req.ChatKey)
	if !ok {
		return
	}

	conv := chat.Conversation()
	unlock := g.pipeline.Lock(conv)
	res, err := g.dispatcher.Send(r.Context(), conv, req.Content)
	unlock()
	if err != nil {
		g.logger.Warn("manual send failed", "account_id", conv.AccountID, "chat_key", conv.ChatKey, "error", err)
		g.sendJSON(w, http.StatusBadGateway, res)
		return
	}
	g.sendJSON(w, http.StatusOK, res)
}

// handleMessages returns the conversation tail, optionally limited by ?limit=N.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := defaultTailLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxTailLimit)
	}

	chat, ok := g.chatFor(w, r, r.PathValue("chatKey"))
	if !ok {
		return
	}
	msgs, err := g.log.Tail(r.Context(), chat.Conversation(), limit)
	if err != nil {
		g.logger.Error("failed to read conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if msgs == nil {
		msgs = []message.Message{}
	}
	g.sendJSON(w, http.StatusOK, MessagesResponse{ChatKey: chat.ChatKey, Messages: msgs})
}

// handleRelease hands a conversation back from an external agent to the flow.
func (g *Gateway) handleRelease(w http.ResponseWriter, r *http.Request) {
	chat, ok := g.chatFor(w, r, r.PathValue("chatKey"))
	if !ok {
		return
	}
	conv := chat.Conversation()
	unlock := g.pipeline.Lock(conv)
	released, err := g.engine.Release(r.Context(), conv)
	unlock()
	if err != nil {
		g.logger.Error("failed to release conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]bool{"released": released})
}

// handlePutFlow validates and stores a flow definition. ?activate=1 makes it
// the account's active flow.
func (g *Gateway) handlePutFlow(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	flowID := r.PathValue("flowID")

	var req FlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, err := flow.ParseGraph(req.Nodes, req.Edges); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid flow graph: "+err.Error())
		return
	}

	f := &store.Flow{AccountID: claims.UID, FlowID: flowID, Name: req.Name, Nodes: req.Nodes, Edges: req.Edges}
	if err := g.store.SaveFlow(r.Context(), f); err != nil {
		g.logger.Error("failed to save flow", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.graphs.Invalidate(claims.UID, flowID)

	activate := r.URL.Query().Get("activate")
	activated := activate == "1" || activate == "true"
	if activated {
		err := g.store.SetActiveFlow(r.Context(), claims.UID, flowID)
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "account not found")
			return
		}
		if err != nil {
			g.logger.Error("failed to activate flow", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}
	g.logger.Info("flow saved", "account_id", claims.UID, "flow_id", flowID, "activated", activated)
	g.sendJSON(w, http.StatusOK, map[string]any{"flow_id": flowID, "activated": activated})
}
