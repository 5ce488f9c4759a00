// ABOUTME: Websocket transport for realtime events
// ABOUTME: Authenticates the upgrade, registers the connection and tracks the client's open chat

package fanout

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/inbox-gateway/internal/auth"
)

// writeTimeout bounds a single frame write to a client.
const writeTimeout = 10 * time.Second

// Client frame types.
const (
	frameOpenChat  = "open_chat"
	frameCloseChat = "close_chat"
)

// clientFrame is a message sent by a client.
type clientFrame struct {
	Type    string `json:"type"`
	ChatKey string `json:"chat_key"`
}

// WSOptions configures the websocket handler.
type WSOptions struct {
	// OriginPatterns are host patterns allowed to open cross-origin sockets.
	OriginPatterns []string
}

// WSHandler upgrades authenticated requests to websockets and streams the
// connection's events until either side closes.
func (h *Hub) WSHandler(verifier auth.TokenVerifier, opts WSOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, errMsg := auth.TokenFromRequest(r)
		if errMsg != "" {
			http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
			return
		}
		claims, err := verifier.Verify(token)
		if err != nil {
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}

		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns})
		if err != nil {
			h.logger.Debug("websocket accept failed", "error", err)
			return
		}

		conn := NewConn(claims.UID)
		if claims.Agent {
			conn = NewAgentConn(claims.UID, claims.OwnerUID)
		}
		h.reg.Add(conn)
		logger := h.logger.With("conn_id", conn.ID, "account_id", conn.AccountID)
		logger.Info("realtime client connected", "agent", conn.Agent)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			h.writeLoop(ctx, ws, conn)
			cancel()
		}()

		h.readLoop(ctx, ws, conn)

		h.reg.Remove(conn.ID)
		cancel()
		<-writerDone
		_ = ws.Close(websocket.StatusNormalClosure, "")
		logger.Info("realtime client disconnected")
	})
}

func (h *Hub) writeLoop(ctx context.Context, ws *websocket.Conn, conn *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-conn.Events():
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, ws, ev)
			cancel()
			if err != nil {
				h.logger.Debug("websocket write failed", "conn_id", conn.ID, "error", err)
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, ws *websocket.Conn, conn *Conn) {
	for {
		var f clientFrame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			return
		}
		switch f.Type {
		case frameOpenChat:
			conn.SetOpenChat(f.ChatKey)
		case frameCloseChat:
			conn.SetOpenChat("")
		default:
			h.logger.Debug("ignoring client frame", "conn_id", conn.ID, "type", f.Type)
		}
	}
}
