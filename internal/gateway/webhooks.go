// ABOUTME: Inbound channel webhooks for the cloud API and external session clients
// ABOUTME: Cloud posts are optionally signature-checked and always acknowledged once decoded

package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/2389/inbox-gateway/internal/auth"
	"github.com/2389/inbox-gateway/internal/store"
)

// maxWebhookBody caps inbound webhook payloads.
const maxWebhookBody = 5 << 20

// handleCloudVerify answers the subscription handshake.
func (g *Gateway) handleCloudVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := g.config.Cloud.VerifyToken
	if q.Get("hub.mode") != "subscribe" || token == "" ||
		!hmac.Equal([]byte(q.Get("hub.verify_token")), []byte(token)) {
		g.sendJSONError(w, http.StatusForbidden, "verification failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// handleCloudWebhook ingests a cloud notification.
func (g *Gateway) handleCloudWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "reading body")
		return
	}
	if secret := g.config.Cloud.AppSecret; secret != "" {
		if !validSignature(secret, r.Header.Get("X-Hub-Signature-256"), body) {
			g.sendJSONError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}
	if !json.Valid(body) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := g.pipeline.HandleCloud(context.WithoutCancel(r.Context()), body); err != nil {
		g.logger.Info("cloud event not ingested", "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

// validSignature checks a "sha256=<hex>" HMAC of body.
func validSignature(secret, header string, body []byte) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// handleSessionWebhook ingests an event posted by an external session client.
// The caller must own the session.
func (g *Gateway) handleSessionWebhook(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	sessionID := r.PathValue("sessionID")

	sess, err := g.store.GetSession(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to load session", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if claims == nil || claims.Agent || sess.AccountID != claims.UID {
		g.sendJSONError(w, http.StatusForbidden, "session belongs to another account")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil || !json.Valid(body) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := g.pipeline.HandleSession(context.WithoutCancel(r.Context()), sessionID, body); err != nil {
		g.logger.Info("session event not ingested", "session_id", sessionID, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}
