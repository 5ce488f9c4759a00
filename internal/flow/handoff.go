// ABOUTME: Hand-off collaborator invoked by AI_BOT nodes
// ABOUTME: WebhookHandoff posts requests to an external responder; LogHandoff only records them

package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/inbox-gateway/internal/message"
)

// HandoffHistory is the number of recent messages supplied to the collaborator.
const HandoffHistory = 20

// HandoffEvent distinguishes a new inbound message from a release.
type HandoffEvent string

const (
	HandoffMessage HandoffEvent = "message"
	HandoffRelease HandoffEvent = "release"
)

// HandoffRequest is what the collaborator receives. It is responsible for
// producing and dispatching its own replies.
type HandoffRequest struct {
	Event        HandoffEvent         `json:"event"`
	Conversation message.Conversation `json:"conversation"`
	Node         json.RawMessage      `json:"node,omitempty"`
	Message      *message.Message     `json:"message,omitempty"`
	History      []message.Message    `json:"history,omitempty"`
	Variables    map[string]any       `json:"variables,omitempty"`
}

// Handoff is the external generative-response collaborator.
type Handoff interface {
	Handle(ctx context.Context, req HandoffRequest) error
}

// LogHandoff records hand-off requests without delivering them anywhere.
type LogHandoff struct {
	logger *slog.Logger
}

// NewLogHandoff creates a LogHandoff.
func NewLogHandoff(logger *slog.Logger) *LogHandoff {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandoff{logger: logger.With("component", "handoff")}
}

// Handle logs the request.
func (h *LogHandoff) Handle(ctx context.Context, req HandoffRequest) error {
	h.logger.Info("hand-off request",
		"event", req.Event,
		"account_id", req.Conversation.AccountID,
		"chat_key", req.Conversation.ChatKey,
		"history", len(req.History))
	return nil
}

// WebhookHandoff posts each request as JSON to a fixed URL.
type WebhookHandoff struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookHandoff creates a WebhookHandoff with a bounded client timeout.
func NewWebhookHandoff(url string, timeout time.Duration, logger *slog.Logger) *WebhookHandoff {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &WebhookHandoff{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "handoff"),
	}
}

// Handle posts the request and expects a 2xx answer.
func (h *WebhookHandoff) Handle(ctx context.Context, req HandoffRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding hand-off request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building hand-off request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("posting hand-off request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("hand-off endpoint returned HTTP %d", resp.StatusCode)
	}
	h.logger.Debug("hand-off delivered", "event", req.Event, "chat_key", req.Conversation.ChatKey)
	return nil
}
