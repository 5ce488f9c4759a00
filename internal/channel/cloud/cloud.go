// ABOUTME: Cloud messaging API adapter: Graph API message sends and media downloads
// ABOUTME: Requests are rate limited per phone number id and bounded by a timeout

package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/2389/inbox-gateway/internal/channel"
	"github.com/2389/inbox-gateway/internal/message"
	"github.com/2389/inbox-gateway/internal/store"
)

// Defaults for the Graph API endpoint and client behavior.
const (
	DefaultGraphURL   = "https://graph.facebook.com"
	DefaultAPIVersion = "v19.0"
	DefaultTimeout    = 30 * time.Second
	DefaultRate       = 20
	DefaultBurst      = 40
)

// ErrAPI wraps an error payload returned by the Graph API.
var ErrAPI = errors.New("cloud api error")

// Credentials resolves the cloud API credentials of an account.
type Credentials interface {
	GetCloudAccount(ctx context.Context, accountID string) (*store.CloudAccount, error)
}

// Config configures an Adapter.
type Config struct {
	GraphURL      string
	APIVersion    string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// Adapter sends messages through the cloud API.
type Adapter struct {
	creds   Credentials
	cfg     Config
	client  *http.Client
	logger  *slog.Logger
	limitMu sync.Mutex
	limits  map[string]*rate.Limiter
}

var (
	_ channel.Adapter     = (*Adapter)(nil)
	_ channel.MediaSource = (*Adapter)(nil)
)

// New creates a cloud API adapter.
func New(creds Credentials, cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GraphURL == "" {
		cfg.GraphURL = DefaultGraphURL
	}
	cfg.GraphURL = strings.TrimRight(cfg.GraphURL, "/")
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	return &Adapter{
		creds:  creds,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "cloud"),
		limits: make(map[string]*rate.Limiter),
	}
}

// Kind returns message.KindCloud.
func (a *Adapter) Kind() message.Kind {
	return message.KindCloud
}

func (a *Adapter) limiter(phoneNumberID string) *rate.Limiter {
	a.limitMu.Lock()
	defer a.limitMu.Unlock()
	if l, ok := a.limits[phoneNumberID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(a.cfg.RatePerSecond), a.cfg.Burst)
	a.limits[phoneNumberID] = l
	return l
}

// Send posts the envelope content to the account's phone number and returns
// the message id assigned by the API.
func (a *Adapter) Send(ctx context.Context, env channel.Envelope) (string, error) {
	acct, err := a.creds.GetCloudAccount(ctx, env.Conversation.AccountID)
	if err != nil {
		return "", fmt.Errorf("loading cloud credentials: %w", err)
	}

	payload, err := sendPayload(env)
	if err != nil {
		return "", err
	}

	if err := a.limiter(acct.PhoneNumberID).Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for rate limit: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", a.cfg.GraphURL, a.cfg.APIVersion, acct.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+acct.AccessToken)

	body, err := a.do(req)
	if err != nil {
		return "", err
	}

	id := gjson.GetBytes(body, "messages.0.id").String()
	if id == "" {
		return "", fmt.Errorf("%w: response has no message id", ErrAPI)
	}
	a.logger.Debug("message sent", "account_id", acct.AccountID, "channel_msg_id", id, "type", env.Content.Type)
	return id, nil
}

// sendPayload merges the routing fields required by the API into the content.
func sendPayload(env channel.Envelope) ([]byte, error) {
	raw, err := json.Marshal(env.Content)
	if err != nil {
		return nil, fmt.Errorf("encoding content: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encoding content: %w", err)
	}
	fields["messaging_product"] = "whatsapp"
	fields["recipient_type"] = "individual"
	fields["to"] = env.To
	return json.Marshal(fields)
}

// Fetch resolves a media id to its download URL and downloads it with the
// account's token.
func (a *Adapter) Fetch(ctx context.Context, ref channel.MediaRef) (*channel.MediaPayload, error) {
	acct, err := a.creds.GetCloudAccount(ctx, ref.AccountID)
	if err != nil {
		return nil, fmt.Errorf("loading cloud credentials: %w", err)
	}

	downloadURL, mimeType := ref.URL, ref.MimeType
	if downloadURL == "" {
		if ref.ID == "" {
			return nil, errors.New("media reference has neither id nor url")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/%s/%s", a.cfg.GraphURL, a.cfg.APIVersion, ref.ID), nil)
		if err != nil {
			return nil, fmt.Errorf("building media lookup: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+acct.AccessToken)
		body, err := a.do(req)
		if err != nil {
			return nil, fmt.Errorf("looking up media %s: %w", ref.ID, err)
		}
		info := gjson.ParseBytes(body)
		downloadURL = info.Get("url").String()
		if mt := info.Get("mime_type").String(); mt != "" {
			mimeType = mt
		}
		if downloadURL == "" {
			return nil, fmt.Errorf("%w: media %s has no url", ErrAPI, ref.ID)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building media download: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+acct.AccessToken)
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading media: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("downloading media: HTTP %d", resp.StatusCode)
	}
	if mimeType == "" {
		mimeType = resp.Header.Get("Content-Type")
	}
	return &channel.MediaPayload{Body: resp.Body, MimeType: mimeType, Filename: ref.Filename}, nil
}

// do executes req and returns the body of a 2xx response. API error bodies
// are surfaced through ErrAPI.
func (a *Adapter) do(req *http.Request) ([]byte, error) {
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling cloud api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading cloud api response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrAPI, resp.StatusCode, msg)
	}
	return body, nil
}
