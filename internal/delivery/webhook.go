package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"postpipe/internal/model"
)

const DefaultWebhookSource = "postpipe-scheduler"

type WebhookOptions struct {
	Platform  string
	Source    string
	UserAgent string
}

// WebhookAdapter posts a JSON envelope to an automation hook. Any HTTP
// response counts as delivered; a non-2xx status becomes a receipt warning.
type WebhookAdapter struct {
	mu     sync.RWMutex
	opts   WebhookOptions
	client *http.Client
	now    func() time.Time
}

func NewWebhookAdapter(opts WebhookOptions, client *http.Client) *WebhookAdapter {
	if client == nil {
		client = &http.Client{}
	}
	a := &WebhookAdapter{client: client, now: time.Now}
	a.Apply(opts)
	return a
}

func (a *WebhookAdapter) Apply(opts WebhookOptions) {
	if strings.TrimSpace(opts.Platform) == "" {
		opts.Platform = DefaultPlatform
	}
	if strings.TrimSpace(opts.Source) == "" {
		opts.Source = DefaultWebhookSource
	}
	a.mu.Lock()
	a.opts = opts
	a.mu.Unlock()
}

func (a *WebhookAdapter) Kind() string { return model.KindWebhook }

func (a *WebhookAdapter) Validate(t Target) error {
	addr := strings.TrimSpace(t.Address)
	if addr == "" {
		return model.NotConfigured("webhook url is not set")
	}
	u, err := url.Parse(addr)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return model.NotConfigured("webhook url %q is not an http(s) url", addr)
	}
	return nil
}

type webhookEnvelope struct {
	Content               string `json:"content"`
	Topic                 string `json:"topic"`
	Timestamp             string `json:"timestamp"`
	Platform              string `json:"platform"`
	Source                string `json:"source"`
	Scheduled             bool   `json:"scheduled"`
	OriginalScheduledTime string `json:"originalScheduledTime,omitempty"`
}

func (a *WebhookAdapter) Send(ctx context.Context, p model.Payload, t Target) (Receipt, error) {
	a.mu.RLock()
	opts := a.opts
	a.mu.RUnlock()

	env := webhookEnvelope{
		Content:   p.Content,
		Topic:     p.Topic,
		Timestamp: a.now().UTC().Format(time.RFC3339),
		Platform:  opts.Platform,
		Source:    opts.Source,
		Scheduled: !t.ScheduledFor.IsZero(),
	}
	if env.Scheduled {
		env.OriginalScheduledTime = t.ScheduledFor.UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return Receipt{}, &Error{Kind: model.KindWebhook, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSpace(t.Address), bytes.NewReader(body))
	if err != nil {
		return Receipt{}, &Error{Kind: model.KindWebhook, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return Receipt{}, &Error{Kind: model.KindWebhook, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	rc := Receipt{StatusCode: resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rc.Warning = "webhook responded " + resp.Status
		return rc, nil
	}
	var out struct {
		ID json.RawMessage `json:"id"`
	}
	if json.Unmarshal(raw, &out) == nil {
		rc.ExternalID = rawID(out.ID)
	}
	return rc, nil
}
