package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"postpipe/internal/model"
)

const (
	DefaultRelayEndpoint = "https://api.postly.io/v1/posts"
	DefaultPlatform      = "linkedin"
)

type RelayOptions struct {
	Endpoint string
	Platform string
}

// RelayAdapter posts content to a third-party publishing relay that owns the
// actual platform integration. The owner's API key is sent as a bearer token.
type RelayAdapter struct {
	mu     sync.RWMutex
	opts   RelayOptions
	client *http.Client
}

func NewRelayAdapter(opts RelayOptions, client *http.Client) *RelayAdapter {
	if client == nil {
		client = &http.Client{}
	}
	a := &RelayAdapter{client: client}
	a.Apply(opts)
	return a
}

func (a *RelayAdapter) Apply(opts RelayOptions) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		opts.Endpoint = DefaultRelayEndpoint
	}
	if strings.TrimSpace(opts.Platform) == "" {
		opts.Platform = DefaultPlatform
	}
	a.mu.Lock()
	a.opts = opts
	a.mu.Unlock()
}

func (a *RelayAdapter) Kind() string { return model.KindRelay }

func (a *RelayAdapter) Validate(t Target) error {
	if strings.TrimSpace(t.Credential) == "" {
		return model.NotConfigured("relay api key is not set")
	}
	return nil
}

type relayRequest struct {
	Content   string   `json:"content"`
	Platforms []string `json:"platforms"`
}

type relayResponse struct {
	ID json.RawMessage `json:"id"`
}

func (a *RelayAdapter) Send(ctx context.Context, p model.Payload, t Target) (Receipt, error) {
	a.mu.RLock()
	opts := a.opts
	a.mu.RUnlock()

	platform := opts.Platform
	if t.Address != "" {
		platform = t.Address
	}
	// always send-now; the relay never sees the due time
	req := relayRequest{Content: p.Content, Platforms: []string{platform}}
	body, err := json.Marshal(req)
	if err != nil {
		return Receipt{}, &Error{Kind: model.KindRelay, Err: err}
	}

	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, &Error{Kind: model.KindRelay, Err: err}
	}
	hr.Header.Set("Authorization", "Bearer "+t.Credential)
	hr.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(hr)
	if err != nil {
		return Receipt{}, &Error{Kind: model.KindRelay, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Receipt{}, statusError(model.KindRelay, "relay api error", resp.StatusCode, string(raw))
	}

	var out relayResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Receipt{}, &Error{Kind: model.KindRelay, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode relay response: %w", err)}
	}
	return Receipt{ExternalID: rawID(out.ID), StatusCode: resp.StatusCode}, nil
}

// rawID accepts a JSON string or number.
func rawID(m json.RawMessage) string {
	if len(m) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(m, &n); err == nil {
		return n.String()
	}
	return strings.Trim(string(m), `"`)
}

