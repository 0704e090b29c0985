package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"postpipe/internal/delivery"
	"postpipe/internal/dispatch"
	"postpipe/internal/ledger"
	"postpipe/internal/model"
	"postpipe/internal/storage"
	"postpipe/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiHarness struct {
	t     *testing.T
	url   string
	token string
	store storage.Store
	hooks *atomic.Int32
	hook  string
}

func newAPI(t *testing.T, cfg Config) *apiHarness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	var hits atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"hook-1"}`)
	}))
	t.Cleanup(hook.Close)

	reg := delivery.NewRegistry(logx.Nop())
	reg.Register(delivery.NewRelayAdapter(delivery.RelayOptions{}, nil))
	reg.Register(delivery.NewWebhookAdapter(delivery.WebhookOptions{}, hook.Client()))

	led := ledger.New(st, st, 100, time.UTC)
	deps := dispatch.Deps{Posts: st, Entries: st, Settings: st, Ledger: led, Registry: reg, Log: logx.Nop()}
	sweeper := dispatch.NewSweeper(deps, dispatch.Options{})

	srv := NewServer(Deps{
		Store:     st,
		Ledger:    led,
		Publisher: dispatch.NewPublisher(deps),
		Scheduler: dispatch.NewScheduler(deps, time.UTC),
		Sweeper:   dispatch.NewService(dispatch.ServiceConfig{}, sweeper, nil, logx.Nop()),
	}, logx.Nop())

	ts := httptest.NewServer(srv.Handler(cfg))
	t.Cleanup(ts.Close)
	return &apiHarness{t: t, url: ts.URL, token: cfg.Token, store: st, hooks: &hits, hook: hook.URL}
}

func (a *apiHarness) do(method, path string, body any, out any) int {
	a.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(a.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.url+path, rd)
	require.NoError(a.t, err)
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(a.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (a *apiHarness) createPost(owner, content string) model.Post {
	a.t.Helper()
	var p model.Post
	code := a.do(http.MethodPost, "/v1/posts", map[string]string{"owner": owner, "content": content, "title": "t"}, &p)
	require.Equal(a.t, http.StatusCreated, code)
	return p
}

func TestPostCRUD(t *testing.T) {
	a := newAPI(t, Config{})
	p := a.createPost("ana", "hello")
	assert.Equal(t, model.PostDraft, p.Status)

	var got model.Post
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/v1/posts/"+p.ID, nil, &got))
	assert.Equal(t, "hello", got.Content)

	require.Equal(t, http.StatusOK, a.do(http.MethodPut, "/v1/posts/"+p.ID+"/content", map[string]string{"content": "edited"}, &got))
	assert.Equal(t, "edited", got.Content)

	var list struct {
		Posts []model.Post `json:"posts"`
	}
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/v1/posts?owner=ana", nil, &list))
	assert.Len(t, list.Posts, 1)

	var e errorBody
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/v1/posts", nil, &e))
	assert.Equal(t, "invalid_argument", e.Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/v1/posts/nope", nil, &e))
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPost, "/v1/posts", map[string]string{"owner": "ana"}, &e))
}

func TestScheduleThenSweep(t *testing.T) {
	a := newAPI(t, Config{})
	p := a.createPost("ana", "to the hook")

	var entry model.Entry
	code := a.do(http.MethodPost, "/v1/posts/"+p.ID+"/schedule", map[string]any{
		"destination":   model.Destination{Kind: model.KindWebhook, Address: a.hook},
		"scheduled_for": time.Now().Add(-time.Minute).UTC(),
	}, &entry)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, model.EntryPending, entry.Status)
	assert.Equal(t, "to the hook", entry.Payload.Content)

	var e errorBody
	code = a.do(http.MethodPost, "/v1/posts/"+p.ID+"/schedule", map[string]any{
		"destination":   model.Destination{Kind: model.KindWebhook, Address: a.hook},
		"scheduled_for": time.Now().UTC(),
	}, &e)
	assert.Equal(t, http.StatusConflict, code)

	var rep struct {
		Processed int                `json:"processed"`
		Results   []dispatch.Outcome `json:"results"`
	}
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/sweep", nil, &rep))
	require.Equal(t, 1, rep.Processed)
	assert.Equal(t, model.EntrySent, rep.Results[0].Status)
	assert.Equal(t, "hook-1", rep.Results[0].ExternalID)
	assert.EqualValues(t, 1, a.hooks.Load())

	var got model.Post
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/v1/posts/"+p.ID, nil, &got))
	assert.Equal(t, model.PostPosted, got.Status)
	require.NotNil(t, got.PostedAt)

	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/v1/entries/"+entry.ID, nil, &entry))
	assert.Equal(t, model.EntrySent, entry.Status)

	var usage struct {
		Count     int `json:"count"`
		Limit     int `json:"limit"`
		Remaining int `json:"remaining"`
	}
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/v1/usage/ana", nil, &usage))
	assert.Equal(t, 1, usage.Count)
	assert.Equal(t, 99, usage.Remaining)
}

func TestUnscheduleAndStatusMove(t *testing.T) {
	a := newAPI(t, Config{})
	p := a.createPost("ana", "later")

	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/v1/posts/"+p.ID+"/schedule", map[string]any{
		"destination":   model.Destination{Kind: model.KindWebhook, Address: a.hook},
		"scheduled_for": time.Now().Add(time.Hour).UTC(),
	}, nil))

	var got model.Post
	require.Equal(t, http.StatusOK, a.do(http.MethodPatch, "/v1/posts/"+p.ID+"/status", map[string]string{"status": "backlog"}, &got))
	assert.Equal(t, model.PostBacklog, got.Status)

	entries, err := a.store.ListByPost(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.EntryFailed, entries[0].Status)
	assert.Equal(t, storage.ReasonCancelled, entries[0].Reason)

	var e errorBody
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPatch, "/v1/posts/"+p.ID+"/status", map[string]string{"status": "posted"}, &e))

	var out map[string]int
	require.Equal(t, http.StatusOK, a.do(http.MethodDelete, "/v1/posts/"+p.ID+"/schedule", nil, &out))
	assert.Equal(t, 0, out["cancelled"])
}

func TestPublishErrors(t *testing.T) {
	a := newAPI(t, Config{})
	p := a.createPost("ana", "now")

	var e errorBody
	code := a.do(http.MethodPost, "/v1/posts/"+p.ID+"/publish", map[string]any{
		"destination": model.Destination{Kind: model.KindRelay},
	}, &e)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "not_configured", e.Code)

	code = a.do(http.MethodPost, "/v1/posts/"+p.ID+"/publish", map[string]any{
		"destination": model.Destination{Kind: "carrier-pigeon"},
	}, &e)
	assert.Equal(t, http.StatusBadRequest, code)

	var res dispatch.Result
	code = a.do(http.MethodPost, "/v1/posts/"+p.ID+"/publish", map[string]any{
		"destination": model.Destination{Kind: model.KindWebhook, Address: a.hook},
	}, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.PostPosted, res.Status)

	code = a.do(http.MethodPost, "/v1/posts/"+p.ID+"/publish", map[string]any{
		"destination": model.Destination{Kind: model.KindWebhook, Address: a.hook},
	}, &e)
	assert.Equal(t, http.StatusConflict, code)
}

func TestSettingsMasked(t *testing.T) {
	a := newAPI(t, Config{})

	var e errorBody
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/v1/settings/ana", nil, &e))

	var s model.Settings
	require.Equal(t, http.StatusOK, a.do(http.MethodPut, "/v1/settings/ana", map[string]any{
		"relay_api_key": "sk-live-123456",
		"monthly_limit": 5,
	}, &s))
	assert.Equal(t, "****3456", s.RelayAPIKey)
	assert.Equal(t, 5, s.MonthlyLimit)

	require.Equal(t, http.StatusOK, a.do(http.MethodPut, "/v1/settings/ana", map[string]any{
		"webhook_url": "https://example.com/hook",
	}, &s))
	assert.Equal(t, "****3456", s.RelayAPIKey)
	assert.Equal(t, "https://example.com/hook", s.WebhookURL)

	stored, err := a.store.GetSettings(context.Background(), "ana")
	require.NoError(t, err)
	assert.Equal(t, "sk-live-123456", stored.RelayAPIKey)

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPut, "/v1/settings/ana", map[string]any{"monthly_limit": -1}, &e))
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPut, "/v1/settings/ana", map[string]any{"owner": "mallory"}, &e))
}

func TestUsageBadPeriod(t *testing.T) {
	a := newAPI(t, Config{})
	var e errorBody
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/v1/usage/ana?period=2024-13", nil, &e))

	var u usageResponse
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/v1/usage/ana?period=2024-02", nil, &u))
	assert.Equal(t, 100, u.Limit)
	assert.Equal(t, 100, u.Remaining)
}

func TestBearerToken(t *testing.T) {
	a := newAPI(t, Config{Token: "s3cret"})

	resp, err := http.Get(a.url + "/v1/posts?owner=ana")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(a.url + "/v1/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Posts []model.Post `json:"posts"`
	}
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/v1/posts?owner=ana", nil, &list))
	assert.Empty(t, list.Posts)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{model.InvalidArgument("x"), http.StatusBadRequest},
		{model.Transition("x"), http.StatusConflict},
		{model.NotConfigured("x"), http.StatusUnprocessableEntity},
		{model.ErrBudgetExceeded, http.StatusTooManyRequests},
		{&delivery.Error{Kind: model.KindRelay, StatusCode: 500}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		got, _ := statusFor(tc.err)
		assert.Equal(t, tc.want, got, "%v", tc.err)
	}
}
