package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"postpipe/internal/delivery"
	"postpipe/internal/eventbus"
	"postpipe/internal/ledger"
	"postpipe/internal/model"
	"postpipe/internal/storage"
	"postpipe/pkg/logx"
)

var testBase = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

// faultyStore injects store errors into selected operations.
type faultyStore struct {
	storage.Store

	failListDue    atomic.Bool
	failSettings   atomic.Bool
	failUsage      atomic.Bool
	failPostUpdate atomic.Int32 // number of UpdatePostStatus calls to fail
	failMarkSent   atomic.Int32 // number of MarkSent calls to fail
	panicSettings  atomic.Bool
}

var errInjected = errors.New("injected store failure")

func (f *faultyStore) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Entry, error) {
	if f.failListDue.Load() {
		return nil, errInjected
	}
	return f.Store.ListDue(ctx, now, limit)
}

func (f *faultyStore) GetSettings(ctx context.Context, owner string) (model.Settings, error) {
	if f.panicSettings.Load() {
		panic("settings exploded")
	}
	if f.failSettings.Load() {
		return model.Settings{}, errInjected
	}
	return f.Store.GetSettings(ctx, owner)
}

func (f *faultyStore) CheckAndIncrement(ctx context.Context, owner, period string, limit int) (bool, error) {
	if f.failUsage.Load() {
		return false, errInjected
	}
	return f.Store.CheckAndIncrement(ctx, owner, period, limit)
}

func (f *faultyStore) MarkSent(ctx context.Context, id, externalID string) error {
	if f.failMarkSent.Load() > 0 {
		f.failMarkSent.Add(-1)
		return errInjected
	}
	return f.Store.MarkSent(ctx, id, externalID)
}

func (f *faultyStore) UpdatePostStatus(ctx context.Context, id string, status model.PostStatus, fl model.StatusFields) (model.Post, error) {
	if f.failPostUpdate.Load() > 0 {
		f.failPostUpdate.Add(-1)
		return model.Post{}, errInjected
	}
	return f.Store.UpdatePostStatus(ctx, id, status, fl)
}

// fakeAdapter records payloads. Content starting with "fail" is rejected,
// content "panic" panics.
type fakeAdapter struct {
	kind  string
	delay time.Duration

	mu  sync.Mutex
	got []model.Payload
	seq int
}

func (a *fakeAdapter) Kind() string { return a.kind }

func (a *fakeAdapter) Validate(t delivery.Target) error {
	if t.Credential == "" {
		return model.NotConfigured("%s credential is not set", a.kind)
	}
	return nil
}

func (a *fakeAdapter) Send(ctx context.Context, p model.Payload, t delivery.Target) (delivery.Receipt, error) {
	a.mu.Lock()
	a.got = append(a.got, p)
	a.seq++
	id := fmt.Sprintf("ext-%d", a.seq)
	a.mu.Unlock()

	if p.Content == "panic" {
		panic("adapter exploded")
	}
	if a.delay > 0 {
		select {
		case <-ctx.Done():
			return delivery.Receipt{}, ctx.Err()
		case <-time.After(a.delay):
		}
	}
	if strings.HasPrefix(p.Content, "fail") {
		return delivery.Receipt{}, &delivery.Error{Kind: a.kind, StatusCode: 502, Err: errors.New("relay api error: 502 bad gateway")}
	}
	return delivery.Receipt{ExternalID: id}, nil
}

func (a *fakeAdapter) calls() []model.Payload {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.Payload(nil), a.got...)
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	store   *faultyStore
	clock   *stepClock
	reg     *delivery.Registry
	relay   *fakeAdapter
	ledger  *ledger.Ledger
	bus     eventbus.Bus
	sweeper *Sweeper
	pub     *Publisher
	sched   *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &stepClock{t: testBase}
	st, err := storage.Open(storage.Config{Driver: "memory", Now: clock.Now}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fs := &faultyStore{Store: st}
	reg := delivery.NewRegistry(logx.Nop())
	relay := &fakeAdapter{kind: model.KindRelay}
	reg.Register(relay)
	reg.Register(delivery.NewWebhookAdapter(delivery.WebhookOptions{}, nil))

	led := ledger.New(fs, fs, 100, time.UTC)
	bus := eventbus.New()
	deps := Deps{
		Posts:    fs,
		Entries:  fs,
		Settings: fs,
		Ledger:   led,
		Registry: reg,
		Bus:      bus,
		Log:      logx.Nop(),
		Now:      clock.Now,
	}
	return &harness{
		t:       t,
		ctx:     context.Background(),
		store:   fs,
		clock:   clock,
		reg:     reg,
		relay:   relay,
		ledger:  led,
		bus:     bus,
		sweeper: NewSweeper(deps, Options{}),
		pub:     NewPublisher(deps),
		sched:   NewScheduler(deps, time.UTC),
	}
}

func (h *harness) settings(owner string, limit int) {
	h.t.Helper()
	_, err := h.store.PutSettings(h.ctx, model.Settings{Owner: owner, RelayAPIKey: "key-" + owner, MonthlyLimit: limit})
	require.NoError(h.t, err)
}

func (h *harness) post(owner, content string) model.Post {
	h.t.Helper()
	p, err := h.store.CreatePost(h.ctx, model.Post{Owner: owner, Content: content, Title: "topic", Status: model.PostDraft})
	require.NoError(h.t, err)
	return p
}

func (h *harness) schedule(p model.Post, at time.Time) model.Entry {
	h.t.Helper()
	e, err := h.sched.Schedule(h.ctx, p.ID, model.Destination{Kind: model.KindRelay}, at)
	require.NoError(h.t, err)
	return e
}

func (h *harness) getPost(id string) model.Post {
	h.t.Helper()
	p, err := h.store.GetPost(h.ctx, id)
	require.NoError(h.t, err)
	return p
}

func (h *harness) getEntry(id string) model.Entry {
	h.t.Helper()
	e, err := h.store.GetEntry(h.ctx, id)
	require.NoError(h.t, err)
	return e
}

// tickAt is a sweep time safely after every scheduled entry in the tests.
var tickAt = testBase.Add(24 * time.Hour)
