package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postpipe/internal/delivery"
	"postpipe/internal/model"
	"postpipe/internal/task/engine"
)

var relayDest = model.Destination{Kind: model.KindRelay}

func TestPublishNow(t *testing.T) {
	h := newHarness(t)
	h.settings("ana", 0)
	p := h.post("ana", "right away")

	res, err := h.pub.PublishNow(h.ctx, p.ID, relayDest)
	require.NoError(t, err)
	assert.Equal(t, model.PostPosted, res.Status)
	assert.NotEmpty(t, res.ExternalID)

	got := h.getPost(p.ID)
	assert.Equal(t, model.PostPosted, got.Status)
	assert.Equal(t, res.ExternalID, got.ExternalID)
	require.NotNil(t, got.PostedAt)

	entries, err := h.store.ListByPost(h.ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = h.pub.PublishNow(h.ctx, p.ID, relayDest)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Len(t, h.relay.calls(), 1)
}

func TestPublishNowErrors(t *testing.T) {
	h := newHarness(t)

	_, err := h.pub.PublishNow(h.ctx, "missing", relayDest)
	assert.ErrorIs(t, err, model.ErrNotFound)

	p := h.post("ana", "x")
	_, err = h.pub.PublishNow(h.ctx, p.ID, model.Destination{Kind: "fax"})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	res, err := h.pub.PublishNow(h.ctx, p.ID, relayDest)
	assert.ErrorIs(t, err, model.ErrNotConfigured)
	assert.Equal(t, model.PostFailed, res.Status)
	assert.Equal(t, model.PostFailed, h.getPost(p.ID).Status)

	h.settings("ana", 1)
	_, err = h.pub.PublishNow(h.ctx, h.post("ana", "one").ID, relayDest)
	require.NoError(t, err)
	res, err = h.pub.PublishNow(h.ctx, h.post("ana", "two").ID, relayDest)
	assert.ErrorIs(t, err, model.ErrBudgetExceeded)
	assert.Equal(t, "usage limit exceeded", res.Reason)

	// The ledger row keeps the limit it was created with, so use another owner.
	h.settings("bo", 0)
	res, err = h.pub.PublishNow(h.ctx, h.post("bo", "fail hard").ID, relayDest)
	var de *delivery.Error
	assert.True(t, errors.As(err, &de))
	assert.Equal(t, model.PostFailed, res.Status)
}

func TestPublishNowStoreErrorChangesNothing(t *testing.T) {
	h := newHarness(t)
	h.settings("ana", 0)
	p := h.post("ana", "x")
	h.store.failUsage.Store(true)

	_, err := h.pub.PublishNow(h.ctx, p.ID, relayDest)
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, model.PostDraft, h.getPost(p.ID).Status)
	assert.Empty(t, h.relay.calls())
}

func TestPublishNowCancelsPendingEntry(t *testing.T) {
	h := newHarness(t)
	h.settings("ana", 0)
	p := h.post("ana", "x")
	e := h.schedule(p, testBase.Add(time.Hour))

	_, err := h.pub.PublishNow(h.ctx, p.ID, relayDest)
	require.NoError(t, err)

	got := h.getEntry(e.ID)
	assert.Equal(t, model.EntryFailed, got.Status)
	assert.Equal(t, "cancelled", got.Reason)

	rep := h.sweeper.RunSweepTick(h.ctx, tickAt)
	assert.Equal(t, 0, rep.Processed)
	assert.Len(t, h.relay.calls(), 1)
}

func TestScheduleRules(t *testing.T) {
	h := newHarness(t)
	p := h.post("ana", "x")
	at := time.Date(2026, 4, 2, 15, 30, 0, 0, time.UTC)

	e, err := h.sched.Schedule(h.ctx, p.ID, relayDest, at)
	require.NoError(t, err)
	assert.Equal(t, model.EntryPending, e.Status)
	assert.Equal(t, "x", e.Payload.Content)
	assert.True(t, e.ScheduledFor.Equal(at))

	got := h.getPost(p.ID)
	assert.Equal(t, model.PostScheduled, got.Status)
	assert.Equal(t, "2026-04-02", got.ScheduledDate)
	assert.Equal(t, "15:30", got.ScheduledTime)

	_, err = h.sched.Schedule(h.ctx, p.ID, relayDest, at)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = h.sched.Schedule(h.ctx, p.ID, relayDest, time.Time{})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = h.sched.Schedule(h.ctx, "nope", relayDest, at)
	assert.ErrorIs(t, err, model.ErrNotFound)

	n, err := h.sched.Unschedule(h.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.PostDraft, h.getPost(p.ID).Status)

	// Rescheduling after a cancel is allowed.
	_, err = h.sched.Schedule(h.ctx, p.ID, relayDest, at)
	require.NoError(t, err)
}

func TestScheduleRejectsPostedPost(t *testing.T) {
	h := newHarness(t)
	h.settings("ana", 0)
	p := h.post("ana", "x")
	_, err := h.pub.PublishNow(h.ctx, p.ID, relayDest)
	require.NoError(t, err)

	_, err = h.sched.Schedule(h.ctx, p.ID, relayDest, tickAt)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestScheduleLocalDisplayTime(t *testing.T) {
	h := newHarness(t)
	loc := time.FixedZone("UTC+7", 7*3600)
	h.sched = NewScheduler(h.sweeper.deps, loc)
	p := h.post("ana", "x")
	_, err := h.sched.Schedule(h.ctx, p.ID, relayDest, time.Date(2026, 4, 2, 20, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	got := h.getPost(p.ID)
	assert.Equal(t, "2026-04-03", got.ScheduledDate)
	assert.Equal(t, "03:00", got.ScheduledTime)
}

type fakeTaskScheduler struct {
	mu      sync.Mutex
	name    string
	spec    string
	timeout time.Duration
	opt     engine.TaskOptions
	job     func(ctx context.Context) error
	removed int
}

func (f *fakeTaskScheduler) AddScheduleOpt(name, schedule string, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name, f.spec, f.timeout, f.opt, f.job = name, schedule, timeout, opt, job
	return name, nil
}

func (f *fakeTaskScheduler) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed++
	return true
}

func TestServiceRegistersSweep(t *testing.T) {
	h := newHarness(t)
	ts := &fakeTaskScheduler{}
	svc := NewService(ServiceConfig{Enabled: true, Schedule: "30s", Options: Options{TickBudget: 10 * time.Second}}, h.sweeper, ts, h.sweeper.log)
	require.NoError(t, svc.Start(h.ctx))

	assert.Equal(t, SweepTaskName, ts.name)
	assert.Equal(t, "30s", ts.spec)
	assert.Equal(t, engine.OverlapSkipIfRunning, ts.opt.Overlap)
	assert.Equal(t, 15*time.Second, ts.timeout)
	require.NotNil(t, ts.job)
	assert.NoError(t, ts.job(h.ctx))

	h.store.failListDue.Store(true)
	err := ts.job(h.ctx)
	require.Error(t, err)
	assert.True(t, engine.IsNoRetry(err))

	require.NoError(t, svc.Apply(ServiceConfig{Enabled: false, Schedule: "30s"}))
	assert.Equal(t, 1, ts.removed)
}
