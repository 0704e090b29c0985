package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"postpipe/internal/delivery"
	"postpipe/internal/eventbus"
	"postpipe/internal/model"
	"postpipe/pkg/logx"
)

var tracer = otel.Tracer("postpipe/dispatch")

// Sweeper delivers due entries. One tick processes at most BatchSize entries;
// each entry is attempted at most once and never retried automatically.
type Sweeper struct {
	deps Deps
	log  logx.Logger

	mu   sync.Mutex
	opts Options
	// sent holds receipts of deliveries whose MarkSent could not be written.
	sent map[string]delivery.Receipt

	// tick serializes RunSweepTick: an on-demand sweep waits for a running one.
	tick sync.Mutex
}

func NewSweeper(deps Deps, opts Options) *Sweeper {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{deps: deps, log: log, opts: opts.withDefaults()}
}

// Apply replaces the tick options; it takes effect on the next tick.
func (s *Sweeper) Apply(opts Options) {
	s.mu.Lock()
	s.opts = opts.withDefaults()
	s.mu.Unlock()
}

func (s *Sweeper) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// RunSweepTick reconciles outstanding post updates, then processes the due
// entries in ScheduledFor order. Entries left when the budget runs out, or
// whose processing hit a store error, stay pending for the next tick.
func (s *Sweeper) RunSweepTick(ctx context.Context, now time.Time) SweepReport {
	s.tick.Lock()
	defer s.tick.Unlock()

	opts := s.Options()
	rep := SweepReport{Started: s.deps.now()}

	ctx, cancel := context.WithTimeout(ctx, opts.TickBudget)
	defer cancel()
	ctx, span := tracer.Start(ctx, "dispatch.tick")
	defer span.End()

	rep.Reconciled = s.reconcile(ctx, opts.ReconcileBatch)

	due, err := s.deps.Entries.ListDue(ctx, now, opts.BatchSize)
	if err != nil {
		rep.Err = fmt.Errorf("list due: %w", err)
		span.RecordError(rep.Err)
		span.SetStatus(codes.Error, "list due")
		s.log.Warn("sweep tick aborted", logx.Err(rep.Err))
		return s.finish(rep)
	}

	for i, e := range due {
		if ctx.Err() != nil {
			rep.Remaining = len(due) - i
			s.log.Warn("sweep tick budget exhausted", logx.Int("remaining", rep.Remaining), logx.Duration("budget", opts.TickBudget))
			break
		}
		out := s.processEntry(ctx, e, now)
		rep.Processed++
		switch out.Status {
		case model.EntrySent:
			rep.Sent++
		case model.EntryFailed:
			rep.Failed++
		default:
			rep.Deferred++
		}
		rep.Outcomes = append(rep.Outcomes, out)
		s.publish(out)
	}

	span.SetAttributes(
		attribute.Int("dispatch.processed", rep.Processed),
		attribute.Int("dispatch.sent", rep.Sent),
		attribute.Int("dispatch.failed", rep.Failed),
		attribute.Int("dispatch.deferred", rep.Deferred),
	)
	return s.finish(rep)
}

func (s *Sweeper) finish(rep SweepReport) SweepReport {
	rep.Finished = s.deps.now()
	if rep.Processed > 0 || rep.Reconciled > 0 || rep.Err != nil {
		s.log.Info("sweep tick",
			logx.Int("processed", rep.Processed),
			logx.Int("sent", rep.Sent),
			logx.Int("failed", rep.Failed),
			logx.Int("deferred", rep.Deferred),
			logx.Int("reconciled", rep.Reconciled),
			logx.Duration("took", rep.Finished.Sub(rep.Started)),
		)
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: EventTick, Time: rep.Finished, Data: rep})
	}
	return rep
}

func (s *Sweeper) publish(out Outcome) {
	if s.deps.Bus == nil {
		return
	}
	typ := EventDeferred
	switch out.Status {
	case model.EntrySent:
		typ = EventSent
	case model.EntryFailed:
		typ = EventFailed
	}
	s.deps.Bus.Publish(eventbus.Event{Type: typ, Data: out})
}

// processEntry never panics. A panic before the budget charge leaves the
// entry pending; from the charge on the entry is failed, since the adapter
// may already have been called.
func (s *Sweeper) processEntry(ctx context.Context, e model.Entry, now time.Time) (out Outcome) {
	out = Outcome{EntryID: e.ID, PostID: e.PostID, Owner: e.Owner, Status: model.EntryPending}
	log := s.log.With(logx.String("entry", e.ID), logx.String("owner", e.Owner), logx.String("kind", e.Destination.Kind))

	ctx, span := tracer.Start(ctx, "dispatch.entry")
	defer span.End()
	span.SetAttributes(attribute.String("dispatch.entry_id", e.ID), attribute.String("dispatch.kind", e.Destination.Kind))

	var st stage
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.Error("dispatch entry panic", logx.Any("panic", r), logx.Bool("charged", st >= stageCharged), logx.String("stack", string(debug.Stack())))
		err := fmt.Errorf("panic during delivery: %v", r)
		if st < stageCharged {
			out = Outcome{EntryID: e.ID, PostID: e.PostID, Owner: e.Owner, Status: model.EntryPending, Err: err, Reason: err.Error()}
			return
		}
		out = Outcome{EntryID: e.ID, PostID: e.PostID, Owner: e.Owner}
		s.fail(ctx, e, err, &out, log, span)
	}()

	if rc, ok := s.unmarked(e.ID); ok {
		// delivered on an earlier tick; only the record is missing
		return s.recordSent(ctx, e, rc, now, out, log)
	}

	rc, v, err := s.deps.attempt(ctx, &st, e.Owner, e.Destination, e.Payload, e.ScheduledFor, now)
	switch v {
	case verdictDeferred:
		out.Err = err
		out.Reason = err.Error()
		span.RecordError(err)
		log.Warn("dispatch deferred", logx.Err(err))
		return out
	case verdictSent:
		return s.recordSent(ctx, e, rc, now, out, log)
	}
	s.fail(ctx, e, err, &out, log, span)
	return out
}

// recordSent marks a delivered entry sent. When the mark cannot be written
// the receipt is kept in memory so later ticks retry the mark instead of
// delivering again.
func (s *Sweeper) recordSent(ctx context.Context, e model.Entry, rc delivery.Receipt, now time.Time, out Outcome, log logx.Logger) Outcome {
	wctx, cancel := writeCtx(ctx)
	defer cancel()

	out.ExternalID = rc.ExternalID
	out.Warning = rc.Warning
	err := retryWrite(wctx, func(c context.Context) error { return s.deps.Entries.MarkSent(c, e.ID, rc.ExternalID) })
	if err != nil && !errors.Is(err, model.ErrInvalidTransition) {
		s.keepUnmarked(e.ID, rc)
		out.Status = model.EntryPending
		out.Err = fmt.Errorf("mark sent: %w", err)
		out.Reason = out.Err.Error()
		log.Error("delivered but entry not marked; will retry the mark", logx.String("external_id", rc.ExternalID), logx.Err(err))
		return out
	}
	s.dropUnmarked(e.ID)
	out.Status = model.EntrySent
	if err != nil {
		// resolved elsewhere in the meantime
		out.Err = fmt.Errorf("mark sent: %w", err)
		log.Error("delivered but entry already final", logx.String("external_id", rc.ExternalID), logx.Err(err))
		return out
	}
	if rc.Warning != "" {
		log.Warn("dispatch sent with warning", logx.String("warning", rc.Warning))
	} else {
		log.Info("dispatch sent", logx.String("external_id", rc.ExternalID))
	}
	s.syncPost(wctx, e, model.PostPosted, model.StatusFields{PostedAt: now, ExternalID: rc.ExternalID}, &out, log)
	return out
}

func (s *Sweeper) fail(ctx context.Context, e model.Entry, err error, out *Outcome, log logx.Logger, span trace.Span) {
	wctx, cancel := writeCtx(ctx)
	defer cancel()

	out.Status = model.EntryFailed
	out.Reason = err.Error()
	out.Err = err
	span.RecordError(err)
	span.SetStatus(codes.Error, "dispatch failed")
	if mErr := retryWrite(wctx, func(c context.Context) error { return s.deps.Entries.MarkFailed(c, e.ID, out.Reason) }); mErr != nil {
		out.Err = errors.Join(err, fmt.Errorf("mark failed: %w", mErr))
		log.Error("dispatch failed and entry not marked", logx.String("reason", out.Reason), logx.Err(mErr))
		return
	}
	log.Warn("dispatch failed", logx.String("reason", out.Reason))
	s.syncPost(wctx, e, model.PostFailed, model.StatusFields{Reason: out.Reason}, out, log)
}

func (s *Sweeper) unmarked(id string) (delivery.Receipt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.sent[id]
	return rc, ok
}

func (s *Sweeper) keepUnmarked(id string, rc delivery.Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = map[string]delivery.Receipt{}
	}
	s.sent[id] = rc
}

func (s *Sweeper) dropUnmarked(id string) {
	s.mu.Lock()
	delete(s.sent, id)
	s.mu.Unlock()
}

// syncPost moves the entry's post to status and records that it did. A store
// error leaves the entry unsynced for the next reconcile pass.
func (s *Sweeper) syncPost(ctx context.Context, e model.Entry, status model.PostStatus, f model.StatusFields, out *Outcome, log logx.Logger) {
	if e.PostID != "" {
		_, err := s.deps.Posts.UpdatePostStatus(ctx, e.PostID, status, f)
		switch {
		case errors.Is(err, model.ErrNotFound):
			out.PostMissing = true
			log.Warn("post missing for dispatched entry", logx.String("post", e.PostID))
		case errors.Is(err, model.ErrInvalidTransition):
			log.Warn("post already final, left as is", logx.String("post", e.PostID), logx.Err(err))
		case err != nil:
			log.Warn("post update failed; will reconcile", logx.String("post", e.PostID), logx.Err(err))
			if out.Err == nil {
				out.Err = fmt.Errorf("update post: %w", err)
			}
			return
		}
	}
	if err := s.deps.Entries.MarkPostSynced(ctx, e.ID); err != nil {
		log.Warn("mark post synced failed", logx.Err(err))
	}
}

// reconcile re-applies the post update for terminal entries whose post write
// was lost. A post touched after the entry resolved has moved on (for
// example it was rescheduled) and is left alone.
func (s *Sweeper) reconcile(ctx context.Context, limit int) int {
	entries, err := s.deps.Entries.ListUnsynced(ctx, limit)
	if err != nil {
		s.log.Warn("reconcile list failed", logx.Err(err))
		return 0
	}
	n := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		log := s.log.With(logx.String("entry", e.ID), logx.String("post", e.PostID))
		if e.PostID != "" && !s.postMovedOn(ctx, e) {
			status, f := postStatusFor(e)
			_, err := s.deps.Posts.UpdatePostStatus(ctx, e.PostID, status, f)
			if err != nil && !errors.Is(err, model.ErrNotFound) && !errors.Is(err, model.ErrInvalidTransition) {
				log.Warn("reconcile post update failed", logx.Err(err))
				continue
			}
		}
		if err := s.deps.Entries.MarkPostSynced(ctx, e.ID); err != nil {
			log.Warn("reconcile mark synced failed", logx.Err(err))
			continue
		}
		log.Info("post reconciled", logx.String("status", string(e.Status)))
		n++
	}
	return n
}

func (s *Sweeper) postMovedOn(ctx context.Context, e model.Entry) bool {
	if e.ProcessedAt == nil {
		return false
	}
	p, err := s.deps.Posts.GetPost(ctx, e.PostID)
	if err != nil {
		return false
	}
	return p.UpdatedAt.After(*e.ProcessedAt)
}

func postStatusFor(e model.Entry) (model.PostStatus, model.StatusFields) {
	if e.Status == model.EntrySent {
		f := model.StatusFields{ExternalID: e.ExternalID}
		if e.ProcessedAt != nil {
			f.PostedAt = *e.ProcessedAt
		}
		return model.PostPosted, f
	}
	return model.PostFailed, model.StatusFields{Reason: e.Reason}
}
