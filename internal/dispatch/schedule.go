package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"postpipe/internal/model"
	"postpipe/pkg/logx"
)

var zeroTime time.Time

// Scheduler records delivery intent for a post. A post has at most one
// pending entry at a time.
type Scheduler struct {
	deps Deps
	log  logx.Logger
	loc  *time.Location

	// mu serializes the pending-entry check with the enqueue.
	mu sync.Mutex
}

// NewScheduler returns a Scheduler; loc is used for the post's display date
// and time (nil means UTC).
func NewScheduler(deps Deps, loc *time.Location) *Scheduler {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{deps: deps, log: log, loc: loc}
}

// Schedule snapshots the post's content, enqueues an entry due at at and
// moves the post to scheduled.
func (s *Scheduler) Schedule(ctx context.Context, postID string, dest model.Destination, at time.Time) (model.Entry, error) {
	if err := dest.Validate(); err != nil {
		return model.Entry{}, err
	}
	if at.IsZero() {
		return model.Entry{}, model.InvalidArgument("scheduled time is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	post, err := s.deps.Posts.GetPost(ctx, postID)
	if err != nil {
		return model.Entry{}, err
	}
	if post.Status == model.PostPosted {
		return model.Entry{}, model.Transition("post %s is already posted", post.ID)
	}
	existing, err := s.deps.Entries.ListByPost(ctx, post.ID)
	if err != nil {
		return model.Entry{}, fmt.Errorf("list entries: %w", err)
	}
	for _, e := range existing {
		if e.Status == model.EntryPending {
			return model.Entry{}, model.Transition("post %s already has pending entry %s", post.ID, e.ID)
		}
	}

	id, err := s.deps.Entries.Enqueue(ctx, model.Entry{
		PostID:       post.ID,
		Owner:        post.Owner,
		Destination:  dest,
		Payload:      model.Payload{Content: post.Content, Topic: post.Title},
		ScheduledFor: at.UTC(),
		Status:       model.EntryPending,
	})
	if err != nil {
		return model.Entry{}, fmt.Errorf("enqueue: %w", err)
	}

	local := at.In(s.loc)
	if _, err := s.deps.Posts.UpdatePostStatus(ctx, post.ID, model.PostScheduled, model.StatusFields{
		ScheduledDate: local.Format("2006-01-02"),
		ScheduledTime: local.Format("15:04"),
	}); err != nil {
		if _, cErr := s.deps.Entries.CancelPending(ctx, post.ID); cErr != nil {
			s.log.Error("schedule rollback failed", logx.String("post", post.ID), logx.String("entry", id), logx.Err(cErr))
		}
		return model.Entry{}, fmt.Errorf("update post: %w", err)
	}

	s.log.Info("post scheduled",
		logx.String("post", post.ID),
		logx.String("entry", id),
		logx.String("kind", dest.Kind),
		logx.Time("at", at.UTC()),
	)
	return s.deps.Entries.GetEntry(ctx, id)
}

// Unschedule cancels the post's pending entries and returns a scheduled post
// to draft. It reports how many entries were cancelled.
func (s *Scheduler) Unschedule(ctx context.Context, postID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	post, err := s.deps.Posts.GetPost(ctx, postID)
	if err != nil {
		return 0, err
	}
	n, err := s.deps.Entries.CancelPending(ctx, post.ID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending: %w", err)
	}
	if post.Status == model.PostScheduled {
		if _, err := s.deps.Posts.UpdatePostStatus(ctx, post.ID, model.PostDraft, model.StatusFields{}); err != nil {
			return n, fmt.Errorf("update post: %w", err)
		}
	}
	if n > 0 {
		s.log.Info("post unscheduled", logx.String("post", post.ID), logx.Int("cancelled", n))
	}
	return n, nil
}
