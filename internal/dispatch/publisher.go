package dispatch

import (
	"context"
	"errors"
	"fmt"

	"postpipe/internal/eventbus"
	"postpipe/internal/model"
	"postpipe/pkg/logx"
)

// Publisher sends a post right away, without a dispatch entry.
type Publisher struct {
	deps Deps
	log  logx.Logger
}

func NewPublisher(deps Deps) *Publisher {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{deps: deps, log: log}
}

// PublishNow runs the attempt pipeline synchronously and moves the post to
// posted or failed. A pending entry for the post is cancelled first so the
// sweeper cannot deliver it a second time.
//
// Returned errors wrap model.ErrNotFound, model.ErrInvalidTransition,
// model.ErrInvalidArgument, model.ErrNotConfigured, model.ErrBudgetExceeded,
// a *delivery.Error or a store error. On a delivery failure the Result is
// still filled in.
func (p *Publisher) PublishNow(ctx context.Context, postID string, dest model.Destination) (Result, error) {
	ctx, span := tracer.Start(ctx, "dispatch.publish_now")
	defer span.End()

	if err := dest.Validate(); err != nil {
		return Result{}, err
	}
	post, err := p.deps.Posts.GetPost(ctx, postID)
	if err != nil {
		return Result{}, err
	}
	if post.Status == model.PostPosted {
		return Result{}, model.Transition("post %s is already posted", post.ID)
	}
	log := p.log.With(logx.String("post", post.ID), logx.String("owner", post.Owner), logx.String("kind", dest.Kind))

	if post.Status == model.PostScheduled {
		n, err := p.deps.Entries.CancelPending(ctx, post.ID)
		if err != nil {
			return Result{}, fmt.Errorf("cancel pending entries: %w", err)
		}
		if n > 0 {
			log.Info("pending entries cancelled for immediate publish", logx.Int("count", n))
		}
	}

	now := p.deps.now()
	payload := model.Payload{Content: post.Content, Topic: post.Title}
	rc, v, err := p.deps.attempt(ctx, nil, post.Owner, dest, payload, zeroTime, now)
	if v == verdictDeferred {
		return Result{}, err
	}

	wctx, cancel := writeCtx(ctx)
	defer cancel()

	res := Result{PostID: post.ID}
	if v == verdictFailed {
		res.Status = model.PostFailed
		res.Reason = err.Error()
		if _, uErr := p.deps.Posts.UpdatePostStatus(wctx, post.ID, model.PostFailed, model.StatusFields{Reason: res.Reason}); uErr != nil {
			err = errors.Join(err, fmt.Errorf("update post: %w", uErr))
		}
		log.Warn("publish failed", logx.String("reason", res.Reason))
		p.announce(EventFailed, post, res)
		return res, err
	}

	res.Status = model.PostPosted
	res.ExternalID = rc.ExternalID
	res.Warning = rc.Warning
	if _, err := p.deps.Posts.UpdatePostStatus(wctx, post.ID, model.PostPosted, model.StatusFields{PostedAt: now, ExternalID: rc.ExternalID}); err != nil {
		log.Error("published but post not updated", logx.String("external_id", rc.ExternalID), logx.Err(err))
		return res, fmt.Errorf("update post: %w", err)
	}
	log.Info("published", logx.String("external_id", rc.ExternalID))
	p.announce(EventSent, post, res)
	return res, nil
}

func (p *Publisher) announce(typ string, post model.Post, res Result) {
	if p.deps.Bus == nil {
		return
	}
	st := model.EntrySent
	if res.Status == model.PostFailed {
		st = model.EntryFailed
	}
	p.deps.Bus.Publish(eventbus.Event{Type: typ, Data: Outcome{
		PostID:     post.ID,
		Owner:      post.Owner,
		Status:     st,
		ExternalID: res.ExternalID,
		Reason:     res.Reason,
		Warning:    res.Warning,
	}})
}
