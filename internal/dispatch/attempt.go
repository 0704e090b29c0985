package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postpipe/internal/delivery"
	"postpipe/internal/model"
)

type verdict int

const (
	verdictSent verdict = iota
	verdictFailed
	verdictDeferred
)

func (v verdict) String() string {
	switch v {
	case verdictSent:
		return "sent"
	case verdictFailed:
		return "failed"
	default:
		return "deferred"
	}
}

// stage is how far an attempt got. From stageCharged on, budget may have been
// consumed and the adapter may have been called, so the attempt must not be
// repeated.
type stage int

const (
	stagePrepare stage = iota
	stageCharged
)

func (st *stage) reach(v stage) {
	if st != nil {
		*st = v
	}
}

// attempt runs the delivery pipeline for one payload:
//
//  1. load the owner's settings and resolve the adapter target
//  2. check configuration (nothing is charged on failure)
//  3. consume one budget unit for the period of now
//  4. call the adapter
//
// verdictDeferred means nothing observable happened and the caller may try
// again later; err then carries the store failure. st, when set, tracks
// progress for a caller recovering from a panic.
func (d Deps) attempt(ctx context.Context, st *stage, owner string, dest model.Destination, p model.Payload, scheduledFor, now time.Time) (delivery.Receipt, verdict, error) {
	settings, err := d.Settings.GetSettings(ctx, owner)
	switch {
	case errors.Is(err, model.ErrNotFound):
		settings = model.Settings{Owner: owner}
	case err != nil:
		return delivery.Receipt{}, verdictDeferred, fmt.Errorf("load settings: %w", err)
	}

	target := delivery.ResolveTarget(dest, settings)
	target.ScheduledFor = scheduledFor
	if err := d.Registry.Validate(target); err != nil {
		if errors.Is(err, model.ErrNotConfigured) {
			return delivery.Receipt{}, verdictFailed, err
		}
		return delivery.Receipt{}, verdictFailed, model.NotConfigured("%v", err)
	}

	period := d.Ledger.Period(now)
	st.reach(stageCharged)
	ok, err := d.Ledger.CheckAndIncrementWithLimit(ctx, owner, period, d.Ledger.LimitFor(settings))
	if err != nil {
		return delivery.Receipt{}, verdictDeferred, err
	}
	if !ok {
		return delivery.Receipt{}, verdictFailed, model.ErrBudgetExceeded
	}

	rc, err := d.Registry.Send(ctx, p, target)
	if err != nil {
		return rc, verdictFailed, err
	}
	return rc, verdictSent, nil
}

// writeCtx detaches store writes that follow an adapter call from the tick
// deadline: an outcome that already happened must still be recorded.
func writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

// retryWrite retries fn a few times on non-sentinel store errors.
func retryWrite(ctx context.Context, fn func(context.Context) error) error {
	var err error
	delay := 50 * time.Millisecond
	for i := 0; i < 3; i++ {
		err = fn(ctx)
		if err == nil || errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrInvalidTransition) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
