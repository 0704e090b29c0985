package engine

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"postpipe/pkg/logx"
)

func (s *Service) worker(ctx context.Context, q <-chan queuedTask) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case qt := <-q:
			s.inFlight.Add(1)
			s.exec(ctx, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) exec(ctx context.Context, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: start.Sub(qt.enqueuedAt)}

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && item.QueueDelay > maxDelay {
		s.releaseGate(qt)
		s.droppedStale.Add(1)
		item.Error = "stale"
		s.record(item)
		s.publish("task.dropped", item)
		s.log.Warn("task dropped: stale", logx.String("task", item.Name), logx.Duration("queue_delay", item.QueueDelay))
		return
	}

	s.publish("task.started", item)
	var err error
	for attempt := 1; ; attempt++ {
		item.Attempts = attempt
		err = s.runOnce(ctx, qt)
		if err == nil || IsNoRetry(err) || attempt > qt.opt.RetryMax || ctx.Err() != nil {
			break
		}
		delay := backoff(qt.opt, attempt, err, rng)
		s.log.Debug("task retry", logx.String("task", item.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	item.Duration = time.Since(start)
	// Release before announcing so a listener can trigger the next run.
	s.releaseGate(qt)
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task failed", logx.String("task", item.Name), logx.Int("attempts", item.Attempts), logx.Duration("dur", item.Duration), logx.Err(err))
		s.publish("task.failed", item)
	} else {
		s.log.Debug("task finished", logx.String("task", item.Name), logx.Duration("dur", item.Duration))
		s.publish("task.finished", item)
	}
	s.record(item)
}

// runOnce runs the task under its timeout, turning a panic into an error.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = NoRetry(fmt.Errorf("panic: %v", r))
		}
	}()
	return qt.task.Run(ctx)
}

// backoff is exponential from RetryBase, or the RetryAfter hint, with jitter
// and capped at RetryMaxDelay.
func backoff(opt TaskOptions, attempt int, err error, rng *rand.Rand) time.Duration {
	d, hinted := retryHint(err)
	if !hinted {
		d = opt.RetryBase
		for i := 1; i < attempt && d < opt.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	if opt.RetryJitter > 0 && d > 0 {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*opt.RetryJitter))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}

func (s *Service) releaseGate(qt queuedTask) {
	if qt.gated {
		qt.task.State.release()
	}
}
