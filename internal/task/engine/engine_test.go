package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"postpipe/internal/eventbus"
	"postpipe/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) HistoryItem {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e.Data.(HistoryItem)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestRunsTask(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1})
	ch, unsub := bus.Subscribe(16, "task.")
	defer unsub()

	var ran atomic.Bool
	if err := s.Enqueue(Task{Name: "hello", Run: func(ctx context.Context) error { ran.Store(true); return nil }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	item := waitEvent(t, ch, "task.finished")
	if !ran.Load() || item.Name != "hello" || item.Attempts != 1 {
		t.Fatalf("unexpected result ran=%v item=%+v", ran.Load(), item)
	}
	if h := s.Snapshot().History; len(h) != 1 {
		t.Fatalf("history len = %d", len(h))
	}
}

func TestOverlapSkip(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 2})
	ch, unsub := bus.Subscribe(16, "task.")
	defer unsub()

	st := &RunState{}
	release := make(chan struct{})
	task := Task{Name: "sweep", State: st, Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(ctx context.Context) error {
		<-release
		return nil
	}}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue err = %v, want ErrOverlapSkip", err)
	}
	close(release)
	waitEvent(t, ch, "task.finished")

	if err := s.Enqueue(Task{Name: "sweep", State: st, Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue after finish: %v", err)
	}
	if got := s.Snapshot().Skipped; got != 1 {
		t.Fatalf("skipped = %d, want 1", got)
	}
}

func TestRetryAndNoRetry(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1})
	ch, unsub := bus.Subscribe(16, "task.finished", "task.failed")
	defer unsub()

	var n atomic.Int32
	_ = s.Enqueue(Task{Name: "flaky", Opt: TaskOptions{RetryMax: 3, RetryBase: time.Millisecond}, Run: func(context.Context) error {
		if n.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}})
	if item := waitEvent(t, ch, "task.finished"); item.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", item.Attempts)
	}

	_ = s.Enqueue(Task{Name: "permanent", Opt: TaskOptions{RetryMax: 3, RetryBase: time.Millisecond}, Run: func(context.Context) error {
		return NoRetry(errors.New("bad input"))
	}})
	if item := waitEvent(t, ch, "task.failed"); item.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", item.Attempts)
	}

	_ = s.Enqueue(Task{Name: "once", Opt: TaskOptions{RetryMax: -1}, Run: func(context.Context) error {
		return errors.New("no second chance")
	}})
	if item := waitEvent(t, ch, "task.failed"); item.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", item.Attempts)
	}
}

func TestTimeoutAndPanic(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1})
	ch, unsub := bus.Subscribe(16, "task.failed")
	defer unsub()

	_ = s.Enqueue(Task{Name: "slow", Timeout: 10 * time.Millisecond, Opt: TaskOptions{RetryMax: -1}, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	if item := waitEvent(t, ch, "task.failed"); item.Error != context.DeadlineExceeded.Error() {
		t.Fatalf("error = %q", item.Error)
	}

	_ = s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("kaboom") }})
	if item := waitEvent(t, ch, "task.failed"); item.Attempts != 1 {
		t.Fatalf("panic task attempts = %d", item.Attempts)
	}
}

func TestEnqueueRejections(t *testing.T) {
	off := New(Config{}, logx.Nop(), nil)
	if err := off.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}
	stopped := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := stopped.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped err = %v", err)
	}
	if err := stopped.Enqueue(Task{Name: "x"}); err == nil {
		t.Fatal("nil Run accepted")
	}
}

func TestQueueFull(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "blocker", Run: func(context.Context) error { close(started); <-block; return nil }})
	<-started
	_ = s.Enqueue(Task{Name: "queued", Run: func(context.Context) error { return nil }})
	if err := s.Enqueue(Task{Name: "overflow", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestBackoff(t *testing.T) {
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.0001}.withDefaults(Config{})
	rng := newTestRand()
	if d := backoff(opt, 3, errors.New("x"), rng); d < 390*time.Millisecond || d > 410*time.Millisecond {
		t.Fatalf("attempt 3 delay = %s", d)
	}
	if d := backoff(opt, 10, errors.New("x"), rng); d != time.Second {
		t.Fatalf("capped delay = %s", d)
	}
	if d := backoff(opt, 1, RetryAfter(errors.New("429"), 5*time.Second), rng); d != time.Second {
		t.Fatalf("hinted delay = %s, want cap", d)
	}
}
