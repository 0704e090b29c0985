package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postpipe/internal/task/engine"
	"postpipe/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in    string
		kind  SpecKind
		cron  string
		every time.Duration
		err   bool
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "@every 1m", kind: SpecCron, cron: "@every 1m"},
		{in: "cron: 0 9 * * 1", kind: SpecCron, cron: "0 9 * * 1"},
		{in: "55m", kind: SpecInterval, every: 55 * time.Minute},
		{in: "02:30", kind: SpecInterval, every: 150 * time.Minute},
		{in: "every:00:50", kind: SpecInterval, every: 50 * time.Minute},
		{in: "interval: 90s", kind: SpecInterval, every: 90 * time.Second},
		{in: "", err: true},
		{in: "00:00", err: true},
		{in: "-5m", err: true},
		{in: "soon", err: true},
		{in: "cron:", err: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseSchedule(tc.in)
			if tc.err {
				if err == nil {
					t.Fatalf("ParseSchedule(%q) = %+v, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
			}
			if got.Kind != tc.kind || got.Cron != tc.cron || got.Every != tc.every {
				t.Fatalf("ParseSchedule(%q) = %+v", tc.in, got)
			}
		})
	}
}

func TestIntervalSpreadDelaysFirstRunOnly(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := intervalWithSpread(time.Minute, now, "dispatch.sweep")
	if jitter < 0 || jitter >= 30*time.Second {
		t.Fatalf("jitter %s out of range", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + jitter); !first.Equal(want) {
		t.Fatalf("first = %s, want %s", first, want)
	}
	if second := sched.Next(first); second.Sub(first) != time.Minute {
		t.Fatalf("second run %s after first", second.Sub(first))
	}
}

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (r *recordingEnqueuer) Enqueue(t engine.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
	return r.err
}

func TestAddScheduleAndRemove(t *testing.T) {
	rec := &recordingEnqueuer{}
	s := New(Config{Enabled: true, Timezone: "UTC"}, rec, logx.Nop())
	job := func(context.Context) error { return nil }

	if _, err := s.AddSchedule("a", "nonsense schedule here", time.Second, job); err == nil {
		t.Fatal("invalid cron accepted")
	}
	if _, err := s.AddSchedule("", "1m", time.Second, job); err == nil {
		t.Fatal("empty name accepted")
	}
	if _, err := s.AddSchedule("sweep", "1m", time.Second, job); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	// Re-adding replaces.
	if _, err := s.AddSchedule("sweep", "*/2 * * * *", time.Second, job); err != nil {
		t.Fatalf("AddSchedule replace: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	infos := s.Schedules()
	if len(infos) != 1 || infos[0].Spec != "*/2 * * * *" || infos[0].Next.IsZero() {
		t.Fatalf("schedules = %+v", infos)
	}
	if !s.Remove("sweep") || s.Remove("sweep") {
		t.Fatal("Remove should report existence once")
	}
}

func TestTriggerEnqueuesWithSharedState(t *testing.T) {
	rec := &recordingEnqueuer{err: engine.ErrOverlapSkip}
	s := New(Config{Enabled: true}, rec, logx.Nop())
	opt := engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning}
	if _, err := s.AddScheduleOpt("sweep", "1m", 5*time.Second, opt, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	d := s.defs[0]
	s.trigger(d)
	s.trigger(d)

	if len(rec.tasks) != 2 {
		t.Fatalf("enqueued %d tasks", len(rec.tasks))
	}
	if rec.tasks[0].State != rec.tasks[1].State || rec.tasks[0].State == nil {
		t.Fatal("triggers must share one RunState")
	}
	if rec.tasks[0].Timeout != 5*time.Second || rec.tasks[0].Name != "sweep" {
		t.Fatalf("unexpected task %+v", rec.tasks[0])
	}
	rec.err = errors.New("queue full")
	s.trigger(d)
}
