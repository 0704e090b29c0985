package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postpipe/internal/task/engine"
	"postpipe/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means Local
}

// Enqueuer is the engine side of a trigger.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type scheduleDef struct {
	name    string
	spec    string
	timeout time.Duration
	opt     engine.TaskOptions
	job     func(ctx context.Context) error
	state   *engine.RunState
	entryID cron.EntryID
	spread  time.Duration
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Spread  time.Duration `json:"startup_spread,omitempty"`
	Next    time.Time     `json:"next,omitempty"`
	Prev    time.Time     `json:"prev,omitempty"`
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	eng    Enqueuer
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	defs   []*scheduleDef

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(cfg Config, eng Enqueuer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		eng: eng,
		// Both 5-field and 6-field (leading seconds) specs are accepted.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastWarn: map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config; a timezone change restarts cron with the same
// definitions.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && tzChanged {
		s.stopCronLocked()
		s.startCronLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.startCronLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) startCronLocked() {
	s.loc = s.location()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.addLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) stopCronLocked() {
	<-s.c.Stop().Done()
	s.c = nil
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// AddScheduleOpt registers (or replaces, by name) a schedule. Triggers share
// one RunState so OverlapSkipIfRunning sees previous runs.
func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("schedule name required")
	}
	if job == nil {
		return "", errors.New("schedule job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("schedule %q: %w", schedule, err)
	}

	d := &scheduleDef{name: name, spec: spec, timeout: timeout, opt: opt, job: job, state: &engine.RunState{}}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, d)
	if s.c != nil {
		if err := s.addLocked(d); err != nil {
			return name, err
		}
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout))
	return name, nil
}

// AddSchedule is AddScheduleOpt with overlap skipping.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return s.AddScheduleOpt(name, schedule, timeout, engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning}, job)
}

// Remove unregisters name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	kept := s.defs[:0]
	removed := false
	for _, d := range s.defs {
		if d.name != name {
			kept = append(kept, d)
			continue
		}
		removed = true
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
	}
	s.defs = kept
	return removed
}

func (s *Service) addLocked(d *scheduleDef) error {
	job := cron.FuncJob(func() { s.trigger(d) })
	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(every); err == nil && dur > 0 {
			sched, spread := intervalWithSpread(dur, time.Now().In(s.loc), d.name)
			d.spread = spread
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) trigger(d *scheduleDef) {
	if s.eng == nil {
		return
	}
	err := s.eng.Enqueue(engine.Task{Name: d.name, Timeout: d.timeout, Run: d.job, Opt: d.opt, State: d.state})
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("trigger skipped", logx.String("schedule", d.name))
		return
	}
	// Throttle repeated enqueue warnings per schedule.
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[d.name]
	if now.Sub(last) < 5*time.Second {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[d.name] = now
	s.warnMu.Unlock()
	s.log.Warn("trigger failed to enqueue", logx.String("schedule", d.name), logx.Err(err))
}

func (s *Service) Schedules() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout, Spread: d.spread}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out = append(out, it)
	}
	return out
}
