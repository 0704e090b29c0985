package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"postpipe/internal/task/engine"
	"postpipe/pkg/logx"
)

// SweepTaskName is the schedule name of the periodic sweep.
const SweepTaskName = "dispatch.sweep"

// TaskScheduler is the part of the task scheduler the dispatch service uses.
type TaskScheduler interface {
	AddScheduleOpt(name, schedule string, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) (string, error)
	Remove(name string) bool
}

// ServiceConfig is the live-reloadable part of the dispatch configuration.
type ServiceConfig struct {
	Enabled  bool
	Schedule string
	Options  Options
}

// Service owns the periodic sweep registration.
type Service struct {
	mu      sync.Mutex
	cfg     ServiceConfig
	sweeper *Sweeper
	sched   TaskScheduler
	log     logx.Logger
	now     func() time.Time

	registered string
}

func NewService(cfg ServiceConfig, sweeper *Sweeper, sched TaskScheduler, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = "@every 1m"
	}
	return &Service{cfg: cfg, sweeper: sweeper, sched: sched, log: log, now: time.Now}
}

func (s *Service) Sweeper() *Sweeper { return s.sweeper }

// Start registers the sweep schedule when enabled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeper.Apply(s.cfg.Options)
	return s.registerLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registered != "" && s.sched != nil {
		s.sched.Remove(SweepTaskName)
	}
	s.registered = ""
}

// Apply updates tick options immediately and re-registers the schedule when
// it changed.
func (s *Service) Apply(cfg ServiceConfig) error {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = "@every 1m"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	s.sweeper.Apply(cfg.Options)
	if prev.Enabled == cfg.Enabled && prev.Schedule == cfg.Schedule && prev.Options.TickBudget == cfg.Options.TickBudget {
		return nil
	}
	return s.registerLocked()
}

func (s *Service) registerLocked() error {
	if s.sched == nil {
		return nil
	}
	if !s.cfg.Enabled {
		if s.registered != "" {
			s.sched.Remove(SweepTaskName)
			s.registered = ""
			s.log.Info("dispatch sweep disabled")
		}
		return nil
	}
	budget := s.sweeper.Options().TickBudget
	// A tick is never retried by the engine: the next tick is the retry.
	_, err := s.sched.AddScheduleOpt(SweepTaskName, s.cfg.Schedule, budget+5*time.Second,
		engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1},
		s.runTick,
	)
	if err != nil {
		return err
	}
	s.registered = s.cfg.Schedule
	s.log.Info("dispatch sweep registered", logx.String("schedule", s.cfg.Schedule), logx.Duration("budget", budget))
	return nil
}

func (s *Service) runTick(ctx context.Context) error {
	rep := s.sweeper.RunSweepTick(ctx, s.now())
	if rep.Err != nil {
		return engine.NoRetry(rep.Err)
	}
	return nil
}

// SweepNow runs a tick outside the schedule (external trigger).
func (s *Service) SweepNow(ctx context.Context) SweepReport {
	return s.sweeper.RunSweepTick(ctx, s.now())
}
