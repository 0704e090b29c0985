package app

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"postpipe/internal/config"
	"postpipe/internal/delivery"
	"postpipe/internal/dispatch"
	"postpipe/internal/eventbus"
	"postpipe/internal/httpapi"
	"postpipe/internal/ledger"
	"postpipe/internal/model"
	"postpipe/internal/notifier"
	rtsup "postpipe/internal/runtime/supervisor"
	"postpipe/internal/storage"
	"postpipe/internal/task/engine"
	"postpipe/internal/task/scheduler"
	"postpipe/internal/telemetry"
	"postpipe/pkg/logx"
	"postpipe/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	registry *delivery.Registry
	relay    *delivery.RelayAdapter
	webhook  *delivery.WebhookAdapter
	telegram *delivery.TelegramAdapter

	ledger   *ledger.Ledger
	engine   *engine.Service
	sched    *scheduler.Service
	dispatch *dispatch.Service
	notif    *notifier.Service
	api      *httpapi.Server

	amqp         notifier.AMQPOptions
	otelShutdown func(context.Context) error
}

// NewApp loads and validates the config at cfgPath and builds every
// component. Nothing runs until Start.
func NewApp(cfgPath string, env config.EnvOverrides) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetEnv(env)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	a := &App{
		cfgm: cfgm,
		root: root,
		log:  root.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
	}
	if err := a.build(cfg); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) comp(name string) logx.Logger {
	return a.root.With(logx.String("comp", name))
}

func (a *App) build(cfg *config.Config) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, a.comp("storage")); err != nil {
		return err
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))
	if sc.Driver == "memory" {
		a.log.Warn("storage.driver=memory: posts and dispatch entries are lost on restart")
	}

	ds, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	dl, err := mapDeliveryConfig(cfg)
	if err != nil {
		return err
	}
	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	schCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	ns, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}

	a.registry = delivery.NewRegistry(a.comp("delivery"))
	a.relay = delivery.NewRelayAdapter(dl.relay, nil)
	a.webhook = delivery.NewWebhookAdapter(dl.webhook, nil)
	a.registry.Register(a.relay)
	a.registry.Register(a.webhook)
	a.applyDelivery(dl)

	a.ledger = ledger.New(a.store, a.store, ds.monthlyLimit, ds.periodLoc)
	deps := dispatch.Deps{
		Posts:    a.store,
		Entries:  a.store,
		Settings: a.store,
		Ledger:   a.ledger,
		Registry: a.registry,
		Bus:      a.bus,
		Log:      a.comp("dispatch"),
	}
	sweeper := dispatch.NewSweeper(deps, ds.svc.Options)

	a.engine = engine.New(engCfg, a.comp("taskengine"), a.bus)
	a.sched = scheduler.New(schCfg, a.engine, a.comp("scheduler"))
	a.dispatch = dispatch.NewService(ds.svc, sweeper, a.sched, a.comp("dispatch"))

	a.amqp = ns.amqp
	a.notif = notifier.New(ns.cfg, a.newSink(ns), a.comp("notifier"), a.bus)

	a.api = httpapi.NewServer(httpapi.Deps{
		Store:     a.store,
		Ledger:    a.ledger,
		Publisher: dispatch.NewPublisher(deps),
		Scheduler: dispatch.NewScheduler(deps, displayLocation(cfg)),
		Sweeper:   a.dispatch,
	}, a.comp("http"))
	return nil
}

func (a *App) newSink(ns notifierSettings) notifier.Sink {
	if !ns.cfg.Enabled {
		return nil
	}
	sink, err := notifier.NewAMQPSink(ns.amqp)
	if err != nil {
		a.log.Warn("notifier sink unavailable", logx.Err(err))
		return nil
	}
	return sink
}

// applyDelivery pushes adapter options, timeout and pacing into the registry.
// Telegram is registered only while enabled.
func (a *App) applyDelivery(dl deliverySettings) {
	a.registry.SetTimeout(dl.timeout)
	a.relay.Apply(dl.relay)
	a.webhook.Apply(dl.webhook)
	if dl.telegram != nil {
		if a.telegram == nil {
			a.telegram = delivery.NewTelegramAdapter(*dl.telegram, nil)
		} else {
			a.telegram.Apply(*dl.telegram)
		}
		a.registry.Register(a.telegram)
	} else {
		a.registry.Unregister(model.KindTelegram)
		a.registry.SetRate(model.KindTelegram, 0)
	}
	for kind, perSec := range dl.rates {
		a.registry.SetRate(kind, perSec)
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// HTTPAddr is the API listen address, or "" when the API is off.
func (a *App) HTTPAddr() string { return a.api.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.comp("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateConfig(cfg) })
	cfg := a.cfgm.Get()

	a.otelShutdown = func(context.Context) error { return nil }
	if tc, err := mapTelemetryConfig(cfg); err == nil {
		shutdown, err := telemetry.Setup(run, tc, a.comp("telemetry"))
		if err != nil {
			a.log.Warn("tracing setup failed; continuing without it", logx.Err(err))
		} else {
			a.otelShutdown = shutdown
		}
	}

	if a.engine.Enabled() {
		a.engine.Start(run)
	}
	a.sched.Start(run)
	if err := a.dispatch.Start(run); err != nil {
		return fmt.Errorf("register sweep: %w", err)
	}
	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	if err := a.api.Apply(run, hc); err != nil {
		return fmt.Errorf("http api: %w", err)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Debug only: ticks fire every minute.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		if err := systemd.Watchdog(c, a.comp("systemd")); err != nil {
			a.log.Warn("systemd watchdog disabled", logx.Err(err))
		}
		return nil
	})
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd ready notification failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("app started",
		logx.String("http", a.api.Addr()),
		logx.Bool("sweep", cfg.Dispatch.Enabled),
		logx.Bool("notifier", a.notif.Enabled()),
	)
	return nil
}

// Reload re-reads the config file now (SIGHUP) instead of waiting for the
// watcher. A rejected file leaves the running config untouched.
func (a *App) Reload(ctx context.Context) error {
	if _, err := systemd.Reloading(); err != nil {
		a.log.Debug("systemd reloading notification failed", logx.Err(err))
	}
	defer func() { _, _ = systemd.Ready() }()

	published, err := a.cfgm.Reload(ctx)
	if err != nil {
		a.log.Warn("config reload rejected", logx.String("path", a.cfgm.Path()), logx.Err(err))
		return err
	}
	if !published {
		a.log.Info("config reload: file unchanged")
	}
	return nil
}

// applyConfig applies a validated config to the running components.
func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(next))

	// engine first on startup, scheduler first on shutdown
	prevSched := a.sched.Enabled()
	prevEng := a.engine.Enabled()
	if ec, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, ec)
	}
	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	if prevSched && !a.sched.Enabled() {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if prevEng && !a.engine.Enabled() {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEng && a.engine.Enabled() {
		a.log.Info("task engine enabled via config")
		a.engine.Start(c)
	}
	if !prevSched && a.sched.Enabled() {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
	}

	if ds, err := mapDispatchConfig(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		if err := a.dispatch.Apply(ds.svc); err != nil {
			a.log.Warn("dispatch schedule not applied", logx.Err(err))
		}
		if old, err := mapDispatchConfig(prev); err == nil &&
			(old.monthlyLimit != ds.monthlyLimit || old.periodLoc.String() != ds.periodLoc.String()) {
			a.log.Warn("dispatch.default_monthly_limit or dispatch.period_timezone changed; restart required")
		}
	}

	if dl, err := mapDeliveryConfig(next); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.applyDelivery(dl)
	}

	if ns, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.applyNotifier(c, ns)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(c context.Context, ns notifierSettings) {
	wasEnabled := a.notif.Enabled()
	if wasEnabled && !ns.cfg.Enabled {
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	}
	if !reflect.DeepEqual(a.amqp, ns.amqp) {
		a.amqp = ns.amqp
		a.notif.SetSink(a.newSink(ns))
	}
	a.notif.Apply(ns.cfg)
	if !wasEnabled && ns.cfg.Enabled {
		a.log.Info("notifier enabled via config")
		a.notif.Start(c)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("systemd stopping notification failed", logx.Err(err))
	}

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step runs one shutdown stage with an upper bound so one component
	// can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// fn must honor stepCtx; report the leak if it finishes later.
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	step("http", 3*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("dispatch", time.Second, func(c context.Context) error { a.dispatch.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// An in-flight sweep tick gets time to record its marks.
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error {
		a.notif.Stop(c)
		a.notif.SetSink(nil)
		return nil
	})
	step("telemetry", 2*time.Second, func(c context.Context) error { return a.otelShutdown(c) })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
