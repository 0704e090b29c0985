package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"postpipe/internal/config"
	"postpipe/internal/delivery"
	"postpipe/internal/dispatch"
	"postpipe/internal/httpapi"
	"postpipe/internal/model"
	"postpipe/internal/notifier"
	"postpipe/internal/storage"
	"postpipe/internal/task/engine"
	"postpipe/internal/task/scheduler"
	"postpipe/internal/telemetry"
	"postpipe/pkg/logx"
)

const defaultSweepSchedule = "@every 1m"

// same grammar the scheduler registers with
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		if sc.MaxConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_conns must be >= 0")
		}
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN), MaxConns: sc.MaxConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: cfg.Scheduler.Enabled}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		if cfg.Scheduler.Enabled && !*te.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
		out.Enabled = *te.Enabled
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size and history_size must be >= 0")
	}
	out.Workers = te.Workers
	out.QueueSize = te.QueueSize
	out.HistorySize = te.HistorySize
	out.RetryMax = te.RetryMax

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: tz}, nil
}

// dispatchSettings is config.dispatch resolved. Only svc can change on a
// live reload; the ledger fields need a restart.
type dispatchSettings struct {
	svc          dispatch.ServiceConfig
	monthlyLimit int
	periodLoc    *time.Location
}

func mapDispatchConfig(cfg *config.Config) (dispatchSettings, error) {
	dc := cfg.Dispatch
	if dc.BatchSize < 0 || dc.ReconcileBatch < 0 || dc.DefaultMonthlyLimit < 0 {
		return dispatchSettings{}, fmt.Errorf("dispatch: batch_size, reconcile_batch and default_monthly_limit must be >= 0")
	}
	if dc.Enabled && !cfg.Scheduler.Enabled {
		return dispatchSettings{}, fmt.Errorf("dispatch.enabled requires scheduler.enabled")
	}

	schedule := strings.TrimSpace(dc.Schedule)
	if schedule == "" {
		schedule = defaultSweepSchedule
	}
	ps, err := scheduler.ParseSchedule(schedule)
	if err != nil {
		return dispatchSettings{}, fmt.Errorf("dispatch.schedule: %w", err)
	}
	if ps.Kind == scheduler.SpecCron {
		if _, err := cronParser.Parse(ps.Cron); err != nil {
			return dispatchSettings{}, fmt.Errorf("dispatch.schedule: %w", err)
		}
	}
	budget, err := config.ParseDurationOrDefault("dispatch.tick_budget", dc.TickBudget, dispatch.DefaultTickBudget)
	if err != nil {
		return dispatchSettings{}, err
	}

	loc := time.UTC
	if tz := strings.TrimSpace(dc.PeriodTimezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return dispatchSettings{}, fmt.Errorf("dispatch.period_timezone: invalid %q: %w", tz, err)
		}
	}
	limit := dc.DefaultMonthlyLimit
	if limit == 0 {
		limit = model.DefaultMonthlyLimit
	}

	return dispatchSettings{
		svc: dispatch.ServiceConfig{
			Enabled:  dc.Enabled,
			Schedule: schedule,
			Options: dispatch.Options{
				BatchSize:      dc.BatchSize,
				TickBudget:     budget,
				ReconcileBatch: dc.ReconcileBatch,
			},
		},
		monthlyLimit: limit,
		periodLoc:    loc,
	}, nil
}

// displayLocation is where a scheduled post's date and time are rendered.
func displayLocation(cfg *config.Config) *time.Location {
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.UTC
}

type deliverySettings struct {
	timeout  time.Duration
	relay    delivery.RelayOptions
	webhook  delivery.WebhookOptions
	telegram *delivery.TelegramOptions // nil when disabled
	rates    map[string]float64
}

func mapDeliveryConfig(cfg *config.Config) (deliverySettings, error) {
	dc := cfg.Delivery
	timeout, err := config.ParseDurationOrDefault("delivery.timeout", dc.Timeout, delivery.DefaultTimeout)
	if err != nil {
		return deliverySettings{}, err
	}
	if dc.Relay.RatePerSec < 0 || dc.Webhook.RatePerSec < 0 {
		return deliverySettings{}, fmt.Errorf("delivery: rate_per_sec must be >= 0")
	}
	out := deliverySettings{
		timeout: timeout,
		relay:   delivery.RelayOptions{Endpoint: dc.Relay.Endpoint, Platform: dc.Relay.Platform},
		webhook: delivery.WebhookOptions{Platform: dc.Webhook.Platform, Source: dc.Webhook.Source, UserAgent: dc.Webhook.UserAgent},
		rates: map[string]float64{
			model.KindRelay:   float64(dc.Relay.RatePerSec),
			model.KindWebhook: float64(dc.Webhook.RatePerSec),
		},
	}
	if tg := dc.Telegram; tg != nil && tg.Enabled {
		if tg.RatePerSec < 0 {
			return deliverySettings{}, fmt.Errorf("delivery.telegram.rate_per_sec must be >= 0")
		}
		out.telegram = &delivery.TelegramOptions{APIURL: tg.APIURL, DisablePreview: tg.DisablePreview}
		out.rates[model.KindTelegram] = float64(tg.RatePerSec)
	}
	return out, nil
}

type notifierSettings struct {
	cfg  notifier.Config
	amqp notifier.AMQPOptions
}

func mapNotifierConfig(cfg *config.Config) (notifierSettings, error) {
	nc := cfg.Notifier
	if nc == nil || !nc.Enabled {
		return notifierSettings{}, nil
	}
	if strings.TrimSpace(nc.AMQP.URL) == "" {
		return notifierSettings{}, fmt.Errorf("notifier.amqp.url is required when notifier.enabled is true")
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
		return notifierSettings{}, fmt.Errorf("notifier: numeric settings must be >= 0")
	}
	retryBase, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifierSettings{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifierSettings{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifierSettings{}, err
	}
	return notifierSettings{
		cfg: notifier.Config{
			Enabled:         true,
			Workers:         nc.Workers,
			QueueSize:       nc.QueueSize,
			RatePerSec:      nc.RatePerSec,
			RetryMax:        nc.RetryMax,
			RetryBase:       retryBase,
			RetryMaxDelay:   retryMaxDelay,
			DedupWindow:     dedup,
			DedupMaxEntries: nc.DedupMaxEntries,
		},
		amqp: notifier.AMQPOptions{
			URL:           strings.TrimSpace(nc.AMQP.URL),
			Exchange:      nc.AMQP.Exchange,
			RoutingPrefix: nc.AMQP.RoutingPrefix,
		},
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	out := httpapi.Config{
		Enabled: hc.Enabled,
		Addr:    strings.TrimSpace(hc.Addr),
		Token:   strings.TrimSpace(hc.Token),
		Pprof:   hc.Pprof,
	}
	var err error
	if out.RequestTimeout, err = config.ParseDurationField("http.request_timeout", hc.RequestTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.ReadTimeout, err = config.ParseDurationField("http.read_timeout", hc.ReadTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", hc.WriteTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("http.idle_timeout", hc.IdleTimeout); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

func mapTelemetryConfig(cfg *config.Config) (telemetry.Config, error) {
	tc := cfg.Telemetry
	if tc == nil {
		return telemetry.Config{}, nil
	}
	if tc.SampleRatio < 0 || tc.SampleRatio > 1 {
		return telemetry.Config{}, fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	return telemetry.Config{
		Enabled:     tc.Enabled,
		Endpoint:    strings.TrimSpace(tc.Endpoint),
		ServiceName: tc.ServiceName,
		SampleRatio: tc.SampleRatio,
	}, nil
}

// validateConfig rejects a config before it is committed (startup and every
// hot reload).
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	checks := []func(*config.Config) error{
		func(c *config.Config) error { _, err := mapStorageConfig(c); return err },
		func(c *config.Config) error { _, err := mapTaskEngineConfig(c); return err },
		func(c *config.Config) error { _, err := mapSchedulerConfig(c); return err },
		func(c *config.Config) error { _, err := mapDispatchConfig(c); return err },
		func(c *config.Config) error { _, err := mapDeliveryConfig(c); return err },
		func(c *config.Config) error { _, err := mapNotifierConfig(c); return err },
		func(c *config.Config) error { _, err := mapHTTPConfig(c); return err },
		func(c *config.Config) error { _, err := mapTelemetryConfig(c); return err },
	}
	for _, check := range checks {
		if err := check(cfg); err != nil {
			return err
		}
	}
	return nil
}
