package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postpipe/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens,
// DSNs or broker URLs).
//
// Sections listed in RestartRequired are reported but only take effect on
// the next process start.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", strings.TrimSpace(newCfg.Logging.Format)),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Scheduler (triggers)
	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	// Task engine (executor)
	oTE := derefTaskEngine(oldCfg.TaskEngine)
	nTE := derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")

		enabledEffective := newCfg.Scheduler.Enabled
		if newCfg.TaskEngine != nil && newCfg.TaskEngine.Enabled != nil {
			enabledEffective = *newCfg.TaskEngine.Enabled
		}
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", enabledEffective),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	// Storage (restart required; never log DSN)
	oS, nS := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.DSN) != strings.TrimSpace(nS.DSN) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) ||
		oS.MaxConns != nS.MaxConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	// Dispatch
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		d := newCfg.Dispatch
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Bool("dispatch.enabled", d.Enabled),
			logx.String("dispatch.schedule", strings.TrimSpace(d.Schedule)),
			logx.Int("dispatch.batch_size", d.BatchSize),
			logx.String("dispatch.tick_budget", strings.TrimSpace(d.TickBudget)),
			logx.Int("dispatch.default_monthly_limit", d.DefaultMonthlyLimit),
		)
	}

	// Delivery
	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		d := newCfg.Delivery
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.timeout", strings.TrimSpace(d.Timeout)),
			logx.String("delivery.relay_endpoint", strings.TrimSpace(d.Relay.Endpoint)),
			logx.Int("delivery.relay_rate", d.Relay.RatePerSec),
			logx.Int("delivery.webhook_rate", d.Webhook.RatePerSec),
			logx.Bool("delivery.telegram_enabled", d.Telegram != nil && d.Telegram.Enabled),
		)
	}

	// Notifier (never log broker URL). Nil means disabled.
	oN := derefNotifier(oldCfg.Notifier)
	nN := derefNotifier(newCfg.Notifier)
	if !reflect.DeepEqual(oN, nN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Int("notifier.workers", nN.Workers),
			logx.Int("notifier.queue_size", nN.QueueSize),
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
			logx.Bool("notifier.amqp_set", strings.TrimSpace(nN.AMQP.URL) != ""),
		)
	}

	// HTTP (never log token)
	oH, nH := oldCfg.HTTP, newCfg.HTTP
	if oH.Enabled != nH.Enabled ||
		strings.TrimSpace(oH.Addr) != strings.TrimSpace(nH.Addr) ||
		strings.TrimSpace(oH.Token) != strings.TrimSpace(nH.Token) ||
		oH.Pprof != nH.Pprof ||
		strings.TrimSpace(oH.RequestTimeout) != strings.TrimSpace(nH.RequestTimeout) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nH.Enabled),
			logx.String("http.addr", strings.TrimSpace(nH.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(nH.Token) != ""),
			logx.Bool("http.pprof", nH.Pprof),
		)
	}

	// Telemetry (restart required)
	oT := derefTelemetry(oldCfg.Telemetry)
	nT := derefTelemetry(newCfg.Telemetry)
	if oT != nT {
		changed = append(changed, "telemetry")
		attrs = append(attrs,
			logx.Bool("telemetry.enabled", nT.Enabled),
			logx.Bool("telemetry.endpoint_set", strings.TrimSpace(nT.Endpoint) != ""),
			logx.Float64("telemetry.sample_ratio", nT.SampleRatio),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports which of the given changed sections cannot be
// applied to a running process.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "http", "telemetry":
			out = append(out, s)
		}
	}
	return out
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func derefTelemetry(t *TelemetryConfig) TelemetryConfig {
	if t == nil {
		return TelemetryConfig{}
	}
	return *t
}
