package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvOverrides are the deployment knobs that may be set from the environment
// (or a .env file loaded by the binary). Non-empty values win over the file.
type EnvOverrides struct {
	StorageDriver string `env:"POSTPIPE_STORAGE_DRIVER"`
	StoragePath   string `env:"POSTPIPE_STORAGE_PATH"`
	StorageDSN    string `env:"POSTPIPE_STORAGE_DSN"`
	HTTPAddr      string `env:"POSTPIPE_HTTP_ADDR"`
	HTTPToken     string `env:"POSTPIPE_HTTP_TOKEN"`
	AMQPURL       string `env:"POSTPIPE_AMQP_URL"`
	OTelEndpoint  string `env:"POSTPIPE_OTEL_ENDPOINT"`
	LogLevel      string `env:"POSTPIPE_LOG_LEVEL"`
}

// ParseEnv reads EnvOverrides from the process environment.
func ParseEnv() (EnvOverrides, error) {
	var o EnvOverrides
	if err := env.Parse(&o); err != nil {
		return EnvOverrides{}, fmt.Errorf("parse env: %w", err)
	}
	return o, nil
}

// Apply writes every non-empty override into cfg.
func (o EnvOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Storage.Driver, o.StorageDriver)
	set(&cfg.Storage.Path, o.StoragePath)
	set(&cfg.Storage.DSN, o.StorageDSN)
	set(&cfg.HTTP.Addr, o.HTTPAddr)
	set(&cfg.HTTP.Token, o.HTTPToken)
	set(&cfg.Logging.Level, o.LogLevel)

	if v := strings.TrimSpace(o.AMQPURL); v != "" {
		if cfg.Notifier == nil {
			cfg.Notifier = &NotifierConfig{Enabled: true}
		}
		cfg.Notifier.AMQP.URL = v
	}
	if v := strings.TrimSpace(o.OTelEndpoint); v != "" {
		if cfg.Telemetry == nil {
			cfg.Telemetry = &TelemetryConfig{Enabled: true}
		}
		cfg.Telemetry.Endpoint = v
	}
}
