package config

import (
	"os"
	"strings"
)

// Secrets may come from the environment (or a .env file loaded by the
// caller) instead of the config file. A non-empty variable wins.
const (
	EnvHTTPToken     = "GENQUEUE_HTTP_TOKEN"
	EnvNotifierToken = "GENQUEUE_TELEGRAM_TOKEN"
	EnvRedisPassword = "GENQUEUE_REDIS_PASSWORD"
	EnvInstanceID    = "GENQUEUE_INSTANCE_ID"
)

// ApplyEnv overlays environment secrets onto cfg.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := env(EnvHTTPToken); v != "" {
		cfg.HTTP.Token = v
	}
	if v := env(EnvRedisPassword); v != "" {
		cfg.Storage.Password = v
	}
	if v := env(EnvInstanceID); v != "" {
		cfg.Instance.ID = v
	}
	if v := env(EnvNotifierToken); v != "" && cfg.Notifier != nil {
		cfg.Notifier.Token = v
	}
}

func env(k string) string { return strings.TrimSpace(os.Getenv(k)) }
