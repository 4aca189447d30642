package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate rejects configs the app cannot start with. Every error names the
// offending field path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch driver {
	case "", "memory", "sqlite", "redis":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if driver == "sqlite" && strings.TrimSpace(cfg.Storage.Path) == "" {
		add(errors.New("storage.path: required for sqlite"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Leader.Backend)) {
	case "", "lease":
	case "redislock":
		if driver != "redis" {
			add(errors.New("leader.backend: redislock requires storage.driver=redis"))
		}
	default:
		add(fmt.Errorf("leader.backend: unknown backend %q", cfg.Leader.Backend))
	}

	if strings.TrimSpace(cfg.Remote.BaseURL) == "" {
		add(errors.New("remote.base_url: required"))
	}
	if cfg.Scheduler.ConcurrencyLimit < 0 {
		add(errors.New("scheduler.concurrency_limit: must be >= 0"))
	}
	if cfg.Scheduler.RetryMax < 0 {
		add(errors.New("scheduler.retry_max: must be >= 0"))
	}

	durations := map[string]string{
		"storage.busy_timeout":      cfg.Storage.BusyTimeout,
		"storage.poll_interval":     cfg.Storage.PollInterval,
		"leader.lease_duration":     cfg.Leader.LeaseDuration,
		"leader.heartbeat_interval": cfg.Leader.HeartbeatInterval,
		"scheduler.poll_interval":   cfg.Scheduler.PollInterval,
		"scheduler.submit_interval": cfg.Scheduler.SubmitInterval,
		"scheduler.sweep_interval":  cfg.Scheduler.SweepInterval,
		"scheduler.cooldown":        cfg.Scheduler.Cooldown,
		"scheduler.retry_base":      cfg.Scheduler.RetryBase,
		"scheduler.retry_jitter":    cfg.Scheduler.RetryJitter,
		"remote.timeout":            cfg.Remote.Timeout,
		"http.read_timeout":         cfg.HTTP.ReadTimeout,
		"http.idle_timeout":         cfg.HTTP.IdleTimeout,
	}
	if n := cfg.Notifier; n != nil {
		durations["notifier.dedup_window"] = n.DedupWindow
		if n.Enabled && n.ChatID == 0 {
			add(errors.New("notifier.chat_id: required when enabled"))
		}
	}
	for path, raw := range durations {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	leaseDur, _ := ParseDurationField("", cfg.Leader.LeaseDuration)
	hb, _ := ParseDurationField("", cfg.Leader.HeartbeatInterval)
	if leaseDur > 0 && hb >= leaseDur {
		add(errors.New("leader.heartbeat_interval: must be shorter than lease_duration"))
	}
	return errors.Join(errs...)
}
