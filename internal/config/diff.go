package config

import (
	"reflect"
	"strings"

	logx "genqueue/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and returns safe
// fields for logging. Secrets are reported only as *_set booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		s := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.concurrency_limit", s.ConcurrencyLimit),
			logx.String("scheduler.poll_interval", s.PollInterval),
			logx.String("scheduler.submit_interval", s.SubmitInterval),
			logx.String("scheduler.sweep_interval", s.SweepInterval),
			logx.String("scheduler.cooldown", s.Cooldown),
			logx.Int("scheduler.retry_max", s.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Submission, newCfg.Submission) {
		changed = append(changed, "submission")
		attrs = append(attrs, logx.Int("submission.default_options", len(newCfg.Submission.DefaultOptions)))
	}

	if !reflect.DeepEqual(oldCfg.Leader, newCfg.Leader) {
		changed = append(changed, "leader")
		attrs = append(attrs, logx.String("leader.heartbeat_interval", newCfg.Leader.HeartbeatInterval))
	}

	// Sections below are read once at startup; they are reported so the
	// operator knows a restart is needed.
	if redactStorage(oldCfg.Storage) != redactStorage(newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if oldCfg.Remote != newCfg.Remote {
		changed = append(changed, "remote")
	}
	if !reflect.DeepEqual(redactHTTP(oldCfg.HTTP), redactHTTP(newCfg.HTTP)) {
		changed = append(changed, "http")
		attrs = append(attrs, logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""))
	}
	if !reflect.DeepEqual(redactNotifier(oldCfg.Notifier), redactNotifier(newCfg.Notifier)) {
		changed = append(changed, "notifier")
		n := redactNotifier(newCfg.Notifier)
		attrs = append(attrs,
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Bool("notifier.token_set", n.Token != ""),
		)
	}
	if oldCfg.Instance != newCfg.Instance || oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "process")
	}
	return changed, attrs
}

// RestartRequired reports whether any changed section is only read at
// startup.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		switch s {
		case "storage", "leader", "remote", "http", "notifier", "process":
			return true
		}
	}
	return false
}

func redactStorage(s StorageConfig) StorageConfig {
	if s.Password != "" {
		s.Password = "set"
	}
	return s
}

func redactHTTP(h HTTPConfig) HTTPConfig {
	if h.Token != "" {
		h.Token = "set"
	}
	return h
}

func redactNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	out := *n
	if out.Token != "" {
		out.Token = "set"
	}
	return out
}
