package app

import (
	"strings"
	"time"

	"genqueue/internal/backoff"
	"genqueue/internal/config"
	"genqueue/internal/core"
	"genqueue/internal/httpapi"
	"genqueue/internal/leader"
	"genqueue/internal/notifier"
	"genqueue/internal/remote"
	"genqueue/internal/storage"
	logx "genqueue/pkg/logx"
)

// Every map function assumes cfg already passed config.Validate, but still
// returns duration parse errors rather than panicking.

func mapLogging(cfg *config.Config, instanceID string) logx.Config {
	return logx.Config{
		Level:    cfg.Logging.Level,
		Console:  cfg.Logging.Console,
		Instance: instanceID,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	poll, err := config.ParseDurationOrDefault("storage.poll_interval", sc.PollInterval, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		BusyTimeout:  busy,
		Addr:         strings.TrimSpace(sc.Addr),
		Password:     sc.Password,
		DB:           sc.DB,
		Prefix:       sc.Prefix,
		PollInterval: poll,
	}, nil
}

func mapLeader(cfg *config.Config, instanceID string) (leader.Config, error) {
	lease, err := config.ParseDurationOrDefault("leader.lease_duration", cfg.Leader.LeaseDuration, leader.DefaultLeaseDuration)
	if err != nil {
		return leader.Config{}, err
	}
	hb, err := config.ParseDurationField("leader.heartbeat_interval", cfg.Leader.HeartbeatInterval)
	if err != nil {
		return leader.Config{}, err
	}
	return leader.Config{InstanceID: instanceID, LeaseDuration: lease, HeartbeatInterval: hb}, nil
}

// mapCore builds the hot-reloadable core config. lc is the effective leader
// config, which fixes the heartbeat cadence.
func mapCore(cfg *config.Config, lc leader.Config) (core.Config, error) {
	s := cfg.Scheduler
	var (
		out core.Config
		err error
	)
	durs := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"scheduler.poll_interval", s.PollInterval, &out.PollInterval},
		{"scheduler.submit_interval", s.SubmitInterval, &out.SubmitInterval},
		{"scheduler.sweep_interval", s.SweepInterval, &out.SweepInterval},
		{"scheduler.cooldown", s.Cooldown, &out.Cooldown},
		{"scheduler.retry_base", s.RetryBase, &out.Backoff.RetryBase},
		{"scheduler.retry_jitter", s.RetryJitter, &out.Backoff.RetryJitter},
	}
	for _, d := range durs {
		if *d.dst, err = config.ParseDurationField(d.path, d.raw); err != nil {
			return core.Config{}, err
		}
	}
	out.InstanceID = lc.InstanceID
	out.Prefix = cfg.Storage.Prefix
	out.DefaultOptions = cfg.Submission.DefaultOptions
	out.HeartbeatInterval = lc.Interval()
	out.ConcurrencyLimit = s.ConcurrencyLimit
	out.Backoff = backoff.Config{
		RetryBase:        out.Backoff.RetryBase,
		RetryJitter:      out.Backoff.RetryJitter,
		MaxRetries:       s.RetryMax,
		ConcurrencyLimit: s.ConcurrencyLimit,
	}
	return out, nil
}

func mapRemote(cfg *config.Config) (remote.HTTPConfig, error) {
	timeout, err := config.ParseDurationField("remote.timeout", cfg.Remote.Timeout)
	if err != nil {
		return remote.HTTPConfig{}, err
	}
	return remote.HTTPConfig{
		BaseURL:    cfg.Remote.BaseURL,
		Timeout:    timeout,
		RatePerSec: cfg.Remote.RatePerSec,
		UserAgent:  "genqueue/" + Version,
	}, nil
}

func mapHTTP(cfg *config.Config) (httpapi.Config, bool, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, false, err
	}
	idle, err := config.ParseDurationField("http.idle_timeout", h.IdleTimeout)
	if err != nil {
		return httpapi.Config{}, false, err
	}
	return httpapi.Config{
		Addr:          h.Addr,
		Token:         h.Token,
		AllowInsecure: h.AllowInsecure,
		CORSOrigins:   h.CORSOrigins,
		Pprof:         h.Pprof,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}, h.Enabled, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}, nil
	}
	dedup, err := config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, defaultDedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:     n.Enabled,
		Token:       n.Token,
		ChatID:      n.ChatID,
		ThreadID:    n.ThreadID,
		RatePerSec:  n.RatePerSec,
		RetryMax:    n.RetryMax,
		DedupWindow: dedup,
	}, nil
}
