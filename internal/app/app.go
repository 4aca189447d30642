// Package app wires config, storage, leader election, the core, the HTTP
// API and the notifier into one supervised process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"genqueue/internal/config"
	"genqueue/internal/core"
	"genqueue/internal/eventbus"
	"genqueue/internal/httpapi"
	"genqueue/internal/leader"
	"genqueue/internal/notifier"
	"genqueue/internal/remote"
	"genqueue/internal/runtime/supervisor"
	"genqueue/internal/storage"
	logx "genqueue/pkg/logx"
	"genqueue/pkg/systemd"

	"golang.org/x/time/rate"
)

// Version is overridden at build time with -ldflags "-X".
var Version = "dev"

const defaultDedupWindow = 10 * time.Minute

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	leaderCfg leader.Config
	core      *core.Core
	api       *httpapi.Server // nil when http.enabled is false
	notif     *notifier.Service

	sdNotify bool
	// watchdog throttles WATCHDOG=1 to the heartbeat cadence at most.
	watchdog rate.Sometimes
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	instanceID := strings.TrimSpace(cfg.Instance.ID)
	if instanceID == "" {
		instanceID = leader.NewInstanceID()
	}
	logSvc, log := logx.New(mapLogging(cfg, instanceID))
	appLog := log.With(logx.String("comp", "app"))

	lc, err := mapLeader(cfg, instanceID)
	if err != nil {
		return nil, err
	}
	cc, err := mapCore(cfg, lc)
	if err != nil {
		return nil, err
	}
	rc, err := mapRemote(cfg)
	if err != nil {
		return nil, err
	}
	hc, httpEnabled, err := mapHTTP(cfg)
	if err != nil {
		return nil, err
	}
	nc, err := mapNotifier(cfg)
	if err != nil {
		return nil, err
	}
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}

	rem, err := remote.NewHTTPClient(rc)
	if err != nil {
		return nil, err
	}
	var sender notifier.Sender
	if nc.Enabled {
		ts, err := notifier.NewTelegramSender(nc)
		if err != nil {
			return nil, fmt.Errorf("notifier: %w", err)
		}
		sender = ts
	}

	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	el, err := newElector(cfg, store, lc, log.With(logx.String("comp", "leader")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgm:      cfgm,
		log:       appLog,
		logs:      logSvc,
		bus:       eventbus.New(),
		store:     store,
		leaderCfg: lc,
		sdNotify:  cfg.Systemd.Notify,
		watchdog:  rate.Sometimes{Interval: time.Second},
	}
	a.core, err = core.New(core.Options{
		Config:      cc,
		Store:       store,
		Elector:     el,
		Remote:      rem,
		Bus:         a.bus,
		Log:         log.With(logx.String("comp", "core")),
		OnHeartbeat: a.onHeartbeat,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if httpEnabled {
		a.api = httpapi.New(hc, a.core, a.bus, log.With(logx.String("comp", "http")))
	}
	a.notif = notifier.New(nc, sender, a.bus, log.With(logx.String("comp", "notifier")))

	appLog.Info("app configured",
		logx.String("version", Version),
		logx.String("instance", instanceID),
		logx.String("storage", sc.Driver),
		logx.String("leader_backend", cfg.Leader.Backend),
		logx.Bool("http", httpEnabled),
		logx.Bool("notifier", a.notif.Enabled()),
	)
	return a, nil
}

// Core exposes the facade, mainly for embedding and tests.
func (a *App) Core() *core.Core { return a.core }

// Done is closed when the app supervisor context is cancelled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapCore(cfg, a.leaderCfg); err != nil {
			return err
		}
		_, err := mapNotifier(cfg)
		return err
	})

	if err := a.core.Start(a.sup.Context()); err != nil {
		return err
	}
	a.sup.Go("core", a.core.Run)
	if a.api != nil {
		a.sup.Go("http", a.api.Run)
	}
	a.notif.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if a.sdNotify {
		if sent, err := systemd.Ready(); err != nil {
			a.log.Warn("sd_notify READY failed", logx.Err(err))
		} else if !sent {
			a.log.Debug("sd_notify unavailable (NOTIFY_SOCKET unset)")
		}
	}
	a.log.Info("app started")
	return nil
}

// applyConfig hot-applies logging, scheduler timings and notifier limits.
// Sections read only at startup are reported instead.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if config.RestartRequired(sections) {
		a.log.Warn("config change needs a restart to take full effect", logx.String("changed", strings.Join(sections, ",")))
	}

	a.logs.Apply(mapLogging(next, a.leaderCfg.InstanceID))
	if cc, err := mapCore(next, a.leaderCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.core.Reconfigure(cc)
	}
	if nc, err := mapNotifier(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(nc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) onHeartbeat() {
	if !a.sdNotify {
		return
	}
	a.watchdog.Do(func() {
		if _, err := systemd.Watchdog(); err != nil {
			a.log.Warn("sd_notify WATCHDOG failed", logx.Err(err))
		}
	})
}

// Stop cancels everything and shuts components down in dependency order.
// Each step is bounded; a step that overruns is logged and left behind.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sdNotify {
		_, _ = systemd.Stopping()
	}
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// The core releases its lease on the way out, so wait for it before the
	// store goes away.
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("core", time.Second, func(context.Context) error { a.core.Stop(); return nil })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.Any("supervisor", a.sup.Snapshot()))
	_ = a.logs.Close()
	return errors.Join(errs...)
}
