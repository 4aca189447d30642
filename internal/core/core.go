// Package core is the facade UIs talk to. It owns the queue store, the
// credential lifecycle and the scheduler, turns shared-store changes into
// observer events, and runs the leader-only cadence.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"genqueue/internal/backoff"
	"genqueue/internal/clock"
	"genqueue/internal/credential"
	"genqueue/internal/eventbus"
	"genqueue/internal/leader"
	"genqueue/internal/queue"
	"genqueue/internal/remote"
	"genqueue/internal/scheduler"
	"genqueue/internal/storage"
	logx "genqueue/pkg/logx"
)

type Options struct {
	Config  Config
	Store   storage.Store
	Elector leader.Elector
	Remote  remote.Service
	Bus     eventbus.Bus
	Clock   clock.Clock
	Log     logx.Logger
	// Spawn runs remote submits; nil means a goroutine.
	Spawn func(fn func())
	// OnHeartbeat is called after every successful lease heartbeat.
	OnHeartbeat func()
}

type Core struct {
	store   storage.Store
	q       *queue.Store
	cred    *credential.Lifecycle
	elector leader.Elector
	sched   *scheduler.Scheduler
	ctl     *backoff.Controller
	bus     eventbus.Bus
	clk     clock.Clock
	log     logx.Logger
	ids     *queue.IDGenerator

	onHeartbeat func()

	mu  sync.RWMutex
	cfg Config

	leaderMu  sync.Mutex
	wasLeader bool

	kick    chan struct{}
	unwatch func()
	run     *runner
}

func New(opt Options) (*Core, error) {
	if opt.Store == nil {
		return nil, errors.New("core: store is required")
	}
	if opt.Elector == nil {
		return nil, errors.New("core: elector is required")
	}
	if opt.Remote == nil {
		return nil, errors.New("core: remote service is required")
	}
	if opt.Clock == nil {
		opt.Clock = clock.Real()
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.New()
	}
	cfg := opt.Config.withDefaults()
	if cfg.InstanceID == "" {
		cfg.InstanceID = opt.Elector.Status().InstanceID
	}

	c := &Core{
		store:       opt.Store,
		elector:     opt.Elector,
		bus:         opt.Bus,
		clk:         opt.Clock,
		log:         opt.Log,
		ids:         queue.NewIDGenerator(),
		onHeartbeat: opt.OnHeartbeat,
		cfg:         cfg,
		kick:        make(chan struct{}, 1),
	}
	c.q = queue.NewStore(opt.Store, cfg.Prefix, opt.Log.With(logx.String("comp", "queue")))
	c.cred = credential.New(credential.Options{
		Store:    opt.Store,
		Key:      cfg.Prefix + "credential",
		Clock:    opt.Clock,
		Log:      opt.Log.With(logx.String("comp", "credential")),
		OnChange: c.credentialChanged,
	})
	c.ctl = backoff.New(cfg.Backoff, nil)
	c.sched = scheduler.New(scheduler.Options{
		Config:     c.schedulerConfig(cfg),
		Queue:      c.q,
		Credential: c.cred,
		IsLeader:   func() bool { return c.elector.Status().IsLeader },
		Remote:     opt.Remote,
		Backoff:    c.ctl,
		Clock:      opt.Clock,
		Log:        opt.Log.With(logx.String("comp", "scheduler")),
		Spawn:      opt.Spawn,
	})
	return c, nil
}

func (c *Core) schedulerConfig(cfg Config) scheduler.Config {
	return scheduler.Config{
		InstanceID:       cfg.InstanceID,
		ConcurrencyLimit: cfg.ConcurrencyLimit,
		Cooldown:         cfg.Cooldown,
	}
}

// Start loads the credential and subscribes to store changes. It does not
// start the cadence; see Run.
func (c *Core) Start(ctx context.Context) error {
	if err := c.cred.Start(ctx); err != nil {
		return fmt.Errorf("credential: %w", err)
	}
	c.unwatch = c.store.Watch(c.storeChanged)
	return nil
}

// Stop cancels the store subscription and any pending retry.
func (c *Core) Stop() {
	if c.unwatch != nil {
		c.unwatch()
		c.unwatch = nil
	}
	c.cred.Stop()
	c.sched.Stop()
}

func (c *Core) Bus() eventbus.Bus { return c.bus }

func (c *Core) Scheduler() *scheduler.Scheduler { return c.sched }

func (c *Core) config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Reconfigure applies reloadable settings. Cadence changes take effect in
// a running loop immediately.
func (c *Core) Reconfigure(cfg Config) {
	c.mu.Lock()
	prev := c.cfg
	cfg.Prefix = prev.Prefix
	if cfg.InstanceID == "" {
		cfg.InstanceID = prev.InstanceID
	}
	cfg = cfg.withDefaults()
	c.cfg = cfg
	r := c.run
	c.mu.Unlock()

	c.sched.Reconfigure(c.schedulerConfig(cfg))
	c.ctl.Reconfigure(cfg.Backoff)
	if r != nil {
		r.reschedule(cfg)
	}
	c.log.Info("core reconfigured",
		logx.Duration("poll", cfg.PollInterval),
		logx.Duration("submit", cfg.SubmitInterval),
		logx.Int("concurrency_limit", cfg.ConcurrencyLimit),
	)
}

// Enqueue validates and appends a new item. It fails with
// *queue.ValidationError on bad input.
func (c *Core) Enqueue(ctx context.Context, content string, options map[string]string) (string, error) {
	now := c.clk.Now()
	it, err := queue.NewItem(c.ids.Make(now), content, options, c.config().DefaultOptions, now)
	if err != nil {
		return "", err
	}
	if _, err := c.q.UpdateQueue(ctx, func(r *queue.Record) error {
		r.Items = append(r.Items, it)
		return nil
	}); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	c.log.Info("item enqueued", logx.String("item", it.ID), logx.Int("length", len(it.Content)))
	c.tick(ctx)
	return it.ID, nil
}

// Remove deletes an item regardless of status.
func (c *Core) Remove(ctx context.Context, id string) error {
	_, err := c.q.UpdateQueue(ctx, func(r *queue.Record) error {
		if _, ok := r.Remove(id); !ok {
			return queue.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.log.Info("item removed", logx.String("item", id))
	return nil
}

func (c *Core) Reorder(ctx context.Context, id string, dir queue.Direction) error {
	_, err := c.q.UpdateQueue(ctx, func(r *queue.Record) error {
		return r.Move(id, dir)
	})
	if err != nil {
		return err
	}
	c.tick(ctx)
	return nil
}

// Retry moves an errored item back to queued with a fresh retry budget.
func (c *Core) Retry(ctx context.Context, id string) error {
	now := c.clk.Now()
	_, err := c.q.UpdateQueue(ctx, func(r *queue.Record) error {
		i := r.Index(id)
		if i < 0 {
			return queue.ErrNotFound
		}
		it := &r.Items[i]
		if err := it.Transition(queue.StatusQueued, now); err != nil {
			return err
		}
		it.ErrorMessage = ""
		it.RetryCount = 0
		it.Note = "manual retry"
		return nil
	})
	if err != nil {
		return err
	}
	c.tick(ctx)
	return nil
}

func (c *Core) SetAutomationEnabled(ctx context.Context, enabled bool) error {
	if err := c.updateAutomation(ctx, func(a *queue.Automation) error {
		if a.Enabled == enabled {
			return queue.ErrNoChange
		}
		a.Enabled = enabled
		return nil
	}); err != nil {
		return err
	}
	c.log.Info("automation toggled", logx.Bool("enabled", enabled))
	if enabled {
		c.tick(ctx)
	}
	return nil
}

// Pause stops admission until Resume.
func (c *Core) Pause(ctx context.Context) error {
	return c.updateAutomation(ctx, func(a *queue.Automation) error {
		if a.Paused && a.PauseReason == queue.PauseManual {
			return queue.ErrNoChange
		}
		a.Paused = true
		a.PauseReason = queue.PauseManual
		return nil
	})
}

// Resume clears any pause, including a daily-limit pause and a pending
// backoff window, then runs a submit tick.
func (c *Core) Resume(ctx context.Context) error {
	if err := c.updateAutomation(ctx, func(a *queue.Automation) error {
		a.ClearPause()
		return nil
	}); err != nil {
		return err
	}
	c.log.Info("automation resumed")
	c.tick(ctx)
	return nil
}

func (c *Core) updateAutomation(ctx context.Context, fn func(a *queue.Automation) error) error {
	id := c.config().InstanceID
	_, err := c.q.UpdateAutomation(ctx, func(a *queue.Automation) error {
		if err := fn(a); err != nil {
			return err
		}
		a.UpdatedBy = id
		return nil
	})
	return err
}

func (c *Core) SetCredential(ctx context.Context, value string, aux credential.Aux) error {
	if err := c.cred.Set(ctx, value, aux); err != nil {
		return err
	}
	c.tick(ctx)
	return nil
}

// Capture is the entry point for asynchronous credential providers.
func (c *Core) Capture(ctx context.Context, ev credential.Event) error {
	if err := c.cred.Capture(ctx, ev); err != nil {
		return err
	}
	c.tick(ctx)
	return nil
}

func (c *Core) ClearCredential(ctx context.Context) error {
	return c.cred.Clear(ctx)
}

func (c *Core) Snapshot(ctx context.Context) (Snapshot, error) {
	rec, err := c.q.Queue(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	a, err := c.q.Automation(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	blocked, err := c.sched.Check(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	items := rec.Items
	if items == nil {
		items = []queue.Item{}
	}
	st := c.cred.Status()
	return Snapshot{
		Queue:             items,
		Automation:        a,
		CredentialPresent: st.Present,
		Credential:        st,
		Leader:            c.elector.Status(),
		RemoteVerified:    c.sched.RemoteVerified(),
		Blocked:           blocked,
	}, nil
}

// tick runs a submit tick after a local mutation. Errors are transient and
// only logged.
func (c *Core) tick(ctx context.Context) {
	if _, err := c.sched.SubmitTick(ctx); err != nil {
		c.log.Warn("submit tick failed", logx.Err(err))
	}
}

// Heartbeat renews the lease and reacts to leadership changes. Run calls it
// on the heartbeat interval.
func (c *Core) Heartbeat(ctx context.Context) (bool, error) {
	ok, err := c.elector.Heartbeat(ctx)
	if err != nil {
		c.log.Warn("heartbeat failed", logx.Err(err), logx.Bool("leader", ok))
	} else if c.onHeartbeat != nil {
		c.onHeartbeat()
	}
	c.observeLeader(ctx, c.elector.Status())
	return ok, err
}

func (c *Core) observeLeader(ctx context.Context, st leader.Status) {
	c.leaderMu.Lock()
	changed := st.IsLeader != c.wasLeader
	c.wasLeader = st.IsLeader
	c.leaderMu.Unlock()
	if !changed {
		return
	}

	c.publish(EventLeaderStatusChanged, LeaderStatusChanged{IsLeader: st.IsLeader, OwnerID: st.OwnerID, Epoch: st.Epoch})
	if !st.IsLeader {
		c.log.Warn("leadership lost", logx.String("owner", st.OwnerID), logx.Int64("epoch", st.Epoch))
		c.sched.Stop()
		return
	}
	c.log.Info("leadership acquired", logx.Int64("epoch", st.Epoch))
	if err := c.sched.Recover(ctx); err != nil {
		c.log.Warn("recover after acquiring leadership failed", logx.Err(err))
	}
	c.tick(ctx)
}

func (c *Core) publish(typ string, data any) {
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.clk.Now(), Data: data})
}
