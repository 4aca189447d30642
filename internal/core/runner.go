package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	logx "genqueue/pkg/logx"

	"github.com/robfig/cron/v3"
)

const releaseTimeout = 3 * time.Second

// runner owns the cron that drives poll, submit and sweep ticks.
type runner struct {
	c    *Core
	ctx  context.Context
	cron *cron.Cron

	mu      sync.Mutex
	entries []cron.EntryID
}

// cronLogger adapts logx to cron's logger so skipped and panicking jobs are
// reported like everything else.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug(msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error(msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

func newRunner(ctx context.Context, c *Core) *runner {
	lg := cronLogger{log: c.log.With(logx.String("comp", "cron"))}
	return &runner{
		c:   c,
		ctx: ctx,
		cron: cron.New(cron.WithChain(
			cron.Recover(lg),
			cron.SkipIfStillRunning(lg),
		), cron.WithLogger(lg)),
	}
}

func (r *runner) job(name string, fn func(ctx context.Context) error) cron.Job {
	return cron.FuncJob(func() {
		if !r.c.elector.Status().IsLeader {
			return
		}
		if err := fn(r.ctx); err != nil {
			r.c.log.Debug("tick failed", logx.String("tick", name), logx.Err(err))
		}
	})
}

func (r *runner) reschedule(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.entries {
		r.cron.Remove(id)
	}
	s := r.c.sched
	r.entries = []cron.EntryID{
		r.cron.Schedule(cron.Every(cfg.PollInterval), r.job("poll", s.PollTick)),
		r.cron.Schedule(cron.Every(cfg.SubmitInterval), r.job("submit", func(ctx context.Context) error {
			_, err := s.SubmitTick(ctx)
			return err
		})),
		r.cron.Schedule(cron.Every(cfg.SweepInterval), r.job("sweep", s.SweepTick)),
	}
}

// Run claims leadership, starts the cadence and blocks until ctx is done.
// On return the lease is released so another instance can take over
// without waiting for expiry.
func (c *Core) Run(ctx context.Context) error {
	if _, err := c.elector.Register(ctx); err != nil {
		c.log.Warn("initial claim failed", logx.Err(err))
	}
	c.observeLeader(ctx, c.elector.Status())

	r := newRunner(ctx, c)
	cfg := c.config()
	r.reschedule(cfg)
	c.mu.Lock()
	c.run = r
	c.mu.Unlock()
	r.cron.Start()
	c.log.Info("core running",
		logx.String("instance", cfg.InstanceID),
		logx.Duration("heartbeat", cfg.HeartbeatInterval),
	)

	hb := time.NewTicker(cfg.HeartbeatInterval)
	defer hb.Stop()
	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.run = nil
			c.mu.Unlock()
			<-r.cron.Stop().Done()
			c.sched.Stop()

			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			err := c.elector.Release(rctx)
			cancel()
			if err != nil {
				c.log.Warn("lease release failed", logx.Err(err))
			}
			return nil
		case <-hb.C:
			_, _ = c.Heartbeat(ctx)
		case <-c.kick:
			if c.elector.Status().IsLeader {
				c.tick(ctx)
			}
		}
	}
}
