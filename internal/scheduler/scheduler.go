// Package scheduler is the leader-only loop that polls the remote service,
// admits and submits the head of the queue, and applies backoff decisions.
//
// Every entry point is serialised by one mutex. The remote submit runs
// outside the lock through the spawn hook; its completion re-enters under
// the lock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"genqueue/internal/backoff"
	"genqueue/internal/clock"
	"genqueue/internal/credential"
	"genqueue/internal/queue"
	"genqueue/internal/ratelimit"
	"genqueue/internal/remote"
	logx "genqueue/pkg/logx"

	"golang.org/x/time/rate"
)

const (
	DefaultCooldown = 2 * time.Second

	// completionTimeout bounds the store writes after a submit returns.
	completionTimeout = 10 * time.Second
)

type Config struct {
	InstanceID       string
	ConcurrencyLimit int
	Cooldown         time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = ratelimit.DefaultConcurrencyLimit
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	return c
}

// Credentials is the part of the credential lifecycle the scheduler needs.
type Credentials interface {
	HasValid() bool
	Value() (credential.Record, bool)
	Invalidate(ctx context.Context, reason string) error
}

type Options struct {
	Config     Config
	Queue      *queue.Store
	Credential Credentials
	IsLeader   func() bool
	Remote     remote.Service
	Backoff    *backoff.Controller
	Clock      clock.Clock
	Log        logx.Logger
	// Spawn runs the remote submit. Defaults to `go fn()`.
	Spawn func(fn func())
}

type Scheduler struct {
	q        *queue.Store
	cred     Credentials
	isLeader func() bool
	svc      remote.Service
	ctl      *backoff.Controller
	clk      clock.Clock
	log      logx.Logger
	spawn    func(fn func())

	pollWarn rate.Sometimes
	verified atomic.Bool

	mu       sync.Mutex
	cfg      Config
	inflight string
	// unsettled is an item the remote accepted but whose removal from the
	// queue has not been persisted yet.
	unsettled string
	retry     clock.Timer
}

func New(opt Options) *Scheduler {
	if opt.Clock == nil {
		opt.Clock = clock.Real()
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Spawn == nil {
		opt.Spawn = func(fn func()) { go fn() }
	}
	if opt.IsLeader == nil {
		opt.IsLeader = func() bool { return false }
	}
	cfg := opt.Config.withDefaults()
	if opt.Backoff == nil {
		opt.Backoff = backoff.New(backoff.Config{ConcurrencyLimit: cfg.ConcurrencyLimit}, nil)
	}
	return &Scheduler{
		q:        opt.Queue,
		cred:     opt.Credential,
		isLeader: opt.IsLeader,
		svc:      opt.Remote,
		ctl:      opt.Backoff,
		clk:      opt.Clock,
		log:      opt.Log,
		spawn:    opt.Spawn,
		pollWarn: rate.Sometimes{First: 1, Interval: time.Minute},
		cfg:      cfg,
	}
}

// Reconfigure applies new limits; it takes effect on the next tick.
func (s *Scheduler) Reconfigure(cfg Config) {
	s.mu.Lock()
	id := s.cfg.InstanceID
	s.cfg = cfg.withDefaults()
	if s.cfg.InstanceID == "" {
		s.cfg.InstanceID = id
	}
	s.mu.Unlock()
}

// RemoteVerified reports whether the last poll succeeded.
func (s *Scheduler) RemoteVerified() bool { return s.verified.Load() }

// Check evaluates admission against the current shared state without acting.
func (s *Scheduler) Check(ctx context.Context) (string, error) {
	a, err := s.q.Automation(ctx)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	g := s.gateLocked()
	s.mu.Unlock()
	return Admit(a, g, s.clk.Now()), nil
}

func (s *Scheduler) gateLocked() Gate {
	return Gate{
		CredentialPresent: s.cred.HasValid(),
		IsLeader:          s.isLeader(),
		ConcurrencyLimit:  s.cfg.ConcurrencyLimit,
		Cooldown:          s.cfg.Cooldown,
	}
}

// PollTick refreshes activeTaskCount from the remote service and, on success,
// runs a submit tick. A failed poll leaves the queue untouched.
func (s *Scheduler) PollTick(ctx context.Context) error {
	if !s.isLeader() {
		return nil
	}
	act, err := s.svc.PollActive(ctx)
	if err != nil {
		s.verified.Store(false)
		s.pollWarn.Do(func() {
			s.log.Warn("poll active tasks failed", logx.Err(err))
		})
		return fmt.Errorf("poll: %w", err)
	}
	s.verified.Store(true)

	s.mu.Lock()
	now := s.clk.Now()
	id := s.cfg.InstanceID
	_, err = s.q.UpdateAutomation(ctx, func(a *queue.Automation) error {
		a.ActiveTaskCount = act.Active
		a.LastPollAt = now
		a.UpdatedBy = id
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.log.Debug("polled", logx.Int("active", act.Active), logx.Int("total", act.Total))

	_, err = s.SubmitTick(ctx)
	return err
}

// SubmitTick runs admission and, if everything passes and a queued item
// exists, starts one submission. It reports whether a submission started.
func (s *Scheduler) SubmitTick(ctx context.Context) (bool, error) {
	s.mu.Lock()
	item, sub, ok, err := s.claimLocked(ctx)
	s.mu.Unlock()
	if err != nil || !ok {
		return false, err
	}

	s.spawn(func() {
		// In-flight submissions are never cancelled.
		serr := s.svc.Submit(context.Background(), sub)
		s.complete(item, serr)
	})
	return true, nil
}

var errSkip = errors.New("skip")

func (s *Scheduler) claimLocked(ctx context.Context) (queue.Item, remote.Submission, bool, error) {
	if err := s.settlePendingLocked(ctx); err != nil {
		return queue.Item{}, remote.Submission{}, false, err
	}
	a, err := s.q.Automation(ctx)
	if err != nil {
		return queue.Item{}, remote.Submission{}, false, err
	}
	now := s.clk.Now()
	if reason := Admit(a, s.gateLocked(), now); reason != "" {
		s.log.Trace("submit not admitted", logx.String("check", reason))
		return queue.Item{}, remote.Submission{}, false, nil
	}
	rec, err := s.q.Queue(ctx)
	if err != nil {
		return queue.Item{}, remote.Submission{}, false, err
	}
	if rec.Head() < 0 {
		return queue.Item{}, remote.Submission{}, false, nil
	}
	cred, present := s.cred.Value()
	if !present {
		return queue.Item{}, remote.Submission{}, false, nil
	}

	id := s.cfg.InstanceID
	_, err = s.q.UpdateAutomation(ctx, func(a *queue.Automation) error {
		if a.IsSubmitting {
			return errSkip
		}
		a.IsSubmitting = true
		a.LastSubmitAt = now
		a.UpdatedBy = id
		return nil
	})
	if errors.Is(err, errSkip) {
		return queue.Item{}, remote.Submission{}, false, nil
	}
	if err != nil {
		return queue.Item{}, remote.Submission{}, false, err
	}

	var item queue.Item
	_, err = s.q.UpdateQueue(ctx, func(r *queue.Record) error {
		i := r.Head()
		if i < 0 {
			return errSkip
		}
		if err := r.Items[i].Transition(queue.StatusSending, now); err != nil {
			return err
		}
		r.Items[i].Note = "submitting"
		item = r.Items[i]
		return nil
	})
	if err != nil {
		// The queue emptied underneath us; hand the flag back.
		if _, rerr := s.q.UpdateAutomation(ctx, func(a *queue.Automation) error {
			a.IsSubmitting = false
			return nil
		}); rerr != nil {
			s.log.Warn("release submitting flag failed", logx.Err(rerr))
		}
		if errors.Is(err, errSkip) {
			return queue.Item{}, remote.Submission{}, false, nil
		}
		return queue.Item{}, remote.Submission{}, false, err
	}

	s.inflight = item.ID
	s.log.Info("submitting item", logx.String("item", item.ID), logx.Int("retry_count", item.RetryCount))
	return item, remote.Submission{
		ItemID:     item.ID,
		Prompt:     item.Content,
		Options:    item.Options,
		Credential: cred.Value,
		DeviceID:   cred.DeviceID,
		Locale:     cred.Locale,
	}, true, nil
}

func (s *Scheduler) complete(item queue.Item, serr error) {
	ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight = ""

	var err error
	if serr == nil {
		err = s.succeedLocked(ctx, item)
	} else {
		err = s.failLocked(ctx, item, serr)
	}
	if err != nil {
		s.log.Error("record submission result failed", logx.String("item", item.ID), logx.Err(err))
	}
}

func (s *Scheduler) succeedLocked(ctx context.Context, item queue.Item) error {
	qerr := s.settleLocked(ctx, item.ID)
	if qerr != nil {
		s.unsettled = item.ID
	}
	id := s.cfg.InstanceID
	_, aerr := s.q.UpdateAutomation(ctx, func(a *queue.Automation) error {
		a.IsSubmitting = false
		a.ActiveTaskCount++
		a.BackoffUntil = nil
		a.UpdatedBy = id
		return nil
	})
	s.log.Info("item submitted", logx.String("item", item.ID))
	return errors.Join(qerr, aerr)
}

// settleLocked removes a submitted item from the queue. A peer may have
// requeued it in the meantime; it is removed either way.
func (s *Scheduler) settleLocked(ctx context.Context, itemID string) error {
	now := s.clk.Now()
	_, err := s.q.UpdateQueue(ctx, func(r *queue.Record) error {
		i := r.Index(itemID)
		if i < 0 {
			return queue.ErrNoChange
		}
		if r.Items[i].Status == queue.StatusSending {
			if err := r.Items[i].Transition(queue.StatusSubmitted, now); err != nil {
				return err
			}
		}
		r.Remove(itemID)
		return nil
	})
	return err
}

// settlePendingLocked retries a removal that failed after a successful
// submit. Nothing new is claimed until it lands.
func (s *Scheduler) settlePendingLocked(ctx context.Context) error {
	if s.unsettled == "" {
		return nil
	}
	if err := s.settleLocked(ctx, s.unsettled); err != nil {
		return fmt.Errorf("settle %s: %w", s.unsettled, err)
	}
	s.log.Info("submitted item settled", logx.String("item", s.unsettled))
	s.unsettled = ""
	return nil
}

func (s *Scheduler) failLocked(ctx context.Context, item queue.Item, serr error) error {
	now := s.clk.Now()
	cls := ratelimit.Classifier{ConcurrencyLimit: s.cfg.ConcurrencyLimit}
	c := cls.ClassifyFailure(serr, now)

	retries := item.RetryCount
	if rec, err := s.q.Queue(ctx); err == nil {
		if i := rec.Index(item.ID); i >= 0 {
			retries = rec.Items[i].RetryCount
		}
	}
	act := s.ctl.Decide(c, retries)

	s.log.Warn("submission failed",
		logx.String("item", item.ID),
		logx.String("kind", string(c.Kind())),
		logx.Err(&ratelimit.Error{C: c}),
		logx.String("item_status", string(act.ItemStatus)),
		logx.Duration("retry_after", act.RetryAfter),
	)

	// Invalidate before the flag clears so the next admission cannot see a
	// stale credential.
	if act.InvalidateCredential {
		if err := s.cred.Invalidate(ctx, act.Reason); err != nil {
			s.log.Warn("credential invalidate not persisted", logx.Err(err))
		}
	}

	_, qerr := s.q.UpdateQueue(ctx, func(r *queue.Record) error {
		i := r.Index(item.ID)
		if i < 0 {
			return queue.ErrNoChange
		}
		it := &r.Items[i]
		if err := it.Transition(act.ItemStatus, now); err != nil {
			return err
		}
		it.Note = act.Reason
		if act.ItemStatus == queue.StatusError {
			it.ErrorMessage = act.ErrorMessage
			it.RetryCount++
		} else {
			it.ErrorMessage = ""
			if act.IncrementRetry {
				it.RetryCount++
			}
		}
		return nil
	})

	id := s.cfg.InstanceID
	_, aerr := s.q.UpdateAutomation(ctx, func(a *queue.Automation) error {
		a.IsSubmitting = false
		a.UpdatedBy = id
		if act.ActiveTasks >= 0 {
			a.ActiveTaskCount = act.ActiveTasks
		}
		if act.Pause != nil {
			a.Paused = true
			a.PauseReason = act.Pause.Reason
			a.DailyLimitResumeAt = act.Pause.ResumeAt
		}
		if act.RetryAfter > 0 {
			until := now.Add(act.RetryAfter)
			a.BackoffUntil = &until
		}
		return nil
	})

	if act.RetryAfter > 0 {
		s.scheduleRetryLocked(act.RetryAfter)
	}
	return errors.Join(qerr, aerr)
}

func (s *Scheduler) scheduleRetryLocked(d time.Duration) {
	if s.retry != nil {
		s.retry.Stop()
	}
	s.retry = s.clk.AfterFunc(d, func() {
		if _, err := s.SubmitTick(context.Background()); err != nil {
			s.log.Warn("retry submit tick failed", logx.Err(err))
		}
	})
}

// SweepTick lifts a daily-limit pause once its resume time has passed.
func (s *Scheduler) SweepTick(ctx context.Context) error {
	if !s.isLeader() {
		return nil
	}
	s.mu.Lock()
	now := s.clk.Now()
	id := s.cfg.InstanceID
	lifted := false
	_, err := s.q.UpdateAutomation(ctx, func(a *queue.Automation) error {
		if !a.Paused || a.PauseReason != queue.PauseDailyLimit || a.DailyLimitResumeAt == nil || now.Before(*a.DailyLimitResumeAt) {
			return queue.ErrNoChange
		}
		a.ClearPause()
		a.UpdatedBy = id
		lifted = true
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if !lifted {
		return nil
	}
	s.log.Info("daily limit window passed, resuming")
	_, err = s.SubmitTick(ctx)
	return err
}

// Recover resets items stuck in sending and clears the submitting flag. It
// runs when leadership is acquired; a submission this process still has in
// flight is left alone.
func (s *Scheduler) Recover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.settlePendingLocked(ctx); err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}
	now := s.clk.Now()
	inflight := s.inflight

	reset := 0
	_, err := s.q.UpdateQueue(ctx, func(r *queue.Record) error {
		reset = 0
		for i := range r.Items {
			it := &r.Items[i]
			if it.Status != queue.StatusSending || it.ID == inflight {
				continue
			}
			if err := it.Transition(queue.StatusQueued, now); err != nil {
				return err
			}
			it.Note = "recovered after restart"
			reset++
		}
		if reset == 0 {
			return queue.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}
	if inflight == "" {
		id := s.cfg.InstanceID
		_, err = s.q.UpdateAutomation(ctx, func(a *queue.Automation) error {
			if !a.IsSubmitting {
				return queue.ErrNoChange
			}
			a.IsSubmitting = false
			a.UpdatedBy = id
			return nil
		})
		if err != nil {
			return fmt.Errorf("recover automation: %w", err)
		}
	}
	if reset > 0 {
		s.log.Info("recovered stuck items", logx.Int("count", reset))
	}
	return nil
}

// Stop cancels a pending retry timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}
