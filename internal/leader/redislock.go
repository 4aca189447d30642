package leader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"genqueue/internal/clock"
	logx "genqueue/pkg/logx"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// RedisLockElector holds leadership as a redislock lock. The lock TTL is the
// lease duration and the lock metadata is the instance id.
type RedisLockElector struct {
	locker *redislock.Client
	key    string
	cfg    Config
	clk    clock.Clock
	log    logx.Logger

	onChange func(Status)

	mu   sync.Mutex
	lock *redislock.Lock
	last Lease
}

var _ Elector = (*RedisLockElector)(nil)

type RedisLockOptions struct {
	Client   redis.UniversalClient
	Key      string
	Config   Config
	Clock    clock.Clock
	Log      logx.Logger
	OnChange func(Status)
}

func NewRedisLockElector(opt RedisLockOptions) *RedisLockElector {
	if opt.Clock == nil {
		opt.Clock = clock.Real()
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	return &RedisLockElector{
		locker:   redislock.New(opt.Client),
		key:      opt.Key,
		cfg:      opt.Config.withDefaults(),
		clk:      opt.Clock,
		log:      opt.Log,
		onChange: opt.OnChange,
	}
}

func (e *RedisLockElector) ID() string { return e.cfg.InstanceID }

func (e *RedisLockElector) Register(ctx context.Context) (bool, error) {
	return e.Heartbeat(ctx)
}

func (e *RedisLockElector) Heartbeat(ctx context.Context) (bool, error) {
	now := e.clk.Now()

	e.mu.Lock()
	held := e.lock
	epoch := e.last.Epoch
	e.mu.Unlock()

	if held != nil {
		err := held.Refresh(ctx, e.cfg.LeaseDuration, nil)
		switch {
		case err == nil:
			e.set(held, Lease{OwnerID: e.cfg.InstanceID, ExpiresAt: now.Add(e.cfg.LeaseDuration), Epoch: epoch, RenewedAt: now})
			return true, nil
		case errors.Is(err, redislock.ErrNotObtained):
			e.set(nil, Lease{Epoch: epoch})
			return false, nil
		default:
			e.mu.Lock()
			keep := e.last.ExpiresAt.After(now)
			e.mu.Unlock()
			if !keep {
				e.set(nil, Lease{Epoch: epoch})
			}
			e.log.Warn("lock refresh failed", logx.Err(err), logx.Bool("still_leader", keep))
			return keep, fmt.Errorf("refresh lock: %w", err)
		}
	}

	lock, err := e.locker.Obtain(ctx, e.key, e.cfg.LeaseDuration, &redislock.Options{Metadata: e.cfg.InstanceID})
	if errors.Is(err, redislock.ErrNotObtained) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("obtain lock: %w", err)
	}
	e.set(lock, Lease{OwnerID: e.cfg.InstanceID, ExpiresAt: now.Add(e.cfg.LeaseDuration), Epoch: epoch + 1, RenewedAt: now})
	return true, nil
}

func (e *RedisLockElector) Release(ctx context.Context) error {
	e.mu.Lock()
	held := e.lock
	epoch := e.last.Epoch
	e.mu.Unlock()
	if held == nil {
		return nil
	}
	defer e.set(nil, Lease{Epoch: epoch})
	if err := held.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (e *RedisLockElector) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		InstanceID: e.cfg.InstanceID,
		IsLeader:   e.lock != nil,
		OwnerID:    e.last.OwnerID,
		Epoch:      e.last.Epoch,
		ExpiresAt:  e.last.ExpiresAt,
	}
}

func (e *RedisLockElector) set(lock *redislock.Lock, l Lease) {
	e.mu.Lock()
	changed := (e.lock != nil) != (lock != nil)
	e.lock = lock
	e.last = l
	st := Status{
		InstanceID: e.cfg.InstanceID,
		IsLeader:   lock != nil,
		OwnerID:    l.OwnerID,
		Epoch:      l.Epoch,
		ExpiresAt:  l.ExpiresAt,
	}
	e.mu.Unlock()

	if !changed {
		return
	}
	e.log.Info("leadership changed", logx.Bool("leader", st.IsLeader), logx.Int64("epoch", st.Epoch))
	if e.onChange != nil {
		e.onChange(st)
	}
}
