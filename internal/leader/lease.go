package leader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"genqueue/internal/clock"
	"genqueue/internal/storage"
	logx "genqueue/pkg/logx"
)

// LeaseElector keeps a Lease record in the shared store.
//
// An instance may claim when no lease exists, when the lease has expired, or
// when it already owns it. With a Swapper the first successful swap wins;
// otherwise the elector writes and reads back.
type LeaseElector struct {
	kv  storage.Store
	cas storage.Swapper
	key string
	cfg Config
	clk clock.Clock
	log logx.Logger

	onChange func(Status)

	mu     sync.Mutex
	leader bool
	last   Lease
}

var _ Elector = (*LeaseElector)(nil)

type LeaseOptions struct {
	Store  storage.Store
	Key    string
	Config Config
	Clock  clock.Clock
	Log    logx.Logger
	// OnChange fires when this instance's belief flips.
	OnChange func(Status)
}

func NewLeaseElector(opt LeaseOptions) *LeaseElector {
	if opt.Clock == nil {
		opt.Clock = clock.Real()
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	e := &LeaseElector{
		kv:       opt.Store,
		key:      opt.Key,
		cfg:      opt.Config.withDefaults(),
		clk:      opt.Clock,
		log:      opt.Log,
		onChange: opt.OnChange,
	}
	if sw, ok := opt.Store.(storage.Swapper); ok {
		e.cas = sw
	}
	return e
}

func (e *LeaseElector) ID() string { return e.cfg.InstanceID }

func (e *LeaseElector) Register(ctx context.Context) (bool, error) {
	ok, err := e.claim(ctx)
	e.log.Info("leader register",
		logx.String("instance", e.cfg.InstanceID),
		logx.Bool("leader", ok),
		logx.Bool("cas", e.cas != nil),
	)
	return ok, err
}

func (e *LeaseElector) Heartbeat(ctx context.Context) (bool, error) {
	return e.claim(ctx)
}

func (e *LeaseElector) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *LeaseElector) statusLocked() Status {
	return Status{
		InstanceID: e.cfg.InstanceID,
		IsLeader:   e.leader,
		OwnerID:    e.last.OwnerID,
		Epoch:      e.last.Epoch,
		ExpiresAt:  e.last.ExpiresAt,
	}
}

func (e *LeaseElector) Release(ctx context.Context) error {
	defer e.set(false, Lease{})
	raw, ok, err := e.kv.Get(ctx, e.key)
	if err != nil {
		return fmt.Errorf("read lease: %w", err)
	}
	if !ok {
		return nil
	}
	cur, err := decodeLease(raw)
	if err != nil {
		return err
	}
	if cur.OwnerID != e.cfg.InstanceID {
		return nil
	}
	if e.cas != nil {
		if _, err := e.cas.CompareAndSwap(ctx, e.key, raw, nil); err != nil {
			return fmt.Errorf("release lease: %w", err)
		}
		return nil
	}
	if err := e.kv.Remove(ctx, e.key); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (e *LeaseElector) claim(ctx context.Context) (bool, error) {
	now := e.clk.Now()
	raw, ok, err := e.kv.Get(ctx, e.key)
	if err != nil {
		return e.transient(now, fmt.Errorf("read lease: %w", err))
	}

	var cur Lease
	if ok {
		if cur, err = decodeLease(raw); err != nil {
			// A corrupt record is treated as absent and overwritten.
			e.log.Warn("lease record unreadable", logx.Err(err))
			cur = Lease{}
		}
	}
	if cur.OwnerID != "" && cur.OwnerID != e.cfg.InstanceID && cur.ExpiresAt.After(now) {
		e.set(false, cur)
		return false, nil
	}

	next := Lease{
		OwnerID:   e.cfg.InstanceID,
		ExpiresAt: now.Add(e.cfg.LeaseDuration),
		Epoch:     cur.Epoch,
		RenewedAt: now,
	}
	if cur.OwnerID != e.cfg.InstanceID {
		next.Epoch++
	}
	b, err := json.Marshal(next)
	if err != nil {
		return false, err
	}

	if e.cas != nil {
		var old []byte
		if ok {
			old = raw
		}
		swapped, err := e.cas.CompareAndSwap(ctx, e.key, old, b)
		if err != nil {
			return e.transient(now, fmt.Errorf("write lease: %w", err))
		}
		if !swapped {
			// Someone else moved first; learn who on the next tick.
			e.set(false, cur)
			return false, nil
		}
		e.set(true, next)
		return true, nil
	}

	if err := e.kv.Set(ctx, e.key, b); err != nil {
		return e.transient(now, fmt.Errorf("write lease: %w", err))
	}
	back, ok, err := e.kv.Get(ctx, e.key)
	if err != nil {
		return e.transient(now, fmt.Errorf("read back lease: %w", err))
	}
	if !ok {
		e.set(false, Lease{})
		return false, nil
	}
	seen, err := decodeLease(back)
	if err != nil {
		e.set(false, Lease{})
		return false, nil
	}
	mine := seen.OwnerID == e.cfg.InstanceID
	e.set(mine, seen)
	return mine, nil
}

// transient keeps a leader's belief while its own last-known lease is still
// valid; otherwise the instance demotes.
func (e *LeaseElector) transient(now time.Time, err error) (bool, error) {
	e.mu.Lock()
	keep := e.leader && e.last.OwnerID == e.cfg.InstanceID && e.last.ExpiresAt.After(now)
	last := e.last
	e.mu.Unlock()
	if !keep {
		e.set(false, last)
	}
	e.log.Warn("lease store error", logx.Err(err), logx.Bool("still_leader", keep))
	return keep, err
}

func (e *LeaseElector) set(leader bool, l Lease) {
	e.mu.Lock()
	changed := e.leader != leader
	e.leader = leader
	e.last = l
	st := e.statusLocked()
	e.mu.Unlock()

	if !changed {
		return
	}
	if leader {
		e.log.Info("leadership acquired", logx.Int64("epoch", l.Epoch), logx.Time("expires_at", l.ExpiresAt))
	} else {
		e.log.Info("leadership lost", logx.String("owner", l.OwnerID))
	}
	if e.onChange != nil {
		e.onChange(st)
	}
}

func decodeLease(b []byte) (Lease, error) {
	var l Lease
	if err := json.Unmarshal(b, &l); err != nil {
		return Lease{}, fmt.Errorf("decode lease: %w", err)
	}
	return l, nil
}
