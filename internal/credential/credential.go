// Package credential tracks the opaque submission credential and its
// lifecycle: not_captured -> captured -> invalidated -> captured.
//
// The record is cached in memory and persisted in the shared store. Other
// instances pick up changes through the store's change notification.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"genqueue/internal/clock"
	"genqueue/internal/storage"
	logx "genqueue/pkg/logx"
)

type State string

const (
	StateNotCaptured State = "not_captured"
	StateCaptured    State = "captured"
	StateInvalidated State = "invalidated"
)

var ErrEmptyValue = errors.New("credential value is empty")

// Aux carries fields submitted alongside the credential.
type Aux struct {
	DeviceID string `json:"deviceId,omitempty"`
	Locale   string `json:"locale,omitempty"`
}

// Event is what a credential provider emits when a credential becomes
// observable.
type Event struct {
	Value      string
	Aux        Aux
	CapturedAt time.Time
}

// Record is the persisted credential. Value never appears in logs or in
// Status.
type Record struct {
	Present    bool      `json:"present"`
	Value      string    `json:"value,omitempty"`
	CapturedAt time.Time `json:"capturedAt,omitempty"`
	DeviceID   string    `json:"deviceId,omitempty"`
	Locale     string    `json:"locale,omitempty"`
	State      State     `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	Rev        int64     `json:"rev"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Status is the redacted view of a Record.
type Status struct {
	Present    bool      `json:"present"`
	State      State     `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	CapturedAt time.Time `json:"capturedAt,omitempty"`
	DeviceID   string    `json:"deviceId,omitempty"`
	Locale     string    `json:"locale,omitempty"`
}

func (r Record) Status() Status {
	st := r.State
	if st == "" {
		st = StateNotCaptured
	}
	return Status{
		Present:    r.Present,
		State:      st,
		Reason:     r.Reason,
		CapturedAt: r.CapturedAt,
		DeviceID:   r.DeviceID,
		Locale:     r.Locale,
	}
}

func (r Record) String() string {
	return fmt.Sprintf("credential{present=%v state=%s device=%s}", r.Present, r.Status().State, r.DeviceID)
}

type Options struct {
	Store storage.Store
	Key   string
	Clock clock.Clock
	Log   logx.Logger
	// OnChange is called outside any lock whenever presence or state changes,
	// whether the change was made locally or observed from the store.
	OnChange func(Status)
}

type Lifecycle struct {
	store    storage.Store
	key      string
	clk      clock.Clock
	log      logx.Logger
	onChange func(Status)

	mu  sync.RWMutex
	rec Record

	unwatch func()
}

func New(opt Options) *Lifecycle {
	if opt.Clock == nil {
		opt.Clock = clock.Real()
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	return &Lifecycle{
		store:    opt.Store,
		key:      opt.Key,
		clk:      opt.Clock,
		log:      opt.Log,
		onChange: opt.OnChange,
		rec:      Record{State: StateNotCaptured},
	}
}

// Start loads the persisted record and subscribes to store changes.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.unwatch = l.store.Watch(func(c storage.Change) {
		if c.Key != l.key {
			return
		}
		var rec Record
		if c.New != nil {
			if err := json.Unmarshal(c.New, &rec); err != nil {
				l.log.Warn("credential record decode failed", logx.Err(err))
				return
			}
		}
		l.observe(rec)
	})

	b, ok, err := l.store.Get(ctx, l.key)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if !ok {
		return nil
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return fmt.Errorf("decode credential: %w", err)
	}
	l.observe(rec)
	return nil
}

func (l *Lifecycle) Stop() {
	if l.unwatch != nil {
		l.unwatch()
	}
}

// HasValid reports whether a usable credential is cached.
func (l *Lifecycle) HasValid() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rec.Present && l.rec.Value != ""
}

// Value returns the cached record, including the secret.
func (l *Lifecycle) Value() (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rec, l.rec.Present
}

func (l *Lifecycle) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rec.Status()
}

// Set records a manually supplied credential.
func (l *Lifecycle) Set(ctx context.Context, value string, aux Aux) error {
	return l.Capture(ctx, Event{Value: value, Aux: aux})
}

// Capture records a credential observed by a provider.
func (l *Lifecycle) Capture(ctx context.Context, ev Event) error {
	value := strings.TrimSpace(ev.Value)
	if value == "" {
		return ErrEmptyValue
	}
	at := ev.CapturedAt
	if at.IsZero() {
		at = l.clk.Now()
	}
	return l.apply(ctx, func(r *Record) bool {
		if r.Present && r.Value == value && r.DeviceID == ev.Aux.DeviceID && r.Locale == ev.Aux.Locale {
			return false
		}
		*r = Record{
			Present:    true,
			Value:      value,
			CapturedAt: at,
			DeviceID:   ev.Aux.DeviceID,
			Locale:     ev.Aux.Locale,
			State:      StateCaptured,
			Rev:        r.Rev,
		}
		return true
	})
}

// Invalidate drops the credential. The cache is updated before Invalidate
// returns, even if persisting fails.
func (l *Lifecycle) Invalidate(ctx context.Context, reason string) error {
	return l.apply(ctx, func(r *Record) bool {
		if !r.Present {
			return false
		}
		*r = Record{State: StateInvalidated, Reason: reason, Rev: r.Rev}
		return true
	})
}

// Clear is a user-initiated Invalidate.
func (l *Lifecycle) Clear(ctx context.Context) error {
	return l.Invalidate(ctx, "cleared")
}

func (l *Lifecycle) apply(ctx context.Context, mutate func(r *Record) bool) error {
	l.mu.Lock()
	next := l.rec
	if !mutate(&next) {
		l.mu.Unlock()
		return nil
	}
	next.Rev++
	next.UpdatedAt = l.clk.Now()
	prev := l.rec.Status()
	l.rec = next
	l.mu.Unlock()

	l.log.Info("credential state changed",
		logx.String("state", string(next.State)),
		logx.Bool("present", next.Present),
		logx.String("device_id", next.DeviceID),
	)
	l.emit(prev, next.Status())

	b, err := json.Marshal(next)
	if err != nil {
		return err
	}
	// The store may notify synchronously, so no lock is held here.
	if err := l.store.Set(ctx, l.key, b); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	return nil
}

// observe folds a record read from the store into the cache. Older revisions
// (including echoes of our own writes) are ignored.
func (l *Lifecycle) observe(rec Record) {
	if rec.State == "" {
		rec.State = StateNotCaptured
	}
	l.mu.Lock()
	cur := l.rec
	if rec.Rev < cur.Rev || (rec.Rev == cur.Rev && !rec.UpdatedAt.After(cur.UpdatedAt)) {
		l.mu.Unlock()
		return
	}
	l.rec = rec
	l.mu.Unlock()
	l.emit(cur.Status(), rec.Status())
}

func (l *Lifecycle) emit(prev, next Status) {
	if l.onChange == nil {
		return
	}
	if prev.Present == next.Present && prev.State == next.State {
		return
	}
	l.onChange(next)
}
