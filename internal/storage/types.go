package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process map (tests, single-process demo)
//   - "sqlite": SQLite database file shared by processes on one host
//   - "redis":  Redis server shared by processes on any host
type Config struct {
	Driver string

	// sqlite
	Path        string
	BusyTimeout time.Duration

	// redis
	Addr     string
	Password string
	DB       int

	// Prefix namespaces the change channel (redis). Keys are used as given.
	Prefix string

	// PollInterval controls how often the sqlite driver scans for changes
	// written by other processes. 0 means 250ms.
	PollInterval time.Duration
}

// Change describes a single key mutation. Nil Old/New means absent.
type Change struct {
	Key string
	Old []byte
	New []byte
}

// Store is the shared key-value contract.
//
// Watch callbacks run on a driver goroutine (or synchronously after the write
// for the memory driver) and must not block.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Watch(fn func(Change)) (cancel func())
	Close() error
}

// Swapper is implemented by stores that can atomically replace a value only
// when it still equals old. A nil old means "key must be absent"; a nil new
// deletes the key.
type Swapper interface {
	CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error)
}

// LastWriteWins hides any compare-and-swap capability of s, leaving only the
// plain Store contract.
func LastWriteWins(s Store) Store {
	return lww{Store: s}
}

type lww struct{ Store }

// watchers is a small registry shared by all drivers.
type watchers struct {
	mu  sync.RWMutex
	m   map[uint64]func(Change)
	seq atomic.Uint64
}

func (w *watchers) add(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	id := w.seq.Add(1)
	w.mu.Lock()
	if w.m == nil {
		w.m = make(map[uint64]func(Change))
	}
	w.m[id] = fn
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.m, id)
			w.mu.Unlock()
		})
	}
}

func (w *watchers) notify(ch Change) {
	// Snapshot so callbacks may (un)register without deadlocking.
	w.mu.RLock()
	fns := make([]func(Change), 0, len(w.m))
	for _, fn := range w.m {
		fns = append(fns, fn)
	}
	w.mu.RUnlock()

	for _, fn := range fns {
		fn(ch)
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
