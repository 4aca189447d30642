package storage

import (
	"bytes"
	"context"
	"sync"
)

// Memory is an in-process store. Several instances in one process may share
// a single Memory to coordinate exactly as they would through sqlite or redis.
type Memory struct {
	mu     sync.Mutex
	data   map[string][]byte
	closed bool

	w watchers
}

var (
	_ Store   = (*Memory)(nil)
	_ Swapper = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{data: map[string][]byte{}}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.data[key]
	return clone(v), ok, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	_ = ctx
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	old := m.data[key]
	m.data[key] = clone(value)
	m.mu.Unlock()

	m.w.notify(Change{Key: key, Old: clone(old), New: clone(value)})
	return nil
}

func (m *Memory) Remove(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	old, ok := m.data[key]
	delete(m.data, key)
	m.mu.Unlock()

	if ok {
		m.w.notify(Change{Key: key, Old: old})
	}
	return nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error) {
	_ = ctx
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrClosed
	}
	cur, ok := m.data[key]
	if old == nil {
		if ok {
			m.mu.Unlock()
			return false, nil
		}
	} else if !ok || !bytes.Equal(cur, old) {
		m.mu.Unlock()
		return false, nil
	}

	if new == nil {
		delete(m.data, key)
	} else {
		m.data[key] = clone(new)
	}
	m.mu.Unlock()

	if ok || new != nil {
		m.w.notify(Change{Key: key, Old: clone(cur), New: clone(new)})
	}
	return true, nil
}

func (m *Memory) Watch(fn func(Change)) func() {
	return m.w.add(fn)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
