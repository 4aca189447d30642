package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"genqueue/internal/storage"
	logx "genqueue/pkg/logx"
)

const maxCASAttempts = 8

// Store reads and writes the queue and automation records. Every mutation is
// a read-modify-write of the whole record; when the backing store supports
// compare-and-swap the write is conditional and retried on conflict.
type Store struct {
	kv  storage.Store
	cas storage.Swapper
	log logx.Logger

	QueueKey      string
	AutomationKey string
}

func NewStore(kv storage.Store, prefix string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		kv:            kv,
		log:           log,
		QueueKey:      prefix + "queue",
		AutomationKey: prefix + "automation",
	}
	if sw, ok := kv.(storage.Swapper); ok {
		s.cas = sw
	}
	return s
}

func (s *Store) Queue(ctx context.Context) (Record, error) {
	var r Record
	_, err := s.load(ctx, s.QueueKey, &r)
	return r, err
}

func (s *Store) Automation(ctx context.Context) (Automation, error) {
	var a Automation
	_, err := s.load(ctx, s.AutomationKey, &a)
	return a, err
}

// UpdateQueue applies fn to the current queue record and persists the result.
// fn may run more than once.
func (s *Store) UpdateQueue(ctx context.Context, fn func(r *Record) error) (Record, error) {
	var out Record
	err := s.update(ctx, s.QueueKey, func(raw []byte) ([]byte, error) {
		var r Record
		if err := decode(raw, &r); err != nil {
			return nil, err
		}
		if err := fn(&r); err != nil {
			out = r
			return nil, err
		}
		r.Version++
		out = r
		return json.Marshal(r)
	})
	return out, err
}

func (s *Store) UpdateAutomation(ctx context.Context, fn func(a *Automation) error) (Automation, error) {
	var out Automation
	err := s.update(ctx, s.AutomationKey, func(raw []byte) ([]byte, error) {
		var a Automation
		if err := decode(raw, &a); err != nil {
			return nil, err
		}
		if err := fn(&a); err != nil {
			out = a
			return nil, err
		}
		a.Version++
		out = a
		return json.Marshal(a)
	})
	return out, err
}

// DecodeQueue and DecodeAutomation turn change payloads into records.
func DecodeQueue(b []byte) (Record, error) {
	var r Record
	err := decode(b, &r)
	return r, err
}

func DecodeAutomation(b []byte) (Automation, error) {
	var a Automation
	err := decode(b, &a)
	return a, err
}

func (s *Store) load(ctx context.Context, key string, v any) (bool, error) {
	b, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := decode(b, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) update(ctx context.Context, key string, mutate func(raw []byte) ([]byte, error)) error {
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		raw, ok, err := s.kv.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		if !ok {
			raw = nil
		}
		next, err := mutate(raw)
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		if err != nil {
			return err
		}

		if s.cas == nil {
			if err := s.kv.Set(ctx, key, next); err != nil {
				return fmt.Errorf("write %s: %w", key, err)
			}
			return nil
		}
		var old []byte
		if ok {
			old = raw
			if old == nil {
				old = []byte{}
			}
		}
		swapped, err := s.cas.CompareAndSwap(ctx, key, old, next)
		if err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
		if swapped {
			return nil
		}
		s.log.Debug("record changed underneath, retrying", logx.String("key", key), logx.Int("attempt", attempt))
	}
	return fmt.Errorf("%s: %w", key, ErrConflict)
}

func decode(b []byte, v any) error {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}
