package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	logx "genqueue/pkg/logx"

	"github.com/redis/go-redis/v9"
)

const redisConnectTimeout = 5 * time.Second

// Redis is a store backed by a Redis server. Mutations are published on a
// pub/sub channel so every subscribed instance observes them.
type Redis struct {
	rdb     redis.UniversalClient
	channel string
	log     logx.Logger
	owned   bool

	w watchers

	sub    *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

var (
	_ Store   = (*Redis)(nil)
	_ Swapper = (*Redis)(nil)
)

type redisChange struct {
	Key string `json:"key"`
	Old []byte `json:"old"`
	New []byte `json:"new"`
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	st, err := NewRedis(rdb, cfg.Prefix, log)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	st.owned = true
	log.Info("connected to redis", logx.String("addr", addr), logx.Int("db", cfg.DB))
	return st, nil
}

// NewRedis wraps an existing client. The caller keeps ownership of rdb.
func NewRedis(rdb redis.UniversalClient, prefix string, log logx.Logger) (*Redis, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Redis{
		rdb:     rdb,
		channel: prefix + "changes",
		log:     log,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.sub = rdb.Subscribe(ctx, s.channel)
	// Wait for the subscription confirmation so no change published after
	// NewRedis returns is missed.
	rctx, rcancel := context.WithTimeout(ctx, redisConnectTimeout)
	_, err := s.sub.Receive(rctx)
	rcancel()
	if err != nil {
		cancel()
		_ = s.sub.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.listen(ctx)
	return s, nil
}

// Client exposes the underlying client (e.g. for redislock).
func (s *Redis) Client() redis.UniversalClient { return s.rdb }

func (s *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *Redis) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	var oldCmd *redis.StringCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		oldCmd = p.Get(ctx, key)
		p.Set(ctx, key, value, 0)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	old, oerr := oldCmd.Bytes()
	if oerr != nil {
		old = nil
	}
	return s.publish(ctx, Change{Key: key, Old: old, New: value})
}

func (s *Redis) Remove(ctx context.Context, key string) error {
	var oldCmd *redis.StringCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		oldCmd = p.Get(ctx, key)
		p.Del(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	old, oerr := oldCmd.Bytes()
	if oerr != nil {
		// Nothing was there; nothing to announce.
		return nil
	}
	return s.publish(ctx, Change{Key: key, Old: old})
}

var errCASMismatch = errors.New("cas mismatch")

func (s *Redis) CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error) {
	var cur []byte
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		v, err := tx.Get(ctx, key).Bytes()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists = false
		} else if err != nil {
			return err
		}
		if old == nil {
			if exists {
				return errCASMismatch
			}
		} else if !exists || !bytes.Equal(v, old) {
			return errCASMismatch
		}
		if exists {
			cur = v
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if new == nil {
				p.Del(ctx, key)
			} else {
				p.Set(ctx, key, new, 0)
			}
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, errCASMismatch), errors.Is(err, redis.TxFailedErr):
		return false, nil
	case err != nil:
		return false, err
	}
	if cur != nil || new != nil {
		if perr := s.publish(ctx, Change{Key: key, Old: cur, New: new}); perr != nil {
			s.log.Warn("redis change publish failed", logx.String("key", key), logx.Err(perr))
		}
	}
	return true, nil
}

func (s *Redis) Watch(fn func(Change)) func() {
	return s.w.add(fn)
}

func (s *Redis) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.sub.Close()
		s.wg.Wait()
		if s.owned {
			err = s.rdb.Close()
		}
	})
	return err
}

func (s *Redis) publish(ctx context.Context, ch Change) error {
	b, err := json.Marshal(redisChange{Key: ch.Key, Old: ch.Old, New: ch.New})
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, s.channel, b).Err()
}

func (s *Redis) listen(ctx context.Context) {
	defer s.wg.Done()
	msgs := s.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			var rc redisChange
			if err := json.Unmarshal([]byte(m.Payload), &rc); err != nil {
				s.log.Debug("redis change decode failed", logx.Err(err))
				continue
			}
			s.w.notify(Change{Key: rc.Key, Old: rc.Old, New: rc.New})
		}
	}
}
