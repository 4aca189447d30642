package storage

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "genqueue/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const (
	sqliteDefaultPoll   = 250 * time.Millisecond
	sqliteChangeBatch   = 256
	sqliteChangeRetain  = 10 * time.Minute
	sqlitePruneEveryN   = 200
	sqliteOpTimeoutPoll = 2 * time.Second
)

// sqliteStore keeps values in a kv table and appends every mutation to a
// changes log in the same transaction. A poll loop tails the log, which is
// how writes from other processes reach local watchers.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	w watchers

	mu     sync.Mutex
	cursor int64
	closed bool

	stop chan struct{}
	done chan struct{}
}

var (
	_ Store   = (*sqliteStore)(nil)
	_ Swapper = (*sqliteStore)(nil)
)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{
		db:   db,
		log:  log,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	// Only changes made after open are delivered.
	if err := db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&st.cursor); err != nil {
		_ = db.Close()
		return nil, err
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = sqliteDefaultPoll
	}
	go st.tail(poll)
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	<-s.done
	return s.db.Close()
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *sqliteStore) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		old, _, err := getTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := putTx(ctx, tx, key, value); err != nil {
			return err
		}
		return logChangeTx(ctx, tx, key, old, value)
	})
}

func (s *sqliteStore) Remove(ctx context.Context, key string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		old, ok, err := getTx(ctx, tx, key)
		if err != nil || !ok {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return err
		}
		return logChangeTx(ctx, tx, key, old, nil)
	})
}

func (s *sqliteStore) CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error) {
	swapped := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, ok, err := getTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if old == nil {
			if ok {
				return nil
			}
		} else if !ok || !bytes.Equal(cur, old) {
			return nil
		}

		if new == nil {
			if ok {
				if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
					return err
				}
				if err := logChangeTx(ctx, tx, key, cur, nil); err != nil {
					return err
				}
			}
		} else {
			if err := putTx(ctx, tx, key, new); err != nil {
				return err
			}
			if err := logChangeTx(ctx, tx, key, cur, new); err != nil {
				return err
			}
		}
		swapped = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (s *sqliteStore) Watch(fn func(Change)) func() {
	return s.w.add(fn)
}

func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func getTx(ctx context.Context, tx *sql.Tx, key string) ([]byte, bool, error) {
	var v []byte
	err := tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func putTx(ctx context.Context, tx *sql.Tx, key string, value []byte) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	return err
}

func logChangeTx(ctx context.Context, tx *sql.Tx, key string, old, new []byte) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO changes(key, old, new, at) VALUES(?,?,?,?)`,
		key, nullBytes(old), nullBytes(new), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) tail(every time.Duration) {
	defer close(s.done)
	t := time.NewTicker(every)
	defer t.Stop()

	polls := 0
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), sqliteOpTimeoutPoll)
		if err := s.drain(ctx); err != nil {
			s.log.Debug("sqlite change poll failed", logx.Err(err))
		}
		polls++
		if polls%sqlitePruneEveryN == 0 {
			cutoff := time.Now().Add(-sqliteChangeRetain).UnixMilli()
			if _, err := s.db.ExecContext(ctx, `DELETE FROM changes WHERE at < ?`, cutoff); err != nil {
				s.log.Debug("sqlite change prune failed", logx.Err(err))
			}
		}
		cancel()
	}
}

func (s *sqliteStore) drain(ctx context.Context) error {
	s.mu.Lock()
	cursor := s.cursor
	s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, key, old, new FROM changes WHERE seq > ? ORDER BY seq LIMIT ?`,
		cursor, sqliteChangeBatch,
	)
	if err != nil {
		return err
	}
	var batch []Change
	for rows.Next() {
		var (
			seq int64
			ch  Change
		)
		if err := rows.Scan(&seq, &ch.Key, &ch.Old, &ch.New); err != nil {
			_ = rows.Close()
			return err
		}
		cursor = seq
		batch = append(batch, ch)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cursor = cursor
	s.mu.Unlock()

	for _, ch := range batch {
		s.w.notify(ch)
	}
	return nil
}

func nullBytes(v []byte) any {
	if v == nil {
		return nil
	}
	return v
}
