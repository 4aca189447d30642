package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"genqueue/internal/config"
	"genqueue/internal/leader"
	"genqueue/internal/storage"
	logx "genqueue/pkg/logx"

	"github.com/alicebob/miniredis/v2"
)

func fakeRemote(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/tasks/active":
			_, _ = w.Write([]byte(`{"active":0,"total":0}`))
		case r.Method == http.MethodPost && r.URL.Path == "/tasks":
			w.WriteHeader(http.StatusAccepted)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "genqueue.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestAppLifecycle(t *testing.T) {
	t.Parallel()
	remote := fakeRemote(t)
	path := writeConfig(t, fmt.Sprintf(`{
		"instance": {"id": "app-test"},
		"logging": {"level": "error"},
		"storage": {"driver": "memory", "prefix": "t:"},
		"leader": {"lease_duration": "3s", "heartbeat_interval": "100ms"},
		"remote": {"base_url": %q},
		"submission": {"default_options": {"orientation": "portrait"}}
	}`, remote.URL))

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		snap, err := a.Core().Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if snap.Leader.IsLeader && snap.Leader.OwnerID == "app-test" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never became leader: %+v", snap.Leader)
		}
		time.Sleep(20 * time.Millisecond)
	}

	id, err := a.Core().Enqueue(ctx, "a lighthouse at dusk", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	snap, _ := a.Core().Snapshot(ctx)
	if len(snap.Queue) != 1 || snap.Queue[0].ID != id || snap.Queue[0].Options["orientation"] != "portrait" {
		t.Fatalf("queue = %+v", snap.Queue)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	t.Parallel()
	if _, err := NewApp(writeConfig(t, `{"storage":{"driver":"memory"}}`)); err == nil {
		t.Fatalf("NewApp without remote.base_url succeeded")
	}
	if _, err := NewApp(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("NewApp with missing file succeeded")
	}
}

func TestMapCore(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Storage: config.StorageConfig{Prefix: "gq:"},
		Scheduler: config.SchedulerConfig{
			ConcurrencyLimit: 2,
			SubmitInterval:   "1s",
			Cooldown:         "4s",
			RetryBase:        "20s",
			RetryMax:         5,
		},
		Submission: config.SubmissionConfig{DefaultOptions: map[string]string{"orientation": "square"}},
	}
	lc, err := mapLeader(cfg, "me")
	if err != nil {
		t.Fatalf("mapLeader: %v", err)
	}
	cc, err := mapCore(cfg, lc)
	if err != nil {
		t.Fatalf("mapCore: %v", err)
	}
	if cc.InstanceID != "me" || cc.Prefix != "gq:" || cc.SubmitInterval != time.Second || cc.Cooldown != 4*time.Second {
		t.Fatalf("core config = %+v", cc)
	}
	if cc.Backoff.RetryBase != 20*time.Second || cc.Backoff.MaxRetries != 5 || cc.Backoff.ConcurrencyLimit != 2 {
		t.Fatalf("backoff = %+v", cc.Backoff)
	}
	if cc.HeartbeatInterval != leader.DefaultLeaseDuration/3 {
		t.Fatalf("heartbeat = %v", cc.HeartbeatInterval)
	}

	cfg.Scheduler.PollInterval = "often"
	if _, err := mapCore(cfg, lc); err == nil {
		t.Fatalf("bad duration accepted")
	}
}

func TestNewElectorBackends(t *testing.T) {
	t.Parallel()
	lc := leader.Config{InstanceID: "x"}

	mem := storage.NewMemory()
	el, err := newElector(&config.Config{}, mem, lc, logx.Nop())
	if err != nil {
		t.Fatalf("lease elector: %v", err)
	}
	if _, ok := el.(*leader.LeaseElector); !ok {
		t.Fatalf("got %T, want *leader.LeaseElector", el)
	}

	redislock := &config.Config{Leader: config.LeaderConfig{Backend: "redislock"}}
	if _, err := newElector(redislock, mem, lc, logx.Nop()); err == nil {
		t.Fatalf("redislock on memory store accepted")
	}

	mr := miniredis.RunT(t)
	rs, err := storage.Open(storage.Config{Driver: "redis", Addr: mr.Addr()}, logx.Nop())
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	defer rs.Close()
	el, err = newElector(redislock, rs, lc, logx.Nop())
	if err != nil {
		t.Fatalf("redislock elector: %v", err)
	}
	if _, ok := el.(*leader.RedisLockElector); !ok {
		t.Fatalf("got %T, want *leader.RedisLockElector", el)
	}
}
