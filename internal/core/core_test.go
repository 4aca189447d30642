package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"genqueue/internal/clock"
	"genqueue/internal/credential"
	"genqueue/internal/eventbus"
	"genqueue/internal/leader"
	"genqueue/internal/queue"
	"genqueue/internal/remote"
	"genqueue/internal/scheduler"
	"genqueue/internal/storage"
)

var t0 = time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)

type stubRemote struct {
	mu     sync.Mutex
	errs   []error
	active int
	calls  []remote.Submission
}

func (s *stubRemote) PollActive(ctx context.Context) (remote.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return remote.Activity{Active: s.active, Total: s.active}, nil
}

func (s *stubRemote) Submit(ctx context.Context, sub remote.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sub)
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *stubRemote) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestCore(t *testing.T, st storage.Store, clk *clock.Fake, rem remote.Service, id string) *Core {
	t.Helper()
	el := leader.NewLeaseElector(leader.LeaseOptions{
		Store:  st,
		Key:    "gq:leader",
		Config: leader.Config{InstanceID: id},
		Clock:  clk,
	})
	c, err := New(Options{
		Config: Config{
			InstanceID:     id,
			Prefix:         "gq:",
			DefaultOptions: map[string]string{"orientation": "landscape"},
		},
		Store:   st,
		Elector: el,
		Remote:  rem,
		Clock:   clk,
		Spawn:   func(fn func()) { fn() },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

// armed makes c the leader with a credential and automation enabled.
func armed(t *testing.T, c *Core) {
	t.Helper()
	ctx := context.Background()
	if err := c.SetCredential(ctx, "secret", credential.Aux{DeviceID: "d1"}); err != nil {
		t.Fatalf("SetCredential: %v", err)
	}
	if err := c.SetAutomationEnabled(ctx, true); err != nil {
		t.Fatalf("SetAutomationEnabled: %v", err)
	}
	if ok, err := c.Heartbeat(ctx); err != nil || !ok {
		t.Fatalf("Heartbeat = %v, %v", ok, err)
	}
}

func drain(ch <-chan eventbus.Event) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestEnqueueSnapshotRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestCore(t, storage.NewMemory(), clock.NewFake(t0), &stubRemote{}, "a")

	id, err := c.Enqueue(ctx, "  a lighthouse at dusk  ", map[string]string{"style": "ink"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	snap, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Queue) != 1 {
		t.Fatalf("queue = %+v", snap.Queue)
	}
	it := snap.Queue[0]
	if it.ID != id || it.Content != "a lighthouse at dusk" || it.Status != queue.StatusQueued {
		t.Fatalf("item = %+v", it)
	}
	if it.Options["orientation"] != "landscape" || it.Options["style"] != "ink" {
		t.Fatalf("options not merged over defaults: %v", it.Options)
	}
	if snap.CredentialPresent || snap.Blocked != scheduler.CheckDisabled {
		t.Fatalf("snapshot = %+v", snap)
	}

	if err := c.Remove(ctx, id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	snap, _ = c.Snapshot(ctx)
	if len(snap.Queue) != 0 {
		t.Fatalf("queue after remove = %+v", snap.Queue)
	}
	if err := c.Remove(ctx, id); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("second Remove = %v, want ErrNotFound", err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	c := newTestCore(t, storage.NewMemory(), clock.NewFake(t0), &stubRemote{}, "a")
	_, err := c.Enqueue(context.Background(), "   ", nil)
	var ve *queue.ValidationError
	if !errors.As(err, &ve) || ve.Fields["content"] == "" {
		t.Fatalf("Enqueue blank = %v", err)
	}
}

func TestSubmissionEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rem := &stubRemote{}
	c := newTestCore(t, storage.NewMemory(), clock.NewFake(t0), rem, "a")
	events, unsub := c.Bus().Subscribe(64)
	defer unsub()

	armed(t, c)
	id, err := c.Enqueue(ctx, "hello", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if rem.count() != 1 {
		t.Fatalf("remote calls = %d", rem.count())
	}

	var items []ItemStatusChanged
	var sawLeader, sawCredential bool
	for _, e := range drain(events) {
		switch d := e.Data.(type) {
		case ItemStatusChanged:
			items = append(items, d)
		case LeaderStatusChanged:
			sawLeader = d.IsLeader && e.Type == EventLeaderStatusChanged
		case CredentialStateChanged:
			sawCredential = d.Present
		}
	}
	if !sawLeader || !sawCredential {
		t.Fatalf("leader=%v credential=%v events missing", sawLeader, sawCredential)
	}
	want := []ItemStatusChanged{
		{ID: id, New: queue.StatusQueued, Reason: "enqueued"},
		{ID: id, Old: queue.StatusQueued, New: queue.StatusSending, Reason: "submitting"},
		{ID: id, Old: queue.StatusSending, New: queue.StatusSubmitted, Reason: "submitted"},
	}
	if len(items) != len(want) {
		t.Fatalf("item events = %+v", items)
	}
	for i := range want {
		if items[i] != want[i] {
			t.Fatalf("event %d = %+v, want %+v", i, items[i], want[i])
		}
	}
}

func TestResumeAfterDailyLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewFake(t0)
	rem := &stubRemote{errs: []error{&remote.Failure{StatusCode: 429, Body: []byte(`{"error":{"type":"daily_limit_exceeded"},"reset_seconds":3600}`)}}}
	c := newTestCore(t, storage.NewMemory(), clk, rem, "a")
	armed(t, c)

	if _, err := c.Enqueue(ctx, "x", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	snap, _ := c.Snapshot(ctx)
	if !snap.Automation.Paused || snap.Automation.PauseReason != queue.PauseDailyLimit || snap.Blocked != scheduler.CheckPaused {
		t.Fatalf("automation = %+v blocked=%q", snap.Automation, snap.Blocked)
	}
	if want := t0.Add(time.Hour); !snap.Automation.DailyLimitResumeAt.Equal(want) {
		t.Fatalf("resume at = %v, want %v", snap.Automation.DailyLimitResumeAt, want)
	}

	clk.Advance(3 * time.Second)
	if err := c.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	snap, _ = c.Snapshot(ctx)
	if snap.Automation.Paused || snap.Automation.DailyLimitResumeAt != nil || len(snap.Queue) != 0 {
		t.Fatalf("after resume: %+v queue=%d", snap.Automation, len(snap.Queue))
	}
	if rem.count() != 2 {
		t.Fatalf("remote calls = %d, want 2", rem.count())
	}
}

func TestManualPauseAndRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewFake(t0)
	rem := &stubRemote{errs: []error{&remote.Failure{StatusCode: 400, Body: []byte(`{"error":{"message":"prompt rejected"}}`)}}}
	c := newTestCore(t, storage.NewMemory(), clk, rem, "a")
	armed(t, c)

	id, _ := c.Enqueue(ctx, "x", nil)
	snap, _ := c.Snapshot(ctx)
	if snap.Queue[0].Status != queue.StatusError || snap.Queue[0].ErrorMessage == "" {
		t.Fatalf("item = %+v", snap.Queue[0])
	}

	if err := c.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	clk.Advance(5 * time.Second)
	if err := c.Retry(ctx, id); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	snap, _ = c.Snapshot(ctx)
	if it := snap.Queue[0]; it.Status != queue.StatusQueued || it.RetryCount != 0 || it.ErrorMessage != "" {
		t.Fatalf("item after retry = %+v", it)
	}
	if snap.Blocked != scheduler.CheckPaused {
		t.Fatalf("blocked = %q", snap.Blocked)
	}
	if err := c.Retry(ctx, id); !errors.Is(err, queue.ErrInvalidTransition) {
		t.Fatalf("Retry of queued item = %v", err)
	}

	if err := c.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if snap, _ = c.Snapshot(ctx); len(snap.Queue) != 0 {
		t.Fatalf("item not submitted after resume: %+v", snap.Queue)
	}
}

func TestReorder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestCore(t, storage.NewMemory(), clock.NewFake(t0), &stubRemote{}, "a")
	a, _ := c.Enqueue(ctx, "a", nil)
	b, _ := c.Enqueue(ctx, "b", nil)
	if err := c.Reorder(ctx, b, queue.MoveTop); err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	snap, _ := c.Snapshot(ctx)
	if snap.Queue[0].ID != b || snap.Queue[1].ID != a {
		t.Fatalf("order = %s, %s", snap.Queue[0].ID, snap.Queue[1].ID)
	}
	if err := c.Reorder(ctx, "missing", queue.MoveUp); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("Reorder missing = %v", err)
	}
}

func TestFailoverBetweenInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	clk := clock.NewFake(t0)
	rem := &stubRemote{}
	a := newTestCore(t, st, clk, rem, "a")
	b := newTestCore(t, st, clk, rem, "b")
	bEvents, unsub := b.Bus().Subscribe(64, EventLeaderStatusChanged)
	defer unsub()

	armed(t, a)
	if ok, _ := b.Heartbeat(ctx); ok {
		t.Fatalf("b became leader while a holds the lease")
	}
	if !b.cred.HasValid() {
		t.Fatalf("b did not observe the shared credential")
	}

	// Enqueued on the follower, submitted by the leader.
	if _, err := b.Enqueue(ctx, "shared", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if rem.count() != 0 {
		t.Fatalf("follower submitted")
	}
	a.tick(ctx)
	if rem.count() != 1 {
		t.Fatalf("leader did not submit (calls=%d)", rem.count())
	}

	clk.Advance(11 * time.Second)
	if ok, err := b.Heartbeat(ctx); err != nil || !ok {
		t.Fatalf("b Heartbeat after expiry = %v, %v", ok, err)
	}
	if ok, _ := a.Heartbeat(ctx); ok {
		t.Fatalf("a still believes it leads")
	}
	evs := drain(bEvents)
	if len(evs) != 1 || !evs[0].Data.(LeaderStatusChanged).IsLeader {
		t.Fatalf("b leader events = %+v", evs)
	}
	if st := b.elector.Status(); st.Epoch < 2 {
		t.Fatalf("epoch not bumped on owner change: %+v", st)
	}
}

func TestDiffQueue(t *testing.T) {
	t.Parallel()
	item := func(id string, s queue.Status, note string) queue.Item {
		return queue.Item{ID: id, Status: s, Note: note}
	}
	tests := []struct {
		name     string
		old, new []queue.Item
		want     []ItemStatusChanged
	}{
		{name: "no change", old: []queue.Item{item("1", queue.StatusQueued, "")}, new: []queue.Item{item("1", queue.StatusQueued, "")}},
		{name: "reorder only", old: []queue.Item{item("1", queue.StatusQueued, ""), item("2", queue.StatusQueued, "")},
			new: []queue.Item{item("2", queue.StatusQueued, ""), item("1", queue.StatusQueued, "")}},
		{name: "requeue", old: []queue.Item{item("1", queue.StatusSending, "")}, new: []queue.Item{item("1", queue.StatusQueued, "rate limited")},
			want: []ItemStatusChanged{{ID: "1", Old: queue.StatusSending, New: queue.StatusQueued, Reason: "rate limited"}}},
		{name: "error uses message", old: []queue.Item{item("1", queue.StatusSending, "")},
			new:  []queue.Item{{ID: "1", Status: queue.StatusError, Note: "auth", ErrorMessage: "credential needed"}},
			want: []ItemStatusChanged{{ID: "1", Old: queue.StatusSending, New: queue.StatusError, Reason: "credential needed"}}},
		{name: "removed", old: []queue.Item{item("1", queue.StatusError, "")},
			want: []ItemStatusChanged{{ID: "1", Old: queue.StatusError, Reason: "removed"}}},
	}
	for _, tt := range tests {
		got := diffQueue(queue.Record{Items: tt.old}, queue.Record{Items: tt.new})
		if len(got) != len(tt.want) {
			t.Fatalf("%s: got %+v, want %+v", tt.name, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("%s: [%d] = %+v, want %+v", tt.name, i, got[i], tt.want[i])
			}
		}
	}
}
