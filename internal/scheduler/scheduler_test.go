package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"genqueue/internal/backoff"
	"genqueue/internal/clock"
	"genqueue/internal/credential"
	"genqueue/internal/queue"
	"genqueue/internal/remote"
	"genqueue/internal/storage"
	logx "genqueue/pkg/logx"
)

var start = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type fakeRemote struct {
	mu         sync.Mutex
	active     remote.Activity
	pollErr    error
	submitErrs []error
	submitted  []remote.Submission
}

func (f *fakeRemote) PollActive(ctx context.Context) (remote.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return remote.Activity{}, f.pollErr
	}
	return f.active, nil
}

func (f *fakeRemote) Submit(ctx context.Context, s remote.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, s)
	if len(f.submitErrs) == 0 {
		return nil
	}
	err := f.submitErrs[0]
	if len(f.submitErrs) > 1 {
		f.submitErrs = f.submitErrs[1:]
	}
	return err
}

func (f *fakeRemote) setActive(n int) {
	f.mu.Lock()
	f.active = remote.Activity{Active: n, Total: n}
	f.mu.Unlock()
}

func (f *fakeRemote) failWith(errs ...error) {
	f.mu.Lock()
	f.submitErrs = errs
	f.mu.Unlock()
}

func (f *fakeRemote) calls() []remote.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.Submission(nil), f.submitted...)
}

type harness struct {
	s      *Scheduler
	q      *queue.Store
	cred   *credential.Lifecycle
	clk    *clock.Fake
	rem    *fakeRemote
	leader atomic.Bool

	spawnMu  sync.Mutex
	deferred []func()
	inline   bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessOn(t, storage.NewMemory())
}

func newHarnessOn(t *testing.T, kv storage.Store) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		q:      queue.NewStore(kv, "gq:", logx.Nop()),
		clk:    clock.NewFake(start),
		rem:    &fakeRemote{},
		inline: true,
	}
	h.cred = credential.New(credential.Options{Store: kv, Key: "gq:credential", Clock: h.clk})
	if err := h.cred.Start(ctx); err != nil {
		t.Fatalf("credential start: %v", err)
	}
	if err := h.cred.Set(ctx, "tok", credential.Aux{DeviceID: "dev-1"}); err != nil {
		t.Fatalf("credential set: %v", err)
	}
	h.leader.Store(true)
	h.s = New(Options{
		Config:     Config{InstanceID: "inst-a", ConcurrencyLimit: 3, Cooldown: 2 * time.Second},
		Queue:      h.q,
		Credential: h.cred,
		IsLeader:   h.leader.Load,
		Remote:     h.rem,
		Backoff:    backoff.New(backoff.Config{ConcurrencyLimit: 3}, func(n int64) int64 { return n - 1 }),
		Clock:      h.clk,
		Spawn:      h.spawn,
	})
	if _, err := h.q.UpdateAutomation(ctx, func(a *queue.Automation) error {
		a.Enabled = true
		return nil
	}); err != nil {
		t.Fatalf("enable automation: %v", err)
	}
	return h
}

func (h *harness) spawn(fn func()) {
	if h.inline {
		fn()
		return
	}
	h.spawnMu.Lock()
	h.deferred = append(h.deferred, fn)
	h.spawnMu.Unlock()
}

func (h *harness) runDeferred() {
	h.spawnMu.Lock()
	fns := h.deferred
	h.deferred = nil
	h.spawnMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (h *harness) enqueue(t *testing.T, contents ...string) []string {
	t.Helper()
	gen := queue.NewIDGenerator()
	var ids []string
	_, err := h.q.UpdateQueue(context.Background(), func(r *queue.Record) error {
		for _, c := range contents {
			it, err := queue.NewItem(gen.Make(h.clk.Now()), c, nil, nil, h.clk.Now())
			if err != nil {
				return err
			}
			r.Items = append(r.Items, it)
			ids = append(ids, it.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return ids
}

func (h *harness) queue(t *testing.T) queue.Record {
	t.Helper()
	r, err := h.q.Queue(context.Background())
	if err != nil {
		t.Fatalf("read queue: %v", err)
	}
	return r
}

func (h *harness) automation(t *testing.T) queue.Automation {
	t.Helper()
	a, err := h.q.Automation(context.Background())
	if err != nil {
		t.Fatalf("read automation: %v", err)
	}
	return a
}

func (h *harness) setActive(t *testing.T, n int) {
	t.Helper()
	if _, err := h.q.UpdateAutomation(context.Background(), func(a *queue.Automation) error {
		a.ActiveTaskCount = n
		return nil
	}); err != nil {
		t.Fatalf("set active: %v", err)
	}
}

func TestAdmitOrder(t *testing.T) {
	t.Parallel()
	now := start
	later := now.Add(time.Hour)
	ok := queue.Automation{Enabled: true}
	gate := Gate{CredentialPresent: true, IsLeader: true, ConcurrencyLimit: 3, Cooldown: 2 * time.Second}

	tests := []struct {
		name string
		a    func(a queue.Automation) queue.Automation
		g    func(g Gate) Gate
		want string
	}{
		{name: "pass", want: ""},
		{name: "disabled beats everything", a: func(a queue.Automation) queue.Automation {
			a.Enabled = false
			a.Paused = true
			return a
		}, g: func(g Gate) Gate { g.IsLeader = false; return g }, want: CheckDisabled},
		{name: "paused", a: func(a queue.Automation) queue.Automation { a.Paused = true; a.IsSubmitting = true; return a }, want: CheckPaused},
		{name: "submitting", a: func(a queue.Automation) queue.Automation { a.IsSubmitting = true; return a }, want: CheckSubmitting},
		{name: "no credential before leader", g: func(g Gate) Gate { g.CredentialPresent = false; g.IsLeader = false; return g }, want: CheckNoCredential},
		{name: "not leader", g: func(g Gate) Gate { g.IsLeader = false; return g }, want: CheckNotLeader},
		{name: "at capacity", a: func(a queue.Automation) queue.Automation { a.ActiveTaskCount = 3; return a }, want: CheckAtCapacity},
		{name: "daily limit", a: func(a queue.Automation) queue.Automation { a.DailyLimitResumeAt = &later; return a }, want: CheckDailyLimit},
		{name: "daily limit elapsed", a: func(a queue.Automation) queue.Automation { past := now.Add(-time.Second); a.DailyLimitResumeAt = &past; return a }, want: ""},
		{name: "cooldown", a: func(a queue.Automation) queue.Automation { a.LastSubmitAt = now.Add(-time.Second); return a }, want: CheckCooldown},
		{name: "cooldown elapsed", a: func(a queue.Automation) queue.Automation { a.LastSubmitAt = now.Add(-2 * time.Second); return a }, want: ""},
		{name: "backoff", a: func(a queue.Automation) queue.Automation { a.BackoffUntil = &later; return a }, want: CheckBackoff},
	}
	for _, tt := range tests {
		a, g := ok, gate
		if tt.a != nil {
			a = tt.a(a)
		}
		if tt.g != nil {
			g = tt.g(g)
		}
		if got := Admit(a, g, now); got != tt.want {
			t.Fatalf("%s: Admit = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestEndToEndThreeItems(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	ids := h.enqueue(t, "first", "second", "third")
	h.setActive(t, 3)

	started, err := h.s.SubmitTick(ctx)
	if err != nil || started {
		t.Fatalf("SubmitTick at capacity = %v, %v", started, err)
	}
	if check, _ := h.s.Check(ctx); check != CheckAtCapacity {
		t.Fatalf("Check = %q, want %q", check, CheckAtCapacity)
	}
	if len(h.rem.calls()) != 0 {
		t.Fatalf("submitted while at capacity")
	}

	h.rem.setActive(2)
	if err := h.s.PollTick(ctx); err != nil {
		t.Fatalf("PollTick: %v", err)
	}
	calls := h.rem.calls()
	if len(calls) != 1 || calls[0].ItemID != ids[0] || calls[0].Prompt != "first" {
		t.Fatalf("calls = %+v, want exactly the oldest item", calls)
	}
	if calls[0].Credential != "tok" || calls[0].DeviceID != "dev-1" {
		t.Fatalf("credential not passed as request parameter: %+v", calls[0])
	}

	r := h.queue(t)
	if len(r.Items) != 2 || r.Items[0].ID != ids[1] || r.Items[1].ID != ids[2] {
		t.Fatalf("remaining queue = %+v", r.Items)
	}
	for _, it := range r.Items {
		if it.Status != queue.StatusQueued {
			t.Fatalf("untouched item %s has status %s", it.ID, it.Status)
		}
	}
	a := h.automation(t)
	if a.ActiveTaskCount != 3 || a.IsSubmitting || !a.LastSubmitAt.Equal(start) {
		t.Fatalf("automation = %+v", a)
	}
	if !h.s.RemoteVerified() {
		t.Fatalf("successful poll did not mark remote verified")
	}
}

func TestSingleFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.inline = false
	h.enqueue(t, "a", "b")

	if started, _ := h.s.SubmitTick(ctx); !started {
		t.Fatalf("first SubmitTick did not start")
	}
	h.clk.Advance(5 * time.Second)
	if started, _ := h.s.SubmitTick(ctx); started {
		t.Fatalf("second submission started while one is in flight")
	}
	r := h.queue(t)
	if n := r.Count(queue.StatusSending); n != 1 {
		t.Fatalf("%d items sending, want 1", n)
	}

	h.runDeferred()
	r = h.queue(t)
	if n := r.Count(queue.StatusSending); n != 0 {
		t.Fatalf("%d items sending after completion", n)
	}
	if started, _ := h.s.SubmitTick(ctx); !started {
		t.Fatalf("next SubmitTick did not start after completion")
	}
}

func TestDailyLimitPauseAndSweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	ids := h.enqueue(t, "only")
	h.rem.failWith(&remote.Failure{StatusCode: 429, Body: []byte(`{"type":"rate_limit_exhausted","resetSeconds":60}`)}, nil)

	if started, _ := h.s.SubmitTick(ctx); !started {
		t.Fatalf("SubmitTick did not start")
	}
	a := h.automation(t)
	if !a.Paused || a.PauseReason != queue.PauseDailyLimit || a.DailyLimitResumeAt == nil {
		t.Fatalf("automation after daily limit = %+v", a)
	}
	if !a.DailyLimitResumeAt.Equal(start.Add(time.Minute)) {
		t.Fatalf("resume at = %v", a.DailyLimitResumeAt)
	}
	r := h.queue(t)
	if len(r.Items) != 1 || r.Items[0].Status != queue.StatusQueued || r.Items[0].RetryCount != 0 {
		t.Fatalf("item after daily limit = %+v", r.Items)
	}

	h.clk.Advance(30 * time.Second)
	if err := h.s.SweepTick(ctx); err != nil {
		t.Fatalf("SweepTick: %v", err)
	}
	if started, _ := h.s.SubmitTick(ctx); started {
		t.Fatalf("submitted while paused")
	}
	if check, _ := h.s.Check(ctx); check != CheckPaused {
		t.Fatalf("Check = %q, want paused", check)
	}

	h.clk.Advance(31 * time.Second)
	if err := h.s.SweepTick(ctx); err != nil {
		t.Fatalf("SweepTick: %v", err)
	}
	a = h.automation(t)
	if a.Paused || a.PauseReason != queue.PauseNone || a.DailyLimitResumeAt != nil {
		t.Fatalf("pause not cleared: %+v", a)
	}
	calls := h.rem.calls()
	if len(calls) != 2 || calls[1].ItemID != ids[0] {
		t.Fatalf("calls after sweep = %d", len(calls))
	}
	if len(h.queue(t).Items) != 0 {
		t.Fatalf("item not removed after successful resubmit")
	}
}

func TestDailyLimitWithoutResetStaysPaused(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.enqueue(t, "only")
	h.rem.failWith(&remote.Failure{StatusCode: 429, Body: []byte(`{"error":{"code":"quota_exceeded"}}`)})

	_, _ = h.s.SubmitTick(ctx)
	h.clk.Advance(24 * time.Hour)
	_ = h.s.SweepTick(ctx)
	if a := h.automation(t); !a.Paused {
		t.Fatalf("pause without resume time was lifted by sweep")
	}
}

func TestUnknownRateLimitRetryCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.enqueue(t, "flaky")
	h.rem.failWith(&remote.Failure{StatusCode: 429, Body: []byte(`{"error":{"message":"weird unrelated 429"}}`)})

	if started, _ := h.s.SubmitTick(ctx); !started {
		t.Fatalf("SubmitTick did not start")
	}
	for i := 0; i < 5; i++ {
		// Each advance fires the scheduled retry check.
		h.clk.Advance(16 * time.Second)
	}

	if n := len(h.rem.calls()); n != 4 {
		t.Fatalf("attempts = %d, want 4 (three retries)", n)
	}
	r := h.queue(t)
	if len(r.Items) != 1 || r.Items[0].Status != queue.StatusError {
		t.Fatalf("item = %+v, want terminal error", r.Items)
	}
	if r.Items[0].ErrorMessage == "" {
		t.Fatalf("terminal error without message")
	}
	if h.clk.Pending() != 0 {
		t.Fatalf("retry still scheduled after terminal error")
	}
}

func TestConcurrentLimitBacksOff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.enqueue(t, "x")
	h.rem.failWith(&remote.Failure{StatusCode: 429, Body: []byte(`{"error":{"code":"too_many_concurrent_tasks"}}`)}, nil)

	_, _ = h.s.SubmitTick(ctx)
	a := h.automation(t)
	if a.ActiveTaskCount != 3 || a.BackoffUntil == nil || a.IsSubmitting {
		t.Fatalf("automation = %+v", a)
	}
	r := h.queue(t)
	if r.Items[0].Status != queue.StatusQueued || r.Items[0].RetryCount != 0 {
		t.Fatalf("item = %+v", r.Items[0])
	}

	// A poll showing free slots is still held back by the backoff window.
	h.rem.setActive(0)
	h.clk.Advance(5 * time.Second)
	_ = h.s.PollTick(ctx)
	if n := len(h.rem.calls()); n != 1 {
		t.Fatalf("resubmitted inside backoff window (%d calls)", n)
	}
	h.clk.Advance(10 * time.Second)
	if n := len(h.rem.calls()); n != 2 {
		t.Fatalf("retry timer did not resubmit (%d calls)", n)
	}
}

func TestAuthErrorInvalidatesCredential(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.enqueue(t, "a", "b")
	h.rem.failWith(&remote.Failure{StatusCode: 401})

	_, _ = h.s.SubmitTick(ctx)
	if h.cred.HasValid() {
		t.Fatalf("credential still valid after auth error")
	}
	r := h.queue(t)
	if r.Items[0].Status != queue.StatusError || r.Items[0].ErrorMessage != "credential needed" {
		t.Fatalf("item = %+v", r.Items[0])
	}
	h.clk.Advance(time.Minute)
	if started, _ := h.s.SubmitTick(ctx); started {
		t.Fatalf("submitted without credential")
	}
	if check, _ := h.s.Check(ctx); check != CheckNoCredential {
		t.Fatalf("Check = %q", check)
	}
}

func TestNetworkErrorRequeues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.enqueue(t, "a")
	h.rem.failWith(&remote.Failure{Err: errors.New("connection reset")}, nil)

	_, _ = h.s.SubmitTick(ctx)
	r := h.queue(t)
	if r.Items[0].Status != queue.StatusQueued || r.Items[0].RetryCount != 0 {
		t.Fatalf("item = %+v", r.Items[0])
	}
	if a := h.automation(t); a.BackoffUntil == nil {
		t.Fatalf("network error scheduled no backoff")
	}
}

func TestOtherErrorIsTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.enqueue(t, "a", "b")
	h.rem.failWith(&remote.Failure{StatusCode: 500, Body: []byte(`{"error":{"message":"bad prompt"}}`)}, nil)

	_, _ = h.s.SubmitTick(ctx)
	r := h.queue(t)
	if r.Items[0].Status != queue.StatusError || r.Items[0].RetryCount != 1 {
		t.Fatalf("item = %+v", r.Items[0])
	}
	h.clk.Advance(3 * time.Second)
	if started, _ := h.s.SubmitTick(ctx); !started {
		t.Fatalf("next item not submitted after terminal error")
	}
	if calls := h.rem.calls(); calls[1].Prompt != "b" {
		t.Fatalf("second call = %+v", calls[1])
	}
}

func TestNotLeaderDoesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.enqueue(t, "a")
	h.leader.Store(false)
	h.rem.setActive(0)

	if err := h.s.PollTick(ctx); err != nil {
		t.Fatalf("PollTick: %v", err)
	}
	if started, _ := h.s.SubmitTick(ctx); started {
		t.Fatalf("follower submitted")
	}
	if len(h.rem.calls()) != 0 {
		t.Fatalf("follower called remote")
	}
}

func TestPollFailureLeavesQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.enqueue(t, "a")
	before := h.queue(t)
	h.rem.pollErr = &remote.Failure{Err: errors.New("timeout")}

	if err := h.s.PollTick(ctx); err == nil {
		t.Fatalf("PollTick returned nil on failure")
	}
	if h.s.RemoteVerified() {
		t.Fatalf("remote verified after failed poll")
	}
	if after := h.queue(t); after.Version != before.Version {
		t.Fatalf("queue mutated by failed poll")
	}
}

func TestRecoverResetsSending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.enqueue(t, "a", "b")
	_, _ = h.q.UpdateQueue(ctx, func(r *queue.Record) error {
		r.Items[0].Status = queue.StatusSending
		return nil
	})
	_, _ = h.q.UpdateAutomation(ctx, func(a *queue.Automation) error {
		a.IsSubmitting = true
		return nil
	})

	if err := h.s.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	r := h.queue(t)
	if r.Count(queue.StatusSending) != 0 || r.Count(queue.StatusQueued) != 2 {
		t.Fatalf("queue after recover = %+v", r.Items)
	}
	if h.automation(t).IsSubmitting {
		t.Fatalf("isSubmitting not cleared")
	}
}

// flakyKV fails the next compare-and-swap on one key once armed.
type flakyKV struct {
	*storage.Memory
	key      string
	failNext atomic.Bool
}

var errStoreDown = errors.New("store down")

func (f *flakyKV) CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error) {
	if key == f.key && f.failNext.CompareAndSwap(true, false) {
		return false, errStoreDown
	}
	return f.Memory.CompareAndSwap(ctx, key, old, new)
}

func TestSuccessWriteFailureDoesNotStall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := &flakyKV{Memory: storage.NewMemory(), key: "gq:queue"}
	h := newHarnessOn(t, kv)
	h.inline = false
	ids := h.enqueue(t, "a", "b")

	if started, err := h.s.SubmitTick(ctx); !started || err != nil {
		t.Fatalf("first SubmitTick = %v, %v", started, err)
	}
	kv.failNext.Store(true)
	h.runDeferred()

	if a := h.automation(t); a.IsSubmitting || a.ActiveTaskCount != 1 {
		t.Fatalf("automation after failed settle = %+v", a)
	}
	r := h.queue(t)
	if r.Count(queue.StatusSending) != 1 || r.Items[0].ID != ids[0] {
		t.Fatalf("queue after failed settle = %+v", r.Items)
	}

	h.clk.Advance(5 * time.Second)
	if started, err := h.s.SubmitTick(ctx); !started || err != nil {
		t.Fatalf("SubmitTick after failed settle = %v, %v", started, err)
	}
	r = h.queue(t)
	if len(r.Items) != 1 || r.Items[0].ID != ids[1] || r.Items[0].Status != queue.StatusSending {
		t.Fatalf("queue after settle = %+v", r.Items)
	}

	h.runDeferred()
	calls := h.rem.calls()
	if len(calls) != 2 || calls[0].ItemID != ids[0] || calls[1].ItemID != ids[1] {
		t.Fatalf("submissions = %+v", calls)
	}
	if r = h.queue(t); len(r.Items) != 0 {
		t.Fatalf("queue not drained: %+v", r.Items)
	}
}
