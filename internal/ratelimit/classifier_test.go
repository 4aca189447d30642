package ratelimit

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"genqueue/internal/remote"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func TestClassify(t *testing.T) {
	t.Parallel()
	c := Classifier{ConcurrencyLimit: 3}
	tests := []struct {
		name string
		body string
		want Classification
	}{
		{
			name: "exhausted type with reset",
			body: `{"type":"rate_limit_exhausted","resetSeconds":120}`,
			want: DailyLimit{ResetSeconds: 120, ResetTime: now.Add(120 * time.Second)},
		},
		{
			name: "concurrent code",
			body: `{"error":{"code":"too_many_concurrent_tasks"}}`,
			want: ConcurrentLimit{NumTasks: 3},
		},
		{
			name: "videos at a time phrase",
			body: `{"error":{"message":"you can only generate 3 videos at a time"}}`,
			want: ConcurrentLimit{NumTasks: 3},
		},
		{
			name: "unrelated",
			body: `{"error":{"message":"weird unrelated 429"}}`,
			want: UnknownRateLimit{Body: `{"error":{"message":"weird unrelated 429"}}`},
		},
		{
			name: "exhaustion code without reset",
			body: `{"error":{"code":"quota_exceeded"}}`,
			want: DailyLimit{},
		},
		{
			name: "limit reached with zero credits",
			body: `{"rate_limit_reached":true,"remaining_credits":0,"reset_after":"60"}`,
			want: DailyLimit{ResetSeconds: 60, ResetTime: now.Add(time.Minute)},
		},
		{
			name: "limit reached with credits left",
			body: `{"rate_limit_reached":true,"remaining":4}`,
			want: UnknownRateLimit{Body: `{"rate_limit_reached":true,"remaining":4}`},
		},
		{
			name: "task count at limit",
			body: `{"num_tasks":3}`,
			want: ConcurrentLimit{NumTasks: 3},
		},
		{
			name: "task count below limit",
			body: `{"task_count":1}`,
			want: UnknownRateLimit{Body: `{"task_count":1}`},
		},
		{
			name: "plain text phrase",
			body: `Too many concurrent generations, slow down`,
			want: ConcurrentLimit{NumTasks: 3},
		},
		{
			name: "exhaustion beats concurrent phrase",
			body: `{"type":"rate_limit_exhausted","error":{"message":"2 generations in progress"}}`,
			want: DailyLimit{},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := c.Classify([]byte(tt.body), now)
			if got != tt.want {
				t.Fatalf("Classify(%s) = %#v, want %#v", tt.body, got, tt.want)
			}
		})
	}
}

func TestClassifyDefaultLimit(t *testing.T) {
	t.Parallel()
	got := Classifier{}.Classify([]byte(`{"error":{"code":"too_many_concurrent_tasks"}}`), now)
	if got != (ConcurrentLimit{NumTasks: DefaultConcurrencyLimit}) {
		t.Fatalf("got %#v", got)
	}
}

func TestClassifyFailure(t *testing.T) {
	t.Parallel()
	c := Classifier{ConcurrencyLimit: 3}
	netErr := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{name: "network", err: &remote.Failure{Err: netErr}, kind: KindNetworkError},
		{name: "plain error", err: errors.New("boom"), kind: KindNetworkError},
		{name: "unauthorized", err: &remote.Failure{StatusCode: 401}, kind: KindAuthError},
		{name: "forbidden", err: &remote.Failure{StatusCode: 403}, kind: KindAuthError},
		{name: "too many requests", err: &remote.Failure{StatusCode: 429, Body: []byte(`{"error":{"code":"too_many_concurrent_tasks"}}`)}, kind: KindConcurrentLimit},
		{name: "server error", err: &remote.Failure{StatusCode: 500, Body: []byte(`{"error":{"message":"model overloaded"}}`)}, kind: KindOtherError},
	}
	for _, tt := range tests {
		got := c.ClassifyFailure(tt.err, now)
		if got.Kind() != tt.kind {
			t.Fatalf("%s: kind = %s, want %s", tt.name, got.Kind(), tt.kind)
		}
	}

	other := c.ClassifyFailure(&remote.Failure{StatusCode: 500, Body: []byte(`{"error":{"message":"model overloaded"}}`)}, now)
	if !strings.Contains(other.Reason(), "model overloaded") {
		t.Fatalf("Reason = %q, want failure detail", other.Reason())
	}
	if (AuthError{}).Reason() != "credential needed" {
		t.Fatalf("auth reason = %q", (AuthError{}).Reason())
	}

	e := &Error{C: c.ClassifyFailure(&remote.Failure{Err: netErr}, now)}
	var op *net.OpError
	if !errors.As(e, &op) {
		t.Fatalf("Error does not unwrap to the network cause")
	}
}
