package ratelimit

import (
	"errors"
	"net/http"
	"time"

	"genqueue/internal/remote"
)

const DefaultConcurrencyLimit = 3

const maxDetailLength = 200

// Classifier is pure: the same body and time always yield the same result.
type Classifier struct {
	ConcurrencyLimit int
}

func (c Classifier) limit() int {
	if c.ConcurrencyLimit <= 0 {
		return DefaultConcurrencyLimit
	}
	return c.ConcurrencyLimit
}

// Classify evaluates a "too many requests" body against the rule table.
func (c Classifier) Classify(body []byte, now time.Time) Classification {
	p := parsePayload(body)
	limit := c.limit()
	for _, r := range rules {
		if !r.match(p, limit) {
			continue
		}
		switch r.kind {
		case KindDailyLimit:
			d := DailyLimit{}
			if n, ok := p.num(resetKeys...); ok && n > 0 {
				d.ResetSeconds = int64(n)
				d.ResetTime = now.Add(time.Duration(d.ResetSeconds) * time.Second)
			}
			return d
		case KindConcurrentLimit:
			cl := ConcurrentLimit{NumTasks: limit}
			if n, ok := p.num(taskCountKeys...); ok && n > 0 {
				cl.NumTasks = int(n)
			}
			return cl
		}
	}
	return UnknownRateLimit{Body: string(body)}
}

// ClassifyFailure dispatches any submission error to a classification.
// Errors that are not *remote.Failure count as network failures.
func (c Classifier) ClassifyFailure(err error, now time.Time) Classification {
	var f *remote.Failure
	if !errors.As(err, &f) || f.Network() {
		if f != nil && f.Err != nil {
			err = f.Err
		}
		return NetworkError{Err: err}
	}
	switch {
	case f.StatusCode == http.StatusUnauthorized, f.StatusCode == http.StatusForbidden:
		return AuthError{StatusCode: f.StatusCode}
	case f.StatusCode == http.StatusTooManyRequests:
		return c.Classify(f.Body, now)
	default:
		return OtherError{StatusCode: f.StatusCode, Detail: detail(f.Body)}
	}
}

func detail(body []byte) string {
	msg := parsePayload(body).message()
	if len(msg) > maxDetailLength {
		msg = msg[:maxDetailLength] + "…"
	}
	return msg
}
