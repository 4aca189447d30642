// Package backoff maps a failure classification to a scheduling action.
package backoff

import (
	"math/rand"
	"sync"
	"time"

	"genqueue/internal/queue"
	"genqueue/internal/ratelimit"
)

const (
	DefaultRetryBase   = 10 * time.Second
	DefaultRetryJitter = 5 * time.Second
	DefaultMaxRetries  = 3
)

type Config struct {
	RetryBase        time.Duration
	RetryJitter      time.Duration
	MaxRetries       int
	ConcurrencyLimit int
}

func (c Config) withDefaults() Config {
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = ratelimit.DefaultConcurrencyLimit
	}
	return c
}

// Pause describes a hard stop of automation.
type Pause struct {
	Reason   queue.PauseReason
	ResumeAt *time.Time
}

// Action is what the scheduler applies after a failed submission.
type Action struct {
	// ItemStatus is StatusQueued (requeue) or StatusError (terminal).
	ItemStatus   queue.Status
	ErrorMessage string
	// IncrementRetry bumps retryCount on a requeue. Transitions to
	// StatusError always bump it.
	IncrementRetry bool
	// RetryAfter > 0 schedules a retry check.
	RetryAfter time.Duration
	// ActiveTasks >= 0 overrides activeTaskCount until the next poll.
	ActiveTasks int
	Pause       *Pause
	// InvalidateCredential drops the credential before the next admission.
	InvalidateCredential bool
	Reason               string
}

type Controller struct {
	cfg Config

	mu     sync.Mutex
	int63n func(n int64) int64
}

// New builds a Controller. A nil int63n uses a time-seeded source.
func New(cfg Config, int63n func(n int64) int64) *Controller {
	if int63n == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		int63n = rng.Int63n
	}
	return &Controller{cfg: cfg.withDefaults(), int63n: int63n}
}

func (c *Controller) Config() Config { return c.cfg }

// Reconfigure swaps timings in place; used on config reload.
func (c *Controller) Reconfigure(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

// Delay returns base + rand[0, jitter).
func (c *Controller) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.cfg.RetryBase
	if c.cfg.RetryJitter > 0 {
		d += time.Duration(c.int63n(int64(c.cfg.RetryJitter)))
	}
	return d
}

// Decide maps a classification and the item's current retryCount to an
// Action. Unknown kinds are handled as OtherError.
func (c *Controller) Decide(cl ratelimit.Classification, retryCount int) Action {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	act := Action{ActiveTasks: -1, Reason: cl.Reason()}
	switch v := cl.(type) {
	case ratelimit.ConcurrentLimit:
		act.ItemStatus = queue.StatusQueued
		act.ActiveTasks = cfg.ConcurrencyLimit
		act.RetryAfter = c.Delay()
	case ratelimit.DailyLimit:
		act.ItemStatus = queue.StatusQueued
		p := &Pause{Reason: queue.PauseDailyLimit}
		if !v.ResetTime.IsZero() {
			at := v.ResetTime
			p.ResumeAt = &at
		}
		act.Pause = p
	case ratelimit.AuthError:
		act.ItemStatus = queue.StatusError
		act.ErrorMessage = v.Reason()
		act.InvalidateCredential = true
	case ratelimit.UnknownRateLimit:
		if retryCount < cfg.MaxRetries {
			act.ItemStatus = queue.StatusQueued
			act.IncrementRetry = true
			act.RetryAfter = c.Delay()
		} else {
			act.ItemStatus = queue.StatusError
			act.ErrorMessage = "rate limited: retry limit reached"
		}
	case ratelimit.NetworkError:
		act.ItemStatus = queue.StatusQueued
		act.RetryAfter = c.Delay()
	case ratelimit.OtherError:
		act.ItemStatus = queue.StatusError
		act.ErrorMessage = v.Reason()
	default:
		act.ItemStatus = queue.StatusError
		act.ErrorMessage = cl.Reason()
	}
	return act
}
