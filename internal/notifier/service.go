package notifier

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"genqueue/internal/eventbus"
	rtsup "genqueue/internal/runtime/supervisor"
	logx "genqueue/pkg/logx"

	"golang.org/x/time/rate"
)

const historySize = 100

// Service turns bus events into chat messages:
// subscription -> Format -> dedup -> queue -> rate limit -> Sender.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	queue chan string
	sup   *rtsup.Supervisor
	unsub func()

	dmu   sync.Mutex
	dedup map[uint64]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds a notifier. bus may be nil when only Notify is used.
func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		bus:    bus,
		log:    log,
		dedup:  map[uint64]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps rate, retry and dedup settings. Enabled and the queue size
// take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Start subscribes to the bus and launches the sender loop. It is a no-op
// when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}
	q := make(chan string, s.cfg.QueueSize)
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// Chat delivery must never take the process down.
		rtsup.WithCancelOnError(false),
	)
	var events <-chan eventbus.Event
	if s.bus != nil {
		events, s.unsub = s.bus.Subscribe(s.cfg.QueueSize, Types...)
	}
	s.queue = q
	s.sup = sup
	rps := s.cfg.RatePerSec
	s.mu.Unlock()

	if events != nil {
		sup.GoRestart("pump", func(c context.Context) error {
			return s.pump(c, events)
		}, rtsup.WithPublishFirstError(true))
	}
	sup.GoRestart("sender", func(c context.Context) error {
		s.sendLoop(c, q)
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("notifier sender exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))
	s.log.Info("notifier started", logx.Int("rate_per_sec", rps))
}

// Stop unsubscribes and waits for in-flight sends until ctx expires.
// Queued messages that were not sent yet are dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.queue, s.sup, s.unsub = nil, nil, nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

// Notify queues text for delivery. Duplicates inside the dedup window are
// accepted and dropped.
func (s *Service) Notify(text string) error {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	q := s.queue
	window := s.cfg.DedupWindow
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}
	if window > 0 && !s.dedupAllow(text, window) {
		s.log.Debug("notification deduped")
		return nil
	}
	select {
	case q <- text:
		return nil
	default:
		s.log.Warn("notification dropped", logx.Err(ErrQueueFull))
		return ErrQueueFull
	}
}

// Snapshot returns recent delivery attempts, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) pump(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				// Unsubscribed by Stop.
				return context.Canceled
			}
			text, ok := Format(e)
			if !ok {
				continue
			}
			if err := s.Notify(text); err != nil && !errors.Is(err, ErrQueueFull) {
				return context.Canceled
			}
		}
	}
}

func (s *Service) sendLoop(ctx context.Context, q <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-q:
			s.sendWithRetry(ctx, text)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, text string) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sender.Send(cctx, text)
		cancel()
		if err == nil {
			s.appendHistory(text, nil)
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.appendHistory(text, lastErr)
	s.log.Warn("notification failed", logx.Err(lastErr), logx.Int("attempts", attempts))
}

func (s *Service) appendHistory(text string, err error) {
	h := HistoryItem{At: time.Now(), Text: text}
	if err != nil {
		h.Err = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) dedupAllow(text string, window time.Duration) bool {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	key := h.Sum64()
	now := time.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)
	if len(s.dedup) > 1024 {
		for k, until := range s.dedup {
			if !now.Before(until) {
				delete(s.dedup, k)
			}
		}
	}
	return true
}

// retryDelay is base*2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
}
