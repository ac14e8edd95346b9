package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"agentmesh/knowledgeservice/internal/domain"
)

const (
	defaultBackoffBase       = time.Second
	defaultBackoffMultiplier = 2.0
	defaultMaxBackoff        = 5 * time.Minute
)

type Config struct {
	RequestsPerMinute int
	RequestsPerHour   int
	BurstLimit        int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = defaultBackoffMultiplier
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}

type Decision struct {
	Allowed bool
	RetryAt time.Time
}

// Limiter tracks per-minute and per-hour request windows plus an upstream
// backoff. All methods take the current time explicitly so callers and tests
// control the clock.
type Limiter struct {
	mu  sync.Mutex
	cfg Config

	burst *rate.Limiter

	requestsInMinute  int
	requestsInHour    int
	windowStartMinute time.Time
	windowStartHour   time.Time

	backoff      time.Duration
	backoffUntil time.Time
}

func New(cfg Config) *Limiter {
	l := &Limiter{cfg: cfg.withDefaults()}
	if cfg.BurstLimit > 0 {
		perSecond := rate.Limit(float64(cfg.RequestsPerMinute) / 60)
		if perSecond <= 0 {
			perSecond = rate.Inf
		}
		l.burst = rate.NewLimiter(perSecond, cfg.BurstLimit)
	}
	return l
}

// Check consumes one request slot when allowed. A throttled decision carries
// the earliest time a retry could succeed.
func (l *Limiter) Check(now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetWindows(now)

	if !l.backoffUntil.IsZero() && now.Before(l.backoffUntil) {
		return Decision{RetryAt: l.backoffUntil}
	}

	if l.cfg.RequestsPerMinute > 0 && l.requestsInMinute >= l.cfg.RequestsPerMinute {
		return Decision{RetryAt: l.windowStartMinute.Add(time.Minute)}
	}
	if l.cfg.RequestsPerHour > 0 && l.requestsInHour >= l.cfg.RequestsPerHour {
		return Decision{RetryAt: l.windowStartHour.Add(time.Hour)}
	}

	if l.burst != nil {
		res := l.burst.ReserveN(now, 1)
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			return Decision{RetryAt: now.Add(delay)}
		}
	}

	l.requestsInMinute++
	l.requestsInHour++
	return Decision{Allowed: true}
}

// Throttled reports whether a call made now would be refused, without
// consuming a slot.
func (l *Limiter) Throttled(now time.Time) (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetWindows(now)

	if !l.backoffUntil.IsZero() && now.Before(l.backoffUntil) {
		return true, l.backoffUntil
	}
	if l.cfg.RequestsPerMinute > 0 && l.requestsInMinute >= l.cfg.RequestsPerMinute {
		return true, l.windowStartMinute.Add(time.Minute)
	}
	if l.cfg.RequestsPerHour > 0 && l.requestsInHour >= l.cfg.RequestsPerHour {
		return true, l.windowStartHour.Add(time.Hour)
	}
	return false, time.Time{}
}

// ObserveRateLimited reacts to an upstream 429: the accumulated backoff is
// doubled (or started at the base), clamped, and the limiter refuses calls
// until it elapses.
func (l *Limiter) ObserveRateLimited(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.backoff <= 0 {
		l.backoff = l.cfg.BackoffBase
	} else {
		l.backoff = time.Duration(float64(l.backoff) * l.cfg.BackoffMultiplier)
	}
	if l.backoff > l.cfg.MaxBackoff {
		l.backoff = l.cfg.MaxBackoff
	}
	l.backoffUntil = now.Add(l.backoff)
}

// ObserveSuccess resets the accumulated backoff.
func (l *Limiter) ObserveSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.backoff = 0
	l.backoffUntil = time.Time{}
}

func (l *Limiter) Snapshot(now time.Time) domain.RateLimitSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetWindows(now)

	snap := domain.RateLimitSnapshot{
		RequestsInMinute: l.requestsInMinute,
		RequestsInHour:   l.requestsInHour,
		WindowStart:      l.windowStartMinute,
	}
	if !l.backoffUntil.IsZero() && now.Before(l.backoffUntil) {
		until := l.backoffUntil
		snap.BackoffUntil = &until
	}
	return snap
}

// resetWindows must be called with the mutex held. A fresh window whose
// backoff has already elapsed clears the throttle.
func (l *Limiter) resetWindows(now time.Time) {
	if l.windowStartMinute.IsZero() || now.Sub(l.windowStartMinute) >= time.Minute {
		l.windowStartMinute = now
		l.requestsInMinute = 0
		if !l.backoffUntil.IsZero() && !now.Before(l.backoffUntil) {
			l.backoff = 0
			l.backoffUntil = time.Time{}
		}
	}
	if l.windowStartHour.IsZero() || now.Sub(l.windowStartHour) >= time.Hour {
		l.windowStartHour = now
		l.requestsInHour = 0
	}
}
