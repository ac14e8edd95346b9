package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"agentmesh/knowledgeservice/internal/domain"
	"agentmesh/knowledgeservice/internal/metrics"
	"agentmesh/knowledgeservice/internal/ratelimit"
)

const (
	breakerTripFailures = 5
	breakerOpenTimeout  = 30 * time.Second
)

type Config struct {
	Name           string
	RateLimit      ratelimit.Config
	Retry          RetryConfig
	BreakerEnabled bool
	Logger         *slog.Logger
}

// Runtime carries the cross-cutting provider machinery: the rate-limit gate,
// health accounting, retries and the optional circuit breaker. Concrete
// providers embed one and keep only their backend adapter logic.
type Runtime struct {
	name    string
	limiter *ratelimit.Limiter
	health  *HealthTracker
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
	logger  *slog.Logger
}

func New(cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}

	rt := &Runtime{
		name:    strings.ToLower(strings.TrimSpace(cfg.Name)),
		limiter: ratelimit.New(cfg.RateLimit),
		health:  NewHealthTracker(),
		retry:   retry,
		logger:  logger,
	}
	if cfg.BreakerEnabled {
		rt.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        rt.name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     breakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerTripFailures
			},
		})
	}
	return rt
}

func (r *Runtime) Name() string {
	return r.name
}

// Execute runs one backend call through the gate/retry/breaker pipeline and
// records the outcome against health, rate-limit and metrics state.
func (r *Runtime) Execute(ctx context.Context, fn func(context.Context) ([]domain.SearchResult, error)) ([]domain.SearchResult, error) {
	now := time.Now()
	if decision := r.limiter.Check(now); !decision.Allowed {
		return nil, fmt.Errorf("%w: %s rate limit window exhausted, retry at %s",
			domain.ErrProviderUnavailable, r.name, decision.RetryAt.UTC().Format(time.RFC3339))
	}

	start := time.Now()
	var results []domain.SearchResult
	err := RetryWithBackoff(ctx, r.retry, func() error {
		var attemptErr error
		results, attemptErr = r.call(ctx, fn)
		return attemptErr
	})
	r.observe(err, time.Since(start))

	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Runtime) call(ctx context.Context, fn func(context.Context) ([]domain.SearchResult, error)) ([]domain.SearchResult, error) {
	if r.breaker == nil {
		return fn(ctx)
	}
	value, err := r.breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s circuit open", domain.ErrProviderUnavailable, r.name)
		}
		return nil, err
	}
	results, _ := value.([]domain.SearchResult)
	return results, nil
}

func (r *Runtime) observe(err error, latency time.Duration) {
	now := time.Now()
	r.health.Observe(err, latency, now)
	if latency > 0 {
		metrics.ProviderRequestDuration.WithLabelValues(r.name).Observe(latency.Seconds())
	}

	switch {
	case err == nil:
		r.limiter.ObserveSuccess()
		metrics.ProviderRequestsTotal.WithLabelValues(r.name, "ok").Inc()
		metrics.ProviderAvailable.WithLabelValues(r.name).Set(1)
	case errors.Is(err, domain.ErrRateLimited):
		r.limiter.ObserveRateLimited(now)
		metrics.ProviderRequestsTotal.WithLabelValues(r.name, "rate_limited").Inc()
		metrics.ProviderAvailable.WithLabelValues(r.name).Set(0)
	case isTimeoutLikeError(err):
		metrics.ProviderRequestsTotal.WithLabelValues(r.name, "timeout").Inc()
		metrics.ProviderAvailable.WithLabelValues(r.name).Set(0)
	default:
		metrics.ProviderRequestsTotal.WithLabelValues(r.name, "error").Inc()
		metrics.ProviderAvailable.WithLabelValues(r.name).Set(0)
	}
}

// Available reflects both the health state and the current rate-limit window.
func (r *Runtime) Available() bool {
	now := time.Now()
	if throttled, _ := r.limiter.Throttled(now); throttled {
		return false
	}
	if r.breaker != nil && r.breaker.State() == gobreaker.StateOpen {
		return false
	}
	return r.health.Available(now)
}

func (r *Runtime) Health() domain.ProviderHealth {
	return r.health.Snapshot(time.Now())
}

func (r *Runtime) RateLimit() domain.RateLimitSnapshot {
	return r.limiter.Snapshot(time.Now())
}

// HTTPClient builds the provider HTTP client with tracing enabled.
func HTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}
