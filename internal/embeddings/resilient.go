package embeddings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/metrics"
)

// ErrCircuitOpen is returned without calling the provider while the
// breaker is open.
var ErrCircuitOpen = errors.New("embedding circuit breaker open")

// ResilientConfig bounds provider calls.
type ResilientConfig struct {
	// MaxRetries is the number of attempts per call, including the first.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RequestTimeout bounds each attempt independently of the backoff.
	RequestTimeout time.Duration
	// CircuitBreakerThreshold consecutive failed calls open the breaker.
	CircuitBreakerThreshold int
	// RatePerSecond <= 0 disables rate limiting.
	RatePerSecond float64
	Burst         int
}

// DefaultResilientConfig returns 3 attempts with 1s/2s backoff, a 10s
// per-attempt timeout and a breaker threshold of 5.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		MaxRetries:              3,
		InitialBackoff:          time.Second,
		MaxBackoff:              8 * time.Second,
		RequestTimeout:          10 * time.Second,
		CircuitBreakerThreshold: 5,
	}
}

// Resilient wraps a Provider with retry, per-attempt timeouts, an optional
// rate limiter and a circuit breaker that stays open until Reset.
type Resilient struct {
	base    Provider
	cfg     ResilientConfig
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger

	mu                  sync.Mutex
	consecutiveFailures int
	open                bool

	calls    atomic.Int64
	failures atomic.Int64
}

// ResilientOption customizes a Resilient provider.
type ResilientOption func(*Resilient)

// WithSleeper replaces the backoff sleep, mainly for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) ResilientOption {
	return func(r *Resilient) { r.sleep = sleep }
}

// WithLogger sets the logger used for breaker transitions.
func WithLogger(l *slog.Logger) ResilientOption {
	return func(r *Resilient) { r.logger = l }
}

// NewResilient wraps base. A nil base yields a provider whose calls all
// fail with ErrProviderUnavailable.
func NewResilient(base Provider, cfg ResilientConfig, opts ...ResilientOption) *Resilient {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = 5
	}
	r := &Resilient{
		base:   base,
		cfg:    cfg,
		sleep:  sleepCtx,
		logger: slog.Default(),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "embeddings")
	return r
}

func (r *Resilient) Name() string {
	if r.base == nil {
		return "none"
	}
	return r.base.Name()
}

func (r *Resilient) Dimensions() int {
	if r.base == nil {
		return 0
	}
	return r.base.Dimensions()
}

// Embed calls the wrapped provider with retries. While the breaker is open
// it returns ErrCircuitOpen immediately.
func (r *Resilient) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if r.base == nil {
		return nil, ErrProviderUnavailable
	}
	if r.IsOpen() {
		return nil, ErrCircuitOpen
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedding rate limiter: %w", err)
		}
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, r.backoff(attempt)); err != nil {
				lastErr = err
				break
			}
		}
		attempts++
		r.calls.Add(1)
		vecs, err := r.attempt(ctx, inputs)
		if err == nil {
			r.recordSuccess()
			return vecs, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	r.failures.Add(1)
	r.recordFailure(lastErr)
	return nil, fmt.Errorf("embedding provider %s failed after %d attempts: %w", r.Name(), attempts, lastErr)
}

func (r *Resilient) attempt(ctx context.Context, inputs []string) ([][]float32, error) {
	if r.cfg.RequestTimeout <= 0 {
		return r.base.Embed(ctx, inputs)
	}
	actx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	return r.base.Embed(actx, inputs)
}

// backoff returns InitialBackoff * 2^(attempt-1), capped at MaxBackoff.
func (r *Resilient) backoff(attempt int) time.Duration {
	d := r.cfg.InitialBackoff << (attempt - 1)
	if r.cfg.MaxBackoff > 0 && d > r.cfg.MaxBackoff {
		d = r.cfg.MaxBackoff
	}
	return d
}

func (r *Resilient) recordSuccess() {
	r.mu.Lock()
	r.consecutiveFailures = 0
	r.mu.Unlock()
}

func (r *Resilient) recordFailure(err error) {
	r.mu.Lock()
	r.consecutiveFailures++
	opened := false
	if !r.open && r.consecutiveFailures >= r.cfg.CircuitBreakerThreshold {
		r.open = true
		opened = true
	}
	failures := r.consecutiveFailures
	r.mu.Unlock()
	if opened {
		metrics.Default().SetCircuitOpen(true)
		r.logger.Warn("embedding circuit breaker opened", "provider", r.Name(), "consecutive_failures", failures, "error", err)
	}
}

// IsOpen reports whether the breaker is open.
func (r *Resilient) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// ConsecutiveFailures returns the current failure streak.
func (r *Resilient) ConsecutiveFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consecutiveFailures
}

// Reset closes the breaker and clears the failure streak.
func (r *Resilient) Reset() {
	r.mu.Lock()
	wasOpen := r.open
	r.open = false
	r.consecutiveFailures = 0
	r.mu.Unlock()
	if wasOpen {
		metrics.Default().SetCircuitOpen(false)
		r.logger.Info("embedding circuit breaker reset", "provider", r.Name())
	}
}

// Calls returns the number of provider attempts made.
func (r *Resilient) Calls() int64 { return r.calls.Load() }

// Failures returns the number of calls that failed after all retries.
func (r *Resilient) Failures() int64 { return r.failures.Load() }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
