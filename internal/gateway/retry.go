package gateway

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"chatgate/internal/transport"
)

// RetryConfig controls backoff for failed sends.
type RetryConfig struct {
	MaxAttempts int
	// BaseDelay seeds backoff for generic transient failures;
	// RateLimitBaseDelay is the larger seed used when the provider signaled
	// throttling, leaving headroom for the window to actually clear.
	BaseDelay          time.Duration
	RateLimitBaseDelay time.Duration
	MaxDelay           time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.RateLimitBaseDelay <= 0 {
		c.RateLimitBaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	return c
}

// RetryPolicy decides whether a failed send is retriable and computes the
// backoff before the next attempt.
//
// It is safe for concurrent use.
type RetryPolicy struct {
	mu  sync.Mutex
	cfg RetryConfig
	rng *rand.Rand
}

func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	return &RetryPolicy{
		cfg: cfg.withDefaults(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *RetryPolicy) Apply(cfg RetryConfig) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

func (p *RetryPolicy) MaxAttempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.MaxAttempts
}

// Retriable classifies the error alone: provider throttling, 5xx, and
// transient network failures retry; validation, permission, and config
// errors are terminal.
func (p *RetryPolicy) Retriable(err error) bool {
	if err == nil {
		return false
	}
	var rl *transport.RateLimitedError
	var se *transport.ServerError
	var ne *transport.NetworkError
	return errors.As(err, &rl) || errors.As(err, &se) || errors.As(err, &ne)
}

// ShouldRetry reports whether a send that failed with err after retryCount
// prior retries should be attempted again.
func (p *RetryPolicy) ShouldRetry(err error, retryCount int) bool {
	p.mu.Lock()
	max := p.cfg.MaxAttempts
	p.mu.Unlock()
	if retryCount >= max {
		return false
	}
	return p.Retriable(err)
}

// Delay computes the backoff before retry number retryCount+1.
//
// A provider retry-after hint wins (capped at MaxDelay). Otherwise the delay
// is base*2^retryCount with ±30% uniform jitter, capped at MaxDelay. Jitter
// keeps many channels that failed together from retrying in lockstep.
func (p *RetryPolicy) Delay(err error, retryCount int) time.Duration {
	p.mu.Lock()
	cfg := p.cfg
	jitter := 0.7 + p.rng.Float64()*0.6
	p.mu.Unlock()

	if hint, ok := transport.RetryAfterHint(err); ok {
		if hint > cfg.MaxDelay {
			return cfg.MaxDelay
		}
		return hint
	}

	base := cfg.BaseDelay
	var rl *transport.RateLimitedError
	if errors.As(err, &rl) {
		base = cfg.RateLimitBaseDelay
	}

	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= cfg.MaxDelay {
			d = cfg.MaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * jitter)
	if d < 0 {
		return 0
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}
