// Package retry implements C4: a synchronous retry engine wrapping any
// transport call with bounded exponential backoff and jitter, and
// classifying which failures are worth retrying.
package retry

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/odinlabs/ethrpc/transport"
)

// Config is the retry context from §4.1: attempt_index >= 0, base_delay_ms
// > 0, max_delay_ms >= base, jitter_min >= 0, jitter_max > jitter_min.
//
// Limiter is an optional global ceiling shared across every Run call that
// references the same Config value — it smooths the rate of attempts
// (including retries) made against a single upstream, independent of the
// per-call backoff below. Nil means no ceiling.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterMin   float64
	JitterMax   float64
	MaxAttempts int
	Limiter     *rate.Limiter
}

// DefaultConfig mirrors the teacher's connection-rate-limiter defaults in
// spirit: small bursts, short base delay, generous ceiling.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		JitterMin:   0.0,
		JitterMax:   0.25,
		MaxAttempts: 5,
	}
}

// Op is a single attempt of the wrapped call.
type Op func(ctx context.Context) (result interface{}, err error)

// Run executes op, retrying per cfg on retryable failures (§4.4). The
// engine is synchronous from the caller's perspective and holds no
// shared mutable state across calls — every Run call gets its own
// attempt counter.
func Run(ctx context.Context, cfg Config, op Op) (interface{}, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if cfg.Limiter != nil {
			if err := cfg.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == cfg.MaxAttempts || !transport.IsRetryable(err) {
			return nil, err
		}

		delay := computeDelay(cfg, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// computeDelay implements §4.1's formula: delay = min(base*2^(n-1), max) *
// (1 + U[jitter_min, jitter_max]), n 1-indexed.
func computeDelay(cfg Config, attempt int) time.Duration {
	base := float64(cfg.BaseDelay) * float64(uint64(1)<<uint(attempt-1))
	capped := base
	if max := float64(cfg.MaxDelay); capped > max {
		capped = max
	}
	jitter := cfg.JitterMin + rand.Float64()*(cfg.JitterMax-cfg.JitterMin)
	return time.Duration(capped * (1 + jitter))
}
