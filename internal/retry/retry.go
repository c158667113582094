// Package retry provides exponential-backoff retry for adapter calls.
package retry

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/oldnordic/ltmc/internal/errors"
)

// Config controls the backoff schedule.
type Config struct {
	MaxAttempts     int // 0 means retry until the context expires
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64 // jitter in [0,1]
	RetryIf         func(error) bool
}

// DefaultConfig returns the schedule used by the storage wrappers.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialDelay:    200 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.1,
		RetryIf:         Transient,
	}
}

// Transient reports whether an error is worth retrying: semantic
// Unavailable/Timeout kinds, or messages indicating connection trouble.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.IsRetryable(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"temporarily unavailable",
		"too many requests",
		"service unavailable",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Retrier executes operations with the configured backoff.
type Retrier struct {
	cfg *Config
}

// New creates a retrier, normalising out-of-range configuration.
func New(cfg *Config) *Retrier {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.RandomizeFactor < 0 {
		cfg.RandomizeFactor = 0
	} else if cfg.RandomizeFactor > 1 {
		cfg.RandomizeFactor = 1
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = Transient
	}
	return &Retrier{cfg: cfg}
}

// Do runs op until it succeeds, exhausts the attempt budget, fails with a
// non-retryable error, or the context is cancelled. The last error is
// returned.
func (r *Retrier) Do(ctx context.Context, op func(context.Context) error) error {
	delay := r.cfg.InitialDelay
	var lastErr error
	for attempt := 1; r.cfg.MaxAttempts == 0 || attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return errors.Wrap(errors.KindTimeout, err, "retry cancelled")
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !r.cfg.RetryIf(lastErr) {
			return lastErr
		}
		if r.cfg.MaxAttempts > 0 && attempt >= r.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(r.jitter(delay)):
		case <-ctx.Done():
			return lastErr
		}
		delay = time.Duration(float64(delay) * r.cfg.Multiplier)
		if delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
	}
	return lastErr
}

func (r *Retrier) jitter(d time.Duration) time.Duration {
	if r.cfg.RandomizeFactor == 0 {
		return d
	}
	spread := r.cfg.RandomizeFactor * float64(d)
	return time.Duration(float64(d) - spread + 2*spread*rand.Float64())
}
