// Package retry implements bounded retries with exponential backoff
// and full jitter for registry HTTP calls: base 200ms, cap 5s, 3
// attempts by default.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const (
	DefaultAttempts = 3
	BaseDelay       = 200 * time.Millisecond
	CapDelay        = 5 * time.Second
)

// Options configures Do. Zero value uses the package defaults.
type Options struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Base <= 0 {
		o.Base = BaseDelay
	}
	if o.Cap <= 0 {
		o.Cap = CapDelay
	}
	return o
}

// Retryable distinguishes an error worth retrying from one that isn't
// (a 404, path traversal, etc). fn should wrap
// its non-retryable errors so Do can tell them apart.
type Retryable interface {
	Retryable() bool
}

// Do calls fn up to opts.Attempts times, sleeping a full-jitter
// exponential backoff between attempts, and stops early if fn's error
// implements Retryable and reports false, or if ctx is cancelled.
func Do(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	opts = opts.withDefaults()

	var lastErr error
	for attempt := 0; attempt < opts.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var r Retryable
		if errors.As(lastErr, &r) && !r.Retryable() {
			return lastErr
		}
		if attempt == opts.Attempts-1 {
			break
		}
		delay := backoff(opts.Base, opts.Cap, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// backoff computes a full-jitter delay: a uniformly random duration in
// [0, min(cap, base*2^attempt)].
func backoff(base, cap time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d <= 0 || d > cap {
		d = cap
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
