// Package retry provides bounded retry loops for outbound sends and
// adapter reconnects.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config controls how an operation is retried.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Step is the base delay unit. With Multiplier <= 1 the delay after
	// attempt n is Step*n (linear growth); otherwise it is
	// Step*Multiplier^(n-1).
	Step time.Duration
	// MaxDelay caps any single sleep.
	MaxDelay time.Duration
	// Multiplier selects exponential growth when > 1.
	Multiplier float64
	// Jitter randomizes each sleep into [0.5, 1.5) of its computed value.
	Jitter bool
}

// Sends is the policy for outbound message delivery: three attempts
// with delays of 400 ms times the attempt number.
func Sends() Config {
	return Config{MaxAttempts: 3, Step: 400 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Reconnect is the policy for adapter reconnection: exponential growth
// with jitter, capped at one minute.
func Reconnect() Config {
	return Config{
		MaxAttempts: math.MaxInt32,
		Step:        time.Second,
		MaxDelay:    time.Minute,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Delay returns the sleep before retrying after the given 1-based attempt.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	step := c.Step
	if step <= 0 {
		step = 400 * time.Millisecond
	}
	var d time.Duration
	if c.Multiplier > 1 {
		d = time.Duration(float64(step) * math.Pow(c.Multiplier, float64(attempt-1)))
	} else {
		d = step * time.Duration(attempt)
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	if c.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64())) // #nosec G404 -- jitter does not need crypto randomness
	}
	return d
}

// Result reports the outcome of a retry loop.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Err is the last error, nil on success.
	Err error
	// Duration is the total elapsed time.
	Duration time.Duration
}

// Do runs op until it succeeds, returns a permanent error, exhausts
// MaxAttempts, or the context is cancelled. The attempt number passed
// to op is 1-based.
func Do(ctx context.Context, cfg Config, op func(attempt int) error) Result {
	start := time.Now()
	res := Result{}

	max := cfg.MaxAttempts
	if max <= 0 {
		max = 1
	}

	for attempt := 1; attempt <= max; attempt++ {
		res.Attempts = attempt

		if ctx.Err() != nil {
			res.Err = ctx.Err()
			break
		}

		err := op(attempt)
		if err == nil {
			res.Err = nil
			break
		}
		res.Err = err

		if IsPermanent(err) || attempt >= max {
			break
		}

		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			res.Duration = time.Since(start)
			return res
		case <-time.After(cfg.Delay(attempt)):
		}
	}

	res.Duration = time.Since(start)
	return res
}

// DoWithValue runs an operation that returns a value.
func DoWithValue[T any](ctx context.Context, cfg Config, op func(attempt int) (T, error)) (T, Result) {
	var value T
	res := Do(ctx, cfg, func(attempt int) error {
		var err error
		value, err = op(attempt)
		return err
	})
	return value, res
}

// PermanentError marks a failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so retry loops stop immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
