// Package retry runs an operation with exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config controls Do. Delay before attempt n+1 is BaseDelay * Multiplier^(n-1).
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultConfig is used for broker publishes.
var DefaultConfig = Config{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	Multiplier:  2,
}

// Delay returns the wait after the given failed attempt (1-based).
func (c Config) Delay(attempt int) time.Duration {
	d := float64(c.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= c.Multiplier
	}
	return time.Duration(d)
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls op until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done. The last error is returned unwrapped from Permanent.
func Do[T any](ctx context.Context, cfg Config, logger zerolog.Logger, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		var p *permanentError
		if errors.As(err, &p) {
			return zero, p.err
		}
		if attempt == attempts {
			break
		}

		wait := cfg.Delay(attempt)
		logger.Warn().
			Err(err).
			Str("op", name).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("retry_in", wait).
			Msg("Operation failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%s: %w (last error: %v)", name, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	logger.Error().Err(lastErr).Str("op", name).Int("attempts", attempts).Msg("Operation failed after all attempts")
	return zero, lastErr
}
