// Package retry runs operations with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts counts the first call. Default: 3
	MaxAttempts int

	// InitialBackoff is the wait after the first failure. Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts. Default: 2s
	MaxBackoff time.Duration

	// Multiplier grows the backoff after each failure. Default: 2
	Multiplier float64
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error unchanged.
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

type delayedError struct {
	err   error
	delay time.Duration
}

func (e *delayedError) Error() string { return e.err.Error() }
func (e *delayedError) Unwrap() error { return e.err }

// After asks for the next attempt to wait d instead of the computed
// backoff. d is still capped by MaxBackoff.
func After(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &delayedError{err: err, delay: d}
}

// Do calls op until it succeeds, returns a Permanent error, the attempts
// run out, or ctx is done. logger may be nil.
func Do(ctx context.Context, cfg *Config, logger *zap.Logger, name string, op func(context.Context) error) error {
	_, err := DoValue(ctx, cfg, logger, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that return a result.
func DoValue[T any](ctx context.Context, cfg *Config, logger *zap.Logger, name string, op func(context.Context) (T, error)) (T, error) {
	c := DefaultConfig()
	if cfg != nil {
		copied := *cfg
		c = &copied
	}
	c.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		zero    T
		lastErr error
	)
	backoff := c.InitialBackoff
	start := time.Now()

	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("operation recovered after retries",
					zap.String("operation", name),
					zap.Int("attempts", attempt),
					zap.Duration("total_time", time.Since(start)),
				)
			}
			return v, nil
		}

		var p *permanentError
		if errors.As(err, &p) {
			return zero, p.err
		}
		lastErr = err

		if attempt == c.MaxAttempts {
			break
		}

		wait := backoff
		var d *delayedError
		if errors.As(err, &d) && d.delay > 0 {
			wait = d.delay
			if wait > c.MaxBackoff {
				wait = c.MaxBackoff
			}
		}

		logger.Debug("retrying operation after error",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.MaxAttempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * c.Multiplier)
		if backoff > c.MaxBackoff {
			backoff = c.MaxBackoff
		}
	}

	logger.Warn("operation failed after all attempts",
		zap.String("operation", name),
		zap.Int("attempts", c.MaxAttempts),
		zap.Error(lastErr),
	)
	return zero, fmt.Errorf("%s failed after %d attempts: %w", name, c.MaxAttempts, lastErr)
}
