package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
)

// RetryPolicy bounds how often the driver re-runs a failed stage.
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2.0,
	}
}

// ShouldRetry reports whether a stage that failed with err on its
// attempt-th try (1-based) gets another attempt. The error code's
// registry entry decides; configuration, not_found, unsupported_format and
// cancellation never retry.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	return mperrors.IsErrorRetryable(err)
}

// NewBackOff returns the delay sequence between attempts.
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	if p.Multiplier > 1 {
		b.Multiplier = p.Multiplier
	}
	// Attempts are bounded by MaxAttempts, not elapsed time.
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	return p
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
