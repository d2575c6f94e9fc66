// Package retry provides bounded, cancellable retry with exponential
// backoff for transport operations. Connect attempts, reconnects, and
// queued exchanges all funnel through Do.
//
// Classification is pessimistic: only errors recognized as transient are
// retried, everything unknown fails fast. Callers with better knowledge of
// their transport override IsRetryable.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"

	"github.com/srg/blepool/device"
)

// ErrInvalidConfig reports a retry configuration that cannot be executed.
var ErrInvalidConfig = errors.New("invalid retry config")

// Config controls the retry loop. The zero value is not runnable; construct
// with DefaultConfig or fill the struct and let an enclosing config apply
// the default tags.
type Config struct {
	// MaxAttempts is the total number of invocations, first try included.
	// Values below 1 are rejected before the operation is ever invoked.
	MaxAttempts int `yaml:"max_attempts" default:"3"`

	// InitialDelay is the wait after the first failed attempt.
	InitialDelay time.Duration `yaml:"initial_delay" default:"100ms"`

	// MaxDelay caps the grown delay, jitter included.
	MaxDelay time.Duration `yaml:"max_delay" default:"5s"`

	// BackoffMultiplier grows the delay between consecutive attempts.
	BackoffMultiplier float64 `yaml:"backoff_multiplier" default:"2.0"`

	// Jitter perturbs each delay within [delay/2, delay] to avoid
	// synchronized retry storms across peripherals.
	Jitter bool `yaml:"jitter"`

	// IsRetryable decides whether a failed attempt is worth repeating.
	// Nil means DefaultIsRetryable.
	IsRetryable func(error) bool `yaml:"-"`

	// OnRetry observes each scheduled retry. It receives the 1-based
	// number of the attempt that just failed, the delay about to be
	// slept, and the error. Called before the wait, never for the final
	// failure.
	OnRetry func(attempt int, delay time.Duration, err error) `yaml:"-"`
}

// DefaultConfig returns a Config with the default tags applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// UnmarshalYAML decodes the config, accepting Go duration strings ("250ms",
// "5s") for the delay fields. Absent fields keep their current values, so
// decoding over a defaults-filled config behaves as an overlay.
func (cfg *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxAttempts       *int     `yaml:"max_attempts"`
		InitialDelay      string   `yaml:"initial_delay"`
		MaxDelay          string   `yaml:"max_delay"`
		BackoffMultiplier *float64 `yaml:"backoff_multiplier"`
		Jitter            *bool    `yaml:"jitter"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.MaxAttempts != nil {
		cfg.MaxAttempts = *raw.MaxAttempts
	}
	if raw.InitialDelay != "" {
		d, err := time.ParseDuration(raw.InitialDelay)
		if err != nil {
			return fmt.Errorf("initial_delay: %w", err)
		}
		cfg.InitialDelay = d
	}
	if raw.MaxDelay != "" {
		d, err := time.ParseDuration(raw.MaxDelay)
		if err != nil {
			return fmt.Errorf("max_delay: %w", err)
		}
		cfg.MaxDelay = d
	}
	if raw.BackoffMultiplier != nil {
		cfg.BackoffMultiplier = *raw.BackoffMultiplier
	}
	if raw.Jitter != nil {
		cfg.Jitter = *raw.Jitter
	}
	return nil
}

// Do invokes op until it succeeds, the attempt budget is exhausted, the
// error is classified non-retryable, or ctx fires.
//
// Cancellation is a signal to stop waiting: a ctx that fires during the
// inter-attempt delay aborts the loop with the context's cause, a ctx that
// is already done prevents the first invocation entirely. An attempt that
// is already executing is never interrupted by the loop itself; op is
// responsible for honoring ctx internally if it can.
func Do[T any](ctx context.Context, cfg *Config, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxAttempts < 1 {
		return zero, fmt.Errorf("%w: max attempts %d, need at least 1", ErrInvalidConfig, cfg.MaxAttempts)
	}

	if err := ctx.Err(); err != nil {
		return zero, context.Cause(ctx)
	}

	isRetryable := cfg.IsRetryable
	if isRetryable == nil {
		isRetryable = DefaultIsRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == cfg.MaxAttempts || !isRetryable(err) {
			break
		}

		delay := cfg.delayFor(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, err)
		}

		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, lastErr
}

// delayFor computes the backoff delay after the given 1-based attempt:
// InitialDelay grown by BackoffMultiplier per attempt, capped at MaxDelay,
// optionally jittered within [delay/2, delay].
func (cfg *Config) delayFor(attempt int) time.Duration {
	delay := time.Duration(float64(cfg.InitialDelay) * pow(cfg.BackoffMultiplier, attempt-1))
	if delay < 0 {
		// float overflow on large attempt counts
		delay = cfg.MaxDelay
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if cfg.Jitter && delay > 0 {
		half := delay / 2
		delay = half + time.Duration(rand.Int63n(int64(half)+1))
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	if delay < 0 {
		delay = 0
	}
	return delay
}

// pow avoids importing math for the one integer-exponent case we have.
func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// sleep waits for d or until ctx fires, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}

// DefaultIsRetryable classifies errors the way the transport taxonomy
// suggests: timeouts and transient connectivity failures are retryable,
// cancellation, permission and not-found failures are not, and anything
// unrecognized fails fast.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, device.ErrPermissionDenied) {
		return false
	}
	var notFound *device.NotFoundError
	if errors.As(err, &notFound) {
		return false
	}
	return device.IsTransient(err)
}
