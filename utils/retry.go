package utils

import (
	"context"
	"log/slog"
	"time"

	"clinic-flow/internal/status"
)

// DefaultRetryDelays is the backend retry schedule: an immediate attempt,
// then one after 5s and one after another 10s.
var DefaultRetryDelays = []time.Duration{0, 5 * time.Second, 10 * time.Second}

// Retrier runs backend operations against a fixed delay schedule. Entry i is
// the wait before attempt i, so the schedule length is the attempt count.
// Errors are not classified: every failure is retried.
type Retrier struct {
	Delays []time.Duration

	// sleep is swapped in tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRetrier(delays []time.Duration) *Retrier {
	if len(delays) == 0 {
		delays = DefaultRetryDelays
	}
	return &Retrier{Delays: delays, sleep: sleepContext}
}

// WithSleep returns a copy of r that waits through fn.
func (r *Retrier) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Retrier {
	return &Retrier{Delays: r.Delays, sleep: fn}
}

// Do runs op until it succeeds or the schedule is exhausted.
func (r *Retrier) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	_, err := CallWithRetry(ctx, r, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// CallWithRetry executes op with r's schedule and returns its result. When
// every attempt fails it returns a *status.BackendError holding the last cause.
func CallWithRetry[T any](ctx context.Context, r *Retrier, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if r == nil {
		r = NewRetrier(nil)
	}
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	attempts := 0
	for i, delay := range r.Delays {
		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		attempts++
		result, err := op(ctx)
		if err == nil {
			if i > 0 {
				slog.Info("backend call recovered", "op", name, "attempt", attempts)
			}
			return result, nil
		}
		lastErr = err
		slog.Warn("backend call failed", "op", name, "attempt", attempts, "of", len(r.Delays), "error", err)
	}

	return zero, &status.BackendError{Attempts: attempts, Cause: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
