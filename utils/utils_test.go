package utils

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clinic-flow/internal/status"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Retry Tests

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func TestCallWithRetry_SucceedsFirstTry(t *testing.T) {
	sleeps := &recordedSleeps{}
	r := NewRetrier(DefaultRetryDelays).WithSleep(sleeps.sleep)

	calls := 0
	result, err := CallWithRetry(context.Background(), r, "get", func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeps.delays)
}

func TestCallWithRetry_AlwaysFailing(t *testing.T) {
	sleeps := &recordedSleeps{}
	r := NewRetrier([]time.Duration{0, 5000 * time.Millisecond, 10000 * time.Millisecond}).WithSleep(sleeps.sleep)

	calls := 0
	cause := errors.New("connection refused")
	_, err := CallWithRetry(context.Background(), r, "save", func(context.Context) (int, error) {
		calls++
		return 0, cause
	})

	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, status.ErrBackendUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, sleeps.delays)

	var be *status.BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 3, be.Attempts)
}

func TestCallWithRetry_RecoversOnSecondAttempt(t *testing.T) {
	sleeps := &recordedSleeps{}
	r := NewRetrier(DefaultRetryDelays).WithSleep(sleeps.sleep)

	calls := 0
	err := r.Do(context.Background(), "write", func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("timeout")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{5 * time.Second}, sleeps.delays)
}

func TestCallWithRetry_CustomSchedule(t *testing.T) {
	sleeps := &recordedSleeps{}
	r := NewRetrier([]time.Duration{0, 0, time.Second, time.Second, time.Second}).WithSleep(sleeps.sleep)

	calls := 0
	err := r.Do(context.Background(), "write", func(context.Context) error {
		calls++
		return errors.New("down")
	})

	assert.Error(t, err)
	assert.Equal(t, 5, calls)
	assert.Len(t, sleeps.delays, 3)
}

func TestCallWithRetry_StopsWhenContextDone(t *testing.T) {
	r := NewRetrier([]time.Duration{0, time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, "write", func(context.Context) error {
			calls++
			return errors.New("down")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, status.ErrBackendUnavailable)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestNewRetrier_DefaultsWhenEmpty(t *testing.T) {
	r := NewRetrier(nil)
	assert.Equal(t, DefaultRetryDelays, r.Delays)
}

// PIN Tests

func TestGeneratePIN(t *testing.T) {
	for i := 0; i < 50; i++ {
		pin, err := GeneratePIN(4)
		require.NoError(t, err)
		assert.Len(t, pin, 4)
		for _, c := range pin {
			assert.True(t, c >= '0' && c <= '9', "non digit in %q", pin)
		}
	}
}

func TestGeneratePIN_InvalidLength(t *testing.T) {
	_, err := GeneratePIN(0)
	assert.Error(t, err)
}

func TestMaskPIN(t *testing.T) {
	assert.Equal(t, "***", MaskPIN("1234"))
	assert.Equal(t, "", MaskPIN(""))
}

// Circuit Breaker Tests

func newTestBreaker(threshold uint32, cooldown time.Duration) (*CircuitBreaker, *time.Time) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("test", threshold, cooldown)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreaker_NewCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker("notify", 0, 0)

	assert.Equal(t, "notify", cb.Name())
	assert.Equal(t, uint32(5), cb.failureThreshold)
	assert.Equal(t, 30*time.Second, cb.cooldown)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		err := cb.Execute(func() error { return errors.New("failure") })
		assert.EqualError(t, err, "failure")
	}

	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(func() error {
		t.Fatal("This should not be executed when circuit is open")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	_ = cb.Execute(func() error { return errors.New("failure") })
	_ = cb.Execute(func() error { return errors.New("failure") })
	assert.NoError(t, cb.Execute(func() error { return nil }))
	_ = cb.Execute(func() error { return errors.New("failure") })

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)

	_ = cb.Execute(func() error { return errors.New("failure") })
	assert.Equal(t, StateOpen, cb.State())

	*now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())

	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, now := newTestBreaker(2, time.Minute)

	_ = cb.Execute(func() error { return errors.New("failure") })
	_ = cb.Execute(func() error { return errors.New("failure") })
	*now = now.Add(2 * time.Minute)

	err := cb.Execute(func() error { return errors.New("still down") })
	assert.EqualError(t, err, "still down")
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_PanicRecovery(t *testing.T) {
	cb, _ := newTestBreaker(5, time.Minute)

	assert.Panics(t, func() {
		_ = cb.Execute(func() error {
			panic("test panic")
		})
	})

	// Circuit breaker should still function after panic
	assert.NoError(t, cb.Execute(func() error { return nil }))
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker("concurrent-test", 1000, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_ = cb.Execute(func() error {
				if id%10 == 0 {
					return errors.New("simulated failure")
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_StateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
}

// Redis Client Tests

func TestRedisHealthCheck_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()

	mock.ExpectPing().SetVal("PONG")

	err := RedisHealthCheck(db)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisHealthCheck_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()

	expectedError := errors.New("connection failed")
	mock.ExpectPing().SetErr(expectedError)

	err := RedisHealthCheck(db)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis health check failed")
	assert.Contains(t, err.Error(), "connection failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Benchmark Tests

func BenchmarkCircuitBreaker_Execute_Success(b *testing.B) {
	cb := NewCircuitBreaker("benchmark", 5, time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cb.Execute(func() error { return nil })
	}
}

func BenchmarkGeneratePIN(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = GeneratePIN(4)
	}
}
