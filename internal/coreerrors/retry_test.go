package coreerrors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryWithResultSucceedsAfterTransient(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, JitterFactor: 0}
	attempts := 0
	result, stats, err := RetryWithResult(context.Background(), cfg, func(ctx context.Context, attempt int) (string, error) {
		attempts++
		if attempts < 3 {
			return "", NewTransientError(errors.New("boom"), 503, 0)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, stats.TotalAttempts)
}

func TestRetryWithResultStopsOnPermanent(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.BaseDelay = time.Millisecond
	attempts := 0
	_, _, err := RetryWithResult(context.Background(), cfg, func(ctx context.Context, attempt int) (string, error) {
		attempts++
		return "", NewPermanentError(errors.New("bad credential"), 401)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, IsPermanent(err))
}

func TestRetryWithResultExhausts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, JitterFactor: 0}
	attempts := 0
	_, stats, err := RetryWithResult(context.Background(), cfg, func(ctx context.Context, attempt int) (string, error) {
		attempts++
		return "", NewTransientError(errors.New("still down"), 503, 0)
	})
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, stats.TotalAttempts)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, JitterFactor: 0}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := RetryWithResult(ctx, cfg, func(ctx context.Context, attempt int) (string, error) {
		return "", NewTransientError(errors.New("down"), 503, 0)
	})
	require.Error(t, err)
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(2, 10*time.Millisecond)
	fail := func() error { return errors.New("down") }

	assert.Error(t, cb.Execute(fail))
	assert.Error(t, cb.Execute(fail))
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)

	time.Sleep(15 * time.Millisecond)
	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestClassifyExternalError(t *testing.T) {
	err := ClassifyExternalError(errors.New("server exploded"), 503)
	assert.True(t, IsTransient(err))

	err = ClassifyExternalError(errors.New("bad request"), 401)
	assert.True(t, IsPermanent(err))
}

func TestFormatForLLM(t *testing.T) {
	msg := FormatForLLM(errors.New("dial tcp: connection refused"))
	assert.Contains(t, msg, "not reachable")
}
