package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}
}

func TestRetryWithBackoff_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), fastRetryPolicy(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("throttled: rate exceeded")
		}
		return nil
	}, IsTransientError)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoff_PermanentErrorFailsFast(t *testing.T) {
	attempts := 0
	permanent := errors.New("invalid parameter")
	err := RetryWithBackoff(context.Background(), fastRetryPolicy(), func() error {
		attempts++
		return permanent
	}, IsTransientError)

	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithBackoff_ExhaustsRetries(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), fastRetryPolicy(), func() error {
		attempts++
		return errors.New("service unavailable")
	}, IsTransientError)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries")
	assert.Equal(t, 4, attempts) // initial try + 3 retries
}

func TestRetryWithBackoff_CancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := &RetryPolicy{MaxRetries: 5, BaseDelay: time.Minute, MaxDelay: time.Minute}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := RetryWithBackoff(ctx, policy, func() error {
		return errors.New("timeout")
	}, IsTransientError)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

type selfClassifiedError struct {
	transient bool
}

func (e *selfClassifiedError) Error() string   { return "api error" }
func (e *selfClassifiedError) Temporary() bool { return e.transient }

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"throttling", errors.New("ThrottlingException: slow down"), true},
		{"rate limit", errors.New("request limit exceeded"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"timeout", errors.New("dial tcp: i/o timeout"), true},
		{"permanent", errors.New("access denied"), false},
		{"self classified transient", &selfClassifiedError{transient: true}, true},
		// A provider's own classification wins over message patterns.
		{"self classified permanent", &selfClassifiedError{transient: false}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransientError(tt.err))
		})
	}
}

func TestCalculateBackoff_Bounded(t *testing.T) {
	base := time.Second
	max := 10 * time.Second
	for attempt := 0; attempt < 10; attempt++ {
		delay := calculateBackoff(attempt, base, max)
		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, max)
	}
}
