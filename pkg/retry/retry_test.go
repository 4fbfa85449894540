package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genlog/genlog/pkg/errors"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeConnectionFailed,
		},
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := New(fastConfig()).Do(func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	calls := 0
	err := New(fastConfig()).Do(func() error {
		calls++
		if calls < 3 {
			return errors.New(errors.ErrCodeConnectionFailed, "transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := New(fastConfig()).Do(func() error {
		calls++
		return errors.New(errors.ErrCodeInvalidArgument, "bad gen")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
}

func TestDoStopsOnPlainError(t *testing.T) {
	calls := 0
	err := New(fastConfig()).Do(func() error {
		calls++
		return fmt.Errorf("not structured")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := New(fastConfig()).Do(func() error {
		calls++
		return errors.New(errors.ErrCodeConnectionFailed, "still down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, errors.IsCode(err, errors.ErrCodeRetryExhausted))
}

func TestDoWithContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(fastConfig()).DoWithContext(ctx, func(ctx context.Context) error {
		return errors.New(errors.ErrCodeConnectionFailed, "down")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOnRetryCallback(t *testing.T) {
	var attempts []int
	r := New(fastConfig()).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	})
	_ = r.Do(func() error {
		return errors.New(errors.ErrCodeConnectionFailed, "down")
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestRetryWithBackoff(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), 2, func() error {
		calls++
		return errors.New(errors.ErrCodeConnectionFailed, "down")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}
