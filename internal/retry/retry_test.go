package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	scanerrors "approvalscan/internal/errors"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// recordingSleep 记录每次等待时长而不真正等待
func recordingSleep(delays *[]time.Duration) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"超时", errors.New("i/o timeout"), true},
		{"限流", errors.New("429 Too Many Requests"), true},
		{"连接拒绝", errors.New("dial tcp: connection refused"), true},
		{"上下文取消", context.Canceled, false},
		{"普通错误", errors.New("invalid argument"), false},
		{"可重试ScanError", scanerrors.NewDiscoveryError("查询失败", nil), true},
		{"不可重试ScanError", scanerrors.NewInvalidAddress("bad"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryableError(tt.err))
		})
	}
}

func TestRetrier_SucceedsAfterRetries(t *testing.T) {
	var delays []time.Duration
	retrier := NewRetrier(&RetryConfig{MaxAttempts: 3, InitialInterval: 10 * time.Millisecond, BackoffFactor: 2}, testLogger()).
		WithSleep(recordingSleep(&delays))

	calls := 0
	err := retrier.Execute(context.Background(), "test", func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, delays)
}

func TestRetrier_NonRetryableStopsImmediately(t *testing.T) {
	retrier := NewRetrier(NetworkRetryConfig, testLogger()).WithSleep(func(context.Context, time.Duration) error {
		t.Fatal("不应等待")
		return nil
	})

	calls := 0
	err := retrier.Execute(context.Background(), "test", func() error {
		calls++
		return errors.New("invalid argument")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrier_Exhausted(t *testing.T) {
	var delays []time.Duration
	retrier := NewRetrier(TaskRetryConfig, testLogger()).
		WithClassifier(func(error) bool { return true }).
		WithSleep(recordingSleep(&delays))

	var retried []int
	retrier.OnRetry(func(attempt int, delay time.Duration, err error) {
		retried = append(retried, attempt)
	})

	boom := errors.New("boom")
	calls := 0
	err := retrier.Execute(context.Background(), "task", func() error {
		calls++
		return boom
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 4, calls)
	assert.Equal(t, []int{1, 2, 3}, retried)
	assert.Equal(t, []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}, delays)
}

func TestRetrier_DelayCap(t *testing.T) {
	retrier := NewRetrier(&RetryConfig{MaxAttempts: 10, InitialInterval: time.Second, MaxInterval: 5 * time.Second, BackoffFactor: 2}, testLogger())

	assert.Equal(t, time.Second, retrier.Delay(1))
	assert.Equal(t, 4*time.Second, retrier.Delay(3))
	assert.Equal(t, 5*time.Second, retrier.Delay(4))
}

func TestRetrier_JitterWithinRange(t *testing.T) {
	retrier := NewRetrier(NetworkRetryConfig, testLogger())
	for i := 0; i < 50; i++ {
		d := retrier.calculateDelay(1)
		assert.GreaterOrEqual(t, d, 400*time.Millisecond)
		assert.LessOrEqual(t, d, 600*time.Millisecond)
	}
}

func TestRetrier_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := NewRetrier(NetworkRetryConfig, testLogger()).Execute(ctx, "test", func() error {
		calls++
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}
