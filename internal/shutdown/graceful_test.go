package shutdown

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestGracefulShutdown_RunsInOrder(t *testing.T) {
	gs := NewGracefulShutdown(time.Second, testLogger())

	var mu sync.Mutex
	var order []string
	record := func(name string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	gs.Register("store", OrderCloseStore, record("store"))
	gs.Register("http", OrderStopHTTP, record("http"))
	gs.Register("queue", OrderStopQueue, record("queue"))
	gs.Register("cache", OrderCloseCache, record("cache"))

	assert.Equal(t, []string{"http", "queue", "cache", "store"}, gs.RegisteredFunctions())

	gs.Shutdown()
	gs.Shutdown()

	require.NoError(t, gs.Wait())
	assert.Equal(t, []string{"http", "queue", "cache", "store"}, order)
	assert.True(t, gs.IsShuttingDown())
	assert.Error(t, gs.Context().Err())
}

func TestGracefulShutdown_CollectsErrors(t *testing.T) {
	gs := NewGracefulShutdown(time.Second, testLogger())

	closed := false
	gs.Register("output", OrderFlushOutput, func(ctx context.Context) error { return errors.New("flush failed") })
	gs.Register("store", OrderCloseStore, func(ctx context.Context) error {
		closed = true
		return nil
	})

	gs.Shutdown()
	err := gs.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output: flush failed")
	assert.True(t, closed)
}

func TestGracefulShutdown_Timeout(t *testing.T) {
	gs := NewGracefulShutdown(50*time.Millisecond, testLogger())

	reached := false
	gs.Register("slow", OrderStopQueue, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	gs.Register("after", OrderCloseStore, func(ctx context.Context) error {
		reached = true
		return nil
	})

	gs.Shutdown()
	err := gs.Wait()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, reached)
}

func TestGracefulShutdown_StartThenManualShutdown(t *testing.T) {
	gs := NewGracefulShutdown(time.Second, testLogger())
	gs.Start()

	go gs.Shutdown()

	select {
	case <-gs.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("停机未完成")
	}
}
