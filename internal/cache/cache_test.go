package cache

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	apperrors "approvalscan/internal/errors"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type brokenBackend struct{}

func (brokenBackend) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, errors.New("connection refused")
}
func (brokenBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return errors.New("connection refused")
}
func (brokenBackend) Delete(ctx context.Context, key string) error {
	return errors.New("connection refused")
}
func (brokenBackend) Close() error { return nil }

func TestKey(t *testing.T) {
	assert.Equal(t, "wallet_scan:1:0xabcdef", Key(1, "0xABCdef"))
}

func TestScanCache_MemoryRoundTrip(t *testing.T) {
	backend := NewMemoryBackend()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	backend.SetClock(func() time.Time { return now })

	c := NewScanCache(backend, 0, testLogger())
	ctx := context.Background()
	assert.Equal(t, DefaultTTL, c.TTL())

	_, ok := c.GetScanID(ctx, 1, "0xabc")
	assert.False(t, ok)

	c.SetScanID(ctx, 1, "0xABC", "scan-1")
	id, ok := c.GetScanID(ctx, 1, "0xabc")
	require.True(t, ok)
	assert.Equal(t, "scan-1", id)

	// 其他链不命中
	_, ok = c.GetScanID(ctx, 5, "0xabc")
	assert.False(t, ok)

	now = now.Add(59 * time.Minute)
	_, ok = c.GetScanID(ctx, 1, "0xabc")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok = c.GetScanID(ctx, 1, "0xabc")
	assert.False(t, ok)
	assert.Equal(t, 0, backend.Len())
}

func TestScanCache_Invalidate(t *testing.T) {
	c := NewScanCache(NewMemoryBackend(), time.Hour, testLogger())
	ctx := context.Background()

	c.SetScanID(ctx, 1, "0xabc", "scan-1")
	c.Invalidate(ctx, 1, "0xabc")
	_, ok := c.GetScanID(ctx, 1, "0xabc")
	assert.False(t, ok)
}

func TestScanCache_BackendFailuresAreMisses(t *testing.T) {
	c := NewScanCache(brokenBackend{}, time.Hour, testLogger())
	ctx := context.Background()

	assert.NotPanics(t, func() {
		c.SetScanID(ctx, 1, "0xabc", "scan-1")
		c.Invalidate(ctx, 1, "0xabc")
	})
	_, ok := c.GetScanID(ctx, 1, "0xabc")
	assert.False(t, ok)
}

func TestScanCache_BackendFailuresReported(t *testing.T) {
	handler := apperrors.NewErrorHandler(testLogger())
	c := NewScanCache(brokenBackend{}, time.Hour, testLogger()).WithErrors(handler)
	ctx := context.Background()

	c.SetScanID(ctx, 1, "0xabc", "scan-1")
	c.Invalidate(ctx, 1, "0xabc")
	_, ok := c.GetScanID(ctx, 1, "0xabc")
	assert.False(t, ok)

	stats := handler.GetStats()
	assert.Equal(t, 3, stats.ErrorsByType["Cache"])
	assert.Equal(t, 3, stats.ErrorsByComponent["cache"])
	assert.Equal(t, Key(1, "0xabc"), stats.LastError.Context["key"])
}

func TestScanCache_Disabled(t *testing.T) {
	c := NewScanCache(nil, time.Hour, testLogger())
	ctx := context.Background()

	assert.False(t, c.Enabled())
	c.SetScanID(ctx, 1, "0xabc", "scan-1")
	_, ok := c.GetScanID(ctx, 1, "0xabc")
	assert.False(t, ok)
	assert.NoError(t, c.Close())

	var nilCache *ScanCache
	assert.False(t, nilCache.Enabled())
}

func TestBoltBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "scan_cache.db")
	backend, err := NewBoltBackend(path, testLogger())
	require.NoError(t, err)
	defer backend.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	backend.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, "k1", "v1", time.Hour))
	require.NoError(t, backend.Set(ctx, "k2", "v2", time.Minute))
	require.NoError(t, backend.Set(ctx, "k3", "v3", 0))

	v, ok, err := backend.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	now = now.Add(2 * time.Minute)
	_, ok, err = backend.Get(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, backend.Delete(ctx, "k1"))
	_, ok, _ = backend.Get(ctx, "k1")
	assert.False(t, ok)

	v, ok, _ = backend.Get(ctx, "k3")
	assert.True(t, ok)
	assert.Equal(t, "v3", v)
}

func TestBoltBackend_PurgeAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan_cache.db")
	backend, err := NewBoltBackend(path, testLogger())
	require.NoError(t, err)

	now := time.Now()
	backend.now = func() time.Time { return now }
	ctx := context.Background()
	require.NoError(t, backend.Set(ctx, "old", "x", time.Minute))
	require.NoError(t, backend.Set(ctx, "fresh", "y", 24*time.Hour))

	now = now.Add(time.Hour)
	removed, err := backend.Purge()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	require.NoError(t, backend.Close())

	reopened, err := NewBoltBackend(path, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	c := NewScanCache(reopened, time.Hour, testLogger())
	c.SetScanID(ctx, 1, "0xabc", "scan-9")
	id, ok := c.GetScanID(ctx, 1, "0xABC")
	assert.True(t, ok)
	assert.Equal(t, "scan-9", id)

	v, ok, err := reopened.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "y", v)
}
