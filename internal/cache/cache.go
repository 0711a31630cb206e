package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "approvalscan/internal/errors"

	"github.com/sirupsen/logrus"
)

// DefaultTTL 扫描结果默认缓存时长
const DefaultTTL = time.Hour

// Backend 字符串键值存储
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// ScanCache 以(链, 钱包)为键缓存最近一次完成的扫描ID
// 后端故障时记录告警并按未命中处理，不向调用方返回错误
type ScanCache struct {
	backend Backend
	ttl     time.Duration
	logger  *logrus.Logger
	errors  *apperrors.ErrorHandler
}

// NewScanCache backend为nil时缓存关闭
func NewScanCache(backend Backend, ttl time.Duration, logger *logrus.Logger) *ScanCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ScanCache{backend: backend, ttl: ttl, logger: logger}
}

// WithErrors 后端故障同时上报到错误处理器
func (c *ScanCache) WithErrors(handler *apperrors.ErrorHandler) *ScanCache {
	c.errors = handler
	return c
}

// Key 缓存键 wallet_scan:{chain}:{address}
func Key(chainID int64, wallet string) string {
	return fmt.Sprintf("wallet_scan:%d:%s", chainID, strings.ToLower(wallet))
}

// Enabled 是否配置了后端
func (c *ScanCache) Enabled() bool {
	return c != nil && c.backend != nil
}

// TTL 缓存时长
func (c *ScanCache) TTL() time.Duration {
	return c.ttl
}

// GetScanID 查询缓存的扫描ID
func (c *ScanCache) GetScanID(ctx context.Context, chainID int64, wallet string) (string, bool) {
	if !c.Enabled() {
		return "", false
	}
	key := Key(chainID, wallet)
	v, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.fail(ctx, "读取扫描缓存失败", key, err)
		return "", false
	}
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// SetScanID 记录最近完成的扫描
func (c *ScanCache) SetScanID(ctx context.Context, chainID int64, wallet, scanID string) {
	if !c.Enabled() {
		return
	}
	key := Key(chainID, wallet)
	if err := c.backend.Set(ctx, key, scanID, c.ttl); err != nil {
		c.fail(ctx, "写入扫描缓存失败", key, err)
	}
}

// Invalidate 删除缓存
func (c *ScanCache) Invalidate(ctx context.Context, chainID int64, wallet string) {
	if !c.Enabled() {
		return
	}
	key := Key(chainID, wallet)
	if err := c.backend.Delete(ctx, key); err != nil {
		c.fail(ctx, "删除扫描缓存失败", key, err)
	}
}

func (c *ScanCache) fail(ctx context.Context, message, key string, err error) {
	if c.errors == nil {
		c.logger.Warnf("%s %s: %v", message, key, err)
		return
	}
	_ = c.errors.HandleError(ctx, apperrors.NewCacheError(message, err).
		WithComponent("cache").
		WithContext("key", key))
}

// Close 关闭后端
func (c *ScanCache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.backend.Close()
}
