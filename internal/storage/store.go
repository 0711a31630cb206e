package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"approvalscan/internal/config"
	"approvalscan/pkg/models"

	"github.com/sirupsen/logrus"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("记录不存在")

// Store 扫描流水线使用的存储接口
type Store interface {
	// GetOrCreateWallet 按(地址, 链)查找钱包，不存在时创建
	GetOrCreateWallet(ctx context.Context, address string, chainID int64) (*models.Wallet, error)
	// IncrementWalletScans 扫描次数加一并更新最近扫描时间
	IncrementWalletScans(ctx context.Context, walletID string, at time.Time) error

	CreateScan(ctx context.Context, scan *models.Scan) error
	UpdateScan(ctx context.Context, scan *models.Scan) error
	GetScan(ctx context.Context, id string) (*models.Scan, error)
	// SaveScanResults 在同一事务中更新扫描汇总并写入全部授权行
	SaveScanResults(ctx context.Context, scan *models.Scan, records []*models.ApprovalRecord) error
	// ListApprovals 按写入顺序返回扫描的授权行
	ListApprovals(ctx context.Context, scanID string) ([]*models.ApprovalRecord, error)

	ActiveBlacklist(ctx context.Context) ([]*models.BlacklistEntry, error)
	ListBlacklist(ctx context.Context) ([]*models.BlacklistEntry, error)
	UpsertBlacklistEntry(ctx context.Context, entry *models.BlacklistEntry) error

	// DeleteScansBefore 删除开始时间早于cutoff的扫描及其授权行，dryRun时只计数
	DeleteScansBefore(ctx context.Context, cutoff time.Time, dryRun bool) (int, error)

	Close() error
}

// Open 按配置创建存储
func Open(ctx context.Context, cfg *config.StorageConfig, logger *logrus.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		logger.Info("使用内存存储")
		return NewMemoryStore(), nil
	case "postgres", "pgx", "mysql", "sqlite3":
		return NewSQLStore(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("不支持的存储驱动: %s", cfg.Driver)
	}
}

// DefaultBlacklistSeed 初始黑名单
func DefaultBlacklistSeed() []*models.BlacklistEntry {
	return []*models.BlacklistEntry{
		{
			Address:  "0x0000000000000000000000000000000000000001",
			Category: models.CategoryDrainer,
			Severity: models.DefaultBlacklistSeverity,
			Name:     "Test Drainer 1",
			Source:   "Manual",
			Notes:    "Seed entry for testing",
			IsActive: true,
		},
	}
}

// SeedBlacklist 写入初始黑名单，返回写入条数
func SeedBlacklist(ctx context.Context, store Store, now time.Time) (int, error) {
	n := 0
	for _, entry := range DefaultBlacklistSeed() {
		entry.AddedAt = now
		if err := store.UpsertBlacklistEntry(ctx, entry); err != nil {
			return n, fmt.Errorf("写入黑名单 %s 失败: %w", entry.Address, err)
		}
		n++
	}
	return n, nil
}
