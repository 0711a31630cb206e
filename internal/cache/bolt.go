package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultBoltPath 默认数据库路径
	DefaultBoltPath = "./data/scan_cache.db"

	// ScanCacheBucket 存储桶名称
	ScanCacheBucket = "scan_cache"
)

// boltEntry 落盘格式
type boltEntry struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BoltBackend 基于BoltDB的持久化缓存，过期条目在读取时清理
type BoltBackend struct {
	db     *bolt.DB
	path   string
	logger *logrus.Logger
	now    func() time.Time
}

// NewBoltBackend 打开或创建缓存数据库
func NewBoltBackend(dbPath string, logger *logrus.Logger) (*BoltBackend, error) {
	if dbPath == "" {
		dbPath = DefaultBoltPath
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("创建缓存目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开缓存数据库失败: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(ScanCacheBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化缓存存储桶失败: %w", err)
	}

	b := &BoltBackend{db: db, path: dbPath, logger: logger, now: time.Now}
	if removed, err := b.Purge(); err != nil {
		logger.Warnf("清理过期缓存失败: %v", err)
	} else if removed > 0 {
		logger.Infof("已清理 %d 条过期缓存", removed)
	}

	logger.Infof("扫描缓存已初始化，数据库路径: %s", dbPath)
	return b, nil
}

// Path 数据库路径
func (b *BoltBackend) Path() string {
	return b.path
}

func (b *BoltBackend) Get(ctx context.Context, key string) (string, bool, error) {
	var entry boltEntry
	found := false

	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(ScanCacheBucket))
		if bucket == nil {
			return fmt.Errorf("缓存存储桶不存在")
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("解析缓存条目失败: %w", err)
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return "", false, err
	}

	if !entry.ExpiresAt.IsZero() && !b.now().Before(entry.ExpiresAt) {
		if err := b.Delete(ctx, key); err != nil {
			b.logger.Debugf("清理过期缓存失败 %s: %v", key, err)
		}
		return "", false, nil
	}
	return entry.Value, true, nil
}

func (b *BoltBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	entry := boltEntry{Value: value}
	if ttl > 0 {
		entry.ExpiresAt = b.now().Add(ttl)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(ScanCacheBucket))
		if bucket == nil {
			return fmt.Errorf("缓存存储桶不存在")
		}
		return bucket.Put([]byte(key), data)
	})
}

func (b *BoltBackend) Delete(ctx context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(ScanCacheBucket))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

// Purge 清理全部过期条目，返回清理数量
func (b *BoltBackend) Purge() (int, error) {
	now := b.now()
	removed := 0

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(ScanCacheBucket))
		if bucket == nil {
			return nil
		}

		var expired [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var entry boltEntry
			if err := json.Unmarshal(v, &entry); err != nil || (!entry.ExpiresAt.IsZero() && !now.Before(entry.ExpiresAt)) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}

// Close 关闭数据库
func (b *BoltBackend) Close() error {
	if b.db != nil {
		b.logger.Info("关闭扫描缓存")
		return b.db.Close()
	}
	return nil
}
