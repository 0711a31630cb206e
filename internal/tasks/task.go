package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScanTask 后台扫描任务
type ScanTask struct {
	TaskID        string    `json:"task_id"`
	WalletAddress string    `json:"wallet_address"`
	ChainID       int64     `json:"chain_id"`
	ForceRefresh  bool      `json:"force_refresh"`
	ScanID        string    `json:"scan_id,omitempty"` // 预先创建的PENDING扫描
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// NewScanTask 创建任务并分配ID
func NewScanTask(address string, chainID int64, force bool, scanID string) *ScanTask {
	return &ScanTask{
		TaskID:        uuid.NewString(),
		WalletAddress: address,
		ChainID:       chainID,
		ForceRefresh:  force,
		ScanID:        scanID,
		EnqueuedAt:    time.Now().UTC(),
	}
}

// Encode 序列化为JSON
func (t *ScanTask) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// DecodeScanTask 反序列化任务
func DecodeScanTask(data []byte) (*ScanTask, error) {
	var t ScanTask
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("解析扫描任务失败: %w", err)
	}
	if t.WalletAddress == "" {
		return nil, fmt.Errorf("扫描任务缺少钱包地址")
	}
	return &t, nil
}
