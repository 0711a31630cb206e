package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"approvalscan/internal/config"
	"approvalscan/pkg/models"

	"github.com/sirupsen/logrus"
)

// Publisher 扫描报告输出接口
type Publisher interface {
	PublishScan(ctx context.Context, report *models.ScanReport) error
	Close() error
}

// NewPublisher 按配置创建输出器
func NewPublisher(cfg *config.OutputConfig, kafkaCfg *config.KafkaConfig, logger *logrus.Logger) (Publisher, error) {
	switch cfg.Format {
	case "", "none":
		return NoopOutput{}, nil
	case "file":
		return NewFileOutput(cfg.Directory, logger)
	case "kafka":
		return NewKafkaOutput(kafkaCfg, cfg.Topic, logger)
	default:
		return nil, fmt.Errorf("不支持的输出格式: %s", cfg.Format)
	}
}

// NoopOutput 丢弃所有报告
type NoopOutput struct{}

func (NoopOutput) PublishScan(ctx context.Context, report *models.ScanReport) error { return nil }

func (NoopOutput) Close() error { return nil }

// FileOutput 按JSON行写入报告文件
type FileOutput struct {
	logger *logrus.Logger
	path   string

	mu   sync.Mutex
	file *os.File
}

// NewFileOutput 在目录下创建带时间戳的报告文件
func NewFileOutput(dir string, logger *logrus.Logger) (*FileOutput, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	path := filepath.Join(dir, fmt.Sprintf("scan_reports_%s.json", timestamp))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("创建报告文件失败: %w", err)
	}

	logger.Infof("扫描报告写入文件: %s", path)
	return &FileOutput{logger: logger, path: path, file: file}, nil
}

// Path 报告文件路径
func (o *FileOutput) Path() string {
	return o.path
}

// PublishScan 追加一行报告
func (o *FileOutput) PublishScan(ctx context.Context, report *models.ScanReport) error {
	if report == nil {
		return nil
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("序列化扫描报告失败: %w", err)
	}
	data = append(data, '\n')

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.file == nil {
		return fmt.Errorf("报告文件已关闭")
	}
	if _, err := o.file.Write(data); err != nil {
		return fmt.Errorf("写入报告文件失败: %w", err)
	}
	// 强制刷新到磁盘
	if err := o.file.Sync(); err != nil {
		return fmt.Errorf("刷新报告文件失败: %w", err)
	}
	return nil
}

// Close 关闭文件
func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.file == nil {
		return nil
	}
	err := o.file.Close()
	o.file = nil
	return err
}
