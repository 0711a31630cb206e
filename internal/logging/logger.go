package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogConfig 日志配置
type LogConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`    // 日志级别 (debug, info, warn, error)
	Format string `json:"format" yaml:"format" mapstructure:"format"` // 日志格式 (json, text)
	Output string `json:"output" yaml:"output" mapstructure:"output"` // 输出路径 (stdout, stderr, file path)
}

// DefaultLogConfig 默认日志配置
var DefaultLogConfig = &LogConfig{
	Level:  "info",
	Format: "text",
	Output: "stdout",
}

// NewLogger 按配置创建logrus日志器，返回的Closer用于关闭文件输出
func NewLogger(config *LogConfig) (*logrus.Logger, io.Closer, error) {
	if config == nil {
		config = DefaultLogConfig
	}

	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("无效的日志级别 '%s': %w", config.Level, err)
	}

	writer, closer, err := getLogWriter(config.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("创建日志输出失败: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(writer)

	switch strings.ToLower(config.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		if closer != nil {
			closer.Close()
		}
		return nil, nil, fmt.Errorf("不支持的日志格式: %s", config.Format)
	}

	return logger, closer, nil
}

// ParseLevel 解析日志级别
func ParseLevel(levelStr string) (logrus.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return logrus.DebugLevel, nil
	case "info", "":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("未知的日志级别: %s", levelStr)
	}
}

// getLogWriter 获取日志输出
func getLogWriter(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "stdout", "":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		dir := filepath.Dir(output)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("创建日志目录失败: %w", err)
		}

		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("打开日志文件失败: %w", err)
		}
		return file, file, nil
	}
}

// ScanFields 扫描相关的日志字段
func ScanFields(scanID, wallet string, chainID int64) logrus.Fields {
	fields := logrus.Fields{
		"wallet":   wallet,
		"chain_id": chainID,
	}
	if scanID != "" {
		fields["scan_id"] = scanID
	}
	return fields
}

// NewRPCLogger RPC调用日志
func NewRPCLogger(logger *logrus.Logger, method, node string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"component": "rpc",
		"method":    method,
		"node":      node,
	})
}
