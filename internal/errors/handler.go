package errors

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 错误处理器，负责记录日志、统计并通知监控回调
type ErrorHandler struct {
	logger  *logrus.Logger
	stats   *ErrorStats
	mu      sync.RWMutex
	logging *LoggingStrategy

	callbacks []ErrorCallback
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *ScanError)

// LoggingStrategy 日志记录策略
type LoggingStrategy struct {
	logger *logrus.Logger
}

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger:    logger,
		stats:     NewErrorStats(),
		logging:   &LoggingStrategy{logger: logger},
		callbacks: make([]ErrorCallback, 0),
	}
}

// HandleError 处理错误
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	var scanErr *ScanError
	if !stderrors.As(err, &scanErr) {
		scanErr = WrapError(err, ErrorTypeOrchestration, SeverityMedium, "UNKNOWN_ERROR", "未知错误")
	}

	eh.mu.Lock()
	eh.stats.RecordError(scanErr)
	callbacks := make([]ErrorCallback, len(eh.callbacks))
	copy(callbacks, eh.callbacks)
	eh.mu.Unlock()

	for _, cb := range callbacks {
		eh.safeCallback(cb, scanErr)
	}

	return eh.logging.Handle(ctx, scanErr)
}

func (eh *ErrorHandler) safeCallback(cb ErrorCallback, err *ScanError) {
	defer func() {
		if r := recover(); r != nil {
			eh.logger.Errorf("错误回调执行时发生panic: %v", r)
		}
	}()
	cb(err)
}

// Handle 按严重级别输出日志
func (ls *LoggingStrategy) Handle(ctx context.Context, err *ScanError) error {
	logEntry := ls.logger.WithFields(logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"component":  err.Component,
		"retryable":  err.Retryable,
		"wallet":     err.Wallet,
		"chain_id":   err.ChainID,
		"context":    err.Context,
	})

	switch err.Severity {
	case SeverityLow:
		logEntry.Debug(err.Error())
	case SeverityMedium:
		logEntry.Warn(err.Error())
	default:
		logEntry.Error(err.Error())
	}

	return err
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// GetStats 获取错误统计信息的副本
func (eh *ErrorHandler) GetStats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	snapshot := *eh.stats
	snapshot.ErrorsByType = copyCounts(eh.stats.ErrorsByType)
	snapshot.ErrorsBySeverity = copyCounts(eh.stats.ErrorsBySeverity)
	snapshot.ErrorsByComponent = copyCounts(eh.stats.ErrorsByComponent)
	snapshot.RecentErrors = append([]*ScanError(nil), eh.stats.RecentErrors...)
	return snapshot
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
