package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewScanError(t *testing.T) {
	err := NewScanError(ErrorTypeRPC, SeverityHigh, "TEST_ERROR", "测试错误")

	assert.NotNil(t, err)
	assert.Equal(t, ErrorTypeRPC, err.Type)
	assert.Equal(t, SeverityHigh, err.Severity)
	assert.Equal(t, "TEST_ERROR", err.Code)
	assert.Equal(t, "测试错误", err.Message)
	assert.True(t, err.Retryable) // RPC错误默认可重试
	assert.False(t, err.Timestamp.IsZero())
}

func TestWrapError(t *testing.T) {
	originalErr := errors.New("原始错误")
	wrappedErr := WrapError(originalErr, ErrorTypeStorage, SeverityMedium, "WRAPPED_ERROR", "包装错误")

	assert.Equal(t, ErrorTypeStorage, wrappedErr.Type)
	assert.Equal(t, originalErr, wrappedErr.Cause)
	assert.Equal(t, "[WRAPPED_ERROR] 包装错误: 原始错误", wrappedErr.Error())
	assert.True(t, errors.Is(wrappedErr, originalErr))
}

func TestScanError_ErrorWithoutCause(t *testing.T) {
	err := NewInvalidAddress("Address cannot be empty")
	assert.Equal(t, "[INVALID_ADDRESS] Address cannot be empty", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestScanError_WithContextAndWallet(t *testing.T) {
	err := NewDiscoveryError("日志查询失败", io.ErrUnexpectedEOF).
		WithWallet("0xabc", 1).
		WithComponent("indexer").
		WithContext("page", 3)

	assert.Equal(t, "0xabc", err.Wallet)
	assert.Equal(t, int64(1), err.ChainID)
	assert.Equal(t, "indexer", err.Component)
	assert.Equal(t, 3, err.Context["page"])
}

func TestIsType(t *testing.T) {
	inner := NewUnsupportedChain("Unsupported chain ID: 5")
	wrapped := fmt.Errorf("校验失败: %w", inner)

	assert.True(t, IsType(wrapped, ErrorTypeUnsupportedChain))
	assert.False(t, IsType(wrapped, ErrorTypeInvalidAddress))
	assert.True(t, IsValidation(wrapped))
	assert.True(t, IsValidation(NewInvalidAddress("bad")))
	assert.False(t, IsValidation(errors.New("plain")))
	assert.False(t, IsValidation(nil))
}

func TestDetermineRetryable(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		expected  bool
	}{
		{ErrorTypeDiscovery, true},
		{ErrorTypeRPC, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeRateLimit, true},
		{ErrorTypeStorage, true},
		{ErrorTypeInvalidAddress, false},
		{ErrorTypeUnsupportedChain, false},
		{ErrorTypeConfig, false},
		{ErrorTypeNormalization, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, determineRetryable(tt.errorType), "errorType=%v", tt.errorType)
	}
}

func TestErrorType_String(t *testing.T) {
	assert.Equal(t, "InvalidAddress", ErrorTypeInvalidAddress.String())
	assert.Equal(t, "Discovery", ErrorTypeDiscovery.String())
	assert.Equal(t, "Unknown(999)", ErrorType(999).String())
	assert.Equal(t, "Critical", SeverityCritical.String())
	assert.Equal(t, "Unknown(999)", ErrorSeverity(999).String())
}

func TestErrorStats_RecordError(t *testing.T) {
	stats := NewErrorStats()

	err1 := NewScanError(ErrorTypeRPC, SeverityMedium, "RPC_ERROR", "RPC错误")
	err1.Component = "discovery"
	err2 := NewScanError(ErrorTypeStorage, SeverityHigh, "DB_ERROR", "存储错误")
	err2.Component = "scanner"
	err3 := NewScanError(ErrorTypeRPC, SeverityLow, "RPC_TIMEOUT", "RPC超时")
	err3.Component = "discovery"

	stats.RecordError(err1)
	stats.RecordError(err2)
	stats.RecordError(err3)

	assert.Equal(t, 3, stats.TotalErrors)
	assert.Equal(t, 2, stats.ErrorsByType["RPC"])
	assert.Equal(t, 1, stats.ErrorsByType["Storage"])
	assert.Equal(t, 1, stats.ErrorsBySeverity["High"])
	assert.Equal(t, 2, stats.ErrorsByComponent["discovery"])
	assert.Equal(t, err3, stats.LastError)
	assert.Len(t, stats.RecentErrors, 3)
}

func TestErrorStats_RecentErrorsLimit(t *testing.T) {
	stats := NewErrorStats()
	for i := 0; i < 150; i++ {
		stats.RecordError(NewScanError(ErrorTypeRPC, SeverityLow, "TEST_ERROR", "测试错误"))
	}

	assert.Equal(t, 150, stats.TotalErrors)
	assert.Len(t, stats.RecentErrors, 100)
}

func TestErrorStats_GetErrorRate(t *testing.T) {
	stats := NewErrorStats()
	now := time.Now()

	for i := 0; i < 10; i++ {
		err := NewScanError(ErrorTypeRPC, SeverityLow, "TEST_ERROR", "测试错误")
		err.Timestamp = now.Add(-time.Duration(i*5) * time.Minute)
		stats.RecentErrors = append(stats.RecentErrors, err)
	}
	for i := 0; i < 5; i++ {
		err := NewScanError(ErrorTypeRPC, SeverityLow, "OLD_ERROR", "旧错误")
		err.Timestamp = now.Add(-time.Duration(70+i*10) * time.Minute)
		stats.RecentErrors = append(stats.RecentErrors, err)
	}

	assert.Equal(t, 10.0, stats.GetErrorRate(time.Hour))
	assert.Equal(t, 0.0, stats.GetErrorRate(0))
	assert.Equal(t, 12.0, stats.GetErrorRate(30*time.Minute))
}

func TestErrorHandler_HandleError(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	handler := NewErrorHandler(logger)

	var called int32
	handler.AddCallback(func(err *ScanError) {
		atomic.AddInt32(&called, 1)
	})
	handler.AddCallback(func(err *ScanError) {
		panic("回调异常不应影响处理")
	})

	err := handler.HandleError(context.Background(), errors.New("普通错误"))
	assert.Error(t, err)
	assert.True(t, IsType(err, ErrorTypeOrchestration))

	err = handler.HandleError(context.Background(), NewDiscoveryError("查询失败", nil))
	assert.True(t, IsType(err, ErrorTypeDiscovery))

	assert.Nil(t, handler.HandleError(context.Background(), nil))

	stats := handler.GetStats()
	assert.Equal(t, 2, stats.TotalErrors)
	assert.Equal(t, 1, stats.ErrorsByType["Discovery"])
	assert.Equal(t, int32(2), atomic.LoadInt32(&called))

	handler.ClearStats()
	assert.Equal(t, 0, handler.GetStats().TotalErrors)
}

func TestPredefinedErrors(t *testing.T) {
	assert.Equal(t, ErrorTypeRateLimit, ErrRateLimitExceeded.Type)
	assert.True(t, ErrRateLimitExceeded.Retryable)
}

func TestNewRPCError(t *testing.T) {
	err := NewRPCError("allowance调用失败", io.ErrUnexpectedEOF)
	assert.Equal(t, ErrorTypeRPC, err.Type)
	assert.Equal(t, "RPC_CALL_FAILED", err.Code)
	assert.True(t, err.Retryable)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	timeout := NewRPCError("allowance调用超时", fmt.Errorf("call: %w", context.DeadlineExceeded))
	assert.Equal(t, ErrorTypeTimeout, timeout.Type)
	assert.Equal(t, "RPC_TIMEOUT", timeout.Code)
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)
}

func TestDroppedItemErrors(t *testing.T) {
	handler := NewErrorHandler(logrus.New())
	handler.logger.SetOutput(io.Discard)

	_ = handler.HandleError(context.Background(), NewNormalizationError("数量无法解析", nil).WithComponent("normalizer"))
	_ = handler.HandleError(context.Background(), NewEvaluationError("规则执行失败", nil).WithComponent("evaluator"))
	_ = handler.HandleError(context.Background(), NewCacheError("缓存写入失败", io.EOF).WithComponent("cache"))

	stats := handler.GetStats()
	assert.Equal(t, 3, stats.TotalErrors)
	assert.Equal(t, 1, stats.ErrorsByType["Normalization"])
	assert.Equal(t, 1, stats.ErrorsByType["Evaluation"])
	assert.Equal(t, 1, stats.ErrorsByType["Cache"])
	assert.Equal(t, 1, stats.ErrorsByComponent["normalizer"])
	assert.False(t, NewNormalizationError("x", nil).Retryable)
}

func BenchmarkErrorStats_RecordError(b *testing.B) {
	stats := NewErrorStats()
	err := NewScanError(ErrorTypeRPC, SeverityMedium, "BENCH_ERROR", "基准测试错误")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		stats.RecordError(err)
	}
}
