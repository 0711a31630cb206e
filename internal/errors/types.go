package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 输入错误
	ErrorTypeInvalidAddress ErrorType = iota
	ErrorTypeUnsupportedChain

	// 外部服务错误
	ErrorTypeDiscovery
	ErrorTypeRPC
	ErrorTypeRateLimit
	ErrorTypeTimeout

	// 流水线错误
	ErrorTypeNormalization
	ErrorTypeEvaluation
	ErrorTypeOrchestration
	ErrorTypeTask

	// 基础设施错误
	ErrorTypeStorage
	ErrorTypeCache
	ErrorTypeKafka
	ErrorTypeConfig
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// ScanError 扫描流程中的结构化错误
type ScanError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   interface{}            `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
	Wallet    string                 `json:"wallet,omitempty"`
	ChainID   int64                  `json:"chain_id,omitempty"`
}

// Error 实现error接口
func (e *ScanError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// IsRetryable 判断是否可重试
func (e *ScanError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithWallet 关联钱包与链
func (e *ScanError) WithWallet(wallet string, chainID int64) *ScanError {
	e.Wallet = wallet
	e.ChainID = chainID
	return e
}

// WithComponent 标记出错组件
func (e *ScanError) WithComponent(component string) *ScanError {
	e.Component = component
	return e
}

// NewScanError 创建新的错误
func NewScanError(errorType ErrorType, severity ErrorSeverity, code, message string) *ScanError {
	return &ScanError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *ScanError {
	e := NewScanError(errorType, severity, code, message)
	e.Cause = err
	return e
}

// NewInvalidAddress 地址非法
func NewInvalidAddress(message string) *ScanError {
	return NewScanError(ErrorTypeInvalidAddress, SeverityLow, "INVALID_ADDRESS", message)
}

// NewUnsupportedChain 不支持的链
func NewUnsupportedChain(message string) *ScanError {
	return NewScanError(ErrorTypeUnsupportedChain, SeverityLow, "UNSUPPORTED_CHAIN", message)
}

// NewDiscoveryError 日志索引服务返回错误
func NewDiscoveryError(message string, cause error) *ScanError {
	return WrapError(cause, ErrorTypeDiscovery, SeverityMedium, "DISCOVERY_FAILED", message)
}

// NewRPCError 合约状态读取失败，超时单独归为Timeout
func NewRPCError(message string, cause error) *ScanError {
	if stderrors.Is(cause, context.DeadlineExceeded) {
		return WrapError(cause, ErrorTypeTimeout, SeverityMedium, "RPC_TIMEOUT", message)
	}
	return WrapError(cause, ErrorTypeRPC, SeverityMedium, "RPC_CALL_FAILED", message)
}

// NewNormalizationError 单条授权记录无法规范化
func NewNormalizationError(message string, cause error) *ScanError {
	return WrapError(cause, ErrorTypeNormalization, SeverityMedium, "NORMALIZATION_DROPPED", message)
}

// NewEvaluationError 单条授权记录评估失败
func NewEvaluationError(message string, cause error) *ScanError {
	return WrapError(cause, ErrorTypeEvaluation, SeverityMedium, "EVALUATION_DROPPED", message)
}

// NewCacheError 缓存后端读写失败
func NewCacheError(message string, cause error) *ScanError {
	return WrapError(cause, ErrorTypeCache, SeverityMedium, "CACHE_BACKEND_FAILED", message)
}

// IsType 判断错误链中是否包含指定类型的ScanError
func IsType(err error, errorType ErrorType) bool {
	var se *ScanError
	if stderrors.As(err, &se) {
		return se.Type == errorType
	}
	return false
}

// IsValidation 输入校验错误
func IsValidation(err error) bool {
	return IsType(err, ErrorTypeInvalidAddress) || IsType(err, ErrorTypeUnsupportedChain)
}

// determineRetryable 根据错误类型判断是否可重试
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeDiscovery, ErrorTypeRPC, ErrorTypeRateLimit, ErrorTypeTimeout:
		return true
	case ErrorTypeStorage, ErrorTypeKafka, ErrorTypeOrchestration:
		return true
	default:
		return false
	}
}

// ErrRateLimitExceeded 索引服务返回限流
var ErrRateLimitExceeded = NewScanError(
	ErrorTypeRateLimit,
	SeverityMedium,
	"RATE_LIMIT_EXCEEDED",
	"请求频率超限",
)

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeInvalidAddress:   "InvalidAddress",
	ErrorTypeUnsupportedChain: "UnsupportedChain",
	ErrorTypeDiscovery:        "Discovery",
	ErrorTypeRPC:              "RPC",
	ErrorTypeRateLimit:        "RateLimit",
	ErrorTypeTimeout:          "Timeout",
	ErrorTypeNormalization:    "Normalization",
	ErrorTypeEvaluation:       "Evaluation",
	ErrorTypeOrchestration:    "Orchestration",
	ErrorTypeTask:             "Task",
	ErrorTypeStorage:          "Storage",
	ErrorTypeCache:            "Cache",
	ErrorTypeKafka:            "Kafka",
	ErrorTypeConfig:           "Config",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByType      map[string]int        `json:"errors_by_type"`
	ErrorsBySeverity  map[string]int        `json:"errors_by_severity"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	RecentErrors      []*ScanError          `json:"recent_errors"`
	LastError         *ScanError            `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[string]int),
		ErrorsBySeverity:  make(map[string]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*ScanError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *ScanError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type.String()]++
	es.ErrorsBySeverity[err.Severity.String()]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0
	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	return float64(recentCount) / duration.Hours()
}
