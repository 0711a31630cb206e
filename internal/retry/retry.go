package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig 重试配置
type RetryConfig struct {
	MaxAttempts         int           `json:"max_attempts" mapstructure:"max_attempts"`                 // 总尝试次数（含首次）
	InitialInterval     time.Duration `json:"initial_interval" mapstructure:"initial_interval"`         // 初始重试间隔
	MaxInterval         time.Duration `json:"max_interval" mapstructure:"max_interval"`                 // 最大重试间隔，0表示不限制
	BackoffFactor       float64       `json:"backoff_factor" mapstructure:"backoff_factor"`             // 退避因子
	RandomizationFactor float64       `json:"randomization_factor" mapstructure:"randomization_factor"` // 随机化因子
	EnableJitter        bool          `json:"enable_jitter" mapstructure:"enable_jitter"`               // 启用抖动
}

// NetworkRetryConfig 合约读取、索引服务等网络请求
var NetworkRetryConfig = &RetryConfig{
	MaxAttempts:         3,
	InitialInterval:     500 * time.Millisecond,
	MaxInterval:         10 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.2,
	EnableJitter:        true,
}

// TaskRetryConfig 后台扫描任务：首次执行后最多重试3次，间隔 60s × 2^n
var TaskRetryConfig = &RetryConfig{
	MaxAttempts:     4,
	InitialInterval: 60 * time.Second,
	BackoffFactor:   2.0,
}

// RetryableError 可重试错误接口
type RetryableError interface {
	error
	IsRetryable() bool
}

// IsRetryableError 判断是否为可重试错误
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) {
		return false
	}

	var retryableErr RetryableError
	if stderrors.As(err, &retryableErr) {
		return retryableErr.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	networkErrors := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"deadline exceeded",
		"temporary failure",
		"service unavailable",
		"bad gateway",
		"too many requests",
		"rate limit",
		"no such host",
		"network is unreachable",
		"broken pipe",
		"eof",
	}
	for _, networkErr := range networkErrors {
		if strings.Contains(errStr, networkErr) {
			return true
		}
	}

	return false
}

// Classifier 判断错误是否值得重试
type Classifier func(err error) bool

// SleepFunc 等待函数，测试中可替换
type SleepFunc func(ctx context.Context, d time.Duration) error

// Retrier 重试器
type Retrier struct {
	config   *RetryConfig
	logger   *logrus.Logger
	classify Classifier
	sleep    SleepFunc
	onRetry  func(attempt int, delay time.Duration, err error)

	mu   sync.Mutex
	rand *rand.Rand
}

// NewRetrier 创建重试器
func NewRetrier(config *RetryConfig, logger *logrus.Logger) *Retrier {
	if config == nil {
		config = NetworkRetryConfig
	}

	return &Retrier{
		config:   config,
		logger:   logger,
		classify: IsRetryableError,
		sleep:    sleepContext,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithClassifier 替换错误分类函数
func (r *Retrier) WithClassifier(classify Classifier) *Retrier {
	if classify != nil {
		r.classify = classify
	}
	return r
}

// WithSleep 替换等待函数
func (r *Retrier) WithSleep(sleep SleepFunc) *Retrier {
	if sleep != nil {
		r.sleep = sleep
	}
	return r
}

// OnRetry 每次准备重试前回调
func (r *Retrier) OnRetry(fn func(attempt int, delay time.Duration, err error)) *Retrier {
	r.onRetry = fn
	return r
}

// ExecuteFunc 执行函数类型
type ExecuteFunc func() error

// Execute 执行重试逻辑
func (r *Retrier) Execute(ctx context.Context, operation string, fn ExecuteFunc) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				r.logger.Debugf("操作 '%s' 在第 %d 次尝试后成功", operation, attempt)
			}
			return nil
		}
		lastErr = err

		if !r.classify(err) {
			r.logger.Debugf("操作 '%s' 失败且不可重试: %v", operation, err)
			return err
		}

		if attempt == r.config.MaxAttempts {
			r.logger.Warnf("操作 '%s' 在 %d 次尝试后最终失败: %v", operation, attempt, err)
			return fmt.Errorf("重试 %d 次后失败: %w", attempt, err)
		}

		delay := r.calculateDelay(attempt)
		r.logger.Debugf("操作 '%s' 第 %d 次失败: %v，%v 后重试", operation, attempt, err, delay)
		if r.onRetry != nil {
			r.onRetry(attempt, delay, err)
		}

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return lastErr
}

// Delay 第attempt次失败后的等待时间（不含抖动）
func (r *Retrier) Delay(attempt int) time.Duration {
	delay := float64(r.config.InitialInterval) * math.Pow(r.config.BackoffFactor, float64(attempt-1))
	if r.config.MaxInterval > 0 && delay > float64(r.config.MaxInterval) {
		delay = float64(r.config.MaxInterval)
	}
	return time.Duration(delay)
}

// calculateDelay 计算延迟时间
func (r *Retrier) calculateDelay(attempt int) time.Duration {
	delay := float64(r.Delay(attempt))

	// 添加抖动避免惊群效应
	if r.config.EnableJitter && r.config.RandomizationFactor > 0 {
		jitter := delay * r.config.RandomizationFactor
		r.mu.Lock()
		delay = delay - jitter + r.rand.Float64()*jitter*2
		r.mu.Unlock()
		if delay < 0 {
			delay = float64(r.config.InitialInterval)
		}
	}

	return time.Duration(delay)
}

// GetConfig 获取重试配置
func (r *Retrier) GetConfig() *RetryConfig {
	return r.config
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
