package tasks

import (
	"context"
	stderrors "errors"
	"time"

	"approvalscan/internal/config"
	apperrors "approvalscan/internal/errors"
	"approvalscan/internal/metrics"
	"approvalscan/internal/retry"
	"approvalscan/internal/scanner"

	"github.com/sirupsen/logrus"
)

// ScanRunner 执行一次扫描
type ScanRunner interface {
	RunScan(ctx context.Context, req scanner.Request) (*scanner.ScanResult, error)
}

// Runner 带有限次指数退避重试的后台执行器，不修改扫描记录。
// 编排器已记录为FAILED的扫描视为终态，只有RunScan返回的错误才会重试。
type Runner struct {
	scanner ScanRunner
	retry   *retry.RetryConfig
	sleep   retry.SleepFunc
	errors  *apperrors.ErrorHandler
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

// NewRunner 创建执行器，cfg为nil时使用默认的3次重试、60秒基础间隔
func NewRunner(s ScanRunner, cfg *config.TaskConfig, errs *apperrors.ErrorHandler, m *metrics.Metrics, logger *logrus.Logger) *Runner {
	rc := *retry.TaskRetryConfig
	if cfg != nil {
		if cfg.MaxRetries >= 0 {
			rc.MaxAttempts = cfg.MaxRetries + 1
		}
		if cfg.RetryBaseDelay > 0 {
			rc.InitialInterval = cfg.RetryBaseDelay
		}
	}
	if errs == nil {
		errs = apperrors.NewErrorHandler(logger)
	}
	return &Runner{
		scanner: s,
		retry:   &rc,
		errors:  errs,
		metrics: m,
		logger:  logger,
	}
}

// WithSleep 替换等待函数
func (r *Runner) WithSleep(sleep retry.SleepFunc) *Runner {
	r.sleep = sleep
	return r
}

// MaxRetries 首次执行之外的最大重试次数
func (r *Runner) MaxRetries() int {
	return r.retry.MaxAttempts - 1
}

// Delay 已重试attempt次后的等待时间：base × 2^attempt
func (r *Runner) Delay(attempt int) time.Duration {
	return retry.NewRetrier(r.retry, r.logger).Delay(attempt + 1)
}

// Execute 执行任务。FAILED结果原样返回且不重试；校验错误不重试；
// 其余错误重试耗尽后上报错误处理器并返回最后一次的错误
func (r *Runner) Execute(ctx context.Context, task *ScanTask) (*scanner.ScanResult, error) {
	log := r.logger.WithFields(logrus.Fields{"task_id": task.TaskID, "wallet": task.WalletAddress})
	req := scanner.Request{
		WalletAddress: task.WalletAddress,
		ChainID:       task.ChainID,
		ForceRefresh:  task.ForceRefresh,
		PendingScanID: task.ScanID,
	}

	retrier := retry.NewRetrier(r.retry, r.logger).
		WithSleep(r.sleep).
		WithClassifier(func(err error) bool {
			return !apperrors.IsValidation(err) && !stderrors.Is(err, context.Canceled)
		}).
		OnRetry(func(attempt int, delay time.Duration, err error) {
			r.metrics.Inc(metrics.TasksRetries, 1)
			log.Warnf("扫描任务第 %d 次执行失败，%v 后重试: %v", attempt, delay, err)
		})

	var last *scanner.ScanResult
	err := retrier.Execute(ctx, "scan_task", func() error {
		result, err := r.scanner.RunScan(ctx, req)
		if err != nil {
			return err
		}
		last = result
		return nil
	})
	if err == nil {
		if last.Failed() {
			log.WithField("scan_id", last.ScanID).Errorf("扫描任务结束，扫描已标记为失败: %s", last.Error)
			return last, nil
		}
		log.WithField("scan_id", last.ScanID).Info("扫描任务完成")
		return last, nil
	}

	if apperrors.IsValidation(err) {
		log.Warnf("扫描任务输入无效: %v", err)
		return nil, err
	}
	if stderrors.Is(err, context.Canceled) {
		log.Info("扫描任务已取消")
		return last, err
	}

	r.metrics.Inc(metrics.TasksExhausted, 1)
	taskErr := apperrors.WrapError(err, apperrors.ErrorTypeTask, apperrors.SeverityHigh, "TASK_EXHAUSTED", "扫描任务重试耗尽").
		WithWallet(task.WalletAddress, task.ChainID).
		WithComponent("tasks").
		WithContext("task_id", task.TaskID)
	_ = r.errors.HandleError(ctx, taskErr)
	return last, taskErr
}

// Handler 返回可交给队列的任务处理函数
func (r *Runner) Handler() Handler {
	return func(ctx context.Context, task *ScanTask) error {
		_, err := r.Execute(ctx, task)
		return err
	}
}
