package scanner

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"approvalscan/internal/cache"
	"approvalscan/internal/discovery"
	apperrors "approvalscan/internal/errors"
	"approvalscan/internal/metrics"
	"approvalscan/internal/normalizer"
	"approvalscan/internal/output"
	"approvalscan/internal/risk"
	"approvalscan/internal/storage"
	"approvalscan/internal/validation"
	"approvalscan/pkg/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Discoverer 发现钱包当前有效的授权
type Discoverer interface {
	Discover(ctx context.Context, wallet string, chainID int64) (*discovery.Result, error)
}

// Request 一次扫描请求
type Request struct {
	WalletAddress string
	ChainID       int64
	ForceRefresh  bool
	PendingScanID string // 异步路径预先创建的PENDING扫描
}

// ScanResult 扫描结果，Status为FAILED时Error记录失败原因
type ScanResult struct {
	ScanID        string                    `json:"scan_id"`
	WalletAddress string                    `json:"wallet_address"`
	ChainID       int64                     `json:"chain_id"`
	Status        models.ScanStatus         `json:"status"`
	Summary       *models.WalletRiskSummary `json:"summary,omitempty"`
	Error         string                    `json:"error,omitempty"`
	Cached        bool                      `json:"cached"`
	StartedAt     time.Time                 `json:"started_at"`
	CompletedAt   *time.Time                `json:"completed_at,omitempty"`
}

// Failed 扫描是否失败
func (r *ScanResult) Failed() bool {
	return r != nil && r.Status == models.ScanStatusFailed
}

// Dependencies 编排器依赖的协作者
type Dependencies struct {
	Discovery Discoverer
	Store     storage.Store
	Cache     *cache.ScanCache   // 可为nil
	Publisher output.Publisher   // 可为nil
	Metrics   *metrics.Metrics   // 可为nil
	Errors    *apperrors.ErrorHandler
}

// Options 编排参数
type Options struct {
	ScanTimeout   time.Duration
	Coalesce      bool
	KnownSpenders []string
}

// Orchestrator 串联校验、发现、归一化、评估、汇总与持久化
type Orchestrator struct {
	validator  *validation.Validator
	normalizer *normalizer.Normalizer
	deps       Dependencies
	opts       Options
	logger     *logrus.Logger
	group      singleflight.Group
	now        func() time.Time
}

// NewOrchestrator 创建编排器
func NewOrchestrator(deps Dependencies, opts Options, logger *logrus.Logger) (*Orchestrator, error) {
	if deps.Discovery == nil {
		return nil, fmt.Errorf("未配置授权发现组件")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("未配置存储")
	}
	if deps.Publisher == nil {
		deps.Publisher = output.NoopOutput{}
	}
	if deps.Errors == nil {
		deps.Errors = apperrors.NewErrorHandler(logger)
	}

	return &Orchestrator{
		validator:  validation.NewValidator(logger),
		normalizer: normalizer.NewNormalizer(logger).WithErrors(deps.Errors),
		deps:       deps,
		opts:       opts,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Store 底层存储
func (o *Orchestrator) Store() storage.Store {
	return o.deps.Store
}

// Cache 扫描缓存
func (o *Orchestrator) Cache() *cache.ScanCache {
	return o.deps.Cache
}

// Scan 同步扫描的便捷入口
func (o *Orchestrator) Scan(ctx context.Context, address string, chainID int64, force bool) (*ScanResult, error) {
	return o.RunScan(ctx, Request{WalletAddress: address, ChainID: chainID, ForceRefresh: force})
}

// RunScan 执行一次扫描。
// 输入非法时返回校验错误且不创建任何记录；之后的失败都以FAILED结果返回，error为nil。
// 合并请求时调用方自己的ctx结束会返回ctx.Err()，扫描本身继续进行。
func (o *Orchestrator) RunScan(ctx context.Context, req Request) (*ScanResult, error) {
	input, err := o.validator.ValidateScanInput(req.WalletAddress, req.ChainID)
	if err != nil {
		return nil, err
	}

	if !o.opts.Coalesce || req.ForceRefresh || req.PendingScanID != "" {
		return o.run(ctx, input, req), nil
	}

	// 合并后的扫描不随任何单个调用方取消，由ScanTimeout限定时长
	key := strconv.FormatInt(input.ChainID, 10) + ":" + input.Address
	ch := o.group.DoChan(key, func() (interface{}, error) {
		return o.run(context.WithoutCancel(ctx), input, req), nil
	})
	select {
	case res := <-ch:
		result := *(res.Val.(*ScanResult))
		if res.Shared {
			o.logger.WithField("wallet", input.Address).Debug("合并了并发的相同扫描请求")
		}
		return &result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, input *validation.ScanInput, req Request) *ScanResult {
	if !req.ForceRefresh {
		if result, ok := o.fromCache(ctx, input); ok {
			o.deps.Metrics.Inc(metrics.ScansCacheHits, 1)
			return result
		}
	}
	return o.execute(ctx, input, req.PendingScanID)
}

// fromCache 缓存命中且扫描记录仍存在时直接返回
func (o *Orchestrator) fromCache(ctx context.Context, input *validation.ScanInput) (*ScanResult, bool) {
	scanID, ok := o.deps.Cache.GetScanID(ctx, input.ChainID, input.Address)
	if !ok {
		return nil, false
	}

	log := o.logger.WithFields(logrus.Fields{"scan_id": scanID, "wallet": input.Address})
	scan, err := o.deps.Store.GetScan(ctx, scanID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			log.Info("缓存的扫描记录已不存在，清除缓存")
			o.deps.Cache.Invalidate(ctx, input.ChainID, input.Address)
		} else {
			log.Warnf("读取缓存的扫描记录失败: %v", err)
		}
		return nil, false
	}
	if scan.Status != models.ScanStatusCompleted {
		o.deps.Cache.Invalidate(ctx, input.ChainID, input.Address)
		return nil, false
	}

	summary, err := o.rebuildSummary(ctx, scan)
	if err != nil {
		log.Warnf("还原缓存的扫描结果失败: %v", err)
		return nil, false
	}

	log.Info("返回缓存的扫描结果")
	result := newResult(scan, summary)
	result.Cached = true
	return result, true
}

// rebuildSummary 由扫描记录与授权行还原汇总
func (o *Orchestrator) rebuildSummary(ctx context.Context, scan *models.Scan) (*models.WalletRiskSummary, error) {
	summary := models.EmptySummary(scan.WalletAddress)
	summary.TotalApprovals = scan.TotalApprovals
	summary.TotalRiskScore = scan.TotalRiskScore
	summary.RiskLevel = scan.RiskLevel
	summary.HighRiskCount = scan.HighRiskCount
	summary.CriticalRiskCount = scan.CriticalRiskCount
	if summary.RiskLevel == "" {
		summary.RiskLevel = models.RiskLevelLow
	}
	if scan.TotalApprovals == 0 {
		return summary, nil
	}

	records, err := o.deps.Store.ListApprovals(ctx, scan.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		summary.Evaluations = append(summary.Evaluations, r.ToEvaluation(scan.WalletAddress))
	}
	return summary, nil
}

// execute 新建或接管扫描记录并跑完整流水线
func (o *Orchestrator) execute(ctx context.Context, input *validation.ScanInput, pendingID string) (result *ScanResult) {
	start := time.Now()
	if o.opts.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.ScanTimeout)
		defer cancel()
	}

	var scan *models.Scan
	defer func() {
		if r := recover(); r != nil {
			o.logger.WithField("wallet", input.Address).Errorf("扫描过程中发生panic: %v\n%s", r, debug.Stack())
			result = o.fail(ctx, input, scan, fmt.Errorf("panic: %v", r))
		}
		if scan != nil {
			o.deps.Metrics.ObserveScan(time.Since(start))
		}
	}()

	wallet, err := o.deps.Store.GetOrCreateWallet(ctx, input.Address, input.ChainID)
	if err != nil {
		return o.fail(ctx, input, nil, fmt.Errorf("获取钱包记录失败: %w", err))
	}
	scan, err = o.beginScan(ctx, wallet, pendingID)
	if err != nil {
		return o.fail(ctx, input, nil, err)
	}
	o.deps.Metrics.Inc(metrics.ScansStarted, 1)

	log := o.logger.WithFields(logrus.Fields{"scan_id": scan.ID, "wallet": input.Address, "chain_id": input.ChainID})
	log.Info("开始扫描")

	log.Debug("发现授权")
	found, err := o.deps.Discovery.Discover(ctx, input.Address, input.ChainID)
	if err != nil {
		return o.fail(ctx, input, scan, fmt.Errorf("授权发现失败: %w", err))
	}
	o.deps.Metrics.Inc(metrics.DiscoveryFailedQueries, int64(found.FailedQueries))
	o.deps.Metrics.Inc(metrics.DiscoveryDroppedPairs, int64(found.DroppedPairs))

	log.Debug("归一化授权")
	approvals := o.normalizer.Normalize(input.Address, found)

	if len(approvals) == 0 {
		log.Info("未发现任何授权")
		summary := risk.Aggregate(input.Address, nil)
		scan.MarkCompleted(summary, o.now())
		if err := o.deps.Store.UpdateScan(ctx, scan); err != nil {
			return o.fail(ctx, input, scan, fmt.Errorf("更新扫描记录失败: %w", err))
		}
		o.deps.Cache.SetScanID(ctx, input.ChainID, input.Address, scan.ID)
		return o.complete(ctx, log, scan, summary)
	}

	blacklist, err := o.deps.Store.ActiveBlacklist(ctx)
	if err != nil {
		return o.fail(ctx, input, scan, fmt.Errorf("加载黑名单失败: %w", err))
	}
	evaluator := risk.NewEvaluator(nil, risk.NewSnapshot(blacklist, o.opts.KnownSpenders), o.logger).
		WithErrors(o.deps.Errors)

	log.Debugf("评估 %d 条授权的风险", len(approvals))
	evaluations := evaluator.EvaluateAll(approvals)
	summary := risk.Aggregate(input.Address, evaluations)

	now := o.now()
	records := make([]*models.ApprovalRecord, 0, len(summary.Evaluations))
	for _, eval := range summary.Evaluations {
		records = append(records, models.NewApprovalRecord(scan.ID, eval, now))
	}
	scan.MarkCompleted(summary, now)
	if err := o.deps.Store.SaveScanResults(ctx, scan, records); err != nil {
		return o.fail(ctx, input, scan, fmt.Errorf("保存扫描结果失败: %w", err))
	}
	if err := o.deps.Store.IncrementWalletScans(ctx, wallet.ID, now); err != nil {
		// 扫描结果已落库，计数失败不影响结果
		log.Warnf("更新钱包扫描次数失败: %v", err)
	}
	o.deps.Cache.SetScanID(ctx, input.ChainID, input.Address, scan.ID)

	o.deps.Metrics.Inc(metrics.ScansApprovalsFound, int64(summary.TotalApprovals))
	return o.complete(ctx, log, scan, summary)
}

// beginScan 接管PENDING扫描，否则新建IN_PROGRESS扫描
func (o *Orchestrator) beginScan(ctx context.Context, wallet *models.Wallet, pendingID string) (*models.Scan, error) {
	now := o.now()
	if pendingID != "" {
		scan, err := o.deps.Store.GetScan(ctx, pendingID)
		switch {
		case err == nil && scan.Status == models.ScanStatusPending &&
			scan.WalletAddress == wallet.Address && scan.ChainID == wallet.ChainID:
			scan.Status = models.ScanStatusInProgress
			scan.WalletID = wallet.ID
			scan.StartedAt = now
			if err := o.deps.Store.UpdateScan(ctx, scan); err != nil {
				return nil, fmt.Errorf("更新扫描状态失败: %w", err)
			}
			return scan, nil
		case err != nil && !stderrors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("读取待处理扫描失败: %w", err)
		default:
			o.logger.WithField("scan_id", pendingID).Info("待处理扫描不可接管，新建扫描记录")
		}
	}

	scan := &models.Scan{
		WalletID:      wallet.ID,
		WalletAddress: wallet.Address,
		ChainID:       wallet.ChainID,
		Status:        models.ScanStatusInProgress,
		RiskLevel:     models.RiskLevelLow,
		StartedAt:     now,
	}
	if err := o.deps.Store.CreateScan(ctx, scan); err != nil {
		return nil, fmt.Errorf("创建扫描记录失败: %w", err)
	}
	return scan, nil
}

// CreatePending 为异步扫描预先创建PENDING记录
func (o *Orchestrator) CreatePending(ctx context.Context, address string, chainID int64) (*models.Scan, error) {
	input, err := o.validator.ValidateScanInput(address, chainID)
	if err != nil {
		return nil, err
	}
	wallet, err := o.deps.Store.GetOrCreateWallet(ctx, input.Address, input.ChainID)
	if err != nil {
		return nil, fmt.Errorf("获取钱包记录失败: %w", err)
	}
	scan := &models.Scan{
		WalletID:      wallet.ID,
		WalletAddress: wallet.Address,
		ChainID:       wallet.ChainID,
		Status:        models.ScanStatusPending,
		RiskLevel:     models.RiskLevelLow,
		StartedAt:     o.now(),
	}
	if err := o.deps.Store.CreateScan(ctx, scan); err != nil {
		return nil, fmt.Errorf("创建扫描记录失败: %w", err)
	}
	return scan, nil
}

// CachedResult 仅查询缓存，不触发扫描
func (o *Orchestrator) CachedResult(ctx context.Context, address string, chainID int64) (*ScanResult, bool, error) {
	input, err := o.validator.ValidateScanInput(address, chainID)
	if err != nil {
		return nil, false, err
	}
	result, ok := o.fromCache(ctx, input)
	if ok {
		o.deps.Metrics.Inc(metrics.ScansCacheHits, 1)
	}
	return result, ok, nil
}

// Result 按扫描ID读取结果
func (o *Orchestrator) Result(ctx context.Context, scanID string) (*ScanResult, error) {
	scan, err := o.deps.Store.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	result := newResult(scan, nil)
	if scan.Status == models.ScanStatusCompleted {
		summary, err := o.rebuildSummary(ctx, scan)
		if err != nil {
			return nil, err
		}
		result.Summary = summary
	}
	return result, nil
}

func (o *Orchestrator) complete(ctx context.Context, log *logrus.Entry, scan *models.Scan, summary *models.WalletRiskSummary) *ScanResult {
	o.deps.Metrics.Inc(metrics.ScansCompleted, 1)
	log.WithFields(logrus.Fields{
		"approvals":  summary.TotalApprovals,
		"risk_score": summary.TotalRiskScore,
		"risk_level": summary.RiskLevel,
	}).Info("扫描完成")

	if err := o.deps.Publisher.PublishScan(ctx, models.NewScanReport(scan, summary, o.now())); err != nil {
		log.Warnf("发布扫描报告失败: %v", err)
	}
	return newResult(scan, summary)
}

// fail 记录失败并返回FAILED结果，scan为nil表示记录尚未创建
func (o *Orchestrator) fail(ctx context.Context, input *validation.ScanInput, scan *models.Scan, cause error) *ScanResult {
	o.deps.Metrics.Inc(metrics.ScansFailed, 1)

	scanErr := apperrors.WrapError(cause, apperrors.ErrorTypeOrchestration, apperrors.SeverityHigh, "SCAN_FAILED", "扫描失败").
		WithWallet(input.Address, input.ChainID).
		WithComponent("scanner")
	if scan != nil {
		scanErr.WithContext("scan_id", scan.ID)
	}
	_ = o.deps.Errors.HandleError(ctx, scanErr)

	message := cause.Error()
	if scan == nil {
		return &ScanResult{
			WalletAddress: input.Address,
			ChainID:       input.ChainID,
			Status:        models.ScanStatusFailed,
			Error:         message,
			StartedAt:     o.now(),
		}
	}

	scan.MarkFailed(message, o.now())
	// 扫描上下文可能已超时，状态写入使用独立的上下文
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.deps.Store.UpdateScan(writeCtx, scan); err != nil {
		o.logger.WithField("scan_id", scan.ID).Errorf("标记扫描失败状态时出错: %v", err)
	}

	result := newResult(scan, nil)
	result.Error = message
	return result
}

func newResult(scan *models.Scan, summary *models.WalletRiskSummary) *ScanResult {
	return &ScanResult{
		ScanID:        scan.ID,
		WalletAddress: scan.WalletAddress,
		ChainID:       scan.ChainID,
		Status:        scan.Status,
		Summary:       summary,
		Error:         scan.ErrorMessage,
		StartedAt:     scan.StartedAt,
		CompletedAt:   scan.CompletedAt,
	}
}
