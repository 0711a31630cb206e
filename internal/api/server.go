package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"approvalscan/internal/config"
	apperrors "approvalscan/internal/errors"
	"approvalscan/internal/metrics"
	"approvalscan/internal/scanner"
	"approvalscan/internal/storage"
	"approvalscan/internal/tasks"
	"approvalscan/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Scanner API依赖的扫描能力
type Scanner interface {
	RunScan(ctx context.Context, req scanner.Request) (*scanner.ScanResult, error)
	CachedResult(ctx context.Context, address string, chainID int64) (*scanner.ScanResult, bool, error)
	CreatePending(ctx context.Context, address string, chainID int64) (*models.Scan, error)
	Result(ctx context.Context, scanID string) (*scanner.ScanResult, error)
}

// Dependencies 服务依赖
type Dependencies struct {
	Scanner Scanner
	Queue   tasks.Queue // 为nil时不支持异步扫描
	Metrics *metrics.Metrics
	Errors  *apperrors.ErrorHandler
}

// Server API服务器
type Server struct {
	cfg        *config.APIConfig
	deps       Dependencies
	logger     *logrus.Logger
	logManager *LogManager
	limiter    *clientLimiter
	server     *http.Server
	startedAt  time.Time
}

// NewServer 创建API服务器，并把日志接入内存日志缓冲
func NewServer(cfg *config.APIConfig, deps Dependencies, logger *logrus.Logger) *Server {
	if deps.Errors == nil {
		deps.Errors = apperrors.NewErrorHandler(logger)
	}
	logManager := NewLogManager(cfg.LogBufferSize)
	logger.AddHook(NewLogHook(logManager))

	return &Server{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		logManager: logManager,
		limiter:    newClientLimiter(cfg.RateLimit, cfg.RateWindow),
		startedAt:  time.Now(),
	}
}

// Router 构建路由
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
	router.Use(s.requestLogger(), gin.Recovery())

	router.GET("/health", s.healthCheck)

	api := router.Group("/api/v1")
	{
		api.POST("/scans", s.limiter.middleware(), s.createScan)
		api.GET("/scans/:id", s.getScan)

		api.GET("/stats", s.getStats)

		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)
	}
	return router
}

// Start 启动HTTP服务，阻塞直到服务关闭
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("API服务器启动在 %s", s.cfg.Listen)
	if err := s.server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 停止接受新请求并等待进行中的请求
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// requestLogger 使用logrus记录请求
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		}).Debug("HTTP请求")
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "approvalscan-api",
	})
}

type scanRequest struct {
	WalletAddress string `json:"wallet_address" binding:"required"`
	ChainID       int64  `json:"chain_id"`
	ForceRefresh  bool   `json:"force_refresh"`
	Async         bool   `json:"async"`
}

// createScan 同步扫描或异步入队
func (s *Server) createScan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input", "message": err.Error()})
		return
	}
	if req.ChainID == 0 {
		req.ChainID = 1
	}

	if req.Async {
		s.enqueueScan(c, req)
		return
	}

	result, err := s.deps.Scanner.RunScan(c.Request.Context(), scanner.Request{
		WalletAddress: req.WalletAddress,
		ChainID:       req.ChainID,
		ForceRefresh:  req.ForceRefresh,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	if result.Failed() {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Scan failed",
			"scan_id": result.ScanID,
			"message": "Unable to complete scan. Please try again.",
		})
		return
	}

	body := resultBody(result)
	body["message"] = "Scan completed successfully"
	c.JSON(http.StatusOK, body)
}

func (s *Server) enqueueScan(c *gin.Context, req scanRequest) {
	if s.deps.Queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Async scans unavailable", "message": "未配置任务队列"})
		return
	}
	ctx := c.Request.Context()

	if !req.ForceRefresh {
		cached, ok, err := s.deps.Scanner.CachedResult(ctx, req.WalletAddress, req.ChainID)
		if err != nil {
			s.respondError(c, err)
			return
		}
		if ok {
			body := resultBody(cached)
			body["message"] = "Returning cached scan"
			c.JSON(http.StatusOK, body)
			return
		}
	}

	scan, err := s.deps.Scanner.CreatePending(ctx, req.WalletAddress, req.ChainID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	task := tasks.NewScanTask(scan.WalletAddress, scan.ChainID, req.ForceRefresh, scan.ID)
	if err := s.deps.Queue.Enqueue(ctx, task); err != nil {
		s.logger.WithField("scan_id", scan.ID).Errorf("扫描任务入队失败: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "Queue unavailable",
			"scan_id": scan.ID,
			"message": "Unable to queue scan. Please try again.",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"scan_id":        scan.ID,
		"task_id":        task.TaskID,
		"wallet_address": scan.WalletAddress,
		"chain_id":       scan.ChainID,
		"status":         models.ScanStatusPending,
		"message":        "Scan queued successfully. Check status endpoint for results.",
	})
}

// getScan 查询扫描状态，完成时附带授权明细
func (s *Server) getScan(c *gin.Context) {
	result, err := s.deps.Scanner.Result(c.Request.Context(), c.Param("id"))
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Scan not found"})
			return
		}
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resultBody(result))
}

func (s *Server) getStats(c *gin.Context) {
	errStats := s.deps.Errors.GetStats()
	rate := errStats.GetErrorRate(time.Hour)
	c.JSON(http.StatusOK, gin.H{
		"uptime":  time.Since(s.startedAt).String(),
		"metrics": s.deps.Metrics.Snapshot(),
		"errors": gin.H{
			"total":           errStats.TotalErrors,
			"by_type":         errStats.ErrorsByType,
			"by_severity":     errStats.ErrorsBySeverity,
			"by_component":    errStats.ErrorsByComponent,
			"rate_per_hour":   rate,
			"recent_captured": len(errStats.RecentErrors),
		},
	})
}

func (s *Server) getLogs(c *gin.Context) {
	level := c.Query("level")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	logs, total := s.logManager.GetLogsWithPagination(level, page, pageSize)
	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    level,
	})
}

func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"message": "日志已清空"})
}

// respondError 校验错误返回400，其余返回500
func (s *Server) respondError(c *gin.Context, err error) {
	if apperrors.IsValidation(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Validation failed", "message": err.Error()})
		return
	}
	s.logger.Errorf("处理请求失败: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error", "message": "An unexpected error occurred"})
}

// resultBody 扫描结果的响应体，授权按风险分数降序
func resultBody(r *scanner.ScanResult) gin.H {
	body := gin.H{
		"scan_id":        r.ScanID,
		"wallet_address": r.WalletAddress,
		"chain_id":       r.ChainID,
		"status":         r.Status,
		"cached":         r.Cached,
		"started_at":     r.StartedAt,
		"completed_at":   r.CompletedAt,
	}
	if r.Status == models.ScanStatusFailed {
		body["error_message"] = r.Error
	}
	if r.Summary == nil {
		return body
	}

	body["total_approvals"] = r.Summary.TotalApprovals
	body["total_risk_score"] = r.Summary.TotalRiskScore
	body["risk_level"] = r.Summary.RiskLevel
	body["high_risk_count"] = r.Summary.HighRiskCount
	body["critical_risk_count"] = r.Summary.CriticalRiskCount

	evals := make([]*models.RiskEvaluation, len(r.Summary.Evaluations))
	copy(evals, r.Summary.Evaluations)
	sort.SliceStable(evals, func(i, j int) bool { return evals[i].RiskPoints > evals[j].RiskPoints })

	approvals := make([]gin.H, 0, len(evals))
	for _, e := range evals {
		a := e.Approval
		item := gin.H{
			"token_address":    a.TokenAddress,
			"token_type":       a.TokenType,
			"spender_address":  a.SpenderAddress,
			"approved_amount":  nil,
			"is_unlimited":     a.IsUnlimited,
			"is_operator":      a.IsOperator,
			"risk_points":      e.RiskPoints,
			"risk_level":       e.RiskLevel,
			"risk_reasons":     e.RiskReasons,
			"block_number":     a.BlockNumber,
			"transaction_hash": a.TransactionHash,
		}
		if a.Amount != nil {
			item["approved_amount"] = a.Amount.String()
		}
		approvals = append(approvals, item)
	}
	body["approvals"] = approvals
	return body
}
