package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWallet = "0x742d35cc6634c0532925a3b844bc454e4438f44e"

type fakeScanner struct {
	mu       sync.Mutex
	result   *scanner.ScanResult
	err      error
	cached   *scanner.ScanResult
	pending  []*models.Scan
	results  map[string]*scanner.ScanResult
	requests []scanner.Request
}

func (f *fakeScanner) RunScan(_ context.Context, req scanner.Request) (*scanner.ScanResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.result, f.err
}

func (f *fakeScanner) CachedResult(context.Context, string, int64) (*scanner.ScanResult, bool, error) {
	return f.cached, f.cached != nil, nil
}

func (f *fakeScanner) CreatePending(_ context.Context, address string, chainID int64) (*models.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	scan := &models.Scan{
		ID:            fmt.Sprintf("scan-%d", len(f.pending)+1),
		WalletAddress: address,
		ChainID:       chainID,
		Status:        models.ScanStatusPending,
	}
	f.pending = append(f.pending, scan)
	return scan, nil
}

func (f *fakeScanner) Result(_ context.Context, id string) (*scanner.ScanResult, error) {
	if r, ok := f.results[id]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("查询扫描: %w", storage.ErrNotFound)
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []*tasks.ScanTask
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, task *tasks.ScanTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *recordingQueue) Start(context.Context, tasks.Handler) error { return nil }
func (q *recordingQueue) Close() error                               { return nil }

func newTestServer(t *testing.T, sc Scanner, q tasks.Queue) (*Server, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := config.GetDefaultConfig().API
	srv := NewServer(cfg, Dependencies{Scanner: sc, Queue: q, Metrics: metrics.New()}, logger)
	return srv, srv.Router()
}

func doJSON(router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.1:5000"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func completedResult() *scanner.ScanResult {
	block := uint64(100)
	low := models.NewRiskEvaluation(models.NewNormalizedApproval(testWallet, "0xtoken1", models.TokenTypeERC20, "0xspender1", nil), 10, []string{"Spender not in known list"})
	high := models.NewRiskEvaluation(models.NewNormalizedApproval(testWallet, "0xtoken2", models.TokenTypeERC721, "0xspender2", nil), 55, []string{"Blacklisted spender"})
	high.Approval.BlockNumber = &block
	done := time.Now()

	return &scanner.ScanResult{
		ScanID:        "scan-1",
		WalletAddress: testWallet,
		ChainID:       1,
		Status:        models.ScanStatusCompleted,
		StartedAt:     done.Add(-time.Second),
		CompletedAt:   &done,
		Summary: &models.WalletRiskSummary{
			WalletAddress:  testWallet,
			TotalApprovals: 2,
			TotalRiskScore: 65,
			RiskLevel:      models.RiskLevelMedium,
			HighRiskCount:  1,
			Evaluations:    []*models.RiskEvaluation{low, high},
		},
	}
}

func TestServer_Health(t *testing.T) {
	_, router := newTestServer(t, &fakeScanner{}, nil)

	w := doJSON(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
}

func TestServer_SyncScan(t *testing.T) {
	sc := &fakeScanner{result: completedResult()}
	_, router := newTestServer(t, sc, nil)

	w := doJSON(router, http.MethodPost, "/api/v1/scans", gin.H{"wallet_address": testWallet, "chain_id": 1})
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "scan-1", body["scan_id"])
	assert.Equal(t, "COMPLETED", body["status"])
	assert.EqualValues(t, 2, body["total_approvals"])

	approvals := body["approvals"].([]interface{})
	require.Len(t, approvals, 2)
	assert.EqualValues(t, 55, approvals[0].(map[string]interface{})["risk_points"])
	assert.EqualValues(t, 10, approvals[1].(map[string]interface{})["risk_points"])

	require.Len(t, sc.requests, 1)
	assert.Equal(t, int64(1), sc.requests[0].ChainID)
}

func TestServer_SyncScanDefaultsChain(t *testing.T) {
	sc := &fakeScanner{result: completedResult()}
	_, router := newTestServer(t, sc, nil)

	w := doJSON(router, http.MethodPost, "/api/v1/scans", gin.H{"wallet_address": testWallet, "force_refresh": true})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, sc.requests, 1)
	assert.Equal(t, int64(1), sc.requests[0].ChainID)
	assert.True(t, sc.requests[0].ForceRefresh)
}

func TestServer_SyncScanFailed(t *testing.T) {
	sc := &fakeScanner{result: &scanner.ScanResult{ScanID: "scan-9", Status: models.ScanStatusFailed, Error: "boom"}}
	_, router := newTestServer(t, sc, nil)

	w := doJSON(router, http.MethodPost, "/api/v1/scans", gin.H{"wallet_address": testWallet, "chain_id": 1})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "scan-9", decode(t, w)["scan_id"])
}

func TestServer_ValidationErrors(t *testing.T) {
	sc := &fakeScanner{err: apperrors.NewInvalidAddress("Invalid Ethereum address format")}
	_, router := newTestServer(t, sc, nil)

	w := doJSON(router, http.MethodPost, "/api/v1/scans", gin.H{"wallet_address": "0x123", "chain_id": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["message"], "Invalid Ethereum address format")

	w = doJSON(router, http.MethodPost, "/api/v1/scans", gin.H{"chain_id": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_InternalError(t *testing.T) {
	sc := &fakeScanner{err: errors.New("database down")}
	_, router := newTestServer(t, sc, nil)

	w := doJSON(router, http.MethodPost, "/api/v1/scans", gin.H{"wallet_address": testWallet, "chain_id": 1})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "database down")
}

func TestServer_AsyncScanQueued(t *testing.T) {
	sc := &fakeScanner{}
	q := &recordingQueue{}
	_, router := newTestServer(t, sc, q)

	w := doJSON(router, http.MethodPost, "/api/v1/scans", gin.H{"wallet_address": testWallet, "chain_id": 137, "async": true})
	require.Equal(t, http.StatusAccepted, w.Code)

	body := decode(t, w)
	assert.Equal(t, "scan-1", body["scan_id"])
	assert.Equal(t, "PENDING", body["status"])

	require.Len(t, q.tasks, 1)
	assert.Equal(t, "scan-1", q.tasks[0].ScanID)
	assert.Equal(t, int64(137), q.tasks[0].ChainID)
	assert.Equal(t, q.tasks[0].TaskID, body["task_id"])
	assert.Empty(t, sc.requests)
}

func TestServer_AsyncScanCacheHit(t *testing.T) {
	cached := completedResult()
	cached.Cached = true
	sc := &fakeScanner{cached: cached}
	q := &recordingQueue{}
	_, router := newTestServer(t, sc, q)

	w := doJSON(router, http.MethodPost, "/api/v1/scans", gin.H{"wallet_address": testWallet, "chain_id": 1, "async": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["cached"])
	assert.Empty(t, q.tasks)
	assert.Empty(t, sc.pending)
}

func TestServer_AsyncScanForceSkipsCache(t *testing.T) {
	sc := &fakeScanner{cached: completedResult()}
	q := &recordingQueue{}
	_, router := newTestServer(t, sc, q)

	w := doJSON(router, http.MethodPost, "/api/v1/scans", gin.H{"wallet_address": testWallet, "chain_id": 1, "async": true, "force_refresh": true})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, q.tasks, 1)
	assert.True(t, q.tasks[0].ForceRefresh)
}

func TestServer_AsyncWithoutQueue(t *testing.T) {
	_, router := newTestServer(t, &fakeScanner{}, nil)

	w := doJSON(router, http.MethodPost, "/api/v1/scans", gin.H{"wallet_address": testWallet, "chain_id": 1, "async": true})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_AsyncEnqueueFailure(t *testing.T) {
	q := &recordingQueue{err: errors.New("broker down")}
	_, router := newTestServer(t, &fakeScanner{}, q)

	w := doJSON(router, http.MethodPost, "/api/v1/scans", gin.H{"wallet_address": testWallet, "chain_id": 1, "async": true})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "scan-1", decode(t, w)["scan_id"])
}

func TestServer_GetScan(t *testing.T) {
	sc := &fakeScanner{results: map[string]*scanner.ScanResult{
		"scan-1": completedResult(),
		"scan-2": {ScanID: "scan-2", Status: models.ScanStatusPending},
	}}
	_, router := newTestServer(t, sc, nil)

	w := doJSON(router, http.MethodGet, "/api/v1/scans/scan-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["approvals"], 2)

	w = doJSON(router, http.MethodGet, "/api/v1/scans/scan-2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "PENDING", body["status"])
	assert.NotContains(t, body, "approvals")

	w = doJSON(router, http.MethodGet, "/api/v1/scans/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_RateLimit(t *testing.T) {
	sc := &fakeScanner{result: completedResult()}
	_, router := newTestServer(t, sc, nil)

	for i := 0; i < 10; i++ {
		w := doJSON(router, http.MethodPost, "/api/v1/scans", gin.H{"wallet_address": testWallet, "chain_id": 1})
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}

	w := doJSON(router, http.MethodPost, "/api/v1/scans", gin.H{"wallet_address": testWallet, "chain_id": 1})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Len(t, sc.requests, 10)

	// 查询接口不受限
	w = doJSON(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_StatsAndLogs(t *testing.T) {
	srv, router := newTestServer(t, &fakeScanner{}, nil)
	srv.deps.Metrics.Inc(metrics.ScansCompleted, 3)
	srv.logger.WithField("scan_id", "scan-1").Warn("扫描耗时过长")
	srv.logger.Info("扫描完成")

	w := doJSON(router, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Contains(t, body, "metrics")
	assert.Contains(t, body, "errors")

	w = doJSON(router, http.MethodGet, "/api/v1/logs?level=warning", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.EqualValues(t, 1, body["total"])

	w = doJSON(router, http.MethodDelete, "/api/v1/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, srv.logManager.Len())
}
