package indexer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"approvalscan/internal/config"
	scanerrors "approvalscan/internal/errors"
	"approvalscan/internal/retry"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const approvalTopic = "0x8c5be1e5ebec7d5bd14f71427d1e84f3dd0314c0f7b2291e5b200ac8c7c3b925"

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestClient(t *testing.T, url string, pageSize, maxPages int) *Client {
	t.Helper()
	cfg := &config.IndexerConfig{
		BaseURL:  url,
		APIKey:   "test-key",
		PageSize: pageSize,
		MaxPages: maxPages,
		Timeout:  5 * time.Second,
	}
	logger := testLogger()
	noSleep := func(ctx context.Context, d time.Duration) error { return nil }
	return NewClient(cfg, logger).WithRetrier(retry.NewRetrier(retry.NetworkRetryConfig, logger).WithSleep(noSleep))
}

func logJSON(block int) string {
	return fmt.Sprintf(`{"address":"0xA0B86991C6218B36C1D19D4A2E9EB0CE3606EB48","topics":["%s","0x000000000000000000000000742d35cc6634c0532925a3b844bc454e4438f44e","0x0000000000000000000000007a250d5630b4cf539739df2c5dacb4c659f2488d"],"data":"0x01","blockNumber":"0x%x","logIndex":"0x0","transactionHash":"0xAB"}`, approvalTopic, block)
}

func TestGetLogs_QueryParameters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "logs", q.Get("module"))
		assert.Equal(t, "getLogs", q.Get("action"))
		assert.Equal(t, "1", q.Get("chainid"))
		assert.Equal(t, "0", q.Get("fromBlock"))
		assert.Equal(t, "latest", q.Get("toBlock"))
		assert.Equal(t, approvalTopic, q.Get("topic0"))
		assert.Equal(t, "0xowner", q.Get("topic1"))
		assert.Equal(t, "and", q.Get("topic0_1_opr"))
		assert.Equal(t, "1", q.Get("page"))
		assert.Equal(t, "1000", q.Get("offset"))
		assert.Equal(t, "test-key", q.Get("apikey"))
		fmt.Fprintf(w, `{"status":"1","message":"OK","result":[%s]}`, logJSON(100))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 1000, 10)
	logs, err := client.GetLogs(context.Background(), LogQuery{ChainID: 1, Topic0: approvalTopic, Topic1: "0xowner"})
	require.NoError(t, err)
	require.Len(t, logs, 1)

	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", logs[0].Address)
	assert.Equal(t, uint64(100), logs[0].BlockNumber)
	assert.Equal(t, "0xab", logs[0].TransactionHash)
	assert.Len(t, logs[0].Topics, 3)
}

func TestGetLogs_Pagination(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		switch page {
		case 1:
			fmt.Fprintf(w, `{"status":"1","message":"OK","result":[%s,%s]}`, logJSON(1), logJSON(2))
		default:
			fmt.Fprintf(w, `{"status":"1","message":"OK","result":[%s]}`, logJSON(3))
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 2, 10)
	logs, err := client.GetLogs(context.Background(), LogQuery{ChainID: 1, Topic0: approvalTopic})
	require.NoError(t, err)
	assert.Len(t, logs, 3)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGetLogs_StopsAtMaxPages(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprintf(w, `{"status":"1","message":"OK","result":[%s,%s]}`, logJSON(1), logJSON(2))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 2, 3)
	logs, err := client.GetLogs(context.Background(), LogQuery{ChainID: 1, Topic0: approvalTopic})
	require.NoError(t, err)
	assert.Len(t, logs, 6)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGetLogs_EmptyResults(t *testing.T) {
	bodies := []string{
		`{"status":"0","message":"No records found","result":[]}`,
		`{"status":"0","message":"No transactions found","result":"No transactions found"}`,
		`{"status":"1","message":"OK","result":[]}`,
	}

	for _, body := range bodies {
		body := body
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		}))

		logs, err := newTestClient(t, server.URL, 1000, 10).GetLogs(context.Background(), LogQuery{ChainID: 1, Topic0: approvalTopic})
		assert.NoError(t, err, body)
		assert.Empty(t, logs, body)
		server.Close()
	}
}

func TestGetLogs_ErrorStatusNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"status":"0","message":"NOTOK","result":"Invalid API Key"}`)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, 1000, 10).GetLogs(context.Background(), LogQuery{ChainID: 1, Topic0: approvalTopic})
	require.Error(t, err)
	assert.True(t, scanerrors.IsType(err, scanerrors.ErrorTypeDiscovery))
	assert.Contains(t, err.Error(), "Invalid API Key")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetLogs_RateLimitRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			fmt.Fprint(w, `{"status":"0","message":"NOTOK","result":"Max rate limit reached"}`)
			return
		}
		fmt.Fprintf(w, `{"status":"1","message":"OK","result":[%s]}`, logJSON(7))
	}))
	defer server.Close()

	logs, err := newTestClient(t, server.URL, 1000, 10).GetLogs(context.Background(), LogQuery{ChainID: 1, Topic0: approvalTopic})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGetLogs_ServerErrorRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, 1000, 10).GetLogs(context.Background(), LogQuery{ChainID: 1, Topic0: approvalTopic})
	require.Error(t, err)
	assert.Equal(t, int32(retry.NetworkRetryConfig.MaxAttempts), atomic.LoadInt32(&calls))
}

func TestParseQuantity(t *testing.T) {
	assert.Equal(t, uint64(0), parseQuantity(""))
	assert.Equal(t, uint64(0), parseQuantity("0x"))
	assert.Equal(t, uint64(0), parseQuantity("0x0"))
	assert.Equal(t, uint64(255), parseQuantity("0xff"))
	assert.Equal(t, uint64(255), parseQuantity("0x00ff"))
	assert.Equal(t, uint64(42), parseQuantity("42"))
	assert.Equal(t, uint64(0), parseQuantity("bogus"))
}
