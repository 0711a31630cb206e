package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"approvalscan/internal/config"
	scanerrors "approvalscan/internal/errors"
	"approvalscan/internal/ratelimit"
	"approvalscan/internal/retry"
	"approvalscan/pkg/models"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
)

// 索引服务表示"无结果"的消息
var emptyResultMessages = []string{
	"no records found",
	"no transactions found",
}

// LogQuery 事件日志查询条件
type LogQuery struct {
	ChainID   int64
	Topic0    string
	Topic1    string
	FromBlock uint64
	ToBlock   string // 为空时为 latest
}

// Client Etherscan兼容的日志索引客户端
type Client struct {
	baseURL  string
	apiKey   string
	pageSize int
	maxPages int

	httpClient *http.Client
	limiter    *ratelimit.Limiter
	retrier    *retry.Retrier
	logger     *logrus.Logger
}

// NewClient 创建索引客户端
func NewClient(cfg *config.IndexerConfig, logger *logrus.Logger) *Client {
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > 1000 {
		pageSize = 1000
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 10
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		pageSize:   pageSize,
		maxPages:   maxPages,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    ratelimit.NewLimiter(cfg.RateLimit),
		retrier:    retry.NewRetrier(retry.NetworkRetryConfig, logger),
		logger:     logger,
	}
}

// WithHTTPClient 替换HTTP客户端
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// WithRetrier 替换重试器
func (c *Client) WithRetrier(r *retry.Retrier) *Client {
	if r != nil {
		c.retrier = r
	}
	return c
}

// apiResponse 索引服务响应，result可能是数组也可能是错误字符串
type apiResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// rawLog 索引服务返回的单条日志，数值字段为十六进制字符串
type rawLog struct {
	Address          string   `json:"address"`
	Topics           []string `json:"topics"`
	Data             string   `json:"data"`
	BlockNumber      string   `json:"blockNumber"`
	LogIndex         string   `json:"logIndex"`
	TransactionHash  string   `json:"transactionHash"`
	TransactionIndex string   `json:"transactionIndex"`
}

// GetLogs 分页拉取日志，直到返回不足一页或达到最大页数
func (c *Client) GetLogs(ctx context.Context, q LogQuery) ([]*models.EventLog, error) {
	var all []*models.EventLog

	for page := 1; page <= c.maxPages; page++ {
		var logs []*models.EventLog
		op := fmt.Sprintf("getLogs page=%d topic0=%s", page, shortTopic(q.Topic0))
		err := c.retrier.Execute(ctx, op, func() error {
			var err error
			logs, err = c.fetchPage(ctx, q, page)
			return err
		})
		if err != nil {
			return nil, err
		}

		all = append(all, logs...)
		if len(logs) < c.pageSize {
			break
		}
		if page == c.maxPages {
			c.logger.Warnf("日志查询达到最大页数 %d，结果可能不完整 (topic0=%s)", c.maxPages, shortTopic(q.Topic0))
		}
	}

	return all, nil
}

// fetchPage 请求单页
func (c *Client) fetchPage(ctx context.Context, q LogQuery, page int) ([]*models.EventLog, error) {
	reqURL, err := c.buildURL(q, page)
	if err != nil {
		return nil, scanerrors.NewScanError(scanerrors.ErrorTypeConfig, scanerrors.SeverityHigh, "INDEXER_URL_INVALID", err.Error())
	}

	var body []byte
	err = c.limiter.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return scanerrors.ErrRateLimitExceeded
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("索引服务不可用: HTTP %d (service unavailable)", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return discoveryError(fmt.Sprintf("索引服务返回HTTP %d", resp.StatusCode), false)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return parseResponse(body)
}

// parseResponse 解析响应体
func parseResponse(body []byte) ([]*models.EventLog, error) {
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, discoveryError("索引服务响应无法解析: "+err.Error(), false)
	}

	// result为字符串时是错误描述或空结果
	var text string
	if len(resp.Result) > 0 && json.Unmarshal(resp.Result, &text) == nil {
		if resp.Status == "0" && !isEmptyMessage(resp.Message) && !isEmptyMessage(text) {
			msg := resp.Message
			if text != "" {
				msg = msg + ": " + text
			}
			return nil, discoveryError(msg, isRateLimitMessage(msg))
		}
		return []*models.EventLog{}, nil
	}

	if resp.Status == "0" {
		if isEmptyMessage(resp.Message) {
			return []*models.EventLog{}, nil
		}
		return nil, discoveryError(resp.Message, isRateLimitMessage(resp.Message))
	}

	var raws []rawLog
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &raws); err != nil {
			return nil, discoveryError("日志列表无法解析: "+err.Error(), false)
		}
	}

	logs := make([]*models.EventLog, 0, len(raws))
	for _, raw := range raws {
		logs = append(logs, raw.toEventLog())
	}
	return logs, nil
}

func (r *rawLog) toEventLog() *models.EventLog {
	topics := make([]string, len(r.Topics))
	for i, t := range r.Topics {
		topics[i] = strings.ToLower(t)
	}
	return &models.EventLog{
		Address:         strings.ToLower(r.Address),
		Topics:          topics,
		Data:            r.Data,
		BlockNumber:     parseQuantity(r.BlockNumber),
		TransactionHash: strings.ToLower(r.TransactionHash),
		LogIndex:        uint(parseQuantity(r.LogIndex)),
	}
}

// parseQuantity 兼容十六进制与十进制数值，无法解析时为0
func parseQuantity(s string) uint64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "0x" {
		return 0
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		digits := strings.TrimLeft(s[2:], "0")
		if digits == "" {
			return 0
		}
		v, err := hexutil.DecodeUint64("0x" + digits)
		if err != nil {
			return 0
		}
		return v
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func (c *Client) buildURL(q LogQuery, page int) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}

	toBlock := q.ToBlock
	if toBlock == "" {
		toBlock = "latest"
	}

	params := u.Query()
	params.Set("chainid", strconv.FormatInt(q.ChainID, 10))
	params.Set("module", "logs")
	params.Set("action", "getLogs")
	params.Set("fromBlock", strconv.FormatUint(q.FromBlock, 10))
	params.Set("toBlock", toBlock)
	params.Set("topic0", q.Topic0)
	if q.Topic1 != "" {
		params.Set("topic1", q.Topic1)
		params.Set("topic0_1_opr", "and")
	}
	params.Set("page", strconv.Itoa(page))
	params.Set("offset", strconv.Itoa(c.pageSize))
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

func discoveryError(message string, retryable bool) *scanerrors.ScanError {
	err := scanerrors.NewDiscoveryError(message, nil).WithComponent("indexer")
	err.Retryable = retryable
	return err
}

func isEmptyMessage(msg string) bool {
	m := strings.ToLower(msg)
	for _, empty := range emptyResultMessages {
		if strings.Contains(m, empty) {
			return true
		}
	}
	return false
}

func isRateLimitMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "rate limit") || strings.Contains(m, "max calls per sec")
}

func shortTopic(topic string) string {
	if len(topic) > 10 {
		return topic[:10]
	}
	return topic
}
