package connection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"approvalscan/internal/config"
	"approvalscan/internal/ratelimit"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// Dialer 建立节点连接
type Dialer func(ctx context.Context, url string) (*ethclient.Client, error)

// ConnectionPool 按优先级管理多个以太坊节点
type ConnectionPool struct {
	nodes       []*NodeConn
	logger      *logrus.Logger
	dial        Dialer
	healthCheck time.Duration
	cooldown    time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// NodeConn 单个节点的连接与健康状态
type NodeConn struct {
	config  *config.NodeConfig
	limiter *ratelimit.Limiter

	mu        sync.Mutex
	client    *ethclient.Client
	isHealthy bool
	failures  int
	downUntil time.Time
	lastCheck time.Time
}

// NewConnectionPool 创建连接池，节点按优先级升序排列
func NewConnectionPool(nodes []*config.NodeConfig, logger *logrus.Logger) *ConnectionPool {
	sorted := make([]*config.NodeConfig, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	cp := &ConnectionPool{
		logger:      logger,
		dial:        ethclient.DialContext,
		healthCheck: 30 * time.Second,
		cooldown:    30 * time.Second,
		stop:        make(chan struct{}),
	}
	for _, node := range sorted {
		cp.nodes = append(cp.nodes, &NodeConn{
			config:    node,
			limiter:   ratelimit.NewLimiter(node.RateLimit),
			isHealthy: true,
		})
	}
	return cp
}

// SetDialer 替换拨号函数
func (cp *ConnectionPool) SetDialer(dial Dialer) {
	if dial != nil {
		cp.dial = dial
	}
}

// SetHealthCheckInterval 设置健康检查间隔
func (cp *ConnectionPool) SetHealthCheckInterval(d time.Duration) {
	if d > 0 {
		cp.healthCheck = d
	}
}

// Do 依次在健康节点上执行fn，直到成功或全部失败
func (cp *ConnectionPool) Do(ctx context.Context, fn func(ctx context.Context, client *ethclient.Client) error) error {
	if len(cp.nodes) == 0 {
		return fmt.Errorf("没有配置任何节点")
	}

	var lastErr error
	tried := 0
	for _, node := range cp.nodes {
		if !node.available(time.Now()) {
			continue
		}
		tried++

		client, err := cp.clientFor(ctx, node)
		if err != nil {
			lastErr = err
			node.markFailure(cp.cooldown)
			cp.logger.Debugf("节点 %s 连接失败: %v", node.config.Name, err)
			continue
		}

		err = node.limiter.Do(ctx, func() error { return fn(ctx, client) })
		if err == nil {
			node.markSuccess()
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		if !isTransportError(err) {
			// 合约层面的错误（如revert）换节点也不会改变结果
			return err
		}
		node.markFailure(cp.cooldown)
		cp.logger.Debugf("节点 %s 调用失败: %v", node.config.Name, err)
	}

	if tried == 0 {
		return fmt.Errorf("没有可用的健康节点")
	}
	return fmt.Errorf("所有节点调用失败: %w", lastErr)
}

// clientFor 懒加载节点客户端
func (cp *ConnectionPool) clientFor(ctx context.Context, node *NodeConn) (*ethclient.Client, error) {
	node.mu.Lock()
	defer node.mu.Unlock()

	if node.client != nil {
		return node.client, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := cp.dial(dialCtx, node.config.URL)
	if err != nil {
		return nil, fmt.Errorf("连接节点失败: %w", err)
	}
	node.client = client
	return client, nil
}

func (n *NodeConn) available(now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isHealthy || now.After(n.downUntil)
}

func (n *NodeConn) markSuccess() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isHealthy = true
	n.failures = 0
}

func (n *NodeConn) markFailure(cooldown time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures++
	n.isHealthy = false
	n.downUntil = time.Now().Add(cooldown)
}

// IsHealthy 节点是否健康
func (n *NodeConn) IsHealthy() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isHealthy
}

// Start 启动后台健康检查
func (cp *ConnectionPool) Start(ctx context.Context) {
	go cp.healthChecker(ctx)
}

// healthChecker 定期用eth_chainId探测节点
func (cp *ConnectionPool) healthChecker(ctx context.Context) {
	ticker := time.NewTicker(cp.healthCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cp.stop:
			return
		case <-ticker.C:
			for _, node := range cp.nodes {
				cp.checkNode(ctx, node)
			}
		}
	}
}

func (cp *ConnectionPool) checkNode(ctx context.Context, node *NodeConn) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := cp.clientFor(checkCtx, node)
	if err == nil {
		_, err = client.ChainID(checkCtx)
	}

	node.mu.Lock()
	node.lastCheck = time.Now()
	node.mu.Unlock()

	if err != nil {
		node.markFailure(cp.cooldown)
		cp.logger.Warnf("节点 %s 健康检查失败: %v", node.config.Name, err)
		return
	}
	node.markSuccess()
	cp.logger.Debugf("节点 %s 健康检查通过", node.config.Name)
}

// GetStats 获取连接池统计信息
func (cp *ConnectionPool) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})
	for _, node := range cp.nodes {
		node.mu.Lock()
		stats[node.config.Name] = map[string]interface{}{
			"priority":   node.config.Priority,
			"connected":  node.client != nil,
			"is_healthy": node.isHealthy,
			"failures":   node.failures,
			"last_check": node.lastCheck.Format(time.RFC3339),
		}
		node.mu.Unlock()
	}
	return stats
}

// Close 关闭连接池
func (cp *ConnectionPool) Close() error {
	cp.stopOnce.Do(func() { close(cp.stop) })

	for _, node := range cp.nodes {
		node.mu.Lock()
		if node.client != nil {
			node.client.Close()
			node.client = nil
		}
		node.mu.Unlock()
	}

	cp.logger.Info("连接池已关闭")
	return nil
}
