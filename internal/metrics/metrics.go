package metrics

import (
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// 指标名称
const (
	ScansStarted           = "scans.started"
	ScansCompleted         = "scans.completed"
	ScansFailed            = "scans.failed"
	ScansCacheHits         = "scans.cache_hits"
	ScansApprovalsFound    = "scans.approvals_found"
	DiscoveryFailedQueries = "discovery.failed_queries"
	DiscoveryDroppedPairs  = "discovery.dropped_pairs"
	TasksRetries           = "tasks.retries"
	TasksExhausted         = "tasks.exhausted"
	ScansDuration          = "scans.duration"
)

var counterNames = []string{
	ScansStarted,
	ScansCompleted,
	ScansFailed,
	ScansCacheHits,
	ScansApprovalsFound,
	DiscoveryFailedQueries,
	DiscoveryDroppedPairs,
	TasksRetries,
	TasksExhausted,
}

// Metrics 扫描流程的计数器与计时器
type Metrics struct {
	registry gometrics.Registry
	counters map[string]gometrics.Counter
	duration gometrics.Timer
}

// New 创建独立的指标注册表
func New() *Metrics {
	registry := gometrics.NewRegistry()
	m := &Metrics{
		registry: registry,
		counters: make(map[string]gometrics.Counter, len(counterNames)),
	}
	for _, name := range counterNames {
		m.counters[name] = gometrics.GetOrRegisterCounter(name, registry)
	}
	m.duration = gometrics.GetOrRegisterTimer(ScansDuration, registry)
	return m
}

// Registry 底层注册表
func (m *Metrics) Registry() gometrics.Registry {
	return m.registry
}

// Inc 计数器加n，未知名称忽略；m为nil时不做任何事
func (m *Metrics) Inc(name string, n int64) {
	if m == nil || n == 0 {
		return
	}
	if c, ok := m.counters[name]; ok {
		c.Inc(n)
	}
}

// Count 读取计数器
func (m *Metrics) Count(name string) int64 {
	if m == nil {
		return 0
	}
	if c, ok := m.counters[name]; ok {
		return c.Count()
	}
	return 0
}

// ObserveScan 记录一次扫描耗时
func (m *Metrics) ObserveScan(d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Update(d)
}

// Snapshot 导出当前指标，供API展示
func (m *Metrics) Snapshot() map[string]interface{} {
	out := make(map[string]interface{}, len(counterNames)+1)
	if m == nil {
		return out
	}
	for _, name := range counterNames {
		out[name] = m.counters[name].Count()
	}
	t := m.duration.Snapshot()
	out[ScansDuration] = map[string]interface{}{
		"count":   t.Count(),
		"mean_ms": t.Mean() / float64(time.Millisecond),
		"p95_ms":  t.Percentile(0.95) / float64(time.Millisecond),
		"max_ms":  float64(t.Max()) / float64(time.Millisecond),
	}
	return out
}
