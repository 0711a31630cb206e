package api

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogManager 保存最近的日志，超出容量时覆盖最旧的条目
type LogManager struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int
	full    bool
}

// NewLogManager 创建日志管理器
func NewLogManager(capacity int) *LogManager {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LogManager{entries: make([]LogEntry, capacity)}
}

// AddLog 记录一条日志
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	var fields map[string]interface{}
	if len(entry.Data) > 0 {
		fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			fields[k] = v
		}
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.entries[lm.next] = LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    fields,
	}
	lm.next = (lm.next + 1) % len(lm.entries)
	if lm.next == 0 {
		lm.full = true
	}
}

// Len 当前保存的条数
func (lm *LogManager) Len() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if lm.full {
		return len(lm.entries)
	}
	return lm.next
}

// GetLogsWithPagination 按时间倒序分页，level为空时不过滤
func (lm *LogManager) GetLogsWithPagination(level string, page, pageSize int) ([]LogEntry, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	lm.mu.RLock()
	matched := make([]LogEntry, 0)
	n := lm.next
	if lm.full {
		n = len(lm.entries)
	}
	for i := 1; i <= n; i++ {
		e := lm.entries[(lm.next-i+len(lm.entries))%len(lm.entries)]
		if level == "" || e.Level == level {
			matched = append(matched, e)
		}
	}
	lm.mu.RUnlock()

	total := len(matched)
	start := (page - 1) * pageSize
	if start >= total {
		return []LogEntry{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total
}

// ClearLogs 清空日志
func (lm *LogManager) ClearLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.entries = make([]LogEntry, len(lm.entries))
	lm.next = 0
	lm.full = false
}

// LogHook 把logrus日志写入LogManager
type LogHook struct {
	manager *LogManager
}

// NewLogHook 创建日志钩子
func NewLogHook(manager *LogManager) *LogHook {
	return &LogHook{manager: manager}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 实现 logrus.Hook 接口
func (h *LogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}
