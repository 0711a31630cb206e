package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler 处理单个任务
type Handler func(ctx context.Context, task *ScanTask) error

// Queue 任务队列
type Queue interface {
	Enqueue(ctx context.Context, task *ScanTask) error
	Start(ctx context.Context, handler Handler) error
	Close() error
}

// LocalQueue 进程内队列，带缓冲通道和固定数量的worker
type LocalQueue struct {
	tasks   chan *ScanTask
	workers int
	logger  *logrus.Logger

	mu       sync.RWMutex
	closed   bool
	started  bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLocalQueue 创建进程内队列
func NewLocalQueue(size, workers int, logger *logrus.Logger) *LocalQueue {
	if size <= 0 {
		size = 100
	}
	if workers <= 0 {
		workers = 1
	}
	return &LocalQueue{
		tasks:   make(chan *ScanTask, size),
		workers: workers,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Enqueue 入队，队列满时阻塞直到ctx结束或队列关闭
func (q *LocalQueue) Enqueue(ctx context.Context, task *ScanTask) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return fmt.Errorf("任务队列已关闭")
	}
	select {
	case q.tasks <- task:
		q.logger.WithField("task_id", task.TaskID).Debug("扫描任务已入队")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.stop:
		return fmt.Errorf("任务队列已关闭")
	}
}

// Len 当前排队数量
func (q *LocalQueue) Len() int {
	return len(q.tasks)
}

// Start 启动worker，只能调用一次
func (q *LocalQueue) Start(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("任务队列已关闭")
	}
	if q.started {
		return fmt.Errorf("任务队列已启动")
	}
	q.started = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i, handler)
	}
	q.logger.Infof("本地任务队列已启动，worker数量: %d", q.workers)
	return nil
}

func (q *LocalQueue) worker(ctx context.Context, id int, handler Handler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-q.tasks:
			if !ok {
				return
			}
			q.handle(ctx, id, handler, task)
		}
	}
}

func (q *LocalQueue) handle(ctx context.Context, id int, handler Handler, task *ScanTask) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Errorf("worker %d 处理任务 %s 时panic: %v", id, task.TaskID, r)
		}
	}()
	if err := handler(ctx, task); err != nil {
		q.logger.WithField("task_id", task.TaskID).Errorf("worker %d 任务失败: %v", id, err)
	}
}

// Close 停止接收新任务，等待worker处理完已入队的任务
func (q *LocalQueue) Close() error {
	q.stopOnce.Do(func() {
		close(q.stop)
		q.mu.Lock()
		q.closed = true
		close(q.tasks)
		q.mu.Unlock()
	})
	q.wg.Wait()
	return nil
}
