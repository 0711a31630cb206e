package shutdown

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopHTTP     = 10 // 停止接受新请求
	OrderStopQueue    = 20 // 停止消费任务并等待进行中的扫描
	OrderFlushOutput  = 30 // 关闭报告输出
	OrderCloseCache   = 40
	OrderCloseStore   = 50
	OrderCloseNetwork = 60 // RPC连接池等外部连接
)

// ShutdownFunc 停机处理函数
type ShutdownFunc struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int
}

// GracefulShutdown 收到SIGINT/SIGTERM后按顺序执行注册的停机函数
type GracefulShutdown struct {
	logger  *logrus.Logger
	timeout time.Duration

	mu             sync.Mutex
	funcs          []ShutdownFunc
	isShuttingDown bool
	err            error

	signalChan chan os.Signal
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewGracefulShutdown 创建停机管理器
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GracefulShutdown{
		logger:     logger,
		timeout:    timeout,
		signalChan: make(chan os.Signal, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Register 注册停机处理函数
func (gs *GracefulShutdown) Register(name string, order int, fn func(ctx context.Context) error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.funcs = append(gs.funcs, ShutdownFunc{Name: name, Func: fn, Order: order})
	gs.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// RegisteredFunctions 按执行顺序返回已注册的函数名
func (gs *GracefulShutdown) RegisteredFunctions() []string {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	ordered := gs.sorted()
	names := make([]string, len(ordered))
	for i, fn := range ordered {
		names[i] = fn.Name
	}
	return names
}

// Context 停机开始时取消，后台任务以此为根上下文
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Done 停机完成后关闭
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.done
}

// Err 停机过程中的错误汇总
func (gs *GracefulShutdown) Err() error {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.err
}

// Start 监听停机信号
func (gs *GracefulShutdown) Start() {
	signal.Notify(gs.signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-gs.signalChan:
			gs.logger.Infof("收到停机信号: %v", sig)
			gs.Shutdown()
		case <-gs.stop:
		}
	}()
	gs.logger.Info("优雅停机管理器已启动，监听信号: SIGINT, SIGTERM")
}

// Wait 阻塞直到停机完成
func (gs *GracefulShutdown) Wait() error {
	<-gs.done
	return gs.Err()
}

// Shutdown 触发停机，重复调用只执行一次
func (gs *GracefulShutdown) Shutdown() {
	gs.mu.Lock()
	if gs.isShuttingDown {
		gs.mu.Unlock()
		return
	}
	gs.isShuttingDown = true
	funcs := gs.sorted()
	gs.mu.Unlock()

	gs.stopOnce.Do(func() {
		close(gs.stop)
		signal.Stop(gs.signalChan)
	})

	err := gs.perform(funcs)

	gs.mu.Lock()
	gs.err = err
	gs.mu.Unlock()
	close(gs.done)
}

// IsShuttingDown 是否已开始停机
func (gs *GracefulShutdown) IsShuttingDown() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.isShuttingDown
}

func (gs *GracefulShutdown) perform(funcs []ShutdownFunc) error {
	gs.logger.Info("开始优雅停机流程...")
	// 先通知后台任务停止
	gs.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	var errs []error
	for _, fn := range funcs {
		if shutdownCtx.Err() != nil {
			gs.logger.Warnf("停机超时，跳过 '%s' 及之后的处理", fn.Name)
			errs = append(errs, fmt.Errorf("%s: %w", fn.Name, shutdownCtx.Err()))
			break
		}

		start := time.Now()
		if err := fn.Func(shutdownCtx); err != nil {
			gs.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", fn.Name, time.Since(start), err)
			errs = append(errs, fmt.Errorf("%s: %w", fn.Name, err))
			continue
		}
		gs.logger.Infof("停机处理 '%s' 完成 (耗时: %v)", fn.Name, time.Since(start))
	}

	if len(errs) > 0 {
		gs.logger.Errorf("停机过程中发生 %d 个错误", len(errs))
		return stderrors.Join(errs...)
	}
	gs.logger.Info("优雅停机流程完成")
	return nil
}

func (gs *GracefulShutdown) sorted() []ShutdownFunc {
	out := make([]ShutdownFunc, len(gs.funcs))
	copy(out, gs.funcs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
