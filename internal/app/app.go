package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"approvalscan/internal/cache"
	"approvalscan/internal/config"
	"approvalscan/internal/connection"
	"approvalscan/internal/discovery"
	apperrors "approvalscan/internal/errors"
	"approvalscan/internal/indexer"
	"approvalscan/internal/metrics"
	"approvalscan/internal/output"
	"approvalscan/internal/scanner"
	"approvalscan/internal/shutdown"
	"approvalscan/internal/storage"
	"approvalscan/internal/tasks"

	"github.com/sirupsen/logrus"
)

// App 组装好的扫描服务组件
type App struct {
	Config       *config.Config
	Logger       *logrus.Logger
	Store        storage.Store
	Cache        *cache.ScanCache
	Pool         *connection.ConnectionPool
	Publisher    output.Publisher
	Metrics      *metrics.Metrics
	Errors       *apperrors.ErrorHandler
	Orchestrator *scanner.Orchestrator

	closers []namedCloser
}

type namedCloser struct {
	name  string
	order int
	fn    func() error
}

// New 按配置创建全部组件，任一步失败时关闭已创建的组件
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
		Errors:  apperrors.NewErrorHandler(logger),
	}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.Config, a.Logger

	var err error
	a.Store, err = storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("打开存储失败: %w", err)
	}
	a.addCloser("store", shutdown.OrderCloseStore, a.Store.Close)

	// 内存存储每次启动都是空的，写入初始黑名单
	if cfg.Storage.Driver == "memory" {
		if _, err = storage.SeedBlacklist(ctx, a.Store, time.Now().UTC()); err != nil {
			return err
		}
	}

	a.Cache, err = openCache(cfg.Cache, logger)
	if err != nil {
		return err
	}
	a.Cache.WithErrors(a.Errors)
	a.addCloser("cache", shutdown.OrderCloseCache, a.Cache.Close)

	a.Pool = connection.NewConnectionPool(cfg.RPC.Nodes, logger)
	a.Pool.SetHealthCheckInterval(cfg.RPC.HealthCheckInterval)
	a.addCloser("rpc_pool", shutdown.OrderCloseNetwork, a.Pool.Close)

	discoverer, err := newDiscoverer(cfg, a.Pool, logger)
	if err != nil {
		return err
	}
	discoverer.WithErrors(a.Errors)

	a.Publisher, err = output.NewPublisher(cfg.Output, cfg.Kafka, logger)
	if err != nil {
		return fmt.Errorf("创建报告输出失败: %w", err)
	}
	a.addCloser("publisher", shutdown.OrderFlushOutput, a.Publisher.Close)

	a.Orchestrator, err = scanner.NewOrchestrator(scanner.Dependencies{
		Discovery: discoverer,
		Store:     a.Store,
		Cache:     a.Cache,
		Publisher: a.Publisher,
		Metrics:   a.Metrics,
		Errors:    a.Errors,
	}, scanner.Options{
		ScanTimeout:   cfg.Scanner.ScanTimeout,
		Coalesce:      cfg.Scanner.CoalesceRequests,
		KnownSpenders: cfg.Risk.KnownSpenders,
	}, logger)
	if err != nil {
		return fmt.Errorf("创建扫描编排器失败: %w", err)
	}
	return nil
}

// openCache backend为none时返回关闭状态的缓存
func openCache(cfg *config.CacheConfig, logger *logrus.Logger) (*cache.ScanCache, error) {
	switch cfg.Backend {
	case "none":
		logger.Info("扫描缓存已关闭")
		return cache.NewScanCache(nil, cfg.TTL, logger), nil
	case "bolt":
		backend, err := cache.NewBoltBackend(cfg.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("打开缓存文件失败: %w", err)
		}
		return cache.NewScanCache(backend, cfg.TTL, logger), nil
	case "memory", "":
		return cache.NewScanCache(cache.NewMemoryBackend(), cfg.TTL, logger), nil
	default:
		return nil, fmt.Errorf("不支持的缓存后端: %s", cfg.Backend)
	}
}

// newDiscoverer 日志来源按配置选择索引服务或节点eth_getLogs，状态确认总是走节点
func newDiscoverer(cfg *config.Config, pool *connection.ConnectionPool, logger *logrus.Logger) (*discovery.Adapter, error) {
	var logs discovery.LogSource
	switch cfg.Indexer.Source {
	case "rpc":
		logs = discovery.NewRPCLogSource(pool, cfg.Indexer.BlockChunk, logger)
	default:
		logs = indexer.NewClient(cfg.Indexer, logger)
	}

	reader, err := discovery.NewContractReader(pool, cfg.RPC.Timeout, cfg.RPC.RateLimit, logger)
	if err != nil {
		return nil, err
	}

	return discovery.NewAdapter(logs, reader, discovery.Options{
		Workers:   cfg.RPC.ConfirmWorkers,
		FromBlock: cfg.Indexer.FromBlock,
	}, logger), nil
}

// NewQueue 创建任务队列，consume为false时Kafka队列只生产
func (a *App) NewQueue(consume bool) (tasks.Queue, error) {
	var (
		q   tasks.Queue
		err error
	)
	switch a.Config.Tasks.Queue {
	case "kafka":
		q, err = tasks.NewKafkaQueue(a.Config.Kafka, a.Config.Tasks, consume, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("创建Kafka任务队列失败: %w", err)
		}
	default:
		q = tasks.NewLocalQueue(a.Config.Tasks.QueueSize, a.Config.Tasks.Workers, a.Logger)
	}
	a.addCloser("queue", shutdown.OrderStopQueue, q.Close)
	return q, nil
}

// NewRunner 创建带重试的任务执行器
func (a *App) NewRunner() *tasks.Runner {
	return tasks.NewRunner(a.Orchestrator, a.Config.Tasks, a.Errors, a.Metrics, a.Logger)
}

// StartBackground 启动节点健康检查
func (a *App) StartBackground(ctx context.Context) {
	a.Pool.Start(ctx)
}

// RegisterShutdown 把组件的关闭函数登记到停机管理器
func (a *App) RegisterShutdown(gs *shutdown.GracefulShutdown) {
	for _, c := range a.closers {
		fn := c.fn
		gs.Register(c.name, c.order, func(context.Context) error { return fn() })
	}
	a.closers = nil
}

func (a *App) addCloser(name string, order int, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, order: order, fn: fn})
}

// Close 按登记的逆序关闭尚未交给停机管理器的组件
func (a *App) Close() error {
	closers := a.closers
	a.closers = nil

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].fn(); err != nil {
			errs = append(errs, fmt.Errorf("关闭%s失败: %w", closers[i].name, err))
		}
	}
	return stderrors.Join(errs...)
}
