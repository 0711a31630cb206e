package main

import (
	"flag"
	"time"

	"approvalscan/internal/api"
	"approvalscan/internal/app"
	"approvalscan/internal/config"
	"approvalscan/internal/logging"
	"approvalscan/internal/shutdown"

	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "", "配置文件路径")
	listen     = flag.String("listen", "", "监听地址，覆盖配置中的 api.listen")
	verbose    = flag.Bool("verbose", false, "详细输出")
	noWorkers  = flag.Bool("no-workers", false, "不在本进程内消费任务队列")
)

func main() {
	flag.Parse()

	bootLogger := logrus.New()
	bootLogger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := config.LoadDotEnv(); err != nil {
		bootLogger.Fatalf("加载环境文件失败: %v", err)
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		bootLogger.Fatalf("加载配置失败: %v", err)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	logger, logCloser, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		bootLogger.Fatalf("初始化日志失败: %v", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	gs := shutdown.NewGracefulShutdown(30*time.Second, logger)
	ctx := gs.Context()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("初始化扫描服务失败: %v", err)
	}

	// 本地队列必须在本进程消费；Kafka队列可交给独立的worker
	consume := cfg.Tasks.Queue != "kafka" || !*noWorkers
	queue, err := a.NewQueue(consume)
	if err != nil {
		a.Close()
		logger.Fatalf("创建任务队列失败: %v", err)
	}

	server := api.NewServer(cfg.API, api.Dependencies{
		Scanner: a.Orchestrator,
		Queue:   queue,
		Metrics: a.Metrics,
		Errors:  a.Errors,
	}, logger)

	gs.Register("http_server", shutdown.OrderStopHTTP, server.Stop)
	a.RegisterShutdown(gs)
	gs.Start()

	a.StartBackground(ctx)
	if consume {
		if err := queue.Start(ctx, a.NewRunner().Handler()); err != nil {
			logger.Errorf("启动任务消费失败: %v", err)
			gs.Shutdown()
		}
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Errorf("API服务器异常退出: %v", err)
			gs.Shutdown()
		}
	}()

	if err := gs.Wait(); err != nil {
		logger.Errorf("关闭服务时出错: %v", err)
	}
	logger.Info("服务器已关闭")
}
