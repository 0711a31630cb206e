package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"approvalscan/internal/app"
	"approvalscan/internal/config"
	"approvalscan/internal/logging"
	"approvalscan/internal/scanner"
	"approvalscan/internal/shutdown"
	"approvalscan/internal/storage"
	"approvalscan/internal/tasks"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string

	// scan / enqueue
	chainID      int64
	forceRefresh bool

	// cleanup
	retentionDays int
	dryRun        bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "approvalscan",
		Short:         "钱包授权风险扫描工具",
		Long:          `扫描钱包在链上仍然有效的ERC20/NFT授权，按规则评估风险并汇总为钱包风险等级`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "配置文件路径 (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (debug, info, warn, error)")

	scanCmd := &cobra.Command{
		Use:   "scan <wallet>",
		Short: "同步扫描钱包授权",
		Args:  cobra.ExactArgs(1),
		RunE:  runScan,
	}
	scanCmd.Flags().Int64Var(&chainID, "chain", 1, "链ID")
	scanCmd.Flags().BoolVar(&forceRefresh, "force", false, "忽略缓存重新扫描")

	enqueueCmd := &cobra.Command{
		Use:   "enqueue <wallet>",
		Short: "创建PENDING扫描并投递到Kafka任务队列",
		Args:  cobra.ExactArgs(1),
		RunE:  runEnqueue,
	}
	enqueueCmd.Flags().Int64Var(&chainID, "chain", 1, "链ID")
	enqueueCmd.Flags().BoolVar(&forceRefresh, "force", false, "忽略缓存重新扫描")

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "消费任务队列并执行扫描",
		Args:  cobra.NoArgs,
		RunE:  runWorker,
	}

	blacklistCmd := &cobra.Command{
		Use:   "blacklist",
		Short: "黑名单管理",
	}
	blacklistCmd.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "写入初始黑名单",
		Args:  cobra.NoArgs,
		RunE:  runBlacklistSeed,
	}, &cobra.Command{
		Use:   "list",
		Short: "列出生效中的黑名单",
		Args:  cobra.NoArgs,
		RunE:  runBlacklistList,
	})

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "删除过期的扫描记录",
		Args:  cobra.NoArgs,
		RunE:  runCleanup,
	}
	cleanupCmd.Flags().IntVar(&retentionDays, "days", 90, "保留天数")
	cleanupCmd.Flags().BoolVar(&dryRun, "dry-run", false, "只统计不删除")

	rootCmd.AddCommand(scanCmd, enqueueCmd, workerCmd, blacklistCmd, cleanupCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// setup 加载配置和日志器
func setup() (*config.Config, *logrus.Logger, io.Closer, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, nil, nil, err
	}
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger, closer, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closer, nil
}

func closeLog(closer io.Closer) {
	if closer != nil {
		closer.Close()
	}
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closeLog(closer)

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.Orchestrator.Scan(ctx, args[0], chainID, forceRefresh)
	if err != nil {
		return err
	}
	printResult(result)
	if result.Failed() {
		return fmt.Errorf("扫描 %s 失败: %s", result.ScanID, result.Error)
	}
	return nil
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closeLog(closer)

	// 本地队列只存在于当前进程，投递后无人消费
	if cfg.Tasks.Queue != "kafka" {
		return fmt.Errorf("enqueue 需要 tasks.queue=kafka，当前为 %s", cfg.Tasks.Queue)
	}

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	queue, err := a.NewQueue(false)
	if err != nil {
		return err
	}

	scan, err := a.Orchestrator.CreatePending(ctx, args[0], chainID)
	if err != nil {
		return err
	}
	task := tasks.NewScanTask(scan.WalletAddress, scan.ChainID, forceRefresh, scan.ID)
	if err := queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("投递扫描任务失败: %w", err)
	}

	fmt.Printf("scan_id: %s\ntask_id: %s\nstatus:  %s\n", scan.ID, task.TaskID, scan.Status)
	return nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closeLog(closer)

	if cfg.Tasks.Queue != "kafka" {
		return fmt.Errorf("worker 需要 tasks.queue=kafka，本地队列由API进程内的worker消费")
	}

	gs := shutdown.NewGracefulShutdown(30*time.Second, logger)
	ctx := gs.Context()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	queue, err := a.NewQueue(true)
	if err != nil {
		a.Close()
		return err
	}
	a.RegisterShutdown(gs)
	gs.Start()

	a.StartBackground(ctx)
	if err := queue.Start(ctx, a.NewRunner().Handler()); err != nil {
		gs.Shutdown()
		return err
	}

	logger.Infof("扫描worker已启动，队列: %s", cfg.Tasks.Queue)
	return gs.Wait()
}

func runBlacklistSeed(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closeLog(closer)

	ctx := cmd.Context()
	store, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := storage.SeedBlacklist(ctx, store, time.Now().UTC())
	if err != nil {
		return err
	}
	logger.Infof("已写入 %d 条黑名单", n)
	return nil
}

func runBlacklistList(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closeLog(closer)

	ctx := cmd.Context()
	store, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.ActiveBlacklist(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%-44s %-10s %-8s %s\n", "ADDRESS", "CATEGORY", "SEVERITY", "NAME")
	fmt.Println(strings.Repeat("=", 80))
	for _, e := range entries {
		fmt.Printf("%-44s %-10s %-8d %s\n", e.Address, e.Category, e.Severity, e.Name)
	}
	fmt.Printf("共 %d 条\n", len(entries))
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if retentionDays <= 0 {
		return fmt.Errorf("--days 必须大于0")
	}
	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closeLog(closer)

	ctx := cmd.Context()
	store, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	n, err := store.DeleteScansBefore(ctx, cutoff, dryRun)
	if err != nil {
		return err
	}
	if dryRun {
		logger.Infof("试运行：%s 之前共有 %d 条扫描记录待删除", cutoff.Format(time.RFC3339), n)
		return nil
	}
	logger.Infof("已删除 %s 之前的 %d 条扫描记录", cutoff.Format(time.RFC3339), n)
	return nil
}

// printResult 打印扫描结果
func printResult(r *scanner.ScanResult) {
	fmt.Println("钱包授权扫描结果")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("%-16s: %s\n", "scan_id", r.ScanID)
	fmt.Printf("%-16s: %s\n", "wallet", r.WalletAddress)
	fmt.Printf("%-16s: %d\n", "chain_id", r.ChainID)
	fmt.Printf("%-16s: %s\n", "status", r.Status)
	fmt.Printf("%-16s: %v\n", "cached", r.Cached)
	if r.Summary == nil {
		return
	}

	s := r.Summary
	fmt.Printf("%-16s: %s\n", "risk_level", s.RiskLevel)
	fmt.Printf("%-16s: %d\n", "total_approvals", s.TotalApprovals)
	fmt.Printf("%-16s: %d\n", "total_risk_score", s.TotalRiskScore)
	fmt.Printf("%-16s: %d\n", "high_risk", s.HighRiskCount)
	fmt.Printf("%-16s: %d\n", "critical_risk", s.CriticalRiskCount)

	if len(s.Evaluations) == 0 {
		return
	}
	fmt.Println(strings.Repeat("-", 60))
	for _, e := range s.Evaluations {
		a := e.Approval
		fmt.Printf("[%s %3d] %s %s -> %s\n", e.RiskLevel, e.RiskPoints, a.TokenType, a.TokenAddress, a.SpenderAddress)
		for _, reason := range e.RiskReasons {
			fmt.Printf("    - %s\n", reason)
		}
	}
}
