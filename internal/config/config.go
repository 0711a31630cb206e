package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"approvalscan/internal/chains"
	"approvalscan/internal/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 主配置
type Config struct {
	Indexer *IndexerConfig     `mapstructure:"indexer"`
	RPC     *RPCConfig         `mapstructure:"rpc"`
	Risk    *RiskConfig        `mapstructure:"risk"`
	Storage *StorageConfig     `mapstructure:"storage"`
	Cache   *CacheConfig       `mapstructure:"cache"`
	Scanner *ScannerConfig     `mapstructure:"scanner"`
	Tasks   *TaskConfig        `mapstructure:"tasks"`
	Output  *OutputConfig      `mapstructure:"output"`
	Kafka   *KafkaConfig       `mapstructure:"kafka"`
	API     *APIConfig         `mapstructure:"api"`
	Logging *logging.LogConfig `mapstructure:"logging"`
}

// IndexerConfig 日志索引服务配置
type IndexerConfig struct {
	Source     string        `mapstructure:"source"` // etherscan | rpc
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	RateLimit  float64       `mapstructure:"rate_limit"` // 每秒请求数
	PageSize   int           `mapstructure:"page_size"`
	MaxPages   int           `mapstructure:"max_pages"`
	Timeout    time.Duration `mapstructure:"timeout"`
	FromBlock  uint64        `mapstructure:"from_block"`
	BlockChunk uint64        `mapstructure:"block_chunk"` // rpc来源时每次查询的区块跨度
}

// RPCConfig 合约状态读取配置
type RPCConfig struct {
	Nodes               []*NodeConfig `mapstructure:"nodes"`
	Timeout             time.Duration `mapstructure:"timeout"`
	RateLimit           float64       `mapstructure:"rate_limit"`
	ConfirmWorkers      int           `mapstructure:"confirm_workers"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name      string  `mapstructure:"name"`
	URL       string  `mapstructure:"url"`
	Type      string  `mapstructure:"type"`
	RateLimit float64 `mapstructure:"rate_limit"`
	Priority  int     `mapstructure:"priority"`
}

// RiskConfig 风险规则配置
type RiskConfig struct {
	KnownSpenders []string `mapstructure:"known_spenders"` // 额外的可信spender
}

// StorageConfig 存储配置
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"` // memory | postgres | pgx | mysql | sqlite3
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// CacheConfig 扫描缓存配置
type CacheConfig struct {
	Backend string        `mapstructure:"backend"` // memory | bolt | none
	Path    string        `mapstructure:"path"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// ScannerConfig 编排器配置
type ScannerConfig struct {
	ScanTimeout      time.Duration `mapstructure:"scan_timeout"`
	CoalesceRequests bool          `mapstructure:"coalesce_requests"`
}

// TaskConfig 后台任务配置
type TaskConfig struct {
	Queue          string        `mapstructure:"queue"` // local | kafka
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	Topic          string        `mapstructure:"topic"`
	GroupID        string        `mapstructure:"group_id"`
}

// OutputConfig 扫描报告输出配置
type OutputConfig struct {
	Format    string `mapstructure:"format"` // none | file | kafka
	Directory string `mapstructure:"directory"`
	Topic     string `mapstructure:"topic"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Version  string   `mapstructure:"version"`
	ClientID string   `mapstructure:"client_id"`
}

// APIConfig HTTP服务配置
type APIConfig struct {
	Listen        string        `mapstructure:"listen"`
	RateLimit     int           `mapstructure:"rate_limit"` // 每个窗口内单客户端允许的扫描请求数
	RateWindow    time.Duration `mapstructure:"rate_window"`
	LogBufferSize int           `mapstructure:"log_buffer_size"`
}

// LoadDotEnv 加载.env文件，文件不存在时忽略
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("加载环境文件 %s 失败: %w", p, err)
		}
	}
	return nil
}

// LoadConfig 加载配置：默认值 < YAML文件 < 环境变量
func LoadConfig(configPath string) (*Config, error) {
	config := GetDefaultConfig()

	if configPath != "" {
		if err := loadConfigFile(configPath, config); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// loadConfigFile 从YAML文件加载配置，覆盖已有默认值
func loadConfigFile(configPath string, config *Config) error {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}
	return nil
}

// applyEnvOverrides 环境变量覆盖
func applyEnvOverrides(config *Config) {
	if v, ok := lookupEnv("ETHERSCAN_API_KEY", "APPROVALSCAN_ETHERSCAN_API_KEY"); ok {
		config.Indexer.APIKey = v
	}
	if v, ok := lookupEnv("WEB3_RPC_URL", "APPROVALSCAN_RPC_URL"); ok {
		config.RPC.Nodes = []*NodeConfig{{Name: "env_node", URL: v, Type: "env", Priority: 0}}
	}
	if v, ok := lookupEnv("APPROVALSCAN_DB_DRIVER"); ok {
		config.Storage.Driver = v
	}
	if v, ok := lookupEnv("APPROVALSCAN_DB_DSN"); ok {
		config.Storage.DSN = v
	}
	if v, ok := lookupEnv("APPROVALSCAN_KAFKA_BROKERS"); ok {
		config.Kafka.Brokers = splitCSV(v)
	}
	if v, ok := lookupEnv("APPROVALSCAN_LOG_LEVEL"); ok {
		config.Logging.Level = v
	}
}

func lookupEnv(keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, x := range parts {
		x = strings.TrimSpace(x)
		if x != "" {
			out = append(out, x)
		}
	}
	return out
}

// Validate 校验配置
func (c *Config) Validate() error {
	var problems []string

	switch c.Indexer.Source {
	case "etherscan":
		if c.Indexer.BaseURL == "" {
			problems = append(problems, "indexer.base_url 不能为空")
		}
	case "rpc":
		if c.Indexer.BlockChunk == 0 {
			problems = append(problems, "indexer.block_chunk 必须大于0")
		}
	default:
		problems = append(problems, fmt.Sprintf("不支持的日志来源: %s", c.Indexer.Source))
	}
	if c.Indexer.PageSize <= 0 || c.Indexer.PageSize > 1000 {
		problems = append(problems, "indexer.page_size 必须在1到1000之间")
	}

	if len(c.RPC.Nodes) == 0 {
		problems = append(problems, "rpc.nodes 至少需要一个节点")
	}
	for _, node := range c.RPC.Nodes {
		if !validateNodeConfig(node) {
			problems = append(problems, fmt.Sprintf("节点配置无效: %+v", node))
		}
	}
	if c.RPC.ConfirmWorkers <= 0 {
		problems = append(problems, "rpc.confirm_workers 必须大于0")
	}

	switch c.Storage.Driver {
	case "memory":
	case "postgres", "pgx", "mysql", "sqlite3":
		if c.Storage.DSN == "" {
			problems = append(problems, "storage.dsn 不能为空")
		}
	default:
		problems = append(problems, fmt.Sprintf("不支持的存储驱动: %s", c.Storage.Driver))
	}

	switch c.Cache.Backend {
	case "memory", "none":
	case "bolt":
		if c.Cache.Path == "" {
			problems = append(problems, "cache.path 不能为空")
		}
	default:
		problems = append(problems, fmt.Sprintf("不支持的缓存后端: %s", c.Cache.Backend))
	}

	needKafka := c.Tasks.Queue == "kafka" || c.Output.Format == "kafka"
	switch c.Tasks.Queue {
	case "local", "kafka":
	default:
		problems = append(problems, fmt.Sprintf("不支持的任务队列: %s", c.Tasks.Queue))
	}
	switch c.Output.Format {
	case "none", "file", "kafka":
	default:
		problems = append(problems, fmt.Sprintf("不支持的输出格式: %s", c.Output.Format))
	}
	if needKafka && len(c.Kafka.Brokers) == 0 {
		problems = append(problems, "kafka.brokers 不能为空")
	}

	if len(problems) > 0 {
		return fmt.Errorf("配置无效: %s", strings.Join(problems, "; "))
	}
	return nil
}

// validateNodeConfig 校验单个节点
func validateNodeConfig(node *NodeConfig) bool {
	if node == nil || node.Name == "" || node.URL == "" {
		return false
	}
	return node.RateLimit >= 0
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	mainnet, _ := chains.Get(chains.EthereumMainnet)

	return &Config{
		Indexer: &IndexerConfig{
			Source:     "etherscan",
			BaseURL:    "https://api.etherscan.io/v2/api",
			RateLimit:  5,
			PageSize:   1000,
			MaxPages:   10,
			Timeout:    30 * time.Second,
			FromBlock:  0,
			BlockChunk: 50000,
		},
		RPC: &RPCConfig{
			Nodes: []*NodeConfig{
				{
					Name:      "public_node",
					URL:       mainnet.RPCURL,
					Type:      "public",
					RateLimit: 10,
					Priority:  1,
				},
			},
			Timeout:             10 * time.Second,
			RateLimit:           10,
			ConfirmWorkers:      4,
			HealthCheckInterval: 30 * time.Second,
		},
		Risk: &RiskConfig{
			KnownSpenders: []string{},
		},
		Storage: &StorageConfig{
			Driver:          "memory",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			AutoMigrate:     true,
		},
		Cache: &CacheConfig{
			Backend: "memory",
			Path:    "./data/scan_cache.db",
			TTL:     time.Hour,
		},
		Scanner: &ScannerConfig{
			ScanTimeout:      5 * time.Minute,
			CoalesceRequests: true,
		},
		Tasks: &TaskConfig{
			Queue:          "local",
			Workers:        2,
			QueueSize:      100,
			MaxRetries:     3,
			RetryBaseDelay: 60 * time.Second,
			Topic:          "approval_scan_tasks",
			GroupID:        "approvalscan-workers",
		},
		Output: &OutputConfig{
			Format:    "none",
			Directory: "./outputs",
			Topic:     "approval_scan_reports",
		},
		Kafka: &KafkaConfig{
			Brokers:  []string{"localhost:9092"},
			Version:  "2.1.0",
			ClientID: "approvalscan",
		},
		API: &APIConfig{
			Listen:        ":8080",
			RateLimit:     10,
			RateWindow:    time.Minute,
			LogBufferSize: 1000,
		},
		Logging: &logging.LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}
