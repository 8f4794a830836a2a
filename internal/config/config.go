package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	xerrors "EasyCash-Core/internal/errors"
	"EasyCash-Core/pkg/logger"
)

// 受支持的运行环境。
const (
	EnvMainnet = "mainnet"
	EnvTestnet = "testnet"
	EnvDevnet  = "devnet"
)

// Duration 包装 time.Duration，支持 "30s" 这样的 YAML 字面量。
type Duration time.Duration

// UnmarshalYAML 实现 yaml.Unmarshaler。
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("解析时长 %q 失败: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std 返回标准库的 time.Duration。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config 描述了 EasyCash 守护进程启动阶段需要加载的全部配置。
type Config struct {
	Environment string         `yaml:"environment"`
	Server      ServerConfig   `yaml:"server"`
	Agent       AgentConfig    `yaml:"agent"`
	Pipeline    PipelineConfig `yaml:"pipeline"`
	ZK          ZKConfig       `yaml:"zk"`
	Cache       CacheConfig    `yaml:"cache"`
	Routing     RoutingConfig  `yaml:"routing"`
	Metrics     MetricsConfig  `yaml:"metrics"`
	RateLimit   RateConfig     `yaml:"rate_limit"`
	Signer      SignerConfig   `yaml:"signer"`
	Ledger      LedgerConfig   `yaml:"ledger"`
	Events      EventsConfig   `yaml:"events"`
	Logging     logger.Config  `yaml:"logging"`
}

// ServerConfig 控制 REST API 服务的监听参数。
type ServerConfig struct {
	Address string   `yaml:"address"`
	APIKeys []string `yaml:"api_keys"`
}

// AgentConfig 描述代理网络的接入方式。
type AgentConfig struct {
	// Mode 为 network 时接入真实代理网络，为 static 时使用内置模拟代理。
	Mode     string `yaml:"mode"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// PipelineConfig 约束编排器的重试与超时。
type PipelineConfig struct {
	Timeout            Duration `yaml:"timeout"`
	MaxRetries         int      `yaml:"max_retries"`
	RetryBackoff       Duration `yaml:"retry_backoff"`
	NegotiationTimeout Duration `yaml:"negotiation_timeout"`
	ProverTimeout      Duration `yaml:"prover_timeout"`
	SubmitTimeout      Duration `yaml:"submit_timeout"`
}

// ZKConfig 控制零知识证明路径。
type ZKConfig struct {
	Enabled       bool     `yaml:"enabled"`
	ProofCacheTTL Duration `yaml:"proof_cache_ttl"`
	CircuitPath   string   `yaml:"circuit_path"`
}

// CacheConfig 控制路由缓存。
type CacheConfig struct {
	Enabled bool        `yaml:"enabled"`
	TTL     Duration    `yaml:"ttl"`
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig 描述 Redis 缓存后端的连接信息。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RoutingConfig 控制报价评分与协商窗口。
type RoutingConfig struct {
	WeightCost     float64  `yaml:"weight_cost"`
	WeightSpeed    float64  `yaml:"weight_speed"`
	WeightSecurity float64  `yaml:"weight_security"`
	Window         Duration `yaml:"window"`
}

// MetricsConfig 控制指标聚合与导出。
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RateConfig 控制入口限流。
type RateConfig struct {
	Enabled     bool     `yaml:"enabled"`
	MaxRequests int      `yaml:"max_requests"`
	Window      Duration `yaml:"window"`
}

// SignerConfig 描述交易签名私钥，生产环境应通过环境变量注入。
type SignerConfig struct {
	PrivateKey string `yaml:"private_key"`
}

// LedgerConfig 描述执行流水的存储后端。
type LedgerConfig struct {
	// Driver 为 memory 或 mysql。
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// EventsConfig 描述结算事件的投递后端。
type EventsConfig struct {
	// Driver 为 none、memory 或 rabbitmq。
	Driver  string `yaml:"driver"`
	URL     string `yaml:"url"`
	Queue   string `yaml:"queue"`
	Durable bool   `yaml:"durable"`
}

// Load 解析 YAML 配置文件并叠加环境变量，path 为空时仅使用环境与默认值。
func Load(path string) (*Config, error) {
	// .env 文件缺失不是错误。
	_ = godotenv.Load()

	// 开关类选项默认开启，文件中的显式 false 会在反序列化时覆盖。
	cfg := &Config{}
	cfg.Metrics.Enabled = true
	cfg.Cache.Enabled = true
	cfg.RateLimit.Enabled = true
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "读取配置文件失败")
		}
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "解析配置文件失败")
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 返回仅由环境变量与默认值构成的配置。
func Default() *Config {
	cfg, _ := Load("")
	return cfg
}

// applyEnv 用 ECASH_* 环境变量覆盖文件配置。
func (c *Config) applyEnv() {
	if v := os.Getenv("ECASH_API_ENDPOINT"); v != "" {
		c.Agent.Endpoint = v
	}
	if v := os.Getenv("ECASH_API_KEY"); v != "" {
		c.Agent.APIKey = v
	}
	if v := os.Getenv("ECASH_ENV"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("ECASH_PRIVATE_KEY"); v != "" {
		c.Signer.PrivateKey = v
	}
	if v := os.Getenv("ECASH_MYSQL_DSN"); v != "" {
		c.Ledger.Driver = "mysql"
		c.Ledger.DSN = v
	}
	if v := os.Getenv("ECASH_REDIS_ADDR"); v != "" {
		c.Cache.Backend = "redis"
		c.Cache.Redis.Address = v
	}
	if v := os.Getenv("ECASH_RABBITMQ_URL"); v != "" {
		c.Events.Driver = "rabbitmq"
		c.Events.URL = v
	}
	if v := os.Getenv("ECASH_SERVER_ADDR"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("ECASH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ECASH_MAX_RETRIES"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			c.Pipeline.MaxRetries = parsed
		}
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = EnvMainnet
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Agent.Mode == "" {
		if c.Environment == EnvDevnet {
			c.Agent.Mode = "static"
		} else {
			c.Agent.Mode = "network"
		}
	}
	if c.Agent.Endpoint == "" {
		c.Agent.Endpoint = "https://api.useeasy.cash"
	}
	if c.Pipeline.Timeout <= 0 {
		c.Pipeline.Timeout = Duration(30 * time.Second)
	}
	if c.Pipeline.MaxRetries <= 0 {
		c.Pipeline.MaxRetries = 3
	}
	if c.Pipeline.RetryBackoff <= 0 {
		c.Pipeline.RetryBackoff = Duration(2 * time.Second)
	}
	// 未单独设置的阶段超时回退到整体超时。
	if c.Pipeline.NegotiationTimeout <= 0 {
		c.Pipeline.NegotiationTimeout = c.Pipeline.Timeout
	}
	if c.Pipeline.ProverTimeout <= 0 {
		c.Pipeline.ProverTimeout = c.Pipeline.Timeout
	}
	if c.Pipeline.SubmitTimeout <= 0 {
		c.Pipeline.SubmitTimeout = c.Pipeline.Timeout
	}
	if c.ZK.ProofCacheTTL <= 0 {
		c.ZK.ProofCacheTTL = Duration(5 * time.Minute)
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = Duration(time.Minute)
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Routing.WeightCost == 0 && c.Routing.WeightSpeed == 0 && c.Routing.WeightSecurity == 0 {
		c.Routing.WeightCost, c.Routing.WeightSpeed, c.Routing.WeightSecurity = 1, 1, 1
	}
	if c.Routing.Window <= 0 {
		c.Routing.Window = Duration(3 * time.Second)
	}
	if c.RateLimit.MaxRequests <= 0 {
		c.RateLimit.MaxRequests = 100
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = Duration(time.Minute)
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
}

// Validate 校验合并后的配置。
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvMainnet, EnvTestnet, EnvDevnet:
	default:
		return xerrors.New(xerrors.CodeInvalidConfig,
			fmt.Sprintf("未知的运行环境: %s", c.Environment))
	}
	if c.Pipeline.Timeout <= 0 {
		return xerrors.New(xerrors.CodeInvalidConfig, "timeout 必须大于 0")
	}
	if c.Pipeline.MaxRetries <= 0 {
		return xerrors.New(xerrors.CodeInvalidConfig, "max_retries 必须大于 0")
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return xerrors.New(xerrors.CodeInvalidConfig, "cache_ttl 必须大于 0")
	}
	if c.ZK.Enabled && c.ZK.ProofCacheTTL <= 0 {
		return xerrors.New(xerrors.CodeInvalidConfig, "proof_cache_ttl 必须大于 0")
	}
	if c.Routing.WeightCost < 0 || c.Routing.WeightSpeed < 0 || c.Routing.WeightSecurity < 0 {
		return xerrors.New(xerrors.CodeInvalidConfig, "路由权重不能为负数")
	}
	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		return xerrors.New(xerrors.CodeInvalidConfig,
			fmt.Sprintf("未知的缓存后端: %s", c.Cache.Backend))
	}
	if c.Ledger.Driver == "mysql" && c.Ledger.DSN == "" {
		return xerrors.New(xerrors.CodeInvalidConfig, "mysql 流水后端需要配置 DSN")
	}
	if c.Events.Driver == "rabbitmq" && c.Events.URL == "" {
		return xerrors.New(xerrors.CodeInvalidConfig, "rabbitmq 事件后端需要配置 URL")
	}
	return nil
}
