package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ChaosCore/pkg/logger"
)

// 环境变量覆盖项。
const (
	EnvConfigPath      = "CHAOSCORE_CONFIG"
	EnvMySQLDSN        = "CHAOSCORE_MYSQL_DSN"
	EnvAnchorKey       = "CHAOSCORE_ANCHOR_PRIVATE_KEY"
	EnvRedisPassword   = "CHAOSCORE_REDIS_PASSWORD"
	EnvRabbitMQURL     = "CHAOSCORE_RABBITMQ_URL"
	defaultConfigFile  = "chaoscore.yaml"
	defaultAnchorGas   = 100_000
	defaultAnchorLimit = 30 * time.Second
)

// Config 描述 chaoscored 启动时需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        logger.Config    `yaml:"log"`
	Storage    StorageConfig    `yaml:"storage"`
	Directory  DirectoryConfig  `yaml:"directory"`
	Anchor     AnchorConfig     `yaml:"anchor"`
	Reward     RewardConfig     `yaml:"reward"`
	Reputation ReputationConfig `yaml:"reputation"`
	Events     EventsConfig     `yaml:"events"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址、跨域与限流。
type ServerConfig struct {
	Address        string   `yaml:"address"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// StorageConfig 选择账本与信誉历史的持久化驱动。
type StorageConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `yaml:"conn_max_idle_time_seconds"`
}

// DirectoryConfig 描述智能体目录的来源。
type DirectoryConfig struct {
	Driver string        `yaml:"driver"`
	Agents []AgentEntry  `yaml:"agents"`
	Redis  RedisSettings `yaml:"redis"`
}

// AgentEntry 是静态目录中的一条智能体记录。
type AgentEntry struct {
	ID       string `yaml:"id"`
	Inactive bool   `yaml:"inactive"`
}

// RedisSettings 是 Redis 连接参数。
type RedisSettings struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// AnchorConfig 描述锚定网关。
type AnchorConfig struct {
	Driver         string `yaml:"driver"`
	RPCURL         string `yaml:"rpc_url"`
	ChainID        int64  `yaml:"chain_id"`
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyEnv  string `yaml:"private_key_env"`
	ToAddress      string `yaml:"to_address"`
	GasLimit       uint64 `yaml:"gas_limit"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout 返回单次锚定调用的超时时间。
func (c AnchorConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return defaultAnchorLimit
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RewardConfig 是奖励策略参数。字段为 nil 表示未配置，显式的 0 会被保留。
type RewardConfig struct {
	BaseReward        *float64 `yaml:"base_reward"`
	VerifierShare     *float64 `yaml:"verifier_share"`
	FailureMultiplier *float64 `yaml:"failure_multiplier"`
}

// Float64 返回 v 的指针，便于构造 RewardConfig。
func Float64(v float64) *float64 {
	return &v
}

// ReputationConfig 是信誉计算参数。
type ReputationConfig struct {
	ActionQualityWeight    float64 `yaml:"action_quality_weight"`
	VerificationWeight     float64 `yaml:"verification_weight"`
	ConsistencyWeight      float64 `yaml:"consistency_weight"`
	VerificationPoints     float64 `yaml:"verification_points"`
	RefreshIntervalSeconds int     `yaml:"refresh_interval_seconds"`
	Concurrency            int     `yaml:"concurrency"`
}

// RefreshInterval 返回周期性刷新信誉的间隔，0 表示关闭。
func (c ReputationConfig) RefreshInterval() time.Duration {
	if c.RefreshIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// EventsConfig 选择里程碑事件的投递方式。
type EventsConfig struct {
	Driver   string         `yaml:"driver"`
	Redis    RedisSettings  `yaml:"redis"`
	RabbitMQ RabbitSettings `yaml:"rabbitmq"`
}

// RabbitSettings 是 RabbitMQ 连接参数。
type RabbitSettings struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
	Durable  bool   `yaml:"durable"`
}

// MetricsConfig 控制 Prometheus 指标端点。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// RuntimeConfig 放置运行时通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// DefaultPath 返回配置文件路径，优先读取 CHAOSCORE_CONFIG。
func DefaultPath() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return filepath.Join("configs", defaultConfigFile)
}

// Load 解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(content, filepath.Dir(path))
}

// Parse 解析 YAML 内容并补全默认值，baseDir 用于解析相对路径。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if dsn := strings.TrimSpace(os.Getenv(EnvMySQLDSN)); dsn != "" {
		c.Storage.DSN = dsn
	}
	keyEnv := c.Anchor.PrivateKeyEnv
	if keyEnv == "" {
		keyEnv = EnvAnchorKey
	}
	if key := strings.TrimSpace(os.Getenv(keyEnv)); key != "" {
		c.Anchor.PrivateKey = key
	}
	if pw := os.Getenv(EnvRedisPassword); pw != "" {
		c.Directory.Redis.Password = pw
		c.Events.Redis.Password = pw
	}
	if url := strings.TrimSpace(os.Getenv(EnvRabbitMQURL)); url != "" {
		c.Events.RabbitMQ.URL = url
	}
}

// applyDefaults 在用户未填写部分字段时设置默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = int(math.Ceil(c.Server.RateLimitRPS))
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Directory.Driver == "" {
		c.Directory.Driver = "memory"
	}
	if c.Directory.Redis.Key == "" {
		c.Directory.Redis.Key = "chaoscore:agents"
	}
	if c.Anchor.Driver == "" {
		c.Anchor.Driver = "memory"
	}
	if c.Anchor.GasLimit == 0 {
		c.Anchor.GasLimit = defaultAnchorGas
	}
	if c.Reward.BaseReward == nil {
		c.Reward.BaseReward = Float64(100)
	}
	if c.Reward.VerifierShare == nil {
		c.Reward.VerifierShare = Float64(0.10)
	}
	if c.Reward.FailureMultiplier == nil {
		c.Reward.FailureMultiplier = Float64(0.25)
	}
	r := &c.Reputation
	if r.ActionQualityWeight == 0 && r.VerificationWeight == 0 && r.ConsistencyWeight == 0 {
		r.ActionQualityWeight, r.VerificationWeight, r.ConsistencyWeight = 0.5, 0.3, 0.2
	}
	if r.VerificationPoints == 0 {
		r.VerificationPoints = 10
	}
	if r.Concurrency <= 0 {
		r.Concurrency = 4
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Redis.Key == "" {
		c.Events.Redis.Key = "chaoscore:events"
	}
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "chaoscore.events"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path == "" {
		c.Log.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

// Validate 检查驱动名称与策略参数是否合法。
func (c *Config) Validate() error {
	if !oneOf(c.Storage.Driver, "memory", "mysql") {
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}
	for _, proxy := range c.Server.TrustedProxies {
		if !validProxy(strings.TrimSpace(proxy)) {
			return fmt.Errorf("无效的可信代理: %s", proxy)
		}
	}
	if c.Storage.Driver == "mysql" && strings.TrimSpace(c.Storage.DSN) == "" {
		return errors.New("mysql 存储需要配置 dsn")
	}
	if !oneOf(c.Directory.Driver, "memory", "redis") {
		return fmt.Errorf("未知的目录驱动: %s", c.Directory.Driver)
	}
	if !oneOf(c.Anchor.Driver, "memory", "ethereum") {
		return fmt.Errorf("未知的锚定驱动: %s", c.Anchor.Driver)
	}
	if c.Anchor.Driver == "ethereum" && strings.TrimSpace(c.Anchor.RPCURL) == "" {
		return errors.New("ethereum 锚定需要配置 rpc_url")
	}
	if !oneOf(c.Events.Driver, "memory", "redis", "rabbitmq", "none") {
		return fmt.Errorf("未知的事件驱动: %s", c.Events.Driver)
	}
	for _, v := range []*float64{c.Reward.BaseReward, c.Reward.VerifierShare, c.Reward.FailureMultiplier} {
		if v != nil && *v < 0 {
			return errors.New("奖励参数不能为负数")
		}
	}
	r := c.Reputation
	sum := r.ActionQualityWeight + r.VerificationWeight + r.ConsistencyWeight
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("信誉权重之和必须为 1.0，当前为 %.4f", sum)
	}
	return nil
}

func validProxy(entry string) bool {
	if strings.Contains(entry, "/") {
		_, _, err := net.ParseCIDR(entry)
		return err == nil
	}
	return net.ParseIP(entry) != nil
}

func oneOf(value string, options ...string) bool {
	for _, opt := range options {
		if value == opt {
			return true
		}
	}
	return false
}
