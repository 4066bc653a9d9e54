// Package config 提供 TOML 配置加载、环境变量覆盖与基本校验；不支持配置热更
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config 基础配置结构
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 服务版本
	Version string `mapstructure:"version"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`
	// HTTP 服务配置（管理接口）
	HTTP HTTPConfig `mapstructure:"http"`
	// 会话层网关配置
	Gateway GatewayConfig `mapstructure:"gateway"`
	// FIX 网关监听/身份配置
	Fix FixGatewayConfig `mapstructure:"fix"`
	// ILink3 网关拨号/身份配置
	ILink3 ILink3GatewayConfig `mapstructure:"ilink3"`
	// 数据库配置
	Database DatabaseConfig `mapstructure:"database"`
	// Redis 配置
	Redis RedisConfig `mapstructure:"redis"`
	// Kafka 配置
	Kafka KafkaConfig `mapstructure:"kafka"`
	// 日志配置
	Logger LoggerConfig `mapstructure:"logger"`
	// 指标配置
	Metrics MetricsConfig `mapstructure:"metrics"`
	// 限流配置
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// GatewayConfig 会话层配置：FIX/ILink3 共用的计时器与重连行为
type GatewayConfig struct {
	// 心跳间隔（毫秒）
	HeartbeatIntervalMs int64 `mapstructure:"heartbeat_interval_ms" default:"30000"`
	// ILink3 KeepAlive 间隔（毫秒），不得超过对端协商出的上限
	KeepAliveIntervalMs int64 `mapstructure:"keep_alive_interval_ms" default:"5000"`
	// 等待对端回复的超时（毫秒）
	ReplyTimeoutMs int64 `mapstructure:"reply_timeout_ms" default:"5000"`
	// Negotiate/Establish 超时（毫秒）
	NegotiateTimeoutMs int64 `mapstructure:"negotiate_timeout_ms" default:"5000"`
	// 是否在建立会话时重置序号
	ResetSeqNum bool `mapstructure:"reset_seq_num" default:"false"`
	// 传输故障后是否自动重连到上一次的连接
	ReEstablishLastConnection bool `mapstructure:"re_establish_last_connection" default:"true"`
	// 是否使用备用主机
	UseBackupHost bool `mapstructure:"use_backup_host" default:"false"`
	// 单个 Retransmit 批次的最大消息数
	RetransmitBatchMax int `mapstructure:"retransmit_batch_max" default:"2500"`
	// 视为“合理传输时间”的上限（毫秒）：FIX 会话静默超过心跳间隔加上此值后发送 TestRequest（为 0 时取心跳间隔的一半）
	ReasonableTransmissionTimeMs int64 `mapstructure:"reasonable_transmission_time_ms" default:"15000"`
	// SendingTime 允许偏离本地时钟的窗口（毫秒）
	SendingTimeWindowMs int64 `mapstructure:"sending_time_window_ms" default:"60000"`
	// 序号存储文件所在目录
	LogFileDir string `mapstructure:"log_file_dir" default:"data/sequence"`
}

// FixGatewayConfig FIX 接入方（acceptor）的监听地址与身份信息
type FixGatewayConfig struct {
	// TCP 监听地址
	ListenAddr string `mapstructure:"listen_addr" default:":9878"`
	// 本端 CompID
	SenderCompID string `mapstructure:"sender_comp_id"`
	// 对端 CompID
	TargetCompID string `mapstructure:"target_comp_id"`
	// 会话目录分组键，用于区分同一 CompositeKey 下的不同市场主机
	HostProfile string `mapstructure:"host_profile" default:"default"`
	// 登录用户名/密码
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// ILink3GatewayConfig ILink3 发起方（initiator）的拨号地址与身份信息
type ILink3GatewayConfig struct {
	// 交易所主机地址
	DialAddr string `mapstructure:"dial_addr"`
	// Negotiate AccessKeyID/FirmID
	AccessKeyID string `mapstructure:"access_key_id"`
	FirmID      string `mapstructure:"firm_id"`
	// 会话目录分组键，对应不同的市场主机（见 spec.md §4.1 的 host_profile 说明）
	HostProfile string `mapstructure:"host_profile" default:"default"`
	// 雪花算法节点号，用于生成连接 uuid
	SnowflakeNodeID int64 `mapstructure:"snowflake_node_id" default:"1"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	// 是否启用
	Enabled bool `mapstructure:"enabled" default:"false"`
	// 每秒允许的请求数
	QPS int `mapstructure:"qps" default:"100"`
	// 突发容量
	Burst int `mapstructure:"burst" default:"200"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	// 监听地址
	Host string `mapstructure:"host" default:"0.0.0.0"`
	// 监听端口
	Port int `mapstructure:"port" default:"8080"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout" default:"30"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout" default:"30"`
	// 最大连接数
	MaxConnections int `mapstructure:"max_connections" default:"1000"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动：db.Init 目前只支持 mysql
	Driver string `mapstructure:"driver" default:"mysql"`
	// 数据源名称
	DSN string `mapstructure:"dsn"`
	// 最大连接数
	MaxOpenConns int `mapstructure:"max_open_conns" default:"25"`
	// 最大空闲连接数
	MaxIdleConns int `mapstructure:"max_idle_conns" default:"5"`
	// 连接最大生命周期（秒）
	ConnMaxLifetime int `mapstructure:"conn_max_lifetime" default:"300"`
	// 是否启用日志
	LogEnabled bool `mapstructure:"log_enabled" default:"false"`
	// 慢查询阈值（毫秒）
	SlowQueryThreshold int `mapstructure:"slow_query_threshold" default:"1000"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 主机地址
	Host string `mapstructure:"host" default:"localhost"`
	// 端口
	Port int `mapstructure:"port" default:"6379"`
	// 密码
	Password string `mapstructure:"password"`
	// 数据库编号
	DB int `mapstructure:"db" default:"0"`
	// 最大连接数
	MaxPoolSize int `mapstructure:"max_pool_size" default:"10"`
	// 连接超时（秒）
	ConnTimeout int `mapstructure:"conn_timeout" default:"5"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout" default:"3"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout" default:"3"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	// Broker 地址列表
	Brokers []string `mapstructure:"brokers"`
	// Consumer Group ID
	GroupID string `mapstructure:"group_id"`
	// 分区数
	Partitions int `mapstructure:"partitions" default:"3"`
	// 副本数
	Replication int `mapstructure:"replication" default:"1"`
	// 消费者超时（秒）
	SessionTimeout int `mapstructure:"session_timeout" default:"10"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	// 日志级别
	Level string `mapstructure:"level" default:"info"`
	// 输出格式
	Format string `mapstructure:"format" default:"json"`
	// 输出目标
	Output string `mapstructure:"output" default:"stdout"`
	// 文件路径
	FilePath string `mapstructure:"file_path" default:"logs/app.log"`
	// 最大文件大小（MB）
	MaxSize int `mapstructure:"max_size" default:"100"`
	// 最大备份文件数
	MaxBackups int `mapstructure:"max_backups" default:"10"`
	// 最大保留天数
	MaxAge int `mapstructure:"max_age" default:"30"`
	// 是否压缩
	Compress bool `mapstructure:"compress" default:"true"`
	// 是否输出调用者信息
	WithCaller bool `mapstructure:"with_caller" default:"true"`
	// 是否输出堆栈跟踪
	WithStacktrace bool `mapstructure:"with_stacktrace" default:"false"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `mapstructure:"enabled" default:"true"`
	// Prometheus 监听端口
	Port int `mapstructure:"port" default:"9090"`
	// 指标路径
	Path string `mapstructure:"path" default:"/metrics"`
}

// Load 从 TOML 文件加载配置，支持环境变量覆盖
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// 设置配置文件
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// 设置环境变量前缀
	v.SetEnvPrefix("APP")
	// 自动绑定环境变量（使用 _ 替代 .）
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 验证配置
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults 从 TOML 文件加载配置，使用默认值
func LoadWithDefaults(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 设置配置文件
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	// 读取配置文件（如果不存在则忽略）
	_ = v.ReadInConfig()

	// 设置环境变量前缀
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 验证配置
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.Database.DSN == "" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("database DSN is required for %s driver", c.Database.Driver)
	}
	if c.Gateway.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("gateway.heartbeat_interval_ms must be positive")
	}
	if c.Gateway.RetransmitBatchMax <= 0 {
		return fmt.Errorf("gateway.retransmit_batch_max must be positive")
	}
	if c.Gateway.LogFileDir == "" {
		return fmt.Errorf("gateway.log_file_dir is required")
	}
	return nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30)
	v.SetDefault("http.write_timeout", 30)
	v.SetDefault("http.max_connections", 1000)

	v.SetDefault("gateway.heartbeat_interval_ms", 30000)
	v.SetDefault("gateway.keep_alive_interval_ms", 5000)
	v.SetDefault("gateway.reply_timeout_ms", 5000)
	v.SetDefault("gateway.negotiate_timeout_ms", 5000)
	v.SetDefault("gateway.reset_seq_num", false)
	v.SetDefault("gateway.re_establish_last_connection", true)
	v.SetDefault("gateway.use_backup_host", false)
	v.SetDefault("gateway.retransmit_batch_max", 2500)
	v.SetDefault("gateway.reasonable_transmission_time_ms", 15000)
	v.SetDefault("gateway.sending_time_window_ms", 60000)
	v.SetDefault("gateway.log_file_dir", "data/sequence")

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.qps", 100)
	v.SetDefault("rate_limit.burst", 200)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.log_enabled", false)
	v.SetDefault("database.slow_query_threshold", 1000)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_pool_size", 10)
	v.SetDefault("redis.conn_timeout", 5)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/app.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.with_caller", true)
	v.SetDefault("logger.with_stacktrace", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("fix.listen_addr", ":9878")
	v.SetDefault("fix.host_profile", "default")

	v.SetDefault("ilink3.host_profile", "default")
	v.SetDefault("ilink3.snowflake_node_id", 1)
}

// GetEnv 获取环境变量，支持默认值
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
