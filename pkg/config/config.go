package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 COMMENTS_CHAIN_RPC_URL
const EnvPrefix = "COMMENTS"

// Config 应用配置
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Signer   SignerConfig   `mapstructure:"signer"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Indexer  IndexerConfig  `mapstructure:"indexer"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Limits   LimitsConfig   `mapstructure:"limits"`
}

// AppConfig 应用配置
type AppConfig struct {
	Name      string `mapstructure:"name"`
	Version   string `mapstructure:"version"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Mode      string `mapstructure:"mode"`
	// MachineID 雪花ID机器号，多实例部署时必须不同
	MachineID int64 `mapstructure:"machine_id"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTP HTTPConfig `mapstructure:"http"`
	GRPC GRPCConfig `mapstructure:"grpc"`
}

// HTTPConfig HTTP服务配置
type HTTPConfig struct {
	Network string `mapstructure:"network"`
	Addr    string `mapstructure:"addr"`
	Timeout string `mapstructure:"timeout"`
}

// GRPCConfig gRPC服务配置（健康检查端口）
type GRPCConfig struct {
	Network string `mapstructure:"network"`
	Addr    string `mapstructure:"addr"`
	Timeout string `mapstructure:"timeout"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level string `mapstructure:"level"`
}

// ChainConfig 链与类型化数据域配置
type ChainConfig struct {
	RPCURL     string `mapstructure:"rpc_url"`
	ChainID    int64  `mapstructure:"chain_id"`
	Contract   string `mapstructure:"contract"`
	DomainName string `mapstructure:"domain_name"`
	// Memory 使用内存账本（开发模式）
	Memory bool `mapstructure:"memory"`
}

// SignerConfig 签名密钥，十六进制私钥
type SignerConfig struct {
	AppPrivateKey     string `mapstructure:"app_private_key"`
	RelayerPrivateKey string `mapstructure:"relayer_private_key"`
}

// RelayConfig 代付与提交配置
type RelayConfig struct {
	GaslessEnabled bool          `mapstructure:"gasless_enabled"`
	AwaitTimeout   time.Duration `mapstructure:"await_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	DeadlineTTL    time.Duration `mapstructure:"deadline_ttl"`
	Retry          RetryConfig   `mapstructure:"retry"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
}

// RetryConfig 传输失败重试策略
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

// IndexerConfig 索引服务配置
type IndexerConfig struct {
	URL      string `mapstructure:"url"`
	PageSize int    `mapstructure:"page_size"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	PostgreSQL PostgreSQLConfig `mapstructure:"postgresql"`
}

// PostgreSQLConfig PostgreSQL配置
type PostgreSQLConfig struct {
	DSN    string `mapstructure:"dsn"`
	DBName string `mapstructure:"db_name"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	Topic   string   `mapstructure:"topic"`
}

// LimitsConfig 限流与内容限制
type LimitsConfig struct {
	RatePerSecond    float64  `mapstructure:"rate_per_second"`
	Burst            int      `mapstructure:"burst"`
	MaxContentLength int      `mapstructure:"max_content_length"`
	DenyWords        []string `mapstructure:"deny_words"`
}

// setDefaults 默认值
func setDefaults(v *viper.Viper, serviceName string) {
	v.SetDefault("app.name", serviceName)
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.jwt_secret", "comments-relay-dev")
	v.SetDefault("app.mode", "debug")
	v.SetDefault("app.machine_id", 1)

	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":21021")
	v.SetDefault("server.http.timeout", "30s")
	v.SetDefault("server.grpc.network", "tcp")
	v.SetDefault("server.grpc.addr", ":22021")
	v.SetDefault("server.grpc.timeout", "30s")

	v.SetDefault("logger.level", "info")

	v.SetDefault("chain.rpc_url", "http://localhost:8545")
	v.SetDefault("chain.chain_id", 31337)
	v.SetDefault("chain.contract", "0xb262C9278fBcac384Ef59Fc49E24d800152E19b1")
	v.SetDefault("chain.domain_name", "Ethereum Comments Protocol")
	v.SetDefault("chain.memory", false)

	v.SetDefault("relay.gasless_enabled", true)
	v.SetDefault("relay.await_timeout", 30*time.Second)
	v.SetDefault("relay.poll_interval", time.Second)
	v.SetDefault("relay.deadline_ttl", 5*time.Minute)
	v.SetDefault("relay.lock_ttl", 15*time.Second)
	v.SetDefault("relay.retry.max_attempts", 4)
	v.SetDefault("relay.retry.initial_interval", 200*time.Millisecond)
	v.SetDefault("relay.retry.max_interval", 2*time.Second)
	v.SetDefault("relay.retry.multiplier", 2.0)

	v.SetDefault("indexer.url", "http://localhost:42069")
	v.SetDefault("indexer.page_size", 50)

	v.SetDefault("database.postgresql.dsn", "host=localhost user=postgres password=postgres dbname=comments_relay port=5432 sslmode=disable TimeZone=UTC")
	v.SetDefault("database.postgresql.db_name", "comments_relay")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", serviceName+"-group")
	v.SetDefault("kafka.topic", "comment-events")

	v.SetDefault("limits.rate_per_second", 10.0)
	v.SetDefault("limits.burst", 20)
	v.SetDefault("limits.max_content_length", 10240)
}

// Flags 服务的命令行参数，名称与配置键一致
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "config file path")
	fs.String("server.http.addr", "", "http listen address")
	fs.String("server.grpc.addr", "", "grpc listen address")
	fs.String("logger.level", "", "log level")
	fs.String("chain.rpc_url", "", "json-rpc endpoint")
	fs.Bool("chain.memory", false, "use the in-memory ledger")
	fs.Bool("relay.gasless_enabled", true, "allow relayer-paid submissions")
	return fs
}

// Load 读取配置：默认值 < 配置文件 < 环境变量 < 显式设置的命令行参数。
// fs 可为 nil
func Load(serviceName string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, serviceName)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("..")
	v.AddConfigPath("../..")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if path, _ := fs.GetString("config"); path != "" {
			v.SetConfigFile(path)
		}
		// 只绑定显式设置的参数，未设置的不覆盖文件与环境变量
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Changed && f.Name != "config" {
				_ = v.BindPFlag(f.Name, f)
			}
		})
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// LoadConfig 只使用默认值、配置文件和环境变量
func LoadConfig(serviceName string) *Config {
	cfg, err := Load(serviceName, nil)
	if err != nil {
		panic(fmt.Sprintf("load config for %s: %v", serviceName, err))
	}
	return cfg
}
