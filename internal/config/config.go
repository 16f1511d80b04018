// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Chunk         ChunkConfig         `mapstructure:"chunk"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Financial     FinancialConfig     `mapstructure:"financial"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// JWTConfig 存储 JWT 校验所需的密钥。令牌由外部认证服务签发。
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// TikaConfig 存储 Tika 服务器相关的配置。为空表示不启用。
type TikaConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。归档镜像是可选的。
type MinIOConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// EmbeddingConfig 存储 Embedding 模型及其调用策略的配置。
type EmbeddingConfig struct {
	APIKey         string  `mapstructure:"api_key"`
	BaseURL        string  `mapstructure:"base_url"`
	Model          string  `mapstructure:"model"`
	Dimensions     int     `mapstructure:"dimensions"`
	MaxAttempts    int     `mapstructure:"max_attempts"`
	BackoffBaseMs  int     `mapstructure:"backoff_base_ms"`
	BackoffCapMs   int     `mapstructure:"backoff_cap_ms"`
	QPS            float64 `mapstructure:"qps"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// LLMConfig 存储对话模型的配置，仅用于分类兜底提示。
type LLMConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ChunkConfig 控制知识条目的切块大小（单位：token）。
type ChunkConfig struct {
	Size    int `mapstructure:"size"`
	Overlap int `mapstructure:"overlap"`
}

// PipelineConfig 存储入库流水线的配置。
type PipelineConfig struct {
	Root                   string `mapstructure:"root"`
	Workers                int    `mapstructure:"workers"`
	CPUWorkers             int    `mapstructure:"cpu_workers"`
	QueueWatermark         int    `mapstructure:"queue_watermark"`
	ChapterMinBodyLength   int    `mapstructure:"chapter_min_body_length"`
	DuplicateDefaultPolicy string `mapstructure:"duplicate_default_policy"`
	LeaseTTLSeconds        int    `mapstructure:"lease_ttl_seconds"`
	MaxFileSizeMB          int    `mapstructure:"max_file_size_mb"`
	ResumeCron             string `mapstructure:"resume_cron"`
	// SeedDir 下的文件在启动时按普通上传导入，为空则跳过。
	SeedDir                string `mapstructure:"seed_dir"`
}

// FinancialConfig 控制财务报告按年度拆分的后置增强。
type FinancialConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TempDir 返回上传临时目录。
func (p PipelineConfig) TempDir() string { return filepath.Join(p.Root, "uploads", "temp") }

// ArchiveDir 返回归档根目录。
func (p PipelineConfig) ArchiveDir() string { return filepath.Join(p.Root, "archive") }

// ImagesDir 返回图片目录。
func (p PipelineConfig) ImagesDir() string { return filepath.Join(p.Root, "images") }

// LogsDir 返回日志目录。
func (p PipelineConfig) LogsDir() string { return filepath.Join(p.Root, "logs") }

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8001")
	v.SetDefault("server.mode", "release")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("database.mysql.max_idle_conns", 10)
	v.SetDefault("database.mysql.max_open_conns", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 10)
	v.SetDefault("kafka.topic", "bidkb-file-tasks")
	v.SetDefault("kafka.group_id", "bidkb-pipeline")
	v.SetDefault("elasticsearch.index_name", "bid_knowledge")
	v.SetDefault("embedding.dimensions", 1024)
	v.SetDefault("embedding.max_attempts", 3)
	v.SetDefault("embedding.backoff_base_ms", 1000)
	v.SetDefault("embedding.backoff_cap_ms", 30000)
	v.SetDefault("embedding.qps", 5)
	v.SetDefault("embedding.timeout_seconds", 60)
	v.SetDefault("llm.timeout_seconds", 30)
	v.SetDefault("chunk.size", 512)
	v.SetDefault("chunk.overlap", 64)
	v.SetDefault("pipeline.root", "./data")
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.cpu_workers", 2)
	v.SetDefault("pipeline.queue_watermark", 200)
	v.SetDefault("pipeline.chapter_min_body_length", 40)
	v.SetDefault("pipeline.duplicate_default_policy", "skip")
	v.SetDefault("pipeline.lease_ttl_seconds", 300)
	v.SetDefault("pipeline.max_file_size_mb", 50)
	v.SetDefault("pipeline.resume_cron", "@every 1m")
}

// Load 读取指定路径的 YAML 文件并返回解析后的配置，环境变量 BIDKB_* 可覆盖同名键。
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BIDKB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return cfg, nil
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
