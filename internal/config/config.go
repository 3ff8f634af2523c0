// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Index     IndexConfig     `mapstructure:"index"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig controls access to the relational job store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// BlobConfig holds MinIO connection settings.
type BlobConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Region    string `mapstructure:"region"`
}

// IndexConfig holds Elasticsearch settings for the progress indexer.
type IndexConfig struct {
	Addresses     []string `mapstructure:"addresses"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
	FlushDocs     int      `mapstructure:"flush_docs"`
	FlushSeconds  int      `mapstructure:"flush_seconds"`
	BufferDocs    int      `mapstructure:"buffer_docs"`
	RetentionDays int      `mapstructure:"retention_days"`
}

// QueueConfig selects and configures the task broker.
type QueueConfig struct {
	ProjectID         string `mapstructure:"project_id"`
	ConversionTopic   string `mapstructure:"conversion_topic"`
	CrawlerTopic      string `mapstructure:"crawler_topic"`
	SubscriptionBase  string `mapstructure:"subscription_base"`
	MemoryDepth       int    `mapstructure:"memory_depth"`
	ConversionWorkers int    `mapstructure:"conversion_workers"`
	CrawlerWorkers    int    `mapstructure:"crawler_workers"`
}

// CrawlerConfig governs crawl execution behavior (the §6.6 surface).
type CrawlerConfig struct {
	MaxConcurrentDownloads int    `mapstructure:"max_concurrent_downloads"`
	MaxConcurrentAssets    int    `mapstructure:"max_concurrent_assets"`
	DownloadTimeoutSeconds int    `mapstructure:"download_timeout_seconds"`
	UserAgent              string `mapstructure:"user_agent"`
	RespectRobotsTxt       bool   `mapstructure:"respect_robots_txt"`
	RateLimitPerSecond     int    `mapstructure:"rate_limit_per_second"`
	DefaultEngine          string `mapstructure:"default_engine"`
	HeadlessTimeoutSeconds int    `mapstructure:"headless_timeout_seconds"`
	MaxRetries             int    `mapstructure:"max_retries"`
	RetryDelayBaseSeconds  int    `mapstructure:"retry_delay_base_seconds"`
}

// PipelineConfig governs the split/convert/merge pipeline.
type PipelineConfig struct {
	MaxPagesPerDocument    int `mapstructure:"max_pages_per_document"`
	ResultTTLSeconds       int `mapstructure:"result_ttl_seconds"`
	SoftTimeoutMinutes     int `mapstructure:"soft_timeout_minutes"`
	HardTimeoutMinutes     int `mapstructure:"hard_timeout_minutes"`
	MergeGraceMinutes      int `mapstructure:"merge_grace_minutes"`
	MergeRetryDelaySeconds int `mapstructure:"merge_retry_delay_seconds"`
	InlineMarkdownMaxBytes int `mapstructure:"inline_markdown_max_bytes"`
}

// SchedulerConfig controls the trigger loop.
type SchedulerConfig struct {
	MaxTriggerTTLMinutes int `mapstructure:"max_trigger_ttl_minutes"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGESTIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("blob.endpoint", "localhost:9000")
	v.SetDefault("blob.use_ssl", false)
	v.SetDefault("index.addresses", []string{"http://localhost:9200"})
	v.SetDefault("index.flush_docs", 100)
	v.SetDefault("index.flush_seconds", 5)
	v.SetDefault("index.buffer_docs", 10000)
	v.SetDefault("index.retention_days", 7)
	v.SetDefault("queue.conversion_topic", "ingestify-conversion")
	v.SetDefault("queue.crawler_topic", "ingestify-crawler")
	v.SetDefault("queue.subscription_base", "ingestify-workers")
	v.SetDefault("queue.memory_depth", 1024)
	v.SetDefault("queue.conversion_workers", 4)
	v.SetDefault("queue.crawler_workers", 2)
	v.SetDefault("crawler.max_concurrent_downloads", 5)
	v.SetDefault("crawler.max_concurrent_assets", 10)
	v.SetDefault("crawler.download_timeout_seconds", 60)
	v.SetDefault("crawler.user_agent", "ingestify-bot/1.0")
	v.SetDefault("crawler.respect_robots_txt", true)
	v.SetDefault("crawler.rate_limit_per_second", 2)
	v.SetDefault("crawler.default_engine", "html_parser")
	v.SetDefault("crawler.headless_timeout_seconds", 30)
	v.SetDefault("crawler.max_retries", 4)
	v.SetDefault("crawler.retry_delay_base_seconds", 1)
	v.SetDefault("pipeline.max_pages_per_document", 2000)
	v.SetDefault("pipeline.result_ttl_seconds", 7*24*3600)
	v.SetDefault("pipeline.soft_timeout_minutes", 55)
	v.SetDefault("pipeline.hard_timeout_minutes", 60)
	v.SetDefault("pipeline.merge_grace_minutes", 30)
	v.SetDefault("pipeline.merge_retry_delay_seconds", 15)
	v.SetDefault("pipeline.inline_markdown_max_bytes", 64*1024)
	v.SetDefault("scheduler.max_trigger_ttl_minutes", 60)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.MaxConcurrentDownloads <= 0 {
		return fmt.Errorf("crawler.max_concurrent_downloads must be > 0")
	}
	if c.Crawler.MaxConcurrentAssets <= 0 {
		return fmt.Errorf("crawler.max_concurrent_assets must be > 0")
	}
	if c.Crawler.DownloadTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.download_timeout_seconds must be > 0")
	}
	switch c.Crawler.DefaultEngine {
	case "html_parser", "headless_browser":
	default:
		return fmt.Errorf("crawler.default_engine must be html_parser or headless_browser")
	}
	if c.Pipeline.MaxPagesPerDocument <= 0 {
		return fmt.Errorf("pipeline.max_pages_per_document must be > 0")
	}
	if c.Pipeline.SoftTimeoutMinutes >= c.Pipeline.HardTimeoutMinutes {
		return fmt.Errorf("pipeline.soft_timeout_minutes must be < hard_timeout_minutes")
	}
	if c.Index.FlushDocs <= 0 || c.Index.FlushSeconds <= 0 {
		return fmt.Errorf("index.flush_docs and index.flush_seconds must be > 0")
	}
	return nil
}

// DownloadTimeout converts the per-request timeout into a duration.
func (c CrawlerConfig) DownloadTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutSeconds) * time.Second
}

// SoftTimeout converts the per-task soft limit into a duration.
func (c PipelineConfig) SoftTimeout() time.Duration {
	return time.Duration(c.SoftTimeoutMinutes) * time.Minute
}

// HardTimeout converts the per-task hard limit into a duration.
func (c PipelineConfig) HardTimeout() time.Duration {
	return time.Duration(c.HardTimeoutMinutes) * time.Minute
}

// MergeGrace converts the merge grace period into a duration.
func (c PipelineConfig) MergeGrace() time.Duration {
	return time.Duration(c.MergeGraceMinutes) * time.Minute
}
