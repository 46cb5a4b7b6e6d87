package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"PCGS-CoinDB/pkg/logger"
)

// 默认值集中定义，便于测试与文档引用。
const (
	DefaultAddress      = "0.0.0.0:47568"
	DefaultDriver       = "sqlite3"
	DefaultDatabaseFile = "pcgs_coins.db"
	DefaultInterval     = 5 * time.Second
	DefaultFetchTimeout = 90 * time.Second
	DefaultSettleDelay  = 3 * time.Second
	DefaultBaseURL      = "https://www.pcgs.com/cert/"
)

// Config 描述了 coindbd 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server" toml:"server"`
	Storage   StorageConfig   `json:"storage" yaml:"storage" toml:"storage"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler" toml:"scheduler"`
	Scraper   ScraperConfig   `json:"scraper" yaml:"scraper" toml:"scraper"`
	Events    EventsConfig    `json:"events" yaml:"events" toml:"events"`
	Retention RetentionConfig `json:"retention" yaml:"retention" toml:"retention"`
	Alerting  AlertingConfig  `json:"alerting" yaml:"alerting" toml:"alerting"`
	Logging   logger.Config   `json:"logging" yaml:"logging" toml:"logging"`
	Runtime   RuntimeConfig   `json:"runtime" yaml:"runtime" toml:"runtime"`
}

// ServerConfig 控制 HTTP 服务。
type ServerConfig struct {
	Address   string `json:"address" yaml:"address" toml:"address"`
	APIToken  string `json:"api_token" yaml:"api_token" toml:"api_token"`
	StaticDir string `json:"static_dir" yaml:"static_dir" toml:"static_dir"`
	Debug     bool   `json:"debug" yaml:"debug" toml:"debug"`

	// MetricsAddress 非空时在独立端口暴露 /metrics，主服务上的 /metrics 仍然可用。
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address" toml:"metrics_address"`
}

// StorageConfig 选择持久化后端。driver 取值 sqlite3、mysql、postgres、memory。
type StorageConfig struct {
	Driver          string `json:"driver" yaml:"driver" toml:"driver"`
	DSN             string `json:"dsn" yaml:"dsn" toml:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetime string `json:"conn_max_lifetime" yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
}

// SchedulerConfig 控制后台轮询循环。
type SchedulerConfig struct {
	Enabled      *bool  `json:"enabled" yaml:"enabled" toml:"enabled"`
	Interval     string `json:"interval" yaml:"interval" toml:"interval"`
	FetchTimeout string `json:"fetch_timeout" yaml:"fetch_timeout" toml:"fetch_timeout"`
}

// ScraperConfig 描述证书页面抓取方式。
type ScraperConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url" toml:"base_url"`
	Headless       *bool  `json:"headless" yaml:"headless" toml:"headless"`
	ChromePath     string `json:"chrome_path" yaml:"chrome_path" toml:"chrome_path"`
	UserAgent      string `json:"user_agent" yaml:"user_agent" toml:"user_agent"`
	SettleDelay    string `json:"settle_delay" yaml:"settle_delay" toml:"settle_delay"`
	DownloadImages *bool  `json:"download_images" yaml:"download_images" toml:"download_images"`
	ImagesDir      string `json:"images_dir" yaml:"images_dir" toml:"images_dir"`
}

// EventsConfig 描述生命周期事件的发布目标，可同时启用多个。
type EventsConfig struct {
	Publishers []string       `json:"publishers" yaml:"publishers" toml:"publishers"`
	Redis      RedisConfig    `json:"redis" yaml:"redis" toml:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq" toml:"rabbitmq"`
}

// RedisConfig 用于 Redis 事件发布。
type RedisConfig struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	Password     string `json:"password" yaml:"password" toml:"password"`
	DB           int    `json:"db" yaml:"db" toml:"db"`
	Channel      string `json:"channel" yaml:"channel" toml:"channel"`
	HistoryKey   string `json:"history_key" yaml:"history_key" toml:"history_key"`
	HistoryLimit int64  `json:"history_limit" yaml:"history_limit" toml:"history_limit"`
}

// RabbitMQConfig 用于 RabbitMQ 事件发布。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url" toml:"url"`
	Exchange string `json:"exchange" yaml:"exchange" toml:"exchange"`
}

// RetentionConfig 控制终态任务的定期清理，schedule 为空时关闭。
type RetentionConfig struct {
	Schedule string `json:"schedule" yaml:"schedule" toml:"schedule"`
}

// AlertingConfig 配置告警 webhook，日志渠道始终启用。
type AlertingConfig struct {
	Webhooks []WebhookConfig `json:"webhooks" yaml:"webhooks" toml:"webhooks"`
}

// WebhookConfig 描述一个告警 webhook。format 取值 json、slack、dingtalk。
type WebhookConfig struct {
	Name   string `json:"name" yaml:"name" toml:"name"`
	URL    string `json:"url" yaml:"url" toml:"url"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
}

// Load 负责解析指定路径的配置文件，格式由扩展名决定。路径为空时只使用默认值。
func Load(path string) (*Config, error) {
	var cfg Config
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("获取工作目录失败: %w", err)
		}
		cfg.applyDefaults(wd)
		return &cfg, cfg.Validate()
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := decode(path, content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("解析配置目录失败: %w", err)
	}
	cfg.applyDefaults(baseDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnvironment 读取 COINDB_CONFIG 指定的文件，并叠加 COINDB_* 环境变量。
func FromEnvironment() (*Config, error) {
	cfg, err := Load(os.Getenv("COINDB_CONFIG"))
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, content []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(content, cfg)
	case ".toml":
		return toml.NewDecoder(bytes.NewReader(content)).DisallowUnknownFields().Decode(cfg)
	case ".json", "":
		dec := json.NewDecoder(bytes.NewReader(content))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	default:
		return fmt.Errorf("不支持的配置格式: %s", filepath.Ext(path))
	}
}

// ApplyEnv 用环境变量覆盖配置项。lookup 通常为 os.LookupEnv。
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("COINDB_ADDRESS"); ok && v != "" {
		c.Server.Address = v
	}
	if v, ok := lookup("COINDB_API_TOKEN"); ok {
		c.Server.APIToken = v
	}
	if v, ok := lookup("COINDB_DEBUG"); ok && v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("COINDB_DEBUG 取值无效: %w", err)
		}
		c.Server.Debug = debug
	}
	defaultDSN := filepath.Join(c.Runtime.DataDir, DefaultDatabaseFile)
	if v, ok := lookup("COINDB_STORAGE_DRIVER"); ok && v != "" {
		c.Storage.Driver = strings.ToLower(v)
		if c.Storage.Driver != DefaultDriver && c.Storage.DSN == defaultDSN {
			c.Storage.DSN = ""
		}
	}
	if v, ok := lookup("COINDB_STORAGE_DSN"); ok && v != "" {
		c.Storage.DSN = v
	}
	if v, ok := lookup("COINDB_LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
	if c.Server.Debug && c.Logging.Level == "" {
		c.Logging.Level = "debug"
	}
	if c.Storage.DSN == "" && c.Storage.Driver == DefaultDriver {
		c.Storage.DSN = defaultDSN
	}
	return c.Validate()
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	c.Server.StaticDir = resolve(baseDir, c.Server.StaticDir, "static")

	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, "data")

	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	if c.Storage.Driver == "" {
		c.Storage.Driver = DefaultDriver
	}
	if c.Storage.DSN == "" && c.Storage.Driver == DefaultDriver {
		c.Storage.DSN = filepath.Join(c.Runtime.DataDir, DefaultDatabaseFile)
	}

	if c.Scheduler.Enabled == nil {
		enabled := true
		c.Scheduler.Enabled = &enabled
	}
	if c.Scheduler.Interval == "" {
		c.Scheduler.Interval = DefaultInterval.String()
	}
	if c.Scheduler.FetchTimeout == "" {
		c.Scheduler.FetchTimeout = DefaultFetchTimeout.String()
	}

	if c.Scraper.BaseURL == "" {
		c.Scraper.BaseURL = DefaultBaseURL
	}
	if c.Scraper.Headless == nil {
		headless := true
		c.Scraper.Headless = &headless
	}
	if c.Scraper.DownloadImages == nil {
		download := true
		c.Scraper.DownloadImages = &download
	}
	if c.Scraper.SettleDelay == "" {
		c.Scraper.SettleDelay = DefaultSettleDelay.String()
	}
	if c.Scraper.ImagesDir == "" {
		c.Scraper.ImagesDir = filepath.Join(c.Runtime.DataDir, "images")
	} else if !filepath.IsAbs(c.Scraper.ImagesDir) {
		c.Scraper.ImagesDir = filepath.Join(baseDir, c.Scraper.ImagesDir)
	}

	if c.Events.Redis.Channel == "" {
		c.Events.Redis.Channel = "coindb:events"
	}
	if c.Events.Redis.HistoryKey == "" {
		c.Events.Redis.HistoryKey = "coindb:events:history"
	}
	if c.Events.Redis.HistoryLimit <= 0 {
		c.Events.Redis.HistoryLimit = 1000
	}
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "coindb.events"
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "logs", "audit.log")
	}
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate 检查取值是否合法。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite3", "mysql", "postgres", "memory":
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		return errors.New("存储 DSN 不能为空")
	}

	durations := map[string]string{
		"scheduler.interval":        c.Scheduler.Interval,
		"scheduler.fetch_timeout":   c.Scheduler.FetchTimeout,
		"scraper.settle_delay":      c.Scraper.SettleDelay,
		"storage.conn_max_lifetime": c.Storage.ConnMaxLifetime,
	}
	for name, raw := range durations {
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s 不是合法的时长: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("%s 不能为负数", name)
		}
	}
	if d, _ := time.ParseDuration(c.Scheduler.Interval); d == 0 {
		return errors.New("scheduler.interval 必须大于 0")
	}

	for i, hook := range c.Alerting.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("alerting.webhooks[%d].url 不能为空", i)
		}
	}

	for _, name := range c.Events.Publishers {
		switch strings.ToLower(name) {
		case "none", "memory", "redis", "rabbitmq":
		default:
			return fmt.Errorf("不支持的事件发布器: %s", name)
		}
	}
	return nil
}

// IntervalDuration 返回轮询间隔。
func (s SchedulerConfig) IntervalDuration() time.Duration {
	return parseDuration(s.Interval, DefaultInterval)
}

// FetchTimeoutDuration 返回单次抓取的超时时间。
func (s SchedulerConfig) FetchTimeoutDuration() time.Duration {
	return parseDuration(s.FetchTimeout, DefaultFetchTimeout)
}

// IsEnabled 报告是否随进程启动调度器。
func (s SchedulerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// SettleDelayDuration 返回页面加载后的等待时长。
func (s ScraperConfig) SettleDelayDuration() time.Duration {
	return parseDuration(s.SettleDelay, DefaultSettleDelay)
}

// IsHeadless 报告浏览器是否以无头模式运行。
func (s ScraperConfig) IsHeadless() bool {
	return s.Headless == nil || *s.Headless
}

// ShouldDownloadImages 报告是否把证书图片保存到本地。
func (s ScraperConfig) ShouldDownloadImages() bool {
	return s.DownloadImages == nil || *s.DownloadImages
}

// ConnMaxLifetimeDuration 返回连接最大存活时间，未配置时为 0。
func (s StorageConfig) ConnMaxLifetimeDuration() time.Duration {
	return parseDuration(s.ConnMaxLifetime, 0)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
