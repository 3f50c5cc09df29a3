package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Mail       MailConfig       `yaml:"mail" mapstructure:"mail"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Security   SecurityConfig   `yaml:"security" mapstructure:"security"`
}

type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver" mapstructure:"driver"` // postgres, sqlite
	DSN             string        `yaml:"dsn" mapstructure:"dsn"`       // 优先于下列字段
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	User            string        `yaml:"user" mapstructure:"user"`
	Password        string        `yaml:"password" mapstructure:"password"`
	Name            string        `yaml:"name" mapstructure:"name"`
	SSLMode         string        `yaml:"sslmode" mapstructure:"sslmode"`
	AutoMigrate     bool          `yaml:"auto_migrate" mapstructure:"auto_migrate"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// PostgresDSN 构建 Postgres DSN
func (d DatabaseConfig) PostgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, sslmode,
	)
}

type RedisConfig struct {
	Host         string `yaml:"host" mapstructure:"host"`
	Port         int    `yaml:"port" mapstructure:"port"`
	Password     string `yaml:"password" mapstructure:"password"`
	DB           int    `yaml:"db" mapstructure:"db"`
	PoolSize     int    `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// QueueConfig 任务队列配置
type QueueConfig struct {
	Prefix          string        `yaml:"prefix" mapstructure:"prefix"`
	DelayThreshold  time.Duration `yaml:"delay_threshold" mapstructure:"delay_threshold"` // 超过该延迟走延迟执行设施
	PromoteInterval time.Duration `yaml:"promote_interval" mapstructure:"promote_interval"`
	PromoteBatch    int           `yaml:"promote_batch" mapstructure:"promote_batch"`
	Workers         int           `yaml:"workers" mapstructure:"workers"`
	PopTimeout      time.Duration `yaml:"pop_timeout" mapstructure:"pop_timeout"`

	// 未确认消息的回收时限
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" mapstructure:"visibility_timeout"`
}

// MailConfig 邮件 API 配置；未启用时只记录日志不发送
type MailConfig struct {
	Enabled    bool          `yaml:"enabled" mapstructure:"enabled"`
	BaseURL    string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey     string        `yaml:"api_key" mapstructure:"api_key"`
	From       string        `yaml:"from" mapstructure:"from"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"`
}

type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"` // json, text
	Output     string `yaml:"output" mapstructure:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path" mapstructure:"file_path"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // MB
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // days
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress" mapstructure:"compress"`       // compress backup files
}

type MonitoringConfig struct {
	Enabled     bool          `yaml:"enabled" mapstructure:"enabled"`
	MetricsPath string        `yaml:"metrics_path" mapstructure:"metrics_path"`
	Tracing     TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`         // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `yaml:"insecure" mapstructure:"insecure"`         // 是否使用明文（本地/开发）
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"` // 缺省使用 "mailflow"
}

type SecurityConfig struct {
	CORS         CORSConfig         `yaml:"cors" mapstructure:"cors"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting" mapstructure:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" mapstructure:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" mapstructure:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" mapstructure:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool                  `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int                   `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int                   `yaml:"burst" mapstructure:"burst"`
	Paths             []PathRateLimitConfig `yaml:"paths" mapstructure:"paths"` // 按路径前缀覆盖全局限流
}

type PathRateLimitConfig struct {
	Enabled           bool   `yaml:"enabled" mapstructure:"enabled"`
	Prefix            string `yaml:"prefix" mapstructure:"prefix"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int    `yaml:"burst" mapstructure:"burst"`
}

// Load 在默认配置之上合并 viper 中的配置
func Load() *Config {
	cfg, err := LoadFrom(viper.GetViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadFrom unmarshals v over the defaults.
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := GetDefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "mailflow",
			SSLMode:         "disable",
			AutoMigrate:     true,
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			Password:     "",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 5,
		},
		Queue: QueueConfig{
			Prefix:          "mailflow:tasks",
			DelayThreshold:  900 * time.Second,
			PromoteInterval: time.Second,
			PromoteBatch:    100,
			Workers:         2,
			PopTimeout:      5 * time.Second,

			VisibilityTimeout: 5 * time.Minute,
		},
		Mail: MailConfig{
			Enabled:    false,
			BaseURL:    "http://localhost:8025",
			From:       "noreply@mailflow.local",
			Timeout:    10 * time.Second,
			MaxRetries: 3,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/mailflow.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "mailflow",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 600,
				Burst:             100,
			},
		},
	}
}
