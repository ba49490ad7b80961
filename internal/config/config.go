// Package config loads Tandem process configuration from defaults, an
// optional config.yaml, a .env file and the environment, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every setting used by the Tandem binaries. Each binary reads
// only the fields it needs.
type Config struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	ServerName  string `mapstructure:"server_name"`
	RedisAddr   string `mapstructure:"redis_addr"`
	NATSURL     string `mapstructure:"nats_url"`
	DatabaseURL string `mapstructure:"database_url"`

	StaleMS int64 `mapstructure:"stale_ms"`

	StreamKey        string `mapstructure:"stream_key"`
	StreamGroup      string `mapstructure:"stream_group"`
	StreamConsumer   string `mapstructure:"stream_consumer"`
	StreamBatch      int64  `mapstructure:"stream_batch"`
	StreamBlockMS    int64  `mapstructure:"stream_block_ms"`
	StreamMaxRetries int64  `mapstructure:"stream_max_retries"`
	StreamDeadList   string `mapstructure:"stream_dead_list"`
	StreamTrimMaxLen int64  `mapstructure:"stream_trim_maxlen"`
	InitialBackoffMS int64  `mapstructure:"initial_backoff_ms"`
	MaxBackoffMS     int64  `mapstructure:"max_backoff_ms"`
	HTTPTimeoutMS    int64  `mapstructure:"http_timeout_ms"`

	FinalizeEndpoint string `mapstructure:"finalize_endpoint"`
	SharedSecret     string `mapstructure:"shared_secret"`

	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`
}

var defaults = map[string]any{
	"listen_addr":        ":8080",
	"server_name":        "",
	"redis_addr":         "localhost:6379",
	"nats_url":           "nats://localhost:4222",
	"database_url":       "",
	"stale_ms":           30000,
	"stream_key":         "stream:ended_rooms",
	"stream_group":       "ended_rooms_group",
	"stream_consumer":    "",
	"stream_batch":       10,
	"stream_block_ms":    2000,
	"stream_max_retries": 5,
	"stream_dead_list":   "persist:dead",
	"stream_trim_maxlen": 20000,
	"initial_backoff_ms": 5000,
	"max_backoff_ms":     60000,
	"http_timeout_ms":    8000,
	"finalize_endpoint":  "http://localhost:3000/api/finalize-room",
	"shared_secret":      "change_me_now",
	"log_level":          "info",
	"log_pretty":         false,
}

// Load reads configuration. A missing .env or config.yaml is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config.yaml: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.StreamConsumer == "" {
		cfg.StreamConsumer = "worker-" + uuid.New().String()[:8]
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "ws-" + uuid.New().String()[:8]
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings that would make the worker or matcher misbehave.
func (c *Config) Validate() error {
	switch {
	case c.StaleMS <= 0:
		return fmt.Errorf("config: STALE_MS must be positive, got %d", c.StaleMS)
	case c.StreamBatch <= 0:
		return fmt.Errorf("config: STREAM_BATCH must be positive, got %d", c.StreamBatch)
	case c.StreamMaxRetries < 0:
		return fmt.Errorf("config: STREAM_MAX_RETRIES must not be negative, got %d", c.StreamMaxRetries)
	case c.InitialBackoffMS <= 0 || c.MaxBackoffMS < c.InitialBackoffMS:
		return fmt.Errorf("config: backoff window %d..%d is invalid", c.InitialBackoffMS, c.MaxBackoffMS)
	case c.HTTPTimeoutMS <= 0:
		return fmt.Errorf("config: HTTP_TIMEOUT_MS must be positive, got %d", c.HTTPTimeoutMS)
	}
	return nil
}

func (c *Config) StaleAfter() time.Duration     { return ms(c.StaleMS) }
func (c *Config) StreamBlock() time.Duration    { return ms(c.StreamBlockMS) }
func (c *Config) InitialBackoff() time.Duration { return ms(c.InitialBackoffMS) }
func (c *Config) MaxBackoff() time.Duration     { return ms(c.MaxBackoffMS) }
func (c *Config) HTTPTimeout() time.Duration    { return ms(c.HTTPTimeoutMS) }

func ms(n int64) time.Duration { return time.Duration(n) * time.Millisecond }
