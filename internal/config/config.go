// Package config defines the top-level configuration for the flow trading
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FLOWBOT_* environment variables.
type Config struct {
	Feed     FeedConfig     `toml:"feed"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Engine   EngineConfig   `toml:"engine"`
	Replay   ReplayConfig   `toml:"replay"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// FeedConfig holds upstream market-data feed parameters.
type FeedConfig struct {
	WsURL          string   `toml:"ws_url"`
	ApiKey         string   `toml:"api_key"`
	AccessToken    string   `toml:"access_token"`
	Instruments    []string `toml:"instruments"`
	ReconnectMin   duration `toml:"reconnect_min"`
	ReconnectMax   duration `toml:"reconnect_max"`
	PingInterval   duration `toml:"ping_interval"`
	ReadBufferSize int      `toml:"read_buffer_size"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the archiver.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// EngineConfig holds every threshold of the tick→bar→order-flow→signal
// pipeline. These are the parameters that turn one canonical detector into a
// strategy variant; profiles live in TOML, not in forked code.
type EngineConfig struct {
	BarIntervalSec int `toml:"bar_interval_sec"`
	PriceDecimals  int `toml:"price_decimals"`

	// Order-flow detection.
	BigWallRatio         float64 `toml:"big_wall_ratio"`
	AbsorptionMinQty     int64   `toml:"absorption_min_qty"`
	MinWallDurabilitySec int     `toml:"min_wall_durability_sec"`

	// Confirmation filters.
	RegimeEMAPeriod  int     `toml:"regime_ema_period"`
	TrendBandSigma   float64 `toml:"trend_band_sigma"`
	ReversionSigma   float64 `toml:"reversion_sigma"`
	OBIBuyThreshold  float64 `toml:"obi_buy_threshold"`
	OBISellThreshold float64 `toml:"obi_sell_threshold"`
	OBIThrottleSec   int     `toml:"obi_throttle_sec"`
	MinHoldTimeSec   int     `toml:"min_hold_time_sec"`

	// Position risk.
	OrderQty          int64   `toml:"order_qty"`
	StopLossPct       float64 `toml:"stop_loss_pct"`
	RRRatio           float64 `toml:"rr_ratio"`
	TrailingArmR      float64 `toml:"trailing_arm_r"`
	TrailingDistance  float64 `toml:"trailing_distance"`
	TimeStopSec       int     `toml:"time_stop_sec"`
	TimeStopProgressR float64 `toml:"time_stop_progress_r"`

	// Lane scheduling and output throttles.
	MaxParallelLanes   int `toml:"max_parallel_lanes"`
	LaneBufferSize     int `toml:"lane_buffer_size"`
	PersistQueueSize   int `toml:"persist_queue_size"`
	PersistThrottleSec int `toml:"persist_throttle_sec"`
	BarPublishPerSec   int `toml:"bar_publish_per_sec"`
	RecentSignalsLimit int `toml:"recent_signals_limit"`
}

// ReplayConfig holds defaults for historical replay sessions.
type ReplayConfig struct {
	DefaultSpeed float64 `toml:"default_speed"`
	MaxSpeed     float64 `toml:"max_speed"`
	BatchSize    int     `toml:"batch_size"`
}

// ArchiveConfig holds cold-storage export parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
	Prefix        string   `toml:"prefix"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey, when non-empty, is required in the X-API-Key header (or as a
	// Bearer token) on every endpoint except the health check.
	APIKey string `toml:"api_key"`
	// RateLimit caps requests per client IP per RateWindow; zero disables.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Feed: FeedConfig{
			WsURL:          "wss://feed.example.com/marketdata",
			ReconnectMin:   duration{time.Second},
			ReconnectMax:   duration{30 * time.Second},
			PingInterval:   duration{15 * time.Second},
			ReadBufferSize: 4096,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "flowbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "flowbot-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Engine: EngineConfig{
			BarIntervalSec:       60,
			PriceDecimals:        2,
			BigWallRatio:         3.0,
			AbsorptionMinQty:     1000,
			MinWallDurabilitySec: 30,
			RegimeEMAPeriod:      20,
			TrendBandSigma:       0.5,
			ReversionSigma:       2.5,
			OBIBuyThreshold:      1.2,
			OBISellThreshold:     0.8,
			OBIThrottleSec:       1,
			MinHoldTimeSec:       60,
			OrderQty:             1,
			StopLossPct:          0.004,
			RRRatio:              1.5,
			TrailingArmR:         1.0,
			TrailingDistance:     0,
			TimeStopSec:          600,
			TimeStopProgressR:    0.25,
			MaxParallelLanes:     32,
			LaneBufferSize:       1024,
			PersistQueueSize:     4096,
			PersistThrottleSec:   60,
			BarPublishPerSec:     2,
			RecentSignalsLimit:   500,
		},
		Replay: ReplayConfig{
			DefaultSpeed: 1.0,
			MaxSpeed:     1000.0,
			BatchSize:    5000,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 30,
			Interval:      duration{6 * time.Hour},
			Prefix:        "archive",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   0,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_closed", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":   true,
	"replay": true,
	"server": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found. Threshold errors here are
// the only crash-worthy condition in the pipeline.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, replay, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Feed — required for modes that ingest live data.
	if c.Mode == "live" || c.Mode == "full" {
		if c.Feed.WsURL == "" {
			errs = append(errs, "feed: ws_url must not be empty for mode "+c.Mode)
		}
		if len(c.Feed.Instruments) == 0 {
			errs = append(errs, "feed: at least one instrument must be configured for mode "+c.Mode)
		}
	}
	if c.Feed.ReconnectMin.Duration > c.Feed.ReconnectMax.Duration {
		errs = append(errs, "feed: reconnect_min must not exceed reconnect_max")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 — only required when archiving is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Engine thresholds
	e := c.Engine
	if e.BarIntervalSec <= 0 {
		errs = append(errs, "engine: bar_interval_sec must be > 0")
	}
	if e.PriceDecimals < 0 || e.PriceDecimals > 8 {
		errs = append(errs, "engine: price_decimals must be 0-8")
	}
	if e.BigWallRatio <= 1.0 {
		errs = append(errs, "engine: big_wall_ratio must be > 1.0")
	}
	if e.AbsorptionMinQty <= 0 {
		errs = append(errs, "engine: absorption_min_qty must be > 0")
	}
	if e.MinWallDurabilitySec < 0 {
		errs = append(errs, "engine: min_wall_durability_sec must be >= 0")
	}
	if e.RegimeEMAPeriod < 2 {
		errs = append(errs, "engine: regime_ema_period must be >= 2")
	}
	if e.TrendBandSigma <= 0 || e.ReversionSigma <= e.TrendBandSigma {
		errs = append(errs, "engine: require 0 < trend_band_sigma < reversion_sigma")
	}
	if e.OBIBuyThreshold <= e.OBISellThreshold {
		errs = append(errs, "engine: obi_buy_threshold must exceed obi_sell_threshold")
	}
	if e.OBIThrottleSec < 0 {
		errs = append(errs, "engine: obi_throttle_sec must be >= 0")
	}
	if e.MinHoldTimeSec < 0 {
		errs = append(errs, "engine: min_hold_time_sec must be >= 0")
	}
	if e.OrderQty <= 0 {
		errs = append(errs, "engine: order_qty must be > 0")
	}
	if e.StopLossPct <= 0 || e.StopLossPct >= 1 {
		errs = append(errs, "engine: stop_loss_pct must be in (0, 1)")
	}
	if e.RRRatio <= 0 {
		errs = append(errs, "engine: rr_ratio must be > 0")
	}
	if e.TrailingArmR < 0 {
		errs = append(errs, "engine: trailing_arm_r must be >= 0")
	}
	if e.TimeStopSec < 0 {
		errs = append(errs, "engine: time_stop_sec must be >= 0")
	}
	if e.MaxParallelLanes < 1 {
		errs = append(errs, "engine: max_parallel_lanes must be >= 1")
	}
	if e.LaneBufferSize < 1 {
		errs = append(errs, "engine: lane_buffer_size must be >= 1")
	}
	if e.PersistQueueSize < 1 {
		errs = append(errs, "engine: persist_queue_size must be >= 1")
	}
	if e.BarPublishPerSec < 1 {
		errs = append(errs, "engine: bar_publish_per_sec must be >= 1")
	}

	// Replay
	if c.Replay.DefaultSpeed <= 0 {
		errs = append(errs, "replay: default_speed must be > 0")
	}
	if c.Replay.MaxSpeed < c.Replay.DefaultSpeed {
		errs = append(errs, "replay: max_speed must be >= default_speed")
	}
	if c.Replay.BatchSize < 1 {
		errs = append(errs, "replay: batch_size must be >= 1")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
