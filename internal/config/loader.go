package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FLOWBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FLOWBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Feed ──
	setStr(&cfg.Feed.WsURL, "FLOWBOT_FEED_WS_URL")
	setStr(&cfg.Feed.ApiKey, "FLOWBOT_FEED_API_KEY")
	setStr(&cfg.Feed.AccessToken, "FLOWBOT_FEED_ACCESS_TOKEN")
	setStringSlice(&cfg.Feed.Instruments, "FLOWBOT_FEED_INSTRUMENTS")
	setDuration(&cfg.Feed.ReconnectMin, "FLOWBOT_FEED_RECONNECT_MIN")
	setDuration(&cfg.Feed.ReconnectMax, "FLOWBOT_FEED_RECONNECT_MAX")
	setDuration(&cfg.Feed.PingInterval, "FLOWBOT_FEED_PING_INTERVAL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FLOWBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "FLOWBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FLOWBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FLOWBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FLOWBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FLOWBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FLOWBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FLOWBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FLOWBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FLOWBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FLOWBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FLOWBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FLOWBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FLOWBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FLOWBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FLOWBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "FLOWBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FLOWBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "FLOWBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FLOWBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FLOWBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FLOWBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FLOWBOT_S3_FORCE_PATH_STYLE")

	// ── Engine ──
	setInt(&cfg.Engine.BarIntervalSec, "FLOWBOT_ENGINE_BAR_INTERVAL_SEC")
	setInt(&cfg.Engine.PriceDecimals, "FLOWBOT_ENGINE_PRICE_DECIMALS")
	setFloat64(&cfg.Engine.BigWallRatio, "FLOWBOT_ENGINE_BIG_WALL_RATIO")
	setInt64(&cfg.Engine.AbsorptionMinQty, "FLOWBOT_ENGINE_ABSORPTION_MIN_QTY")
	setInt(&cfg.Engine.MinWallDurabilitySec, "FLOWBOT_ENGINE_MIN_WALL_DURABILITY_SEC")
	setFloat64(&cfg.Engine.OBIBuyThreshold, "FLOWBOT_ENGINE_OBI_BUY_THRESHOLD")
	setFloat64(&cfg.Engine.OBISellThreshold, "FLOWBOT_ENGINE_OBI_SELL_THRESHOLD")
	setInt(&cfg.Engine.MinHoldTimeSec, "FLOWBOT_ENGINE_MIN_HOLD_TIME_SEC")
	setInt64(&cfg.Engine.OrderQty, "FLOWBOT_ENGINE_ORDER_QTY")
	setFloat64(&cfg.Engine.StopLossPct, "FLOWBOT_ENGINE_STOP_LOSS_PCT")
	setFloat64(&cfg.Engine.RRRatio, "FLOWBOT_ENGINE_RR_RATIO")
	setInt(&cfg.Engine.TimeStopSec, "FLOWBOT_ENGINE_TIME_STOP_SEC")
	setInt(&cfg.Engine.MaxParallelLanes, "FLOWBOT_ENGINE_MAX_PARALLEL_LANES")

	// ── Replay ──
	setFloat64(&cfg.Replay.DefaultSpeed, "FLOWBOT_REPLAY_DEFAULT_SPEED")
	setFloat64(&cfg.Replay.MaxSpeed, "FLOWBOT_REPLAY_MAX_SPEED")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "FLOWBOT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "FLOWBOT_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "FLOWBOT_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "FLOWBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "FLOWBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "FLOWBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "FLOWBOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "FLOWBOT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "FLOWBOT_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FLOWBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FLOWBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FLOWBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "FLOWBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "FLOWBOT_MODE")
	setStr(&cfg.LogLevel, "FLOWBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
