package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all configuration for the application
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Retention RetentionConfig `mapstructure:"retention"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

type AppConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"` // e.g., "local", "prod"
}

// FeedConfig describes the upstream market-data websocket
type FeedConfig struct {
	WSURL                string        `mapstructure:"ws_url"`
	APIKey               string        `mapstructure:"api_key"`
	Symbols              []string      `mapstructure:"symbols"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval"`
	KeyRotateDelay       time.Duration `mapstructure:"key_rotate_delay"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RetentionConfig bounds how much raw history and how many hourly
// buckets are kept around
type RetentionConfig struct {
	PriceHistoryHours  int `mapstructure:"price_history_hours"`
	HourlyAverageHours int `mapstructure:"hourly_average_hours"`
}

type LoggerConfig struct {
	Level string `mapstructure:"level"`
	Env   string `mapstructure:"env"`
}

// LoadConfig reads configuration from .env file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Load .env file into System Environment (if it exists)
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, relying on System Env Vars")
	}

	v.SetDefault("app.port", ":8080")
	v.SetDefault("app.env", "local")

	v.SetDefault("feed.ws_url", "wss://ws.finnhub.io")
	v.SetDefault("feed.api_key", "")
	v.SetDefault("feed.symbols", []string{"BINANCE:ETHUSDC", "BINANCE:ETHUSDT", "BINANCE:ETHBTC"})
	v.SetDefault("feed.max_reconnect_attempts", 5)
	v.SetDefault("feed.reconnect_interval", 5*time.Second)
	v.SetDefault("feed.key_rotate_delay", 1*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("retention.price_history_hours", 24)
	v.SetDefault("retention.hourly_average_hours", 48)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.env", "prod")

	// Maps dot-notation to underscores (e.g., "feed.ws_url" -> "FEED_WS_URL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind Env Vars so Viper maps flat vars to nested structs
	bindEnv(v, "app.port", "app.env")
	bindEnv(v, "feed.ws_url", "feed.api_key", "feed.symbols")
	bindEnv(v, "feed.max_reconnect_attempts", "feed.reconnect_interval", "feed.key_rotate_delay")
	bindEnv(v, "redis.addr", "redis.password", "redis.db")
	bindEnv(v, "retention.price_history_hours", "retention.hourly_average_hours")
	bindEnv(v, "logger.level", "logger.env")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %v", err)
	}

	if len(cfg.Feed.Symbols) == 0 {
		return nil, fmt.Errorf("feed symbols cannot be empty")
	}
	if cfg.Feed.MaxReconnectAttempts <= 0 {
		return nil, fmt.Errorf("feed max_reconnect_attempts must be positive")
	}
	if cfg.Retention.PriceHistoryHours <= 0 || cfg.Retention.PriceHistoryHours > 168 {
		return nil, fmt.Errorf("retention price_history_hours must be between 1 and 168")
	}
	if cfg.Retention.HourlyAverageHours <= 0 || cfg.Retention.HourlyAverageHours > 168 {
		return nil, fmt.Errorf("retention hourly_average_hours must be between 1 and 168")
	}

	return &cfg, nil
}

// NewLogger builds the process logger from config
func NewLogger(cfg LoggerConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	if cfg.Env == "local" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	return zc.Build()
}

// bindEnv is a helper to bind multiple keys at once
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}
}
