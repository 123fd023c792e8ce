package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"futures_copier/internal/binance"
	"futures_copier/internal/copytrading"
	"futures_copier/internal/storage"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config содержит конфигурацию приложения
type Config struct {
	DBPath          string        `yaml:"db_path"`
	LogFile         string        `yaml:"log_file"`
	LogLevel        string        `yaml:"log_level"`
	DryRun          bool          `yaml:"dry_run"` // Режим тестирования - только логирование, без реальных сделок
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Binance  BinanceConfig  `yaml:"binance"`
	Copy     CopyConfig     `yaml:"copy"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// BinanceConfig - подключение к бирже
type BinanceConfig struct {
	BaseURL           string        `yaml:"base_url"`
	WSURL             string        `yaml:"ws_url"`
	RecvWindow        time.Duration `yaml:"recv_window"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	HTTPTimeout       time.Duration `yaml:"http_timeout"`
	LogBodies         bool          `yaml:"log_bodies"`
}

// CopyConfig - параметры копирования
type CopyConfig struct {
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	ReconnectMin       time.Duration `yaml:"reconnect_min"`
	ReconnectMax       time.Duration `yaml:"reconnect_max"`
	SubmitDelay        time.Duration `yaml:"submit_delay"`
	MinNotional        float64       `yaml:"min_notional"`
	QuantityPrecision  int32         `yaml:"quantity_precision"`
	FetchRetries       uint64        `yaml:"fetch_retries"`
	ConnectConcurrency int           `yaml:"connect_concurrency"`
	Retention          int           `yaml:"retention"`
}

// TelegramConfig - алерты; пустой token отключает их
type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	params := copytrading.DefaultParams()
	opts := binance.DefaultOptions()

	return &Config{
		DBPath:          "./copier.db",
		LogFile:         "copier.log",
		LogLevel:        "info",
		DryRun:          true,
		ShutdownTimeout: 15 * time.Second,
		Binance: BinanceConfig{
			BaseURL:           opts.BaseURL,
			WSURL:             opts.WSURL,
			RecvWindow:        opts.RecvWindow,
			RequestsPerSecond: opts.RequestsPerSecond,
			HTTPTimeout:       opts.HTTPTimeout,
		},
		Copy: CopyConfig{
			IdleTimeout:        params.IdleTimeout,
			ReconnectMin:       params.ReconnectMin,
			ReconnectMax:       params.ReconnectMax,
			SubmitDelay:        params.SubmitDelay,
			MinNotional:        params.MinNotional.InexactFloat64(),
			QuantityPrecision:  params.QuantityPrecision,
			FetchRetries:       params.FetchRetries,
			ConnectConcurrency: params.ConnectConcurrency,
			Retention:          storage.DefaultTradeRetention,
		},
	}
}

// Load собирает конфигурацию: значения по умолчанию, затем YAML файл (если задан), затем переменные окружения
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("COPIER_DB_PATH", &c.DBPath)
	str("COPIER_LOG_FILE", &c.LogFile)
	str("COPIER_LOG_LEVEL", &c.LogLevel)
	str("BINANCE_BASE_URL", &c.Binance.BaseURL)
	str("BINANCE_WS_URL", &c.Binance.WSURL)
	str("TELEGRAM_BOT_TOKEN", &c.Telegram.Token)

	var errs []error

	// DRY_RUN по умолчанию включен для безопасности
	if v, ok := lookup("COPIER_DRY_RUN"); ok && v != "" {
		dryRun, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("COPIER_DRY_RUN: %w", err))
		} else {
			c.DryRun = dryRun
		}
	}

	if v, ok := lookup("TELEGRAM_CHAT_ID"); ok && v != "" {
		chatID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("TELEGRAM_CHAT_ID: %w", err))
		} else {
			c.Telegram.ChatID = chatID
		}
	}

	if v, ok := lookup("COPIER_SHUTDOWN_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("COPIER_SHUTDOWN_TIMEOUT: %w", err))
		} else {
			c.ShutdownTimeout = d
		}
	}

	return errors.Join(errs...)
}

// Validate отклоняет бессмысленные значения
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db_path is required"))
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}

	for name, raw := range map[string]string{"binance.base_url": c.Binance.BaseURL, "binance.ws_url": c.Binance.WSURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: invalid url %q", name, raw))
		}
	}

	if c.Binance.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("binance.requests_per_second must be positive"))
	}

	if c.Copy.IdleTimeout <= 0 {
		errs = append(errs, errors.New("copy.idle_timeout must be positive"))
	}
	if c.Copy.ReconnectMin <= 0 || c.Copy.ReconnectMax < c.Copy.ReconnectMin {
		errs = append(errs, fmt.Errorf("copy.reconnect_min/max: invalid range %s..%s", c.Copy.ReconnectMin, c.Copy.ReconnectMax))
	}
	if c.Copy.SubmitDelay < 0 {
		errs = append(errs, errors.New("copy.submit_delay must not be negative"))
	}
	if c.Copy.MinNotional < 0 {
		errs = append(errs, errors.New("copy.min_notional must not be negative"))
	}
	if c.Copy.QuantityPrecision < 0 || c.Copy.QuantityPrecision > 8 {
		errs = append(errs, fmt.Errorf("copy.quantity_precision: %d out of range 0..8", c.Copy.QuantityPrecision))
	}
	if c.Copy.ConnectConcurrency <= 0 {
		errs = append(errs, errors.New("copy.connect_concurrency must be positive"))
	}
	if c.Copy.Retention <= 0 {
		errs = append(errs, errors.New("copy.retention must be positive"))
	}

	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("telegram.chat_id is required when telegram.token is set"))
	}

	return errors.Join(errs...)
}

// ParseLevel переводит log_level в slog.Level
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// Level возвращает уровень логирования
func (c *Config) Level() slog.Level {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// CopyParams возвращает параметры для copytrading
func (c *Config) CopyParams() copytrading.Params {
	params := copytrading.DefaultParams()
	params.IdleTimeout = c.Copy.IdleTimeout
	params.ReconnectMin = c.Copy.ReconnectMin
	params.ReconnectMax = c.Copy.ReconnectMax
	params.SubmitDelay = c.Copy.SubmitDelay
	params.MinNotional = decimal.NewFromFloat(c.Copy.MinNotional)
	params.QuantityPrecision = c.Copy.QuantityPrecision
	params.FetchRetries = c.Copy.FetchRetries
	params.ConnectConcurrency = c.Copy.ConnectConcurrency
	return params
}

// BinanceOptions возвращает параметры клиента биржи
func (c *Config) BinanceOptions() binance.Options {
	opts := binance.DefaultOptions()
	opts.BaseURL = c.Binance.BaseURL
	opts.WSURL = c.Binance.WSURL
	opts.RecvWindow = c.Binance.RecvWindow
	opts.RequestsPerSecond = c.Binance.RequestsPerSecond
	opts.HTTPTimeout = c.Binance.HTTPTimeout
	opts.LogBodies = c.Binance.LogBodies
	opts.DryRun = c.DryRun
	return opts
}

// LogSummary пишет в лог ключевые настройки
func (c *Config) LogSummary(logger *slog.Logger) {
	if c.DryRun {
		logger.Info("🔍 DRY_RUN enabled - only logging, no real trades")
	} else {
		logger.Warn("⚠️  DRY_RUN disabled - REAL TRADES WILL BE EXECUTED!")
	}

	if c.Telegram.Token == "" {
		logger.Info("📴 Telegram alerts disabled")
	} else {
		logger.Info("📨 Telegram alerts enabled", slog.Int64("chat_id", c.Telegram.ChatID))
	}

	logger.Info("⚙️ Config loaded",
		slog.String("db", c.DBPath),
		slog.String("binance", c.Binance.BaseURL),
		slog.Duration("idle_timeout", c.Copy.IdleTimeout),
		slog.Duration("submit_delay", c.Copy.SubmitDelay))
}
