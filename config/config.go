package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"trading-autopilot/internal/backtest"
	"trading-autopilot/internal/banking"
	"trading-autopilot/internal/database"
	"trading-autopilot/internal/estimator"
	"trading-autopilot/internal/exchange"
	"trading-autopilot/internal/lifecycle"
	"trading-autopilot/internal/logging"
	"trading-autopilot/internal/notification"
	"trading-autopilot/internal/orchestrator"
	"trading-autopilot/internal/vault"
)

// DefaultFile is read when CONFIG_FILE is unset.
const DefaultFile = "config.json"

type Config struct {
	LoggingConfig      logging.Config         `json:"logging"`
	ExchangeConfig     ExchangeConfig         `json:"exchange"`
	DatabaseConfig     database.Config        `json:"database"`
	RedisConfig        database.LeaseConfig   `json:"redis"`
	VaultConfig        vault.Config           `json:"vault"`
	OrchestratorConfig orchestrator.Config    `json:"orchestrator"`
	BankingConfig      banking.Config         `json:"banking"`
	LifecycleConfig    LifecycleConfig        `json:"lifecycle"`
	EstimatorConfig    estimator.Config       `json:"estimator"`
	BacktestConfig     backtest.Config        `json:"backtest"`
	ServerConfig       ServerConfig           `json:"server"`
	PaperConfig        exchange.PaperConfig   `json:"paper"`
	FuturesConfig      exchange.FuturesConfig `json:"futures"`
	NotificationConfig notification.Config    `json:"notification"`
}

// ExchangeConfig selects the exchange used for live sessions and banking.
// Paper mode routes everything through the simulated client.
type ExchangeConfig struct {
	Mode      string `json:"mode"` // "live" or "paper"
	Timeframe string `json:"timeframe"`
}

// LifecycleConfig wraps the promotion guards with the batch schedule.
type LifecycleConfig struct {
	Guards        lifecycle.Config `json:"guards"`
	Enabled       bool             `json:"enabled"`
	BatchInterval time.Duration    `json:"batch_interval"`
	BatchSize     int              `json:"batch_size"`
	ProducerSeed  int64            `json:"producer_seed"`
	Symbol        string           `json:"symbol"`
	// PaperUserID owns the paper sessions of strategies on trial.
	PaperUserID   string  `json:"paper_user_id"`
	PaperQuantity float64 `json:"paper_quantity"`
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Port            int    `json:"port"`
	Host            string `json:"host"`
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
	// OpsToken is the bearer token for operator actions; empty disables them
	OpsToken string `json:"ops_token"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Default returns a configuration that runs fully in memory against the
// paper exchange.
func Default() *Config {
	return &Config{
		LoggingConfig: logging.Config{Level: "INFO", Output: "stdout", JSONFormat: true},
		ExchangeConfig: ExchangeConfig{
			Mode:      "paper",
			Timeframe: "1m",
		},
		DatabaseConfig: database.Config{
			Host:     "localhost",
			Port:     5432,
			User:     "autopilot",
			Database: "autopilot",
			SSLMode:  "disable",
			MaxConns: 10,
			MinConns: 2,
		},
		RedisConfig:        database.DefaultLeaseConfig(),
		VaultConfig:        vault.Config{Address: "http://localhost:8200", MountPath: "secret", SecretPath: "trading-autopilot/api-keys", Exchange: "binance", CacheTTL: 5 * time.Minute},
		OrchestratorConfig: orchestrator.DefaultConfig(),
		BankingConfig:      banking.DefaultConfig(),
		LifecycleConfig: LifecycleConfig{
			Guards:        lifecycle.DefaultConfig(),
			BatchInterval: time.Hour,
			BatchSize:     8,
			ProducerSeed:  1,
			Symbol:        "BTCUSDT",
			PaperUserID:   "paper-trials",
			PaperQuantity: 0.001,
		},
		EstimatorConfig: estimator.DefaultConfig(),
		BacktestConfig:  backtest.DefaultConfig(),
		ServerConfig: ServerConfig{
			Enabled:         true,
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		PaperConfig:   exchange.DefaultPaperConfig(),
		FuturesConfig: exchange.DefaultFuturesConfig(),
	}
}

// Load reads CONFIG_FILE (config.json by default) over the defaults, then
// applies environment overrides. A missing file is not an error.
func Load() (*Config, error) {
	return LoadFile(FilePath())
}

// FilePath is the config file Load reads.
func FilePath() string {
	return getEnvOrDefault("CONFIG_FILE", DefaultFile)
}

// LoadFile is Load with an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := loadFromFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	// Environment variables take precedence over the file
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-section constraints. Banking is only validated
// when enabled so a fresh install without a treasury account still boots.
func (c *Config) Validate() error {
	switch c.ExchangeConfig.Mode {
	case "live", "paper":
	default:
		return fmt.Errorf("exchange.mode must be live or paper, got %q", c.ExchangeConfig.Mode)
	}
	if c.OrchestratorConfig.TickInterval <= 0 {
		return fmt.Errorf("orchestrator.tick_interval must be positive")
	}
	if c.OrchestratorConfig.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("orchestrator.max_concurrent_sessions must be positive")
	}
	if c.BankingConfig.Enabled {
		if err := c.BankingConfig.Validate(); err != nil {
			return fmt.Errorf("banking: %w", err)
		}
	}
	if c.LifecycleConfig.Enabled {
		if c.LifecycleConfig.BatchInterval <= 0 {
			return fmt.Errorf("lifecycle.batch_interval must be positive")
		}
		if c.LifecycleConfig.PaperUserID == "" {
			return fmt.Errorf("lifecycle.paper_user_id is required")
		}
	}
	return nil
}

// Paper reports whether the exchange runs in simulation.
func (c *Config) Paper() bool { return c.ExchangeConfig.Mode == "paper" }

// applyEnvOverrides applies environment variable overrides to the config.
// Exchange API keys are never read from the environment; they are per user
// and live in Vault.
func applyEnvOverrides(cfg *Config) {
	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Exchange config
	cfg.ExchangeConfig.Mode = getEnvOrDefault("EXCHANGE_MODE", cfg.ExchangeConfig.Mode)
	cfg.ExchangeConfig.Timeframe = getEnvOrDefault("EXCHANGE_TIMEFRAME", cfg.ExchangeConfig.Timeframe)
	cfg.FuturesConfig.Testnet = getEnvBoolOrDefault("FUTURES_TESTNET", cfg.FuturesConfig.Testnet)
	cfg.FuturesConfig.RequestsPerSecond = getEnvFloatOrDefault("FUTURES_REQUESTS_PER_SECOND", cfg.FuturesConfig.RequestsPerSecond)
	cfg.PaperConfig.InitialBalance = getEnvFloatOrDefault("PAPER_INITIAL_BALANCE", cfg.PaperConfig.InitialBalance)

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.DatabaseConfig.Enabled)
	cfg.DatabaseConfig.DSN = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.DSN)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Addr = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Addr)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.TTL = getEnvDurationOrDefault("REDIS_LEASE_TTL", cfg.RedisConfig.TTL)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.Testnet = cfg.FuturesConfig.Testnet

	// Orchestrator config
	cfg.OrchestratorConfig.TickInterval = getEnvDurationOrDefault("ORCHESTRATOR_TICK_INTERVAL", cfg.OrchestratorConfig.TickInterval)
	cfg.OrchestratorConfig.MaxConcurrentSessions = getEnvIntOrDefault("ORCHESTRATOR_MAX_CONCURRENT", cfg.OrchestratorConfig.MaxConcurrentSessions)
	cfg.OrchestratorConfig.ShutdownGrace = getEnvDurationOrDefault("ORCHESTRATOR_SHUTDOWN_GRACE", cfg.OrchestratorConfig.ShutdownGrace)
	cfg.OrchestratorConfig.MinConfidence = getEnvFloatOrDefault("ORCHESTRATOR_MIN_CONFIDENCE", cfg.OrchestratorConfig.MinConfidence)

	// Banking config
	cfg.BankingConfig.Enabled = getEnvBoolOrDefault("BANKING_ENABLED", cfg.BankingConfig.Enabled)
	cfg.BankingConfig.AccountUserID = getEnvOrDefault("BANKING_ACCOUNT_USER_ID", cfg.BankingConfig.AccountUserID)
	cfg.BankingConfig.BankingPercentage = getEnvFloatOrDefault("BANKING_PERCENTAGE", cfg.BankingConfig.BankingPercentage)
	cfg.BankingConfig.BankingInterval = getEnvDurationOrDefault("BANKING_INTERVAL", cfg.BankingConfig.BankingInterval)
	cfg.BankingConfig.EmergencyStopThreshold = getEnvFloatOrDefault("BANKING_EMERGENCY_STOP_THRESHOLD", cfg.BankingConfig.EmergencyStopThreshold)

	// Lifecycle config
	cfg.LifecycleConfig.Enabled = getEnvBoolOrDefault("LIFECYCLE_ENABLED", cfg.LifecycleConfig.Enabled)
	cfg.LifecycleConfig.BatchInterval = getEnvDurationOrDefault("LIFECYCLE_BATCH_INTERVAL", cfg.LifecycleConfig.BatchInterval)
	cfg.LifecycleConfig.Symbol = getEnvOrDefault("LIFECYCLE_SYMBOL", cfg.LifecycleConfig.Symbol)
	cfg.LifecycleConfig.PaperUserID = getEnvOrDefault("LIFECYCLE_PAPER_USER_ID", cfg.LifecycleConfig.PaperUserID)

	// Notification config
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.NotificationConfig.Telegram.Enabled)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)
	cfg.NotificationConfig.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.NotificationConfig.Discord.Enabled)
	cfg.NotificationConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.NotificationConfig.Enabled)

	// Server config
	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.ServerConfig.ShutdownTimeout)
	cfg.ServerConfig.OpsToken = getEnvOrDefault("OPS_API_TOKEN", cfg.ServerConfig.OpsToken)
}

// loadFromFile overlays the file onto cfg. Durations may be written as
// strings ("6h") or nanoseconds.
func loadFromFile(filename string, cfg *Config) error {
	if _, err := os.Stat(filename); err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigFile(filename)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	if err := decode(v, "", cfg); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}
	return nil
}

// decode unmarshals the key (or the whole file when key is empty) using
// the json field tags, so one set of tags serves both encodings.
func decode(v *viper.Viper, key string, out interface{}) error {
	opt := func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "json"
		dc.WeaklyTypedInput = true
	}
	if key == "" {
		return v.Unmarshal(out, opt)
	}
	return v.UnmarshalKey(key, out, opt)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes the defaults as an indented JSON file
func GenerateSampleConfig(filename string) error {
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
