package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	InstanceConfig       InstanceConfig       `json:"instance"`
	RedisConfig          RedisConfig          `json:"redis"`
	DatabaseConfig       DatabaseConfig       `json:"database"`
	LockConfig           LockConfig           `json:"locks"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
	RiskConfig           RiskConfig           `json:"risk"`
	CycleConfig          CycleConfig          `json:"cycle"`
	BrokerConfig         BrokerConfig         `json:"broker"`
	NotificationConfig   NotificationConfig   `json:"notification"`
	MetricsConfig        MetricsConfig        `json:"metrics"`
	LoggingConfig        LoggingConfig        `json:"logging"`
	Bots                 []BotConfig          `json:"bots"`
}

// InstanceConfig identifies this server instance to other instances sharing the lock store
type InstanceConfig struct {
	ID string `json:"id"`
}

// RedisConfig holds Redis configuration for distributed locks and metrics snapshots
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// DatabaseConfig holds PostgreSQL configuration for the trade log and trade limits
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type LockConfig struct {
	UserLockTTL      time.Duration `json:"user_lock_ttl"`
	BotLockTTL       time.Duration `json:"bot_lock_ttl"`
	SweepInterval    time.Duration `json:"sweep_interval"`
	StoreTimeout     time.Duration `json:"store_timeout"`      // Per-call timeout against Redis
	MaxStoreFailures int           `json:"max_store_failures"` // Failures before local fallback
	HealthInterval   time.Duration `json:"health_interval"`    // Ping interval while degraded
}

// CircuitBreakerConfig holds per-bot circuit breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold    int           `json:"failure_threshold"`
	FailureWindow       time.Duration `json:"failure_window"`
	RecoveryTimeout     time.Duration `json:"recovery_timeout"`
	SuccessThreshold    int           `json:"success_threshold"`      // Successes in half-open before closing
	HalfOpenMaxAttempts int           `json:"half_open_max_attempts"` // Trial executions allowed while half-open
}

// RiskConfig holds default risk limits. Zero disables a limit.
type RiskConfig struct {
	MaxTradesPerDay      int     `json:"max_trades_per_day"`
	MaxDailyLoss         float64 `json:"max_daily_loss"`          // Absolute currency
	MaxDailyLossPercent  float64 `json:"max_daily_loss_percent"`  // % of start balance
	MaxDrawdownPercent   float64 `json:"max_drawdown_percent"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	MinBalance           float64 `json:"min_balance"`
	StopLossAmount       float64 `json:"stop_loss_amount"`
	StopLossPercent      float64 `json:"stop_loss_percent"`       // % of stake
	TakeProfitAmount     float64 `json:"take_profit_amount"`
	TakeProfitPercent    float64 `json:"take_profit_percent"`     // % of stake
	MaxAPIErrors         int     `json:"max_api_errors"`
}

type CycleConfig struct {
	Interval           time.Duration `json:"interval"`
	MarketTimeout      time.Duration `json:"market_timeout"`
	BrokerTimeout      time.Duration `json:"broker_timeout"`
	SettlementInterval time.Duration `json:"settlement_interval"` // Poll interval for settlement
	SettlementGrace    time.Duration `json:"settlement_grace"`    // Wait past contract duration before giving up
}

type BrokerConfig struct {
	Type             string        `json:"type"` // "paper" or "mt5"
	MT5URL           string        `json:"mt5_url"`
	MT5Login         int64         `json:"mt5_login"`
	MT5Password      string        `json:"mt5_password"`
	MT5Server        string        `json:"mt5_server"`
	PaperBalance     float64       `json:"paper_balance"`
	PaperWinRate     float64       `json:"paper_win_rate"`
	PaperPayout      float64       `json:"paper_payout"`
	PaperSettleAfter time.Duration `json:"paper_settle_after"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// MetricsConfig controls the read-only operator server (/metrics, /health,
// /status)
type MetricsConfig struct {
	Enabled        bool     `json:"enabled"`
	Address        string   `json:"address"`
	ProductionMode bool     `json:"production_mode"` // gin release mode
	AllowOrigins   []string `json:"allow_origins"`   // CORS origins for dashboards, empty disables CORS
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
	MaxSizeMB   int    `json:"max_size_mb"`  // Rotation size for file output
	MaxBackups  int    `json:"max_backups"`
}

// BotConfig describes a bot started on boot
type BotConfig struct {
	UserID    string  `json:"user_id"`
	BotID     string  `json:"bot_id"`
	Symbol    string  `json:"symbol"`
	Stake     float64 `json:"stake"`
	Direction string  `json:"direction"` // BUY or SELL
	Duration  int     `json:"duration"`  // Contract duration in seconds, 0 = open-ended
}

func Load() (*Config, error) {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	cfg, err := loadFromFile(getEnvOrDefault("CONFIG_FILE", "config.json"))
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	cfg.InstanceConfig.ID = getEnvOrDefault("INSTANCE_ID", cfg.InstanceConfig.ID)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.DatabaseConfig.Enabled)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Lock config
	cfg.LockConfig.UserLockTTL = getEnvDurationOrDefault("LOCK_USER_TTL", cfg.LockConfig.UserLockTTL)
	cfg.LockConfig.BotLockTTL = getEnvDurationOrDefault("LOCK_BOT_TTL", cfg.LockConfig.BotLockTTL)
	cfg.LockConfig.SweepInterval = getEnvDurationOrDefault("LOCK_SWEEP_INTERVAL", cfg.LockConfig.SweepInterval)

	// Circuit breaker config
	cfg.CircuitBreakerConfig.FailureThreshold = getEnvIntOrDefault("CIRCUIT_FAILURE_THRESHOLD", cfg.CircuitBreakerConfig.FailureThreshold)
	cfg.CircuitBreakerConfig.FailureWindow = getEnvDurationOrDefault("CIRCUIT_FAILURE_WINDOW", cfg.CircuitBreakerConfig.FailureWindow)
	cfg.CircuitBreakerConfig.RecoveryTimeout = getEnvDurationOrDefault("CIRCUIT_RECOVERY_TIMEOUT", cfg.CircuitBreakerConfig.RecoveryTimeout)
	cfg.CircuitBreakerConfig.SuccessThreshold = getEnvIntOrDefault("CIRCUIT_SUCCESS_THRESHOLD", cfg.CircuitBreakerConfig.SuccessThreshold)
	cfg.CircuitBreakerConfig.HalfOpenMaxAttempts = getEnvIntOrDefault("CIRCUIT_HALF_OPEN_MAX_ATTEMPTS", cfg.CircuitBreakerConfig.HalfOpenMaxAttempts)

	// Risk config
	cfg.RiskConfig.MaxTradesPerDay = getEnvIntOrDefault("RISK_MAX_TRADES_PER_DAY", cfg.RiskConfig.MaxTradesPerDay)
	cfg.RiskConfig.MaxDailyLoss = getEnvFloatOrDefault("RISK_MAX_DAILY_LOSS", cfg.RiskConfig.MaxDailyLoss)
	cfg.RiskConfig.MaxDailyLossPercent = getEnvFloatOrDefault("RISK_MAX_DAILY_LOSS_PERCENT", cfg.RiskConfig.MaxDailyLossPercent)
	cfg.RiskConfig.MaxDrawdownPercent = getEnvFloatOrDefault("RISK_MAX_DRAWDOWN_PERCENT", cfg.RiskConfig.MaxDrawdownPercent)
	cfg.RiskConfig.MaxConsecutiveLosses = getEnvIntOrDefault("RISK_MAX_CONSECUTIVE_LOSSES", cfg.RiskConfig.MaxConsecutiveLosses)
	cfg.RiskConfig.MinBalance = getEnvFloatOrDefault("RISK_MIN_BALANCE", cfg.RiskConfig.MinBalance)
	cfg.RiskConfig.StopLossAmount = getEnvFloatOrDefault("RISK_STOP_LOSS_AMOUNT", cfg.RiskConfig.StopLossAmount)
	cfg.RiskConfig.StopLossPercent = getEnvFloatOrDefault("RISK_STOP_LOSS_PERCENT", cfg.RiskConfig.StopLossPercent)
	cfg.RiskConfig.TakeProfitAmount = getEnvFloatOrDefault("RISK_TAKE_PROFIT_AMOUNT", cfg.RiskConfig.TakeProfitAmount)
	cfg.RiskConfig.TakeProfitPercent = getEnvFloatOrDefault("RISK_TAKE_PROFIT_PERCENT", cfg.RiskConfig.TakeProfitPercent)
	cfg.RiskConfig.MaxAPIErrors = getEnvIntOrDefault("RISK_MAX_API_ERRORS", cfg.RiskConfig.MaxAPIErrors)

	// Cycle config
	cfg.CycleConfig.Interval = getEnvDurationOrDefault("CYCLE_INTERVAL", cfg.CycleConfig.Interval)
	cfg.CycleConfig.MarketTimeout = getEnvDurationOrDefault("CYCLE_MARKET_TIMEOUT", cfg.CycleConfig.MarketTimeout)
	cfg.CycleConfig.BrokerTimeout = getEnvDurationOrDefault("CYCLE_BROKER_TIMEOUT", cfg.CycleConfig.BrokerTimeout)
	cfg.CycleConfig.SettlementInterval = getEnvDurationOrDefault("CYCLE_SETTLEMENT_INTERVAL", cfg.CycleConfig.SettlementInterval)
	cfg.CycleConfig.SettlementGrace = getEnvDurationOrDefault("CYCLE_SETTLEMENT_GRACE", cfg.CycleConfig.SettlementGrace)

	// Broker config
	cfg.BrokerConfig.Type = getEnvOrDefault("BROKER_TYPE", cfg.BrokerConfig.Type)
	cfg.BrokerConfig.MT5URL = getEnvOrDefault("MT5_SERVICE_URL", cfg.BrokerConfig.MT5URL)
	cfg.BrokerConfig.MT5Login = int64(getEnvIntOrDefault("MT5_LOGIN", int(cfg.BrokerConfig.MT5Login)))
	cfg.BrokerConfig.MT5Password = getEnvOrDefault("MT5_PASSWORD", cfg.BrokerConfig.MT5Password)
	cfg.BrokerConfig.MT5Server = getEnvOrDefault("MT5_SERVER", cfg.BrokerConfig.MT5Server)
	cfg.BrokerConfig.PaperBalance = getEnvFloatOrDefault("PAPER_BALANCE", cfg.BrokerConfig.PaperBalance)

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.NotificationConfig.Enabled)
	cfg.NotificationConfig.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.NotificationConfig.Telegram.Enabled)
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.NotificationConfig.Discord.Enabled)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Metrics config
	cfg.MetricsConfig.Enabled = getEnvBoolOrDefault("METRICS_ENABLED", cfg.MetricsConfig.Enabled)
	cfg.MetricsConfig.Address = getEnvOrDefault("METRICS_ADDRESS", cfg.MetricsConfig.Address)
	cfg.MetricsConfig.ProductionMode = getEnvBoolOrDefault("METRICS_PRODUCTION_MODE", cfg.MetricsConfig.ProductionMode)
	if origins := os.Getenv("METRICS_ALLOW_ORIGINS"); origins != "" {
		cfg.MetricsConfig.AllowOrigins = strings.Split(origins, ",")
	}

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)
}

// applyDefaults fills anything still unset after file and environment
func applyDefaults(cfg *Config) {
	if cfg.InstanceConfig.ID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.InstanceConfig.ID = host
		} else {
			cfg.InstanceConfig.ID = "unknown"
		}
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}

	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.User == "" {
		cfg.DatabaseConfig.User = "trading_bot"
	}
	if cfg.DatabaseConfig.Database == "" {
		cfg.DatabaseConfig.Database = "trading_bot"
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}

	setDuration(&cfg.LockConfig.UserLockTTL, 60*time.Second)
	setDuration(&cfg.LockConfig.BotLockTTL, 30*time.Second)
	setDuration(&cfg.LockConfig.SweepInterval, time.Minute)
	setDuration(&cfg.LockConfig.StoreTimeout, 2*time.Second)
	setDuration(&cfg.LockConfig.HealthInterval, 30*time.Second)
	if cfg.LockConfig.MaxStoreFailures == 0 {
		cfg.LockConfig.MaxStoreFailures = 3
	}

	if cfg.CircuitBreakerConfig.FailureThreshold == 0 {
		cfg.CircuitBreakerConfig.FailureThreshold = 5
	}
	setDuration(&cfg.CircuitBreakerConfig.FailureWindow, time.Minute)
	setDuration(&cfg.CircuitBreakerConfig.RecoveryTimeout, time.Minute)
	if cfg.CircuitBreakerConfig.SuccessThreshold == 0 {
		cfg.CircuitBreakerConfig.SuccessThreshold = 2
	}
	if cfg.CircuitBreakerConfig.HalfOpenMaxAttempts == 0 {
		cfg.CircuitBreakerConfig.HalfOpenMaxAttempts = 3
	}

	if cfg.RiskConfig.MaxAPIErrors == 0 {
		cfg.RiskConfig.MaxAPIErrors = 5
	}

	setDuration(&cfg.CycleConfig.Interval, 10*time.Second)
	setDuration(&cfg.CycleConfig.MarketTimeout, 5*time.Second)
	setDuration(&cfg.CycleConfig.BrokerTimeout, 15*time.Second)
	setDuration(&cfg.CycleConfig.SettlementInterval, 2*time.Second)
	setDuration(&cfg.CycleConfig.SettlementGrace, 5*time.Minute)

	if cfg.BrokerConfig.Type == "" {
		cfg.BrokerConfig.Type = "paper"
	}
	if cfg.BrokerConfig.MT5URL == "" {
		cfg.BrokerConfig.MT5URL = "http://localhost:5000"
	}
	if cfg.BrokerConfig.PaperBalance == 0 {
		cfg.BrokerConfig.PaperBalance = 1000
	}
	if cfg.BrokerConfig.PaperWinRate == 0 {
		cfg.BrokerConfig.PaperWinRate = 0.5
	}
	if cfg.BrokerConfig.PaperPayout == 0 {
		cfg.BrokerConfig.PaperPayout = 0.85
	}
	setDuration(&cfg.BrokerConfig.PaperSettleAfter, 5*time.Second)

	if cfg.MetricsConfig.Address == "" {
		cfg.MetricsConfig.Address = ":9090"
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "INFO"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}
	if cfg.LoggingConfig.MaxSizeMB == 0 {
		cfg.LoggingConfig.MaxSizeMB = 100
	}
	if cfg.LoggingConfig.MaxBackups == 0 {
		cfg.LoggingConfig.MaxBackups = 5
	}
}

// Validate rejects configurations that would let a cycle outlive its own locks
func (c *Config) Validate() error {
	if c.LockConfig.BotLockTTL <= c.CycleConfig.BrokerTimeout {
		return fmt.Errorf("bot lock TTL (%v) must exceed broker timeout (%v)", c.LockConfig.BotLockTTL, c.CycleConfig.BrokerTimeout)
	}
	if c.LockConfig.UserLockTTL < c.LockConfig.BotLockTTL {
		return fmt.Errorf("user lock TTL (%v) must not be shorter than bot lock TTL (%v)", c.LockConfig.UserLockTTL, c.LockConfig.BotLockTTL)
	}
	switch c.BrokerConfig.Type {
	case "paper", "mt5":
	default:
		return fmt.Errorf("unknown broker type %q", c.BrokerConfig.Type)
	}
	for i, b := range c.Bots {
		if b.UserID == "" || b.BotID == "" {
			return fmt.Errorf("bots[%d]: user_id and bot_id are required", i)
		}
		if b.Stake <= 0 {
			return fmt.Errorf("bots[%d]: stake must be positive", i)
		}
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		v := strings.ToLower(value)
		return v == "true" || v == "1"
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

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	cfg := Config{
		InstanceConfig: InstanceConfig{ID: "prod"},
		RedisConfig: RedisConfig{
			Enabled:  true,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		RiskConfig: RiskConfig{
			MaxTradesPerDay:      20,
			MaxDailyLossPercent:  10,
			MaxDrawdownPercent:   20,
			MaxConsecutiveLosses: 5,
			MinBalance:           10,
			StopLossPercent:      50,
			TakeProfitPercent:    80,
		},
		BrokerConfig: BrokerConfig{Type: "paper", PaperBalance: 1000},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		Bots: []BotConfig{
			{UserID: "u1", BotID: "b1", Symbol: "EURUSD", Stake: 10, Direction: "BUY", Duration: 60},
		},
	}
	applyDefaults(&cfg)

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
