package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// P&L modes control how realized losses touch total_balance when a trade is closed
const (
	PnLModeSymmetric = "symmetric"
	PnLModeParity    = "parity"
)

// Config holds all runtime settings for the ledger API
type Config struct {
	Environment string         `mapstructure:"environment"`
	Log         LogConfig      `mapstructure:"log"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	JWT         JWTConfig      `mapstructure:"jwt"`
	Admin       AdminConfig    `mapstructure:"admin"`
	Ledger      LedgerConfig   `mapstructure:"ledger"`
	Bots        BotsConfig     `mapstructure:"bots"`
	Plans       PlansConfig    `mapstructure:"plans"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Market      MarketConfig   `mapstructure:"market"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Debug bool   `mapstructure:"debug"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AuthRatePerMin  int           `mapstructure:"auth_rate_per_min"`
	APIRatePerMin   int           `mapstructure:"api_rate_per_min"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// AdminConfig seeds a back-office account at start-up when both fields are set
type AdminConfig struct {
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

type LedgerConfig struct {
	DemoStartingBalance decimal.Decimal `mapstructure:"demo_starting_balance"`
	DefaultAccountType  string          `mapstructure:"default_account_type"`
	MaxRetries          int             `mapstructure:"max_retries"`
	RetryBackoff        time.Duration   `mapstructure:"retry_backoff"`
	PnLMode             string          `mapstructure:"pnl_mode"`
}

type BotsConfig struct {
	MinPosition        decimal.Decimal `mapstructure:"min_position"`
	MaxPositionRatio   decimal.Decimal `mapstructure:"max_position_ratio"`
	DefaultRiskPercent decimal.Decimal `mapstructure:"default_risk_percent"`
	DefaultLeverage    decimal.Decimal `mapstructure:"default_leverage"`
}

type PlansConfig struct {
	Prices         map[string]decimal.Decimal `mapstructure:"prices"`
	ExpiryInterval time.Duration              `mapstructure:"expiry_interval"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type MarketConfig struct {
	Feed   string                     `mapstructure:"feed"`
	Prices map[string]decimal.Decimal `mapstructure:"prices"`
}

// IsProduction reports whether the service runs with production settings
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Load reads configuration from .env, an optional config.yaml and the environment
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.debug", false)

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("server.auth_rate_per_min", 10)
	v.SetDefault("server.api_rate_per_min", 100)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "ledger.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("jwt.secret", "klear-secret-key")
	v.SetDefault("jwt.ttl", "24h")

	v.SetDefault("admin.email", "")
	v.SetDefault("admin.password", "")

	v.SetDefault("ledger.demo_starting_balance", "10000")
	v.SetDefault("ledger.default_account_type", "live")
	v.SetDefault("ledger.max_retries", 3)
	v.SetDefault("ledger.retry_backoff", "20ms")
	v.SetDefault("ledger.pnl_mode", PnLModeSymmetric)

	v.SetDefault("bots.min_position", "10")
	v.SetDefault("bots.max_position_ratio", "0.5")
	v.SetDefault("bots.default_risk_percent", "2")
	v.SetDefault("bots.default_leverage", "1")

	v.SetDefault("plans.prices", map[string]string{})
	v.SetDefault("plans.expiry_interval", "5m")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", "10s")

	v.SetDefault("market.feed", "simulated")
	v.SetDefault("market.prices", map[string]string{
		"BTCUSD": "65000",
		"ETHUSD": "3200",
		"EURUSD": "1.08",
		"AAPL":   "190",
		"TSLA":   "240",
		"XAUUSD": "2350",
	})
}

// Validate checks settings that would leave the ledger in an unusable state
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}

	if c.JWT.Secret == "" {
		return errors.New("jwt.secret is required")
	}
	if c.IsProduction() && c.JWT.Secret == "klear-secret-key" {
		return errors.New("jwt.secret must be changed in production")
	}

	switch c.Ledger.PnLMode {
	case PnLModeSymmetric, PnLModeParity:
	default:
		return fmt.Errorf("unsupported ledger.pnl_mode %q", c.Ledger.PnLMode)
	}

	switch c.Ledger.DefaultAccountType {
	case "demo", "live":
	default:
		return fmt.Errorf("unsupported ledger.default_account_type %q", c.Ledger.DefaultAccountType)
	}

	if c.Ledger.MaxRetries < 1 {
		return errors.New("ledger.max_retries must be at least 1")
	}

	if c.Ledger.DemoStartingBalance.IsNegative() {
		return errors.New("ledger.demo_starting_balance cannot be negative")
	}

	if !c.Bots.MaxPositionRatio.IsPositive() || c.Bots.MaxPositionRatio.GreaterThan(decimal.NewFromInt(1)) {
		return errors.New("bots.max_position_ratio must be in (0, 1]")
	}

	switch c.Market.Feed {
	case "simulated", "static":
	default:
		return fmt.Errorf("unsupported market.feed %q", c.Market.Feed)
	}

	return nil
}

// Defaults returns the configuration built from defaults only, ignoring files and environment
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := unmarshal(v)
	if err != nil {
		panic(fmt.Sprintf("invalid default configuration: %v", err))
	}
	return cfg
}
