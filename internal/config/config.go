// Package config loads service configuration from defaults, an optional
// YAML file and MARKET_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const devJWTSecret = "dev-secret-change-me"

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	// URL is a PostgreSQL connection string. Empty selects the in-memory
	// store.
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	// URL enables the market read cache and the settlement lock.
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	AdminUsers []string      `mapstructure:"admin_users"`
}

type TradeConfig struct {
	MaxRetries      int             `mapstructure:"max_retries"`
	LockTimeout     time.Duration   `mapstructure:"lock_timeout"`
	StartingBalance decimal.Decimal `mapstructure:"starting_balance"`
	RatePerSecond   float64         `mapstructure:"rate_per_second"`
	Burst           int             `mapstructure:"burst"`
}

// RiskConfig holds stake limits. Zero disables a limit.
type RiskConfig struct {
	MaxPerMarket decimal.Decimal `mapstructure:"max_per_market"`
	MaxTotal     decimal.Decimal `mapstructure:"max_total"`
}

type SettlementConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type AppConfig struct {
	ServiceName string           `mapstructure:"service_name"`
	Env         string           `mapstructure:"env"`
	LogLevel    string           `mapstructure:"log_level"`
	HTTP        HTTPConfig       `mapstructure:"http"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Auth        AuthConfig       `mapstructure:"auth"`
	Trade       TradeConfig      `mapstructure:"trade"`
	Risk        RiskConfig       `mapstructure:"risk"`
	Settlement  SettlementConfig `mapstructure:"settlement"`
}

// Load reads configuration. A missing file at path is not an error; an
// empty path reads environment and defaults only.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("MARKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg AppConfig
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToDecimalHook,
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *AppConfig) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("config: http.port %d out of range", c.HTTP.Port)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("config: auth.jwt_secret is required")
	}
	if c.Env == "prod" && c.Auth.JWTSecret == devJWTSecret {
		return errors.New("config: auth.jwt_secret must be set in prod")
	}
	if c.Trade.MaxRetries < 0 {
		return errors.New("config: trade.max_retries must be >= 0")
	}
	if c.Trade.StartingBalance.IsNegative() {
		return errors.New("config: trade.starting_balance must be >= 0")
	}
	if c.Risk.MaxPerMarket.IsNegative() || c.Risk.MaxTotal.IsNegative() {
		return errors.New("config: risk limits must be >= 0")
	}
	if c.Settlement.Enabled && c.Settlement.Interval <= 0 {
		return errors.New("config: settlement.interval must be positive")
	}
	return nil
}

// IsAdmin reports whether username is configured as an administrator.
func (c *AuthConfig) IsAdmin(username string) bool {
	for _, u := range c.AdminUsers {
		if strings.EqualFold(strings.TrimSpace(u), username) {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "market-engine")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", "30s")
	v.SetDefault("auth.jwt_secret", devJWTSecret)
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.admin_users", []string{"admin"})
	v.SetDefault("trade.max_retries", 3)
	v.SetDefault("trade.lock_timeout", "2s")
	v.SetDefault("trade.starting_balance", "1000")
	v.SetDefault("trade.rate_per_second", 5.0)
	v.SetDefault("trade.burst", 10)
	v.SetDefault("risk.max_per_market", "0")
	v.SetDefault("risk.max_total", "0")
	v.SetDefault("settlement.enabled", true)
	v.SetDefault("settlement.interval", "24h")
	v.SetDefault("settlement.lock_ttl", "5m")
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// stringToDecimalHook decodes config scalars into decimal.Decimal.
func stringToDecimalHook(_ reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if t != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		if v == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(v)
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	default:
		return data, nil
	}
}
