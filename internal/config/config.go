/**
 * @description
 * This package handles the configuration management for the balance-service.
 * It uses Viper to read settings from environment variables and an optional
 * .env file, applies defaults, and normalizes the values after unmarshalling.
 *
 * @dependencies
 * - github.com/spf13/viper: For configuration management.
 */
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config holds all the configuration variables for the balance-service.
type Config struct {
	ServerPort            string `mapstructure:"SERVER_PORT"`
	Environment           string `mapstructure:"ENVIRONMENT"`
	LogLevel              string `mapstructure:"LOG_LEVEL"`
	LogFormat             string `mapstructure:"LOG_FORMAT"`
	StorageDriver         string `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL           string `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32  `mapstructure:"DB_MIN_CONNS"`
	DBSimpleProtocol      bool   `mapstructure:"DB_SIMPLE_PROTOCOL"`
	AutoMigrate           bool   `mapstructure:"AUTO_MIGRATE"`
	RequestTimeoutSeconds int    `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	JWTSecret             string `mapstructure:"JWT_SECRET"`
	JWTAlgorithm          string `mapstructure:"JWT_ALGORITHM"`
	AccessTokenExpiresMin int    `mapstructure:"ACCESS_TOKEN_EXPIRES_MINUTES"`
	APISecret             string `mapstructure:"API_SECRET"`
	RegistrationEnabled   bool   `mapstructure:"REGISTRATION_ENABLED"`
	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	BalanceEventsExchange string `mapstructure:"BALANCE_EVENTS_EXCHANGE"`
	RedisURL              string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix  string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	APIRateLimitPerMinute int    `mapstructure:"API_RATE_LIMIT_PER_MINUTE"`
	TrustedProxies        string `mapstructure:"TRUSTED_PROXIES"`
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()

	viper.SetDefault("SERVER_PORT", "8000")
	viper.SetDefault("ENVIRONMENT", "local")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "console")
	viper.SetDefault("STORAGE_DRIVER", StorageDriverPostgres)
	viper.SetDefault("DB_MAX_CONNS", 10)
	viper.SetDefault("DB_MIN_CONNS", 2)
	viper.SetDefault("DB_SIMPLE_PROTOCOL", false)
	viper.SetDefault("AUTO_MIGRATE", true)
	viper.SetDefault("REQUEST_TIMEOUT_SECONDS", 60)
	viper.SetDefault("JWT_ALGORITHM", "HS256")
	viper.SetDefault("ACCESS_TOKEN_EXPIRES_MINUTES", 60)
	viper.SetDefault("REGISTRATION_ENABLED", false)
	viper.SetDefault("BALANCE_EVENTS_EXCHANGE", "balance_events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "balance:rate_limit")
	viper.SetDefault("API_RATE_LIMIT_PER_MINUTE", 600)

	// Bind envs explicitly so containers pick them up reliably
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("ENVIRONMENT")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")
	_ = viper.BindEnv("STORAGE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DB_MAX_CONNS")
	_ = viper.BindEnv("DB_MIN_CONNS")
	_ = viper.BindEnv("DB_SIMPLE_PROTOCOL")
	_ = viper.BindEnv("AUTO_MIGRATE")
	_ = viper.BindEnv("REQUEST_TIMEOUT_SECONDS")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("JWT_ALGORITHM")
	_ = viper.BindEnv("ACCESS_TOKEN_EXPIRES_MINUTES")
	_ = viper.BindEnv("API_SECRET")
	_ = viper.BindEnv("REGISTRATION_ENABLED")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("BALANCE_EVENTS_EXCHANGE")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("API_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("TRUSTED_PROXIES")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize()
	return config, nil
}

func (c *Config) normalize() {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.StorageDriver = strings.ToLower(strings.TrimSpace(c.StorageDriver))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.JWTAlgorithm = strings.ToUpper(strings.TrimSpace(c.JWTAlgorithm))
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.BalanceEventsExchange = strings.TrimSpace(c.BalanceEventsExchange)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RedisRateLimitPrefix = strings.TrimSpace(c.RedisRateLimitPrefix)
	c.TrustedProxies = strings.TrimSpace(c.TrustedProxies)

	if c.BalanceEventsExchange == "" {
		c.BalanceEventsExchange = "balance_events"
	}
	if c.RedisRateLimitPrefix == "" {
		c.RedisRateLimitPrefix = "balance:rate_limit"
	}
	if c.DBMaxConns <= 0 {
		c.DBMaxConns = 10
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		log.Printf("level=warn component=config msg=\"DB_MIN_CONNS out of range; coercing\" min=%d max=%d", c.DBMinConns, c.DBMaxConns)
		c.DBMinConns = 0
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = 60
	}
	if c.AccessTokenExpiresMin <= 0 {
		c.AccessTokenExpiresMin = 60
	}
	if c.APIRateLimitPerMinute < 0 {
		c.APIRateLimitPerMinute = 0
	}
}

// Validate reports settings the service cannot start without.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case StorageDriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORAGE_DRIVER=postgres"))
		}
	case StorageDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unsupported STORAGE_DRIVER %q", c.StorageDriver))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch c.JWTAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		errs = append(errs, fmt.Errorf("unsupported JWT_ALGORITHM %q", c.JWTAlgorithm))
	}
	if c.APISecret == "" {
		errs = append(errs, errors.New("API_SECRET is required"))
	}
	return errors.Join(errs...)
}

// TrustedProxyList splits TRUSTED_PROXIES on commas, dropping blanks.
func (c Config) TrustedProxyList() []string {
	var out []string
	for _, entry := range strings.Split(c.TrustedProxies, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

// RequestTimeout is REQUEST_TIMEOUT_SECONDS as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// AccessTokenTTL is ACCESS_TOKEN_EXPIRES_MINUTES as a duration.
func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenExpiresMin) * time.Minute
}
