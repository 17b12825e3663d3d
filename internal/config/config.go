/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables (plus
 * an optional .env file), providing a centralized way to manage settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the ledger-service.
type Config struct {
	ServerPort               string  `mapstructure:"SERVER_PORT"`
	DatabaseURL              string  `mapstructure:"DATABASE_URL"`
	RedisURL                 string  `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string  `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL              string  `mapstructure:"RABBITMQ_URL"`
	JWTSecret                string  `mapstructure:"JWT_SECRET"`
	TransferFeePercent       float64 `mapstructure:"TRANSFER_FEE_PERCENT"`
	PerTransactionCap        float64 `mapstructure:"PER_TRANSACTION_CAP"`
	DailyDebitCap            float64 `mapstructure:"DAILY_DEBIT_CAP"`
	CreateRateLimitPerMinute int     `mapstructure:"CREATE_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables, looking for an
// optional .env file at the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "ledger:rate_limit")
	viper.SetDefault("TRANSFER_FEE_PERCENT", 1.0)
	viper.SetDefault("PER_TRANSACTION_CAP", 0.0)
	viper.SetDefault("DAILY_DEBIT_CAP", 0.0)
	viper.SetDefault("CREATE_RATE_LIMIT_PER_MINUTE", 60)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("TRANSFER_FEE_PERCENT")
	_ = viper.BindEnv("PER_TRANSACTION_CAP")
	_ = viper.BindEnv("DAILY_DEBIT_CAP")
	_ = viper.BindEnv("CREATE_RATE_LIMIT_PER_MINUTE")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if config.TransferFeePercent < 0 {
		log.Printf("level=warn component=config msg=\"negative transfer fee percent configured; coercing to zero\" fee_percent=%f", config.TransferFeePercent)
		config.TransferFeePercent = 0
	}
	if config.TransferFeePercent > 100 {
		log.Printf("level=warn component=config msg=\"transfer fee percent too high; capping at 100\" fee_percent=%f", config.TransferFeePercent)
		config.TransferFeePercent = 100
	}
	if config.PerTransactionCap < 0 {
		config.PerTransactionCap = 0
	}
	if config.DailyDebitCap < 0 {
		config.DailyDebitCap = 0
	}
	if config.CreateRateLimitPerMinute < 0 {
		config.CreateRateLimitPerMinute = 0
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "ledger:rate_limit"
	}

	return
}
