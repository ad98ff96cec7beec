package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Scheduler  Scheduler  `mapstructure:"scheduler"`
	Strategy   Strategy   `mapstructure:"strategy"`
	Broker     Broker     `mapstructure:"broker"`
	Prediction Prediction `mapstructure:"prediction"`
	Logger     Logger     `mapstructure:"logger"`
	Server     Server     `mapstructure:"server"`
	Database   Database   `mapstructure:"database"`
}

// Scheduler holds the cycle cadence and concurrency settings.
type Scheduler struct {
	GlobalLatencyMinutes    int    `mapstructure:"global_latency_minutes"`
	DefaultLatencyMinutes   int    `mapstructure:"default_latency_minutes"`
	MaxConcurrentPortfolios int    `mapstructure:"max_concurrent_portfolios"`
	ExecutionTimeoutSeconds int    `mapstructure:"execution_timeout_seconds"`
	ShortHorizon            string `mapstructure:"short_horizon"`
	LongHorizon             string `mapstructure:"long_horizon"`
}

// Strategy holds the global defaults for the decision policy. Per-asset
// strategy_config blobs override these.
type Strategy struct {
	WeightShort            float64 `mapstructure:"weight_short"`
	WeightLong             float64 `mapstructure:"weight_long"`
	ConfidenceThreshold    float64 `mapstructure:"confidence_threshold"`
	UncertaintyThreshold   float64 `mapstructure:"uncertainty_threshold"`
	UncertaintyScale       float64 `mapstructure:"uncertainty_scale"`
	TrendAlignmentRequired bool    `mapstructure:"trend_alignment_required"`
	PositionSizeBase       float64 `mapstructure:"position_size_base"`
	StopLossPips           float64 `mapstructure:"stop_loss_pips"`
	TakeProfitPips         float64 `mapstructure:"take_profit_pips"`
	PipValue               float64 `mapstructure:"pip_value"`
}

// Params converts the section into the parameter blob the strategy registry
// consumes.
func (s Strategy) Params() map[string]any {
	return map[string]any{
		"weight_short":             s.WeightShort,
		"weight_long":              s.WeightLong,
		"confidence_threshold":     s.ConfidenceThreshold,
		"uncertainty_threshold":    s.UncertaintyThreshold,
		"uncertainty_scale":        s.UncertaintyScale,
		"trend_alignment_required": s.TrendAlignmentRequired,
		"position_size_base":       s.PositionSizeBase,
		"stop_loss_pips":           s.StopLossPips,
		"take_profit_pips":         s.TakeProfitPips,
		"pip_value":                s.PipValue,
	}
}

// Broker holds the global execution defaults. Per-asset broker_config blobs
// override these.
type Broker struct {
	APIURL           string  `mapstructure:"api_url"`
	APIToken         string  `mapstructure:"api_token"`
	AccountID        string  `mapstructure:"account_id"`
	MaxRetries       int     `mapstructure:"max_retries"`
	RetryBackoff     float64 `mapstructure:"retry_backoff"`
	RateLimit        float64 `mapstructure:"rate_limit"`
	RateLimitBurst   int     `mapstructure:"rate_limit_burst"`
	InitialCash      float64 `mapstructure:"initial_cash"`
	Leverage         float64 `mapstructure:"leverage"`
	ExitTieBreak     string  `mapstructure:"exit_tie_break"`
	PipValue         float64 `mapstructure:"pip_value"`
	LotSize          float64 `mapstructure:"lot_size"`
	SpreadPips       float64 `mapstructure:"spread_pips"`
	SlippagePips     float64 `mapstructure:"slippage_pips"`
	CommissionPerLot float64 `mapstructure:"commission_per_lot"`
	SwapPerLotDay    float64 `mapstructure:"swap_per_lot_day"`
}

// Prediction holds the configuration for the prediction provider.
type Prediction struct {
	BaseURL string  `mapstructure:"base_url"`
	Token   string  `mapstructure:"token"`
	Timeout float64 `mapstructure:"timeout"`
}

// Server holds the configuration for the control endpoint.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("scheduler.global_latency_minutes", 5)
	viper.SetDefault("scheduler.default_latency_minutes", 5)
	viper.SetDefault("scheduler.max_concurrent_portfolios", 4)
	viper.SetDefault("scheduler.execution_timeout_seconds", 300)
	viper.SetDefault("scheduler.short_horizon", "1h")
	viper.SetDefault("scheduler.long_horizon", "1d")

	viper.SetDefault("strategy.weight_short", 0.6)
	viper.SetDefault("strategy.weight_long", 0.4)
	viper.SetDefault("strategy.confidence_threshold", 0.7)
	viper.SetDefault("strategy.uncertainty_threshold", 0.05)
	viper.SetDefault("strategy.uncertainty_scale", 0.25)
	viper.SetDefault("strategy.trend_alignment_required", true)
	viper.SetDefault("strategy.position_size_base", 0.1)
	viper.SetDefault("strategy.stop_loss_pips", 80)
	viper.SetDefault("strategy.take_profit_pips", 100)
	viper.SetDefault("strategy.pip_value", 0.0001)

	viper.SetDefault("broker.max_retries", 3)
	viper.SetDefault("broker.retry_backoff", 1.0) // seconds, doubles per attempt
	viper.SetDefault("broker.rate_limit", 10)     // requests per second
	viper.SetDefault("broker.rate_limit_burst", 5)
	viper.SetDefault("broker.initial_cash", 10000)
	viper.SetDefault("broker.leverage", 100)
	viper.SetDefault("broker.pip_value", 0.0001)
	viper.SetDefault("broker.lot_size", 100000)

	viper.SetDefault("prediction.timeout", 10)

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.dsn", "lts.db")
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")

	// A missing config file is fine: defaults plus environment variables
	// fully describe a runnable setup.
	if err = viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	return
}
