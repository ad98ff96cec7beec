package broker

import (
	"context"
	"time"

	"github.com/harveybc/lts/internal/costmodel"
	"github.com/harveybc/lts/internal/models"
)

// Action is the compatibility dispatch verb shared by all broker variants.
type Action string

const (
	ActionOpen  Action = "open"
	ActionClose Action = "close"
)

// OrderParams carries one trade intent to a broker.
type OrderParams struct {
	Symbol     string
	Side       models.Side
	Type       models.OrderType
	Lots       float64
	Price      float64 // requested price; 0 means current market
	StopLoss   float64
	TakeProfit float64
	PositionID string // required for close
	Reason     string
}

// ExecutionResult is the structured outcome of a broker call. Business
// rejections and exhausted retries come back as Success=false with Err set;
// brokers never panic across this boundary.
type ExecutionResult struct {
	Success     bool
	OrderID     string
	PositionID  string
	Status      models.OrderStatus
	FillPrice   float64
	ClosePrice  float64
	RealizedPnL float64
	Response    string // raw broker payload for the audit trail
	Err         error
}

// Failure wraps an error into a rejected result.
func Failure(err error) ExecutionResult {
	return ExecutionResult{Success: false, Status: models.OrderStatusRejected, Err: err}
}

// OpenOrder describes one currently open trade as reported by a broker.
type OpenOrder struct {
	ID            string
	Symbol        string
	Side          models.Side
	Lots          float64
	EntryPrice    float64
	StopLoss      float64
	TakeProfit    float64
	UnrealizedPnL float64
	OpenedAt      time.Time
}

// Broker is the capability set every execution variant implements.
type Broker interface {
	Name() string
	OpenOrder(ctx context.Context, p OrderParams) ExecutionResult
	CloseOrder(ctx context.Context, p OrderParams) ExecutionResult
	ModifyOrder(ctx context.Context, positionID string, stopLoss, takeProfit float64) ExecutionResult
	OpenOrders(ctx context.Context) ([]OpenOrder, error)
	Execute(ctx context.Context, action Action, p OrderParams) ExecutionResult
}

// Dispatch implements the shared Execute contract on top of open/close.
func Dispatch(b Broker, ctx context.Context, action Action, p OrderParams) ExecutionResult {
	switch action {
	case ActionOpen:
		return b.OpenOrder(ctx, p)
	case ActionClose:
		return b.CloseOrder(ctx, p)
	default:
		return Failure(invalidActionError(action))
	}
}

// Config is the per-broker configuration, merged from global defaults and the
// asset's broker_config blob.
type Config struct {
	// Live connectivity.
	APIURL         string  `mapstructure:"api_url" json:"api_url"`
	APIToken       string  `mapstructure:"api_token" json:"api_token"`
	AccountID      string  `mapstructure:"account_id" json:"account_id"`
	MaxRetries     int     `mapstructure:"max_retries" json:"max_retries"`
	RetryBackoff   float64 `mapstructure:"retry_backoff" json:"retry_backoff"` // seconds, doubles per attempt
	RateLimit      float64 `mapstructure:"rate_limit" json:"rate_limit"`       // requests per second
	RateLimitBurst int     `mapstructure:"rate_limit_burst" json:"rate_limit_burst"`

	// Simulation.
	InitialCash  float64 `mapstructure:"initial_cash" json:"initial_cash"`
	Leverage     float64 `mapstructure:"leverage" json:"leverage"`
	CSVFile      string  `mapstructure:"csv_file" json:"csv_file"`
	ExitTieBreak string  `mapstructure:"exit_tie_break" json:"exit_tie_break"`

	// Transaction costs.
	PipValue         float64 `mapstructure:"pip_value" json:"pip_value"`
	LotSize          float64 `mapstructure:"lot_size" json:"lot_size"`
	SpreadPips       float64 `mapstructure:"spread_pips" json:"spread_pips"`
	SlippagePips     float64 `mapstructure:"slippage_pips" json:"slippage_pips"`
	CommissionPerLot float64 `mapstructure:"commission_per_lot" json:"commission_per_lot"`
	SwapPerLotDay    float64 `mapstructure:"swap_per_lot_day" json:"swap_per_lot_day"`
}

// WithDefaults fills unset fields with the documented defaults.
func (c Config) WithDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 1.0
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 5
	}
	if c.InitialCash <= 0 {
		c.InitialCash = 10000
	}
	if c.Leverage <= 0 {
		c.Leverage = 100
	}
	if c.PipValue <= 0 {
		c.PipValue = 0.0001
	}
	if c.LotSize <= 0 {
		c.LotSize = 100000
	}
	return c
}

// Costs builds the cost model described by this configuration.
func (c Config) Costs() costmodel.CostModel {
	return costmodel.CostModel{
		PipValue:         c.PipValue,
		LotSize:          c.LotSize,
		SpreadPips:       c.SpreadPips,
		SlippagePips:     c.SlippagePips,
		CommissionPerLot: c.CommissionPerLot,
		SwapPerLotDay:    c.SwapPerLotDay,
	}
}
