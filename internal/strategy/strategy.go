package strategy

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/harveybc/lts/internal/models"
)

// Action is a strategy's verdict for one asset on one cycle.
type Action string

const (
	ActionOpen  Action = "open"
	ActionClose Action = "close"
	ActionNone  Action = "none"
)

// Decision carries an action plus the parameters the execution engine needs.
type Decision struct {
	Action     Action
	Side       models.Side
	Lots       float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Confidence float64
	PositionID string
	Reason     string
}

// None is the do-nothing decision with an explanation for the log.
func None(reason string) Decision {
	return Decision{Action: ActionNone, Reason: reason}
}

// AssetState is the slice of asset configuration a strategy may see.
type AssetState struct {
	Symbol           string
	AllocatedCapital float64
	MaxLots          float64 // hard cap derived from the allocation
	MaxPositions     int
}

// MarketData is the current market snapshot for one symbol.
type MarketData struct {
	Time  time.Time
	Price float64
	Bid   float64
	Ask   float64
}

// Signal is one prediction horizon's contribution: a point estimate of the
// expected fractional return and its uncertainty band.
type Signal struct {
	Value       float64
	Uncertainty float64
}

// Predictions holds the forward-looking signals for the configured horizons.
// A nil horizon means the provider failed to deliver it; strategies must
// treat that as absence of data, never as a neutral signal.
type Predictions struct {
	Short *Signal
	Long  *Signal
}

// Input is everything a strategy sees for one decision.
type Input struct {
	Asset        AssetState
	Market       MarketData
	Predictions  Predictions
	OpenPosition *models.Position // nil when the asset has no exposure
}

// Strategy maps market state and predictions to a trading decision. Decide is
// a pure function of its input: no I/O, no suspension.
type Strategy interface {
	Name() string
	Decide(in Input) (Decision, error)
}

// Factory builds a strategy from its parameter blob.
type Factory func(params map[string]any, logger *zap.Logger) (Strategy, error)

var registry = make(map[string]Factory)

// Register makes a strategy resolvable by name.
func Register(name string, factory Factory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("strategy %q registered twice", name))
	}
	registry[name] = factory
}

// New resolves a registered strategy by name.
func New(name string, params map[string]any, logger *zap.Logger) (Strategy, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (registered: %v)", name, Names())
	}
	return factory(params, logger)
}

// Names lists the registered strategies.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
