package strategy

import (
	"math"

	"go.uber.org/zap"

	"github.com/harveybc/lts/internal/models"
)

func init() {
	Register("prediction", func(params map[string]any, logger *zap.Logger) (Strategy, error) {
		return NewPredictionPolicy(params, logger), nil
	})
}

// PredictionPolicy combines a short- and a long-horizon prediction into a
// confidence-gated trading decision.
//
// trend      = w_short*short + w_long*long
// confidence = |trend| / (|trend| + k*uncertainty)
//
// Confidence rises with trend magnitude and falls with uncertainty; the k
// factor sets how aggressively uncertainty discounts the signal.
type PredictionPolicy struct {
	WeightShort            float64
	WeightLong             float64
	ConfidenceThreshold    float64
	UncertaintyThreshold   float64
	UncertaintyScale       float64 // k above
	TrendAlignmentRequired bool
	PositionSizeBase       float64 // lots before confidence scaling
	StopLossPips           float64
	TakeProfitPips         float64
	PipValue               float64

	logger *zap.Logger
}

// NewPredictionPolicy builds the policy from a parameter blob, falling back
// to the documented defaults for anything unset.
func NewPredictionPolicy(params map[string]any, logger *zap.Logger) *PredictionPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PredictionPolicy{
		WeightShort:            floatParam(params, "weight_short", 0.6),
		WeightLong:             floatParam(params, "weight_long", 0.4),
		ConfidenceThreshold:    floatParam(params, "confidence_threshold", 0.7),
		UncertaintyThreshold:   floatParam(params, "uncertainty_threshold", 0.05),
		UncertaintyScale:       floatParam(params, "uncertainty_scale", 0.25),
		TrendAlignmentRequired: boolParam(params, "trend_alignment_required", true),
		PositionSizeBase:       floatParam(params, "position_size_base", 0.1),
		StopLossPips:           floatParam(params, "stop_loss_pips", 80),
		TakeProfitPips:         floatParam(params, "take_profit_pips", 100),
		PipValue:               floatParam(params, "pip_value", 0.0001),
		logger:                 logger,
	}
}

func (s *PredictionPolicy) Name() string { return "prediction" }

// Decide implements the gated decision flow. Missing horizons force a none
// decision: absence of data is never a neutral signal.
func (s *PredictionPolicy) Decide(in Input) (Decision, error) {
	short, long := in.Predictions.Short, in.Predictions.Long
	if short == nil || long == nil {
		return None("insufficient prediction data"), nil
	}

	trend := s.WeightShort*short.Value + s.WeightLong*long.Value
	uncertainty := s.WeightShort*short.Uncertainty + s.WeightLong*long.Uncertainty

	if s.TrendAlignmentRequired && !aligned(short.Value, long.Value) {
		return None("horizons disagree on direction"), nil
	}

	confidence := s.confidence(trend, uncertainty)
	if uncertainty > s.UncertaintyThreshold {
		return None("uncertainty above threshold"), nil
	}
	if confidence < s.ConfidenceThreshold {
		return None("confidence below threshold"), nil
	}

	side := models.SideBuy
	if trend < 0 {
		side = models.SideSell
	}

	if in.OpenPosition != nil && in.OpenPosition.IsOpen() {
		if in.OpenPosition.Side != side {
			// Signal flipped against the open exposure.
			return Decision{
				Action:     ActionClose,
				Side:       in.OpenPosition.Side,
				PositionID: in.OpenPosition.BrokerPositionID,
				Confidence: confidence,
				Reason:     "signal reversal",
			}, nil
		}
		return None("already positioned with the trend"), nil
	}

	// Opening needs a price to anchor entry, stop and target; a close above
	// does not. Without one there is no trade.
	if in.Market.Price <= 0 {
		return None("no market price"), nil
	}

	lots := s.PositionSizeBase * confidence
	if in.Asset.MaxLots > 0 && lots > in.Asset.MaxLots {
		lots = in.Asset.MaxLots
	}
	if lots <= 0 {
		return None("position size rounds to zero"), nil
	}

	price := in.Market.Price
	var stopLoss, takeProfit float64
	if side == models.SideBuy {
		stopLoss = price - s.StopLossPips*s.PipValue
		takeProfit = price + s.TakeProfitPips*s.PipValue
	} else {
		stopLoss = price + s.StopLossPips*s.PipValue
		takeProfit = price - s.TakeProfitPips*s.PipValue
	}

	return Decision{
		Action:     ActionOpen,
		Side:       side,
		Lots:       lots,
		Price:      price,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Confidence: confidence,
		Reason:     "trend signal",
	}, nil
}

// confidence is monotonic: strictly increasing in |trend|, strictly
// decreasing in uncertainty.
func (s *PredictionPolicy) confidence(trend, uncertainty float64) float64 {
	magnitude := math.Abs(trend)
	if magnitude == 0 {
		return 0
	}
	denom := magnitude + s.UncertaintyScale*math.Max(uncertainty, 0)
	return magnitude / denom
}

func aligned(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func floatParam(params map[string]any, key string, fallback float64) float64 {
	if params == nil {
		return fallback
	}
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

func boolParam(params map[string]any, key string, fallback bool) bool {
	if params == nil {
		return fallback
	}
	if v, ok := params[key].(bool); ok {
		return v
	}
	return fallback
}
