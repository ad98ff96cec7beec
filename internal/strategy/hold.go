package strategy

import "go.uber.org/zap"

func init() {
	Register("hold", func(_ map[string]any, _ *zap.Logger) (Strategy, error) {
		return holdPolicy{}, nil
	})
}

// holdPolicy never trades. Useful as a safe default for new assets and as a
// control in backtests.
type holdPolicy struct{}

func (holdPolicy) Name() string { return "hold" }

func (holdPolicy) Decide(Input) (Decision, error) {
	return None("hold policy"), nil
}
