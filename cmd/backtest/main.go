package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"

	"go.uber.org/zap"

	"github.com/harveybc/lts/internal/broker"
	"github.com/harveybc/lts/internal/ledger"
	"github.com/harveybc/lts/internal/logger"
	"github.com/harveybc/lts/internal/models"
	"github.com/harveybc/lts/internal/strategy"
)

// The backtester replays an OHLC series through the decision policy against
// the simulated broker. Signals are derived from the series itself: the
// short horizon is the one-bar return, the long horizon the trailing
// multi-bar return, with rolling volatility as the uncertainty band.

const longWindow = 5

func main() {
	var (
		csvFile      = flag.String("csv", "", "OHLC series to replay (required)")
		symbol       = flag.String("symbol", "EUR/USD", "instrument symbol")
		initialCash  = flag.Float64("cash", 10000, "starting balance")
		spreadPips   = flag.Float64("spread", 1.2, "spread in pips")
		slippagePips = flag.Float64("slippage", 0.5, "slippage in pips")
		commission   = flag.Float64("commission", 4.0, "commission per lot")
		swap         = flag.Float64("swap", -2.5, "swap per lot per night")
		logLevel     = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log, err := logger.NewLogger(*logLevel, "console")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if *csvFile == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := broker.Config{
		InitialCash:      *initialCash,
		SpreadPips:       *spreadPips,
		SlippagePips:     *slippagePips,
		CommissionPerLot: *commission,
		SwapPerLotDay:    *swap,
	}.WithDefaults()

	sim := broker.NewSimulated(cfg, log)
	if err := sim.LoadCSV(*csvFile); err != nil {
		log.Fatal("Failed to load price series", zap.Error(err))
	}

	policy := strategy.NewPredictionPolicy(nil, log)

	var closes []float64
	decide := func(b *broker.Simulated, i int, bar broker.Bar) {
		closes = append(closes, bar.Close)
		if len(closes) <= longWindow {
			return
		}

		input := strategy.Input{
			Asset:       strategy.AssetState{Symbol: *symbol},
			Market:      strategy.MarketData{Time: bar.Time, Price: bar.Close},
			Predictions: derive(closes),
		}
		if open := b.Ledger().OpenPositions(); len(open) > 0 {
			input.OpenPosition = asModel(open[0])
		}

		decision, err := policy.Decide(input)
		if err != nil {
			log.Error("Decision failed", zap.Int("bar", i), zap.Error(err))
			return
		}

		switch decision.Action {
		case strategy.ActionOpen:
			result := b.OpenOrder(context.Background(), broker.OrderParams{
				Symbol:     *symbol,
				Side:       decision.Side,
				Type:       models.OrderTypeMarket,
				Lots:       decision.Lots,
				StopLoss:   decision.StopLoss,
				TakeProfit: decision.TakeProfit,
				Reason:     decision.Reason,
			})
			if !result.Success {
				log.Debug("Open rejected", zap.Int("bar", i), zap.Error(result.Err))
			}
		case strategy.ActionClose:
			result := b.CloseOrder(context.Background(), broker.OrderParams{
				Symbol:     *symbol,
				PositionID: decision.PositionID,
				Reason:     decision.Reason,
			})
			if !result.Success {
				log.Debug("Close rejected", zap.Int("bar", i), zap.Error(result.Err))
			}
		}
	}

	summary, err := sim.RunSimulation(decide)
	if err != nil {
		log.Fatal("Simulation failed", zap.Error(err))
	}
	report(summary)
}

// derive builds the two prediction horizons from the price history seen so
// far. Values are fractional returns, uncertainties rolling volatility.
func derive(closes []float64) strategy.Predictions {
	n := len(closes)
	last := closes[n-1]

	shortValue := last/closes[n-2] - 1
	longValue := last/closes[n-1-longWindow] - 1

	vol := volatility(closes[n-1-longWindow:])
	return strategy.Predictions{
		Short: &strategy.Signal{Value: shortValue, Uncertainty: vol},
		Long:  &strategy.Signal{Value: longValue, Uncertainty: vol * 2},
	}
}

// volatility is the standard deviation of bar-to-bar returns in the window.
func volatility(window []float64) float64 {
	if len(window) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(window)-1)
	var mean float64
	for i := 1; i < len(window); i++ {
		r := window[i]/window[i-1] - 1
		returns = append(returns, r)
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance)
}

// asModel maps a ledger position into the shape the policy consumes.
func asModel(p *ledger.Position) *models.Position {
	return &models.Position{
		Symbol:           p.Symbol,
		Side:             p.Side,
		Quantity:         p.Lots,
		EntryPrice:       p.EntryPrice,
		CurrentPrice:     p.CurrentPrice,
		UnrealizedPnL:    p.UnrealizedPnL,
		Status:           models.PositionStatusOpen,
		BrokerPositionID: p.ID,
		OpenedAt:         p.OpenedAt,
	}
}

func report(s broker.Summary) {
	fmt.Println("=== Simulation Summary ===")
	fmt.Printf("Initial cash:     %12.2f\n", s.InitialCash)
	fmt.Printf("Final balance:    %12.2f\n", s.FinalBalance)
	fmt.Printf("Total return:     %11.2f%%\n", s.TotalReturnPct)
	fmt.Printf("Total trades:     %12d\n", s.TotalTrades)
	fmt.Printf("Winners / losers: %7d / %d\n", s.Winners, s.Losers)
	fmt.Printf("Win rate:         %11.2f%%\n", s.WinRate*100)
	fmt.Printf("Max drawdown:     %11.2f%%\n", s.MaxDrawdown*100)
	fmt.Printf("Total P&L:        %12.2f\n", s.TotalPnL)
	fmt.Printf("Total commission: %12.2f\n", s.TotalCommission)
	fmt.Printf("Total swap:       %12.2f\n", s.TotalSwap)
	if len(s.CloseReasons) > 0 {
		fmt.Println("Close reasons:")
		for reason, count := range s.CloseReasons {
			fmt.Printf("  %-12s %d\n", reason, count)
		}
	}
}
