package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/harveybc/lts/internal/costmodel"
	"github.com/harveybc/lts/internal/ledger"
	"github.com/harveybc/lts/internal/models"
)

func init() {
	Register("simulated", func(cfg Config, logger *zap.Logger) (Broker, error) {
		s := NewSimulated(cfg, logger)
		if cfg.CSVFile != "" {
			if err := s.LoadCSV(cfg.CSVFile); err != nil {
				return nil, err
			}
		}
		return s, nil
	})
}

// ErrNoPrice is returned when a market order arrives with no price and no
// loaded bar to take one from.
var ErrNoPrice = errors.New("no price available")

// Bar is one OHLC candle of the pre-loaded price series.
type Bar struct {
	Time  time.Time
	Open  float64
	High  float64
	Low   float64
	Close float64
}

type pendingOrder struct {
	id        string
	params    OrderParams
	createdAt time.Time
}

// Simulated executes orders synchronously against an in-process ledger and a
// pre-loaded OHLC series. Market orders fill immediately at the cost-adjusted
// price; limit orders rest until a bar crosses them.
type Simulated struct {
	cfg    Config
	costs  costmodel.CostModel
	book   *ledger.Ledger
	logger *zap.Logger

	bars    []Bar
	idx     int
	pending []*pendingOrder
	nextID  int
}

// NewSimulated creates a simulation broker with a fresh ledger.
func NewSimulated(cfg Config, logger *zap.Logger) *Simulated {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.WithDefaults()
	costs := cfg.Costs()
	book := ledger.New(cfg.InitialCash, cfg.Leverage, costs)
	if cfg.ExitTieBreak != "" {
		book.SetTieBreak(ledger.TieBreak(cfg.ExitTieBreak))
	}
	return &Simulated{
		cfg:    cfg,
		costs:  costs,
		book:   book,
		logger: logger.Named("sim-broker"),
		nextID: 1,
	}
}

func (s *Simulated) Name() string { return "simulated" }

// LoadBars replaces the price series and rewinds to the first bar.
func (s *Simulated) LoadBars(bars []Bar) {
	s.bars = bars
	s.idx = 0
}

// Ledger exposes the underlying accounting for callers that need balances or
// trade history; mutation stays with the broker.
func (s *Simulated) Ledger() *ledger.Ledger {
	return s.book
}

func (s *Simulated) currentBar() (Bar, bool) {
	if s.idx < 0 || s.idx >= len(s.bars) {
		return Bar{}, false
	}
	return s.bars[s.idx], true
}

func (s *Simulated) now() time.Time {
	if bar, ok := s.currentBar(); ok {
		return bar.Time
	}
	return time.Now().UTC()
}

func (s *Simulated) marketPrice(requested float64) (float64, error) {
	if requested > 0 {
		return requested, nil
	}
	bar, ok := s.currentBar()
	if !ok {
		return 0, ErrNoPrice
	}
	return bar.Close, nil
}

// Quote returns the current bid/ask implied by the spread.
func (s *Simulated) Quote() (bid, ask float64, err error) {
	bar, ok := s.currentBar()
	if !ok {
		return 0, 0, ErrNoPrice
	}
	bid, ask = s.costs.Quote(bar.Close)
	return bid, ask, nil
}

// OpenOrder fills a market order synchronously or parks a limit order.
func (s *Simulated) OpenOrder(_ context.Context, p OrderParams) ExecutionResult {
	if p.Lots <= 0 {
		return Failure(fmt.Errorf("invalid quantity %f", p.Lots))
	}
	if p.Side != models.SideBuy && p.Side != models.SideSell {
		return Failure(fmt.Errorf("invalid side %q", p.Side))
	}

	if p.Type == models.OrderTypeLimit {
		if p.Price <= 0 {
			return Failure(errors.New("limit order requires a price"))
		}
		id := "L" + strconv.Itoa(s.nextID)
		s.nextID++
		s.pending = append(s.pending, &pendingOrder{id: id, params: p, createdAt: s.now()})
		return ExecutionResult{Success: true, OrderID: id, Status: models.OrderStatusPending}
	}

	mid, err := s.marketPrice(p.Price)
	if err != nil {
		return Failure(err)
	}

	pos, err := s.book.Open(p.Symbol, p.Side, p.Lots, mid, p.StopLoss, p.TakeProfit, s.now())
	if err != nil {
		return Failure(err)
	}

	s.logger.Debug("Filled simulated order",
		zap.String("position_id", pos.ID),
		zap.String("side", string(p.Side)),
		zap.Float64("lots", p.Lots),
		zap.Float64("fill_price", pos.EntryPrice),
	)

	return ExecutionResult{
		Success:    true,
		OrderID:    pos.ID,
		PositionID: pos.ID,
		Status:     models.OrderStatusFilled,
		FillPrice:  pos.EntryPrice,
	}
}

// CloseOrder closes an open position at the current (or requested) price.
func (s *Simulated) CloseOrder(_ context.Context, p OrderParams) ExecutionResult {
	price, err := s.marketPrice(p.Price)
	if err != nil {
		return Failure(err)
	}

	reason := ledger.ExitManual
	if p.Reason != "" {
		reason = ledger.ExitReason(p.Reason)
	}

	pos, err := s.book.CloseFor(p.PositionID, price, s.now(), reason)
	if err != nil {
		return Failure(err)
	}

	return ExecutionResult{
		Success:     true,
		OrderID:     pos.ID,
		PositionID:  pos.ID,
		Status:      models.OrderStatusFilled,
		ClosePrice:  pos.ClosePrice,
		RealizedPnL: pos.RealizedPnL,
	}
}

// ModifyOrder updates the TP/SL levels of an open position.
func (s *Simulated) ModifyOrder(_ context.Context, positionID string, stopLoss, takeProfit float64) ExecutionResult {
	if err := s.book.Modify(positionID, stopLoss, takeProfit); err != nil {
		return Failure(err)
	}
	return ExecutionResult{Success: true, PositionID: positionID, Status: models.OrderStatusFilled}
}

// OpenOrders lists open positions plus resting limit orders.
func (s *Simulated) OpenOrders(_ context.Context) ([]OpenOrder, error) {
	positions := s.book.OpenPositions()
	out := make([]OpenOrder, 0, len(positions)+len(s.pending))
	for _, p := range positions {
		out = append(out, OpenOrder{
			ID:            p.ID,
			Symbol:        p.Symbol,
			Side:          p.Side,
			Lots:          p.Lots,
			EntryPrice:    p.EntryPrice,
			StopLoss:      p.StopLoss,
			TakeProfit:    p.TakeProfit,
			UnrealizedPnL: p.UnrealizedPnL,
			OpenedAt:      p.OpenedAt,
		})
	}
	for _, po := range s.pending {
		out = append(out, OpenOrder{
			ID:         po.id,
			Symbol:     po.params.Symbol,
			Side:       po.params.Side,
			Lots:       po.params.Lots,
			EntryPrice: po.params.Price,
			StopLoss:   po.params.StopLoss,
			TakeProfit: po.params.TakeProfit,
			OpenedAt:   po.createdAt,
		})
	}
	return out, nil
}

// Execute is the compatibility entry point dispatching to open/close.
func (s *Simulated) Execute(ctx context.Context, action Action, p OrderParams) ExecutionResult {
	return Dispatch(s, ctx, action, p)
}

// Tick advances the simulation to the given bar, fills crossed limit orders,
// refreshes marks and auto-closes positions whose TP/SL the bar touched.
// Returns the positions closed this tick.
func (s *Simulated) Tick(barIndex int) []*ledger.Position {
	s.idx = barIndex
	bar, ok := s.currentBar()
	if !ok {
		return nil
	}

	s.fillPendingLimits(bar)

	var closed []*ledger.Position
	for _, p := range s.book.OpenPositions() {
		if _, err := s.book.MarkToMarket(p.ID, bar.Close); err != nil {
			continue
		}
		reason := s.book.CheckExit(p, bar.High, bar.Low)
		if reason == ledger.ExitNone {
			continue
		}
		exitPrice := p.TakeProfit
		if reason == ledger.ExitStopLoss {
			exitPrice = p.StopLoss
		}
		done, err := s.book.CloseFor(p.ID, exitPrice, bar.Time, reason)
		if err != nil {
			s.logger.Warn("Auto-close failed", zap.String("position_id", p.ID), zap.Error(err))
			continue
		}
		closed = append(closed, done)
	}
	return closed
}

// fillPendingLimits fills limit orders the bar's range crossed, at the limit
// price.
func (s *Simulated) fillPendingLimits(bar Bar) {
	remaining := s.pending[:0]
	for _, po := range s.pending {
		crossed := (po.params.Side == models.SideBuy && bar.Low <= po.params.Price) ||
			(po.params.Side == models.SideSell && bar.High >= po.params.Price)
		if !crossed {
			remaining = append(remaining, po)
			continue
		}
		if _, err := s.book.OpenAt(po.params.Symbol, po.params.Side, po.params.Lots,
			po.params.Price, po.params.StopLoss, po.params.TakeProfit, bar.Time); err != nil {
			s.logger.Warn("Limit fill rejected", zap.String("order_id", po.id), zap.Error(err))
		}
	}
	s.pending = remaining
}

// DecideFunc lets a caller drive trading decisions during a simulation run.
type DecideFunc func(b *Simulated, barIndex int, bar Bar)

// Summary is the performance report of a full simulation run.
type Summary struct {
	InitialCash     float64
	FinalBalance    float64
	TotalReturnPct  float64
	TotalTrades     int
	Winners         int
	Losers          int
	WinRate         float64
	MaxDrawdown     float64
	TotalPnL        float64
	TotalCommission float64
	TotalSwap       float64
	CloseReasons    map[ledger.ExitReason]int
	Trades          []*ledger.Position
}

// RunSimulation drives the loaded series end to end, calling decide on every
// bar, then force-closes whatever is still open on the last bar.
func (s *Simulated) RunSimulation(decide DecideFunc) (Summary, error) {
	if len(s.bars) == 0 {
		return Summary{}, errors.New("no bars loaded")
	}

	equity := make([]float64, 0, len(s.bars))
	for i, bar := range s.bars {
		s.idx = i
		if decide != nil {
			decide(s, i, bar)
		}
		s.Tick(i)
		equity = append(equity, s.book.Equity())
	}

	last := s.bars[len(s.bars)-1]
	for _, p := range s.book.OpenPositions() {
		if _, err := s.book.CloseFor(p.ID, last.Close, last.Time, ledger.ExitEndOfData); err != nil {
			s.logger.Warn("End-of-data close failed", zap.String("position_id", p.ID), zap.Error(err))
		}
	}
	equity = append(equity, s.book.Balance())

	return s.summarize(equity), nil
}

func (s *Simulated) summarize(equity []float64) Summary {
	trades := s.book.History()
	summary := Summary{
		InitialCash:  s.cfg.InitialCash,
		FinalBalance: s.book.Balance(),
		TotalTrades:  len(trades),
		MaxDrawdown:  maxDrawdown(equity),
		CloseReasons: make(map[ledger.ExitReason]int),
		Trades:       trades,
	}
	if s.cfg.InitialCash > 0 {
		summary.TotalReturnPct = (summary.FinalBalance - s.cfg.InitialCash) / s.cfg.InitialCash * 100
	}
	for _, t := range trades {
		summary.TotalPnL += t.RealizedPnL
		summary.TotalCommission += t.Commission
		summary.TotalSwap += t.Swap
		summary.CloseReasons[t.CloseReason]++
		if t.RealizedPnL > 0 {
			summary.Winners++
		} else {
			summary.Losers++
		}
	}
	if len(trades) > 0 {
		summary.WinRate = float64(summary.Winners) / float64(len(trades))
	}
	return summary
}

// maxDrawdown is the largest peak-to-trough fraction of the equity curve.
func maxDrawdown(equity []float64) float64 {
	var peak, maxDD float64
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - v) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}
