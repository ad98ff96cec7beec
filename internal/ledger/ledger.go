package ledger

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/harveybc/lts/internal/costmodel"
	"github.com/harveybc/lts/internal/models"
)

var (
	// ErrInsufficientMargin is a business rejection, not a system fault.
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrPositionNotFound   = errors.New("position not found")
	ErrAlreadyClosed      = errors.New("position already closed")
)

// ExitReason identifies why an exit condition fired.
type ExitReason string

const (
	ExitNone       ExitReason = ""
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitManual     ExitReason = "manual"
	ExitEndOfData  ExitReason = "end_of_data"
)

// TieBreak selects the winner when one bar touches both stop-loss and
// take-profit. The intrabar path is unknown, so this is policy, not inference;
// stop-loss is the conservative default.
type TieBreak string

const (
	TieBreakStopLoss   TieBreak = "stop_loss"
	TieBreakTakeProfit TieBreak = "take_profit"
)

// Position is one ledger entry. Exported fields are read by callers; only the
// ledger mutates them.
type Position struct {
	ID            string
	Symbol        string
	Side          models.Side
	Lots          float64
	EntryPrice    float64 // after spread/slippage
	RawEntryPrice float64 // mid at open time
	StopLoss      float64
	TakeProfit    float64
	CurrentPrice  float64
	UnrealizedPnL float64
	Commission    float64
	Swap          float64
	RealizedPnL   float64
	CloseReason   ExitReason
	ClosePrice    float64
	OpenedAt      time.Time
	ClosedAt      time.Time
	Closed        bool
}

// Ledger tracks cash, margin and positions for one account. It is not safe
// for concurrent use; each portfolio worker owns its ledgers exclusively.
type Ledger struct {
	costs      costmodel.CostModel
	leverage   float64
	cash       float64
	marginUsed float64
	tieBreak   TieBreak

	open    map[string]*Position
	closed  map[string]*Position
	history []*Position
	nextID  int
}

// New creates a ledger with the given starting balance.
func New(initialCash, leverage float64, costs costmodel.CostModel) *Ledger {
	if leverage <= 0 {
		leverage = 1
	}
	return &Ledger{
		costs:    costs,
		leverage: leverage,
		cash:     initialCash,
		tieBreak: TieBreakStopLoss,
		open:     make(map[string]*Position),
		closed:   make(map[string]*Position),
		nextID:   1,
	}
}

// SetTieBreak overrides the simultaneous TP/SL policy.
func (l *Ledger) SetTieBreak(tb TieBreak) {
	if tb == TieBreakStopLoss || tb == TieBreakTakeProfit {
		l.tieBreak = tb
	}
}

// Open fills a market order at the cost-adjusted price, debits margin and
// commission, and returns the new open position.
func (l *Ledger) Open(symbol string, side models.Side, lots, mid, stopLoss, takeProfit float64, at time.Time) (*Position, error) {
	return l.book(symbol, side, lots, l.costs.FillPrice(side, mid), mid, stopLoss, takeProfit, at)
}

// OpenAt books a position at an exact fill price, with no spread or slippage
// adjustment. Limit fills use it: a crossed limit executes at its limit
// price. Margin and commission apply as usual.
func (l *Ledger) OpenAt(symbol string, side models.Side, lots, fill, stopLoss, takeProfit float64, at time.Time) (*Position, error) {
	return l.book(symbol, side, lots, fill, fill, stopLoss, takeProfit, at)
}

func (l *Ledger) book(symbol string, side models.Side, lots, fill, mid, stopLoss, takeProfit float64, at time.Time) (*Position, error) {
	if lots <= 0 {
		return nil, fmt.Errorf("invalid lot size %f", lots)
	}

	required := l.costs.Units(lots) * fill / l.leverage
	if required > l.FreeMargin() {
		return nil, fmt.Errorf("need %.2f, free %.2f: %w", required, l.FreeMargin(), ErrInsufficientMargin)
	}

	commission := l.costs.Commission(lots)
	l.cash -= commission
	l.marginUsed += required

	p := &Position{
		ID:            strconv.Itoa(l.nextID),
		Symbol:        symbol,
		Side:          side,
		Lots:          lots,
		EntryPrice:    fill,
		RawEntryPrice: mid,
		StopLoss:      stopLoss,
		TakeProfit:    takeProfit,
		CurrentPrice:  fill,
		Commission:    commission,
		OpenedAt:      at,
	}
	l.nextID++
	l.open[p.ID] = p
	return p, nil
}

// Close exits an open position at the given price, fixing its realized P&L.
// Realized P&L is net of commission and accrued swap and never changes after
// this call.
func (l *Ledger) Close(id string, price float64, at time.Time) (*Position, error) {
	p, ok := l.open[id]
	if !ok {
		if _, was := l.closed[id]; was {
			return nil, fmt.Errorf("position %s: %w", id, ErrAlreadyClosed)
		}
		return nil, fmt.Errorf("position %s: %w", id, ErrPositionNotFound)
	}
	return l.closePosition(p, price, at, ExitManual), nil
}

// CloseFor is Close with an explicit exit reason, used by the TP/SL sweep.
func (l *Ledger) CloseFor(id string, price float64, at time.Time, reason ExitReason) (*Position, error) {
	p, err := l.Close(id, price, at)
	if err != nil {
		return nil, err
	}
	p.CloseReason = reason
	return p, nil
}

func (l *Ledger) closePosition(p *Position, price float64, at time.Time, reason ExitReason) *Position {
	gross := (price - p.EntryPrice) * l.costs.Units(p.Lots) * p.Side.Sign()
	nights := costmodel.Nights(p.OpenedAt, at)
	swap := l.costs.Swap(p.Lots, nights)

	p.Swap = swap
	p.ClosePrice = price
	p.ClosedAt = at
	p.CloseReason = reason
	p.RealizedPnL = gross - p.Commission - swap
	p.UnrealizedPnL = 0
	p.Closed = true

	// Commission was debited at open; settle the rest now.
	l.cash += gross - swap
	l.marginUsed -= l.costs.Units(p.Lots) * p.EntryPrice / l.leverage
	if l.marginUsed < 0 {
		l.marginUsed = 0
	}

	delete(l.open, p.ID)
	l.closed[p.ID] = p
	l.history = append(l.history, p)
	return p
}

// MarkToMarket refreshes the unrealized P&L of an open position against the
// given price without closing it.
func (l *Ledger) MarkToMarket(id string, price float64) (float64, error) {
	p, ok := l.open[id]
	if !ok {
		if _, was := l.closed[id]; was {
			return 0, fmt.Errorf("position %s: %w", id, ErrAlreadyClosed)
		}
		return 0, fmt.Errorf("position %s: %w", id, ErrPositionNotFound)
	}
	p.CurrentPrice = price
	p.UnrealizedPnL = (price - p.EntryPrice) * l.costs.Units(p.Lots) * p.Side.Sign()
	return p.UnrealizedPnL, nil
}

// CheckExit reports which exit condition, if any, the bar's range triggered.
// When the bar touches both levels the configured tie-break decides.
func (l *Ledger) CheckExit(p *Position, barHigh, barLow float64) ExitReason {
	var slHit, tpHit bool
	if p.Side == models.SideBuy {
		slHit = p.StopLoss > 0 && barLow <= p.StopLoss
		tpHit = p.TakeProfit > 0 && barHigh >= p.TakeProfit
	} else {
		slHit = p.StopLoss > 0 && barHigh >= p.StopLoss
		tpHit = p.TakeProfit > 0 && barLow <= p.TakeProfit
	}

	switch {
	case slHit && tpHit:
		if l.tieBreak == TieBreakTakeProfit {
			return ExitTakeProfit
		}
		return ExitStopLoss
	case slHit:
		return ExitStopLoss
	case tpHit:
		return ExitTakeProfit
	default:
		return ExitNone
	}
}

// Modify updates TP/SL levels on an open position.
func (l *Ledger) Modify(id string, stopLoss, takeProfit float64) error {
	p, ok := l.open[id]
	if !ok {
		return fmt.Errorf("position %s: %w", id, ErrPositionNotFound)
	}
	if stopLoss > 0 {
		p.StopLoss = stopLoss
	}
	if takeProfit > 0 {
		p.TakeProfit = takeProfit
	}
	return nil
}

// Get returns any position, open or closed.
func (l *Ledger) Get(id string) (*Position, bool) {
	if p, ok := l.open[id]; ok {
		return p, true
	}
	p, ok := l.closed[id]
	return p, ok
}

// OpenPositions returns the open positions in insertion order.
func (l *Ledger) OpenPositions() []*Position {
	out := make([]*Position, 0, len(l.open))
	for i := 1; i < l.nextID; i++ {
		if p, ok := l.open[strconv.Itoa(i)]; ok {
			out = append(out, p)
		}
	}
	return out
}

// History returns closed positions in close order.
func (l *Ledger) History() []*Position {
	return l.history
}

// Balance is realized cash.
func (l *Ledger) Balance() float64 {
	return l.cash
}

// Equity is cash plus the unrealized P&L of open positions at their last
// marked prices.
func (l *Ledger) Equity() float64 {
	equity := l.cash
	for _, p := range l.open {
		equity += p.UnrealizedPnL
	}
	return equity
}

// FreeMargin is the balance not locked by open positions.
func (l *Ledger) FreeMargin() float64 {
	return l.cash - l.marginUsed
}

// MarginUsed is the margin currently locked.
func (l *Ledger) MarginUsed() float64 {
	return l.marginUsed
}
