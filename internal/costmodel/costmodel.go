package costmodel

import (
	"time"

	"github.com/harveybc/lts/internal/models"
)

// CostModel converts trade intents into executed prices and carrying costs.
// All methods are pure: identical inputs always produce identical outputs,
// which is the property the accounting layer relies on.
type CostModel struct {
	PipValue         float64 // price units per pip, e.g. 0.0001 for EUR/USD
	LotSize          float64 // units per lot, e.g. 100000
	SpreadPips       float64
	SlippagePips     float64
	CommissionPerLot float64 // round-turn, charged on open
	SwapPerLotDay    float64 // overnight carrying cost per lot per night
}

// HalfSpread is the per-side spread adjustment in price units.
func (m CostModel) HalfSpread() float64 {
	return m.SpreadPips * m.PipValue / 2
}

// Slippage is the execution slippage in price units.
func (m CostModel) Slippage() float64 {
	return m.SlippagePips * m.PipValue
}

// FillPrice returns the executed price for a market order against the given
// mid price. Buys fill above mid, sells below.
func (m CostModel) FillPrice(side models.Side, mid float64) float64 {
	adj := m.HalfSpread() + m.Slippage()
	if side == models.SideSell {
		return mid - adj
	}
	return mid + adj
}

// Quote returns the bid/ask pair implied by the spread around a mid price.
func (m CostModel) Quote(mid float64) (bid, ask float64) {
	half := m.HalfSpread()
	return mid - half, mid + half
}

// Commission is linear in traded lots.
func (m CostModel) Commission(lots float64) float64 {
	return m.CommissionPerLot * lots
}

// Swap accrues once per elapsed night the position stays open.
func (m CostModel) Swap(lots float64, nights int) float64 {
	if nights <= 0 {
		return 0
	}
	return m.SwapPerLotDay * lots * float64(nights)
}

// Units converts lots to instrument units.
func (m CostModel) Units(lots float64) float64 {
	return lots * m.LotSize
}

// Nights counts the UTC midnight boundaries crossed between open and close.
// A position opened and closed on the same calendar day accrues no swap.
func Nights(openedAt, closedAt time.Time) int {
	if !closedAt.After(openedAt) {
		return 0
	}
	openDay := openedAt.UTC().Truncate(24 * time.Hour)
	closeDay := closedAt.UTC().Truncate(24 * time.Hour)
	return int(closeDay.Sub(openDay) / (24 * time.Hour))
}
