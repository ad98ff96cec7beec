package costmodel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/harveybc/lts/internal/models"
)

func eurUsd() CostModel {
	return CostModel{
		PipValue:         0.0001,
		LotSize:          100000,
		SpreadPips:       2.0,
		SlippagePips:     1.0,
		CommissionPerLot: 7.0,
		SwapPerLotDay:    10.0,
	}
}

func TestFillPrice_SpreadOnly(t *testing.T) {
	// EUR/USD, spread 2 pips, no slippage: buy at mid 1.1000 fills at 1.1001.
	m := eurUsd()
	m.SlippagePips = 0

	assert.InDelta(t, 1.1001, m.FillPrice(models.SideBuy, 1.1000), 1e-9)
	assert.InDelta(t, 1.0999, m.FillPrice(models.SideSell, 1.1000), 1e-9)
}

func TestFillPrice_WithSlippage(t *testing.T) {
	m := eurUsd()

	// Half spread (0.0001) plus slippage (0.0001) on each side.
	assert.InDelta(t, 1.1002, m.FillPrice(models.SideBuy, 1.1000), 1e-9)
	assert.InDelta(t, 1.0998, m.FillPrice(models.SideSell, 1.1000), 1e-9)
}

func TestFillPrice_Deterministic(t *testing.T) {
	m := eurUsd()

	first := m.FillPrice(models.SideBuy, 1.23456)
	for i := 0; i < 1000; i++ {
		// Bit-identical, not just approximately equal.
		assert.Equal(t, first, m.FillPrice(models.SideBuy, 1.23456))
	}
	assert.Equal(t, m.Commission(0.37), m.Commission(0.37))
	assert.Equal(t, m.Swap(0.37, 5), m.Swap(0.37, 5))
}

func TestQuote(t *testing.T) {
	m := eurUsd()

	bid, ask := m.Quote(1.1000)
	assert.InDelta(t, 1.0999, bid, 1e-9)
	assert.InDelta(t, 1.1001, ask, 1e-9)
}

func TestCommission_LinearInLots(t *testing.T) {
	m := eurUsd()

	assert.InDelta(t, 7.0, m.Commission(1), 1e-9)
	assert.InDelta(t, 0.7, m.Commission(0.1), 1e-9)
	assert.InDelta(t, 21.0, m.Commission(3), 1e-9)
}

func TestSwap(t *testing.T) {
	m := eurUsd()

	assert.Equal(t, 0.0, m.Swap(1, 0))
	assert.Equal(t, 0.0, m.Swap(1, -1))
	assert.InDelta(t, 10.0, m.Swap(1, 1), 1e-9)
	assert.InDelta(t, 5.0, m.Swap(0.1, 5), 1e-9)
}

func TestNights(t *testing.T) {
	testCases := []struct {
		name   string
		open   time.Time
		close  time.Time
		nights int
	}{
		{
			name:   "same day",
			open:   time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
			close:  time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC),
			nights: 0,
		},
		{
			name:   "held overnight",
			open:   time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC),
			close:  time.Date(2025, 3, 11, 1, 0, 0, 0, time.UTC),
			nights: 1,
		},
		{
			name:   "three nights",
			open:   time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
			close:  time.Date(2025, 3, 13, 12, 0, 0, 0, time.UTC),
			nights: 3,
		},
		{
			name:   "close before open",
			open:   time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
			close:  time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC),
			nights: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.nights, Nights(tc.open, tc.close))
		})
	}
}
