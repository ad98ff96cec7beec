package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/harveybc/lts/internal/broker"
	"github.com/harveybc/lts/internal/database"
	"github.com/harveybc/lts/internal/models"
	"github.com/harveybc/lts/internal/prediction"
	"github.com/harveybc/lts/internal/store"
)

var (
	stubOpens  atomic.Int64
	stubCloses atomic.Int64

	// stubOpenList is what the stub broker reports as its open positions;
	// tests set it to drive the reconciliation path.
	stubOpenList []broker.OpenOrder
)

// stubBroker answers every call instantly, so scheduler tests exercise the
// cycle mechanics without simulated market data.
type stubBroker struct {
	fail bool
}

func init() {
	broker.Register("stub", func(_ broker.Config, _ *zap.Logger) (broker.Broker, error) {
		return &stubBroker{}, nil
	})
	broker.Register("flaky", func(_ broker.Config, _ *zap.Logger) (broker.Broker, error) {
		return &stubBroker{fail: true}, nil
	})
}

func (b *stubBroker) Name() string {
	if b.fail {
		return "flaky"
	}
	return "stub"
}

func (b *stubBroker) OpenOrder(_ context.Context, p broker.OrderParams) broker.ExecutionResult {
	if b.fail {
		return broker.Failure(&broker.TransientError{Err: errors.New("venue offline")})
	}
	stubOpens.Add(1)
	return broker.ExecutionResult{
		Success:    true,
		OrderID:    "ord-1",
		PositionID: "pos-1",
		Status:     models.OrderStatusFilled,
		FillPrice:  1.1001,
		Response:   "{}",
	}
}

func (b *stubBroker) CloseOrder(_ context.Context, p broker.OrderParams) broker.ExecutionResult {
	if b.fail {
		return broker.Failure(&broker.TransientError{Err: errors.New("venue offline")})
	}
	stubCloses.Add(1)
	return broker.ExecutionResult{
		Success:     true,
		OrderID:     "ord-2",
		PositionID:  p.PositionID,
		Status:      models.OrderStatusFilled,
		ClosePrice:  1.1100,
		RealizedPnL: 12.5,
		Response:    "{}",
	}
}

func (b *stubBroker) ModifyOrder(_ context.Context, positionID string, _, _ float64) broker.ExecutionResult {
	return broker.ExecutionResult{Success: true, PositionID: positionID}
}

func (b *stubBroker) OpenOrders(_ context.Context) ([]broker.OpenOrder, error) {
	return stubOpenList, nil
}

func (b *stubBroker) Quote() (bid, ask float64, err error) {
	return 1.1000, 1.1002, nil
}

func (b *stubBroker) Execute(ctx context.Context, action broker.Action, p broker.OrderParams) broker.ExecutionResult {
	return broker.Dispatch(b, ctx, action, p)
}

type fakeProvider struct {
	set prediction.Set
	err error
}

func (f *fakeProvider) GetPredictions(context.Context, string, time.Time, []string) (prediction.Set, error) {
	return f.set, f.err
}

// strongBuy yields trend 0.026, uncertainty 0.01: past every gate.
func strongBuy() prediction.Set {
	return prediction.Set{Horizons: map[string]prediction.Horizon{
		"1h": {Name: "1h", Values: []float64{0.03}, Uncertainties: []float64{0.01}},
		"1d": {Name: "1d", Values: []float64{0.02}, Uncertainties: []float64{0.01}},
	}}
}

// strongSell mirrors strongBuy in the other direction.
func strongSell() prediction.Set {
	return prediction.Set{Horizons: map[string]prediction.Horizon{
		"1h": {Name: "1h", Values: []float64{-0.03}, Uncertainties: []float64{0.01}},
		"1d": {Name: "1d", Values: []float64{-0.02}, Uncertainties: []float64{0.01}},
	}}
}

func setupScheduler(t *testing.T, provider PredictionProvider) (*Scheduler, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, database.AutoMigrate(db))

	s := New(Config{
		DefaultPortfolioLatency: 5 * time.Minute,
		ExecutionTimeout:        time.Second,
		ShortHorizon:            "1h",
		LongHorizon:             "1d",
	}, store.New(db), provider, zap.NewNop())

	stubOpens.Store(0)
	stubCloses.Store(0)
	stubOpenList = nil
	return s, db
}

func seedPortfolio(t *testing.T, db *gorm.DB, last *time.Time) models.Portfolio {
	p := models.Portfolio{
		UserID: 1, Name: "main", IsActive: true,
		TotalCapital: 10000, Allocator: "equal",
		LatencyMinutes: 5, LastExecution: last,
	}
	assert.NoError(t, db.Create(&p).Error)
	return p
}

func seedAsset(t *testing.T, db *gorm.DB, portfolioID uint, symbol, brokerName string) models.Asset {
	a := models.Asset{
		PortfolioID: portfolioID, Symbol: symbol, IsActive: true,
		StrategyName: "prediction", BrokerName: brokerName, MaxPositions: 1,
	}
	assert.NoError(t, db.Create(&a).Error)
	return a
}

func TestDue(t *testing.T) {
	s, db := setupScheduler(t, nil)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	never := seedPortfolio(t, db, nil)
	assert.True(t, s.due(never, now))

	recent := now.Add(-3 * time.Minute)
	notDue := seedPortfolio(t, db, &recent)
	assert.False(t, s.due(notDue, now))

	stale := now.Add(-6 * time.Minute)
	due := seedPortfolio(t, db, &stale)
	assert.True(t, s.due(due, now))
}

func TestRunCycle_SkipsPortfolioInsideLatencyWindow(t *testing.T) {
	s, db := setupScheduler(t, &fakeProvider{set: strongBuy()})
	now := time.Now().UTC()
	recent := now.Add(-time.Minute)
	p := seedPortfolio(t, db, &recent)
	seedAsset(t, db, p.ID, "EUR/USD", "stub")

	assert.NoError(t, s.RunCycle(context.Background(), now))

	var stats int64
	db.Model(&models.ExecutionStatistic{}).Count(&stats)
	assert.Zero(t, stats)
	assert.Zero(t, stubOpens.Load())
}

func TestRunCycle_IsolatesAssetFailures(t *testing.T) {
	s, db := setupScheduler(t, &fakeProvider{set: strongBuy()})
	now := time.Now().UTC()
	p := seedPortfolio(t, db, nil)
	seedAsset(t, db, p.ID, "EUR/USD", "stub")
	seedAsset(t, db, p.ID, "GBP/USD", "flaky")
	seedAsset(t, db, p.ID, "USD/JPY", "stub")

	assert.NoError(t, s.RunCycle(context.Background(), now))

	// The failing middle asset never blocks its siblings.
	assert.Equal(t, int64(2), stubOpens.Load())

	var stat models.ExecutionStatistic
	assert.NoError(t, db.First(&stat).Error)
	assert.Equal(t, p.ID, stat.PortfolioID)
	assert.Equal(t, 3, stat.AssetsProcessed)
	assert.Equal(t, 1, stat.Failures)
	assert.Equal(t, 2, stat.OrdersCreated)

	var orders, positions int64
	db.Model(&models.Order{}).Count(&orders)
	db.Model(&models.Position{}).Count(&positions)
	assert.Equal(t, int64(2), orders)
	assert.Equal(t, int64(2), positions)

	// The cadence still advances after a partial failure.
	var reloaded models.Portfolio
	assert.NoError(t, db.First(&reloaded, p.ID).Error)
	assert.NotNil(t, reloaded.LastExecution)

	state, ok := s.State(p.ID)
	assert.True(t, ok)
	assert.Equal(t, 1, state.CyclesRun)
	assert.True(t, state.LastExecution.Equal(now))
}

func TestRunCycle_DegradesWhenPredictionsUnavailable(t *testing.T) {
	s, db := setupScheduler(t, &fakeProvider{err: prediction.ErrUnavailable})
	p := seedPortfolio(t, db, nil)
	seedAsset(t, db, p.ID, "EUR/USD", "stub")

	assert.NoError(t, s.RunCycle(context.Background(), time.Now().UTC()))

	// Missing predictions mean no decision, not an error.
	var stat models.ExecutionStatistic
	assert.NoError(t, db.First(&stat).Error)
	assert.Equal(t, 1, stat.AssetsProcessed)
	assert.Zero(t, stat.Failures)
	assert.Zero(t, stat.OrdersCreated)
	assert.Zero(t, stubOpens.Load())
}

func TestRunCycle_ClosesOnSignalReversal(t *testing.T) {
	s, db := setupScheduler(t, &fakeProvider{set: strongSell()})
	now := time.Now().UTC()
	p := seedPortfolio(t, db, nil)
	a := seedAsset(t, db, p.ID, "EUR/USD", "stub")

	open := models.Position{
		PortfolioID: p.ID, AssetID: a.ID, Symbol: a.Symbol,
		Side: models.SideBuy, Quantity: 0.1,
		EntryPrice: 1.1001, CurrentPrice: 1.1001,
		Status: models.PositionStatusOpen, BrokerPositionID: "pos-1",
		OpenedAt: now.Add(-time.Hour),
	}
	assert.NoError(t, db.Create(&open).Error)
	stubOpenList = []broker.OpenOrder{{ID: "pos-1", Symbol: "EUR/USD", Side: models.SideBuy, Lots: 0.1}}

	assert.NoError(t, s.RunCycle(context.Background(), now))
	assert.Equal(t, int64(1), stubCloses.Load())
	assert.Zero(t, stubOpens.Load())

	var reloaded models.Position
	assert.NoError(t, db.First(&reloaded, open.ID).Error)
	assert.Equal(t, models.PositionStatusClosed, reloaded.Status)
	assert.NotNil(t, reloaded.ClosedAt)
	assert.InDelta(t, 12.5, reloaded.RealizedPnL, 1e-9)

	var stat models.ExecutionStatistic
	assert.NoError(t, db.First(&stat).Error)
	assert.Equal(t, 1, stat.OrdersCreated)
	assert.InDelta(t, 12.5, stat.PnLDelta, 1e-9)
}

func TestExecuteSingleAsset(t *testing.T) {
	s, db := setupScheduler(t, &fakeProvider{set: strongBuy()})
	p := seedPortfolio(t, db, nil)
	a := seedAsset(t, db, p.ID, "EUR/USD", "stub")

	assert.NoError(t, s.ExecuteSingleAsset(context.Background(), a.ID))
	assert.Equal(t, int64(1), stubOpens.Load())

	var order models.Order
	assert.NoError(t, db.First(&order).Error)
	assert.Equal(t, a.ID, order.AssetID)
	assert.Equal(t, models.OrderStatusFilled, order.Status)

	// Manual runs do not produce a cycle statistics row.
	var stats int64
	db.Model(&models.ExecutionStatistic{}).Count(&stats)
	assert.Zero(t, stats)
}

func TestExecuteSingleAsset_UnknownAsset(t *testing.T) {
	s, _ := setupScheduler(t, nil)
	assert.Error(t, s.ExecuteSingleAsset(context.Background(), 999))
}

func TestRunCycle_RefreshesOpenPositionMark(t *testing.T) {
	s, db := setupScheduler(t, &fakeProvider{set: strongBuy()})
	now := time.Now().UTC()
	p := seedPortfolio(t, db, nil)
	a := seedAsset(t, db, p.ID, "EUR/USD", "stub")

	open := models.Position{
		PortfolioID: p.ID, AssetID: a.ID, Symbol: a.Symbol,
		Side: models.SideBuy, Quantity: 0.1,
		EntryPrice: 1.0900, CurrentPrice: 1.0900,
		Status: models.PositionStatusOpen, BrokerPositionID: "pos-1",
		OpenedAt: now.Add(-time.Hour),
	}
	assert.NoError(t, db.Create(&open).Error)
	stubOpenList = []broker.OpenOrder{{ID: "pos-1", Symbol: "EUR/USD", Side: models.SideBuy, Lots: 0.1, UnrealizedPnL: 7.5}}

	assert.NoError(t, s.RunCycle(context.Background(), now))

	// Aligned signal plus existing exposure: no trade, but the row's mark
	// moved to the current quote.
	var reloaded models.Position
	assert.NoError(t, db.First(&reloaded, open.ID).Error)
	assert.Equal(t, models.PositionStatusOpen, reloaded.Status)
	assert.InDelta(t, 1.1001, reloaded.CurrentPrice, 1e-9)
	assert.InDelta(t, 7.5, reloaded.UnrealizedPnL, 1e-9)
	assert.Zero(t, stubOpens.Load())
	assert.Zero(t, stubCloses.Load())
}

func TestRunCycle_ReconcilesBrokerClosedPosition(t *testing.T) {
	s, db := setupScheduler(t, &fakeProvider{set: strongBuy()})
	now := time.Now().UTC()
	p := seedPortfolio(t, db, nil)
	a := seedAsset(t, db, p.ID, "EUR/USD", "stub")

	// The broker stopped this one out on its side; its list is empty.
	open := models.Position{
		PortfolioID: p.ID, AssetID: a.ID, Symbol: a.Symbol,
		Side: models.SideBuy, Quantity: 0.1,
		EntryPrice: 1.0900, CurrentPrice: 1.0950, UnrealizedPnL: 5.0,
		Status: models.PositionStatusOpen, BrokerPositionID: "gone-1",
		OpenedAt: now.Add(-time.Hour),
	}
	assert.NoError(t, db.Create(&open).Error)

	assert.NoError(t, s.RunCycle(context.Background(), now))

	// The stale row is finalized at its last mark and no longer blocks the
	// asset: the aligned signal opens a fresh position in the same cycle.
	var reloaded models.Position
	assert.NoError(t, db.First(&reloaded, open.ID).Error)
	assert.Equal(t, models.PositionStatusClosed, reloaded.Status)
	assert.NotNil(t, reloaded.ClosedAt)
	assert.InDelta(t, 5.0, reloaded.RealizedPnL, 1e-9)
	assert.Zero(t, reloaded.UnrealizedPnL)

	assert.Equal(t, int64(1), stubOpens.Load())
	var positions int64
	db.Model(&models.Position{}).Count(&positions)
	assert.Equal(t, int64(2), positions)

	var stat models.ExecutionStatistic
	assert.NoError(t, db.First(&stat).Error)
	assert.Equal(t, 1, stat.OrdersCreated)
	assert.InDelta(t, 5.0, stat.PnLDelta, 1e-9)
}

func TestPipelineSharesSimulatedBrokerPerPortfolio(t *testing.T) {
	s, db := setupScheduler(t, nil)
	p := seedPortfolio(t, db, nil)
	a := seedAsset(t, db, p.ID, "EUR/USD", "simulated")
	b := seedAsset(t, db, p.ID, "GBP/USD", "simulated")
	other := seedPortfolio(t, db, nil)
	c := seedAsset(t, db, other.ID, "EUR/USD", "simulated")

	pipeA, err := s.pipelineFor(p, a)
	assert.NoError(t, err)
	pipeB, err := s.pipelineFor(p, b)
	assert.NoError(t, err)
	pipeC, err := s.pipelineFor(other, c)
	assert.NoError(t, err)

	// Assets of one portfolio trade against one ledger, so margin consumed
	// by the first asset is visible to the second's checks. Portfolios
	// stay separated.
	assert.Same(t, pipeA.broker, pipeB.broker)
	assert.NotSame(t, pipeA.broker, pipeC.broker)

	sim, ok := pipeA.broker.(*broker.Simulated)
	assert.True(t, ok)
	assert.InDelta(t, p.TotalCapital, sim.Ledger().Balance(), 1e-9)

	// An asset with its own broker blob gets its own backend.
	custom := models.Asset{
		PortfolioID: p.ID, Symbol: "USD/JPY", IsActive: true,
		BrokerName: "simulated", BrokerConfig: `{"initial_cash": 500}`,
	}
	assert.NoError(t, db.Create(&custom).Error)
	pipeD, err := s.pipelineFor(p, custom)
	assert.NoError(t, err)
	assert.NotSame(t, pipeA.broker, pipeD.broker)
}
