package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/harveybc/lts/internal/allocator"
	"github.com/harveybc/lts/internal/broker"
	"github.com/harveybc/lts/internal/models"
	"github.com/harveybc/lts/internal/prediction"
	"github.com/harveybc/lts/internal/store"
)

// PredictionProvider is the external prediction collaborator.
type PredictionProvider interface {
	GetPredictions(ctx context.Context, symbol string, asOf time.Time, horizons []string) (prediction.Set, error)
}

// Config tunes the cycle scheduler.
type Config struct {
	GlobalLatency           time.Duration // wake-up interval of the driving loop
	DefaultPortfolioLatency time.Duration // cadence for portfolios without their own
	MaxConcurrentPortfolios int
	ExecutionTimeout        time.Duration // per-asset bound on broker calls
	ShortHorizon            string
	LongHorizon             string
	StrategyDefaults        map[string]any
	BrokerDefaults          broker.Config
}

func (c Config) withDefaults() Config {
	if c.GlobalLatency <= 0 {
		c.GlobalLatency = 5 * time.Minute
	}
	if c.DefaultPortfolioLatency <= 0 {
		c.DefaultPortfolioLatency = 5 * time.Minute
	}
	if c.MaxConcurrentPortfolios <= 0 {
		c.MaxConcurrentPortfolios = 1
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 5 * time.Minute
	}
	if c.ShortHorizon == "" {
		c.ShortHorizon = "1h"
	}
	if c.LongHorizon == "" {
		c.LongHorizon = "1d"
	}
	return c
}

// PortfolioState is the explicit per-portfolio scheduling state. There are no
// process-wide singletons: the scheduler owns one value per portfolio and
// LastExecution only moves forward.
type PortfolioState struct {
	LastExecution time.Time
	CyclesRun     int
}

// Scheduler drives the trading cycle: it scans portfolios on a cadence,
// pushes each eligible one through Allocator -> Policy -> Engine per asset,
// and records one statistics row per portfolio cycle. Failures never cross an
// asset boundary.
type Scheduler struct {
	cfg         Config
	store       *store.Store
	predictions PredictionProvider
	logger      *zap.Logger

	mu         sync.Mutex
	states     map[uint]*PortfolioState
	pipelines  map[uint]*assetPipeline
	simBrokers map[uint]broker.Broker // shared simulated backend per portfolio
}

// New creates a scheduler. predictions may be nil, in which case every
// strategy sees an empty prediction set.
func New(cfg Config, st *store.Store, predictions PredictionProvider, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:         cfg.withDefaults(),
		store:       st,
		predictions: predictions,
		logger:      logger.Named("scheduler"),
		states:      make(map[uint]*PortfolioState),
		pipelines:   make(map[uint]*assetPipeline),
		simBrokers:  make(map[uint]broker.Broker),
	}
}

// RunCycle executes one full pass over all portfolios. Only a failure to load
// the portfolio list escapes: that is a persistence outage, the one fatal
// class. Everything below it is isolated per portfolio and per asset.
func (s *Scheduler) RunCycle(ctx context.Context, now time.Time) error {
	portfolios, err := s.store.ActivePortfolios()
	if err != nil {
		return fmt.Errorf("scheduler cannot load portfolios: %w", err)
	}

	group := new(errgroup.Group)
	group.SetLimit(s.cfg.MaxConcurrentPortfolios)

	for _, p := range portfolios {
		if !s.due(p, now) {
			continue
		}
		portfolio := p
		group.Go(func() error {
			s.processPortfolio(ctx, portfolio, now)
			return nil
		})
	}
	return group.Wait()
}

// due reports whether the portfolio's cadence has elapsed. A portfolio that
// has never run is immediately due.
func (s *Scheduler) due(p models.Portfolio, now time.Time) bool {
	state := s.stateFor(p)
	if state.LastExecution.IsZero() {
		return true
	}
	return now.Sub(state.LastExecution) >= p.Latency(s.cfg.DefaultPortfolioLatency)
}

// stateFor returns the portfolio's scheduling state, seeding it from the
// persisted timestamp on first sight.
func (s *Scheduler) stateFor(p models.Portfolio) *PortfolioState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[p.ID]
	if !ok {
		state = &PortfolioState{}
		if p.LastExecution != nil {
			state.LastExecution = *p.LastExecution
		}
		s.states[p.ID] = state
	}
	return state
}

// State exposes a copy of the portfolio's scheduling state.
func (s *Scheduler) State(portfolioID uint) (PortfolioState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[portfolioID]
	if !ok {
		return PortfolioState{}, false
	}
	return *state, true
}

// processPortfolio runs one cycle for one portfolio: allocate once, then walk
// the assets strictly in order so margin effects from asset N are visible to
// asset N+1. The statistics row and the LastExecution advance happen no
// matter how many assets failed.
func (s *Scheduler) processPortfolio(ctx context.Context, portfolio models.Portfolio, now time.Time) {
	start := time.Now()
	logger := s.logger.With(zap.Uint("portfolio_id", portfolio.ID))
	stat := models.ExecutionStatistic{PortfolioID: portfolio.ID, ExecutedAt: now}

	assets, err := s.store.ActiveAssets(portfolio.ID)
	if err != nil {
		logger.Error("Failed to load assets", zap.Error(err))
		stat.Failures++
		assets = nil
	}

	allocations := s.allocate(portfolio, assets, logger, &stat)

	for _, asset := range assets {
		stat.AssetsProcessed++
		created, pnl, err := s.processAsset(ctx, portfolio, asset, allocations[asset.ID], now)
		if err != nil {
			stat.Failures++
			logger.Error("Asset cycle failed",
				zap.Uint("asset_id", asset.ID),
				zap.String("symbol", asset.Symbol),
				zap.Error(err),
			)
			continue
		}
		if created {
			stat.OrdersCreated++
		}
		stat.PnLDelta += pnl
	}

	stat.DurationMS = time.Since(start).Milliseconds()
	if err := s.store.SaveStatistics(&stat); err != nil {
		logger.Error("Failed to record statistics", zap.Error(err))
	}
	if err := s.store.UpdateLastExecution(portfolio.ID, now); err != nil {
		logger.Error("Failed to advance last execution", zap.Error(err))
	}

	state := s.stateFor(portfolio)
	s.mu.Lock()
	if now.After(state.LastExecution) {
		state.LastExecution = now
	}
	state.CyclesRun++
	s.mu.Unlock()

	logger.Info("Portfolio cycle complete",
		zap.Int("assets", stat.AssetsProcessed),
		zap.Int("failures", stat.Failures),
		zap.Int("orders", stat.OrdersCreated),
		zap.Int64("duration_ms", stat.DurationMS),
	)
}

// allocate runs the portfolio's allocator once per cycle. An allocation
// failure is counted and logged; assets then trade without a cap rather than
// aborting the whole cycle.
func (s *Scheduler) allocate(portfolio models.Portfolio, assets []models.Asset, logger *zap.Logger, stat *models.ExecutionStatistic) map[uint]float64 {
	name := portfolio.Allocator
	if name == "" {
		name = "equal"
	}
	alloc, err := allocator.New(name)
	if err != nil {
		logger.Error("Unknown allocator", zap.String("allocator", name), zap.Error(err))
		stat.Failures++
		return nil
	}
	allocations, err := alloc.Allocate(portfolio, assets)
	if err != nil {
		logger.Error("Allocation failed", zap.String("allocator", name), zap.Error(err))
		stat.Failures++
		return nil
	}
	return allocations
}

// ExecuteSingleAsset runs one asset outside the normal cadence, under the
// same isolation and cost rules as a scheduled cycle. Used by the manual
// trigger surface.
func (s *Scheduler) ExecuteSingleAsset(ctx context.Context, assetID uint) error {
	asset, err := s.store.Asset(assetID)
	if err != nil {
		return err
	}
	portfolio, err := s.store.Portfolio(asset.PortfolioID)
	if err != nil {
		return err
	}

	assets, err := s.store.ActiveAssets(portfolio.ID)
	if err != nil {
		return err
	}
	stat := models.ExecutionStatistic{PortfolioID: portfolio.ID, ExecutedAt: time.Now().UTC()}
	allocations := s.allocate(*portfolio, assets, s.logger, &stat)

	_, _, err = s.processAsset(ctx, *portfolio, *asset, allocations[asset.ID], time.Now().UTC())
	if err != nil {
		return fmt.Errorf("manual execution of asset %d: %w", assetID, err)
	}
	return nil
}
