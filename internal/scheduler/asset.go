package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/harveybc/lts/internal/broker"
	"github.com/harveybc/lts/internal/models"
	"github.com/harveybc/lts/internal/strategy"
)

// assetPipeline is the resolved strategy and broker pair for one asset. It is
// built once from the asset's config blobs and reused until the row changes.
type assetPipeline struct {
	strategy  strategy.Strategy
	broker    broker.Broker
	brokerCfg broker.Config
	builtFrom time.Time // asset.UpdatedAt at build time
}

// pipelineFor resolves the asset's strategy and broker against the
// registries, layering the asset's JSON blobs over the global defaults.
func (s *Scheduler) pipelineFor(portfolio models.Portfolio, asset models.Asset) (*assetPipeline, error) {
	s.mu.Lock()
	if pipe, ok := s.pipelines[asset.ID]; ok && pipe.builtFrom.Equal(asset.UpdatedAt) {
		s.mu.Unlock()
		return pipe, nil
	}
	s.mu.Unlock()

	params := make(map[string]any, len(s.cfg.StrategyDefaults))
	for k, v := range s.cfg.StrategyDefaults {
		params[k] = v
	}
	if asset.StrategyConfig != "" {
		if err := json.Unmarshal([]byte(asset.StrategyConfig), &params); err != nil {
			return nil, fmt.Errorf("asset %d strategy config: %w", asset.ID, err)
		}
	}
	strategyName := asset.StrategyName
	if strategyName == "" {
		strategyName = "prediction"
	}
	strat, err := strategy.New(strategyName, params, s.logger)
	if err != nil {
		return nil, fmt.Errorf("asset %d: %w", asset.ID, err)
	}

	bcfg := s.cfg.BrokerDefaults
	if asset.BrokerConfig != "" {
		if err := json.Unmarshal([]byte(asset.BrokerConfig), &bcfg); err != nil {
			return nil, fmt.Errorf("asset %d broker config: %w", asset.ID, err)
		}
	}
	brokerName := asset.BrokerName
	if brokerName == "" {
		brokerName = "simulated"
	}
	b, err := s.brokerFor(portfolio, asset, brokerName, bcfg)
	if err != nil {
		return nil, fmt.Errorf("asset %d: %w", asset.ID, err)
	}

	pipe := &assetPipeline{
		strategy:  strat,
		broker:    b,
		brokerCfg: bcfg.WithDefaults(),
		builtFrom: asset.UpdatedAt,
	}
	s.mu.Lock()
	s.pipelines[asset.ID] = pipe
	s.mu.Unlock()
	return pipe, nil
}

// brokerFor returns the execution backend for one asset. Simulated assets
// without their own broker_config share one broker per portfolio, so its
// ledger carries margin consumption from asset to asset within a cycle and
// the margin pool is the portfolio's capital. Assets with a custom blob get
// their own instance, as do live brokers, which are stateless here.
func (s *Scheduler) brokerFor(portfolio models.Portfolio, asset models.Asset, name string, bcfg broker.Config) (broker.Broker, error) {
	if name != "simulated" || asset.BrokerConfig != "" {
		return broker.New(name, bcfg, s.logger)
	}

	s.mu.Lock()
	b, ok := s.simBrokers[portfolio.ID]
	s.mu.Unlock()
	if ok {
		return b, nil
	}

	if portfolio.TotalCapital > 0 {
		bcfg.InitialCash = portfolio.TotalCapital
	}
	b, err := broker.New(name, bcfg, s.logger)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.simBrokers[portfolio.ID] = b
	s.mu.Unlock()
	return b, nil
}

// processAsset runs one asset through predictions, decision and execution.
// It returns whether an order was created and any realized P&L delta. A panic
// anywhere inside is converted into an error so it stays inside the asset
// boundary.
func (s *Scheduler) processAsset(ctx context.Context, portfolio models.Portfolio, asset models.Asset, allocation float64, now time.Time) (created bool, pnl float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			created, pnl = false, 0
			err = fmt.Errorf("asset %d panicked: %v", asset.ID, r)
		}
	}()

	pipe, err := s.pipelineFor(portfolio, asset)
	if err != nil {
		return false, 0, err
	}

	open, err := s.store.OpenPosition(asset.ID)
	if err != nil {
		return false, 0, err
	}

	price := s.marketPrice(ctx, pipe.broker, asset.Symbol, open)

	// Refresh the open position against the broker before deciding: mark it
	// to the current price, and if the broker no longer reports it (stopped
	// out or took profit server side) close the row so the asset is free to
	// trade again.
	open, reconciled, err := s.refreshPosition(ctx, pipe.broker, open, price, now)
	if err != nil {
		return false, 0, err
	}

	predictions := s.fetchPredictions(ctx, asset.Symbol, now)

	input := strategy.Input{
		Asset: strategy.AssetState{
			Symbol:           asset.Symbol,
			AllocatedCapital: allocation,
			MaxLots:          maxLots(allocation, price, pipe.brokerCfg),
			MaxPositions:     asset.MaxPositions,
		},
		Market:       strategy.MarketData{Time: now, Price: price},
		Predictions:  predictions,
		OpenPosition: open,
	}

	decision, err := pipe.strategy.Decide(input)
	if err != nil {
		return false, 0, fmt.Errorf("strategy %s: %w", pipe.strategy.Name(), err)
	}

	logger := s.logger.With(
		zap.Uint("asset_id", asset.ID),
		zap.String("symbol", asset.Symbol),
		zap.String("action", string(decision.Action)),
	)

	switch decision.Action {
	case strategy.ActionNone:
		logger.Debug("No trade", zap.String("reason", decision.Reason))
		return false, reconciled, nil
	case strategy.ActionOpen:
		created, pnl, err := s.executeOpen(ctx, portfolio, asset, decision, now, logger)
		return created, pnl + reconciled, err
	case strategy.ActionClose:
		created, pnl, err := s.executeClose(ctx, portfolio, asset, open, decision, now, logger)
		return created, pnl + reconciled, err
	default:
		return false, reconciled, fmt.Errorf("strategy returned unknown action %q", decision.Action)
	}
}

// refreshPosition reconciles the persisted open position with the broker's
// view. When the broker still reports it, the row's mark is refreshed; when
// it does not, the broker closed it on its side and the row is finalized with
// the last known mark as its realized P&L. Returns the position the decision
// should see (nil after a reconciled close) and the realized P&L delta.
func (s *Scheduler) refreshPosition(ctx context.Context, b broker.Broker, open *models.Position, price float64, now time.Time) (*models.Position, float64, error) {
	if open == nil {
		return nil, 0, nil
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
	defer cancel()

	orders, err := b.OpenOrders(cctx)
	if err != nil {
		// The broker's list is unreachable; decide on the stale mark rather
		// than failing the asset.
		s.logger.Warn("Cannot reconcile open position", zap.Uint("position_id", open.ID), zap.Error(err))
		return open, 0, nil
	}

	for _, o := range orders {
		if o.ID != open.BrokerPositionID {
			continue
		}
		if price > 0 {
			open.CurrentPrice = price
		}
		open.UnrealizedPnL = o.UnrealizedPnL
		if err := s.store.SaveCycle(nil, open); err != nil {
			return open, 0, err
		}
		return open, 0, nil
	}

	realized := open.UnrealizedPnL
	open.Status = models.PositionStatusClosed
	open.ClosedAt = &now
	open.RealizedPnL = realized
	open.UnrealizedPnL = 0
	if err := s.store.SaveCycle(nil, open); err != nil {
		return open, 0, err
	}
	s.logger.Info("Reconciled broker-side close",
		zap.Uint("position_id", open.ID),
		zap.String("broker_position_id", open.BrokerPositionID),
		zap.Float64("realized_pnl", realized),
	)
	return nil, realized, nil
}

// executeOpen submits the open order, then commits the order row and, when
// filled, the position row in one transaction.
func (s *Scheduler) executeOpen(ctx context.Context, portfolio models.Portfolio, asset models.Asset, decision strategy.Decision, now time.Time, logger *zap.Logger) (bool, float64, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
	defer cancel()

	pipe, err := s.pipelineFor(portfolio, asset)
	if err != nil {
		return false, 0, err
	}
	result := pipe.broker.OpenOrder(cctx, broker.OrderParams{
		Symbol:     asset.Symbol,
		Side:       decision.Side,
		Type:       models.OrderTypeMarket,
		Lots:       decision.Lots,
		Price:      decision.Price,
		StopLoss:   decision.StopLoss,
		TakeProfit: decision.TakeProfit,
		Reason:     decision.Reason,
	})
	if !result.Success {
		return false, 0, fmt.Errorf("open order rejected: %w", result.Err)
	}

	order := &models.Order{
		PortfolioID:    portfolio.ID,
		AssetID:        asset.ID,
		Symbol:         asset.Symbol,
		Side:           decision.Side,
		Type:           models.OrderTypeMarket,
		Status:         result.Status,
		Quantity:       decision.Lots,
		Price:          decision.Price,
		FilledPrice:    result.FillPrice,
		StopLoss:       decision.StopLoss,
		TakeProfit:     decision.TakeProfit,
		Commission:     pipe.brokerCfg.Costs().Commission(decision.Lots),
		BrokerOrderID:  result.OrderID,
		BrokerResponse: result.Response,
	}
	var position *models.Position
	if result.Status == models.OrderStatusFilled {
		order.FilledAt = &now
		position = &models.Position{
			PortfolioID:      portfolio.ID,
			AssetID:          asset.ID,
			Symbol:           asset.Symbol,
			Side:             decision.Side,
			Quantity:         decision.Lots,
			EntryPrice:       result.FillPrice,
			CurrentPrice:     result.FillPrice,
			Status:           models.PositionStatusOpen,
			BrokerPositionID: result.PositionID,
			OpenedAt:         now,
		}
	}
	if err := s.store.SaveCycle(order, position); err != nil {
		return false, 0, err
	}

	logger.Info("Order opened",
		zap.String("side", string(decision.Side)),
		zap.Float64("lots", decision.Lots),
		zap.Float64("fill_price", result.FillPrice),
		zap.Float64("confidence", decision.Confidence),
	)
	return true, 0, nil
}

// executeClose flattens the open position and records the closing order plus
// the position's terminal state atomically.
func (s *Scheduler) executeClose(ctx context.Context, portfolio models.Portfolio, asset models.Asset, open *models.Position, decision strategy.Decision, now time.Time, logger *zap.Logger) (bool, float64, error) {
	if open == nil {
		return false, 0, fmt.Errorf("close requested but asset %d has no open position", asset.ID)
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
	defer cancel()

	pipe, err := s.pipelineFor(portfolio, asset)
	if err != nil {
		return false, 0, err
	}
	positionID := decision.PositionID
	if positionID == "" {
		positionID = open.BrokerPositionID
	}
	result := pipe.broker.CloseOrder(cctx, broker.OrderParams{
		Symbol:     asset.Symbol,
		PositionID: positionID,
		Reason:     decision.Reason,
	})
	if !result.Success {
		return false, 0, fmt.Errorf("close order rejected: %w", result.Err)
	}

	order := &models.Order{
		PortfolioID:    portfolio.ID,
		AssetID:        asset.ID,
		Symbol:         asset.Symbol,
		Side:           open.Side.Opposite(),
		Type:           models.OrderTypeMarket,
		Status:         models.OrderStatusFilled,
		Quantity:       open.Quantity,
		FilledPrice:    result.ClosePrice,
		BrokerOrderID:  result.OrderID,
		BrokerResponse: result.Response,
		FilledAt:       &now,
	}
	open.Status = models.PositionStatusClosed
	open.ClosedAt = &now
	open.CurrentPrice = result.ClosePrice
	open.UnrealizedPnL = 0
	open.RealizedPnL = result.RealizedPnL
	if err := s.store.SaveCycle(order, open); err != nil {
		return false, 0, err
	}

	logger.Info("Position closed",
		zap.String("position_id", positionID),
		zap.Float64("realized_pnl", result.RealizedPnL),
		zap.String("reason", decision.Reason),
	)
	return true, result.RealizedPnL, nil
}

// fetchPredictions asks the provider for both horizons. Unavailability is a
// degraded state, not a failure: the strategy sees missing signals and
// decides accordingly.
func (s *Scheduler) fetchPredictions(ctx context.Context, symbol string, now time.Time) strategy.Predictions {
	if s.predictions == nil {
		return strategy.Predictions{}
	}
	set, err := s.predictions.GetPredictions(ctx, symbol, now, []string{s.cfg.ShortHorizon, s.cfg.LongHorizon})
	if err != nil {
		s.logger.Warn("Predictions unavailable", zap.String("symbol", symbol), zap.Error(err))
		return strategy.Predictions{}
	}

	var out strategy.Predictions
	if h, ok := set.Horizon(s.cfg.ShortHorizon); ok {
		if value, uncertainty, ok := h.Latest(); ok {
			out.Short = &strategy.Signal{Value: value, Uncertainty: uncertainty}
		}
	}
	if h, ok := set.Horizon(s.cfg.LongHorizon); ok {
		if value, uncertainty, ok := h.Latest(); ok {
			out.Long = &strategy.Signal{Value: value, Uncertainty: uncertainty}
		}
	}
	return out
}

// symbolQuoter is the price capability of brokers that serve many symbols,
// like the live API client.
type symbolQuoter interface {
	Quote(ctx context.Context, symbol string) (bid, ask float64, err error)
}

// seriesQuoter is the price capability of the simulated broker, whose loaded
// series is already bound to one symbol.
type seriesQuoter interface {
	Quote() (bid, ask float64, err error)
}

// marketPrice derives the decision price: the broker's mid quote when it can
// give one, otherwise the open position's last mark, otherwise zero. A zero
// price downstream means the policy will not open anything.
func (s *Scheduler) marketPrice(ctx context.Context, b broker.Broker, symbol string, open *models.Position) float64 {
	switch q := b.(type) {
	case symbolQuoter:
		cctx, cancel := context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
		defer cancel()
		bid, ask, err := q.Quote(cctx, symbol)
		if err == nil {
			return (bid + ask) / 2
		}
		s.logger.Warn("Quote failed", zap.String("symbol", symbol), zap.Error(err))
	case seriesQuoter:
		if bid, ask, err := q.Quote(); err == nil {
			return (bid + ask) / 2
		}
	}
	if open != nil {
		return open.CurrentPrice
	}
	return 0
}

// maxLots converts a capital allocation into a lot cap at the configured
// leverage. With no usable price there is no cap.
func maxLots(allocation, price float64, cfg broker.Config) float64 {
	if allocation <= 0 || price <= 0 {
		return 0
	}
	return allocation * cfg.Leverage / (cfg.LotSize * price)
}
