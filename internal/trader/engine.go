package trader

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/harveybc/lts/internal/config"
	"github.com/harveybc/lts/internal/scheduler"
)

// Engine is the long-running driver: it wakes on the global cadence and hands
// each wake-up to the scheduler, which decides which portfolios are due.
type Engine struct {
	logger    *zap.Logger
	cfg       *config.Config
	scheduler *scheduler.Scheduler
	startTime time.Time
}

// NewEngine creates a new trading engine.
func NewEngine(logger *zap.Logger, cfg *config.Config, sched *scheduler.Scheduler) *Engine {
	return &Engine{
		logger:    logger,
		cfg:       cfg,
		scheduler: sched,
		startTime: time.Now().UTC(),
	}
}

// Scheduler exposes the cycle scheduler for the control API.
func (e *Engine) Scheduler() *scheduler.Scheduler {
	return e.scheduler
}

// StartTime reports when the engine came up.
func (e *Engine) StartTime() time.Time {
	return e.startTime
}

// Run starts the engine's main loop. One cycle runs immediately so a fresh
// deployment does not sit idle for a full interval.
func (e *Engine) Run(ctx context.Context) {
	interval := time.Duration(e.cfg.Scheduler.GlobalLatencyMinutes) * time.Minute
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	e.logger.Info("Starting trading cycle loop", zap.Duration("interval", interval))

	if err := e.scheduler.RunCycle(ctx, time.Now().UTC()); err != nil {
		e.logger.Error("Cycle failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Stopping trading engine...")
			return
		case now := <-ticker.C:
			if err := e.scheduler.RunCycle(ctx, now.UTC()); err != nil {
				e.logger.Error("Cycle failed", zap.Error(err))
			}
		}
	}
}
