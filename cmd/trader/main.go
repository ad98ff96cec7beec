package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/harveybc/lts/internal/broker"
	"github.com/harveybc/lts/internal/config"
	"github.com/harveybc/lts/internal/database"
	"github.com/harveybc/lts/internal/logger"
	"github.com/harveybc/lts/internal/prediction"
	"github.com/harveybc/lts/internal/scheduler"
	"github.com/harveybc/lts/internal/store"
	"github.com/harveybc/lts/internal/trader"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// The prediction provider is optional: without one, strategies see no
	// signals and hold.
	var provider scheduler.PredictionProvider
	if cfg.Prediction.BaseURL != "" {
		client, err := prediction.NewClient(prediction.Config{
			BaseURL: cfg.Prediction.BaseURL,
			Token:   cfg.Prediction.Token,
			Timeout: cfg.Prediction.Timeout,
		}, log)
		if err != nil {
			log.Fatal("Failed to build prediction client", zap.Error(err))
		}
		provider = client
		log.Info("Prediction provider configured", zap.String("base_url", cfg.Prediction.BaseURL))
	} else {
		log.Warn("No prediction provider configured, strategies will hold")
	}

	sched := scheduler.New(scheduler.Config{
		GlobalLatency:           time.Duration(cfg.Scheduler.GlobalLatencyMinutes) * time.Minute,
		DefaultPortfolioLatency: time.Duration(cfg.Scheduler.DefaultLatencyMinutes) * time.Minute,
		MaxConcurrentPortfolios: cfg.Scheduler.MaxConcurrentPortfolios,
		ExecutionTimeout:        time.Duration(cfg.Scheduler.ExecutionTimeoutSeconds) * time.Second,
		ShortHorizon:            cfg.Scheduler.ShortHorizon,
		LongHorizon:             cfg.Scheduler.LongHorizon,
		StrategyDefaults:        cfg.Strategy.Params(),
		BrokerDefaults: broker.Config{
			APIURL:           cfg.Broker.APIURL,
			APIToken:         cfg.Broker.APIToken,
			AccountID:        cfg.Broker.AccountID,
			MaxRetries:       cfg.Broker.MaxRetries,
			RetryBackoff:     cfg.Broker.RetryBackoff,
			RateLimit:        cfg.Broker.RateLimit,
			RateLimitBurst:   cfg.Broker.RateLimitBurst,
			InitialCash:      cfg.Broker.InitialCash,
			Leverage:         cfg.Broker.Leverage,
			ExitTieBreak:     cfg.Broker.ExitTieBreak,
			PipValue:         cfg.Broker.PipValue,
			LotSize:          cfg.Broker.LotSize,
			SpreadPips:       cfg.Broker.SpreadPips,
			SlippagePips:     cfg.Broker.SlippagePips,
			CommissionPerLot: cfg.Broker.CommissionPerLot,
			SwapPerLotDay:    cfg.Broker.SwapPerLotDay,
		},
	}, store.New(db), provider, log)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	engine := trader.NewEngine(log, &cfg, sched)

	api := trader.NewAPIServer(engine, log)
	api.Start()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := api.Stop(shutdownCtx); err != nil {
			log.Error("API server shutdown failed", zap.Error(err))
		}
	}()

	engine.Run(ctx)

	log.Info("Engine has been shut down.")
}
