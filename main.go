package main

import (
	"context"
	"log" // Use standard log only for fatal errors before the logger is set up

	"quantbot/config"
	"quantbot/internal/account"
	"quantbot/internal/adapters/binanceclient"
	"quantbot/internal/adapters/logger"
	"quantbot/internal/adapters/notify"
	"quantbot/internal/adapters/sqlite"
	"quantbot/internal/app"
	"quantbot/internal/execution"
	"quantbot/internal/ports"
	"quantbot/internal/position"
	"quantbot/internal/risk"
	"quantbot/internal/server"
	"quantbot/internal/strategy"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	// 5. Initialize Strategy Engine
	strat, err := strategy.NewEngine(cfg.Strategies, cfg.Strategy, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize strategy engine")
		log.Fatalf("FATAL: Failed to initialize strategy engine: %v", err)
	}

	// 6. Initialize Notification Sinks
	sinks := []ports.Notifier{notify.NewLogNotifier(appLogger)}
	if cfg.WebhookURL != "" {
		webhook, err := notify.NewWebhookNotifier(cfg.WebhookURL, appLogger)
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize webhook notifier")
			log.Fatalf("FATAL: Failed to initialize webhook notifier: %v", err)
		}
		sinks = append(sinks, webhook)
	}
	hub := notify.NewHub(appLogger, sinks...)

	// 7. Initialize Core State
	riskMgr, err := risk.NewManager(cfg.Risk, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize risk manager")
		log.Fatalf("FATAL: Failed to initialize risk manager: %v", err)
	}
	positions, err := position.NewManager(cfg.Symbols, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize position manager")
		log.Fatalf("FATAL: Failed to initialize position manager: %v", err)
	}
	acct := account.NewHolder(cfg.InitialEquity, appLogger)
	acct.SetMaxExposure(cfg.Risk.MaxExposure)

	// 8. Initialize Execution Engine
	executor, err := execution.New(execution.Config{
		Retry: execution.RetryPolicy{
			MaxAttempts: cfg.OrderMaxAttempts,
			BaseDelay:   cfg.OrderBaseDelay,
			MaxDelay:    cfg.OrderMaxDelay,
			Jitter:      true,
		},
		CallTimeout:  cfg.CallTimeout,
		OrderTimeout: cfg.OrderTimeout,
	}, binanceClient, positions, acct, repo, repo, hub, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize execution engine")
		log.Fatalf("FATAL: Failed to initialize execution engine: %v", err)
	}

	// 9. Initialize Application Service
	tradingService, err := app.NewTradingService(
		cfg, appLogger, binanceClient, repo, repo, strat, riskMgr, positions, acct, executor, hub,
	)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 10. Start the Operator Server
	if cfg.ServerAddr != "" {
		srv, err := server.New(server.Config{
			Addr:     cfg.ServerAddr,
			User:     cfg.ServerUser,
			Password: cfg.ServerPassword,
		}, appLogger, tradingService, positions, acct, repo, riskMgr, strat)
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize operator server")
			log.Fatalf("FATAL: Failed to initialize operator server: %v", err)
		}
		go func() {
			if err := srv.Start(ctx); err != nil {
				appLogger.Error(context.Background(), err, "Operator server exited with error")
			}
		}()
	}

	// 11. Start the Service
	if err := tradingService.Start(ctx); err != nil {
		appLogger.Error(context.Background(), err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
