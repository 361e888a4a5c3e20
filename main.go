package main

import (
	"context"
	"errors"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"optionsim/config"
	"optionsim/internal/adapters/logger"
	"optionsim/internal/adapters/sqlite"
	"optionsim/internal/adapters/tradier"
	"optionsim/internal/app"
	"optionsim/internal/gateway"
	"optionsim/internal/monitor"
	"optionsim/internal/risk"
	"optionsim/internal/secrets"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Store (Database Adapter)
	store, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trade store")
		log.Fatalf("FATAL: Failed to initialize trade store: %v", err) // Also log to stderr
	}
	defer func() {
		if err := store.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing trade store")
		}
	}()
	appLogger.Info(context.Background(), "Trade store initialized")

	// 4. Initialize Credential Box
	box, err := secrets.NewBox(cfg.SecretKeyHex)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize credential box")
		log.Fatalf("FATAL: Failed to initialize credential box: %v", err)
	}

	// 5. Initialize Broker Client and Market Data (Tradier Adapters)
	brokerClient, err := tradier.New(tradier.Config{
		Logger:  appLogger,
		Timeout: cfg.BrokerTimeout,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Tradier broker client")
		log.Fatalf("FATAL: Failed to initialize Tradier broker client: %v", err)
	}
	quoteClient, err := tradier.NewQuoteClient(tradier.QuoteConfig{
		Token:   cfg.QuoteToken,
		Sandbox: cfg.QuoteSandbox,
		Timeout: cfg.QuoteTimeout,
		Logger:  appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Tradier quote client")
		log.Fatalf("FATAL: Failed to initialize Tradier quote client: %v", err)
	}
	appLogger.Info(context.Background(), "Tradier clients initialized", map[string]interface{}{"quoteSandbox": cfg.QuoteSandbox})

	// 6. Initialize Broker Gateway
	gw, err := gateway.New(brokerClient, box, appLogger, gateway.Config{
		SettleDelay: cfg.SettleDelay,
		CallTimeout: cfg.BrokerTimeout,
		RetryMin:    cfg.RetryMin,
		RetryMax:    cfg.RetryMax,
		MaxRetries:  cfg.MaxRetries,
		RateLimit:   cfg.RateLimit,
		RateWindow:  cfg.RateWindow,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize broker gateway")
		log.Fatalf("FATAL: Failed to initialize broker gateway: %v", err)
	}

	// 7. Initialize Risk Manager and Application Service
	riskMgr, err := risk.NewManager(store, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize risk manager")
		log.Fatalf("FATAL: Failed to initialize risk manager: %v", err)
	}
	tradeService, err := app.NewTradeService(store, gw, riskMgr, box, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trade service")
		log.Fatalf("FATAL: Failed to initialize trade service: %v", err)
	}
	appLogger.Info(context.Background(), "Trade service initialized")

	// 8. Initialize Monitor (background sweeps)
	mon, err := monitor.NewMonitor(store, tradeService, quoteClient, gw, appLogger, monitor.Config{
		SweepInterval:     cfg.SweepInterval,
		ExpiryInterval:    cfg.ExpiryInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		QuoteTimeout:      cfg.QuoteTimeout,
		MaxEntryAttempts:  cfg.MaxEntryAttempts,
		MaxCloseAttempts:  cfg.MaxCloseAttempts,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trade monitor")
		log.Fatalf("FATAL: Failed to initialize trade monitor: %v", err)
	}

	// 9. Ops HTTP server: Prometheus metrics and a liveness probe.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	opsServer := &http.Server{Addr: cfg.OpsAddr, Handler: mux}
	go func() {
		appLogger.Info(context.Background(), "Ops server listening", map[string]interface{}{"addr": cfg.OpsAddr})
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error(context.Background(), err, "Ops server exited with error")
		}
	}()

	// 10. Run the sweeps until a shutdown signal arrives.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mon.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "Trade monitor exited with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, err, "Ops server shutdown failed")
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
