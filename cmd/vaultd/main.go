package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vaultd/config"
	"vaultd/core/pricing"
	"vaultd/native/token"
	"vaultd/native/vault"
	"vaultd/observability/logging"
	"vaultd/rpc"
	"vaultd/storage"
)

const stableSymbol = "sUSD"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("VAULTD_ENV"))
	logger := logging.Setup("vaultd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var db storage.Database
	if strings.TrimSpace(cfg.DataDir) == "" {
		logger.Warn("no data directory configured; positions held in memory only")
		db = storage.NewMemDB()
	} else {
		ldb, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			logger.Error("failed to open database", "path", cfg.DataDir, "error", err)
			os.Exit(1)
		}
		db = ldb
	}
	defer db.Close()

	engineAddr := cfg.EngineAddr()
	stable := token.NewLedger(stableSymbol, engineAddr)
	gateway := pricing.NewGateway(pricing.StalenessWindow)

	engine, err := vault.NewEngine(engineAddr, cfg.TokenAddresses(), cfg.FeedAddresses(), stable, gateway)
	if err != nil {
		logger.Error("failed to construct engine", "error", err)
		os.Exit(1)
	}
	engine.SetStore(storage.NewPositionStore(db))
	engine.SetLogger(logger)

	server := rpc.NewServer(engine, logger)
	for _, asset := range cfg.Assets {
		tokenAddr := cfg.MustAddress(asset.Token)
		feedAddr := cfg.MustAddress(asset.Feed)

		ledger := token.NewLedger(asset.Symbol, engineAddr)
		if err := engine.SetCollateralTransferor(tokenAddr, ledger); err != nil {
			logger.Error("failed to wire collateral ledger", "symbol", asset.Symbol, "error", err)
			os.Exit(1)
		}

		feed := pricing.NewManualFeed(asset.FeedDecimals)
		gateway.Register(feedAddr, feed)
		server.RegisterFeed(feedAddr, feed)

		logger.Info("collateral asset registered",
			"symbol", asset.Symbol, "token", tokenAddr.Hex(), "feed", feedAddr.Hex())
	}

	router := chi.NewRouter()
	router.Use(chimw.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Post("/rpc", server.ServeHTTP)

	httpServer := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("json-rpc server listening", "address", cfg.RPCAddress)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	logger.Info("vaultd stopped")
}
