package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lendnet/config"
	"lendnet/crypto"
	"lendnet/gateway/middleware"
	"lendnet/gateway/routes"
	nativecommon "lendnet/native/common"
	"lendnet/native/lending"
	"lendnet/observability/logging"
	"lendnet/state"
	"lendnet/storage"
)

// Fixed fallback identities for single-operator deployments that do not
// configure explicit addresses.
var (
	defaultModuleSeed = []byte("lendnet/module/pool1")
	defaultAdminSeed  = []byte("lendnet/admin/root01")
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	logger := logging.Setup("lendnetd", os.Getenv("LENDNET_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	moduleAddr := resolveAddress(cfg.ModuleAddress, defaultModuleSeed)
	adminAddr := resolveAddress(cfg.AdminAddress, defaultAdminSeed)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data dir", "err", err)
		os.Exit(1)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		logger.Error("failed to open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	engine := lending.NewEngine(moduleAddr, adminAddr)
	engine.SetState(state.NewStore(db))
	engine.SetMaxPriceAge(time.Duration(cfg.MaxPriceAgeSeconds) * time.Second)

	pauses := nativecommon.NewSwitches()
	engine.SetPauses(pauses)

	oracle := lending.NewStaticOracle()
	engine.SetOracle(oracle)

	for symbol, market := range cfg.Markets {
		assetCfg, err := market.AssetConfig(symbol)
		if err != nil {
			logger.Error("invalid market config", "market", symbol, "err", err)
			os.Exit(1)
		}
		if err := engine.ConfigureAsset(adminAddr, assetCfg); err != nil {
			logger.Error("failed to configure market", "market", symbol, "err", err)
			os.Exit(1)
		}
		engine.RegisterToken(symbol, lending.NewMemToken(moduleAddr))
		logger.Info("market configured",
			"market", symbol,
			"collateralFactorBps", assetCfg.CollateralFactorBps,
			"liquidationThresholdBps", assetCfg.LiquidationThresholdBps)
	}

	router := routes.NewRouter(routes.Options{
		Engine: engine,
		Pauses: pauses,
		Logger: logger,
		Auth: middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		},
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	})

	apiServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("starting lending gateway", "addr", cfg.ListenAddress)
		errCh <- apiServer.ListenAndServe()
	}()
	go func() {
		logger.Info("starting metrics endpoint", "addr", cfg.MetricsAddress)
		errCh <- metricsServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", fmt.Sprint(sig))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "err", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(ctx)
	_ = metricsServer.Shutdown(ctx)
}

func resolveAddress(configured string, seed []byte) crypto.Address {
	if configured != "" {
		addr, err := crypto.DecodeAddress(configured)
		if err == nil {
			return addr
		}
	}
	raw := make([]byte, 20)
	copy(raw, seed)
	return crypto.NewAddress(crypto.LendPrefix, raw)
}
