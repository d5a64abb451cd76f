package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"powerperp/config"
	"powerperp/core/state"
	"powerperp/crypto"
	"powerperp/native/oracle"
	"powerperp/native/system"
	"powerperp/native/vault"
	"powerperp/observability/logging"
	"powerperp/rpc"
	"powerperp/storage"
)

const feedAPIKeyFallbackEnv = "POWERPERP_FEED_API_KEY"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	env := strings.TrimSpace(os.Getenv("POWERPERP_ENV"))
	logger := logging.SetupWithOptions("powerd", env, logging.Options{File: cfg.LogFile})

	authority, err := crypto.DecodeAddress(cfg.System.Authority)
	if err != nil {
		panic(fmt.Sprintf("Invalid system authority address: %v", err))
	}

	db, err := openDatabase(cfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	manager := state.NewManager(db)

	maxAge := time.Duration(cfg.Oracle.MaxQuoteAgeSeconds) * time.Second
	window := time.Duration(cfg.Oracle.TwapWindowSeconds) * time.Second

	aggregator := oracle.NewAggregator(cfg.Oracle.Priority, maxAge)
	aggregator.SetTwapWindow(window)
	aggregator.SetSampleCap(cfg.Oracle.TwapSampleCap)
	manual := oracle.NewManualOracle()
	aggregator.Register("manual", manual)
	if endpoint := strings.TrimSpace(cfg.Oracle.FeedEndpoint); endpoint != "" {
		apiKey := feedAPIKey(cfg)
		feed := oracle.NewFeedOracle(&http.Client{Timeout: 10 * time.Second}, endpoint, apiKey)
		aggregator.Register("feed", feed)
	}
	normSource := oracle.NewManualNormSource()

	machine := system.New(authority, aggregator, cfg.Vault.PoolID, window)
	if err := machine.SetStore(manager); err != nil {
		panic(fmt.Sprintf("Failed to restore protocol state: %v", err))
	}

	registry := vault.NewRegistry()

	engine := vault.NewEngine(crypto.ModuleAddress("vault"), vault.Params{
		PoolID:     cfg.Vault.PoolID,
		TwapWindow: window,
	})
	engine.SetState(manager)
	engine.SetGate(machine)
	engine.SetOracle(aggregator)
	engine.SetNormSource(normSource)
	engine.SetPositionManager(registry)
	engine.SetPoolSource(registry)

	logger.Info("node initialised",
		slog.String("network", cfg.NetworkName),
		slog.String("pool", cfg.Vault.PoolID),
		slog.String("mode", machine.Mode().String()),
		slog.String("dbBackend", cfg.DBBackend),
	)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", slog.String("address", cfg.MetricsAddress))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", slog.Any("error", err))
		}
	}()

	server := rpc.NewServer(engine, machine, registry, manual, normSource)
	go func() {
		if err := server.Start(cfg.RPCAddress); err != nil {
			logger.Error("rpc server stopped", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", slog.String("signal", sig.String()))
	_ = metricsServer.Close()
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.DBBackend)) {
	case "memory":
		return storage.NewMemDB(), nil
	case "bolt":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return storage.NewBoltDB(filepath.Join(cfg.DataDir, "powerperp.db"))
	default:
		return storage.NewLevelDB(cfg.DataDir)
	}
}

func feedAPIKey(cfg *config.Config) string {
	envName := strings.TrimSpace(cfg.Oracle.FeedAPIKeyEnv)
	if envName == "" {
		envName = feedAPIKeyFallbackEnv
	}
	return strings.TrimSpace(os.Getenv(envName))
}
