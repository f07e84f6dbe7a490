package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Tacke300/fund-sub001/config"
	"github.com/Tacke300/fund-sub001/internal/api"
	"github.com/Tacke300/fund-sub001/internal/engine"
	"github.com/Tacke300/fund-sub001/internal/exchange"
	"github.com/Tacke300/fund-sub001/internal/executor"
	"github.com/Tacke300/fund-sub001/internal/stream"
	"github.com/Tacke300/fund-sub001/internal/transfer"
	"github.com/Tacke300/fund-sub001/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Engine.Name,
		"version": cfg.Engine.Version,
	}).Info("starting funding arbitrage engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapters := buildAdapters(cfg)
	if len(adapters) < 2 {
		log.Error("at least two enabled venues are required")
		os.Exit(1)
	}

	orchestrator := transfer.NewOrchestrator(cfg.Transfer, cfg.Engine.QuoteAsset, adapters)
	trader := executor.New(cfg.Executor, cfg.Engine.QuoteAsset, adapters)

	var markStream *stream.MarkPriceStream
	var updates <-chan []exchange.FundingRate
	if cfg.Stream.Enabled {
		markStream = stream.NewMarkPrice(cfg.Stream)
		updates = markStream.Updates()
	}

	eng := engine.New(cfg, adapters, orchestrator, trader, updates)
	eng.Run(ctx)

	if markStream != nil {
		markStream.Start(ctx)
	}

	server := api.NewServer(cfg.API.Address, eng)
	server.Start(ctx)

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	if markStream != nil {
		log.Info("stopping mark-price stream")
		markStream.Stop()
	}

	log.Info("stopping scheduler")
	eng.Shutdown()

	log.Info("funding arbitrage engine stopped")
}

// buildAdapters instantiates one adapter per enabled venue.
func buildAdapters(cfg *config.Config) map[string]exchange.Adapter {
	log := logger.GetLogger()
	adapters := make(map[string]exchange.Adapter)
	quote := cfg.Engine.QuoteAsset

	if v := cfg.Venues.Binance; v.Enabled {
		adapters["binance"] = exchange.NewBinance(v.APIKey, v.APISecret, quote)
	}
	if v := cfg.Venues.Bybit; v.Enabled {
		adapters["bybit"] = exchange.NewBybit(v.APIKey, v.APISecret, quote)
	}
	if v := cfg.Venues.Okx; v.Enabled {
		adapters["okx"] = exchange.NewOKX(v.APIKey, v.APISecret, v.Passphrase, quote)
	}

	for name := range adapters {
		log.WithComponent("main").WithVenue(name).Info("venue enabled")
	}
	return adapters
}
