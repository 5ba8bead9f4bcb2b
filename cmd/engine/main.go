// Command engine is the process entrypoint: it loads configuration,
// opens the persistence sink, constructs the exchange adapter for the
// configured venue, and runs the live trading engine plus the
// registration webhook until signalled to stop. A grid manager is
// created empty (no grid instance is started here) and stopped on
// shutdown.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"tradecore/config"
	"tradecore/engine"
	"tradecore/exchange"
	"tradecore/exchange/apex"
	"tradecore/exchange/binance"
	"tradecore/exchange/hyperliquid"
	"tradecore/exchange/okx"
	"tradecore/grid"
	"tradecore/logger"
	"tradecore/risk"
	"tradecore/store"
	"tradecore/strategy"
	"tradecore/webhook"
)

func main() {
	configPath := flag.String("config", "config.json", "path to JSON config file")
	instanceID := flag.String("instance", "default", "instance id this process runs")
	symbols := flag.String("symbols", "BTCUSDT", "comma-separated list of symbols to trade")
	webhookAddr := flag.String("webhook-addr", ":8005", "registration webhook listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if err := logger.InitWithSimpleConfig(cfg.Log.Level); err != nil {
		panic(err)
	}

	sink, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("open store: %v", err)
		os.Exit(1)
	}
	defer sink.Close()

	adapter, err := buildAdapter(cfg.Exchange)
	if err != nil {
		logger.Errorf("build adapter: %v", err)
		os.Exit(1)
	}

	riskMgr := risk.NewManager(cfg.Risk)
	eng := engine.New(*instanceID, adapter, riskMgr, sink, cfg.Risk)
	eng.RegisterStrategy(strategy.NewMeanReversion(10000, 1.0))

	gridMgr := grid.NewManager()

	srv := webhook.NewServer(func(req webhook.RegisterRequest) (*engine.Engine, error) {
		// A registered instance reuses the process-wide adapter and
		// risk manager; each gets its own engine so callbacks and
		// per-instance state stay isolated (spec §5).
		instEngine := engine.New(req.InstanceID, adapter, riskMgr, sink, cfg.Risk)
		instEngine.RegisterStrategy(strategy.NewMeanReversion(req.MarginAmount, 1.0))
		ctx := context.Background()
		if err := instEngine.Start(ctx, []string{req.Symbol}); err != nil {
			return nil, err
		}
		return instEngine, nil
	})
	srv.RegisterAdapter(*instanceID, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	symbolList := splitSymbols(*symbols)
	if err := eng.Start(ctx, symbolList); err != nil {
		logger.Errorf("start engine: %v", err)
		os.Exit(1)
	}

	go func() {
		if err := srv.ListenAndServe(*webhookAddr); err != nil {
			logger.Warnf("webhook server stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("shutting down")
	eng.Stop()
	gridMgr.StopAll(ctx)
}

func splitSymbols(raw string) []string {
	symbols := []string{}
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				symbols = append(symbols, raw[start:i])
			}
			start = i + 1
		}
	}
	return symbols
}

func buildAdapter(creds config.ExchangeCredentials) (exchange.Adapter, error) {
	switch creds.Venue {
	case "okx":
		return okx.New(creds.APIKey, creds.SecretKey, creds.Passphrase), nil
	case "binance":
		return binance.New(creds.APIKey, creds.SecretKey, creds.Testnet), nil
	case "hyperliquid":
		return hyperliquid.New(context.Background(), creds.PrivateKey, creds.WalletAddr, creds.Testnet)
	case "apex":
		return apex.New(creds.APIKey, []byte(creds.PrivateKey))
	default:
		return okx.New(creds.APIKey, creds.SecretKey, creds.Passphrase), nil
	}
}
