package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/drachmadex/drachmadex/params"
	"github.com/drachmadex/drachmadex/pkg/api"
	"github.com/drachmadex/drachmadex/pkg/exchange"
	"github.com/drachmadex/drachmadex/pkg/storage"
	"github.com/drachmadex/drachmadex/pkg/stream"
	"github.com/drachmadex/drachmadex/pkg/token"
	"github.com/drachmadex/drachmadex/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.LogFile)

	// ---- Storage ----
	store, err := storage.Open(cfg.Exchange.DataDir)
	if err != nil {
		sugar.Fatalw("store_open_failed", "path", cfg.Exchange.DataDir, "err", err)
	}
	defer store.Close()

	// ---- Token source ----
	// dexd runs against an in-process token chain. Deployed addresses are
	// derived from the token name, so they are stable across restarts and
	// match whatever the registry restored from disk.
	chain := token.NewLocal()

	// ---- Engine ----
	engine, err := exchange.New(cfg.Exchange, exchange.Options{
		Tokens: chain,
		Store:  store,
		Logger: sugar,
	})
	if err != nil {
		sugar.Fatalw("engine_init_failed", "err", err)
	}

	// The in-process chain holds no state of its own across restarts, so
	// redeploy a contract for every restored token and mint the custodial
	// holdings back. Without the refill a restored balance could never be
	// withdrawn.
	if err := restoreDevnetChain(engine, chain, store); err != nil {
		sugar.Fatalw("devnet_restore_failed", "err", err)
	}

	if err := seedDevnet(engine, chain, cfg.Exchange); err != nil {
		sugar.Fatalw("devnet_seed_failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Trade relay (optional) ----
	if len(cfg.Stream.KafkaBrokers) > 0 {
		relay := stream.NewTradeRelay(engine.Feed(), cfg.Stream.KafkaBrokers, cfg.Stream.KafkaTopic, sugar)
		go relay.Run(ctx)
		defer relay.Close()
		sugar.Infow("trade_relay_started", "brokers", cfg.Stream.KafkaBrokers, "topic", cfg.Stream.KafkaTopic)
	} else {
		sugar.Info("trade_relay_disabled - set KAFKA_BROKERS to enable")
	}

	// ---- API Server ----
	server := api.NewServer(engine, cfg.API.AllowedOrigins, sugar)
	sugar.Infow("dexd_starting",
		"quote", engine.Quote(),
		"admin", engine.Admin().Hex(),
		"tokens", len(engine.Tokens()),
		"listen", cfg.API.Listen)

	if err := server.Start(ctx, cfg.API.Listen); err != nil {
		sugar.Fatalw("api_server_failed", "err", err)
	}
}

// restoreDevnetChain redeploys a contract for every restored token and mints
// the exchange's persisted holdings onto the custody address.
func restoreDevnetChain(engine *exchange.Engine, chain *token.Local, store *storage.Store) error {
	contracts := make(map[string]*token.Standard)
	for _, t := range engine.Tokens() {
		contract, _ := chain.Deploy(t.Symbol)
		contracts[t.Symbol] = contract
	}

	balances, err := store.LoadBalances()
	if err != nil {
		return err
	}
	for _, rec := range balances {
		contract, ok := contracts[rec.Symbol]
		if !ok {
			continue
		}
		amount, err := uint256.FromDecimal(rec.Amount)
		if err != nil {
			return fmt.Errorf("balance %s/%s: %w", rec.Trader, rec.Symbol, err)
		}
		contract.Faucet(engine.Custody(), amount)
	}
	return nil
}

// seedDevnet registers the quote token plus a couple of tradable tokens on a
// fresh database and grants faucet funds to a pair of well-known dev
// accounts. Opt out with SEED_DEVNET=false.
func seedDevnet(engine *exchange.Engine, chain *token.Local, cfg params.Exchange) error {
	if os.Getenv("SEED_DEVNET") == "false" || len(engine.Tokens()) > 0 {
		return nil
	}

	admin := common.HexToAddress(cfg.Admin)
	for _, symbol := range []string{cfg.QuoteSymbol, "REP", "ZRX"} {
		contract, addr := chain.Deploy(symbol)
		if err := engine.AddToken(admin, symbol, addr); err != nil {
			return err
		}

		grant := uint256.MustFromDecimal("1000000000000000000000000") // 1M tokens at 18 decimals
		for _, hex := range []string{
			"0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
			"0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
		} {
			dev := common.HexToAddress(hex)
			contract.Faucet(dev, grant)
			contract.Approve(dev, engine.Custody(), grant)
		}
	}
	return nil
}
