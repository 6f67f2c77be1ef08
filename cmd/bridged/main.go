// Command bridged is the bridge-relay process entrypoint: it loads
// Configuration, wires every collaborator package together into a
// bridge.State, and drives the scheduler from a 1-second ticker (spec.md
// §5 "the host provides a periodic timer (1s)") alongside the admin HTTP
// server. Grounded on Fantasim-hdpay's cmd/server/main.go and
// cmd/poller/main.go: load config, open the store, build the router,
// serve, wait on an OS signal, shut down gracefully.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/MixinNetwork/mixin/logger"

	"github.com/chainfusion-labs/bridge-relay/bitcoinchain"
	"github.com/chainfusion-labs/bridge-relay/bridge"
	"github.com/chainfusion-labs/bridge-relay/config"
	"github.com/chainfusion-labs/bridge-relay/deposit"
	"github.com/chainfusion-labs/bridge-relay/evmchain"
	"github.com/chainfusion-labs/bridge-relay/evmwatch"
	"github.com/chainfusion-labs/bridge-relay/indexer"
	"github.com/chainfusion-labs/bridge-relay/scheduler"
	"github.com/chainfusion-labs/bridge-relay/signerkey"
	"github.com/chainfusion-labs/bridge-relay/store"
	"github.com/chainfusion-labs/bridge-relay/withdraw"
)

// taskDeadline bounds how long a single scheduler task may run before the
// runOne loop gives up on it and marks it for retry (scheduler.Scheduler's
// deadline parameter) — generous since a withdraw's broadcast round-trip
// can legitimately take several seconds against a loaded Esplora backend.
const taskDeadline = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridged: config: %v\n", err)
		os.Exit(1)
	}

	logger.SetLevel(logLevel(cfg.LogLevel))
	logger.Printf("bridged: starting, network=%s asset=%s port=%d", cfg.Network, cfg.Asset, cfg.Port)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := store.OpenSQLite3Store(cfg.DBPath)
	if err != nil {
		logger.Printf("bridged: open store: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	signer, err := buildSigner(cfg, db)
	if err != nil {
		logger.Printf("bridged: signer: %v", err)
		os.Exit(1)
	}
	if ts, ok := signer.(*signerkey.ThresholdSigner); ok {
		ts.LogStaleSigningRequests(ctx)
	}

	btc := bitcoinchain.NewEsploraClient(cfg.EsploraURL, bitcoinchain.Params(cfg.Network), nil)
	idx := indexer.New(cfg.IndexerURL, cfg.IndexerRateLimit, nil)

	evm, err := evmchain.Dial(ctx, cfg.EvmRpcURL)
	if err != nil {
		logger.Printf("bridged: dial evm rpc: %v", err)
		os.Exit(1)
	}

	bridgeContract := ethcommon.HexToAddress(cfg.BridgeContract)
	submitter := evmchain.NewSubmitter(evm, signer, cfg.SignerPath, bridgeContract)

	depositPipeline := deposit.New(deposit.Config{
		Network:          cfg.Chain(),
		MinConfirmations: cfg.MinConfirmations,
		DepositFeeSat:    cfg.DepositFeeSat,
		LedgerFeeSat:     cfg.LedgerFeeSat,
		DustSat:          cfg.DustSat,
		BridgeContract:   bridgeContract,
		DstToken:         ethcommon.HexToAddress(cfg.DstToken),
		SignerPath:       cfg.SignerPath,
		GasLimit:         cfg.GasLimit,
	}, btc, idx, db, signer, submitter)

	withdrawPipeline := withdraw.New(withdraw.Config{
		Network:   cfg.Chain(),
		AssetKind: cfg.AssetKind(),
	}, btc, db, signer)

	collector := evmwatch.New(evm, db, bridgeContract, evmwatch.DefaultTopics())

	state := bridge.New(
		db, evm, signer,
		depositPipeline, withdrawPipeline, collector,
		cfg.SignerPath, bridgeContract,
		taskDeadline,
	)

	if err := state.Init(ctx, bridge.BridgeConfig{
		Network:         cfg.Chain(),
		EvmLink:         cfg.EvmRpcURL,
		SigningStrategy: cfg.SigningStrategy,
		Admin:           ethcommon.HexToAddress(cfg.Admin),
		AdminAPIKey:     cfg.AdminAPIKey,
		FeeSat:          cfg.DepositFeeSat,
		IndexerURL:      cfg.IndexerURL,
	}); err != nil {
		logger.Printf("bridged: init: %v", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: bridge.Router(state),
	}

	go func() {
		logger.Printf("bridged: admin HTTP listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("bridged: HTTP server error: %v", err)
		}
	}()

	go runTicker(ctx, state)

	<-ctx.Done()
	logger.Printf("bridged: shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("bridged: HTTP shutdown: %v", err)
	}
}

// runTicker appends a CollectEvmEvents task once a second and drives the
// scheduler's run loop, mirroring the original's set_timer_interval(1s,
// collect_evm_events_task) pattern (spec.md §5).
func runTicker(ctx context.Context, state *bridge.State) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := state.Scheduler.AppendTask(ctx, scheduler.Task{
				Kind:    scheduler.KindCollectEvmEvents,
				Options: scheduler.CollectEvmEventsOptions(),
			}); err != nil {
				logger.Printf("bridged: append CollectEvmEvents task: %v", err)
			}
			if err := state.Scheduler.Run(ctx); err != nil {
				logger.Printf("bridged: scheduler run: %v", err)
			}
		}
	}
}

// buildSigner selects the signerkey backend per cfg.SigningStrategy,
// already validated non-empty by Configuration.Validate.
func buildSigner(cfg *config.Configuration, db *store.SQLite3Store) (signerkey.Signer, error) {
	switch cfg.SigningStrategy {
	case "threshold":
		encKey, err := hex.DecodeString(cfg.ThresholdEncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("bridged: decode BRIDGE_THRESHOLD_ENCRYPTION_KEY: %w", err)
		}
		return signerkey.NewThresholdSigner(cfg.ThresholdURL, cfg.ThresholdKeyID, nil, db, encKey), nil
	default:
		return signerkey.NewLocalSignerFromMnemonic(cfg.Mnemonic)
	}
}

func logLevel(level string) int {
	if level == "debug" {
		return logger.VERBOSE
	}
	return logger.INFO
}
