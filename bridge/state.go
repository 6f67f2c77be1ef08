// Package bridge wires every other package into one running process:
// persisted configuration, the scheduler and its registered handlers, and
// the admin HTTP surface (spec.md §4.8, §6). Grounded on the teacher's
// keeper.Keeper (the struct that owns every store and is threaded through
// every request handler) generalized from a Mixin kernel group member to
// a single bridge-relay process.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/MixinNetwork/mixin/logger"

	"github.com/chainfusion-labs/bridge-relay/deposit"
	"github.com/chainfusion-labs/bridge-relay/evmchain"
	"github.com/chainfusion-labs/bridge-relay/evmwatch"
	"github.com/chainfusion-labs/bridge-relay/scheduler"
	"github.com/chainfusion-labs/bridge-relay/signerkey"
	"github.com/chainfusion-labs/bridge-relay/store"
	"github.com/chainfusion-labs/bridge-relay/withdraw"
)

const configPropertyKey = "bridge_config"

// State is the process-wide handle every admin request and scheduled task
// runs through (spec.md §5 "all shared mutable state is accessed through a
// process-wide handle"). It owns no goroutines of its own; cmd/bridged
// drives Scheduler.Run from its own ticker.
type State struct {
	db        *store.SQLite3Store
	Scheduler *scheduler.Scheduler
	Deposit   *deposit.Pipeline
	Withdraw  *withdraw.Pipeline
	collector *evmwatch.Collector
	evm       evmchain.Client
	signer    signerkey.Signer

	cfg            BridgeConfig
	bft            BftBridgeConfig
	signerPath     string
	bridgeContract ethcommon.Address
}

// New wires every collaborator into a State and registers the scheduler
// handlers spec.md §4.4's Task enum names: InitEvmState, CollectEvmEvents,
// RemoveMintOrder, BuildWithdrawTransaction. It does not start anything —
// callers must still call Init and drive Scheduler.Run from a periodic
// tick (spec.md §5 "the host provides a periodic timer (1s)").
func New(
	db *store.SQLite3Store,
	evm evmchain.Client,
	signer signerkey.Signer,
	depositPipeline *deposit.Pipeline,
	withdrawPipeline *withdraw.Pipeline,
	collector *evmwatch.Collector,
	signerPath string,
	bridgeContract ethcommon.Address,
	taskDeadline time.Duration,
) *State {
	s := &State{
		db:             db,
		Scheduler:      scheduler.New(db, taskDeadline),
		Deposit:        depositPipeline,
		Withdraw:       withdrawPipeline,
		collector:      collector,
		evm:            evm,
		signer:         signer,
		signerPath:     signerPath,
		bridgeContract: bridgeContract,
	}

	s.Scheduler.Register(scheduler.KindInitEvmState, s.handleInitEvmState)
	s.Scheduler.Register(scheduler.KindCollectEvmEvents, s.handleCollectEvmEvents)
	s.Scheduler.Register(scheduler.KindBuildWithdraw, withdrawPipeline.HandleBuildWithdraw)
	s.Scheduler.Register(scheduler.KindRemoveMintOrder, s.handleRemoveMintOrder)

	return s
}

// Init validates and persists cfg (spec.md §4.8 "init(config) validates
// the indexer URL ... and persists config"), then appends the one-shot
// InitEvmState task that populates EvmParams with exponential backoff
// (spec.md §4.8 "runs at startup with exponential backoff").
func (s *State) Init(ctx context.Context, cfg BridgeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.cfg = cfg

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("bridge.Init: marshal config: %w", err)
	}
	if err := s.db.WriteProperty(ctx, configPropertyKey, raw); err != nil {
		return fmt.Errorf("bridge.Init: persist config: %w", err)
	}

	if _, err := s.Scheduler.AppendTask(ctx, scheduler.Task{
		Kind:    scheduler.KindInitEvmState,
		Options: scheduler.InitEvmStateOptions(),
	}); err != nil {
		return fmt.Errorf("bridge.Init: append InitEvmState: %w", err)
	}
	logger.Printf("bridge.Init: configured for network=%d indexer=%s", cfg.Network, cfg.IndexerURL)
	return nil
}

// ConfigureBFT is the admin-gated configure_bft operation (spec.md §4.8):
// updates the EVM-side contract coordinates. caller must equal cfg.Admin.
func (s *State) ConfigureBFT(ctx context.Context, caller ethcommon.Address, bft BftBridgeConfig) error {
	if caller != s.cfg.Admin {
		return ErrForbidden
	}
	s.bft = bft
	s.bridgeContract = bft.BridgeAddress
	logger.Printf("bridge.ConfigureBFT: bridge_address=%s token_address=%s", bft.BridgeAddress.Hex(), bft.TokenAddress.Hex())
	return nil
}

// BftConfig returns the currently configured BftBridgeConfig.
func (s *State) BftConfig() BftBridgeConfig { return s.bft }

// EvmAddress is the get_evm_address() admin operation (spec.md §6): the
// bridge's own custody address.
func (s *State) EvmAddress(ctx context.Context) (ethcommon.Address, error) {
	return s.signer.GetAddress(ctx, s.signerPath)
}

// handleInitEvmState populates EvmParams from a live eth_chainId +
// eth_getTransactionCount + eth_gasPrice query (spec.md §4.8
// init_evm_info_task). On the first run the collector checkpoint starts at
// block 0; on later runs the stored next_block is kept, so the checkpoint
// never moves backwards. No admin operation sets next_block.
func (s *State) handleInitEvmState(ctx context.Context, t scheduler.Task) error {
	addr, err := s.signer.GetAddress(ctx, s.signerPath)
	if err != nil {
		return fmt.Errorf("bridge.handleInitEvmState: signer address: %w", err)
	}
	chainID, nonce, gasPrice, err := evmchain.FetchChainParams(ctx, s.evm, addr)
	if err != nil {
		return fmt.Errorf("bridge.handleInitEvmState: %w", err)
	}
	prev, err := s.db.ReadEvmParams(ctx)
	if err != nil {
		return fmt.Errorf("bridge.handleInitEvmState: %w", err)
	}
	var nextBlock uint64
	if prev != nil {
		nextBlock = prev.NextBlock
	}
	return s.db.WriteEvmParams(ctx, &store.EvmParams{
		ChainID:        chainID,
		GasPrice:       gasPrice.Bytes(),
		BridgeContract: s.bridgeContract.Bytes(),
		NextBlock:      nextBlock,
		Nonce:          nonce,
	})
}

// handleCollectEvmEvents runs one evmwatch.Collector cycle and appends
// whatever follow-up tasks it produced (spec.md §4.5 step 4).
func (s *State) handleCollectEvmEvents(ctx context.Context, t scheduler.Task) error {
	tasks, err := s.collector.Collect(ctx)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	_, err = s.Scheduler.AppendTasks(ctx, tasks)
	return err
}

// handleRemoveMintOrder garbage-collects the mint order a Minted event
// confirms was consumed (spec.md §4.5 step 4, grounded on
// original_source/brc20-bridge/src/scheduler.rs::remove_mint_order, whose
// (sender, nonce)-only addressing store.RemoveMintOrderBySenderNonce
// mirrors exactly).
func (s *State) handleRemoveMintOrder(ctx context.Context, t scheduler.Task) error {
	var ev evmwatch.MintedEvent
	if err := scheduler.UnmarshalPayload(t.Payload, &ev); err != nil {
		return fmt.Errorf("bridge.handleRemoveMintOrder: decode: %w", err)
	}
	return s.db.RemoveMintOrderBySenderNonce(ctx, ev.Sender[:], ev.Nonce)
}
