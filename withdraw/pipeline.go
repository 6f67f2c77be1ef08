package withdraw

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/MixinNetwork/mixin/logger"

	"github.com/chainfusion-labs/bridge-relay/bitcoinchain"
	"github.com/chainfusion-labs/bridge-relay/common"
	"github.com/chainfusion-labs/bridge-relay/evmwatch"
	"github.com/chainfusion-labs/bridge-relay/scheduler"
	"github.com/chainfusion-labs/bridge-relay/signerkey"
	"github.com/chainfusion-labs/bridge-relay/store"
)

// Config carries the withdraw pipeline's tunables; cmd/bridged fills them
// from config.Configuration. Per spec.md's BftBridgeConfig
// (one token_address per deployed bridge instance), a single running
// bridge-relay process handles exactly one AssetKind — the pipeline does
// not infer an asset kind per burn event, it is configured with the one
// its dst_token corresponds to.
type Config struct {
	Network   common.Chain
	AssetKind common.AssetKind
}

// Pipeline wires the external collaborators the withdraw algorithm needs:
// a Bitcoin host, the persisted stores, and the signer.
type Pipeline struct {
	cfg    Config
	btc    bitcoinchain.Client
	store  *store.SQLite3Store
	signer signerkey.Signer
}

func New(cfg Config, btc bitcoinchain.Client, db *store.SQLite3Store, signer signerkey.Signer) *Pipeline {
	return &Pipeline{cfg: cfg, btc: btc, store: db, signer: signer}
}

// HandleBuildWithdraw is the scheduler.Handler bound to
// scheduler.KindBuildWithdraw (spec.md §4.7): it decodes the task payload
// evmwatch produced for a Burnt log and runs the withdrawal.
func (p *Pipeline) HandleBuildWithdraw(ctx context.Context, t scheduler.Task) error {
	var task evmwatch.BurntTask
	if err := scheduler.UnmarshalPayload(t.Payload, &task); err != nil {
		return fmt.Errorf("withdraw: decode task: %w", err)
	}
	return p.Withdraw(ctx, task)
}

// Withdraw runs the full algorithm of spec.md §4.7 for one Burnt event:
// decode the recipient, locate the inscription UTXO the burn redeems,
// build and sign a Bitcoin transaction (with an OP_RETURN edict for
// Runes), broadcast it, and record the outcome in the burn request store.
// A returned error triggers the task's Infinite/Fixed{5s} retry policy
// (scheduler.LogDerivedTaskOptions); a nil return with the request marked
// Failed means the burn was dropped permanently (unknown inscription or
// malformed recipient) rather than retried.
func (p *Pipeline) Withdraw(ctx context.Context, task evmwatch.BurntTask) error {
	requestId := fmt.Sprintf("%s:%d", task.TxHash, task.LogIndex)

	existing, err := p.store.ReadBurnRequest(ctx, requestId)
	if err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	if existing != nil && existing.State != common.RequestStateInitial {
		return nil // already settled or permanently failed by a prior attempt
	}

	if !utf8.Valid(task.Event.RecipientID) {
		logger.Printf("withdraw: burn %s dropped: recipient_id is not valid utf8", requestId)
		return p.failOrIgnore(ctx, existing, requestId, task)
	}
	recipientAddr := string(task.Event.RecipientID)
	revealTxID := idToTxID(task.Event.DstToken)

	if existing == nil {
		if err := p.store.WriteBurnRequestIfNotExist(ctx, &store.BurnRequest{
			RequestId:      requestId,
			BurnTxHash:     task.TxHash,
			LogIndex:       task.LogIndex,
			Sender:         task.Event.Sender[:],
			DstToken:       task.Event.DstToken[:],
			Amount:         task.Event.Amount[:],
			Recipient:      recipientAddr,
			DerivationPath: "",
			State:          common.RequestStateInitial,
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}); err != nil {
			return fmt.Errorf("withdraw: persist burn request: %w", err)
		}
	}

	utxo, err := p.store.ReadUtxo(ctx, revealTxID, 0)
	if err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	if utxo == nil {
		logger.Printf("withdraw: burn %s dropped: unknown inscription utxo %s", requestId, revealTxID)
		return p.failOrIgnore(ctx, existing, requestId, task)
	}

	params := bitcoinchain.Params(networkName(p.cfg.Network))
	recipientParsed, err := btcutil.DecodeAddress(recipientAddr, params)
	if err != nil {
		logger.Printf("withdraw: burn %s dropped: bad recipient address %q: %v", requestId, recipientAddr, err)
		return p.failOrIgnore(ctx, existing, requestId, task)
	}
	recipientScript, err := txscript.PayToAddrScript(recipientParsed)
	if err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}

	percentiles, err := p.btc.FeeRatePercentiles(ctx)
	if err != nil {
		return wrapUnavailable(err)
	}
	feeRate, err := bitcoinchain.EstimateFeeRate(percentiles, p.cfg.Network)
	if err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	// EstimateFeeRate reports millisatoshi/vB; BuildTransferTransaction
	// takes sat/vB, so convert, rounding up.
	feeRateSat := (feeRate + 999) / 1000

	candidates, err := p.store.ListSpendableUtxos(ctx, [][]byte{utxo.Script})
	if err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	var feeUtxos []bitcoinchain.SpendableUtxo
	for _, u := range candidates {
		if u.TransactionHash == utxo.TransactionHash && u.OutputIndex == utxo.OutputIndex {
			continue
		}
		feeUtxos = append(feeUtxos, bitcoinchain.SpendableUtxo{
			TransactionHash: u.TransactionHash,
			Index:           u.OutputIndex,
			Satoshi:         u.Satoshi,
			Script:          u.Script,
			DerivationPath:  u.DerivationPath,
		})
	}

	var runeEdicts []bitcoinchain.EdictOutput
	if p.cfg.AssetKind == common.AssetKindRune {
		receipt, err := p.store.ReadNftReceipt(ctx, revealTxID)
		if err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}
		if receipt != nil && receipt.InscriptionId != "" {
			amount := new(big.Int).SetBytes(task.Event.Amount[:])
			runeEdicts = []bitcoinchain.EdictOutput{{RuneID: receipt.InscriptionId, Amount: amount.Uint64(), RecipientVout: 0}}
		}
	}

	inscriptionUtxo := bitcoinchain.SpendableUtxo{
		TransactionHash: utxo.TransactionHash,
		Index:           utxo.OutputIndex,
		Satoshi:         utxo.Satoshi,
		Script:          utxo.Script,
		DerivationPath:  utxo.DerivationPath,
	}
	tx, allInputs, err := bitcoinchain.BuildTransferTransaction(inscriptionUtxo, feeUtxos, recipientScript, utxo.Script, feeRateSat, runeEdicts)
	if err != nil {
		// Insufficient fee utxos or ErrHeterogeneousDerivation: both are
		// retried under the Infinite/Fixed{5s} policy, since a later
		// deposit to the same address may supply the missing fee input.
		return fmt.Errorf("withdraw: build transaction: %w", err)
	}

	// Reserve every selected input before signing, per spec.md §5's
	// reserve-before-sign discipline, so a concurrent withdraw attempt
	// cannot pick the same utxo.
	outpoints := make([][2]any, len(allInputs))
	for i, in := range allInputs {
		outpoints[i] = [2]any{in.TransactionHash, in.Index}
	}
	if err := p.store.ReserveUtxos(ctx, outpoints); err != nil {
		return fmt.Errorf("withdraw: reserve utxos: %w", err)
	}

	pub, err := p.signer.GetBitcoinPubKey(ctx, utxo.DerivationPath)
	if err != nil {
		p.release(ctx, allInputs)
		return wrapSign(err)
	}
	sign := func(digest [32]byte) ([]byte, error) {
		return p.signer.SignBitcoinDigest(ctx, utxo.DerivationPath, digest)
	}
	if err := bitcoinchain.SignWitnessInputs(tx, allInputs, pub, sign); err != nil {
		p.release(ctx, allInputs)
		return wrapSign(err)
	}

	raw, err := bitcoinchain.SerializeWithWitness(tx)
	if err != nil {
		p.release(ctx, allInputs)
		return fmt.Errorf("withdraw: %w", err)
	}
	txID, err := p.btc.BroadcastTransaction(ctx, raw)
	if err != nil {
		p.release(ctx, allInputs)
		return wrapUnavailable(err)
	}

	for _, in := range allInputs {
		if err := p.store.MarkUtxoSpent(ctx, in.TransactionHash, in.Index, txID); err != nil {
			logger.Printf("withdraw: mark spent %s:%d: %v", in.TransactionHash, in.Index, err)
		}
	}

	if err := p.store.SetBurnRequestTransferred(ctx, requestId, txID); err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	return nil
}

// failOrIgnore marks requestId permanently failed the first time a
// terminal (non-retryable) defect is observed, and is a no-op on replay
// once the request is already in that state.
func (p *Pipeline) failOrIgnore(ctx context.Context, existing *store.BurnRequest, requestId string, task evmwatch.BurntTask) error {
	if existing == nil {
		if err := p.store.WriteBurnRequestIfNotExist(ctx, &store.BurnRequest{
			RequestId:      requestId,
			BurnTxHash:     task.TxHash,
			LogIndex:       task.LogIndex,
			Sender:         task.Event.Sender[:],
			DstToken:       task.Event.DstToken[:],
			Amount:         task.Event.Amount[:],
			Recipient:      string(task.Event.RecipientID),
			DerivationPath: "",
			State:          common.RequestStateInitial,
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}); err != nil {
			logger.Printf("withdraw: persist dropped burn request %s: %v", requestId, err)
		}
	}
	if err := p.store.SetBurnRequestFailed(ctx, requestId); err != nil {
		logger.Printf("withdraw: mark burn %s failed: %v", requestId, err)
	}
	return nil
}

func (p *Pipeline) release(ctx context.Context, inputs []bitcoinchain.SpendableUtxo) {
	for _, in := range inputs {
		if err := p.store.ReleaseUtxoReservation(ctx, in.TransactionHash, in.Index); err != nil {
			logger.Printf("withdraw: release reservation %s:%d: %v", in.TransactionHash, in.Index, err)
		}
	}
}

// idToTxID decodes an Id256 back into the reveal txid hex string
// deposit.resolveAmounts packed into it: the raw 32 txid bytes, hex
// encoded. Exactly the inverse of that packing, since a txid is always 32
// bytes wide — unlike a ticker or rune name, it never needs truncation or
// padding.
func idToTxID(id common.Id256) string {
	return hex.EncodeToString(id[:])
}

func networkName(c common.Chain) string {
	switch c {
	case common.ChainBitcoinTestnet:
		return "testnet"
	case common.ChainBitcoinRegtest:
		return "regtest"
	default:
		return "mainnet"
	}
}
