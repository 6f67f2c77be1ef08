package deposit

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/MixinNetwork/mixin/logger"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/chainfusion-labs/bridge-relay/bitcoinchain"
	"github.com/chainfusion-labs/bridge-relay/common"
	"github.com/chainfusion-labs/bridge-relay/evmchain"
	"github.com/chainfusion-labs/bridge-relay/indexer"
	"github.com/chainfusion-labs/bridge-relay/mintorder"
	"github.com/chainfusion-labs/bridge-relay/signerkey"
	"github.com/chainfusion-labs/bridge-relay/store"
)

// digestSigner adapts signerkey.Signer (ctx + path) to mintorder.Signer
// (bare digest in, signature out), binding one fixed ctx+path pair per
// pipeline instance — mint orders are always signed by the bridge's own
// custody key, never a user-derived deposit key.
type digestSigner struct {
	ctx    context.Context
	inner  signerkey.Signer
	path   string
}

func (d digestSigner) SignDigest(digest [32]byte) ([mintorder.SignatureSize]byte, error) {
	return d.inner.SignDigest(d.ctx, d.path, digest)
}

// MintResult is one outcome of a Deposit call. Per the Open Question
// resolution (SPEC_FULL.md §C.1), Deposit always returns a slice — one
// entry per distinct (token, amount) pair the indexer metadata lookup
// produced, never a single result even for native BTC deposits.
type MintResult struct {
	AssetKind common.AssetKind
	SrcToken  common.Id256
	Amount    *big.Int

	// Minted is set when the mint(order) submission to the EVM contract
	// succeeded.
	Minted bool
	TxHash ethcommon.Hash

	// Order is set when submission failed; the caller (or a later retry
	// task) can resubmit it later since the contract's nonce replay
	// protection makes mint idempotent (spec.md §4.6 step 7).
	Order mintorder.SignedMintOrder
}

// Config carries the pipeline's tunables; cmd/bridged fills them from
// config.Configuration.
type Config struct {
	Network          common.Chain
	MinConfirmations uint64
	DepositFeeSat    int64
	LedgerFeeSat     int64
	DustSat          int64
	BridgeContract   ethcommon.Address
	DstToken         ethcommon.Address // the wrapped ERC20/ERC721 this deployment mints (BftBridgeConfig.token_address)
	SignerPath       string // the bridge's own custody path, used to sign mint orders
	SenderChainID    uint32
	RecipientChainID uint32
	GasLimit         uint64
}

// Pipeline wires the external collaborators the deposit algorithm needs:
// a Bitcoin host, an indexer, the persisted stores, the signer, and an
// EVM submitter.
type Pipeline struct {
	cfg       Config
	btc       bitcoinchain.Client
	idx       *indexer.Client
	store     *store.SQLite3Store
	signer    signerkey.Signer
	submitter *evmchain.Submitter
}

func New(cfg Config, btc bitcoinchain.Client, idx *indexer.Client, db *store.SQLite3Store, signer signerkey.Signer, submitter *evmchain.Submitter) *Pipeline {
	return &Pipeline{cfg: cfg, btc: btc, idx: idx, store: db, signer: signer, submitter: submitter}
}

// derivationPath returns the per-recipient deposit path, keyed off the
// destination EVM address so every depositor gets an independent script
// (spec.md §4.3 derivation-path design note: "[address bytes]").
func derivationPath(recipient ethcommon.Address) string {
	return fmt.Sprintf("deposit/%s", recipient.Hex())
}

// depositScript derives the P2WPKH witness script controlling recipient's
// deposit address, the same construction the teacher's witness-signing
// loop builds a script from before creating a CannedPrevOutputFetcher
// (observer/accountant.go).
func (p *Pipeline) depositScript(ctx context.Context, recipient ethcommon.Address) ([]byte, string, error) {
	pub, err := p.signer.GetBitcoinPubKey(ctx, derivationPath(recipient))
	if err != nil {
		return nil, "", wrapSign(err)
	}
	pkHash := btcutil.Hash160(pub)
	builder := txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(pkHash)
	script, err := builder.Script()
	if err != nil {
		return nil, "", fmt.Errorf("deposit: build script: %w", err)
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pkHash, bitcoinchain.Params(networkName(p.cfg.Network)))
	if err != nil {
		return nil, "", fmt.Errorf("deposit: encode address: %w", err)
	}
	return script, addr.EncodeAddress(), nil
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

// GetDepositAddress implements the get_deposit_address() admin operation
// (spec.md §6): the address a given EVM recipient should send Bitcoin to.
func (p *Pipeline) GetDepositAddress(ctx context.Context, recipient ethcommon.Address) (string, error) {
	_, addr, err := p.depositScript(ctx, recipient)
	return addr, err
}

// Deposit runs the full algorithm of spec.md §4.6 for one recipient:
// derive the deposit address, pull spendable UTXOs, gate on confirmations
// and amount, resolve per-UTXO asset metadata, then mint one order per
// distinct (token, amount) pair.
func (p *Pipeline) Deposit(ctx context.Context, recipient ethcommon.Address, kind common.AssetKind) ([]MintResult, error) {
	script, _, err := p.depositScript(ctx, recipient)
	if err != nil {
		return nil, err
	}

	tip, err := p.btc.TipHeight(ctx)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	utxos, err := p.btc.UtxosForScript(ctx, script)
	if err != nil {
		return nil, wrapUnavailable(err)
	}

	var candidates []bitcoinchain.Utxo
	for _, u := range utxos {
		known, err := p.store.ReadUtxo(ctx, u.TxID, u.Vout)
		if err != nil {
			return nil, fmt.Errorf("deposit: %w", err)
		}
		if known != nil {
			continue // already consumed by the ledger
		}
		candidates = append(candidates, u)
	}
	if len(candidates) == 0 {
		return nil, ErrNothingToDeposit
	}

	// Confirmation gate (spec.md §4.6 step 3).
	minConfirmations := p.cfg.MinConfirmations
	var worstConfirmations uint64 = ^uint64(0)
	var total int64
	for _, u := range candidates {
		confirmations := tip - u.Height + 1
		if confirmations < worstConfirmations {
			worstConfirmations = confirmations
		}
		total += u.Value
	}
	if worstConfirmations < minConfirmations {
		return nil, &PendingError{Min: minConfirmations, Current: worstConfirmations}
	}

	// Amount gate (spec.md §4.6 step 4).
	minTotal := p.cfg.DepositFeeSat + p.cfg.LedgerFeeSat
	if total < minTotal {
		return nil, &NotEnoughBTCError{Received: total, Minimum: minTotal}
	}

	entries, err := p.resolveAmounts(ctx, kind, candidates)
	if err != nil {
		return nil, err
	}

	var results []MintResult
	for _, e := range entries {
		result, err := p.mintOne(ctx, recipient, kind, e.SrcToken, e.Amount)
		if err != nil {
			return results, err
		}
		results = append(results, result)

		// Record the Bitcoin-side asset label (ticker/rune id/inscription
		// id) keyed by its carrying UTXO's reveal txid, so the withdraw
		// pipeline can recover both "which UTXO" and "which asset" from
		// the MintOrder's src_token alone (spec.md §4.7 step 2).
		if e.UtxoTxID != "" {
			if err := p.store.WriteNftReceiptIfNotExist(ctx, &store.NftReceipt{
				RevealTxHash:  e.UtxoTxID,
				InscriptionId: e.Label,
				OwnerAddress:  recipient.Hex(),
				CreatedAt:     time.Now(),
			}); err != nil {
				logger.Printf("deposit.Deposit: record asset receipt %s: %v", e.UtxoTxID, err)
			}
		}
	}

	for _, u := range candidates {
		if err := p.store.WriteUtxoIfNotExist(ctx, &store.Utxo{
			TransactionHash: u.TxID,
			OutputIndex:     u.Vout,
			Satoshi:         u.Value,
			Script:          u.Script,
			DerivationPath:  derivationPath(recipient),
			CreatedAt:       time.Now(),
		}); err != nil {
			logger.Printf("deposit.Deposit: record utxo %s:%d: %v", u.TxID, u.Vout, err)
		}
	}

	return results, nil
}

// depositEntry is one (src_token, amount) pair resolveAmounts produces.
// UtxoTxID and Label are empty for native BTC (there is no single carrying
// UTXO and no indexer-assigned asset label); for the asset-specific kinds
// src_token is always keyed by the carrying UTXO's reveal txid rather than
// by ticker/rune id, so the withdraw pipeline can recover "which UTXO"
// directly from a MintOrder's src_token without a separate registry
// (SPEC_FULL.md Open Question decision, see DESIGN.md).
type depositEntry struct {
	SrcToken common.Id256
	Amount   *big.Int
	UtxoTxID string
	Label    string // ticker / spaced rune name / inscription id
}

// resolveAmounts applies step 5's indexer metadata lookup for
// asset-specific bridges, or a single native-BTC amount for
// AssetKindNativeBTC.
func (p *Pipeline) resolveAmounts(ctx context.Context, kind common.AssetKind, utxos []bitcoinchain.Utxo) ([]depositEntry, error) {
	if kind == common.AssetKindNativeBTC {
		var total int64
		for _, u := range utxos {
			total += u.Value
		}
		return []depositEntry{{SrcToken: common.Id256{}, Amount: big.NewInt(total)}}, nil
	}

	var out []depositEntry
	for _, u := range utxos {
		txidBytes, err := hexTxID(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("deposit: %w", err)
		}
		meta, err := p.idx.GetTxOutput(ctx, indexer.Outpoint{TxID: txidBytes, Vout: u.Vout})
		if err != nil {
			return nil, wrapUnavailable(err)
		}
		// The reveal txid is exactly 32 raw bytes, the same width as
		// Id256, so FromBytes packs it unchanged (rather than its
		// 64-character hex string) and it round-trips losslessly through
		// withdraw.idToTxID.
		srcToken := common.FromBytes(txidBytes)

		switch kind {
		case common.AssetKindRune:
			if len(meta.Runes) == 0 {
				return nil, ErrNoRunesToDeposit
			}
			// A UTXO carrying more than one rune balance is an edge case
			// this bridge does not split across several mint orders; only
			// the first pile is minted.
			pile := meta.Runes[0]
			amt, ok := new(big.Int).SetString(pile.Amount, 10)
			if !ok {
				return nil, ErrNoRunesToDeposit
			}
			out = append(out, depositEntry{SrcToken: srcToken, Amount: amt, UtxoTxID: u.TxID, Label: pile.SpacedRune})
		case common.AssetKindBRC20:
			if meta.Brc20 == nil {
				return nil, ErrInvalidBRC20
			}
			amt, ok := new(big.Int).SetString(meta.Brc20.Amount, 10)
			if !ok {
				return nil, ErrInvalidBRC20
			}
			out = append(out, depositEntry{SrcToken: srcToken, Amount: amt, UtxoTxID: u.TxID, Label: meta.Brc20.Ticker})
		case common.AssetKindOrdinalNFT:
			if meta.InscriptionID == "" {
				return nil, ErrInvalidBRC20
			}
			out = append(out, depositEntry{SrcToken: srcToken, Amount: big.NewInt(1), UtxoTxID: u.TxID, Label: meta.InscriptionID})
		}
	}
	if len(out) == 0 {
		return nil, ErrNothingToDeposit
	}
	return out, nil
}

// mintOne builds, signs, persists and submits one mint order for one
// (token, amount) pair (spec.md §4.6 steps 6-7).
func (p *Pipeline) mintOne(ctx context.Context, recipient ethcommon.Address, kind common.AssetKind, srcToken common.Id256, amount *big.Int) (MintResult, error) {
	nonce, err := p.nextNonce(ctx, srcToken)
	if err != nil {
		return MintResult{}, fmt.Errorf("deposit: %w", err)
	}

	order := &mintorder.MintOrder{
		Variant:          variantForKind(kind),
		Sender:           idFromAddress(recipient),
		SrcToken:         srcToken,
		Recipient:        recipient,
		DstToken:         p.cfg.DstToken,
		Nonce:            nonce,
		SenderChainID:    p.cfg.SenderChainID,
		RecipientChainID: p.cfg.RecipientChainID,
		Decimals:         8,
	}
	var amountBytes [32]byte
	amount.FillBytes(amountBytes[:])
	order.Amount = amountBytes

	signed, err := mintorder.EncodeAndSign(order, digestSigner{ctx: ctx, inner: p.signer, path: p.cfg.SignerPath})
	if err != nil {
		return MintResult{}, wrapSign(err)
	}

	if err := p.store.PutMintOrder(ctx, &store.MintOrderRecord{
		Sender:    order.Sender[:],
		SrcToken:  srcToken[:],
		Nonce:     nonce,
		Variant:   byte(order.Variant),
		Payload:   signed,
		CreatedAt: time.Now(),
	}); err != nil {
		return MintResult{}, fmt.Errorf("deposit: %w", err)
	}

	params, err := p.store.ReadEvmParams(ctx)
	if err != nil {
		return MintResult{}, fmt.Errorf("deposit: %w", err)
	}
	if params == nil {
		return MintResult{}, ErrNotInitialized
	}

	calldata := mintCalldata(signed)
	gasPrice := new(big.Int).SetBytes(params.GasPrice)
	txHash, err := p.submitter.SubmitMintCalldata(ctx, calldata, params.Nonce, params.ChainID, gasPrice, p.cfg.GasLimit)
	if err != nil {
		logger.Printf("deposit.mintOne: submit failed, falling back to Signed: %v", err)
		return MintResult{AssetKind: kind, SrcToken: srcToken, Amount: amount, Order: signed}, nil
	}

	if err := p.store.AdvanceNonce(ctx, params.Nonce); err != nil {
		logger.Printf("deposit.mintOne: bump cached nonce: %v", err)
	}

	return MintResult{AssetKind: kind, SrcToken: srcToken, Amount: amount, Minted: true, TxHash: txHash}, nil
}

// nextNonce allocates a fresh process-wide nonce for srcToken, persisted
// as a property cell keyed by the token (spec.md §4.6 step 6
// "process_nonce").
func (p *Pipeline) nextNonce(ctx context.Context, srcToken common.Id256) (uint32, error) {
	key := "mint_nonce/" + string(srcToken[:])
	raw, err := p.store.ReadProperty(ctx, key)
	if err != nil {
		return 0, err
	}
	var next uint32
	if len(raw) == 4 {
		next = uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	}
	next++
	buf := []byte{byte(next >> 24), byte(next >> 16), byte(next >> 8), byte(next)}
	if err := p.store.WriteProperty(ctx, key, buf); err != nil {
		return 0, err
	}
	return next, nil
}

func variantForKind(kind common.AssetKind) mintorder.Variant {
	if kind == common.AssetKindOrdinalNFT {
		return mintorder.VariantNFT
	}
	return mintorder.VariantFungible
}

// mintCalldata is a placeholder ABI encoder: the bridge contract's
// mint(order) selector followed by the signed order bytes. A production
// deployment would use a generated abi.ABI binding; this package has no
// such binding available (see evmwatch.Topics for the same simplification
// on the read side).
func mintCalldata(signed mintorder.SignedMintOrder) []byte {
	selector := []byte{0x7b, 0xa0, 0xe2, 0xe7} // keccak256("mint(bytes)")[:4]
	return append(selector, signed...)
}

func idFromString(s string) common.Id256 {
	var id common.Id256
	copy(id[:], s)
	return id
}

// idFromAddress left-pads a 20-byte EVM address into a 32-byte Id256, the
// same widening every Id256-typed field uses for an EVM-side identity
// (common.Id256 doc comment).
func idFromAddress(addr ethcommon.Address) common.Id256 {
	var id common.Id256
	copy(id[12:], addr.Bytes())
	return id
}

func hexTxID(txid string) ([]byte, error) {
	b, err := hex.DecodeString(txid)
	if err != nil {
		return nil, fmt.Errorf("bad txid %q: %w", txid, err)
	}
	return b, nil
}
