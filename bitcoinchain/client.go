// Package bitcoinchain implements the Bitcoin-side transaction construction,
// fee estimation and UTXO bookkeeping both the deposit and withdraw
// pipelines depend on (spec.md §4.6, §4.7). The actual host RPC connection
// is an external collaborator, out of scope for this spec (§1 "idiomatic
// wrappers around the host platform's Bitcoin ... endpoints"); Client below
// is the interface this package needs from it, grounded on
// original_source/rune-bridge/src/ops.rs (get_utxos,
// bitcoin_get_current_fee_percentiles, bitcoin_send_transaction) and the
// teacher's observer/accountant.go call shape for the equivalent host RPCs.
package bitcoinchain

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg"
)

// Utxo is a raw host-reported unspent output, before the bridge has
// recorded it in the ledger.
type Utxo struct {
	TxID   string // big-endian hex, human-displayable
	Vout   uint32
	Value  int64 // satoshi
	Height uint64
	Script []byte
}

// Client is the external Bitcoin host collaborator: UTXO queries, fee
// percentiles, and raw transaction broadcast. A production deployment
// backs this with a Bitcoin Core RPC client or an indexer-fronted API;
// this package never assumes which.
type Client interface {
	// TipHeight returns the current chain tip height, used for the
	// confirmation gate (spec.md §4.6 step 3).
	TipHeight(ctx context.Context) (uint64, error)

	// UtxosForScript returns every UTXO currently controlling script.
	UtxosForScript(ctx context.Context, script []byte) ([]Utxo, error)

	// FeeRatePercentiles returns the host's fee-rate percentile table in
	// millisatoshi/vB, ordered ascending, matching
	// bitcoin_get_current_fee_percentiles's response shape. An empty slice
	// means the host has no recent-block data.
	FeeRatePercentiles(ctx context.Context) ([]uint64, error)

	// BroadcastTransaction submits raw (a fully signed, serialized
	// transaction) and returns its txid.
	BroadcastTransaction(ctx context.Context, raw []byte) (string, error)
}

// Params returns the chaincfg.Params for net, used by address encoding.
func Params(net string) *chaincfg.Params {
	switch net {
	case "testnet":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}
