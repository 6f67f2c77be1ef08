// Package signerkey implements the Signer abstraction of spec.md §4.3: one
// interface, two backends. The Local backend holds an embedded private key
// derived via SLIP-10; the Threshold backend hands the same requests to an
// external threshold-ECDSA service and is out of scope for any actual
// cryptographic protocol (spec.md §1 "Out of scope").
package signerkey

import (
	"context"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signer is the capability every pipeline needs from a key custody backend:
// an address to derive deposit scripts against, a raw digest signature for
// MintOrder production, and a transaction signature for EVM submission.
// Every method takes a derivation path so a single Signer instance serves
// every bridge subaccount (spec.md §4.3).
type Signer interface {
	// GetAddress returns the EVM address controlled by path. The bridge
	// uses one fixed path for its own mint-order signing key.
	GetAddress(ctx context.Context, path string) (ethcommon.Address, error)

	// SignDigest produces a 65-byte (r, s, v) ECDSA signature over digest,
	// the signature mintorder.EncodeAndSign appends to a payload.
	SignDigest(ctx context.Context, path string, digest [32]byte) ([65]byte, error)

	// SignTransaction signs tx for submission to the EVM chain with
	// chainID, returning the signed transaction.
	SignTransaction(ctx context.Context, path string, chainID uint64, tx *types.Transaction) (*types.Transaction, error)

	// GetBitcoinPubKey returns the compressed secp256k1 public key
	// controlled by path, used to derive a deposit address's P2WPKH
	// script (spec.md §4.6 step 1) and pushed into each withdraw input's
	// witness.
	GetBitcoinPubKey(ctx context.Context, path string) ([]byte, error)

	// SignBitcoinDigest produces a DER-encoded, low-S ECDSA signature
	// (without the trailing sighash-type byte) over a 32-byte Bitcoin
	// witness sighash, for withdraw transaction signing (spec.md §4.7).
	SignBitcoinDigest(ctx context.Context, path string, digest [32]byte) ([]byte, error)
}
