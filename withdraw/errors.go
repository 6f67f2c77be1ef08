// Package withdraw implements the EVM burn -> Bitcoin-side movement
// pipeline of spec.md §4.7. Grounded on
// original_source/btc-nft-bridge/src/interface/store.rs (BurnRequestInfo
// keyed by reveal txid) and the teacher's observer/accountant.go
// UTXO-spending idiom, generalized through bitcoinchain.BuildTransferTransaction
// and signerkey.Signer instead of a directly-held private key.
package withdraw

import (
	"fmt"

	"github.com/chainfusion-labs/bridge-relay/common"
)

var (
	ErrHeterogeneousDerivation = common.ErrHeterogeneousDerivation
	ErrUnknownInscription      = common.ErrUnknownInscription
)

func wrapSign(err error) error        { return fmt.Errorf("%w: %w", common.ErrSign, err) }
func wrapUnavailable(err error) error { return fmt.Errorf("%w: %w", common.ErrUnavailable, err) }
