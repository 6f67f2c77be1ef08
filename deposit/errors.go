// Package deposit implements the Bitcoin-side observation -> EVM mint
// pipeline of spec.md §4.6. Grounded end to end on
// original_source/rune-bridge/src/ops.rs::deposit (confirmation gate,
// amount gate, per-token mint-order loop, ledger consumption,
// send-or-signed fallback) and on the teacher's observer/accountant.go
// UTXO-consumption idiom.
package deposit

import (
	"fmt"

	"github.com/chainfusion-labs/bridge-relay/common"
)

// PendingError reports that the minimum confirmation count over the
// candidate UTXO set was below the configured threshold (spec.md §4.6
// step 3).
type PendingError struct {
	Min     uint64
	Current uint64
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("deposit: %d confirmations pending (have %d, need %d)", e.Min-e.Current, e.Current, e.Min)
}
func (e *PendingError) Unwrap() error { return common.ErrPending }

// NotEnoughBTCError reports the summed deposit fell short of the fees
// required to process it (spec.md §4.6 step 4).
type NotEnoughBTCError struct {
	Received int64
	Minimum  int64
}

func (e *NotEnoughBTCError) Error() string {
	return fmt.Sprintf("deposit: received %d sat, need at least %d sat", e.Received, e.Minimum)
}
func (e *NotEnoughBTCError) Unwrap() error { return common.ErrNotEnoughBTC }

// The remaining taxonomy members (spec.md §4.6) carry no extra data, so
// they alias the shared common.Err* sentinels directly; callers compare
// with errors.Is.
var (
	ErrNothingToDeposit = common.ErrNothingToDeposit
	ErrNoRunesToDeposit = common.ErrNoRunesToDeposit
	ErrInvalidBRC20     = common.ErrInvalidBRC20
	ErrValueTooSmall    = common.ErrValueTooSmall
	ErrNotInitialized   = common.ErrNotInitialized
	ErrSign             = common.ErrSign
	ErrEVM              = common.ErrEVM
	ErrUnavailable      = common.ErrUnavailable
)

func wrapSign(err error) error        { return fmt.Errorf("%w: %w", ErrSign, err) }
func wrapEVM(err error) error         { return fmt.Errorf("%w: %w", ErrEVM, err) }
func wrapUnavailable(err error) error { return fmt.Errorf("%w: %w", ErrUnavailable, err) }
