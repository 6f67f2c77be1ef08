package common

import "errors"

// Errors returned across the deposit/withdraw boundary (spec.md §4.6, §4.7,
// §7). Callers switch on these with errors.Is; they carry no dynamic data
// themselves — the typed errors in deposit/withdraw wrap them with context.
var (
	ErrPending            = errors.New("confirmations pending")
	ErrNothingToDeposit    = errors.New("nothing to deposit")
	ErrNoRunesToDeposit    = errors.New("no runes to deposit")
	ErrNotEnoughBTC        = errors.New("deposit amount below fee")
	ErrInvalidBRC20        = errors.New("invalid brc20 metadata")
	ErrValueTooSmall       = errors.New("utxo value too small")
	ErrNotInitialized      = errors.New("evm params not initialized")
	ErrSign                = errors.New("signer failure")
	ErrEVM                 = errors.New("evm submission failed")
	ErrUnavailable         = errors.New("external collaborator unavailable")
	ErrHeterogeneousDerivation = errors.New("withdraw inputs use different derivation paths")
	ErrUnknownInscription  = errors.New("inscription utxo not found")
)
