package bridge

import (
	"fmt"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/chainfusion-labs/bridge-relay/common"
)

// BridgeConfig is the top-level admin-mutable configuration of spec.md §3
// ("BridgeConfig — {network, evm_link, signing_strategy, admin, fee,
// indexer_url}"). Only the one admin identity may ever mutate it.
type BridgeConfig struct {
	Network        common.Chain
	EvmLink        string // EVM JSON-RPC endpoint
	SigningStrategy string // "local" or "threshold", matching config.Configuration
	Admin          ethcommon.Address
	AdminAPIKey    string // shared secret the admin HTTP surface authenticates against
	FeeSat         int64
	IndexerURL     string
}

// Validate enforces spec.md §4.8's init invariants: a non-empty indexer
// URL, HTTPS except in regtest (spec.md §6 "indexer URL must be HTTPS in
// non-regtest modes").
func (c BridgeConfig) Validate() error {
	if c.IndexerURL == "" {
		return fmt.Errorf("%w: indexer_url must not be empty", ErrInvalidConfig)
	}
	if c.Network != common.ChainBitcoinRegtest && !strings.HasPrefix(c.IndexerURL, "https://") {
		return fmt.Errorf("%w: indexer_url must be https:// outside regtest, got %q", ErrInvalidConfig, c.IndexerURL)
	}
	if (c.Admin == ethcommon.Address{}) {
		return fmt.Errorf("%w: admin must be set", ErrInvalidConfig)
	}
	if c.AdminAPIKey == "" {
		return fmt.Errorf("%w: admin_api_key must be set", ErrInvalidConfig)
	}
	return nil
}

// BftBridgeConfig is the EVM-side contract coordinates an admin sets
// post-deploy (spec.md §3 "Set post-deploy by admin"). TokenName and
// TokenSymbol are fixed-width buffers matching the MintOrder wire layout
// (spec.md §6): 32 and 16 bytes respectively.
type BftBridgeConfig struct {
	Erc20ChainID   uint32
	BridgeAddress  ethcommon.Address
	TokenAddress   ethcommon.Address
	TokenName      [32]byte
	TokenSymbol    [16]byte
	Decimals       uint8
}

// SetTokenSymbol zero-pads symbol into a fixed 16-byte buffer, rejecting
// anything longer (spec.md §4.8 "token_symbol is a fixed 16-byte buffer;
// inputs > 16 bytes is rejected with SetTokenSymbol").
func (b *BftBridgeConfig) SetTokenSymbol(symbol string) error {
	if len(symbol) > 16 {
		return fmt.Errorf("%w: token_symbol %q exceeds 16 bytes", ErrInvalidConfig, symbol)
	}
	var buf [16]byte
	copy(buf[:], symbol)
	b.TokenSymbol = buf
	return nil
}

// SetTokenName zero-pads name into the 32-byte buffer the MintOrder wire
// layout carries (spec.md §6).
func (b *BftBridgeConfig) SetTokenName(name string) error {
	if len(name) > 32 {
		return fmt.Errorf("%w: token_name %q exceeds 32 bytes", ErrInvalidConfig, name)
	}
	var buf [32]byte
	copy(buf[:], name)
	b.TokenName = buf
	return nil
}
