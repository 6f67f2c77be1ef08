// Package common holds the identifiers, enums and small helpers shared by
// every other package in the bridge: chain tags, the opaque 32-byte sender
// identifier, and the byte-level request/task lifecycle states.
package common

import (
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"
)

// Chain tags identify a source or destination network for a bridged asset.
// The byte values are part of the wire format (e.g. BridgeConfig.Network)
// and must never be renumbered once deployed.
type Chain byte

const (
	ChainUnknown Chain = iota
	ChainBitcoin
	ChainBitcoinTestnet
	ChainBitcoinRegtest
	ChainEVM
)

// AssetKind distinguishes the bridge variant a MintOrder belongs to, since
// each variant has a different fixed wire layout (spec.md §6).
type AssetKind byte

const (
	AssetKindUnknown AssetKind = iota
	AssetKindNativeBTC
	AssetKindBRC20
	AssetKindRune
	AssetKindOrdinalNFT
)

func (k AssetKind) String() string {
	switch k {
	case AssetKindNativeBTC:
		return "btc"
	case AssetKindBRC20:
		return "brc20"
	case AssetKindRune:
		return "rune"
	case AssetKindOrdinalNFT:
		return "ordinal-nft"
	default:
		return "unknown"
	}
}

// IDSize is the length in bytes of an Id256 opaque identifier.
const IDSize = 32

// Id256 is a 32-byte opaque identifier used for both the MintOrder
// `sender` and `src_token` fields. It can hold an EVM address (20 bytes,
// left zero-padded) or a Bitcoin-side token identifier (rune id, BRC-20
// ticker hash, inscription id hash), matching `minter_did::id256::Id256`
// in the original source.
type Id256 [IDSize]byte

// FromEVMAddress right-aligns a 20-byte EVM address into an Id256, with
// byte 0 set to the tag 1 and bytes 1-3 holding the low 24 bits of the
// originating chain id, so that identical addresses on chains whose ids
// differ in those bits do not collide.
func FromEVMAddress(addr [20]byte, chainID uint32) Id256 {
	var id Id256
	id[0] = 1 // tag: evm address
	id[1] = byte(chainID >> 16)
	id[2] = byte(chainID >> 8)
	id[3] = byte(chainID)
	copy(id[12:], addr[:])
	return id
}

// FromBytes derives an Id256 from an arbitrary-length byte string (a rune
// id, a BRC-20 ticker, a reveal txid) by taking its rightmost 32 bytes
// (zero-padded on the left for shorter inputs). Callers that need a
// collision-resistant mapping from variable-length data should hash first;
// this helper only performs the fixed-width packing.
func FromBytes(b []byte) Id256 {
	var id Id256
	if len(b) >= IDSize {
		copy(id[:], b[len(b)-IDSize:])
		return id
	}
	copy(id[IDSize-len(b):], b)
	return id
}

func (id Id256) String() string {
	return hex.EncodeToString(id[:])
}

// Base58 renders id the way the teacher's wallet addresses are logged and
// surfaced in admin responses (Fantasim-hdpay's `base58.Encode(pubKey)`),
// a shorter, human-friendlier alternative to String's raw hex.
func (id Id256) Base58() string {
	return base58.Encode(id[:])
}

// RequestState mirrors the teacher's request lifecycle byte-tag
// (keeper/store request.go's `state` column).
type RequestState byte

const (
	RequestStateInitial RequestState = 1
	RequestStateDone    RequestState = 2
	RequestStateFailed  RequestState = 3
)

// ShortSum renders a short, human-legible prefix of a hash for log lines,
// mirroring the teacher's `common.ShortSum` usage in keeper/signer.go.
func ShortSum(b []byte) string {
	if len(b) > 8 {
		b = b[:8]
	}
	return hex.EncodeToString(b)
}

// DecodeHexOrPanic decodes a hex string or panics, matching the teacher's
// `common.DecodeHexOrPanic` used pervasively for data that must already be
// well-formed by the time it reaches this call (internal invariant, not a
// user-facing input).
func DecodeHexOrPanic(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(fmt.Errorf("common.DecodeHexOrPanic(%s) => %v", s, err))
	}
	return b
}
