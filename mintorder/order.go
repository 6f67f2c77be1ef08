// Package mintorder implements the canonical MintOrder wire layout: the
// cross-chain receipt that authorises minting on the destination EVM chain
// (spec.md §3, §4.1, §6). The layout is a contract shared bit-exactly with
// the EVM-side Solidity bridge's abi.decode call; changing field order,
// width, or endianness here is a breaking change.
package mintorder

import (
	"encoding/binary"
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chainfusion-labs/bridge-relay/common"
)

const (
	// SignatureSize is the trailing (r, s, v) ECDSA signature appended to
	// every encoded order, regardless of variant.
	SignatureSize = 65

	// fungibleFixedSize is the byte length of the fungible variant's
	// signed fields, before the 65-byte signature (spec.md §6):
	// 32 sender + 32 src_token + 20 recipient + 20 dst_token + 32 amount +
	// 4 nonce + 4 sender_chain_id + 4 recipient_chain_id + 32 name +
	// 16 symbol + 1 decimals + 20 approve_spender + 32 approve_amount +
	// 20 fee_payer.
	fungibleFixedSize = 32 + 32 + 20 + 20 + 32 + 4 + 4 + 4 + 32 + 16 + 1 + 20 + 32 + 20

	// FungibleSignedSize is the total length of a signed fungible order.
	FungibleSignedSize = fungibleFixedSize + SignatureSize

	// nftFixedSize is the NFT variant's fixed portion: identical to the
	// fungible layout through decimals + approve_spender, then a 4-byte
	// token_uri length prefix instead of approve_amount/fee_payer
	// (spec.md §6; original_source erc721_mint_order.rs uses the same
	// shape minus the decimals byte, which spec.md §3 adds uniformly
	// across variants).
	nftFixedSize = 32 + 32 + 20 + 20 + 32 + 4 + 4 + 4 + 32 + 16 + 1 + 20 + 4
)

// Variant selects which tail layout a MintOrder uses.
type Variant byte

const (
	VariantFungible Variant = iota
	VariantNFT
)

// MintOrder is the canonical cross-chain receipt described in spec.md §3.
// Not every field is meaningful for every Variant: VariantFungible ignores
// TokenURI; VariantNFT ignores ApproveAmount and FeePayer.
type MintOrder struct {
	Variant           Variant
	Sender            common.Id256 // 32 bytes
	SrcToken          common.Id256 // 32 bytes
	Recipient         ethcommon.Address // 20 bytes
	DstToken          ethcommon.Address // 20 bytes
	Nonce             uint32
	SenderChainID     uint32
	RecipientChainID  uint32
	Name              [32]byte
	Symbol            [16]byte
	Decimals          uint8
	ApproveSpender    ethcommon.Address // 20 bytes
	Amount            [32]byte          // u256 big-endian, both variants
	ApproveAmount     [32]byte          // u256 big-endian, fungible only
	FeePayer          ethcommon.Address // fungible only
	TokenURI          string            // NFT only
}

// SignedMintOrder is MintOrder ∥ signature: opaque once produced, stored
// and transmitted as raw bytes (spec.md §3).
type SignedMintOrder []byte

// PutSymbol zero-pads sym into the order's 16-byte Symbol field, or
// returns an error if sym is longer than 16 bytes (spec.md §4.8
// token_symbol rule).
func (o *MintOrder) PutSymbol(sym string) error {
	b := []byte(sym)
	if len(b) > len(o.Symbol) {
		return fmt.Errorf("mintorder: symbol %q exceeds %d bytes", sym, len(o.Symbol))
	}
	var buf [16]byte
	copy(buf[:], b)
	o.Symbol = buf
	return nil
}

// PutName zero-pads name into the order's 32-byte Name field.
func (o *MintOrder) PutName(name string) error {
	b := []byte(name)
	if len(b) > len(o.Name) {
		return fmt.Errorf("mintorder: name %q exceeds %d bytes", name, len(o.Name))
	}
	var buf [32]byte
	copy(buf[:], b)
	o.Name = buf
	return nil
}

// encodedSize returns the length of the unsigned-payload encoding for this
// order (fixed for fungible orders, variable for NFT orders).
func (o *MintOrder) encodedSize() int {
	switch o.Variant {
	case VariantNFT:
		return nftFixedSize + len(o.TokenURI)
	default:
		return fungibleFixedSize
	}
}

// encode lays out the order's fields at the fixed offsets described in
// spec.md §6, returning the unsigned payload whose KECCAK-256 digest gets
// signed.
func (o *MintOrder) encode() []byte {
	buf := make([]byte, o.encodedSize())

	copy(buf[0:32], o.Sender[:])
	copy(buf[32:64], o.SrcToken[:])
	copy(buf[64:84], o.Recipient.Bytes())
	copy(buf[84:104], o.DstToken.Bytes())

	switch o.Variant {
	case VariantNFT:
		copy(buf[104:136], o.Amount[:])
		binary.BigEndian.PutUint32(buf[136:140], o.Nonce)
		binary.BigEndian.PutUint32(buf[140:144], o.SenderChainID)
		binary.BigEndian.PutUint32(buf[144:148], o.RecipientChainID)
		copy(buf[148:180], o.Name[:])
		copy(buf[180:196], o.Symbol[:])
		buf[196] = o.Decimals
		copy(buf[197:217], o.ApproveSpender.Bytes())
		uriBytes := []byte(o.TokenURI)
		binary.BigEndian.PutUint32(buf[217:221], uint32(len(uriBytes)))
		copy(buf[221:], uriBytes)
	default:
		copy(buf[104:136], o.Amount[:])
		binary.BigEndian.PutUint32(buf[136:140], o.Nonce)
		binary.BigEndian.PutUint32(buf[140:144], o.SenderChainID)
		binary.BigEndian.PutUint32(buf[144:148], o.RecipientChainID)
		copy(buf[148:180], o.Name[:])
		copy(buf[180:196], o.Symbol[:])
		buf[196] = o.Decimals
		copy(buf[197:217], o.ApproveSpender.Bytes())
		copy(buf[217:249], o.ApproveAmount[:])
		copy(buf[249:269], o.FeePayer.Bytes())
	}
	return buf
}

// Signer is the minimal capability encode_and_sign needs: a 32-byte digest
// in, a 65-byte (r, s, v) signature out. signerkey.Signer satisfies this.
type Signer interface {
	SignDigest(digest [32]byte) ([SignatureSize]byte, error)
}

// EncodeAndSign lays out order, computes KECCAK-256 of the payload, asks
// signer for a 65-byte ECDSA signature over the digest, and appends it
// (spec.md §4.1). The only failure mode is the signer failing.
func EncodeAndSign(order *MintOrder, signer Signer) (SignedMintOrder, error) {
	payload := order.encode()
	digest := crypto.Keccak256(payload)
	var digest32 [32]byte
	copy(digest32[:], digest)

	sig, err := signer.SignDigest(digest32)
	if err != nil {
		return nil, fmt.Errorf("mintorder.EncodeAndSign: signer failed: %w", err)
	}

	out := make(SignedMintOrder, 0, len(payload)+SignatureSize)
	out = append(out, payload...)
	out = append(out, sig[:]...)
	return out, nil
}

// Decode parses a MintOrder of the given variant from a signed or unsigned
// byte slice, ignoring any trailing bytes beyond the expected fixed size
// (the signature, if present). It returns nil if the input is too short.
func Decode(data []byte, variant Variant) *MintOrder {
	switch variant {
	case VariantNFT:
		if len(data) < nftFixedSize {
			return nil
		}
	default:
		if len(data) < fungibleFixedSize {
			return nil
		}
	}

	o := &MintOrder{Variant: variant}
	copy(o.Sender[:], data[0:32])
	copy(o.SrcToken[:], data[32:64])
	o.Recipient = ethcommon.BytesToAddress(data[64:84])
	o.DstToken = ethcommon.BytesToAddress(data[84:104])

	switch variant {
	case VariantNFT:
		copy(o.Amount[:], data[104:136])
		o.Nonce = binary.BigEndian.Uint32(data[136:140])
		o.SenderChainID = binary.BigEndian.Uint32(data[140:144])
		o.RecipientChainID = binary.BigEndian.Uint32(data[144:148])
		copy(o.Name[:], data[148:180])
		copy(o.Symbol[:], data[180:196])
		o.Decimals = data[196]
		o.ApproveSpender = ethcommon.BytesToAddress(data[197:217])
		uriLen := int(binary.BigEndian.Uint32(data[217:221]))
		if len(data) < nftFixedSize+uriLen {
			return nil
		}
		o.TokenURI = string(data[221 : 221+uriLen])
	default:
		copy(o.Amount[:], data[104:136])
		o.Nonce = binary.BigEndian.Uint32(data[136:140])
		o.SenderChainID = binary.BigEndian.Uint32(data[140:144])
		o.RecipientChainID = binary.BigEndian.Uint32(data[144:148])
		copy(o.Name[:], data[148:180])
		copy(o.Symbol[:], data[180:196])
		o.Decimals = data[196]
		o.ApproveSpender = ethcommon.BytesToAddress(data[197:217])
		copy(o.ApproveAmount[:], data[217:249])
		o.FeePayer = ethcommon.BytesToAddress(data[249:269])
	}
	return o
}

// Signature is the decoded (r, s, v) trailer of a SignedMintOrder.
type Signature struct {
	R [32]byte
	S [32]byte
	V byte
}

// DecodeSigned decodes a full MintOrder plus its trailing 65-byte
// signature from raw, variant-tagged bytes (spec.md §4.1). Returns nil if
// the buffer is shorter than the variant's signed size.
func DecodeSigned(data []byte, variant Variant) (*MintOrder, *Signature) {
	order := Decode(data, variant)
	if order == nil {
		return nil, nil
	}
	sigStart := order.encodedSize()
	if len(data) < sigStart+SignatureSize {
		return nil, nil
	}
	sig := &Signature{}
	copy(sig.R[:], data[sigStart:sigStart+32])
	copy(sig.S[:], data[sigStart+32:sigStart+64])
	sig.V = data[sigStart+64]
	return order, sig
}

// Digest returns the KECCAK-256 digest of order's encoding, the digest its
// signature is produced over — used by tests asserting single-byte
// mutations change it (spec.md §8 "Signature binding").
func (o *MintOrder) Digest() [32]byte {
	var d [32]byte
	copy(d[:], crypto.Keccak256(o.encode()))
	return d
}
