package evmwatch

import (
	"encoding/binary"
	"fmt"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chainfusion-labs/bridge-relay/common"
)

// EventKind distinguishes the two log shapes the BFT bridge contract emits
// (spec.md §4.5): a burn on the EVM side (withdraw trigger) or a mint
// confirmation (cleans up the persisted mint order).
type EventKind byte

const (
	EventUnknown EventKind = iota
	EventBurnt
	EventMinted
)

// BurntEvent mirrors the original's BurntEventData: a burn on the EVM side
// that the withdraw pipeline (spec.md §4.7) must turn into a Bitcoin-side
// transfer. Field layout follows the same (sender, dst_token, amount,
// recipient) ordering mintorder.MintOrder's mint-direction fields use, kept
// symmetric so both directions decode the same way.
type BurntEvent struct {
	Sender      common.Id256
	DstToken    common.Id256
	Amount      [32]byte
	RecipientID []byte // UTF-8 Bitcoin address or script, variable length
	Nonce       uint32
}

// BurntTask is the scheduler payload for a KindBuildWithdraw task: the
// decoded Burnt event plus the originating log's own identity. The event
// alone has no (tx hash, log index) to key a store.BurnRequest by, so the
// collector carries the log's coordinates alongside it.
type BurntTask struct {
	Event    BurntEvent
	TxHash   string
	LogIndex uint32
}

// MintedEvent mirrors MintedEventData: confirmation that a MintOrder was
// consumed, keyed the same way mint orders are stored — (sender, nonce) —
// so RemoveMintOrder can garbage-collect the matching persisted order
// (spec.md §4.5 step 4).
type MintedEvent struct {
	Sender common.Id256
	Nonce  uint32
}

// bridgeEventTopic0 values would normally come from the BFT bridge
// contract's compiled ABI (keccak256 of the event signature). The bridge
// only needs to tell the two shapes apart, so this package classifies by
// log.Topics[0] against the two hashes configured at startup rather than
// embedding a full abi.ABI — the teacher's apps/ethereum package does not
// carry a generated contract binding either, it reads raw fields directly.
type Topics struct {
	Burnt  [32]byte
	Minted [32]byte
}

// DefaultTopics derives the Burnt/Minted topic0 hashes from the canonical
// event signatures matching decodeBurnt/decodeMinted's field layouts
// (spec.md §4.5), the same way go-ethereum's abi.Event computes a log's
// topic: keccak256 of the signature string. Deployments whose bridge
// contract emits differently-named or differently-typed events can
// override individual fields on the returned Topics rather than being
// forced through this derivation.
func DefaultTopics() Topics {
	return Topics{
		Burnt:  crypto.Keccak256Hash([]byte("Burnt(bytes32,bytes32,uint256,uint32,bytes)")),
		Minted: crypto.Keccak256Hash([]byte("Minted(bytes32,uint32)")),
	}
}

// ClassifyAndDecode matches log against topics and decodes its payload.
// Returns EventUnknown and nil, nil if the log's topic is neither shape —
// the original's BridgeEvent::from_log logs a warning and continues rather
// than failing the whole collection cycle.
func ClassifyAndDecode(log ethtypes.Log, topics Topics) (EventKind, any, error) {
	if len(log.Topics) == 0 {
		return EventUnknown, nil, nil
	}
	switch log.Topics[0] {
	case topics.Burnt:
		ev, err := decodeBurnt(log.Data)
		if err != nil {
			return EventUnknown, nil, fmt.Errorf("evmwatch: decode Burnt: %w", err)
		}
		return EventBurnt, ev, nil
	case topics.Minted:
		ev, err := decodeMinted(log.Data)
		if err != nil {
			return EventUnknown, nil, fmt.Errorf("evmwatch: decode Minted: %w", err)
		}
		return EventMinted, ev, nil
	default:
		return EventUnknown, nil, nil
	}
}

// decodeBurnt reads the log body at fixed offsets: sender, dst_token and
// amount as 32-byte words, then the nonce as 4 big-endian bytes, then the
// recipient id as the raw remaining bytes. The recipient carries no length
// prefix, so this is not the standard ABI dynamic-bytes encoding.
func decodeBurnt(data []byte) (*BurntEvent, error) {
	const fixed = 32 + 32 + 32 + 4
	if len(data) < fixed {
		return nil, fmt.Errorf("evmwatch: burnt log too short: %d bytes", len(data))
	}
	ev := &BurntEvent{}
	copy(ev.Sender[:], data[0:32])
	copy(ev.DstToken[:], data[32:64])
	copy(ev.Amount[:], data[64:96])
	ev.Nonce = binary.BigEndian.Uint32(data[96:100])
	if len(data) > fixed {
		ev.RecipientID = append([]byte(nil), data[fixed:]...)
	}
	return ev, nil
}

func decodeMinted(data []byte) (*MintedEvent, error) {
	const fixed = 32 + 4
	if len(data) < fixed {
		return nil, fmt.Errorf("evmwatch: minted log too short: %d bytes", len(data))
	}
	ev := &MintedEvent{}
	copy(ev.Sender[:], data[0:32])
	ev.Nonce = binary.BigEndian.Uint32(data[32:36])
	return ev, nil
}
