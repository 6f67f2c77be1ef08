package withdraw

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/chainfusion-labs/bridge-relay/bitcoinchain"
	"github.com/chainfusion-labs/bridge-relay/common"
	"github.com/chainfusion-labs/bridge-relay/evmwatch"
	"github.com/chainfusion-labs/bridge-relay/store"
)

// compressedPubKey is a valid secp256k1 compressed public key (the
// generator point), just enough for witness-script construction; the
// fakeSigner below never actually verifies a signature against it.
var compressedPubKey = []byte{
	0x02, 0x79, 0xbe, 0x66, 0x7e, 0xf9, 0xdc, 0xbb, 0xac, 0x55, 0xa0, 0x62, 0x95, 0xce, 0x87, 0x0b,
	0x07, 0x02, 0x9b, 0xfc, 0xdb, 0x2d, 0xce, 0x28, 0xd9, 0x59, 0xf2, 0x81, 0x5b, 0x16, 0xf8, 0x17, 0x98,
}

func witnessScript(t *testing.T, pub []byte) []byte {
	t.Helper()
	pkHash := btcutil.Hash160(pub)
	script, err := txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(pkHash).Script()
	require.NoError(t, err)
	return script
}

func witnessAddress(t *testing.T, pub []byte) string {
	t.Helper()
	pkHash := btcutil.Hash160(pub)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pkHash, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

type fakeBTC struct {
	percentiles []uint64
	broadcasts  [][]byte
	broadcastID string
}

func (f *fakeBTC) TipHeight(ctx context.Context) (uint64, error) { return 0, nil }
func (f *fakeBTC) UtxosForScript(ctx context.Context, script []byte) ([]bitcoinchain.Utxo, error) {
	return nil, nil
}
func (f *fakeBTC) FeeRatePercentiles(ctx context.Context) ([]uint64, error) { return f.percentiles, nil }
func (f *fakeBTC) BroadcastTransaction(ctx context.Context, raw []byte) (string, error) {
	f.broadcasts = append(f.broadcasts, raw)
	return f.broadcastID, nil
}

type fakeSigner struct{ pubKey []byte }

func (f fakeSigner) GetAddress(ctx context.Context, path string) (ethcommon.Address, error) {
	return ethcommon.Address{}, nil
}
func (f fakeSigner) SignDigest(ctx context.Context, path string, digest [32]byte) ([65]byte, error) {
	return [65]byte{}, nil
}
func (f fakeSigner) SignTransaction(ctx context.Context, path string, chainID uint64, tx *ethtypes.Transaction) (*ethtypes.Transaction, error) {
	return tx, nil
}
func (f fakeSigner) GetBitcoinPubKey(ctx context.Context, path string) ([]byte, error) {
	return f.pubKey, nil
}
func (f fakeSigner) SignBitcoinDigest(ctx context.Context, path string, digest [32]byte) ([]byte, error) {
	return []byte{0x30, 0x02, 0x01, 0x00}, nil
}

func openTestStore(t *testing.T) *store.SQLite3Store {
	t.Helper()
	s, err := store.OpenSQLite3Store("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// idFromTxID packs a 64-character hex txid into an Id256 the same way
// deposit.resolveAmounts does: the raw 32 decoded bytes, not the hex text.
func idFromTxID(t *testing.T, txidHex string) common.Id256 {
	t.Helper()
	b, err := hex.DecodeString(txidHex)
	require.NoError(t, err)
	require.Len(t, b, 32)
	return common.Id256(b)
}

var (
	txidDep1    = strings.Repeat("11", 32)
	txidDep2    = strings.Repeat("22", 32)
	txidRune1   = strings.Repeat("33", 32)
	txidRuneFee = strings.Repeat("44", 32)
	txidUnseen  = strings.Repeat("55", 32)
)

func burntTask(recipient string, dstToken common.Id256, amount int64) evmwatch.BurntTask {
	var amt [32]byte
	big := amount
	for i := 31; i >= 0 && big > 0; i-- {
		amt[i] = byte(big)
		big >>= 8
	}
	return evmwatch.BurntTask{
		Event: evmwatch.BurntEvent{
			DstToken:    dstToken,
			Amount:      amt,
			RecipientID: []byte(recipient),
			Nonce:       1,
		},
		TxHash:   "0xburn1",
		LogIndex: 0,
	}
}

func TestWithdrawLocatesInscriptionAndBroadcasts(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	script := witnessScript(t, compressedPubKey)
	require.NoError(t, db.WriteUtxoIfNotExist(ctx, &store.Utxo{
		TransactionHash: txidDep1, OutputIndex: 0, Satoshi: 100000, Script: script,
		DerivationPath: "deposit/0xabc", CreatedAt: time.Now(),
	}))
	require.NoError(t, db.WriteUtxoIfNotExist(ctx, &store.Utxo{
		TransactionHash: txidDep2, OutputIndex: 0, Satoshi: 50000, Script: script,
		DerivationPath: "deposit/0xabc", CreatedAt: time.Now(),
	}))

	btc := &fakeBTC{broadcastID: "withdrawtxid"}
	p := New(Config{Network: common.ChainBitcoinRegtest, AssetKind: common.AssetKindBRC20}, btc, db, fakeSigner{pubKey: compressedPubKey})

	recipient := witnessAddress(t, compressedPubKey)
	task := burntTask(recipient, idFromTxID(t, txidDep1), 1000)

	require.NoError(t, p.Withdraw(ctx, task))
	require.Len(t, btc.broadcasts, 1)

	req, err := db.ReadBurnRequest(ctx, "0xburn1:0")
	require.NoError(t, err)
	require.Equal(t, common.RequestStateDone, req.State)
	require.True(t, req.TransferTxHash.Valid)
	require.Equal(t, "withdrawtxid", req.TransferTxHash.String)

	spent, err := db.ReadUtxo(ctx, txidDep1, 0)
	require.NoError(t, err)
	require.True(t, spent.SpentBy.Valid)
}

func TestWithdrawRuneAddsEdictOutput(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	script := witnessScript(t, compressedPubKey)
	require.NoError(t, db.WriteUtxoIfNotExist(ctx, &store.Utxo{
		TransactionHash: txidRune1, OutputIndex: 0, Satoshi: 100000, Script: script,
		DerivationPath: "deposit/0xabc", CreatedAt: time.Now(),
	}))
	require.NoError(t, db.WriteUtxoIfNotExist(ctx, &store.Utxo{
		TransactionHash: txidRuneFee, OutputIndex: 0, Satoshi: 50000, Script: script,
		DerivationPath: "deposit/0xabc", CreatedAt: time.Now(),
	}))
	require.NoError(t, db.WriteNftReceiptIfNotExist(ctx, &store.NftReceipt{
		RevealTxHash: txidRune1, InscriptionId: "UNCOMMON•GOODS", OwnerAddress: "0xabc", CreatedAt: time.Now(),
	}))

	btc := &fakeBTC{broadcastID: "runetxid"}
	p := New(Config{Network: common.ChainBitcoinRegtest, AssetKind: common.AssetKindRune}, btc, db, fakeSigner{pubKey: compressedPubKey})

	recipient := witnessAddress(t, compressedPubKey)
	task := burntTask(recipient, idFromTxID(t, txidRune1), 700)

	require.NoError(t, p.Withdraw(ctx, task))
	require.Len(t, btc.broadcasts, 1)

	req, err := db.ReadBurnRequest(ctx, "0xburn1:0")
	require.NoError(t, err)
	require.Equal(t, common.RequestStateDone, req.State)
}

func TestWithdrawUnknownInscriptionIsDropped(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	btc := &fakeBTC{}
	p := New(Config{Network: common.ChainBitcoinRegtest, AssetKind: common.AssetKindBRC20}, btc, db, fakeSigner{pubKey: compressedPubKey})

	recipient := witnessAddress(t, compressedPubKey)
	task := burntTask(recipient, idFromTxID(t, txidUnseen), 1000)

	require.NoError(t, p.Withdraw(ctx, task))
	require.Empty(t, btc.broadcasts)

	req, err := db.ReadBurnRequest(ctx, "0xburn1:0")
	require.NoError(t, err)
	require.Equal(t, common.RequestStateFailed, req.State)
}

func TestWithdrawInvalidRecipientUtf8IsDropped(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	btc := &fakeBTC{}
	p := New(Config{Network: common.ChainBitcoinRegtest, AssetKind: common.AssetKindBRC20}, btc, db, fakeSigner{pubKey: compressedPubKey})

	task := evmwatch.BurntTask{
		Event: evmwatch.BurntEvent{
			DstToken:    idFromTxID(t, txidDep1),
			RecipientID: []byte{0xff, 0xfe, 0xfd},
			Nonce:       1,
		},
		TxHash:   "0xburn2",
		LogIndex: 0,
	}

	require.NoError(t, p.Withdraw(ctx, task))
	require.Empty(t, btc.broadcasts)

	req, err := db.ReadBurnRequest(ctx, "0xburn2:0")
	require.NoError(t, err)
	require.Equal(t, common.RequestStateFailed, req.State)
}

func TestWithdrawAlreadySettledIsNoop(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, db.WriteBurnRequestIfNotExist(ctx, &store.BurnRequest{
		RequestId: "0xburn1:0", BurnTxHash: "0xburn1", LogIndex: 0,
		Sender: make([]byte, 32), DstToken: make([]byte, 32), Amount: make([]byte, 32),
		Recipient: "bcrt1q...", DerivationPath: "", State: common.RequestStateDone,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	btc := &fakeBTC{}
	p := New(Config{Network: common.ChainBitcoinRegtest, AssetKind: common.AssetKindBRC20}, btc, db, fakeSigner{pubKey: compressedPubKey})

	task := burntTask(witnessAddress(t, compressedPubKey), idFromTxID(t, txidDep1), 1000)
	require.NoError(t, p.Withdraw(ctx, task))
	require.Empty(t, btc.broadcasts)
}
