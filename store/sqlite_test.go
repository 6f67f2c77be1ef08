package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chainfusion-labs/bridge-relay/common"
)

func openTestStore(t *testing.T) *SQLite3Store {
	s, err := OpenSQLite3Store("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMintOrderPutGetRemove(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sender := []byte("sender-id-000000000000000000000")
	srcToken := []byte("src-token-id-00000000000000000000")

	rec := &MintOrderRecord{
		Sender:    sender,
		SrcToken:  srcToken,
		Nonce:     1,
		Variant:   0,
		Payload:   []byte("signed-payload-one"),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.PutMintOrder(ctx, rec))

	got, err := s.GetMintOrder(ctx, sender, srcToken, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, rec.Payload, got.Payload)

	rec2 := &MintOrderRecord{Sender: sender, SrcToken: srcToken, Nonce: 2, Payload: []byte("two"), CreatedAt: rec.CreatedAt}
	require.NoError(t, s.PutMintOrder(ctx, rec2))

	all, err := s.GetAllMintOrders(ctx, sender, srcToken)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, s.RemoveMintOrder(ctx, sender, srcToken, 1))
	got, err = s.GetMintOrder(ctx, sender, srcToken, 1)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMintOrderPutReplacesExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sender := []byte("s")
	srcToken := []byte("t")

	rec := &MintOrderRecord{Sender: sender, SrcToken: srcToken, Nonce: 0, Payload: []byte("v1"), CreatedAt: time.Now().UTC()}
	require.NoError(t, s.PutMintOrder(ctx, rec))

	rec.Payload = []byte("v2")
	require.NoError(t, s.PutMintOrder(ctx, rec))

	got, err := s.GetMintOrder(ctx, sender, srcToken, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got.Payload)
}

func TestUtxoLedgerReserveSpendNonReuse(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	script := []byte("deposit-script")
	u := &Utxo{
		TransactionHash: "txhash1",
		OutputIndex:     0,
		Satoshi:         100000,
		Script:          script,
		DerivationPath:  "m/84'/0'/0'/0/1",
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, s.WriteUtxoIfNotExist(ctx, u))

	// Writing again for the same outpoint is a no-op, not an error.
	require.NoError(t, s.WriteUtxoIfNotExist(ctx, u))

	spendable, err := s.ListSpendableUtxos(ctx, [][]byte{script})
	require.NoError(t, err)
	require.Len(t, spendable, 1)

	require.NoError(t, s.ReserveUtxos(ctx, [][2]any{{"txhash1", uint32(0)}}))

	spendable, err = s.ListSpendableUtxos(ctx, [][]byte{script})
	require.NoError(t, err)
	require.Empty(t, spendable, "reserved utxo must not be selectable again")

	require.NoError(t, s.MarkUtxoSpent(ctx, "txhash1", 0, "spendtxhash"))

	row, err := s.ReadUtxo(ctx, "txhash1", 0)
	require.NoError(t, err)
	require.True(t, row.SpentBy.Valid)
	require.Equal(t, "spendtxhash", row.SpentBy.String)
}

func TestUtxoReleaseReservation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	script := []byte("s")
	u := &Utxo{TransactionHash: "tx", OutputIndex: 0, Satoshi: 1000, Script: script, DerivationPath: "m/0", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.WriteUtxoIfNotExist(ctx, u))
	require.NoError(t, s.ReserveUtxos(ctx, [][2]any{{"tx", uint32(0)}}))
	require.NoError(t, s.ReleaseUtxoReservation(ctx, "tx", 0))

	spendable, err := s.ListSpendableUtxos(ctx, [][]byte{script})
	require.NoError(t, err)
	require.Len(t, spendable, 1)
}

func TestBurnRequestLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	req := &BurnRequest{
		RequestId:      "req-1",
		BurnTxHash:     "burn-tx",
		LogIndex:       0,
		Sender:         []byte("sender"),
		DstToken:       []byte("dst"),
		Amount:         []byte{0, 0, 0, 100},
		Recipient:      "bc1qxyz",
		DerivationPath: "m/0",
		State:          common.RequestStateInitial,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.WriteBurnRequestIfNotExist(ctx, req))

	// Re-observing the same burn event must not create a duplicate request.
	require.NoError(t, s.WriteBurnRequestIfNotExist(ctx, req))

	pending, err := s.ReadPendingBurnRequest(ctx)
	require.NoError(t, err)
	require.NotNil(t, pending)
	require.Equal(t, "req-1", pending.RequestId)

	require.NoError(t, s.SetBurnRequestTransferred(ctx, "req-1", "transfer-tx"))

	pending, err = s.ReadPendingBurnRequest(ctx)
	require.NoError(t, err)
	require.Nil(t, pending)

	got, err := s.ReadBurnRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, common.RequestStateDone, got.State)
	require.Equal(t, "transfer-tx", got.TransferTxHash.String)
}

func TestEvmParamsUpsertAndCheckpointAdvance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.ReadEvmParams(ctx)
	require.NoError(t, err)
	require.Nil(t, got)

	p := &EvmParams{ChainID: 1, GasPrice: []byte{1}, BridgeContract: make([]byte, 20), NextBlock: 100}
	require.NoError(t, s.WriteEvmParams(ctx, p))

	got, err = s.ReadEvmParams(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), got.NextBlock)

	require.NoError(t, s.AdvanceNextBlock(ctx, 100, 150))
	got, err = s.ReadEvmParams(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(150), got.NextBlock)

	// Advancing against a stale expected checkpoint must fail.
	require.Error(t, s.AdvanceNextBlock(ctx, 100, 200))
}

func TestEvmParamsNonceAdvance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := &EvmParams{ChainID: 1, GasPrice: []byte{1}, BridgeContract: make([]byte, 20), NextBlock: 1, Nonce: 5}
	require.NoError(t, s.WriteEvmParams(ctx, p))

	require.NoError(t, s.AdvanceNonce(ctx, 5))
	got, err := s.ReadEvmParams(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(6), got.Nonce)

	require.Error(t, s.AdvanceNonce(ctx, 5))
}

func TestTaskAppendListRemove(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.AppendTask(ctx, &TaskRecord{
		Kind:        "CollectEvmEvents",
		Payload:     []byte("{}"),
		RetriesLeft: -1,
		BackoffKind: "Fixed",
		BackoffSecs: 5,
		NotBefore:   time.Now().UTC().Add(-time.Second),
		CreatedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Positive(t, id)

	due, err := s.ListDueTasks(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, id, due[0].Id)

	require.NoError(t, s.RescheduleTask(ctx, id, -1, 1, time.Now().UTC().Add(time.Hour)))
	due, err = s.ListDueTasks(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Empty(t, due, "rescheduled task must not be due yet")

	require.NoError(t, s.RemoveTask(ctx, id))
	got, err := s.ReadTask(ctx, id)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPropertyRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.ReadProperty(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, s.WriteProperty(ctx, "rune-list-etag", []byte("abc123")))
	got, err = s.ReadProperty(ctx, "rune-list-etag")
	require.NoError(t, err)
	require.Equal(t, []byte("abc123"), got)

	require.NoError(t, s.WriteProperty(ctx, "rune-list-etag", []byte("def456")))
	got, err = s.ReadProperty(ctx, "rune-list-etag")
	require.NoError(t, err)
	require.Equal(t, []byte("def456"), got)
}

func TestNftReceiptWriteAndRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := &NftReceipt{
		RevealTxHash:  "reveal-tx",
		InscriptionId: "reveal-tx i0",
		ContentType:   "text/plain",
		Content:       []byte("hello ordinal"),
		OwnerAddress:  "bc1qowner",
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, s.WriteNftReceiptIfNotExist(ctx, rec))
	require.NoError(t, s.WriteNftReceiptIfNotExist(ctx, rec))

	got, err := s.ReadNftReceipt(ctx, "reveal-tx")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, rec.Content, got.Content)

	missing, err := s.ReadNftReceipt(ctx, "unknown")
	require.NoError(t, err)
	require.Nil(t, missing)
}
