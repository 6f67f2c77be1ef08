package deposit

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	ethereum "github.com/ethereum/go-ethereum"

	"github.com/chainfusion-labs/bridge-relay/bitcoinchain"
	"github.com/chainfusion-labs/bridge-relay/common"
	"github.com/chainfusion-labs/bridge-relay/evmchain"
	"github.com/chainfusion-labs/bridge-relay/indexer"
	"github.com/chainfusion-labs/bridge-relay/store"
)

// fakeBTC is a bitcoinchain.Client test double whose UTXO set and tip
// height are set directly by each test.
type fakeBTC struct {
	tip   uint64
	utxos []bitcoinchain.Utxo
}

func (f *fakeBTC) TipHeight(ctx context.Context) (uint64, error) { return f.tip, nil }
func (f *fakeBTC) UtxosForScript(ctx context.Context, script []byte) ([]bitcoinchain.Utxo, error) {
	return f.utxos, nil
}
func (f *fakeBTC) FeeRatePercentiles(ctx context.Context) ([]uint64, error) { return nil, nil }
func (f *fakeBTC) BroadcastTransaction(ctx context.Context, raw []byte) (string, error) {
	return "", nil
}

// fakeSigner implements signerkey.Signer with a fixed compressed pubkey
// and a fixed (zero) signature, enough to exercise depositScript and
// mintOne without a real custody backend.
type fakeSigner struct {
	pubKey []byte
}

func (f fakeSigner) GetAddress(ctx context.Context, path string) (ethcommon.Address, error) {
	return ethcommon.Address{}, nil
}
func (f fakeSigner) SignDigest(ctx context.Context, path string, digest [32]byte) ([65]byte, error) {
	var sig [65]byte
	sig[64] = 27
	return sig, nil
}
func (f fakeSigner) SignTransaction(ctx context.Context, path string, chainID uint64, tx *ethtypes.Transaction) (*ethtypes.Transaction, error) {
	return tx, nil
}
func (f fakeSigner) GetBitcoinPubKey(ctx context.Context, path string) ([]byte, error) {
	return f.pubKey, nil
}
func (f fakeSigner) SignBitcoinDigest(ctx context.Context, path string, digest [32]byte) ([]byte, error) {
	return nil, nil
}

// compressedPubKey is a valid secp256k1 compressed public key (the
// generator point), just so btcutil.Hash160 and address encoding have
// real bytes to work with.
var compressedPubKey = []byte{
	0x02, 0x79, 0xbe, 0x66, 0x7e, 0xf9, 0xdc, 0xbb, 0xac, 0x55, 0xa0, 0x62, 0x95, 0xce, 0x87, 0x0b,
	0x07, 0x02, 0x9b, 0xfc, 0xdb, 0x2d, 0xce, 0x28, 0xd9, 0x59, 0xf2, 0x81, 0x5b, 0x16, 0xf8, 0x17, 0x98,
}

type fakeEvmClient struct {
	chainID uint64
	sent    []*ethtypes.Transaction
	sendErr error
}

func (f *fakeEvmClient) ChainID(ctx context.Context) (uint64, error) { return f.chainID, nil }
func (f *fakeEvmClient) PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeEvmClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (f *fakeEvmClient) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}
func (f *fakeEvmClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	return nil, nil
}

func newTestPipeline(t *testing.T, btc *fakeBTC, idxURL string, evm *fakeEvmClient, cfg Config) *Pipeline {
	t.Helper()
	db, err := store.OpenSQLite3Store("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.WriteEvmParams(context.Background(), &store.EvmParams{
		ChainID:        1337,
		GasPrice:       []byte{10},
		BridgeContract: make([]byte, 20),
		NextBlock:      0,
		Nonce:          5,
	}))

	idx := indexer.New(idxURL, 100, nil)
	signer := fakeSigner{pubKey: compressedPubKey}
	submitter := evmchain.NewSubmitter(evm, signer, cfg.SignerPath, cfg.BridgeContract)
	return New(cfg, btc, idx, db, signer, submitter)
}

func defaultConfig() Config {
	return Config{
		Network:          common.ChainBitcoinRegtest,
		MinConfirmations: 1,
		DepositFeeSat:    1000,
		LedgerFeeSat:     0,
		DustSat:          1000,
		BridgeContract:   ethcommon.HexToAddress("0xAbC0000000000000000000000000000000000a"),
		DstToken:         ethcommon.HexToAddress("0xD57000000000000000000000000000000000D1"),
		SignerPath:       "bridge/mint-signer",
		SenderChainID:    0,
		RecipientChainID: 1,
		GasLimit:         100000,
	}
}

func TestGetDepositAddressDerivesWitnessAddress(t *testing.T) {
	p := newTestPipeline(t, &fakeBTC{}, "http://unused", &fakeEvmClient{}, defaultConfig())
	addr, err := p.GetDepositAddress(context.Background(), ethcommon.HexToAddress("0x1111111111111111111111111111111111aaaa"))
	require.NoError(t, err)
	require.NotEmpty(t, addr)
}

func TestDepositNativeBtcMintsAndAdvancesNonce(t *testing.T) {
	btc := &fakeBTC{
		tip: 110,
		utxos: []bitcoinchain.Utxo{
			{TxID: "tx1", Vout: 0, Value: 50000, Height: 100, Script: []byte("script")},
		},
	}
	evm := &fakeEvmClient{chainID: 1337}
	p := newTestPipeline(t, btc, "http://unused", evm, defaultConfig())

	results, err := p.Deposit(context.Background(), ethcommon.HexToAddress("0x1111111111111111111111111111111111aaaa"), common.AssetKindNativeBTC)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Minted)
	require.Equal(t, big.NewInt(50000), results[0].Amount)
	require.Len(t, evm.sent, 1)
	require.Equal(t, uint64(5), evm.sent[0].Nonce())

	params, err := p.store.ReadEvmParams(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(6), params.Nonce)

	// The consumed UTXO must now be recorded in the ledger so a repeat
	// deposit call does not re-mint it.
	results2, err := p.Deposit(context.Background(), ethcommon.HexToAddress("0x1111111111111111111111111111111111aaaa"), common.AssetKindNativeBTC)
	require.ErrorIs(t, err, ErrNothingToDeposit)
	require.Empty(t, results2)
}

func TestDepositPendingBelowConfirmationThreshold(t *testing.T) {
	btc := &fakeBTC{
		tip: 100,
		utxos: []bitcoinchain.Utxo{
			{TxID: "tx1", Vout: 0, Value: 50000, Height: 100, Script: []byte("script")},
		},
	}
	cfg := defaultConfig()
	cfg.MinConfirmations = 6
	p := newTestPipeline(t, btc, "http://unused", &fakeEvmClient{}, cfg)

	_, err := p.Deposit(context.Background(), ethcommon.HexToAddress("0x1111111111111111111111111111111111aaaa"), common.AssetKindNativeBTC)
	require.Error(t, err)
	var pending *PendingError
	require.ErrorAs(t, err, &pending)
	require.Equal(t, uint64(6), pending.Min)
	require.Equal(t, uint64(1), pending.Current)
}

func TestDepositNotEnoughBtcBelowFeeFloor(t *testing.T) {
	btc := &fakeBTC{
		tip: 110,
		utxos: []bitcoinchain.Utxo{
			{TxID: "tx1", Vout: 0, Value: 500, Height: 100, Script: []byte("script")},
		},
	}
	cfg := defaultConfig()
	cfg.DepositFeeSat = 1000
	p := newTestPipeline(t, btc, "http://unused", &fakeEvmClient{}, cfg)

	_, err := p.Deposit(context.Background(), ethcommon.HexToAddress("0x1111111111111111111111111111111111aaaa"), common.AssetKindNativeBTC)
	require.Error(t, err)
	var notEnough *NotEnoughBTCError
	require.ErrorAs(t, err, &notEnough)
	require.Equal(t, int64(500), notEnough.Received)
}

func TestDepositNothingToDepositWhenNoUtxos(t *testing.T) {
	p := newTestPipeline(t, &fakeBTC{tip: 100}, "http://unused", &fakeEvmClient{}, defaultConfig())
	_, err := p.Deposit(context.Background(), ethcommon.HexToAddress("0x1111111111111111111111111111111111aaaa"), common.AssetKindNativeBTC)
	require.ErrorIs(t, err, ErrNothingToDeposit)
}

func TestDepositRuneMintsPerDistinctRune(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"runes":[{"spaced_rune":"UNCOMMON•GOODS","amount":"700"}]}`))
	}))
	defer srv.Close()

	btc := &fakeBTC{
		tip: 110,
		utxos: []bitcoinchain.Utxo{
			{TxID: "aa", Vout: 0, Value: 2000, Height: 100, Script: []byte("script")},
		},
	}
	evm := &fakeEvmClient{chainID: 1337}
	p := newTestPipeline(t, btc, srv.URL, evm, defaultConfig())

	results, err := p.Deposit(context.Background(), ethcommon.HexToAddress("0x1111111111111111111111111111111111aaaa"), common.AssetKindRune)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, big.NewInt(700), results[0].Amount)
}

func TestDepositInvalidBrc20MetadataErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	btc := &fakeBTC{
		tip: 110,
		utxos: []bitcoinchain.Utxo{
			{TxID: "bb", Vout: 0, Value: 2000, Height: 100, Script: []byte("script")},
		},
	}
	p := newTestPipeline(t, btc, srv.URL, &fakeEvmClient{}, defaultConfig())

	_, err := p.Deposit(context.Background(), ethcommon.HexToAddress("0x1111111111111111111111111111111111aaaa"), common.AssetKindBRC20)
	require.ErrorIs(t, err, ErrInvalidBRC20)
}

func TestDepositSubmitFailureFallsBackToSignedOrder(t *testing.T) {
	btc := &fakeBTC{
		tip: 110,
		utxos: []bitcoinchain.Utxo{
			{TxID: "cc", Vout: 0, Value: 50000, Height: 100, Script: []byte("script")},
		},
	}
	evm := &fakeEvmClient{chainID: 1337, sendErr: context.DeadlineExceeded}
	p := newTestPipeline(t, btc, "http://unused", evm, defaultConfig())

	results, err := p.Deposit(context.Background(), ethcommon.HexToAddress("0x1111111111111111111111111111111111aaaa"), common.AssetKindNativeBTC)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Minted)
	require.NotEmpty(t, results[0].Order)

	// The cached nonce must not advance when submission failed.
	params, err := p.store.ReadEvmParams(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(5), params.Nonce)
}
