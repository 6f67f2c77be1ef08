package bitcoinchain

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/stretchr/testify/require"

	"github.com/chainfusion-labs/bridge-relay/common"
)

// signerFor wraps a raw private key as a SignDigestFunc, the same shape
// signerkey.Signer's Bitcoin-signing adapter produces in withdraw/.
func signerFor(key *btcec.PrivateKey) SignDigestFunc {
	return func(digest [32]byte) ([]byte, error) {
		return ecdsa.Sign(key, digest[:]).Serialize(), nil
	}
}

func TestEstimateFeeRateUsesNinetiethPercentile(t *testing.T) {
	percentiles := make([]uint64, 100)
	for i := range percentiles {
		percentiles[i] = uint64(i + 1) // 1..100
	}
	rate, err := EstimateFeeRate(percentiles, common.ChainBitcoin)
	require.NoError(t, err)
	require.Equal(t, uint64(91), rate)
}

func TestEstimateFeeRateFallsBackToDefaultOnRegtestWhenEmpty(t *testing.T) {
	rate, err := EstimateFeeRate(nil, common.ChainBitcoinRegtest)
	require.NoError(t, err)
	require.Equal(t, DefaultRegtestFeeRate, rate)
}

func TestEstimateFeeRateErrorsOnMainnetWhenEmpty(t *testing.T) {
	_, err := EstimateFeeRate(nil, common.ChainBitcoin)
	require.ErrorIs(t, err, ErrFeeRateUnavailable)
}

func TestSingleDerivationPathRejectsHeterogeneous(t *testing.T) {
	utxos := []SpendableUtxo{
		{TransactionHash: "a", DerivationPath: "m/0/0"},
		{TransactionHash: "b", DerivationPath: "m/0/1"},
	}
	_, err := singleDerivationPath(utxos)
	require.ErrorIs(t, err, common.ErrHeterogeneousDerivation)
}

func TestSingleDerivationPathAcceptsHomogeneous(t *testing.T) {
	utxos := []SpendableUtxo{
		{TransactionHash: "a", DerivationPath: "m/0/0"},
		{TransactionHash: "b", DerivationPath: "m/0/0"},
	}
	path, err := singleDerivationPath(utxos)
	require.NoError(t, err)
	require.Equal(t, "m/0/0", path)
}

func TestSelectUtxosAccumulatesLargestFirstUntilTarget(t *testing.T) {
	utxos := []SpendableUtxo{
		{TransactionHash: "small", Satoshi: 100},
		{TransactionHash: "big", Satoshi: 10000},
		{TransactionHash: "mid", Satoshi: 1000},
	}
	selected, total := selectUtxos(utxos, 5000)
	require.Len(t, selected, 1)
	require.Equal(t, "big", selected[0].TransactionHash)
	require.Equal(t, int64(10000), total)
}

func TestBuildTransferTransactionRejectsHeterogeneousInputs(t *testing.T) {
	inscription := SpendableUtxo{TransactionHash: "aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa1", Index: 0, Satoshi: 10000, DerivationPath: "m/0/0"}
	fee := SpendableUtxo{TransactionHash: "bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb2", Index: 0, Satoshi: 50000, DerivationPath: "m/0/1"}

	_, _, err := BuildTransferTransaction(inscription, []SpendableUtxo{fee}, []byte("recipient-script"), []byte("change-script"), 2, nil)
	require.ErrorIs(t, err, common.ErrHeterogeneousDerivation)
}

func TestBuildTransferTransactionHappyPath(t *testing.T) {
	inscription := SpendableUtxo{TransactionHash: "aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa1", Index: 0, Satoshi: 10000, DerivationPath: "m/0/0"}
	fee := SpendableUtxo{TransactionHash: "bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb2", Index: 1, Satoshi: 50000, DerivationPath: "m/0/0"}

	tx, inputs, err := BuildTransferTransaction(inscription, []SpendableUtxo{fee}, []byte("recipient-script"), []byte("change-script"), 2, nil)
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	require.Len(t, tx.TxIn, 2)
	require.GreaterOrEqual(t, len(tx.TxOut), 1)
	require.Equal(t, int64(10000), tx.TxOut[0].Value)
}

func TestBuildTransferTransactionInsufficientFeeUtxosErrors(t *testing.T) {
	inscription := SpendableUtxo{TransactionHash: "aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa1", Index: 0, Satoshi: 10000, DerivationPath: "m/0/0"}
	fee := SpendableUtxo{TransactionHash: "bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb2", Index: 1, Satoshi: 1, DerivationPath: "m/0/0"}

	_, _, err := BuildTransferTransaction(inscription, []SpendableUtxo{fee}, []byte("recipient-script"), []byte("change-script"), 100000, nil)
	require.Error(t, err)
}

func TestBuildEdictScriptProducesOpReturn(t *testing.T) {
	script, err := BuildEdictScript([]EdictOutput{{RuneID: "840000:1", Amount: 500, RecipientVout: 1}})
	require.NoError(t, err)
	require.NotEmpty(t, script)
	require.Equal(t, byte(0x6a), script[0]) // OP_RETURN
}

func TestSignWitnessInputsProducesWitnessAndValidTxid(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	inscription := SpendableUtxo{TransactionHash: "aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa1", Index: 0, Satoshi: 10000, DerivationPath: "m/0/0"}
	fee := SpendableUtxo{TransactionHash: "bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb2", Index: 1, Satoshi: 50000, DerivationPath: "m/0/0"}

	tx, inputs, err := BuildTransferTransaction(inscription, []SpendableUtxo{fee}, []byte("recipient-script"), []byte("change-script"), 2, nil)
	require.NoError(t, err)

	require.NoError(t, SignWitnessInputs(tx, inputs, key.PubKey().SerializeCompressed(), signerFor(key)))
	for _, in := range tx.TxIn {
		require.Len(t, in.Witness, 2)
	}

	raw, err := SerializeWithWitness(tx)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.NotEmpty(t, TxIDHex(tx))
}

func TestSignWitnessInputsRejectsCountMismatch(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	inscription := SpendableUtxo{TransactionHash: "aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa1", Index: 0, Satoshi: 10000, DerivationPath: "m/0/0"}
	tx, _, err := BuildTransferTransaction(inscription, nil, []byte("recipient-script"), []byte("change-script"), 2, nil)
	require.Error(t, err) // no fee utxos at all: insufficient funds
	_ = tx

	// Construct a tx directly to exercise the mismatch branch.
	solo, inputs, err := BuildTransferTransaction(inscription, []SpendableUtxo{{TransactionHash: "bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb2", Index: 0, Satoshi: 50000, DerivationPath: "m/0/0"}}, []byte("r"), []byte("c"), 2, nil)
	require.NoError(t, err)
	pub := key.PubKey().SerializeCompressed()
	require.NoError(t, SignWitnessInputs(solo, inputs, pub, signerFor(key)))

	err = SignWitnessInputs(solo, inputs[:1], pub, signerFor(key))
	require.Error(t, err)
}
