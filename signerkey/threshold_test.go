package signerkey

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/chainfusion-labs/bridge-relay/store"
)

var testEncKey = make([]byte, 32)

// fakeThresholdService signs whatever digest it's handed with a fixed key,
// standing in for the external threshold-ECDSA service.
func fakeThresholdService(t *testing.T, key *ecdsa.PrivateKey) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req thresholdSignRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		switch r.URL.Path {
		case "/sign-digest", "/bitcoin-sign-digest":
			sig, err := crypto.Sign(req.Data, key)
			require.NoError(t, err)
			json.NewEncoder(w).Encode(map[string][]byte{"signature": sig})
		case "/address":
			json.NewEncoder(w).Encode(map[string]string{"address": crypto.PubkeyToAddress(key.PublicKey).Hex()})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func openTestStoreForThreshold(t *testing.T) *store.SQLite3Store {
	s, err := store.OpenSQLite3Store("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestThresholdSignerSignDigestProducesSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	srv := fakeThresholdService(t, key)
	defer srv.Close()

	db := openTestStoreForThreshold(t)
	ts := NewThresholdSigner(srv.URL, "key-1", nil, db, testEncKey)

	var digest [32]byte
	digest[0] = 9
	sig, err := ts.SignDigest(context.Background(), "m/bridge/mint-signer", digest)
	require.NoError(t, err)
	require.NotZero(t, sig)

	pending, err := db.ListPendingSigningRequests(context.Background())
	require.NoError(t, err)
	require.Empty(t, pending, "audit record must be removed once the signature returns")
}

func TestThresholdSignerSignTransactionReturnsValidSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	srv := fakeThresholdService(t, key)
	defer srv.Close()

	db := openTestStoreForThreshold(t)
	ts := NewThresholdSigner(srv.URL, "key-1", nil, db, testEncKey)

	to := ethcommon.HexToAddress("0x00000000000000000000000000000000000001")
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    0,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      21000,
		GasPrice: big.NewInt(1),
		Data:     nil,
	})

	signed, err := ts.SignTransaction(context.Background(), "m/bridge/mint-signer", 1, tx)
	require.NoError(t, err)

	signer := types.LatestSignerForChainID(big.NewInt(1))
	sender, err := types.Sender(signer, signed)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), sender)
}

func TestThresholdSignerLogStaleSigningRequestsDoesNotPanicWhenEmpty(t *testing.T) {
	db := openTestStoreForThreshold(t)
	ts := NewThresholdSigner("http://unused.invalid", "key-1", nil, db, testEncKey)
	ts.LogStaleSigningRequests(context.Background())
}
