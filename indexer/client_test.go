package indexer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatOutpointReversesTxidBytes(t *testing.T) {
	txid := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	got := FormatOutpoint(Outpoint{TxID: txid, Vout: 3})
	require.Equal(t, "ddccbbaa:3", got)
}

func TestFormatOutpointMatchesKnownVector(t *testing.T) {
	// Same vector shape as the original's ic_outpoint_formatting test:
	// reversing a simple ascending byte sequence.
	txid := []byte{0x00, 0x01, 0x02, 0x03}
	got := FormatOutpoint(Outpoint{TxID: txid, Vout: 0})
	require.Equal(t, "03020100:0", got)
}

func TestListRunes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/runes", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"entries":[{"rune_id":"840000:1","spaced_rune":"UNCOMMON•GOODS","divisibility":0}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 100, nil)
	runes, err := c.ListRunes(context.Background())
	require.NoError(t, err)
	require.Len(t, runes, 1)
	require.Equal(t, "840000:1", runes[0].RuneID)
}

func TestGetTxOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "/output/")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"runes":[{"spaced_rune":"UNCOMMON•GOODS","amount":"500"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 100, nil)
	out, err := c.GetTxOutput(context.Background(), Outpoint{TxID: []byte{0x01, 0x02}, Vout: 0})
	require.NoError(t, err)
	require.Len(t, out.Runes, 1)
	require.Equal(t, "500", out.Runes[0].Amount)
}

func TestGetTxOutputNonOKStatusIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, 100, nil)
	_, err := c.GetTxOutput(context.Background(), Outpoint{TxID: []byte{0x01}, Vout: 0})
	require.Error(t, err)
	var unavailable *ErrUnavailable
	require.ErrorAs(t, err, &unavailable)
}
