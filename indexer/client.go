// Package indexer fetches BRC-20/Rune/ordinal metadata from the bridge's
// shared external indexer (spec.md §4.6 step 4: "indexer metadata
// lookup"). Grounded on
// original_source/rune-bridge/src/ops.rs::get_rune_list/get_tx_outputs
// (URL shape, JSON body) and format_outpoint (txid byte-reversal quirk,
// SPEC_FULL.md §C.3).
package indexer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/MixinNetwork/mixin/logger"
)

// RuneInfo is one entry of the indexer's /runes listing.
type RuneInfo struct {
	RuneID       string `json:"rune_id"`
	SpacedRune   string `json:"spaced_rune"`
	Divisibility uint8  `json:"divisibility"`
}

type runesResponse struct {
	Entries []RuneInfo `json:"entries"`
}

// RunePile is one rune balance carried by an output, as reported by
// /output/{outpoint}.
type RunePile struct {
	SpacedRune string `json:"spaced_rune"`
	Amount     string `json:"amount"` // decimal string; u128 doesn't fit int64
}

// OutputResponse mirrors the indexer's /output/{outpoint} response: the
// BRC-20/rune/ordinal metadata attached to one transaction output,
// consulted during the deposit pipeline's metadata-lookup gate.
type OutputResponse struct {
	Runes         []RunePile `json:"runes"`
	Brc20         *Brc20Info `json:"brc20,omitempty"`
	InscriptionID string     `json:"inscription_id,omitempty"`
}

// Brc20Info is the BRC-20 ticker/amount pair attached to an inscription
// transfer, when present.
type Brc20Info struct {
	Ticker string `json:"tick"`
	Amount string `json:"amt"`
}

// Outpoint identifies a transaction output the indexer was asked about.
type Outpoint struct {
	TxID []byte // as the host reports it — byte order handled by FormatOutpoint
	Vout uint32
}

// FormatOutpoint renders outpoint as "{txid_hex}:{vout}", reversing the
// txid bytes first. The host's internal representation stores txids in
// the reverse of the conventional display order; every other system
// (explorers, the indexer's own API) expects the reversed, display form.
// Grounded byte-for-byte on format_outpoint's unit test
// (original_source/rune-bridge/src/ops.rs::ic_outpoint_formatting).
func FormatOutpoint(o Outpoint) string {
	reversed := make([]byte, len(o.TxID))
	for i, b := range o.TxID {
		reversed[len(o.TxID)-1-i] = b
	}
	return fmt.Sprintf("%s:%d", hex.EncodeToString(reversed), o.Vout)
}

// Client queries the shared external indexer over HTTP, rate-limited so
// one bridge instance never overwhelms the shared service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New builds a Client against baseURL (no trailing slash), allowing at
// most ratePerSecond requests/second with a burst of 1.
func New(baseURL string, ratePerSecond float64, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), 1),
	}
}

// ErrUnavailable wraps any transport- or decode-level failure talking to
// the indexer, mirroring the original's DepositError::Unavailable.
type ErrUnavailable struct{ Detail string }

func (e *ErrUnavailable) Error() string { return fmt.Sprintf("indexer unavailable: %s", e.Detail) }

func (c *Client) get(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &ErrUnavailable{Detail: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &ErrUnavailable{Detail: err.Error()}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ErrUnavailable{Detail: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ErrUnavailable{Detail: err.Error()}
	}
	logger.Verbosef("indexer.get: %s -> %d %s", path, resp.StatusCode, string(body))

	if resp.StatusCode != http.StatusOK {
		return &ErrUnavailable{Detail: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ErrUnavailable{Detail: err.Error()}
	}
	return nil
}

// ListRunes returns every rune the indexer currently knows about.
// Pagination is not implemented — same limitation the original carries
// (noted there as a TODO against its first-50-entries behavior).
func (c *Client) ListRunes(ctx context.Context) ([]RuneInfo, error) {
	var resp runesResponse
	if err := c.get(ctx, "/runes", &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// GetTxOutput looks up the BRC-20/rune/ordinal metadata attached to
// outpoint.
func (c *Client) GetTxOutput(ctx context.Context, outpoint Outpoint) (*OutputResponse, error) {
	var resp OutputResponse
	if err := c.get(ctx, "/output/"+FormatOutpoint(outpoint), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
