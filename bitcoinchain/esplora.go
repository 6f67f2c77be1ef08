package bitcoinchain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/MixinNetwork/mixin/logger"
)

// EsploraClient is the production Client, backed by an Esplora-compatible
// REST API (mempool.space, Blockstream) rather than a direct Bitcoin Core
// RPC connection — the same provider family Fantasim-hdpay's
// BTCUTXOFetcher polls for confirmed UTXOs. This is the one concrete
// implementation the bridge ships with; any other host integration only
// needs to satisfy Client.
type EsploraClient struct {
	baseURL    string
	httpClient *http.Client
	params     *chaincfg.Params
}

func NewEsploraClient(baseURL string, params *chaincfg.Params, httpClient *http.Client) *EsploraClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &EsploraClient{baseURL: strings.TrimRight(baseURL, "/"), params: params, httpClient: httpClient}
}

func (c *EsploraClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("bitcoinchain.EsploraClient: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bitcoinchain.EsploraClient: %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("bitcoinchain.EsploraClient: read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bitcoinchain.EsploraClient: %s: status %d: %s", path, resp.StatusCode, body)
	}
	return body, nil
}

// TipHeight queries /blocks/tip/height, a bare decimal integer response.
func (c *EsploraClient) TipHeight(ctx context.Context) (uint64, error) {
	body, err := c.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bitcoinchain.EsploraClient: parse tip height: %w", err)
	}
	return height, nil
}

type esploraUtxo struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

// UtxosForScript decodes script into its controlling address (the bridge
// only ever generates P2WPKH deposit scripts) and fetches its UTXO set via
// /address/{addr}/utxo, the same endpoint shape as
// Fantasim-hdpay's BTCUTXOFetcher.
func (c *EsploraClient) UtxosForScript(ctx context.Context, script []byte) ([]Utxo, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, c.params)
	if err != nil || len(addrs) != 1 {
		return nil, fmt.Errorf("bitcoinchain.EsploraClient: script has no single address: %v", err)
	}
	body, err := c.get(ctx, "/address/"+addrs[0].EncodeAddress()+"/utxo")
	if err != nil {
		return nil, err
	}
	var raw []esploraUtxo
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("bitcoinchain.EsploraClient: decode utxos: %w", err)
	}
	out := make([]Utxo, 0, len(raw))
	for _, u := range raw {
		if !u.Status.Confirmed {
			continue
		}
		out = append(out, Utxo{
			TxID:   u.TxID,
			Vout:   u.Vout,
			Value:  u.Value,
			Height: uint64(u.Status.BlockHeight),
			Script: script,
		})
	}
	return out, nil
}

// FeeRatePercentiles queries /fee-estimates (mempool.space's
// confirmation-target -> sat/vB map) and returns its values as an
// ascending millisatoshi/vB table, the shape EstimateFeeRate expects.
func (c *EsploraClient) FeeRatePercentiles(ctx context.Context) ([]uint64, error) {
	body, err := c.get(ctx, "/fee-estimates")
	if err != nil {
		return nil, err
	}
	var estimates map[string]float64
	if err := json.Unmarshal(body, &estimates); err != nil {
		return nil, fmt.Errorf("bitcoinchain.EsploraClient: decode fee estimates: %w", err)
	}
	rates := make([]uint64, 0, len(estimates))
	for _, satPerVByte := range estimates {
		rates = append(rates, uint64(satPerVByte*1000))
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i] < rates[j] })
	return rates, nil
}

// BroadcastTransaction submits raw as hex text to /tx, the Esplora
// broadcast endpoint, and returns the resulting txid (its plain-text
// response body).
func (c *EsploraClient) BroadcastTransaction(ctx context.Context, raw []byte) (string, error) {
	body := strings.NewReader(hex.EncodeToString(raw))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tx", body)
	if err != nil {
		return "", fmt.Errorf("bitcoinchain.EsploraClient: build broadcast request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("bitcoinchain.EsploraClient: broadcast: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("bitcoinchain.EsploraClient: read broadcast response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bitcoinchain.EsploraClient: broadcast: status %d: %s", resp.StatusCode, respBody)
	}
	txid := strings.TrimSpace(string(respBody))
	logger.Printf("bitcoinchain.EsploraClient: broadcast %s", txid)
	return txid, nil
}
