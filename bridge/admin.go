package bridge

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"github.com/shopspring/decimal"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/MixinNetwork/mixin/logger"

	"github.com/chainfusion-labs/bridge-relay/common"
	"github.com/chainfusion-labs/bridge-relay/deposit"
)

// requestIDHeader carries the per-request trace id assigned by
// requestIDMiddleware, surfaced to callers for correlating a response with
// the corresponding server-side log lines.
const requestIDHeader = "X-Request-Id"

// requestIDMiddleware tags every admin request with a fresh uuid, the same
// "opaque id assigned once per logical unit of work" pattern the teacher
// uses for session and request ids (signer/node.go's sessionId,
// observer/accountant.go's RequestId), generalized here from the Mixin
// messenger session to one HTTP request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.NewV4()
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set(requestIDHeader, id.String())
		logger.Verbosef("bridge: %s %s request_id=%s", r.Method, r.URL.Path, id)
		next.ServeHTTP(w, r)
	})
}

// adminAPIKeyHeader is the shared-secret header admin-gated endpoints
// require, matching BRIDGE_ADMIN_API_KEY. spec.md's configure_bft assumes
// ic::caller() is cryptographically assured by the host platform
// (original_source's IC canister runtime provides this for free); the HTTP
// adaptation has no equivalent, so it authenticates the caller itself
// against this header instead of trusting a client-supplied field.
const adminAPIKeyHeader = "X-Admin-Api-Key"

// authenticateAdmin checks r's admin API key against s.cfg.AdminAPIKey in
// constant time, returning the authenticated caller identity (always the
// bridge's single admin principal) on success.
func (s *State) authenticateAdmin(r *http.Request) (ethcommon.Address, error) {
	got := r.Header.Get(adminAPIKeyHeader)
	want := s.cfg.AdminAPIKey
	if got == "" || want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ethcommon.Address{}, ErrForbidden
	}
	return s.cfg.Admin, nil
}

// Router builds the admin HTTP surface of spec.md §6 ("Admin operations
// (bridge control): get_deposit_address, get_evm_address, configure_bft,
// <asset>_to_erc20"), grounded on Fantasim-hdpay's NewRouter/chi.Router
// shape (one r.Route per concern, handlers returning http.HandlerFunc
// closures over the shared state).
func Router(s *State) chi.Router {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)

	r.Get("/deposit-address", s.handleGetDepositAddress)
	r.Get("/evm-address", s.handleGetEvmAddress)
	r.Post("/configure-bft", s.handleConfigureBFT)
	r.Post("/{asset}_to_erc20", s.handleAssetToErc20)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Printf("bridge: write response: %v", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusForError maps the deposit/withdraw error taxonomy of spec.md §7
// onto HTTP status codes: Pending and amount-below-fee are caller-visible
// but not server errors, Unavailable is a 503 since it's a retryable
// transient failure, everything else not otherwise classified is a 500.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrPending),
		errors.Is(err, common.ErrNotEnoughBTC),
		errors.Is(err, common.ErrInvalidBRC20),
		errors.Is(err, common.ErrValueTooSmall),
		errors.Is(err, common.ErrNothingToDeposit),
		errors.Is(err, common.ErrNoRunesToDeposit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, common.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, common.ErrNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleGetDepositAddress is get_deposit_address() (spec.md §6):
// GET /deposit-address?recipient=0x...
func (s *State) handleGetDepositAddress(w http.ResponseWriter, r *http.Request) {
	recipient := ethcommon.HexToAddress(r.URL.Query().Get("recipient"))
	addr, err := s.Deposit.GetDepositAddress(r.Context(), recipient)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr})
}

// handleGetEvmAddress is get_evm_address() (spec.md §6): the bridge's own
// custody address.
func (s *State) handleGetEvmAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := s.EvmAddress(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr.Hex()})
}

type configureBFTRequest struct {
	Erc20ChainID uint32 `json:"erc20_chain_id"`
	BridgeAddress string `json:"bridge_address"`
	TokenAddress  string `json:"token_address"`
	TokenName     string `json:"token_name"`
	TokenSymbol   string `json:"token_symbol"`
	Decimals      uint8  `json:"decimals"`
}

// handleConfigureBFT is the admin-gated configure_bft(BftBridgeConfig)
// operation (spec.md §6). The caller identity comes from authenticateAdmin,
// never from the request body — a self-reported field would let any client
// claim to be admin.
func (s *State) handleConfigureBFT(w http.ResponseWriter, r *http.Request) {
	caller, err := s.authenticateAdmin(r)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	var req configureBFTRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	bft := BftBridgeConfig{
		Erc20ChainID:  req.Erc20ChainID,
		BridgeAddress: ethcommon.HexToAddress(req.BridgeAddress),
		TokenAddress:  ethcommon.HexToAddress(req.TokenAddress),
		Decimals:      req.Decimals,
	}
	if err := bft.SetTokenName(req.TokenName); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := bft.SetTokenSymbol(req.TokenSymbol); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.ConfigureBFT(r.Context(), caller, bft); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

var assetKindByName = map[string]common.AssetKind{
	"btc":    common.AssetKindNativeBTC,
	"brc20":  common.AssetKindBRC20,
	"rune":   common.AssetKindRune,
	"ordinal": common.AssetKindOrdinalNFT,
}

type mintResultResponse struct {
	SrcToken     string `json:"src_token"`
	SrcTokenB58  string `json:"src_token_b58"`
	Amount       string `json:"amount"`
	Minted       bool   `json:"minted"`
	TxHash       string `json:"tx_hash,omitempty"`
	Order        string `json:"signed_order,omitempty"`
}

// handleAssetToErc20 is <asset>_to_erc20(args) → Erc20MintStatus | Err
// (spec.md §6): POST /{asset}_to_erc20?recipient=0x...
func (s *State) handleAssetToErc20(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	kind, ok := assetKindByName[asset]
	if !ok {
		writeError(w, http.StatusNotFound, errUnknownAsset(asset))
		return
	}

	recipient := ethcommon.HexToAddress(r.URL.Query().Get("recipient"))
	results, err := s.Deposit.Deposit(r.Context(), recipient, kind)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	out := make([]mintResultResponse, 0, len(results))
	for _, res := range results {
		out = append(out, toMintResultResponse(res))
	}
	writeJSON(w, http.StatusOK, out)
}

func toMintResultResponse(res deposit.MintResult) mintResultResponse {
	resp := mintResultResponse{
		SrcToken:    res.SrcToken.String(),
		SrcTokenB58: res.SrcToken.Base58(),
		Amount:      decimal.NewFromBigInt(res.Amount, 0).String(),
		Minted:      res.Minted,
	}
	if res.Minted {
		resp.TxHash = res.TxHash.Hex()
	} else if len(res.Order) > 0 {
		resp.Order = ethcommon.Bytes2Hex(res.Order)
	}
	return resp
}

type unknownAssetError string

func (e unknownAssetError) Error() string { return "bridge: unknown asset kind " + string(e) }
func errUnknownAsset(asset string) error  { return unknownAssetError(asset) }
