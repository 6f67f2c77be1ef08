package signerkey

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/MixinNetwork/mixin/logger"

	"github.com/chainfusion-labs/bridge-relay/common"
	"github.com/chainfusion-labs/bridge-relay/store"
)

// ThresholdSigner hands every Signer request to an external threshold-ECDSA
// service over HTTP rather than holding key material in-process. The
// signing protocol itself (MPC rounds, key-id management) is out of scope
// for this spec (spec.md §1 "Out of scope"); this is the request/response
// shape a production deployment would wire a real threshold service behind,
// grounded on original_source `icrc2-minter/src/state/signer.rs`'s
// `SigningStrategy::ManagementCanister{key_id}` split from the local
// in-process strategy.
type ThresholdSigner struct {
	baseURL string
	keyID   string
	client  *http.Client

	// db and encKey are optional: when both are set, every digest handed to
	// the external service is written to db as an AES-GCM encrypted audit
	// record first and removed once the signature returns, mirroring the
	// teacher's keeper/signer.go encryptSignerOperation envelope
	// (common.AESEncrypt/AESDecrypt) repurposed here to protect requests
	// at rest while they are outstanding.
	db     *store.SQLite3Store
	encKey []byte
}

// NewThresholdSigner constructs a ThresholdSigner against baseURL. db and
// encKey are optional (pass nil, nil to disable the at-rest audit trail);
// when provided, encKey must be a 32-byte AES-256 key.
func NewThresholdSigner(baseURL, keyID string, client *http.Client, db *store.SQLite3Store, encKey []byte) *ThresholdSigner {
	if client == nil {
		client = http.DefaultClient
	}
	return &ThresholdSigner{baseURL: baseURL, keyID: keyID, client: client, db: db, encKey: encKey}
}

type thresholdSignRequest struct {
	KeyID string `json:"key_id"`
	Path  string `json:"derivation_path"`
	Data  []byte `json:"data"`
}

func (t *ThresholdSigner) post(ctx context.Context, endpoint string, req any, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("signerkey.ThresholdSigner: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("signerkey.ThresholdSigner: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("signerkey.ThresholdSigner: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signerkey.ThresholdSigner: %s: status %d", endpoint, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (t *ThresholdSigner) GetAddress(ctx context.Context, path string) (ethcommon.Address, error) {
	var out struct {
		Address string `json:"address"`
	}
	err := t.post(ctx, "/address", thresholdSignRequest{KeyID: t.keyID, Path: path}, &out)
	if err != nil {
		return ethcommon.Address{}, err
	}
	return ethcommon.HexToAddress(out.Address), nil
}

// auditWrite persists an encrypted record of a digest about to be sent to
// the external service, returning a cleanup func that removes it once the
// round trip completes. A no-op when the audit trail is disabled.
func (t *ThresholdSigner) auditWrite(ctx context.Context, path string, digest []byte) (func(), error) {
	if t.db == nil {
		return func() {}, nil
	}
	id := ethcommon.Bytes2Hex(common.Keccak256([]byte(path), digest))
	ciphertext := common.AESEncrypt(t.encKey, digest, path)
	if err := t.db.WritePendingSigningRequest(ctx, &store.PendingSigningRequest{
		Id: id, Path: path, Ciphertext: ciphertext, CreatedAt: time.Now().UTC(),
	}); err != nil {
		return func() {}, fmt.Errorf("signerkey.ThresholdSigner: audit write: %w", err)
	}
	return func() {
		if err := t.db.RemovePendingSigningRequest(ctx, id); err != nil {
			logger.Printf("signerkey.ThresholdSigner: audit cleanup(%s): %v", id, err)
		}
	}, nil
}

// LogStaleSigningRequests reports every pending signing request still on
// disk at startup — evidence of requests in flight when the process last
// crashed before the external service replied. It only logs; an operator
// must decide whether to retry or discard them.
func (t *ThresholdSigner) LogStaleSigningRequests(ctx context.Context) {
	if t.db == nil {
		return
	}
	pending, err := t.db.ListPendingSigningRequests(ctx)
	if err != nil {
		logger.Printf("signerkey.ThresholdSigner: list pending signing requests: %v", err)
		return
	}
	for _, rec := range pending {
		digest, err := common.AESDecrypt(t.encKey, rec.Ciphertext)
		if err != nil {
			logger.Printf("signerkey.ThresholdSigner: stale signing request %s (path=%s, created=%s): decrypt failed: %v", rec.Id, rec.Path, rec.CreatedAt, err)
			continue
		}
		logger.Printf("signerkey.ThresholdSigner: stale signing request %s (path=%s, created=%s, digest=%s) was in flight at last crash", rec.Id, rec.Path, rec.CreatedAt, common.ShortSum(digest))
	}
}

func (t *ThresholdSigner) SignDigest(ctx context.Context, path string, digest [32]byte) ([65]byte, error) {
	done, err := t.auditWrite(ctx, path, digest[:])
	if err != nil {
		return [65]byte{}, err
	}
	defer done()

	var out struct {
		Signature []byte `json:"signature"`
	}
	err = t.post(ctx, "/sign-digest", thresholdSignRequest{KeyID: t.keyID, Path: path, Data: digest[:]}, &out)
	if err != nil {
		return [65]byte{}, err
	}
	var sig [65]byte
	copy(sig[:], out.Signature)
	return sig, nil
}

// SignTransaction mirrors LocalSigner.SignTransaction's hash-then-sign
// shape, but since ThresholdSigner holds no local key material it cannot
// call types.SignTx directly: it computes the signing digest itself,
// delegates the signature to the external service via SignDigest, then
// reconstructs the signed transaction by hand.
func (t *ThresholdSigner) SignTransaction(ctx context.Context, path string, chainID uint64, tx *types.Transaction) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(chainID))
	digest := signer.Hash(tx)

	sig, err := t.SignDigest(ctx, path, digest)
	if err != nil {
		return nil, fmt.Errorf("signerkey.ThresholdSigner: sign transaction: %w", err)
	}

	signed, err := tx.WithSignature(signer, sig[:])
	if err != nil {
		return nil, fmt.Errorf("signerkey.ThresholdSigner: sign transaction: %w", err)
	}
	return signed, nil
}

func (t *ThresholdSigner) GetBitcoinPubKey(ctx context.Context, path string) ([]byte, error) {
	var out struct {
		PubKey []byte `json:"pubkey"`
	}
	err := t.post(ctx, "/bitcoin-pubkey", thresholdSignRequest{KeyID: t.keyID, Path: path}, &out)
	if err != nil {
		return nil, err
	}
	return out.PubKey, nil
}

func (t *ThresholdSigner) SignBitcoinDigest(ctx context.Context, path string, digest [32]byte) ([]byte, error) {
	done, err := t.auditWrite(ctx, path, digest[:])
	if err != nil {
		return nil, err
	}
	defer done()

	var out struct {
		Signature []byte `json:"signature"`
	}
	err = t.post(ctx, "/bitcoin-sign-digest", thresholdSignRequest{KeyID: t.keyID, Path: path, Data: digest[:]}, &out)
	if err != nil {
		return nil, err
	}
	return out.Signature, nil
}
