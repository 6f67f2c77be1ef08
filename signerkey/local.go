package signerkey

import (
	"context"
	"fmt"
	"math/big"

	"github.com/anyproto/go-slip10"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// LocalSigner holds a single BIP-39 master seed and derives a fresh
// secp256k1 key for every requested path via SLIP-10 (spec.md §4.3,
// "derivation paths" design note). It satisfies Signer without calling out
// to anything; the teacher's equivalent is the embedded accountant private
// key signed directly in observer/accountant.go's witness-signing loop —
// this generalizes that to one seed with many derived subaccounts instead
// of one private key per Bitcoin address row.
type LocalSigner struct {
	seed []byte
}

// NewLocalSignerFromMnemonic validates mnemonic and derives its BIP-39 seed
// (empty passphrase, matching Fantasim-hdpay's MnemonicToSeed), to be used
// as SLIP-10 master key material.
func NewLocalSignerFromMnemonic(mnemonic string) (*LocalSigner, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("signerkey: invalid mnemonic")
	}
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("signerkey: mnemonic to seed: %w", err)
	}
	return &LocalSigner{seed: seed}, nil
}

// NewLocalSignerFromSeed wraps an already-derived seed directly, used by
// tests and by deployments that manage seed material outside the process.
func NewLocalSignerFromSeed(seed []byte) *LocalSigner {
	return &LocalSigner{seed: append([]byte(nil), seed...)}
}

// deriveKey runs SLIP-10 child-key derivation for path against the master
// seed and returns the resulting secp256k1 private key, the same way the
// teacher turns a derived key into a *btcec.PrivateKey before signing
// (observer/accountant.go: `btcec.PrivKeyFromBytes(b)`).
func (l *LocalSigner) deriveKey(path string) (*btcec.PrivateKey, error) {
	node, err := slip10.DeriveForPath(path, l.seed)
	if err != nil {
		return nil, fmt.Errorf("signerkey: derive %s: %w", path, err)
	}
	_, priv := node.Keypair()
	key, _ := btcec.PrivKeyFromBytes(priv)
	return key, nil
}

func (l *LocalSigner) GetAddress(ctx context.Context, path string) (ethcommon.Address, error) {
	key, err := l.deriveKey(path)
	if err != nil {
		return ethcommon.Address{}, err
	}
	return ethcrypto.PubkeyToAddress(key.ToECDSA().PublicKey), nil
}

func (l *LocalSigner) SignDigest(ctx context.Context, path string, digest [32]byte) ([65]byte, error) {
	key, err := l.deriveKey(path)
	if err != nil {
		return [65]byte{}, err
	}
	sig, err := ethcrypto.Sign(digest[:], key.ToECDSA())
	if err != nil {
		return [65]byte{}, fmt.Errorf("signerkey: sign digest: %w", err)
	}
	var out [65]byte
	copy(out[:], sig)
	return out, nil
}

func (l *LocalSigner) SignTransaction(ctx context.Context, path string, chainID uint64, tx *types.Transaction) (*types.Transaction, error) {
	key, err := l.deriveKey(path)
	if err != nil {
		return nil, err
	}
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(chainID))
	signed, err := types.SignTx(tx, signer, key.ToECDSA())
	if err != nil {
		return nil, fmt.Errorf("signerkey: sign transaction: %w", err)
	}
	return signed, nil
}

func (l *LocalSigner) GetBitcoinPubKey(ctx context.Context, path string) ([]byte, error) {
	key, err := l.deriveKey(path)
	if err != nil {
		return nil, err
	}
	return key.PubKey().SerializeCompressed(), nil
}

// SignBitcoinDigest signs a Bitcoin witness sighash directly with the
// derived key, matching observer/accountant.go's `ecdsa.Sign(privateKey,
// hash)` witness-signing call. Returns a DER-encoded, low-S signature
// without the trailing sighash-type byte; withdraw/ appends that itself.
func (l *LocalSigner) SignBitcoinDigest(ctx context.Context, path string, digest [32]byte) ([]byte, error) {
	key, err := l.deriveKey(path)
	if err != nil {
		return nil, err
	}
	sig := ecdsa.Sign(key, digest[:])
	return sig.Serialize(), nil
}
