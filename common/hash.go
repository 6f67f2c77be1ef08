package common

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
)

// Keccak256 hashes b with KECCAK-256, the hash the EVM-side BFT bridge
// contract uses to bind a MintOrder's signature to its payload (spec.md
// §4.1). This is a thin wrapper so the rest of the module never imports
// go-ethereum/crypto directly outside mintorder, signerkey and evmwatch.
func Keccak256(b ...[]byte) []byte {
	return crypto.Keccak256(b...)
}

// AESEncrypt/AESDecrypt mirror the teacher's symmetric envelope used to
// protect operation payloads exchanged with the signer backend
// (keeper/signer.go's encryptSignerOperation), repurposed here to protect
// signing requests handed to the threshold-key service at rest before
// they are persisted.
func AESEncrypt(key []byte, plain []byte, nonceSeed string) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	nonce := make([]byte, gcm.NonceSize())
	seed := crypto.Keccak256([]byte(nonceSeed))
	copy(nonce, seed)
	return gcm.Seal(nonce, nonce, plain, nil)
}

func AESDecrypt(key []byte, cipherText []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(cipherText) < gcm.NonceSize() {
		return nil, fmt.Errorf("common.AESDecrypt: ciphertext too short")
	}
	nonce, data := cipherText[:gcm.NonceSize()], cipherText[gcm.NonceSize():]
	return gcm.Open(nil, nonce, data, nil)
}

// RandomBytes returns n cryptographically random bytes, panicking if the
// system random source fails.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	return b
}
