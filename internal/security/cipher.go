package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const gcmNonceLen = 12

// EncryptChunk seals plaintext with AES-256-GCM under key. The random
// nonce is prepended to the returned ciphertext.
func EncryptChunk(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	nonce := make([]byte, gcmNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptChunk opens ciphertext produced by EncryptChunk. A failed
// authentication tag is an error; there is no silent-corruption path.
func DecryptChunk(ciphertext, key []byte) ([]byte, error) {
	if len(ciphertext) < gcmNonceLen {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	nonce, sealed := ciphertext[:gcmNonceLen], ciphertext[gcmNonceLen:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	return plaintext, nil
}

// DeriveTransferKey derives the 32-byte symmetric key for one transfer
// via HKDF-SHA256 over the owner's private seed and a per-transfer
// salt. The salt travels in the metadata response, so both ends of a
// transfer arrive at the same key without ever putting it on the wire.
func DeriveTransferKey(priv ed25519.PrivateKey, salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, priv.Seed(), salt, []byte("driftshare chunk key v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// DeriveSharedKey derives a 32-byte key from an arbitrary pre-shared
// secret and salt. Used for relay uploads where sender and recipient
// hold a shared secret out of band.
func DeriveSharedKey(secret, salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte("driftshare relay key v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// NewSalt returns a fresh random 16-byte salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}
