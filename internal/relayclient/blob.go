package relayclient

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/driftlab/driftshare/internal/security"
)

// ErrNotFound covers unknown uploads, peers, and PINs.
var ErrNotFound = errors.New("not found on relay")

// ErrExpired is returned for uploads past their expiry (HTTP 410).
var ErrExpired = errors.New("expired on relay")

func statusError(path string, status int) error {
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("relay %s: %w", path, ErrNotFound)
	case http.StatusGone:
		return fmt.Errorf("relay %s: %w", path, ErrExpired)
	default:
		return fmt.Errorf("relay %s: status %d", path, status)
	}
}

// sealBlob encrypts a whole file for relay storage: a fresh salt is
// prepended so the recipient can re-derive the key from the shared
// secret alone.
func sealBlob(data, secret []byte) ([]byte, error) {
	salt, err := security.NewSalt()
	if err != nil {
		return nil, err
	}
	key, err := security.DeriveSharedKey(secret, salt)
	if err != nil {
		return nil, err
	}
	sealed, err := security.EncryptChunk(data, key)
	if err != nil {
		return nil, err
	}
	return append(salt, sealed...), nil
}

// openBlob reverses sealBlob.
func openBlob(blob, secret []byte) ([]byte, error) {
	if len(blob) < saltLen {
		return nil, fmt.Errorf("encrypted blob too short: %d bytes", len(blob))
	}
	key, err := security.DeriveSharedKey(secret, blob[:saltLen])
	if err != nil {
		return nil, err
	}
	return security.DecryptChunk(blob[saltLen:], key)
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func baseName(path string) string {
	return filepath.Base(path)
}
