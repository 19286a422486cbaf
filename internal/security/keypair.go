// Package security owns the node's long-lived keypair, its TLS
// material, and the symmetric chunk cipher. Signing uses Ed25519;
// channels are mutually authenticated TLS anchored at a locally
// generated self-signed root with first-contact-accept semantics (the
// peer's stable public key is pinned afterwards by the peer registry).
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
)

// LoadOrGenerateKeypair loads an Ed25519 keypair from path, or generates
// a new one and saves it if the file doesn't exist. The file holds the
// 32-byte seed.
func LoadOrGenerateKeypair(path string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != ed25519.SeedSize {
			return nil, nil, fmt.Errorf("invalid key file: expected %d bytes, got %d", ed25519.SeedSize, len(data))
		}
		priv := ed25519.NewKeyFromSeed(data)
		pub := priv.Public().(ed25519.PublicKey)
		return pub, priv, nil
	}

	if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("read key file: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate keypair: %w", err)
	}

	if err := os.WriteFile(path, priv.Seed(), 0600); err != nil {
		return nil, nil, fmt.Errorf("write key file: %w", err)
	}

	return pub, priv, nil
}

// Sign signs data with the node's private key.
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// Verify reports whether sig is a valid signature of data under pub.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
