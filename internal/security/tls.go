package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"
)

// certLifetime is deliberately long; identity comes from the pinned
// Ed25519 key, not from certificate rotation.
const certLifetime = 10 * 365 * 24 * time.Hour

// LoadOrGenerateCert loads a self-signed TLS certificate from
// certPath/keyPath, generating and saving a fresh one if absent.
func LoadOrGenerateCert(certPath, keyPath, commonName string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		return cert, nil
	}
	if !os.IsNotExist(err) {
		if _, statErr := os.Stat(certPath); statErr == nil {
			return tls.Certificate{}, fmt.Errorf("load cert: %w", err)
		}
	}

	cert, certPEM, keyPEM, err := newSelfSignedCert(commonName)
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return tls.Certificate{}, fmt.Errorf("write cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return tls.Certificate{}, fmt.Errorf("write key: %w", err)
	}
	return cert, nil
}

// NewEphemeralCert generates a self-signed certificate that is never
// persisted. Used by tests and short-lived nodes.
func NewEphemeralCert(commonName string) (tls.Certificate, error) {
	cert, _, _, err := newSelfSignedCert(commonName)
	return cert, err
}

func newSelfSignedCert(commonName string) (tls.Certificate, []byte, []byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, nil, fmt.Errorf("generate cert key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(certLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, nil, nil, fmt.Errorf("create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, nil, nil, fmt.Errorf("marshal key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, nil, nil, fmt.Errorf("build keypair: %w", err)
	}
	return cert, certPEM, keyPEM, nil
}

// ServerTLSConfig returns the config for an authenticated listener.
// Client certificates are requested but any self-signed chain is
// accepted; trust comes from the Ed25519 key pinned after the first
// verified Join, not from the certificate CA.
func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientTLSConfig returns the config for dialing a peer. The server's
// self-signed chain is accepted on first contact (InsecureSkipVerify)
// and the subsequent signed Join pins the peer's stable key.
func ClientTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, // first-contact-accept; see package doc
		MinVersion:         tls.VersionTLS12,
	}
}
