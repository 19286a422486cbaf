// Package preview generates, signs, caches, and serves typed file
// summaries: a peer can inspect a thumbnail, text snippet, or archive
// listing before committing to a download. Manifests are signed by the
// file owner and verified against the pinned key before any other
// field is trusted.
package preview

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// Type names one preview representation.
type Type string

const (
	TypeThumbnail      Type = "thumbnail"
	TypeTextSnippet    Type = "text-snippet"
	TypeArchiveListing Type = "archive-listing"
	TypeMetadataOnly   Type = "metadata-only"
)

// ErrNotFound means no manifest or content exists for the file hash.
var ErrNotFound = errors.New("preview not found")

// ErrForbidden means the owner disallows previews for the requester.
var ErrForbidden = errors.New("preview forbidden")

// ErrBadSignature means a received manifest failed verification and
// must be discarded.
var ErrBadSignature = errors.New("manifest signature invalid")

// ArchiveEntry is one row of an archive listing.
type ArchiveEntry struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"isDirectory"`
}

// Manifest is the signed summary of a shared file's available
// previews. Everything beyond the identity and signature fields is
// untrusted until Verify succeeds.
type Manifest struct {
	FileHash     string `json:"fileHash"`
	FileName     string `json:"fileName"`
	FileSize     int64  `json:"fileSize"`
	MimeType     string `json:"mimeType"`
	LastModified int64  `json:"lastModified"` // unix millis

	AvailableTypes []Type          `json:"availableTypes"`
	PreviewHashes  map[Type]string `json:"previewHashes,omitempty"`

	Snippet           []byte         `json:"snippet,omitempty"`
	ArchiveListing    []ArchiveEntry `json:"archiveListing,omitempty"`
	TotalUncompressed int64          `json:"totalUncompressed,omitempty"`

	ExtraMetadata    map[string]string `json:"extraMetadata,omitempty"`
	AllowPreview     bool              `json:"allowPreview"`
	TrustedPeersOnly []string          `json:"trustedPeersOnly,omitempty"`

	OwnerPeerID string `json:"ownerPeerId"`
	Timestamp   int64  `json:"timestamp"` // unix millis
	Signature   string `json:"signature"` // hex Ed25519
}

// Content is one concrete preview representation, returned on demand.
type Content struct {
	FileHash  string `json:"fileHash"`
	Type      Type   `json:"type"`
	Data      []byte `json:"data"`
	DataHash  string `json:"dataHash"`
	Format    string `json:"format,omitempty"` // "jpeg", "utf-8", "json"
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// signable is the canonical byte string covered by the signature.
func (m *Manifest) signable() []byte {
	return []byte(m.FileHash + "|" + m.FileName + "|" +
		strconv.FormatInt(m.FileSize, 10) + "|" + m.MimeType + "|" +
		strconv.FormatInt(m.Timestamp, 10) + "|" + m.OwnerPeerID)
}

// Sign stamps the manifest and signs it with the owner's key.
func (m *Manifest) Sign(priv ed25519.PrivateKey) {
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	m.Signature = hex.EncodeToString(ed25519.Sign(priv, m.signable()))
}

// Verify checks the signature under the given owner key.
func (m *Manifest) Verify(pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return ErrBadSignature
	}
	sig, err := hex.DecodeString(m.Signature)
	if err != nil || !ed25519.Verify(pub, m.signable(), sig) {
		return ErrBadSignature
	}
	return nil
}

// Supports reports whether the manifest offers the given type.
func (m *Manifest) Supports(t Type) bool {
	for _, at := range m.AvailableTypes {
		if at == t {
			return true
		}
	}
	return false
}

// PermitsPeer applies the owner's preview policy to a requester.
func (m *Manifest) PermitsPeer(peerID string) bool {
	if !m.AllowPreview {
		return false
	}
	if len(m.TrustedPeersOnly) == 0 {
		return true
	}
	for _, id := range m.TrustedPeersOnly {
		if id == peerID {
			return true
		}
	}
	return false
}

// hashData is the digest recorded in PreviewHashes and Content.DataHash.
func hashData(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
