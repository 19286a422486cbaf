// Package transport provides the authenticated message channel between
// peers: WebSocket over self-signed TLS carrying signed JSON envelopes.
// Search, PIN, and preview traffic ride this channel; bulk file
// transfer uses its own binary protocol (see internal/transfer).
package transport

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// Message types.
const (
	MsgJoin           = "JOIN"
	MsgHeartbeat      = "HEARTBEAT"
	MsgLeave          = "LEAVE"
	MsgSearch         = "SEARCH"
	MsgSearchResult   = "SEARCH_RESULT"
	MsgPinAnnounce    = "PIN_ANNOUNCE"
	MsgPinCancel      = "PIN_CANCEL"
	MsgGetManifest    = "GET_MANIFEST"
	MsgManifest       = "MANIFEST"
	MsgGetContent     = "GET_CONTENT"
	MsgPreviewContent = "PREVIEW_CONTENT"
	MsgError          = "ERROR"
)

// SenderInfo identifies the message sender. The public key is used for
// verification on first contact only; thereafter the pinned key wins.
type SenderInfo struct {
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name,omitempty"`
	Address     string `json:"address,omitempty"`
	PublicKey   string `json:"public_key,omitempty"` // hex Ed25519
}

// Message is the common envelope for all channel messages.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	InReplyTo string          `json:"in_reply_to,omitempty"`
	Sender    SenderInfo      `json:"sender"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature,omitempty"`
}

// signable returns the bytes that are signed.
func (m *Message) signable() []byte {
	return []byte(m.Type + m.ID + m.InReplyTo + m.Sender.PeerID + strconv.FormatInt(m.Timestamp, 10) + string(m.Payload))
}

// Sign signs the message with the given private key.
func (m *Message) Sign(priv ed25519.PrivateKey) {
	sig := ed25519.Sign(priv, m.signable())
	m.Signature = hex.EncodeToString(sig)
}

// Verify checks the message signature against the given public key.
func (m *Message) Verify(pub ed25519.PublicKey) error {
	if m.Signature == "" {
		return fmt.Errorf("message has no signature")
	}
	sig, err := hex.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key length %d", len(pub))
	}
	if !ed25519.Verify(pub, m.signable(), sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// SenderKey decodes the public key embedded in the sender info.
func (m *Message) SenderKey() (ed25519.PublicKey, error) {
	if m.Sender.PublicKey == "" {
		return nil, fmt.Errorf("sender carries no public key")
	}
	raw, err := hex.DecodeString(m.Sender.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid sender key hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid sender key length %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ErrorPayload is the body of an ERROR reply.
type ErrorPayload struct {
	Error string `json:"error"`
}
