// Package pin implements the six-digit rendezvous code: an owner binds
// a PIN to a shared file, announces it (signed) to every known peer,
// and optionally registers it on the relay so receivers outside the
// LAN can resolve it.
package pin

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/driftlab/driftshare/internal/peer"
	"github.com/driftlab/driftshare/internal/relay"
	"github.com/driftlab/driftshare/internal/share"
	"github.com/driftlab/driftshare/internal/transport"
)

const (
	// DefaultLifetime is how long a PIN stays resolvable.
	DefaultLifetime = 10 * time.Minute

	// sweepEvery is the expiry sweeper cadence.
	sweepEvery = 5 * time.Second
)

// ErrNotFound means the PIN is unknown locally and, when a relay is
// configured, unknown there too.
var ErrNotFound = errors.New("unknown pin")

// Session is one live PIN binding.
type Session struct {
	Pin       string
	File      share.File
	Owner     peer.Identity
	RelayRef  *relay.FileRef // set when the file is also relay-hosted
	ExpiresAt time.Time
}

// Expired reports whether the session has passed its lifetime.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// RelayPins is the slice of the relay client the PIN service uses.
type RelayPins interface {
	CreatePin(ctx context.Context, pin string, ref *relay.FileRef, expiresAt time.Time) error
	FindPin(ctx context.Context, pin string) (*relay.PinBinding, error)
}

// Event is a PIN lifecycle notification drained by the UI layer.
type Event struct {
	Kind string // "expired"
	Pin  string
}

// Service owns the local PIN cache and the announce/resolve protocol.
type Service struct {
	self     peer.Identity
	priv     ed25519.PrivateKey
	tr       *transport.Transport
	registry *peer.Registry
	relay    RelayPins // nil on LAN-only nodes
	lifetime time.Duration

	sessions *xsync.MapOf[string, *Session]
	events   chan Event
}

// NewService wires the PIN layer. Call Start to register its
// transport handlers and Serve to run the expiry sweeper.
func NewService(self peer.Identity, priv ed25519.PrivateKey, tr *transport.Transport, registry *peer.Registry, relayPins RelayPins, lifetime time.Duration) *Service {
	if lifetime == 0 {
		lifetime = DefaultLifetime
	}
	return &Service{
		self:     self,
		priv:     priv,
		tr:       tr,
		registry: registry,
		relay:    relayPins,
		lifetime: lifetime,
		sessions: xsync.NewMapOf[string, *Session](),
		events:   make(chan Event, 64),
	}
}

// Start registers the transport handlers.
func (s *Service) Start() {
	s.tr.Handle(transport.MsgPinAnnounce, s.handleAnnounce)
	s.tr.Handle(transport.MsgPinCancel, s.handleCancel)
}

// Events is the lifecycle notification channel.
func (s *Service) Events() <-chan Event { return s.events }

// announcePayload travels in PIN announce and cancel messages. The
// inner signature covers "PIN:<pin>:<fileName>" under the owner's key,
// independent of the envelope signature.
type announcePayload struct {
	Pin         string `json:"pin"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	FileHash    string `json:"fileHash,omitempty"`
	OwnerPeerID string `json:"ownerPeerId"`
	OwnerHost   string `json:"ownerHost"`
	OwnerPort   int    `json:"ownerPort"`
	PublicKey   string `json:"publicKey"` // hex
	ExpiresAt   int64  `json:"expiresAt"` // unix millis
	Signature   string `json:"signature"` // hex over the canonical string
}

func canonical(pin, fileName string) []byte {
	return []byte("PIN:" + pin + ":" + fileName)
}

// Create draws a unique PIN for file, stores the session, announces it
// to every alive peer, and registers it on the relay when the file has
// a relay ref.
func (s *Service) Create(ctx context.Context, file share.File, relayRef *relay.FileRef) (*Session, error) {
	sess := &Session{
		File:      file,
		Owner:     s.self,
		RelayRef:  relayRef,
		ExpiresAt: time.Now().Add(s.lifetime),
	}

	// Uniqueness is an atomic check-and-insert on the PIN key; a
	// colliding draw is simply re-drawn.
	for {
		pin, err := drawPin()
		if err != nil {
			return nil, err
		}
		sess.Pin = pin
		if _, loaded := s.sessions.LoadOrStore(pin, sess); !loaded {
			break
		}
	}

	s.broadcast(transport.MsgPinAnnounce, sess)

	if s.relay != nil && relayRef != nil {
		if err := s.relay.CreatePin(ctx, sess.Pin, relayRef, sess.ExpiresAt); err != nil {
			log.Printf("[pin] relay registration for %s: %v", sess.Pin, err)
		}
	}
	return sess, nil
}

// Cancel withdraws a PIN this node owns and tells the peers.
func (s *Service) Cancel(pin string) {
	sess, ok := s.sessions.LoadAndDelete(pin)
	if !ok || sess.Owner.ID != s.self.ID {
		return
	}
	s.broadcast(transport.MsgPinCancel, sess)
}

// Lookup resolves a PIN: local cache first, then the relay. A relay
// hit yields a session whose owner is a synthetic relay-hosted peer.
func (s *Service) Lookup(ctx context.Context, pin string) (*Session, error) {
	if sess, ok := s.sessions.Load(pin); ok {
		if sess.Expired(time.Now()) {
			s.sessions.Delete(pin)
			return nil, ErrNotFound
		}
		return sess, nil
	}
	if s.relay == nil {
		return nil, ErrNotFound
	}

	binding, err := s.relay.FindPin(ctx, pin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return &Session{
		Pin: pin,
		File: share.File{
			LogicalName: binding.File.FileName,
			Size:        binding.File.FileSize,
			FileHash:    binding.File.FileHash,
			OwnerPeerID: binding.File.SenderID,
		},
		Owner: peer.Identity{
			ID:          binding.File.SenderID,
			DisplayName: binding.File.SenderID,
			Host:        peer.RelayHost,
		},
		RelayRef:  binding.File,
		ExpiresAt: time.UnixMilli(binding.ExpiresAt),
	}, nil
}

// Serve runs the expiry sweeper until ctx is cancelled.
func (s *Service) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sweepEvery):
			s.sweep(time.Now())
		}
	}
}

func (s *Service) sweep(now time.Time) {
	s.sessions.Range(func(pin string, sess *Session) bool {
		if sess.Expired(now) {
			s.sessions.Delete(pin)
			select {
			case s.events <- Event{Kind: "expired", Pin: pin}:
			default:
			}
		}
		return true
	})
}

// broadcast sends a signed PIN message to every currently-alive peer.
// Per-peer failures are logged and skipped.
func (s *Service) broadcast(msgType string, sess *Session) {
	payload := announcePayload{
		Pin:         sess.Pin,
		FileName:    sess.File.LogicalName,
		FileSize:    sess.File.Size,
		FileHash:    sess.File.FileHash,
		OwnerPeerID: s.self.ID,
		OwnerHost:   s.self.Host,
		OwnerPort:   s.self.Port,
		PublicKey:   hex.EncodeToString(s.self.PublicKey),
		ExpiresAt:   sess.ExpiresAt.UnixMilli(),
		Signature:   hex.EncodeToString(ed25519.Sign(s.priv, canonical(sess.Pin, sess.File.LogicalName))),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	for _, p := range s.registry.Alive() {
		if p.ViaRelay() {
			continue
		}
		msg := &transport.Message{Type: msgType, Payload: body}
		if err := s.tr.SendTo(p.Addr(), p.ID, msg); err != nil {
			log.Printf("[pin] announce to %s: %v", p.ID, err)
		}
	}
}

// handleAnnounce verifies and caches a PIN announced by another node.
func (s *Service) handleAnnounce(msg *transport.Message, from string) {
	var p announcePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	if !s.verifyPayload(&p) {
		log.Printf("[pin] dropping announcement of %s from %s: bad signature", p.Pin, from)
		return
	}

	key, _ := hex.DecodeString(p.PublicKey)
	sess := &Session{
		Pin: p.Pin,
		File: share.File{
			LogicalName: p.FileName,
			Size:        p.FileSize,
			FileHash:    p.FileHash,
			OwnerPeerID: p.OwnerPeerID,
		},
		Owner: peer.Identity{
			ID:        p.OwnerPeerID,
			Host:      p.OwnerHost,
			Port:      p.OwnerPort,
			PublicKey: key,
		},
		ExpiresAt: time.UnixMilli(p.ExpiresAt),
	}
	s.sessions.Store(p.Pin, sess)
}

// handleCancel removes a PIN withdrawn by its owner. Only the original
// owner's signature is honored.
func (s *Service) handleCancel(msg *transport.Message, from string) {
	var p announcePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	if !s.verifyPayload(&p) {
		return
	}
	sess, ok := s.sessions.Load(p.Pin)
	if !ok || sess.Owner.ID != p.OwnerPeerID {
		return
	}
	s.sessions.Delete(p.Pin)
}

// verifyPayload checks the inner signature, preferring the pinned key
// over the one embedded in the payload.
func (s *Service) verifyPayload(p *announcePayload) bool {
	sig, err := hex.DecodeString(p.Signature)
	if err != nil {
		return false
	}
	key := ed25519.PublicKey(s.registry.PinnedKey(p.OwnerPeerID))
	if len(key) == 0 {
		raw, err := hex.DecodeString(p.PublicKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return false
		}
		key = raw
	}
	return ed25519.Verify(key, canonical(p.Pin, p.FileName), sig)
}

// Count returns the number of live cached sessions.
func (s *Service) Count() int { return s.sessions.Size() }

// NewCode draws a random PIN without binding it to a session. Callers
// registering directly with the relay use this.
func NewCode() (string, error) { return drawPin() }

// drawPin returns six uniform decimal digits.
func drawPin() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("draw pin: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
