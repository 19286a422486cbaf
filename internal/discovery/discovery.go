// Package discovery announces the local node and learns peers, over
// UDP broadcast on the LAN profile and through the relay's peer
// registry when one is configured. Every announcement is a signed
// message; verification uses the pinned key for known peers and the
// advertised key on first contact.
package discovery

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/driftlab/driftshare/internal/peer"
	"github.com/driftlab/driftshare/internal/transport"
)

// DefaultBroadcastPort is the LAN discovery port.
const DefaultBroadcastPort = 8888

// RelayDirectory is the slice of the relay client used for
// relay-profile discovery.
type RelayDirectory interface {
	RegisterPeer(ctx context.Context, self peer.Identity) error
	PeerHeartbeat(ctx context.Context, peerID string) error
	ListPeers(ctx context.Context, excludePeerID string) ([]peer.Identity, error)
}

// Options configures a discovery Service.
type Options struct {
	BroadcastPort int
	BroadcastAddr string // defaults to the limited broadcast address
	Interval      time.Duration
	Relay         RelayDirectory // nil on the pure LAN profile
}

// Service emits Join and Heartbeat announcements and feeds verified
// announcements from other nodes into the peer registry.
type Service struct {
	self     peer.Identity
	priv     ed25519.PrivateKey
	registry *peer.Registry
	opts     Options

	conn *net.UDPConn
}

// announcePayload is the body of JOIN and HEARTBEAT broadcasts.
type announcePayload struct {
	PeerID       string `json:"peerId"`
	DisplayName  string `json:"displayName"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	TransferPort int    `json:"transferPort,omitempty"`
	PublicKey    string `json:"publicKey"` // hex
}

// NewService creates a discovery service for the local identity.
func NewService(self peer.Identity, priv ed25519.PrivateKey, registry *peer.Registry, opts Options) *Service {
	if opts.BroadcastPort == 0 {
		opts.BroadcastPort = DefaultBroadcastPort
	}
	if opts.BroadcastAddr == "" {
		opts.BroadcastAddr = "255.255.255.255"
	}
	if opts.Interval == 0 {
		opts.Interval = 15 * time.Second
	}
	return &Service{self: self, priv: priv, registry: registry, opts: opts}
}

// Serve runs the announce/listen/sweep loops until ctx is cancelled.
// It satisfies the supervisor's service contract.
func (s *Service) Serve(ctx context.Context) error {
	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: s.opts.BroadcastPort}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return fmt.Errorf("listen udp %d: %w", s.opts.BroadcastPort, err)
	}
	s.conn = conn
	defer conn.Close()

	go s.readLoop(ctx)

	if err := s.announce(transport.MsgJoin); err != nil {
		log.Printf("[discovery] join broadcast: %v", err)
	}
	s.relaySync(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Best-effort leave so peers drop us promptly.
			if err := s.announce(transport.MsgLeave); err != nil {
				log.Printf("[discovery] leave broadcast: %v", err)
			}
			return ctx.Err()
		case <-ticker.C:
			if err := s.announce(transport.MsgHeartbeat); err != nil {
				log.Printf("[discovery] heartbeat broadcast: %v", err)
			}
			s.relaySync(ctx)
			s.registry.Sweep(time.Now())
		}
	}
}

// announce broadcasts one signed announcement of the given type.
func (s *Service) announce(msgType string) error {
	body, err := json.Marshal(announcePayload{
		PeerID:       s.self.ID,
		DisplayName:  s.self.DisplayName,
		Host:         s.self.Host,
		Port:         s.self.Port,
		TransferPort: s.self.TransferPort,
		PublicKey:    hex.EncodeToString(s.self.PublicKey),
	})
	if err != nil {
		return err
	}

	msg := &transport.Message{
		Type:      msgType,
		ID:        uuid.NewString(),
		Sender:    transport.SenderInfo{PeerID: s.self.ID, PublicKey: hex.EncodeToString(s.self.PublicKey)},
		Timestamp: time.Now().Unix(),
		Payload:   body,
	}
	msg.Sign(s.priv)

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	dst := &net.UDPAddr{IP: net.ParseIP(s.opts.BroadcastAddr), Port: s.opts.BroadcastPort}
	if _, err := s.conn.WriteToUDP(raw, dst); err != nil {
		return fmt.Errorf("broadcast %s: %w", msgType, err)
	}
	return nil
}

func (s *Service) readLoop(ctx context.Context) {
	buf := make([]byte, 64<<10)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[discovery] read: %v", err)
			return
		}
		s.handlePacket(buf[:n], src)
	}
}

// handlePacket verifies and applies one inbound announcement.
func (s *Service) handlePacket(raw []byte, src *net.UDPAddr) {
	var msg transport.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Sender.PeerID == "" || msg.Sender.PeerID == s.self.ID {
		return
	}

	key := ed25519.PublicKey(s.registry.PinnedKey(msg.Sender.PeerID))
	if len(key) == 0 {
		embedded, err := msg.SenderKey()
		if err != nil {
			return
		}
		key = embedded
	}
	if err := msg.Verify(key); err != nil {
		log.Printf("[discovery] dropping %s from %s: %v", msg.Type, msg.Sender.PeerID, err)
		return
	}

	switch msg.Type {
	case transport.MsgJoin, transport.MsgHeartbeat:
		var p announcePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		pub, err := hex.DecodeString(p.PublicKey)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return
		}
		host := p.Host
		if host == "" && src != nil {
			host = src.IP.String()
		}
		id := peer.Identity{
			ID:           p.PeerID,
			DisplayName:  p.DisplayName,
			Host:         host,
			Port:         p.Port,
			TransferPort: p.TransferPort,
			PublicKey:    pub,
		}
		if err := s.registry.Join(id); err != nil {
			log.Printf("[discovery] rejecting %s: %v", p.PeerID, err)
			return
		}
		if msg.Type == transport.MsgHeartbeat {
			s.registry.Heartbeat(p.PeerID)
		}
	case transport.MsgLeave:
		s.registry.Leave(msg.Sender.PeerID)
	}
}

// relaySync registers and heartbeats with the relay, then merges the
// relay's peer list into the registry. Per-peer errors are swallowed; a
// bad relay must not break LAN discovery.
func (s *Service) relaySync(ctx context.Context) {
	if s.opts.Relay == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.opts.Relay.RegisterPeer(cctx, s.self); err != nil {
		log.Printf("[discovery] relay register: %v", err)
		return
	}
	if err := s.opts.Relay.PeerHeartbeat(cctx, s.self.ID); err != nil {
		log.Printf("[discovery] relay heartbeat: %v", err)
	}

	peers, err := s.opts.Relay.ListPeers(cctx, s.self.ID)
	if err != nil {
		log.Printf("[discovery] relay list: %v", err)
		return
	}
	for _, p := range peers {
		if err := s.registry.Join(p); err != nil {
			log.Printf("[discovery] rejecting relay peer %s: %v", p.ID, err)
			continue
		}
		s.registry.Heartbeat(p.ID)
	}
}
