// Package peer tracks the identities and liveness of remote nodes. A
// peer's (ID, public key) pair is fixed for the life of its process; a
// peer claiming a known ID under a different key is rejected.
package peer

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"
)

// State is the liveness state of a tracked peer.
type State int

const (
	Unknown State = iota
	Seen          // verified Join received
	Alive         // at least one heartbeat after Join
	Stale         // one missed heartbeat interval
	Lost          // three missed intervals; evicted
)

func (s State) String() string {
	switch s {
	case Seen:
		return "seen"
	case Alive:
		return "alive"
	case Stale:
		return "stale"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// RelayHost is the sentinel host of a synthetic identity that points at
// the relay rather than a directly reachable peer.
const RelayHost = "relay"

// Identity describes one remote node. Port is the message channel;
// TransferPort is the binary chunk listener, which cannot share it.
type Identity struct {
	ID           string            `json:"peerId"`
	DisplayName  string            `json:"displayName"`
	Host         string            `json:"host"`
	Port         int               `json:"port"`
	TransferPort int               `json:"transferPort,omitempty"`
	PublicKey    ed25519.PublicKey `json:"publicKey"`
	LastSeen     time.Time         `json:"-"`
}

// Addr returns the peer's dialable message-channel host:port.
func (id Identity) Addr() string {
	return fmt.Sprintf("%s:%d", id.Host, id.Port)
}

// TransferAddr returns the dialable address of the peer's chunk
// listener. A peer that does not advertise one is assumed to run it on
// the port above its message port.
func (id Identity) TransferAddr() string {
	port := id.TransferPort
	if port == 0 {
		port = id.Port + 1
	}
	return fmt.Sprintf("%s:%d", id.Host, port)
}

// ViaRelay reports whether this identity is reachable only through the
// relay.
func (id Identity) ViaRelay() bool {
	return id.Host == "" || id.Host == RelayHost
}

// KeyFingerprint returns a short hex fingerprint for logs.
func (id Identity) KeyFingerprint() string {
	if len(id.PublicKey) < 8 {
		return "????????"
	}
	return hex.EncodeToString(id.PublicKey[:4])
}
