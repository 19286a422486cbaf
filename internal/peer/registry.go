package peer

import (
	"bytes"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrKeyMismatch is returned when a peer claims a known ID under a
// different public key.
var ErrKeyMismatch = errors.New("peer public key does not match pinned key")

// EventType distinguishes registry lifecycle events.
type EventType int

const (
	EventDiscovered EventType = iota // Unknown -> Seen
	EventLost                        // Alive/Stale -> Lost
)

// Event is a peer lifecycle notification. Consumers (the UI wrapper)
// drain the channel; producers never call into consumer code.
type Event struct {
	Type EventType
	Peer Identity
}

type entry struct {
	mu       sync.Mutex
	identity Identity
	state    State
}

// Registry is the node-local set of known peers. Entries are pinned to
// the public key advertised in their first verified Join.
type Registry struct {
	peers  *xsync.MapOf[string, *entry]
	events chan Event

	heartbeatInterval time.Duration
}

// NewRegistry creates an empty registry. heartbeatInterval drives the
// Stale/Lost sweep thresholds.
func NewRegistry(heartbeatInterval time.Duration) *Registry {
	return &Registry{
		peers:             xsync.NewMapOf[string, *entry](),
		events:            make(chan Event, 64),
		heartbeatInterval: heartbeatInterval,
	}
}

// Events returns the lifecycle event channel. Events are dropped, not
// blocked on, when the consumer falls behind.
func (r *Registry) Events() <-chan Event { return r.events }

// Join records a verified Join announcement. The first Join pins the
// peer's public key; later Joins with a different key fail with
// ErrKeyMismatch.
func (r *Registry) Join(id Identity) error {
	id.LastSeen = time.Now()

	e, loaded := r.peers.LoadOrCompute(id.ID, func() *entry {
		return &entry{identity: id, state: Seen}
	})
	if !loaded {
		r.emit(Event{Type: EventDiscovered, Peer: id})
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !bytes.Equal(e.identity.PublicKey, id.PublicKey) {
		return ErrKeyMismatch
	}
	// Address and display name may legitimately change across restarts
	// of the same identity.
	e.identity.Host = id.Host
	e.identity.Port = id.Port
	e.identity.TransferPort = id.TransferPort
	e.identity.DisplayName = id.DisplayName
	e.identity.LastSeen = id.LastSeen
	if e.state == Lost || e.state == Unknown {
		e.state = Seen
		r.emit(Event{Type: EventDiscovered, Peer: e.identity})
	}
	return nil
}

// Heartbeat records a verified heartbeat from peerID. Heartbeats from
// unknown peers are ignored; a Join must come first.
func (r *Registry) Heartbeat(peerID string) {
	e, ok := r.peers.Load(peerID)
	if !ok {
		return
	}
	e.mu.Lock()
	e.identity.LastSeen = time.Now()
	if e.state == Seen || e.state == Stale {
		e.state = Alive
	}
	e.mu.Unlock()
}

// Leave removes a peer that announced an explicit departure.
func (r *Registry) Leave(peerID string) {
	if e, ok := r.peers.LoadAndDelete(peerID); ok {
		e.mu.Lock()
		id := e.identity
		e.state = Lost
		e.mu.Unlock()
		r.emit(Event{Type: EventLost, Peer: id})
	}
}

// Get returns the identity for peerID, if known.
func (r *Registry) Get(peerID string) (Identity, bool) {
	e, ok := r.peers.Load(peerID)
	if !ok {
		return Identity{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity, true
}

// PinnedKey returns the pinned public key for peerID, or nil.
func (r *Registry) PinnedKey(peerID string) []byte {
	e, ok := r.peers.Load(peerID)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity.PublicKey
}

// Alive returns all peers currently in the Seen, Alive, or Stale state.
func (r *Registry) Alive() []Identity {
	var out []Identity
	r.peers.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		if e.state == Seen || e.state == Alive || e.state == Stale {
			out = append(out, e.identity)
		}
		e.mu.Unlock()
		return true
	})
	return out
}

// Count returns the number of tracked (non-lost) peers.
func (r *Registry) Count() int {
	return len(r.Alive())
}

// Sweep advances peers through Stale and Lost according to missed
// heartbeat intervals and evicts the lost ones. It returns the number
// of peers evicted. Callers run it on a timer.
func (r *Registry) Sweep(now time.Time) int {
	evicted := 0
	r.peers.Range(func(id string, e *entry) bool {
		e.mu.Lock()
		missed := now.Sub(e.identity.LastSeen)
		var lost Identity
		isLost := false
		switch {
		case missed > 3*r.heartbeatInterval:
			lost = e.identity
			isLost = e.state == Alive || e.state == Stale || e.state == Seen
			e.state = Lost
		case missed > r.heartbeatInterval && e.state == Alive:
			e.state = Stale
		}
		e.mu.Unlock()

		if isLost {
			r.peers.Delete(id)
			evicted++
			r.emit(Event{Type: EventLost, Peer: lost})
		}
		return true
	})
	return evicted
}

func (r *Registry) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		log.Printf("[peer] event channel full, dropping %v for %s", ev.Type, ev.Peer.ID)
	}
}
