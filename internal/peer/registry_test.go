package peer

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"
)

func testIdentity(t *testing.T, id string) Identity {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return Identity{ID: id, DisplayName: id, Host: "127.0.0.1", Port: 9000, PublicKey: pub}
}

func drainEvents(r *Registry) []Event {
	var out []Event
	for {
		select {
		case ev := <-r.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestTransferAddr(t *testing.T) {
	tests := []struct {
		name string
		id   Identity
		want string
	}{
		{"advertised", Identity{Host: "10.0.0.5", Port: 9400, TransferPort: 9455}, "10.0.0.5:9455"},
		{"fallback to next port", Identity{Host: "10.0.0.5", Port: 9400}, "10.0.0.5:9401"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.TransferAddr(); got != tt.want {
				t.Errorf("TransferAddr() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJoinUpdatesTransferPort(t *testing.T) {
	r := NewRegistry(time.Second)
	id := testIdentity(t, "peer-a")
	id.TransferPort = 9001
	if err := r.Join(id); err != nil {
		t.Fatal(err)
	}

	// Same identity comes back after a restart on different ports.
	id.Port = 9100
	id.TransferPort = 9101
	if err := r.Join(id); err != nil {
		t.Fatal(err)
	}
	got, ok := r.Get("peer-a")
	if !ok {
		t.Fatal("peer not retrievable")
	}
	if got.Port != 9100 || got.TransferPort != 9101 {
		t.Errorf("ports = %d/%d after re-join, want 9100/9101", got.Port, got.TransferPort)
	}
}

func TestJoinDiscoversOnce(t *testing.T) {
	r := NewRegistry(time.Second)
	id := testIdentity(t, "peer-a")

	if err := r.Join(id); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := r.Join(id); err != nil {
		t.Fatalf("second join: %v", err)
	}

	events := drainEvents(r)
	if len(events) != 1 || events[0].Type != EventDiscovered {
		t.Fatalf("events = %v, want one EventDiscovered", events)
	}
	if got, ok := r.Get("peer-a"); !ok || got.ID != "peer-a" {
		t.Fatal("joined peer not retrievable")
	}
}

func TestJoinRejectsKeyChange(t *testing.T) {
	r := NewRegistry(time.Second)
	if err := r.Join(testIdentity(t, "peer-a")); err != nil {
		t.Fatal(err)
	}

	imposter := testIdentity(t, "peer-a") // fresh key, same ID
	if err := r.Join(imposter); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("join with new key: err = %v, want ErrKeyMismatch", err)
	}
}

func TestHeartbeatRequiresJoin(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Heartbeat("stranger")
	if _, ok := r.Get("stranger"); ok {
		t.Fatal("heartbeat alone created a peer entry")
	}
}

func TestSweepStaleAndLost(t *testing.T) {
	r := NewRegistry(time.Second)
	id := testIdentity(t, "peer-a")
	if err := r.Join(id); err != nil {
		t.Fatal(err)
	}
	r.Heartbeat("peer-a")
	drainEvents(r)

	// One missed interval: still listed.
	r.Sweep(time.Now().Add(2 * time.Second))
	if len(r.Alive()) != 1 {
		t.Fatal("peer evicted after a single missed interval")
	}

	// Three missed intervals: evicted with an EventLost.
	evicted := r.Sweep(time.Now().Add(4 * time.Second))
	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if len(r.Alive()) != 0 {
		t.Fatal("lost peer still listed")
	}
	events := drainEvents(r)
	if len(events) != 1 || events[0].Type != EventLost {
		t.Fatalf("events = %v, want one EventLost", events)
	}
}

func TestRejoinAfterLost(t *testing.T) {
	r := NewRegistry(time.Second)
	id := testIdentity(t, "peer-a")
	if err := r.Join(id); err != nil {
		t.Fatal(err)
	}
	r.Sweep(time.Now().Add(time.Minute))
	drainEvents(r)

	// Same identity (same key) comes back.
	if err := r.Join(id); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	events := drainEvents(r)
	if len(events) != 1 || events[0].Type != EventDiscovered {
		t.Fatalf("events = %v, want one EventDiscovered on rejoin", events)
	}
}

func TestLeave(t *testing.T) {
	r := NewRegistry(time.Second)
	if err := r.Join(testIdentity(t, "peer-a")); err != nil {
		t.Fatal(err)
	}
	drainEvents(r)

	r.Leave("peer-a")
	if _, ok := r.Get("peer-a"); ok {
		t.Fatal("peer still present after Leave")
	}
	events := drainEvents(r)
	if len(events) != 1 || events[0].Type != EventLost {
		t.Fatalf("events = %v, want one EventLost", events)
	}
}

func TestViaRelay(t *testing.T) {
	if (Identity{Host: "relay"}).ViaRelay() != true {
		t.Error("sentinel relay host not detected")
	}
	if (Identity{Host: ""}).ViaRelay() != true {
		t.Error("empty host not treated as relay-only")
	}
	if (Identity{Host: "10.0.0.2"}).ViaRelay() {
		t.Error("real host misclassified as relay-only")
	}
}
