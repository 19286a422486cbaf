package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/driftlab/driftshare/internal/security"
)

type testNode struct {
	id   string
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
	tr   *Transport
}

// newTestNode starts a transport with no pinned keys, so verification
// falls back to the key each sender embeds (first-contact-accept).
func newTestNode(t *testing.T, id string) *testNode {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := security.NewEphemeralCert(id)
	if err != nil {
		t.Fatal(err)
	}
	tr := New(id, id, pub, priv, cert, func(string) ed25519.PublicKey { return nil })
	if err := tr.Listen(0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tr.Close)
	return &testNode{id: id, pub: pub, priv: priv, tr: tr}
}

func TestSendDeliversVerifiedMessage(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")

	got := make(chan *Message, 1)
	b.tr.Handle(MsgSearch, func(msg *Message, from string) {
		if from == "node-a" {
			got <- msg
		}
	})

	if err := a.tr.Connect(b.tr.Addr(), "node-b"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	payload, _ := json.Marshal(map[string]string{"query": "alpha"})
	if err := a.tr.Send("node-b", &Message{Type: MsgSearch, Payload: payload}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Sender.PeerID != "node-a" {
			t.Errorf("sender = %q, want node-a", msg.Sender.PeerID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestDroppedWhenSignatureInvalid(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")

	// Pin a key for node-a on b's side that does NOT match a's real key,
	// so every message from a must fail verification.
	wrongPub, _, _ := ed25519.GenerateKey(rand.Reader)
	b.tr.resolve = func(peerID string) ed25519.PublicKey {
		if peerID == "node-a" {
			return wrongPub
		}
		return nil
	}

	got := make(chan *Message, 1)
	b.tr.Handle(MsgSearch, func(msg *Message, from string) { got <- msg })

	if err := a.tr.Connect(b.tr.Addr(), "node-b"); err != nil {
		t.Fatal(err)
	}
	if err := a.tr.Send("node-b", &Message{Type: MsgSearch, Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-got:
		t.Fatal("message with unverifiable signature was dispatched")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestRequestResponse(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")

	b.tr.Handle(MsgGetManifest, func(msg *Message, from string) {
		_ = b.tr.Respond(from, msg.ID, MsgManifest, map[string]string{"file": "doc.pdf"})
	})

	if err := a.tr.Connect(b.tr.Addr(), "node-b"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := a.tr.Request(ctx, "node-b", &Message{Type: MsgGetManifest, Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Type != MsgManifest {
		t.Errorf("reply type = %q, want MANIFEST", reply.Type)
	}

	var body map[string]string
	if err := json.Unmarshal(reply.Payload, &body); err != nil {
		t.Fatal(err)
	}
	if body["file"] != "doc.pdf" {
		t.Errorf("reply payload = %v", body)
	}
}

func TestRequestTimesOut(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")
	// b registers no handler, so the request never gets a reply.

	if err := a.tr.Connect(b.tr.Addr(), "node-b"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := a.tr.Request(ctx, "node-b", &Message{Type: MsgGetManifest, Payload: json.RawMessage(`{}`)}); err == nil {
		t.Fatal("request without reply did not time out")
	}
}

func TestInboundConnectionIdentified(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")

	if err := a.tr.Connect(b.tr.Addr(), "node-b"); err != nil {
		t.Fatal(err)
	}

	// The hello message identifies a on b's side; b can then send back
	// over the same connection.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, id := range b.tr.ConnectedPeers() {
			if id == "node-a" {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("inbound connection never registered under the sender's peer ID")
}
