package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	readLimit   = 8 << 20 // manifests with inline snippets stay well below this
	dialTimeout = 5 * time.Second
)

// peerConn wraps a websocket connection with a write mutex.
// gorilla/websocket connections do not support concurrent writers, so
// every write is serialized per connection.
type peerConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// KeyResolver returns the pinned public key for a peer, or nil when the
// peer is unknown (first contact).
type KeyResolver func(peerID string) ed25519.PublicKey

// Handler receives verified inbound messages.
type Handler func(msg *Message, from string)

// Transport manages authenticated WebSocket-over-TLS connections to
// peers. Outbound messages are signed automatically; inbound messages
// are verified against the pinned key when one exists, or the key the
// sender advertises on first contact. Messages failing verification
// are dropped and logged, never dispatched.
type Transport struct {
	mu       sync.RWMutex
	selfID   string
	selfName string
	privKey  ed25519.PrivateKey
	pubHex   string
	resolve  KeyResolver
	conns    map[string]*peerConn
	handlers map[string]Handler
	pending  map[string]chan *Message
	listener net.Listener
	server   *http.Server
	tlsCert  tls.Certificate
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New creates a Transport for the local node.
func New(selfID, displayName string, pub ed25519.PublicKey, priv ed25519.PrivateKey, cert tls.Certificate, resolve KeyResolver) *Transport {
	return &Transport{
		selfID:   selfID,
		selfName: displayName,
		privKey:  priv,
		pubHex:   hex.EncodeToString(pub),
		resolve:  resolve,
		conns:    make(map[string]*peerConn),
		handlers: make(map[string]Handler),
		pending:  make(map[string]chan *Message),
		tlsCert:  cert,
	}
}

// Listen starts the TLS WebSocket server. Port 0 picks a free port;
// Addr reports the bound address.
func (t *Transport) Listen(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	t.listener = tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{t.tlsCert},
		MinVersion:   tls.VersionTLS12,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", t.handleWS)

	t.server = &http.Server{Handler: mux}
	go t.server.Serve(t.listener) //nolint:errcheck
	return nil
}

func (t *Transport) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(readLimit)

	// The remote peer ID is learned from its first verified message.
	pc := &peerConn{conn: conn}
	go t.readLoop(pc, "", true)
}

// Connect establishes an outbound connection to a peer and identifies
// this node with a signed hello. The remote's self-signed certificate
// is accepted; integrity comes from message signatures.
func (t *Transport) Connect(address, peerID string) error {
	t.mu.RLock()
	_, connected := t.conns[peerID]
	t.mu.RUnlock()
	if connected {
		return nil
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12},
		HandshakeTimeout: dialTimeout,
	}
	conn, _, err := dialer.Dial(fmt.Sprintf("wss://%s/ws", address), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	conn.SetReadLimit(readLimit)

	pc := &peerConn{conn: conn}
	t.mu.Lock()
	t.conns[peerID] = pc
	t.mu.Unlock()

	hello := &Message{Type: MsgHeartbeat, ID: uuid.NewString(), Payload: json.RawMessage(`{}`)}
	if err := t.write(pc, hello); err != nil {
		t.Disconnect(peerID)
		return fmt.Errorf("write hello: %w", err)
	}

	go t.readLoop(pc, peerID, false)
	return nil
}

// write stamps, signs, and sends msg on pc.
func (t *Transport) write(pc *peerConn, msg *Message) error {
	msg.Sender.PeerID = t.selfID
	msg.Sender.DisplayName = t.selfName
	msg.Sender.Address = t.Addr()
	msg.Sender.PublicKey = t.pubHex
	msg.Timestamp = time.Now().Unix()
	msg.Sign(t.privKey)

	pc.wmu.Lock()
	defer pc.wmu.Unlock()
	return pc.conn.WriteJSON(msg)
}

func (t *Transport) readLoop(pc *peerConn, peerID string, inbound bool) {
	identified := !inbound
	defer func() {
		pc.conn.Close()
		if identified {
			t.mu.Lock()
			if existing, ok := t.conns[peerID]; ok && existing == pc {
				delete(t.conns, peerID)
			}
			t.mu.Unlock()
		}
	}()

	for {
		var msg Message
		if err := pc.conn.ReadJSON(&msg); err != nil {
			return
		}

		if !t.verify(&msg) {
			log.Printf("[transport] dropping %s from %s: bad signature", msg.Type, msg.Sender.PeerID)
			continue
		}

		if !identified {
			peerID = msg.Sender.PeerID
			t.mu.Lock()
			t.conns[peerID] = pc
			t.mu.Unlock()
			identified = true
		}

		// Correlated reply to an in-flight request?
		if msg.InReplyTo != "" {
			t.mu.Lock()
			ch, ok := t.pending[msg.InReplyTo]
			if ok {
				delete(t.pending, msg.InReplyTo)
			}
			t.mu.Unlock()
			if ok {
				ch <- &msg
				continue
			}
		}

		t.mu.RLock()
		handler := t.handlers[msg.Type]
		t.mu.RUnlock()
		if handler != nil {
			handler(&msg, peerID)
		}
	}
}

// verify checks a message signature against the pinned key when one
// exists, or the embedded sender key on first contact.
func (t *Transport) verify(msg *Message) bool {
	key := t.resolve(msg.Sender.PeerID)
	if key == nil {
		embedded, err := msg.SenderKey()
		if err != nil {
			return false
		}
		key = embedded
	}
	return msg.Verify(key) == nil
}

// Handle registers the handler for one message type. Registration must
// happen before traffic arrives; there is one handler per type.
func (t *Transport) Handle(msgType string, h Handler) {
	t.mu.Lock()
	t.handlers[msgType] = h
	t.mu.Unlock()
}

// Send signs and sends a message to a connected peer.
func (t *Transport) Send(peerID string, msg *Message) error {
	t.mu.RLock()
	pc, ok := t.conns[peerID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("not connected to peer %s", peerID)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err := t.write(pc, msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// SendTo connects to address if needed and then sends.
func (t *Transport) SendTo(address, peerID string, msg *Message) error {
	if err := t.Connect(address, peerID); err != nil {
		return err
	}
	return t.Send(peerID, msg)
}

// Request sends msg and waits for the correlated reply (InReplyTo ==
// msg.ID) until ctx is done.
func (t *Transport) Request(ctx context.Context, peerID string, msg *Message) (*Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	ch := make(chan *Message, 1)
	t.mu.Lock()
	t.pending[msg.ID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, msg.ID)
		t.mu.Unlock()
	}()

	if err := t.Send(peerID, msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond sends a correlated reply to an earlier request.
func (t *Transport) Respond(peerID, requestID, msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return t.Send(peerID, &Message{
		Type:      msgType,
		ID:        uuid.NewString(),
		InReplyTo: requestID,
		Payload:   raw,
	})
}

// Disconnect closes the connection to a specific peer.
func (t *Transport) Disconnect(peerID string) {
	t.mu.Lock()
	pc, ok := t.conns[peerID]
	if ok {
		delete(t.conns, peerID)
	}
	t.mu.Unlock()
	if ok {
		pc.conn.Close()
	}
}

// ConnectedPeers returns the IDs of all currently connected peers.
func (t *Transport) ConnectedPeers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]string, 0, len(t.conns))
	for id := range t.conns {
		peers = append(peers, id)
	}
	return peers
}

// Close shuts down the listener and all peer connections.
func (t *Transport) Close() {
	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		t.server.Shutdown(ctx) //nolint:errcheck
	}

	t.mu.Lock()
	for id, pc := range t.conns {
		pc.conn.Close()
		delete(t.conns, id)
	}
	t.mu.Unlock()
}

// Addr returns the listener's bound address, or "" before Listen.
func (t *Transport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}
