package preview

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/driftlab/driftshare/internal/chunk"
	"github.com/driftlab/driftshare/internal/peer"
	"github.com/driftlab/driftshare/internal/share"
	"github.com/driftlab/driftshare/internal/transport"
)

const (
	manifestCacheSize = 512
	contentCacheSize  = 128
)

// Service owns the preview caches and the request/response protocol on
// the authenticated channel. The same service acts as server for local
// shares and as client for remote manifests.
type Service struct {
	self     peer.Identity
	tr       *transport.Transport
	registry *peer.Registry
	index    *share.Index
	gen      *Generator

	manifests *lru.Cache[string, *Manifest] // by file hash
	contents  *lru.Cache[string, *Content]  // by file hash + "/" + type
}

// NewService wires the preview layer. Call Start to register its
// transport handlers.
func NewService(self peer.Identity, priv ed25519.PrivateKey, tr *transport.Transport, registry *peer.Registry, index *share.Index, opts Options) *Service {
	manifests, _ := lru.New[string, *Manifest](manifestCacheSize)
	contents, _ := lru.New[string, *Content](contentCacheSize)
	return &Service{
		self:      self,
		tr:        tr,
		registry:  registry,
		index:     index,
		gen:       NewGenerator(self.ID, priv, opts),
		manifests: manifests,
		contents:  contents,
	}
}

// Start registers the transport handlers.
func (s *Service) Start() {
	s.tr.Handle(transport.MsgGetManifest, s.handleGetManifest)
	s.tr.Handle(transport.MsgGetContent, s.handleGetContent)
}

// Share indexes a local file and synchronously generates its signed
// manifest, so previews are servable the moment the file is announced.
func (s *Service) Share(path string) (share.File, *Manifest, error) {
	f, err := s.index.Add(path)
	if err != nil {
		return share.File{}, nil, err
	}
	hash, err := s.index.Hash(f.LocalPath)
	if err != nil {
		return share.File{}, nil, err
	}
	f.FileHash = hash

	m, contents, err := s.gen.Generate(f, hash)
	if err != nil {
		return share.File{}, nil, fmt.Errorf("generate preview: %w", err)
	}
	s.cache(m, contents)
	return f, m, nil
}

// Manifest returns the locally cached manifest for a file hash.
func (s *Service) Manifest(fileHash string) (*Manifest, bool) {
	return s.manifests.Get(fileHash)
}

func (s *Service) cache(m *Manifest, contents map[Type]*Content) {
	s.manifests.Add(m.FileHash, m)
	for t, c := range contents {
		s.contents.Add(contentKey(m.FileHash, t), c)
	}
}

func contentKey(fileHash string, t Type) string {
	return fileHash + "/" + string(t)
}

type manifestRequest struct {
	FileHash string `json:"fileHash"`
}

type contentRequest struct {
	FileHash string `json:"fileHash"`
	Type     Type   `json:"type"`
}

func (s *Service) handleGetManifest(msg *transport.Message, from string) {
	var req manifestRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	m, ok := s.manifests.Get(req.FileHash)
	if !ok {
		s.respondErr(from, msg.ID, "not found")
		return
	}
	if !m.PermitsPeer(from) {
		s.respondErr(from, msg.ID, "forbidden")
		return
	}
	if err := s.tr.Respond(from, msg.ID, transport.MsgManifest, m); err != nil {
		log.Printf("[preview] manifest reply to %s: %v", from, err)
	}
}

func (s *Service) handleGetContent(msg *transport.Message, from string) {
	var req contentRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	m, ok := s.manifests.Get(req.FileHash)
	if !ok {
		s.respondErr(from, msg.ID, "not found")
		return
	}
	if !m.PermitsPeer(from) {
		s.respondErr(from, msg.ID, "forbidden")
		return
	}

	c, ok := s.contents.Get(contentKey(req.FileHash, req.Type))
	if !ok && m.Supports(req.Type) {
		c, ok = s.regenerate(req.FileHash, req.Type)
	}
	if !ok {
		s.respondErr(from, msg.ID, "not found")
		return
	}
	if err := s.tr.Respond(from, msg.ID, transport.MsgPreviewContent, c); err != nil {
		log.Printf("[preview] content reply to %s: %v", from, err)
	}
}

// regenerate rebuilds evicted content from the source file.
func (s *Service) regenerate(fileHash string, t Type) (*Content, bool) {
	f, ok := s.index.ByHash(fileHash)
	if !ok {
		return nil, false
	}
	m, contents, err := s.gen.Generate(f, fileHash)
	if err != nil {
		log.Printf("[preview] regenerate %s: %v", f.LogicalName, err)
		return nil, false
	}
	s.cache(m, contents)
	c, ok := contents[t]
	return c, ok
}

func (s *Service) respondErr(peerID, requestID, reason string) {
	if err := s.tr.Respond(peerID, requestID, transport.MsgError, transport.ErrorPayload{Error: reason}); err != nil {
		log.Printf("[preview] error reply to %s: %v", peerID, err)
	}
}

// FetchManifest requests a manifest from a peer and verifies its
// signature before returning it. The pinned key for the claimed owner
// wins; on first contact the envelope sender key is accepted only when
// the sender is the owner.
func (s *Service) FetchManifest(ctx context.Context, p peer.Identity, fileHash string) (*Manifest, error) {
	reply, err := s.request(ctx, p, transport.MsgGetManifest, manifestRequest{FileHash: fileHash})
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(reply.Payload, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	key := ed25519.PublicKey(s.registry.PinnedKey(m.OwnerPeerID))
	if len(key) == 0 && reply.Sender.PeerID == m.OwnerPeerID {
		key, _ = reply.SenderKey()
	}
	if err := m.Verify(key); err != nil {
		return nil, fmt.Errorf("manifest for %s from %s: %w", fileHash, p.ID, err)
	}
	return &m, nil
}

// FetchContent requests one preview representation and accepts it only
// when its digest matches the entry in the already-verified manifest.
func (s *Service) FetchContent(ctx context.Context, p peer.Identity, m *Manifest, t Type) (*Content, error) {
	want, ok := m.PreviewHashes[t]
	if !ok {
		return nil, fmt.Errorf("%w: manifest offers no %s", ErrNotFound, t)
	}

	reply, err := s.request(ctx, p, transport.MsgGetContent, contentRequest{FileHash: m.FileHash, Type: t})
	if err != nil {
		return nil, err
	}

	var c Content
	if err := json.Unmarshal(reply.Payload, &c); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	if got := hashData(c.Data); got != want || c.DataHash != want {
		return nil, fmt.Errorf("%s content for %s: %w", t, m.FileHash, chunk.ErrIntegrity)
	}
	return &c, nil
}

// request performs one correlated round trip and maps ERROR replies to
// the package sentinels.
func (s *Service) request(ctx context.Context, p peer.Identity, msgType string, body any) (*transport.Message, error) {
	if err := s.tr.Connect(p.Addr(), p.ID); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	reply, err := s.tr.Request(ctx, p.ID, &transport.Message{Type: msgType, Payload: raw})
	if err != nil {
		return nil, err
	}
	if reply.Type == transport.MsgError {
		var ep transport.ErrorPayload
		_ = json.Unmarshal(reply.Payload, &ep)
		if ep.Error == "forbidden" {
			return nil, fmt.Errorf("%s: %w", p.ID, ErrForbidden)
		}
		return nil, fmt.Errorf("%s: %w", p.ID, ErrNotFound)
	}
	return reply, nil
}
