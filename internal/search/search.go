// Package search implements the flooded query layer: each node answers
// substring queries from its shared-file index, forwards live queries
// to its other peers while the TTL lasts, and suppresses duplicates so
// a request is processed at most once per node.
package search

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"github.com/driftlab/driftshare/internal/peer"
	"github.com/driftlab/driftshare/internal/share"
	"github.com/driftlab/driftshare/internal/transport"
)

const (
	// dedupSize bounds the per-node duplicate-suppression set; old
	// request IDs fall out LRU-wise.
	dedupSize = 4096

	// DefaultTimeout bounds a whole fan-out query.
	DefaultTimeout = 5 * time.Second

	// DefaultTTL is how many hops a fresh query may be forwarded.
	DefaultTTL = 2
)

// Request is a flooded search query.
type Request struct {
	RequestID    string `json:"requestId"`
	OriginPeerID string `json:"originPeerId"`
	OriginAddr   string `json:"originAddr"`
	Query        string `json:"query"`
	TTL          int    `json:"ttl"`
}

// Response carries one peer's matches for a request.
type Response struct {
	RequestID    string       `json:"requestId"`
	SourcePeerID string       `json:"sourcePeerId"`
	Files        []share.File `json:"files"`
}

// Service answers, forwards, and originates flooded searches.
type Service struct {
	self     peer.Identity
	tr       *transport.Transport
	registry *peer.Registry
	index    *share.Index
	dedup    *lru.Cache[string, struct{}]
	timeout  time.Duration

	mu     sync.Mutex
	active map[string]chan Response // in-flight local queries by request ID
}

// NewService wires the search layer onto the transport. Call Start to
// register its handlers.
func NewService(self peer.Identity, tr *transport.Transport, registry *peer.Registry, index *share.Index) *Service {
	dedup, _ := lru.New[string, struct{}](dedupSize)
	return &Service{
		self:     self,
		tr:       tr,
		registry: registry,
		index:    index,
		dedup:    dedup,
		timeout:  DefaultTimeout,
		active:   make(map[string]chan Response),
	}
}

// Start registers the transport handlers.
func (s *Service) Start() {
	s.tr.Handle(transport.MsgSearch, s.handleSearch)
	s.tr.Handle(transport.MsgSearchResult, s.handleRelayedResult)
}

// Query fans the query out to every currently-alive peer. Responses
// are delivered on the returned channel as they arrive; the channel is
// closed when every peer has answered or the timeout elapses. Callers
// wanting uniqueness should deduplicate by (ownerPeerId, fileHash).
func (s *Service) Query(ctx context.Context, query string, ttl int) <-chan Response {
	req := Request{
		RequestID:    uuid.NewString(),
		OriginPeerID: s.self.ID,
		OriginAddr:   s.tr.Addr(),
		Query:        query,
		TTL:          ttl,
	}
	// Our own forwarded copies must not be reprocessed here.
	s.dedup.Add(req.RequestID, struct{}{})

	out := make(chan Response, 16)
	s.mu.Lock()
	s.active[req.RequestID] = out
	s.mu.Unlock()

	peers := s.registry.Alive()
	go s.collect(ctx, req, peers, out)
	return out
}

func (s *Service) collect(ctx context.Context, req Request, peers []peer.Identity, out chan Response) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range peers {
		if p.ViaRelay() {
			continue // relay-only peers are searched through the relay index
		}
		wg.Add(1)
		go func(p peer.Identity) {
			defer wg.Done()
			resp, err := s.ask(cctx, p, req)
			if err != nil {
				// One bad peer must not break the fan-out.
				return
			}
			if len(resp.Files) > 0 {
				s.deliver(req.RequestID, resp)
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	if req.TTL > 0 {
		// Forwarded copies may relay results back after the direct
		// peers have answered; hold the aggregator open for the full
		// window.
		<-cctx.Done()
	} else {
		select {
		case <-done:
		case <-cctx.Done():
		}
	}

	s.mu.Lock()
	delete(s.active, req.RequestID)
	close(out)
	s.mu.Unlock()
}

// ask sends the request to one peer and waits for its correlated reply.
func (s *Service) ask(ctx context.Context, p peer.Identity, req Request) (Response, error) {
	if err := s.tr.Connect(p.Addr(), p.ID); err != nil {
		return Response{}, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	reply, err := s.tr.Request(ctx, p.ID, &transport.Message{Type: transport.MsgSearch, Payload: body})
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(reply.Payload, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// deliver routes a response to the local aggregator if the query is
// still in flight.
func (s *Service) deliver(requestID string, resp Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.active[requestID]
	if !ok {
		return
	}
	select {
	case out <- resp:
	default:
		log.Printf("[search] dropping response from %s: aggregator full", resp.SourcePeerID)
	}
}

// handleSearch processes an inbound flooded query.
func (s *Service) handleSearch(msg *transport.Message, from string) {
	var req Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}

	// Duplicate suppression: at most one scan-and-forward per request.
	if dup, _ := s.dedup.ContainsOrAdd(req.RequestID, struct{}{}); dup {
		_ = s.tr.Respond(from, msg.ID, transport.MsgSearchResult, Response{
			RequestID:    req.RequestID,
			SourcePeerID: s.self.ID,
		})
		return
	}

	matches := s.scan(req.Query)
	if err := s.tr.Respond(from, msg.ID, transport.MsgSearchResult, Response{
		RequestID:    req.RequestID,
		SourcePeerID: s.self.ID,
		Files:        matches,
	}); err != nil {
		log.Printf("[search] reply to %s: %v", from, err)
	}

	if req.TTL > 0 {
		go s.forward(req, from)
	}
}

// scan matches the local index and fills in hashes, which are the
// canonical identifier the requester dedupes and previews by.
func (s *Service) scan(query string) []share.File {
	matches := s.index.Search(query)
	for i := range matches {
		h, err := s.index.Hash(matches[i].LocalPath)
		if err != nil {
			log.Printf("[search] hash %s: %v", matches[i].LogicalName, err)
			continue
		}
		matches[i].FileHash = h
	}
	return matches
}

// forward floods the request to all other alive peers with a spent TTL
// tick, relaying any non-empty response back to the origin over a
// fresh channel.
func (s *Service) forward(req Request, from string) {
	fwd := req
	fwd.TTL--

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range s.registry.Alive() {
		if p.ID == from || p.ID == req.OriginPeerID || p.ViaRelay() {
			continue
		}
		wg.Add(1)
		go func(p peer.Identity) {
			defer wg.Done()
			resp, err := s.ask(ctx, p, fwd)
			if err != nil || len(resp.Files) == 0 {
				return
			}
			body, err := json.Marshal(resp)
			if err != nil {
				return
			}
			if err := s.tr.SendTo(req.OriginAddr, req.OriginPeerID, &transport.Message{
				Type:    transport.MsgSearchResult,
				Payload: body,
			}); err != nil {
				log.Printf("[search] relay result to origin %s: %v", req.OriginPeerID, err)
			}
		}(p)
	}
	wg.Wait()
}

// handleRelayedResult accepts responses relayed back by intermediate
// nodes for queries this node originated.
func (s *Service) handleRelayedResult(msg *transport.Message, from string) {
	var resp Response
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return
	}
	if len(resp.Files) == 0 {
		return
	}
	s.deliver(resp.RequestID, resp)
}

// SeenRequest reports whether the request ID is in the dedup set.
func (s *Service) SeenRequest(requestID string) bool {
	return s.dedup.Contains(requestID)
}
