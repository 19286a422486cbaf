package transfer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/driftlab/driftshare/internal/chunk"
	"github.com/driftlab/driftshare/internal/peer"
	"github.com/driftlab/driftshare/internal/share"
)

// RelayFetcher is the relay-side download path; the relay client
// implements it.
type RelayFetcher interface {
	Download(ctx context.Context, downloadURL, destPath string) error
}

// ErrNoRoute is returned when neither a direct path nor a relay URL
// can serve the request.
var ErrNoRoute = errors.New("no route to file")

// Dispatcher picks the route for each download. Download itself never
// switches routes; DownloadWithFallback races the direct path against
// a timeout and falls back to the relay.
type Dispatcher struct {
	client     *Client
	relay      RelayFetcher
	store      *Store
	forceRelay bool
	p2pTimeout time.Duration
}

// NewDispatcher wires the routing policy. relay and store may be nil;
// without a relay there is no relayed route, without a store no resume.
func NewDispatcher(client *Client, relay RelayFetcher, store *Store, forceRelay bool, p2pTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		client:     client,
		relay:      relay,
		store:      store,
		forceRelay: forceRelay,
		p2pTimeout: p2pTimeout,
	}
}

// Download fetches f from p into saveDir over exactly one route:
// relayed when the peer is relay-only or relay use is forced (relayURL
// required), direct otherwise. The returned state is nil when the
// relay path served the file.
func (d *Dispatcher) Download(ctx context.Context, p peer.Identity, f share.File, saveDir, relayURL string) (*State, error) {
	if d.forceRelay || p.ViaRelay() {
		if relayURL == "" {
			return nil, ErrNoRoute
		}
		return nil, d.downloadRelayed(ctx, f, saveDir, relayURL)
	}
	return d.downloadDirect(ctx, p, f, saveDir)
}

// DownloadWithFallback probes the direct route within p2pTimeout and,
// when the probe fails or times out, serves the file through the relay
// if relayURL is known. Without a relayURL it behaves like Download.
func (d *Dispatcher) DownloadWithFallback(ctx context.Context, p peer.Identity, f share.File, saveDir, relayURL string) (*State, error) {
	if d.forceRelay || p.ViaRelay() {
		return d.Download(ctx, p, f, saveDir, relayURL)
	}
	if d.relay == nil || relayURL == "" {
		return d.downloadDirect(ctx, p, f, saveDir)
	}

	// The reachability probe is bounded; a full transfer is not.
	probeCtx, cancel := context.WithTimeout(ctx, d.p2pTimeout)
	_, err := d.client.Metadata(probeCtx, p.TransferAddr(), fileRef(f))
	cancel()
	if err != nil {
		log.Printf("[transfer] direct route to %s unavailable, using relay: %v", p.ID, err)
		return nil, d.downloadRelayed(ctx, f, saveDir, relayURL)
	}
	return d.downloadDirect(ctx, p, f, saveDir)
}

func (d *Dispatcher) downloadRelayed(ctx context.Context, f share.File, saveDir, relayURL string) error {
	dest := filepath.Join(saveDir, f.LogicalName)
	if err := d.relay.Download(ctx, relayURL, dest); err != nil {
		return fmt.Errorf("relay download: %w", err)
	}
	return nil
}

// downloadDirect runs the chunked protocol, resuming from a stored
// checkpoint when one exists for this (peer, file) pair.
func (d *Dispatcher) downloadDirect(ctx context.Context, p peer.Identity, f share.File, saveDir string) (*State, error) {
	st := d.restore(p, f, saveDir)
	if st == nil {
		st = NewState(uuid.NewString(), p, f, chunk.DirectChunkSize, saveDir)
		if d.store != nil {
			if err := d.store.Save(st); err != nil {
				log.Printf("[transfer] checkpoint %s: %v", st.TransferID, err)
			}
		}
	}
	if err := d.client.Fetch(ctx, st, fileRef(f)); err != nil {
		return st, err
	}
	return st, nil
}

func (d *Dispatcher) restore(p peer.Identity, f share.File, saveDir string) *State {
	if d.store == nil {
		return nil
	}
	id, err := d.store.Find(p.ID, fileRef(f))
	if err != nil {
		return nil
	}
	st, err := d.store.Load(id)
	if err != nil {
		log.Printf("[transfer] load checkpoint %s: %v", id, err)
		return nil
	}
	// The peer may have moved since the checkpoint was written.
	st.Peer = p
	st.SaveDir = saveDir
	log.Printf("[transfer] resuming %s: %d/%d chunks already received",
		f.LogicalName, st.ReceivedCount(), st.Total)
	return st
}

// fileRef is the identifier sent to the remote server: the canonical
// hash when known, the local path otherwise (loopback shares).
func fileRef(f share.File) string {
	if f.FileHash != "" {
		return f.FileHash
	}
	return f.LocalPath
}
