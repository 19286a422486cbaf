// Package relay implements the rendezvous HTTP server: chunked upload
// storage with expiry, a peer directory for nodes that cannot reach
// each other directly, a searchable index of relayed files, and the
// PIN registry. The relay never sees plaintext when clients encrypt
// before upload.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Defaults for the relay's housekeeping cadence and lifetimes.
const (
	DefaultExpiry      = 24 * time.Hour
	DefaultPeerTimeout = 60 * time.Second
	uploadSweepEvery   = 10 * time.Minute
	peerSweepEvery     = 30 * time.Second

	// Upload rate limit per sender: generous enough for 1 MiB chunks
	// of a large file, tight enough to keep one client from starving
	// the rest.
	uploadRate   = 600
	uploadWindow = time.Minute
)

// Options configures a relay server.
type Options struct {
	StorageDir  string
	APIKey      string // optional; empty disables the check
	Expiry      time.Duration
	PeerTimeout time.Duration
}

// Server is the relay HTTP server. All state is in memory except the
// upload payloads, which live under StorageDir.
type Server struct {
	opts    Options
	mux     *http.ServeMux
	uploads *xsync.MapOf[string, *uploadSession]
	peers   *xsync.MapOf[string, *peerRecord]
	files   *xsync.MapOf[string, *FileRef]
	pins    *xsync.MapOf[string, *PinBinding]
	limiter *senderLimiter
}

// New creates a relay server with all routes registered.
func New(opts Options) *Server {
	if opts.Expiry == 0 {
		opts.Expiry = DefaultExpiry
	}
	if opts.PeerTimeout == 0 {
		opts.PeerTimeout = DefaultPeerTimeout
	}
	s := &Server{
		opts:    opts,
		mux:     http.NewServeMux(),
		uploads: xsync.NewMapOf[string, *uploadSession](),
		peers:   xsync.NewMapOf[string, *peerRecord](),
		files:   xsync.NewMapOf[string, *FileRef](),
		pins:    xsync.NewMapOf[string, *PinBinding](),
		limiter: newSenderLimiter(uploadRate, uploadWindow),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// Uploads
	s.mux.HandleFunc("POST /api/relay/upload", s.handleUpload)
	s.mux.HandleFunc("GET /api/relay/download/{uploadId}", s.handleDownload)
	s.mux.HandleFunc("GET /api/relay/status/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/relay/status/{uploadId}", s.handleStatus)

	// Peer directory
	s.mux.HandleFunc("POST /api/peers/register", s.handlePeerRegister)
	s.mux.HandleFunc("GET /api/peers/list", s.handlePeerList)
	s.mux.HandleFunc("POST /api/peers/heartbeat", s.handlePeerHeartbeat)

	// Search index
	s.mux.HandleFunc("POST /api/files/register", s.handleFileRegister)
	s.mux.HandleFunc("GET /api/files/search", s.handleFileSearch)

	// PIN registry
	s.mux.HandleFunc("POST /api/pin/create", s.handlePinCreate)
	s.mux.HandleFunc("GET /api/pin/find", s.handlePinFind)
}

// StartWorkers launches the sweepers. Call with a cancellable context
// for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context) {
	go s.runUploadSweeper(ctx)
	go s.runPeerSweeper(ctx)
}

// handleHealth returns liveness plus active counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"service":       "driftshare-relay",
		"activePeers":   s.peers.Size(),
		"activeUploads": s.uploads.Size(),
	})
}

// checkAPIKey enforces the optional shared key. With no key configured
// every request passes.
func (s *Server) checkAPIKey(r *http.Request) bool {
	return s.opts.APIKey == "" || r.Header.Get("X-API-Key") == s.opts.APIKey
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
