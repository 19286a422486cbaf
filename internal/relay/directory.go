package relay

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// peerRecord is one registered peer in the relay directory.
type peerRecord struct {
	mu       sync.Mutex
	lastSeen time.Time

	PeerID       string `json:"peerId"`
	DisplayName  string `json:"displayName"`
	PublicIP     string `json:"publicIp"`
	Port         int    `json:"port"`
	TransferPort int    `json:"transferPort,omitempty"`
	PublicKey    string `json:"publicKey"` // hex ed25519
}

func (p *peerRecord) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *peerRecord) staleSince(now time.Time, timeout time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastSeen) > timeout
}

// FileRef describes a relayed file: what relay clients register after
// a finished upload and what PIN lookups resolve to.
type FileRef struct {
	mu        sync.Mutex
	downloads int

	UploadID     string `json:"uploadId"`
	FileName     string `json:"fileName"`
	FileSize     int64  `json:"fileSize"`
	FileHash     string `json:"fileHash,omitempty"`
	SenderID     string `json:"senderId"`
	DownloadURL  string `json:"downloadUrl"`
	ExpiresAt    int64  `json:"expiresAt"` // unix millis
	Encrypted    bool   `json:"encrypted"`
	Algorithm    string `json:"algorithm,omitempty"`
	MaxDownloads int    `json:"maxDownloads,omitempty"` // 0 = unlimited
}

// countDownload increments the counter and reports whether this
// download is still within the limit.
func (f *FileRef) countDownload() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MaxDownloads > 0 && f.downloads >= f.MaxDownloads {
		return false
	}
	f.downloads++
	return true
}

// Downloads returns the served-download count.
func (f *FileRef) Downloads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads
}

// PinBinding binds a live PIN to a relayed file.
type PinBinding struct {
	Pin       string   `json:"pin"`
	File      *FileRef `json:"file"`
	ExpiresAt int64    `json:"expiresAt"` // unix millis
}

func (p *PinBinding) expired(now time.Time) bool {
	return now.UnixMilli() > p.ExpiresAt
}

// handlePeerRegister adds or refreshes a directory entry. A publicIp
// of "auto" (or empty) is replaced by the request's source address.
func (s *Server) handlePeerRegister(w http.ResponseWriter, r *http.Request) {
	if !s.checkAPIKey(r) {
		writeError(w, http.StatusForbidden, "invalid api key")
		return
	}
	var rec peerRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid peer record")
		return
	}
	if rec.PeerID == "" {
		writeError(w, http.StatusBadRequest, "peerId is required")
		return
	}
	if rec.PublicIP == "" || rec.PublicIP == "auto" {
		rec.PublicIP = requestIP(r)
	}
	rec.lastSeen = time.Now()
	s.peers.Store(rec.PeerID, &rec)
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

// handlePeerList returns every live peer except the requester.
func (s *Server) handlePeerList(w http.ResponseWriter, r *http.Request) {
	exclude := r.URL.Query().Get("peerId")
	out := make([]*peerRecord, 0)
	s.peers.Range(func(id string, rec *peerRecord) bool {
		if id != exclude {
			out = append(out, rec)
		}
		return true
	})
	writeJSON(w, http.StatusOK, out)
}

// handlePeerHeartbeat refreshes a peer's liveness stamp.
func (s *Server) handlePeerHeartbeat(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peerId")
	rec, ok := s.peers.Load(peerID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown peer")
		return
	}
	rec.touch()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleFileRegister records an uploaded file in the search index.
func (s *Server) handleFileRegister(w http.ResponseWriter, r *http.Request) {
	if !s.checkAPIKey(r) {
		writeError(w, http.StatusForbidden, "invalid api key")
		return
	}
	var ref FileRef
	if err := json.NewDecoder(r.Body).Decode(&ref); err != nil {
		writeError(w, http.StatusBadRequest, "invalid file record")
		return
	}
	if ref.UploadID == "" || ref.FileName == "" {
		writeError(w, http.StatusBadRequest, "uploadId and fileName are required")
		return
	}
	s.files.Store(ref.UploadID, &ref)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

// handleFileSearch returns live files whose name contains q,
// optionally excluding one sender's own uploads.
func (s *Server) handleFileSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(r.URL.Query().Get("q"))
	excludeSender := r.URL.Query().Get("excludeSender")
	now := time.Now().UnixMilli()

	out := make([]*FileRef, 0)
	s.files.Range(func(id string, ref *FileRef) bool {
		if ref.ExpiresAt != 0 && now > ref.ExpiresAt {
			return true
		}
		if excludeSender != "" && ref.SenderID == excludeSender {
			return true
		}
		if strings.Contains(strings.ToLower(ref.FileName), q) {
			out = append(out, ref)
		}
		return true
	})
	writeJSON(w, http.StatusOK, out)
}

// handlePinCreate binds a PIN to a relayed file.
func (s *Server) handlePinCreate(w http.ResponseWriter, r *http.Request) {
	if !s.checkAPIKey(r) {
		writeError(w, http.StatusForbidden, "invalid api key")
		return
	}
	var rec PinBinding
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid pin record")
		return
	}
	if len(rec.Pin) != 6 || rec.File == nil {
		writeError(w, http.StatusBadRequest, "pin must be six digits and carry a file")
		return
	}
	if _, loaded := s.pins.LoadOrStore(rec.Pin, &rec); loaded {
		writeError(w, http.StatusConflict, "pin already in use")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

// handlePinFind resolves a live PIN to its file.
func (s *Server) handlePinFind(w http.ResponseWriter, r *http.Request) {
	pin := r.URL.Query().Get("pin")
	rec, ok := s.pins.Load(pin)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown pin")
		return
	}
	if rec.expired(time.Now()) {
		s.pins.Delete(pin)
		writeError(w, http.StatusNotFound, "unknown pin")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// requestIP extracts the client IP, respecting X-Forwarded-For for
// proxied deployments.
func requestIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
