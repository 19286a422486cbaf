package relay

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxChunkBody caps a single upload chunk. Relay clients send 1 MiB
// chunks; anything wildly larger is a misbehaving client.
const maxChunkBody = 16 << 20

// uploadSession tracks one in-flight or stored upload. Appends are
// serialized on the session mutex; chunks from a single client may
// arrive concurrently but land on disk one at a time.
type uploadSession struct {
	mu         sync.Mutex
	UploadID   string
	FileName   string
	SenderID   string
	Path       string
	StoredSize int64
	Chunks     map[int]bool
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

func (u *uploadSession) expired(now time.Time) bool {
	return now.After(u.ExpiresAt)
}

// handleUpload appends one chunk to its upload session, creating the
// session lazily on the first chunk.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.checkAPIKey(r) {
		writeError(w, http.StatusForbidden, "invalid api key")
		return
	}

	uploadID := r.Header.Get("X-Upload-Id")
	fileName := r.Header.Get("X-File-Name")
	senderID := r.Header.Get("X-Sender-Id")
	chunkIdx, err := strconv.Atoi(r.Header.Get("X-Chunk-Index"))
	if uploadID == "" || fileName == "" || err != nil || chunkIdx < 0 {
		writeError(w, http.StatusBadRequest, "missing or malformed upload headers")
		return
	}
	if strings.ContainsAny(uploadID, "/\\") || fileName != filepath.Base(fileName) {
		writeError(w, http.StatusBadRequest, "invalid upload id or file name")
		return
	}
	if !s.limiter.allow(senderID) {
		writeError(w, http.StatusTooManyRequests, "upload rate exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxChunkBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read chunk body")
		return
	}
	if len(body) > maxChunkBody {
		writeError(w, http.StatusBadRequest, "chunk too large")
		return
	}

	now := time.Now()
	sess, _ := s.uploads.LoadOrCompute(uploadID, func() *uploadSession {
		return &uploadSession{
			UploadID:  uploadID,
			FileName:  fileName,
			SenderID:  senderID,
			Path:      filepath.Join(s.opts.StorageDir, uploadID+"_"+fileName),
			Chunks:    make(map[int]bool),
			CreatedAt: now,
			ExpiresAt: now.Add(s.opts.Expiry),
		}
	})
	if sess.expired(now) {
		writeError(w, http.StatusGone, "upload expired")
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := appendChunk(sess.Path, body); err != nil {
		log.Printf("[relay] append chunk %d of %s: %v", chunkIdx, uploadID, err)
		writeError(w, http.StatusInternalServerError, "failed to store chunk")
		return
	}
	sess.StoredSize += int64(len(body))
	sess.Chunks[chunkIdx] = true

	writeJSON(w, http.StatusOK, map[string]any{
		"uploadId":   uploadID,
		"chunkIndex": chunkIdx,
		"storedSize": sess.StoredSize,
	})
}

func appendChunk(path string, body []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(body); err != nil {
		return fmt.Errorf("append to %s: %w", path, err)
	}
	return nil
}

// handleDownload streams a stored upload, honoring "bytes=N-" ranges
// for resume.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")
	sess, ok := s.uploads.Load(uploadID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown upload")
		return
	}
	if sess.expired(time.Now()) {
		writeError(w, http.StatusGone, "upload expired")
		return
	}

	f, err := os.Open(sess.Path)
	if err != nil {
		writeError(w, http.StatusNotFound, "upload data missing")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stat failed")
		return
	}
	size := info.Size()

	start, partial, err := parseRange(r.Header.Get("Range"), size)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// A Range resume continues a download already charged against the
	// limit; only a fresh full request consumes a credit.
	if !partial {
		if ref, ok := s.files.Load(uploadID); ok && !ref.countDownload() {
			writeError(w, http.StatusGone, "download limit reached")
			return
		}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+sess.FileName+`"`)
	if partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, size-1, size))
		w.Header().Set("Content-Length", strconv.FormatInt(size-start, 10))
		w.WriteHeader(http.StatusPartialContent)
		f.Seek(start, io.SeekStart)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if _, err := io.Copy(w, f); err != nil {
		log.Printf("[relay] stream %s: %v", uploadID, err)
	}
}

// parseRange handles the "bytes=N-" form used for resume. Anything
// else is rejected; multi-range requests are not supported.
func parseRange(hdr string, size int64) (int64, bool, error) {
	if hdr == "" {
		return 0, false, nil
	}
	spec, ok := strings.CutPrefix(hdr, "bytes=")
	if !ok || !strings.HasSuffix(spec, "-") {
		return 0, false, fmt.Errorf("unsupported range %q", hdr)
	}
	start, err := strconv.ParseInt(strings.TrimSuffix(spec, "-"), 10, 64)
	if err != nil || start < 0 || start > size {
		return 0, false, fmt.Errorf("bad range start %q", hdr)
	}
	return start, true, nil
}

// handleStatus reports one upload session's progress.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")
	sess, ok := s.uploads.Load(uploadID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown upload")
		return
	}

	sess.mu.Lock()
	resp := map[string]any{
		"uploadId":     sess.UploadID,
		"fileName":     sess.FileName,
		"uploadedSize": sess.StoredSize,
		"chunks":       len(sess.Chunks),
		"expired":      sess.expired(time.Now()),
	}
	if ref, ok := s.files.Load(uploadID); ok {
		resp["complete"] = sess.StoredSize >= ref.FileSize
	}
	sess.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}
