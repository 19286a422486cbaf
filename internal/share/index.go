// Package share maintains the node-local index of files offered to the
// network. Hashes are computed lazily on first request and cached; the
// 256-bit file hash, not the logical name, is the canonical identifier
// for preview and remote lookup.
package share

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// File describes one shared file.
type File struct {
	LocalPath   string `json:"-"`
	LogicalName string `json:"fileName"`
	Size        int64  `json:"fileSize"`
	FileHash    string `json:"fileHash,omitempty"` // hex SHA-256, lazily filled
	OwnerPeerID string `json:"ownerPeerId"`
}

// MimeType guesses the file's MIME type from its extension.
func (f File) MimeType() string {
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(f.LogicalName)))
	if mt == "" {
		return "application/octet-stream"
	}
	return mt
}

// Index is the per-node shared-file index, keyed by directory.
type Index struct {
	mu      sync.RWMutex
	ownerID string
	dirs    map[string][]File

	// hash cache keyed by local path; survives re-shares of the same file
	hashes *xsync.MapOf[string, string]
}

// NewIndex creates an empty index owned by the local peer.
func NewIndex(ownerID string) *Index {
	return &Index{
		ownerID: ownerID,
		dirs:    make(map[string][]File),
		hashes:  xsync.NewMapOf[string, string](),
	}
}

// Add shares a single file. The logical name is the base name; the
// hash is left empty until first requested.
func (ix *Index) Add(path string) (File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return File{}, fmt.Errorf("resolve path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return File{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory; share files individually or use AddDir", path)
	}

	f := File{
		LocalPath:   abs,
		LogicalName: filepath.Base(abs),
		Size:        info.Size(),
		OwnerPeerID: ix.ownerID,
	}

	dir := filepath.Dir(abs)
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for i, existing := range ix.dirs[dir] {
		if existing.LocalPath == abs {
			ix.dirs[dir][i] = f
			return f, nil
		}
	}
	ix.dirs[dir] = append(ix.dirs[dir], f)
	return f, nil
}

// AddDir shares every regular file directly inside dir (not recursive).
func (ix *Index) AddDir(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var added []File
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f, err := ix.Add(filepath.Join(dir, e.Name()))
		if err != nil {
			return added, err
		}
		added = append(added, f)
	}
	return added, nil
}

// Remove unshares the file at path.
func (ix *Index) Remove(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	dir := filepath.Dir(abs)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	files := ix.dirs[dir]
	for i, f := range files {
		if f.LocalPath == abs {
			ix.dirs[dir] = append(files[:i], files[i+1:]...)
			break
		}
	}
	if len(ix.dirs[dir]) == 0 {
		delete(ix.dirs, dir)
	}
}

// All returns every shared file.
func (ix *Index) All() []File {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []File
	for _, files := range ix.dirs {
		out = append(out, files...)
	}
	return out
}

// Count returns the number of shared files.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for _, files := range ix.dirs {
		n += len(files)
	}
	return n
}

// Search returns files whose logical name contains query,
// case-insensitively.
func (ix *Index) Search(query string) []File {
	q := strings.ToLower(query)
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []File
	for _, files := range ix.dirs {
		for _, f := range files {
			if strings.Contains(strings.ToLower(f.LogicalName), q) {
				out = append(out, f)
			}
		}
	}
	return out
}

// ByPath returns the shared file at the given local path.
func (ix *Index) ByPath(path string) (File, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return File{}, false
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for _, f := range ix.dirs[filepath.Dir(abs)] {
		if f.LocalPath == abs {
			return f, true
		}
	}
	return File{}, false
}

// ByHash returns the shared file with the given hex hash, computing
// hashes lazily as needed.
func (ix *Index) ByHash(hash string) (File, bool) {
	for _, f := range ix.All() {
		h, err := ix.Hash(f.LocalPath)
		if err != nil {
			continue
		}
		if h == hash {
			f.FileHash = h
			return f, true
		}
	}
	return File{}, false
}

// Hash returns the hex SHA-256 of the file at path, computing and
// caching it on first use.
func (ix *Index) Hash(path string) (string, error) {
	if h, ok := ix.hashes.Load(path); ok {
		return h, nil
	}
	h, err := HashFile(path)
	if err != nil {
		return "", err
	}
	ix.hashes.Store(path, h)
	return h, nil
}

// HashFile computes the hex SHA-256 digest of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
