// Package chunk implements the chunked codec: files are partitioned
// into fixed-size chunks which are compressed (when the filename
// suggests compressible content) and then sealed with the transfer's
// symmetric key. Decoding a record yields exactly the original chunk
// bytes or fails with an integrity error.
package chunk

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/driftlab/driftshare/internal/security"
)

// Default chunk sizes. Both ends of a single transfer must use the
// same size; direct transfers default to 64 KiB and relay uploads to
// 1 MiB.
const (
	DirectChunkSize = 64 << 10
	RelayChunkSize  = 1 << 20
)

// ErrIntegrity is returned when a record fails authentication,
// decompression, or a length check.
var ErrIntegrity = errors.New("chunk integrity failure")

// Record is one encoded chunk as carried on the wire.
type Record struct {
	Index      int
	OrigLen    int
	Compressed bool
	Payload    []byte // ciphertext, nonce embedded
}

// Codec encodes and decodes chunks under one symmetric key. Compress
// is decided once per transfer from the logical filename.
type Codec struct {
	key      []byte
	compress bool
}

// NewCodec returns a codec for one transfer. name is the logical
// filename used for the compression heuristic.
func NewCodec(key []byte, name string) *Codec {
	return &Codec{key: key, compress: ShouldCompress(name)}
}

// Compresses reports whether this codec deflates chunk payloads.
func (c *Codec) Compresses() bool { return c.compress }

// Encode compresses (if enabled) and encrypts one chunk.
func (c *Codec) Encode(index int, plain []byte) (Record, error) {
	rec := Record{Index: index, OrigLen: len(plain)}

	data := plain
	if c.compress && len(plain) > 0 {
		deflated, err := deflate(plain)
		if err != nil {
			return Record{}, fmt.Errorf("compress chunk %d: %w", index, err)
		}
		// Incompressible data can grow under deflate; keep the raw
		// bytes in that case and leave the flag clear.
		if len(deflated) < len(plain) {
			data = deflated
			rec.Compressed = true
		}
	}

	sealed, err := security.EncryptChunk(data, c.key)
	if err != nil {
		return Record{}, fmt.Errorf("encrypt chunk %d: %w", index, err)
	}
	rec.Payload = sealed
	return rec, nil
}

// Decode decrypts and decompresses one record, returning exactly
// OrigLen bytes or an error wrapping ErrIntegrity.
func (c *Codec) Decode(rec Record) ([]byte, error) {
	data, err := security.DecryptChunk(rec.Payload, c.key)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w: %v", rec.Index, ErrIntegrity, err)
	}

	if rec.Compressed {
		data, err = inflate(data, rec.OrigLen)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w: %v", rec.Index, ErrIntegrity, err)
		}
	}

	if len(data) != rec.OrigLen {
		return nil, fmt.Errorf("chunk %d: %w: got %d bytes, want %d", rec.Index, ErrIntegrity, len(data), rec.OrigLen)
	}
	return data, nil
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte, origLen int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	out := make([]byte, 0, origLen)
	buf := make([]byte, 32<<10)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(out) > origLen {
			return nil, fmt.Errorf("inflated past original length %d", origLen)
		}
	}
	return out, nil
}

// incompressibleExts covers containers that are already compressed;
// deflating them again wastes CPU for no gain.
var incompressibleExts = map[string]bool{
	".zip": true, ".gz": true, ".tgz": true, ".bz2": true, ".xz": true,
	".zst": true, ".7z": true, ".rar": true, ".jar": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".mp3": true, ".aac": true, ".ogg": true, ".flac": true, ".m4a": true,
	".mp4": true, ".mkv": true, ".avi": true, ".mov": true, ".webm": true,
	".pdf": true, ".docx": true, ".xlsx": true, ".pptx": true, ".apk": true,
}

// ShouldCompress reports whether the logical filename suggests content
// worth deflating.
func ShouldCompress(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return !incompressibleExts[ext]
}

// NumChunks returns the chunk count for a file of the given size. A
// zero-byte file has zero chunks and completes immediately.
func NumChunks(size int64, chunkSize int) int {
	if size <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// Len returns the length of chunk index for a file of the given size.
func Len(size int64, chunkSize, index int) int {
	offset := int64(index) * int64(chunkSize)
	remain := size - offset
	if remain <= 0 {
		return 0
	}
	if remain < int64(chunkSize) {
		return int(remain)
	}
	return chunkSize
}
