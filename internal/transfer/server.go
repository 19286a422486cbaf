package transfer

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/driftlab/driftshare/internal/chunk"
	"github.com/driftlab/driftshare/internal/security"
	"github.com/driftlab/driftshare/internal/share"
)

// ReadTimeout bounds how long a connection may sit idle between
// requests before the server drops it.
const ReadTimeout = 120 * time.Second

// Server answers metadata and chunk requests for shared files over an
// authenticated TLS listener. One connection serves many requests; the
// client keeps it open for the whole download.
type Server struct {
	index  *share.Index
	priv   ed25519.PrivateKey
	ln     net.Listener
	served atomic.Int64
}

// NewServer builds a transfer server over the shared-file index. The
// private key seeds per-file transfer keys.
func NewServer(index *share.Index, priv ed25519.PrivateKey) *Server {
	return &Server{index: index, priv: priv}
}

// Listen opens the TLS listener on port (0 picks a free one).
func (s *Server) Listen(port int, cert tls.Certificate) error {
	ln, err := tls.Listen("tcp", fmt.Sprintf(":%d", port), security.ServerTLSConfig(cert))
	if err != nil {
		return fmt.Errorf("transfer listen: %w", err)
	}
	s.ln = ln
	return nil
}

// Addr returns the listener address, or "" before Listen.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("transfer server: Listen first")
	}
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("transfer accept: %w", err)
		}
		go s.serveConn(conn)
	}
}

// Close shuts the listener down.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(ReadTimeout))
		cmd, err := br.ReadByte()
		if err != nil {
			return // EOF or idle timeout ends the session
		}

		switch {
		case cmd == CmdReqMetadata:
			err = s.handleMetadata(conn, br)
		case cmd == CmdReqChunk:
			err = s.handleChunk(conn, br)
		case cmd >= 0x20:
			// Printable first byte: a legacy client sent a bare
			// newline-terminated path and expects the whole file back
			// as one encrypted stream.
			s.handleLegacy(conn, br, cmd)
			return
		default:
			writeErr(conn, fmt.Sprintf("unknown command 0x%02x", cmd))
			return
		}
		if err != nil {
			log.Printf("[transfer] %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

// lookup resolves a requested file against the index. Remote peers
// identify files by hex hash (what search results carry); local tools
// may use the path. Only shared files are served.
func (s *Server) lookup(ref string) (share.File, error) {
	if f, ok := s.index.ByPath(ref); ok {
		return f, nil
	}
	if f, ok := s.index.ByHash(ref); ok {
		return f, nil
	}
	return share.File{}, fmt.Errorf("file not shared: %s", ref)
}

// fileKey derives the symmetric key for one shared file. The path is
// the salt, so the same file yields the same key across connections
// and a resumed download can reuse its earlier metadata.
func (s *Server) fileKey(f share.File) ([]byte, error) {
	return security.DeriveTransferKey(s.priv, []byte(f.LocalPath))
}

func (s *Server) handleMetadata(conn net.Conn, br *bufio.Reader) error {
	path, err := readString(br)
	if err != nil {
		return fmt.Errorf("read metadata request: %w", err)
	}
	f, err := s.lookup(path)
	if err != nil {
		writeErr(conn, err.Error())
		return err
	}
	key, err := s.fileKey(f)
	if err != nil {
		writeErr(conn, "key derivation failed")
		return err
	}
	return writeMetadataResponse(conn, Metadata{
		FileName:   f.LogicalName,
		FileSize:   f.Size,
		ChunkSize:  chunk.DirectChunkSize,
		Compressed: chunk.ShouldCompress(f.LogicalName),
		Key:        key,
	})
}

func (s *Server) handleChunk(conn net.Conn, br *bufio.Reader) error {
	path, err := readString(br)
	if err != nil {
		return fmt.Errorf("read chunk request: %w", err)
	}
	var body [8]byte
	if _, err := io.ReadFull(br, body[:]); err != nil {
		return fmt.Errorf("read chunk request body: %w", err)
	}
	index := int(int32(binary.BigEndian.Uint32(body[0:4])))
	size := int(int32(binary.BigEndian.Uint32(body[4:8])))

	f, err := s.lookup(path)
	if err != nil {
		writeErr(conn, err.Error())
		return err
	}
	if size <= 0 || index < 0 || index >= chunk.NumChunks(f.Size, size) {
		writeErr(conn, fmt.Sprintf("chunk %d out of range", index))
		return fmt.Errorf("chunk %d out of range for %s", index, path)
	}

	plain, err := readFileChunk(f.LocalPath, index, size, f.Size)
	if err != nil {
		writeErr(conn, "read failed")
		return err
	}
	key, err := s.fileKey(f)
	if err != nil {
		writeErr(conn, "key derivation failed")
		return err
	}
	rec, err := chunk.NewCodec(key, f.LogicalName).Encode(index, plain)
	if err != nil {
		writeErr(conn, "encode failed")
		return err
	}
	s.served.Add(1)
	return writeChunkResponse(conn, rec)
}

// ChunksServed returns the number of chunk responses sent since start.
func (s *Server) ChunksServed() int64 {
	return s.served.Load()
}

// handleLegacy serves the pre-chunking stream protocol: the request is
// a newline-terminated path (first byte already consumed) and the
// response is a u64 length followed by the whole file sealed as one
// blob under the same per-file key.
func (s *Server) handleLegacy(conn net.Conn, br *bufio.Reader, first byte) {
	rest, err := br.ReadString('\n')
	if err != nil {
		return
	}
	path := string(first) + trimLine(rest)

	f, err := s.lookup(path)
	if err != nil {
		writeErr(conn, err.Error())
		return
	}
	data, err := os.ReadFile(f.LocalPath)
	if err != nil {
		writeErr(conn, "read failed")
		return
	}
	key, err := s.fileKey(f)
	if err != nil {
		writeErr(conn, "key derivation failed")
		return
	}
	sealed, err := security.EncryptChunk(data, key)
	if err != nil {
		writeErr(conn, "encrypt failed")
		return
	}

	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(len(sealed)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return
	}
	if _, err := conn.Write(sealed); err != nil {
		log.Printf("[transfer] legacy stream to %s: %v", conn.RemoteAddr(), err)
	}
}

func trimLine(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// readFileChunk reads chunk index of the file at path without holding
// the whole file in memory.
func readFileChunk(path string, index, chunkSize int, fileSize int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	n := chunk.Len(fileSize, chunkSize, index)
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, int64(index)*int64(chunkSize)); err != nil {
		return nil, fmt.Errorf("read chunk %d of %s: %w", index, path, err)
	}
	return buf, nil
}
