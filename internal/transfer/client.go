package transfer

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/driftlab/driftshare/internal/chunk"
	"github.com/driftlab/driftshare/internal/security"
	"github.com/driftlab/driftshare/internal/share"
)

// Checkpointer persists transfer progress so an interrupted download
// can resume from its last committed chunk.
type Checkpointer interface {
	Save(st *State) error
	Delete(transferID string) error
}

// Client downloads files over the direct protocol.
type Client struct {
	cert        tls.Certificate
	connTimeout time.Duration
	maxRetries  int
	retryDelay  time.Duration

	// OnProgress, when set, is called after every committed chunk.
	// It runs on the download goroutine and must not block.
	OnProgress func(st *State)

	// Store, when set, checkpoints the bitmap after every chunk and
	// clears the row on completion or cancel.
	Store Checkpointer
}

// NewClient builds a download client. connTimeout bounds dialing,
// maxRetries and retryDelay govern per-chunk retry.
func NewClient(cert tls.Certificate, connTimeout time.Duration, maxRetries int, retryDelay time.Duration) *Client {
	return &Client{
		cert:        cert,
		connTimeout: connTimeout,
		maxRetries:  maxRetries,
		retryDelay:  retryDelay,
	}
}

type session struct {
	conn net.Conn
	br   *bufio.Reader
}

func (c *Client) dial(ctx context.Context, addr string) (*session, error) {
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.connTimeout},
		Config:    security.ClientTLSConfig(c.cert),
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &session{conn: conn, br: bufio.NewReader(conn)}, nil
}

func (s *session) close() {
	if s != nil && s.conn != nil {
		s.conn.Close()
	}
}

// Metadata requests the remote metadata for one shared file.
func (c *Client) Metadata(ctx context.Context, addr, remotePath string) (Metadata, error) {
	sess, err := c.dial(ctx, addr)
	if err != nil {
		return Metadata{}, err
	}
	defer sess.close()
	return c.metadata(sess, remotePath)
}

func (c *Client) metadata(sess *session, remotePath string) (Metadata, error) {
	sess.conn.SetDeadline(time.Now().Add(ReadTimeout))
	if err := writeMetadataRequest(sess.conn, remotePath); err != nil {
		return Metadata{}, fmt.Errorf("send metadata request: %w", err)
	}
	if err := readReply(sess.br, CmdRespMetadata); err != nil {
		return Metadata{}, err
	}
	return readMetadataResponse(sess.br)
}

// Fetch runs the download described by st to completion. st may carry
// restored progress; only missing chunks are requested, in ascending
// order. The file lands in st.SaveDir under its logical name, written
// through a .part file that is renamed only after every chunk has been
// received and the whole-file hash (when known) verified.
func (c *Client) Fetch(ctx context.Context, st *State, remotePath string) error {
	sess, err := c.dial(ctx, st.Peer.TransferAddr())
	if err != nil {
		st.Fail(err.Error())
		return err
	}
	defer sess.close()

	md, err := c.metadata(sess, remotePath)
	if err != nil {
		st.Fail(err.Error())
		return fmt.Errorf("metadata for %s: %w", remotePath, err)
	}
	if md.FileSize != st.File.Size || md.ChunkSize != st.ChunkSize {
		err := fmt.Errorf("metadata mismatch: remote reports %d bytes in %d-byte chunks, local state has %d/%d",
			md.FileSize, md.ChunkSize, st.File.Size, st.ChunkSize)
		st.Fail(err.Error())
		return err
	}
	codec := chunk.NewCodec(md.Key, md.FileName)

	if st.Status() == Pending {
		if err := st.Start(); err != nil {
			return err
		}
	}

	final := filepath.Join(st.SaveDir, md.FileName)
	part := final + ".part"
	out, err := os.OpenFile(part, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		st.Fail(err.Error())
		return fmt.Errorf("open %s: %w", part, err)
	}
	// Pre-size so positioned writes land anywhere in any order.
	if err := out.Truncate(st.File.Size); err != nil {
		out.Close()
		st.Fail(err.Error())
		return fmt.Errorf("presize %s: %w", part, err)
	}

	if err := c.fetchChunks(ctx, st, remotePath, sess, codec, out); err != nil {
		out.Close()
		if errors.Is(err, ErrCancelled) {
			os.Remove(part)
			if c.Store != nil {
				c.Store.Delete(st.TransferID)
			}
		}
		return err
	}

	if err := out.Sync(); err != nil {
		out.Close()
		st.Fail(err.Error())
		return fmt.Errorf("sync %s: %w", part, err)
	}
	out.Close()

	if st.File.FileHash != "" {
		if err := verifyHash(part, st.File.FileHash); err != nil {
			st.Fail(err.Error())
			os.Remove(part)
			return err
		}
	}
	if err := os.Rename(part, final); err != nil {
		st.Fail(err.Error())
		return fmt.Errorf("finalize %s: %w", final, err)
	}
	if err := st.Complete(); err != nil {
		return err
	}
	if c.Store != nil {
		c.Store.Delete(st.TransferID)
	}
	log.Printf("[transfer] %s complete: %d bytes from %s in %s",
		md.FileName, st.File.Size, st.Peer.ID, st.ActiveDuration().Round(time.Millisecond))
	return nil
}

func (c *Client) fetchChunks(ctx context.Context, st *State, remotePath string, sess *session, codec *chunk.Codec, out *os.File) error {
	for _, idx := range st.MissingChunks() {
		// Pause blocks here, between chunks, never mid-chunk.
		if err := st.AwaitActive(ctx); err != nil {
			if errors.Is(err, ErrCancelled) {
				return err
			}
			st.Fail(err.Error())
			return err
		}

		plain, newSess, err := c.fetchChunk(ctx, st, remotePath, sess, codec, idx)
		sess = newSess
		if err != nil {
			st.Fail(err.Error())
			return err
		}
		if _, err := out.WriteAt(plain, int64(idx)*int64(st.ChunkSize)); err != nil {
			st.Fail(err.Error())
			return fmt.Errorf("write chunk %d: %w", idx, err)
		}

		st.MarkReceived(idx)
		if c.Store != nil {
			if err := c.Store.Save(st); err != nil {
				log.Printf("[transfer] checkpoint %s: %v", st.TransferID, err)
			}
		}
		if c.OnProgress != nil {
			c.OnProgress(st)
		}
	}
	return nil
}

// fetchChunk requests one chunk with retry. A dead connection is
// redialed between attempts; the possibly-replaced session is returned
// so the caller keeps using it.
func (c *Client) fetchChunk(ctx context.Context, st *State, remotePath string, sess *session, codec *chunk.Codec, idx int) ([]byte, *session, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, sess, ctx.Err()
			case <-time.After(c.retryDelay):
			}
			sess.close()
			fresh, err := c.dial(ctx, st.Peer.TransferAddr())
			if err != nil {
				lastErr = err
				continue
			}
			sess = fresh
		}

		plain, err := c.requestChunk(sess, remotePath, st, codec, idx)
		if err == nil {
			return plain, sess, nil
		}
		lastErr = err
		// A remote ERR is authoritative; retrying the same request
		// will not change the answer.
		var remote *ErrRemote
		if errors.As(err, &remote) {
			break
		}
		log.Printf("[transfer] chunk %d attempt %d: %v", idx, attempt+1, err)
	}
	return nil, sess, fmt.Errorf("chunk %d after %d attempts: %w", idx, c.maxRetries+1, lastErr)
}

func (c *Client) requestChunk(sess *session, remotePath string, st *State, codec *chunk.Codec, idx int) ([]byte, error) {
	sess.conn.SetDeadline(time.Now().Add(ReadTimeout))
	if err := writeChunkRequest(sess.conn, remotePath, idx, st.ChunkSize); err != nil {
		return nil, err
	}
	if err := readReply(sess.br, CmdRespChunk); err != nil {
		return nil, err
	}
	rec, err := chunk.ReadRecord(sess.br)
	if err != nil {
		return nil, err
	}
	if rec.Index != idx {
		return nil, fmt.Errorf("%w: asked for chunk %d, got %d", ErrProtocol, idx, rec.Index)
	}
	plain, err := codec.Decode(rec)
	if err != nil {
		return nil, err
	}
	if want := chunk.Len(st.File.Size, st.ChunkSize, idx); len(plain) != want {
		return nil, fmt.Errorf("%w: chunk %d is %d bytes, want %d", ErrProtocol, idx, len(plain), want)
	}
	return plain, nil
}

func verifyHash(path, want string) error {
	got, err := share.HashFile(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: file hash %s, expected %s", chunk.ErrIntegrity, got, want)
	}
	return nil
}

// FetchStream downloads a file via the legacy whole-file stream. The
// caller supplies the symmetric key out of band.
func (c *Client) FetchStream(ctx context.Context, addr, remotePath string, key []byte) ([]byte, error) {
	sess, err := c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer sess.close()

	sess.conn.SetDeadline(time.Now().Add(ReadTimeout))
	if _, err := io.WriteString(sess.conn, remotePath+"\n"); err != nil {
		return nil, fmt.Errorf("send stream request: %w", err)
	}

	var hdr [8]byte
	if _, err := io.ReadFull(sess.br, hdr[:]); err != nil {
		return nil, fmt.Errorf("read stream header: %w", err)
	}
	// An ERR frame is shorter than any plausible length prefix; its
	// first byte 0xFF in the high position gives it away.
	if hdr[0] == CmdErr {
		reason, _ := readString(io.MultiReader(bytes.NewReader(hdr[1:]), sess.br))
		return nil, &ErrRemote{Reason: reason}
	}
	n := binary.BigEndian.Uint64(hdr[:])
	if n > 1<<32 {
		return nil, fmt.Errorf("%w: stream of %d bytes", ErrProtocol, n)
	}
	sealed := make([]byte, n)
	if _, err := io.ReadFull(sess.br, sealed); err != nil {
		return nil, fmt.Errorf("read stream body: %w", err)
	}
	plain, err := security.DecryptChunk(sealed, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chunk.ErrIntegrity, err)
	}
	return plain, nil
}
