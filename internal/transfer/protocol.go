package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/driftlab/driftshare/internal/chunk"
)

// Direct-protocol command bytes. Every request on the authenticated
// channel leads with one of these; anything printable is sniffed as a
// legacy inline-stream request (a bare newline-terminated path).
const (
	CmdReqMetadata  byte = 0x01
	CmdReqChunk     byte = 0x02
	CmdRespMetadata byte = 0x11
	CmdRespChunk    byte = 0x12
	CmdErr          byte = 0xFF
)

// ErrProtocol covers unexpected command bytes, malformed headers, and
// length mismatches. The connection is closed and the caller failed.
var ErrProtocol = errors.New("transfer protocol violation")

// ErrRemote wraps an ERR reply from the remote side.
type ErrRemote struct{ Reason string }

func (e *ErrRemote) Error() string { return "remote error: " + e.Reason }

const maxStringLen = 4096

// Metadata is the RESP_METADATA body. The per-transfer key is
// generated by the owner and travels only on the mutually
// authenticated channel.
type Metadata struct {
	FileName   string
	FileSize   int64
	ChunkSize  int
	Compressed bool // compression hint for the whole transfer
	Key        []byte
}

func writeString(w io.Writer, s string) error {
	if len(s) > maxStringLen {
		return fmt.Errorf("%w: string of %d bytes", ErrProtocol, len(s))
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(s)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if n > maxStringLen {
		return "", fmt.Errorf("%w: string of %d bytes", ErrProtocol, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeBytes(w io.Writer, b []byte) error {
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeMetadataRequest frames REQ_METADATA(path).
func writeMetadataRequest(w io.Writer, path string) error {
	if _, err := w.Write([]byte{CmdReqMetadata}); err != nil {
		return err
	}
	return writeString(w, path)
}

// writeChunkRequest frames REQ_CHUNK(path, index, chunkSize).
func writeChunkRequest(w io.Writer, path string, index, chunkSize int) error {
	if _, err := w.Write([]byte{CmdReqChunk}); err != nil {
		return err
	}
	if err := writeString(w, path); err != nil {
		return err
	}
	var body [8]byte
	binary.BigEndian.PutUint32(body[0:4], uint32(index))
	binary.BigEndian.PutUint32(body[4:8], uint32(chunkSize))
	_, err := w.Write(body[:])
	return err
}

// writeMetadataResponse frames RESP_METADATA.
func writeMetadataResponse(w io.Writer, md Metadata) error {
	if _, err := w.Write([]byte{CmdRespMetadata}); err != nil {
		return err
	}
	if err := writeString(w, md.FileName); err != nil {
		return err
	}
	var body [13]byte
	binary.BigEndian.PutUint64(body[0:8], uint64(md.FileSize))
	binary.BigEndian.PutUint32(body[8:12], uint32(md.ChunkSize))
	if md.Compressed {
		body[12] = 1
	}
	if _, err := w.Write(body[:]); err != nil {
		return err
	}
	return writeBytes(w, md.Key)
}

// writeChunkResponse frames RESP_CHUNK followed by the chunk record.
func writeChunkResponse(w io.Writer, rec chunk.Record) error {
	if _, err := w.Write([]byte{CmdRespChunk}); err != nil {
		return err
	}
	return chunk.WriteRecord(w, rec)
}

// writeErr frames ERR(reason).
func writeErr(w io.Writer, reason string) error {
	if _, err := w.Write([]byte{CmdErr}); err != nil {
		return err
	}
	return writeString(w, reason)
}

// readCommand reads the leading command byte of a reply.
func readCommand(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// readMetadataResponse parses the bytes after a RESP_METADATA command.
func readMetadataResponse(r io.Reader) (Metadata, error) {
	name, err := readString(r)
	if err != nil {
		return Metadata{}, fmt.Errorf("read file name: %w", err)
	}
	var body [13]byte
	if _, err := io.ReadFull(r, body[:]); err != nil {
		return Metadata{}, fmt.Errorf("read metadata body: %w", err)
	}
	key, err := readBytes(r)
	if err != nil {
		return Metadata{}, fmt.Errorf("read key: %w", err)
	}
	md := Metadata{
		FileName:   name,
		FileSize:   int64(binary.BigEndian.Uint64(body[0:8])),
		ChunkSize:  int(binary.BigEndian.Uint32(body[8:12])),
		Compressed: body[12] == 1,
		Key:        key,
	}
	if md.FileSize < 0 || md.ChunkSize <= 0 {
		return Metadata{}, fmt.Errorf("%w: size %d, chunk size %d", ErrProtocol, md.FileSize, md.ChunkSize)
	}
	return md, nil
}

// readReply reads a command byte, surfacing ERR replies as ErrRemote.
func readReply(r io.Reader, want byte) error {
	cmd, err := readCommand(r)
	if err != nil {
		return err
	}
	switch cmd {
	case want:
		return nil
	case CmdErr:
		reason, rerr := readString(r)
		if rerr != nil {
			return fmt.Errorf("%w: unreadable ERR body", ErrProtocol)
		}
		return &ErrRemote{Reason: reason}
	default:
		return fmt.Errorf("%w: unexpected command 0x%02x", ErrProtocol, cmd)
	}
}
