package chunk

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Records travel as big-endian framed fields:
//
//	int32  chunkIndex
//	int32  originalLength
//	uint8  compressed (0 or 1)
//	int32  payloadLength
//	bytes  payload
//
// The contract is the field order and semantics; see the direct
// transfer protocol for the surrounding command framing.

const maxWirePayload = 16 << 20 // sanity bound well above the relay chunk size

// WriteRecord frames rec onto w.
func WriteRecord(w io.Writer, rec Record) error {
	hdr := make([]byte, 13)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(rec.Index))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(rec.OrigLen))
	if rec.Compressed {
		hdr[8] = 1
	}
	binary.BigEndian.PutUint32(hdr[9:13], uint32(len(rec.Payload)))

	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("write record header: %w", err)
	}
	if _, err := w.Write(rec.Payload); err != nil {
		return fmt.Errorf("write record payload: %w", err)
	}
	return nil
}

// ReadRecord reads one framed record from r. Truncation mid-record is
// an error, never a short result.
func ReadRecord(r io.Reader) (Record, error) {
	hdr := make([]byte, 13)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Record{}, fmt.Errorf("read record header: %w", err)
	}

	rec := Record{
		Index:      int(int32(binary.BigEndian.Uint32(hdr[0:4]))),
		OrigLen:    int(int32(binary.BigEndian.Uint32(hdr[4:8]))),
		Compressed: hdr[8] == 1,
	}
	plen := binary.BigEndian.Uint32(hdr[9:13])
	if plen > maxWirePayload {
		return Record{}, fmt.Errorf("record payload length %d exceeds limit", plen)
	}
	if rec.Index < 0 || rec.OrigLen < 0 {
		return Record{}, fmt.Errorf("negative record field (index %d, len %d)", rec.Index, rec.OrigLen)
	}

	rec.Payload = make([]byte, plen)
	if _, err := io.ReadFull(r, rec.Payload); err != nil {
		return Record{}, fmt.Errorf("read record payload: %w", err)
	}
	return rec, nil
}
