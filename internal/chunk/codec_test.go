package chunk

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return key
}

func TestCodecRoundTrip(t *testing.T) {
	key := randomKey(t)

	cases := []struct {
		name  string
		file  string
		plain []byte
	}{
		{"compressible text", "notes.txt", bytes.Repeat([]byte("abcd"), 16384)},
		{"incompressible name", "video.mp4", bytes.Repeat([]byte{0x42, 0x17}, 1000)},
		{"single byte", "a.log", []byte{0x7f}},
		{"empty chunk", "empty.txt", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewCodec(key, tc.file)
			rec, err := c.Encode(3, tc.plain)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if rec.Index != 3 || rec.OrigLen != len(tc.plain) {
				t.Fatalf("record header = (%d,%d), want (3,%d)", rec.Index, rec.OrigLen, len(tc.plain))
			}
			got, err := c.Decode(rec)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !bytes.Equal(got, tc.plain) {
				t.Error("decoded bytes differ from original")
			}
		})
	}
}

func TestCodecCompressesText(t *testing.T) {
	key := randomKey(t)
	c := NewCodec(key, "report.txt")

	plain := bytes.Repeat([]byte("the quick brown fox "), 2000)
	rec, err := c.Encode(0, plain)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Compressed {
		t.Error("highly repetitive text chunk was not compressed")
	}
	if len(rec.Payload) >= len(plain) {
		t.Errorf("compressed payload (%d) not smaller than plaintext (%d)", len(rec.Payload), len(plain))
	}
}

func TestCodecSkipsIncompressibleRandomData(t *testing.T) {
	key := randomKey(t)
	c := NewCodec(key, "data.txt")

	plain := make([]byte, 64<<10)
	if _, err := rand.Read(plain); err != nil {
		t.Fatal(err)
	}
	rec, err := c.Encode(0, plain)
	if err != nil {
		t.Fatal(err)
	}
	// Deflate cannot shrink random bytes; the codec must fall back to raw.
	if rec.Compressed {
		t.Error("random data marked compressed")
	}
	got, err := c.Decode(rec)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Error("round trip mismatch")
	}
}

func TestDecodeRejectsCorruption(t *testing.T) {
	key := randomKey(t)
	c := NewCodec(key, "notes.txt")

	rec, err := c.Encode(0, []byte("some important bytes"))
	if err != nil {
		t.Fatal(err)
	}
	rec.Payload[len(rec.Payload)/2] ^= 0xff

	if _, err := c.Decode(rec); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("corrupted record: err = %v, want ErrIntegrity", err)
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	key := randomKey(t)
	c := NewCodec(key, "video.mp4") // no compression, so OrigLen is checked directly

	rec, err := c.Encode(0, []byte("twelve bytes"))
	if err != nil {
		t.Fatal(err)
	}
	rec.OrigLen = 5
	if _, err := c.Decode(rec); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("length mismatch: err = %v, want ErrIntegrity", err)
	}
}

func TestWireRoundTrip(t *testing.T) {
	rec := Record{Index: 7, OrigLen: 1234, Compressed: true, Payload: []byte("sealed bytes")}

	var buf bytes.Buffer
	if err := WriteRecord(&buf, rec); err != nil {
		t.Fatal(err)
	}
	got, err := ReadRecord(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Index != rec.Index || got.OrigLen != rec.OrigLen || got.Compressed != rec.Compressed || !bytes.Equal(got.Payload, rec.Payload) {
		t.Errorf("wire round trip mismatch: %+v != %+v", got, rec)
	}
}

func TestReadRecordRejectsTruncation(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRecord(&buf, Record{Index: 0, OrigLen: 10, Payload: make([]byte, 38)}); err != nil {
		t.Fatal(err)
	}
	truncated := buf.Bytes()[:buf.Len()-5]

	if _, err := ReadRecord(bytes.NewReader(truncated)); err == nil {
		t.Fatal("truncated record read without error")
	}
}

func TestShouldCompress(t *testing.T) {
	cases := map[string]bool{
		"notes.txt":     true,
		"main.go":       true,
		"archive.ZIP":   false,
		"song.mp3":      false,
		"movie.mkv":     false,
		"photo.jpeg":    false,
		"data.csv":      true,
		"bundle.tar.gz": false,
	}
	for name, want := range cases {
		if got := ShouldCompress(name); got != want {
			t.Errorf("ShouldCompress(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestNumChunksAndLen(t *testing.T) {
	cases := []struct {
		size      int64
		chunkSize int
		want      int
	}{
		{0, 65536, 0},
		{1, 65536, 1},
		{65536, 65536, 1},
		{65537, 65536, 2},
		{131072, 65536, 2}, // exact multiple: no short chunk
	}
	for _, tc := range cases {
		if got := NumChunks(tc.size, tc.chunkSize); got != tc.want {
			t.Errorf("NumChunks(%d, %d) = %d, want %d", tc.size, tc.chunkSize, got, tc.want)
		}
	}

	if got := Len(131072, 65536, 0); got != 65536 {
		t.Errorf("Len chunk 0 = %d, want 65536", got)
	}
	if got := Len(131072, 65536, 1); got != 65536 {
		t.Errorf("Len chunk 1 = %d, want 65536", got)
	}
	if got := Len(100000, 65536, 1); got != 100000-65536 {
		t.Errorf("short tail chunk = %d, want %d", got, 100000-65536)
	}
}
