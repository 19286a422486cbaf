package preview

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/driftlab/driftshare/internal/chunk"
	"github.com/driftlab/driftshare/internal/peer"
	"github.com/driftlab/driftshare/internal/security"
	"github.com/driftlab/driftshare/internal/share"
	"github.com/driftlab/driftshare/internal/transport"
)

func newGenerator(t *testing.T) (*Generator, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return NewGenerator("owner", priv, DefaultOptions()), pub
}

func shareTemp(t *testing.T, name string, content []byte) share.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	return share.File{
		LocalPath:   path,
		LogicalName: name,
		Size:        int64(len(content)),
		OwnerPeerID: "owner",
	}
}

func TestManifestSignRoundTrip(t *testing.T) {
	gen, pub := newGenerator(t)
	f := shareTemp(t, "a.bin", []byte{1, 2, 3})

	m, _, err := gen.Generate(f, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Verify(pub); err != nil {
		t.Fatalf("own signature rejected: %v", err)
	}

	// Any signed field change must invalidate the signature.
	m.FileName = "b.bin"
	if err := m.Verify(pub); err == nil {
		t.Fatal("tampered manifest verified")
	}
}

func TestRandomSignatureRejected(t *testing.T) {
	_, pub := newGenerator(t)
	junk := make([]byte, ed25519.SignatureSize)
	rand.Read(junk)

	m := &Manifest{
		FileHash:    "deadbeef",
		FileName:    "bait.iso",
		OwnerPeerID: "owner",
		Timestamp:   time.Now().UnixMilli(),
		Signature:   hex.EncodeToString(junk),
	}
	if err := m.Verify(pub); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("got %v, want ErrBadSignature", err)
	}
}

func TestTextSnippetLimits(t *testing.T) {
	gen, _ := newGenerator(t)

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "short file kept whole",
			content: "hello\nworld\n",
			want:    "hello\nworld\n",
		},
		{
			name:    "line limit wins on many short lines",
			content: strings.Repeat("ln\n", 50),
			want:    strings.Repeat("ln\n", 10),
		},
		{
			name:    "char limit wins on one long line",
			content: strings.Repeat("x", 2000),
			want:    strings.Repeat("x", 500),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := shareTemp(t, "note.txt", []byte(tt.content))
			m, contents, err := gen.Generate(f, "h")
			if err != nil {
				t.Fatal(err)
			}
			if !m.Supports(TypeTextSnippet) {
				t.Fatal("text file produced no snippet")
			}
			if got := string(m.Snippet); got != tt.want {
				t.Errorf("snippet = %d chars, want %d", len(got), len(tt.want))
			}
			c := contents[TypeTextSnippet]
			if c == nil || c.DataHash != m.PreviewHashes[TypeTextSnippet] {
				t.Error("content hash not recorded in manifest")
			}
		})
	}
}

func TestReadHeadToleratesShortReads(t *testing.T) {
	content := []byte("line one\nline two\n")

	// A reader that returns one byte per Read call may legally deliver
	// the head in many short reads; readHead must still collect it all.
	got, err := readHead(iotest.OneByteReader(bytes.NewReader(content)), 1024)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("readHead = %q, want the full %d-byte content", got, len(content))
	}

	// A source longer than the cap stops exactly at n bytes.
	got, err = readHead(iotest.OneByteReader(bytes.NewReader(content)), 8)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "line one" {
		t.Errorf("capped readHead = %q, want first 8 bytes", got)
	}
}

func TestThumbnailFitsBox(t *testing.T) {
	gen, _ := newGenerator(t)

	// 400x100 source must come out 200x50.
	img := image.NewRGBA(image.Rect(0, 0, 400, 100))
	for x := 0; x < 400; x++ {
		img.Set(x, x%100, color.RGBA{R: uint8(x), A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	f := shareTemp(t, "wide.png", buf.Bytes())

	m, contents, err := gen.Generate(f, "h")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Supports(TypeThumbnail) {
		t.Fatal("image produced no thumbnail")
	}
	c := contents[TypeThumbnail]
	if c.Width != 200 || c.Height != 50 {
		t.Errorf("thumbnail %dx%d, want 200x50", c.Width, c.Height)
	}
	if c.Format != "jpeg" {
		t.Errorf("format = %q", c.Format)
	}
	if _, _, err := image.Decode(bytes.NewReader(c.Data)); err != nil {
		t.Errorf("thumbnail not decodable: %v", err)
	}
}

func TestSmallImageNotUpscaled(t *testing.T) {
	gen, _ := newGenerator(t)
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	f := shareTemp(t, "tiny.png", buf.Bytes())

	_, contents, err := gen.Generate(f, "h")
	if err != nil {
		t.Fatal(err)
	}
	c := contents[TypeThumbnail]
	if c.Width != 40 || c.Height != 30 {
		t.Errorf("thumbnail %dx%d, want original 40x30", c.Width, c.Height)
	}
}

func TestArchiveListing(t *testing.T) {
	gen, _ := newGenerator(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"docs/readme.md": "hello archive",
		"bin/tool":       strings.Repeat("B", 300),
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(body))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f := shareTemp(t, "bundle.zip", buf.Bytes())

	m, contents, err := gen.Generate(f, "h")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Supports(TypeArchiveListing) {
		t.Fatal("zip produced no listing")
	}
	if len(m.ArchiveListing) != 2 {
		t.Fatalf("listing = %+v", m.ArchiveListing)
	}
	if m.TotalUncompressed != int64(len("hello archive"))+300 {
		t.Errorf("total uncompressed = %d", m.TotalUncompressed)
	}
	if contents[TypeArchiveListing].Format != "json" {
		t.Errorf("format = %q", contents[TypeArchiveListing].Format)
	}
}

func TestOversizedFileMetadataOnly(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	gen := NewGenerator("owner", priv, Options{
		MaxFileSize: 10, ThumbnailSize: 200, TextMaxLines: 10, TextMaxChars: 500,
	})
	f := shareTemp(t, "big.txt", []byte("well over ten bytes of text"))

	m, contents, err := gen.Generate(f, "h")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.AvailableTypes) != 1 || m.AvailableTypes[0] != TypeMetadataOnly {
		t.Errorf("types = %v, want metadata only", m.AvailableTypes)
	}
	if len(contents) != 0 {
		t.Errorf("oversized file produced %d contents", len(contents))
	}
}

func TestZeroByteFileMetadataOnly(t *testing.T) {
	gen, _ := newGenerator(t)
	f := shareTemp(t, "empty.txt", nil)

	m, contents, err := gen.Generate(f, "h")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.AvailableTypes) != 1 || m.AvailableTypes[0] != TypeMetadataOnly {
		t.Errorf("types = %v, want metadata only", m.AvailableTypes)
	}
	if len(contents) != 0 {
		t.Error("zero-byte file produced preview content")
	}
}

type testNode struct {
	id  peer.Identity
	svc *Service
	reg *peer.Registry
	tr  *transport.Transport
}

func newTestNode(t *testing.T, name string) *testNode {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := security.NewEphemeralCert(name)
	if err != nil {
		t.Fatal(err)
	}

	reg := peer.NewRegistry(time.Second)
	tr := transport.New(name, name, pub, priv, cert, func(peerID string) ed25519.PublicKey {
		return ed25519.PublicKey(reg.PinnedKey(peerID))
	})
	if err := tr.Listen(0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tr.Close)

	id := peer.Identity{ID: name, DisplayName: name, Host: "127.0.0.1", PublicKey: pub}
	svc := NewService(id, priv, tr, reg, share.NewIndex(name), DefaultOptions())
	svc.Start()
	return &testNode{id: id, svc: svc, reg: reg, tr: tr}
}

// link makes b reachable from a and pins b's key.
func link(t *testing.T, a, b *testNode) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(b.tr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	id := b.id
	if host != "" && host != "::" && host != "0.0.0.0" {
		id.Host = host
	}
	id.Port = port
	if err := a.reg.Join(id); err != nil {
		t.Fatal(err)
	}
}

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestFetchManifestAndContent(t *testing.T) {
	owner := newTestNode(t, "owner")
	viewer := newTestNode(t, "viewer")
	link(t, viewer, owner)

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("line one\nline two\n"), 0644); err != nil {
		t.Fatal(err)
	}
	f, _, err := owner.svc.Share(path)
	if err != nil {
		t.Fatal(err)
	}

	ownerID, _ := viewer.reg.Get("owner")
	m, err := viewer.svc.FetchManifest(ctx(t), ownerID, f.FileHash)
	if err != nil {
		t.Fatal(err)
	}
	if m.FileName != "notes.txt" || !m.Supports(TypeTextSnippet) {
		t.Fatalf("manifest = %+v", m)
	}

	c, err := viewer.svc.FetchContent(ctx(t), ownerID, m, TypeTextSnippet)
	if err != nil {
		t.Fatal(err)
	}
	if string(c.Data) != "line one\nline two\n" {
		t.Errorf("snippet = %q", c.Data)
	}
}

func TestFetchUnknownHash(t *testing.T) {
	owner := newTestNode(t, "owner")
	viewer := newTestNode(t, "viewer")
	link(t, viewer, owner)

	ownerID, _ := viewer.reg.Get("owner")
	_, err := viewer.svc.FetchManifest(ctx(t), ownerID, "no-such-hash")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestPreviewPolicyForbidden(t *testing.T) {
	owner := newTestNode(t, "owner")
	viewer := newTestNode(t, "viewer")
	link(t, viewer, owner)

	path := filepath.Join(t.TempDir(), "private.txt")
	if err := os.WriteFile(path, []byte("secret"), 0644); err != nil {
		t.Fatal(err)
	}
	f, m, err := owner.svc.Share(path)
	if err != nil {
		t.Fatal(err)
	}
	m.TrustedPeersOnly = []string{"somebody-else"}

	ownerID, _ := viewer.reg.Get("owner")
	if _, err := viewer.svc.FetchManifest(ctx(t), ownerID, f.FileHash); !errors.Is(err, ErrForbidden) {
		t.Fatalf("trusted-only: got %v, want ErrForbidden", err)
	}

	m.TrustedPeersOnly = nil
	m.AllowPreview = false
	if _, err := viewer.svc.FetchManifest(ctx(t), ownerID, f.FileHash); !errors.Is(err, ErrForbidden) {
		t.Fatalf("allowPreview=false: got %v, want ErrForbidden", err)
	}
}

func TestContentHashMismatchRejected(t *testing.T) {
	owner := newTestNode(t, "owner")
	viewer := newTestNode(t, "viewer")
	link(t, viewer, owner)

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("trust but verify"), 0644); err != nil {
		t.Fatal(err)
	}
	f, _, err := owner.svc.Share(path)
	if err != nil {
		t.Fatal(err)
	}

	ownerID, _ := viewer.reg.Get("owner")
	m, err := viewer.svc.FetchManifest(ctx(t), ownerID, f.FileHash)
	if err != nil {
		t.Fatal(err)
	}

	// A manifest promising a different digest must cause the fetched
	// content to be rejected, not surfaced.
	m.PreviewHashes[TypeTextSnippet] = strings.Repeat("0", 64)
	if _, err := viewer.svc.FetchContent(ctx(t), ownerID, m, TypeTextSnippet); !errors.Is(err, chunk.ErrIntegrity) {
		t.Fatalf("got %v, want ErrIntegrity", err)
	}
}

func TestForgedManifestDiscarded(t *testing.T) {
	owner := newTestNode(t, "owner")
	viewer := newTestNode(t, "viewer")
	link(t, viewer, owner)

	// The attacker controls the manifest bytes but not owner's key:
	// swap the cached manifest for one with a junk signature.
	path := filepath.Join(t.TempDir(), "real.txt")
	if err := os.WriteFile(path, []byte("real content"), 0644); err != nil {
		t.Fatal(err)
	}
	f, m, err := owner.svc.Share(path)
	if err != nil {
		t.Fatal(err)
	}
	junk := make([]byte, ed25519.SignatureSize)
	rand.Read(junk)
	m.FileName = "forged.exe"
	m.Signature = hex.EncodeToString(junk)

	ownerID, _ := viewer.reg.Get("owner")
	if _, err := viewer.svc.FetchManifest(ctx(t), ownerID, f.FileHash); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("got %v, want ErrBadSignature", err)
	}
}
