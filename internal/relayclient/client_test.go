package relayclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftlab/driftshare/internal/chunk"
	"github.com/driftlab/driftshare/internal/peer"
	"github.com/driftlab/driftshare/internal/relay"
	"github.com/driftlab/driftshare/internal/share"
)

func newRelayAndClient(t *testing.T, opts relay.Options) (*relay.Server, *Client) {
	t.Helper()
	if opts.StorageDir == "" {
		opts.StorageDir = t.TempDir()
	}
	srv := relay.New(opts)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, New(ts.URL, opts.APIKey, 1024, 2, 10*time.Millisecond)
}

func writeTemp(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	_, c := newRelayAndClient(t, relay.Options{})
	content := bytes.Repeat([]byte("chunked upload "), 500) // several 1 KiB chunks
	src := writeTemp(t, "big.txt", content)

	ref, err := c.Upload(context.Background(), src, "sender-1", UploadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if ref.FileSize != int64(len(content)) || ref.FileHash == "" {
		t.Errorf("ref = %+v", ref)
	}

	dest := filepath.Join(t.TempDir(), "copy.txt")
	if err := c.FetchByRef(context.Background(), ref, dest, true, nil); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Error("relayed content differs from source")
	}
	if _, err := os.Stat(dest + ".tmp"); !os.IsNotExist(err) {
		t.Error(".tmp left behind")
	}
}

func TestEncryptedUploadRoundTrip(t *testing.T) {
	_, c := newRelayAndClient(t, relay.Options{})
	content := []byte("the relay operator must not read this")
	src := writeTemp(t, "secret.txt", content)
	secret := []byte("rendezvous-passphrase")

	ref, err := c.Upload(context.Background(), src, "sender-1", UploadOptions{Encrypt: true, Secret: secret})
	if err != nil {
		t.Fatal(err)
	}
	if !ref.Encrypted {
		t.Fatal("ref not flagged encrypted")
	}

	// Without the secret the stored blob is ciphertext.
	opaque := filepath.Join(t.TempDir(), "opaque.bin")
	if err := c.Download(context.Background(), ref.DownloadURL, opaque); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(opaque)
	if bytes.Contains(raw, content) {
		t.Fatal("plaintext visible in relayed blob")
	}

	dest := filepath.Join(t.TempDir(), "secret.txt")
	if err := c.FetchByRef(context.Background(), ref, dest, false, secret); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, content) {
		t.Error("decrypted content differs")
	}

	// Wrong secret must fail, not yield garbage.
	if err := c.FetchByRef(context.Background(), ref, dest, false, []byte("wrong")); err == nil {
		t.Error("wrong secret decrypted successfully")
	}
}

func TestDownloadResumesFromTmp(t *testing.T) {
	_, c := newRelayAndClient(t, relay.Options{})
	content := []byte("0123456789abcdefghij")
	src := writeTemp(t, "r.bin", content)

	ref, err := c.Upload(context.Background(), src, "s", UploadOptions{})
	if err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "r.bin")
	// A previous run left the first half.
	if err := os.WriteFile(dest+".tmp", content[:10], 0644); err != nil {
		t.Fatal(err)
	}

	if err := c.DownloadFile(context.Background(), ref.DownloadURL, dest, DownloadOptions{VerifyHash: ref.FileHash}); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, content) {
		t.Errorf("resumed download = %q", got)
	}
}

func TestHashMismatchRejected(t *testing.T) {
	_, c := newRelayAndClient(t, relay.Options{})
	src := writeTemp(t, "h.bin", []byte("payload"))

	ref, err := c.Upload(context.Background(), src, "s", UploadOptions{})
	if err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "h.bin")
	err = c.DownloadFile(context.Background(), ref.DownloadURL, dest, DownloadOptions{
		VerifyHash: "0000000000000000000000000000000000000000000000000000000000000000",
	})
	if !errors.Is(err, chunk.ErrIntegrity) {
		t.Fatalf("got %v, want ErrIntegrity", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("mismatched file was finalized")
	}
}

func TestExpiredDownloadSurfacesErrExpired(t *testing.T) {
	_, c := newRelayAndClient(t, relay.Options{Expiry: 30 * time.Millisecond})
	src := writeTemp(t, "e.bin", []byte("gone soon"))

	ref, err := c.Upload(context.Background(), src, "s", UploadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	err = c.Download(context.Background(), ref.DownloadURL, filepath.Join(t.TempDir(), "e.bin"))
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("got %v, want ErrExpired", err)
	}
}

func TestPeerDirectoryRoundTrip(t *testing.T) {
	_, c := newRelayAndClient(t, relay.Options{})
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	self := peer.Identity{ID: "node-1", DisplayName: "Node One", Port: 9400, TransferPort: 9401, PublicKey: pub}

	if err := c.RegisterPeer(context.Background(), self); err != nil {
		t.Fatal(err)
	}
	if err := c.PeerHeartbeat(context.Background(), "node-1"); err != nil {
		t.Fatal(err)
	}

	// Excluding ourselves hides the only entry.
	peers, err := c.ListPeers(context.Background(), "node-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 0 {
		t.Errorf("self not excluded: %+v", peers)
	}

	peers, err = c.ListPeers(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0].ID != "node-1" {
		t.Fatalf("directory = %+v", peers)
	}
	if !peers[0].PublicKey.Equal(pub) {
		t.Error("public key mangled in transit")
	}
	if peers[0].Host == "" || peers[0].Host == "auto" {
		t.Errorf("publicIp auto unresolved: %q", peers[0].Host)
	}
	if peers[0].Port != 9400 || peers[0].TransferPort != 9401 {
		t.Errorf("ports = %d/%d, want registered 9400/9401", peers[0].Port, peers[0].TransferPort)
	}
}

func TestSearchFiles(t *testing.T) {
	_, c := newRelayAndClient(t, relay.Options{})
	future := time.Now().Add(time.Hour)

	for _, f := range []struct{ id, name, sender string }{
		{"s1", "quarterly-report.pdf", "alice"},
		{"s2", "report-draft.pdf", "bob"},
		{"s3", "cat.png", "bob"},
	} {
		err := c.RegisterFile(context.Background(), &relay.FileRef{
			UploadID: f.id, FileName: f.name, SenderID: f.sender, ExpiresAt: future.UnixMilli(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	refs, err := c.SearchFiles(context.Background(), "report", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].UploadID != "s2" {
		t.Errorf("search = %+v", refs)
	}
}

func TestPinCreateAndFind(t *testing.T) {
	_, c := newRelayAndClient(t, relay.Options{})
	src := writeTemp(t, "doc.pdf", []byte("pdf bytes"))

	ref, err := c.Upload(context.Background(), src, "owner", UploadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.CreatePin(context.Background(), "482193", ref, time.Now().Add(10*time.Minute)); err != nil {
		t.Fatal(err)
	}

	found, err := c.FindPin(context.Background(), "482193")
	if err != nil {
		t.Fatal(err)
	}
	if found.File == nil || found.File.UploadID != ref.UploadID {
		t.Fatalf("pin resolved to %+v", found.File)
	}

	// Full PIN relay fallback shape: fetch through the resolved ref
	// and compare hashes end to end.
	dest := filepath.Join(t.TempDir(), "doc.pdf")
	if err := c.FetchByRef(context.Background(), found.File, dest, true, nil); err != nil {
		t.Fatal(err)
	}
	gotHash, err := share.HashFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if gotHash != ref.FileHash {
		t.Error("PIN-resolved download hash differs from source")
	}

	if _, err := c.FindPin(context.Background(), "000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown pin: got %v, want ErrNotFound", err)
	}
}
