// Command driftshare-node runs a file-sharing endpoint: it announces
// itself on the LAN, answers searches and preview requests, serves
// shared files over the direct transfer protocol, and optionally
// syncs with a relay for cross-network operation.
//
// Usage:
//
//	driftshare-node run [--share <path>]...
//	driftshare-node send <file>
//	driftshare-node fetch <pin> [dest-dir]
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/driftlab/driftshare/internal/config"
	"github.com/driftlab/driftshare/internal/discovery"
	"github.com/driftlab/driftshare/internal/peer"
	"github.com/driftlab/driftshare/internal/pin"
	"github.com/driftlab/driftshare/internal/preview"
	"github.com/driftlab/driftshare/internal/relayclient"
	"github.com/driftlab/driftshare/internal/search"
	"github.com/driftlab/driftshare/internal/security"
	"github.com/driftlab/driftshare/internal/share"
	"github.com/driftlab/driftshare/internal/transfer"
	"github.com/driftlab/driftshare/internal/transport"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: driftshare-node <run|send|fetch>")
		os.Exit(1)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(cfg)
	case "send":
		cmdSend(cfg)
	case "fetch":
		cmdFetch(cfg)
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		fmt.Println("Usage: driftshare-node <run|send|fetch>")
		os.Exit(1)
	}
}

func driftshareDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}
	return filepath.Join(home, ".driftshare")
}

func peerIDFromPublicKey(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub[:8])
}

func cmdRun(cfg config.Config) {
	dir := driftshareDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		log.Fatalf("create %s: %v", dir, err)
	}

	pub, priv, err := security.LoadOrGenerateKeypair(filepath.Join(dir, "node.key"))
	if err != nil {
		log.Fatalf("load keypair: %v", err)
	}
	peerID := peerIDFromPublicKey(pub)

	cert, err := security.LoadOrGenerateCert(
		filepath.Join(dir, "node.crt"), filepath.Join(dir, "node.crt.key"), peerID)
	if err != nil {
		log.Fatalf("load certificate: %v", err)
	}

	registry := peer.NewRegistry(cfg.HeartbeatInterval)
	tr := transport.New(peerID, cfg.DisplayName, pub, priv, cert, func(id string) ed25519.PublicKey {
		return ed25519.PublicKey(registry.PinnedKey(id))
	})
	if err := tr.Listen(cfg.ListenPort); err != nil {
		log.Fatalf("transport listen: %v", err)
	}
	defer tr.Close()

	msgPort := boundPort(tr.Addr())

	// The binary chunk protocol cannot share the message port; it runs
	// on the next one up and the identity advertises both, so peers
	// dial the chunk listener directly instead of guessing.
	index := share.NewIndex(peerID)
	transferSrv := transfer.NewServer(index, priv)
	if err := transferSrv.Listen(msgPort+1, cert); err != nil {
		log.Fatalf("transfer listen: %v", err)
	}
	defer transferSrv.Close()

	self := peer.Identity{
		ID:           peerID,
		DisplayName:  cfg.DisplayName,
		Port:         msgPort,
		TransferPort: msgPort + 1,
		PublicKey:    pub,
	}

	var relayDir discovery.RelayDirectory
	var relayPins pin.RelayPins
	if cfg.ServerURL != "" {
		rc := relayclient.New(cfg.ServerURL, cfg.APIKey, cfg.RelayChunkSize, cfg.MaxRetries, cfg.RetryDelay)
		relayDir = rc
		relayPins = rc
	}

	previewSvc := preview.NewService(self, priv, tr, registry, index, preview.Options{
		MaxFileSize:   cfg.PreviewMaxFileSize,
		ThumbnailSize: cfg.PreviewThumbnailSize,
		TextMaxLines:  cfg.PreviewTextMaxLines,
		TextMaxChars:  cfg.PreviewTextMaxChars,
	})
	previewSvc.Start()

	searchSvc := search.NewService(self, tr, registry, index)
	searchSvc.Start()

	pinSvc := pin.NewService(self, priv, tr, registry, relayPins, cfg.PinLifetime)
	pinSvc.Start()

	for _, path := range sharePaths(os.Args[2:]) {
		f, _, err := previewSvc.Share(path)
		if err != nil {
			log.Printf("[node] share %s: %v", path, err)
			continue
		}
		log.Printf("[node] sharing %s (%d bytes, %s)", f.LogicalName, f.Size, f.FileHash[:12])
	}

	sup := suture.NewSimple("driftshare-node")
	sup.Add(discovery.NewService(self, priv, registry, discovery.Options{
		Interval: cfg.HeartbeatInterval,
		Relay:    relayDir,
	}))
	sup.Add(pinSvc)
	sup.Add(transferSrv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
	}()

	fmt.Printf("Driftshare node %s (%s) listening on port %d\n", peerID, cfg.DisplayName, msgPort)
	if err := sup.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("supervisor: %v", err)
	}
}

// cmdSend uploads a file to the relay and binds a fresh PIN to it, so
// any peer of the same relay can fetch it with the six digits.
func cmdSend(cfg config.Config) {
	if len(os.Args) < 3 {
		fmt.Println("Usage: driftshare-node send <file>")
		os.Exit(1)
	}
	path := os.Args[2]

	dir := driftshareDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		log.Fatalf("create %s: %v", dir, err)
	}
	pub, _, err := security.LoadOrGenerateKeypair(filepath.Join(dir, "node.key"))
	if err != nil {
		log.Fatalf("load keypair: %v", err)
	}
	senderID := peerIDFromPublicKey(pub)

	rc := relayclient.New(cfg.ServerURL, cfg.APIKey, cfg.RelayChunkSize, cfg.MaxRetries, cfg.RetryDelay)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.UploadTimeout)
	defer cancel()

	ref, err := rc.Upload(ctx, path, senderID, relayclient.UploadOptions{Expiry: cfg.DefaultExpiry})
	if err != nil {
		log.Fatalf("upload: %v", err)
	}

	code, err := pin.NewCode()
	if err != nil {
		log.Fatalf("draw pin: %v", err)
	}
	if err := rc.CreatePin(ctx, code, ref, time.Now().Add(cfg.PinLifetime)); err != nil {
		log.Fatalf("register pin: %v", err)
	}

	fmt.Printf("Uploaded %s (%d bytes)\n", ref.FileName, ref.FileSize)
	fmt.Printf("PIN: %s (valid %s)\n", code, cfg.PinLifetime)
}

// cmdFetch resolves a PIN through the relay and downloads the file.
func cmdFetch(cfg config.Config) {
	if len(os.Args) < 3 {
		fmt.Println("Usage: driftshare-node fetch <pin> [dest-dir]")
		os.Exit(1)
	}
	code := os.Args[2]
	destDir := "."
	if len(os.Args) > 3 {
		destDir = os.Args[3]
	}

	rc := relayclient.New(cfg.ServerURL, cfg.APIKey, cfg.RelayChunkSize, cfg.MaxRetries, cfg.RetryDelay)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DownloadTimeout)
	defer cancel()

	binding, err := rc.FindPin(ctx, code)
	if err != nil {
		log.Fatalf("resolve pin %s: %v", code, err)
	}
	ref := binding.File

	dest := filepath.Join(destDir, ref.FileName)
	if err := rc.FetchByRef(ctx, ref, dest, ref.FileHash != "", nil); err != nil {
		log.Fatalf("download: %v", err)
	}
	fmt.Printf("Saved %s (%d bytes)\n", dest, ref.FileSize)
}

func sharePaths(args []string) []string {
	var paths []string
	for i := 0; i < len(args); i++ {
		if args[i] == "--share" && i+1 < len(args) {
			paths = append(paths, args[i+1])
			i++
		}
	}
	return paths
}

func boundPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}
