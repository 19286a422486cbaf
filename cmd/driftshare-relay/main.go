package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftlab/driftshare/internal/relay"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	storageDir := os.Getenv("DRIFTSHARE_STORAGE_DIR")
	if storageDir == "" {
		storageDir = "data"
	}
	if err := os.MkdirAll(storageDir, 0700); err != nil {
		log.Fatalf("Failed to create storage dir: %v", err)
	}

	opts := relay.Options{
		StorageDir: storageDir,
		APIKey:     os.Getenv("DRIFTSHARE_RELAY_API_KEY"),
	}
	if v := os.Getenv("DRIFTSHARE_RELAY_EXPIRY_MS"); v != "" {
		ms, err := time.ParseDuration(v + "ms")
		if err != nil {
			log.Fatalf("DRIFTSHARE_RELAY_EXPIRY_MS: %v", err)
		}
		opts.Expiry = ms
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := relay.New(opts)
	srv.StartWorkers(ctx)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
	}()

	fmt.Printf("Driftshare relay running on http://localhost:%s\n", port)
	log.Fatal(http.ListenAndServe(":"+port, srv))
}
