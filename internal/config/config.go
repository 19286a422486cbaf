// Package config holds the enumerated configuration record for a
// driftshare node and its relay client. Values come from Default and
// may be overridden from DRIFTSHARE_* environment variables; the
// external CLI wrapper consumes nothing beyond this record.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full configuration consumed by a node process.
type Config struct {
	// Relay client.
	ServerURL        string
	UploadEndpoint   string
	DownloadEndpoint string
	APIKey           string
	PreferP2P        bool
	ForceRelay       bool
	P2PTimeout       time.Duration
	RelayChunkSize   int
	DirectChunkSize  int
	MaxRetries       int
	RetryDelay       time.Duration
	EnableEncryption bool
	EnableResume     bool
	DefaultExpiry    time.Duration
	ConnTimeout      time.Duration
	UploadTimeout    time.Duration
	DownloadTimeout  time.Duration
	LogLevel         string

	// Node.
	DisplayName       string
	ListenPort        int // 0 means OS-assigned
	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration

	// Preview.
	PreviewMaxFileSize   int64
	PreviewThumbnailSize int
	PreviewTextMaxLines  int
	PreviewTextMaxChars  int

	// PIN.
	PinLifetime time.Duration
}

// Default returns the configuration used when no environment overrides
// are present.
func Default() Config {
	return Config{
		ServerURL:        "http://localhost:8080",
		UploadEndpoint:   "/api/relay/upload",
		DownloadEndpoint: "/api/relay/download",
		PreferP2P:        true,
		P2PTimeout:       5 * time.Second,
		RelayChunkSize:   1 << 20, // 1 MiB
		DirectChunkSize:  64 << 10,
		MaxRetries:       3,
		RetryDelay:       time.Second,
		EnableEncryption: true,
		EnableResume:     true,
		DefaultExpiry:    24 * time.Hour,
		ConnTimeout:      5 * time.Second,
		UploadTimeout:    2 * time.Minute,
		DownloadTimeout:  2 * time.Minute,
		LogLevel:         "info",

		DisplayName:       defaultDisplayName(),
		ListenPort:        0,
		HeartbeatInterval: 15 * time.Second,
		PeerTimeout:       45 * time.Second, // three missed heartbeats

		PreviewMaxFileSize:   100 << 20,
		PreviewThumbnailSize: 200,
		PreviewTextMaxLines:  10,
		PreviewTextMaxChars:  500,

		PinLifetime: 10 * time.Minute,
	}
}

// FromEnv returns Default overlaid with any DRIFTSHARE_* environment
// variables that are set. Durations are given in milliseconds.
func FromEnv() (Config, error) {
	c := Default()

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("DRIFTSHARE_SERVER_URL", &c.ServerURL)
	str("DRIFTSHARE_UPLOAD_ENDPOINT", &c.UploadEndpoint)
	str("DRIFTSHARE_DOWNLOAD_ENDPOINT", &c.DownloadEndpoint)
	str("DRIFTSHARE_API_KEY", &c.APIKey)
	str("DRIFTSHARE_DISPLAY_NAME", &c.DisplayName)
	str("DRIFTSHARE_LOG_LEVEL", &c.LogLevel)

	var err error
	boolVar := func(key string, dst *bool) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = fmt.Errorf("%s: %w", key, perr)
				return
			}
			*dst = b
		}
	}
	boolVar("DRIFTSHARE_PREFER_P2P", &c.PreferP2P)
	boolVar("DRIFTSHARE_FORCE_RELAY", &c.ForceRelay)
	boolVar("DRIFTSHARE_ENABLE_ENCRYPTION", &c.EnableEncryption)
	boolVar("DRIFTSHARE_ENABLE_RESUME", &c.EnableResume)

	intVar := func(key string, dst *int) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("%s: %w", key, perr)
				return
			}
			*dst = n
		}
	}
	intVar("DRIFTSHARE_RELAY_CHUNK_SIZE", &c.RelayChunkSize)
	intVar("DRIFTSHARE_DIRECT_CHUNK_SIZE", &c.DirectChunkSize)
	intVar("DRIFTSHARE_MAX_RETRIES", &c.MaxRetries)
	intVar("DRIFTSHARE_LISTEN_PORT", &c.ListenPort)
	intVar("DRIFTSHARE_PREVIEW_THUMBNAIL_SIZE", &c.PreviewThumbnailSize)
	intVar("DRIFTSHARE_PREVIEW_TEXT_MAX_LINES", &c.PreviewTextMaxLines)
	intVar("DRIFTSHARE_PREVIEW_TEXT_MAX_CHARS", &c.PreviewTextMaxChars)

	durVar := func(key string, dst *time.Duration) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			ms, perr := strconv.ParseInt(v, 10, 64)
			if perr != nil {
				err = fmt.Errorf("%s: %w", key, perr)
				return
			}
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
	durVar("DRIFTSHARE_P2P_TIMEOUT_MS", &c.P2PTimeout)
	durVar("DRIFTSHARE_RETRY_DELAY_MS", &c.RetryDelay)
	durVar("DRIFTSHARE_DEFAULT_EXPIRY_MS", &c.DefaultExpiry)
	durVar("DRIFTSHARE_CONNECTION_TIMEOUT_MS", &c.ConnTimeout)
	durVar("DRIFTSHARE_UPLOAD_TIMEOUT_MS", &c.UploadTimeout)
	durVar("DRIFTSHARE_DOWNLOAD_TIMEOUT_MS", &c.DownloadTimeout)
	durVar("DRIFTSHARE_HEARTBEAT_INTERVAL_MS", &c.HeartbeatInterval)
	durVar("DRIFTSHARE_PEER_TIMEOUT_MS", &c.PeerTimeout)
	durVar("DRIFTSHARE_PIN_LIFETIME_MS", &c.PinLifetime)

	if v := os.Getenv("DRIFTSHARE_PREVIEW_MAX_FILE_SIZE"); v != "" && err == nil {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			err = fmt.Errorf("DRIFTSHARE_PREVIEW_MAX_FILE_SIZE: %w", perr)
		} else {
			c.PreviewMaxFileSize = n
		}
	}

	if err != nil {
		return Config{}, err
	}
	return c, nil
}

func defaultDisplayName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "driftshare-node"
	}
	return host
}
