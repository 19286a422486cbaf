// Package relayclient talks to the relay server: chunked uploads with
// retry, resumable downloads, and the peer/file/PIN directory calls.
// It satisfies the discovery and transfer interfaces that take a relay.
package relayclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/driftlab/driftshare/internal/chunk"
	"github.com/driftlab/driftshare/internal/peer"
	"github.com/driftlab/driftshare/internal/relay"
	"github.com/driftlab/driftshare/internal/share"
)

// saltLen prefixes every encrypted relay blob; the recipient re-derives
// the key from the shared secret and this salt.
const saltLen = 16

// Client is a relay HTTP client.
type Client struct {
	serverURL  string
	apiKey     string
	chunkSize  int
	maxRetries int
	retryDelay time.Duration
	http       *http.Client
}

// New builds a relay client. chunkSize 0 selects the relay default.
func New(serverURL, apiKey string, chunkSize, maxRetries int, retryDelay time.Duration) *Client {
	if chunkSize <= 0 {
		chunkSize = chunk.RelayChunkSize
	}
	return &Client{
		serverURL:  serverURL,
		apiKey:     apiKey,
		chunkSize:  chunkSize,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		http:       &http.Client{Timeout: 5 * time.Minute},
	}
}

// UploadOptions controls one relay upload.
type UploadOptions struct {
	Encrypt      bool
	Secret       []byte // required when Encrypt is set
	MaxDownloads int    // 0 = unlimited
	Expiry       time.Duration
}

// Upload pushes a local file to the relay in chunks and registers it
// in the relay's search index. The returned ref is what recipients
// need to fetch the file.
func (c *Client) Upload(ctx context.Context, localPath, senderID string, opts UploadOptions) (*relay.FileRef, error) {
	hash, err := share.HashFile(localPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", localPath, err)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", localPath, err)
	}

	algorithm := ""
	if opts.Encrypt {
		if len(opts.Secret) == 0 {
			return nil, fmt.Errorf("encryption requested without a shared secret")
		}
		data, err = sealBlob(data, opts.Secret)
		if err != nil {
			return nil, err
		}
		algorithm = "aes-256-gcm-hkdf"
	}

	uploadID := uuid.NewString()
	fileName := baseName(localPath)
	for idx, off := 0, 0; off < len(data) || (len(data) == 0 && idx == 0); idx++ {
		end := off + c.chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := c.uploadChunk(ctx, uploadID, fileName, senderID, idx, data[off:end]); err != nil {
			return nil, fmt.Errorf("upload chunk %d: %w", idx, err)
		}
		off = end
	}

	expiry := opts.Expiry
	if expiry == 0 {
		expiry = relay.DefaultExpiry
	}
	ref := &relay.FileRef{
		UploadID:     uploadID,
		FileName:     fileName,
		FileSize:     info.Size(),
		FileHash:     hash,
		SenderID:     senderID,
		DownloadURL:  c.serverURL + "/api/relay/download/" + uploadID,
		ExpiresAt:    time.Now().Add(expiry).UnixMilli(),
		Encrypted:    opts.Encrypt,
		Algorithm:    algorithm,
		MaxDownloads: opts.MaxDownloads,
	}
	if err := c.RegisterFile(ctx, ref); err != nil {
		return nil, err
	}
	return ref, nil
}

// uploadChunk POSTs one chunk, retrying transient failures with a
// fixed back-off.
func (c *Client) uploadChunk(ctx context.Context, uploadID, fileName, senderID string, idx int, body []byte) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
			log.Printf("[relayclient] retrying chunk %d of %s (attempt %d)", idx, uploadID, attempt+1)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.serverURL+"/api/relay/upload", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("X-Upload-Id", uploadID)
		req.Header.Set("X-File-Name", fileName)
		req.Header.Set("X-Sender-Id", senderID)
		req.Header.Set("X-Chunk-Index", strconv.Itoa(idx))
		c.auth(req)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("relay answered %d", resp.StatusCode)
		default:
			// Client errors will not improve on retry.
			return fmt.Errorf("relay rejected chunk: %d", resp.StatusCode)
		}
	}
	return fmt.Errorf("after %d attempts: %w", c.maxRetries+1, lastErr)
}

// DownloadOptions controls one relay download.
type DownloadOptions struct {
	VerifyHash string // hex SHA-256; empty skips the check
	Secret     []byte // decrypts an encrypted blob when set
}

// Download fetches downloadURL into destPath, resuming a partial .tmp
// if one exists. It is the transfer.RelayFetcher implementation; no
// hash verification, no decryption.
func (c *Client) Download(ctx context.Context, downloadURL, destPath string) error {
	return c.DownloadFile(ctx, downloadURL, destPath, DownloadOptions{})
}

// DownloadFile fetches downloadURL into destPath with optional hash
// verification and decryption, streaming through destPath+".tmp" and
// renaming only on success.
func (c *Client) DownloadFile(ctx context.Context, downloadURL, destPath string, opts DownloadOptions) error {
	tmp := destPath + ".tmp"
	var start int64
	if info, err := os.Stat(tmp); err == nil {
		start = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return err
	}
	if start > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay download: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		start = 0 // server ignored the range; start over
	case http.StatusPartialContent:
	case http.StatusGone:
		return fmt.Errorf("relay download: %w", ErrExpired)
	case http.StatusNotFound:
		return fmt.Errorf("relay download: %w", ErrNotFound)
	default:
		return fmt.Errorf("relay download: status %d", resp.StatusCode)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if start == 0 {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	out, err := os.OpenFile(tmp, flags, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("stream to %s: %w", tmp, err)
	}
	out.Close()

	data, err := os.ReadFile(tmp)
	if err != nil {
		return err
	}
	if len(opts.Secret) > 0 {
		data, err = openBlob(data, opts.Secret)
		if err != nil {
			return err
		}
	}
	if opts.VerifyHash != "" {
		got := hashBytes(data)
		if got != opts.VerifyHash {
			return fmt.Errorf("%w: file hash %s, expected %s", chunk.ErrIntegrity, got, opts.VerifyHash)
		}
	}
	if err := os.WriteFile(destPath, data, 0644); err != nil {
		return err
	}
	return os.Remove(tmp)
}

// FetchByRef downloads a registered relay file, decrypting and
// verifying per the ref and caller intent. Relay-hosted hashes are
// only checked when verify is set, since chunk append order can
// legitimately differ from the original file.
func (c *Client) FetchByRef(ctx context.Context, ref *relay.FileRef, destPath string, verify bool, secret []byte) error {
	opts := DownloadOptions{}
	if ref.Encrypted {
		opts.Secret = secret
	}
	if verify {
		opts.VerifyHash = ref.FileHash
	}
	return c.DownloadFile(ctx, ref.DownloadURL, destPath, opts)
}

// RegisterPeer publishes the local node in the relay directory. The
// relay resolves "auto" to the request's source address.
func (c *Client) RegisterPeer(ctx context.Context, self peer.Identity) error {
	body := map[string]any{
		"peerId":       self.ID,
		"displayName":  self.DisplayName,
		"publicIp":     "auto",
		"port":         self.Port,
		"transferPort": self.TransferPort,
		"publicKey":    hex.EncodeToString(self.PublicKey),
	}
	return c.postJSON(ctx, "/api/peers/register", body, http.StatusOK, nil)
}

// PeerHeartbeat refreshes the node's directory entry.
func (c *Client) PeerHeartbeat(ctx context.Context, peerID string) error {
	return c.postJSON(ctx, "/api/peers/heartbeat?peerId="+url.QueryEscape(peerID), nil, http.StatusOK, nil)
}

// ListPeers returns the directory excluding the given peer. Entries
// come back relay-flagged so callers route through the relay unless a
// direct address is usable.
func (c *Client) ListPeers(ctx context.Context, exclude string) ([]peer.Identity, error) {
	var recs []struct {
		PeerID       string `json:"peerId"`
		DisplayName  string `json:"displayName"`
		PublicIP     string `json:"publicIp"`
		Port         int    `json:"port"`
		TransferPort int    `json:"transferPort"`
		PublicKey    string `json:"publicKey"`
	}
	if err := c.getJSON(ctx, "/api/peers/list?peerId="+url.QueryEscape(exclude), &recs); err != nil {
		return nil, err
	}

	out := make([]peer.Identity, 0, len(recs))
	for _, r := range recs {
		key, err := hex.DecodeString(r.PublicKey)
		if err != nil || len(key) != ed25519.PublicKeySize {
			log.Printf("[relayclient] peer %s: unusable public key", r.PeerID)
			continue
		}
		out = append(out, peer.Identity{
			ID:           r.PeerID,
			DisplayName:  r.DisplayName,
			Host:         r.PublicIP,
			Port:         r.Port,
			TransferPort: r.TransferPort,
			PublicKey:    key,
			LastSeen:     time.Now(),
		})
	}
	return out, nil
}

// RegisterFile records an upload in the relay's search index.
func (c *Client) RegisterFile(ctx context.Context, ref *relay.FileRef) error {
	return c.postJSON(ctx, "/api/files/register", ref, http.StatusCreated, nil)
}

// SearchFiles queries the relay index.
func (c *Client) SearchFiles(ctx context.Context, query, excludeSender string) ([]relay.FileRef, error) {
	path := "/api/files/search?q=" + url.QueryEscape(query)
	if excludeSender != "" {
		path += "&excludeSender=" + url.QueryEscape(excludeSender)
	}
	var out []relay.FileRef
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreatePin binds a PIN to a relayed file on the relay.
func (c *Client) CreatePin(ctx context.Context, pin string, ref *relay.FileRef, expiresAt time.Time) error {
	body := &relay.PinBinding{Pin: pin, File: ref, ExpiresAt: expiresAt.UnixMilli()}
	return c.postJSON(ctx, "/api/pin/create", body, http.StatusCreated, nil)
}

// FindPin resolves a PIN on the relay. ErrNotFound means unknown or
// expired.
func (c *Client) FindPin(ctx context.Context, pin string) (*relay.PinBinding, error) {
	var out relay.PinBinding
	if err := c.getJSON(ctx, "/api/pin/find?pin="+url.QueryEscape(pin), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) auth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body any, wantStatus int, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		return statusError(path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+path, nil)
	if err != nil {
		return err
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
