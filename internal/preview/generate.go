package preview

import (
	"archive/zip"
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	xdraw "golang.org/x/image/draw"

	_ "image/gif"
	_ "image/png"

	"github.com/driftlab/driftshare/internal/share"
)

// Options bound what the generator will attempt per file.
type Options struct {
	MaxFileSize   int64 // above this only metadata is offered
	ThumbnailSize int   // thumbnail bounding box, square
	TextMaxLines  int
	TextMaxChars  int
}

// DefaultOptions mirror the node configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxFileSize:   100 << 20,
		ThumbnailSize: 200,
		TextMaxLines:  10,
		TextMaxChars:  500,
	}
}

// Generator builds and signs manifests for locally shared files.
type Generator struct {
	ownerID string
	priv    ed25519.PrivateKey
	opts    Options
}

func NewGenerator(ownerID string, priv ed25519.PrivateKey, opts Options) *Generator {
	if opts.MaxFileSize <= 0 {
		opts = DefaultOptions()
	}
	return &Generator{ownerID: ownerID, priv: priv, opts: opts}
}

// Generate produces the signed manifest and any concrete preview
// contents for a shared file. fileHash must already be computed. A
// failed representation (unreadable image, corrupt archive) degrades
// to metadata-only rather than failing the share.
func (g *Generator) Generate(f share.File, fileHash string) (*Manifest, map[Type]*Content, error) {
	info, err := os.Stat(f.LocalPath)
	if err != nil {
		return nil, nil, fmt.Errorf("stat %s: %w", f.LocalPath, err)
	}

	m := &Manifest{
		FileHash:       fileHash,
		FileName:       f.LogicalName,
		FileSize:       f.Size,
		MimeType:       f.MimeType(),
		LastModified:   info.ModTime().UnixMilli(),
		AvailableTypes: []Type{TypeMetadataOnly},
		PreviewHashes:  make(map[Type]string),
		AllowPreview:   true,
		OwnerPeerID:    g.ownerID,
	}
	contents := make(map[Type]*Content)

	// Oversized and empty files carry metadata only.
	if f.Size > 0 && f.Size <= g.opts.MaxFileSize {
		switch {
		case strings.HasPrefix(m.MimeType, "image/"):
			g.addThumbnail(m, contents, f.LocalPath)
		case isTextLike(m.MimeType):
			g.addSnippet(m, contents, f.LocalPath, fileHash)
		case isZipFamily(f.LogicalName, m.MimeType):
			g.addArchiveListing(m, contents, f.LocalPath, fileHash)
		}
	}

	m.Sign(g.priv)
	return m, contents, nil
}

func (g *Generator) addThumbnail(m *Manifest, contents map[Type]*Content, path string) {
	src, err := os.Open(path)
	if err != nil {
		log.Printf("[preview] open %s: %v", path, err)
		return
	}
	defer src.Close()

	img, _, err := image.Decode(src)
	if err != nil {
		log.Printf("[preview] decode %s: %v", path, err)
		return
	}

	w, h := fitWithin(img.Bounds().Dx(), img.Bounds().Dy(), g.opts.ThumbnailSize)
	thumb := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), img, img.Bounds(), xdraw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 80}); err != nil {
		log.Printf("[preview] encode thumbnail for %s: %v", path, err)
		return
	}

	data := buf.Bytes()
	c := &Content{
		FileHash:  m.FileHash,
		Type:      TypeThumbnail,
		Data:      data,
		DataHash:  hashData(data),
		Format:    "jpeg",
		Width:     w,
		Height:    h,
		Timestamp: time.Now().UnixMilli(),
	}
	contents[TypeThumbnail] = c
	m.AvailableTypes = append(m.AvailableTypes, TypeThumbnail)
	m.PreviewHashes[TypeThumbnail] = c.DataHash
	m.ExtraMetadata = map[string]string{
		"thumbnailWidth":  fmt.Sprint(w),
		"thumbnailHeight": fmt.Sprint(h),
	}
}

func (g *Generator) addSnippet(m *Manifest, contents map[Type]*Content, path, fileHash string) {
	f, err := os.Open(path)
	if err != nil {
		log.Printf("[preview] open %s: %v", path, err)
		return
	}
	raw, err := readHead(f, 4*g.opts.TextMaxChars+1024)
	f.Close()
	if err != nil {
		log.Printf("[preview] read %s: %v", path, err)
		return
	}

	snippet := truncateText(string(raw), g.opts.TextMaxLines, g.opts.TextMaxChars)
	data := []byte(snippet)
	c := &Content{
		FileHash:  fileHash,
		Type:      TypeTextSnippet,
		Data:      data,
		DataHash:  hashData(data),
		Format:    "utf-8",
		Timestamp: time.Now().UnixMilli(),
	}
	contents[TypeTextSnippet] = c
	m.AvailableTypes = append(m.AvailableTypes, TypeTextSnippet)
	m.PreviewHashes[TypeTextSnippet] = c.DataHash
	m.Snippet = data
}

func (g *Generator) addArchiveListing(m *Manifest, contents map[Type]*Content, path, fileHash string) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		log.Printf("[preview] open archive %s: %v", path, err)
		return
	}
	defer zr.Close()

	var entries []ArchiveEntry
	var total int64
	for _, zf := range zr.File {
		entries = append(entries, ArchiveEntry{
			Name:  zf.Name,
			Size:  int64(zf.UncompressedSize64),
			IsDir: zf.FileInfo().IsDir(),
		})
		if !zf.FileInfo().IsDir() {
			total += int64(zf.UncompressedSize64)
		}
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return
	}
	c := &Content{
		FileHash:  fileHash,
		Type:      TypeArchiveListing,
		Data:      data,
		DataHash:  hashData(data),
		Format:    "json",
		Timestamp: time.Now().UnixMilli(),
	}
	contents[TypeArchiveListing] = c
	m.AvailableTypes = append(m.AvailableTypes, TypeArchiveListing)
	m.PreviewHashes[TypeArchiveListing] = c.DataHash
	m.ArchiveListing = entries
	m.TotalUncompressed = total
}

// fitWithin scales (w, h) down to fit a max×max box, preserving aspect
// ratio. Images already inside the box are not upscaled.
func fitWithin(w, h, max int) (int, int) {
	if w <= max && h <= max {
		return w, h
	}
	if w >= h {
		return max, maxInt(1, h*max/w)
	}
	return maxInt(1, w*max/h), max
}

// truncateText keeps the first maxLines lines or maxChars characters,
// whichever cut is shorter.
func truncateText(s string, maxLines, maxChars int) string {
	if lines := strings.SplitAfterN(s, "\n", maxLines+1); len(lines) > maxLines {
		s = strings.Join(lines[:maxLines], "")
	}
	runes := []rune(s)
	if len(runes) > maxChars {
		s = string(runes[:maxChars])
	}
	return s
}

// readHead returns the first n bytes of r, fewer when the stream ends
// early. A short source is not an error.
func readHead(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:read], nil
}

func isTextLike(mimeType string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	base, _, _ := strings.Cut(mimeType, ";")
	switch strings.TrimSpace(base) {
	case "application/json", "application/xml", "application/javascript",
		"application/x-sh", "application/yaml":
		return true
	}
	return false
}

func isZipFamily(name, mimeType string) bool {
	base, _, _ := strings.Cut(mimeType, ";")
	switch strings.TrimSpace(base) {
	case "application/zip", "application/java-archive":
		return true
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".zip", ".jar", ".war":
		return true
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
