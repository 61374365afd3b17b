// Package media fetches content from the hosts posts link to. A small closed
// set of handlers, selected by Dispatcher, knows the URL shapes of each host;
// all of them stream through Downloader, which verifies what arrives before it
// is moved into place.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"media-rescue/internal/domain/entity"
	"media-rescue/internal/infra/fetcher"
	"media-rescue/internal/resilience/retry"
)

const (
	// DefaultMaxFileSize bounds a single media file.
	DefaultMaxFileSize = 200 * 1024 * 1024
	// MinFileSize rejects empty and truncated bodies.
	MinFileSize = 100

	tempPattern = ".rescue-*.part"
)

var allowedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".mp4": true, ".webm": true, ".mov": true,
}

var contentTypeExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/jpg":       ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/quicktime": ".mov",
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// FetchResult describes a file written by a handler.
type FetchResult struct {
	LocalPath   string
	Bytes       int64
	SHA256      string
	ContentType string
	// SourceURL is the URL the body was finally served from.
	SourceURL string
}

// Downloader streams a URL to disk. Bodies go to a temporary file in the
// destination directory and are renamed into place only after every check
// passed, so a failed download never leaves a partial file behind.
type Downloader struct {
	client      *http.Client
	userAgent   string
	maxFileSize int64
	logger      *slog.Logger
}

// NewDownloader creates a Downloader. maxFileSize <= 0 uses DefaultMaxFileSize.
func NewDownloader(client *http.Client, userAgent string, maxFileSize int64, logger *slog.Logger) *Downloader {
	if client == nil {
		cfg := fetcher.DefaultConfig()
		client = fetcher.NewHTTPClient(cfg, fetcher.NewValidator(cfg, nil))
	}
	if userAgent == "" {
		userAgent = fetcher.DefaultUserAgent
	}
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{client: client, userAgent: userAgent, maxFileSize: maxFileSize, logger: logger}
}

// Download fetches rawURL into destDir as name plus an extension chosen from
// the URL path, else the content type, else ".jpg". A different file already
// holding that name is kept; the body then gets a URL hash suffix.
//
// Non-200 responses return *retry.HTTPError. HTML served in place of media, a
// size outside bounds and a body shorter than its Content-Length return
// errors wrapping entity.ErrIntegrity.
func (d *Downloader) Download(ctx context.Context, rawURL, destDir, name, accept string) (FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	if accept == "" {
		accept = "*/*"
	}
	req.Header.Set("Accept", accept)

	resp, err := d.client.Do(req)
	if err != nil {
		return FetchResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return FetchResult{}, retry.NewHTTPError(resp)
	}

	contentType := mediaType(resp.Header.Get("Content-Type"))
	if contentType == "text/html" || contentType == "application/xhtml+xml" {
		return FetchResult{}, fmt.Errorf("%w: %s served an HTML page instead of media", entity.ErrIntegrity, resp.Request.URL.Host)
	}
	if resp.ContentLength > d.maxFileSize {
		return FetchResult{}, fmt.Errorf("%w: %d bytes exceeds limit of %d", entity.ErrIntegrity, resp.ContentLength, d.maxFileSize)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return FetchResult{}, fmt.Errorf("create destination: %w", err)
	}
	tmp, err := os.CreateTemp(destDir, tempPattern)
	if err != nil {
		return FetchResult{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	hasher := sha256.New()
	n, err := copyBody(tmp, hasher, resp.Body, d.maxFileSize)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return FetchResult{}, err
	}
	if err := checkSize(n, resp.ContentLength, d.maxFileSize); err != nil {
		return FetchResult{}, err
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	finalPath, exists := placement(destDir, safeName(name, rawURL), pickExtension(resp.Request.URL, contentType), rawURL, n, sum)
	if !exists {
		if err := os.Rename(tmpName, finalPath); err != nil {
			return FetchResult{}, fmt.Errorf("move into place: %w", err)
		}
		committed = true
	}

	d.logger.Debug("media downloaded",
		slog.String("url", rawURL),
		slog.String("path", finalPath),
		slog.Int64("bytes", n),
		slog.String("sha256", sum))

	return FetchResult{
		LocalPath:   finalPath,
		Bytes:       n,
		SHA256:      sum,
		ContentType: contentType,
		SourceURL:   resp.Request.URL.String(),
	}, nil
}

// placement returns where a body named base+ext goes. A file already holding
// the same bytes is reused (exists is true). Any other file at that name is
// left alone and the body gets a name suffixed with a hash of rawURL.
func placement(destDir, base, ext, rawURL string, size int64, sum string) (finalPath string, exists bool) {
	finalPath = filepath.Join(destDir, base+ext)
	if !occupied(finalPath) {
		return finalPath, false
	}
	if sameContent(finalPath, size, sum) {
		return finalPath, true
	}
	finalPath = filepath.Join(destDir, base+"_"+entity.HashURL(rawURL)[:8]+ext)
	return finalPath, sameContent(finalPath, size, sum)
}

func occupied(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}

func sameContent(p string, size int64, sum string) bool {
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() || info.Size() != size {
		return false
	}
	f, err := os.Open(p)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	return hex.EncodeToString(h.Sum(nil)) == sum
}

func copyBody(dst io.Writer, h hash.Hash, body io.Reader, limit int64) (int64, error) {
	n, err := io.Copy(io.MultiWriter(dst, h), io.LimitReader(body, limit+1))
	if err != nil {
		return n, fmt.Errorf("stream body: %w", err)
	}
	return n, nil
}

func checkSize(n, declared, limit int64) error {
	switch {
	case n > limit:
		return fmt.Errorf("%w: body exceeds limit of %d bytes", entity.ErrIntegrity, limit)
	case declared > 0 && n != declared:
		return fmt.Errorf("%w: truncated body, got %d of %d bytes", entity.ErrIntegrity, n, declared)
	case n < MinFileSize:
		return fmt.Errorf("%w: body of %d bytes is too small for media", entity.ErrIntegrity, n)
	}
	return nil
}

func mediaType(header string) string {
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(header))
	}
	return mt
}

// pickExtension prefers a whitelisted extension from the URL path, then the
// content type, then ".jpg".
func pickExtension(u *url.URL, contentType string) string {
	if u != nil {
		ext := strings.ToLower(path.Ext(u.Path))
		if allowedExtensions[ext] {
			return ext
		}
	}
	if ext, ok := contentTypeExtensions[contentType]; ok {
		return ext
	}
	return ".jpg"
}

// safeName turns name into a file name stem. An empty result falls back to a
// hash of rawURL.
func safeName(name, rawURL string) string {
	name = strings.Trim(unsafeNameChars.ReplaceAllString(name, "_"), "_")
	if len(name) > 100 {
		name = name[:100]
	}
	if name == "" {
		return "media_" + entity.HashURL(rawURL)
	}
	return name
}
