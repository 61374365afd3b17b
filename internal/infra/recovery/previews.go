package recovery

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"media-rescue/internal/domain/entity"
	"media-rescue/internal/resilience/retry"
)

// DefaultPreviewBases are the reddit preview CDNs, most complete first.
var DefaultPreviewBases = []string{
	"https://external-preview.redd.it/",
	"https://preview.redd.it/",
}

var previewHosts = map[string]bool{
	"preview.redd.it":          true,
	"external-preview.redd.it": true,
}

// minPreviewBytes is the size above which a response without a media
// content type is still taken as a real preview.
const minPreviewBytes = 1000

// Previews probes reddit's preview CDNs, which often keep a resized copy of
// media after the original was removed.
type Previews struct {
	Bases []string

	opts Options
}

// NewPreviews creates a Previews provider probing DefaultPreviewBases.
func NewPreviews(opts Options) *Previews {
	return &Previews{Bases: append([]string(nil), DefaultPreviewBases...), opts: opts.withDefaults()}
}

// Name returns the provider identity.
func (p *Previews) Name() string { return entity.ProviderRedditPreviews }

// CanHandle accepts reddit and redd.it URLs.
func (p *Previews) CanHandle(rawURL string) bool {
	host := hostOf(rawURL)
	return isRedditHost(host) || isReddItHost(host)
}

// candidates lists the preview URLs to probe for rawURL, without duplicates.
func (p *Previews) candidates(rawURL string) []string {
	if previewHosts[hostOf(rawURL)] {
		return []string{rawURL}
	}
	once := url.PathEscape(rawURL)
	twice := url.PathEscape(once)

	seen := make(map[string]bool)
	var out []string
	for _, escaped := range []string{once, twice} {
		for _, base := range p.Bases {
			c := base + escaped
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

type previewProbe struct {
	url           string
	contentType   string
	contentLength int64
}

// Recover returns the first candidate preview that answers with media.
func (p *Previews) Recover(ctx context.Context, rawURL string) (entity.RecoveryResult, error) {
	var lastErr error
	for _, candidate := range p.candidates(rawURL) {
		probe, err := p.head(ctx, candidate)
		if err != nil {
			if ctx.Err() != nil {
				return entity.RecoveryResult{}, fmt.Errorf("reddit previews: %w", ctx.Err())
			}
			if code, ok := retry.StatusCode(err); !ok || code == http.StatusTooManyRequests || code >= 500 {
				lastErr = err
			}
			continue
		}
		if probe == nil {
			continue
		}

		host := hostOf(probe.url)
		return entity.RecoveryResult{
			Success:      true,
			RecoveredURL: probe.url,
			Provider:     p.Name(),
			Quality:      previewQuality(probe.contentType, probe.contentLength),
			Metadata: map[string]string{
				"content_type":   probe.contentType,
				"content_length": strconv.FormatInt(probe.contentLength, 10),
				"preview_host":   host,
			},
		}, nil
	}

	if lastErr != nil {
		return entity.RecoveryResult{}, fmt.Errorf("reddit previews: %w", lastErr)
	}
	return entity.RecoveryResult{}, fmt.Errorf("reddit previews: %w", entity.ErrNotRecovered)
}

// head probes one candidate. A nil probe with nil error means the candidate
// answered but is not usable media.
func (p *Previews) head(ctx context.Context, candidate string) (*previewProbe, error) {
	req, err := p.opts.newRequest(ctx, http.MethodHead, candidate, "")
	if err != nil {
		return nil, err
	}
	resp, err := p.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, retry.NewHTTPError(resp)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	length := resp.ContentLength
	isMedia := strings.Contains(contentType, "image") || strings.Contains(contentType, "video")
	if !isMedia && length <= minPreviewBytes {
		return nil, nil
	}
	return &previewProbe{url: resp.Request.URL.String(), contentType: contentType, contentLength: length}, nil
}

// previewQuality grades a preview by media type and size. Previews are never
// better than medium.
func previewQuality(contentType string, length int64) entity.QualityTier {
	switch {
	case strings.Contains(contentType, "image"):
		switch {
		case length > 500*1024:
			return entity.QualityMedium
		case length > 50*1024:
			return entity.QualityLow
		default:
			return entity.QualityThumbnail
		}
	case strings.Contains(contentType, "video"):
		if length > 5*1024*1024 {
			return entity.QualityMedium
		}
		return entity.QualityLow
	default:
		if length > 100*1024 {
			return entity.QualityLow
		}
		return entity.QualityThumbnail
	}
}
