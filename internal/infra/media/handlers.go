package media

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"

	"media-rescue/internal/domain/entity"
	"media-rescue/internal/resilience/ratelimit"
	"media-rescue/internal/resilience/retry"
)

const imageAccept = "image/*,*/*;q=0.8"

// Handler fetches media from one family of hosts.
type Handler interface {
	// Service is the identity whose limiter and breaker guard this handler.
	Service() string
	CanHandle(u *url.URL) bool
	// ExtractID returns the host's identifier of the media, used as file name.
	ExtractID(u *url.URL) string
	Fetch(ctx context.Context, rawURL, destDir string) (FetchResult, error)
}

func hostIs(u *url.URL, hosts ...string) bool {
	h := strings.ToLower(u.Hostname())
	for _, want := range hosts {
		if h == want {
			return true
		}
	}
	return false
}

func stem(p string) string {
	base := path.Base(p)
	if base == "/" || base == "." {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

// redditImages handles i.redd.it.
type redditImages struct{ dl *Downloader }

func (h redditImages) Service() string { return ratelimit.ServiceRedditImages }

func (h redditImages) CanHandle(u *url.URL) bool { return hostIs(u, "i.redd.it") }

func (h redditImages) ExtractID(u *url.URL) string { return stem(u.Path) }

// Fetch asks for the image itself; browser-like Accept headers get an HTML
// wrapper page instead.
func (h redditImages) Fetch(ctx context.Context, rawURL, destDir string) (FetchResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: %v", entity.ErrInvalidURL, err)
	}
	return h.dl.Download(ctx, rawURL, destDir, h.ExtractID(u), imageAccept)
}

// redditPreviews handles preview.redd.it and external-preview.redd.it.
type redditPreviews struct{ dl *Downloader }

func (h redditPreviews) Service() string { return ratelimit.ServiceRedditPreviews }

func (h redditPreviews) CanHandle(u *url.URL) bool {
	return hostIs(u, "preview.redd.it", "external-preview.redd.it")
}

func (h redditPreviews) ExtractID(u *url.URL) string { return stem(u.Path) }

func (h redditPreviews) Fetch(ctx context.Context, rawURL, destDir string) (FetchResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: %v", entity.ErrInvalidURL, err)
	}
	return h.dl.Download(ctx, rawURL, destDir, "preview_"+h.ExtractID(u), imageAccept)
}

var dashSegment = regexp.MustCompile(`DASH_\d+`)

// dashQualities are tried from best to worst when a rendition is missing.
var dashQualities = []string{"720", "480", "360", "240"}

// redditVideo handles v.redd.it. Only the video stream is fetched; the DASH
// audio track is separate.
type redditVideo struct{ dl *Downloader }

func (h redditVideo) Service() string { return ratelimit.ServiceRedditVideo }

func (h redditVideo) CanHandle(u *url.URL) bool { return hostIs(u, "v.redd.it") }

func (h redditVideo) ExtractID(u *url.URL) string {
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	return parts[0]
}

// candidates returns the renditions to try for u: the URL itself when it
// names one, then lower qualities.
func (h redditVideo) candidates(u *url.URL) []string {
	id := h.ExtractID(u)
	if id == "" {
		return nil
	}
	raw := u.String()
	if !dashSegment.MatchString(u.Path) {
		raw = fmt.Sprintf("%s://%s/%s/DASH_%s.mp4", u.Scheme, u.Host, id, dashQualities[0])
	}
	out := []string{raw}
	for _, q := range dashQualities {
		c := dashSegment.ReplaceAllString(raw, "DASH_"+q)
		if c != raw {
			out = append(out, c)
		}
	}
	return out
}

// Fetch walks down the quality ladder while renditions are missing. Any
// error other than a 404 ends the walk.
func (h redditVideo) Fetch(ctx context.Context, rawURL, destDir string) (FetchResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: %v", entity.ErrInvalidURL, err)
	}
	candidates := h.candidates(u)
	if len(candidates) == 0 {
		return FetchResult{}, fmt.Errorf("%w: no video id in %s", entity.ErrInvalidURL, rawURL)
	}

	var lastErr error
	for _, c := range candidates {
		res, err := h.dl.Download(ctx, c, destDir, h.ExtractID(u), "video/*,*/*;q=0.8")
		if err == nil {
			return res, nil
		}
		lastErr = err
		if code, ok := retry.StatusCode(err); !ok || code != http.StatusNotFound {
			break
		}
	}
	return FetchResult{}, lastErr
}

var (
	imgurAlbum = regexp.MustCompile(`(?i)^/(a|gallery)/([a-z0-9]+)`)
	imgurImage = regexp.MustCompile(`(?i)^/([a-z0-9]+)(\.[a-z0-9]{3,4})?$`)
)

// imgurExtensions are tried in order when an image page gives no extension.
var imgurExtensions = []string{".jpg", ".png", ".gif", ".webp"}

// imgur handles imgur.com and i.imgur.com single images. Albums and
// galleries need the authenticated API and are refused.
type imgur struct {
	dl *Downloader
	// base overrides the direct image host, for tests.
	base string
}

func (h imgur) Service() string { return ratelimit.ServiceImgur }

func (h imgur) CanHandle(u *url.URL) bool {
	return hostIs(u, "imgur.com", "www.imgur.com", "m.imgur.com", "i.imgur.com")
}

func (h imgur) ExtractID(u *url.URL) string {
	if m := imgurAlbum.FindStringSubmatch(u.Path); m != nil {
		return m[2]
	}
	if m := imgurImage.FindStringSubmatch(u.Path); m != nil {
		return m[1]
	}
	return ""
}

func (h imgur) directBase() string {
	if h.base != "" {
		return h.base
	}
	return "https://i.imgur.com/"
}

// candidates lists direct image URLs for u.
func (h imgur) candidates(u *url.URL) ([]string, error) {
	if m := imgurAlbum.FindStringSubmatch(u.Path); m != nil {
		return nil, fmt.Errorf("%w: imgur %s %s needs API access", entity.ErrInvalidURL, m[1], m[2])
	}
	m := imgurImage.FindStringSubmatch(u.Path)
	if m == nil {
		return nil, fmt.Errorf("%w: no imgur id in %s", entity.ErrInvalidURL, u.String())
	}
	id, ext := m[1], strings.ToLower(m[2])
	switch ext {
	case ".gifv":
		return []string{h.directBase() + id + ".mp4"}, nil
	case "":
		out := make([]string, 0, len(imgurExtensions))
		for _, e := range imgurExtensions {
			out = append(out, h.directBase()+id+e)
		}
		return out, nil
	default:
		if hostIs(u, "i.imgur.com") && h.base == "" {
			return []string{u.String()}, nil
		}
		return []string{h.directBase() + id + ext}, nil
	}
}

// Fetch downloads the first candidate that exists. Imgur answers a deleted
// image with a redirect to its removed.png placeholder, which counts as 404.
func (h imgur) Fetch(ctx context.Context, rawURL, destDir string) (FetchResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: %v", entity.ErrInvalidURL, err)
	}
	candidates, err := h.candidates(u)
	if err != nil {
		return FetchResult{}, err
	}

	var lastErr error
	for _, c := range candidates {
		res, err := h.dl.Download(ctx, c, destDir, h.ExtractID(u), imageAccept)
		if err == nil && strings.HasSuffix(res.SourceURL, "/removed.png") {
			_ = os.Remove(res.LocalPath)
			err = &retry.HTTPError{StatusCode: http.StatusNotFound, Message: "image removed from imgur"}
		}
		if err == nil {
			return res, nil
		}
		lastErr = err
		if code, ok := retry.StatusCode(err); !ok || code != http.StatusNotFound {
			break
		}
	}
	return FetchResult{}, lastErr
}

// generic handles every other host with a plain streamed download.
type generic struct{ dl *Downloader }

func (h generic) Service() string { return ratelimit.ServiceGeneric }

func (h generic) CanHandle(*url.URL) bool { return true }

func (h generic) ExtractID(u *url.URL) string { return stem(u.Path) }

func (h generic) Fetch(ctx context.Context, rawURL, destDir string) (FetchResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: %v", entity.ErrInvalidURL, err)
	}
	return h.dl.Download(ctx, rawURL, destDir, h.ExtractID(u), "")
}

// Dispatcher picks the handler for a URL. The table is fixed; generic is
// always last and accepts anything.
type Dispatcher struct {
	handlers []Handler
}

// NewDispatcher builds the handler table over dl.
func NewDispatcher(dl *Downloader) *Dispatcher {
	return &Dispatcher{handlers: []Handler{
		redditImages{dl: dl},
		redditVideo{dl: dl},
		redditPreviews{dl: dl},
		imgur{dl: dl},
		generic{dl: dl},
	}}
}

// Select returns the handler for u.
func (d *Dispatcher) Select(u *url.URL) Handler {
	for _, h := range d.handlers {
		if h.CanHandle(u) {
			return h
		}
	}
	return d.handlers[len(d.handlers)-1]
}

// Services lists the service identities of every handler.
func (d *Dispatcher) Services() []string {
	out := make([]string, len(d.handlers))
	for i, h := range d.handlers {
		out[i] = h.Service()
	}
	return out
}
