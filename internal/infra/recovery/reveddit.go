package recovery

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"media-rescue/internal/domain/entity"
	"media-rescue/internal/infra/fetcher"
)

const revedditBaseURL = "https://www.reveddit.com"

var (
	deletionIndicators = []string{
		"removed by moderator",
		"deleted by user",
		"removed automatically",
		"comment score below threshold",
		"removed by automod",
	}
	errorIndicators = []string{
		"no results found",
		"nothing here",
		"unable to find",
		"error loading",
	}
	threadPattern = regexp.MustCompile(`^/r/([^/]+)(?:/comments/([a-z0-9]+))?`)
)

// Reveddit checks whether reveddit.com shows removed or deleted content for
// a reddit URL. It recovers the page, not the media.
type Reveddit struct {
	BaseURL string

	opts Options
}

// NewReveddit creates a Reveddit provider.
func NewReveddit(opts Options) *Reveddit {
	return &Reveddit{BaseURL: revedditBaseURL, opts: opts.withDefaults()}
}

// Name returns the provider identity.
func (r *Reveddit) Name() string { return entity.ProviderReveddit }

// CanHandle accepts reddit.com URLs. redd.it short links carry no thread path.
func (r *Reveddit) CanHandle(rawURL string) bool {
	return isRedditHost(hostOf(rawURL))
}

// Recover fetches the reveddit view of rawURL and accepts it only when the
// page shows removal markers.
func (r *Reveddit) Recover(ctx context.Context, rawURL string) (entity.RecoveryResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil || !isRedditHost(strings.ToLower(u.Hostname())) {
		return entity.RecoveryResult{}, fmt.Errorf("reveddit: not a reddit URL: %w", entity.ErrNotRecovered)
	}
	pageURL := strings.TrimSuffix(r.BaseURL, "/") + u.EscapedPath()

	body, err := r.opts.get(ctx, pageURL, "text/html")
	if err != nil {
		return entity.RecoveryResult{}, fmt.Errorf("reveddit: %w", err)
	}

	lower := strings.ToLower(string(body))
	if containsAny(lower, errorIndicators) || !containsAny(lower, deletionIndicators) {
		return entity.RecoveryResult{}, fmt.Errorf("reveddit: no removed content shown: %w", entity.ErrNotRecovered)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return entity.RecoveryResult{}, fmt.Errorf("reveddit: parse page: %w", err)
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	length := contentLength(body, doc, pageURL)

	meta := map[string]string{
		"page_title":     title,
		"content_length": strconv.Itoa(length),
	}
	if m := threadPattern.FindStringSubmatch(u.Path); m != nil {
		meta["subreddit"] = m[1]
		if m[2] != "" {
			meta["thread_id"] = m[2]
		}
	}

	return entity.RecoveryResult{
		Success:      true,
		RecoveredURL: pageURL,
		Provider:     r.Name(),
		Quality:      revedditQuality(title, length),
		Metadata:     meta,
	}, nil
}

// contentLength measures the readable text of the page, falling back to the
// text of the whole body when readability finds nothing.
func contentLength(body []byte, doc *goquery.Document, pageURL string) int {
	u, _ := url.Parse(pageURL)
	if page, err := fetcher.ExtractPage(body, u); err == nil {
		return len(page.Text)
	}
	return len(strings.TrimSpace(doc.Find("body").Text()))
}

func revedditQuality(title string, length int) entity.QualityTier {
	if title == "" {
		return entity.QualityMetadataOnly
	}
	switch {
	case length > 10000:
		return entity.QualityMedium
	case length > 5000:
		return entity.QualityLow
	default:
		return entity.QualityMetadataOnly
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
