package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"media-rescue/internal/domain/entity"
)

const pullPushSearchURL = "https://api.pullpush.io/reddit/search"

var (
	commentPattern    = regexp.MustCompile(`/comments/[a-z0-9]+/[^/]+/([a-z0-9]+)`)
	submissionPattern = []*regexp.Regexp{
		regexp.MustCompile(`/r/[^/]+/comments/([a-z0-9]+)`),
		regexp.MustCompile(`/comments/([a-z0-9]+)`),
	}
	shortLinkPattern = regexp.MustCompile(`^/([a-z0-9]+)/?$`)
	slugStrip        = regexp.MustCompile(`[^a-z0-9]+`)
)

const maxSlugLength = 50

type redditThing struct {
	kind string // "submission" or "comment"
	id   string
}

// parseRedditThing extracts the submission or comment id from a reddit URL.
func parseRedditThing(rawURL string) (redditThing, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return redditThing{}, false
	}
	host := strings.ToLower(u.Hostname())
	path := strings.ToLower(u.Path)

	switch {
	case isRedditHost(host):
		if m := commentPattern.FindStringSubmatch(path); m != nil {
			return redditThing{kind: "comment", id: m[1]}, true
		}
		for _, p := range submissionPattern {
			if m := p.FindStringSubmatch(path); m != nil {
				return redditThing{kind: "submission", id: m[1]}, true
			}
		}
	case host == "redd.it":
		if m := shortLinkPattern.FindStringSubmatch(path); m != nil {
			return redditThing{kind: "submission", id: m[1]}, true
		}
	}
	return redditThing{}, false
}

// PullPush recovers reddit submissions and comments from the PullPush
// archive of the Pushshift dataset.
type PullPush struct {
	SearchURL string

	opts Options
}

// NewPullPush creates a PullPush provider using the public API.
func NewPullPush(opts Options) *PullPush {
	return &PullPush{SearchURL: pullPushSearchURL, opts: opts.withDefaults()}
}

// Name returns the provider identity.
func (p *PullPush) Name() string { return entity.ProviderPullPush }

// CanHandle accepts reddit URLs that carry a submission or comment id.
func (p *PullPush) CanHandle(rawURL string) bool {
	_, ok := parseRedditThing(rawURL)
	return ok
}

type pullPushItem struct {
	ID                string          `json:"id"`
	Subreddit         string          `json:"subreddit"`
	Title             string          `json:"title"`
	Author            string          `json:"author"`
	Selftext          string          `json:"selftext"`
	Body              string          `json:"body"`
	Score             int             `json:"score"`
	URL               string          `json:"url"`
	LinkID            string          `json:"link_id"`
	CreatedUTC        json.Number     `json:"created_utc"`
	RemovedByCategory json.RawMessage `json:"removed_by_category"`
}

func (i pullPushItem) removed() bool {
	raw := strings.TrimSpace(string(i.RemovedByCategory))
	if raw != "" && raw != "null" {
		return true
	}
	switch i.Selftext {
	case "[deleted]", "[removed]":
		return true
	}
	switch i.Body {
	case "[deleted]", "[removed]":
		return true
	}
	return false
}

// Recover fetches the archived submission or comment and returns its permalink.
func (p *PullPush) Recover(ctx context.Context, rawURL string) (entity.RecoveryResult, error) {
	thing, ok := parseRedditThing(rawURL)
	if !ok {
		return entity.RecoveryResult{}, fmt.Errorf("pullpush: no reddit id in %q: %w", rawURL, entity.ErrNotRecovered)
	}

	endpoint := strings.TrimSuffix(p.SearchURL, "/") + "/" + thing.kind + "/"
	body, err := p.opts.get(ctx, withQuery(endpoint, url.Values{"ids": {thing.id}, "size": {"1"}}), "application/json")
	if err != nil {
		return entity.RecoveryResult{}, fmt.Errorf("pullpush: %w", err)
	}

	var resp struct {
		Data []pullPushItem `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return entity.RecoveryResult{}, fmt.Errorf("pullpush: decode response: %w", err)
	}
	if len(resp.Data) == 0 {
		return entity.RecoveryResult{}, fmt.Errorf("pullpush: %s %s: %w", thing.kind, thing.id, entity.ErrNotRecovered)
	}
	item := resp.Data[0]

	meta := map[string]string{
		"content_type": thing.kind,
		"reddit_id":    thing.id,
		"subreddit":    item.Subreddit,
		"author":       item.Author,
		"score":        strconv.Itoa(item.Score),
	}
	if item.CreatedUTC != "" {
		meta["created_utc"] = item.CreatedUTC.String()
	}

	var recovered string
	if thing.kind == "comment" {
		recovered = "https://www.reddit.com/comments/" + thing.id + "/"
		if item.LinkID != "" {
			meta["link_id"] = item.LinkID
		}
	} else {
		sub := item.Subreddit
		if sub == "" {
			sub = "all"
		}
		recovered = fmt.Sprintf("https://www.reddit.com/r/%s/comments/%s/%s/", sub, thing.id, slugify(item.Title))
		meta["title"] = item.Title
		if item.URL != "" {
			meta["original_url"] = item.URL
		}
	}

	return entity.RecoveryResult{
		Success:      true,
		RecoveredURL: recovered,
		Provider:     p.Name(),
		Quality:      pullPushQuality(item),
		Metadata:     meta,
	}, nil
}

func pullPushQuality(item pullPushItem) entity.QualityTier {
	switch {
	case item.removed():
		return entity.QualityMetadataOnly
	case item.Score > 100:
		return entity.QualityHigh
	case item.Score > 10:
		return entity.QualityMedium
	default:
		return entity.QualityLow
	}
}

// slugify builds the title part of a reddit permalink.
func slugify(title string) string {
	s := slugStrip.ReplaceAllString(strings.ToLower(title), "_")
	s = strings.Trim(s, "_")
	if len(s) > maxSlugLength {
		s = strings.TrimRight(s[:maxSlugLength], "_")
	}
	if s == "" {
		return "post"
	}
	return s
}
