package fetcher

import (
	"net/url"
	"regexp"
)

// Transform is the result of rewriting a viewer URL into a direct one.
type Transform struct {
	URL         string
	Transformed bool
	Platform    string
}

type rewriteRule struct {
	platform string
	pattern  *regexp.Regexp
	rewrite  func(raw string, m []string) string
}

// rewriteRules turn viewer and preview pages of commonly shared hosts into
// URLs that serve the file itself. None of them needs credentials or page
// parsing.
var rewriteRules = []rewriteRule{
	{
		platform: "github",
		pattern:  regexp.MustCompile(`(?i)^https?://github\.com/([^/]+)/([^/]+)/blob/(.+)$`),
		rewrite: func(_ string, m []string) string {
			return "https://raw.githubusercontent.com/" + m[1] + "/" + m[2] + "/" + m[3]
		},
	},
	{
		platform: "github_gist",
		pattern:  regexp.MustCompile(`(?i)^https?://gist\.github\.com/([^/]+)/([^/]+)/?$`),
		rewrite: func(_ string, m []string) string {
			return "https://gist.githubusercontent.com/" + m[1] + "/" + m[2] + "/raw"
		},
	},
	{
		platform: "gitlab",
		pattern:  regexp.MustCompile(`(?i)^https?://gitlab\.com/(.+?)/-/blob/(.+)$`),
		rewrite: func(_ string, m []string) string {
			return "https://gitlab.com/" + m[1] + "/-/raw/" + m[2]
		},
	},
	{
		platform: "bitbucket",
		pattern:  regexp.MustCompile(`(?i)^https?://bitbucket\.org/([^/]+)/([^/]+)/src/(.+)$`),
		rewrite: func(_ string, m []string) string {
			return "https://bitbucket.org/" + m[1] + "/" + m[2] + "/raw/" + m[3]
		},
	},
	{
		platform: "dropbox",
		pattern:  regexp.MustCompile(`(?i)^https?://(www\.)?dropbox\.com/.+`),
		rewrite: func(raw string, _ []string) string {
			u, err := url.Parse(raw)
			if err != nil {
				return raw
			}
			q := u.Query()
			q.Set("dl", "1")
			q.Del("raw")
			u.RawQuery = q.Encode()
			return u.String()
		},
	},
	{
		platform: "google_drive",
		pattern:  regexp.MustCompile(`(?i)^https?://drive\.google\.com/file/d/([^/]+)/view`),
		rewrite: func(_ string, m []string) string {
			return "https://drive.google.com/uc?export=download&id=" + m[1]
		},
	},
	{
		platform: "pastebin",
		pattern:  regexp.MustCompile(`(?i)^https?://pastebin\.com/([^/]+)$`),
		rewrite: func(_ string, m []string) string {
			return "https://pastebin.com/raw/" + m[1]
		},
	},
	{
		platform: "postimages",
		pattern:  regexp.MustCompile(`(?i)^https?://postimg\.cc/([^/]+)$`),
		rewrite: func(_ string, m []string) string {
			return "https://i.postimg.cc/" + m[1] + "/"
		},
	},
	{
		platform: "imgbb",
		pattern:  regexp.MustCompile(`(?i)^https?://(www\.)?imgbb\.com/([^/]+)$`),
		rewrite: func(_ string, m []string) string {
			return "https://i.ibb.co/" + m[2] + "/"
		},
	},
	{
		platform: "ubuntu_paste",
		pattern:  regexp.MustCompile(`(?i)^https?://paste\.ubuntu\.com/([^/]+)/?$`),
		rewrite: func(_ string, m []string) string {
			return "https://paste.ubuntu.com/" + m[1] + "/plain/"
		},
	},
}

// Normalize rewrites a known viewer URL into its direct download form. URLs
// no rule matches are returned unchanged.
func Normalize(raw string) Transform {
	for _, r := range rewriteRules {
		m := r.pattern.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		if out := r.rewrite(raw, m); out != raw {
			return Transform{URL: out, Transformed: true, Platform: r.platform}
		}
	}
	return Transform{URL: raw}
}
