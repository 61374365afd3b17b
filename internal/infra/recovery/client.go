// Package recovery implements the archive providers consulted for content
// that vanished from its original host. Each provider answers one question:
// does this archive still hold a copy of the URL, and where.
//
// A provider that has no copy returns an error wrapping entity.ErrNotRecovered.
// Non-2xx answers from the archive itself are returned as *retry.HTTPError so
// the caller can feed them to the admission controller.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"media-rescue/internal/infra/fetcher"
	"media-rescue/internal/resilience/retry"
)

// Options are shared by every provider.
type Options struct {
	// Client performs the requests. Defaults to a client built from
	// fetcher.DefaultConfig.
	Client *http.Client
	// UserAgent is sent with every request.
	UserAgent string
	// MaxBodySize bounds API and page bodies read into memory.
	MaxBodySize int64
	// Retry governs retries of transient provider errors within one lookup.
	Retry retry.Config
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	def := fetcher.DefaultConfig()
	if o.Client == nil {
		o.Client = fetcher.NewHTTPClient(def, fetcher.NewValidator(def, nil))
	}
	if o.UserAgent == "" {
		o.UserAgent = def.UserAgent
	}
	if o.MaxBodySize <= 0 {
		o.MaxBodySize = def.MaxBodySize
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = retry.ProviderConfig()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o Options) newRequest(ctx context.Context, method, rawURL, accept string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", o.UserAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return req, nil
}

// get fetches rawURL and returns the body of a 200 response. Transient errors
// are retried according to o.Retry.
func (o Options) get(ctx context.Context, rawURL, accept string) ([]byte, error) {
	var body []byte
	err := retry.WithBackoff(ctx, o.Retry, func() error {
		req, err := o.newRequest(ctx, http.MethodGet, rawURL, accept)
		if err != nil {
			return err
		}
		resp, err := o.Client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return retry.NewHTTPError(resp)
		}
		body, err = fetcher.ReadLimited(resp.Body, o.MaxBodySize)
		return err
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func withQuery(base string, params url.Values) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + params.Encode()
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func isRedditHost(host string) bool {
	return host == "reddit.com" || strings.HasSuffix(host, ".reddit.com")
}

func isReddItHost(host string) bool {
	return host == "redd.it" || strings.HasSuffix(host, ".redd.it")
}
