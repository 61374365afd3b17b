package fetcher

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NewHTTPClient creates the HTTP client used for every outbound request.
//
// The client is configured with:
//   - overall timeout from cfg.Timeout
//   - TLS 1.2 or newer
//   - redirect limit, with every redirect target passed through v
func NewHTTPClient(cfg Config, v *Validator) *http.Client {
	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("%w: %d redirects", ErrTooManyRedirects, len(via))
			}
			if _, err := v.Check(req.Context(), req.URL.String()); err != nil {
				return fmt.Errorf("redirect target validation failed: %w", err)
			}
			return nil
		},
	}
}

// ReadLimited reads at most limit bytes from r. A longer body fails with
// ErrBodyTooLarge.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, limit)
	}
	return b, nil
}
