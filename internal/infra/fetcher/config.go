package fetcher

import (
	"fmt"
	"time"
)

// Config holds the configuration shared by every outbound HTTP call: media
// downloads, recovery provider lookups and redirect handling.
//
// Security settings:
//   - DenyPrivateIPs: Prevents SSRF by blocking hosts that resolve to private addresses
//   - MaxBodySize: Bounds provider API responses read into memory
//   - MaxRedirects: Prevents redirect loops; every hop is re-validated
//   - TrustedDomains: Media CDNs that skip the deep checks
//   - BlockedDomains: Hosts refused outright, in addition to the built-in list
type Config struct {
	// Timeout is the overall deadline of a single HTTP request.
	// Default: 30s
	Timeout time.Duration

	// MaxBodySize is the maximum size of a response read into memory.
	// Media bodies are streamed to disk and bounded separately.
	// Default: 10485760 (10MB)
	MaxBodySize int64

	// MaxRedirects is the maximum number of HTTP redirects to follow.
	// Default: 5
	MaxRedirects int

	// DenyPrivateIPs controls whether hosts resolving to loopback, private or
	// link-local addresses are rejected.
	// Should always be true in production.
	// Default: true
	DenyPrivateIPs bool

	// UserAgent is sent with every request.
	UserAgent string

	// TrustedDomains skip pattern and address checks.
	TrustedDomains []string

	// BlockedDomains are rejected in addition to the built-in blocklist.
	BlockedDomains []string
}

// DefaultUserAgent identifies the downloader to remote hosts.
const DefaultUserAgent = "media-rescue/1.0 (personal archive tool)"

// DefaultTrustedDomains are the media CDNs whose URLs are known to be safe.
var DefaultTrustedDomains = []string{
	"i.redd.it",
	"v.redd.it",
	"preview.redd.it",
	"external-preview.redd.it",
	"i.imgur.com",
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:        30 * time.Second,
		MaxBodySize:    10 * 1024 * 1024, // 10MB
		MaxRedirects:   5,
		DenyPrivateIPs: true,
		UserAgent:      DefaultUserAgent,
		TrustedDomains: append([]string(nil), DefaultTrustedDomains...),
	}
}

// Validate checks if the configuration values are valid and safe.
//
// Validation rules:
//   - Timeout: > 0 (must have timeout)
//   - MaxBodySize: 1KB-100MB (prevent memory issues)
//   - MaxRedirects: 0-10 (reasonable redirect limit)
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}

	minBodySize := int64(1024)              // 1KB
	maxBodySize := int64(100 * 1024 * 1024) // 100MB
	if c.MaxBodySize < minBodySize || c.MaxBodySize > maxBodySize {
		return fmt.Errorf("max body size must be between %d and %d bytes, got %d", minBodySize, maxBodySize, c.MaxBodySize)
	}

	if c.MaxRedirects < 0 || c.MaxRedirects > 10 {
		return fmt.Errorf("max redirects must be between 0 and 10, got %d", c.MaxRedirects)
	}

	return nil
}
