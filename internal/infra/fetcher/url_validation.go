package fetcher

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"media-rescue/internal/domain/entity"
)

// URL length bounds accepted by the security check.
const (
	MinURLLength = 10
	MaxURLLength = 2048
)

// builtinBlockedHosts are refused regardless of configuration.
var builtinBlockedHosts = []string{
	"localhost",
	"0.0.0.0",
	"metadata.google.internal",
}

// suspiciousPatterns catch markup injection, non-http schemes smuggled into
// the URL, and directory traversal.
var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[<>"']`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)data:`),
	regexp.MustCompile(`(?i)file:`),
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile(`(?i)%2e%2e%2f`),
}

var hostnamePattern = regexp.MustCompile(
	`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

// Resolver resolves a host name to its addresses.
type Resolver func(ctx context.Context, host string) ([]net.IP, error)

func defaultResolver(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// Validator is the URL security check applied before any outbound request
// and to every redirect target.
//
// Checks, in order:
//   - length between MinURLLength and MaxURLLength
//   - http/https scheme and a well-formed host
//   - trusted domains return here, skipping the checks below
//   - suspicious patterns (markup, javascript:/data:/file:, traversal)
//   - blocked hosts
//   - private, loopback and link-local addresses, literal or resolved
//
// Validator is safe for concurrent use.
type Validator struct {
	trusted        map[string]struct{}
	blocked        map[string]struct{}
	denyPrivateIPs bool
	resolve        Resolver
}

// NewValidator creates a Validator from cfg. A nil resolver uses the system
// resolver.
func NewValidator(cfg Config, resolve Resolver) *Validator {
	v := &Validator{
		trusted:        make(map[string]struct{}, len(cfg.TrustedDomains)),
		blocked:        make(map[string]struct{}, len(builtinBlockedHosts)+len(cfg.BlockedDomains)),
		denyPrivateIPs: cfg.DenyPrivateIPs,
		resolve:        resolve,
	}
	if v.resolve == nil {
		v.resolve = defaultResolver
	}
	for _, d := range cfg.TrustedDomains {
		v.trusted[strings.ToLower(d)] = struct{}{}
	}
	for _, d := range builtinBlockedHosts {
		v.blocked[d] = struct{}{}
	}
	for _, d := range cfg.BlockedDomains {
		v.blocked[strings.ToLower(d)] = struct{}{}
	}
	return v
}

// Trusted reports whether host is on the trusted-domain allowlist.
func (v *Validator) Trusted(host string) bool {
	_, ok := v.trusted[strings.ToLower(host)]
	return ok
}

// Check validates rawURL and returns it parsed with the fragment removed.
// Malformed URLs wrap entity.ErrInvalidURL; URLs refused on security grounds
// wrap entity.ErrSecurityRejected.
//
// A failed DNS lookup is not a rejection: the request itself will fail with a
// connection error, which callers treat as transient.
func (v *Validator) Check(ctx context.Context, rawURL string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if len(rawURL) < MinURLLength || len(rawURL) > MaxURLLength {
		return nil, fmt.Errorf("%w: length %d outside %d..%d", entity.ErrInvalidURL, len(rawURL), MinURLLength, MaxURLLength)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse error: %v", entity.ErrInvalidURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme '%s' not allowed (only http/https)", entity.ErrInvalidURL, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("%w: empty hostname", entity.ErrInvalidURL)
	}
	u.Fragment = ""

	if v.Trusted(host) {
		return u, nil
	}

	for _, p := range suspiciousPatterns {
		if p.MatchString(rawURL) {
			return nil, fmt.Errorf("%w: suspicious pattern %s", entity.ErrSecurityRejected, p.String())
		}
	}

	if _, ok := v.blocked[host]; ok {
		return nil, fmt.Errorf("%w: host '%s' is blocked", entity.ErrSecurityRejected, host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if v.denyPrivateIPs && isPrivateIP(ip) {
			return nil, fmt.Errorf("%w: private address %s", entity.ErrSecurityRejected, ip)
		}
		return u, nil
	}

	if !hostnamePattern.MatchString(host) || len(host) > 253 {
		return nil, fmt.Errorf("%w: invalid host '%s'", entity.ErrInvalidURL, host)
	}

	if !v.denyPrivateIPs {
		return u, nil
	}

	ips, err := v.resolve(ctx, host)
	if err != nil {
		return u, nil
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return nil, fmt.Errorf("%w: hostname '%s' resolves to private IP %s", entity.ErrSecurityRejected, host, ip)
		}
	}
	return u, nil
}

// isPrivateIP checks if an IP address is in a private or loopback range.
//
// Blocked IP ranges:
//   - Loopback: 127.0.0.0/8 (IPv4), ::1 (IPv6)
//   - Private: 10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16 (IPv4), fc00::/7 (IPv6)
//   - Link-local: 169.254.0.0/16 (IPv4), fe80::/10 (IPv6)
//   - Unspecified: 0.0.0.0, ::
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
