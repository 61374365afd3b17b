package fetcher

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"media-rescue/internal/domain/entity"
)

func staticResolver(ips ...string) Resolver {
	return func(context.Context, string) ([]net.IP, error) {
		out := make([]net.IP, 0, len(ips))
		for _, ip := range ips {
			out = append(out, net.ParseIP(ip))
		}
		return out, nil
	}
}

func TestValidator_Check(t *testing.T) {
	v := NewValidator(Config{
		DenyPrivateIPs: true,
		TrustedDomains: DefaultTrustedDomains,
		BlockedDomains: []string{"Malware.test"},
	}, staticResolver("93.184.216.34"))

	tests := []struct {
		name    string
		url     string
		wantErr error
	}{
		{name: "public https", url: "https://example.com/pic.jpg"},
		{name: "fragment stripped", url: "https://example.com/pic.jpg#top"},
		{name: "trusted skips patterns", url: "https://i.redd.it/a'b.jpg"},
		{name: "too short", url: "http://a", wantErr: entity.ErrInvalidURL},
		{name: "too long", url: "https://example.com/" + strings.Repeat("a", MaxURLLength), wantErr: entity.ErrInvalidURL},
		{name: "ftp scheme", url: "ftp://example.com/file", wantErr: entity.ErrInvalidURL},
		{name: "no host", url: "https:///path/only", wantErr: entity.ErrInvalidURL},
		{name: "bad host", url: "https://exa_mple.com/x", wantErr: entity.ErrInvalidURL},
		{name: "script markup", url: "https://example.com/<script>", wantErr: entity.ErrSecurityRejected},
		{name: "javascript in query", url: "https://example.com/?u=javascript:alert(1)", wantErr: entity.ErrSecurityRejected},
		{name: "traversal", url: "https://example.com/a/../../etc/passwd", wantErr: entity.ErrSecurityRejected},
		{name: "encoded traversal", url: "https://example.com/%2E%2E%2Fetc", wantErr: entity.ErrSecurityRejected},
		{name: "builtin blocked", url: "http://localhost:8080/x", wantErr: entity.ErrSecurityRejected},
		{name: "configured blocked", url: "https://malware.test/x.jpg", wantErr: entity.ErrSecurityRejected},
		{name: "literal private", url: "http://192.168.1.10/x.jpg", wantErr: entity.ErrSecurityRejected},
		{name: "literal loopback v6", url: "http://[::1]:9000/x.jpg", wantErr: entity.ErrSecurityRejected},
		{name: "literal link-local", url: "http://169.254.169.254/latest", wantErr: entity.ErrSecurityRejected},
		{name: "literal public", url: "http://93.184.216.34/x.jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := v.Check(context.Background(), tt.url)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Check(%q) unexpected error: %v", tt.url, err)
				}
				if u.Fragment != "" {
					t.Errorf("fragment not stripped: %q", u.String())
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Check(%q) error = %v, want %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidator_ResolvesToPrivate(t *testing.T) {
	v := NewValidator(Config{DenyPrivateIPs: true}, staticResolver("93.184.216.34", "10.0.0.5"))

	_, err := v.Check(context.Background(), "https://internal.example.com/x.jpg")
	if !errors.Is(err, entity.ErrSecurityRejected) {
		t.Errorf("expected ErrSecurityRejected, got %v", err)
	}
}

func TestValidator_LookupFailureIsNotRejection(t *testing.T) {
	v := NewValidator(Config{DenyPrivateIPs: true}, func(context.Context, string) ([]net.IP, error) {
		return nil, errors.New("no such host")
	})

	if _, err := v.Check(context.Background(), "https://unresolvable.example/x.jpg"); err != nil {
		t.Errorf("expected lookup failure to pass, got %v", err)
	}
}

func TestValidator_PrivateAllowedWhenDisabled(t *testing.T) {
	v := NewValidator(Config{DenyPrivateIPs: false}, nil)

	if _, err := v.Check(context.Background(), "http://127.0.0.1:8080/file.png"); err != nil {
		t.Errorf("expected loopback to pass with DenyPrivateIPs=false, got %v", err)
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"172.32.0.1", false},
		{"192.168.0.1", true},
		{"169.254.1.1", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"fc00::1", true},
		{"fe80::1", true},
		{"8.8.8.8", false},
		{"2001:4860:4860::8888", false},
	}
	for _, tt := range tests {
		if got := isPrivateIP(net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("isPrivateIP(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}
