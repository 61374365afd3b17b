// Package ratelimit provides per-service admission control for outbound requests.
//
// Each named service gets a token bucket (golang.org/x/time/rate) paired with a
// sliding window of grant timestamps. The bucket smooths the request rate while
// the window enforces a hard cap per window, so a client cannot burst and then
// starve the remote. Responses reported back through ReportResponse drive an
// adaptive backoff for 429 and 5xx status codes.
package ratelimit

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Default values shared by every service unless overridden.
const (
	DefaultWindow            = 60 * time.Second
	DefaultRetryAfter        = 60 * time.Second
	DefaultBackoffMultiplier = 1.5
	DefaultMaxBackoff        = 300 * time.Second

	// serverErrorBaseBackoff and serverErrorMaxBackoff bound the backoff applied
	// after a 5xx response.
	serverErrorBaseBackoff = 1 * time.Second
	serverErrorMaxBackoff  = 30 * time.Second
)

// Config describes the rate budget of one service.
type Config struct {
	// RequestsPerWindow is the hard cap of grants inside one Window.
	RequestsPerWindow int `yaml:"requests_per_window"`

	// Window is the length of the sliding window.
	Window time.Duration `yaml:"window"`

	// Burst is the token bucket capacity.
	Burst int `yaml:"burst"`

	// RetryAfter is the base backoff for a 429 without a Retry-After value.
	RetryAfter time.Duration `yaml:"retry_after"`

	// BackoffMultiplier grows the backoff with every consecutive failure.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`

	// MaxBackoff caps any backoff derived from consecutive failures.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// ApplyDefaults fills zero fields with the package defaults.
func (c *Config) ApplyDefaults() {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = DefaultRetryAfter
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

// Validate checks the configuration and returns every problem found.
func (c Config) Validate() error {
	var err error
	if c.RequestsPerWindow <= 0 {
		err = multierr.Append(err, fmt.Errorf("requests_per_window must be positive, got %d", c.RequestsPerWindow))
	}
	if c.Window <= 0 {
		err = multierr.Append(err, errors.New("window must be positive"))
	}
	if c.Burst <= 0 {
		err = multierr.Append(err, fmt.Errorf("burst must be positive, got %d", c.Burst))
	}
	if c.BackoffMultiplier < 1 {
		err = multierr.Append(err, fmt.Errorf("backoff_multiplier must be >= 1, got %v", c.BackoffMultiplier))
	}
	if c.MaxBackoff < c.RetryAfter {
		err = multierr.Append(err, fmt.Errorf("max_backoff (%s) must be >= retry_after (%s)", c.MaxBackoff, c.RetryAfter))
	}
	return err
}

// Built-in service identities.
const (
	ServiceReddit         = "reddit"
	ServiceRedditImages   = "reddit_images"
	ServiceRedditVideo    = "reddit_video"
	ServiceRedditPreviews = "reddit_previews"
	ServiceImgur          = "imgur"
	ServiceGeneric        = "generic"
	ServiceWayback        = "wayback_machine"
	ServicePullPush       = "pullpush_io"
	ServiceReveddit       = "reveddit"
)

// DefaultServiceConfigs returns the built-in budgets for known services.
// Values follow the public limits of each host.
func DefaultServiceConfigs() map[string]Config {
	cfgs := map[string]Config{
		ServiceReddit:         {RequestsPerWindow: 100, Burst: 10},
		ServiceRedditImages:   {RequestsPerWindow: 100, Burst: 10},
		ServiceRedditVideo:    {RequestsPerWindow: 60, Burst: 5},
		ServiceRedditPreviews: {RequestsPerWindow: 30, Burst: 5, RetryAfter: 60 * time.Second},
		ServiceImgur:          {RequestsPerWindow: 4, Burst: 2, RetryAfter: 120 * time.Second, BackoffMultiplier: 2.0},
		ServiceGeneric:        {RequestsPerWindow: 30, Burst: 5},
		ServiceWayback:        {RequestsPerWindow: 60, Burst: 5, RetryAfter: 30 * time.Second},
		ServicePullPush:       {RequestsPerWindow: 12, Burst: 3, RetryAfter: 300 * time.Second, BackoffMultiplier: 3.0},
		ServiceReveddit:       {RequestsPerWindow: 20, Burst: 3, RetryAfter: 60 * time.Second},
	}
	for name, c := range cfgs {
		c.ApplyDefaults()
		cfgs[name] = c
	}
	return cfgs
}
