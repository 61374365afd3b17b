package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// QualityTier describes how close recovered content is to the original.
type QualityTier string

const (
	QualityOriginal     QualityTier = "original"
	QualityHigh         QualityTier = "high_quality"
	QualityMedium       QualityTier = "medium_quality"
	QualityLow          QualityTier = "low_quality"
	QualityThumbnail    QualityTier = "thumbnail"
	QualityMetadataOnly QualityTier = "metadata_only"
)

var qualityRank = map[QualityTier]int{
	QualityOriginal:     6,
	QualityHigh:         5,
	QualityMedium:       4,
	QualityLow:          3,
	QualityThumbnail:    2,
	QualityMetadataOnly: 1,
}

// AtLeast reports whether q is as good as or better than min.
func (q QualityTier) AtLeast(min QualityTier) bool {
	return qualityRank[q] >= qualityRank[min]
}

// Provider identifiers, in cascade order.
const (
	ProviderWayback        = "wayback_machine"
	ProviderPullPush       = "pullpush_io"
	ProviderRedditPreviews = "reddit_previews"
	ProviderReveddit       = "reveddit"
)

// MetadataRawURL names the RecoveryResult metadata key holding a URL that
// serves the recovered bytes directly, without an archive viewer page around
// them. Consumers that download the recovered content prefer it over
// RecoveredURL.
const MetadataRawURL = "raw_url"

// FetchURL returns the URL to download recovered content from.
func (r RecoveryResult) FetchURL() string {
	if raw := r.Metadata[MetadataRawURL]; raw != "" {
		return raw
	}
	return r.RecoveredURL
}

// DefaultProviderOrder is the reliability-ordered cascade.
var DefaultProviderOrder = []string{
	ProviderWayback,
	ProviderPullPush,
	ProviderRedditPreviews,
	ProviderReveddit,
}

// HashURL returns the cache key used for a URL: the first 16 hex characters
// of its SHA-256 digest.
func HashURL(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])[:16]
}

// RecoveryResult is the outcome of a cascade or a single provider call.
type RecoveryResult struct {
	Success      bool              `json:"success"`
	RecoveredURL string            `json:"recovered_url,omitempty"`
	Provider     string            `json:"provider,omitempty"`
	Quality      QualityTier       `json:"quality,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Duration     time.Duration     `json:"duration"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	FromCache    bool              `json:"from_cache"`
}

// RecoveryCacheEntry is a cached provider outcome. A nil RecoveredURL is a
// cached negative result.
type RecoveryCacheEntry struct {
	URLHash        string
	URL            string
	Provider       string
	RecoveredURL   *string
	Quality        QualityTier
	CachedAt       time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time
	Metadata       map[string]string
	SizeBytes      int64
}

// Expired reports whether the entry is past its TTL at now. An entry is
// live strictly before ExpiresAt.
func (e *RecoveryCacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Negative reports whether the entry caches a failed recovery.
func (e *RecoveryCacheEntry) Negative() bool {
	return e.RecoveredURL == nil
}

// Result converts the entry into a RecoveryResult flagged as served from cache.
func (e *RecoveryCacheEntry) Result() RecoveryResult {
	res := RecoveryResult{
		Provider:  e.Provider,
		Quality:   e.Quality,
		Metadata:  e.Metadata,
		FromCache: true,
	}
	if e.RecoveredURL != nil {
		res.Success = true
		res.RecoveredURL = *e.RecoveredURL
	} else {
		res.ErrorMessage = "cached negative result"
	}
	return res
}

// EstimatedSize approximates the storage footprint of the entry.
func (e *RecoveryCacheEntry) EstimatedSize() int64 {
	n := int64(len(e.URLHash) + len(e.URL) + len(e.Provider) + len(e.Quality))
	if e.RecoveredURL != nil {
		n += int64(len(*e.RecoveredURL))
	}
	for k, v := range e.Metadata {
		n += int64(len(k) + len(v))
	}
	return n
}

// RecoveryAttempt is an analytics record of one provider call.
type RecoveryAttempt struct {
	ID            string
	URL           string
	URLHash       string
	Provider      string
	Success       bool
	RecoveredURL  string
	Quality       QualityTier
	ErrorMessage  string
	FailureReason string
	Duration      time.Duration
	AttemptedAt   time.Time
}

// ProviderStats aggregates attempts for one provider.
type ProviderStats struct {
	Attempts    int           `json:"attempts"`
	Successes   int           `json:"successes"`
	Failures    int           `json:"failures"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// RecoveryStats aggregates cascade analytics.
type RecoveryStats struct {
	TotalAttempts int                      `json:"total_attempts"`
	CacheHits     int                      `json:"cache_hits"`
	Successes     int                      `json:"successes"`
	Failures      int                      `json:"failures"`
	Providers     map[string]ProviderStats `json:"providers"`
}

// CacheStats summarizes the recovery cache.
type CacheStats struct {
	Entries   int   `json:"entries"`
	Negative  int   `json:"negative"`
	Expired   int   `json:"expired"`
	SizeBytes int64 `json:"size_bytes"`
}
