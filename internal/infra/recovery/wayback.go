package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"media-rescue/internal/domain/entity"
)

const (
	waybackAvailabilityURL = "http://archive.org/wayback/available"
	waybackCDXURL          = "http://web.archive.org/cdx/search/cdx"
	waybackSnapshotURL     = "http://web.archive.org/web/"
	waybackTimestampLayout = "20060102150405"
)

// snapshotPrefix matches the timestamp segment of a capture URL, with any
// existing modifier such as im_ or if_.
var snapshotPrefix = regexp.MustCompile(`^(https?://web\.archive\.org/web/)(\d{14})(?:[a-z]{2}_)?/`)

// rawSnapshot rewrites a capture URL to its id_ form, which replays the
// archived bytes unmodified instead of inside the viewer toolbar.
func rawSnapshot(capture string) string {
	return snapshotPrefix.ReplaceAllString(capture, "${1}${2}id_/")
}

// Wayback looks URLs up in the Internet Archive. The availability API is
// asked first; the CDX index is the fallback when it reports no snapshot.
type Wayback struct {
	AvailabilityURL string
	CDXURL          string
	SnapshotURL     string

	opts Options
	now  func() time.Time
}

// NewWayback creates a Wayback provider using the public endpoints.
func NewWayback(opts Options) *Wayback {
	return &Wayback{
		AvailabilityURL: waybackAvailabilityURL,
		CDXURL:          waybackCDXURL,
		SnapshotURL:     waybackSnapshotURL,
		opts:            opts.withDefaults(),
		now:             time.Now,
	}
}

// Name returns the provider identity.
func (w *Wayback) Name() string { return entity.ProviderWayback }

// CanHandle accepts any http(s) URL.
func (w *Wayback) CanHandle(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

type waybackSnapshot struct {
	url       string
	timestamp string
	status    string
	mimetype  string
	source    string
}

// Recover returns the newest archived snapshot of rawURL.
func (w *Wayback) Recover(ctx context.Context, rawURL string) (entity.RecoveryResult, error) {
	snap, availErr := w.available(ctx, rawURL)
	if availErr != nil {
		w.opts.Logger.Debug("wayback availability lookup failed, trying CDX",
			slog.String("url", rawURL),
			slog.Any("error", availErr))
	}
	if snap == nil {
		var cdxErr error
		snap, cdxErr = w.cdx(ctx, rawURL)
		if cdxErr != nil {
			if availErr != nil && !errors.Is(availErr, entity.ErrNotRecovered) {
				return entity.RecoveryResult{}, fmt.Errorf("wayback: %w", availErr)
			}
			return entity.RecoveryResult{}, fmt.Errorf("wayback: %w", cdxErr)
		}
	}

	meta := map[string]string{
		"wayback_timestamp": snap.timestamp,
		"status_code":       snap.status,
		"api_source":        snap.source,
	}
	if snap.mimetype != "" {
		meta["mimetype"] = snap.mimetype
	}
	if raw := rawSnapshot(snap.url); raw != snap.url {
		meta[entity.MetadataRawURL] = raw
	}
	return entity.RecoveryResult{
		Success:      true,
		RecoveredURL: snap.url,
		Provider:     w.Name(),
		Quality:      w.quality(snap),
		Metadata:     meta,
	}, nil
}

func (w *Wayback) available(ctx context.Context, rawURL string) (*waybackSnapshot, error) {
	body, err := w.opts.get(ctx, withQuery(w.AvailabilityURL, url.Values{"url": {rawURL}}), "application/json")
	if err != nil {
		return nil, err
	}

	var resp struct {
		ArchivedSnapshots struct {
			Closest *struct {
				Available bool   `json:"available"`
				URL       string `json:"url"`
				Timestamp string `json:"timestamp"`
				Status    string `json:"status"`
			} `json:"closest"`
		} `json:"archived_snapshots"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode availability response: %w", err)
	}
	closest := resp.ArchivedSnapshots.Closest
	if closest == nil || !closest.Available || closest.URL == "" {
		return nil, entity.ErrNotRecovered
	}
	return &waybackSnapshot{
		url:       closest.URL,
		timestamp: closest.Timestamp,
		status:    closest.Status,
		source:    "availability",
	}, nil
}

func (w *Wayback) cdx(ctx context.Context, rawURL string) (*waybackSnapshot, error) {
	params := url.Values{
		"url":       {rawURL},
		"matchType": {"exact"},
		"output":    {"json"},
		"limit":     {"10"},
		"filter":    {"statuscode:200"},
		"sort":      {"timestamp"},
		"reverse":   {"true"},
	}
	body, err := w.opts.get(ctx, withQuery(w.CDXURL, params), "application/json")
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, entity.ErrNotRecovered
	}

	// First row is the field header.
	var rows [][]string
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode CDX response: %w", err)
	}
	if len(rows) < 2 || len(rows[1]) < 3 {
		return nil, entity.ErrNotRecovered
	}
	capture := rows[1]
	snap := &waybackSnapshot{
		url:       w.SnapshotURL + capture[1] + "/" + capture[2],
		timestamp: capture[1],
		status:    "200",
		source:    "cdx",
	}
	if len(capture) > 3 {
		snap.mimetype = capture[3]
	}
	return snap, nil
}

// quality grades a snapshot by age: within a year high, within three medium,
// older low. Unparseable timestamps are medium.
func (w *Wayback) quality(s *waybackSnapshot) entity.QualityTier {
	if s.status != "" && s.status != "200" {
		return entity.QualityLow
	}
	ts, err := time.Parse(waybackTimestampLayout, s.timestamp)
	if err != nil {
		return entity.QualityMedium
	}
	years := w.now().Sub(ts).Hours() / 24 / 365
	switch {
	case years <= 1:
		return entity.QualityHigh
	case years <= 3:
		return entity.QualityMedium
	default:
		return entity.QualityLow
	}
}
