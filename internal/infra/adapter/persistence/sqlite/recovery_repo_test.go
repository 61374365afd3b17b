package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"media-rescue/internal/domain/entity"
	"media-rescue/internal/infra/adapter/persistence/sqlite"
)

func cacheEntry(url, provider string, recovered *string, accessed time.Time, size int64) *entity.RecoveryCacheEntry {
	return &entity.RecoveryCacheEntry{
		URLHash:        entity.HashURL(url),
		URL:            url,
		Provider:       provider,
		RecoveredURL:   recovered,
		Quality:        entity.QualityMedium,
		CachedAt:       accessed,
		LastAccessedAt: accessed,
		ExpiresAt:      accessed.Add(24 * time.Hour),
		SizeBytes:      size,
	}
}

func strPtr(s string) *string { return &s }

/* ──────────────────────────────── 1. Get / Put ──────────────────────────────── */

func TestRecoveryCacheRepo_PutGet(t *testing.T) {
	repo := sqlite.NewRecoveryCacheRepo(newDB(t))
	ctx := context.Background()

	e := cacheEntry("https://i.redd.it/a.jpg", entity.ProviderWayback, strPtr("http://web.archive.org/x"), base, 100)
	e.Metadata = map[string]string{"archive_timestamp": "20230101"}
	if err := repo.Put(ctx, e); err != nil {
		t.Fatalf("Put err=%v", err)
	}

	later := base.Add(time.Hour)
	got, err := repo.Get(ctx, e.URLHash, e.Provider, later)
	if err != nil {
		t.Fatalf("Get err=%v", err)
	}
	want := *e
	want.LastAccessedAt = later
	if diff := cmp.Diff(&want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestRecoveryCacheRepo_NegativeEntry(t *testing.T) {
	repo := sqlite.NewRecoveryCacheRepo(newDB(t))
	ctx := context.Background()

	e := cacheEntry("https://reddit.com/r/x/comments/abc", entity.ProviderPullPush, nil, base, 10)
	e.Quality = ""
	_ = repo.Put(ctx, e)

	got, err := repo.Get(ctx, e.URLHash, e.Provider, base)
	if err != nil || got == nil {
		t.Fatalf("Get got=%v err=%v", got, err)
	}
	if !got.Negative() {
		t.Errorf("expected negative entry")
	}
}

func TestRecoveryCacheRepo_ExpiredNeverReturned(t *testing.T) {
	repo := sqlite.NewRecoveryCacheRepo(newDB(t))
	ctx := context.Background()

	e := cacheEntry("https://i.redd.it/b.jpg", entity.ProviderReveddit, strPtr("r"), base, 10)
	_ = repo.Put(ctx, e)

	got, err := repo.Get(ctx, e.URLHash, e.Provider, e.ExpiresAt.Add(time.Second))
	if err != nil || got != nil {
		t.Fatalf("Get after expiry got=%v err=%v, want nil nil", got, err)
	}

	n, err := repo.DeleteExpired(ctx, e.ExpiresAt.Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("DeleteExpired n=%d err=%v", n, err)
	}
}

/* ──────────────────────────────── 2. Eviction ──────────────────────────────── */

func TestRecoveryCacheRepo_EvictLRU_ByCount(t *testing.T) {
	repo := sqlite.NewRecoveryCacheRepo(newDB(t))
	ctx := context.Background()

	for i, u := range []string{"https://x.test/1", "https://x.test/2", "https://x.test/3", "https://x.test/4"} {
		_ = repo.Put(ctx, cacheEntry(u, entity.ProviderWayback, strPtr("r"), base.Add(time.Duration(i)*time.Minute), 10))
	}
	// touching the oldest entry makes it the most recent
	if got, _ := repo.Get(ctx, entity.HashURL("https://x.test/1"), entity.ProviderWayback, base.Add(time.Hour)); got == nil {
		t.Fatal("expected hit")
	}

	n, err := repo.EvictLRU(ctx, 2, 0)
	if err != nil || n != 2 {
		t.Fatalf("EvictLRU n=%d err=%v, want 2", n, err)
	}
	for _, tc := range []struct {
		url  string
		kept bool
	}{
		{"https://x.test/1", true},
		{"https://x.test/2", false},
		{"https://x.test/3", false},
		{"https://x.test/4", true},
	} {
		got, _ := repo.Get(ctx, entity.HashURL(tc.url), entity.ProviderWayback, base.Add(2*time.Hour))
		if (got != nil) != tc.kept {
			t.Errorf("%s kept=%v, want %v", tc.url, got != nil, tc.kept)
		}
	}
}

func TestRecoveryCacheRepo_EvictLRU_BySize(t *testing.T) {
	repo := sqlite.NewRecoveryCacheRepo(newDB(t))
	ctx := context.Background()

	for i, u := range []string{"https://x.test/old", "https://x.test/mid", "https://x.test/new"} {
		_ = repo.Put(ctx, cacheEntry(u, entity.ProviderWayback, strPtr("r"), base.Add(time.Duration(i)*time.Minute), 100))
	}

	n, err := repo.EvictLRU(ctx, 0, 250)
	if err != nil || n != 1 {
		t.Fatalf("EvictLRU n=%d err=%v, want 1", n, err)
	}
	stats, _ := repo.Stats(ctx, base)
	if stats.Entries != 2 || stats.SizeBytes != 200 {
		t.Errorf("unexpected stats after eviction: %+v", stats)
	}
	if got, _ := repo.Get(ctx, entity.HashURL("https://x.test/old"), entity.ProviderWayback, base); got != nil {
		t.Errorf("least recently used entry survived")
	}
}

func TestRecoveryCacheRepo_Stats(t *testing.T) {
	repo := sqlite.NewRecoveryCacheRepo(newDB(t))
	ctx := context.Background()

	_ = repo.Put(ctx, cacheEntry("https://x.test/a", entity.ProviderWayback, strPtr("r"), base, 10))
	_ = repo.Put(ctx, cacheEntry("https://x.test/b", entity.ProviderWayback, nil, base, 20))
	_ = repo.Put(ctx, cacheEntry("https://x.test/c", entity.ProviderWayback, nil, base.Add(-48*time.Hour), 30))

	got, err := repo.Stats(ctx, base)
	if err != nil {
		t.Fatalf("Stats err=%v", err)
	}
	want := &entity.CacheStats{Entries: 3, Negative: 2, Expired: 1, SizeBytes: 60}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

/* ──────────────────────────────── 3. Attempts ──────────────────────────────── */

func TestRecoveryAttemptRepo_RecordListStats(t *testing.T) {
	repo := sqlite.NewRecoveryAttemptRepo(newDB(t))
	ctx := context.Background()

	url := "https://i.redd.it/gone.jpg"
	attempts := []*entity.RecoveryAttempt{
		{URL: url, URLHash: entity.HashURL(url), Provider: entity.ProviderWayback, ErrorMessage: "no snapshot",
			Duration: 100 * time.Millisecond, AttemptedAt: base},
		{URL: url, URLHash: entity.HashURL(url), Provider: entity.ProviderPullPush, ErrorMessage: "not found",
			Duration: 300 * time.Millisecond, AttemptedAt: base.Add(time.Second)},
		{URL: url, URLHash: entity.HashURL(url), Provider: entity.ProviderRedditPreviews, Success: true,
			RecoveredURL: "https://preview.redd.it/gone.jpg", Quality: entity.QualityHigh,
			Duration: 200 * time.Millisecond, AttemptedAt: base.Add(2 * time.Second)},
	}
	for _, a := range attempts {
		if err := repo.Record(ctx, a); err != nil {
			t.Fatalf("Record err=%v", err)
		}
		if a.ID == "" {
			t.Fatal("Record did not assign an id")
		}
	}

	got, err := repo.ListByURL(ctx, url)
	if err != nil {
		t.Fatalf("ListByURL err=%v", err)
	}
	if diff := cmp.Diff(attempts, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	stats, err := repo.ProviderStats(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ProviderStats err=%v", err)
	}
	if s := stats[entity.ProviderRedditPreviews]; s.Attempts != 1 || s.Successes != 1 || s.AvgDuration != 200*time.Millisecond {
		t.Errorf("unexpected previews stats: %+v", s)
	}
	if s := stats[entity.ProviderWayback]; s.Failures != 1 {
		t.Errorf("unexpected wayback stats: %+v", s)
	}

	n, err := repo.Purge(ctx, base.Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("Purge n=%d err=%v, want 1", n, err)
	}
}
