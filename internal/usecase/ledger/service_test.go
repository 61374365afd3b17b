package ledger_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-rescue/internal/domain/entity"
	"media-rescue/internal/usecase/ledger"
)

/*────────────────────  in-memory stub  ────────────────────*/

type key struct{ url, service string }

type stubRepo struct {
	items map[key]entity.RetryItem
	dead  []entity.DeadLetterItem
	err   error
}

func newStub() *stubRepo {
	return &stubRepo{items: map[key]entity.RetryItem{}}
}

func (s *stubRepo) Upsert(_ context.Context, item *entity.RetryItem) error {
	if s.err != nil {
		return s.err
	}
	k := key{item.URL, item.ServiceName}
	cur, ok := s.items[k]
	if !ok {
		s.items[k] = *item
		return nil
	}
	if cur.Status == entity.RetryInProgress {
		return nil
	}
	cur.ErrorMessage = item.ErrorMessage
	cur.Metadata = item.Metadata
	cur.Priority = min(cur.Priority, item.Priority)
	if item.NextRetryAt.After(cur.NextRetryAt) {
		cur.NextRetryAt = item.NextRetryAt
	}
	s.items[k] = cur
	return nil
}

func (s *stubRepo) Get(_ context.Context, url, service string) (*entity.RetryItem, error) {
	if s.err != nil {
		return nil, s.err
	}
	item, ok := s.items[key{url, service}]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *stubRepo) ListReady(_ context.Context, service string, now time.Time, limit int) ([]*entity.RetryItem, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []*entity.RetryItem
	for _, item := range s.items {
		if item.Status != entity.RetryPending || item.NextRetryAt.After(now) {
			continue
		}
		if service != "" && item.ServiceName != service {
			continue
		}
		it := item
		out = append(out, &it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].NextRetryAt.Before(out[j].NextRetryAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubRepo) MarkStarted(_ context.Context, url, service string, at time.Time) (bool, error) {
	item, ok := s.items[key{url, service}]
	if !ok || item.Status != entity.RetryPending {
		return false, s.err
	}
	item.Status = entity.RetryInProgress
	item.LastAttemptAt = &at
	s.items[key{url, service}] = item
	return true, s.err
}

func (s *stubRepo) Reschedule(_ context.Context, item *entity.RetryItem) error {
	if s.err != nil {
		return s.err
	}
	k := key{item.URL, item.ServiceName}
	if _, ok := s.items[k]; !ok {
		return entity.ErrNotFound
	}
	it := *item
	it.Status = entity.RetryPending
	s.items[k] = it
	return nil
}

func (s *stubRepo) Delete(_ context.Context, url, service string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	_, ok := s.items[key{url, service}]
	delete(s.items, key{url, service})
	return ok, nil
}

func (s *stubRepo) MoveToDeadLetter(_ context.Context, item *entity.RetryItem, movedAt time.Time) error {
	if s.err != nil {
		return s.err
	}
	s.dead = append(s.dead, entity.DeadLetterItem{
		ID:           int64(len(s.dead) + 1),
		URL:          item.URL,
		ServiceName:  item.ServiceName,
		ErrorMessage: item.ErrorMessage,
		RetryCount:   item.RetryCount,
		CreatedAt:    item.CreatedAt,
		MovedAt:      movedAt,
		Metadata:     item.Metadata,
	})
	delete(s.items, key{item.URL, item.ServiceName})
	return nil
}

func (s *stubRepo) ListExpired(_ context.Context, cutoff time.Time) ([]*entity.RetryItem, error) {
	var out []*entity.RetryItem
	for _, item := range s.items {
		if item.CreatedAt.Before(cutoff) && item.Status != entity.RetryInProgress {
			it := item
			out = append(out, &it)
		}
	}
	return out, s.err
}

func (s *stubRepo) ResetStale(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for k, item := range s.items {
		if item.Status == entity.RetryInProgress && item.LastAttemptAt.Before(cutoff) {
			item.Status = entity.RetryPending
			s.items[k] = item
			n++
		}
	}
	return n, s.err
}

func (s *stubRepo) Stats(_ context.Context, now time.Time) (*entity.QueueStats, error) {
	if s.err != nil {
		return nil, s.err
	}
	stats := &entity.QueueStats{
		ByStatus:         map[entity.RetryStatus]int{},
		PendingByService: map[string]int{},
		DeadLetterCount:  len(s.dead),
	}
	for _, item := range s.items {
		stats.ByStatus[item.Status]++
		if item.Status == entity.RetryPending {
			stats.PendingByService[item.ServiceName]++
			if !item.NextRetryAt.After(now) {
				stats.ReadyCount++
			}
		}
	}
	return stats, nil
}

func (s *stubRepo) ListDeadLetters(_ context.Context, limit int) ([]*entity.DeadLetterItem, error) {
	var out []*entity.DeadLetterItem
	for i := len(s.dead) - 1; i >= 0 && len(out) < limit; i-- {
		d := s.dead[i]
		out = append(out, &d)
	}
	return out, s.err
}

func (s *stubRepo) Requeue(_ context.Context, item *entity.RetryItem) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	kept := s.dead[:0]
	found := false
	for _, d := range s.dead {
		if d.URL == item.URL && d.ServiceName == item.ServiceName {
			found = true
			continue
		}
		kept = append(kept, d)
	}
	s.dead = kept
	if !found {
		return false, nil
	}
	s.items[key{item.URL, item.ServiceName}] = *item
	return true, nil
}

func (s *stubRepo) PurgeDeadLetters(_ context.Context, cutoff time.Time) (int64, error) {
	kept := s.dead[:0]
	var n int64
	for _, d := range s.dead {
		if d.MovedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, d)
	}
	s.dead = kept
	return n, s.err
}

type recMetrics struct {
	ops   map[string]int
	depth *entity.QueueStats
}

func (m *recMetrics) RecordLedgerOperation(op, result string) { m.ops[op+":"+result]++ }
func (m *recMetrics) RecordQueueDepth(s *entity.QueueStats)   { m.depth = s }

/*────────────────────  helpers  ────────────────────*/

const (
	imgURL  = "https://i.imgur.com/abc.jpg"
	service = "imgur"
)

func newService(t *testing.T, repo *stubRepo, opts ...ledger.Option) (*ledger.Service, *clock.Mock) {
	t.Helper()
	mc := clock.NewMock()
	mc.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	opts = append([]ledger.Option{ledger.WithClock(mc), ledger.WithJitter(func() float64 { return 1 })}, opts...)
	return ledger.NewService(repo, ledger.DefaultConfig(), opts...), mc
}

// failOnce claims the ready item and reports a failure.
func failOnce(t *testing.T, svc *ledger.Service, msg string) ledger.Disposition {
	t.Helper()
	ctx := context.Background()
	ok, err := svc.MarkStarted(ctx, imgURL, service)
	require.NoError(t, err)
	require.True(t, ok)
	d, err := svc.MarkCompleted(ctx, imgURL, service, false, msg)
	require.NoError(t, err)
	return d
}

/*────────────────────  tests  ────────────────────*/

func TestAddFailed_InitialDelayByPriority(t *testing.T) {
	tests := []struct {
		priority entity.RetryPriority
		want     time.Duration
	}{
		{entity.PriorityHigh, 5 * time.Second},
		{entity.PriorityMedium, 10 * time.Second},
		{entity.PriorityLow, 15 * time.Second},
		{0, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.priority.String(), func(t *testing.T) {
			repo := newStub()
			svc, mc := newService(t, repo)

			require.NoError(t, svc.AddFailed(context.Background(), imgURL, service, "HTTP 503", tt.priority, 0, nil))

			item := repo.items[key{imgURL, service}]
			assert.Equal(t, mc.Now().Add(tt.want), item.NextRetryAt)
			assert.Equal(t, 5, item.MaxRetries)
			assert.Equal(t, entity.RetryPending, item.Status)
			assert.Zero(t, item.RetryCount)
		})
	}
}

func TestAddFailed_RejectsInvalidItem(t *testing.T) {
	svc, _ := newService(t, newStub())
	err := svc.AddFailed(context.Background(), "", service, "boom", entity.PriorityHigh, 0, nil)
	assert.ErrorIs(t, err, entity.ErrValidationFailed)
}

func TestAddFailed_RepeatedFailureKeepsBudget(t *testing.T) {
	repo := newStub()
	svc, mc := newService(t, repo)
	ctx := context.Background()

	require.NoError(t, svc.AddFailed(ctx, imgURL, service, "first", entity.PriorityLow, 3, nil))
	created := mc.Now()

	mc.Add(15 * time.Second)
	ready, err := svc.GetReady(ctx, service, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, ledger.Rescheduled, failOnce(t, svc, "HTTP 503"))

	mc.Add(time.Minute)
	require.NoError(t, svc.AddFailed(ctx, imgURL, service, "second", entity.PriorityHigh, 0, map[string]string{"post": "t3_x"}))

	assert.Len(t, repo.items, 1)
	item := repo.items[key{imgURL, service}]
	assert.Equal(t, "second", item.ErrorMessage)
	assert.Equal(t, entity.PriorityHigh, item.Priority)
	assert.Equal(t, "t3_x", item.Metadata["post"])
	assert.Equal(t, 1, item.RetryCount, "re-adding must not reset the retry count")
	assert.Equal(t, 3, item.MaxRetries)
	assert.Equal(t, created, item.CreatedAt)
}

func TestAddFailed_LeavesClaimedItemAlone(t *testing.T) {
	repo := newStub()
	svc, mc := newService(t, repo)
	ctx := context.Background()

	require.NoError(t, svc.AddFailed(ctx, imgURL, service, "HTTP 503", entity.PriorityMedium, 0, nil))
	mc.Add(10 * time.Second)
	claimed, err := svc.MarkStarted(ctx, imgURL, service)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, svc.AddFailed(ctx, imgURL, service, "HTTP 502", entity.PriorityHigh, 0, nil))

	assert.Equal(t, entity.RetryInProgress, repo.items[key{imgURL, service}].Status)
	claimed, err = svc.MarkStarted(ctx, imgURL, service)
	require.NoError(t, err)
	assert.False(t, claimed, "an in-progress item must not be claimed twice")
}

func TestRetrySchedule_503ThenSuccess(t *testing.T) {
	repo := newStub()
	metrics := &recMetrics{ops: map[string]int{}}
	svc, mc := newService(t, repo, ledger.WithMetrics(metrics))
	ctx := context.Background()

	require.NoError(t, svc.AddFailed(ctx, imgURL, service, "HTTP 503", entity.PriorityMedium, 0, nil))

	ready, err := svc.GetReady(ctx, service, 10)
	require.NoError(t, err)
	assert.Empty(t, ready, "item ready before its initial delay")

	mc.Add(10 * time.Second)
	prevNext := repo.items[key{imgURL, service}].NextRetryAt
	for i, want := range []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second} {
		ready, err := svc.GetReady(ctx, service, 10)
		require.NoError(t, err)
		require.Len(t, ready, 1, "attempt %d", i+1)

		assert.Equal(t, ledger.Rescheduled, failOnce(t, svc, "HTTP 503"))

		item := repo.items[key{imgURL, service}]
		assert.Equal(t, i+1, item.RetryCount)
		assert.Equal(t, mc.Now().Add(want), item.NextRetryAt, "attempt %d", i+1)
		assert.False(t, item.NextRetryAt.Before(prevNext), "next retry moved backwards")
		prevNext = item.NextRetryAt

		mc.Add(want)
	}

	ok, err := svc.MarkStarted(ctx, imgURL, service)
	require.NoError(t, err)
	require.True(t, ok)
	d, err := svc.MarkCompleted(ctx, imgURL, service, true, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.Completed, d)
	assert.Empty(t, repo.items)
	assert.Equal(t, 3, metrics.ops["reschedule:ok"])
	assert.Equal(t, 1, metrics.ops["complete:ok"])
}

func TestMarkCompleted_DeadLetterAfterMaxRetries(t *testing.T) {
	repo := newStub()
	svc, mc := newService(t, repo)
	ctx := context.Background()

	require.NoError(t, svc.AddFailed(ctx, imgURL, service, "HTTP 500", entity.PriorityHigh, 3, nil))

	var last ledger.Disposition
	for i := 0; i < 3; i++ {
		mc.Add(svc.Config().MaxDelay)
		item := repo.items[key{imgURL, service}]
		assert.LessOrEqual(t, item.RetryCount, item.MaxRetries)
		last = failOnce(t, svc, "HTTP 500")
	}

	assert.Equal(t, ledger.DeadLettered, last)
	assert.Empty(t, repo.items)
	require.Len(t, repo.dead, 1)
	assert.Equal(t, 3, repo.dead[0].RetryCount)
	assert.Equal(t, "HTTP 500", repo.dead[0].ErrorMessage)
}

func TestMarkCompleted_DeadLetterByAge(t *testing.T) {
	repo := newStub()
	svc, mc := newService(t, repo)
	ctx := context.Background()

	require.NoError(t, svc.AddFailed(ctx, imgURL, service, "timeout", entity.PriorityHigh, 0, nil))
	mc.Add(8 * 24 * time.Hour)

	assert.Equal(t, ledger.DeadLettered, failOnce(t, svc, ""))
	require.Len(t, repo.dead, 1)
	assert.Equal(t, 1, repo.dead[0].RetryCount)
	assert.Equal(t, "timeout", repo.dead[0].ErrorMessage, "empty message keeps the previous error")
}

func TestMarkCompleted_Errors(t *testing.T) {
	repo := newStub()
	svc, _ := newService(t, repo)
	ctx := context.Background()

	_, err := svc.MarkCompleted(ctx, imgURL, service, false, "x")
	assert.ErrorIs(t, err, entity.ErrNotFound)

	require.NoError(t, svc.AddFailed(ctx, imgURL, service, "x", entity.PriorityHigh, 0, nil))
	_, err = svc.MarkCompleted(ctx, imgURL, service, false, "x")
	assert.ErrorIs(t, err, ledger.ErrNotInProgress)

	repo.err = errors.New("database is locked")
	_, err = svc.MarkCompleted(ctx, imgURL, service, true, "")
	assert.ErrorContains(t, err, "database is locked")
}

func TestAbandon_MovesStraightToDeadLetter(t *testing.T) {
	repo := newStub()
	svc, _ := newService(t, repo)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Abandon(ctx, imgURL, service, "gone"), entity.ErrNotFound)

	require.NoError(t, svc.AddFailed(ctx, imgURL, service, "HTTP 503", entity.PriorityMedium, 0, nil))
	require.Equal(t, ledger.Rescheduled, failOnce(t, svc, "HTTP 503"))

	require.NoError(t, svc.Abandon(ctx, imgURL, service, "HTTP 404: Not Found"))
	assert.Empty(t, repo.items)
	require.Len(t, repo.dead, 1)
	assert.Equal(t, "HTTP 404: Not Found", repo.dead[0].ErrorMessage)
	assert.Equal(t, 1, repo.dead[0].RetryCount)
}

func TestMarkStarted_OnlyOnce(t *testing.T) {
	repo := newStub()
	svc, _ := newService(t, repo)
	ctx := context.Background()

	require.NoError(t, svc.AddFailed(ctx, imgURL, service, "x", entity.PriorityHigh, 0, nil))

	first, err := svc.MarkStarted(ctx, imgURL, service)
	require.NoError(t, err)
	second, err := svc.MarkStarted(ctx, imgURL, service)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)
}

func TestBackoff_CappedAtMaxDelay(t *testing.T) {
	svc, _ := newService(t, newStub())
	assert.Equal(t, 60*time.Second, svc.Backoff(0))
	assert.Equal(t, 8*time.Minute, svc.Backoff(4))
	assert.Equal(t, 24*time.Hour, svc.Backoff(12))
	assert.Equal(t, 24*time.Hour, svc.Backoff(5000))
}

func TestBackoff_JitterBounds(t *testing.T) {
	for _, factor := range []float64{0.75, 1.25} {
		f := factor
		svc := ledger.NewService(newStub(), ledger.DefaultConfig(), ledger.WithJitter(func() float64 { return f }))
		assert.Equal(t, time.Duration(float64(120*time.Second)*f), svc.Backoff(2))
	}

	svc := ledger.NewService(newStub(), ledger.DefaultConfig())
	for i := 0; i < 100; i++ {
		d := svc.Backoff(1)
		assert.GreaterOrEqual(t, d, 45*time.Second)
		assert.LessOrEqual(t, d, 75*time.Second)
	}
}

func TestRequeue(t *testing.T) {
	repo := newStub()
	svc, mc := newService(t, repo)
	ctx := context.Background()

	ok, err := svc.Requeue(ctx, imgURL, service)
	require.NoError(t, err)
	assert.False(t, ok, "requeue without a dead letter row")

	require.NoError(t, svc.AddFailed(ctx, imgURL, service, "x", entity.PriorityLow, 1, nil))
	mc.Add(time.Minute)
	require.Equal(t, ledger.DeadLettered, failOnce(t, svc, "x"))

	ok, err = svc.Requeue(ctx, imgURL, service)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, repo.dead)

	item := repo.items[key{imgURL, service}]
	assert.Equal(t, entity.PriorityHigh, item.Priority)
	assert.Zero(t, item.RetryCount)
	assert.Equal(t, 5, item.MaxRetries)
	assert.Equal(t, mc.Now().Add(5*time.Second), item.NextRetryAt)
}

func TestCleanupExpired(t *testing.T) {
	repo := newStub()
	svc, mc := newService(t, repo)
	ctx := context.Background()
	start := mc.Now()

	repo.dead = append(repo.dead, entity.DeadLetterItem{URL: "https://old.test/x", ServiceName: "generic",
		MovedAt: start.Add(-100 * 24 * time.Hour)})
	require.NoError(t, svc.AddFailed(ctx, "https://old.test/a", "generic", "HTTP 502", entity.PriorityLow, 0, nil))
	require.NoError(t, svc.AddFailed(ctx, "https://old.test/b", "generic", "HTTP 502", entity.PriorityLow, 0, nil))
	mc.Add(31 * 24 * time.Hour)
	require.NoError(t, svc.AddFailed(ctx, imgURL, service, "HTTP 503", entity.PriorityLow, 0, nil))
	ok, err := svc.MarkStarted(ctx, "https://old.test/b", "generic")
	require.NoError(t, err)
	require.True(t, ok)

	moved, purged, err := svc.CleanupExpired(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, moved, "in-progress and recent items stay")
	assert.Equal(t, int64(1), purged)

	require.Len(t, repo.dead, 1)
	assert.Equal(t, "expired after 30 days: HTTP 502", repo.dead[0].ErrorMessage)
	assert.Len(t, repo.items, 2)
}

func TestResetStale(t *testing.T) {
	repo := newStub()
	svc, mc := newService(t, repo)
	ctx := context.Background()

	require.NoError(t, svc.AddFailed(ctx, imgURL, service, "x", entity.PriorityHigh, 0, nil))
	mc.Add(time.Minute)
	_, _ = svc.MarkStarted(ctx, imgURL, service)

	n, err := svc.ResetStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	mc.Add(2 * time.Hour)
	n, err = svc.ResetStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, entity.RetryPending, repo.items[key{imgURL, service}].Status)
}

func TestGetReady_PriorityOrderAndFilter(t *testing.T) {
	repo := newStub()
	svc, mc := newService(t, repo)
	ctx := context.Background()

	require.NoError(t, svc.AddFailed(ctx, "https://x.test/low", "generic", "x", entity.PriorityLow, 0, nil))
	require.NoError(t, svc.AddFailed(ctx, "https://x.test/high", "generic", "x", entity.PriorityHigh, 0, nil))
	require.NoError(t, svc.AddFailed(ctx, "https://i.imgur.com/z.png", "imgur", "x", entity.PriorityHigh, 0, nil))
	mc.Add(time.Minute)

	all, err := svc.GetReady(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, entity.PriorityLow, all[2].Priority)

	generic, err := svc.GetReady(ctx, "generic", 1)
	require.NoError(t, err)
	require.Len(t, generic, 1)
	assert.Equal(t, "https://x.test/high", generic[0].URL)
}

func TestExportDeadLetters(t *testing.T) {
	repo := newStub()
	svc, mc := newService(t, repo)
	ctx := context.Background()

	for _, u := range []string{"https://x.test/1", "https://x.test/2"} {
		repo.dead = append(repo.dead, entity.DeadLetterItem{URL: u, ServiceName: "generic", RetryCount: 5,
			MovedAt: mc.Now(), Metadata: map[string]string{"post": "t3_a"}})
	}

	var buf bytes.Buffer
	n, err := svc.ExportDeadLetters(ctx, &buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sc := bufio.NewScanner(&buf)
	var urls []string
	for sc.Scan() {
		var item entity.DeadLetterItem
		require.NoError(t, json.Unmarshal(sc.Bytes(), &item))
		assert.Equal(t, "t3_a", item.Metadata["post"])
		urls = append(urls, item.URL)
	}
	assert.Equal(t, []string{"https://x.test/2", "https://x.test/1"}, urls)
}

func TestStats_RecordsQueueDepth(t *testing.T) {
	repo := newStub()
	metrics := &recMetrics{ops: map[string]int{}}
	svc, mc := newService(t, repo, ledger.WithMetrics(metrics))
	ctx := context.Background()

	require.NoError(t, svc.AddFailed(ctx, imgURL, service, "x", entity.PriorityHigh, 0, nil))
	require.NoError(t, svc.AddFailed(ctx, "https://x.test/a", "generic", "x", entity.PriorityLow, 0, nil))
	mc.Add(10 * time.Second)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ByStatus[entity.RetryPending])
	assert.Equal(t, 1, stats.ReadyCount)
	assert.Equal(t, 1, stats.PendingByService["imgur"])
	assert.Same(t, stats, metrics.depth)

	repo.err = errors.New("boom")
	_, err = svc.Stats(ctx)
	assert.Error(t, err)
}
