package aggregate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/splax/tarpit/internal/domain"
)

type refreshCall struct {
	resolution string
	start      time.Time
	end        time.Time
}

type bucketCall struct {
	resolution string
	cutoff     time.Time
}

type fakeAggregateRepo struct {
	mu            sync.Mutex
	refreshes     []refreshCall
	recordCutoffs []time.Time
	bucketCalls   []bucketCall
	failNext      bool
}

func (r *fakeAggregateRepo) RefreshResolution(_ context.Context, res domain.Resolution, start, end time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext {
		r.failNext = false
		return errors.New("refresh failed")
	}
	r.refreshes = append(r.refreshes, refreshCall{resolution: res.Name, start: start, end: end})
	return nil
}

func (r *fakeAggregateRepo) DeleteRecordsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordCutoffs = append(r.recordCutoffs, cutoff)
	return 1, nil
}

func (r *fakeAggregateRepo) DeleteBucketsBefore(_ context.Context, resolution string, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bucketCalls = append(r.bucketCalls, bucketCall{resolution: resolution, cutoff: cutoff})
	return 1, nil
}

func (r *fakeAggregateRepo) refreshCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refreshes)
}

func (r *fakeAggregateRepo) sweepCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recordCutoffs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestRefreshWindowIsSpanAligned(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 34, 56, 789, time.UTC)

	res := domain.Resolution{
		Name:         domain.Resolution1Min,
		Span:         time.Minute,
		RefreshEvery: time.Minute,
		EndOffset:    time.Minute,
	}
	start, end := RefreshWindow(res, now)
	if want := time.Date(2026, 8, 30, 12, 33, 0, 0, time.UTC); !end.Equal(want) {
		t.Fatalf("expected end %s, got %s", want, end)
	}
	if want := time.Date(2026, 8, 30, 12, 30, 0, 0, time.UTC); !start.Equal(want) {
		t.Fatalf("expected start %s, got %s", want, start)
	}

	day := domain.Resolution{
		Name:         domain.Resolution1Day,
		Span:         24 * time.Hour,
		RefreshEvery: 6 * time.Hour,
		EndOffset:    2 * time.Hour,
	}
	start, end = RefreshWindow(day, now)
	if !start.Truncate(day.Span).Equal(start) || !end.Truncate(day.Span).Equal(end) {
		t.Fatalf("day window [%s, %s) not aligned to span", start, end)
	}
	if got := end.Sub(start); got != 48*time.Hour {
		t.Fatalf("expected two-span lookback for the day rollup, got %s", got)
	}
}

func TestResolutionForPicksFinestCoveringRange(t *testing.T) {
	resolutions := domain.DefaultResolutions()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		age  time.Duration
		want string
	}{
		{time.Hour, domain.Resolution1Min},
		{24 * time.Hour, domain.Resolution1Min},
		{25 * time.Hour, domain.Resolution5Min},
		{8 * 24 * time.Hour, domain.Resolution1Hour},
		{40 * 24 * time.Hour, domain.Resolution1Day},
	}
	for _, tc := range cases {
		got := ResolutionFor(resolutions, now.Add(-tc.age), now)
		if got.Name != tc.want {
			t.Fatalf("age %s: expected resolution %s, got %s", tc.age, tc.want, got.Name)
		}
	}
}

func TestEngineRetriesRefreshAfterError(t *testing.T) {
	repo := &fakeAggregateRepo{failNext: true}
	engine := New(repo, Options{
		Resolutions: []domain.Resolution{{
			Name:         domain.Resolution1Min,
			Span:         time.Minute,
			RefreshEvery: 10 * time.Millisecond,
			EndOffset:    time.Minute,
		}},
		SweepEvery: time.Hour,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Run(ctx)
	}()

	// the first refresh fails; later ticks must keep going
	waitFor(t, func() bool { return repo.refreshCount() >= 2 })
	cancel()
	<-done

	repo.mu.Lock()
	defer repo.mu.Unlock()
	for _, call := range repo.refreshes {
		if call.resolution != domain.Resolution1Min {
			t.Fatalf("unexpected resolution refreshed: %s", call.resolution)
		}
		if !call.end.After(call.start) {
			t.Fatalf("refresh window [%s, %s) is empty", call.start, call.end)
		}
	}
}

func TestSweepRespectsRetentionWindows(t *testing.T) {
	repo := &fakeAggregateRepo{}
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	engine := New(repo, Options{
		Resolutions: []domain.Resolution{
			{Name: domain.Resolution1Min, Span: time.Minute, RefreshEvery: time.Hour, EndOffset: time.Minute, Retention: 24 * time.Hour},
			{Name: domain.Resolution1Day, Span: 24 * time.Hour, RefreshEvery: time.Hour, EndOffset: 2 * time.Hour},
		},
		RawRetention: 24 * time.Hour,
		SweepEvery:   10 * time.Millisecond,
	}, nil)
	engine.now = func() time.Time { return now }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Run(ctx)
	}()

	waitFor(t, func() bool { return repo.sweepCount() >= 1 })
	cancel()
	<-done

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if want := now.Add(-24 * time.Hour); !repo.recordCutoffs[0].Equal(want) {
		t.Fatalf("expected raw cutoff %s, got %s", want, repo.recordCutoffs[0])
	}
	sawMinute := false
	for _, call := range repo.bucketCalls {
		if call.resolution == domain.Resolution1Day {
			t.Fatalf("day buckets have no retention and must never be swept")
		}
		if call.resolution == domain.Resolution1Min {
			sawMinute = true
			if want := now.Add(-24 * time.Hour); !call.cutoff.Equal(want) {
				t.Fatalf("expected minute cutoff %s, got %s", want, call.cutoff)
			}
		}
	}
	if !sawMinute {
		t.Fatalf("expected minute buckets to be swept")
	}
}
