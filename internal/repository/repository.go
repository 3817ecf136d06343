package repository

import (
	"context"
	"time"

	"github.com/splax/tarpit/internal/domain"
)

// ConnectionRecordRepository persists the append-only raw connection rows.
type ConnectionRecordRepository interface {
	InsertConnectionRecord(ctx context.Context, record *domain.ConnectionRecord) error
}

// AggregateRepository maintains the cascading rollup tables.
type AggregateRepository interface {
	// RefreshResolution re-derives every bucket of res whose start falls in
	// [start, end) from the tier's source. Refreshes are idempotent
	// replace-by-bucket upserts.
	RefreshResolution(ctx context.Context, res domain.Resolution, start, end time.Time) error
	// DeleteRecordsBefore expires raw rows older than cutoff.
	DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// DeleteBucketsBefore expires aggregate buckets older than cutoff.
	DeleteBucketsBefore(ctx context.Context, resolution string, cutoff time.Time) (int64, error)
}

// StatsRepository serves the historical stats query gateway.
type StatsRepository interface {
	// ListStats returns buckets of the given resolution with bucket >= since,
	// ordered by bucket ascending. A zero since returns the full series.
	ListStats(ctx context.Context, resolution string, since time.Time) ([]domain.StatsRow, error)
}
