package postgres

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/tarpit/internal/domain"
	"github.com/splax/tarpit/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ConnectionRecordRepository = (*Repository)(nil)
	_ repository.AggregateRepository        = (*Repository)(nil)
	_ repository.StatsRepository            = (*Repository)(nil)
)

// aggregateTables maps resolution names to their backing tables. Only names
// present here ever reach SQL, so table interpolation below is safe.
var aggregateTables = map[string]string{
	domain.Resolution1Min:  "connections_1min",
	domain.Resolution5Min:  "connections_5min",
	domain.Resolution1Hour: "connections_1h",
	domain.Resolution1Day:  "connections_1day",
}

// InsertConnectionRecord appends one raw connection row and fills in its ID.
func (r *Repository) InsertConnectionRecord(ctx context.Context, record *domain.ConnectionRecord) error {
	const query = `INSERT INTO connections (
			connected_at, disconnected_at, time_spent_us, bytes_sent,
			ip_address, country_code, country_name, city, latitude, longitude
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	geo := record.Geo
	if geo == nil {
		geo = &domain.GeoInfo{}
	}

	row := r.pool.QueryRow(ctx, query,
		record.ConnectedAt,
		record.DisconnectedAt,
		durationToMicros(record.TimeSpent),
		record.BytesSent,
		record.IP.String(),
		geo.CountryCode,
		geo.CountryName,
		geo.City,
		geo.Latitude,
		geo.Longitude,
	)
	return row.Scan(&record.ID)
}

// RefreshResolution re-derives buckets of res in [start, end) from the
// tier's source via a replace-by-bucket upsert.
func (r *Repository) RefreshResolution(ctx context.Context, res domain.Resolution, start, end time.Time) error {
	table, ok := aggregateTables[res.Name]
	if !ok {
		return fmt.Errorf("%w: %s", repository.ErrUnknownResolution, res.Name)
	}

	var query string
	if res.Source == "" {
		query = fmt.Sprintf(`INSERT INTO %s (bucket, country_code, connects, time_spent_us, bytes_sent)
			SELECT date_bin($1::interval, connected_at, TIMESTAMPTZ 'epoch') AS bucket,
			       COALESCE(country_code, '') AS country_code,
			       COUNT(*) AS connects,
			       SUM(time_spent_us) AS time_spent_us,
			       SUM(bytes_sent) AS bytes_sent
			FROM connections
			WHERE connected_at >= $2 AND connected_at < $3
			GROUP BY 1, 2
			ON CONFLICT (bucket, country_code) DO UPDATE
			SET connects = EXCLUDED.connects,
			    time_spent_us = EXCLUDED.time_spent_us,
			    bytes_sent = EXCLUDED.bytes_sent`, table)
	} else {
		source, ok := aggregateTables[res.Source]
		if !ok {
			return fmt.Errorf("%w: %s", repository.ErrUnknownResolution, res.Source)
		}
		query = fmt.Sprintf(`INSERT INTO %s (bucket, country_code, connects, time_spent_us, bytes_sent)
			SELECT date_bin($1::interval, bucket, TIMESTAMPTZ 'epoch') AS bucket,
			       country_code,
			       SUM(connects) AS connects,
			       SUM(time_spent_us) AS time_spent_us,
			       SUM(bytes_sent) AS bytes_sent
			FROM %s
			WHERE bucket >= $2 AND bucket < $3
			GROUP BY 1, 2
			ON CONFLICT (bucket, country_code) DO UPDATE
			SET connects = EXCLUDED.connects,
			    time_spent_us = EXCLUDED.time_spent_us,
			    bytes_sent = EXCLUDED.bytes_sent`, table, source)
	}

	_, err := r.pool.Exec(ctx, query, intervalString(res.Span), start, end)
	return err
}

// DeleteRecordsBefore expires raw rows older than cutoff.
func (r *Repository) DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM connections WHERE connected_at < $1`
	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteBucketsBefore expires aggregate buckets older than cutoff.
func (r *Repository) DeleteBucketsBefore(ctx context.Context, resolution string, cutoff time.Time) (int64, error) {
	table, ok := aggregateTables[resolution]
	if !ok {
		return 0, fmt.Errorf("%w: %s", repository.ErrUnknownResolution, resolution)
	}
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE bucket < $1`, table), cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListStats returns buckets of the given resolution from since onward,
// ordered by bucket. A zero since returns the full series.
func (r *Repository) ListStats(ctx context.Context, resolution string, since time.Time) ([]domain.StatsRow, error) {
	table, ok := aggregateTables[resolution]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repository.ErrUnknownResolution, resolution)
	}

	query := fmt.Sprintf(`SELECT bucket, NULLIF(country_code, ''), connects, time_spent_us, bytes_sent
		FROM %s
		WHERE $1::timestamptz IS NULL OR bucket >= $1
		ORDER BY bucket, country_code`, table)

	var sinceArg *time.Time
	if !since.IsZero() {
		sinceArg = &since
	}

	rows, err := r.pool.Query(ctx, query, sinceArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make([]domain.StatsRow, 0)
	for rows.Next() {
		var row domain.StatsRow
		var micros int64
		if err := rows.Scan(&row.Bucket, &row.CountryCode, &row.Connects, &micros, &row.BytesSent); err != nil {
			return nil, err
		}
		row.TimeSpent = time.Duration(micros) * time.Microsecond
		stats = append(stats, row)
	}
	return stats, rows.Err()
}

func durationToMicros(d time.Duration) int64 {
	micros := d.Microseconds()
	if micros < 0 {
		return 0
	}
	return micros
}

func intervalString(span time.Duration) string {
	seconds := int64(span / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	if seconds > math.MaxInt32 {
		seconds = math.MaxInt32
	}
	return fmt.Sprintf("%d seconds", seconds)
}
