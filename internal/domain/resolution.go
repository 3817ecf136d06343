package domain

import "time"

// Resolution names one tier of the cascading rollup pipeline. Each tier reads
// only its immediate source: the finest reads raw connection records, every
// coarser tier reads the tier one step below it.
type Resolution struct {
	// Name identifies the tier and its backing table suffix.
	Name string
	// Span is the bucket width.
	Span time.Duration
	// Source is the Name of the tier this one aggregates from, or "" for the
	// raw connection records.
	Source string
	// RefreshEvery is how often the tier is re-derived.
	RefreshEvery time.Duration
	// EndOffset is how far behind real time a refresh stops, leaving room for
	// late-arriving writes in the source tier.
	EndOffset time.Duration
	// Retention is the maximum age of buckets in this tier; zero disables
	// automatic expiry.
	Retention time.Duration
}

// Resolution tier names, ordered finest to coarsest.
const (
	Resolution1Min  = "1min"
	Resolution5Min  = "5min"
	Resolution1Hour = "1h"
	Resolution1Day  = "1day"
)

// DefaultResolutions returns the four-tier pipeline with default schedules and
// retention windows. End offsets grow with coarseness so that a tier never
// rolls up source buckets that may still be rewritten.
func DefaultResolutions() []Resolution {
	return []Resolution{
		{Name: Resolution1Min, Span: time.Minute, Source: "", RefreshEvery: time.Minute, EndOffset: time.Minute, Retention: 24 * time.Hour},
		{Name: Resolution5Min, Span: 5 * time.Minute, Source: Resolution1Min, RefreshEvery: 5 * time.Minute, EndOffset: 10 * time.Minute, Retention: 7 * 24 * time.Hour},
		{Name: Resolution1Hour, Span: time.Hour, Source: Resolution5Min, RefreshEvery: 30 * time.Minute, EndOffset: time.Hour, Retention: 30 * 24 * time.Hour},
		{Name: Resolution1Day, Span: 24 * time.Hour, Source: Resolution1Hour, RefreshEvery: 6 * time.Hour, EndOffset: 2 * time.Hour, Retention: 0},
	}
}
