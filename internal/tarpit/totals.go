package tarpit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Totals tracks process-lifetime counters across all connections.
type Totals struct {
	accepted  atomic.Uint64
	rejected  atomic.Uint64
	lost      atomic.Uint64
	bytesSent atomic.Uint64
	timeSpent atomic.Int64 // nanoseconds
}

func (t *Totals) connectionAccepted() { t.accepted.Add(1) }
func (t *Totals) connectionRejected() { t.rejected.Add(1) }

func (t *Totals) connectionClosed(bytesSent uint64, timeSpent time.Duration) {
	t.lost.Add(1)
	t.bytesSent.Add(bytesSent)
	t.timeSpent.Add(int64(timeSpent))
}

// Log emits the current totals.
func (t *Totals) Log(logger *slog.Logger) {
	logger.Info("tarpit totals",
		"connects", t.accepted.Load(),
		"rejected", t.rejected.Load(),
		"lost_clients", t.lost.Load(),
		"bytes_sent", t.bytesSent.Load(),
		"time_wasted", time.Duration(t.timeSpent.Load()).Round(time.Second).String(),
	)
}

// Report logs totals on the given interval until the context is cancelled.
func (t *Totals) Report(ctx context.Context, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		every = 10 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Log(logger)
		}
	}
}
