// Package sink drains disconnect events from the bus into durable storage.
package sink

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/splax/tarpit/internal/bus"
	"github.com/splax/tarpit/internal/domain"
	"github.com/splax/tarpit/internal/geoip"
	"github.com/splax/tarpit/internal/repository"
)

const persistTimeout = 5 * time.Second

// Service consumes disconnect events and appends one ConnectionRecord per
// event. A failed write is logged and dropped; the live dashboard already
// observed the event, so losing the durable row is non-fatal.
type Service struct {
	repo     repository.ConnectionRecordRepository
	bus      *bus.Bus
	resolver geoip.Resolver
	logger   *slog.Logger
	lastSeq  uint64
}

// New constructs a sink Service.
func New(repo repository.ConnectionRecordRepository, b *bus.Bus, resolver geoip.Resolver, logger *slog.Logger) *Service {
	if resolver == nil {
		resolver = geoip.Disabled{}
	}
	if logger != nil {
		logger = logger.With("component", "sink")
	} else {
		logger = slog.Default()
	}
	return &Service{repo: repo, bus: b, resolver: resolver, logger: logger}
}

// Run consumes the bus until the context is cancelled, then flushes whatever
// is still queued. If the bus drops the subscription (the sink fell behind),
// Run resubscribes from the last handled sequence number; the ring replay
// covers the gap.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("telemetry sink started")
	for {
		sub := s.bus.Subscribe(s.lastSeq)
		if done := s.consume(ctx, sub); done {
			s.logger.Info("telemetry sink stopped", "last_seq", s.lastSeq)
			return
		}
		s.logger.Warn("sink subscription dropped, resubscribing", "last_seq", s.lastSeq)
	}
}

// consume reads the subscription until it closes or ctx is cancelled.
// Reports true when Run should stop.
func (s *Service) consume(ctx context.Context, sub *bus.Subscription) bool {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			s.flush(sub)
			return true
		case msg, ok := <-sub.Events():
			if !ok {
				return false
			}
			s.handle(msg)
		}
	}
}

// flush drains already-queued events without waiting for new ones.
func (s *Service) flush(sub *bus.Subscription) {
	for {
		select {
		case msg, ok := <-sub.Events():
			if !ok {
				return
			}
			s.handle(msg)
		default:
			return
		}
	}
}

func (s *Service) handle(msg bus.Message) {
	if msg.Kind != bus.KindDisconnected || msg.Disconnected == nil {
		return
	}
	event := *msg.Disconnected
	if event.Seq <= s.lastSeq {
		// replayed duplicate after a resubscribe
		return
	}
	s.lastSeq = event.Seq

	geo := event.Geo
	if geo == nil {
		geo = s.resolver.Lookup(event.IP)
	}

	record := domain.ConnectionRecord{
		IP:             domain.NormalizeIP(event.IP),
		ConnectedAt:    event.ConnectedAt,
		DisconnectedAt: event.DisconnectedAt,
		TimeSpent:      event.TimeSpent,
		BytesSent:      clampToInt64(event.BytesSent),
		Geo:            geo,
	}

	// storage gets its own deadline so records still land during shutdown
	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.repo.InsertConnectionRecord(persistCtx, &record); err != nil {
		s.logger.Error("failed to persist connection record", "seq", event.Seq, "ip", record.IP.String(), "error", err)
	}
}

func clampToInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
