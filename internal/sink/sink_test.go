package sink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/splax/tarpit/internal/bus"
	"github.com/splax/tarpit/internal/domain"
)

type fakeRecordRepo struct {
	mu       sync.Mutex
	records  []domain.ConnectionRecord
	failNext bool

	started chan struct{}
	release chan struct{}
}

func (r *fakeRecordRepo) InsertConnectionRecord(_ context.Context, record *domain.ConnectionRecord) error {
	if r.started != nil {
		select {
		case r.started <- struct{}{}:
		default:
		}
	}
	if r.release != nil {
		<-r.release
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext {
		r.failNext = false
		return errors.New("insert failed")
	}
	r.records = append(r.records, *record)
	return nil
}

func (r *fakeRecordRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *fakeRecordRepo) snapshot() []domain.ConnectionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ConnectionRecord(nil), r.records...)
}

type fakeResolver struct {
	calls int
}

func (r *fakeResolver) Lookup(ip net.IP) *domain.GeoInfo {
	r.calls++
	code := "NL"
	return &domain.GeoInfo{CountryCode: &code}
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

func disconnectEvent(port int, bytesSent uint64) domain.DisconnectedEvent {
	connectedAt := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	return domain.DisconnectedEvent{
		RemoteAddr:     fmt.Sprintf("203.0.113.9:%d", port),
		IP:             net.ParseIP("203.0.113.9"),
		ConnectedAt:    connectedAt,
		DisconnectedAt: connectedAt.Add(90 * time.Second),
		TimeSpent:      90 * time.Second,
		BytesSent:      bytesSent,
	}
}

func TestSinkPersistsDisconnectsWithGeoFallback(t *testing.T) {
	repo := &fakeRecordRepo{}
	resolver := &fakeResolver{}
	eventBus := bus.New(bus.Options{}, nil)
	svc := New(repo, eventBus, resolver, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(ctx)
	}()

	eventBus.PublishDisconnected(disconnectEvent(1, 42))
	waitFor(t, func() bool { return repo.count() == 1 })

	record := repo.snapshot()[0]
	if record.IP.String() != "203.0.113.9" {
		t.Fatalf("expected IP 203.0.113.9, got %s", record.IP)
	}
	if record.TimeSpent != 90*time.Second {
		t.Fatalf("expected time spent 90s, got %s", record.TimeSpent)
	}
	if record.BytesSent != 42 {
		t.Fatalf("expected 42 bytes sent, got %d", record.BytesSent)
	}
	if record.Geo == nil || record.Geo.CountryCode == nil || *record.Geo.CountryCode != "NL" {
		t.Fatalf("expected geo fallback to resolver, got %+v", record.Geo)
	}

	cancel()
	<-done
}

func TestSinkContinuesAfterInsertFailure(t *testing.T) {
	repo := &fakeRecordRepo{failNext: true}
	eventBus := bus.New(bus.Options{}, nil)
	svc := New(repo, eventBus, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(ctx)
	}()

	for i := uint64(1); i <= 3; i++ {
		eventBus.PublishDisconnected(disconnectEvent(int(i), i))
	}
	waitFor(t, func() bool { return repo.count() == 2 })

	records := repo.snapshot()
	if records[0].BytesSent != 2 || records[1].BytesSent != 3 {
		t.Fatalf("expected the events after the failed insert to land, got %d and %d bytes", records[0].BytesSent, records[1].BytesSent)
	}

	cancel()
	<-done
}

func TestSinkFlushesQueuedEventsOnShutdown(t *testing.T) {
	repo := &fakeRecordRepo{}
	eventBus := bus.New(bus.Options{}, nil)
	svc := New(repo, eventBus, nil, nil)

	for i := 1; i <= 5; i++ {
		eventBus.PublishDisconnected(disconnectEvent(i, uint64(i)))
	}

	// the context is already cancelled: the subscription replay must still be
	// drained before Run returns
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.Run(ctx)

	if repo.count() != 5 {
		t.Fatalf("expected 5 flushed records, got %d", repo.count())
	}
}

func TestSinkSkipsReplayedDuplicates(t *testing.T) {
	repo := &fakeRecordRepo{}
	eventBus := bus.New(bus.Options{}, nil)
	svc := New(repo, eventBus, nil, nil)

	event := disconnectEvent(1, 7)
	event.Seq = 3
	msg := bus.Message{Kind: bus.KindDisconnected, Disconnected: &event}
	svc.handle(msg)
	svc.handle(msg)

	if repo.count() != 1 {
		t.Fatalf("expected duplicate to be skipped, got %d records", repo.count())
	}
	if svc.lastSeq != 3 {
		t.Fatalf("expected last seq 3, got %d", svc.lastSeq)
	}
}

func TestSinkResubscribesAfterBeingDropped(t *testing.T) {
	repo := &fakeRecordRepo{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	eventBus := bus.New(bus.Options{SubscriberQueue: 1, HistoryCapacity: 8}, nil)
	svc := New(repo, eventBus, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(ctx)
	}()

	// park the sink inside the first insert, then overflow its queue so the
	// bus drops the subscription
	eventBus.PublishDisconnected(disconnectEvent(1, 1))
	select {
	case <-repo.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("first insert never started")
	}
	for i := 2; i <= 5; i++ {
		eventBus.PublishDisconnected(disconnectEvent(i, uint64(i)))
	}
	close(repo.release)

	// after resubscribing from the last handled seq, the ring replay recovers
	// every missed event exactly once
	waitFor(t, func() bool { return repo.count() == 5 })

	seen := map[int64]int{}
	for _, record := range repo.snapshot() {
		seen[record.BytesSent]++
	}
	for i := int64(1); i <= 5; i++ {
		if seen[i] != 1 {
			t.Fatalf("expected event %d persisted exactly once, got %d", i, seen[i])
		}
	}

	cancel()
	<-done
}
