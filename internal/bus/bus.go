// Package bus is the sequenced in-memory event log feeding the live
// dashboard. Disconnect events receive a strictly increasing, gapless
// sequence number at publish time and are retained in a fixed-capacity ring
// for replay; connect events are unsequenced presence hints. Subscribers get
// bounded queues and are dropped, never waited on, when they fall behind.
package bus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/splax/tarpit/internal/domain"
)

// MessageKind discriminates bus messages delivered to subscribers.
type MessageKind int

// Message kinds, in the order a fresh subscriber sees them.
const (
	KindInit MessageKind = iota
	KindReady
	KindConnected
	KindDisconnected
)

// Message is one unit delivered to a subscriber queue.
type Message struct {
	Kind         MessageKind
	Active       []domain.ActiveConnection
	Connected    *domain.ConnectedEvent
	Disconnected *domain.DisconnectedEvent
}

// Options tunes bus capacities.
type Options struct {
	// HistoryCapacity bounds the disconnect-event ring.
	HistoryCapacity int
	// SubscriberQueue bounds each subscriber's live-event queue.
	SubscriberQueue int
	// ReplayLimit caps how many buffered events one Subscribe replays.
	ReplayLimit int
}

// Bus is the sequenced event log. All mutation happens under one mutex; the
// publish path never blocks on subscribers.
type Bus struct {
	mu      sync.Mutex
	seq     uint64
	ring    []domain.DisconnectedEvent
	next    int
	filled  bool
	live    map[string]domain.ActiveConnection
	subs    map[*Subscription]struct{}
	opts    Options
	logger  *slog.Logger
	dropped uint64
}

// New constructs a Bus.
func New(opts Options, logger *slog.Logger) *Bus {
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = 1000
	}
	if opts.SubscriberQueue <= 0 {
		opts.SubscriberQueue = 256
	}
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = 500
	}
	if logger != nil {
		logger = logger.With("component", "bus")
	} else {
		logger = slog.Default()
	}
	return &Bus{
		ring:   make([]domain.DisconnectedEvent, opts.HistoryCapacity),
		live:   make(map[string]domain.ActiveConnection),
		subs:   make(map[*Subscription]struct{}),
		opts:   opts,
		logger: logger,
	}
}

// Subscription is one consumer's bounded view of the bus.
type Subscription struct {
	id     uuid.UUID
	bus    *Bus
	ch     chan Message
	closed bool // guarded by bus.mu
}

// Events returns the message channel. The bus closes it when the subscriber
// is dropped for falling behind or the subscription is closed.
func (s *Subscription) Events() <-chan Message {
	return s.ch
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() uuid.UUID {
	return s.id
}

// Close unregisters the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.remove(s)
}

// PublishConnected records a live connection and fans the presence hint out.
func (b *Bus) PublishConnected(event domain.ConnectedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	info := domain.ActiveConnection{
		ConnectedAt: event.ConnectedAt,
	}
	if event.IP != nil {
		info.IP = event.IP.String()
	}
	if event.Geo != nil {
		info.Latitude = event.Geo.Latitude
		info.Longitude = event.Geo.Longitude
		info.CountryCode = event.Geo.CountryCode
	}
	b.live[event.RemoteAddr] = info

	b.fanout(Message{Kind: KindConnected, Connected: &event})
}

// PublishDisconnected assigns the next sequence number, appends the event to
// history, and fans it out. Returns the assigned sequence number.
func (b *Bus) PublishDisconnected(event domain.DisconnectedEvent) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.live, event.RemoteAddr)

	b.seq++
	event.Seq = b.seq

	b.ring[b.next] = event
	b.next++
	if b.next == len(b.ring) {
		b.next = 0
		b.filled = true
	}

	b.fanout(Message{Kind: KindDisconnected, Disconnected: &event})
	return event.Seq
}

// Subscribe registers a consumer. Its queue is pre-loaded with an init
// snapshot of live connections, a replay of buffered events with seq > since
// in ascending order, and a ready marker; live events follow.
func (b *Bus) Subscribe(since uint64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	replay := b.eventsSince(since)

	sub := &Subscription{
		id:  uuid.New(),
		bus: b,
		ch:  make(chan Message, len(replay)+2+b.opts.SubscriberQueue),
	}

	active := make([]domain.ActiveConnection, 0, len(b.live))
	for _, info := range b.live {
		active = append(active, info)
	}
	sub.ch <- Message{Kind: KindInit, Active: active}
	for i := range replay {
		sub.ch <- Message{Kind: KindDisconnected, Disconnected: &replay[i]}
	}
	sub.ch <- Message{Kind: KindReady}

	b.subs[sub] = struct{}{}
	return sub
}

// ActiveCount reports the number of live connections the bus knows about.
func (b *Bus) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

// LastSeq reports the most recently assigned sequence number.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// eventsSince returns buffered events with seq > since, oldest first, capped
// to the replay limit. Caller holds b.mu.
func (b *Bus) eventsSince(since uint64) []domain.DisconnectedEvent {
	count := b.next
	start := 0
	if b.filled {
		count = len(b.ring)
		start = b.next
	}

	events := make([]domain.DisconnectedEvent, 0, count)
	for i := 0; i < count; i++ {
		event := b.ring[(start+i)%len(b.ring)]
		if event.Seq <= since {
			continue
		}
		events = append(events, event)
		if len(events) == b.opts.ReplayLimit {
			break
		}
	}
	return events
}

// fanout delivers msg to every subscriber without blocking; a full queue
// drops its subscriber. Caller holds b.mu.
func (b *Bus) fanout(msg Message) {
	for sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
			b.dropped++
			b.logger.Warn("dropping slow subscriber", "subscription", sub.id.String(), "total_dropped", b.dropped)
			b.remove(sub)
		}
	}
}

// remove unregisters sub and closes its channel once. Caller holds b.mu.
func (b *Bus) remove(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub)
	close(sub.ch)
}
