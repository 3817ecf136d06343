package tarpit

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/splax/tarpit/internal/domain"
	"github.com/splax/tarpit/internal/geoip"
)

// EventPublisher receives connection lifecycle events. Publishing must never
// block the caller.
type EventPublisher interface {
	PublishConnected(event domain.ConnectedEvent)
	PublishDisconnected(event domain.DisconnectedEvent) uint64
}

// Options configures a Server.
type Options struct {
	MaxClients    int
	Delay         time.Duration
	DelayJitter   float64
	MaxLineLength int
	// MaxLifetime force-closes a connection after this duration; zero keeps
	// connections for as long as the peer stays.
	MaxLifetime  time.Duration
	WriteTimeout time.Duration
}

// Server accepts tarpit connections and runs one state machine per connection.
type Server struct {
	opts      Options
	governor  *Governor
	publisher EventPublisher
	resolver  geoip.Resolver
	banner    *BannerGenerator
	totals    *Totals
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer constructs a Server. A nil banner generator gets a default
// time-seeded one.
func NewServer(opts Options, publisher EventPublisher, resolver geoip.Resolver, banner *BannerGenerator, totals *Totals, logger *slog.Logger) *Server {
	if banner == nil {
		banner = NewBannerGenerator(nil, opts.MaxLineLength)
	}
	if resolver == nil {
		resolver = geoip.Disabled{}
	}
	if totals == nil {
		totals = &Totals{}
	}
	if logger != nil {
		logger = logger.With("component", "tarpit")
	} else {
		logger = slog.Default()
	}
	return &Server{
		opts:      opts,
		governor:  NewGovernor(opts.MaxClients),
		publisher: publisher,
		resolver:  resolver,
		banner:    banner,
		totals:    totals,
		logger:    logger,
		now:       time.Now,
		conns:     make(map[net.Conn]struct{}),
	}
}

// Governor exposes the live-connection governor.
func (s *Server) Governor() *Governor {
	return s.governor
}

// Totals exposes the process-lifetime counters.
func (s *Server) Totals() *Totals {
	return s.totals
}

// Run accepts connections until the context is cancelled or the listener
// fails. The listener is closed on return.
func (s *Server) Run(ctx context.Context, listener net.Listener) error {
	defer listener.Close()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	s.logger.Info("tarpit listening", "addr", listener.Addr().String(), "max_clients", s.opts.MaxClients)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.admit(ctx, conn)
	}
}

func (s *Server) admit(ctx context.Context, conn net.Conn) {
	if !s.governor.TryAcquire() {
		// closing fast avoids giving the peer a no-cost slot to squat on
		s.totals.connectionRejected()
		_ = conn.Close()
		return
	}

	connectedAt := s.now().UTC()
	ip := remoteIP(conn)
	geo := s.resolver.Lookup(ip)

	s.totals.connectionAccepted()
	s.track(conn)
	s.publisher.PublishConnected(domain.ConnectedEvent{
		RemoteAddr:  conn.RemoteAddr().String(),
		IP:          ip,
		ConnectedAt: connectedAt,
		Geo:         geo,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(ctx, conn, ip, connectedAt, geo)
	}()
}

// serve is the per-connection state machine: write a banner line, sleep the
// jittered delay, repeat until the peer is gone, the lifetime expires, or the
// context is cancelled. The governor slot is released and the final tally is
// published on every exit path.
func (s *Server) serve(ctx context.Context, conn net.Conn, ip net.IP, connectedAt time.Time, geo *domain.GeoInfo) {
	remoteAddr := conn.RemoteAddr().String()
	var bytesSent uint64

	defer func() {
		_ = conn.Close()
		s.untrack(conn)
		s.governor.Release()

		disconnectedAt := s.now().UTC()
		timeSpent := disconnectedAt.Sub(connectedAt)
		s.totals.connectionClosed(bytesSent, timeSpent)
		s.publisher.PublishDisconnected(domain.DisconnectedEvent{
			RemoteAddr:     remoteAddr,
			IP:             ip,
			ConnectedAt:    connectedAt,
			DisconnectedAt: disconnectedAt,
			TimeSpent:      timeSpent,
			BytesSent:      bytesSent,
			Geo:            geo,
		})
	}()

	var lifetime <-chan time.Time
	if s.opts.MaxLifetime > 0 {
		lifetimeTimer := time.NewTimer(s.opts.MaxLifetime)
		defer lifetimeTimer.Stop()
		lifetime = lifetimeTimer.C
	}

	delay := time.NewTimer(0)
	defer delay.Stop()
	<-delay.C

	for {
		line := s.banner.Line()
		if s.opts.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(s.now().Add(s.opts.WriteTimeout))
		}
		n, err := conn.Write(line)
		bytesSent += uint64(n)
		if err != nil {
			// peer reset or went away, terminal for this connection
			s.logger.Debug("client gone", "addr", remoteAddr, "bytes_sent", bytesSent)
			return
		}

		delay.Reset(s.banner.Delay(s.opts.Delay, s.opts.DelayJitter))
		select {
		case <-ctx.Done():
			return
		case <-lifetime:
			s.logger.Debug("client hit max lifetime", "addr", remoteAddr)
			return
		case <-delay.C:
		}
	}
}

// Shutdown waits up to grace for in-flight connections to close voluntarily,
// then force-closes the remainder. Run's context must already be cancelled.
func (s *Server) Shutdown(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(grace):
	}

	s.mu.Lock()
	remaining := len(s.conns)
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.logger.Warn("force-closed lingering tarpit connections", "count", remaining)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.logger.Error("tarpit connections did not stop in time")
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func remoteIP(conn net.Conn) net.IP {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return domain.NormalizeIP(addr.IP)
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return domain.NormalizeIP(net.ParseIP(host))
}
