package httpapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/splax/tarpit/internal/aggregate"
	"github.com/splax/tarpit/internal/bus"
	"github.com/splax/tarpit/internal/domain"
	"github.com/splax/tarpit/internal/repository"
	"github.com/splax/tarpit/internal/ws"
)

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitStats     = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// Router wires the stats gateway and live event feed to HTTP.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	bus         *bus.Bus
	stats       repository.StatsRepository
	resolutions []domain.Resolution
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	dbHealth    func(context.Context) error
	now         func() time.Time
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, eventBus *bus.Bus, stats repository.StatsRepository, resolutions []domain.Resolution, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	if len(resolutions) == 0 {
		resolutions = domain.DefaultResolutions()
	}
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		bus:         eventBus,
		stats:       stats,
		resolutions: resolutions,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
		now:      time.Now,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}

	r.mux.HandleFunc("/healthz", r.handleHealth)
	r.mux.HandleFunc("/api/stats", r.withRateLimit(rateLimitStats, rateWindowDefault, r.handleStats))
	r.mux.HandleFunc("/ws", r.withRateLimit(rateLimitWebsocket, rateWindowRealtime, r.handleWS))
	return r
}

// ServeHTTP dispatches to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases router resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) withRateLimit(limit int, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		decision := r.limiter.Allow(req.URL.Path+":"+clientIP(req), limit, window)
		if !decision.allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(decision.windowEnd).Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	if err := r.dbHealth(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"active_connections": r.bus.ActiveCount(),
	})
}

// statsRowPayload mirrors one aggregate bucket on the wire. time_spent is
// whole seconds.
type statsRowPayload struct {
	Bucket      string  `json:"bucket"`
	CountryCode *string `json:"country_code"`
	Connects    int64   `json:"connects"`
	TimeSpent   int64   `json:"time_spent"`
	BytesSent   int64   `json:"bytes_sent"`
}

// handleStats serves GET /api/stats?since=<RFC 3339>. The response is
// bucketed at the finest resolution whose retention covers [since, now];
// without since, the full coarsest series is returned.
func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var since time.Time
	resolution := r.resolutions[len(r.resolutions)-1]
	if raw := strings.TrimSpace(req.URL.Query().Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = parsed.UTC()
		resolution = aggregate.ResolutionFor(r.resolutions, since, r.now())
	}

	rows, err := r.stats.ListStats(req.Context(), resolution.Name, since)
	if err != nil {
		r.logger.Error("stats query failed", "resolution", resolution.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "stats query failed")
		return
	}

	payload := make([]statsRowPayload, 0, len(rows))
	for _, row := range rows {
		payload = append(payload, statsRowPayload{
			Bucket:      row.Bucket.UTC().Format(time.RFC3339),
			CountryCode: row.CountryCode,
			Connects:    row.Connects,
			TimeSpent:   int64(row.TimeSpent / time.Second),
			BytesSent:   row.BytesSent,
		})
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleWS upgrades the connection and pumps a bus subscription to it. The
// client passes the last sequence number it saw as ?since= and deduplicates
// replayed events by seq.
func (r *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	var since uint64
	if raw := strings.TrimSpace(req.URL.Query().Get("since")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = parsed
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	sub := r.bus.Subscribe(since)

	// writer: subscription queue -> socket
	go func() {
		defer client.Close()
		for msg := range sub.Events() {
			payload, err := ws.MarshalMessage(msg)
			if err != nil {
				r.logger.Error("failed to marshal feed message", "error", err)
				continue
			}
			if err := client.Send(payload); err != nil {
				sub.Close()
				return
			}
		}
	}()

	// reader: detect client close
	go func() {
		defer func() {
			sub.Close()
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
