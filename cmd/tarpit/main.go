package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/tarpit/internal/aggregate"
	"github.com/splax/tarpit/internal/app/migrate"
	"github.com/splax/tarpit/internal/bus"
	"github.com/splax/tarpit/internal/config"
	"github.com/splax/tarpit/internal/domain"
	"github.com/splax/tarpit/internal/geoip"
	"github.com/splax/tarpit/internal/httpapi"
	"github.com/splax/tarpit/internal/logger"
	"github.com/splax/tarpit/internal/repository/postgres"
	"github.com/splax/tarpit/internal/sink"
	"github.com/splax/tarpit/internal/tarpit"
)

func main() {
	cfg := config.Load()
	log := logger.New("tarpit", slog.LevelInfo)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	var resolver geoip.Resolver = geoip.Disabled{}
	if cfg.GeoIPDatabasePath != "" {
		service, err := geoip.Open(cfg.GeoIPDatabasePath, log)
		if err != nil {
			log.Warn("geoip unavailable, lookups disabled", "error", err)
		} else {
			defer service.Close()
			resolver = service
		}
	} else {
		log.Info("no geoip database configured, lookups disabled")
	}

	repo := postgres.New(pool)
	eventBus := bus.New(bus.Options{
		HistoryCapacity: cfg.BusHistory,
		SubscriberQueue: cfg.SubscriberQueue,
		ReplayLimit:     cfg.ReplayLimit,
	}, log)

	resolutions := resolutionsFromConfig(cfg)

	// the sink keeps its own lifetime: it must outlive the tarpit so final
	// tallies still get flushed to storage
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	defer sinkCancel()
	sinkSvc := sink.New(repo, eventBus, resolver, log)
	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		sinkSvc.Run(sinkCtx)
	}()

	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()
	engine := aggregate.New(repo, aggregate.Options{
		Resolutions:  resolutions,
		RawRetention: cfg.RetentionRaw,
		SweepEvery:   cfg.RetentionSweepEvery,
	}, log)
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Run(engineCtx)
	}()

	banner := tarpit.NewBannerGenerator(rand.New(rand.NewSource(time.Now().UnixNano())), cfg.MaxLineLength)
	server := tarpit.NewServer(tarpit.Options{
		MaxClients:    cfg.MaxClients,
		Delay:         cfg.Delay,
		DelayJitter:   cfg.DelayJitter,
		MaxLineLength: cfg.MaxLineLength,
		MaxLifetime:   cfg.MaxLifetime,
		WriteTimeout:  cfg.WriteTimeout,
	}, eventBus, resolver, banner, nil, log)

	listener, err := net.Listen("tcp", cfg.TarpitAddr)
	if err != nil {
		log.Error("failed to bind tarpit listener", "addr", cfg.TarpitAddr, "error", err)
		os.Exit(1)
	}

	tarpitDone := make(chan struct{})
	go func() {
		defer close(tarpitDone)
		if err := server.Run(ctx, listener); err != nil {
			log.Error("tarpit listener failed", "error", err)
			stop()
		}
	}()

	go server.Totals().Report(ctx, cfg.StatsReportEvery, log)

	limiter := httpapi.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpapi.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpapi.NewRouter(log, eventBus, repo, resolutions, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("http server starting", "addr", cfg.HTTPAddr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
			os.Exit(1)
		}
	}

	// shutdown order: stop accepting and drain tarpit connections, flush the
	// sink, stop aggregation timers, then the HTTP server
	log.Info("shutting down")
	<-tarpitDone
	server.Shutdown(cfg.ShutdownGrace)

	sinkCancel()
	select {
	case <-sinkDone:
	case <-time.After(cfg.ShutdownGrace):
		log.Error("sink did not flush in time")
	}

	engineCancel()
	select {
	case <-engineDone:
	case <-time.After(cfg.ShutdownGrace):
		log.Error("aggregation engine did not stop in time")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful http shutdown failed", "error", err)
	}

	server.Totals().Log(log)
	log.Info("tarpit stopped")
}

// resolutionsFromConfig applies configured retention overrides to the default
// rollup pipeline.
func resolutionsFromConfig(cfg config.Config) []domain.Resolution {
	overrides := map[string]time.Duration{
		domain.Resolution1Min:  cfg.Retention1Min,
		domain.Resolution5Min:  cfg.Retention5Min,
		domain.Resolution1Hour: cfg.Retention1Hour,
		domain.Resolution1Day:  cfg.Retention1Day,
	}
	resolutions := domain.DefaultResolutions()
	for i := range resolutions {
		resolutions[i].Retention = overrides[resolutions[i].Name]
	}
	return resolutions
}
