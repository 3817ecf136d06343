package config

import (
	"errors"
	"time"
)

// Config holds runtime configuration for the tarpit service.
type Config struct {
	Environment   string
	TarpitAddr    string
	HTTPAddr      string
	DatabaseURL   string
	MigrationsDir string

	MaxClients    int
	Delay         time.Duration
	DelayJitter   float64
	MaxLineLength int
	MaxLifetime   time.Duration
	WriteTimeout  time.Duration

	BusHistory      int
	SubscriberQueue int
	ReplayLimit     int

	GeoIPDatabasePath string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int

	StatsReportEvery    time.Duration
	RetentionSweepEvery time.Duration
	ShutdownGrace       time.Duration

	RetentionRaw   time.Duration
	Retention1Min  time.Duration
	Retention5Min  time.Duration
	Retention1Hour time.Duration
	Retention1Day  time.Duration
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:   GetString("APP_ENV", "development"),
		TarpitAddr:    GetString("TARPIT_ADDR", ":2222"),
		HTTPAddr:      GetString("HTTP_ADDR", ":3000"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://tarpit:tarpit@db:5432/tarpit?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),

		MaxClients:    GetInt("TARPIT_MAX_CLIENTS", 4096),
		Delay:         time.Duration(GetInt("TARPIT_DELAY_MS", 10000)) * time.Millisecond,
		DelayJitter:   GetFloat("TARPIT_DELAY_JITTER", 0.2),
		MaxLineLength: GetInt("TARPIT_MAX_LINE_LENGTH", 255),
		MaxLifetime:   time.Duration(GetInt("TARPIT_MAX_LIFETIME_SECONDS", 0)) * time.Second,
		WriteTimeout:  time.Duration(GetInt("TARPIT_WRITE_TIMEOUT_SECONDS", 60)) * time.Second,

		BusHistory:      GetInt("BUS_HISTORY", 1000),
		SubscriberQueue: GetInt("BUS_SUBSCRIBER_QUEUE", 256),
		ReplayLimit:     GetInt("BUS_REPLAY_LIMIT", 500),

		GeoIPDatabasePath: GetString("GEOIP_DATABASE_PATH", ""),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),

		StatsReportEvery:    time.Duration(GetInt("STATS_REPORT_SECONDS", 600)) * time.Second,
		RetentionSweepEvery: time.Duration(GetInt("RETENTION_SWEEP_SECONDS", 600)) * time.Second,
		ShutdownGrace:       time.Duration(GetInt("SHUTDOWN_GRACE_SECONDS", 10)) * time.Second,

		RetentionRaw:   time.Duration(GetInt("RETENTION_RAW_HOURS", 24)) * time.Hour,
		Retention1Min:  time.Duration(GetInt("RETENTION_1MIN_HOURS", 24)) * time.Hour,
		Retention5Min:  time.Duration(GetInt("RETENTION_5MIN_HOURS", 24*7)) * time.Hour,
		Retention1Hour: time.Duration(GetInt("RETENTION_1HOUR_HOURS", 24*30)) * time.Hour,
		Retention1Day:  time.Duration(GetInt("RETENTION_1DAY_HOURS", 0)) * time.Hour,
	}
}

// Validate rejects configurations the process cannot start with.
func (c Config) Validate() error {
	if c.TarpitAddr == "" {
		return errors.New("tarpit listen address required")
	}
	if c.DatabaseURL == "" {
		return errors.New("database url required")
	}
	if c.MaxClients <= 0 {
		return errors.New("max clients must be positive")
	}
	if c.Delay <= 0 {
		return errors.New("per-line delay must be positive")
	}
	if c.MaxLineLength < 1 || c.MaxLineLength > 255 {
		return errors.New("max line length must be within [1, 255]")
	}
	if c.DelayJitter < 0 || c.DelayJitter >= 1 {
		return errors.New("delay jitter must be within [0, 1)")
	}
	if c.BusHistory <= 0 {
		return errors.New("bus history capacity must be positive")
	}
	return nil
}
