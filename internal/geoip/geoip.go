package geoip

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"

	"github.com/splax/tarpit/internal/domain"
)

// Resolver maps an IP address to best-effort geolocation. A nil result means
// the lookup was unavailable or found nothing; callers must treat that as a
// normal outcome, never an error.
type Resolver interface {
	Lookup(ip net.IP) *domain.GeoInfo
}

// Disabled is a Resolver that never resolves anything. Used when no GeoIP
// database is configured.
type Disabled struct{}

// Lookup always returns nil.
func (Disabled) Lookup(net.IP) *domain.GeoInfo { return nil }

// Service resolves IPs against a MaxMind City database.
type Service struct {
	mu     sync.RWMutex
	reader *geoip2.Reader
	logger *slog.Logger
}

// Open loads the MaxMind database at dbPath.
func Open(dbPath string, logger *slog.Logger) (*Service, error) {
	reader, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	if logger != nil {
		logger = logger.With("component", "geoip")
		logger.Info("geoip database loaded", "path", dbPath)
	} else {
		logger = slog.Default()
	}
	return &Service{reader: reader, logger: logger}, nil
}

// Lookup resolves ip to geolocation info, or nil when nothing is known.
func (s *Service) Lookup(ip net.IP) *domain.GeoInfo {
	if ip == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil {
		return nil
	}

	record, err := s.reader.City(ip)
	if err != nil {
		s.logger.Debug("geoip lookup failed", "ip", ip.String(), "error", err)
		return nil
	}

	info := &domain.GeoInfo{}
	empty := true
	if code := record.Country.IsoCode; code != "" {
		info.CountryCode = &code
		empty = false
	}
	if name := record.Country.Names["en"]; name != "" {
		info.CountryName = &name
		empty = false
	}
	if city := record.City.Names["en"]; city != "" {
		info.City = &city
		empty = false
	}
	if record.Location.Latitude != 0 || record.Location.Longitude != 0 {
		lat := record.Location.Latitude
		lon := record.Location.Longitude
		info.Latitude = &lat
		info.Longitude = &lon
		empty = false
	}
	if empty {
		return nil
	}
	return info
}

// Close releases the underlying database.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return nil
	}
	err := s.reader.Close()
	s.reader = nil
	return err
}
