package domain

import (
	"net"
	"time"
)

// GeoInfo is the best-effort geolocation of a remote address. Every field is
// optional; a nil GeoInfo means lookup was unavailable or found nothing.
type GeoInfo struct {
	CountryCode *string
	CountryName *string
	City        *string
	Latitude    *float64
	Longitude   *float64
}

// ActiveConnection is the bus's snapshot entry for a live tarpit connection.
type ActiveConnection struct {
	IP          string
	ConnectedAt time.Time
	Latitude    *float64
	Longitude   *float64
	CountryCode *string
}

// ConnectionRecord is the durable row written once per closed connection.
// Records are append-only and never updated after insert.
type ConnectionRecord struct {
	ID             int64
	IP             net.IP
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	TimeSpent      time.Duration
	BytesSent      int64
	Geo            *GeoInfo
}

// StatsRow is one aggregate bucket returned by the stats query gateway.
type StatsRow struct {
	Bucket      time.Time
	CountryCode *string
	Connects    int64
	TimeSpent   time.Duration
	BytesSent   int64
}

// NormalizeIP collapses IPv6-mapped IPv4 addresses to their 4-byte form so
// storage and geolocation see one canonical representation.
func NormalizeIP(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}
