package domain

import (
	"net"
	"time"
)

// ConnectedEvent announces a connection entering the tarpit. Connected events
// carry no sequence number; they are advisory presence hints only.
type ConnectedEvent struct {
	RemoteAddr  string
	IP          net.IP
	ConnectedAt time.Time
	Geo         *GeoInfo
}

// DisconnectedEvent carries the final tally of a closed connection. Seq is
// assigned by the bus at publish time and is strictly increasing and gapless
// for the life of the process.
type DisconnectedEvent struct {
	Seq            uint64
	RemoteAddr     string
	IP             net.IP
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	TimeSpent      time.Duration
	BytesSent      uint64
	Geo            *GeoInfo
}
