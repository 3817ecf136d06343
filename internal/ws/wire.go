package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/splax/tarpit/internal/bus"
)

// Wire payloads for the live event feed. time_spent is whole seconds;
// timestamps are RFC 3339.

type activeConnectionPayload struct {
	IP          string   `json:"ip"`
	ConnectedAt string   `json:"connected_at"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
	CountryCode *string  `json:"country_code"`
}

type initPayload struct {
	Type              string                    `json:"type"`
	ActiveConnections []activeConnectionPayload `json:"active_connections"`
}

type readyPayload struct {
	Type string `json:"type"`
}

type connectedPayload struct {
	Type        string   `json:"type"`
	IP          string   `json:"ip"`
	ConnectedAt string   `json:"connected_at"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
}

type disconnectedPayload struct {
	Type           string   `json:"type"`
	Seq            uint64   `json:"seq"`
	IP             string   `json:"ip"`
	ConnectedAt    string   `json:"connected_at"`
	DisconnectedAt string   `json:"disconnected_at"`
	TimeSpent      int64    `json:"time_spent"`
	BytesSent      uint64   `json:"bytes_sent"`
	CountryCode    *string  `json:"country_code"`
	CountryName    *string  `json:"country_name"`
	City           *string  `json:"city"`
	Lat            *float64 `json:"lat"`
	Lon            *float64 `json:"lon"`
}

// MarshalMessage encodes a bus message for feed subscribers.
func MarshalMessage(msg bus.Message) ([]byte, error) {
	switch msg.Kind {
	case bus.KindInit:
		active := make([]activeConnectionPayload, 0, len(msg.Active))
		for _, info := range msg.Active {
			active = append(active, activeConnectionPayload{
				IP:          info.IP,
				ConnectedAt: formatTime(info.ConnectedAt),
				Lat:         info.Latitude,
				Lon:         info.Longitude,
				CountryCode: info.CountryCode,
			})
		}
		return json.Marshal(initPayload{Type: "init", ActiveConnections: active})

	case bus.KindReady:
		return json.Marshal(readyPayload{Type: "ready"})

	case bus.KindConnected:
		event := msg.Connected
		payload := connectedPayload{
			Type:        "connected",
			ConnectedAt: formatTime(event.ConnectedAt),
		}
		if event.IP != nil {
			payload.IP = event.IP.String()
		}
		if event.Geo != nil {
			payload.Lat = event.Geo.Latitude
			payload.Lon = event.Geo.Longitude
		}
		return json.Marshal(payload)

	case bus.KindDisconnected:
		event := msg.Disconnected
		payload := disconnectedPayload{
			Type:           "disconnected",
			Seq:            event.Seq,
			ConnectedAt:    formatTime(event.ConnectedAt),
			DisconnectedAt: formatTime(event.DisconnectedAt),
			TimeSpent:      int64(event.TimeSpent / time.Second),
			BytesSent:      event.BytesSent,
		}
		if event.IP != nil {
			payload.IP = event.IP.String()
		}
		if event.Geo != nil {
			payload.CountryCode = event.Geo.CountryCode
			payload.CountryName = event.Geo.CountryName
			payload.City = event.Geo.City
			payload.Lat = event.Geo.Latitude
			payload.Lon = event.Geo.Longitude
		}
		return json.Marshal(payload)
	}

	return nil, fmt.Errorf("unknown message kind %d", msg.Kind)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
