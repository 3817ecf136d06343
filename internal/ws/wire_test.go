package ws

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/splax/tarpit/internal/bus"
	"github.com/splax/tarpit/internal/domain"
)

func TestMarshalDisconnected(t *testing.T) {
	code := "DE"
	name := "Germany"
	city := "Berlin"
	lat := 52.52
	lon := 13.405

	connectedAt := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	event := domain.DisconnectedEvent{
		Seq:            17,
		RemoteAddr:     "198.51.100.7:50123",
		IP:             net.ParseIP("198.51.100.7"),
		ConnectedAt:    connectedAt,
		DisconnectedAt: connectedAt.Add(75*time.Second + 900*time.Millisecond),
		TimeSpent:      75*time.Second + 900*time.Millisecond,
		BytesSent:      2048,
		Geo: &domain.GeoInfo{
			CountryCode: &code,
			CountryName: &name,
			City:        &city,
			Latitude:    &lat,
			Longitude:   &lon,
		},
	}

	raw, err := MarshalMessage(bus.Message{Kind: bus.KindDisconnected, Disconnected: &event})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}

	want := map[string]any{
		"type":            "disconnected",
		"seq":             float64(17),
		"ip":              "198.51.100.7",
		"connected_at":    "2026-08-30T10:00:00Z",
		"disconnected_at": "2026-08-30T10:01:15.9Z",
		"time_spent":      float64(75),
		"bytes_sent":      float64(2048),
		"country_code":    "DE",
		"country_name":    "Germany",
		"city":            "Berlin",
		"lat":             52.52,
		"lon":             13.405,
	}
	for key, value := range want {
		if got[key] != value {
			t.Fatalf("field %q: expected %v, got %v", key, value, got[key])
		}
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d fields, got %d: %s", len(want), len(got), raw)
	}
}

func TestMarshalDisconnectedWithoutGeo(t *testing.T) {
	connectedAt := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	event := domain.DisconnectedEvent{
		Seq:            1,
		IP:             net.ParseIP("203.0.113.4"),
		ConnectedAt:    connectedAt,
		DisconnectedAt: connectedAt.Add(time.Second),
		TimeSpent:      1900 * time.Millisecond,
		BytesSent:      8,
	}

	raw, err := MarshalMessage(bus.Message{Kind: bus.KindDisconnected, Disconnected: &event})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	// sub-second remainders are truncated, not rounded
	if got["time_spent"] != float64(1) {
		t.Fatalf("expected time_spent 1, got %v", got["time_spent"])
	}
	for _, key := range []string{"country_code", "country_name", "city", "lat", "lon"} {
		if got[key] != nil {
			t.Fatalf("expected %q to be null without geo data, got %v", key, got[key])
		}
	}
}

func TestMarshalInitAndReady(t *testing.T) {
	lat := 48.85
	connectedAt := time.Date(2026, 8, 30, 9, 30, 0, 0, time.UTC)
	msg := bus.Message{
		Kind: bus.KindInit,
		Active: []domain.ActiveConnection{{
			IP:          "192.0.2.10",
			ConnectedAt: connectedAt,
			Latitude:    &lat,
		}},
	}

	raw, err := MarshalMessage(msg)
	if err != nil {
		t.Fatalf("marshal init failed: %v", err)
	}
	var init struct {
		Type   string `json:"type"`
		Active []struct {
			IP          string   `json:"ip"`
			ConnectedAt string   `json:"connected_at"`
			Lat         *float64 `json:"lat"`
		} `json:"active_connections"`
	}
	if err := json.Unmarshal(raw, &init); err != nil {
		t.Fatalf("init payload is not valid JSON: %v", err)
	}
	if init.Type != "init" || len(init.Active) != 1 {
		t.Fatalf("unexpected init payload: %s", raw)
	}
	if init.Active[0].IP != "192.0.2.10" || init.Active[0].ConnectedAt != "2026-08-30T09:30:00Z" {
		t.Fatalf("unexpected active connection: %s", raw)
	}
	if init.Active[0].Lat == nil || *init.Active[0].Lat != 48.85 {
		t.Fatalf("expected latitude 48.85, got %v", init.Active[0].Lat)
	}

	raw, err = MarshalMessage(bus.Message{Kind: bus.KindReady})
	if err != nil {
		t.Fatalf("marshal ready failed: %v", err)
	}
	if string(raw) != `{"type":"ready"}` {
		t.Fatalf("unexpected ready payload: %s", raw)
	}
}

func TestMarshalConnected(t *testing.T) {
	lat := 1.29
	lon := 103.85
	event := domain.ConnectedEvent{
		RemoteAddr:  "192.0.2.33:4000",
		IP:          net.ParseIP("192.0.2.33"),
		ConnectedAt: time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC),
		Geo:         &domain.GeoInfo{Latitude: &lat, Longitude: &lon},
	}

	raw, err := MarshalMessage(bus.Message{Kind: bus.KindConnected, Connected: &event})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if got["type"] != "connected" || got["ip"] != "192.0.2.33" {
		t.Fatalf("unexpected connected payload: %s", raw)
	}
	if got["lat"] != 1.29 || got["lon"] != 103.85 {
		t.Fatalf("expected coordinates in payload, got %s", raw)
	}
	if _, ok := got["seq"]; ok {
		t.Fatalf("connected events carry no sequence number: %s", raw)
	}
}
