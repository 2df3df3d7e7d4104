package models

import (
	"fmt"
	"time"
)

// RelayState is the connection state of a single relay endpoint.
type RelayState int

const (
	RelayDisconnected RelayState = iota
	RelayConnecting
	RelayConnected
	RelayFailed
)

func (s RelayState) String() string {
	switch s {
	case RelayDisconnected:
		return "disconnected"
	case RelayConnecting:
		return "connecting"
	case RelayConnected:
		return "connected"
	case RelayFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s RelayState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RelayState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "disconnected":
		*s = RelayDisconnected
	case "connecting":
		*s = RelayConnecting
	case "connected":
		*s = RelayConnected
	case "failed":
		*s = RelayFailed
	default:
		return fmt.Errorf("unknown relay state %q", text)
	}
	return nil
}

// RelayStatus is a point-in-time view of one endpoint.
type RelayStatus struct {
	URL        string     `json:"url"`
	Connected  bool       `json:"connected"`
	State      RelayState `json:"state"`
	LatencyMs  int64      `json:"latency_ms"`
	EventCount int64      `json:"event_count"`
	ErrorCount int64      `json:"error_count"`
	LastError  string     `json:"last_error,omitempty"`
}

// Filter selects events upstream. Zero Since/Until/Limit are omitted.
type Filter struct {
	Kinds     []int
	EventRefs []string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// ZapFilter builds the receipt filter for a content id looking back window.
func ZapFilter(eventID string, window time.Duration, limit int, now time.Time) Filter {
	f := Filter{
		Kinds:     []int{KindZapReceipt},
		EventRefs: []string{eventID},
		Limit:     limit,
	}
	if window > 0 {
		f.Since = now.Add(-window)
	}
	return f
}
