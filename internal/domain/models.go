// Package domain defines the core data types shared across the portgate
// controller, registry, forwarder, and store layers.
package domain

import "time"

// Tunnel state constants describe the lifecycle of a tunnel.
const (
	TunnelStateActive  = "active"
	TunnelStateStopped = "stopped"
)

// APIKey represents a server-managed authentication key.
type APIKey struct {
	ID        string
	User      string
	KeyHash   string
	IPAddress string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Tunnel is the unit of forwarding: a registered mapping from a public
// TCP port to a port on the owner's local network.
type Tunnel struct {
	ID         string
	APIKeyID   string
	LocalPort  int
	PublicPort int
	State      string
	CreatedAt  time.Time
}

// Descriptor is the caller-facing view of a tunnel returned by register
// and status operations.
type Descriptor struct {
	TunnelID      string
	LocalPort     int
	PublicPort    int
	PublicAddress string
	Region        string
}

// Event kind constants for the lifecycle event feed.
const (
	EventTunnelRegistered = "tunnel_registered"
	EventTunnelStopped    = "tunnel_stopped"
	EventRelayOpened      = "relay_opened"
	EventRelayClosed      = "relay_closed"
)

// Event is a tunnel lifecycle notification published to event feed
// subscribers.
type Event struct {
	Kind          string    `json:"event"`
	TunnelID      string    `json:"tunnelId"`
	PublicAddress string    `json:"publicAddress,omitempty"`
	RemoteAddr    string    `json:"remoteAddr,omitempty"`
	Time          time.Time `json:"time"`
}

// EventSink receives lifecycle events. Publish must not block the caller;
// implementations drop events when subscribers cannot keep up.
type EventSink interface {
	Publish(Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Publish(Event) {}
