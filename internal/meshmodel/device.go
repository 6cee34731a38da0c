// Package meshmodel holds the plain data types shared across the mesh
// engine's packages (device/message records), kept dependency-free so
// every other package can import it without risking a cycle.
package meshmodel

import "time"

// DeviceKind classifies the kind of hardware behind a Device record.
// Visualization-only; the routing engine never branches on it.
type DeviceKind string

const (
	DeviceKindPhone   DeviceKind = "phone"
	DeviceKindTablet  DeviceKind = "tablet"
	DeviceKindLaptop  DeviceKind = "laptop"
	DeviceKindDesktop DeviceKind = "desktop"
	DeviceKindUnknown DeviceKind = "unknown"
)

// Device is the merged view of a remote peer, built up from
// observations across every transport (spec §4.3).
type Device struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	SignalStrength int        `json:"signal_strength"`
	Distance       float64    `json:"distance"`
	Angle          float64    `json:"angle"`
	IsConnected    bool       `json:"is_connected"`
	IsOnline       bool       `json:"is_online"`
	LastSeen       time.Time  `json:"last_seen"`
	Kind           DeviceKind `json:"type"`
	ConnectionType string     `json:"connection_type"`
	IsSelf         bool       `json:"is_self"`
	IsTyping       bool       `json:"is_typing"`
}

// IsGenericName reports whether name is one of the placeholder names a
// transport driver emits before the real display name has been
// exchanged (spec §4.3: such names must never override a concrete
// one).
func IsGenericName(name string) bool {
	return hasPrefix(name, "MeshUser-") || hasPrefix(name, "Device-")
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
