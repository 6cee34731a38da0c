// Package transport defines the uniform driver contract every
// concrete transport implements (spec.md §4.8) plus the per-transport
// metrics record the selector scores against (spec.md §3 "Transport
// metrics", §4.6). Grounded on the teacher's network package shape:
// each driver owns its own I/O loop and reports back through
// callbacks rather than the selector reaching into driver internals.
package transport

import (
	"context"
	"time"

	"meshwire/internal/meshmodel"
)

// Kind names a concrete transport flavor (spec §4.8).
type Kind string

const (
	KindLAN         Kind = "lan_broadcast"     // same-host / same-host-process channel
	KindP2PInternet Kind = "p2p_internet"      // ICE-style P2P over the internet
	KindRendezvous  Kind = "rendezvous_relay"  // network-backed relay + store-and-forward
	KindNativeBLE   Kind = "native_ble"        // optional native OS transport
	KindNativeWifiP Kind = "native_wifi_p2p"   // optional native OS transport
)

// Bias returns the fixed per-transport scoring bonus from spec §4.6.
func Bias(k Kind) int {
	switch k {
	case KindP2PInternet:
		return 20
	case KindLAN:
		return 15
	case KindNativeBLE, KindNativeWifiP:
		return 10
	case KindRendezvous:
		return 5
	default:
		return 0
	}
}

// PeerDescriptor is the small self-description document carried in
// DISCOVER/ANNOUNCE payloads and handed to the peer registry as an
// observation.
type PeerDescriptor struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	Kind           meshmodel.DeviceKind `json:"type"`
	BrandHint      string               `json:"brand_hint,omitempty"`
	OSHint         string               `json:"os_hint,omitempty"`
	SignalStrength int                  `json:"signal_strength,omitempty"`
	Addr           string               `json:"-"` // transport-local address, not serialized on the wire
}

// Callbacks is the set of hooks a Driver invokes into the core as
// events occur. Exactly one Callbacks value is registered per driver
// at Start.
type Callbacks struct {
	OnPeerObserved     func(PeerDescriptor)
	OnBytes            func(peerID string, data []byte)
	OnPeerLost         func(peerID string)
	OnAvailableChanged func(available bool)
}

// Driver is the contract every concrete transport implements. Drivers
// MUST treat every payload as an opaque byte sequence (spec §4.8) —
// they never parse packet contents.
type Driver interface {
	Kind() Kind
	Start(ctx context.Context, cb Callbacks) error
	Stop() error
	Broadcast(data []byte) error
	Send(ctx context.Context, peerID string, data []byte) error
}

// Metrics is the per-transport scoring state the selector maintains
// (spec §3). It is mutated only via RecordSuccess/RecordFailure and
// the availability/device-count setters — see selector.Table.
type Metrics struct {
	Available    bool
	Enabled      bool
	DeviceCount  int
	LatencyHint  time.Duration
	Reliability  int // 0-100
	LastSuccess  time.Time
	FailureCount int
}
