// Package registry is the peer table: merge-on-observe bookkeeping for
// every device seen across any transport (spec.md §4.3). Grounded on
// the teacher's internal/peer store (peertable_test.go's evict-by-
// fail-count/LRU shape) and the age-based sweep in daemon/connman.go's
// recovery-state ticker, generalized from "IP peer with fail count" to
// "mesh device observed across one or more transports."
package registry

import (
	"sync"
	"time"

	"meshwire/internal/meshmodel"
	"meshwire/internal/transport"
)

// Registry holds the set of known devices and how recently each was
// observed on each transport kind.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*entry

	onDiscovered func(meshmodel.Device)
	onUpdated    func(meshmodel.Device)
	onLost       func(string)
}

type entry struct {
	device      meshmodel.Device
	lastSeenByT map[transport.Kind]time.Time
}

// Callbacks fire on registry state transitions; any may be nil.
type Callbacks struct {
	OnDiscovered func(meshmodel.Device) // first-ever sighting of a device (spec §6 onDeviceDiscovered)
	OnUpdated    func(meshmodel.Device) // every subsequent sighting, and soft-timeout disconnects
	OnLost       func(peerID string)
}

func New(cb Callbacks) *Registry {
	return &Registry{
		devices:      make(map[string]*entry),
		onDiscovered: cb.OnDiscovered,
		onUpdated:    cb.OnUpdated,
		onLost:       cb.OnLost,
	}
}

// Observe merges a sighting of peer on the given transport into the
// registry (spec §4.3's "observe" operation). A concrete display name
// never loses to a generic placeholder name (meshmodel.IsGenericName),
// and IsConnected/IsOnline latch true on any live sighting. The first
// sighting of a device fires OnDiscovered instead of OnUpdated (spec
// §6 distinguishes onDeviceDiscovered from onDeviceUpdated).
func (r *Registry) Observe(peer transport.PeerDescriptor, kind transport.Kind, now time.Time) meshmodel.Device {
	r.mu.Lock()

	e, found := r.devices[peer.ID]
	isNew := !found
	if isNew {
		e = &entry{
			device:      meshmodel.Device{ID: peer.ID, Kind: peer.Kind},
			lastSeenByT: make(map[transport.Kind]time.Time),
		}
		r.devices[peer.ID] = e
	}

	d := &e.device
	if peer.Name != "" && (!meshmodel.IsGenericName(peer.Name) || d.Name == "") {
		d.Name = peer.Name
	}
	if peer.Kind != "" {
		d.Kind = peer.Kind
	}
	d.ConnectionType = string(kind)
	d.IsConnected = true
	d.IsOnline = true
	d.LastSeen = now
	if peer.SignalStrength > d.SignalStrength {
		d.SignalStrength = peer.SignalStrength
	}
	e.lastSeenByT[kind] = now

	out := *d
	r.mu.Unlock()

	if isNew && r.onDiscovered != nil {
		r.onDiscovered(out)
	} else if !isNew && r.onUpdated != nil {
		r.onUpdated(out)
	}
	return out
}

// MarkTyping updates the transient typing indicator for peerID without
// touching liveness bookkeeping (spec §4.3's typing-indicator note).
func (r *Registry) MarkTyping(peerID string, typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.devices[peerID]; ok {
		e.device.IsTyping = typing
	}
}

// Get returns the current known state for peerID.
func (r *Registry) Get(peerID string) (meshmodel.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[peerID]
	if !ok {
		return meshmodel.Device{}, false
	}
	return e.device, true
}

// List returns a snapshot of every known device, connected or not.
func (r *Registry) List() []meshmodel.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]meshmodel.Device, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, e.device)
	}
	return out
}

// Sweep applies the soft/hard liveness timeouts from spec §4.3: a
// device goes IsConnected=false after softTimeout of silence
// (softTimeout is softLocal or softRemote depending on whether any
// sighting came over a local transport) and fires onDeviceUpdated, and
// onDeviceLost fires after hardTimeout — but the record itself is
// RETAINED with is_online=false; deletion is only ever performed by
// the storage layer's separate age-based eviction pass
// (meshstore.EvictDevicesOlderThan), never here.
func (r *Registry) Sweep(now time.Time, softLocal, softRemote, hard time.Duration) {
	r.mu.Lock()
	var disconnected []meshmodel.Device
	var lost []string
	for id, e := range r.devices {
		age := now.Sub(e.device.LastSeen)
		soft := softRemote
		if e.hasLocalSighting() {
			soft = softLocal
		}
		if age >= soft && e.device.IsConnected {
			e.device.IsConnected = false
			disconnected = append(disconnected, e.device)
		}
		if age >= hard && e.device.IsOnline {
			e.device.IsOnline = false
			e.device.IsConnected = false
			lost = append(lost, id)
		}
	}
	onUpdated := r.onUpdated
	onLost := r.onLost
	r.mu.Unlock()

	if onUpdated != nil {
		for _, d := range disconnected {
			onUpdated(d)
		}
	}
	if onLost != nil {
		for _, id := range lost {
			onLost(id)
		}
	}
}

func (e *entry) hasLocalSighting() bool {
	_, lan := e.lastSeenByT[transport.KindLAN]
	_, ble := e.lastSeenByT[transport.KindNativeBLE]
	_, wifi := e.lastSeenByT[transport.KindNativeWifiP]
	return lan || ble || wifi
}

// RunSweeper starts a goroutine that calls Sweep on interval until stop
// is closed, mirroring the teacher's ticker-driven connMan.run loop.
func (r *Registry) RunSweeper(interval time.Duration, softLocal, softRemote, hard time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			r.Sweep(now, softLocal, softRemote, hard)
		}
	}
}
