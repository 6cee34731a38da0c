package transport

import (
	"context"
	"fmt"
	"sync"

	"meshwire/internal/meshwireerr"
)

// Hub wires a set of in-process MemoryDriver instances together so
// tests can build arbitrary topologies (direct links, chains, multi-
// path overlaps) without real sockets. It is the in-memory analogue
// of the teacher's QUIC listener: drivers register with the hub the
// same way a QUIC driver accepts connections, and the hub fans
// Broadcast/Send calls out as goroutine-delivered callbacks.
type Hub struct {
	mu    sync.Mutex
	links map[string]map[string]bool // nodeID -> set of directly-linked peer nodeIDs
	nodes map[string]*MemoryDriver
}

func NewHub() *Hub {
	return &Hub{
		links: make(map[string]map[string]bool),
		nodes: make(map[string]*MemoryDriver),
	}
}

// Link makes a and b direct neighbors on this hub (bidirectional).
func (h *Hub) Link(a, b string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.linkLocked(a, b)
	h.linkLocked(b, a)
}

func (h *Hub) linkLocked(from, to string) {
	if h.links[from] == nil {
		h.links[from] = make(map[string]bool)
	}
	h.links[from][to] = true
}

// Unlink removes a direct connection in both directions, used to
// simulate a transport going offline for one peer.
func (h *Hub) Unlink(a, b string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.links[a], b)
	delete(h.links[b], a)
}

func (h *Hub) neighbors(id string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.links[id]))
	for peer := range h.links[id] {
		if _, ok := h.nodes[peer]; ok {
			out = append(out, peer)
		}
	}
	return out
}

func (h *Hub) register(id string, d *MemoryDriver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes[id] = d
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.nodes, id)
}

func (h *Hub) driverFor(id string) (*MemoryDriver, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.nodes[id]
	return d, ok
}

// MemoryDriver is a Driver backed by a Hub; Kind defaults to
// KindLAN but can be overridden (e.g. to simulate a second, distinct
// transport between the same pair of nodes).
type MemoryDriver struct {
	hub  *Hub
	self string
	kind Kind

	mu      sync.Mutex
	cb      Callbacks
	started bool
}

func NewMemoryDriver(hub *Hub, selfID string, kind Kind) *MemoryDriver {
	if kind == "" {
		kind = KindLAN
	}
	return &MemoryDriver{hub: hub, self: selfID, kind: kind}
}

func (d *MemoryDriver) Kind() Kind { return d.kind }

func (d *MemoryDriver) Start(_ context.Context, cb Callbacks) error {
	d.mu.Lock()
	d.cb = cb
	d.started = true
	d.mu.Unlock()
	d.hub.register(d.self, d)
	if cb.OnAvailableChanged != nil {
		cb.OnAvailableChanged(true)
	}
	return nil
}

func (d *MemoryDriver) Stop() error {
	d.mu.Lock()
	cb := d.cb
	d.started = false
	d.mu.Unlock()
	d.hub.unregister(d.self)
	if cb.OnAvailableChanged != nil {
		cb.OnAvailableChanged(false)
	}
	return nil
}

func (d *MemoryDriver) Broadcast(data []byte) error {
	for _, peerID := range d.hub.neighbors(d.self) {
		d.deliverTo(peerID, data)
	}
	return nil
}

func (d *MemoryDriver) Send(_ context.Context, peerID string, data []byte) error {
	peer, ok := d.hub.driverFor(peerID)
	if !ok {
		return fmt.Errorf("%w: peer %s not reachable on %s", meshwireerr.ErrTransportUnavailable, peerID, d.kind)
	}
	_ = peer
	d.deliverTo(peerID, data)
	return nil
}

func (d *MemoryDriver) deliverTo(peerID string, data []byte) {
	peer, ok := d.hub.driverFor(peerID)
	if !ok {
		return
	}
	peer.mu.Lock()
	cb := peer.cb
	started := peer.started
	peer.mu.Unlock()
	if !started || cb.OnBytes == nil {
		return
	}
	// Deliver asynchronously so Broadcast/Send never block on a slow
	// peer's handler, mirroring the teacher's goroutine-per-stream
	// accept loop in network/quic.go.
	go cb.OnBytes(d.self, data)
}
