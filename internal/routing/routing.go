// Package routing implements the per-node packet ingress/relay state
// machine (spec.md §4.4): integrity check, duplicate suppression,
// dispatch by packet type, and the relay decision. Grounded on the
// teacher's internal/daemon/peer.go dispatch shape (one function per
// inbound message kind feeding a shared pipeline) and connman.go's
// single-writer discipline around shared maps.
package routing

import (
	"encoding/json"
	"time"

	"meshwire/internal/meshmodel"
	"meshwire/internal/meshstore"
	"meshwire/internal/metrics"
	"meshwire/internal/packet"
	"meshwire/internal/registry"
	"meshwire/internal/seenset"
	"meshwire/internal/transport"
)

// Events is the set of callbacks the routing engine raises as it
// processes packets. Any field may be nil.
type Events struct {
	OnMessageReceived      func(meshmodel.Message)
	OnMessageStatusChanged func(messageID string, status meshmodel.Status)
	// OnPeerObserved fires whenever a DISCOVER/ANNOUNCE packet is
	// received, independent of the registry merge handlePresence
	// already performs — wired to presence.Runner.OnPeerObserved so a
	// previously-unknown peer gets a responsive ANNOUNCE back (spec
	// §4.7).
	OnPeerObserved func(desc transport.PeerDescriptor, via transport.Kind)
}

// Outbound is how the engine emits bytes — either a fresh packet
// (ACK generation, response ANNOUNCE) or a relay copy. The routing
// engine never talks to drivers directly; it calls back into
// whatever broadcasts on the caller's behalf, passing along the
// transport/peer pair the packet arrived on.
type Outbound interface {
	// BroadcastExcept fans data out on every available transport.
	// arrivedVia/arrivedFrom identify the arrival path; core's
	// implementation does not exclude it from the fan-out.
	BroadcastExcept(data []byte, arrivedVia transport.Kind, arrivedFrom string) error
	// SendPacket emits a single packet directly (used for ACKs and
	// responsive ANNOUNCEs, which target one peer, not a broadcast).
	SendPacket(p packet.Packet, targetID string) error
}

// Engine is the routing engine for one node.
type Engine struct {
	localID string

	seen    *seenset.Set
	store   *meshstore.Store
	reg     *registry.Registry
	out     Outbound
	metrics *metrics.Metrics
	events  Events

	onAckMatched func(packetID string)
}

// New constructs a routing engine. onAckMatched is invoked with the
// acknowledged packet id whenever an ACK is dispatched; the delivery
// pipeline wires this to its pending-retry table.
func New(localID string, seen *seenset.Set, store *meshstore.Store, reg *registry.Registry, out Outbound, m *metrics.Metrics, events Events, onAckMatched func(string)) *Engine {
	return &Engine{
		localID:      localID,
		seen:         seen,
		store:        store,
		reg:          reg,
		out:          out,
		metrics:      m,
		events:       events,
		onAckMatched: onAckMatched,
	}
}

// Receive is the spec §4.4 entry point. fromTransport tags the registry
// observation for DISCOVER/ANNOUNCE, and fromTransport/fromPeer are
// passed to Outbound.BroadcastExcept on relay; the engine never
// otherwise privileges the source.
func (e *Engine) Receive(data []byte, fromTransport transport.Kind, fromPeer string) {
	p, err := packet.Decode(data)
	if err != nil {
		e.metrics.IncDropMalformed()
		return
	}
	if err := p.Verify(); err != nil {
		e.metrics.IncDropMalformed()
		return
	}

	// Steps 2-3: seen-set test-and-insert must be atomic under a single
	// writer. InsertIfAbsent satisfies that directly.
	if !e.seen.InsertIfAbsent(p.ID) {
		e.metrics.IncDropDuplicate()
		return
	}
	e.metrics.IncPacketVerified()

	switch p.Type {
	case packet.TypeMessage:
		e.handleMessage(p)
	case packet.TypeAck:
		e.handleAck(p)
	case packet.TypeDiscover, packet.TypeAnnounce:
		e.handlePresence(p, fromTransport)
	case packet.TypePing:
		e.handlePing(p)
	}

	if packet.ShouldRelay(p, e.localID) {
		e.relay(p, fromTransport, fromPeer)
	}
}

func (e *Engine) handleMessage(p packet.Packet) {
	if p.TargetID != e.localID && p.TargetID != packet.Wildcard {
		return
	}
	exists, err := e.store.MessageExists(p.ID)
	if err != nil || exists {
		return
	}
	msg := meshmodel.Message{
		ID:         p.ID,
		Content:    p.Payload,
		SenderID:   p.OriginalSenderID,
		ReceiverID: e.localID,
		Timestamp:  p.Timestamp,
		Hops:       append([]string{}, p.Hops...),
		Status:     meshmodel.StatusDelivered,
	}
	if err := e.store.UpsertMessage(msg, true); err != nil {
		return
	}
	if e.events.OnMessageReceived != nil {
		e.events.OnMessageReceived(msg)
	}

	ack, err := packet.New(packet.TypeAck, e.localID, p.OriginalSenderID, p.ID)
	if err != nil {
		return
	}
	_ = e.out.SendPacket(ack, p.OriginalSenderID)
}

func (e *Engine) handleAck(p packet.Packet) {
	if e.onAckMatched != nil {
		e.onAckMatched(p.Payload)
	}
	if e.events.OnMessageStatusChanged != nil {
		e.events.OnMessageStatusChanged(p.Payload, meshmodel.StatusDelivered)
	}
}

func (e *Engine) handlePresence(p packet.Packet, via transport.Kind) {
	desc := transport.PeerDescriptor{ID: p.OriginalSenderID}
	// Payload is a small self-description document (PresenceDoc below);
	// the id alone is enough to register a sighting, and richer fields
	// are filled in when ParsePresence succeeds.
	if parsed, ok := ParsePresence(p.Payload); ok {
		desc.Name = parsed.Name
		desc.Kind = parsed.Kind
		desc.BrandHint = parsed.BrandHint
		desc.OSHint = parsed.OSHint
	}
	e.reg.Observe(desc, via, time.Now())
	if e.events.OnPeerObserved != nil {
		e.events.OnPeerObserved(desc, via)
	}
}

func (e *Engine) handlePing(p packet.Packet) {
	e.reg.Observe(transport.PeerDescriptor{ID: p.SenderID}, transport.KindLAN, time.Now())
}

func (e *Engine) relay(p packet.Packet, arrivedVia transport.Kind, arrivedFrom string) {
	relayed, err := packet.Relay(p, e.localID)
	if err != nil {
		return
	}
	data, err := packet.Encode(relayed)
	if err != nil {
		return
	}
	if err := e.out.BroadcastExcept(data, arrivedVia, arrivedFrom); err == nil {
		e.metrics.IncPacketRelayed()
	}
}

// PresenceDoc is the small self-description payload carried in
// DISCOVER/ANNOUNCE packets (spec §4.7).
type PresenceDoc struct {
	Name      string               `json:"name"`
	Kind      meshmodel.DeviceKind `json:"type"`
	BrandHint string               `json:"brand_hint,omitempty"`
	OSHint    string               `json:"os_hint,omitempty"`
}

// EncodePresence serializes a self-description document for the
// payload field of a DISCOVER/ANNOUNCE packet.
func EncodePresence(doc PresenceDoc) (string, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParsePresence best-effort parses the payload of a DISCOVER/ANNOUNCE
// packet. A malformed payload is not a protocol error — it just means
// the registry learns less about the peer than it otherwise would.
func ParsePresence(payload string) (PresenceDoc, bool) {
	var doc PresenceDoc
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return PresenceDoc{}, false
	}
	return doc, true
}
