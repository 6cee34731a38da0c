package routing_test

import (
	"testing"

	"meshwire/internal/meshmodel"
	"meshwire/internal/meshstore"
	"meshwire/internal/metrics"
	"meshwire/internal/packet"
	"meshwire/internal/presence"
	"meshwire/internal/registry"
	"meshwire/internal/routing"
	"meshwire/internal/seenset"
	"meshwire/internal/transport"
)

type stubOutbound struct {
	sent []packet.Packet
}

func (s *stubOutbound) BroadcastExcept(data []byte, via transport.Kind, from string) error { return nil }
func (s *stubOutbound) SendPacket(p packet.Packet, targetID string) error {
	s.sent = append(s.sent, p)
	return nil
}

type stubBroadcaster struct {
	packets []packet.Packet
}

func (b *stubBroadcaster) BroadcastPacket(p packet.Packet) error {
	b.packets = append(b.packets, p)
	return nil
}

// TestResponsiveAnnounceFiresOnceForANewPeer exercises spec.md's
// "receiving an ANNOUNCE from a previously-unknown peer triggers a
// responsive ANNOUNCE back" end-to-end through the actual packet-receive
// path, not presence.Runner.OnPeerObserved in isolation: a live ANNOUNCE
// packet is fed into the routing engine exactly as a driver would feed
// one, and the engine must invoke the presence runner itself.
func TestResponsiveAnnounceFiresOnceForANewPeer(t *testing.T) {
	st, err := meshstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	reg := registry.New(registry.Callbacks{})
	bcast := &stubBroadcaster{}
	self := func() presence.SelfDescription { return presence.SelfDescription{Name: "node-b"} }
	runner := presence.New("NODEB", self, bcast, 0, 0, nil)

	engine := routing.New("NODEB", seenset.New(0, 0), st, reg, &stubOutbound{}, metrics.New(),
		routing.Events{
			OnPeerObserved: func(desc transport.PeerDescriptor, via transport.Kind) { runner.OnPeerObserved(desc.ID) },
		}, nil)

	doc, err := routing.EncodePresence(routing.PresenceDoc{Name: "node-a", Kind: meshmodel.DeviceKindUnknown})
	if err != nil {
		t.Fatalf("encode presence: %v", err)
	}
	announce, err := packet.New(packet.TypeAnnounce, "NODEA", packet.Wildcard, doc)
	if err != nil {
		t.Fatalf("build announce: %v", err)
	}
	data, err := packet.Encode(announce)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	engine.Receive(data, transport.KindLAN, "NODEA")
	if len(bcast.packets) != 1 {
		t.Fatalf("expected exactly one responsive ANNOUNCE, got %d", len(bcast.packets))
	}
	if bcast.packets[0].Type != packet.TypeAnnounce || bcast.packets[0].SenderID != "NODEB" {
		t.Fatalf("unexpected responsive packet: %+v", bcast.packets[0])
	}

	// A second ANNOUNCE from the same now-known peer must not trigger
	// another responsive ANNOUNCE (presence.Runner's one-shot gate).
	announce2, _ := packet.New(packet.TypeAnnounce, "NODEA", packet.Wildcard, doc)
	data2, _ := packet.Encode(announce2)
	engine.Receive(data2, transport.KindLAN, "NODEA")
	if len(bcast.packets) != 1 {
		t.Fatalf("expected no second responsive ANNOUNCE for an already-known peer, got %d", len(bcast.packets))
	}

	if _, ok := reg.Get("NODEA"); !ok {
		t.Fatalf("expected the registry to have observed NODEA directly via handlePresence")
	}
}
