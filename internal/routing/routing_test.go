package routing

import (
	"testing"

	"meshwire/internal/meshstore"
	"meshwire/internal/metrics"
	"meshwire/internal/packet"
	"meshwire/internal/registry"
	"meshwire/internal/seenset"
	"meshwire/internal/transport"
)

type stubOutbound struct {
	broadcasts [][]byte
	sent       []packet.Packet
	sentTo     []string
}

func (s *stubOutbound) BroadcastExcept(data []byte, via transport.Kind, from string) error {
	s.broadcasts = append(s.broadcasts, data)
	return nil
}

func (s *stubOutbound) SendPacket(p packet.Packet, targetID string) error {
	s.sent = append(s.sent, p)
	s.sentTo = append(s.sentTo, targetID)
	return nil
}

func newTestEngine(t *testing.T, localID string, out Outbound) *Engine {
	st, err := meshstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	reg := registry.New(registry.Callbacks{})
	return New(localID, seenset.New(0, 0), st, reg, out, metrics.New(), Events{}, nil)
}

func TestReceiveMessageForLocalEmitsAckAndDelivered(t *testing.T) {
	out := &stubOutbound{}
	e := newTestEngine(t, "NODEB", out)

	p, err := packet.New(packet.TypeMessage, "NODEA", "NODEB", "hello")
	if err != nil {
		t.Fatalf("new packet: %v", err)
	}
	data, err := packet.Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	e.Receive(data, transport.KindLAN, "NODEA")

	exists, err := e.store.MessageExists(p.ID)
	if err != nil || !exists {
		t.Fatalf("expected message to be persisted, exists=%v err=%v", exists, err)
	}
	if len(out.sent) != 1 || out.sentTo[0] != "NODEA" {
		t.Fatalf("expected one ACK sent back to originator, got %+v", out.sentTo)
	}
	if out.sent[0].Type != packet.TypeAck || out.sent[0].Payload != p.ID {
		t.Fatalf("expected ACK payload to reference original packet id")
	}
}

func TestReceiveDuplicateMessageDeliveredOnce(t *testing.T) {
	out := &stubOutbound{}
	e := newTestEngine(t, "NODEB", out)

	p, _ := packet.New(packet.TypeMessage, "NODEA", "NODEB", "hi")
	data, _ := packet.Encode(p)

	e.Receive(data, transport.KindLAN, "NODEA")
	e.Receive(data, transport.KindLAN, "NODEA")

	if len(out.sent) != 1 {
		t.Fatalf("expected exactly one ACK across both deliveries, got %d", len(out.sent))
	}
}

func TestReceiveAckInvokesCallback(t *testing.T) {
	out := &stubOutbound{}
	var matched string
	st, _ := meshstore.New(t.TempDir())
	reg := registry.New(registry.Callbacks{})
	e := New("NODEA", seenset.New(0, 0), st, reg, out, metrics.New(), Events{}, func(id string) { matched = id })

	ack, _ := packet.New(packet.TypeAck, "NODEB", "NODEA", "msg-123")
	data, _ := packet.Encode(ack)
	e.Receive(data, transport.KindLAN, "NODEB")

	if matched != "msg-123" {
		t.Fatalf("expected onAckMatched to fire with msg-123, got %q", matched)
	}
}

func TestReceiveBitFlipDropsSilently(t *testing.T) {
	out := &stubOutbound{}
	e := newTestEngine(t, "NODEB", out)

	p, _ := packet.New(packet.TypeMessage, "NODEA", "NODEB", "hello")
	p.Payload = "tampered" // mutate after signing so the digest no longer matches
	data, _ := packet.Encode(p)

	e.Receive(data, transport.KindLAN, "NODEA")

	if len(out.sent) != 0 {
		t.Fatalf("expected no ACK for a corrupted packet")
	}
	exists, _ := e.store.MessageExists(p.ID)
	if exists {
		t.Fatalf("expected corrupted packet to never be persisted")
	}
}

func TestShouldRelayTriggersBroadcastExcept(t *testing.T) {
	out := &stubOutbound{}
	e := newTestEngine(t, "NODEB", out)

	p, _ := packet.New(packet.TypeMessage, "NODEA", "NODEC", "hello")
	data, _ := packet.Encode(p)
	e.Receive(data, transport.KindLAN, "NODEA")

	if len(out.broadcasts) != 1 {
		t.Fatalf("expected relay broadcast for a packet not addressed to us, got %d", len(out.broadcasts))
	}
	relayed, err := packet.Decode(out.broadcasts[0])
	if err != nil {
		t.Fatalf("decode relayed: %v", err)
	}
	if relayed.TTL != p.TTL-1 {
		t.Fatalf("expected relayed ttl decremented")
	}
	if relayed.Hops[len(relayed.Hops)-1] != "NODEB" {
		t.Fatalf("expected relayer appended to hops")
	}
}

func TestTTLZeroNeverRelayed(t *testing.T) {
	out := &stubOutbound{}
	e := newTestEngine(t, "NODEB", out)

	p, _ := packet.New(packet.TypeMessage, "NODEA", "NODEC", "hello")
	p.TTL = 0
	p.Sign()
	data, _ := packet.Encode(p)
	e.Receive(data, transport.KindLAN, "NODEA")

	if len(out.broadcasts) != 0 {
		t.Fatalf("expected no relay when ttl=0")
	}
}
