package packet

import (
	"reflect"
	"testing"

	"meshwire/internal/meshwireerr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p, err := New(TypeMessage, "NODEAAAA", "NODEBBBB", "hello")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	data, err := Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, p) {
		t.Fatalf("round trip mismatch:\n got=%+v\nwant=%+v", got, p)
	}
	if err := got.Verify(); err != nil {
		t.Fatalf("verify after round trip: %v", err)
	}
}

func TestVerifyDetectsBitFlip(t *testing.T) {
	p, err := New(TypeMessage, "NODEAAAA", "NODEBBBB", "hello")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	data, err := Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Flip one bit in the payload content, keeping the structure valid
	// JSON so decode succeeds but verify must fail.
	corrupted := make([]byte, len(data))
	copy(corrupted, data)
	for i, b := range corrupted {
		if b == 'h' {
			corrupted[i] = 'i'
			break
		}
	}
	got, err := Decode(corrupted)
	if err != nil {
		t.Fatalf("decode corrupted: %v", err)
	}
	if err := got.Verify(); err == nil {
		t.Fatalf("expected verify to fail on corrupted payload")
	} else if !meshwireerr.Is(err, meshwireerr.ErrMalformedPacket) {
		t.Fatalf("expected ErrMalformedPacket, got %v", err)
	}
}

func TestDigestDeterministic(t *testing.T) {
	p, err := New(TypeAnnounce, "NODEAAAA", Wildcard, "{}")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	canon, err := p.CanonicalString()
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	a := Digest(canon)
	b := Digest(canon)
	if a != b {
		t.Fatalf("digest not deterministic: %q != %q", a, b)
	}
	if len(a) != 8 {
		t.Fatalf("expected 8-char hex digest, got %q", a)
	}
}

func TestOversizeRejected(t *testing.T) {
	big := make([]byte, MaxWireSize+1)
	for i := range big {
		big[i] = 'x'
	}
	if _, err := Decode(big); err == nil {
		t.Fatalf("expected oversize packet to be rejected")
	}
}

func TestShouldRelayInvariants(t *testing.T) {
	origin, err := New(TypeMessage, "NODEAAAA", "NODECCCC", "hi")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if !ShouldRelay(origin, "NODEBBBB") {
		t.Fatalf("expected relay to be allowed for an uninvolved node")
	}
	if ShouldRelay(origin, "NODEAAAA") {
		t.Fatalf("origin must never relay its own packet")
	}
	if ShouldRelay(origin, "NODECCCC") {
		t.Fatalf("the target must not relay, it delivers locally")
	}

	zeroTTL := origin
	zeroTTL.TTL = 0
	if ShouldRelay(zeroTTL, "NODEBBBB") {
		t.Fatalf("ttl=0 packet must never be relayed")
	}

	alreadyHopped := origin
	alreadyHopped.Hops = append(alreadyHopped.Hops, "NODEBBBB")
	if ShouldRelay(alreadyHopped, "NODEBBBB") {
		t.Fatalf("a node already in hops must not relay again")
	}
}

func TestRelayProducesDecrementedSignedCopy(t *testing.T) {
	origin, err := New(TypeMessage, "NODEAAAA", "NODECCCC", "hi")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	relayed, err := Relay(origin, "NODEBBBB")
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if relayed.TTL != origin.TTL-1 {
		t.Fatalf("expected ttl decremented, got %d want %d", relayed.TTL, origin.TTL-1)
	}
	if relayed.SenderID != "NODEBBBB" {
		t.Fatalf("expected senderId updated to relayer")
	}
	wantHops := append(append([]string{}, origin.Hops...), "NODEBBBB")
	if len(relayed.Hops) != len(wantHops) {
		t.Fatalf("expected hops %v, got %v", wantHops, relayed.Hops)
	}
	if err := relayed.Verify(); err != nil {
		t.Fatalf("relayed packet should verify: %v", err)
	}
	// Original must be unmodified (value semantics, no shared backing
	// array mutation of hops).
	if len(origin.Hops) != 1 {
		t.Fatalf("original packet's hops mutated by relay")
	}
}
