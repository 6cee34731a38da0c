// Package packet implements the wire packet type, its JSON codec, and
// the 32-bit integrity digest used to detect corruption and support
// duplicate suppression. The digest algorithm is specified bit-exactly
// in spec.md §4.1 and must not drift from it — peers computed by another
// implementation of the same algorithm must accept our packets.
package packet

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"meshwire/internal/meshwireerr"
)

// Type enumerates the packet kinds the routing engine dispatches on.
type Type string

const (
	TypeDiscover Type = "DISCOVER"
	TypeAnnounce Type = "ANNOUNCE"
	TypeMessage  Type = "MESSAGE"
	TypeAck      Type = "ACK"
	TypeRelay    Type = "RELAY"
	TypePing     Type = "PING"
)

// Wildcard is the broadcast target id.
const Wildcard = "*"

// MaxWireSize is the maximum allowed serialized size (spec §6).
const MaxWireSize = 512

// DefaultTTL is the initial hop budget for a freshly originated packet.
const DefaultTTL = 10

// Packet is the unit exchanged between nodes over every transport.
// Field order matches the canonical form used for the integrity
// digest; do not reorder without recomputing every caller's
// expectations.
type Packet struct {
	ID               string   `json:"id"`
	Type             Type     `json:"type"`
	SenderID         string   `json:"senderId"`
	OriginalSenderID string   `json:"originalSenderId"`
	TargetID         string   `json:"targetId"`
	Payload          string   `json:"payload"`
	Timestamp        int64    `json:"timestamp"`
	TTL              int      `json:"ttl"`
	Hops             []string `json:"hops"`
	Signature        string   `json:"signature"`
}

// canonical mirrors Packet's field set minus Signature, in the exact
// same declaration order, so json.Marshal always emits the same key
// order for the integrity digest input.
type canonical struct {
	ID               string   `json:"id"`
	Type             Type     `json:"type"`
	SenderID         string   `json:"senderId"`
	OriginalSenderID string   `json:"originalSenderId"`
	TargetID         string   `json:"targetId"`
	Payload          string   `json:"payload"`
	Timestamp        int64    `json:"timestamp"`
	TTL              int      `json:"ttl"`
	Hops             []string `json:"hops"`
}

// NewID produces a packet id: a monotonic wall-clock component followed
// by a random suffix, per spec §3.
func NewID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.New().String()[:8])
}

// CanonicalString returns the exact byte sequence the integrity digest
// is computed over: the packet's fields (signature absent) encoded as
// compact JSON in declaration order.
func (p Packet) CanonicalString() (string, error) {
	c := canonical{
		ID:               p.ID,
		Type:             p.Type,
		SenderID:         p.SenderID,
		OriginalSenderID: p.OriginalSenderID,
		TargetID:         p.TargetID,
		Payload:          p.Payload,
		Timestamp:        p.Timestamp,
		TTL:              p.TTL,
		Hops:             p.Hops,
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Digest computes the spec-mandated 32-bit rolling hash over the
// canonical string's Unicode code points:
//
//	h = 0
//	for each code point c: h = (h << 5) - h + c   (32-bit wraparound)
//	tag = lowercase hex of abs(h), zero-padded to 8 characters
func Digest(canon string) string {
	var h int32
	for _, c := range canon {
		h = (h << 5) - h + c
	}
	abs := int64(h)
	if abs < 0 {
		abs = -abs
	}
	return fmt.Sprintf("%08x", uint32(abs))
}

// Sign sets p.Signature to the digest of p's canonical form.
func (p *Packet) Sign() error {
	canon, err := p.CanonicalString()
	if err != nil {
		return err
	}
	p.Signature = Digest(canon)
	return nil
}

// Verify recomputes the digest and compares it against p.Signature. It
// also checks the structural invariants from spec §3: hops is
// non-empty, hops[0] equals originalSenderId, and ttl is non-negative.
func (p Packet) Verify() error {
	if len(p.Hops) == 0 {
		return fmt.Errorf("%w: empty hops", meshwireerr.ErrMalformedPacket)
	}
	if p.Hops[0] != p.OriginalSenderID {
		return fmt.Errorf("%w: hops[0] != originalSenderId", meshwireerr.ErrMalformedPacket)
	}
	if p.TTL < 0 {
		return fmt.Errorf("%w: negative ttl", meshwireerr.ErrMalformedPacket)
	}
	canon, err := p.CanonicalString()
	if err != nil {
		return fmt.Errorf("%w: %v", meshwireerr.ErrMalformedPacket, err)
	}
	want := Digest(canon)
	if want != p.Signature {
		return fmt.Errorf("%w: signature mismatch", meshwireerr.ErrMalformedPacket)
	}
	return nil
}

// Encode serializes p to its UTF-8 JSON wire form, rejecting anything
// over MaxWireSize (spec §6).
func Encode(p Packet) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", meshwireerr.ErrMalformedPacket, err)
	}
	if len(data) > MaxWireSize {
		return nil, fmt.Errorf("%w: packet exceeds %d bytes", meshwireerr.ErrMalformedPacket, MaxWireSize)
	}
	return data, nil
}

// Decode parses the wire form back into a Packet without verifying the
// signature; callers must call Verify separately.
func Decode(data []byte) (Packet, error) {
	if len(data) > MaxWireSize {
		return Packet{}, fmt.Errorf("%w: packet exceeds %d bytes", meshwireerr.ErrMalformedPacket, MaxWireSize)
	}
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", meshwireerr.ErrMalformedPacket, err)
	}
	return p, nil
}

// New builds a signed packet ready for emission, given the originating
// node's id (used for both senderId and originalSenderId; relay copies
// adjust senderId and hops separately via Relay). TTL is DefaultTTL;
// use NewWithTTL for callers that honor a configured hop budget.
func New(typ Type, selfID, targetID, payload string) (Packet, error) {
	return NewWithTTL(typ, selfID, targetID, payload, DefaultTTL)
}

// NewWithTTL is New with an explicit initial hop budget, used by the
// delivery pipeline to honor config.Options.MaxTTL.
func NewWithTTL(typ Type, selfID, targetID, payload string, ttl int) (Packet, error) {
	p := Packet{
		ID:               NewID(),
		Type:             typ,
		SenderID:         selfID,
		OriginalSenderID: selfID,
		TargetID:         targetID,
		Payload:          payload,
		Timestamp:        time.Now().UnixMilli(),
		TTL:              ttl,
		Hops:             []string{selfID},
	}
	if err := p.Sign(); err != nil {
		return Packet{}, err
	}
	return p, nil
}

// ShouldRelay implements spec §4.4 step 5: all four conditions must
// hold for localID to forward p onward.
func ShouldRelay(p Packet, localID string) bool {
	if p.TTL <= 0 {
		return false
	}
	if p.OriginalSenderID == localID {
		return false
	}
	if p.TargetID == localID {
		return false
	}
	for _, h := range p.Hops {
		if h == localID {
			return false
		}
	}
	return true
}

// Relay builds the forwarded copy of p as seen from localID: ttl is
// decremented, localID is appended to hops, senderId becomes localID,
// and the digest is recomputed over the new canonical form.
func Relay(p Packet, localID string) (Packet, error) {
	out := p
	out.SenderID = localID
	out.TTL = p.TTL - 1
	out.Hops = append(append([]string{}, p.Hops...), localID)
	if err := out.Sign(); err != nil {
		return Packet{}, err
	}
	return out, nil
}
