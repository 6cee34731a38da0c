package selector

import (
	"testing"
	"time"

	"meshwire/internal/transport"
)

func TestUnavailableTransportsFilteredOut(t *testing.T) {
	tb := New()
	tb.Register(transport.KindLAN)
	// never marked available
	if _, _, ok := tb.Select("peer1", time.Now()); ok {
		t.Fatalf("expected no candidates when nothing is available")
	}
}

func TestBiasBreaksTieBetweenEqualTransports(t *testing.T) {
	tb := New()
	tb.Register(transport.KindLAN)
	tb.Register(transport.KindRendezvous)
	tb.SetAvailable(transport.KindLAN, true)
	tb.SetAvailable(transport.KindRendezvous, true)

	primary, _, ok := tb.Select("peer1", time.Now())
	if !ok {
		t.Fatalf("expected a candidate")
	}
	if primary != transport.KindLAN {
		t.Fatalf("expected lan_broadcast (higher bias) to win ties, got %s", primary)
	}
}

func TestRecordSuccessRaisesReliabilityCapped(t *testing.T) {
	tb := New()
	tb.Register(transport.KindLAN)
	tb.SetAvailable(transport.KindLAN, true)
	for i := 0; i < 30; i++ {
		tb.RecordSuccess(transport.KindLAN, time.Now())
	}
	snap := tb.Snapshot()
	if snap[transport.KindLAN].Reliability != 100 {
		t.Fatalf("expected reliability capped at 100, got %d", snap[transport.KindLAN].Reliability)
	}
}

func TestRecordFailureLowersReliabilityFloored(t *testing.T) {
	tb := New()
	tb.Register(transport.KindLAN)
	tb.SetAvailable(transport.KindLAN, true)
	for i := 0; i < 30; i++ {
		tb.RecordFailure(transport.KindLAN)
	}
	snap := tb.Snapshot()
	if snap[transport.KindLAN].Reliability != 0 {
		t.Fatalf("expected reliability floored at 0, got %d", snap[transport.KindLAN].Reliability)
	}
}

func TestPeerSupportBonusChangesOrdering(t *testing.T) {
	tb := New()
	tb.Register(transport.KindLAN)
	tb.Register(transport.KindRendezvous)
	tb.SetAvailable(transport.KindLAN, true)
	tb.SetAvailable(transport.KindRendezvous, true)
	// Drive LAN's reliability down and rendezvous's peer-support bonus up
	// so rendezvous overtakes LAN despite its lower fixed bias.
	for i := 0; i < 10; i++ {
		tb.RecordFailure(transport.KindLAN)
	}
	tb.NotePeerSupports("peer1", transport.KindRendezvous)

	primary, _, ok := tb.Select("peer1", time.Now())
	if !ok {
		t.Fatalf("expected a candidate")
	}
	if primary != transport.KindRendezvous {
		t.Fatalf("expected rendezvous_relay to win after support bonus + lan failures, got %s", primary)
	}
}

func TestRecentSuccessBonusDecaysAfterWindow(t *testing.T) {
	tb := New()
	tb.Register(transport.KindLAN)
	tb.Register(transport.KindRendezvous)
	tb.SetAvailable(transport.KindLAN, true)
	tb.SetAvailable(transport.KindRendezvous, true)
	now := time.Now()
	tb.RecordSuccess(transport.KindLAN, now.Add(-10*time.Minute))
	tb.RecordSuccess(transport.KindRendezvous, now.Add(-2*time.Minute))

	// LAN: 5 + 50 + 15 bias = 70 once its 10-minute-old success is past
	// the 300s window. Rendezvous: 5 + 50 + 15 (within 300s) + 5 bias = 75.
	primary, _, ok := tb.Select("peer1", now)
	if !ok {
		t.Fatalf("expected a candidate")
	}
	if primary != transport.KindRendezvous {
		t.Fatalf("expected rendezvous_relay to win once LAN's recency bonus has lapsed, got %s", primary)
	}
}

func TestFallbacksOrderedDescendingCappedAtThree(t *testing.T) {
	tb := New()
	kinds := []transport.Kind{transport.KindLAN, transport.KindP2PInternet, transport.KindRendezvous, transport.KindNativeBLE, transport.KindNativeWifiP}
	for _, k := range kinds {
		tb.Register(k)
		tb.SetAvailable(k, true)
	}
	primary, fallbacks, ok := tb.Select("peer1", time.Now())
	if !ok {
		t.Fatalf("expected a candidate")
	}
	if primary != transport.KindP2PInternet {
		t.Fatalf("expected p2p_internet primary by bias alone, got %s", primary)
	}
	if len(fallbacks) != 3 {
		t.Fatalf("expected exactly 3 fallbacks, got %d: %v", len(fallbacks), fallbacks)
	}
}
