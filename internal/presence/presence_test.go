package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"meshwire/internal/meshmodel"
	"meshwire/internal/packet"
)

type recordingBroadcaster struct {
	mu  sync.Mutex
	pkt []packet.Packet
}

func (r *recordingBroadcaster) BroadcastPacket(p packet.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pkt = append(r.pkt, p)
	return nil
}

func (r *recordingBroadcaster) snapshot() []packet.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]packet.Packet{}, r.pkt...)
}

func selfFn() SelfDescription {
	return SelfDescription{Name: "alice", Kind: meshmodel.DeviceKindPhone}
}

func TestRunEmitsImmediateAnnounce(t *testing.T) {
	out := &recordingBroadcaster{}
	r := New("NODEA", selfFn, out, time.Hour, 5, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	defer cancel()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && len(out.snapshot()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	pkts := out.snapshot()
	if len(pkts) != 1 || pkts[0].Type != packet.TypeAnnounce {
		t.Fatalf("expected exactly one immediate ANNOUNCE, got %v", pkts)
	}
}

func TestOnPeerObservedOnlySendsOneShotOncePerPeer(t *testing.T) {
	out := &recordingBroadcaster{}
	r := New("NODEA", selfFn, out, time.Hour, 5, nil)
	r.OnPeerObserved("NODEB")
	r.OnPeerObserved("NODEB")
	r.OnPeerObserved("NODEB")

	if len(out.snapshot()) != 1 {
		t.Fatalf("expected exactly one responsive ANNOUNCE for a repeatedly observed peer, got %d", len(out.snapshot()))
	}
}

func TestScanBurstEmitsDiscoverAtOneSecondCadence(t *testing.T) {
	out := &recordingBroadcaster{}
	r := New("NODEA", selfFn, out, time.Hour, 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartScanning(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && r.IsScanning() {
		time.Sleep(50 * time.Millisecond)
	}
	pkts := out.snapshot()
	if len(pkts) != 2 {
		t.Fatalf("expected exactly 2 DISCOVER packets over a 2s burst, got %d", len(pkts))
	}
	for _, p := range pkts {
		if p.Type != packet.TypeDiscover {
			t.Fatalf("expected only DISCOVER packets during scan burst, got %s", p.Type)
		}
	}
}

func TestStopScanningEndsBurstEarly(t *testing.T) {
	out := &recordingBroadcaster{}
	var scanStates []bool
	r := New("NODEA", selfFn, out, time.Hour, 10, func(scanning bool) {
		scanStates = append(scanStates, scanning)
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartScanning(ctx)
	time.Sleep(20 * time.Millisecond)
	r.StopScanning()

	if r.IsScanning() {
		t.Fatalf("expected scanning to stop immediately")
	}
	if len(scanStates) < 2 || scanStates[0] != true || scanStates[len(scanStates)-1] != false {
		t.Fatalf("expected scan state transitions true then false, got %v", scanStates)
	}
}
