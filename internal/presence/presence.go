// Package presence drives periodic ANNOUNCE emission and the scan-mode
// DISCOVER burst (spec.md §4.7). It emits no PING packets; inbound PING
// is handled by the routing engine. Grounded on the
// teacher's runPex ticker loop in internal/daemon/connman.go, which
// drives periodic peer-exchange the same way this package drives
// periodic self-announcement.
package presence

import (
	"context"
	"sync"
	"time"

	"meshwire/internal/meshmodel"
	"meshwire/internal/packet"
	"meshwire/internal/routing"
)

// Broadcaster is how presence packets reach the network; wired to the
// node's aggregate transport fan-out.
type Broadcaster interface {
	BroadcastPacket(p packet.Packet) error
}

// SelfDescription is this node's own presence document, sent verbatim
// in every ANNOUNCE/DISCOVER payload.
type SelfDescription struct {
	Name      string
	Kind      meshmodel.DeviceKind
	BrandHint string
	OSHint    string
}

// Runner owns the periodic announce/scan goroutines for one node.
type Runner struct {
	localID string
	self    func() SelfDescription
	out     Broadcaster

	announcePeriod time.Duration
	scanBurst      int

	mu        sync.Mutex
	scanning  bool
	knownOnce map[string]bool // peers we've already sent a responsive one-shot ANNOUNCE to

	onScanStateChanged func(bool)
}

func New(localID string, self func() SelfDescription, out Broadcaster, announcePeriod time.Duration, scanBurst int, onScanStateChanged func(bool)) *Runner {
	return &Runner{
		localID:            localID,
		self:               self,
		out:                out,
		announcePeriod:     announcePeriod,
		scanBurst:          scanBurst,
		knownOnce:          make(map[string]bool),
		onScanStateChanged: onScanStateChanged,
	}
}

// Run emits an immediate ANNOUNCE, then one every announcePeriod until
// ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.announce()
	ticker := time.NewTicker(r.announcePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.announce()
		}
	}
}

func (r *Runner) announce() {
	doc, err := routing.EncodePresence(selfDoc(r.self()))
	if err != nil {
		return
	}
	p, err := packet.New(packet.TypeAnnounce, r.localID, packet.Wildcard, doc)
	if err != nil {
		return
	}
	_ = r.out.BroadcastPacket(p)
}

// OnPeerObserved implements the spec §4.7 "one-shot ANNOUNCE on
// observing a new peer" and "responsive ANNOUNCE to a previously
// unknown peer" rules — both reduce to the same one-shot-per-peer
// gate so a flurry of DISCOVER/ANNOUNCE packets from the same peer
// never causes a reply storm.
func (r *Runner) OnPeerObserved(peerID string) {
	r.mu.Lock()
	if r.knownOnce[peerID] {
		r.mu.Unlock()
		return
	}
	r.knownOnce[peerID] = true
	r.mu.Unlock()
	r.announce()
}

// StartScanning begins the spec §4.7 scan burst: a DISCOVER every 1s
// for scanBurst seconds. It returns immediately; the burst runs on its
// own goroutine until ctx is cancelled or the burst completes.
func (r *Runner) StartScanning(ctx context.Context) {
	r.mu.Lock()
	if r.scanning {
		r.mu.Unlock()
		return
	}
	r.scanning = true
	r.mu.Unlock()
	if r.onScanStateChanged != nil {
		r.onScanStateChanged(true)
	}

	go func() {
		defer r.stopScanningInternal()
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for i := 0; i < r.scanBurst; i++ {
			if !r.IsScanning() {
				return
			}
			r.discover()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (r *Runner) discover() {
	doc, err := routing.EncodePresence(selfDoc(r.self()))
	if err != nil {
		return
	}
	p, err := packet.New(packet.TypeDiscover, r.localID, packet.Wildcard, doc)
	if err != nil {
		return
	}
	_ = r.out.BroadcastPacket(p)
}

// StopScanning ends the scan burst early.
func (r *Runner) StopScanning() {
	r.stopScanningInternal()
}

func (r *Runner) stopScanningInternal() {
	r.mu.Lock()
	was := r.scanning
	r.scanning = false
	r.mu.Unlock()
	if was && r.onScanStateChanged != nil {
		r.onScanStateChanged(false)
	}
}

func (r *Runner) IsScanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

func selfDoc(s SelfDescription) routing.PresenceDoc {
	return routing.PresenceDoc{
		Name:      s.Name,
		Kind:      s.Kind,
		BrandHint: s.BrandHint,
		OSHint:    s.OSHint,
	}
}
