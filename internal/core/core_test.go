package core

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"meshwire/internal/config"
	"meshwire/internal/meshmodel"
	"meshwire/internal/packet"
	"meshwire/internal/rendezvous"
	"meshwire/internal/transport"
)

type recorder struct {
	mu       sync.Mutex
	received []meshmodel.Message
	statuses map[string]meshmodel.Status
}

func newRecorder() *recorder {
	return &recorder{statuses: make(map[string]meshmodel.Status)}
}

func (r *recorder) events() Events {
	return Events{
		OnMessageReceived: func(m meshmodel.Message) {
			r.mu.Lock()
			r.received = append(r.received, m)
			r.mu.Unlock()
		},
		OnMessageStatusChanged: func(id string, status meshmodel.Status) {
			r.mu.Lock()
			r.statuses[id] = status
			r.mu.Unlock()
		},
	}
}

func (r *recorder) statusOf(id string) (meshmodel.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.statuses[id]
	return s, ok
}

func (r *recorder) receivedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func newTestNode(t *testing.T, hub *transport.Hub, id string, cfg config.Options, ev Events) *Core {
	t.Helper()
	root := t.TempDir()
	if err := seedIdentity(root, id, "node-"+id); err != nil {
		t.Fatalf("seed identity: %v", err)
	}
	drv := transport.NewMemoryDriver(hub, id, transport.KindLAN)
	c, err := New(root, Options{
		Config:  cfg,
		Drivers: map[transport.Kind]transport.Driver{transport.KindLAN: drv},
		Events:  ev,
	})
	if err != nil {
		t.Fatalf("new core %s: %v", id, err)
	}
	if _, _, err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize %s: %v", id, err)
	}
	t.Cleanup(func() { _ = c.Cleanup(context.Background()) })
	return c
}

// seedIdentity writes an identity.json under root with a fixed,
// human-readable id instead of a derived one, so tests can wire up
// specific hub topologies by name. The keypair itself is unused by
// packet signing (which is a plain digest, not a signature scheme) so
// any valid ed25519 pair satisfies identity.Load's decode step.
func seedIdentity(root, id, displayName string) error {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return err
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	doc := struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
		PubKeyHex   string `json:"pub_key_hex"`
		PrivKeyHex  string `json:"priv_key_hex"`
	}{
		ID:          id,
		DisplayName: displayName,
		PubKeyHex:   hex.EncodeToString(pub),
		PrivKeyHex:  hex.EncodeToString(priv),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, "identity.json"), data, 0o600)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestThreeNodeRelayDeliversAcrossMiddleHop(t *testing.T) {
	hub := transport.NewHub()
	cfg := config.Default()

	recC := newRecorder()
	a := newTestNode(t, hub, "A", cfg, Events{})
	b := newTestNode(t, hub, "B", cfg, Events{})
	c := newTestNode(t, hub, "C", cfg, recC.events())

	hub.Link("A", "B")
	hub.Link("B", "C")

	msgID, err := a.SendMessage(context.Background(), "hello C", "C")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if !waitFor(t, 2*time.Second, func() bool { return recC.receivedCount() == 1 }) {
		t.Fatalf("expected C to receive exactly one message, got %d", recC.receivedCount())
	}
	got := recC.received[0]
	if got.Content != "hello C" || got.SenderID != "A" {
		t.Fatalf("unexpected message content/sender: %+v", got)
	}

	if !waitFor(t, 2*time.Second, func() bool {
		m, ok, err := a.store.GetMessage(msgID)
		return err == nil && ok && m.Status == meshmodel.StatusDelivered
	}) {
		t.Fatalf("expected sender to observe delivered status for %s", msgID)
	}
	_ = b
}

func TestOfflineReceiverRetryExhaustionMarksFailed(t *testing.T) {
	hub := transport.NewHub()
	cfg := config.Default()
	cfg.RetryBase = 5 * time.Millisecond
	cfg.RetryFactor = 1.0
	cfg.RetryCap = 10 * time.Millisecond
	cfg.MaxRetries = 3

	a := newTestNode(t, hub, "A", cfg, Events{})
	// D is never linked to A, so every attempt (and every retry) fails.

	msgID, err := a.SendMessage(context.Background(), "are you there", "D")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if !waitFor(t, 2*time.Second, func() bool {
		m, ok, err := a.store.GetMessage(msgID)
		return err == nil && ok && m.Status == meshmodel.StatusFailed
	}) {
		t.Fatalf("expected message to reach failed status after retry exhaustion")
	}
}

func TestElevenNodeChainRespectsDefaultTTL(t *testing.T) {
	hub := transport.NewHub()
	cfg := config.Default()

	const n = 11
	recs := make([]*recorder, n+1)
	nodes := make([]*Core, n+1)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("N%d", i)
		recs[i] = newRecorder()
		nodes[i] = newTestNode(t, hub, id, cfg, recs[i].events())
	}
	for i := 1; i < n; i++ {
		hub.Link(fmt.Sprintf("N%d", i), fmt.Sprintf("N%d", i+1))
	}

	if _, err := nodes[1].SendMessage(context.Background(), "reach the end", "N11"); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Default TTL is 10, the chain from N1 to N11 needs 9 relay
	// decrements (N2..N10 each relay once), comfortably inside budget.
	if !waitFor(t, 3*time.Second, func() bool { return recs[n].receivedCount() == 1 }) {
		t.Fatalf("expected N11 to receive the message with the default TTL budget")
	}
}

func TestElevenNodeChainDropsWhenTTLInsufficient(t *testing.T) {
	hub := transport.NewHub()
	cfg := config.Default()
	cfg.MaxTTL = 5 // far short of the 9 relay decrements the chain needs

	const n = 11
	recs := make([]*recorder, n+1)
	nodes := make([]*Core, n+1)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("M%d", i)
		recs[i] = newRecorder()
		nodes[i] = newTestNode(t, hub, id, cfg, recs[i].events())
	}
	for i := 1; i < n; i++ {
		hub.Link(fmt.Sprintf("M%d", i), fmt.Sprintf("M%d", i+1))
	}

	if _, err := nodes[1].SendMessage(context.Background(), "never arrives", "M11"); err != nil {
		t.Fatalf("send: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if recs[n].receivedCount() != 0 {
		t.Fatalf("expected M11 to never receive a packet whose TTL budget was exhausted en route")
	}
}

func TestBitFlippedPacketIsDroppedSilently(t *testing.T) {
	hub := transport.NewHub()
	cfg := config.Default()

	recB := newRecorder()
	newTestNode(t, hub, "A", cfg, Events{})
	b := newTestNode(t, hub, "B", cfg, recB.events())
	hub.Link("A", "B")

	p, err := packet.New(packet.TypeMessage, "A", "B", "original")
	if err != nil {
		t.Fatalf("build packet: %v", err)
	}
	p.Payload = "tampered-after-signing"
	data, err := packet.Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	b.engine.Receive(data, transport.KindLAN, "A")

	time.Sleep(50 * time.Millisecond)
	if recB.receivedCount() != 0 {
		t.Fatalf("expected tampered packet to be dropped silently, got %d deliveries", recB.receivedCount())
	}
}

func TestCleanupFlushesOfflinePresenceToRelay(t *testing.T) {
	srv := rendezvous.NewServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	root := t.TempDir()
	if err := seedIdentity(root, "A", "node-A"); err != nil {
		t.Fatalf("seed identity: %v", err)
	}
	c, err := New(root, Options{
		Config:    config.Default(),
		Drivers:   map[transport.Kind]transport.Driver{},
		RelayHTTP: ts.URL,
	})
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	if _, _, err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	client := rendezvous.NewClient(ts.URL)
	if err := client.UpsertPresence(context.Background(), rendezvous.PresenceRecord{DeviceID: "A", IsOnline: true}); err != nil {
		t.Fatalf("seed presence: %v", err)
	}

	if err := c.Cleanup(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	rec, err := client.GetPresence(context.Background(), "A")
	if err != nil {
		t.Fatalf("get presence: %v", err)
	}
	if rec.IsOnline {
		t.Fatalf("expected Cleanup to flush is_online=false to the relay, got %+v", rec)
	}
}
