// Package core assembles the mesh routing and delivery engine into a
// single owned aggregate (spec.md §9: "Global singletons in the
// source ... become explicit owned structs inside a single Core
// aggregate, constructed once per node"). Grounded on the teacher's
// daemon.Runner/Options wiring shape in internal/daemon/peer.go: one
// constructor takes a root directory plus an Options struct with
// injectable overrides for tests, and returns a ready-to-run object
// whose pieces were each built with defaults when not supplied.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"meshwire/internal/config"
	"meshwire/internal/delivery"
	"meshwire/internal/identity"
	"meshwire/internal/meshmodel"
	"meshwire/internal/meshstore"
	"meshwire/internal/meshwireerr"
	"meshwire/internal/metrics"
	"meshwire/internal/packet"
	"meshwire/internal/presence"
	"meshwire/internal/registry"
	"meshwire/internal/rendezvous"
	"meshwire/internal/routing"
	"meshwire/internal/seenset"
	"meshwire/internal/selector"
	"meshwire/internal/transport"
)

// Events is the small typed observer record spec §9 calls for:
// callers register closures at construction; there is no runtime
// lookup by string key on the hot path.
type Events struct {
	OnDeviceDiscovered        func(meshmodel.Device)
	OnDeviceUpdated           func(meshmodel.Device)
	OnDeviceLost              func(deviceID string)
	OnMessageReceived         func(meshmodel.Message)
	OnMessageStatusChanged    func(messageID string, status meshmodel.Status)
	OnScanStateChanged        func(bool)
	OnConnectionStatusChanged func(isOnline bool, available []transport.Kind)
}

// Options lets callers override any owned component for testing,
// mirroring the teacher's Options{Store, Checker, Metrics} pattern.
type Options struct {
	Config    config.Options
	Store     *meshstore.Store
	Metrics   *metrics.Metrics
	Drivers   map[transport.Kind]transport.Driver
	Events    Events
	RelayHTTP string // base URL of a rendezvous relay, empty to disable
}

// Core is the single aggregate owning every mesh engine component for
// one node (spec §9).
type Core struct {
	root   string
	cfg    config.Options
	events Events

	identity         *identity.Identity
	store            *meshstore.Store
	metrics          *metrics.Metrics
	sel              *selector.Table
	reg              *registry.Registry
	engine           *routing.Engine
	pipeline         *delivery.Pipeline
	presence         *presence.Runner
	syncer           *rendezvous.Syncer
	rendezvousClient *rendezvous.Client

	drivers map[transport.Kind]transport.Driver

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// New constructs a Core rooted at root, initializing identity on disk
// (spec §6 initialize()) and wiring every component together.
// Identity failures bubble to the caller, per spec §7.
func New(root string, opts Options) (*Core, error) {
	id, err := identity.Load(root, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", meshwireerr.ErrIdentityUnavailable, err)
	}

	cfg := opts.Config
	if cfg == (config.Options{}) {
		cfg = config.FromEnv()
	}
	st := opts.Store
	if st == nil {
		st, err = meshstore.New(root)
		if err != nil {
			return nil, err
		}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	c := &Core{
		root:    root,
		cfg:     cfg,
		events:  opts.Events,
		identity: id,
		store:   st,
		metrics: m,
		sel:     selector.New(),
		reg: registry.New(registry.Callbacks{
			OnDiscovered: opts.Events.OnDeviceDiscovered,
			OnUpdated:    opts.Events.OnDeviceUpdated,
			OnLost:       opts.Events.OnDeviceLost,
		}),
		drivers: opts.Drivers,
	}
	if c.drivers == nil {
		c.drivers = make(map[transport.Kind]transport.Driver)
	}
	for kind := range c.drivers {
		c.sel.Register(kind)
	}

	if opts.RelayHTTP != "" {
		client := rendezvous.NewClient(opts.RelayHTTP)
		c.rendezvousClient = client
		c.syncer = rendezvous.NewSyncer(id.ID, client, st)
		if _, ok := c.drivers[transport.KindRendezvous]; !ok {
			c.drivers[transport.KindRendezvous] = rendezvous.NewDriver(client, id.ID)
			c.sel.Register(transport.KindRendezvous)
		}
	}

	c.engine = routing.New(id.ID, seenset.New(cfg.SeenSetHigh, cfg.SeenSetLow), st, c.reg,
		&outboundAdapter{core: c}, m,
		routing.Events{
			OnMessageReceived:      opts.Events.OnMessageReceived,
			OnMessageStatusChanged: opts.Events.OnMessageStatusChanged,
			OnPeerObserved:         func(desc transport.PeerDescriptor, via transport.Kind) { c.presence.OnPeerObserved(desc.ID) },
		},
		func(packetID string) { c.pipeline.OnAck(packetID) },
	)
	c.pipeline = delivery.New(id.ID, cfg, st, c.sel, &emitterAdapter{core: c}, m,
		delivery.Events{OnMessageStatusChanged: opts.Events.OnMessageStatusChanged})
	if c.syncer != nil {
		c.pipeline.SetUploader(c.syncer)
	}
	c.presence = presence.New(id.ID, func() presence.SelfDescription {
		return presence.SelfDescription{Name: id.DisplayName, Kind: meshmodel.DeviceKindUnknown}
	}, &presenceAdapter{core: c}, cfg.AnnouncePeriod, cfg.ScanAnnounceBurst, opts.Events.OnScanStateChanged)

	return c, nil
}

// Initialize starts every driver and background loop (presence,
// registry sweep, pending-retry restore) and returns the node's
// identity, matching the spec §6 initialize() command.
func (c *Core) Initialize(ctx context.Context) (deviceID, deviceName string, err error) {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	for kind, drv := range c.drivers {
		kind := kind
		drv := drv
		if err := drv.Start(runCtx, transport.Callbacks{
			OnPeerObserved: func(p transport.PeerDescriptor) {
				c.reg.Observe(p, kind, time.Now())
				c.presence.OnPeerObserved(p.ID)
			},
			OnBytes: func(peerID string, data []byte) {
				c.engine.Receive(data, kind, peerID)
			},
			OnPeerLost: func(peerID string) {
				if c.events.OnDeviceLost != nil {
					c.events.OnDeviceLost(peerID)
				}
			},
			OnAvailableChanged: func(available bool) {
				c.sel.SetAvailable(kind, available)
				if available {
					c.pipeline.DrainOnReconnect(runCtx)
					if kind == transport.KindRendezvous {
						go c.syncRendezvous(runCtx)
					}
				}
			},
		}); err != nil {
			return "", "", err
		}
	}

	if err := c.pipeline.LoadPendingFromStore(); err != nil {
		return "", "", err
	}
	go c.reg.RunSweeper(c.cfg.RegistrySweepInterval, c.cfg.SoftPeerTimeoutLocal, c.cfg.SoftPeerTimeoutRemote, c.cfg.HardPeerTimeout, runCtx.Done())
	go c.presence.Run(runCtx)
	if c.syncer != nil {
		go c.syncRendezvous(runCtx)
	}

	return c.identity.ID, c.identity.DisplayName, nil
}

// syncRendezvous implements spec §4.9's "on startup and after
// reconnect" reconciliation: admit every relay record addressed to
// this node through the routing engine, then upload whatever messages
// are still unsynced. Best-effort; a relay that is briefly unreachable
// is retried on the next sync, not treated as fatal.
func (c *Core) syncRendezvous(ctx context.Context) {
	if c.syncer == nil {
		return
	}
	_ = c.syncer.AdmitPending(ctx, func(data []byte) {
		c.engine.Receive(data, transport.KindRendezvous, "relay")
	})
	_ = c.syncer.UploadUnsynced(ctx)
}

// SetDeviceName implements spec §6 set_device_name(name).
func (c *Core) SetDeviceName(name string) error {
	return c.identity.SetDisplayName(c.root, name)
}

func (c *Core) StartScanning(ctx context.Context) { c.presence.StartScanning(ctx) }
func (c *Core) StopScanning()                     { c.presence.StopScanning() }

// SendMessage implements spec §6 send_message(content, receiver_id).
func (c *Core) SendMessage(ctx context.Context, content, receiverID string) (string, error) {
	return c.pipeline.Send(ctx, content, receiverID)
}

// SendTypingIndicator implements spec §6
// send_typing_indicator(receiver_id, bool) by setting IsTyping on
// receiverID's record in the local peer registry. No packet or relay
// record is sent, so the receiver is not notified.
func (c *Core) SendTypingIndicator(receiverID string, typing bool) {
	c.reg.MarkTyping(receiverID, typing)
}

// RetryMessage implements spec §6 retry_message(message_id) → bool.
func (c *Core) RetryMessage(messageID string) bool {
	return c.pipeline.RetryNow(messageID)
}

// Devices returns the current peer registry snapshot.
func (c *Core) Devices() []meshmodel.Device { return c.reg.List() }

// Metrics exposes the shared metrics recorder, e.g. for a periodic
// snapshot writer in the host process.
func (c *Core) Metrics() *metrics.Metrics { return c.metrics }

// DeviceID returns this node's persisted identifier.
func (c *Core) DeviceID() string { return c.identity.ID }

// Cleanup implements spec §6 cleanup() / §5 cancellation: stop all
// retry timers, best-effort offline presence to the relay, stop every
// driver, drop in-memory state. Durable writes already complete
// synchronously in this implementation, so there is nothing further
// to flush.
func (c *Core) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	c.pipeline.Stop()
	if c.syncer != nil {
		_ = c.syncer.UploadUnsynced(ctx)
	}
	if c.rendezvousClient != nil {
		_ = c.rendezvousClient.UpsertPresence(ctx, rendezvous.PresenceRecord{
			DeviceID:      c.identity.ID,
			IsOnline:      false,
			LastHeartbeat: time.Now(),
		})
	}
	for _, drv := range c.drivers {
		_ = drv.Stop()
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// outboundAdapter satisfies routing.Outbound by fanning packets out
// across every driver, including the one the packet arrived on.
type outboundAdapter struct{ core *Core }

// BroadcastExcept fans a relay copy out on every available transport.
// The Driver contract's Broadcast(data) has no per-peer exclusion
// parameter (spec §4.8's broadcast is "fan-out to all currently
// reachable peers on this transport", full stop), so the
// arrived-on-pair exclusion spec §4.4 step 5 describes as a ping-pong
// optimization cannot be expressed at this layer — cycle correctness
// instead rests entirely on the hop list, seen-set, and
// original_sender_id check, which the spec itself calls "the general
// cycle guard." arrivedVia/arrivedFrom are accepted to satisfy
// routing.Outbound but intentionally unused.
func (a *outboundAdapter) BroadcastExcept(data []byte, arrivedVia transport.Kind, arrivedFrom string) error {
	var firstErr error
	for _, drv := range a.core.drivers {
		if err := drv.Broadcast(data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendPacket emits a single packet — an ACK or a responsive ANNOUNCE —
// addressed to targetID. Flooding transports (LAN/P2P-internet/BLE)
// have no concept of addressing one peer independent of their
// neighbor set, so the packet is broadcast on them and relies on
// target_id matching at the eventual recipient; the rendezvous relay
// genuinely is peer-addressed (its store is keyed by receiver_id), so
// it uses Send directly instead.
func (a *outboundAdapter) SendPacket(p packet.Packet, targetID string) error {
	data, err := packet.Encode(p)
	if err != nil {
		return err
	}
	primary, fallbacks, ok := a.core.sel.Select(targetID, time.Now())
	if !ok {
		return fmt.Errorf("%w: no transport for %s", meshwireerr.ErrTransportUnavailable, targetID)
	}
	for _, kind := range append([]transport.Kind{primary}, fallbacks...) {
		drv, ok := a.core.drivers[kind]
		if !ok {
			continue
		}
		var sendErr error
		if kind == transport.KindRendezvous {
			sendErr = drv.Send(context.Background(), targetID, data)
		} else {
			sendErr = drv.Broadcast(data)
		}
		if sendErr == nil {
			a.core.sel.RecordSuccess(kind, time.Now())
			return nil
		}
		a.core.sel.RecordFailure(kind)
	}
	return fmt.Errorf("%w: all transports failed for %s", meshwireerr.ErrTransportUnavailable, targetID)
}

// emitterAdapter satisfies delivery.Emitter by dispatching to the
// driver registered for the chosen kind. Flooding transports have no
// per-peer addressing below Broadcast; only the rendezvous relay is
// genuinely peer-addressed, so it alone uses Send.
type emitterAdapter struct{ core *Core }

func (a *emitterAdapter) EmitOn(ctx context.Context, kind transport.Kind, targetID string, data []byte) error {
	drv, ok := a.core.drivers[kind]
	if !ok {
		return fmt.Errorf("%w: no driver registered for %s", meshwireerr.ErrTransportUnavailable, kind)
	}
	if kind == transport.KindRendezvous && targetID != packet.Wildcard {
		return drv.Send(ctx, targetID, data)
	}
	return drv.Broadcast(data)
}

// presenceAdapter satisfies presence.Broadcaster.
type presenceAdapter struct{ core *Core }

func (a *presenceAdapter) BroadcastPacket(p packet.Packet) error {
	data, err := packet.Encode(p)
	if err != nil {
		return err
	}
	var firstErr error
	for _, drv := range a.core.drivers {
		if err := drv.Broadcast(data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
