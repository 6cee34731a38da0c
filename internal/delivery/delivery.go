// Package delivery implements the user-facing send/receive pipeline
// (spec.md §4.5): message status lifecycle, pending-retry bookkeeping
// with exponential backoff, and reconnect drain. Grounded on the
// teacher's connMan retry/backoff scheduler (internal/daemon/connman.go
// markFailure/nextBackoffDurationWithCap), generalized from "redial a
// peer address" to "re-emit a message packet via the selector."
package delivery

import (
	"context"
	"sync"
	"time"

	"meshwire/internal/config"
	"meshwire/internal/meshmodel"
	"meshwire/internal/meshstore"
	"meshwire/internal/metrics"
	"meshwire/internal/packet"
	"meshwire/internal/selector"
	"meshwire/internal/transport"
)

// Emitter is how the pipeline actually puts bytes on the wire for a
// chosen transport kind. Implementations own the concrete Driver set.
type Emitter interface {
	EmitOn(ctx context.Context, kind transport.Kind, targetID string, data []byte) error
}

// Uploader mirrors a message into the rendezvous relay's durable
// record store, independent of whichever transport actually carries
// the packet (spec §4.9: "the delivery pipeline additionally writes
// every outgoing message to the relay's durable record store").
type Uploader interface {
	UploadMessage(ctx context.Context, m meshmodel.Message) error
}

// Events mirrors the application-facing callbacks from spec §6 that
// the delivery pipeline is responsible for raising.
type Events struct {
	OnMessageStatusChanged func(messageID string, status meshmodel.Status)
}

type pendingEntry struct {
	message     meshmodel.Message
	packet      packet.Packet
	retries     int
	lastAttempt time.Time
	timer       *time.Timer
}

// Pipeline is the delivery pipeline for one node.
type Pipeline struct {
	localID string
	cfg     config.Options

	store    *meshstore.Store
	sel      *selector.Table
	emitter  Emitter
	uploader Uploader
	metrics  *metrics.Metrics
	events   Events

	mu      sync.Mutex
	pending map[string]*pendingEntry // packetID -> entry
	stopped bool
}

func New(localID string, cfg config.Options, store *meshstore.Store, sel *selector.Table, emitter Emitter, m *metrics.Metrics, events Events) *Pipeline {
	return &Pipeline{
		localID: localID,
		cfg:     cfg,
		store:   store,
		sel:     sel,
		emitter: emitter,
		metrics: m,
		events:  events,
		pending: make(map[string]*pendingEntry),
	}
}

// SetUploader wires an optional relay uploader, used when the
// rendezvous relay is configured; nil disables the relay mirror.
func (p *Pipeline) SetUploader(u Uploader) { p.uploader = u }

// Send implements spec §4.5 step 1-3: build, persist, attempt, and
// fall back to the pending-retry queue on total failure.
func (p *Pipeline) Send(ctx context.Context, content, receiverID string) (string, error) {
	pk, err := packet.NewWithTTL(packet.TypeMessage, p.localID, receiverID, content, p.cfg.MaxTTL)
	if err != nil {
		return "", err
	}
	msg := meshmodel.Message{
		ID:         pk.ID,
		Content:    content,
		SenderID:   p.localID,
		ReceiverID: receiverID,
		Timestamp:  pk.Timestamp,
		Hops:       append([]string{}, pk.Hops...),
		Status:     meshmodel.StatusSending,
	}
	if err := p.store.UpsertMessage(msg, false); err != nil {
		return "", err
	}
	p.metrics.IncDeliverySent()
	if p.uploader != nil {
		_ = p.uploader.UploadMessage(ctx, msg) // best-effort; relay unreachability never blocks a send
	}

	if p.attempt(ctx, pk) {
		p.setStatus(&msg, meshmodel.StatusSent)
		p.registerPending(pk, msg)
		return pk.ID, nil
	}

	p.setStatus(&msg, meshmodel.StatusQueued)
	p.metrics.IncDeliveryQueued()
	rec := meshstore.PendingRecord{ID: pk.ID, Message: msg, Retries: 0, LastAttempt: time.Now()}
	if err := p.store.UpsertPending(rec); err != nil {
		return "", err
	}
	p.mu.Lock()
	p.pending[pk.ID] = &pendingEntry{message: msg, packet: pk, retries: 0, lastAttempt: rec.LastAttempt}
	p.mu.Unlock()
	return pk.ID, nil
}

// attempt tries every candidate transport in selector order, returning
// true on first success and recording success/failure on the table.
func (p *Pipeline) attempt(ctx context.Context, pk packet.Packet) bool {
	data, err := packet.Encode(pk)
	if err != nil {
		return false
	}
	primary, fallbacks, ok := p.sel.Select(pk.TargetID, time.Now())
	if !ok {
		return false
	}
	order := append([]transport.Kind{primary}, fallbacks...)
	for _, kind := range order {
		if err := p.emitter.EmitOn(ctx, kind, pk.TargetID, data); err == nil {
			p.sel.RecordSuccess(kind, time.Now())
			return true
		}
		p.sel.RecordFailure(kind)
	}
	return false
}

func (p *Pipeline) registerPending(pk packet.Packet, msg meshmodel.Message) {
	now := time.Now()
	entry := &pendingEntry{message: msg, packet: pk, retries: 0, lastAttempt: now}
	p.mu.Lock()
	p.pending[pk.ID] = entry
	p.mu.Unlock()
	_ = p.store.UpsertPending(meshstore.PendingRecord{ID: pk.ID, Message: msg, Retries: 0, LastAttempt: now})
	p.armTimer(entry)
}

func (p *Pipeline) armTimer(entry *pendingEntry) {
	delay := p.cfg.RetryDelay(entry.retries)
	entry.timer = time.AfterFunc(delay, func() { p.onRetryFire(entry.packet.ID) })
}

// onRetryFire implements spec §4.5's retry policy.
func (p *Pipeline) onRetryFire(packetID string) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	entry, ok := p.pending[packetID]
	if !ok {
		p.mu.Unlock()
		return // ACK already arrived; OnAck removed the entry and cancelled the timer
	}
	entry.retries++
	entry.message.RetryCount = entry.retries
	p.metrics.IncDeliveryRetries()
	if entry.retries >= p.cfg.MaxRetries {
		delete(p.pending, packetID)
		p.mu.Unlock()
		p.setStatus(&entry.message, meshmodel.StatusFailed)
		p.metrics.IncDeliveryFailed()
		_ = p.store.RemovePending(packetID)
		return
	}
	entry.lastAttempt = time.Now()
	p.mu.Unlock()

	p.attempt(context.Background(), entry.packet)
	_ = p.store.UpsertPending(meshstore.PendingRecord{ID: packetID, Message: entry.message, Retries: entry.retries, LastAttempt: entry.lastAttempt})
	p.armTimer(entry)
}

// OnAck cancels the retry timer and marks the message delivered; wired
// to the routing engine's onAckMatched hook.
func (p *Pipeline) OnAck(packetID string) {
	p.mu.Lock()
	entry, ok := p.pending[packetID]
	if ok {
		delete(p.pending, packetID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	p.setStatus(&entry.message, meshmodel.StatusDelivered)
	p.metrics.IncDeliveryDone()
	_ = p.store.RemovePending(packetID)
}

func (p *Pipeline) setStatus(msg *meshmodel.Message, status meshmodel.Status) {
	msg.Status = status
	_ = p.store.UpsertMessage(*msg, status != meshmodel.StatusSending && status != meshmodel.StatusQueued)
	if p.events.OnMessageStatusChanged != nil {
		p.events.OnMessageStatusChanged(msg.ID, status)
	}
}

// RetryNow forces an immediate retry attempt for messageID, used by the
// application-facing retry_message command (spec §6).
func (p *Pipeline) RetryNow(messageID string) bool {
	p.mu.Lock()
	_, ok := p.pending[messageID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.onRetryFire(messageID)
	return true
}

// DrainOnReconnect re-emits every pending entry whose last attempt
// predates the reconnect-drain floor (spec §4.5), avoiding a thundering
// herd when a transport flips back to available.
func (p *Pipeline) DrainOnReconnect(ctx context.Context) {
	floor := p.cfg.ReconnectDrainFloor
	now := time.Now()

	p.mu.Lock()
	var due []string
	for id, entry := range p.pending {
		if now.Sub(entry.lastAttempt) >= floor {
			due = append(due, id)
		}
	}
	p.mu.Unlock()

	for _, id := range due {
		p.mu.Lock()
		entry, ok := p.pending[id]
		p.mu.Unlock()
		if !ok {
			continue
		}
		if entry.timer != nil {
			entry.timer.Stop()
		}
		p.onRetryFire(id)
	}
}

// LoadPendingFromStore restores pending-retry entries after a restart
// (part of spec §8's "cleanup then initialize preserves messages").
func (p *Pipeline) LoadPendingFromStore() error {
	recs, err := p.store.ListPending()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range recs {
		pk, err := packet.New(packet.TypeMessage, p.localID, rec.Message.ReceiverID, rec.Message.Content)
		if err != nil {
			continue
		}
		pk.ID = rec.ID
		pk.Hops = rec.Message.Hops
		if err := pk.Sign(); err != nil {
			continue
		}
		entry := &pendingEntry{message: rec.Message, packet: pk, retries: rec.Retries, lastAttempt: rec.LastAttempt}
		p.pending[rec.ID] = entry
		p.armTimer(entry)
	}
	return nil
}

// Stop cancels every retry timer without touching durable state,
// matching spec §5's cancellation contract.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for _, entry := range p.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
}
