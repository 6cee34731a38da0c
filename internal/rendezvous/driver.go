package rendezvous

import (
	"context"
	"fmt"
	"time"

	"meshwire/internal/debuglog"
	"meshwire/internal/meshwireerr"
	"meshwire/internal/transport"
)

// Driver adapts the relay into the transport.Driver contract (spec
// §4.8(c)): Send pushes a one-off "signal" record rather than opening
// a byte stream, Broadcast is a no-op, and a background poll loop is the only
// source of inbound bytes. It is deliberately low-fidelity compared
// to QUICDriver/LANDriver — the relay's real job is store-and-forward
// (Syncer), not a live channel — but peers that are briefly reachable
// only via the relay still get at-least-once delivery through it.
type Driver struct {
	client     *Client
	localID    string
	pollPeriod time.Duration

	cb   transport.Callbacks
	stop chan struct{}
}

func NewDriver(client *Client, localID string) *Driver {
	return &Driver{client: client, localID: localID, pollPeriod: 5 * time.Second}
}

func (d *Driver) Kind() transport.Kind { return transport.KindRendezvous }

func (d *Driver) Start(ctx context.Context, cb transport.Callbacks) error {
	d.cb = cb
	d.stop = make(chan struct{})
	if cb.OnAvailableChanged != nil {
		cb.OnAvailableChanged(true)
	}
	go d.pollLoop(ctx)
	return nil
}

func (d *Driver) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.pollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			records, err := d.client.MessagesFor(ctx, d.localID)
			if err != nil {
				debuglog.RateLimitedf("rendezvous-poll", 30*time.Second, "rendezvous poll failed: %v", err)
				continue
			}
			for _, rec := range records {
				if d.cb.OnBytes != nil {
					d.cb.OnBytes(rec.SenderID, []byte(rec.Content))
				}
			}
		}
	}
}

func (d *Driver) Stop() error {
	if d.stop != nil {
		close(d.stop)
	}
	if d.cb.OnAvailableChanged != nil {
		d.cb.OnAvailableChanged(false)
	}
	return nil
}

// Broadcast has no meaningful relay analogue (there is no roster of
// "currently connected peers" on a store-and-forward channel); it is a
// no-op that satisfies the Driver contract without pretending to fan
// out to anyone.
func (d *Driver) Broadcast(data []byte) error { return nil }

func (d *Driver) Send(ctx context.Context, peerID string, data []byte) error {
	rec := MessageRecord{
		MessageID:  fmt.Sprintf("%s-signal-%d", peerID, time.Now().UnixNano()),
		SenderID:   d.localID,
		ReceiverID: peerID,
		Content:    string(data),
		Status:     "queued",
		CreatedAt:  time.Now(),
	}
	if err := d.client.UpsertMessage(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", meshwireerr.ErrTransportUnavailable, err)
	}
	return nil
}
