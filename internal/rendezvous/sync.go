// Syncer is the store-and-forward half of spec.md §4.9: uploading
// locally unsynced messages to the relay and admitting relay-held
// messages addressed to us through the routing engine as if they had
// arrived over a transport. It is deliberately separate from the
// Driver in driver.go — the Driver only carries bytes for Send/Broadcast;
// store-and-forward is a periodic reconciliation against the relay's
// durable record store, not a byte stream.
package rendezvous

import (
	"context"
	"time"

	"meshwire/internal/meshmodel"
	"meshwire/internal/meshstore"
	"meshwire/internal/packet"
)

// Syncer drives the upload/admit reconciliation loop for one node.
type Syncer struct {
	localID string
	client  *Client
	store   *meshstore.Store
}

func NewSyncer(localID string, client *Client, store *meshstore.Store) *Syncer {
	return &Syncer{localID: localID, client: client, store: store}
}

// messageToRecord builds the relay's wire record for m. Content holds
// a fully encoded, signed MESSAGE packet rather than the bare payload
// string: this is the same wire format Driver.Send/pollLoop already
// use for every other packet that crosses the relay (ACKs included),
// so a record written here is admitted identically by AdmitPending and
// by the polling driver's OnBytes path, whichever reads it first.
func messageToRecord(m meshmodel.Message) (MessageRecord, error) {
	hops := m.Hops
	if len(hops) == 0 {
		hops = []string{m.SenderID}
	}
	p := packet.Packet{
		ID:               m.ID,
		Type:             packet.TypeMessage,
		SenderID:         m.SenderID,
		OriginalSenderID: m.SenderID,
		TargetID:         m.ReceiverID,
		Payload:          m.Content,
		Timestamp:        m.Timestamp,
		TTL:              packet.DefaultTTL,
		Hops:             hops,
	}
	if err := p.Sign(); err != nil {
		return MessageRecord{}, err
	}
	data, err := packet.Encode(p)
	if err != nil {
		return MessageRecord{}, err
	}
	return MessageRecord{
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    string(data),
		Status:     string(m.Status),
		Hops:       hops,
		CreatedAt:  time.UnixMilli(m.Timestamp),
	}, nil
}

// UploadMessage writes a single message to the relay's durable record
// store (spec §4.9: "the delivery pipeline additionally writes every
// outgoing message to the relay's durable record store"), marking it
// synced on success.
func (s *Syncer) UploadMessage(ctx context.Context, m meshmodel.Message) error {
	rec, err := messageToRecord(m)
	if err != nil {
		return err
	}
	if err := s.client.UpsertMessage(ctx, rec); err != nil {
		return err
	}
	return s.store.MarkSynced(m.ID)
}

// UploadUnsynced pushes every locally unsynced message to the relay
// (spec §4.9 "uploads locally unsynced messages"), used as a catch-up
// sweep on startup and after reconnect alongside AdmitPending.
func (s *Syncer) UploadUnsynced(ctx context.Context) error {
	unsynced, err := s.store.ListUnsynced()
	if err != nil {
		return err
	}
	for _, m := range unsynced {
		if err := s.UploadMessage(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// AdmitPending fetches every relay record addressed to localID absent
// from the local durable store and feeds each one's already-encoded
// packet bytes through admit, which the caller wires to the routing
// engine's Receive (spec §4.9: "admits them through the routing engine
// as if they had arrived over a transport, setting from_transport =
// network"). Receive performs its own decode/verify/dedup, so a
// malformed or already-seen record is dropped there, not here.
func (s *Syncer) AdmitPending(ctx context.Context, admit func(data []byte)) error {
	records, err := s.client.MessagesFor(ctx, s.localID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		exists, err := s.store.MessageExists(rec.MessageID)
		if err != nil || exists {
			continue
		}
		admit([]byte(rec.Content))
	}
	return nil
}
