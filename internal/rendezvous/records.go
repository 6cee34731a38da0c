// Package rendezvous implements the network-backed relay contract
// from spec.md §4.9 and §6: an HTTP record store (devices, messages,
// presence, each an idempotent upsert keyed by id) plus a client the
// delivery pipeline uses for store-and-forward to offline peers.
// Grounded on the gorilla/mux router + JSON handler shape from the
// retrieval pack's handlers package, generalized from REST resource
// handlers to the three record kinds the spec names.
package rendezvous

import "time"

// DeviceRecord mirrors the relay's devices table (spec §6).
type DeviceRecord struct {
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	DeviceType string    `json:"device_type"`
	IsOnline   bool      `json:"is_online"`
	LastSeen   time.Time `json:"last_seen"`
}

// MessageRecord mirrors the relay's messages table (spec §6).
type MessageRecord struct {
	MessageID  string    `json:"message_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content"`
	Status     string    `json:"status"`
	Hops       []string  `json:"hops"`
	CreatedAt  time.Time `json:"created_at"`
}

// PresenceRecord mirrors the relay's presence table (spec §6).
type PresenceRecord struct {
	DeviceID      string    `json:"device_id"`
	IsOnline      bool      `json:"is_online"`
	IsTyping      bool      `json:"is_typing"`
	TypingTo      string    `json:"typing_to,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}
