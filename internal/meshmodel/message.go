package meshmodel

// Status is a Message's user-visible lifecycle state (spec §3, §7).
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
	StatusQueued    Status = "queued"
)

// Message is the application-level record of a MESSAGE packet, kept in
// the durable store and surfaced through onMessageReceived /
// onMessageStatusChanged.
type Message struct {
	ID         string   `json:"id"`
	Content    string   `json:"content"`
	SenderID   string   `json:"sender_id"`
	ReceiverID string   `json:"receiver_id"`
	Timestamp  int64    `json:"timestamp"`
	Hops       []string `json:"hops"`
	Status     Status   `json:"status"`
	RetryCount int      `json:"retry_count"`
}

// ConversationKey canonicalizes the unordered (sender, receiver) pair
// into a single indexable key (spec Glossary: "Conversation key").
func ConversationKey(a, b string) string {
	if a <= b {
		return a + ":" + b
	}
	return b + ":" + a
}
