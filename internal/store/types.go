package store

// DeliveryStatus is the gateway-reported state of a message.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// Rank orders statuses so they only ever advance. Unknown statuses rank lowest.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Chat is a conversation thread, individual or group.
type Chat struct {
	ID                 string
	Name               string
	IsGroup            bool
	UnreadCount        int
	Timestamp          int64 // unix ms of the last activity
	Archived           bool
	Pinned             bool
	LastMessageID      string
	LastMessagePreview string
	PictureURL         string
}

// Message is the canonical message shape. IDs are unique within a chat.
type Message struct {
	ID        string
	ChatID    string
	FromMe    bool
	Body      string
	Type      string
	Timestamp int64 // unix ms
	Status    DeliveryStatus
}

// OutboxEntry records one outgoing send attempt.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	ChatID       string
	Body         string
	Status       string // queued, sent, failed
	ErrorMessage string
	ServerMsgID  string
}
