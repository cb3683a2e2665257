package bus

import "time"

// Event kinds. Subscribers filter by prefix, so every kind lives in a namespace.
const (
	KindPushPrefix = "push."

	KindSessionStatus = "session.status_changed"
	KindSessionQR     = "session.qr"
	KindSessionError  = "session.error"

	KindMessageDelta    = "message.delta"
	KindMessageStatus   = "message.status"
	KindMessageSendAck  = "message.send_ack"
	KindMessageSendFail = "message.send_failed"

	KindChatsUpdated = "chat.updated"
	KindChatTyping   = "chat.typing"
	KindChatPresence = "chat.presence"

	KindAssignAccepted = "assign.accepted"
	KindAssignRejected = "assign.rejected"
	KindAssignExpired  = "assign.expired"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
