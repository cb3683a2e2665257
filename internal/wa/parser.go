package wa

import (
	"strings"

	"github.com/matheus3301/wppdesk/internal/store"
)

// WireMessage is a message as returned by the gateway, either in a history
// page or inside a new_message frame.
type WireMessage struct {
	ID        ID     `json:"id"`
	ChatID    ID     `json:"chatId"`
	From      ID     `json:"from"`
	To        ID     `json:"to"`
	FromMe    bool   `json:"fromMe"`
	Body      string `json:"body"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Ack       *int   `json:"ack,omitempty"`
	Status    string `json:"status,omitempty"`
}

// WireChat is a chat or group entry of a snapshot page.
type WireChat struct {
	ID          ID           `json:"id"`
	Name        string       `json:"name"`
	Subject     string       `json:"subject"`
	IsGroup     bool         `json:"isGroup"`
	UnreadCount int          `json:"unreadCount"`
	Timestamp   int64        `json:"timestamp"`
	Archived    bool         `json:"archived"`
	Pinned      bool         `json:"pinned"`
	LastMessage *WireMessage `json:"lastMessage,omitempty"`
}

// ToStoreMessage converts a wire message to the canonical shape. fallbackChat
// is used when the message does not name its chat.
func (w *WireMessage) ToStoreMessage(fallbackChat string) store.Message {
	return store.Message{
		ID:        string(w.ID),
		ChatID:    w.chatID(fallbackChat),
		FromMe:    w.FromMe,
		Body:      w.Body,
		Type:      NormalizeType(w.Type),
		Timestamp: NormalizeTimestamp(w.Timestamp),
		Status:    ParseStatus(w.Status, w.Ack),
	}
}

func (w *WireMessage) chatID(fallback string) string {
	switch {
	case w.ChatID != "":
		return w.ChatID.String()
	case w.FromMe && w.To != "":
		return w.To.String()
	case !w.FromMe && w.From != "":
		return w.From.String()
	default:
		return NormalizeID(fallback)
	}
}

// ToStoreChat converts a wire chat to the canonical shape.
func (w *WireChat) ToStoreChat() store.Chat {
	id := w.ID.String()
	c := store.Chat{
		ID:          id,
		Name:        w.Name,
		IsGroup:     w.IsGroup || IsGroupID(id),
		UnreadCount: max(w.UnreadCount, 0),
		Timestamp:   NormalizeTimestamp(w.Timestamp),
		Archived:    w.Archived,
		Pinned:      w.Pinned,
	}
	if c.Name == "" {
		c.Name = w.Subject
	}
	if w.LastMessage != nil {
		last := w.LastMessage.ToStoreMessage(id)
		c.LastMessageID = last.ID
		c.LastMessagePreview = Preview(last.Body)
		if last.Timestamp > c.Timestamp {
			c.Timestamp = last.Timestamp
		}
	}
	return c
}

// NormalizeTimestamp converts gateway timestamps to unix milliseconds. Values
// below 1e12 are taken to be seconds.
func NormalizeTimestamp(ts int64) int64 {
	if ts > 0 && ts < 1_000_000_000_000 {
		return ts * 1000
	}
	return ts
}

// ParseStatus maps a textual status or a numeric ack to a DeliveryStatus.
func ParseStatus(status string, ack *int) store.DeliveryStatus {
	switch strings.ToLower(status) {
	case "sent", "server":
		return store.StatusSent
	case "delivered", "device":
		return store.StatusDelivered
	case "read", "played":
		return store.StatusRead
	case "pending":
		return store.StatusPending
	}
	if ack == nil {
		return store.StatusPending
	}
	switch {
	case *ack >= 3:
		return store.StatusRead
	case *ack == 2:
		return store.StatusDelivered
	case *ack == 1:
		return store.StatusSent
	default:
		return store.StatusPending
	}
}

// NormalizeType maps gateway message types onto a small fixed vocabulary.
func NormalizeType(t string) string {
	switch strings.ToLower(t) {
	case "chat", "text", "conversation":
		return "text"
	case "image", "video", "document", "sticker", "location":
		return strings.ToLower(t)
	case "audio", "ptt", "voice":
		return "audio"
	case "vcard", "multi_vcard", "contact":
		return "contact"
	default:
		return "unknown"
	}
}

// Preview returns the chat-list preview of a message body.
func Preview(body string) string {
	const maxRunes = 100
	r := []rune(body)
	if len(r) <= maxRunes {
		return body
	}
	return string(r[:maxRunes])
}
