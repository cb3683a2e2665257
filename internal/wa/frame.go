package wa

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType names a push-channel frame.
type FrameType string

const (
	FrameAuth          FrameType = "auth"
	FrameNewMessage    FrameType = "new_message"
	FrameMessageStatus FrameType = "message_status"
	FrameTyping        FrameType = "typing"
	FramePresence      FrameType = "presence"
	FrameConnection    FrameType = "connection"
	FrameError         FrameType = "error"
	FramePing          FrameType = "ping"
	FramePong          FrameType = "pong"
)

// Frame is the envelope of every push-channel message in both directions.
type Frame struct {
	Type      FrameType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Known reports whether t is one of the frame types the server may send.
func (t FrameType) Known() bool {
	switch t {
	case FrameNewMessage, FrameMessageStatus, FrameTyping, FramePresence,
		FrameConnection, FrameError, FramePing, FramePong:
		return true
	}
	return false
}

// ParseFrame decodes a raw push-channel frame.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

// NewFrame builds an outbound frame with data marshaled to JSON.
func NewFrame(t FrameType, data any) ([]byte, error) {
	f := Frame{Type: t, Timestamp: time.Now().UnixMilli()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s frame: %w", t, err)
		}
		f.Data = raw
	}
	return json.Marshal(f)
}

// AuthData is the payload of the handshake frame sent right after open.
type AuthData struct {
	Token string `json:"token"`
}

// PingData carries the id echoed back in the pong.
type PingData struct {
	ID string `json:"id"`
}

// StatusData is the payload of a message_status frame.
type StatusData struct {
	ChatID    ID     `json:"chatId"`
	MessageID ID     `json:"messageId"`
	Status    string `json:"status"`
	Ack       *int   `json:"ack,omitempty"`
}

// TypingData is the payload of a typing frame.
type TypingData struct {
	ChatID   ID   `json:"chatId"`
	From     ID   `json:"from"`
	IsTyping bool `json:"isTyping"`
}

// PresenceData is the payload of a presence frame.
type PresenceData struct {
	ChatID ID     `json:"chatId"`
	Status string `json:"status"`
}

// ConnectionData reports the gateway's own link to WhatsApp.
type ConnectionData struct {
	Status string `json:"status"`
	QR     string `json:"qr,omitempty"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Decode unmarshals the frame data into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no data", f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", f.Type, err)
	}
	return nil
}
