package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// ChatMessage is a chat message as it travels through the broker and the
// pending buffers. Timestamp is milliseconds since the epoch, kept as a
// string so it survives JSON round trips without precision loss.
type ChatMessage struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id,omitempty"`
	RoomID     string `json:"chatroom_id"`
	Text       string `json:"text"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// IsDirect reports whether the message targets a single receiver instead of the whole room.
func (m ChatMessage) IsDirect() bool {
	return m.ReceiverID != ""
}

// ExternalMessage is the body sent to the persistence service before publishing.
type ExternalMessage struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Text       string `json:"text"`
}

// NotificationPayload is routed through the notification exchange, one queue per user.
type NotificationPayload struct {
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Receiver  string         `json:"receiver,omitempty"`
	Sender    string         `json:"sender,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// IsDirect reports whether the notification targets a single receiver.
func (n NotificationPayload) IsDirect() bool {
	return n.Receiver != ""
}

// ClientChatFrame is what a browser sends over the chat socket.
type ClientChatFrame struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id,omitempty"`
	Text       string `json:"text"`
}

// ClientNotificationFrame is what a browser sends over the notification socket.
type ClientNotificationFrame struct {
	Type     string         `json:"type"`
	Content  string         `json:"content"`
	Receiver string         `json:"receiver,omitempty"`
	Sender   string         `json:"sender,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FrameType tags a ServerFrame.
type FrameType string

const (
	FrameMessage      FrameType = "message"
	FrameError        FrameType = "error"
	FrameNotification FrameType = "notification"
)

// ServerFrame is the envelope for everything written to a client socket.
// Payload is kept encoded so frames can be buffered and replayed verbatim.
type ServerFrame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewChatMessage builds the broker message for a validated client frame.
func NewChatMessage(roomID string, f ClientChatFrame, now time.Time) ChatMessage {
	return ChatMessage{
		SenderID:   f.SenderID,
		ReceiverID: f.ReceiverID,
		RoomID:     roomID,
		Text:       f.Text,
		Timestamp:  strconv.FormatInt(now.UnixMilli(), 10),
	}
}

// NewNotification stamps a client notification frame with the server time.
func NewNotification(f ClientNotificationFrame, now time.Time) NotificationPayload {
	return NotificationPayload{
		Type:      f.Type,
		Content:   f.Content,
		Receiver:  f.Receiver,
		Sender:    f.Sender,
		Metadata:  f.Metadata,
		Timestamp: now.UTC(),
	}
}

func NewMessageFrame(msg ChatMessage) (ServerFrame, error) {
	return newFrame(FrameMessage, msg)
}

func NewNotificationFrame(n NotificationPayload) (ServerFrame, error) {
	return newFrame(FrameNotification, n)
}

// NewErrorFrame never fails: a string always marshals.
func NewErrorFrame(text string) ServerFrame {
	f, _ := newFrame(FrameError, text)
	return f
}

func newFrame(t FrameType, payload any) (ServerFrame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ServerFrame{}, err
	}
	return ServerFrame{Type: t, Payload: raw}, nil
}
