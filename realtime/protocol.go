package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"giglink/models"
)

// Outbound event names.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventMessageDelivered  = "message_delivered"
	EventMessageRead       = "message_read"
)

// Inbound event names.
const (
	EventNewMessage          = "new_message"
	EventMessageReaction     = "message_reaction"
	EventMessageStatusUpdate = "message_status_update"
	EventUserTyping          = "user_typing"
	EventNewNotification     = "newNotification"
	EventConversationUpdate  = "conversation_update"
)

var (
	// ErrUnknownEvent indicates an inbound frame with an unrecognised event name.
	ErrUnknownEvent = errors.New("realtime: unknown event")
)

// Envelope is the JSON frame carried over the socket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is the closed set of inbound events delivered to subscribers.
// Only types in this package implement it.
type Event interface {
	Name() string
	isEvent()
}

// NewMessage carries a message broadcast to a conversation room.
type NewMessage struct {
	Message models.Message
}

// MessageReaction carries the authoritative reaction list of a message.
type MessageReaction struct {
	MessageID      string            `json:"messageId"`
	ConversationID string            `json:"conversationId"`
	Reactions      []models.Reaction `json:"reactions"`
}

// MessageStatusUpdate carries a delivered/read acknowledgement.
type MessageStatusUpdate struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
}

// UserTyping toggles a peer's typing indicator.
type UserTyping struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// NewNotification carries a freshly created notification record.
type NewNotification struct {
	Notification models.Notification
}

// ConversationUpdate carries a refreshed conversation row.
type ConversationUpdate struct {
	Conversation models.Conversation
}

// Connected is published locally when the socket comes up.
type Connected struct {
	// Reconnect is true when this follows a dropped connection; consumers
	// should resynchronize because events in the gap are lost.
	Reconnect bool
}

// Disconnected is published locally when the socket drops.
type Disconnected struct {
	Err error
}

func (NewMessage) Name() string          { return EventNewMessage }
func (MessageReaction) Name() string     { return EventMessageReaction }
func (MessageStatusUpdate) Name() string { return EventMessageStatusUpdate }
func (UserTyping) Name() string          { return EventUserTyping }
func (NewNotification) Name() string     { return EventNewNotification }
func (ConversationUpdate) Name() string  { return EventConversationUpdate }
func (Connected) Name() string           { return "connected" }
func (Disconnected) Name() string        { return "disconnected" }

func (NewMessage) isEvent()          {}
func (MessageReaction) isEvent()     {}
func (MessageStatusUpdate) isEvent() {}
func (UserTyping) isEvent()          {}
func (NewNotification) isEvent()     {}
func (ConversationUpdate) isEvent()  {}
func (Connected) isEvent()           {}
func (Disconnected) isEvent()        {}

// RoomPayload is the body of join/leave frames.
type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

// TypingPayload is the body of typing_start/typing_stop frames.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	RecipientID    string `json:"recipientId"`
}

// AckPayload is the body of message_delivered/message_read frames.
type AckPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// EncodeEnvelope builds a frame for an outbound event.
func EncodeEnvelope(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", event, err)
	}
	return frame, nil
}

// DecodeEvent parses an inbound frame into its typed event.
func DecodeEvent(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Event {
	case EventNewMessage:
		var msg models.Message
		if err := decodeData(env, &msg); err != nil {
			return nil, err
		}
		return NewMessage{Message: msg}, nil
	case EventMessageReaction:
		var ev MessageReaction
		if err := decodeData(env, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventMessageStatusUpdate:
		var ev MessageStatusUpdate
		if err := decodeData(env, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventUserTyping:
		var ev UserTyping
		if err := decodeData(env, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventNewNotification:
		var n models.Notification
		if err := decodeData(env, &n); err != nil {
			return nil, err
		}
		return NewNotification{Notification: n}, nil
	case EventConversationUpdate:
		var conv models.Conversation
		if err := decodeData(env, &conv); err != nil {
			return nil, err
		}
		return ConversationUpdate{Conversation: conv}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

func decodeData(env Envelope, out any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("decode %s: missing data", env.Event)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return nil
}
