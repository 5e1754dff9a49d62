package models

import "time"

const (
	MessageTypeText           = "text"
	MessageTypeFile           = "file"
	MessageTypeGigApplication = "gig_application"
)

const (
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// FileDescriptor describes an uploaded attachment.
type FileDescriptor struct {
	URL      string `json:"fileUrl"`
	Name     string `json:"fileName"`
	Size     int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
}

// ReplyReference is the denormalized message a reply points at.
type ReplyReference struct {
	MessageID string `json:"id"`
	Content   string `json:"content,omitempty"`
	SenderID  string `json:"senderId,omitempty"`
}

// Reaction is one emoji placed on a message by one user.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"userId"`
}

// Message is a single chat message as returned by the backend.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	RecipientID    string          `json:"recipientId"`
	Content        string          `json:"content"`
	MessageType    string          `json:"messageType"`
	File           *FileDescriptor `json:"file,omitempty"`
	ReplyTo        *ReplyReference `json:"replyTo,omitempty"`
	Delivered      bool            `json:"delivered"`
	Read           bool            `json:"read"`
	Reactions      []Reaction      `json:"reactions"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// ApplyStatus sets the named delivery flag. Flags are monotonic: a set flag is
// never cleared and read implies delivered. It reports whether anything changed.
func (m *Message) ApplyStatus(status string) bool {
	switch status {
	case StatusDelivered:
		if m.Delivered {
			return false
		}
		m.Delivered = true
		return true
	case StatusRead:
		if m.Read && m.Delivered {
			return false
		}
		m.Read = true
		m.Delivered = true
		return true
	default:
		return false
	}
}

// Clone returns a deep copy safe to hand to renderers.
func (m Message) Clone() Message {
	out := m
	if m.File != nil {
		file := *m.File
		out.File = &file
	}
	if m.ReplyTo != nil {
		reply := *m.ReplyTo
		out.ReplyTo = &reply
	}
	if m.Reactions != nil {
		out.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	return out
}
