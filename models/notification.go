package models

import "time"

// NotificationType tags what a notification is about.
type NotificationType string

const (
	NotificationComment            NotificationType = "comment"
	NotificationMessage            NotificationType = "message"
	NotificationGigApplication     NotificationType = "gig_application"
	NotificationGigPosted          NotificationType = "gig_posted"
	NotificationGigAccepted        NotificationType = "gig_accepted"
	NotificationGigRejected        NotificationType = "gig_rejected"
	NotificationLinkRequest        NotificationType = "link_request"
	NotificationConnectionAccepted NotificationType = "connection_accepted"
	NotificationLike               NotificationType = "like"
	NotificationProfileView        NotificationType = "profile_view"
	NotificationMention            NotificationType = "mention"
	NotificationFollow             NotificationType = "follow"
)

// Valid reports whether t is one of the known notification types.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationComment, NotificationMessage, NotificationGigApplication,
		NotificationGigPosted, NotificationGigAccepted, NotificationGigRejected,
		NotificationLinkRequest, NotificationConnectionAccepted, NotificationLike,
		NotificationProfileView, NotificationMention, NotificationFollow:
		return true
	default:
		return false
	}
}

// Notification is a server-pushed activity record.
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Read      bool             `json:"read"`
	SenderID  string           `json:"senderId,omitempty"`
	Sender    *UserSummary     `json:"sender,omitempty"`
	RelatedID string           `json:"relatedId,omitempty"`
	Message   string           `json:"message,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// UnreadCounts holds the three independently tracked unread counters.
type UnreadCounts struct {
	Messages      int `json:"messages"`
	LinkRequests  int `json:"linkRequests"`
	Notifications int `json:"notifications"`
}

// Total is always derived from the three counters.
func (c UnreadCounts) Total() int {
	return c.Messages + c.LinkRequests + c.Notifications
}
