package models

import "strings"

// Conversation is one direct-message thread between the current user and a peer.
type Conversation struct {
	ID          string      `json:"id"`
	Participant UserSummary `json:"participant"`
	LastMessage *Message    `json:"lastMessage,omitempty"`
	UnreadCount int         `json:"unreadCount"`

	// Pending marks a conversation synthesized locally before any message exists.
	Pending bool `json:"-"`
}

// ConversationID builds the room identifier shared by client and server: both
// participant ids sorted lexically and joined with an underscore.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

// PeerFromConversationID returns the participant of id that is not self.
// self is matched as a whole prefix or suffix, so ids may contain underscores.
func PeerFromConversationID(id, self string) (string, bool) {
	if self == "" {
		return "", false
	}
	candidates := make([]string, 0, 2)
	if rest, ok := strings.CutPrefix(id, self+"_"); ok {
		candidates = append(candidates, rest)
	}
	if rest, ok := strings.CutSuffix(id, "_"+self); ok {
		candidates = append(candidates, rest)
	}
	for _, peer := range candidates {
		if peer != "" && peer != self && ConversationID(self, peer) == id {
			return peer, true
		}
	}
	return "", false
}

// Clone returns a deep copy safe to hand to renderers.
func (c Conversation) Clone() Conversation {
	out := c
	if c.LastMessage != nil {
		last := c.LastMessage.Clone()
		out.LastMessage = &last
	}
	return out
}
