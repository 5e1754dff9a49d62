package devserver

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"giglink/models"
)

var (
	errNotFound  = errors.New("not found")
	errForbidden = errors.New("forbidden")
)

type storedUpload struct {
	descriptor models.FileDescriptor
	data       []byte
}

// store is the in-memory state of the development backend.
type store struct {
	mu sync.RWMutex

	users         map[string]models.UserSummary
	tokens        map[string]string
	conversations map[string][]*models.Message
	byID          map[string]*models.Message
	notifications map[string][]*models.Notification
	pendingLinks  map[string]int
	uploads       map[string]storedUpload

	now func() time.Time
}

func newStore() *store {
	return &store{
		users:         make(map[string]models.UserSummary),
		tokens:        make(map[string]string),
		conversations: make(map[string][]*models.Message),
		byID:          make(map[string]*models.Message),
		notifications: make(map[string][]*models.Notification),
		pendingLinks:  make(map[string]int),
		uploads:       make(map[string]storedUpload),
		now:           time.Now,
	}
}

func (s *store) addUser(user models.UserSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
}

func (s *store) user(id string) (models.UserSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

func (s *store) issueToken(userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return "", errNotFound
	}
	token := uuid.NewString()
	s.tokens[token] = userID
	return token, nil
}

func (s *store) revokeToken(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[token]; !ok {
		return false
	}
	delete(s.tokens, token)
	return true
}

func (s *store) userForToken(token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[token]
	return id, ok
}

func (s *store) appendMessage(msg models.Message) models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.ID = ulid.Make().String()
	msg.ConversationID = models.ConversationID(msg.SenderID, msg.RecipientID)
	msg.CreatedAt = s.now().UTC()
	if msg.Reactions == nil {
		msg.Reactions = []models.Reaction{}
	}

	stored := msg.Clone()
	s.conversations[msg.ConversationID] = append(s.conversations[msg.ConversationID], &stored)
	s.byID[msg.ID] = &stored
	return stored.Clone()
}

func (s *store) messages(conversationID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.conversations[conversationID]
	out := make([]models.Message, 0, len(list))
	for _, msg := range list {
		out = append(out, msg.Clone())
	}
	return out
}

func (s *store) message(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.byID[id]
	if !ok {
		return models.Message{}, false
	}
	return msg.Clone(), true
}

// applyStatus sets a delivery flag on behalf of the recipient.
func (s *store) applyStatus(userID, messageID, status string) (models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[messageID]
	if !ok {
		return models.Message{}, false, errNotFound
	}
	if msg.RecipientID != userID {
		return models.Message{}, false, errForbidden
	}
	changed := msg.ApplyStatus(status)
	return msg.Clone(), changed, nil
}

// toggleReaction adds or removes userID's emoji on a message.
func (s *store) toggleReaction(userID, messageID, emoji string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[messageID]
	if !ok {
		return models.Message{}, errNotFound
	}
	if msg.SenderID != userID && msg.RecipientID != userID {
		return models.Message{}, errForbidden
	}

	next := make([]models.Reaction, 0, len(msg.Reactions)+1)
	removed := false
	for _, r := range msg.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			removed = true
			continue
		}
		next = append(next, r)
	}
	if !removed {
		next = append(next, models.Reaction{Emoji: emoji, UserID: userID})
	}
	msg.Reactions = next
	return msg.Clone(), nil
}

// conversationsFor builds the denormalized rows for userID, most recent first.
func (s *store) conversationsFor(userID string) []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Conversation, 0)
	for id, list := range s.conversations {
		peerID, ok := models.PeerFromConversationID(id, userID)
		if !ok || len(list) == 0 {
			continue
		}
		out = append(out, s.conversationLocked(id, peerID, userID))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessage.CreatedAt.After(out[j].LastMessage.CreatedAt)
	})
	return out
}

func (s *store) conversation(conversationID, userID string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peerID, ok := models.PeerFromConversationID(conversationID, userID)
	if !ok || len(s.conversations[conversationID]) == 0 {
		return models.Conversation{}, false
	}
	return s.conversationLocked(conversationID, peerID, userID), true
}

func (s *store) conversationLocked(id, peerID, userID string) models.Conversation {
	list := s.conversations[id]
	peer, ok := s.users[peerID]
	if !ok {
		peer = models.UserSummary{ID: peerID}
	}
	unread := 0
	for _, msg := range list {
		if msg.RecipientID == userID && !msg.Read {
			unread++
		}
	}
	last := list[len(list)-1].Clone()
	return models.Conversation{ID: id, Participant: peer, LastMessage: &last, UnreadCount: unread}
}

func (s *store) unreadMessages(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, msg := range s.byID {
		if msg.RecipientID == userID && !msg.Read {
			count++
		}
	}
	return count
}

func (s *store) setPendingLinks(userID string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingLinks[userID] = count
}

func (s *store) pendingLinkCount(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingLinks[userID]
}

func (s *store) addNotification(userID string, n models.Notification) models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = ulid.Make().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	if n.SenderID != "" && n.Sender == nil {
		if sender, ok := s.users[n.SenderID]; ok {
			n.Sender = &sender
		}
	}
	stored := n
	s.notifications[userID] = append([]*models.Notification{&stored}, s.notifications[userID]...)
	return stored
}

func (s *store) notificationsFor(userID string) []models.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.notifications[userID]
	out := make([]models.Notification, 0, len(list))
	for _, n := range list {
		out = append(out, *n)
	}
	return out
}

func (s *store) unreadNotifications(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, n := range s.notifications[userID] {
		if !n.Read {
			count++
		}
	}
	return count
}

func (s *store) markNotificationRead(userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notifications[userID] {
		if n.ID == id {
			n.Read = true
			return nil
		}
	}
	return errNotFound
}

func (s *store) deleteNotification(userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.notifications[userID]
	for i, n := range list {
		if n.ID == id {
			s.notifications[userID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return errNotFound
}

func (s *store) markAllNotificationsRead(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notifications[userID] {
		n.Read = true
	}
}

func (s *store) saveUpload(name, mimeType string, data []byte) models.FileDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := ulid.Make().String()
	desc := models.FileDescriptor{
		URL:      "/api/uploads/" + id,
		Name:     name,
		Size:     int64(len(data)),
		MimeType: mimeType,
	}
	s.uploads[id] = storedUpload{descriptor: desc, data: data}
	return desc
}

func (s *store) upload(id string) (storedUpload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.uploads[id]
	return u, ok
}
