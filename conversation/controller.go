// Package conversation drives one conversation view: the conversation list,
// the open thread, the composer and the reaction to real-time events.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"giglink/api"
	"giglink/logging"
	"giglink/models"
	"giglink/realtime"
)

// State is the lifecycle state of the open conversation.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateSending State = "sending"
	StateError   State = "error"
)

var (
	// ErrNoConversation is returned by operations that need an open conversation.
	ErrNoConversation = errors.New("no conversation is open")
	// ErrMessageNotFound is returned when a message id is not in the open thread.
	ErrMessageNotFound = errors.New("message not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("conversation view closed")
)

// API is the subset of the REST client the controller uses.
type API interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	GetMessages(ctx context.Context, peerID string) ([]models.Message, error)
	SendMessage(ctx context.Context, req api.SendMessageRequest) (*models.Message, error)
	UpdateMessageStatus(ctx context.Context, messageID, status string) error
	React(ctx context.Context, messageID, emoji string) error
	UploadFile(ctx context.Context, name string, content io.Reader, size int64) (*models.FileDescriptor, error)
	GetUser(ctx context.Context, userID string) (*models.UserSummary, error)
}

// Channel is the subset of *realtime.Channel the controller uses.
type Channel interface {
	Subscribe(fn func(realtime.Event)) func()
	JoinRoom(conversationID string) error
	LeaveRoom(conversationID string) error
	EmitTyping(conversationID, peerID string, isTyping bool) error
	EmitDeliveryAck(messageID, conversationID string) error
	EmitReadAck(messageID, conversationID string) error
}

// Options configures a Controller.
type Options struct {
	API     API
	Channel Channel
	// SelfID is the authenticated user's id.
	SelfID   string
	Logger   zerolog.Logger
	OnChange func(Snapshot)
}

// Snapshot is what a renderer needs to draw the view.
type Snapshot struct {
	State         State
	Conversations []models.Conversation
	Active        *models.Conversation
	Messages      []models.Message
	// FirstUnread is the index of the first message newer than the read
	// watermark, or -1.
	FirstUnread  int
	PeerTyping   bool
	Draft        string
	MessageType  string
	SelectedFile *SelectedFile
	ReplyTo      *models.ReplyReference
	Busy         int
	Connected    bool
	Err          error
}

// Controller owns the conversation list and the open thread for the lifetime
// of one view. Results of requests that complete after the view moved on are
// discarded.
type Controller struct {
	api      API
	channel  Channel
	self     string
	logger   zerolog.Logger
	onChange func(Snapshot)

	// bg outlives individual calls and the controller itself; fire-and-forget
	// acks and resyncs use it so Close never aborts them.
	bg   context.Context
	acks sync.WaitGroup

	mu            sync.Mutex
	state         State
	conversations []models.Conversation
	active        *models.Conversation
	messages      []models.Message
	firstUnread   int
	peerTyping    bool
	watermarks    map[string]time.Time
	// earlyStatus holds status updates that arrived before the send that
	// created the message returned.
	earlyStatus map[string]string
	generation  uint64
	busy        int
	connected   bool
	err         error
	closed      bool

	draft       string
	messageType string
	file        *SelectedFile
	replyTo     *models.ReplyReference

	unsubscribe func()
}

// New creates a controller and subscribes it to the channel.
func New(options Options) (*Controller, error) {
	if options.API == nil {
		return nil, errors.New("api is required")
	}
	if options.Channel == nil {
		return nil, errors.New("channel is required")
	}
	if options.SelfID == "" {
		return nil, errors.New("self id is required")
	}

	c := &Controller{
		api:         options.API,
		channel:     options.Channel,
		self:        options.SelfID,
		logger:      logging.Component(options.Logger, "conversation"),
		onChange:    options.OnChange,
		bg:          context.Background(),
		state:       StateIdle,
		firstUnread: -1,
		watermarks:  make(map[string]time.Time),
		earlyStatus: make(map[string]string),
		connected:   true,
	}
	c.unsubscribe = options.Channel.Subscribe(c.HandleEvent)
	return c, nil
}

// Close leaves the open room and stops handling events. Requests already in
// flight finish on their own; their results are dropped.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.generation++
	active := c.active
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if active != nil {
		if err := c.channel.LeaveRoom(active.ID); err != nil {
			c.logger.Debug().Err(err).Str("conversation_id", active.ID).Msg("leave room failed")
		}
	}
	return nil
}

// Snapshot returns a deep copy of the view state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:         c.state,
		Conversations: make([]models.Conversation, 0, len(c.conversations)),
		Messages:      make([]models.Message, 0, len(c.messages)),
		FirstUnread:   c.firstUnread,
		PeerTyping:    c.peerTyping,
		Draft:         c.draft,
		MessageType:   c.messageType,
		Busy:          c.busy,
		Connected:     c.connected,
		Err:           c.err,
	}
	for _, conv := range c.conversations {
		snap.Conversations = append(snap.Conversations, conv.Clone())
	}
	for _, msg := range c.messages {
		snap.Messages = append(snap.Messages, msg.Clone())
	}
	if c.active != nil {
		active := c.active.Clone()
		snap.Active = &active
	}
	if c.file != nil {
		file := *c.file
		snap.SelectedFile = &file
	}
	if c.replyTo != nil {
		reply := *c.replyTo
		snap.ReplyTo = &reply
	}
	return snap
}

// Busy returns the number of sends in flight.
func (c *Controller) Busy() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// ListConversations fetches the conversation list. A 401 surfaces as
// api.ErrUnauthorized after the API client has invalidated the session.
func (c *Controller) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	gen := c.generation
	c.mu.Unlock()

	list, err := c.api.ListConversations(ctx)
	if err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			c.logger.Warn().Msg("session rejected while listing conversations")
		}
		c.mu.Lock()
		if gen == c.generation {
			c.err = fmt.Errorf("list conversations: %w", err)
		}
		c.mu.Unlock()
		c.changed()
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return list, nil
	}
	c.conversations = list
	if c.active != nil {
		if i := c.indexConversationLocked(c.active.ID); i >= 0 {
			c.conversations[i].UnreadCount = 0
			c.active.Pending = false
		}
	}
	c.err = nil
	out := make([]models.Conversation, 0, len(c.conversations))
	for _, conv := range c.conversations {
		out = append(out, conv.Clone())
	}
	c.mu.Unlock()
	c.changed()
	return out, nil
}

// OpenConversation makes peerID's thread the open one: fetches history,
// computes the first-unread marker, joins the room and issues one read
// acknowledgement per unread peer message before clearing the unread count.
func (c *Controller) OpenConversation(ctx context.Context, peerID string) error {
	if peerID == "" || peerID == c.self {
		return fmt.Errorf("invalid peer id %q", peerID)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.generation++
	gen := c.generation
	previous := c.active
	convID := models.ConversationID(c.self, peerID)
	pending := false
	if i := c.indexConversationLocked(convID); i >= 0 {
		conv := c.conversations[i].Clone()
		c.active = &conv
	} else {
		pending = true
		c.active = &models.Conversation{
			ID:          convID,
			Participant: models.UserSummary{ID: peerID},
			Pending:     true,
		}
	}
	c.state = StateLoading
	c.messages = nil
	clear(c.earlyStatus)
	c.firstUnread = -1
	c.peerTyping = false
	c.err = nil
	c.mu.Unlock()
	c.changed()

	if previous != nil && previous.ID != convID {
		if err := c.channel.LeaveRoom(previous.ID); err != nil {
			c.logger.Debug().Err(err).Str("conversation_id", previous.ID).Msg("leave room failed")
		}
	}

	if pending {
		c.resolvePeer(ctx, gen, peerID)
	}

	history, err := c.api.GetMessages(ctx, peerID)
	if err != nil {
		c.mu.Lock()
		if gen == c.generation {
			c.state = StateError
			c.err = fmt.Errorf("load conversation: %w", err)
		}
		c.mu.Unlock()
		c.changed()
		return fmt.Errorf("load conversation: %w", err)
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return nil
	}
	c.messages = history
	c.firstUnread = c.firstUnreadLocked(convID)
	if len(history) > 0 {
		c.watermarks[convID] = latestTimestamp(history)
		last := history[len(history)-1].Clone()
		c.active.LastMessage = &last
	}
	var toAck []string
	for i := range c.messages {
		msg := &c.messages[i]
		if msg.SenderID != c.self && !msg.Read {
			toAck = append(toAck, msg.ID)
			msg.ApplyStatus(models.StatusRead)
		}
	}
	c.mu.Unlock()

	if err := c.channel.JoinRoom(convID); err != nil {
		c.logger.Warn().Err(err).Str("conversation_id", convID).Msg("join room failed")
	}
	for _, id := range toAck {
		c.ackReadAsync(id)
	}

	c.mu.Lock()
	if gen == c.generation {
		c.active.UnreadCount = 0
		if i := c.indexConversationLocked(convID); i >= 0 {
			c.conversations[i].UnreadCount = 0
		}
		c.state = StateReady
	}
	c.mu.Unlock()
	c.changed()
	return nil
}

// resolvePeer fills in the profile of a synthesized conversation's peer. On
// failure the id-only summary stays.
func (c *Controller) resolvePeer(ctx context.Context, gen uint64, peerID string) {
	user, err := c.api.GetUser(ctx, peerID)
	if err != nil {
		c.logger.Debug().Err(err).Str("peer_id", peerID).Msg("peer profile lookup failed")
		return
	}
	c.mu.Lock()
	if gen != c.generation || c.active == nil || c.active.Participant.ID != peerID {
		c.mu.Unlock()
		return
	}
	c.active.Participant = *user
	c.active.Participant.ID = peerID
	c.mu.Unlock()
	c.changed()
}

// Retry re-opens the current conversation after an error, or re-fetches the
// list when none is open.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	active := c.active
	c.mu.Unlock()

	if active == nil {
		_, err := c.ListConversations(ctx)
		return err
	}
	if state != StateError {
		return nil
	}
	return c.OpenConversation(ctx, active.Participant.ID)
}

// ReactToMessage asks the server to add a reaction. The local reaction list
// only changes when the real-time echo arrives.
func (c *Controller) ReactToMessage(ctx context.Context, messageID, emoji string) error {
	if emoji == "" {
		return errors.New("emoji is required")
	}
	if err := c.api.React(ctx, messageID, emoji); err != nil {
		c.logger.Warn().Err(err).Str("message_id", messageID).Msg("react failed")
		return fmt.Errorf("react to message: %w", err)
	}
	return nil
}

// SetTyping tells the open peer whether the local user is typing.
func (c *Controller) SetTyping(isTyping bool) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil {
		return ErrNoConversation
	}
	return c.channel.EmitTyping(active.ID, active.Participant.ID, isTyping)
}

// WaitAcks blocks until every read acknowledgement already issued has been
// answered by the backend.
func (c *Controller) WaitAcks() {
	c.acks.Wait()
}

func (c *Controller) ackReadAsync(messageID string) {
	c.acks.Add(1)
	go func() {
		defer c.acks.Done()
		if err := c.api.UpdateMessageStatus(c.bg, messageID, models.StatusRead); err != nil {
			c.logger.Debug().Err(err).Str("message_id", messageID).Msg("read ack failed")
		}
	}()
}

func (c *Controller) firstUnreadLocked(convID string) int {
	watermark, seen := c.watermarks[convID]
	for i, msg := range c.messages {
		if msg.SenderID == c.self {
			continue
		}
		if seen {
			if msg.CreatedAt.After(watermark) {
				return i
			}
			continue
		}
		if !msg.Read {
			return i
		}
	}
	return -1
}

func (c *Controller) indexConversationLocked(id string) int {
	for i := range c.conversations {
		if c.conversations[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Controller) indexMessageLocked(id string) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Controller) changed() {
	if c.onChange == nil {
		return
	}
	c.onChange(c.Snapshot())
}

func latestTimestamp(messages []models.Message) time.Time {
	var latest time.Time
	for _, msg := range messages {
		if msg.CreatedAt.After(latest) {
			latest = msg.CreatedAt
		}
	}
	return latest
}
