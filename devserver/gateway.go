package devserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"giglink/models"
	"giglink/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 64 * 1024
	sendBufferSize = 64
)

type wsClient struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// gateway is the WebSocket side of the development backend. Each socket
// belongs to one user and may join the rooms of that user's conversations.
type gateway struct {
	store    *store
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	byUser map[string]map[*wsClient]struct{}
	rooms  map[string]map[*wsClient]struct{}
}

func newGateway(st *store, logger zerolog.Logger) *gateway {
	return &gateway{
		store:  st,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		byUser: make(map[string]map[*wsClient]struct{}),
		rooms:  make(map[string]map[*wsClient]struct{}),
	}
}

func (g *gateway) serve(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsClient{userID: userID, conn: conn, send: make(chan []byte, sendBufferSize)}
	g.register(c)
	g.logger.Info().Str("user_id", userID).Int("sockets", g.socketCount()).Msg("socket connected")

	go g.writePump(c)
	g.readPump(c)
}

func (g *gateway) register(c *wsClient) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.byUser[c.userID]
	if !ok {
		set = make(map[*wsClient]struct{})
		g.byUser[c.userID] = set
	}
	set[c] = struct{}{}
}

func (g *gateway) unregister(c *wsClient) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if set, ok := g.byUser[c.userID]; ok {
		if _, present := set[c]; !present {
			return
		}
		delete(set, c)
		if len(set) == 0 {
			delete(g.byUser, c.userID)
		}
	}
	for id, members := range g.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(g.rooms, id)
		}
	}
	close(c.send)
}

func (g *gateway) socketCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, set := range g.byUser {
		n += len(set)
	}
	return n
}

func (g *gateway) readPump(c *wsClient) {
	defer func() {
		g.unregister(c)
		_ = c.conn.Close()
		g.logger.Info().Str("user_id", c.userID).Msg("socket disconnected")
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env realtime.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			g.logger.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}
		g.handle(c, env)
	}
}

func (g *gateway) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *gateway) handle(c *wsClient, env realtime.Envelope) {
	switch env.Event {
	case realtime.EventJoinConversation, realtime.EventLeaveConversation:
		var p realtime.RoomPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		if _, ok := models.PeerFromConversationID(p.ConversationID, c.userID); !ok {
			g.logger.Warn().Str("user_id", c.userID).Str("conversation_id", p.ConversationID).Msg("join refused")
			return
		}
		if env.Event == realtime.EventJoinConversation {
			g.join(c, p.ConversationID)
		} else {
			g.leave(c, p.ConversationID)
		}
	case realtime.EventTypingStart, realtime.EventTypingStop:
		var p realtime.TypingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.RecipientID == "" {
			return
		}
		g.toUsers(realtime.EventUserTyping, realtime.UserTyping{
			UserID:         c.userID,
			ConversationID: p.ConversationID,
			IsTyping:       env.Event == realtime.EventTypingStart,
		}, p.RecipientID)
	case realtime.EventMessageDelivered, realtime.EventMessageRead:
		var p realtime.AckPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		status := models.StatusDelivered
		if env.Event == realtime.EventMessageRead {
			status = models.StatusRead
		}
		msg, changed, err := g.store.applyStatus(c.userID, p.MessageID, status)
		if err != nil {
			g.logger.Debug().Err(err).Str("message_id", p.MessageID).Msg("ack ignored")
			return
		}
		if changed {
			g.statusChanged(msg, status)
		}
	default:
		g.logger.Debug().Str("event", env.Event).Msg("unknown event")
	}
}

func (g *gateway) join(c *wsClient, conversationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	members, ok := g.rooms[conversationID]
	if !ok {
		members = make(map[*wsClient]struct{})
		g.rooms[conversationID] = members
	}
	members[c] = struct{}{}
}

func (g *gateway) leave(c *wsClient, conversationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if members, ok := g.rooms[conversationID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(g.rooms, conversationID)
		}
	}
}

// roomMembers reports how many sockets joined conversationID.
func (g *gateway) roomMembers(conversationID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms[conversationID])
}

// deliver sends one event to the union of a room and some users' sockets.
func (g *gateway) deliver(event string, data any, room string, userIDs ...string) {
	frame, err := realtime.EncodeEnvelope(event, data)
	if err != nil {
		g.logger.Error().Err(err).Str("event", event).Msg("encode failed")
		return
	}

	g.mu.RLock()
	targets := make(map[*wsClient]struct{})
	if room != "" {
		for c := range g.rooms[room] {
			targets[c] = struct{}{}
		}
	}
	for _, id := range userIDs {
		for c := range g.byUser[id] {
			targets[c] = struct{}{}
		}
	}
	for c := range targets {
		select {
		case c.send <- frame:
		default:
			g.logger.Warn().Str("user_id", c.userID).Str("event", event).Msg("send buffer full, dropping frame")
		}
	}
	g.mu.RUnlock()
}

func (g *gateway) toUsers(event string, data any, userIDs ...string) {
	g.deliver(event, data, "", userIDs...)
}

func (g *gateway) messageCreated(msg models.Message) {
	g.deliver(realtime.EventNewMessage, msg, msg.ConversationID, msg.RecipientID, msg.SenderID)
	g.conversationChanged(msg.ConversationID, msg.SenderID, msg.RecipientID)
}

func (g *gateway) statusChanged(msg models.Message, status string) {
	g.deliver(realtime.EventMessageStatusUpdate, realtime.MessageStatusUpdate{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Status:         status,
	}, msg.ConversationID, msg.SenderID)
	g.conversationChanged(msg.ConversationID, msg.RecipientID)
}

func (g *gateway) reactionChanged(msg models.Message) {
	g.deliver(realtime.EventMessageReaction, realtime.MessageReaction{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Reactions:      msg.Reactions,
	}, msg.ConversationID, msg.SenderID, msg.RecipientID)
}

// conversationChanged pushes each user their own view of the row.
func (g *gateway) conversationChanged(conversationID string, userIDs ...string) {
	for _, id := range userIDs {
		if conv, ok := g.store.conversation(conversationID, id); ok {
			g.toUsers(realtime.EventConversationUpdate, conv, id)
		}
	}
}

func (g *gateway) notificationCreated(userID string, n models.Notification) {
	g.toUsers(realtime.EventNewNotification, n, userID)
}

func (g *gateway) closeAll() {
	g.mu.RLock()
	var conns []*websocket.Conn
	for _, set := range g.byUser {
		for c := range set {
			conns = append(conns, c.conn)
		}
	}
	g.mu.RUnlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}
