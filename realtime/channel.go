// Package realtime is the client side of the backend event gateway: one
// authenticated WebSocket per session, shared by every consumer.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"giglink/logging"
	"giglink/metrics"
)

const (
	// DefaultTypingTimeout clears a peer typing indicator after this quiet period.
	DefaultTypingTimeout = 3 * time.Second
	// DefaultTypingEmitInterval bounds how often typing_start is sent per room.
	DefaultTypingEmitInterval = 2 * time.Second
	// DefaultPingInterval sends a WebSocket ping on this period.
	DefaultPingInterval = 30 * time.Second
	// DefaultPongTimeout drops the connection if no pong arrives in time.
	DefaultPongTimeout = 60 * time.Second
	// DefaultWriteTimeout bounds each frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultHandshakeTimeout bounds the WebSocket dial.
	DefaultHandshakeTimeout = 15 * time.Second
)

var defaultReconnectBackoff = []time.Duration{
	0,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

var (
	// ErrNotConnected is returned by emit operations while the socket is down.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("realtime: channel closed")
)

// Status is the connection status of the channel.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// TokenSource supplies the bearer token used to authenticate the socket.
type TokenSource interface {
	Token() string
}

// Options configures a Channel.
type Options struct {
	URL    string
	Tokens TokenSource
	Dialer *websocket.Dialer
	Logger zerolog.Logger

	TypingTimeout      time.Duration
	TypingEmitInterval time.Duration
	PingInterval       time.Duration
	PongTimeout        time.Duration
	WriteTimeout       time.Duration
	ReconnectBackoff   []time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.Dialer == nil {
		out.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
		}
	}
	if out.TypingTimeout <= 0 {
		out.TypingTimeout = DefaultTypingTimeout
	}
	if out.TypingEmitInterval <= 0 {
		out.TypingEmitInterval = DefaultTypingEmitInterval
	}
	if out.PingInterval <= 0 {
		out.PingInterval = DefaultPingInterval
	}
	if out.PongTimeout <= 0 {
		out.PongTimeout = DefaultPongTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if len(out.ReconnectBackoff) == 0 {
		out.ReconnectBackoff = append([]time.Duration(nil), defaultReconnectBackoff...)
	}
	return out
}

// Channel owns the session's socket. It keeps a typing-indicator cache and
// forwards every other event to subscribers without holding message state.
type Channel struct {
	options Options
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.RWMutex
	conn   *websocket.Conn
	status Status

	writeMu sync.Mutex

	roomsMu sync.Mutex
	rooms   map[string]struct{}

	subMu     sync.RWMutex
	subs      map[int]func(Event)
	nextSubID int

	typingMu sync.Mutex
	typing   map[string]*time.Timer

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter

	startMu   sync.Mutex
	started   bool
	closeOnce sync.Once
}

// New creates a disconnected channel.
func New(options Options) (*Channel, error) {
	if options.URL == "" {
		return nil, errors.New("url is required")
	}
	if options.Tokens == nil {
		return nil, errors.New("token source is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		options:  options.withDefaults(),
		logger:   logging.Component(options.Logger, "realtime"),
		ctx:      ctx,
		cancel:   cancel,
		status:   StatusDisconnected,
		rooms:    make(map[string]struct{}),
		subs:     make(map[int]func(Event)),
		typing:   make(map[string]*time.Timer),
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// Connect dials the gateway and starts the read loop. The first dial failure
// is returned; later drops are handled by reconnecting in the background.
func (c *Channel) Connect(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("connect failed")
		return err
	}
	c.started = true
	c.attach(conn)
	c.publish(Connected{})

	c.wg.Add(1)
	go c.run(conn)
	return nil
}

// Close tears the connection down for good. Safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.startMu.Lock()
		c.started = true
		c.cancel()
		c.startMu.Unlock()

		c.connMu.Lock()
		conn := c.conn
		c.conn = nil
		c.status = StatusDisconnected
		c.connMu.Unlock()
		metrics.RealtimeConnected.Set(0)

		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.options.WriteTimeout))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
		c.wg.Wait()

		c.typingMu.Lock()
		for id, timer := range c.typing {
			timer.Stop()
			delete(c.typing, id)
		}
		c.typingMu.Unlock()
	})
	return nil
}

// Status returns the current connection status.
func (c *Channel) Status() Status {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.status
}

// Subscribe registers fn for every inbound event and returns its cancel func.
// Events are delivered from the read goroutine in arrival order.
func (c *Channel) Subscribe(fn func(Event)) func() {
	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = fn
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

// Rooms returns the ids of joined rooms, sorted.
func (c *Channel) Rooms() []string {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// JoinRoom subscribes to a conversation room. The room is remembered and
// re-joined after a reconnect even if the emit fails now.
func (c *Channel) JoinRoom(conversationID string) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	c.roomsMu.Lock()
	c.rooms[conversationID] = struct{}{}
	c.roomsMu.Unlock()

	return c.emit(EventJoinConversation, RoomPayload{ConversationID: conversationID})
}

// LeaveRoom unsubscribes from a conversation room.
func (c *Channel) LeaveRoom(conversationID string) error {
	c.roomsMu.Lock()
	delete(c.rooms, conversationID)
	c.roomsMu.Unlock()

	c.limitMu.Lock()
	delete(c.limiters, conversationID)
	c.limitMu.Unlock()

	return c.emit(EventLeaveConversation, RoomPayload{ConversationID: conversationID})
}

// EmitTyping tells the peer the local user started or stopped typing.
// typing_start is throttled per room; typing_stop is always sent.
func (c *Channel) EmitTyping(conversationID, peerID string, isTyping bool) error {
	payload := TypingPayload{ConversationID: conversationID, RecipientID: peerID}
	if !isTyping {
		return c.emit(EventTypingStop, payload)
	}
	if !c.typingLimiter(conversationID).Allow() {
		return nil
	}
	return c.emit(EventTypingStart, payload)
}

// EmitDeliveryAck acknowledges receipt of a message.
func (c *Channel) EmitDeliveryAck(messageID, conversationID string) error {
	return c.emit(EventMessageDelivered, AckPayload{MessageID: messageID, ConversationID: conversationID})
}

// EmitReadAck acknowledges that a message was seen.
func (c *Channel) EmitReadAck(messageID, conversationID string) error {
	return c.emit(EventMessageRead, AckPayload{MessageID: messageID, ConversationID: conversationID})
}

// IsTyping reports whether userID is currently typing.
func (c *Channel) IsTyping(userID string) bool {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	_, ok := c.typing[userID]
	return ok
}

func (c *Channel) typingLimiter(conversationID string) *rate.Limiter {
	c.limitMu.Lock()
	defer c.limitMu.Unlock()
	limiter, ok := c.limiters[conversationID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(c.options.TypingEmitInterval), 1)
		c.limiters[conversationID] = limiter
	}
	return limiter
}

func (c *Channel) emit(event string, payload any) error {
	frame, err := EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		if c.ctx.Err() != nil {
			return ErrClosed
		}
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Warn().Err(err).Str("event", event).Msg("emit failed")
		return fmt.Errorf("emit %s: %w", event, err)
	}
	metrics.RealtimeEventsSent.WithLabelValues(event).Inc()
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if token := c.options.Tokens.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := c.options.Dialer.DialContext(ctx, c.options.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.options.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.options.PongTimeout))
	})
	return conn, nil
}

func (c *Channel) attach(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.status = StatusConnected
	c.connMu.Unlock()
	metrics.RealtimeConnected.Set(1)
	c.logger.Info().Str("url", c.options.URL).Msg("connected")
}

func (c *Channel) detach(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.status = StatusDisconnected
	}
	c.connMu.Unlock()
	metrics.RealtimeConnected.Set(0)
	_ = conn.Close()
}

// run serves one connection at a time and reconnects until Close.
func (c *Channel) run(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		err := c.serve(conn)
		c.detach(conn)
		if c.ctx.Err() != nil {
			return
		}

		c.logger.Warn().Err(err).Msg("connection lost")
		c.publish(Disconnected{Err: err})

		next, ok := c.reconnect()
		if !ok {
			return
		}
		conn = next
		c.attach(conn)
		c.rejoinRooms()
		metrics.RealtimeReconnects.Inc()
		c.publish(Connected{Reconnect: true})
	}
}

func (c *Channel) serve(conn *websocket.Conn) error {
	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(conn, pingDone)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.options.PongTimeout))

		event, err := DecodeEvent(frame)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping inbound frame")
			continue
		}
		metrics.RealtimeEventsReceived.WithLabelValues(event.Name()).Inc()

		if typing, ok := event.(UserTyping); ok {
			c.trackTyping(typing)
		}
		c.publish(event)
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.options.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-done:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Channel) reconnect() (*websocket.Conn, bool) {
	for attempt := 0; ; attempt++ {
		wait := c.backoffForAttempt(attempt)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-c.ctx.Done():
				timer.Stop()
				return nil, false
			}
		}
		if c.ctx.Err() != nil {
			return nil, false
		}

		conn, err := c.dial(c.ctx)
		if err == nil {
			return conn, true
		}
		c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("reconnect failed")
	}
}

func (c *Channel) backoffForAttempt(attempt int) time.Duration {
	schedule := c.options.ReconnectBackoff
	if attempt < len(schedule) {
		return schedule[attempt]
	}
	return schedule[len(schedule)-1]
}

func (c *Channel) rejoinRooms() {
	for _, id := range c.Rooms() {
		if err := c.emit(EventJoinConversation, RoomPayload{ConversationID: id}); err != nil {
			c.logger.Warn().Err(err).Str("room", id).Msg("rejoin failed")
		}
	}
}

// trackTyping updates the typing cache. A start arms an expiry timer that
// publishes a synthetic stop once the quiet period passes.
func (c *Channel) trackTyping(ev UserTyping) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	if timer, ok := c.typing[ev.UserID]; ok {
		timer.Stop()
		delete(c.typing, ev.UserID)
	}
	if !ev.IsTyping {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(c.options.TypingTimeout, func() {
		c.typingMu.Lock()
		current, ok := c.typing[ev.UserID]
		if !ok || current != timer {
			c.typingMu.Unlock()
			return
		}
		delete(c.typing, ev.UserID)
		c.typingMu.Unlock()

		c.publish(UserTyping{UserID: ev.UserID, ConversationID: ev.ConversationID, IsTyping: false})
	})
	c.typing[ev.UserID] = timer
}

func (c *Channel) publish(event Event) {
	c.subMu.RLock()
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, c.subs[id])
	}
	c.subMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
