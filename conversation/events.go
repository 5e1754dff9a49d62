package conversation

import (
	"giglink/models"
	"giglink/realtime"
)

// HandleEvent applies one inbound real-time event. It is called from the
// channel's read goroutine and never blocks on REST calls.
func (c *Controller) HandleEvent(event realtime.Event) {
	switch ev := event.(type) {
	case realtime.NewMessage:
		c.onNewMessage(ev.Message)
	case realtime.MessageReaction:
		c.onReaction(ev)
	case realtime.MessageStatusUpdate:
		c.onStatus(ev)
	case realtime.UserTyping:
		c.onTyping(ev)
	case realtime.ConversationUpdate:
		c.onConversationUpdate(ev.Conversation)
	case realtime.NewNotification:
		// Owned by the notification aggregator.
	case realtime.Connected:
		c.setConnected(true)
		if ev.Reconnect {
			go c.resync()
		}
	case realtime.Disconnected:
		c.setConnected(false)
	}
}

func (c *Controller) onNewMessage(msg models.Message) {
	if msg.SenderID == c.self {
		return
	}
	convID := msg.ConversationID
	if convID == "" {
		convID = models.ConversationID(c.self, msg.SenderID)
		msg.ConversationID = convID
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	open := c.active != nil && c.active.ID == convID
	if open {
		msg.ApplyStatus(models.StatusRead)
		if c.indexMessageLocked(msg.ID) < 0 {
			c.messages = append(c.messages, msg.Clone())
		}
		c.peerTyping = false
		if msg.CreatedAt.After(c.watermarks[convID]) {
			c.watermarks[convID] = msg.CreatedAt
		}
	}
	c.setLastMessageLocked(convID, msg, !open)
	c.mu.Unlock()

	if err := c.channel.EmitDeliveryAck(msg.ID, convID); err != nil {
		c.logger.Debug().Err(err).Str("message_id", msg.ID).Msg("delivery ack failed")
	}
	if open {
		if err := c.channel.EmitReadAck(msg.ID, convID); err != nil {
			c.logger.Debug().Err(err).Str("message_id", msg.ID).Msg("read ack emit failed")
		}
		c.ackReadAsync(msg.ID)
	}
	c.changed()
}

func (c *Controller) onReaction(ev realtime.MessageReaction) {
	c.mu.Lock()
	i := c.indexMessageLocked(ev.MessageID)
	if i < 0 {
		c.mu.Unlock()
		return
	}
	c.messages[i].Reactions = append([]models.Reaction(nil), ev.Reactions...)
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) onStatus(ev realtime.MessageStatusUpdate) {
	c.mu.Lock()
	changed := false
	if i := c.indexMessageLocked(ev.MessageID); i >= 0 {
		changed = c.messages[i].ApplyStatus(ev.Status) || changed
	} else if c.busy > 0 && c.active != nil && ev.ConversationID == c.active.ID {
		if c.earlyStatus[ev.MessageID] != models.StatusRead {
			c.earlyStatus[ev.MessageID] = ev.Status
		}
	}
	for i := range c.conversations {
		last := c.conversations[i].LastMessage
		if last != nil && last.ID == ev.MessageID {
			changed = last.ApplyStatus(ev.Status) || changed
		}
	}
	if c.active != nil && c.active.LastMessage != nil && c.active.LastMessage.ID == ev.MessageID {
		changed = c.active.LastMessage.ApplyStatus(ev.Status) || changed
	}
	c.mu.Unlock()

	if changed {
		c.changed()
	}
}

func (c *Controller) onTyping(ev realtime.UserTyping) {
	c.mu.Lock()
	if c.active == nil || c.active.Participant.ID != ev.UserID {
		c.mu.Unlock()
		return
	}
	if ev.ConversationID != "" && ev.ConversationID != c.active.ID {
		c.mu.Unlock()
		return
	}
	changed := c.peerTyping != ev.IsTyping
	c.peerTyping = ev.IsTyping
	c.mu.Unlock()

	if changed {
		c.changed()
	}
}

func (c *Controller) onConversationUpdate(conv models.Conversation) {
	if conv.ID == "" {
		return
	}

	c.mu.Lock()
	open := c.active != nil && c.active.ID == conv.ID
	if open {
		conv.UnreadCount = 0
	}
	if i := c.indexConversationLocked(conv.ID); i >= 0 {
		row := &c.conversations[i]
		if conv.Participant.ID != "" {
			row.Participant = conv.Participant
		}
		row.LastMessage = conv.Clone().LastMessage
		row.UnreadCount = conv.UnreadCount
	} else {
		c.conversations = append([]models.Conversation{conv.Clone()}, c.conversations...)
	}
	if open {
		c.active.LastMessage = conv.Clone().LastMessage
		c.active.Pending = false
	}
	c.mu.Unlock()
	c.changed()
}

// setLastMessageLocked updates the denormalized row for convID, creating it
// when the conversation is not listed yet.
func (c *Controller) setLastMessageLocked(convID string, msg models.Message, countUnread bool) {
	last := msg.Clone()
	if i := c.indexConversationLocked(convID); i >= 0 {
		row := &c.conversations[i]
		row.LastMessage = &last
		if countUnread {
			row.UnreadCount++
		}
	} else {
		peerID, ok := models.PeerFromConversationID(convID, c.self)
		if !ok {
			peerID = msg.SenderID
		}
		row := models.Conversation{ID: convID, Participant: models.UserSummary{ID: peerID}, LastMessage: &last}
		if countUnread {
			row.UnreadCount = 1
		}
		c.conversations = append([]models.Conversation{row}, c.conversations...)
	}
	if c.active != nil && c.active.ID == convID {
		activeLast := msg.Clone()
		c.active.LastMessage = &activeLast
	}
}

func (c *Controller) setConnected(connected bool) {
	c.mu.Lock()
	changed := c.connected != connected
	c.connected = connected
	c.mu.Unlock()
	if changed {
		c.changed()
	}
}

// resync refetches state after a reconnect; events sent during the gap are
// not replayed by the gateway.
func (c *Controller) resync() {
	if _, err := c.ListConversations(c.bg); err != nil {
		c.logger.Warn().Err(err).Msg("resync conversations failed")
	}

	c.mu.Lock()
	if c.closed || c.active == nil {
		c.mu.Unlock()
		return
	}
	gen := c.generation
	convID := c.active.ID
	peerID := c.active.Participant.ID
	c.mu.Unlock()

	history, err := c.api.GetMessages(c.bg, peerID)
	if err != nil {
		c.logger.Warn().Err(err).Str("conversation_id", convID).Msg("resync history failed")
		return
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.messages = history
	var toAck []string
	for i := range c.messages {
		msg := &c.messages[i]
		if msg.SenderID != c.self && !msg.Read {
			toAck = append(toAck, msg.ID)
			msg.ApplyStatus(models.StatusRead)
		}
	}
	if len(history) > 0 {
		c.watermarks[convID] = latestTimestamp(history)
	}
	c.mu.Unlock()

	for _, id := range toAck {
		c.ackReadAsync(id)
	}
	c.changed()
}
