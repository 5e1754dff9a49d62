package conversation

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"giglink/api"
	"giglink/metrics"
	"giglink/models"
)

// SelectedFile is an attachment picked in the composer but not yet uploaded.
type SelectedFile struct {
	Path     string
	Name     string
	Size     int64
	MimeType string
}

// SelectFile attaches a local file to the next message. Files over the upload
// limit are rejected here, before any network call, and leave no file selected.
func (c *Controller) SelectFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat attachment: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("attachment %s is a directory", path)
	}

	if err := api.CheckUploadSize(info.Size()); err != nil {
		c.mu.Lock()
		c.file = nil
		c.mu.Unlock()
		c.changed()
		return err
	}

	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	c.mu.Lock()
	c.file = &SelectedFile{Path: path, Name: name, Size: info.Size(), MimeType: mimeType}
	c.mu.Unlock()
	c.changed()
	return nil
}

// ClearFile drops the selected attachment.
func (c *Controller) ClearFile() {
	c.mu.Lock()
	c.file = nil
	c.mu.Unlock()
	c.changed()
}

// SetDraft replaces the composer text.
func (c *Controller) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
	c.changed()
}

// SetMessageType overrides the type of the next message. An empty value lets
// the composer pick text or file.
func (c *Controller) SetMessageType(messageType string) error {
	switch messageType {
	case "", models.MessageTypeText, models.MessageTypeFile, models.MessageTypeGigApplication:
	default:
		return fmt.Errorf("unknown message type %q", messageType)
	}
	c.mu.Lock()
	c.messageType = messageType
	c.mu.Unlock()
	c.changed()
	return nil
}

// SetReplyTo marks the next message as a reply to messageID.
func (c *Controller) SetReplyTo(messageID string) error {
	c.mu.Lock()
	i := c.indexMessageLocked(messageID)
	if i < 0 {
		c.mu.Unlock()
		return ErrMessageNotFound
	}
	target := c.messages[i]
	c.replyTo = &models.ReplyReference{
		MessageID: target.ID,
		Content:   target.Content,
		SenderID:  target.SenderID,
	}
	c.mu.Unlock()
	c.changed()
	return nil
}

// ClearReply drops the reply target.
func (c *Controller) ClearReply() {
	c.mu.Lock()
	c.replyTo = nil
	c.mu.Unlock()
	c.changed()
}

type composition struct {
	text        string
	messageType string
	file        *SelectedFile
	replyTo     *models.ReplyReference
}

// SendMessage sends the composer contents to the open peer. With empty text
// and no file it does nothing and returns nil, nil. The composer is cleared
// while the request runs and restored if it fails. The returned message is
// appended in completion order; concurrent sends are not serialized.
func (c *Controller) SendMessage(ctx context.Context) (*models.Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.active == nil {
		c.mu.Unlock()
		return nil, ErrNoConversation
	}
	if strings.TrimSpace(c.draft) == "" && c.file == nil {
		c.mu.Unlock()
		return nil, nil
	}

	draft := composition{text: c.draft, messageType: c.messageType, file: c.file, replyTo: c.replyTo}
	gen := c.generation
	peerID := c.active.Participant.ID
	convID := c.active.ID
	c.draft, c.messageType, c.file, c.replyTo = "", "", nil, nil
	c.busy++
	c.state = StateSending
	c.err = nil
	c.mu.Unlock()
	c.changed()

	msg, err := c.send(ctx, peerID, draft)
	if err != nil {
		c.logger.Warn().Err(err).Str("conversation_id", convID).Msg("send failed")
		c.mu.Lock()
		c.busy--
		if gen == c.generation {
			if c.draft == "" {
				c.draft = draft.text
			}
			if c.file == nil {
				c.file = draft.file
			}
			if c.replyTo == nil {
				c.replyTo = draft.replyTo
			}
			if c.messageType == "" {
				c.messageType = draft.messageType
			}
			c.state = StateError
			c.err = err
		}
		c.mu.Unlock()
		c.changed()
		return nil, err
	}

	metrics.MessagesSent.WithLabelValues(msg.MessageType).Inc()

	c.mu.Lock()
	c.busy--
	if gen == c.generation {
		if status, ok := c.earlyStatus[msg.ID]; ok {
			msg.ApplyStatus(status)
			delete(c.earlyStatus, msg.ID)
		}
		if c.indexMessageLocked(msg.ID) < 0 {
			c.messages = append(c.messages, msg.Clone())
		}
		c.setLastMessageLocked(convID, *msg, false)
		if c.active != nil && c.active.ID == convID {
			c.active.Pending = false
		}
		if c.busy == 0 && c.state == StateSending {
			c.state = StateReady
		}
	}
	c.mu.Unlock()
	c.changed()
	return msg, nil
}

func (c *Controller) send(ctx context.Context, peerID string, draft composition) (*models.Message, error) {
	req := api.SendMessageRequest{
		RecipientID: peerID,
		Content:     draft.text,
		MessageType: draft.messageType,
	}
	if draft.replyTo != nil {
		req.ReplyTo = draft.replyTo.MessageID
	}

	if draft.file != nil {
		desc, err := c.upload(ctx, draft.file)
		if err != nil {
			return nil, err
		}
		req.FileURL = desc.URL
		req.FileName = desc.Name
		req.FileSize = desc.Size
		req.MimeType = desc.MimeType
		if req.MessageType == "" {
			req.MessageType = models.MessageTypeFile
		}
	}
	if req.MessageType == "" {
		req.MessageType = models.MessageTypeText
	}

	msg, err := c.api.SendMessage(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

func (c *Controller) upload(ctx context.Context, file *SelectedFile) (*models.FileDescriptor, error) {
	f, err := os.Open(file.Path)
	if err != nil {
		return nil, fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat attachment: %w", err)
	}
	if err := api.CheckUploadSize(info.Size()); err != nil {
		return nil, err
	}

	desc, err := c.api.UploadFile(ctx, file.Name, f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}
	if desc.MimeType == "" {
		desc.MimeType = file.MimeType
	}
	return desc, nil
}
