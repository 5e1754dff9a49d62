package api

import (
	"context"
	"net/http"
	"net/url"

	"giglink/models"
)

// SendMessageRequest is the body of POST /messages/send.
type SendMessageRequest struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	FileURL     string `json:"fileUrl,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	ReplyTo     string `json:"replyTo,omitempty"`
}

// ListConversations fetches every conversation of the current user.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.doJSON(ctx, "list_conversations", http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMessages fetches the ordered message history with a peer.
func (c *Client) GetMessages(ctx context.Context, peerID string) ([]models.Message, error) {
	var out []models.Message
	path := "/conversation/" + url.PathEscape(peerID)
	if err := c.doJSON(ctx, "get_messages", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage posts a message and returns the server-created record.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*models.Message, error) {
	var out models.Message
	if err := c.doJSON(ctx, "send_message", http.MethodPost, "/messages/send", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateMessageStatus acknowledges a message as delivered or read.
func (c *Client) UpdateMessageStatus(ctx context.Context, messageID, status string) error {
	body := map[string]string{"status": status}
	path := "/messages/" + url.PathEscape(messageID) + "/status"
	return c.doJSON(ctx, "update_message_status", http.MethodPut, path, body, nil)
}

// React places an emoji reaction on a message.
func (c *Client) React(ctx context.Context, messageID, emoji string) error {
	body := map[string]string{"emoji": emoji}
	path := "/messages/" + url.PathEscape(messageID) + "/react"
	return c.doJSON(ctx, "react", http.MethodPost, path, body, nil)
}

// GetUser fetches a user profile summary.
func (c *Client) GetUser(ctx context.Context, userID string) (*models.UserSummary, error) {
	var out models.UserSummary
	if err := c.doJSON(ctx, "get_user", http.MethodGet, "/users/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
