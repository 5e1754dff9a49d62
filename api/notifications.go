package api

import (
	"context"
	"net/http"
	"net/url"

	"giglink/models"
)

type countResponse struct {
	Count int `json:"count"`
}

// UnreadMessageCount returns the unread direct-message count.
func (c *Client) UnreadMessageCount(ctx context.Context) (int, error) {
	return c.count(ctx, "unread_messages", "/messages/unread-count")
}

// PendingLinkCount returns the number of pending link requests.
func (c *Client) PendingLinkCount(ctx context.Context) (int, error) {
	return c.count(ctx, "pending_links", "/links/pending-count")
}

// UnreadNotificationCount returns the unread notification count.
func (c *Client) UnreadNotificationCount(ctx context.Context) (int, error) {
	return c.count(ctx, "unread_notifications", "/notifications/unread")
}

func (c *Client) count(ctx context.Context, endpoint, path string) (int, error) {
	var out countResponse
	if err := c.doJSON(ctx, endpoint, http.MethodGet, path, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// ListNotifications fetches the current user's notifications, newest first.
func (c *Client) ListNotifications(ctx context.Context) ([]models.Notification, error) {
	var out []models.Notification
	if err := c.doJSON(ctx, "list_notifications", http.MethodGet, "/notifications", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkNotificationRead marks one notification read.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	path := "/notifications/" + url.PathEscape(id) + "/read"
	return c.doJSON(ctx, "mark_notification_read", http.MethodPut, path, nil, nil)
}

// DeleteNotification removes one notification.
func (c *Client) DeleteNotification(ctx context.Context, id string) error {
	return c.doJSON(ctx, "delete_notification", http.MethodDelete, "/notifications/"+url.PathEscape(id), nil, nil)
}

// MarkAllNotificationsRead marks every notification read.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.doJSON(ctx, "mark_all_notifications_read", http.MethodPut, "/notifications/read-all", nil, nil)
}
