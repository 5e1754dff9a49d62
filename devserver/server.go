// Package devserver is an in-memory GigLink backend for local development and
// end-to-end tests. It serves the REST API under /api, the real-time gateway
// at /ws and Prometheus metrics at /metrics.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"giglink/api"
	"giglink/logging"
	"giglink/models"
)

type contextKey string

const userIDKey contextKey = "user_id"

// maxJSONBody bounds REST request bodies other than uploads.
const maxJSONBody = 1 << 20

// Options configures a Server.
type Options struct {
	Logger         zerolog.Logger
	AllowedOrigins []string
}

// Server is the development backend.
type Server struct {
	store   *store
	gateway *gateway
	logger  zerolog.Logger
	handler http.Handler
}

// New creates an empty backend.
func New(options Options) *Server {
	logger := logging.Component(options.Logger, "devserver")
	st := newStore()
	s := &Server{
		store:   st,
		gateway: newGateway(st, logger),
		logger:  logger,
	}

	origins := options.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS", "PUT"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"Content-Length"},
		MaxAge:         300,
	})
	s.handler = c.Handler(s.router())
	return s
}

// Handler returns the HTTP handler of the backend.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// AddUser registers a user account.
func (s *Server) AddUser(user models.UserSummary) {
	s.store.addUser(user)
}

// IssueToken mints a bearer token for an existing user.
func (s *Server) IssueToken(userID string) (string, error) {
	token, err := s.store.issueToken(userID)
	if err != nil {
		return "", errors.New("unknown user " + userID)
	}
	return token, nil
}

// RevokeToken invalidates a bearer token. Later requests carrying it get 401.
func (s *Server) RevokeToken(token string) bool {
	return s.store.revokeToken(token)
}

// SetPendingLinks sets the pending link-request count reported for a user.
func (s *Server) SetPendingLinks(userID string, count int) {
	s.store.setPendingLinks(userID, count)
}

// AddNotification stores a notification and pushes it to the user's sockets.
func (s *Server) AddNotification(userID string, n models.Notification) models.Notification {
	stored := s.store.addNotification(userID, n)
	s.gateway.notificationCreated(userID, stored)
	return stored
}

// RoomMembers reports how many sockets joined a conversation room.
func (s *Server) RoomMembers(conversationID string) int {
	return s.gateway.roomMembers(conversationID)
}

// Serve runs the backend on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("dev backend listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.gateway.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	a := r.PathPrefix("/api").Subrouter()
	a.Use(s.requireAuth)

	a.HandleFunc("/conversations", s.handleListConversations).Methods("GET")
	a.HandleFunc("/conversation/{peerId}", s.handleGetMessages).Methods("GET")
	a.HandleFunc("/messages/send", s.handleSendMessage).Methods("POST")
	a.HandleFunc("/messages/upload", s.handleUpload).Methods("POST")
	a.HandleFunc("/messages/unread-count", s.handleUnreadMessages).Methods("GET")
	a.HandleFunc("/messages/{id}/status", s.handleMessageStatus).Methods("PUT")
	a.HandleFunc("/messages/{id}/react", s.handleReact).Methods("POST")
	a.HandleFunc("/uploads/{id}", s.handleDownload).Methods("GET")
	a.HandleFunc("/links/pending-count", s.handlePendingLinks).Methods("GET")
	a.HandleFunc("/notifications", s.handleListNotifications).Methods("GET")
	a.HandleFunc("/notifications/unread", s.handleUnreadNotifications).Methods("GET")
	a.HandleFunc("/notifications/read-all", s.handleReadAllNotifications).Methods("PUT")
	a.HandleFunc("/notifications/{id}/read", s.handleReadNotification).Methods("PUT")
	a.HandleFunc("/notifications/{id}", s.handleDeleteNotification).Methods("DELETE")
	a.HandleFunc("/users/{id}", s.handleGetUser).Methods("GET")

	return r
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Not authorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func (s *Server) authenticate(r *http.Request) (string, bool) {
	token := ""
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", false
	}
	return s.store.userForToken(token)
}

func currentUser(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authorized")
		return
	}
	s.gateway.serve(w, r, userID)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.conversationsFor(currentUser(r)))
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	peerID := mux.Vars(r)["peerId"]
	writeJSON(w, http.StatusOK, s.store.messages(models.ConversationID(currentUser(r), peerID)))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID := currentUser(r)

	var req api.SendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RecipientID == "" || req.RecipientID == userID {
		writeError(w, http.StatusBadRequest, "recipientId is invalid")
		return
	}
	if _, ok := s.store.user(req.RecipientID); !ok {
		writeError(w, http.StatusNotFound, "Recipient not found")
		return
	}
	if strings.TrimSpace(req.Content) == "" && req.FileURL == "" {
		writeError(w, http.StatusBadRequest, "content or file is required")
		return
	}

	msg := models.Message{
		SenderID:    userID,
		RecipientID: req.RecipientID,
		Content:     req.Content,
		MessageType: req.MessageType,
	}
	switch msg.MessageType {
	case "":
		msg.MessageType = models.MessageTypeText
	case models.MessageTypeText, models.MessageTypeFile, models.MessageTypeGigApplication:
	default:
		writeError(w, http.StatusBadRequest, "messageType is invalid")
		return
	}
	if req.FileURL != "" {
		msg.File = &models.FileDescriptor{URL: req.FileURL, Name: req.FileName, Size: req.FileSize, MimeType: req.MimeType}
	}
	if req.ReplyTo != "" {
		target, ok := s.store.message(req.ReplyTo)
		if !ok || target.ConversationID != models.ConversationID(userID, req.RecipientID) {
			writeError(w, http.StatusBadRequest, "replyTo is invalid")
			return
		}
		msg.ReplyTo = &models.ReplyReference{MessageID: target.ID, Content: target.Content, SenderID: target.SenderID}
	}

	created := s.store.appendMessage(msg)
	s.logger.Debug().Str("message_id", created.ID).Str("conversation_id", created.ConversationID).Msg("message created")
	s.gateway.messageCreated(created)
	s.AddNotification(req.RecipientID, models.Notification{
		Type:      models.NotificationMessage,
		SenderID:  userID,
		RelatedID: created.ConversationID,
		Message:   "sent you a message",
	})

	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, api.MaxUploadSize+maxJSONBody)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, api.MaxUploadSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read file")
		return
	}
	if int64(len(data)) > api.MaxUploadSize {
		writeError(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	writeJSON(w, http.StatusOK, s.store.saveUpload(header.Filename, mimeType, data))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	u, ok := s.store.upload(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	w.Header().Set("Content-Type", u.descriptor.MimeType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+u.descriptor.Name+`"`)
	_, _ = w.Write(u.data)
}

func (s *Server) handleMessageStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Status != models.StatusDelivered && body.Status != models.StatusRead {
		writeError(w, http.StatusBadRequest, "status must be delivered or read")
		return
	}

	msg, changed, err := s.store.applyStatus(currentUser(r), mux.Vars(r)["id"], body.Status)
	if !writeStoreError(w, err) {
		return
	}
	if changed {
		s.gateway.statusChanged(msg, body.Status)
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleReact(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Emoji string `json:"emoji"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Emoji) == "" {
		writeError(w, http.StatusBadRequest, "emoji is required")
		return
	}

	msg, err := s.store.toggleReaction(currentUser(r), mux.Vars(r)["id"], body.Emoji)
	if !writeStoreError(w, err) {
		return
	}
	s.gateway.reactionChanged(msg)
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleUnreadMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": s.store.unreadMessages(currentUser(r))})
}

func (s *Server) handlePendingLinks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": s.store.pendingLinkCount(currentUser(r))})
}

func (s *Server) handleUnreadNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": s.store.unreadNotifications(currentUser(r))})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.notificationsFor(currentUser(r)))
}

func (s *Server) handleReadNotification(w http.ResponseWriter, r *http.Request) {
	if !writeStoreError(w, s.store.markNotificationRead(currentUser(r), mux.Vars(r)["id"])) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	if !writeStoreError(w, s.store.deleteNotification(currentUser(r), mux.Vars(r)["id"])) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleReadAllNotifications(w http.ResponseWriter, r *http.Request) {
	s.store.markAllNotificationsRead(currentUser(r))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, ok := s.store.user(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// writeStoreError maps store errors to responses and reports whether err was nil.
func writeStoreError(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, errNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, errForbidden):
		writeError(w, http.StatusForbidden, "Forbidden")
	default:
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
