package conversation

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"giglink/api"
	"giglink/models"
	"giglink/realtime"
)

type fakeAPI struct {
	mu sync.Mutex

	conversations []models.Conversation
	history       map[string][]models.Message
	listErr       error
	historyErr    error
	sendErr       error
	uploadErr     error

	sent      []api.SendMessageRequest
	statuses  []string
	reactions []string
	uploads   []string
	nextID    int

	// sendGate, when set, blocks SendMessage until a value is received.
	sendGate chan struct{}
	// statusGate, when set, blocks UpdateMessageStatus until closed or the
	// request context ends; cancelled requests are counted in aborted.
	statusGate chan struct{}
	aborted    int

	users   map[string]models.UserSummary
	userErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{history: make(map[string][]models.Message)}
}

func (f *fakeAPI) ListConversations(context.Context) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]models.Conversation, 0, len(f.conversations))
	for _, conv := range f.conversations {
		out = append(out, conv.Clone())
	}
	return out, nil
}

func (f *fakeAPI) GetMessages(_ context.Context, peerID string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	out := make([]models.Message, 0, len(f.history[peerID]))
	for _, msg := range f.history[peerID] {
		out = append(out, msg.Clone())
	}
	return out, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, req api.SendMessageRequest) (*models.Message, error) {
	f.mu.Lock()
	gate := f.sendGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	msg := &models.Message{
		ID:             "sent-" + string(rune('0'+f.nextID)),
		ConversationID: models.ConversationID("u1", req.RecipientID),
		SenderID:       "u1",
		RecipientID:    req.RecipientID,
		Content:        req.Content,
		MessageType:    req.MessageType,
		CreatedAt:      time.Now(),
	}
	if req.FileURL != "" {
		msg.File = &models.FileDescriptor{URL: req.FileURL, Name: req.FileName, Size: req.FileSize, MimeType: req.MimeType}
	}
	return msg, nil
}

func (f *fakeAPI) UpdateMessageStatus(ctx context.Context, messageID, status string) error {
	f.mu.Lock()
	gate := f.statusGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			f.mu.Lock()
			f.aborted++
			f.mu.Unlock()
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, messageID+":"+status)
	return nil
}

func (f *fakeAPI) React(_ context.Context, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, messageID+":"+emoji)
	return nil
}

func (f *fakeAPI) UploadFile(_ context.Context, name string, content io.Reader, size int64) (*models.FileDescriptor, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, name)
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return &models.FileDescriptor{URL: "/uploads/" + name, Name: name, Size: int64(len(data))}, nil
}

func (f *fakeAPI) GetUser(_ context.Context, userID string) (*models.UserSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userErr != nil {
		return nil, f.userErr
	}
	user, ok := f.users[userID]
	if !ok {
		return nil, &api.APIError{StatusCode: 404, Message: "user not found"}
	}
	return &user, nil
}

func (f *fakeAPI) statusCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses...)
}

func (f *fakeAPI) sendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeChannel struct {
	mu      sync.Mutex
	subs    []func(realtime.Event)
	joined  []string
	left    []string
	emitted []string
}

func (f *fakeChannel) Subscribe(fn func(realtime.Event)) func() {
	f.mu.Lock()
	f.subs = append(f.subs, fn)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.subs = nil
		f.mu.Unlock()
	}
}

func (f *fakeChannel) JoinRoom(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, id)
	return nil
}

func (f *fakeChannel) LeaveRoom(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, id)
	return nil
}

func (f *fakeChannel) EmitTyping(conversationID, peerID string, isTyping bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	event := realtime.EventTypingStop
	if isTyping {
		event = realtime.EventTypingStart
	}
	f.emitted = append(f.emitted, event+":"+conversationID)
	return nil
}

func (f *fakeChannel) EmitDeliveryAck(messageID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, realtime.EventMessageDelivered+":"+messageID)
	return nil
}

func (f *fakeChannel) EmitReadAck(messageID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, realtime.EventMessageRead+":"+messageID)
	return nil
}

func (f *fakeChannel) publish(ev realtime.Event) {
	f.mu.Lock()
	subs := append([]func(realtime.Event){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (f *fakeChannel) emits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.emitted...)
}

func newTestController(t *testing.T, fapi *fakeAPI, ch *fakeChannel) *Controller {
	t.Helper()
	c, err := New(Options{API: fapi, Channel: ch, SelfID: "u1"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func TestOpenConversationAcksUnreadAndClearsCount(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fapi := newFakeAPI()
	fapi.conversations = []models.Conversation{
		{ID: "u1_u2", Participant: models.UserSummary{ID: "u2"}, UnreadCount: 2},
	}
	fapi.history["u2"] = []models.Message{
		{ID: "m1", SenderID: "u1", Content: "hi", Read: true, CreatedAt: base},
		{ID: "m2", SenderID: "u2", Content: "yo", CreatedAt: base.Add(time.Minute)},
		{ID: "m3", SenderID: "u2", Content: "there?", CreatedAt: base.Add(2 * time.Minute)},
	}
	ch := &fakeChannel{}
	c := newTestController(t, fapi, ch)

	if _, err := c.ListConversations(context.Background()); err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if err := c.OpenConversation(context.Background(), "u2"); err != nil {
		t.Fatalf("OpenConversation failed: %v", err)
	}

	snap := c.Snapshot()
	if snap.State != StateReady {
		t.Fatalf("expected ready state, got %s", snap.State)
	}
	if snap.FirstUnread != 1 {
		t.Fatalf("expected first unread at 1, got %d", snap.FirstUnread)
	}
	if snap.Active == nil || snap.Active.ID != "u1_u2" || snap.Active.UnreadCount != 0 {
		t.Fatalf("unexpected active conversation %+v", snap.Active)
	}
	if snap.Conversations[0].UnreadCount != 0 {
		t.Fatalf("expected listed unread count 0, got %d", snap.Conversations[0].UnreadCount)
	}
	if len(ch.joined) != 1 || ch.joined[0] != "u1_u2" {
		t.Fatalf("expected join of u1_u2, got %v", ch.joined)
	}

	waitFor(t, func() bool { return len(fapi.statusCalls()) == 2 })
	calls := fapi.statusCalls()
	if !contains(calls, "m2:read") || !contains(calls, "m3:read") {
		t.Fatalf("expected one read ack per unread peer message, got %v", calls)
	}
}

func TestWatermarkMarksOnlyNewerMessagesOnReopen(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fapi := newFakeAPI()
	fapi.history["u2"] = []models.Message{
		{ID: "m1", SenderID: "u2", Read: true, CreatedAt: base},
	}
	c := newTestController(t, fapi, &fakeChannel{})

	if err := c.OpenConversation(context.Background(), "u2"); err != nil {
		t.Fatalf("OpenConversation failed: %v", err)
	}
	if got := c.Snapshot().FirstUnread; got != -1 {
		t.Fatalf("expected no unread marker, got %d", got)
	}

	fapi.mu.Lock()
	fapi.history["u2"] = append(fapi.history["u2"], models.Message{ID: "m2", SenderID: "u2", Read: true, CreatedAt: base.Add(time.Hour)})
	fapi.mu.Unlock()

	if err := c.OpenConversation(context.Background(), "u2"); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if got := c.Snapshot().FirstUnread; got != 1 {
		t.Fatalf("expected marker at the message newer than the watermark, got %d", got)
	}
}

func TestOpenConversationSynthesizesPendingAndRetries(t *testing.T) {
	fapi := newFakeAPI()
	fapi.historyErr = errors.New("offline")
	c := newTestController(t, fapi, &fakeChannel{})

	if err := c.OpenConversation(context.Background(), "u9"); err == nil {
		t.Fatalf("expected load failure")
	}
	snap := c.Snapshot()
	if snap.State != StateError || snap.Err == nil {
		t.Fatalf("expected error state, got %s (%v)", snap.State, snap.Err)
	}
	if snap.Active == nil || !snap.Active.Pending || snap.Active.ID != "u1_u9" {
		t.Fatalf("expected pending conversation u1_u9, got %+v", snap.Active)
	}

	fapi.mu.Lock()
	fapi.historyErr = nil
	fapi.mu.Unlock()
	if err := c.Retry(context.Background()); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if c.Snapshot().State != StateReady {
		t.Fatalf("expected ready after retry, got %s", c.Snapshot().State)
	}
}

func TestListConversationsUnauthorized(t *testing.T) {
	fapi := newFakeAPI()
	fapi.listErr = api.ErrUnauthorized
	c := newTestController(t, fapi, &fakeChannel{})

	if _, err := c.ListConversations(context.Background()); !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSendEmptyIsNoop(t *testing.T) {
	fapi := newFakeAPI()
	c := newTestController(t, fapi, &fakeChannel{})
	if err := c.OpenConversation(context.Background(), "u2"); err != nil {
		t.Fatalf("OpenConversation failed: %v", err)
	}

	c.SetDraft("   ")
	msg, err := c.SendMessage(context.Background())
	if err != nil || msg != nil {
		t.Fatalf("expected no-op, got %v, %v", msg, err)
	}
	if fapi.sendCalls() != 0 {
		t.Fatalf("expected no REST call, got %d", fapi.sendCalls())
	}
}

func TestSendAppendsServerMessage(t *testing.T) {
	fapi := newFakeAPI()
	c := newTestController(t, fapi, &fakeChannel{})
	if err := c.OpenConversation(context.Background(), "u2"); err != nil {
		t.Fatalf("OpenConversation failed: %v", err)
	}

	c.SetDraft("hello")
	msg, err := c.SendMessage(context.Background())
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if msg.SenderID != "u1" || msg.ConversationID != "u1_u2" {
		t.Fatalf("unexpected message %+v", msg)
	}

	fapi.mu.Lock()
	req := fapi.sent[0]
	fapi.mu.Unlock()
	if req.RecipientID != "u2" || req.Content != "hello" || req.MessageType != models.MessageTypeText {
		t.Fatalf("unexpected request %+v", req)
	}

	snap := c.Snapshot()
	if len(snap.Messages) != 1 || snap.Messages[0].ID != msg.ID {
		t.Fatalf("expected server message appended, got %+v", snap.Messages)
	}
	if snap.Draft != "" || snap.State != StateReady || snap.Busy != 0 {
		t.Fatalf("unexpected composer state %+v", snap)
	}
	if snap.Active.Pending {
		t.Fatalf("expected conversation to stop being pending after first send")
	}

	// The gateway echoes our own message; it must not be duplicated.
	c.HandleEvent(realtime.NewMessage{Message: *msg})
	if got := len(c.Snapshot().Messages); got != 1 {
		t.Fatalf("expected self echo to be ignored, got %d messages", got)
	}
}

func TestSendFailureRestoresDraft(t *testing.T) {
	fapi := newFakeAPI()
	fapi.history["u2"] = []models.Message{{ID: "m1", SenderID: "u2", Content: "q", Read: true}}
	fapi.sendErr = errors.New("offline")
	c := newTestController(t, fapi, &fakeChannel{})
	if err := c.OpenConversation(context.Background(), "u2"); err != nil {
		t.Fatalf("OpenConversation failed: %v", err)
	}

	c.SetDraft("retry me")
	if err := c.SetReplyTo("m1"); err != nil {
		t.Fatalf("SetReplyTo failed: %v", err)
	}
	if _, err := c.SendMessage(context.Background()); err == nil {
		t.Fatalf("expected send failure")
	}

	snap := c.Snapshot()
	if snap.Draft != "retry me" {
		t.Fatalf("expected draft restored, got %q", snap.Draft)
	}
	if snap.ReplyTo == nil || snap.ReplyTo.MessageID != "m1" {
		t.Fatalf("expected reply target restored, got %+v", snap.ReplyTo)
	}
	if snap.State != StateError || snap.Busy != 0 {
		t.Fatalf("expected error state with no busy sends, got %s busy=%d", snap.State, snap.Busy)
	}
	if len(snap.Messages) != 1 {
		t.Fatalf("expected no message appended on failure")
	}

	fapi.mu.Lock()
	replyTo := fapi.sent[0].ReplyTo
	fapi.mu.Unlock()
	if replyTo != "m1" {
		t.Fatalf("expected replyTo m1 in request, got %q", replyTo)
	}
}

func TestSendWithFileUploadsFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brief.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4"), 0o600); err != nil {
		t.Fatalf("write attachment failed: %v", err)
	}

	fapi := newFakeAPI()
	c := newTestController(t, fapi, &fakeChannel{})
	if err := c.OpenConversation(context.Background(), "u2"); err != nil {
		t.Fatalf("OpenConversation failed: %v", err)
	}
	if err := c.SelectFile(path); err != nil {
		t.Fatalf("SelectFile failed: %v", err)
	}
	if c.Snapshot().SelectedFile.MimeType != "application/pdf" {
		t.Fatalf("unexpected mime type %q", c.Snapshot().SelectedFile.MimeType)
	}

	msg, err := c.SendMessage(context.Background())
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if msg.MessageType != models.MessageTypeFile || msg.File == nil || msg.File.URL != "/uploads/brief.pdf" {
		t.Fatalf("unexpected file message %+v", msg)
	}
	if len(fapi.uploads) != 1 {
		t.Fatalf("expected one upload, got %d", len(fapi.uploads))
	}
	if c.Snapshot().SelectedFile != nil {
		t.Fatalf("expected selected file cleared after send")
	}
}

func TestSelectOversizedFileRejectedBeforeNetwork(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huge.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := f.Truncate(11 * 1024 * 1024); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}
	_ = f.Close()

	fapi := newFakeAPI()
	c := newTestController(t, fapi, &fakeChannel{})

	if err := c.SelectFile(path); !errors.Is(err, api.ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
	if c.Snapshot().SelectedFile != nil {
		t.Fatalf("expected no selected file")
	}
	if len(fapi.uploads) != 0 {
		t.Fatalf("expected no upload call")
	}
}

func TestConcurrentSendsPlacedInCompletionOrder(t *testing.T) {
	fapi := newFakeAPI()
	c := newTestController(t, fapi, &fakeChannel{})
	if err := c.OpenConversation(context.Background(), "u2"); err != nil {
		t.Fatalf("OpenConversation failed: %v", err)
	}

	gate := make(chan struct{})
	fapi.mu.Lock()
	fapi.sendGate = gate
	fapi.mu.Unlock()

	results := make(chan *models.Message, 2)
	send := func(text string) {
		c.SetDraft(text)
		go func() {
			msg, err := c.SendMessage(context.Background())
			if err != nil {
				t.Errorf("SendMessage failed: %v", err)
			}
			results <- msg
		}()
		waitFor(t, func() bool { return c.Snapshot().Draft == "" })
	}
	send("first")
	send("second")
	waitFor(t, func() bool { return c.Busy() == 2 })
	if c.Snapshot().State != StateSending {
		t.Fatalf("expected sending state, got %s", c.Snapshot().State)
	}

	gate <- struct{}{}
	done := <-results
	gate <- struct{}{}
	<-results

	snap := c.Snapshot()
	if len(snap.Messages) != 2 || snap.Messages[0].Content != done.Content {
		t.Fatalf("expected completion order, got %+v", snap.Messages)
	}
	if snap.State != StateReady || snap.Busy != 0 {
		t.Fatalf("expected ready with no busy sends, got %s busy=%d", snap.State, snap.Busy)
	}
}

func TestIncomingMessageForOpenConversation(t *testing.T) {
	fapi := newFakeAPI()
	ch := &fakeChannel{}
	c := newTestController(t, fapi, ch)
	if err := c.OpenConversation(context.Background(), "u2"); err != nil {
		t.Fatalf("OpenConversation failed: %v", err)
	}

	ch.publish(realtime.NewMessage{Message: models.Message{ID: "m5", SenderID: "u2", ConversationID: "u1_u2", Content: "hello"}})

	snap := c.Snapshot()
	if len(snap.Messages) != 1 || !snap.Messages[0].Read {
		t.Fatalf("expected appended message marked read, got %+v", snap.Messages)
	}
	if snap.Active.UnreadCount != 0 {
		t.Fatalf("open conversation unread must stay 0, got %d", snap.Active.UnreadCount)
	}
	emits := ch.emits()
	if !contains(emits, realtime.EventMessageDelivered+":m5") || !contains(emits, realtime.EventMessageRead+":m5") {
		t.Fatalf("expected delivery and read acks, got %v", emits)
	}
	waitFor(t, func() bool { return contains(fapi.statusCalls(), "m5:read") })
}

func TestIncomingMessageForOtherConversation(t *testing.T) {
	fapi := newFakeAPI()
	fapi.conversations = []models.Conversation{{ID: "u1_u3", Participant: models.UserSummary{ID: "u3"}, UnreadCount: 1}}
	ch := &fakeChannel{}
	c := newTestController(t, fapi, ch)
	if _, err := c.ListConversations(context.Background()); err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if err := c.OpenConversation(context.Background(), "u2"); err != nil {
		t.Fatalf("OpenConversation failed: %v", err)
	}

	c.HandleEvent(realtime.NewMessage{Message: models.Message{ID: "m7", SenderID: "u3", ConversationID: "u1_u3", Content: "ping"}})
	c.HandleEvent(realtime.NewMessage{Message: models.Message{ID: "m8", SenderID: "u4", Content: "new"}})

	snap := c.Snapshot()
	if len(snap.Messages) != 0 {
		t.Fatalf("messages from other conversations must not enter the open thread")
	}
	var u3, u4 *models.Conversation
	for i := range snap.Conversations {
		switch snap.Conversations[i].ID {
		case "u1_u3":
			u3 = &snap.Conversations[i]
		case "u1_u4":
			u4 = &snap.Conversations[i]
		}
	}
	if u3 == nil || u3.UnreadCount != 2 || u3.LastMessage.ID != "m7" {
		t.Fatalf("unexpected u1_u3 row %+v", u3)
	}
	if u4 == nil || u4.UnreadCount != 1 || u4.Participant.ID != "u4" {
		t.Fatalf("expected synthesized u1_u4 row, got %+v", u4)
	}
	if contains(ch.emits(), realtime.EventMessageRead+":m7") {
		t.Fatalf("read ack must only be sent for the open conversation")
	}
}

func TestStatusUpdateIsMonotonicAndIdempotent(t *testing.T) {
	fapi := newFakeAPI()
	fapi.history["u2"] = []models.Message{{ID: "m1", SenderID: "u1", Content: "hi"}}
	c := newTestController(t, fapi, &fakeChannel{})
	if err := c.OpenConversation(context.Background(), "u2"); err != nil {
		t.Fatalf("OpenConversation failed: %v", err)
	}

	var changes int
	var mu sync.Mutex
	c.onChange = func(Snapshot) {
		mu.Lock()
		changes++
		mu.Unlock()
	}

	c.HandleEvent(realtime.MessageStatusUpdate{MessageID: "m1", ConversationID: "u1_u2", Status: models.StatusRead})
	c.HandleEvent(realtime.MessageStatusUpdate{MessageID: "m1", ConversationID: "u1_u2", Status: models.StatusRead})
	c.HandleEvent(realtime.MessageStatusUpdate{MessageID: "m1", ConversationID: "u1_u2", Status: models.StatusDelivered})

	msg := c.Snapshot().Messages[0]
	if !msg.Read || !msg.Delivered {
		t.Fatalf("expected read and delivered, got %+v", msg)
	}
	mu.Lock()
	defer mu.Unlock()
	if changes != 1 {
		t.Fatalf("expected a single state change, got %d", changes)
	}
}

func TestReactionReplacedOnlyFromEcho(t *testing.T) {
	fapi := newFakeAPI()
	fapi.history["u2"] = []models.Message{{ID: "m1", SenderID: "u2", Read: true}}
	c := newTestController(t, fapi, &fakeChannel{})
	if err := c.OpenConversation(context.Background(), "u2"); err != nil {
		t.Fatalf("OpenConversation failed: %v", err)
	}

	if err := c.ReactToMessage(context.Background(), "m1", "👍"); err != nil {
		t.Fatalf("ReactToMessage failed: %v", err)
	}
	if len(c.Snapshot().Messages[0].Reactions) != 0 {
		t.Fatalf("reactions must not change before the echo")
	}

	c.HandleEvent(realtime.MessageReaction{MessageID: "m1", Reactions: []models.Reaction{{Emoji: "👍", UserID: "u1"}}})
	if got := c.Snapshot().Messages[0].Reactions; len(got) != 1 || got[0].UserID != "u1" {
		t.Fatalf("unexpected reactions %+v", got)
	}
}

func TestTypingOnlyForOpenPeer(t *testing.T) {
	ch := &fakeChannel{}
	c := newTestController(t, newFakeAPI(), ch)
	if err := c.OpenConversation(context.Background(), "u2"); err != nil {
		t.Fatalf("OpenConversation failed: %v", err)
	}

	c.HandleEvent(realtime.UserTyping{UserID: "u3", IsTyping: true})
	if c.Snapshot().PeerTyping {
		t.Fatalf("typing from another user must be ignored")
	}
	c.HandleEvent(realtime.UserTyping{UserID: "u2", ConversationID: "u1_u2", IsTyping: true})
	if !c.Snapshot().PeerTyping {
		t.Fatalf("expected peer typing")
	}
	c.HandleEvent(realtime.UserTyping{UserID: "u2", ConversationID: "u1_u2", IsTyping: false})
	if c.Snapshot().PeerTyping {
		t.Fatalf("expected typing cleared")
	}

	if err := c.SetTyping(true); err != nil {
		t.Fatalf("SetTyping failed: %v", err)
	}
	if !contains(ch.emits(), realtime.EventTypingStart+":u1_u2") {
		t.Fatalf("expected typing_start emit, got %v", ch.emits())
	}
}

func TestReconnectResyncsAndCloseDiscardsResults(t *testing.T) {
	fapi := newFakeAPI()
	ch := &fakeChannel{}
	c := newTestController(t, fapi, ch)
	if err := c.OpenConversation(context.Background(), "u2"); err != nil {
		t.Fatalf("OpenConversation failed: %v", err)
	}

	c.HandleEvent(realtime.Disconnected{Err: errors.New("eof")})
	if c.Snapshot().Connected {
		t.Fatalf("expected disconnected status")
	}

	fapi.mu.Lock()
	fapi.history["u2"] = []models.Message{{ID: "gap", SenderID: "u2", Content: "missed"}}
	fapi.mu.Unlock()
	c.HandleEvent(realtime.Connected{Reconnect: true})

	waitFor(t, func() bool {
		snap := c.Snapshot()
		return snap.Connected && len(snap.Messages) == 1 && snap.Messages[0].ID == "gap"
	})
	waitFor(t, func() bool { return contains(fapi.statusCalls(), "gap:read") })

	gate := make(chan struct{})
	fapi.mu.Lock()
	fapi.sendGate = gate
	fapi.mu.Unlock()

	c.SetDraft("late")
	done := make(chan error, 1)
	go func() {
		_, err := c.SendMessage(context.Background())
		done <- err
	}()
	waitFor(t, func() bool { return c.Busy() == 1 })

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("in-flight send should complete, got %v", err)
	}
	if got := len(c.Snapshot().Messages); got != 1 {
		t.Fatalf("expected late result discarded, got %d messages", got)
	}
	if !contains(ch.left, "u1_u2") {
		t.Fatalf("expected room left on close, got %v", ch.left)
	}
}

func TestCloseLetsInFlightReadAcksFinish(t *testing.T) {
	fapi := newFakeAPI()
	fapi.history["u2"] = []models.Message{{ID: "m1", SenderID: "u2", RecipientID: "u1", Content: "hi"}}
	fapi.statusGate = make(chan struct{})
	ch := &fakeChannel{}
	c := newTestController(t, fapi, ch)

	if err := c.OpenConversation(context.Background(), "u2"); err != nil {
		t.Fatalf("OpenConversation failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	close(fapi.statusGate)
	c.WaitAcks()

	fapi.mu.Lock()
	aborted := fapi.aborted
	fapi.mu.Unlock()
	if aborted != 0 {
		t.Fatalf("expected no aborted read acks, got %d", aborted)
	}
	if got := fapi.statusCalls(); len(got) != 1 || got[0] != "m1:read" {
		t.Fatalf("expected read ack for m1 to land, got %v", got)
	}
}

func TestPendingConversationResolvesPeerProfile(t *testing.T) {
	fapi := newFakeAPI()
	fapi.users = map[string]models.UserSummary{"u5": {ID: "u5", Name: "Eve", Username: "eve"}}
	c := newTestController(t, fapi, &fakeChannel{})

	if err := c.OpenConversation(context.Background(), "u5"); err != nil {
		t.Fatalf("OpenConversation failed: %v", err)
	}
	snap := c.Snapshot()
	if snap.Active == nil || !snap.Active.Pending {
		t.Fatalf("expected pending conversation, got %+v", snap.Active)
	}
	if snap.Active.Participant.Name != "Eve" || snap.Active.Participant.ID != "u5" {
		t.Fatalf("expected resolved participant, got %+v", snap.Active.Participant)
	}
}

func TestPendingConversationKeepsIDWhenProfileLookupFails(t *testing.T) {
	fapi := newFakeAPI()
	fapi.userErr = errors.New("boom")
	c := newTestController(t, fapi, &fakeChannel{})

	if err := c.OpenConversation(context.Background(), "u6"); err != nil {
		t.Fatalf("OpenConversation failed: %v", err)
	}
	snap := c.Snapshot()
	if snap.State != StateReady {
		t.Fatalf("expected ready state, got %s", snap.State)
	}
	if got := snap.Active.Participant; got.ID != "u6" || got.Name != "" {
		t.Fatalf("expected id-only participant, got %+v", got)
	}
}
