package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"giglink/models"
)

type staticToken string

func (s staticToken) Token() string { return string(s) }

func newTestClient(t *testing.T, handler http.HandlerFunc, onUnauthorized func()) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Options{
		BaseURL:        server.URL + "/api/",
		Tokens:         staticToken("tok-u1"),
		OnUnauthorized: onUnauthorized,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestSendMessageCarriesBearerAndPayload(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/messages/send" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-u1" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		if r.Header.Get(RequestIDHeader) == "" {
			t.Errorf("expected request id header")
		}

		var req SendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request failed: %v", err)
		}
		if req.RecipientID != "u2" || req.Content != "hello" || req.MessageType != models.MessageTypeText {
			t.Errorf("unexpected payload %+v", req)
		}

		_ = json.NewEncoder(w).Encode(models.Message{ID: "m1", SenderID: "u1", RecipientID: "u2", Content: "hello"})
	}, nil)

	msg, err := client.SendMessage(context.Background(), SendMessageRequest{
		RecipientID: "u2",
		Content:     "hello",
		MessageType: models.MessageTypeText,
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if msg.ID != "m1" || msg.SenderID != "u1" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestUnauthorizedInvokesHookAndReturnsSentinel(t *testing.T) {
	var hooks int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"token expired"}`)
	}, func() { atomic.AddInt32(&hooks, 1) })

	_, err := client.ListConversations(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if atomic.LoadInt32(&hooks) != 1 {
		t.Fatalf("expected OnUnauthorized once, got %d", hooks)
	}
}

func TestErrorStatusDecodesAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"no such message"}`)
	}, nil)

	err := client.React(context.Background(), "missing", "👍")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "no such message" {
		t.Fatalf("unexpected APIError %+v", apiErr)
	}
}

func TestCountEndpoints(t *testing.T) {
	counts := map[string]int{
		"/api/messages/unread-count": 2,
		"/api/links/pending-count":   1,
		"/api/notifications/unread":  4,
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n, ok := counts[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]int{"count": n})
	}, nil)

	ctx := context.Background()
	messages, err := client.UnreadMessageCount(ctx)
	if err != nil || messages != 2 {
		t.Fatalf("UnreadMessageCount = %d, %v", messages, err)
	}
	links, err := client.PendingLinkCount(ctx)
	if err != nil || links != 1 {
		t.Fatalf("PendingLinkCount = %d, %v", links, err)
	}
	notifications, err := client.UnreadNotificationCount(ctx)
	if err != nil || notifications != 4 {
		t.Fatalf("UnreadNotificationCount = %d, %v", notifications, err)
	}
}

func TestUploadRejectsOversizedFileBeforeNetwork(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}, nil)

	_, err := client.UploadFile(context.Background(), "demo.wav", strings.NewReader("x"), 11*1024*1024)
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no network call, got %d", calls)
	}
}

func TestUploadSendsMultipartFile(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile failed: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		raw, _ := io.ReadAll(file)
		_ = json.NewEncoder(w).Encode(models.FileDescriptor{
			URL:      "/uploads/" + header.Filename,
			Name:     header.Filename,
			Size:     int64(len(raw)),
			MimeType: "text/plain",
		})
	}, nil)

	desc, err := client.UploadFile(context.Background(), "setlist.txt", strings.NewReader("intro\nouttro\n"), 13)
	if err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}
	if desc.Name != "setlist.txt" || desc.Size != 13 || desc.URL != "/uploads/setlist.txt" {
		t.Fatalf("unexpected descriptor %+v", desc)
	}
}

func TestNewClientValidatesOptions(t *testing.T) {
	if _, err := NewClient(Options{Tokens: staticToken("x")}); err == nil {
		t.Fatalf("expected missing base URL to fail")
	}
	if _, err := NewClient(Options{BaseURL: "http://localhost"}); err == nil {
		t.Fatalf("expected missing token source to fail")
	}
}

func TestNewClientHasNoRequestTimeout(t *testing.T) {
	client, err := NewClient(Options{BaseURL: "http://localhost/api", Tokens: staticToken("x")})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.httpClient.Timeout != 0 {
		t.Fatalf("expected no request-level timeout, got %s", client.httpClient.Timeout)
	}
}
