package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"giglink/conversation"
	"giglink/metrics"
	"giglink/models"
	"giglink/notifications"
	"giglink/realtime"
)

var watchCmd = &cobra.Command{
	Use:   "watch [peer-id]",
	Short: "Stay connected and stream events",
	Long: `watch keeps the real-time channel open and prints incoming events and
unread-count changes. With a peer id the conversation is opened and every line
read from stdin is sent to the peer. Lines starting with a slash are commands:

  /reply <message-id>     reply to a message with the next line
  /file <path>            attach a file to the next line
  /react <message-id> <emoji>
  /read-all               mark every notification read
  /counts                 print the unread counters
  /quit`,
	Args: cobra.MaximumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		self, err := a.requireLogin()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, end := context.WithCancelCause(ctx)
		defer end(nil)
		a.onLogout(func() { end(errSessionEnded) })

		if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
			srv := serveMetrics(a, addr)
			defer srv.Close()
		}

		channel, err := a.connect(ctx)
		if err != nil {
			return err
		}
		defer channel.Close()

		w := &watcher{out: cmd.OutOrStdout(), self: self}
		if a.cfg.UsesDiscovery() {
			stopMonitor, err := startBackendMonitor(ctx, a, channel, func(msg string) { w.printf("%s\n", msg) })
			if err != nil {
				return err
			}
			defer stopMonitor()
		}
		agg, err := notifications.New(notifications.Options{
			API:          a.api,
			Events:       channel,
			PollInterval: time.Duration(a.cfg.NotificationPollInterval),
			Logger:       a.logger,
			OnChange:     w.countsChanged,
		})
		if err != nil {
			return err
		}
		agg.Start(ctx)
		defer agg.Stop()
		a.onLogout(agg.Stop)

		unsubscribe := channel.Subscribe(w.event)
		defer unsubscribe()

		if len(args) == 0 {
			<-ctx.Done()
			return sessionCause(ctx)
		}

		ctrl, err := newController(a, channel, self, nil)
		if err != nil {
			return err
		}
		defer ctrl.Close()
		if err := ctrl.OpenConversation(ctx, args[0]); err != nil {
			return err
		}
		snap := ctrl.Snapshot()
		w.setOpen(snap.Active.ID)
		printMessages(w.out, self, snap.Messages, snap.FirstUnread)

		err = w.interact(ctx, cmd.InOrStdin(), ctrl, agg)
		ctrl.WaitAcks()
		if err != nil {
			return err
		}
		return sessionCause(ctx)
	}),
}

// sessionCause reports errSessionEnded when ctx ended because the session did.
func sessionCause(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), errSessionEnded) {
		return errSessionEnded
	}
	return nil
}

func serveMetrics(a *app, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Str("addr", addr).Msg("metrics listener failed")
		}
	}()
	a.logger.Info().Str("addr", addr).Msg("serving metrics")
	return srv
}

// watcher prints channel events for a terminal.
type watcher struct {
	out  io.Writer
	self string

	mu     sync.Mutex
	open   string
	counts models.UnreadCounts
}

func (w *watcher) setOpen(conversationID string) {
	w.mu.Lock()
	w.open = conversationID
	w.mu.Unlock()
}

func (w *watcher) printf(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, format, args...)
}

func (w *watcher) event(event realtime.Event) {
	w.mu.Lock()
	open := w.open
	w.mu.Unlock()

	switch ev := event.(type) {
	case realtime.NewMessage:
		if ev.Message.SenderID == w.self {
			return
		}
		if ev.Message.ConversationID == open {
			w.mu.Lock()
			printMessage(w.out, w.self, ev.Message)
			w.mu.Unlock()
			return
		}
		w.printf("new message from %s: %s\n", ev.Message.SenderID, preview(ev.Message))
	case realtime.MessageStatusUpdate:
		if ev.ConversationID == open {
			w.printf("%s %s\n", ev.MessageID, ev.Status)
		}
	case realtime.MessageReaction:
		if ev.ConversationID == open {
			w.printf("%s reactions: %d\n", ev.MessageID, len(ev.Reactions))
		}
	case realtime.UserTyping:
		if ev.ConversationID != open {
			return
		}
		if ev.IsTyping {
			w.printf("%s is typing...\n", ev.UserID)
		}
	case realtime.NewNotification:
		w.printf("notification: %s %s\n", ev.Notification.Type, ev.Notification.Message)
	case realtime.ConversationUpdate:
	case realtime.Connected:
		if ev.Reconnect {
			w.printf("reconnected\n")
		}
	case realtime.Disconnected:
		w.printf("connection lost, retrying\n")
	}
}

func (w *watcher) countsChanged(snap notifications.Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if snap.Counts == w.counts {
		return
	}
	w.counts = snap.Counts
	fmt.Fprintf(w.out, "unread: %d messages, %d link requests, %d notifications\n",
		snap.Counts.Messages, snap.Counts.LinkRequests, snap.Counts.Notifications)
}

func (w *watcher) interact(ctx context.Context, in io.Reader, ctrl *conversation.Controller, agg *notifications.Aggregator) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := w.handleLine(ctx, line, ctrl, agg)
			if err != nil {
				w.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (w *watcher) handleLine(ctx context.Context, line string, ctrl *conversation.Controller, agg *notifications.Aggregator) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		ctrl.SetDraft(line)
		msg, err := ctrl.SendMessage(ctx)
		if err != nil || msg == nil {
			return false, err
		}
		w.mu.Lock()
		printMessage(w.out, w.self, *msg)
		w.mu.Unlock()
		return false, nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true, nil
	case "/reply":
		if len(fields) != 2 {
			return false, errors.New("usage: /reply <message-id>")
		}
		return false, ctrl.SetReplyTo(fields[1])
	case "/file":
		if len(fields) != 2 {
			return false, errors.New("usage: /file <path>")
		}
		return false, ctrl.SelectFile(fields[1])
	case "/react":
		if len(fields) != 3 {
			return false, errors.New("usage: /react <message-id> <emoji>")
		}
		return false, ctrl.ReactToMessage(ctx, fields[1], fields[2])
	case "/read-all":
		result := agg.MarkAllRead(ctx)
		if result.Failed() {
			result.Revert()
		}
		return false, result.Err
	case "/counts":
		w.mu.Lock()
		printCounts(w.out, agg.Counts())
		w.mu.Unlock()
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}

func init() {
	watchCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9100)")
	rootCmd.AddCommand(watchCmd)
}
