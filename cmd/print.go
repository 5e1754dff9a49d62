package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"giglink/models"
)

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
}

func when(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func printConversations(out io.Writer, conversations []models.Conversation) {
	if len(conversations) == 0 {
		fmt.Fprintln(out, "No conversations")
		return
	}
	w := newTable(out)
	fmt.Fprintln(w, "PEER\tNAME\tUNREAD\tLAST MESSAGE\tWHEN")
	for _, conv := range conversations {
		last, at := "", time.Time{}
		if conv.LastMessage != nil {
			last, at = preview(*conv.LastMessage), conv.LastMessage.CreatedAt
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			conv.Participant.ID, conv.Participant.DisplayName(), conv.UnreadCount, last, when(at))
	}
	_ = w.Flush()
}

func printMessages(out io.Writer, self string, messages []models.Message, firstUnread int) {
	if len(messages) == 0 {
		fmt.Fprintln(out, "No messages yet")
		return
	}
	for i, msg := range messages {
		if i == firstUnread {
			fmt.Fprintln(out, "---- unread ----")
		}
		printMessage(out, self, msg)
	}
}

func printMessage(out io.Writer, self string, msg models.Message) {
	from := msg.SenderID
	if msg.SenderID == self {
		from = "me"
	}
	fmt.Fprintf(out, "[%s] %s %s: %s%s\n", msg.ID, msg.CreatedAt.Local().Format(time.Kitchen), from, preview(msg), marks(self, msg))
	if msg.ReplyTo != nil {
		fmt.Fprintf(out, "    reply to %s: %s\n", msg.ReplyTo.MessageID, msg.ReplyTo.Content)
	}
	if len(msg.Reactions) > 0 {
		parts := make([]string, 0, len(msg.Reactions))
		for _, r := range msg.Reactions {
			parts = append(parts, r.Emoji+" "+r.UserID)
		}
		fmt.Fprintf(out, "    %s\n", strings.Join(parts, ", "))
	}
}

func preview(msg models.Message) string {
	if msg.File != nil {
		label := fmt.Sprintf("[%s, %s]", msg.File.Name, humanize.Bytes(uint64(max(msg.File.Size, 0))))
		if msg.Content == "" {
			return label
		}
		return label + " " + msg.Content
	}
	return msg.Content
}

// marks renders delivery state for outgoing messages.
func marks(self string, msg models.Message) string {
	if msg.SenderID != self {
		return ""
	}
	switch {
	case msg.Read:
		return " ✓✓ read"
	case msg.Delivered:
		return " ✓✓"
	default:
		return " ✓"
	}
}

func printNotifications(out io.Writer, list []models.Notification) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No notifications")
		return
	}
	w := newTable(out)
	fmt.Fprintln(w, "ID\tTYPE\tFROM\tMESSAGE\tWHEN\t")
	for _, n := range list {
		from := n.SenderID
		if n.Sender != nil {
			from = n.Sender.DisplayName()
		}
		state := ""
		if !n.Read {
			state = "*"
		}
		fmt.Fprintf(w, "%s%s\t%s\t%s\t%s\t%s\t\n", state, n.ID, n.Type, from, n.Message, when(n.CreatedAt))
	}
	_ = w.Flush()
}

func printCounts(out io.Writer, counts models.UnreadCounts) {
	fmt.Fprintf(out, "Messages:      %d\n", counts.Messages)
	fmt.Fprintf(out, "Link requests: %d\n", counts.LinkRequests)
	fmt.Fprintf(out, "Notifications: %d\n", counts.Notifications)
	fmt.Fprintf(out, "Total:         %d\n", counts.Total())
}
