package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"giglink/conversation"
	"giglink/realtime"
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		if _, err := a.requireLogin(); err != nil {
			return err
		}
		conversations, err := a.api.ListConversations(cmd.Context())
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		printConversations(cmd.OutOrStdout(), conversations)
		return nil
	}),
}

var openCmd = &cobra.Command{
	Use:   "open <peer-id>",
	Short: "Show a conversation and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		return withConversation(cmd.Context(), a, args[0], func(ctrl *conversation.Controller, self string) error {
			snap := ctrl.Snapshot()
			if snap.Active != nil && snap.Active.Pending {
				fmt.Fprintf(cmd.OutOrStdout(), "New conversation with %s\n", snap.Active.Participant.DisplayName())
			}
			printMessages(cmd.OutOrStdout(), self, snap.Messages, snap.FirstUnread)
			return nil
		})
	}),
}

var sendCmd = &cobra.Command{
	Use:   "send <peer-id> [text...]",
	Short: "Send a message, optionally with an attachment",
	Args:  cobra.MinimumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		replyTo, _ := cmd.Flags().GetString("reply-to")
		messageType, _ := cmd.Flags().GetString("type")
		text := strings.Join(args[1:], " ")
		if strings.TrimSpace(text) == "" && file == "" {
			return errors.New("nothing to send: provide text or --file")
		}

		return withConversation(cmd.Context(), a, args[0], func(ctrl *conversation.Controller, self string) error {
			ctrl.SetDraft(text)
			if messageType != "" {
				if err := ctrl.SetMessageType(messageType); err != nil {
					return err
				}
			}
			if file != "" {
				if err := ctrl.SelectFile(file); err != nil {
					return err
				}
			}
			if replyTo != "" {
				if err := ctrl.SetReplyTo(replyTo); err != nil {
					return err
				}
			}
			msg, err := ctrl.SendMessage(cmd.Context())
			if err != nil {
				return err
			}
			if msg != nil {
				printMessage(cmd.OutOrStdout(), self, *msg)
			}
			return nil
		})
	}),
}

var reactCmd = &cobra.Command{
	Use:   "react <peer-id> <message-id> <emoji>",
	Short: "React to a message",
	Args:  cobra.ExactArgs(3),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		return withConversation(cmd.Context(), a, args[0], func(ctrl *conversation.Controller, _ string) error {
			if err := ctrl.ReactToMessage(cmd.Context(), args[1], args[2]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Reaction sent")
			return nil
		})
	}),
}

// withConversation connects, opens the conversation with peerID and runs fn.
// Read acknowledgements are flushed before the channel closes.
func withConversation(ctx context.Context, a *app, peerID string, fn func(*conversation.Controller, string) error) error {
	self, err := a.requireLogin()
	if err != nil {
		return err
	}
	channel, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer channel.Close()

	ctrl, err := newController(a, channel, self, nil)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if err := ctrl.OpenConversation(ctx, peerID); err != nil {
		return err
	}
	runErr := fn(ctrl, self)
	ctrl.WaitAcks()
	return runErr
}

func newController(a *app, channel *realtime.Channel, self string, onChange func(conversation.Snapshot)) (*conversation.Controller, error) {
	return conversation.New(conversation.Options{
		API:      a.api,
		Channel:  channel,
		SelfID:   self,
		Logger:   a.logger,
		OnChange: onChange,
	})
}

func init() {
	sendCmd.Flags().String("file", "", "attach a file (10MB max)")
	sendCmd.Flags().String("reply-to", "", "id of a message in the conversation to reply to")
	sendCmd.Flags().String("type", "", "message type (text, file, gig_application)")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(reactCmd)
}
