package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"giglink/notifications"
)

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notifs"},
	Short:   "Inspect and manage the notification feed",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications, newest first (* marks unread)",
	Args:  cobra.NoArgs,
	RunE: withAggregator(func(cmd *cobra.Command, agg *notifications.Aggregator, _ []string) error {
		printNotifications(cmd.OutOrStdout(), agg.Snapshot().Notifications)
		return nil
	}),
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <id>",
	Short: "Mark one notification read",
	Args:  cobra.ExactArgs(1),
	RunE: withAggregator(func(cmd *cobra.Command, agg *notifications.Aggregator, args []string) error {
		return settle(cmd, agg, agg.MarkRead(cmd.Context(), args[0]))
	}),
}

var notificationsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one notification",
	Args:  cobra.ExactArgs(1),
	RunE: withAggregator(func(cmd *cobra.Command, agg *notifications.Aggregator, args []string) error {
		return settle(cmd, agg, agg.DeleteOne(cmd.Context(), args[0]))
	}),
}

var notificationsReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every notification read",
	Args:  cobra.NoArgs,
	RunE: withAggregator(func(cmd *cobra.Command, agg *notifications.Aggregator, _ []string) error {
		return settle(cmd, agg, agg.MarkAllRead(cmd.Context()))
	}),
}

var countsCmd = &cobra.Command{
	Use:   "counts",
	Short: "Show unread messages, pending link requests and notifications",
	Args:  cobra.NoArgs,
	RunE: withAggregator(func(cmd *cobra.Command, agg *notifications.Aggregator, _ []string) error {
		printCounts(cmd.OutOrStdout(), agg.Counts())
		return nil
	}),
}

// settle reverts a failed optimistic mutation before reporting it. A one-shot
// command has no later chance to reconcile.
func settle(cmd *cobra.Command, agg *notifications.Aggregator, result *notifications.Result) error {
	if result.Failed() {
		result.Revert()
		return result.Err
	}
	printCounts(cmd.OutOrStdout(), agg.Counts())
	return nil
}

// withAggregator loads counters and the feed before running fn. Counter
// failures are logged; the failing counter reads zero.
func withAggregator(run func(*cobra.Command, *notifications.Aggregator, []string) error) func(*cobra.Command, []string) error {
	return withApp(func(cmd *cobra.Command, a *app, args []string) error {
		if _, err := a.requireLogin(); err != nil {
			return err
		}
		agg, err := notifications.New(notifications.Options{
			API:          a.api,
			PollInterval: time.Duration(a.cfg.NotificationPollInterval),
			Logger:       a.logger,
		})
		if err != nil {
			return err
		}
		if err := load(cmd.Context(), a, agg); err != nil {
			return err
		}
		return run(cmd, agg, args)
	})
}

func load(ctx context.Context, a *app, agg *notifications.Aggregator) error {
	if err := agg.RefreshCounts(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("some unread counters are unavailable")
	}
	if err := agg.RefreshList(ctx); err != nil {
		return fmt.Errorf("load notifications: %w", err)
	}
	return nil
}

func init() {
	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsDeleteCmd)
	notificationsCmd.AddCommand(notificationsReadAllCmd)

	rootCmd.AddCommand(notificationsCmd)
	rootCmd.AddCommand(countsCmd)
}
