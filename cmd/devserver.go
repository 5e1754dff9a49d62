package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"giglink/config"
	"giglink/devserver"
	"giglink/discovery"
	"giglink/logging"
	"giglink/models"
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory GigLink backend for local development",
	Long: `devserver serves the REST API and the real-time gateway from memory.
Users are created from --users and a bearer token is printed for each.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		userFlags, _ := cmd.Flags().GetStringSlice("users")
		advertise, _ := cmd.Flags().GetBool("advertise")
		instance, _ := cmd.Flags().GetString("instance")
		seed, _ := cmd.Flags().GetBool("seed")
		origins, _ := cmd.Flags().GetStringSlice("allowed-origins")

		level := config.DefaultLogLevel
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			level = "debug"
		}
		pretty, _ := cmd.Flags().GetBool("pretty")
		logger := logging.New(logging.Options{Level: level, Pretty: pretty})

		srv := devserver.New(devserver.Options{Logger: logger, AllowedOrigins: origins})
		users := parseUsers(userFlags)
		out := cmd.OutOrStdout()
		for _, user := range users {
			srv.AddUser(user)
			token, err := srv.IssueToken(user.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s\t%s\n", user.ID, token)
		}
		if seed {
			seedFeed(srv, users)
		}

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}

		if advertise {
			port := ln.Addr().(*net.TCPAddr).Port
			advertiser, err := discovery.Advertise(discovery.Config{InstanceName: instance, Port: port, Scheme: "http"})
			if err != nil {
				_ = ln.Close()
				return err
			}
			defer advertiser.Stop()
			logger.Info().Str("instance", instance).Int("port", port).Msg("advertising backend via mDNS")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.Serve(ctx, ln)
	},
}

// parseUsers turns "id" or "id:Display Name" entries into users.
func parseUsers(entries []string) []models.UserSummary {
	users := make([]models.UserSummary, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, name, _ := strings.Cut(entry, ":")
		users = append(users, models.UserSummary{ID: id, Name: name, Username: id})
	}
	return users
}

// seedFeed gives every user a small notification feed and pending link
// requests from the other users.
func seedFeed(srv *devserver.Server, users []models.UserSummary) {
	for i, user := range users {
		srv.SetPendingLinks(user.ID, i+1)
		for _, other := range users {
			if other.ID == user.ID {
				continue
			}
			srv.AddNotification(user.ID, models.Notification{
				Type:     models.NotificationLinkRequest,
				SenderID: other.ID,
				Message:  other.DisplayName() + " wants to connect",
			})
			srv.AddNotification(user.ID, models.Notification{
				Type:      models.NotificationProfileView,
				SenderID:  other.ID,
				RelatedID: other.ID,
				Message:   other.DisplayName() + " viewed your profile",
			})
		}
	}
}

func init() {
	devserverCmd.Flags().String("addr", ":5000", "listen address")
	devserverCmd.Flags().StringSlice("users", []string{"u1:Alice", "u2:Bob"}, "users to create, as id or id:name")
	devserverCmd.Flags().Bool("advertise", false, "advertise the backend via mDNS")
	devserverCmd.Flags().String("instance", "giglink-dev", "mDNS instance name")
	devserverCmd.Flags().Bool("seed", false, "seed notifications and pending link requests")
	devserverCmd.Flags().StringSlice("allowed-origins", nil, "CORS origins allowed to call the API")

	rootCmd.AddCommand(devserverCmd)
}
