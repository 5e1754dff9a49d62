package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"giglink/api"
	"giglink/models"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store a bearer token for a user",
	Long: `login stores the bearer token issued to a user. The token is checked
against the backend and sealed into local storage.`,
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		userID, _ := cmd.Flags().GetString("user")
		token, _ := cmd.Flags().GetString("token")
		if userID == "" || token == "" {
			return errors.New("--user and --token are required")
		}

		if err := a.session.Login(models.UserSummary{ID: userID}, token); err != nil {
			return err
		}
		profile, err := a.api.GetUser(cmd.Context(), userID)
		if err != nil {
			if errors.Is(err, api.ErrUnauthorized) {
				return errors.New("token rejected by the backend")
			}
			_ = a.session.Logout()
			return fmt.Errorf("verify login: %w", err)
		}
		if err := a.session.Login(*profile, token); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s)\n", profile.DisplayName(), profile.ID)
		return nil
	}),
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		if err := a.session.Logout(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
		return nil
	}),
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the current session",
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		user, ok := a.session.User()
		if !ok {
			return errNotLoggedIn
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "User:    %s (%s)\n", user.DisplayName(), user.ID)
		fmt.Fprintf(out, "Backend: %s\n", a.apiURL)
		fmt.Fprintf(out, "Gateway: %s\n", a.wsURL)
		fmt.Fprintf(out, "Device:  %s\n", a.cfg.DeviceID)
		return nil
	}),
}

func init() {
	loginCmd.Flags().String("user", "", "user id")
	loginCmd.Flags().String("token", "", "bearer token")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
}
