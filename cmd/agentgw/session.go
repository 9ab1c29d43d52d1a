package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildSessionCmd creates the "session" admin command group, operating
// against a running agentgw server's own HTTP API.
func buildSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "List and delete sessions on a running agentgw",
	}
	cmd.AddCommand(buildSessionListCmd())
	cmd.AddCommand(buildSessionDeleteCmd())
	return cmd
}

func buildSessionListCmd() *cobra.Command {
	var (
		server string
		userID string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			client := newAPIClient(server, userID)
			var sessions []struct {
				ID           string `json:"id"`
				WindowID     string `json:"window_id"`
				ThreadID     string `json:"thread_id"`
				Status       string `json:"status"`
				LastActivity string `json:"last_activity"`
			}
			if err := client.get(cmd.Context(), "/v1/sessions/", &sessions); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "(no sessions)")
				return nil
			}
			for _, s := range sessions {
				fmt.Fprintf(out, "%s  window=%s  status=%s  last_activity=%s\n", s.ID, s.WindowID, s.Status, s.LastActivity)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Base URL of the running agentgw server")
	cmd.Flags().StringVar(&userID, "user", "", "User id to list sessions for")
	return cmd
}

func buildSessionDeleteCmd() *cobra.Command {
	var (
		server string
		userID string
		hard   bool
	)

	cmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			client := newAPIClient(server, userID)
			path := "/v1/sessions/" + args[0] + "/"
			if hard {
				path += "?hard=true"
			}
			if err := client.delete(cmd.Context(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted session %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Base URL of the running agentgw server")
	cmd.Flags().StringVar(&userID, "user", "", "User id owning the session")
	cmd.Flags().BoolVar(&hard, "hard", false, "Hard-delete rather than soft-delete the session")
	return cmd
}
