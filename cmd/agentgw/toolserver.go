package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexus-agents/agentgw/internal/toolservers"
)

// buildToolServerCmd creates the "tool-server" admin command group. These
// commands hit a running agentgw serve process's own HTTP API rather than
// constructing services directly, going through the same admin routes
// admin-over-HTTP pattern.
func buildToolServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool-server",
		Short: "Register, unregister, and list MCP tool servers on a running agentgw",
	}
	cmd.AddCommand(buildToolServerRegisterCmd())
	cmd.AddCommand(buildToolServerUnregisterCmd())
	cmd.AddCommand(buildToolServerListCmd())
	return cmd
}

func buildToolServerRegisterCmd() *cobra.Command {
	var (
		server  string
		id      string
		name    string
		url     string
		command string
		risk    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a remote or local MCP tool server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			if url == "" && command == "" {
				return fmt.Errorf("one of --url or --command is required")
			}
			cfg := toolservers.ServerConfig{
				ID:      id,
				Name:    name,
				Risk:    risk,
				Timeout: timeout,
				URL:     url,
				Command: command,
			}
			client := newAPIClient(server, "")
			var resp map[string]string
			if err := client.post(cmd.Context(), "/v1/tool-servers/", cfg, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered tool server %s\n", resp["server_id"])
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Base URL of the running agentgw server")
	cmd.Flags().StringVar(&id, "id", "", "Unique tool server id")
	cmd.Flags().StringVar(&name, "name", "", "Human-readable tool server name")
	cmd.Flags().StringVar(&url, "url", "", "Remote tool server URL")
	cmd.Flags().StringVar(&command, "command", "", "Local tool server command")
	cmd.Flags().StringVar(&risk, "risk", "", "Default risk level applied to this server's tools")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Per-call timeout")
	return cmd
}

func buildToolServerUnregisterCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "unregister <server-id>",
		Short: "Unregister an MCP tool server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, "")
			if err := client.delete(cmd.Context(), "/v1/tool-servers/"+args[0]+"/"); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unregistered tool server %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Base URL of the running agentgw server")
	return cmd
}

func buildToolServerListCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tool servers and their catalogs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, "")
			var servers []struct {
				ServerID string `json:"server_id"`
				Tools    []struct {
					Name        string `json:"name"`
					Description string `json:"description"`
					Risk        string `json:"risk"`
				} `json:"tools"`
			}
			if err := client.get(cmd.Context(), "/v1/tool-servers/", &servers); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(servers) == 0 {
				fmt.Fprintln(out, "(no tool servers registered)")
				return nil
			}
			for _, s := range servers {
				fmt.Fprintf(out, "%s (%d tools)\n", s.ServerID, len(s.Tools))
				for _, t := range s.Tools {
					fmt.Fprintf(out, "  - %s [%s] %s\n", t.Name, t.Risk, t.Description)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Base URL of the running agentgw server")
	return cmd
}
