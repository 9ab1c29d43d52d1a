package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexus-agents/agentgw/internal/config"
)

func buildStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the effective configuration without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "listen_addr:              %s\n", cfg.Server.ListenAddr)
			fmt.Fprintf(out, "history.driver:           %s\n", cfg.History.Driver)
			fmt.Fprintf(out, "llm.default_provider:     %s\n", cfg.LLM.DefaultProvider)
			fmt.Fprintf(out, "llm.providers configured: %d\n", len(cfg.LLM.Providers))
			fmt.Fprintf(out, "tool_servers configured:  %d\n", len(cfg.ToolServers))
			fmt.Fprintf(out, "agent_manager.max_instances:        %d\n", cfg.AgentManager.MaxInstances)
			fmt.Fprintf(out, "agent_manager.instance_ttl_seconds: %d\n", cfg.AgentManager.InstanceTTLSeconds)
			fmt.Fprintf(out, "permission.default_timeout_seconds: %d\n", cfg.Permission.DefaultTimeoutSeconds)
			fmt.Fprintf(out, "stream.subscriber_queue_size:       %d\n", cfg.Stream.SubscriberQueueSize)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "agentgw.yaml", "Path to YAML configuration file")
	return cmd
}
