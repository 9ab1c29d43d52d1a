// Package main provides the CLI entry point for the agent gateway.
//
// agentgw fronts one or more LLM providers and brokers calls to remote MCP
// tool servers for a multi-user, multi-session conversational-agent
// runtime: per-session agent instances, a tool permission state machine,
// and a streaming event coordinator.
//
// # Basic Usage
//
// Start the server:
//
//	agentgw serve --config agentgw.yaml
//
// Check configured defaults without starting the server:
//
//	agentgw status --config agentgw.yaml
//
// Apply the History Store's SQL schema (postgres/sqlite drivers only):
//
//	agentgw migrate up --config agentgw.yaml
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, AWS credentials, GEMINI_API_KEY:
//     resolved per-provider from the api_key_env name configured in
//     llm.providers.<name>.api_key_env.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentgw",
		Short: "agentgw - multi-user conversational agent gateway",
		Long: `agentgw fronts LLM providers (Anthropic, OpenAI, Bedrock, Gemini) and
brokers calls to remote MCP tool servers behind a consent-gated permission
state machine, exposing a streaming chat endpoint per session.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildMigrateCmd(),
		buildToolServerCmd(),
		buildSessionCmd(),
	)

	return rootCmd
}
