package main

import (
	"testing"

	"github.com/nexus-agents/agentgw/internal/config"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "status", "migrate", "tool-server", "session"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestBuildHistoryStoreDefaultsToMemory(t *testing.T) {
	store, err := buildHistoryStore(config.HistoryConfig{}, nil, nil)
	if err != nil {
		t.Fatalf("buildHistoryStore: %v", err)
	}
	if store == nil {
		t.Fatal("expected a non-nil history store")
	}
}

func TestBuildHistoryStoreRejectsUnknownDriver(t *testing.T) {
	if _, err := buildHistoryStore(config.HistoryConfig{Driver: "carrier-pigeon"}, nil, nil); err == nil {
		t.Fatal("expected an error for an unknown history driver")
	}
}
