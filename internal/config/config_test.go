package config_test

import (
	"strings"
	"testing"

	"conductor/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default("proj-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.ID != "proj-1" {
		t.Fatalf("project id %q", cfg.Project.ID)
	}
	if len(cfg.Workflow.Phases) != 5 {
		t.Fatalf("expected 5 phases, got %d", len(cfg.Workflow.Phases))
	}
	first, ok := cfg.Phase(1)
	if !ok || first.Gate != "vision_doc" || first.Command != "" {
		t.Fatalf("unexpected first phase: %+v", first)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("proj-1")))
	if err != nil {
		t.Fatalf("parse generated config: %v", err)
	}
	if cfg.Agent.BaseURL == "" || cfg.Agent.ConversationPrefix != "pm-project-" {
		t.Fatalf("unexpected agent section: %+v", cfg.Agent)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "missing project id",
			mutate:  func(c *config.Config) { c.Project.ID = "" },
			wantErr: "project.id",
		},
		{
			name:    "missing agent url",
			mutate:  func(c *config.Config) { c.Agent.BaseURL = "" },
			wantErr: "base_url",
		},
		{
			name:    "phase number gap",
			mutate:  func(c *config.Config) { c.Workflow.Phases[2].Number = 7 },
			wantErr: "increase by 1",
		},
		{
			name:    "unknown gate kind",
			mutate:  func(c *config.Config) { c.Workflow.Phases[0].Gate = "sign_off" },
			wantErr: "unknown gate kind",
		},
		{
			name: "phase with neither command nor gate",
			mutate: func(c *config.Config) {
				c.Workflow.Phases[1].Command = ""
				c.Workflow.Phases[1].Gate = ""
			},
			wantErr: "needs a command",
		},
		{
			name:    "heartbeat too slow",
			mutate:  func(c *config.Config) { c.Feed.HeartbeatSeconds = 60 },
			wantErr: "heartbeat_seconds",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default("proj-1")
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
