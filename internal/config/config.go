package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models conductor.yml.
type Config struct {
	Project struct {
		ID      string `yaml:"id"`
		Name    string `yaml:"name"`
		RepoURL string `yaml:"repo_url"`
	} `yaml:"project"`
	Agent struct {
		BaseURL             string  `yaml:"base_url"`
		ConversationPrefix  string  `yaml:"conversation_prefix"`
		PollIntervalSeconds float64 `yaml:"poll_interval_seconds"`
		TimeoutSeconds      int     `yaml:"timeout_seconds"`
	} `yaml:"agent"`
	Feed struct {
		Backlog             int     `yaml:"backlog"`
		PollIntervalSeconds float64 `yaml:"poll_interval_seconds"`
		HeartbeatSeconds    int     `yaml:"heartbeat_seconds"`
	} `yaml:"feed"`
	Workflow struct {
		Phases []PhaseConfig `yaml:"phases"`
	} `yaml:"workflow"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// PhaseConfig describes one ordered workflow phase.
type PhaseConfig struct {
	Number  int      `yaml:"number"`
	Name    string   `yaml:"name"`
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	Gate    string   `yaml:"gate,omitempty"`
}

// WebhookConfig describes an outbound event delivery target, e.g. a
// chat-platform or version-control host adapter.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

var validGateKinds = map[string]bool{
	"vision_doc":       true,
	"phase_start":      true,
	"phase_complete":   true,
	"error_resolution": true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cond project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Agent.BaseURL == "" {
		return fmt.Errorf("config.agent.base_url is required")
	}
	if c.Agent.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config.agent.poll_interval_seconds must be positive")
	}
	if c.Agent.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.agent.timeout_seconds must be positive")
	}
	if c.Feed.HeartbeatSeconds <= 0 || c.Feed.HeartbeatSeconds > 30 {
		return fmt.Errorf("config.feed.heartbeat_seconds must be in (0,30]")
	}
	if len(c.Workflow.Phases) == 0 {
		return fmt.Errorf("config.workflow.phases is required")
	}
	prev := 0
	for _, p := range c.Workflow.Phases {
		if p.Number != prev+1 {
			return fmt.Errorf("phase numbers must start at 1 and increase by 1; got %d after %d", p.Number, prev)
		}
		if p.Name == "" {
			return fmt.Errorf("phase %d has no name", p.Number)
		}
		if p.Gate != "" && !validGateKinds[p.Gate] {
			return fmt.Errorf("phase %d has unknown gate kind %s", p.Number, p.Gate)
		}
		if p.Command == "" && p.Gate == "" {
			return fmt.Errorf("phase %d needs a command, a gate, or both", p.Number)
		}
		prev = p.Number
	}
	return nil
}

// Phase returns the config for a phase number, or false when out of range.
func (c *Config) Phase(number int) (PhaseConfig, bool) {
	for _, p := range c.Workflow.Phases {
		if p.Number == number {
			return p, true
		}
	}
	return PhaseConfig{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "conductor.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  name: ""
  repo_url: ""

agent:
  base_url: http://localhost:3001
  conversation_prefix: pm-project-
  poll_interval_seconds: 2
  timeout_seconds: 600

feed:
  backlog: 50
  poll_interval_seconds: 2
  heartbeat_seconds: 30

workflow:
  phases:
    - number: 1
      name: Vision Document Review
      gate: vision_doc

    - number: 2
      name: Prime Context
      command: prime

    - number: 3
      name: Plan Feature
      command: plan-feature-github
      gate: phase_start

    - number: 4
      name: Execute Implementation
      command: execute-github

    - number: 5
      name: Validate & Test
      command: validate
      gate: phase_complete
`
