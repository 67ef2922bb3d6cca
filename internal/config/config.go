package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models bullpen.yml.
type Config struct {
	Crew struct {
		Name    string         `yaml:"name"`
		Workers []WorkerConfig `yaml:"workers"`
	} `yaml:"crew"`
	Providers struct {
		Order []string `yaml:"order"`
	} `yaml:"providers"`
	Policies struct {
		Tasks struct {
			MaxRetries        int `yaml:"max_retries"`
			RetryDelaySeconds int `yaml:"retry_delay_seconds"`
			StaleAfterSeconds int `yaml:"stale_after_seconds"`
			HeartbeatSeconds  int `yaml:"heartbeat_seconds"`
		} `yaml:"tasks"`
		Locks struct {
			DefaultTTLSeconds int `yaml:"default_ttl_seconds"`
		} `yaml:"locks"`
		Voting struct {
			Quorum    int     `yaml:"quorum"`
			Threshold float64 `yaml:"threshold"`
		} `yaml:"voting"`
	} `yaml:"policies"`
	Approvals struct {
		Followups map[string]string `yaml:"followups"`
	} `yaml:"approvals"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WorkerConfig struct {
	ID            string   `yaml:"id"`
	Role          string   `yaml:"role"`
	AcceptedTypes []string `yaml:"accepted_types"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

var approvalItemTypes = []string{"spec", "merge", "deploy", "generic-task"}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run bp init", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// applyDefaults fills policy numbers a partial config left at zero.
func (c *Config) applyDefaults() {
	t := &c.Policies.Tasks
	if t.MaxRetries == 0 {
		t.MaxRetries = 3
	}
	if t.RetryDelaySeconds == 0 {
		t.RetryDelaySeconds = 30
	}
	if t.StaleAfterSeconds == 0 {
		t.StaleAfterSeconds = 300
	}
	if t.HeartbeatSeconds == 0 {
		t.HeartbeatSeconds = 30
	}
	if c.Policies.Locks.DefaultTTLSeconds == 0 {
		c.Policies.Locks.DefaultTTLSeconds = 120
	}
	if c.Policies.Voting.Quorum == 0 {
		c.Policies.Voting.Quorum = 3
	}
	if c.Policies.Voting.Threshold == 0 {
		c.Policies.Voting.Threshold = 0.6
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Crew.Name == "" {
		return fmt.Errorf("config.crew.name is required")
	}
	seen := map[string]bool{}
	for _, w := range c.Crew.Workers {
		if w.ID == "" {
			return fmt.Errorf("config.crew.workers contains empty worker id")
		}
		if seen[w.ID] {
			return fmt.Errorf("config.crew.workers lists %s twice", w.ID)
		}
		seen[w.ID] = true
		for _, tt := range w.AcceptedTypes {
			if tt == "" {
				return fmt.Errorf("worker %s has empty accepted task type", w.ID)
			}
		}
	}
	for _, p := range c.Providers.Order {
		if p == "" {
			return fmt.Errorf("config.providers.order contains empty provider")
		}
	}
	if c.Policies.Tasks.MaxRetries < 0 {
		return fmt.Errorf("config.policies.tasks.max_retries must not be negative")
	}
	if c.Policies.Voting.Quorum < 1 {
		return fmt.Errorf("config.policies.voting.quorum must be at least 1")
	}
	if c.Policies.Voting.Threshold <= 0 || c.Policies.Voting.Threshold > 1 {
		return fmt.Errorf("config.policies.voting.threshold must be in (0,1]")
	}
	for itemType, followup := range c.Approvals.Followups {
		known := false
		for _, t := range approvalItemTypes {
			if itemType == t {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("config.approvals.followups references unknown item type %s", itemType)
		}
		if followup == "" {
			return fmt.Errorf("followup task type for %s is empty", itemType)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// RosterEnforced reports whether claims are restricted to listed workers.
func (c *Config) RosterEnforced() bool {
	return len(c.Crew.Workers) > 0
}

// RosterWorker returns the roster entry for a worker id.
func (c *Config) RosterWorker(id string) (WorkerConfig, bool) {
	for _, w := range c.Crew.Workers {
		if w.ID == id {
			return w, true
		}
	}
	return WorkerConfig{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bullpen.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(crewName string) string {
	return fmt.Sprintf(defaultTemplate, crewName)
}

// Default returns the default Config struct for a crew.
func Default(crewName string) *Config {
	var cfg Config
	cfg.Crew.Name = crewName
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, crewName))).Decode(&cfg)
	cfg.applyDefaults()
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
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

const defaultTemplate = `crew:
  name: %s
  workers:
    - id: planner-1
      role: planner
      accepted_types: [write_spec, plan_iteration]
    - id: builder-1
      role: builder
      accepted_types: [implement, fix_bug, deploy]
    - id: builder-2
      role: builder
      accepted_types: [implement, fix_bug]
    - id: reviewer-1
      role: reviewer
      accepted_types: [review, verify_release]

providers:
  order: [primary, secondary]

policies:
  tasks:
    max_retries: 3
    retry_delay_seconds: 30
    stale_after_seconds: 300
    heartbeat_seconds: 30
  locks:
    default_ttl_seconds: 120
  voting:
    quorum: 3
    threshold: 0.6

approvals:
  followups:
    spec: implement
    merge: deploy
    deploy: verify_release
`
