package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the workspace config file.
const FileName = "missionboard.yml"

// Config models missionboard.yml.
type Config struct {
	Board    Board           `yaml:"board" json:"board"`
	Agents   Agents          `yaml:"agents" json:"agents"`
	Mission  Mission         `yaml:"mission" json:"mission"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type Board struct {
	Stages              []StageConfig       `yaml:"stages" json:"stages"`
	Transitions         map[string][]string `yaml:"transitions" json:"transitions"`
	ClaimRequired       []string            `yaml:"claim_required" json:"claim_required"`
	RejectionEscalation int                 `yaml:"rejection_escalation" json:"rejection_escalation"`
	ReopenTo            string              `yaml:"reopen_to" json:"reopen_to"`
}

type StageConfig struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	WIPLimit *int   `yaml:"wip_limit,omitempty" json:"wip_limit,omitempty"`
}

type Agents struct {
	Namespace string                `yaml:"namespace" json:"namespace"`
	Members   map[string]string     `yaml:"members" json:"members"`
	Roles     map[string]RoleConfig `yaml:"roles" json:"roles"`
}

// RoleConfig is the fixed capability set of one agent role.
type RoleConfig struct {
	Description    string   `yaml:"description" json:"description"`
	DenyKinds      []string `yaml:"deny_kinds,omitempty" json:"deny_kinds,omitempty"`
	WriteAllow     []string `yaml:"write_allow,omitempty" json:"write_allow,omitempty"`
	WriteDeny      []string `yaml:"write_deny,omitempty" json:"write_deny,omitempty"`
	DenyOperations []string `yaml:"deny_operations,omitempty" json:"deny_operations,omitempty"`
}

type Mission struct {
	Prechecks           []CheckConfig `yaml:"prechecks,omitempty" json:"prechecks,omitempty"`
	Postchecks          []CheckConfig `yaml:"postchecks,omitempty" json:"postchecks,omitempty"`
	CheckTimeoutSeconds int           `yaml:"check_timeout_seconds" json:"check_timeout_seconds"`
}

// CheckConfig is a shell command run as a mission gate.
type CheckConfig struct {
	Name    string `yaml:"name" json:"name"`
	Command string `yaml:"command" json:"command"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"-"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

var actionKinds = map[string]bool{"read": true, "write": true, "edit": true, "bash": true, "board": true}

// Validate ensures the config meets required structure. Transition matrix
// invariants are enforced when the board registry is built.
func (c *Config) Validate() error {
	if len(c.Board.Stages) == 0 {
		return fmt.Errorf("config.board.stages is required")
	}
	seen := map[string]bool{}
	for i, s := range c.Board.Stages {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("config.board.stages[%d] has empty id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate stage id %s", s.ID)
		}
		if s.WIPLimit != nil && *s.WIPLimit < 0 {
			return fmt.Errorf("stage %s has negative wip_limit", s.ID)
		}
		seen[s.ID] = true
	}
	for from, targets := range c.Board.Transitions {
		if !seen[from] {
			return fmt.Errorf("transitions reference unknown stage %s", from)
		}
		for _, to := range targets {
			if !seen[to] {
				return fmt.Errorf("transition %s -> %s references unknown stage", from, to)
			}
		}
	}
	for _, s := range c.Board.ClaimRequired {
		if !seen[s] {
			return fmt.Errorf("claim_required references unknown stage %s", s)
		}
	}
	if c.Board.ReopenTo != "" && !seen[c.Board.ReopenTo] {
		return fmt.Errorf("reopen_to references unknown stage %s", c.Board.ReopenTo)
	}
	if c.Board.RejectionEscalation < 0 {
		return fmt.Errorf("config.board.rejection_escalation must be >= 0")
	}
	for roleID, role := range c.Agents.Roles {
		if roleID == "" {
			return fmt.Errorf("config.agents.roles contains empty role id")
		}
		for _, k := range role.DenyKinds {
			if !actionKinds[k] {
				return fmt.Errorf("role %s denies unknown action kind %s", roleID, k)
			}
		}
	}
	for agent, roleID := range c.Agents.Members {
		if agent == "" {
			return fmt.Errorf("config.agents.members contains empty agent id")
		}
		if _, ok := c.Agents.Roles[roleID]; !ok {
			return fmt.Errorf("agent %s references unknown role %s", agent, roleID)
		}
	}
	for _, group := range [][]CheckConfig{c.Mission.Prechecks, c.Mission.Postchecks} {
		names := map[string]bool{}
		for _, chk := range group {
			if chk.Name == "" || chk.Command == "" {
				return fmt.Errorf("mission checks require name and command")
			}
			if names[chk.Name] {
				return fmt.Errorf("duplicate mission check %s", chk.Name)
			}
			names[chk.Name] = true
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with mb config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or the built-in default when
// the file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

// CheckTimeout returns the per-check timeout in seconds.
func (c *Config) CheckTimeout() int {
	if c.Mission.CheckTimeoutSeconds <= 0 {
		return 300
	}
	return c.Mission.CheckTimeoutSeconds
}

const defaultTemplate = `board:
  stages:
    - {id: briefings, name: Briefings}
    - {id: ready, name: Ready}
    - {id: testing, name: Testing, wip_limit: 2}
    - {id: implementing, name: Implementing, wip_limit: 3}
    - {id: review, name: Review, wip_limit: 2}
    - {id: probing, name: Probing, wip_limit: 2}
    - {id: done, name: Done}
    - {id: blocked, name: Blocked}
  transitions:
    briefings: [ready, blocked]
    ready: [testing, briefings, blocked]
    testing: [implementing, ready, blocked]
    implementing: [review, testing, blocked]
    review: [probing, implementing, testing, blocked]
    probing: [done, ready, blocked]
    blocked: [ready, briefings]
    done: []
  claim_required: [testing, implementing, review, probing]
  rejection_escalation: 2
  reopen_to: ready

agents:
  namespace: ai-team
  members:
    hannibal: orchestrator
    face: planner
    murdock: tester
    ba: implementer
    lynch: reviewer
    amy: investigator
  roles:
    orchestrator:
      description: "Runs the mission; no boundary"
    planner:
      description: "Decomposes the PRD into work items"
      write_allow: ["docs/**", "**/*.md"]
      deny_operations: [item_move_force]
    tester:
      description: "Writes failing tests first"
      write_allow: ["**/*_test.go", "**/*.test.*", "**/*.spec.*", "test/**", "tests/**", "**/__tests__/**"]
      deny_operations: [item_move_force, mission_archive]
    implementer:
      description: "Makes the tests pass"
      write_deny: ["**/*_test.go", "**/*.test.*", "**/*.spec.*", "test/**", "tests/**", "**/__tests__/**"]
      deny_operations: [item_move_force, mission_archive]
    reviewer:
      description: "Reviews tests and implementation together"
      deny_kinds: [write, edit]
      deny_operations: [item_move_force, mission_archive]
    investigator:
      description: "Probes finished work for bugs"
      write_allow: ["tmp/**", "/tmp/**"]
      deny_operations: [item_move_force, mission_archive]

mission:
  check_timeout_seconds: 300
  prechecks: []
  postchecks: []
`
