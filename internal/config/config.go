package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models escrowline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Settlement struct {
		// FeePermille is the platform fee on worker-bound totals, in
		// thousandths (25 = 2.5%). Paid by the client on top of payouts.
		FeePermille int64 `yaml:"fee_permille"`
	} `yaml:"settlement"`
	Milestones struct {
		DefaultRevisionLimit int `yaml:"default_revision_limit"`
	} `yaml:"milestones"`
	Ledger struct {
		Endpoint    string `yaml:"endpoint"`
		AuthTimeout int    `yaml:"auth_timeout_seconds"`
	} `yaml:"ledger"`
	Chain struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"chain"`
	// Gas holds per-operation estimates (in gas units) of the on-chain
	// call each off-chain operation avoids; used for savings accounting.
	Gas      map[string]int64 `yaml:"gas"`
	Webhooks []WebhookConfig  `yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with esc project config import --file <path>", path)
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
	if c.Project.Kind != "escrow-project" {
		return fmt.Errorf("config.project.kind must be 'escrow-project'")
	}
	if c.Settlement.FeePermille < 0 || c.Settlement.FeePermille > 1000 {
		return fmt.Errorf("config.settlement.fee_permille must be in [0,1000]")
	}
	if c.Milestones.DefaultRevisionLimit < 0 {
		return fmt.Errorf("config.milestones.default_revision_limit must be >= 0")
	}
	for op, gas := range c.Gas {
		if op == "" {
			return fmt.Errorf("config.gas contains empty operation name")
		}
		if gas < 0 {
			return fmt.Errorf("config.gas.%s must be >= 0", op)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// GasFor returns the gas-saved estimate for an operation type.
func (c *Config) GasFor(op string) int64 {
	if c == nil || c.Gas == nil {
		return 0
	}
	return c.Gas[op]
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "escrowline.yml")
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
	cfg.Project.ID = projectID
	cfg.Project.Kind = "escrow-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
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
  kind: escrow-project

settlement:
  fee_permille: 25

milestones:
  default_revision_limit: 3

ledger:
  endpoint: http://127.0.0.1:8546
  auth_timeout_seconds: 30

chain:
  endpoint: http://127.0.0.1:8545

gas:
  session.create: 180000
  milestone.submit: 95000
  milestone.approve: 110000
  milestone.revise: 72000
  dispute.raise: 130000
  dispute.resolve: 140000
  dispute.cancel: 65000
`
