package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models gateline.yml.
type Config struct {
	Pipeline struct {
		MaxRetries          int `yaml:"max_retries"`
		CheckTimeoutSeconds int `yaml:"check_timeout_seconds"`
	} `yaml:"pipeline"`
	Gates  map[string][]string `yaml:"gates"`
	Checks struct {
		Catalog map[string]CheckConfig `yaml:"catalog"`
	} `yaml:"checks"`
	Release struct {
		BaseBranch string `yaml:"base_branch"`
		Remote     string `yaml:"remote"`
	} `yaml:"release"`
	Docs struct {
		Dir string `yaml:"dir"`
	} `yaml:"docs"`
	Server struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig describes one transition-log subscriber.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Stages         []string `yaml:"stages,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// CheckConfig describes one capability check in the catalog.
type CheckConfig struct {
	Type       string   `yaml:"type"` // exec, sql-dryrun, cloud-metadata
	Command    []string `yaml:"command,omitempty"`
	Advisory   bool     `yaml:"advisory,omitempty"`
	QueriesDir string   `yaml:"queries_dir,omitempty"`
	Project    string   `yaml:"project,omitempty"`
	Region     string   `yaml:"region,omitempty"`
	Expect     []string `yaml:"expect,omitempty"`
}

// MaxRetries returns the configured retry budget, defaulting to 3.
func (c *Config) MaxRetries() int {
	if c.Pipeline.MaxRetries > 0 {
		return c.Pipeline.MaxRetries
	}
	return 3
}

// CheckTimeoutSeconds returns the per-check timeout, defaulting to 120.
func (c *Config) CheckTimeoutSeconds() int {
	if c.Pipeline.CheckTimeoutSeconds > 0 {
		return c.Pipeline.CheckTimeoutSeconds
	}
	return 120
}

// StageChecks returns the check ids configured for a gate-bearing stage.
// An absent or empty list means the gate passes vacuously.
func (c *Config) StageChecks(stage string) []string {
	if c.Gates == nil {
		return nil
	}
	return c.Gates[stage]
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("config.pipeline.max_retries must not be negative")
	}
	if c.Pipeline.CheckTimeoutSeconds < 0 {
		return fmt.Errorf("config.pipeline.check_timeout_seconds must not be negative")
	}
	for stage, ids := range c.Gates {
		if stage != "verify" && stage != "test" {
			return fmt.Errorf("config.gates: %s is not a gate-bearing stage", stage)
		}
		for _, id := range ids {
			if id == "" {
				return fmt.Errorf("config.gates.%s has an empty check id", stage)
			}
			if _, ok := c.Checks.Catalog[id]; !ok {
				return fmt.Errorf("config.gates.%s references unknown check %s", stage, id)
			}
		}
	}
	for id, check := range c.Checks.Catalog {
		if id == "" {
			return fmt.Errorf("config.checks.catalog contains empty check id")
		}
		switch check.Type {
		case "exec":
			if len(check.Command) == 0 {
				return fmt.Errorf("check %s: exec checks require a command", id)
			}
		case "sql-dryrun":
			if check.QueriesDir == "" {
				return fmt.Errorf("check %s: sql-dryrun checks require queries_dir", id)
			}
		case "cloud-metadata":
			if check.Project == "" {
				return fmt.Errorf("check %s: cloud-metadata checks require project", id)
			}
		default:
			return fmt.Errorf("check %s: unknown type %q", id, check.Type)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gateline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with gl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
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
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `pipeline:
  max_retries: 3
  check_timeout_seconds: 120

gates:
  verify: [lint, typecheck]
  test: [unit-tests]

checks:
  catalog:
    lint:
      type: exec
      command: [golangci-lint, run, ./...]
    typecheck:
      type: exec
      command: [go, vet, ./...]
    unit-tests:
      type: exec
      command: [go, test, ./...]

release:
  base_branch: main
  remote: origin

docs:
  dir: docs/knowledge
`
