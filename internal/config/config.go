package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models stagegate.yml.
type Config struct {
	Schedule []StageConfig `yaml:"schedule"`

	Signer struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"signer"`

	Verifier struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"verifier"`

	Verification struct {
		MinConfidence     float64  `yaml:"min_confidence"`
		DefaultCategories []string `yaml:"default_categories"`
	} `yaml:"verification"`

	Server struct {
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// StageConfig is one tranche of the release schedule.
type StageConfig struct {
	Index      int `yaml:"index"`
	Percentage int `yaml:"percentage"`
}

// Validate ensures the config meets the schedule invariants: indices are
// exactly 0..N-1 in order and percentages sum to 100.
func (c *Config) Validate() error {
	if len(c.Schedule) == 0 {
		return fmt.Errorf("config.schedule is required")
	}
	sum := 0
	for i, s := range c.Schedule {
		if s.Index != i {
			return fmt.Errorf("config.schedule indices must be contiguous from 0; got %d at position %d", s.Index, i)
		}
		if s.Percentage <= 0 || s.Percentage > 100 {
			return fmt.Errorf("config.schedule stage %d has invalid percentage %d", s.Index, s.Percentage)
		}
		sum += s.Percentage
	}
	if sum != 100 {
		return fmt.Errorf("config.schedule percentages must sum to 100; got %d", sum)
	}
	if c.Verification.MinConfidence < 0 || c.Verification.MinConfidence > 1 {
		return fmt.Errorf("config.verification.min_confidence must be in [0,1]")
	}
	return nil
}

// StageCount returns the number of stages in the schedule.
func (c *Config) StageCount() int {
	return len(c.Schedule)
}

// StagePercentage returns the percentage for a stage index, or an error if the
// index is outside the schedule.
func (c *Config) StagePercentage(index int) (int, error) {
	if index < 0 || index >= len(c.Schedule) {
		return 0, fmt.Errorf("invalid stage index: %d", index)
	}
	return c.Schedule[index].Percentage, nil
}

// StageAmount computes the SOL amount of a stage for a given stream total.
func (c *Config) StageAmount(total float64, index int) (float64, error) {
	pct, err := c.StagePercentage(index)
	if err != nil {
		return 0, err
	}
	return total * float64(pct) / 100, nil
}

// SignerTimeout returns the signer call timeout (consensus confirmation can be
// slow).
func (c *Config) SignerTimeout() time.Duration {
	if c.Signer.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Signer.TimeoutSeconds) * time.Second
}

// VerifierTimeout returns the verifier call timeout (image analysis can be
// slow).
func (c *Config) VerifierTimeout() time.Duration {
	if c.Verifier.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Verifier.TimeoutSeconds) * time.Second
}

// Categories returns the categories to verify against, falling back to the
// configured defaults when the caller supplied none.
func (c *Config) Categories(requested []string) []string {
	if len(requested) > 0 {
		return requested
	}
	return c.Verification.DefaultCategories
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stagegate.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with sg config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
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

// Default returns the default Config.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `schedule:
  - index: 0
    percentage: 5
  - index: 1
    percentage: 15
  - index: 2
    percentage: 30
  - index: 3
    percentage: 50

signer:
  url: http://localhost:3001
  timeout_seconds: 60

verifier:
  url: http://localhost:8001
  timeout_seconds: 60

verification:
  min_confidence: 0.5
  default_categories: [donation, charity, receipt, payment]

server:
  base_path: /v1
`
