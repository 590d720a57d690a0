package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Gate policies for a stage.
const (
	GateAuto             = "auto"
	GateRequiresApproval = "requires_approval"
)

// Config models bidline.yml.
type Config struct {
	Pipeline struct {
		Stages []StageConfig `yaml:"stages"`
	} `yaml:"pipeline"`
	Retry struct {
		MaxAttempts  int `yaml:"max_attempts"`
		BaseDelayMS  int `yaml:"base_delay_ms"`
		MaxDelayMS   int `yaml:"max_delay_ms"`
		StageTimeout int `yaml:"stage_timeout_seconds"`
	} `yaml:"retry"`
	Ranker struct {
		TopN    int `yaml:"top_n"`
		Weights struct {
			Vector   float64 `yaml:"vector"`
			Metadata float64 `yaml:"metadata"`
			Quality  float64 `yaml:"quality"`
			Outcome  float64 `yaml:"outcome"`
			Recency  float64 `yaml:"recency"`
		} `yaml:"weights"`
	} `yaml:"ranker"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// StageConfig declares one pipeline stage. Order in the list is execution
// order; gates decide whether a human must approve before the next stage.
type StageConfig struct {
	Name   string   `yaml:"name"`
	Gate   string   `yaml:"gate"`
	Inputs []string `yaml:"inputs"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
}

// Load reads and validates config from workspace, falling back to the
// built-in default pipeline when bidline.yml does not exist.
func Load(workspace string) (*Config, error) {
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Pipeline.Stages) == 0 {
		return fmt.Errorf("config.pipeline.stages is required")
	}
	seen := map[string]bool{}
	for i, s := range c.Pipeline.Stages {
		if s.Name == "" {
			return fmt.Errorf("stage %d has empty name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stage name %s", s.Name)
		}
		seen[s.Name] = true
		switch s.Gate {
		case GateAuto, GateRequiresApproval:
		default:
			return fmt.Errorf("stage %s has invalid gate %q", s.Name, s.Gate)
		}
		for _, in := range s.Inputs {
			if in == "intake" {
				continue
			}
			if !seen[in] {
				return fmt.Errorf("stage %s requires input %s which is not an earlier stage", s.Name, in)
			}
		}
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config.retry.max_attempts must be positive")
	}
	w := c.Ranker.Weights
	total := w.Vector + w.Metadata + w.Quality + w.Outcome + w.Recency
	if total < 0.999 || total > 1.001 {
		return fmt.Errorf("ranker weights must sum to 1.0, got %.3f", total)
	}
	if c.Ranker.TopN <= 0 {
		return fmt.Errorf("config.ranker.top_n must be positive")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// StageTimeout returns the per-stage executor timeout.
func (c *Config) StageTimeout() time.Duration {
	if c.Retry.StageTimeout <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.Retry.StageTimeout) * time.Second
}

// BaseDelay returns the first retry backoff delay.
func (c *Config) BaseDelay() time.Duration {
	if c.Retry.BaseDelayMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Retry.BaseDelayMS) * time.Millisecond
}

// MaxDelay caps the retry backoff delay.
func (c *Config) MaxDelay() time.Duration {
	if c.Retry.MaxDelayMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Retry.MaxDelayMS) * time.Millisecond
}

// StageNames returns pipeline stage names in execution order.
func (c *Config) StageNames() []string {
	names := make([]string, 0, len(c.Pipeline.Stages))
	for _, s := range c.Pipeline.Stages {
		names = append(names, s.Name)
	}
	return names
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bidline.yml")
}

// Default returns the built-in proposal pipeline config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
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

// GenerateDefault returns the default config YAML for `bl config init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `pipeline:
  stages:
    - name: intake_analysis
      gate: auto
      inputs: [intake]
    - name: reference_ranking
      gate: auto
      inputs: [intake_analysis]
    - name: gap_analysis
      gate: requires_approval
      inputs: [intake_analysis, reference_ranking]
    - name: outline
      gate: requires_approval
      inputs: [gap_analysis]
    - name: draft_sections
      gate: requires_approval
      inputs: [outline]
    - name: final_assembly
      gate: auto
      inputs: [draft_sections]

retry:
  max_attempts: 3
  base_delay_ms: 500
  max_delay_ms: 30000
  stage_timeout_seconds: 120

ranker:
  top_n: 5
  weights:
    vector: 0.40
    metadata: 0.20
    quality: 0.15
    outcome: 0.15
    recency: 0.10
`
