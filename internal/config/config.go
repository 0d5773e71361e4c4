package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models loopline.yml.
type Config struct {
	Workspace struct {
		ID string `yaml:"id"`
	} `yaml:"workspace"`
	Guarantees struct {
		Catalog map[string]GuaranteeSpec `yaml:"catalog"`
		Skills  map[string][]string      `yaml:"skills"`
		Phases  map[string][]string      `yaml:"phases"`
		Gates   map[string][]string      `yaml:"gates"`
	} `yaml:"guarantees"`
	Aggregation struct {
		IncludeOptional        bool `yaml:"include_optional"`
		RequireSkillGuarantees bool `yaml:"require_skill_guarantees"`
	} `yaml:"aggregation"`
	Leases struct {
		DefaultDurationMs int64 `yaml:"default_duration_ms"`
		MaxDurationMs     int64 `yaml:"max_duration_ms"`
	} `yaml:"leases"`
	Search struct {
		MaxMatchesPerArtifact int `yaml:"max_matches_per_artifact"`
		MaxResults            int `yaml:"max_results"`
	} `yaml:"search"`
}

// GuaranteeSpec is one catalog entry. Check selects the predicate the
// engine evaluates; deliverable names the artifact it inspects.
type GuaranteeSpec struct {
	Description string `yaml:"description"`
	Check       string `yaml:"check"`
	Deliverable string `yaml:"deliverable"`
	MinLines    int    `yaml:"min_lines"`
	Required    *bool  `yaml:"required"`
}

var validChecks = map[string]bool{
	"deliverable-exists":    true,
	"deliverable-nonempty":  true,
	"deliverable-min-lines": true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with lpl config init", path)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for id, spec := range c.Guarantees.Catalog {
		if id == "" {
			return fmt.Errorf("guarantees.catalog contains empty id")
		}
		if !validChecks[spec.Check] {
			return fmt.Errorf("guarantee %s has unknown check %q", id, spec.Check)
		}
		if spec.Deliverable == "" {
			return fmt.Errorf("guarantee %s missing deliverable", id)
		}
		if spec.Check == "deliverable-min-lines" && spec.MinLines <= 0 {
			return fmt.Errorf("guarantee %s requires min_lines > 0", id)
		}
	}
	check := func(section string, bindings map[string][]string) error {
		for target, ids := range bindings {
			if target == "" {
				return fmt.Errorf("guarantees.%s contains empty target", section)
			}
			for _, id := range ids {
				if id == "" {
					return fmt.Errorf("guarantees.%s target %s has empty guarantee id", section, target)
				}
				if len(c.Guarantees.Catalog) > 0 {
					if _, ok := c.Guarantees.Catalog[id]; !ok {
						return fmt.Errorf("guarantees.%s target %s references unknown guarantee %s", section, target, id)
					}
				}
			}
		}
		return nil
	}
	if err := check("skills", c.Guarantees.Skills); err != nil {
		return err
	}
	if err := check("phases", c.Guarantees.Phases); err != nil {
		return err
	}
	if err := check("gates", c.Guarantees.Gates); err != nil {
		return err
	}
	if c.Leases.DefaultDurationMs < 0 || c.Leases.MaxDurationMs < 0 {
		return fmt.Errorf("lease durations must be non-negative")
	}
	if c.Leases.MaxDurationMs > 0 && c.Leases.DefaultDurationMs > c.Leases.MaxDurationMs {
		return fmt.Errorf("leases.default_duration_ms exceeds leases.max_duration_ms")
	}
	if c.Search.MaxMatchesPerArtifact < 0 || c.Search.MaxResults < 0 {
		return fmt.Errorf("search limits must be non-negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "loopline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(workspaceID string) string {
	return fmt.Sprintf(defaultTemplate, workspaceID)
}

// Default returns the default Config struct for a workspace.
func Default(workspaceID string) *Config {
	var cfg Config
	cfg.Workspace.ID = workspaceID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, workspaceID))).Decode(&cfg)
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

const defaultTemplate = `workspace:
  id: %s

guarantees:
  catalog:
    architecture.exists:
      description: "Architecture document has been produced"
      check: deliverable-exists
      deliverable: ARCHITECTURE
    architecture.substantial:
      description: "Architecture document is more than a stub"
      check: deliverable-min-lines
      deliverable: ARCHITECTURE
      min_lines: 20
    plan.exists:
      description: "Implementation plan has been produced"
      check: deliverable-exists
      deliverable: PLAN
    tests.report:
      description: "Test report is present and non-empty"
      check: deliverable-nonempty
      deliverable: TEST_REPORT
    review.notes:
      description: "Review notes are present and non-empty"
      check: deliverable-nonempty
      deliverable: REVIEW_NOTES

  skills:
    design: [architecture.exists]
    plan: [plan.exists]
    test: [tests.report]
    review: [review.notes]

  phases:
    SCAFFOLD: [architecture.substantial]

  gates: {}

aggregation:
  include_optional: false
  require_skill_guarantees: false

leases:
  default_duration_ms: 600000
  max_duration_ms: 7200000

search:
  max_matches_per_artifact: 5
  max_results: 50
`
