package loop

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidLoopDefinition is returned when a definition cannot drive an
// execution (no phases, duplicate ids, dangling references).
var ErrInvalidLoopDefinition = errors.New("invalid loop definition")

// Definition is an ordered template of phases, skills and gates. A snapshot
// of the definition is stored with each execution so later edits to the
// source file never mutate in-flight runs.
type Definition struct {
	ID     string  `yaml:"id" json:"id"`
	Name   string  `yaml:"name" json:"name,omitempty"`
	Phases []Phase `yaml:"phases" json:"phases"`
}

type Phase struct {
	Name   string  `yaml:"name" json:"name"`
	Skills []Skill `yaml:"skills" json:"skills,omitempty"`
	Gate   *Gate   `yaml:"gate" json:"gate,omitempty"`
}

type Skill struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name,omitempty"`
	Required bool   `yaml:"required" json:"required"`
	Parallel bool   `yaml:"parallel" json:"parallel"`
}

// Gate follows its phase. Guarantees lists catalog ids checked at approval
// time in addition to the registry's gate bindings.
type Gate struct {
	ID         string   `yaml:"id" json:"id"`
	Approval   string   `yaml:"approval" json:"approval"`
	Enabled    *bool    `yaml:"enabled" json:"enabled,omitempty"`
	Guarantees []string `yaml:"guarantees" json:"guarantees,omitempty"`
	// Priority orders the human approval queue; higher is reviewed first.
	Priority int `yaml:"priority" json:"priority,omitempty"`
}

// GateEnabled defaults to true when the flag is omitted.
func (g *Gate) GateEnabled() bool {
	return g.Enabled == nil || *g.Enabled
}

// FromFile reads and validates a definition from a YAML file.
func FromFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a definition.
func FromYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("invalid loop yaml: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural invariants of a definition.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidLoopDefinition)
	}
	if len(d.Phases) == 0 {
		return fmt.Errorf("%w: loop %s has no phases", ErrInvalidLoopDefinition, d.ID)
	}
	phaseNames := map[string]bool{}
	skillIDs := map[string]bool{}
	gateIDs := map[string]bool{}
	for i, p := range d.Phases {
		if p.Name == "" {
			return fmt.Errorf("%w: phase %d has no name", ErrInvalidLoopDefinition, i)
		}
		if phaseNames[p.Name] {
			return fmt.Errorf("%w: duplicate phase %s", ErrInvalidLoopDefinition, p.Name)
		}
		phaseNames[p.Name] = true
		for _, s := range p.Skills {
			if s.ID == "" {
				return fmt.Errorf("%w: phase %s has skill with no id", ErrInvalidLoopDefinition, p.Name)
			}
			if skillIDs[s.ID] {
				return fmt.Errorf("%w: duplicate skill %s", ErrInvalidLoopDefinition, s.ID)
			}
			skillIDs[s.ID] = true
		}
		if p.Gate != nil {
			if p.Gate.ID == "" {
				return fmt.Errorf("%w: phase %s has gate with no id", ErrInvalidLoopDefinition, p.Name)
			}
			if gateIDs[p.Gate.ID] {
				return fmt.Errorf("%w: duplicate gate %s", ErrInvalidLoopDefinition, p.Gate.ID)
			}
			gateIDs[p.Gate.ID] = true
			switch p.Gate.Approval {
			case "human", "auto":
			default:
				return fmt.Errorf("%w: gate %s approval must be human or auto", ErrInvalidLoopDefinition, p.Gate.ID)
			}
		}
	}
	return nil
}

// PhaseIndex returns the position of a phase name, or -1.
func (d *Definition) PhaseIndex(name string) int {
	for i, p := range d.Phases {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// SkillIDs lists every skill id in declaration order.
func (d *Definition) SkillIDs() []string {
	var ids []string
	for _, p := range d.Phases {
		for _, s := range p.Skills {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// GateForPhase returns the gate following the named phase, if any.
func (d *Definition) GateForPhase(name string) *Gate {
	for _, p := range d.Phases {
		if p.Name == name {
			return p.Gate
		}
	}
	return nil
}

// MarshalSnapshot serializes the definition for storage with an execution.
func (d *Definition) MarshalSnapshot() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FromSnapshot restores a definition stored with an execution.
func FromSnapshot(data string) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal([]byte(data), &def); err != nil {
		return nil, fmt.Errorf("loop snapshot: %w", err)
	}
	return &def, nil
}
