// Package registry holds the static stage requirements of the onboarding
// approval process. A Registry is built once at startup and never mutated;
// changing requirements is a deploy-time operation.
package registry

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed stages.yaml
var defaultStagesYAML []byte

// ConditionTimeout is the only escalation condition currently defined.
const ConditionTimeout = "timeout"

// EscalationRule says who takes over a stage when condition holds.
type EscalationRule struct {
	Condition  string   `yaml:"condition"`
	EscalateTo []string `yaml:"escalate_to"`
}

// StageRequirement is the configuration of one approval stage.
type StageRequirement struct {
	ID                string           `yaml:"id"`
	Name              string           `yaml:"name"`
	RequiredRoles     []string         `yaml:"required_roles"`
	RequiredDocuments []string         `yaml:"required_documents"`
	TimeoutHours      int              `yaml:"timeout_hours"`
	Escalation        []EscalationRule `yaml:"escalation"`
}

// AllowsRole reports whether role may decide this stage.
func (s StageRequirement) AllowsRole(role string) bool {
	return contains(s.RequiredRoles, role)
}

// EscalationRoles returns the escalateTo set of the rule for condition.
func (s StageRequirement) EscalationRoles(condition string) []string {
	for _, r := range s.Escalation {
		if r.Condition == condition {
			return append([]string(nil), r.EscalateTo...)
		}
	}
	return nil
}

// AllEscalationRoles is the union of every rule's escalateTo set.
func (s StageRequirement) AllEscalationRoles() []string {
	var out []string
	for _, r := range s.Escalation {
		for _, role := range r.EscalateTo {
			if !contains(out, role) {
				out = append(out, role)
			}
		}
	}
	return out
}

type document struct {
	Stages []StageRequirement `yaml:"stages"`
}

// Registry is an ordered, read-only lookup of stage requirements.
type Registry struct {
	order  []string
	stages map[string]StageRequirement
}

// Default returns the registry built from the embedded stage document.
func Default() (*Registry, error) {
	return Parse(defaultStagesYAML)
}

// Load reads a registry from path, or the embedded default when path is empty.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stage registry %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse builds a registry from a YAML document and validates it.
func Parse(raw []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse stage registry: %w", err)
	}
	return New(doc.Stages)
}

// New builds a registry from stages in execution order.
func New(stages []StageRequirement) (*Registry, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("stage registry must declare at least one stage")
	}
	r := &Registry{stages: make(map[string]StageRequirement, len(stages))}
	for i, s := range stages {
		if s.ID == "" {
			return nil, fmt.Errorf("stage %d has no id", i)
		}
		if _, dup := r.stages[s.ID]; dup {
			return nil, fmt.Errorf("stage %s declared twice", s.ID)
		}
		if len(s.RequiredRoles) == 0 {
			return nil, fmt.Errorf("stage %s has no required roles", s.ID)
		}
		if s.TimeoutHours <= 0 {
			return nil, fmt.Errorf("stage %s must have a positive timeout", s.ID)
		}
		for _, rule := range s.Escalation {
			if rule.Condition != ConditionTimeout {
				return nil, fmt.Errorf("stage %s: unsupported escalation condition %q", s.ID, rule.Condition)
			}
			if len(rule.EscalateTo) == 0 {
				return nil, fmt.Errorf("stage %s: escalation rule has no target roles", s.ID)
			}
		}
		r.order = append(r.order, s.ID)
		r.stages[s.ID] = s
	}
	return r, nil
}

// Stages returns the stage ids in execution order.
func (r *Registry) Stages() []string {
	return append([]string(nil), r.order...)
}

// Get returns the requirement for a stage.
func (r *Registry) Get(stage string) (StageRequirement, bool) {
	s, ok := r.stages[stage]
	return s, ok
}

// Next returns the stage after stage, or "" when stage is last.
func (r *Registry) Next(stage string) string {
	for i, id := range r.order {
		if id == stage && i+1 < len(r.order) {
			return r.order[i+1]
		}
	}
	return ""
}

// First returns the first stage id.
func (r *Registry) First() string {
	return r.order[0]
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
