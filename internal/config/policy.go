package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/boddenberg/quality-loop-go/internal/domain"
)

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

// Policy is the tunable decision policy of the loop.
type Policy struct {
	Directionality       domain.Directionality           `yaml:"directionality"`
	SeverityThresholds   domain.SeverityThresholds       `yaml:"severity_thresholds"`
	SLAMetrics           []string                        `yaml:"sla_metrics"`
	SLAFloor             float64                         `yaml:"sla_floor"`
	ComponentCriticality map[string]string               `yaml:"component_criticality"`
	RecoveryFactors      map[domain.ProposalType]float64 `yaml:"recovery_factors"`
	Rules                []domain.RootCauseRule          `yaml:"rules"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	var p Policy
	if err := yaml.Unmarshal(defaultPolicyYAML, &p); err != nil {
		panic("config: embedded policy is invalid: " + err.Error())
	}
	if p.ComponentCriticality == nil {
		p.ComponentCriticality = map[string]string{}
	}
	return &p
}

// LoadPolicy overlays the YAML file at path on the built-in policy. An empty
// path or a missing file yields the defaults.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return p, nil
		}
		return nil, fmt.Errorf("read policy: %w", err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks internal consistency of the policy.
func (p *Policy) Validate() error {
	for metric, dir := range p.Directionality {
		if dir != domain.HigherIsBetter && dir != domain.LowerIsBetter {
			return &domain.ErrValidation{Field: "directionality." + metric, Message: "unknown direction " + string(dir)}
		}
	}

	t := p.SeverityThresholds
	if !(t.Critical > t.High && t.High > t.Medium && t.Medium > t.Low && t.Low > 0) {
		return &domain.ErrValidation{Field: "severity_thresholds", Message: "must be strictly decreasing and positive"}
	}
	if p.SLAFloor <= 0 || p.SLAFloor > 1 {
		return &domain.ErrValidation{Field: "sla_floor", Message: "must be in (0, 1]"}
	}

	for name, level := range p.ComponentCriticality {
		if _, ok := criticalityWeights[level]; !ok {
			return &domain.ErrValidation{Field: "component_criticality." + name, Message: "must be low, medium or high"}
		}
	}

	seen := make(map[string]bool, len(p.Rules))
	for i, r := range p.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if r.ID == "" || seen[r.ID] {
			return &domain.ErrValidation{Field: field + ".id", Message: "must be present and unique"}
		}
		seen[r.ID] = true
		if r.Weight <= 0 || r.Weight > 1 {
			return &domain.ErrValidation{Field: field + ".weight", Message: "must be in (0, 1]"}
		}
		if r.Category == "" {
			return &domain.ErrValidation{Field: field + ".category", Message: "is required"}
		}
		for _, pt := range r.ProposalTypes {
			if !pt.Valid() {
				return &domain.ErrValidation{Field: field + ".proposal_types", Message: "unknown type " + string(pt)}
			}
		}
	}
	return nil
}

var criticalityWeights = map[string]int{"low": 1, "medium": 2, "high": 3}

// CriticalityWeight returns 1, 2 or 3 for a component; unknown components
// count as medium.
func (p *Policy) CriticalityWeight(component string) int {
	if w, ok := criticalityWeights[p.ComponentCriticality[component]]; ok {
		return w
	}
	return criticalityWeights["medium"]
}
