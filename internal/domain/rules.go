package domain

import "strings"

// RootCauseRule maps observed evidence to a root-cause category. Rules are
// evaluated in order and the first match wins.
type RootCauseRule struct {
	ID            string            `yaml:"id" json:"id"`
	Category      RootCauseCategory `yaml:"category" json:"category"`
	Weight        float64           `yaml:"weight" json:"weight"`
	Match         RuleMatch         `yaml:"match" json:"match"`
	ProposalTypes []ProposalType    `yaml:"proposal_types" json:"proposal_types,omitempty"`
	Hypothesis    string            `yaml:"hypothesis" json:"hypothesis,omitempty"`
}

// RuleMatch holds optional criteria. Every non-empty criterion must match;
// within one criterion any listed value is enough.
type RuleMatch struct {
	Component   string       `yaml:"component" json:"component,omitempty"`
	Metrics     []string     `yaml:"metrics" json:"metrics,omitempty"`
	ErrorTypes  []string     `yaml:"error_types" json:"error_types,omitempty"`
	ChangeKinds []ChangeKind `yaml:"change_kinds" json:"change_kinds,omitempty"`
}

// Evidence is what a rule is matched against.
type Evidence struct {
	Component   string
	Metrics     []string
	ErrorTypes  []string
	ChangeKinds []ChangeKind
}

// Matches reports whether the evidence satisfies every criterion of m.
func (m RuleMatch) Matches(ev Evidence) bool {
	if m.Component != "" && !strings.EqualFold(m.Component, ev.Component) {
		return false
	}
	if len(m.Metrics) > 0 && !anyEqualFold(m.Metrics, ev.Metrics) {
		return false
	}
	if len(m.ErrorTypes) > 0 && !anyEqualFold(m.ErrorTypes, ev.ErrorTypes) {
		return false
	}
	if len(m.ChangeKinds) > 0 {
		kinds := make([]string, len(ev.ChangeKinds))
		for i, k := range ev.ChangeKinds {
			kinds[i] = string(k)
		}
		want := make([]string, len(m.ChangeKinds))
		for i, k := range m.ChangeKinds {
			want[i] = string(k)
		}
		if !anyEqualFold(want, kinds) {
			return false
		}
	}
	return true
}

func anyEqualFold(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(w, h) {
				return true
			}
		}
	}
	return false
}
