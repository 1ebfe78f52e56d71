// Package memory implements the persistence ports in process memory. It is
// the default backend for local runs and the reference backend in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/boddenberg/quality-loop-go/internal/domain"
)

// Store is a mutex-guarded implementation of port.Store. Every value crossing
// its boundary is deep-copied.
type Store struct {
	mu sync.RWMutex

	alerts      map[string]*domain.Alert
	analyses    map[string]*domain.RootCauseAnalysis
	proposals   map[string]*domain.ImprovementProposal
	validations map[string][]domain.ValidationResult
	decisions   map[string][]domain.DeploymentDecision
	audit       map[string][]domain.AuditEntry
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		alerts:      make(map[string]*domain.Alert),
		analyses:    make(map[string]*domain.RootCauseAnalysis),
		proposals:   make(map[string]*domain.ImprovementProposal),
		validations: make(map[string][]domain.ValidationResult),
		decisions:   make(map[string][]domain.DeploymentDecision),
		audit:       make(map[string][]domain.AuditEntry),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func auditKey(entity domain.EntityType, id string) string {
	return string(entity) + ":" + id
}

func (s *Store) appendAudit(entry domain.AuditEntry) {
	key := auditKey(entry.EntityType, entry.EntityID)
	s.audit[key] = append(s.audit[key], entry)
}

// ============================================================
// Alerts
// ============================================================

func (s *Store) CreateAlert(_ context.Context, alert *domain.Alert, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.alerts[alert.AlertID]; exists {
		return &domain.ErrConflict{Entity: domain.EntityAlert, ID: alert.AlertID}
	}
	if alert.Version == 0 {
		alert.Version = 1
	}
	s.alerts[alert.AlertID] = alert.Clone()
	entry.Version = alert.Version
	s.appendAudit(entry)
	return nil
}

func (s *Store) GetAlert(_ context.Context, alertID string) (*domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[alertID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "alert", ID: alertID}
	}
	return a.Clone(), nil
}

func (s *Store) FindActiveByFingerprint(_ context.Context, fingerprint string, since time.Time) (*domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *domain.Alert
	for _, a := range s.alerts {
		if a.Fingerprint != fingerprint || a.Status != domain.AlertActive || a.TriggeredAt.Before(since) {
			continue
		}
		if newest == nil || a.TriggeredAt.After(newest.TriggeredAt) {
			newest = a
		}
	}
	return newest.Clone(), nil
}

func (s *Store) UpdateAlert(_ context.Context, alert *domain.Alert, expectedVersion int, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.alerts[alert.AlertID]
	if !ok {
		return &domain.ErrNotFound{Resource: "alert", ID: alert.AlertID}
	}
	if current.Version != expectedVersion {
		return &domain.ErrConflict{Entity: domain.EntityAlert, ID: alert.AlertID, Expected: expectedVersion}
	}

	alert.Version = expectedVersion + 1
	s.alerts[alert.AlertID] = alert.Clone()
	entry.Version = alert.Version
	s.appendAudit(entry)
	return nil
}

func (s *Store) ListAlerts(_ context.Context, filter domain.AlertFilter) ([]domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if filter.Matches(a) {
			out = append(out, *a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].TriggeredAt.After(out[j].TriggeredAt)
		}
		return out[i].AlertID < out[j].AlertID
	})
	return out, nil
}

func (s *Store) SaveAnalysis(_ context.Context, analysis *domain.RootCauseAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alerts[analysis.AlertID]; !ok {
		return &domain.ErrNotFound{Resource: "alert", ID: analysis.AlertID}
	}
	if _, exists := s.analyses[analysis.AlertID]; exists {
		return &domain.ErrConflict{Entity: domain.EntityAlert, ID: analysis.AlertID}
	}
	cp := *analysis
	s.analyses[analysis.AlertID] = &cp
	return nil
}

func (s *Store) GetAnalysis(_ context.Context, alertID string) (*domain.RootCauseAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.analyses[alertID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "root cause analysis", ID: alertID}
	}
	cp := *a
	return &cp, nil
}

// ============================================================
// Proposals
// ============================================================

func (s *Store) CreateProposal(_ context.Context, p *domain.ImprovementProposal, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.proposals[p.ProposalID]; exists {
		return &domain.ErrConflict{Entity: domain.EntityProposal, ID: p.ProposalID}
	}
	if p.Version == 0 {
		p.Version = 1
	}
	s.proposals[p.ProposalID] = p.Clone()
	entry.Version = p.Version
	s.appendAudit(entry)
	return nil
}

func (s *Store) GetProposal(_ context.Context, proposalID string) (*domain.ImprovementProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.proposals[proposalID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "proposal", ID: proposalID}
	}
	return p.Clone(), nil
}

func (s *Store) UpdateProposal(_ context.Context, p *domain.ImprovementProposal, expectedVersion int, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.proposals[p.ProposalID]
	if !ok {
		return &domain.ErrNotFound{Resource: "proposal", ID: p.ProposalID}
	}
	if current.Version != expectedVersion {
		return &domain.ErrConflict{Entity: domain.EntityProposal, ID: p.ProposalID, Expected: expectedVersion}
	}

	p.Version = expectedVersion + 1
	s.proposals[p.ProposalID] = p.Clone()
	entry.Version = p.Version
	s.appendAudit(entry)
	return nil
}

func (s *Store) ListProposals(_ context.Context, filter domain.ProposalFilter) ([]domain.ImprovementProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ImprovementProposal, 0, len(s.proposals))
	for _, p := range s.proposals {
		if filter.Matches(p) {
			out = append(out, *p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ProposalID < out[j].ProposalID
	})
	return out, nil
}

func (s *Store) SaveValidation(_ context.Context, result *domain.ValidationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.proposals[result.ProposalID]; !ok {
		return &domain.ErrNotFound{Resource: "proposal", ID: result.ProposalID}
	}
	s.validations[result.ProposalID] = append(s.validations[result.ProposalID], cloneValidation(*result))
	return nil
}

func (s *Store) ListValidations(_ context.Context, proposalID string) ([]domain.ValidationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.validations[proposalID]
	out := make([]domain.ValidationResult, len(src))
	for i, v := range src {
		out[i] = cloneValidation(v)
	}
	return out, nil
}

func (s *Store) SaveDecision(_ context.Context, d *domain.DeploymentDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.proposals[d.ProposalID]; !ok {
		return &domain.ErrNotFound{Resource: "proposal", ID: d.ProposalID}
	}
	for _, existing := range s.decisions[d.ProposalID] {
		if existing.DecisionID == d.DecisionID {
			return &domain.ErrConflict{Entity: domain.EntityProposal, ID: d.ProposalID}
		}
	}
	s.decisions[d.ProposalID] = append(s.decisions[d.ProposalID], *d)
	return nil
}

func (s *Store) ListDecisions(_ context.Context, proposalID string) ([]domain.DeploymentDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.DeploymentDecision{}, s.decisions[proposalID]...), nil
}

// ============================================================
// Audit
// ============================================================

func (s *Store) History(_ context.Context, entity domain.EntityType, entityID string) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.AuditEntry{}, s.audit[auditKey(entity, entityID)]...), nil
}

func cloneValidation(v domain.ValidationResult) domain.ValidationResult {
	out := v
	out.BaselineMetrics = cloneFloats(v.BaselineMetrics)
	out.TestMetrics = cloneFloats(v.TestMetrics)
	if v.ImprovementDelta != nil {
		out.ImprovementDelta = make(map[string]domain.MetricDelta, len(v.ImprovementDelta))
		for k, d := range v.ImprovementDelta {
			out.ImprovementDelta[k] = d
		}
	}
	out.Anomalies = append([]string(nil), v.Anomalies...)
	return out
}

func cloneFloats(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
