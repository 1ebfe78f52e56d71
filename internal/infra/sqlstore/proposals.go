package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/boddenberg/quality-loop-go/internal/domain"
)

func (s *Store) CreateProposal(ctx context.Context, p *domain.ImprovementProposal, entry domain.AuditEntry) error {
	version := p.Version
	if version == 0 {
		version = 1
	}
	row := p.Clone()
	row.Version = version
	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode proposal: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO proposals (proposal_id, source_alert_id, proposal_type, status, created_at, version, body)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
			p.ProposalID, p.SourceAlertID, string(p.ProposalType), string(p.Status),
			p.CreatedAt.UnixNano(), version, string(body))
		if isUniqueViolation(err) {
			return &domain.ErrConflict{Entity: domain.EntityProposal, ID: p.ProposalID}
		}
		if err != nil {
			return fmt.Errorf("insert proposal: %w", err)
		}
		entry.Version = version
		return s.insertAudit(ctx, tx, entry)
	})
	if err != nil {
		return err
	}
	p.Version = version
	return nil
}

func (s *Store) GetProposal(ctx context.Context, proposalID string) (*domain.ImprovementProposal, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT version, body FROM proposals WHERE proposal_id = ?`), proposalID)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "proposal", ID: proposalID}
	}
	return p, err
}

func (s *Store) UpdateProposal(ctx context.Context, p *domain.ImprovementProposal, expectedVersion int, entry domain.AuditEntry) error {
	next := expectedVersion + 1
	row := p.Clone()
	row.Version = next
	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode proposal: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE proposals SET status = ?, version = ?, body = ?
WHERE proposal_id = ? AND version = ?`),
			string(p.Status), next, string(body), p.ProposalID, expectedVersion)
		if err != nil {
			return fmt.Errorf("update proposal: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("update proposal: %w", err)
		} else if n == 0 {
			return s.staleOrMissing(ctx, tx, "proposals", "proposal_id", domain.EntityProposal, p.ProposalID, expectedVersion)
		}
		entry.Version = next
		return s.insertAudit(ctx, tx, entry)
	})
	if err != nil {
		return err
	}
	p.Version = next
	return nil
}

func (s *Store) ListProposals(ctx context.Context, filter domain.ProposalFilter) ([]domain.ImprovementProposal, error) {
	query := `SELECT version, body FROM proposals WHERE 1 = 1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ProposalType != "" {
		query += ` AND proposal_type = ?`
		args = append(args, string(filter.ProposalType))
	}
	if filter.SourceAlertID != "" {
		query += ` AND source_alert_id = ?`
		args = append(args, filter.SourceAlertID)
	}
	query += ` ORDER BY created_at DESC, proposal_id ASC`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	out := []domain.ImprovementProposal{}
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) SaveValidation(ctx context.Context, result *domain.ValidationResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode validation: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireProposal(ctx, tx, result.ProposalID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO validation_results (validation_id, proposal_id, body) VALUES (?, ?, ?)`),
			result.ValidationID, result.ProposalID, string(body))
		if err != nil {
			return fmt.Errorf("insert validation: %w", err)
		}
		return nil
	})
}

func (s *Store) ListValidations(ctx context.Context, proposalID string) ([]domain.ValidationResult, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT body FROM validation_results WHERE proposal_id = ? ORDER BY seq`), proposalID)
	if err != nil {
		return nil, fmt.Errorf("list validations: %w", err)
	}
	defer rows.Close()

	out := []domain.ValidationResult{}
	for rows.Next() {
		var v domain.ValidationResult
		if err := scanBody(rows, &v); err != nil {
			return nil, fmt.Errorf("decode validation: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) SaveDecision(ctx context.Context, d *domain.DeploymentDecision) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireProposal(ctx, tx, d.ProposalID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO decisions (decision_id, proposal_id, body) VALUES (?, ?, ?)`),
			d.DecisionID, d.ProposalID, string(body))
		if isUniqueViolation(err) {
			return &domain.ErrConflict{Entity: domain.EntityProposal, ID: d.ProposalID}
		}
		if err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
		return nil
	})
}

func (s *Store) ListDecisions(ctx context.Context, proposalID string) ([]domain.DeploymentDecision, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT body FROM decisions WHERE proposal_id = ? ORDER BY seq`), proposalID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	out := []domain.DeploymentDecision{}
	for rows.Next() {
		var d domain.DeploymentDecision
		if err := scanBody(rows, &d); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) requireProposal(ctx context.Context, tx *sql.Tx, id string) error {
	ok, err := s.exists(ctx, tx, "proposals", "proposal_id", id)
	if err != nil {
		return err
	}
	if !ok {
		return &domain.ErrNotFound{Resource: "proposal", ID: id}
	}
	return nil
}

func scanProposal(row scanner) (*domain.ImprovementProposal, error) {
	var (
		version int
		body    string
	)
	if err := row.Scan(&version, &body); err != nil {
		return nil, err
	}
	var p domain.ImprovementProposal
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}
	p.Version = version
	return &p, nil
}

func scanBody(row scanner, dst any) error {
	var body string
	if err := row.Scan(&body); err != nil {
		return err
	}
	return json.Unmarshal([]byte(body), dst)
}
