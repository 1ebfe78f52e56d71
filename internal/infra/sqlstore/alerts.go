package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/quality-loop-go/internal/domain"
)

func (s *Store) CreateAlert(ctx context.Context, alert *domain.Alert, entry domain.AuditEntry) error {
	version := alert.Version
	if version == 0 {
		version = 1
	}
	row := alert.Clone()
	row.Version = version
	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO alerts (alert_id, fingerprint, severity, status, triggered_at, version, body)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
			alert.AlertID, alert.Fingerprint, string(alert.Severity), string(alert.Status),
			alert.TriggeredAt.UnixNano(), version, string(body))
		if isUniqueViolation(err) {
			return &domain.ErrConflict{Entity: domain.EntityAlert, ID: alert.AlertID}
		}
		if err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
		entry.Version = version
		return s.insertAudit(ctx, tx, entry)
	})
	if err != nil {
		return err
	}
	alert.Version = version
	return nil
}

func (s *Store) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT version, body FROM alerts WHERE alert_id = ?`), alertID)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "alert", ID: alertID}
	}
	return a, err
}

func (s *Store) FindActiveByFingerprint(ctx context.Context, fingerprint string, since time.Time) (*domain.Alert, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT version, body FROM alerts
WHERE fingerprint = ? AND status = ? AND triggered_at >= ?
ORDER BY triggered_at DESC, alert_id ASC LIMIT 1`),
		fingerprint, string(domain.AlertActive), since.UnixNano())
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *Store) UpdateAlert(ctx context.Context, alert *domain.Alert, expectedVersion int, entry domain.AuditEntry) error {
	next := expectedVersion + 1
	row := alert.Clone()
	row.Version = next
	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE alerts SET severity = ?, status = ?, version = ?, body = ?
WHERE alert_id = ? AND version = ?`),
			string(alert.Severity), string(alert.Status), next, string(body), alert.AlertID, expectedVersion)
		if err != nil {
			return fmt.Errorf("update alert: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("update alert: %w", err)
		} else if n == 0 {
			return s.staleOrMissing(ctx, tx, "alerts", "alert_id", domain.EntityAlert, alert.AlertID, expectedVersion)
		}
		entry.Version = next
		return s.insertAudit(ctx, tx, entry)
	})
	if err != nil {
		return err
	}
	alert.Version = next
	return nil
}

func (s *Store) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error) {
	query := `SELECT version, body FROM alerts WHERE 1 = 1`
	var args []any
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(filter.Severity))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY triggered_at DESC, alert_id ASC`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	out := []domain.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) SaveAnalysis(ctx context.Context, analysis *domain.RootCauseAnalysis) error {
	body, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.exists(ctx, tx, "alerts", "alert_id", analysis.AlertID)
		if err != nil {
			return err
		}
		if !ok {
			return &domain.ErrNotFound{Resource: "alert", ID: analysis.AlertID}
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO root_cause_analyses (alert_id, body) VALUES (?, ?)`),
			analysis.AlertID, string(body))
		if isUniqueViolation(err) {
			return &domain.ErrConflict{Entity: domain.EntityAlert, ID: analysis.AlertID}
		}
		if err != nil {
			return fmt.Errorf("insert analysis: %w", err)
		}
		return nil
	})
}

func (s *Store) GetAnalysis(ctx context.Context, alertID string) (*domain.RootCauseAnalysis, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT body FROM root_cause_analyses WHERE alert_id = ?`), alertID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "root cause analysis", ID: alertID}
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	var out domain.RootCauseAnalysis
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("decode analysis %s: %w", alertID, err)
	}
	return &out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanAlert decodes a (version, body) row. The column wins over the body.
func scanAlert(row scanner) (*domain.Alert, error) {
	var (
		version int
		body    string
	)
	if err := row.Scan(&version, &body); err != nil {
		return nil, err
	}
	var a domain.Alert
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return nil, fmt.Errorf("decode alert: %w", err)
	}
	a.Version = version
	return &a, nil
}
