package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/boddenberg/quality-loop-go/internal/domain"
)

func (s *Store) insertAudit(ctx context.Context, tx *sql.Tx, e domain.AuditEntry) error {
	_, err := tx.ExecContext(ctx, s.q(`INSERT INTO audit_log (entry_id, entity_type, entity_id, from_status, to_status, actor, reason, version, at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.EntryID, string(e.EntityType), e.EntityID, e.FromStatus, e.ToStatus, e.Actor, e.Reason, e.Version, e.At.UnixNano())
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, entity domain.EntityType, entityID string) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT entry_id, entity_type, entity_id, from_status, to_status, actor, reason, version, at
FROM audit_log WHERE entity_type = ? AND entity_id = ? ORDER BY seq`), string(entity), entityID)
	if err != nil {
		return nil, fmt.Errorf("audit history: %w", err)
	}
	defer rows.Close()

	out := []domain.AuditEntry{}
	for rows.Next() {
		var (
			e  domain.AuditEntry
			et string
			at int64
		)
		if err := rows.Scan(&e.EntryID, &et, &e.EntityID, &e.FromStatus, &e.ToStatus, &e.Actor, &e.Reason, &e.Version, &at); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.EntityType = domain.EntityType(et)
		e.At = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
