// Package service holds the decision engine: anomaly detection, alert and
// proposal lifecycles, root-cause research, validation evaluation and the
// deployment gate, plus the scan pipeline that drives them.
package service

import (
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/boddenberg/quality-loop-go/internal/domain"
)

var tracer = otel.Tracer("service")

func newID() string { return uuid.NewString() }

func auditEntry(entity domain.EntityType, id, from, to, actor, reason string, at time.Time) domain.AuditEntry {
	return domain.AuditEntry{
		EntryID:    newID(),
		EntityType: entity,
		EntityID:   id,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actor,
		Reason:     reason,
		At:         at,
	}
}
