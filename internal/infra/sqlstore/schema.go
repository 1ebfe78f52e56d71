package sqlstore

import "fmt"

func schema(d dialect) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS alerts (
	alert_id     TEXT PRIMARY KEY,
	fingerprint  TEXT NOT NULL,
	severity     TEXT NOT NULL,
	status       TEXT NOT NULL,
	triggered_at BIGINT NOT NULL,
	version      INTEGER NOT NULL,
	body         TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_fingerprint ON alerts (fingerprint, status, triggered_at)`,
		`CREATE TABLE IF NOT EXISTS root_cause_analyses (
	alert_id TEXT PRIMARY KEY,
	body     TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS proposals (
	proposal_id     TEXT PRIMARY KEY,
	source_alert_id TEXT NOT NULL,
	proposal_type   TEXT NOT NULL,
	status          TEXT NOT NULL,
	created_at      BIGINT NOT NULL,
	version         INTEGER NOT NULL,
	body            TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals (status)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS validation_results (
	seq           %s,
	validation_id TEXT NOT NULL,
	proposal_id   TEXT NOT NULL,
	body          TEXT NOT NULL
)`, d.serial),
		`CREATE INDEX IF NOT EXISTS idx_validation_results_proposal ON validation_results (proposal_id, seq)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS decisions (
	seq         %s,
	decision_id TEXT NOT NULL UNIQUE,
	proposal_id TEXT NOT NULL,
	body        TEXT NOT NULL
)`, d.serial),
		`CREATE INDEX IF NOT EXISTS idx_decisions_proposal ON decisions (proposal_id, seq)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS audit_log (
	seq         %s,
	entry_id    TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	actor       TEXT NOT NULL,
	reason      TEXT NOT NULL,
	version     INTEGER NOT NULL,
	at          BIGINT NOT NULL
)`, d.serial),
		`CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log (entity_type, entity_id, seq)`,
	}
}
