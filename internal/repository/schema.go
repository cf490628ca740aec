package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

// schemaFraudRules holds one row per rule. Threshold columns come in
// warning/critical pairs per metric.
const schemaFraudRules = `
CREATE TABLE IF NOT EXISTS fraud_detection (
    rid BIGINT PRIMARY KEY,
    pid INTEGER NOT NULL DEFAULT 0,
    prefix TEXT NOT NULL DEFAULT '',
    start_h TEXT NOT NULL DEFAULT '',
    end_h TEXT NOT NULL DEFAULT '',
    days TEXT NOT NULL DEFAULT '',
    match_condition TEXT NOT NULL DEFAULT '',
    cpm_thresh_warn BIGINT NOT NULL DEFAULT 0,
    cpm_thresh_crit BIGINT NOT NULL DEFAULT 0,
    calldur_thresh_warn BIGINT NOT NULL DEFAULT 0,
    calldur_thresh_crit BIGINT NOT NULL DEFAULT 0,
    totalc_thresh_warn BIGINT NOT NULL DEFAULT 0,
    totalc_thresh_crit BIGINT NOT NULL DEFAULT 0,
    concalls_thresh_warn BIGINT NOT NULL DEFAULT 0,
    concalls_thresh_crit BIGINT NOT NULL DEFAULT 0,
    seqcalls_thresh_warn BIGINT NOT NULL DEFAULT 0,
    seqcalls_thresh_crit BIGINT NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fraud_detection_profile ON fraud_detection(pid, prefix);
`

const schemaFraudEvents = `
CREATE TABLE IF NOT EXISTS fraud_events (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    metric TEXT NOT NULL,
    value BIGINT NOT NULL,
    threshold BIGINT NOT NULL,
    user_id TEXT NOT NULL,
    called_number TEXT NOT NULL,
    rule_id BIGINT NOT NULL,
    epoch BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fraud_events_created ON fraud_events(created_at);
CREATE INDEX IF NOT EXISTS idx_fraud_events_user ON fraud_events(user_id, created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaFraudRules,
		schemaFraudEvents,
	}
}
