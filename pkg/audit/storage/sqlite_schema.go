package storage

// SchemaVersion is the current audit database schema version.
const SchemaVersion = 1

// Schema creates the audit tables. Timestamps are stored as unix
// nanoseconds so range filters compare integers.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_records (
    id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    request_id TEXT NOT NULL,

    principal TEXT NOT NULL,
    identity_namespace TEXT NOT NULL,
    auth_method TEXT NOT NULL,

    secret_name TEXT NOT NULL,
    secret_key TEXT NOT NULL,
    namespace TEXT NOT NULL,

    decision TEXT NOT NULL,
    reason TEXT NOT NULL,
    matched_policy TEXT,
    risk_score INTEGER NOT NULL DEFAULT 0,
    approval_id TEXT,

    backend TEXT,
    outcome TEXT NOT NULL,

    error_kind TEXT,
    status_code INTEGER NOT NULL,
    latency_ns INTEGER NOT NULL,

    verbose BOOLEAN NOT NULL DEFAULT 0,
    labels TEXT
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_records(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_principal ON audit_records(principal);
CREATE INDEX IF NOT EXISTS idx_audit_secret_name ON audit_records(secret_name);
CREATE INDEX IF NOT EXISTS idx_audit_decision ON audit_records(decision);
CREATE INDEX IF NOT EXISTS idx_audit_request_id ON audit_records(request_id);
`

// InsertSchemaVersion records the applied schema version.
const InsertSchemaVersion = `
INSERT INTO schema_version (version, applied_at)
VALUES (?, datetime('now'))
ON CONFLICT(version) DO NOTHING;
`

// GetSchemaVersion reads the newest applied schema version.
const GetSchemaVersion = `
SELECT version FROM schema_version ORDER BY version DESC LIMIT 1;
`

const recordColumns = `id, timestamp, request_id,
	principal, identity_namespace, auth_method,
	secret_name, secret_key, namespace,
	decision, reason, matched_policy, risk_score, approval_id,
	backend, outcome,
	error_kind, status_code, latency_ns,
	verbose, labels`

const insertRecord = `INSERT INTO audit_records (` + recordColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
