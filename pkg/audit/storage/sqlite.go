package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mercator-hq/secretsrouter/pkg/audit"
)

// SQLiteConfig contains configuration for the SQLite storage backend.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// MaxOpenConns is the maximum number of open connections.
	// Default: 10
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	// Default: 5
	MaxIdleConns int

	// BusyTimeout is how long a writer waits on a locked database.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns the default SQLite configuration.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:         "data/audit.db",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		BusyTimeout:  5 * time.Second,
	}
}

// SQLiteStorage stores audit records in a SQLite database in WAL mode.
type SQLiteStorage struct {
	db     *sql.DB
	insert *sql.Stmt
	config *SQLiteConfig
	logger *slog.Logger
}

// NewSQLiteStorage opens (or creates) the database at config.Path and
// applies the schema.
func NewSQLiteStorage(config *SQLiteConfig) (*SQLiteStorage, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}
	if config.Path == "" {
		return nil, audit.NewStorageError("sqlite", "open", errors.New("path is required"))
	}
	if config.MaxOpenConns <= 0 {
		config.MaxOpenConns = 10
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}

	logger := slog.Default().With("component", "audit.storage.sqlite")

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		config.Path, config.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "open", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)

	s := &SQLiteStorage{db: db, config: config, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite audit storage initialized",
		"path", config.Path,
		"max_open_conns", config.MaxOpenConns,
	)
	return s, nil
}

func (s *SQLiteStorage) initialize() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return audit.NewStorageError("sqlite", "create_schema", err)
	}
	if _, err := s.db.Exec(InsertSchemaVersion, SchemaVersion); err != nil {
		return audit.NewStorageError("sqlite", "insert_schema_version", err)
	}

	var version int
	if err := s.db.QueryRow(GetSchemaVersion).Scan(&version); err != nil && err != sql.ErrNoRows {
		return audit.NewStorageError("sqlite", "get_schema_version", err)
	}
	if version != SchemaVersion {
		return audit.NewStorageError("sqlite", "schema_version_mismatch",
			fmt.Errorf("expected schema version %d, got %d", SchemaVersion, version))
	}

	stmt, err := s.db.Prepare(insertRecord)
	if err != nil {
		return audit.NewStorageError("sqlite", "prepare", err)
	}
	s.insert = stmt
	return nil
}

// Store inserts r.
func (s *SQLiteStorage) Store(ctx context.Context, r *audit.Record) error {
	var labels interface{}
	if len(r.Labels) > 0 {
		b, err := json.Marshal(r.Labels)
		if err != nil {
			return audit.NewStorageError("sqlite", "store", err)
		}
		labels = string(b)
	}

	_, err := s.insert.ExecContext(ctx,
		r.ID, r.Timestamp.UnixNano(), r.RequestID,
		r.Principal, r.IdentityNamespace, r.AuthMethod,
		r.SecretName, r.SecretKey, r.Namespace,
		r.Decision, r.Reason, nullString(r.MatchedPolicy), r.RiskScore, nullString(r.ApprovalID),
		nullString(r.Backend), string(r.Outcome),
		nullString(r.ErrorKind), r.StatusCode, int64(r.Latency),
		r.Verbose, labels,
	)
	if err != nil {
		return audit.NewStorageError("sqlite", "store", err)
	}
	return nil
}

// Query returns matching records. Without a limit at most 100 rows are
// returned.
func (s *SQLiteStorage) Query(ctx context.Context, q *audit.Query) ([]*audit.Record, error) {
	if q == nil {
		q = &audit.Query{}
	}
	where, args := buildWhereClause(q)

	sqlQuery := "SELECT " + recordColumns + " FROM audit_records"
	if where != "" {
		sqlQuery += " WHERE " + where
	}
	order := "DESC"
	if q.Ascending() {
		order = "ASC"
	}
	sqlQuery += fmt.Sprintf(" ORDER BY timestamp %s, id %s", order, order)

	limit := 100
	if q.Limit > 0 {
		limit = q.Limit
	}
	sqlQuery += fmt.Sprintf(" LIMIT %d", limit)
	if q.Offset > 0 {
		sqlQuery += fmt.Sprintf(" OFFSET %d", q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "query", err)
	}
	defer rows.Close()

	records := []*audit.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, audit.NewStorageError("sqlite", "scan", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, audit.NewStorageError("sqlite", "query", err)
	}
	return records, nil
}

// Count returns the number of matching records.
func (s *SQLiteStorage) Count(ctx context.Context, q *audit.Query) (int64, error) {
	if q == nil {
		q = &audit.Query{}
	}
	where, args := buildWhereClause(q)
	sqlQuery := "SELECT COUNT(*) FROM audit_records"
	if where != "" {
		sqlQuery += " WHERE " + where
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, sqlQuery, args...).Scan(&n); err != nil {
		return 0, audit.NewStorageError("sqlite", "count", err)
	}
	return n, nil
}

// Delete removes matching records.
func (s *SQLiteStorage) Delete(ctx context.Context, q *audit.Query) (int64, error) {
	if q == nil {
		q = &audit.Query{}
	}
	where, args := buildWhereClause(q)
	sqlQuery := "DELETE FROM audit_records"
	if where != "" {
		sqlQuery += " WHERE " + where
	}
	res, err := s.db.ExecContext(ctx, sqlQuery, args...)
	if err != nil {
		return 0, audit.NewStorageError("sqlite", "delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, audit.NewStorageError("sqlite", "delete", err)
	}
	return n, nil
}

// Close releases the prepared statement and the database handle.
func (s *SQLiteStorage) Close() error {
	if s.insert != nil {
		s.insert.Close()
	}
	if err := s.db.Close(); err != nil {
		return audit.NewStorageError("sqlite", "close", err)
	}
	s.logger.Info("SQLite audit storage closed")
	return nil
}

// buildWhereClause returns the WHERE clause without the keyword, plus its
// arguments.
func buildWhereClause(q *audit.Query) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	add := func(cond string, arg interface{}) {
		conditions = append(conditions, cond)
		args = append(args, arg)
	}

	if q.StartTime != nil {
		add("timestamp >= ?", q.StartTime.UnixNano())
	}
	if q.EndTime != nil {
		add("timestamp <= ?", q.EndTime.UnixNano())
	}
	if q.RequestID != "" {
		add("request_id = ?", q.RequestID)
	}
	if q.Principal != "" {
		add("principal = ?", q.Principal)
	}
	if q.Namespace != "" {
		add("namespace = ?", q.Namespace)
	}
	if q.SecretName != "" {
		add("secret_name = ?", q.SecretName)
	}
	if q.Decision != "" {
		add("decision = ?", q.Decision)
	}
	if q.Backend != "" {
		add("backend = ?", q.Backend)
	}
	if q.Outcome != "" {
		add("outcome = ?", string(q.Outcome))
	}

	return strings.Join(conditions, " AND "), args
}

func scanRecord(rows *sql.Rows) (*audit.Record, error) {
	var (
		r                                           audit.Record
		ts, latency                                 int64
		matched, approval, backend, errKind, labels sql.NullString
		outcome                                     string
	)
	err := rows.Scan(
		&r.ID, &ts, &r.RequestID,
		&r.Principal, &r.IdentityNamespace, &r.AuthMethod,
		&r.SecretName, &r.SecretKey, &r.Namespace,
		&r.Decision, &r.Reason, &matched, &r.RiskScore, &approval,
		&backend, &outcome,
		&errKind, &r.StatusCode, &latency,
		&r.Verbose, &labels,
	)
	if err != nil {
		return nil, err
	}
	r.Timestamp = time.Unix(0, ts).UTC()
	r.Latency = time.Duration(latency)
	r.Outcome = audit.Outcome(outcome)
	r.MatchedPolicy = matched.String
	r.ApprovalID = approval.String
	r.Backend = backend.String
	r.ErrorKind = errKind.String
	if labels.Valid && labels.String != "" {
		if err := json.Unmarshal([]byte(labels.String), &r.Labels); err != nil {
			return nil, fmt.Errorf("decode labels: %w", err)
		}
	}
	return &r, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
