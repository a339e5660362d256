package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore persists requests in a SQLite database so that history and
// pending requests survive restarts.
type SQLiteStore struct {
	db *sql.DB

	saveStmt *sql.Stmt
	getStmt  *sql.Stmt
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports single writer
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		principal TEXT NOT NULL,
		namespace TEXT NOT NULL,
		secret TEXT NOT NULL,
		secret_key TEXT NOT NULL,
		group_id TEXT NOT NULL,
		approvers TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		deadline INTEGER NOT NULL,
		decided_by TEXT NOT NULL DEFAULT '',
		decided_at INTEGER NOT NULL DEFAULT 0,
		comment TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_approval_state ON approval_requests(state);
	CREATE INDEX IF NOT EXISTS idx_approval_created ON approval_requests(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

const selectColumns = `id, principal, namespace, secret, secret_key, group_id, approvers, reason,
	state, created_at, deadline, decided_by, decided_at, comment`

func (s *SQLiteStore) prepareStatements() error {
	var err error
	s.saveStmt, err = s.db.Prepare(`
		INSERT INTO approval_requests (` + selectColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			deadline = excluded.deadline,
			decided_by = excluded.decided_by,
			decided_at = excluded.decided_at,
			comment = excluded.comment
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare save statement: %w", err)
	}
	s.getStmt, err = s.db.Prepare(`SELECT ` + selectColumns + ` FROM approval_requests WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare get statement: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, r *Request) error {
	approvers, err := json.Marshal(r.Approvers)
	if err != nil {
		return fmt.Errorf("failed to marshal approvers: %w", err)
	}
	_, err = s.saveStmt.ExecContext(ctx,
		r.ID, r.Principal, r.Namespace, r.Secret, r.Key, r.GroupID, string(approvers), r.Reason,
		string(r.State), r.CreatedAt.UnixNano(), r.Deadline.UnixNano(),
		r.DecidedBy, unixNano(r.DecidedAt), r.Comment,
	)
	if err != nil {
		return fmt.Errorf("failed to save approval request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Request, error) {
	r, err := scanRequest(s.getStmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*Request, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.Principal != "" {
		where = append(where, "principal = ?")
		args = append(args, f.Principal)
	}
	if f.Group != "" {
		where = append(where, "group_id = ?")
		args = append(args, f.Group)
	}

	q := `SELECT ` + selectColumns + ` FROM approval_requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s.saveStmt != nil {
		s.saveStmt.Close()
	}
	if s.getStmt != nil {
		s.getStmt.Close()
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row scanner) (*Request, error) {
	var (
		r                            Request
		approvers, state             string
		created, deadline, decidedAt int64
	)
	err := row.Scan(&r.ID, &r.Principal, &r.Namespace, &r.Secret, &r.Key, &r.GroupID, &approvers, &r.Reason,
		&state, &created, &deadline, &r.DecidedBy, &decidedAt, &r.Comment)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(approvers), &r.Approvers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal approvers: %w", err)
	}
	r.State = State(state)
	r.CreatedAt = time.Unix(0, created).UTC()
	r.Deadline = time.Unix(0, deadline).UTC()
	if decidedAt != 0 {
		r.DecidedAt = time.Unix(0, decidedAt).UTC()
	}
	return &r, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
