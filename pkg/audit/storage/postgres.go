package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"mercator-hq/secretsrouter/pkg/audit"
)

// PostgresConfig contains configuration for the PostgreSQL backend.
type PostgresConfig struct {
	// DSN is a libpq connection string or URL.
	DSN string

	// AutoMigrate creates or updates the audit_records table on open.
	// Default: true
	AutoMigrate bool

	// MaxOpenConns is the maximum number of open connections.
	// Default: 10
	MaxOpenConns int
}

// recordModel is the gorm row for an audit record.
type recordModel struct {
	ID                string    `gorm:"primaryKey;size:36"`
	Timestamp         time.Time `gorm:"not null;index"`
	RequestID         string    `gorm:"not null;index"`
	Principal         string    `gorm:"not null;index"`
	IdentityNamespace string    `gorm:"not null"`
	AuthMethod        string    `gorm:"not null"`
	SecretName        string    `gorm:"not null;index"`
	SecretKey         string    `gorm:"not null"`
	Namespace         string    `gorm:"not null"`
	Decision          string    `gorm:"not null;index"`
	Reason            string    `gorm:"not null"`
	MatchedPolicy     *string
	RiskScore         int `gorm:"not null;default:0"`
	ApprovalID        *string
	Backend           *string
	Outcome           string `gorm:"not null"`
	ErrorKind         *string
	StatusCode        int     `gorm:"not null"`
	LatencyNS         int64   `gorm:"column:latency_ns;not null"`
	Verbose           bool    `gorm:"not null;default:false"`
	Labels            *string `gorm:"type:text"`
}

func (recordModel) TableName() string { return "audit_records" }

// PostgresStorage stores audit records in PostgreSQL through gorm.
type PostgresStorage struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewPostgresStorage connects to cfg.DSN.
func NewPostgresStorage(cfg PostgresConfig) (*PostgresStorage, error) {
	if cfg.DSN == "" {
		return nil, audit.NewStorageError("postgres", "open", errors.New("dsn is required"))
	}
	gdb, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, audit.NewStorageError("postgres", "open", fmt.Errorf("connect postgres: %w", err))
	}
	if cfg.MaxOpenConns > 0 {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
	}
	return NewGormStorage(gdb, cfg.AutoMigrate)
}

// NewGormStorage wraps an existing gorm handle.
func NewGormStorage(db *gorm.DB, migrate bool) (*PostgresStorage, error) {
	if db == nil {
		return nil, audit.NewStorageError("postgres", "open", errors.New("database handle is required"))
	}
	s := &PostgresStorage{
		db:     db,
		logger: slog.Default().With("component", "audit.storage.postgres"),
	}
	if migrate {
		if err := db.AutoMigrate(&recordModel{}); err != nil {
			return nil, audit.NewStorageError("postgres", "migrate", err)
		}
	}
	s.logger.Info("PostgreSQL audit storage initialized", "migrate", migrate)
	return s, nil
}

// Store inserts r.
func (s *PostgresStorage) Store(ctx context.Context, r *audit.Record) error {
	m, err := modelFromRecord(r)
	if err != nil {
		return audit.NewStorageError("postgres", "store", err)
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return audit.NewStorageError("postgres", "store", err)
	}
	return nil
}

// Query returns matching records. Without a limit at most 100 rows are
// returned.
func (s *PostgresStorage) Query(ctx context.Context, q *audit.Query) ([]*audit.Record, error) {
	if q == nil {
		q = &audit.Query{}
	}
	order := `"timestamp" DESC, id DESC`
	if q.Ascending() {
		order = `"timestamp" ASC, id ASC`
	}
	limit := 100
	if q.Limit > 0 {
		limit = q.Limit
	}

	var models []recordModel
	tx := applyFilters(s.db.WithContext(ctx).Model(&recordModel{}), q).
		Order(order).
		Limit(limit)
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, audit.NewStorageError("postgres", "query", err)
	}

	out := make([]*audit.Record, 0, len(models))
	for _, m := range models {
		r, err := recordFromModel(m)
		if err != nil {
			return nil, audit.NewStorageError("postgres", "scan", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Count returns the number of matching records.
func (s *PostgresStorage) Count(ctx context.Context, q *audit.Query) (int64, error) {
	var n int64
	if err := applyFilters(s.db.WithContext(ctx).Model(&recordModel{}), q).Count(&n).Error; err != nil {
		return 0, audit.NewStorageError("postgres", "count", err)
	}
	return n, nil
}

// Delete removes matching records. An empty query deletes everything.
func (s *PostgresStorage) Delete(ctx context.Context, q *audit.Query) (int64, error) {
	tx := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true})
	res := applyFilters(tx, q).Delete(&recordModel{})
	if res.Error != nil {
		return 0, audit.NewStorageError("postgres", "delete", res.Error)
	}
	return res.RowsAffected, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return audit.NewStorageError("postgres", "close", err)
	}
	if err := sqlDB.Close(); err != nil {
		return audit.NewStorageError("postgres", "close", err)
	}
	return nil
}

func applyFilters(tx *gorm.DB, q *audit.Query) *gorm.DB {
	if q == nil {
		return tx
	}
	if q.StartTime != nil {
		tx = tx.Where(`"timestamp" >= ?`, q.StartTime.UTC())
	}
	if q.EndTime != nil {
		tx = tx.Where(`"timestamp" <= ?`, q.EndTime.UTC())
	}
	if q.RequestID != "" {
		tx = tx.Where("request_id = ?", q.RequestID)
	}
	if q.Principal != "" {
		tx = tx.Where("principal = ?", q.Principal)
	}
	if q.Namespace != "" {
		tx = tx.Where("namespace = ?", q.Namespace)
	}
	if q.SecretName != "" {
		tx = tx.Where("secret_name = ?", q.SecretName)
	}
	if q.Decision != "" {
		tx = tx.Where("decision = ?", q.Decision)
	}
	if q.Backend != "" {
		tx = tx.Where("backend = ?", q.Backend)
	}
	if q.Outcome != "" {
		tx = tx.Where("outcome = ?", string(q.Outcome))
	}
	return tx
}

func modelFromRecord(r *audit.Record) (recordModel, error) {
	m := recordModel{
		ID:                r.ID,
		Timestamp:         r.Timestamp.UTC().Truncate(time.Microsecond),
		RequestID:         r.RequestID,
		Principal:         r.Principal,
		IdentityNamespace: r.IdentityNamespace,
		AuthMethod:        r.AuthMethod,
		SecretName:        r.SecretName,
		SecretKey:         r.SecretKey,
		Namespace:         r.Namespace,
		Decision:          r.Decision,
		Reason:            r.Reason,
		MatchedPolicy:     stringPtrIfNotEmpty(r.MatchedPolicy),
		RiskScore:         r.RiskScore,
		ApprovalID:        stringPtrIfNotEmpty(r.ApprovalID),
		Backend:           stringPtrIfNotEmpty(r.Backend),
		Outcome:           string(r.Outcome),
		ErrorKind:         stringPtrIfNotEmpty(r.ErrorKind),
		StatusCode:        r.StatusCode,
		LatencyNS:         int64(r.Latency),
		Verbose:           r.Verbose,
	}
	if len(r.Labels) > 0 {
		b, err := json.Marshal(r.Labels)
		if err != nil {
			return recordModel{}, err
		}
		m.Labels = stringPtrIfNotEmpty(string(b))
	}
	return m, nil
}

func recordFromModel(m recordModel) (*audit.Record, error) {
	r := &audit.Record{
		ID:                m.ID,
		Timestamp:         m.Timestamp.UTC(),
		RequestID:         m.RequestID,
		Principal:         m.Principal,
		IdentityNamespace: m.IdentityNamespace,
		AuthMethod:        m.AuthMethod,
		SecretName:        m.SecretName,
		SecretKey:         m.SecretKey,
		Namespace:         m.Namespace,
		Decision:          m.Decision,
		Reason:            m.Reason,
		MatchedPolicy:     stringValue(m.MatchedPolicy),
		RiskScore:         m.RiskScore,
		ApprovalID:        stringValue(m.ApprovalID),
		Backend:           stringValue(m.Backend),
		Outcome:           audit.Outcome(m.Outcome),
		ErrorKind:         stringValue(m.ErrorKind),
		StatusCode:        m.StatusCode,
		Latency:           time.Duration(m.LatencyNS),
		Verbose:           m.Verbose,
	}
	if m.Labels != nil {
		if err := json.Unmarshal([]byte(*m.Labels), &r.Labels); err != nil {
			return nil, fmt.Errorf("decode labels: %w", err)
		}
	}
	return r, nil
}

func stringPtrIfNotEmpty(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
