package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Config contains configuration for the audit logger.
type Config struct {
	// AsyncBuffer is the size of the async write channel.
	// Default: 1000
	AsyncBuffer int `yaml:"async_buffer"`

	// WriteTimeout bounds both the wait for buffer space and each storage
	// write.
	// Default: 5 seconds
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() *Config {
	return &Config{
		AsyncBuffer:  1000,
		WriteTimeout: 5 * time.Second,
	}
}

// Metrics receives audit write outcomes.
type Metrics interface {
	RecordAuditWrite(ok bool, latency time.Duration)
	RecordAuditDrop()
}

// Option configures a Logger.
type Option func(*Logger)

// WithMetrics reports writes, failures and drops to m.
func WithMetrics(m Metrics) Option {
	return func(l *Logger) { l.metrics = m }
}

// WithEventLogger sets the logger the per-record audit event is written to.
func WithEventLogger(lg *slog.Logger) Option {
	return func(l *Logger) { l.events = lg.With("component", "audit") }
}

// Logger emits every record as a structured event and persists it through
// Storage on a background worker.
type Logger struct {
	storage Storage
	config  *Config
	metrics Metrics

	recordChan chan *Record
	done       chan struct{}
	wg         sync.WaitGroup

	// mu orders enqueues against Close so that nothing is queued after the
	// worker finished draining.
	mu     sync.RWMutex
	closed bool

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64

	events *slog.Logger
	logger *slog.Logger
}

// NewLogger creates a logger writing to storage. A nil storage keeps only
// the structured event stream.
func NewLogger(storage Storage, config *Config, opts ...Option) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	if config.AsyncBuffer <= 0 {
		config.AsyncBuffer = DefaultConfig().AsyncBuffer
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}

	l := &Logger{
		storage:    storage,
		config:     config,
		recordChan: make(chan *Record, config.AsyncBuffer),
		done:       make(chan struct{}),
		events:     slog.Default().With("component", "audit"),
		logger:     slog.Default().With("component", "audit.logger"),
	}
	for _, opt := range opts {
		opt(l)
	}

	if storage != nil {
		l.wg.Add(1)
		go l.worker()
	}

	l.logger.Info("audit logger initialized",
		"async_buffer", config.AsyncBuffer,
		"write_timeout", config.WriteTimeout,
		"storage", storage != nil,
	)
	return l
}

// Record emits r and queues it for storage. ID and Timestamp are filled in
// when empty. Labels are dropped unless the record is verbose.
//
// The returned error only reports a failed synchronous fallback write or a
// closed logger; callers must not change the access decision because of it.
func (l *Logger) Record(ctx context.Context, r *Record) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if !r.Verbose {
		r.Labels = nil
	}
	rec := r.Clone()

	l.emit(ctx, rec)

	if l.storage == nil {
		return nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}

	select {
	case l.recordChan <- rec:
		return nil
	default:
	}

	timer := time.NewTimer(l.config.WriteTimeout)
	defer timer.Stop()

	select {
	case l.recordChan <- rec:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	l.dropped.Add(1)
	if l.metrics != nil {
		l.metrics.RecordAuditDrop()
	}
	l.logger.Warn("audit channel full, writing synchronously",
		"record_id", rec.ID,
		"request_id", rec.RequestID,
		"channel_capacity", l.config.AsyncBuffer,
	)
	return l.write(context.WithoutCancel(ctx), rec)
}

// Close stops accepting records and waits until queued records are written
// or ctx ends. The storage itself is left open.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	l.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		l.logger.Info("audit logger shut down",
			"written", l.written.Load(),
			"failed", l.failed.Load(),
			"dropped", l.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		l.logger.Warn("audit logger shutdown timed out",
			"pending_count", len(l.recordChan),
		)
		return ctx.Err()
	}
}

// Written returns the number of records stored successfully.
func (l *Logger) Written() int64 { return l.written.Load() }

// Failed returns the number of failed storage writes.
func (l *Logger) Failed() int64 { return l.failed.Load() }

// Dropped returns the number of records that bypassed the async channel.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

func (l *Logger) worker() {
	defer l.wg.Done()

	for {
		select {
		case rec := <-l.recordChan:
			_ = l.write(context.Background(), rec)

		case <-l.done:
			l.logger.Debug("draining audit channel", "pending_count", len(l.recordChan))
			for {
				select {
				case rec := <-l.recordChan:
					_ = l.write(context.Background(), rec)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(parent context.Context, rec *Record) error {
	ctx, cancel := context.WithTimeout(parent, l.config.WriteTimeout)
	defer cancel()

	start := time.Now()
	err := l.storage.Store(ctx, rec)
	latency := time.Since(start)

	if l.metrics != nil {
		l.metrics.RecordAuditWrite(err == nil, latency)
	}
	if err != nil {
		l.failed.Add(1)
		l.logger.Error("failed to store audit record",
			"alert", true,
			"record_id", rec.ID,
			"request_id", rec.RequestID,
			"principal", rec.Principal,
			"secret_name", rec.SecretName,
			"error", err,
		)
		return err
	}
	l.written.Add(1)

	if latency > l.config.WriteTimeout/2 {
		l.logger.Warn("slow audit write",
			"record_id", rec.ID,
			"duration_ms", latency.Milliseconds(),
		)
	}
	return nil
}

func (l *Logger) emit(ctx context.Context, r *Record) {
	attrs := []slog.Attr{
		slog.String("record_id", r.ID),
		slog.String("request_id", r.RequestID),
		slog.String("principal", r.Principal),
		slog.String("identity_namespace", r.IdentityNamespace),
		slog.String("auth_method", r.AuthMethod),
		slog.String("secret_name", r.SecretName),
		slog.String("secret_key", r.SecretKey),
		slog.String("namespace", r.Namespace),
		slog.String("decision", r.Decision),
		slog.String("reason", r.Reason),
		slog.String("outcome", string(r.Outcome)),
		slog.Int("status_code", r.StatusCode),
		slog.Int("risk_score", r.RiskScore),
		slog.Int64("latency_ms", r.Latency.Milliseconds()),
	}
	if r.MatchedPolicy != "" {
		attrs = append(attrs, slog.String("matched_policy", r.MatchedPolicy))
	}
	if r.ApprovalID != "" {
		attrs = append(attrs, slog.String("approval_id", r.ApprovalID))
	}
	if r.Backend != "" {
		attrs = append(attrs, slog.String("backend", r.Backend))
	}
	if r.ErrorKind != "" {
		attrs = append(attrs, slog.String("error_kind", r.ErrorKind))
	}
	if r.Verbose {
		attrs = append(attrs, slog.Bool("verbose", true), slog.Any("labels", r.Labels))
	}
	l.events.LogAttrs(ctx, slog.LevelInfo, "secret access", attrs...)
}
