package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mercator-hq/secretsrouter/pkg/audit"
)

// Config contains configuration for the retention pruner.
type Config struct {
	// RetentionDays is the number of days to retain audit records.
	// 0 keeps records forever.
	RetentionDays int `yaml:"retention_days"`

	// MaxRecords caps the number of stored records. 0 means unlimited.
	MaxRecords int64 `yaml:"max_records"`

	// PruneSchedule is a standard cron expression, e.g. "0 3 * * *".
	// Empty disables scheduled pruning.
	PruneSchedule string `yaml:"prune_schedule"`
}

// DefaultConfig returns the default retention configuration.
func DefaultConfig() *Config {
	return &Config{
		RetentionDays: 90,
		PruneSchedule: "0 3 * * *",
	}
}

// Pruner deletes audit records that fall outside the retention policy.
type Pruner struct {
	storage audit.Storage
	config  *Config
	now     func() time.Time
	pruned  func(n int64)
	logger  *slog.Logger
}

// NewPruner creates a pruner over storage.
func NewPruner(storage audit.Storage, config *Config) *Pruner {
	if config == nil {
		config = DefaultConfig()
	}
	return &Pruner{
		storage: storage,
		config:  config,
		now:     time.Now,
		logger:  slog.Default().With("component", "audit.retention"),
	}
}

// OnPruned registers fn to receive the count of every pruning run that
// deleted records. Call before the scheduler starts.
func (p *Pruner) OnPruned(fn func(n int64)) {
	p.pruned = fn
}

// Prune runs age-based then count-based pruning and returns the total
// number of records deleted.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	var total int64

	if p.config.RetentionDays > 0 {
		n, err := p.pruneByAge(ctx)
		if err != nil {
			return total, fmt.Errorf("prune by age failed: %w", err)
		}
		total += n
	}

	if p.config.MaxRecords > 0 {
		n, err := p.pruneByCount(ctx)
		if err != nil {
			return total, fmt.Errorf("prune by count failed: %w", err)
		}
		total += n
	}

	if total > 0 {
		if p.pruned != nil {
			p.pruned(total)
		}
		p.logger.Info("audit pruning completed",
			"total_deleted", total,
			"retention_days", p.config.RetentionDays,
			"max_records", p.config.MaxRecords,
		)
	} else {
		p.logger.Debug("no audit records pruned")
	}
	return total, nil
}

func (p *Pruner) pruneByAge(ctx context.Context) (int64, error) {
	cutoff := p.now().AddDate(0, 0, -p.config.RetentionDays)
	return p.storage.Delete(ctx, &audit.Query{EndTime: &cutoff})
}

// pruneByCount deletes the oldest records above MaxRecords. Records that
// share the cutoff timestamp are removed together.
func (p *Pruner) pruneByCount(ctx context.Context) (int64, error) {
	count, err := p.storage.Count(ctx, &audit.Query{})
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	if count <= p.config.MaxRecords {
		return 0, nil
	}
	excess := count - p.config.MaxRecords

	oldest, err := p.storage.Query(ctx, &audit.Query{SortOrder: "asc", Limit: int(excess)})
	if err != nil {
		return 0, fmt.Errorf("failed to query records: %w", err)
	}
	if len(oldest) == 0 {
		return 0, nil
	}
	cutoff := oldest[len(oldest)-1].Timestamp

	p.logger.Info("audit record count exceeds limit, pruning oldest",
		"current_count", count,
		"max_records", p.config.MaxRecords,
		"cutoff_time", cutoff,
	)
	return p.storage.Delete(ctx, &audit.Query{EndTime: &cutoff})
}
