package engine

import (
	"fmt"
	"time"
)

// Limit is a count per sliding window.
type Limit struct {
	Count  int
	Period time.Duration
}

// Enabled reports whether the limit applies.
func (l Limit) Enabled() bool {
	return l.Count > 0 && l.Period > 0
}

// Config contains configuration for the evaluator.
type Config struct {
	// AnomalyThreshold marks decisions at or above this risk score as
	// verbose. It never blocks by itself.
	// Default: 70.
	AnomalyThreshold int

	// PrincipalLimit is the global per-principal request limit applied to
	// every granted request. A zero limit disables it.
	PrincipalLimit Limit

	// DefaultApprovalTimeout applies to approvals whose group or anomaly
	// condition does not set a timeout.
	// Default: 15m.
	DefaultApprovalTimeout time.Duration

	// EnableTrace records evaluation steps on each decision.
	// Default: false.
	EnableTrace bool

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// DefaultConfig returns the default evaluator configuration.
func DefaultConfig() *Config {
	return &Config{
		AnomalyThreshold:       70,
		DefaultApprovalTimeout: 15 * time.Minute,
		Now:                    time.Now,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.AnomalyThreshold < 0 || c.AnomalyThreshold > 100 {
		return fmt.Errorf("%w: anomaly threshold must be within 0..100", ErrInvalidConfig)
	}
	if c.PrincipalLimit.Count < 0 || c.PrincipalLimit.Period < 0 {
		return fmt.Errorf("%w: principal limit must not be negative", ErrInvalidConfig)
	}
	if c.DefaultApprovalTimeout <= 0 {
		return fmt.Errorf("%w: default approval timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// WithPrincipalLimit sets the global per-principal limit.
func (c *Config) WithPrincipalLimit(count int, period time.Duration) *Config {
	c.PrincipalLimit = Limit{Count: count, Period: period}
	return c
}

// WithTrace enables or disables evaluation tracing.
func (c *Config) WithTrace(enabled bool) *Config {
	c.EnableTrace = enabled
	return c
}

// WithClock replaces the clock, for tests and offline evaluation.
func (c *Config) WithClock(now func() time.Time) *Config {
	c.Now = now
	return c
}
