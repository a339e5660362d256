package config

import "time"

// ConfigBuilder provides a fluent API for building Config instances in tests.
type ConfigBuilder struct {
	cfg Config
}

// NewTestConfig returns a builder seeded with a valid configuration: HMAC
// JWT identities, file policies, in-memory audit and default backends.
func NewTestConfig() *ConfigBuilder {
	cfg := Config{}
	cfg.Identity.JWT = JWTConfig{
		Enabled:    true,
		Issuer:     "test-issuer",
		HMACSecret: "test-secret",
	}
	cfg.Audit.Storage = "memory"
	ApplyDefaults(&cfg)
	return &ConfigBuilder{cfg: cfg}
}

// Build returns the built Config instance.
func (b *ConfigBuilder) Build() *Config {
	return &b.cfg
}

func (b *ConfigBuilder) WithListenAddress(addr string) *ConfigBuilder {
	b.cfg.Server.ListenAddress = addr
	return b
}

func (b *ConfigBuilder) WithWriteTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.Server.WriteTimeout = d
	return b
}

func (b *ConfigBuilder) WithPolicyGitRepo(repo string) *ConfigBuilder {
	b.cfg.Policy.Mode = "git"
	b.cfg.Policy.Git.Repository = repo
	return b
}

func (b *ConfigBuilder) WithApprovalWait(d time.Duration) *ConfigBuilder {
	b.cfg.Approval.Mode = "wait"
	b.cfg.Approval.WaitTimeout = d
	return b
}

func (b *ConfigBuilder) WithStores(stores ...BackendConfig) *ConfigBuilder {
	b.cfg.Backends.Stores = stores
	return b
}

func (b *ConfigBuilder) WithFallback(names ...string) *ConfigBuilder {
	b.cfg.Backends.Fallback = names
	return b
}

func (b *ConfigBuilder) WithAuditStorage(storage string) *ConfigBuilder {
	b.cfg.Audit.Storage = storage
	return b
}

func (b *ConfigBuilder) WithMTLS(enabled bool) *ConfigBuilder {
	b.cfg.Identity.MTLS.Enabled = enabled
	return b
}

func (b *ConfigBuilder) WithLoggingLevel(level string) *ConfigBuilder {
	b.cfg.Telemetry.Logging.Level = level
	return b
}

// MinimalConfig returns the smallest valid configuration.
func MinimalConfig() *Config {
	return NewTestConfig().Build()
}
