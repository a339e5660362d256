package config

import "time"

// Config is the root configuration structure for the secrets router.
type Config struct {
	// Server contains HTTP listener configuration.
	Server ServerConfig `yaml:"server"`

	// Identity configures how callers prove who they are.
	Identity IdentityConfig `yaml:"identity"`

	// Policy configures the policy source and the evaluator.
	Policy PolicyConfig `yaml:"policy"`

	// Limits configures the rate limiter backing rate_limit conditions,
	// group quotas and the global per-principal limit.
	Limits LimitsConfig `yaml:"limits"`

	// Anomaly configures the behavioral risk scorer.
	Anomaly AnomalyConfig `yaml:"anomaly"`

	// Approval configures the human approval workflow.
	Approval ApprovalConfig `yaml:"approval"`

	// Backends configures the secret stores and the router.
	Backends BackendsConfig `yaml:"backends"`

	// Audit configures audit recording, storage and retention.
	Audit AuditConfig `yaml:"audit"`

	// Telemetry contains logging, metrics and tracing configuration.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig contains configuration for the HTTP server.
type ServerConfig struct {
	// ListenAddress is the address the server binds to.
	// Default: ":8080" (port from SERVER_PORT when set)
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading the entire request.
	// Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the
	// response. It must exceed approval.wait_timeout.
	// Default: 60s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the keep-alive idle timeout.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxHeaderBytes limits request header size.
	// Default: 1MB
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// ServiceName is reported by /healthz.
	// Default: "secrets-router"
	ServiceName string `yaml:"service_name"`

	// Version is reported by /healthz.
	// Default: "v0.0.1" (SERVICE_VERSION when set)
	Version string `yaml:"version"`

	// TLS enables HTTPS and, optionally, client certificates.
	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig contains listener TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// ClientCAFile verifies client certificates.
	ClientCAFile string `yaml:"client_ca_file"`

	// ClientAuth is "none", "request" or "require".
	// Default: "none", or "require" when identity.mtls is enabled.
	ClientAuth string `yaml:"client_auth"`

	// MinVersion is "1.2" or "1.3".
	// Default: "1.2"
	MinVersion string `yaml:"min_version"`
}

// IdentityConfig contains caller authentication configuration.
type IdentityConfig struct {
	// CacheTTL is how long a successful verification is reused.
	// Default: 30s
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// CacheSize bounds the verification cache.
	// Default: 10000
	CacheSize int `yaml:"cache_size"`

	// TrustHeaders accepts X-Service-Namespace and X-Service-Labels as
	// claimed metadata. Claims are always checked against the credential.
	// Default: true
	TrustHeaders *bool `yaml:"trust_headers"`

	JWT         JWTConfig         `yaml:"jwt"`
	TokenReview TokenReviewConfig `yaml:"token_review"`
	MTLS        MTLSIdentity      `yaml:"mtls"`
}

// JWTConfig configures local token verification.
type JWTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Issuer         string        `yaml:"issuer"`
	Audience       string        `yaml:"audience"`
	HMACSecret     string        `yaml:"hmac_secret"`
	PublicKeyFiles []string      `yaml:"public_key_files"`
	Leeway         time.Duration `yaml:"leeway"`
}

// TokenReviewConfig configures verification through the Kubernetes
// TokenReview API.
type TokenReviewConfig struct {
	Enabled   bool     `yaml:"enabled"`
	APIServer string   `yaml:"api_server"`
	CAFile    string   `yaml:"ca_file"`
	TokenFile string   `yaml:"token_file"`
	Audiences []string `yaml:"audiences"`

	// Default: 5s
	Timeout time.Duration `yaml:"timeout"`
}

// MTLSIdentity configures identities derived from client certificates.
type MTLSIdentity struct {
	Enabled bool `yaml:"enabled"`

	// TrustDomain restricts SPIFFE IDs.
	TrustDomain string `yaml:"trust_domain"`

	// IdentitySource is "subject.CN", "subject.OU", "subject.O" or "SAN".
	// Default: "subject.CN"
	IdentitySource string `yaml:"identity_source"`

	// NamespaceSource is "subject.OU" or "subject.O".
	// Default: "subject.OU"
	NamespaceSource string `yaml:"namespace_source"`

	// CAFile re-verifies the chain at the identity layer.
	CAFile string `yaml:"ca_file"`
}

// PolicyConfig contains configuration for policy loading and evaluation.
type PolicyConfig struct {
	// Mode is "file" or "git".
	// Default: "file"
	Mode string `yaml:"mode"`

	// FilePath is a policy file or directory for file mode.
	// Default: "./policies"
	FilePath string `yaml:"file_path"`

	// Watch reloads file policies on change.
	// Default: true
	Watch *bool `yaml:"watch"`

	// Debounce collapses bursts of file events.
	// Default: 500ms
	Debounce time.Duration `yaml:"debounce"`

	// Git configures git mode.
	Git GitPolicyConfig `yaml:"git"`

	// AnomalyThreshold marks decisions at or above this risk score as verbose.
	// Default: 70
	AnomalyThreshold int `yaml:"anomaly_threshold"`

	// EnableTrace records evaluation steps on each decision.
	// Default: false
	EnableTrace bool `yaml:"enable_trace"`
}

// GitPolicyConfig contains configuration for git-backed policies.
type GitPolicyConfig struct {
	Repository string `yaml:"repository"`

	// Default: "main"
	Branch string `yaml:"branch"`

	// Path is the policy directory inside the repository.
	Path string `yaml:"path"`

	// LocalPath is the clone location.
	// Default: "data/policy-repo"
	LocalPath string `yaml:"local_path"`

	Depth int `yaml:"depth"`

	// Default: 30s
	PollInterval time.Duration `yaml:"poll_interval"`

	// Default: 30s
	Timeout time.Duration `yaml:"timeout"`

	Auth GitAuthConfig `yaml:"auth"`
}

// GitAuthConfig selects git credentials.
type GitAuthConfig struct {
	// Type is "none", "token" or "ssh".
	// Default: "none"
	Type          string `yaml:"type"`
	Token         string `yaml:"token"`
	SSHKeyPath    string `yaml:"ssh_key_path"`
	SSHPassphrase string `yaml:"ssh_passphrase"`
}

// LimitsConfig contains rate limiter configuration.
type LimitsConfig struct {
	// Backend is "memory" or "redis".
	// Default: "memory"
	Backend string `yaml:"backend"`

	// PrincipalLimit applies to every granted request. Zero disables it.
	PrincipalLimit LimitConfig `yaml:"principal_limit"`

	// SweepInterval is how often idle memory windows are dropped.
	// Default: 1m
	SweepInterval time.Duration `yaml:"sweep_interval"`

	Redis RedisConfig `yaml:"redis"`
}

// LimitConfig is a count per period.
type LimitConfig struct {
	Count  int           `yaml:"count"`
	Period time.Duration `yaml:"period"`
}

// RedisConfig configures the shared limiter.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Default: "secrets-router:rl:"
	KeyPrefix string `yaml:"key_prefix"`
}

// AnomalyConfig configures the risk scorer.
type AnomalyConfig struct {
	// Enabled turns on scoring. A disabled scorer reports 0.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// Default: 24h
	Window time.Duration `yaml:"window"`

	// Default: 20
	WarmupRequests int `yaml:"warmup_requests"`

	// Default: 1m
	BurstWindow time.Duration `yaml:"burst_window"`

	// Default: 30
	BurstThreshold int `yaml:"burst_threshold"`

	// Default: 3
	DenialThreshold int `yaml:"denial_threshold"`

	// Default: 10000
	MaxProfiles int `yaml:"max_profiles"`

	// PruneInterval is how often stale profiles are dropped.
	// Default: 10m
	PruneInterval time.Duration `yaml:"prune_interval"`

	Weights AnomalyWeights `yaml:"weights"`
}

// AnomalyWeights are per-signal score contributions.
type AnomalyWeights struct {
	NewSecret   int `yaml:"new_secret"`
	UnusualHour int `yaml:"unusual_hour"`
	Burst       int `yaml:"burst"`
	Denials     int `yaml:"denials"`
}

// ApprovalConfig configures the approval workflow.
type ApprovalConfig struct {
	// Mode is "wait" (the request blocks up to WaitTimeout for a decision)
	// or "async" (the request returns 202 immediately).
	// Default: "wait"
	Mode string `yaml:"mode"`

	// WaitTimeout bounds how long a request blocks in wait mode.
	// Default: 30s
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	// Default: 15m
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// Default: 24h
	MaxTimeout time.Duration `yaml:"max_timeout"`

	// Default: 30s
	NotifyTimeout time.Duration `yaml:"notify_timeout"`

	// Storage is "memory" or "sqlite".
	// Default: "memory"
	Storage string `yaml:"storage"`

	// SQLitePath is the approval database for sqlite storage.
	// Default: "data/approvals.db"
	SQLitePath string `yaml:"sqlite_path"`

	Webhook WebhookConfig `yaml:"webhook"`
}

// WebhookConfig configures approval notifications over HTTP.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`

	// Default: 3
	MaxAttempts int `yaml:"max_attempts"`
}

// BackendsConfig configures secret stores and dispatch.
type BackendsConfig struct {
	// Stores lists the configured backends. When empty, the Dapr
	// "kubernetes" store is configured, plus "aws-secrets-manager" when
	// AWSSecretsEnabled.
	Stores []BackendConfig `yaml:"stores"`

	// Fallback is the order walked for reads not bound to one backend.
	// Default: ["aws-secrets-manager", "kubernetes"] (AWS only when enabled)
	Fallback []string `yaml:"fallback"`

	// DaprHTTPPort is the sidecar port used for Dapr stores without an
	// explicit endpoint.
	// Default: 3500 (DAPR_HTTP_PORT)
	DaprHTTPPort int `yaml:"dapr_http_port"`

	// AWSSecretsEnabled adds the AWS store to the default store list.
	// Default: true (AWS_SECRETS_ENABLED)
	AWSSecretsEnabled *bool `yaml:"aws_secrets_enabled"`

	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`

	// Default: 3
	MaxAttempts int `yaml:"max_attempts"`

	// Default: 100ms
	InitialInterval time.Duration `yaml:"initial_interval"`

	// Default: 2s
	MaxInterval time.Duration `yaml:"max_interval"`
}

// BackendConfig describes one secret store. Type is inferred from Name when
// empty.
type BackendConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// Dapr
	Endpoint   string `yaml:"endpoint"`
	Store      string `yaml:"store"`
	Namespaced bool   `yaml:"namespaced"`

	// AWS
	Region          string `yaml:"region"`
	AWSEndpoint     string `yaml:"aws_endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`

	// GCP
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`

	// Azure
	VaultURL                string `yaml:"vault_url"`
	TenantID                string `yaml:"tenant_id"`
	ClientID                string `yaml:"client_id"`
	ClientSecret            string `yaml:"client_secret"`
	ManagedIdentityClientID string `yaml:"managed_identity_client_id"`

	// Static
	Secrets map[string]map[string]string `yaml:"secrets"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	// Storage is "sqlite", "postgres", "memory" or "none". "none" keeps
	// only the structured log stream.
	// Default: "sqlite"
	Storage string `yaml:"storage"`

	// Default: 1000
	AsyncBuffer int `yaml:"async_buffer"`

	// Default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	SQLite    AuditSQLiteConfig `yaml:"sqlite"`
	Postgres  PostgresConfig    `yaml:"postgres"`
	Retention RetentionConfig   `yaml:"retention"`
}

// AuditSQLiteConfig configures the SQLite audit store.
type AuditSQLiteConfig struct {
	// Default: "data/audit.db"
	Path string `yaml:"path"`

	// Default: 10
	MaxOpenConns int `yaml:"max_open_conns"`

	// Default: 5
	MaxIdleConns int `yaml:"max_idle_conns"`

	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// PostgresConfig configures the PostgreSQL audit store.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`

	// Default: true
	AutoMigrate *bool `yaml:"auto_migrate"`

	// Default: 10
	MaxOpenConns int `yaml:"max_open_conns"`
}

// RetentionConfig controls audit pruning.
type RetentionConfig struct {
	// Days to keep records. 0 keeps them forever.
	// Default: 90
	Days int `yaml:"days"`

	// MaxRecords caps stored records. 0 means unlimited.
	MaxRecords int64 `yaml:"max_records"`

	// PruneSchedule is a cron expression.
	// Default: "0 3 * * *"
	PruneSchedule string `yaml:"prune_schedule"`
}

// TelemetryConfig contains configuration for observability.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Health  HealthConfig  `yaml:"health"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	// Default: "info" ("debug" when DEBUG_MODE is true)
	Level string `yaml:"level"`

	// Format is "json" or "text".
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line in log entries.
	AddSource bool `yaml:"add_source"`

	// Redact masks tokens, authorization headers and secret values.
	// Default: true
	Redact *bool `yaml:"redact"`
}

// MetricsConfig contains metrics collection configuration.
type MetricsConfig struct {
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace is the metric name prefix.
	// Default: "secrets_router"
	Namespace string `yaml:"namespace"`

	// Subsystem is the optional metric subsystem.
	Subsystem string `yaml:"subsystem"`

	// LatencyBuckets are histogram buckets in seconds.
	// Default: [0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10]
	LatencyBuckets []float64 `yaml:"latency_buckets"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Sampler is "always", "never" or "ratio".
	// Default: "ratio"
	Sampler string `yaml:"sampler"`

	// Default: 0.1
	SampleRatio float64 `yaml:"sample_ratio"`

	// Endpoint is the OTLP gRPC collector address.
	// Default: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// Default: "secrets-router"
	ServiceName string `yaml:"service_name"`

	// Insecure disables TLS to the collector.
	Insecure bool `yaml:"insecure"`

	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`
}

// HealthConfig contains health check configuration.
type HealthConfig struct {
	// CheckTimeout bounds each readiness check.
	// Default: 5s
	CheckTimeout time.Duration `yaml:"check_timeout"`
}

// BoolValue returns *b, or def when b is nil.
func BoolValue(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func boolPtr(b bool) *bool { return &b }
