package config

import "time"

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress   = ":8080"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxHeaderBytes  = 1048576 // 1MB
	DefaultServiceName     = "secrets-router"
	DefaultServiceVersion  = "v0.0.1"
	DefaultTLSMinVersion   = "1.2"

	// Identity defaults
	DefaultIdentityCacheTTL     = 30 * time.Second
	DefaultIdentityCacheSize    = 10000
	DefaultTokenReviewTimeout   = 5 * time.Second
	DefaultMTLSIdentitySource   = "subject.CN"
	DefaultMTLSNamespaceSource  = "subject.OU"
	DefaultIdentityTrustHeaders = true

	// Policy defaults
	DefaultPolicyMode             = "file"
	DefaultPolicyFilePath         = "./policies"
	DefaultPolicyWatch            = true
	DefaultPolicyDebounce         = 500 * time.Millisecond
	DefaultPolicyGitBranch        = "main"
	DefaultPolicyGitLocalPath     = "data/policy-repo"
	DefaultPolicyGitPollInterval  = 30 * time.Second
	DefaultPolicyGitTimeout       = 30 * time.Second
	DefaultPolicyGitAuthType      = "none"
	DefaultPolicyAnomalyThreshold = 70

	// Limits defaults
	DefaultLimitsBackend       = "memory"
	DefaultLimitsSweepInterval = time.Minute
	DefaultRedisKeyPrefix      = "secrets-router:rl:"

	// Anomaly defaults
	DefaultAnomalyEnabled         = true
	DefaultAnomalyWindow          = 24 * time.Hour
	DefaultAnomalyWarmupRequests  = 20
	DefaultAnomalyBurstWindow     = time.Minute
	DefaultAnomalyBurstThreshold  = 30
	DefaultAnomalyDenialThreshold = 3
	DefaultAnomalyMaxProfiles     = 10000
	DefaultAnomalyPruneInterval   = 10 * time.Minute
	DefaultAnomalyWeightNewSecret = 35
	DefaultAnomalyWeightHour      = 20
	DefaultAnomalyWeightBurst     = 30
	DefaultAnomalyWeightDenials   = 15

	// Approval defaults
	DefaultApprovalMode          = "wait"
	DefaultApprovalWaitTimeout   = 30 * time.Second
	DefaultApprovalTimeout       = 15 * time.Minute
	DefaultApprovalMaxTimeout    = 24 * time.Hour
	DefaultApprovalNotifyTimeout = 30 * time.Second
	DefaultApprovalStorage       = "memory"
	DefaultApprovalSQLitePath    = "data/approvals.db"
	DefaultWebhookTimeout        = 10 * time.Second
	DefaultWebhookMaxAttempts    = 3

	// Backend defaults
	DefaultDaprHTTPPort           = 3500
	DefaultAWSSecretsEnabled      = true
	DefaultBackendTimeout         = 10 * time.Second
	DefaultBackendMaxAttempts     = 3
	DefaultBackendInitialInterval = 100 * time.Millisecond
	DefaultBackendMaxInterval     = 2 * time.Second
	DefaultKubernetesBackend      = "kubernetes"
	DefaultAWSBackend             = "aws-secrets-manager"

	// Audit defaults
	DefaultAuditStorage           = "sqlite"
	DefaultAuditAsyncBuffer       = 1000
	DefaultAuditWriteTimeout      = 5 * time.Second
	DefaultAuditSQLitePath        = "data/audit.db"
	DefaultAuditSQLiteMaxOpen     = 10
	DefaultAuditSQLiteMaxIdle     = 5
	DefaultAuditSQLiteBusyTimeout = 5 * time.Second
	DefaultAuditPostgresMaxOpen   = 10
	DefaultAuditRetentionDays     = 90
	DefaultAuditPruneSchedule     = "0 3 * * *"

	// Telemetry defaults
	DefaultLoggingLevel       = "info"
	DefaultLoggingFormat      = "json"
	DefaultLoggingRedact      = true
	DefaultMetricsEnabled     = true
	DefaultMetricsPath        = "/metrics"
	DefaultMetricsNamespace   = "secrets_router"
	DefaultTracingSampler     = "ratio"
	DefaultTracingSampleRatio = 0.1
	DefaultTracingEndpoint    = "localhost:4317"
	DefaultTracingTimeout     = 10 * time.Second
	DefaultHealthCheckTimeout = 5 * time.Second
)

// DefaultLatencyBuckets are histogram buckets in seconds for backend and
// request latency.
var DefaultLatencyBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// ApplyDefaults fills zero-valued fields with defaults. Values already set
// are left untouched.
func ApplyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server, cfg.Identity.MTLS.Enabled)
	applyIdentityDefaults(&cfg.Identity)
	applyPolicyDefaults(&cfg.Policy)
	applyLimitsDefaults(&cfg.Limits)
	applyAnomalyDefaults(&cfg.Anomaly)
	applyApprovalDefaults(&cfg.Approval)
	applyBackendsDefaults(&cfg.Backends)
	applyAuditDefaults(&cfg.Audit)
	applyTelemetryDefaults(&cfg.Telemetry, cfg.Server.ServiceName)
}

func applyServerDefaults(cfg *ServerConfig, mtls bool) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.MaxHeaderBytes == 0 {
		cfg.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.Version == "" {
		cfg.Version = DefaultServiceVersion
	}
	if cfg.TLS.MinVersion == "" {
		cfg.TLS.MinVersion = DefaultTLSMinVersion
	}
	if cfg.TLS.ClientAuth == "" {
		if mtls {
			cfg.TLS.ClientAuth = "require"
		} else {
			cfg.TLS.ClientAuth = "none"
		}
	}
}

func applyIdentityDefaults(cfg *IdentityConfig) {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultIdentityCacheTTL
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultIdentityCacheSize
	}
	if cfg.TrustHeaders == nil {
		cfg.TrustHeaders = boolPtr(DefaultIdentityTrustHeaders)
	}
	if cfg.TokenReview.Timeout == 0 {
		cfg.TokenReview.Timeout = DefaultTokenReviewTimeout
	}
	if cfg.MTLS.IdentitySource == "" {
		cfg.MTLS.IdentitySource = DefaultMTLSIdentitySource
	}
	if cfg.MTLS.NamespaceSource == "" {
		cfg.MTLS.NamespaceSource = DefaultMTLSNamespaceSource
	}
}

func applyPolicyDefaults(cfg *PolicyConfig) {
	if cfg.Mode == "" {
		cfg.Mode = DefaultPolicyMode
	}
	if cfg.FilePath == "" {
		cfg.FilePath = DefaultPolicyFilePath
	}
	if cfg.Watch == nil {
		cfg.Watch = boolPtr(DefaultPolicyWatch)
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = DefaultPolicyDebounce
	}
	if cfg.AnomalyThreshold == 0 {
		cfg.AnomalyThreshold = DefaultPolicyAnomalyThreshold
	}

	git := &cfg.Git
	if git.Branch == "" {
		git.Branch = DefaultPolicyGitBranch
	}
	if git.LocalPath == "" {
		git.LocalPath = DefaultPolicyGitLocalPath
	}
	if git.PollInterval == 0 {
		git.PollInterval = DefaultPolicyGitPollInterval
	}
	if git.Timeout == 0 {
		git.Timeout = DefaultPolicyGitTimeout
	}
	if git.Auth.Type == "" {
		git.Auth.Type = DefaultPolicyGitAuthType
	}
}

func applyLimitsDefaults(cfg *LimitsConfig) {
	if cfg.Backend == "" {
		cfg.Backend = DefaultLimitsBackend
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultLimitsSweepInterval
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
}

func applyAnomalyDefaults(cfg *AnomalyConfig) {
	if cfg.Enabled == nil {
		cfg.Enabled = boolPtr(DefaultAnomalyEnabled)
	}
	if cfg.Window == 0 {
		cfg.Window = DefaultAnomalyWindow
	}
	if cfg.WarmupRequests == 0 {
		cfg.WarmupRequests = DefaultAnomalyWarmupRequests
	}
	if cfg.BurstWindow == 0 {
		cfg.BurstWindow = DefaultAnomalyBurstWindow
	}
	if cfg.BurstThreshold == 0 {
		cfg.BurstThreshold = DefaultAnomalyBurstThreshold
	}
	if cfg.DenialThreshold == 0 {
		cfg.DenialThreshold = DefaultAnomalyDenialThreshold
	}
	if cfg.MaxProfiles == 0 {
		cfg.MaxProfiles = DefaultAnomalyMaxProfiles
	}
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = DefaultAnomalyPruneInterval
	}
	w := &cfg.Weights
	if w.NewSecret == 0 && w.UnusualHour == 0 && w.Burst == 0 && w.Denials == 0 {
		w.NewSecret = DefaultAnomalyWeightNewSecret
		w.UnusualHour = DefaultAnomalyWeightHour
		w.Burst = DefaultAnomalyWeightBurst
		w.Denials = DefaultAnomalyWeightDenials
	}
}

func applyApprovalDefaults(cfg *ApprovalConfig) {
	if cfg.Mode == "" {
		cfg.Mode = DefaultApprovalMode
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = DefaultApprovalWaitTimeout
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = DefaultApprovalTimeout
	}
	if cfg.MaxTimeout == 0 {
		cfg.MaxTimeout = DefaultApprovalMaxTimeout
	}
	if cfg.NotifyTimeout == 0 {
		cfg.NotifyTimeout = DefaultApprovalNotifyTimeout
	}
	if cfg.Storage == "" {
		cfg.Storage = DefaultApprovalStorage
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = DefaultApprovalSQLitePath
	}
	if cfg.Webhook.Timeout == 0 {
		cfg.Webhook.Timeout = DefaultWebhookTimeout
	}
	if cfg.Webhook.MaxAttempts == 0 {
		cfg.Webhook.MaxAttempts = DefaultWebhookMaxAttempts
	}
}

func applyBackendsDefaults(cfg *BackendsConfig) {
	if cfg.DaprHTTPPort == 0 {
		cfg.DaprHTTPPort = DefaultDaprHTTPPort
	}
	if cfg.AWSSecretsEnabled == nil {
		cfg.AWSSecretsEnabled = boolPtr(DefaultAWSSecretsEnabled)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultBackendTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultBackendMaxAttempts
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = DefaultBackendInitialInterval
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = DefaultBackendMaxInterval
	}

	awsEnabled := *cfg.AWSSecretsEnabled
	if len(cfg.Stores) == 0 {
		cfg.Stores = append(cfg.Stores, BackendConfig{
			Name:       DefaultKubernetesBackend,
			Type:       "dapr",
			Store:      DefaultKubernetesBackend,
			Namespaced: true,
		})
		if awsEnabled {
			cfg.Stores = append(cfg.Stores, BackendConfig{
				Name: DefaultAWSBackend,
				Type: "aws",
			})
		}
	}
	if len(cfg.Fallback) == 0 {
		for _, name := range []string{DefaultAWSBackend, DefaultKubernetesBackend} {
			if name == DefaultAWSBackend && !awsEnabled {
				continue
			}
			if cfg.hasStore(name) {
				cfg.Fallback = append(cfg.Fallback, name)
			}
		}
		if len(cfg.Fallback) == 0 {
			for _, s := range cfg.Stores {
				cfg.Fallback = append(cfg.Fallback, s.Name)
			}
		}
	}
}

func (cfg *BackendsConfig) hasStore(name string) bool {
	for _, s := range cfg.Stores {
		if s.Name == name {
			return true
		}
	}
	return false
}

func applyAuditDefaults(cfg *AuditConfig) {
	if cfg.Storage == "" {
		cfg.Storage = DefaultAuditStorage
	}
	if cfg.AsyncBuffer == 0 {
		cfg.AsyncBuffer = DefaultAuditAsyncBuffer
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultAuditWriteTimeout
	}
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = DefaultAuditSQLitePath
	}
	if cfg.SQLite.MaxOpenConns == 0 {
		cfg.SQLite.MaxOpenConns = DefaultAuditSQLiteMaxOpen
	}
	if cfg.SQLite.MaxIdleConns == 0 {
		cfg.SQLite.MaxIdleConns = DefaultAuditSQLiteMaxIdle
	}
	if cfg.SQLite.BusyTimeout == 0 {
		cfg.SQLite.BusyTimeout = DefaultAuditSQLiteBusyTimeout
	}
	if cfg.Postgres.AutoMigrate == nil {
		cfg.Postgres.AutoMigrate = boolPtr(true)
	}
	if cfg.Postgres.MaxOpenConns == 0 {
		cfg.Postgres.MaxOpenConns = DefaultAuditPostgresMaxOpen
	}
	if cfg.Retention.Days == 0 {
		cfg.Retention.Days = DefaultAuditRetentionDays
	}
	if cfg.Retention.PruneSchedule == "" {
		cfg.Retention.PruneSchedule = DefaultAuditPruneSchedule
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig, serviceName string) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLoggingFormat
	}
	if cfg.Logging.Redact == nil {
		cfg.Logging.Redact = boolPtr(DefaultLoggingRedact)
	}

	if cfg.Metrics.Enabled == nil {
		cfg.Metrics.Enabled = boolPtr(DefaultMetricsEnabled)
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsNamespace
	}
	if len(cfg.Metrics.LatencyBuckets) == 0 {
		cfg.Metrics.LatencyBuckets = append([]float64(nil), DefaultLatencyBuckets...)
	}

	if cfg.Tracing.Sampler == "" {
		cfg.Tracing.Sampler = DefaultTracingSampler
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = DefaultTracingSampleRatio
	}
	if cfg.Tracing.Endpoint == "" {
		cfg.Tracing.Endpoint = DefaultTracingEndpoint
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = serviceName
	}
	if cfg.Tracing.Timeout == 0 {
		cfg.Tracing.Timeout = DefaultTracingTimeout
	}

	if cfg.Health.CheckTimeout == 0 {
		cfg.Health.CheckTimeout = DefaultHealthCheckTimeout
	}
}
