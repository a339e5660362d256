package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "server.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Has reports whether an error was recorded for field.
func (e ValidationError) Has(field string) bool {
	for _, fe := range e.Errors {
		if fe.Field == field {
			return true
		}
	}
	return false
}

// Validate validates the entire configuration and returns a ValidationError
// if any rule fails. All errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateServer(&cfg.Server, &cfg.Approval)...)
	errs = append(errs, validateIdentity(&cfg.Identity, &cfg.Server.TLS)...)
	errs = append(errs, validatePolicy(&cfg.Policy)...)
	errs = append(errs, validateLimits(&cfg.Limits)...)
	errs = append(errs, validateAnomaly(&cfg.Anomaly)...)
	errs = append(errs, validateApproval(&cfg.Approval)...)
	errs = append(errs, validateBackends(&cfg.Backends)...)
	errs = append(errs, validateAudit(&cfg.Audit)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateServer(cfg *ServerConfig, approval *ApprovalConfig) []FieldError {
	var errs []FieldError

	if cfg.ListenAddress == "" {
		errs = append(errs, FieldError{
			Field:   "server.listen_address",
			Message: "listen address is required",
		})
	}

	for field, d := range map[string]time.Duration{
		"server.read_timeout":     cfg.ReadTimeout,
		"server.write_timeout":    cfg.WriteTimeout,
		"server.idle_timeout":     cfg.IdleTimeout,
		"server.shutdown_timeout": cfg.ShutdownTimeout,
	} {
		if d < 0 {
			errs = append(errs, FieldError{Field: field, Message: "timeout must be positive"})
		}
	}

	// Requests that wait for a human decision hold the response open.
	if approval.Mode == "wait" && cfg.WriteTimeout > 0 && cfg.WriteTimeout <= approval.WaitTimeout {
		errs = append(errs, FieldError{
			Field:   "server.write_timeout",
			Message: fmt.Sprintf("write timeout (%s) must exceed approval.wait_timeout (%s)", cfg.WriteTimeout, approval.WaitTimeout),
		})
	}

	if cfg.MaxHeaderBytes < 0 {
		errs = append(errs, FieldError{
			Field:   "server.max_header_bytes",
			Message: "max header bytes must be non-negative",
		})
	}
	if cfg.MaxHeaderBytes > 10*1024*1024 {
		errs = append(errs, FieldError{
			Field:   "server.max_header_bytes",
			Message: "max header bytes exceeds reasonable limit (10MB)",
		})
	}

	if cfg.TLS.Enabled {
		if cfg.TLS.CertFile == "" {
			errs = append(errs, FieldError{
				Field:   "server.tls.cert_file",
				Message: "TLS certificate file is required when TLS is enabled",
			})
		}
		if cfg.TLS.KeyFile == "" {
			errs = append(errs, FieldError{
				Field:   "server.tls.key_file",
				Message: "TLS key file is required when TLS is enabled",
			})
		}
	}
	switch cfg.TLS.ClientAuth {
	case "none", "request", "require":
	default:
		errs = append(errs, FieldError{
			Field:   "server.tls.client_auth",
			Message: fmt.Sprintf("invalid client auth %q: must be 'none', 'request', or 'require'", cfg.TLS.ClientAuth),
		})
	}
	if cfg.TLS.ClientAuth != "none" && cfg.TLS.ClientCAFile == "" && cfg.TLS.Enabled {
		errs = append(errs, FieldError{
			Field:   "server.tls.client_ca_file",
			Message: "client CA file is required when client certificates are requested",
		})
	}
	switch cfg.TLS.MinVersion {
	case "1.2", "1.3":
	default:
		errs = append(errs, FieldError{
			Field:   "server.tls.min_version",
			Message: fmt.Sprintf("invalid TLS version %q: must be '1.2' or '1.3'", cfg.TLS.MinVersion),
		})
	}

	return errs
}

func validateIdentity(cfg *IdentityConfig, tls *TLSConfig) []FieldError {
	var errs []FieldError

	if !cfg.JWT.Enabled && !cfg.TokenReview.Enabled && !cfg.MTLS.Enabled {
		errs = append(errs, FieldError{
			Field:   "identity",
			Message: "at least one of jwt, token_review, or mtls must be enabled",
		})
	}
	if cfg.CacheTTL < 0 {
		errs = append(errs, FieldError{Field: "identity.cache_ttl", Message: "cache TTL must be non-negative"})
	}
	if cfg.CacheSize < 0 {
		errs = append(errs, FieldError{Field: "identity.cache_size", Message: "cache size must be non-negative"})
	}

	if cfg.JWT.Enabled {
		if cfg.JWT.HMACSecret == "" && len(cfg.JWT.PublicKeyFiles) == 0 {
			errs = append(errs, FieldError{
				Field:   "identity.jwt",
				Message: "hmac_secret or public_key_files is required when JWT is enabled",
			})
		}
		if cfg.JWT.Leeway < 0 {
			errs = append(errs, FieldError{Field: "identity.jwt.leeway", Message: "leeway must be non-negative"})
		}
	}

	if cfg.TokenReview.Enabled {
		if cfg.TokenReview.APIServer == "" {
			errs = append(errs, FieldError{
				Field:   "identity.token_review.api_server",
				Message: "API server is required when token review is enabled",
			})
		} else if u, err := url.Parse(cfg.TokenReview.APIServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, FieldError{
				Field:   "identity.token_review.api_server",
				Message: fmt.Sprintf("invalid URL %q", cfg.TokenReview.APIServer),
			})
		}
	}

	if cfg.MTLS.Enabled {
		if !tls.Enabled {
			errs = append(errs, FieldError{
				Field:   "identity.mtls.enabled",
				Message: "mTLS identities require TLS to be enabled (server.tls.enabled must be true)",
			})
		}
		switch cfg.MTLS.IdentitySource {
		case "subject.CN", "subject.OU", "subject.O", "SAN":
		default:
			errs = append(errs, FieldError{
				Field:   "identity.mtls.identity_source",
				Message: fmt.Sprintf("invalid identity source %q: must be 'subject.CN', 'subject.OU', 'subject.O', or 'SAN'", cfg.MTLS.IdentitySource),
			})
		}
		switch cfg.MTLS.NamespaceSource {
		case "subject.OU", "subject.O":
		default:
			errs = append(errs, FieldError{
				Field:   "identity.mtls.namespace_source",
				Message: fmt.Sprintf("invalid namespace source %q: must be 'subject.OU' or 'subject.O'", cfg.MTLS.NamespaceSource),
			})
		}
	}

	return errs
}

func validatePolicy(cfg *PolicyConfig) []FieldError {
	var errs []FieldError

	switch cfg.Mode {
	case "file":
		if cfg.FilePath == "" {
			errs = append(errs, FieldError{
				Field:   "policy.file_path",
				Message: "file path is required when mode is 'file'",
			})
		}
	case "git":
		if cfg.Git.Repository == "" {
			errs = append(errs, FieldError{
				Field:   "policy.git.repository",
				Message: "git repository is required when mode is 'git'",
			})
		}
		if cfg.Git.PollInterval < time.Second {
			errs = append(errs, FieldError{
				Field:   "policy.git.poll_interval",
				Message: "poll interval must be at least 1s",
			})
		}
		switch cfg.Git.Auth.Type {
		case "none":
		case "token":
			if cfg.Git.Auth.Token == "" {
				errs = append(errs, FieldError{Field: "policy.git.auth.token", Message: "token is required for token auth"})
			}
		case "ssh":
			if cfg.Git.Auth.SSHKeyPath == "" {
				errs = append(errs, FieldError{Field: "policy.git.auth.ssh_key_path", Message: "SSH key path is required for ssh auth"})
			}
		default:
			errs = append(errs, FieldError{
				Field:   "policy.git.auth.type",
				Message: fmt.Sprintf("invalid auth type %q: must be 'none', 'token', or 'ssh'", cfg.Git.Auth.Type),
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "policy.mode",
			Message: fmt.Sprintf("invalid mode %q: must be 'file' or 'git'", cfg.Mode),
		})
	}

	if cfg.Debounce < 0 {
		errs = append(errs, FieldError{Field: "policy.debounce", Message: "debounce must be non-negative"})
	}
	if cfg.AnomalyThreshold < 0 || cfg.AnomalyThreshold > 100 {
		errs = append(errs, FieldError{
			Field:   "policy.anomaly_threshold",
			Message: "anomaly threshold must be between 0 and 100",
		})
	}

	return errs
}

func validateLimits(cfg *LimitsConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "memory":
	case "redis":
		if cfg.Redis.Addr == "" {
			errs = append(errs, FieldError{
				Field:   "limits.redis.addr",
				Message: "redis address is required when backend is 'redis'",
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "limits.backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'memory' or 'redis'", cfg.Backend),
		})
	}

	if cfg.PrincipalLimit.Count < 0 {
		errs = append(errs, FieldError{Field: "limits.principal_limit.count", Message: "count must be non-negative"})
	}
	if cfg.PrincipalLimit.Count > 0 && cfg.PrincipalLimit.Period <= 0 {
		errs = append(errs, FieldError{
			Field:   "limits.principal_limit.period",
			Message: "period must be positive when count is set",
		})
	}
	if cfg.SweepInterval < 0 {
		errs = append(errs, FieldError{Field: "limits.sweep_interval", Message: "sweep interval must be non-negative"})
	}

	return errs
}

func validateAnomaly(cfg *AnomalyConfig) []FieldError {
	if !BoolValue(cfg.Enabled, DefaultAnomalyEnabled) {
		return nil
	}
	var errs []FieldError

	if cfg.Window <= 0 {
		errs = append(errs, FieldError{Field: "anomaly.window", Message: "window must be positive"})
	}
	if cfg.BurstWindow <= 0 || cfg.BurstThreshold <= 0 {
		errs = append(errs, FieldError{Field: "anomaly.burst_window", Message: "burst window and threshold must be positive"})
	}
	if cfg.WarmupRequests < 0 || cfg.DenialThreshold < 0 || cfg.MaxProfiles < 0 {
		errs = append(errs, FieldError{Field: "anomaly", Message: "thresholds cannot be negative"})
	}
	w := cfg.Weights
	if w.NewSecret < 0 || w.UnusualHour < 0 || w.Burst < 0 || w.Denials < 0 {
		errs = append(errs, FieldError{Field: "anomaly.weights", Message: "weights cannot be negative"})
	}

	return errs
}

func validateApproval(cfg *ApprovalConfig) []FieldError {
	var errs []FieldError

	switch cfg.Mode {
	case "wait", "async":
	default:
		errs = append(errs, FieldError{
			Field:   "approval.mode",
			Message: fmt.Sprintf("invalid mode %q: must be 'wait' or 'async'", cfg.Mode),
		})
	}
	if cfg.WaitTimeout < 0 {
		errs = append(errs, FieldError{Field: "approval.wait_timeout", Message: "wait timeout must be non-negative"})
	}
	if cfg.DefaultTimeout <= 0 {
		errs = append(errs, FieldError{Field: "approval.default_timeout", Message: "default timeout must be positive"})
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		errs = append(errs, FieldError{
			Field:   "approval.max_timeout",
			Message: "max timeout cannot be less than default timeout",
		})
	}

	switch cfg.Storage {
	case "memory":
	case "sqlite":
		if cfg.SQLitePath == "" {
			errs = append(errs, FieldError{
				Field:   "approval.sqlite_path",
				Message: "SQLite path is required when storage is 'sqlite'",
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "approval.storage",
			Message: fmt.Sprintf("invalid storage %q: must be 'memory' or 'sqlite'", cfg.Storage),
		})
	}

	if cfg.Webhook.URL != "" {
		if u, err := url.Parse(cfg.Webhook.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, FieldError{
				Field:   "approval.webhook.url",
				Message: fmt.Sprintf("invalid URL %q", cfg.Webhook.URL),
			})
		}
		if cfg.Webhook.MaxAttempts < 1 {
			errs = append(errs, FieldError{Field: "approval.webhook.max_attempts", Message: "max attempts must be at least 1"})
		}
	}

	return errs
}

var backendTypes = map[string]bool{"dapr": true, "aws": true, "gcp": true, "azure": true, "static": true}

func validateBackends(cfg *BackendsConfig) []FieldError {
	var errs []FieldError

	if len(cfg.Stores) == 0 {
		errs = append(errs, FieldError{
			Field:   "backends.stores",
			Message: "at least one backend must be configured",
		})
	}

	names := make(map[string]bool, len(cfg.Stores))
	for i, s := range cfg.Stores {
		prefix := fmt.Sprintf("backends.stores[%d]", i)
		if s.Name == "" {
			errs = append(errs, FieldError{Field: prefix + ".name", Message: "name is required"})
			continue
		}
		if names[s.Name] {
			errs = append(errs, FieldError{
				Field:   prefix + ".name",
				Message: fmt.Sprintf("duplicate backend name %q", s.Name),
			})
		}
		names[s.Name] = true

		if s.Type != "" && !backendTypes[s.Type] {
			errs = append(errs, FieldError{
				Field:   prefix + ".type",
				Message: fmt.Sprintf("invalid type %q: must be 'dapr', 'aws', 'gcp', 'azure', or 'static'", s.Type),
			})
		}
		switch s.Type {
		case "gcp":
			if s.ProjectID == "" {
				errs = append(errs, FieldError{Field: prefix + ".project_id", Message: "project ID is required for gcp backends"})
			}
		case "azure":
			if s.VaultURL == "" {
				errs = append(errs, FieldError{Field: prefix + ".vault_url", Message: "vault URL is required for azure backends"})
			}
		}
	}

	for i, name := range cfg.Fallback {
		if !names[name] {
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("backends.fallback[%d]", i),
				Message: fmt.Sprintf("unknown backend %q", name),
			})
		}
	}

	if cfg.DaprHTTPPort < 1 || cfg.DaprHTTPPort > 65535 {
		errs = append(errs, FieldError{
			Field:   "backends.dapr_http_port",
			Message: "port must be between 1 and 65535",
		})
	}
	if cfg.Timeout <= 0 {
		errs = append(errs, FieldError{Field: "backends.timeout", Message: "timeout must be positive"})
	}
	if cfg.MaxAttempts < 1 {
		errs = append(errs, FieldError{Field: "backends.max_attempts", Message: "max attempts must be at least 1"})
	}
	if cfg.MaxAttempts > 10 {
		errs = append(errs, FieldError{Field: "backends.max_attempts", Message: "max attempts exceeds reasonable limit (10)"})
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		errs = append(errs, FieldError{
			Field:   "backends.max_interval",
			Message: "max interval cannot be less than initial interval",
		})
	}

	return errs
}

func validateAudit(cfg *AuditConfig) []FieldError {
	var errs []FieldError

	switch cfg.Storage {
	case "memory", "none":
	case "sqlite":
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{
				Field:   "audit.sqlite.path",
				Message: "SQLite path is required when storage is 'sqlite'",
			})
		}
	case "postgres":
		if cfg.Postgres.DSN == "" {
			errs = append(errs, FieldError{
				Field:   "audit.postgres.dsn",
				Message: "PostgreSQL DSN is required when storage is 'postgres'",
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "audit.storage",
			Message: fmt.Sprintf("invalid storage %q: must be 'sqlite', 'postgres', 'memory', or 'none'", cfg.Storage),
		})
	}

	if cfg.AsyncBuffer < 0 {
		errs = append(errs, FieldError{Field: "audit.async_buffer", Message: "async buffer must be non-negative"})
	}
	if cfg.WriteTimeout <= 0 {
		errs = append(errs, FieldError{Field: "audit.write_timeout", Message: "write timeout must be positive"})
	}
	if cfg.Retention.Days < 0 {
		errs = append(errs, FieldError{Field: "audit.retention.days", Message: "retention days must be non-negative"})
	}
	if cfg.Retention.Days > 3650 {
		errs = append(errs, FieldError{
			Field:   "audit.retention.days",
			Message: "retention days exceeds reasonable limit (3650 days / 10 years)",
		})
	}
	if cfg.Retention.MaxRecords < 0 {
		errs = append(errs, FieldError{Field: "audit.retention.max_records", Message: "max records must be non-negative"})
	}
	if cfg.Retention.PruneSchedule != "" && len(strings.Fields(cfg.Retention.PruneSchedule)) != 5 {
		errs = append(errs, FieldError{
			Field:   "audit.retention.prune_schedule",
			Message: fmt.Sprintf("invalid cron expression %q: expected 5 fields", cfg.Retention.PruneSchedule),
		})
	}

	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	case "":
		errs = append(errs, FieldError{Field: "telemetry.logging.level", Message: "logging level is required"})
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid logging level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.Logging.Level),
		})
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid logging format %q: must be 'json' or 'text'", cfg.Logging.Format),
		})
	}

	if BoolValue(cfg.Metrics.Enabled, DefaultMetricsEnabled) {
		if cfg.Metrics.Path == "" || !strings.HasPrefix(cfg.Metrics.Path, "/") {
			errs = append(errs, FieldError{
				Field:   "telemetry.metrics.path",
				Message: "metrics path must start with /",
			})
		}
		for i := 1; i < len(cfg.Metrics.LatencyBuckets); i++ {
			if cfg.Metrics.LatencyBuckets[i] <= cfg.Metrics.LatencyBuckets[i-1] {
				errs = append(errs, FieldError{
					Field:   "telemetry.metrics.latency_buckets",
					Message: "buckets must be strictly increasing",
				})
				break
			}
		}
	}

	if cfg.Tracing.Enabled {
		if cfg.Tracing.Endpoint == "" {
			errs = append(errs, FieldError{
				Field:   "telemetry.tracing.endpoint",
				Message: "tracing endpoint is required when tracing is enabled",
			})
		}
		switch cfg.Tracing.Sampler {
		case "always", "never", "ratio":
		default:
			errs = append(errs, FieldError{
				Field:   "telemetry.tracing.sampler",
				Message: fmt.Sprintf("invalid sampler %q: must be 'always', 'never', or 'ratio'", cfg.Tracing.Sampler),
			})
		}
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sample_ratio",
			Message: "sample ratio must be between 0.0 and 1.0",
		})
	}

	if cfg.Health.CheckTimeout <= 0 {
		errs = append(errs, FieldError{Field: "telemetry.health.check_timeout", Message: "check timeout must be positive"})
	}
	if cfg.Health.CheckTimeout > time.Minute {
		errs = append(errs, FieldError{
			Field:   "telemetry.health.check_timeout",
			Message: "check timeout exceeds reasonable limit (60s)",
		})
	}

	return errs
}
