package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every SECTION_FIELD override variable.
const EnvPrefix = "SECRETS_ROUTER_"

// LoadConfig loads configuration from a YAML file at the specified path,
// applies default values and validates the result. Environment variables
// are not consulted; use LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	cfg, err := readConfig(path)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and
// applies environment variable overrides. An empty path starts from an
// empty configuration, so the router can run from the environment alone.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply environment variable overrides
// 3. Apply default values to fields still unset
// 4. Validate final configuration
//
// Overrides run before defaults so derived defaults (the store list
// implied by AWS_SECRETS_ENABLED, the tracing service name) see them.
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		var err error
		if cfg, err = readConfig(path); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func readConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}
	return &cfg, nil
}

// lookupFunc matches os.LookupEnv.
type lookupFunc func(string) (string, bool)

// envReader collects parse failures so a typo in one variable is reported
// instead of silently ignored.
type envReader struct {
	lookup lookupFunc
	errs   []FieldError
}

func (r *envReader) get(name string) (string, bool) {
	v, ok := r.lookup(name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := r.get(name); ok {
		*dst = v
	}
}

func (r *envReader) duration(name string, dst *time.Duration) {
	if v, ok := r.get(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.fail(name, err)
			return
		}
		*dst = d
	}
}

func (r *envReader) integer(name string, dst *int) {
	if v, ok := r.get(name); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			r.fail(name, err)
			return
		}
		*dst = i
	}
}

func (r *envReader) integer64(name string, dst *int64) {
	if v, ok := r.get(name); ok {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.fail(name, err)
			return
		}
		*dst = i
	}
}

func (r *envReader) float(name string, dst *float64) {
	if v, ok := r.get(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.fail(name, err)
			return
		}
		*dst = f
	}
}

func (r *envReader) boolean(name string, dst *bool) {
	if v, ok := r.get(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(name, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) optBool(name string, dst **bool) {
	if v, ok := r.get(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(name, err)
			return
		}
		*dst = &b
	}
}

func (r *envReader) list(name string, dst *[]string) {
	if v, ok := r.get(name); ok {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	}
}

func (r *envReader) fail(name string, err error) {
	r.errs = append(r.errs, FieldError{
		Field:   "env." + name,
		Message: err.Error(),
	})
}

// applyEnvOverrides applies environment variable overrides. Most variables
// use the format SECRETS_ROUTER_SECTION_FIELD; the deployment variables
// SERVER_PORT, DAPR_HTTP_PORT, DEBUG_MODE, SERVICE_VERSION and
// AWS_SECRETS_ENABLED are honoured unprefixed, with the prefixed form
// taking precedence.
func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	r := &envReader{lookup: lookup}
	p := EnvPrefix

	// Deployment variables
	if v, ok := r.get("SERVER_PORT"); ok {
		if _, err := strconv.Atoi(v); err != nil {
			r.fail("SERVER_PORT", err)
		} else {
			cfg.Server.ListenAddress = ":" + v
		}
	}
	r.integer("DAPR_HTTP_PORT", &cfg.Backends.DaprHTTPPort)
	r.str("SERVICE_VERSION", &cfg.Server.Version)
	r.optBool("AWS_SECRETS_ENABLED", &cfg.Backends.AWSSecretsEnabled)
	var debug bool
	r.boolean("DEBUG_MODE", &debug)
	if debug {
		cfg.Telemetry.Logging.Level = "debug"
	}

	// Server overrides
	r.str(p+"SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	r.duration(p+"SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	r.duration(p+"SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	r.duration(p+"SERVER_IDLE_TIMEOUT", &cfg.Server.IdleTimeout)
	r.duration(p+"SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	r.integer(p+"SERVER_MAX_HEADER_BYTES", &cfg.Server.MaxHeaderBytes)
	r.str(p+"SERVER_VERSION", &cfg.Server.Version)
	r.boolean(p+"SERVER_TLS_ENABLED", &cfg.Server.TLS.Enabled)
	r.str(p+"SERVER_TLS_CERT_FILE", &cfg.Server.TLS.CertFile)
	r.str(p+"SERVER_TLS_KEY_FILE", &cfg.Server.TLS.KeyFile)
	r.str(p+"SERVER_TLS_CLIENT_CA_FILE", &cfg.Server.TLS.ClientCAFile)
	r.str(p+"SERVER_TLS_CLIENT_AUTH", &cfg.Server.TLS.ClientAuth)

	// Identity overrides
	r.duration(p+"IDENTITY_CACHE_TTL", &cfg.Identity.CacheTTL)
	r.optBool(p+"IDENTITY_TRUST_HEADERS", &cfg.Identity.TrustHeaders)
	r.boolean(p+"IDENTITY_JWT_ENABLED", &cfg.Identity.JWT.Enabled)
	r.str(p+"IDENTITY_JWT_ISSUER", &cfg.Identity.JWT.Issuer)
	r.str(p+"IDENTITY_JWT_AUDIENCE", &cfg.Identity.JWT.Audience)
	r.str(p+"IDENTITY_JWT_HMAC_SECRET", &cfg.Identity.JWT.HMACSecret)
	r.list(p+"IDENTITY_JWT_PUBLIC_KEY_FILES", &cfg.Identity.JWT.PublicKeyFiles)
	r.boolean(p+"IDENTITY_TOKEN_REVIEW_ENABLED", &cfg.Identity.TokenReview.Enabled)
	r.str(p+"IDENTITY_TOKEN_REVIEW_API_SERVER", &cfg.Identity.TokenReview.APIServer)
	r.str(p+"IDENTITY_TOKEN_REVIEW_CA_FILE", &cfg.Identity.TokenReview.CAFile)
	r.str(p+"IDENTITY_TOKEN_REVIEW_TOKEN_FILE", &cfg.Identity.TokenReview.TokenFile)
	r.list(p+"IDENTITY_TOKEN_REVIEW_AUDIENCES", &cfg.Identity.TokenReview.Audiences)
	r.boolean(p+"IDENTITY_MTLS_ENABLED", &cfg.Identity.MTLS.Enabled)
	r.str(p+"IDENTITY_MTLS_TRUST_DOMAIN", &cfg.Identity.MTLS.TrustDomain)

	// Policy overrides
	r.str(p+"POLICY_MODE", &cfg.Policy.Mode)
	r.str(p+"POLICY_FILE_PATH", &cfg.Policy.FilePath)
	r.optBool(p+"POLICY_WATCH", &cfg.Policy.Watch)
	r.str(p+"POLICY_GIT_REPOSITORY", &cfg.Policy.Git.Repository)
	r.str(p+"POLICY_GIT_BRANCH", &cfg.Policy.Git.Branch)
	r.str(p+"POLICY_GIT_PATH", &cfg.Policy.Git.Path)
	r.duration(p+"POLICY_GIT_POLL_INTERVAL", &cfg.Policy.Git.PollInterval)
	r.str(p+"POLICY_GIT_AUTH_TYPE", &cfg.Policy.Git.Auth.Type)
	r.str(p+"POLICY_GIT_AUTH_TOKEN", &cfg.Policy.Git.Auth.Token)
	r.str(p+"POLICY_GIT_AUTH_SSH_KEY_PATH", &cfg.Policy.Git.Auth.SSHKeyPath)
	r.integer(p+"POLICY_ANOMALY_THRESHOLD", &cfg.Policy.AnomalyThreshold)
	r.boolean(p+"POLICY_ENABLE_TRACE", &cfg.Policy.EnableTrace)

	// Limits overrides
	r.str(p+"LIMITS_BACKEND", &cfg.Limits.Backend)
	r.integer(p+"LIMITS_PRINCIPAL_LIMIT_COUNT", &cfg.Limits.PrincipalLimit.Count)
	r.duration(p+"LIMITS_PRINCIPAL_LIMIT_PERIOD", &cfg.Limits.PrincipalLimit.Period)
	r.str(p+"LIMITS_REDIS_ADDR", &cfg.Limits.Redis.Addr)
	r.str(p+"LIMITS_REDIS_PASSWORD", &cfg.Limits.Redis.Password)
	r.integer(p+"LIMITS_REDIS_DB", &cfg.Limits.Redis.DB)

	// Anomaly overrides
	r.optBool(p+"ANOMALY_ENABLED", &cfg.Anomaly.Enabled)

	// Approval overrides
	r.str(p+"APPROVAL_MODE", &cfg.Approval.Mode)
	r.duration(p+"APPROVAL_WAIT_TIMEOUT", &cfg.Approval.WaitTimeout)
	r.duration(p+"APPROVAL_DEFAULT_TIMEOUT", &cfg.Approval.DefaultTimeout)
	r.duration(p+"APPROVAL_MAX_TIMEOUT", &cfg.Approval.MaxTimeout)
	r.str(p+"APPROVAL_STORAGE", &cfg.Approval.Storage)
	r.str(p+"APPROVAL_SQLITE_PATH", &cfg.Approval.SQLitePath)
	r.str(p+"APPROVAL_WEBHOOK_URL", &cfg.Approval.Webhook.URL)

	// Backend overrides
	r.list(p+"BACKENDS_FALLBACK", &cfg.Backends.Fallback)
	r.integer(p+"BACKENDS_DAPR_HTTP_PORT", &cfg.Backends.DaprHTTPPort)
	r.optBool(p+"BACKENDS_AWS_SECRETS_ENABLED", &cfg.Backends.AWSSecretsEnabled)
	r.duration(p+"BACKENDS_TIMEOUT", &cfg.Backends.Timeout)
	r.integer(p+"BACKENDS_MAX_ATTEMPTS", &cfg.Backends.MaxAttempts)

	// Audit overrides
	r.str(p+"AUDIT_STORAGE", &cfg.Audit.Storage)
	r.integer(p+"AUDIT_ASYNC_BUFFER", &cfg.Audit.AsyncBuffer)
	r.str(p+"AUDIT_SQLITE_PATH", &cfg.Audit.SQLite.Path)
	r.str(p+"AUDIT_POSTGRES_DSN", &cfg.Audit.Postgres.DSN)
	r.integer(p+"AUDIT_RETENTION_DAYS", &cfg.Audit.Retention.Days)
	r.integer64(p+"AUDIT_RETENTION_MAX_RECORDS", &cfg.Audit.Retention.MaxRecords)
	r.str(p+"AUDIT_RETENTION_PRUNE_SCHEDULE", &cfg.Audit.Retention.PruneSchedule)

	// Telemetry overrides
	r.str(p+"TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	r.str(p+"TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	r.optBool(p+"TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	r.str(p+"TELEMETRY_METRICS_PATH", &cfg.Telemetry.Metrics.Path)
	r.boolean(p+"TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	r.str(p+"TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	r.float(p+"TELEMETRY_TRACING_SAMPLE_RATIO", &cfg.Telemetry.Tracing.SampleRatio)
	r.boolean(p+"TELEMETRY_TRACING_INSECURE", &cfg.Telemetry.Tracing.Insecure)

	if len(r.errs) > 0 {
		return fmt.Errorf("invalid environment override: %w", ValidationError{Errors: r.errs})
	}
	return nil
}
