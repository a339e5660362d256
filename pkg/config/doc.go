// Package config provides configuration management for the secrets router.
//
// Configuration is read from an optional YAML file, overridden from the
// environment, completed with defaults and validated as a whole.
//
// # Configuration Loading
//
//	cfg, err := config.LoadConfig("config.yaml")              // file only
//	cfg, err := config.LoadConfigWithEnvOverrides("config.yaml")
//	cfg, err := config.LoadConfigWithEnvOverrides("")         // environment only
//
// # Environment Variable Overrides
//
// Variables follow the naming convention SECRETS_ROUTER_SECTION_FIELD:
//
//   - SECRETS_ROUTER_POLICY_FILE_PATH overrides policy.file_path
//   - SECRETS_ROUTER_AUDIT_STORAGE overrides audit.storage
//   - SECRETS_ROUTER_TELEMETRY_LOGGING_LEVEL overrides telemetry.logging.level
//
// The deployment variables below are also read without the prefix:
//
//	SERVER_PORT          listen port (":" + value)
//	DAPR_HTTP_PORT       Dapr sidecar HTTP port, default 3500
//	DEBUG_MODE           true forces debug logging
//	SERVICE_VERSION      version reported by /healthz, default v0.0.1
//	AWS_SECRETS_ENABLED  include aws-secrets-manager in the default stores
//
// A variable that cannot be parsed fails loading with the variable name.
//
// # Configuration Precedence
//
//  1. Values from YAML file
//  2. Environment variable overrides
//  3. Default values for anything still unset
//  4. Validation (fails fast if invalid)
//
// Booleans that default to true are pointers so an explicit false survives
// defaulting; read them with BoolValue.
//
// # Singleton Pattern
//
//	if err := config.Initialize(path); err != nil {
//	    log.Fatal(err)
//	}
//	cfg := config.GetConfig()
//
// ReloadConfig rereads the file and runs the hooks registered with OnReload.
// ChangedSections tells a hook which top-level sections differ.
//
// Tests should pass explicit Config values instead.
//
// # Validation
//
// Validation errors carry the dotted field path:
//
//	configuration validation failed with 2 errors:
//	  - identity: at least one of jwt, token_review, or mtls must be enabled
//	  - server.write_timeout: write timeout (30s) must exceed approval.wait_timeout (30s)
//
// # Example Configuration
//
//	identity:
//	  jwt:
//	    enabled: true
//	    issuer: "https://kubernetes.default.svc"
//	    public_key_files: ["/etc/secrets-router/sa.pub"]
//
//	policy:
//	  mode: "file"
//	  file_path: "/etc/secrets-router/policies"
//
//	backends:
//	  fallback: ["aws-secrets-manager", "kubernetes"]
//
//	audit:
//	  storage: "sqlite"
//	  retention:
//	    days: 90
package config
