package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// Config describes one backend. Type selects the implementation; when
// empty it is inferred from Name.
type Config struct {
	Name string
	Type string

	// Dapr
	Endpoint   string
	Store      string
	Namespaced bool
	Client     *http.Client

	// AWS
	Region          string
	AWSEndpoint     string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string

	// GCP
	ProjectID       string
	CredentialsFile string

	// Azure
	VaultURL                string
	TenantID                string
	ClientID                string
	ClientSecret            string
	ManagedIdentityClientID string

	// Static
	Secrets map[string]map[string]string
}

// NewBackend creates a backend from cfg.
//
// Supported types:
//   - "dapr": Dapr sidecar secret store (Store defaults to Name)
//   - "aws": AWS Secrets Manager
//   - "gcp": Google Secret Manager
//   - "azure": Azure Key Vault
//   - "static": in-memory secrets
func NewBackend(ctx context.Context, cfg Config) (Backend, error) {
	backendType := cfg.Type
	if backendType == "" {
		backendType = inferBackendType(cfg.Name)
	}

	slog.Debug("creating backend", "name", cfg.Name, "type", backendType)

	var (
		b   Backend
		err error
	)
	switch backendType {
	case "dapr":
		store := cfg.Store
		if store == "" {
			store = cfg.Name
		}
		b, err = NewDaprBackend(DaprConfig{
			Name:       cfg.Name,
			Store:      store,
			Endpoint:   cfg.Endpoint,
			Namespaced: cfg.Namespaced,
			Client:     cfg.Client,
		})
	case "aws":
		b, err = NewAWSBackend(ctx, AWSConfig{
			Name:            cfg.Name,
			Region:          cfg.Region,
			Endpoint:        cfg.AWSEndpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Prefix:          cfg.Prefix,
		})
	case "gcp":
		b, err = NewGCPBackend(ctx, GCPConfig{
			Name:            cfg.Name,
			ProjectID:       cfg.ProjectID,
			CredentialsFile: cfg.CredentialsFile,
		})
	case "azure":
		b, err = NewAzureBackend(AzureConfig{
			Name:                    cfg.Name,
			VaultURL:                cfg.VaultURL,
			TenantID:                cfg.TenantID,
			ClientID:                cfg.ClientID,
			ClientSecret:            cfg.ClientSecret,
			ManagedIdentityClientID: cfg.ManagedIdentityClientID,
		})
	case "static":
		b = NewStaticBackend(cfg.Name, cfg.Secrets)
	default:
		return nil, fmt.Errorf("backend %q: unsupported type %q (supported: dapr, aws, gcp, azure, static)", cfg.Name, backendType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create backend %q: %w", cfg.Name, err)
	}

	slog.Info("backend created", "name", b.Name(), "type", backendType)
	return b, nil
}

// inferBackendType infers the backend type from its name. Dapr store names
// such as "kubernetes" and "aws-secrets-manager" default to the sidecar.
func inferBackendType(name string) string {
	switch name {
	case "aws":
		return "aws"
	case "gcp":
		return "gcp"
	case "azure":
		return "azure"
	case "static":
		return "static"
	default:
		return "dapr"
	}
}
