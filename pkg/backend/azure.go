package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// KeyVaultAPI is the subset of the Key Vault secrets client the backend
// uses.
type KeyVaultAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

// AzureConfig configures an AzureBackend.
type AzureConfig struct {
	// Name defaults to "azure".
	Name string

	// VaultURL is the vault, e.g. https://myvault.vault.azure.net/. Required.
	VaultURL string

	// TenantID, ClientID and ClientSecret select a service principal.
	TenantID     string
	ClientID     string
	ClientSecret string

	// ManagedIdentityClientID selects a user-assigned managed identity.
	ManagedIdentityClientID string
}

// AzureOption configures an AzureBackend.
type AzureOption func(*AzureBackend)

// WithKeyVaultClient replaces the Key Vault client.
func WithKeyVaultClient(c KeyVaultAPI) AzureOption {
	return func(b *AzureBackend) { b.client = c }
}

// AzureBackend reads the current version of secrets from Azure Key Vault.
// JSON object values are indexed by key; other values answer key "value".
type AzureBackend struct {
	name   string
	client KeyVaultAPI
}

// NewAzureBackend creates an AzureBackend.
func NewAzureBackend(cfg AzureConfig, opts ...AzureOption) (*AzureBackend, error) {
	if cfg.Name == "" {
		cfg.Name = "azure"
	}
	b := &AzureBackend{name: cfg.Name}
	for _, opt := range opts {
		opt(b)
	}
	if b.client != nil {
		return b, nil
	}
	if cfg.VaultURL == "" {
		return nil, fmt.Errorf("azure vault_url is required")
	}

	var (
		cred azcore.TokenCredential
		err  error
	)
	switch {
	case cfg.ClientSecret != "":
		cred, err = azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	case cfg.ManagedIdentityClientID != "":
		cred, err = azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
			ID: azidentity.ClientID(cfg.ManagedIdentityClientID),
		})
	default:
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	client, err := azsecrets.NewClient(cfg.VaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Key Vault client: %w", err)
	}
	b.client = client
	return b, nil
}

func (b *AzureBackend) Name() string { return b.name }

func (b *AzureBackend) Get(ctx context.Context, name, namespace, key string) (string, error) {
	resp, err := b.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		return "", b.mapError(name, err)
	}
	if resp.Value == nil {
		return "", newError(KindNotFound, b.name, name, errors.New("secret has no value"))
	}
	return extractKey(b.name, name, *resp.Value, key)
}

// Ready reports whether a client is configured.
func (b *AzureBackend) Ready(ctx context.Context) error {
	if b.client == nil {
		return fmt.Errorf("azure key vault client not initialized")
	}
	return nil
}

func (b *AzureBackend) mapError(name string, err error) error {
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		return &Error{Kind: kindForStatus(re.StatusCode), Backend: b.name, Secret: name, StatusCode: re.StatusCode, Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(KindUnavailable, b.name, name, err)
	}
	var authErr *azidentity.AuthenticationFailedError
	if errors.As(err, &authErr) {
		return newError(KindPermissionDenied, b.name, name, err)
	}
	return newError(KindUnavailable, b.name, name, err)
}

var _ Backend = (*AzureBackend)(nil)
