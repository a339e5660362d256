package backend

import (
	"context"
	"errors"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// SecretManagerAPI is the subset of the Google Secret Manager client the
// backend uses.
type SecretManagerAPI interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
}

// GCPConfig configures a GCPBackend.
type GCPConfig struct {
	// Name defaults to "gcp".
	Name string

	// ProjectID owns the secrets. Required.
	ProjectID string

	// CredentialsFile is a service account key. Empty uses application
	// default credentials.
	CredentialsFile string
}

// GCPOption configures a GCPBackend.
type GCPOption func(*GCPBackend)

// WithSecretManagerClient replaces the Secret Manager client.
func WithSecretManagerClient(c SecretManagerAPI) GCPOption {
	return func(b *GCPBackend) { b.client = c }
}

// GCPBackend reads the latest version of secrets from Google Secret
// Manager. JSON object payloads are indexed by key; other payloads answer
// key "value".
type GCPBackend struct {
	name      string
	projectID string
	client    SecretManagerAPI
	closer    func() error
}

// NewGCPBackend creates a GCPBackend.
func NewGCPBackend(ctx context.Context, cfg GCPConfig, opts ...GCPOption) (*GCPBackend, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("gcp project_id is required")
	}
	if cfg.Name == "" {
		cfg.Name = "gcp"
	}
	b := &GCPBackend{name: cfg.Name, projectID: cfg.ProjectID}
	for _, opt := range opts {
		opt(b)
	}
	if b.client != nil {
		return b, nil
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	c, err := secretmanager.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCP Secret Manager client: %w", err)
	}
	b.client = c
	b.closer = c.Close
	return b, nil
}

func (b *GCPBackend) Name() string { return b.name }

func (b *GCPBackend) Get(ctx context.Context, name, namespace, key string) (string, error) {
	resp, err := b.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", b.projectID, name),
	})
	if err != nil {
		return "", b.mapError(name, err)
	}
	if resp.GetPayload() == nil {
		return "", newError(KindNotFound, b.name, name, errors.New("secret has no payload"))
	}
	return extractKey(b.name, name, string(resp.GetPayload().GetData()), key)
}

// Ready reports whether a client is configured. Secret Manager has no
// cheap read that works without a known secret name.
func (b *GCPBackend) Ready(ctx context.Context) error {
	if b.client == nil {
		return fmt.Errorf("gcp secret manager client not initialized")
	}
	return nil
}

// Close releases the underlying client.
func (b *GCPBackend) Close() error {
	if b.closer != nil {
		return b.closer()
	}
	return nil
}

func (b *GCPBackend) mapError(name string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return newError(KindNotFound, b.name, name, err)
	case codes.PermissionDenied, codes.Unauthenticated:
		return newError(KindPermissionDenied, b.name, name, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return newError(KindUnavailable, b.name, name, err)
	case codes.Canceled:
		return newError(KindUnavailable, b.name, name, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindUnavailable, b.name, name, err)
	}
	return newError(KindInternal, b.name, name, err)
}

var _ Backend = (*GCPBackend)(nil)
