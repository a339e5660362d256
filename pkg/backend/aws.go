package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
)

// SecretsManagerAPI is the subset of the Secrets Manager client the backend
// uses.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
}

// AWSConfig configures an AWSBackend.
type AWSConfig struct {
	// Name defaults to "aws".
	Name string

	// Region defaults to us-east-1.
	Region string

	// Endpoint overrides the service endpoint, e.g. for LocalStack.
	Endpoint string

	// AccessKeyID and SecretAccessKey select static credentials. Empty uses
	// the default credential chain.
	AccessKeyID     string
	SecretAccessKey string

	// Prefix is prepended to secret names.
	Prefix string
}

// AWSOption configures an AWSBackend.
type AWSOption func(*AWSBackend)

// WithSecretsManagerClient replaces the Secrets Manager client.
func WithSecretsManagerClient(c SecretsManagerAPI) AWSOption {
	return func(b *AWSBackend) { b.client = c }
}

// AWSBackend reads secrets from AWS Secrets Manager. Secret strings holding
// a JSON object are indexed by key; other strings answer key "value".
type AWSBackend struct {
	name   string
	prefix string
	client SecretsManagerAPI
}

// NewAWSBackend creates an AWSBackend.
func NewAWSBackend(ctx context.Context, cfg AWSConfig, opts ...AWSOption) (*AWSBackend, error) {
	if cfg.Name == "" {
		cfg.Name = "aws"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	b := &AWSBackend{name: cfg.Name, prefix: cfg.Prefix}
	for _, opt := range opts {
		opt(b)
	}
	if b.client != nil {
		return b, nil
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*secretsmanager.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	b.client = secretsmanager.NewFromConfig(awsCfg, clientOpts...)
	return b, nil
}

func (b *AWSBackend) Name() string { return b.name }

func (b *AWSBackend) Get(ctx context.Context, name, namespace, key string) (string, error) {
	out, err := b.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(b.prefix + name),
	})
	if err != nil {
		return "", b.mapError(name, err)
	}

	var payload string
	switch {
	case out.SecretString != nil:
		payload = *out.SecretString
	case out.SecretBinary != nil:
		payload = string(out.SecretBinary)
	default:
		return "", newError(KindNotFound, b.name, name, errors.New("secret has no value"))
	}
	return extractKey(b.name, name, payload, key)
}

// Ready lists at most one secret to verify credentials and connectivity.
func (b *AWSBackend) Ready(ctx context.Context) error {
	_, err := b.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{MaxResults: aws.Int32(1)})
	if err != nil {
		return b.mapError("", err)
	}
	return nil
}

func (b *AWSBackend) mapError(name string, err error) error {
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return newError(KindNotFound, b.name, name, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(KindUnavailable, b.name, name, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnrecognizedClientException", "InvalidSignatureException",
			"ExpiredTokenException", "UnauthorizedOperation":
			return newError(KindPermissionDenied, b.name, name, err)
		case "ThrottlingException", "InternalServiceError", "InternalFailure", "ServiceUnavailable":
			return newError(KindUnavailable, b.name, name, err)
		case "DecryptionFailure", "InvalidRequestException", "InvalidParameterException":
			return newError(KindInternal, b.name, name, err)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return newError(KindUnavailable, b.name, name, err)
		}
		return newError(KindInternal, b.name, name, err)
	}
	// Transport failures never reached the service.
	return newError(KindUnavailable, b.name, name, err)
}

var _ Backend = (*AWSBackend)(nil)
