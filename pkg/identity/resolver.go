package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Resolver turns raw caller credentials into a ServiceIdentity.
//
// A bearer token takes precedence over a peer certificate when both are
// present, because the token names the workload while the certificate may
// belong to a shared sidecar.
type Resolver struct {
	tokens TokenAuthority
	certs  *CertificateVerifier
	cache  *Cache
	logger *slog.Logger
}

// NewResolver builds a resolver. Either authority may be nil to disable that
// credential type; cache may be nil.
func NewResolver(tokens TokenAuthority, certs *CertificateVerifier, cache *Cache) *Resolver {
	return &Resolver{
		tokens: tokens,
		certs:  certs,
		cache:  cache,
		logger: slog.Default().With("component", "identity.resolver"),
	}
}

// Resolve verifies the credential and reconciles it with request metadata.
// The returned identity is owned by the caller.
func (r *Resolver) Resolve(ctx context.Context, cred Credentials) (*ServiceIdentity, error) {
	if cred.Empty() {
		return nil, invalid("no credential presented", nil)
	}

	verified, err := r.verify(ctx, cred)
	if err != nil {
		var idErr *Error
		if !errors.As(err, &idErr) {
			err = invalid("identity authority unavailable", err)
		}
		r.logger.Debug("identity verification failed", "error", err)
		return nil, err
	}

	return reconcile(verified, cred)
}

func (r *Resolver) verify(ctx context.Context, cred Credentials) (*ServiceIdentity, error) {
	switch {
	case cred.BearerToken != "":
		if r.tokens == nil {
			return nil, invalid("bearer tokens are not accepted", nil)
		}
		fp := "token:" + Fingerprint([]byte(cred.BearerToken))
		if id, ok := r.cache.Get(fp); ok {
			return id, nil
		}
		id, err := r.tokens.VerifyToken(ctx, cred.BearerToken)
		if err != nil {
			return nil, err
		}
		r.cache.Set(fp, id, id.ExpiresAt)
		return id, nil

	default:
		if r.certs == nil {
			return nil, invalid("client certificates are not accepted", nil)
		}
		leaf := cred.PeerCertificates[0]
		fp := "cert:" + Fingerprint(leaf.Raw)
		if id, ok := r.cache.Get(fp); ok {
			return id, nil
		}
		id, err := r.certs.VerifyChain(cred.PeerCertificates)
		if err != nil {
			return nil, err
		}
		r.cache.Set(fp, id, leaf.NotAfter)
		return id, nil
	}
}

// reconcile checks claimed metadata against the verified identity and merges
// platform labels that do not contradict verified ones.
func reconcile(verified *ServiceIdentity, cred Credentials) (*ServiceIdentity, error) {
	if cred.ClaimedNamespace != "" && cred.ClaimedNamespace != verified.Namespace {
		return nil, mismatch(fmt.Sprintf("claimed namespace %q differs from verified namespace %q",
			cred.ClaimedNamespace, verified.Namespace))
	}

	id := verified.Clone()
	if id.Labels == nil {
		id.Labels = make(map[string]string, len(cred.ClaimedLabels))
	}
	for k, v := range cred.ClaimedLabels {
		if existing, ok := id.Labels[k]; ok && existing != v {
			return nil, mismatch(fmt.Sprintf("claimed label %s=%q contradicts verified value %q", k, v, existing))
		}
		id.Labels[k] = v
	}
	return id, nil
}
