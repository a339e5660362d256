package identity

import (
	"crypto/x509"
	"fmt"
	"maps"
	"time"
)

// AuthMethod records how a caller proved its identity.
type AuthMethod string

const (
	// AuthToken is a verified bearer token (JWT or platform token review).
	AuthToken AuthMethod = "token"

	// AuthMTLS is a verified peer certificate.
	AuthMTLS AuthMethod = "mtls"
)

// ServiceIdentity is the verified caller principal used as the subject of
// authorization decisions. It is derived once per request and never persisted.
type ServiceIdentity struct {
	// Principal is the service account (or certificate identity) name.
	Principal string `json:"principal"`

	// Namespace is the namespace the credential was issued for.
	Namespace string `json:"namespace"`

	// Labels are verified and platform-supplied attributes of the workload.
	Labels map[string]string `json:"labels,omitempty"`

	// AuthMethod is how the identity was established.
	AuthMethod AuthMethod `json:"auth_method"`

	// Subject is the raw subject from the credential, e.g.
	// "system:serviceaccount:payments:api" or a certificate DN.
	Subject string `json:"subject,omitempty"`

	// ExpiresAt is when the credential stops being valid. Zero when the
	// authority does not report it.
	ExpiresAt time.Time `json:"-"`
}

// String returns "namespace/principal".
func (id *ServiceIdentity) String() string {
	if id == nil {
		return "<anonymous>"
	}
	return fmt.Sprintf("%s/%s", id.Namespace, id.Principal)
}

// Clone returns a deep copy.
func (id *ServiceIdentity) Clone() *ServiceIdentity {
	if id == nil {
		return nil
	}
	c := *id
	c.Labels = maps.Clone(id.Labels)
	return &c
}

// Credentials is the raw material presented by a caller.
type Credentials struct {
	// BearerToken is the token from the Authorization header, without the scheme.
	BearerToken string

	// PeerCertificates is the verified TLS chain, leaf first.
	PeerCertificates []*x509.Certificate

	// ClaimedNamespace is optional platform metadata. It must agree with the
	// verified namespace.
	ClaimedNamespace string

	// ClaimedLabels are optional platform labels. They may add labels but
	// never override a verified one.
	ClaimedLabels map[string]string
}

// Empty reports whether no credential was presented.
func (c Credentials) Empty() bool {
	return c.BearerToken == "" && len(c.PeerCertificates) == 0
}
