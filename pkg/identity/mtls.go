package identity

import (
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// CertificateConfig configures identity extraction from peer certificates.
type CertificateConfig struct {
	// TrustDomain restricts SPIFFE IDs to this trust domain when set.
	TrustDomain string

	// IdentitySource picks the principal when no SPIFFE URI SAN is present:
	// "subject.CN" (default), "subject.OU", "subject.O" or "SAN".
	IdentitySource string

	// NamespaceSource picks the namespace for non-SPIFFE certificates:
	// "subject.OU" (default) or "subject.O".
	NamespaceSource string

	// CAFile verifies the chain again at this layer. Empty trusts the TLS
	// handshake's verification.
	CAFile string
}

// CertificateVerifier derives identities from client certificates.
type CertificateVerifier struct {
	config CertificateConfig
	roots  *x509.CertPool
	now    func() time.Time
}

// NewCertificateVerifier loads the optional CA pool.
func NewCertificateVerifier(cfg CertificateConfig) (*CertificateVerifier, error) {
	v := &CertificateVerifier{config: cfg, now: time.Now}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA: %w", err)
		}
		v.roots = x509.NewCertPool()
		if !v.roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("client CA %s contains no certificates", cfg.CAFile)
		}
	}
	return v, nil
}

// WithRoots replaces the CA pool.
func (v *CertificateVerifier) WithRoots(pool *x509.CertPool) *CertificateVerifier {
	v.roots = pool
	return v
}

// VerifyChain derives the identity of the leaf certificate.
func (v *CertificateVerifier) VerifyChain(chain []*x509.Certificate) (*ServiceIdentity, error) {
	if len(chain) == 0 || chain[0] == nil {
		return nil, invalid("no client certificate", nil)
	}
	leaf := chain[0]

	now := v.now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return nil, invalid("client certificate outside its validity period", nil)
	}

	if v.roots != nil {
		intermediates := x509.NewCertPool()
		for _, c := range chain[1:] {
			intermediates.AddCert(c)
		}
		_, err := leaf.Verify(x509.VerifyOptions{
			Roots:         v.roots,
			Intermediates: intermediates,
			CurrentTime:   now,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		})
		if err != nil {
			return nil, invalid("client certificate chain not trusted", err)
		}
	}

	for _, uri := range leaf.URIs {
		if uri.Scheme != "spiffe" {
			continue
		}
		return v.fromSPIFFE(uri)
	}

	principal := subjectField(leaf, v.config.IdentitySource)
	nsSource := v.config.NamespaceSource
	if nsSource == "" {
		nsSource = "subject.OU"
	}
	namespace := subjectField(leaf, nsSource)
	if principal == "" || namespace == "" {
		return nil, invalid("certificate subject lacks principal or namespace", nil)
	}
	return &ServiceIdentity{
		Principal:  principal,
		Namespace:  namespace,
		AuthMethod: AuthMTLS,
		Subject:    leaf.Subject.String(),
		Labels:     map[string]string{},
	}, nil
}

// fromSPIFFE parses spiffe://<trust-domain>/ns/<namespace>/sa/<service-account>.
func (v *CertificateVerifier) fromSPIFFE(u *url.URL) (*ServiceIdentity, error) {
	if v.config.TrustDomain != "" && u.Host != v.config.TrustDomain {
		return nil, invalid(fmt.Sprintf("spiffe trust domain %q not accepted", u.Host), nil)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "ns" || parts[2] != "sa" || parts[1] == "" || parts[3] == "" {
		return nil, invalid(fmt.Sprintf("unsupported spiffe id %q", u.String()), nil)
	}
	return &ServiceIdentity{
		Principal:  parts[3],
		Namespace:  parts[1],
		AuthMethod: AuthMTLS,
		Subject:    u.String(),
		Labels:     map[string]string{"trust_domain": u.Host},
	}, nil
}

func subjectField(cert *x509.Certificate, source string) string {
	switch source {
	case "subject.CN", "":
		return cert.Subject.CommonName
	case "subject.OU":
		if len(cert.Subject.OrganizationalUnit) > 0 {
			return cert.Subject.OrganizationalUnit[0]
		}
	case "subject.O":
		if len(cert.Subject.Organization) > 0 {
			return cert.Subject.Organization[0]
		}
	case "SAN":
		if len(cert.DNSNames) > 0 {
			return cert.DNSNames[0]
		}
	}
	return ""
}
