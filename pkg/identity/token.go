package identity

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenAuthority verifies a bearer token with the platform identity authority.
type TokenAuthority interface {
	VerifyToken(ctx context.Context, token string) (*ServiceIdentity, error)
}

// JWTConfig configures local verification of signed service-account tokens.
type JWTConfig struct {
	// Issuer must match the token's iss claim when set.
	Issuer string

	// Audience must appear in the token's aud claim when set.
	Audience string

	// HMACSecret enables HS256/384/512 tokens.
	HMACSecret string

	// PublicKeyFiles are PEM-encoded RSA or ECDSA public keys.
	PublicKeyFiles []string

	// Leeway tolerates clock skew on exp/nbf/iat.
	Leeway time.Duration
}

// JWTVerifier validates JWTs locally against configured keys. It understands
// Kubernetes service-account token claims.
type JWTVerifier struct {
	config  JWTConfig
	hmacKey []byte
	rsaKeys []jwt.VerificationKey
	ecKeys  []jwt.VerificationKey
}

// NewJWTVerifier loads keys and returns a verifier. At least one key is required.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	v := &JWTVerifier{config: cfg}
	if cfg.HMACSecret != "" {
		v.hmacKey = []byte(cfg.HMACSecret)
	}

	for _, path := range cfg.PublicKeyFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key %s: %w", path, err)
		}
		if key, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
			v.rsaKeys = append(v.rsaKeys, key)
			continue
		}
		if key, err := jwt.ParseECPublicKeyFromPEM(data); err == nil {
			v.ecKeys = append(v.ecKeys, key)
			continue
		}
		return nil, fmt.Errorf("public key %s is neither RSA nor ECDSA PEM", path)
	}

	if v.hmacKey == nil && len(v.rsaKeys) == 0 && len(v.ecKeys) == 0 {
		return nil, errors.New("jwt verifier requires an hmac secret or at least one public key")
	}
	return v, nil
}

// AddPublicKey registers an already-parsed RSA or ECDSA public key.
func (v *JWTVerifier) AddPublicKey(key crypto.PublicKey) error {
	switch key.(type) {
	case *rsa.PublicKey:
		v.rsaKeys = append(v.rsaKeys, key)
	case *ecdsa.PublicKey:
		v.ecKeys = append(v.ecKeys, key)
	default:
		return fmt.Errorf("unsupported public key type %T", key)
	}
	return nil
}

// kubernetesClaims is the "kubernetes.io" private claim of projected
// service-account tokens.
type kubernetesClaims struct {
	Namespace      string `json:"namespace"`
	ServiceAccount struct {
		Name string `json:"name"`
		UID  string `json:"uid"`
	} `json:"serviceaccount"`
	Pod *struct {
		Name string `json:"name"`
		UID  string `json:"uid"`
	} `json:"pod,omitempty"`
}

type serviceTokenClaims struct {
	jwt.RegisteredClaims
	Kubernetes *kubernetesClaims `json:"kubernetes.io,omitempty"`
	Namespace  string            `json:"namespace,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// VerifyToken parses and validates a JWT and derives the identity from its claims.
func (v *JWTVerifier) VerifyToken(_ context.Context, token string) (*ServiceIdentity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512", "RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.config.Leeway),
	}
	if v.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.config.Issuer))
	}
	if v.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.config.Audience))
	}

	claims := &serviceTokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims, v.keyFunc, opts...)
	if err != nil {
		return nil, invalid("token verification failed", err)
	}

	id, err := identityFromClaims(claims)
	if err != nil {
		return nil, err
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

func (v *JWTVerifier) keyFunc(t *jwt.Token) (interface{}, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if v.hmacKey == nil {
			return nil, errors.New("hmac tokens are not accepted")
		}
		return v.hmacKey, nil
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
		if len(v.rsaKeys) == 0 {
			return nil, errors.New("no rsa keys configured")
		}
		return jwt.VerificationKeySet{Keys: v.rsaKeys}, nil
	case *jwt.SigningMethodECDSA:
		if len(v.ecKeys) == 0 {
			return nil, errors.New("no ecdsa keys configured")
		}
		return jwt.VerificationKeySet{Keys: v.ecKeys}, nil
	default:
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
}

func identityFromClaims(c *serviceTokenClaims) (*ServiceIdentity, error) {
	id := &ServiceIdentity{
		AuthMethod: AuthToken,
		Subject:    c.Subject,
		Labels:     map[string]string{},
	}
	for k, v := range c.Labels {
		id.Labels[k] = v
	}

	if ns, sa, ok := ParseServiceAccountUsername(c.Subject); ok {
		id.Namespace, id.Principal = ns, sa
	}
	if c.Kubernetes != nil {
		if c.Kubernetes.ServiceAccount.Name != "" {
			id.Principal = c.Kubernetes.ServiceAccount.Name
		}
		if c.Kubernetes.Namespace != "" {
			if id.Namespace != "" && id.Namespace != c.Kubernetes.Namespace {
				return nil, invalid("token subject and kubernetes.io namespace disagree", nil)
			}
			id.Namespace = c.Kubernetes.Namespace
		}
		if c.Kubernetes.Pod != nil && c.Kubernetes.Pod.Name != "" {
			id.Labels["pod"] = c.Kubernetes.Pod.Name
		}
	}
	if id.Principal == "" {
		id.Principal = c.Subject
	}
	if id.Namespace == "" {
		id.Namespace = c.Namespace
	}

	if id.Principal == "" {
		return nil, invalid("token carries no subject", nil)
	}
	if id.Namespace == "" {
		return nil, invalid("token carries no namespace", nil)
	}
	return id, nil
}

const serviceAccountPrefix = "system:serviceaccount:"

// ParseServiceAccountUsername splits "system:serviceaccount:NS:NAME".
func ParseServiceAccountUsername(username string) (namespace, name string, ok bool) {
	rest, found := strings.CutPrefix(username, serviceAccountPrefix)
	if !found {
		return "", "", false
	}
	namespace, name, found = strings.Cut(rest, ":")
	if !found || namespace == "" || name == "" || strings.Contains(name, ":") {
		return "", "", false
	}
	return namespace, name, true
}

// AuthorityChain tries each authority in order and returns the first
// successful verification. A rejection from every authority returns the
// last error.
type AuthorityChain []TokenAuthority

// VerifyToken implements TokenAuthority.
func (c AuthorityChain) VerifyToken(ctx context.Context, token string) (*ServiceIdentity, error) {
	if len(c) == 0 {
		return nil, invalid("no token authority configured", nil)
	}
	var lastErr error
	for _, a := range c {
		id, err := a.VerifyToken(ctx, token)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}
