package identity

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// TokenReviewConfig configures delegated verification through the
// Kubernetes TokenReview API.
type TokenReviewConfig struct {
	// APIServer is the base URL, e.g. "https://kubernetes.default.svc".
	APIServer string

	// CAFile is the cluster CA bundle. Empty uses the system pool.
	CAFile string

	// TokenFile holds the broker's own service-account token used to call the API.
	TokenFile string

	// Audiences are passed through in the review spec.
	Audiences []string

	// Timeout bounds each review call.
	Timeout time.Duration
}

// TokenReviewer asks the cluster API server whether a token is valid.
type TokenReviewer struct {
	config TokenReviewConfig
	client *http.Client
}

// NewTokenReviewer builds a reviewer with a TLS client trusting CAFile.
func NewTokenReviewer(cfg TokenReviewConfig) (*TokenReviewer, error) {
	if cfg.APIServer == "" {
		return nil, fmt.Errorf("token review api server is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read cluster CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("cluster CA %s contains no certificates", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return &TokenReviewer{
		config: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
	}, nil
}

type tokenReview struct {
	APIVersion string            `json:"apiVersion"`
	Kind       string            `json:"kind"`
	Spec       tokenReviewSpec   `json:"spec"`
	Status     tokenReviewStatus `json:"status,omitempty"`
}

type tokenReviewSpec struct {
	Token     string   `json:"token"`
	Audiences []string `json:"audiences,omitempty"`
}

type tokenReviewStatus struct {
	Authenticated bool   `json:"authenticated"`
	Error         string `json:"error,omitempty"`
	User          struct {
		Username string              `json:"username"`
		UID      string              `json:"uid"`
		Groups   []string            `json:"groups"`
		Extra    map[string][]string `json:"extra"`
	} `json:"user"`
}

// VerifyToken posts a TokenReview and maps the authenticated user to an identity.
func (r *TokenReviewer) VerifyToken(ctx context.Context, token string) (*ServiceIdentity, error) {
	body, err := json.Marshal(tokenReview{
		APIVersion: "authentication.k8s.io/v1",
		Kind:       "TokenReview",
		Spec:       tokenReviewSpec{Token: token, Audiences: r.config.Audiences},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode token review: %w", err)
	}

	url := strings.TrimRight(r.config.APIServer, "/") + "/apis/authentication.k8s.io/v1/tokenreviews"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build token review request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.config.TokenFile != "" {
		own, err := os.ReadFile(r.config.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read service account token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(own)))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token review call failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token review response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token review returned status %d", resp.StatusCode)
	}

	var review tokenReview
	if err := json.Unmarshal(data, &review); err != nil {
		return nil, fmt.Errorf("failed to decode token review: %w", err)
	}
	if !review.Status.Authenticated {
		reason := review.Status.Error
		if reason == "" {
			reason = "token not authenticated"
		}
		return nil, invalid(reason, nil)
	}

	ns, sa, ok := ParseServiceAccountUsername(review.Status.User.Username)
	if !ok {
		return nil, invalid(fmt.Sprintf("%q is not a service account", review.Status.User.Username), nil)
	}

	id := &ServiceIdentity{
		Principal:  sa,
		Namespace:  ns,
		AuthMethod: AuthToken,
		Subject:    review.Status.User.Username,
		Labels:     map[string]string{},
	}
	if pods := review.Status.User.Extra["authentication.kubernetes.io/pod-name"]; len(pods) > 0 {
		id.Labels["pod"] = pods[0]
	}
	return id, nil
}
