package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DaprConfig configures a DaprBackend.
type DaprConfig struct {
	// Name is the backend name policies bind to. Defaults to Store.
	Name string

	// Store is the Dapr secret store component, e.g. "kubernetes" or
	// "aws-secrets-manager".
	Store string

	// Endpoint is the sidecar HTTP address.
	// Default: http://localhost:3500
	Endpoint string

	// Namespaced passes the request namespace as metadata.namespace, which
	// the kubernetes secret store uses to scope reads.
	Namespaced bool

	// Client overrides the HTTP client.
	Client *http.Client
}

// DaprBackend reads secrets through the Dapr sidecar secret API.
type DaprBackend struct {
	name       string
	store      string
	endpoint   string
	namespaced bool
	client     *http.Client
}

// NewDaprBackend creates a DaprBackend.
func NewDaprBackend(cfg DaprConfig) (*DaprBackend, error) {
	if cfg.Store == "" {
		return nil, fmt.Errorf("dapr secret store name is required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Store
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:3500"
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid dapr endpoint %q: %w", cfg.Endpoint, err)
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &DaprBackend{
		name:       cfg.Name,
		store:      cfg.Store,
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		namespaced: cfg.Namespaced,
		client:     cfg.Client,
	}, nil
}

func (d *DaprBackend) Name() string { return d.name }

// daprError is the sidecar's error body.
type daprError struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

func (d *DaprBackend) Get(ctx context.Context, name, namespace, key string) (string, error) {
	u := fmt.Sprintf("%s/v1.0/secrets/%s/%s", d.endpoint, url.PathEscape(d.store), url.PathEscape(name))
	if d.namespaced && namespace != "" {
		u += "?metadata.namespace=" + url.QueryEscape(namespace)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", newError(KindInternal, d.name, name, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", newError(KindUnavailable, d.name, name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", newError(KindUnavailable, d.name, name, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", d.statusError(name, resp.StatusCode, body)
	}

	var values map[string]string
	if err := json.Unmarshal(body, &values); err != nil {
		return "", newError(KindInternal, d.name, name, fmt.Errorf("decode secret response: %w", err))
	}
	v, ok := values[key]
	if !ok {
		return "", newError(KindNotFound, d.name, name, errMissingKey(key))
	}
	return v, nil
}

// statusError maps a sidecar error response. Secret stores surface a
// missing secret as ERR_SECRET_GET with a "not found" message rather than
// a 404.
func (d *DaprBackend) statusError(name string, code int, body []byte) error {
	var de daprError
	_ = json.Unmarshal(body, &de)

	kind := kindForStatus(code)
	if de.ErrorCode == "ERR_SECRET_GET" && strings.Contains(strings.ToLower(de.Message), "not found") {
		kind = KindNotFound
	}
	if de.ErrorCode == "ERR_SECRET_STORE_NOT_FOUND" || de.ErrorCode == "ERR_SECRET_STORES_NOT_CONFIGURED" {
		kind = KindInternal
	}

	cause := fmt.Errorf("dapr returned status %d", code)
	if de.ErrorCode != "" {
		cause = fmt.Errorf("dapr returned status %d: %s: %s", code, de.ErrorCode, de.Message)
	}
	return &Error{Kind: kind, Backend: d.name, Secret: name, StatusCode: code, Cause: cause}
}

// Ready probes the sidecar metadata endpoint.
func (d *DaprBackend) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/v1.0/metadata", nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dapr sidecar unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dapr sidecar metadata returned status %d", resp.StatusCode)
	}
	return nil
}

var _ Backend = (*DaprBackend)(nil)
