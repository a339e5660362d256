package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// fakeSidecar serves the Dapr secrets and metadata APIs.
func fakeSidecar(t *testing.T, secrets map[string]map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1.0/metadata", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"secrets-router"}`))
	})
	mux.HandleFunc("GET /v1.0/secrets/{store}/{name}", func(w http.ResponseWriter, r *http.Request) {
		store := r.PathValue("store")
		name := r.PathValue("name")
		switch store {
		case "kubernetes":
			ns := r.URL.Query().Get("metadata.namespace")
			values, ok := secrets[ns+"/"+name]
			if !ok {
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{
					"errorCode": "ERR_SECRET_GET",
					"message":   `failed getting secret with key ` + name + `: secrets "` + name + `" not found`,
				})
				return
			}
			json.NewEncoder(w).Encode(values)
		case "aws-secrets-manager":
			values, ok := secrets[name]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(values)
		case "broken":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "locked":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"errorCode": "ERR_SECRET_STORE_NOT_FOUND", "message": "not found"})
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDaprBackend_Get(t *testing.T) {
	srv := fakeSidecar(t, map[string]map[string]string{
		"web/frontend-config": {"api_url": "https://api.internal"},
		"rds-credentials":     {"password": "hunter2"},
	})
	k8s, err := NewDaprBackend(DaprConfig{Store: "kubernetes", Endpoint: srv.URL, Namespaced: true})
	if err != nil {
		t.Fatalf("NewDaprBackend() error = %v", err)
	}
	aws, _ := NewDaprBackend(DaprConfig{Store: "aws-secrets-manager", Endpoint: srv.URL})

	tests := []struct {
		name      string
		b         *DaprBackend
		secret    string
		namespace string
		key       string
		want      string
		wantKind  Kind
	}{
		{"namespaced read", k8s, "frontend-config", "web", "api_url", "https://api.internal", ""},
		{"other namespace", k8s, "frontend-config", "payments", "api_url", "", KindNotFound},
		{"missing key", k8s, "frontend-config", "web", "token", "", KindNotFound},
		{"aws store", aws, "rds-credentials", "", "password", "hunter2", ""},
		{"aws 404", aws, "nope", "", "password", "", KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.b.Get(context.Background(), tt.secret, tt.namespace, tt.key)
			if tt.wantKind != "" {
				if KindOf(err) != tt.wantKind {
					t.Errorf("Get() error = %v, want %s", err, tt.wantKind)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("Get() = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestDaprBackend_ErrorMapping(t *testing.T) {
	srv := fakeSidecar(t, nil)
	tests := map[string]Kind{
		"broken":  KindUnavailable,
		"locked":  KindPermissionDenied,
		"unknown": KindInternal,
	}
	for store, want := range tests {
		t.Run(store, func(t *testing.T) {
			b, _ := NewDaprBackend(DaprConfig{Store: store, Endpoint: srv.URL})
			_, err := b.Get(context.Background(), "s", "", "k")
			if KindOf(err) != want {
				t.Errorf("Get() error = %v, want %s", err, want)
			}
		})
	}
}

func TestDaprBackend_Unreachable(t *testing.T) {
	srv := fakeSidecar(t, nil)
	url := srv.URL
	srv.Close()

	b, _ := NewDaprBackend(DaprConfig{Store: "kubernetes", Endpoint: url})
	if _, err := b.Get(context.Background(), "s", "", "k"); KindOf(err) != KindUnavailable {
		t.Errorf("Get() error = %v, want unavailable", err)
	}
	if err := b.Ready(context.Background()); err == nil {
		t.Error("Ready() error = nil for closed sidecar")
	}
}

func TestDaprBackend_Ready(t *testing.T) {
	srv := fakeSidecar(t, nil)
	b, _ := NewDaprBackend(DaprConfig{Name: "k8s", Store: "kubernetes", Endpoint: srv.URL + "/"})
	if err := b.Ready(context.Background()); err != nil {
		t.Errorf("Ready() error = %v", err)
	}
	if b.Name() != "k8s" {
		t.Errorf("Name() = %q", b.Name())
	}
	if _, err := NewDaprBackend(DaprConfig{}); err == nil {
		t.Error("NewDaprBackend() without store accepted")
	}
}
