package backend

import (
	"context"
	"encoding/json"
	"strings"
)

// Backend reads secrets from one secret store.
type Backend interface {
	// Name is the backend name policies bind to.
	Name() string

	// Get returns the value of key in secret name. Namespace scopes the read
	// for stores that support it and is ignored by the others.
	Get(ctx context.Context, name, namespace, key string) (string, error)

	// Ready reports whether the store is reachable.
	Ready(ctx context.Context) error
}

// PlainValueKey is the key that addresses a secret whose value is not a
// JSON object.
const PlainValueKey = "value"

// extractKey indexes a secret payload by key. JSON objects are indexed
// directly; any other payload only answers PlainValueKey.
func extractKey(backend, secret, payload, key string) (string, error) {
	trimmed := strings.TrimSpace(payload)
	if strings.HasPrefix(trimmed, "{") {
		var fields map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &fields); err == nil {
			v, ok := fields[key]
			if !ok {
				return "", newError(KindNotFound, backend, secret, errMissingKey(key))
			}
			return stringify(v), nil
		}
	}
	if key == PlainValueKey {
		return payload, nil
	}
	return "", newError(KindNotFound, backend, secret, errMissingKey(key))
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
