package logging

import (
	"log/slog"
	"regexp"
	"strings"
)

// Redacted replaces masked values.
const Redacted = "[REDACTED]"

// Redactor masks credentials and secret material in log attributes. Keys
// are matched by name; string values are additionally scanned for token
// shapes so a credential embedded in an error message is masked too.
type Redactor struct {
	patterns []redactPattern
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
}

// sensitiveKeys are attribute names whose values are always masked.
var sensitiveKeys = map[string]bool{
	"authorization":     true,
	"token":             true,
	"bearer_token":      true,
	"password":          true,
	"passphrase":        true,
	"hmac_secret":       true,
	"client_secret":     true,
	"secret_access_key": true,
	"private_key":       true,
	"secret_value":      true,
	"value":             true,
}

// sensitiveSuffixes catch composed names such as "github_token" or
// "x_api_key". Identifier fields like "secret_name" do not match.
var sensitiveSuffixes = []string{"_token", "_password", "_secret", "_api_key", "_private_key"}

// NewRedactor creates a redactor with the built-in patterns.
func NewRedactor() *Redactor {
	defs := []struct {
		regex       string
		replacement string
	}{
		// Authorization header values
		{`(?i)bearer\s+[a-zA-Z0-9\-._~+/]+=*`, "Bearer " + Redacted},
		// Compact JWS (three base64url segments starting with a JSON header)
		{`eyJ[a-zA-Z0-9_-]{5,}\.[a-zA-Z0-9_-]{5,}\.[a-zA-Z0-9_-]+`, Redacted},
		// AWS access key IDs
		{`\b(AKIA|ASIA)[A-Z0-9]{16}\b`, Redacted},
		// key=value credentials in free text
		{`(?i)(password|passwd|secret|token)=\S+`, "$1=" + Redacted},
	}

	r := &Redactor{}
	for _, d := range defs {
		r.patterns = append(r.patterns, redactPattern{
			regex:       regexp.MustCompile(d.regex),
			replacement: d.replacement,
		})
	}
	return r
}

// RedactString masks token shapes inside s.
func (r *Redactor) RedactString(s string) string {
	if s == "" {
		return s
	}
	for _, p := range r.patterns {
		s = p.regex.ReplaceAllString(s, p.replacement)
	}
	return s
}

// IsSensitiveKey reports whether values under key are always masked.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	if sensitiveKeys[k] {
		return true
	}
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(k, suffix) {
			return true
		}
	}
	return false
}

// ReplaceAttr is a slog.HandlerOptions.ReplaceAttr hook.
func (r *Redactor) ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		return a
	}
	if IsSensitiveKey(a.Key) {
		return slog.String(a.Key, Redacted)
	}

	switch a.Value.Kind() {
	case slog.KindString:
		if s := a.Value.String(); s != "" {
			if red := r.RedactString(s); red != s {
				return slog.String(a.Key, red)
			}
		}
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			msg := err.Error()
			if red := r.RedactString(msg); red != msg {
				return slog.String(a.Key, red)
			}
		}
	}
	return a
}
