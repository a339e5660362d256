package policy

import (
	"path"
	"slices"
	"strings"

	"mercator-hq/secretsrouter/pkg/identity"
)

// Specificity ranks how precisely a pattern names its target. Higher values
// are more specific.
type Specificity int

const (
	SpecificityWildcard Specificity = iota
	SpecificityGlob
	SpecificityPrefix
	SpecificityExact
)

// String returns the specificity name.
func (s Specificity) String() string {
	switch s {
	case SpecificityExact:
		return "exact"
	case SpecificityPrefix:
		return "prefix"
	case SpecificityGlob:
		return "glob"
	default:
		return "wildcard"
	}
}

// PatternSpecificity classifies a pattern:
//
//	"db-creds"   exact
//	"frontend-*" prefix (single trailing star, no other metacharacters)
//	"app-?-cfg"  glob (path.Match syntax)
//	"*" or ""    wildcard
func PatternSpecificity(pattern string) Specificity {
	if pattern == "" || pattern == Wildcard {
		return SpecificityWildcard
	}
	meta := strings.IndexAny(pattern, "*?[\\")
	if meta < 0 {
		return SpecificityExact
	}
	if meta == len(pattern)-1 && pattern[meta] == '*' {
		return SpecificityPrefix
	}
	return SpecificityGlob
}

// MatchPattern reports whether value matches pattern. Malformed globs never match.
func MatchPattern(pattern, value string) bool {
	switch PatternSpecificity(pattern) {
	case SpecificityWildcard:
		return true
	case SpecificityExact:
		return pattern == value
	case SpecificityPrefix:
		return strings.HasPrefix(value, pattern[:len(pattern)-1])
	default:
		ok, err := path.Match(pattern, value)
		return err == nil && ok
	}
}

func matchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if MatchPattern(p, value) {
			return true
		}
	}
	return false
}

// Matches reports whether the selector matches id.
func (s Selector) Matches(id *identity.ServiceIdentity) bool {
	if id == nil {
		return false
	}
	if len(s.Principals) > 0 && !matchAny(s.Principals, id.Principal) {
		return false
	}
	if len(s.Namespaces) > 0 && !matchAny(s.Namespaces, id.Namespace) {
		return false
	}
	for k, v := range s.MatchLabels {
		got, ok := id.Labels[k]
		if !ok || !MatchPattern(v, got) {
			return false
		}
	}
	return true
}

// AnyKeys reports whether a key list grants every key.
func AnyKeys(keys []string) bool {
	return len(keys) == 0 || slices.Contains(keys, Wildcard)
}

// MatchKey reports whether key is in the key set.
func MatchKey(keys []string, key string) bool {
	return AnyKeys(keys) || slices.Contains(keys, key)
}

// MatchBackend reports whether a rule backend covers the requested backend.
// An unspecified request backend only matches rules that accept any backend,
// unless conservative is set, in which case it matches every rule.
func MatchBackend(ruleBackend, requested string, conservative bool) bool {
	if ruleBackend == "" || ruleBackend == AnyBackend {
		return true
	}
	if requested == "" || requested == AnyBackend {
		return conservative
	}
	return ruleBackend == requested
}

// Matches reports whether the rule covers (backend, secret, key). Deny rules
// match unspecified backends conservatively.
func (r Rule) Matches(backend, secret, key string) bool {
	if !MatchPattern(r.SecretPattern, secret) {
		return false
	}
	if !MatchKey(r.Keys, key) {
		return false
	}
	if r.Effect == EffectDeny {
		return MatchBackend(r.Backend, backend, true)
	}
	// An allow rule bound to a specific backend also answers requests that
	// did not name one; the rule then binds the backend.
	if backend == "" || backend == AnyBackend {
		return true
	}
	return MatchBackend(r.Backend, backend, false)
}

// SecretSpecificity is the rule's secret pattern specificity.
func (r Rule) SecretSpecificity() Specificity {
	return PatternSpecificity(r.SecretPattern)
}

// KeySpecificity is SpecificityExact for explicit key sets and wildcard otherwise.
func (r Rule) KeySpecificity() Specificity {
	if AnyKeys(r.Keys) {
		return SpecificityWildcard
	}
	return SpecificityExact
}

// Covers reports whether the reference names (backend, secret, key).
func (ref SecretRef) Covers(backend, secret, key string) bool {
	if !MatchPattern(ref.Name, secret) || !MatchKey(ref.Keys, key) {
		return false
	}
	if ref.Backend == "" || ref.Backend == AnyBackend || backend == "" || backend == AnyBackend {
		return true
	}
	return ref.Backend == backend
}

// HasMember reports whether any member selector matches id.
func (g *SecretAccessGroup) HasMember(id *identity.ServiceIdentity) bool {
	for _, m := range g.Members {
		if m.Matches(id) {
			return true
		}
	}
	return false
}

// Covering returns the first secret reference in the group covering the request.
func (g *SecretAccessGroup) Covering(backend, secret, key string) (SecretRef, bool) {
	for _, ref := range g.Secrets {
		if ref.Covers(backend, secret, key) {
			return ref, true
		}
	}
	return SecretRef{}, false
}

// IsApprover reports whether principal may decide approval requests for the group.
func (g *SecretAccessGroup) IsApprover(principal string) bool {
	return slices.Contains(g.Approvers, principal)
}
