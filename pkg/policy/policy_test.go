package policy

import (
	"errors"
	"testing"
	"time"

	"mercator-hq/secretsrouter/pkg/identity"
)

// ============================================================================
// Pattern matching
// ============================================================================

func TestPatternSpecificity(t *testing.T) {
	tests := map[string]Specificity{
		"db-creds":   SpecificityExact,
		"frontend-*": SpecificityPrefix,
		"app-?-cfg":  SpecificityGlob,
		"*-config":   SpecificityGlob,
		"svc-[ab]":   SpecificityGlob,
		"*":          SpecificityWildcard,
		"":           SpecificityWildcard,
	}
	for pattern, want := range tests {
		if got := PatternSpecificity(pattern); got != want {
			t.Errorf("PatternSpecificity(%q) = %s, want %s", pattern, got, want)
		}
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, value string
		want           bool
	}{
		{"db", "db", true},
		{"db", "db2", false},
		{"frontend-*", "frontend-config", true},
		{"frontend-*", "frontend-", true},
		{"frontend-*", "backend-config", false},
		{"app-?-cfg", "app-1-cfg", true},
		{"app-?-cfg", "app-12-cfg", false},
		{"*-config", "frontend-config", true},
		{"*", "anything", true},
		{"[", "[", false},
	}
	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.value); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.value, got, tt.want)
		}
	}
}

func TestSelector_Matches(t *testing.T) {
	id := &identity.ServiceIdentity{
		Principal: "frontend-sa",
		Namespace: "web",
		Labels:    map[string]string{"tier": "frontend", "env": "prod"},
	}
	tests := []struct {
		name string
		sel  Selector
		want bool
	}{
		{"empty", Selector{}, true},
		{"principal", Selector{Principals: []string{"frontend-sa"}}, true},
		{"principal glob", Selector{Principals: []string{"frontend-*"}}, true},
		{"wrong principal", Selector{Principals: []string{"api"}}, false},
		{"namespace", Selector{Namespaces: []string{"web", "api"}}, true},
		{"wrong namespace", Selector{Namespaces: []string{"payments"}}, false},
		{"labels", Selector{MatchLabels: map[string]string{"tier": "frontend"}}, true},
		{"label glob", Selector{MatchLabels: map[string]string{"env": "pro*"}}, true},
		{"missing label", Selector{MatchLabels: map[string]string{"team": "x"}}, false},
		{"all clauses", Selector{Principals: []string{"frontend-sa"}, Namespaces: []string{"api"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sel.Matches(id); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
	if (Selector{}).Matches(nil) {
		t.Error("nil identity matched")
	}
}

func TestRule_Matches(t *testing.T) {
	allowK8s := Rule{Effect: EffectAllow, Backend: "kubernetes", SecretPattern: "cfg", Keys: []string{"url"}}
	denyAWS := Rule{Effect: EffectDeny, Backend: "aws", SecretPattern: "cfg"}

	tests := []struct {
		name    string
		rule    Rule
		backend string
		key     string
		want    bool
	}{
		{"allow same backend", allowK8s, "kubernetes", "url", true},
		{"allow other backend", allowK8s, "aws", "url", false},
		{"allow unspecified backend", allowK8s, "", "url", true},
		{"allow other key", allowK8s, "kubernetes", "token", false},
		{"deny same backend", denyAWS, "aws", "k", true},
		{"deny other backend", denyAWS, "kubernetes", "k", false},
		{"deny unspecified backend", denyAWS, "", "k", true},
		{"deny wildcard request", denyAWS, "*", "k", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.Matches(tt.backend, "cfg", tt.key); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGroup_Covering(t *testing.T) {
	g := &SecretAccessGroup{
		ID:      "rds",
		Members: []Selector{{Principals: []string{"migrator"}}},
		Secrets: []SecretRef{
			{Backend: "aws", Name: "rds-credentials", Keys: []string{"password"}},
			{Name: "rds-*"},
		},
		Approvers: []string{"dba-lead"},
	}

	ref, ok := g.Covering("", "rds-credentials", "password")
	if !ok || ref.Backend != "aws" {
		t.Errorf("Covering(password) = %+v, %v", ref, ok)
	}
	ref, ok = g.Covering("kubernetes", "rds-credentials", "username")
	if !ok || ref.Name != "rds-*" {
		t.Errorf("Covering(username) = %+v, %v", ref, ok)
	}
	if _, ok := g.Covering("", "other", "k"); ok {
		t.Error("Covering(other) = true")
	}
	if !g.HasMember(&identity.ServiceIdentity{Principal: "migrator"}) {
		t.Error("HasMember(migrator) = false")
	}
	if !g.IsApprover("dba-lead") || g.IsApprover("migrator") {
		t.Error("IsApprover mismatch")
	}
}

// ============================================================================
// Validation
// ============================================================================

func validPolicy(id string) *Policy {
	return &Policy{ID: id, Rules: []Rule{{Effect: EffectAllow, SecretPattern: "x"}}}
}

func TestSnapshot_Validate(t *testing.T) {
	ok := NewSnapshot("v1", "test", []*Policy{validPolicy("a"), validPolicy("b")}, nil)
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	dup := NewSnapshot("v1", "test", []*Policy{validPolicy("a"), validPolicy("a")}, nil)
	err := dup.Validate()
	if !errors.Is(err, ErrInvalidSnapshot) {
		t.Fatalf("duplicate ids: error = %v, want ErrInvalidSnapshot", err)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.ID != "a" {
		t.Errorf("errors.As ValidationError = %+v", ve)
	}

	var nilSnap *Snapshot
	if err := nilSnap.Validate(); !errors.Is(err, ErrInvalidSnapshot) {
		t.Errorf("nil snapshot error = %v", err)
	}
}

func TestPolicy_ValidateConditions(t *testing.T) {
	tests := []struct {
		name string
		cond Condition
		ok   bool
	}{
		{"rate limit", Condition{Type: ConditionRateLimit, RateLimit: &RateLimitCondition{Count: 5, Period: time.Minute}}, true},
		{"rate limit zero", Condition{Type: ConditionRateLimit, RateLimit: &RateLimitCondition{Count: 0, Period: time.Minute}}, false},
		{"rate limit missing body", Condition{Type: ConditionRateLimit}, false},
		{"rate limit bad scope", Condition{Type: ConditionRateLimit, RateLimit: &RateLimitCondition{Count: 1, Period: time.Second, Scope: "team"}}, false},
		{"time window", Condition{Type: ConditionTimeWindow, TimeWindow: &TimeWindowCondition{Start: "09:00", End: "17:30", Days: []string{"Mon", "friday"}}}, true},
		{"time window bad clock", Condition{Type: ConditionTimeWindow, TimeWindow: &TimeWindowCondition{Start: "25:00", End: "17:00"}}, false},
		{"time window bad day", Condition{Type: ConditionTimeWindow, TimeWindow: &TimeWindowCondition{Start: "09:00", End: "17:00", Days: []string{"someday"}}}, false},
		{"time window bad zone", Condition{Type: ConditionTimeWindow, TimeWindow: &TimeWindowCondition{Start: "09:00", End: "17:00", Timezone: "Mars/Olympus"}}, false},
		{"anomaly", Condition{Type: ConditionAnomaly, Anomaly: &AnomalyCondition{MaxScore: 60, Action: AnomalyAudit}}, true},
		{"anomaly approval without approvers", Condition{Type: ConditionAnomaly, Anomaly: &AnomalyCondition{MaxScore: 60, Action: AnomalyRequireApproval}}, false},
		{"anomaly score range", Condition{Type: ConditionAnomaly, Anomaly: &AnomalyCondition{MaxScore: 101, Action: AnomalyDeny}}, false},
		{"rego", Condition{Type: ConditionRego, Rego: &RegoCondition{Module: "package x", Query: "data.x.allow"}}, true},
		{"rego empty", Condition{Type: ConditionRego, Rego: &RegoCondition{}}, false},
		{"namespace match", Condition{Type: ConditionNamespaceMatch}, true},
		{"unknown", Condition{Type: "weather"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPolicy("p")
			p.Conditions = []Condition{tt.cond}
			err := p.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() error = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestPolicy_ValidateRules(t *testing.T) {
	p := &Policy{ID: "p", Rules: []Rule{
		{Effect: "maybe", SecretPattern: "x"},
		{Effect: EffectAllow},
		{Effect: EffectDeny, SecretPattern: "bad["},
	}}
	err := p.Validate()
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if len(ve.Errors) != 3 {
		t.Errorf("len(Errors) = %d, want 3: %v", len(ve.Errors), ve.Errors)
	}
}

func TestGroup_Validate(t *testing.T) {
	g := &SecretAccessGroup{
		ID:               "g",
		Members:          []Selector{{Namespaces: []string{"db"}}},
		Secrets:          []SecretRef{{Name: "rds"}},
		ApprovalRequired: true,
	}
	if err := g.Validate(); err == nil {
		t.Error("approval group without approvers validated")
	}
	g.Approvers = []string{"lead"}
	if err := g.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	g.Quota = &Quota{Count: 0, Period: time.Hour}
	if err := g.Validate(); err == nil {
		t.Error("zero quota validated")
	}
}

func TestSortByPriority(t *testing.T) {
	ps := []*Policy{{ID: "b", Priority: 1}, {ID: "a", Priority: 1}, {ID: "c", Priority: 5}}
	SortByPriority(ps)
	want := []string{"c", "a", "b"}
	for i, p := range ps {
		if p.ID != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, p.ID, want[i])
		}
	}
}

func TestParseClock(t *testing.T) {
	if m, err := ParseClock("09:30"); err != nil || m != 570 {
		t.Errorf("ParseClock(09:30) = %d, %v", m, err)
	}
	for _, bad := range []string{"24:00", "12:60", "noon", ""} {
		if _, err := ParseClock(bad); err == nil {
			t.Errorf("ParseClock(%q) accepted", bad)
		}
	}
}
