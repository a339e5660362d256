package policy

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ErrInvalidSnapshot wraps every snapshot validation failure.
var ErrInvalidSnapshot = errors.New("invalid policy snapshot")

// ValidationError lists the problems found in one policy or group.
type ValidationError struct {
	Kind   string // "policy" or "group"
	ID     string
	Errors []string
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("%s %s: validation error: %s", e.Kind, e.ID, e.Errors[0])
	}
	return fmt.Sprintf("%s %s: %d validation errors: %v", e.Kind, e.ID, len(e.Errors), e.Errors)
}

// Unwrap lets callers match ErrInvalidSnapshot.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidSnapshot
}

// Validate checks the whole snapshot and returns the joined validation errors.
func (s *Snapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInvalidSnapshot)
	}

	var errs []error
	seen := make(map[string]bool, len(s.Policies))
	for _, p := range s.Policies {
		if p == nil {
			errs = append(errs, fmt.Errorf("%w: nil policy", ErrInvalidSnapshot))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, &ValidationError{Kind: "policy", ID: p.ID, Errors: []string{"duplicate id"}})
		}
		seen[p.ID] = true
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	seenGroups := make(map[string]bool, len(s.Groups))
	for _, g := range s.Groups {
		if g == nil {
			errs = append(errs, fmt.Errorf("%w: nil group", ErrInvalidSnapshot))
			continue
		}
		if seenGroups[g.ID] {
			errs = append(errs, &ValidationError{Kind: "group", ID: g.ID, Errors: []string{"duplicate id"}})
		}
		seenGroups[g.ID] = true
		if err := g.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Validate checks a single policy.
func (p *Policy) Validate() error {
	var problems []string
	if strings.TrimSpace(p.ID) == "" {
		problems = append(problems, "id is required")
	}
	if len(p.Rules) == 0 {
		problems = append(problems, "at least one rule is required")
	}
	for i, r := range p.Rules {
		switch r.Effect {
		case EffectAllow, EffectDeny:
		default:
			problems = append(problems, fmt.Sprintf("rules[%d]: effect must be allow or deny, got %q", i, r.Effect))
		}
		if r.SecretPattern == "" {
			problems = append(problems, fmt.Sprintf("rules[%d]: secret pattern is required", i))
		} else if !validPattern(r.SecretPattern) {
			problems = append(problems, fmt.Sprintf("rules[%d]: malformed secret pattern %q", i, r.SecretPattern))
		}
	}
	for i, c := range p.Conditions {
		if msg := validateCondition(c); msg != "" {
			problems = append(problems, fmt.Sprintf("conditions[%d]: %s", i, msg))
		}
	}
	problems = append(problems, validateSelector("selector", p.Selector)...)

	if len(problems) > 0 {
		return &ValidationError{Kind: "policy", ID: p.ID, Errors: problems}
	}
	return nil
}

// Validate checks a single group.
func (g *SecretAccessGroup) Validate() error {
	var problems []string
	if strings.TrimSpace(g.ID) == "" {
		problems = append(problems, "id is required")
	}
	if len(g.Members) == 0 {
		problems = append(problems, "at least one member selector is required")
	}
	if len(g.Secrets) == 0 {
		problems = append(problems, "at least one secret is required")
	}
	for i, ref := range g.Secrets {
		if ref.Name == "" {
			problems = append(problems, fmt.Sprintf("secrets[%d]: name is required", i))
		} else if !validPattern(ref.Name) {
			problems = append(problems, fmt.Sprintf("secrets[%d]: malformed name pattern %q", i, ref.Name))
		}
	}
	for i, m := range g.Members {
		problems = append(problems, validateSelector(fmt.Sprintf("members[%d]", i), m)...)
	}
	if g.ApprovalRequired && len(g.Approvers) == 0 {
		problems = append(problems, "approvalRequired needs at least one approver")
	}
	if g.Timeout < 0 {
		problems = append(problems, "timeout must not be negative")
	}
	if g.Quota != nil && (g.Quota.Count <= 0 || g.Quota.Period <= 0) {
		problems = append(problems, "quota count and period must be positive")
	}

	if len(problems) > 0 {
		return &ValidationError{Kind: "group", ID: g.ID, Errors: problems}
	}
	return nil
}

func validateSelector(field string, s Selector) []string {
	var problems []string
	for _, p := range append(append([]string{}, s.Principals...), s.Namespaces...) {
		if !validPattern(p) {
			problems = append(problems, fmt.Sprintf("%s: malformed pattern %q", field, p))
		}
	}
	return problems
}

func validateCondition(c Condition) string {
	switch c.Type {
	case ConditionRateLimit:
		if c.RateLimit == nil {
			return "rate_limit requires a rateLimit body"
		}
		if c.RateLimit.Count <= 0 || c.RateLimit.Period <= 0 {
			return "rate_limit count and period must be positive"
		}
		switch c.RateLimit.Scope {
		case "", ScopePrincipal, ScopeSecret:
		default:
			return fmt.Sprintf("unknown rate_limit scope %q", c.RateLimit.Scope)
		}
	case ConditionTimeWindow:
		if c.TimeWindow == nil {
			return "time_window requires a timeWindow body"
		}
		if _, err := ParseClock(c.TimeWindow.Start); err != nil {
			return fmt.Sprintf("time_window start: %v", err)
		}
		if _, err := ParseClock(c.TimeWindow.End); err != nil {
			return fmt.Sprintf("time_window end: %v", err)
		}
		if c.TimeWindow.Timezone != "" {
			if _, err := time.LoadLocation(c.TimeWindow.Timezone); err != nil {
				return fmt.Sprintf("time_window timezone: %v", err)
			}
		}
		for _, d := range c.TimeWindow.Days {
			if _, ok := ParseWeekday(d); !ok {
				return fmt.Sprintf("time_window: unknown day %q", d)
			}
		}
	case ConditionAnomaly:
		if c.Anomaly == nil {
			return "anomaly requires an anomaly body"
		}
		if c.Anomaly.MaxScore < 0 || c.Anomaly.MaxScore > 100 {
			return "anomaly maxScore must be within 0..100"
		}
		switch c.Anomaly.Action {
		case AnomalyDeny, AnomalyAudit:
		case AnomalyRequireApproval:
			if len(c.Anomaly.Approvers) == 0 {
				return "anomaly require_approval needs approvers"
			}
		default:
			return fmt.Sprintf("unknown anomaly action %q", c.Anomaly.Action)
		}
	case ConditionRego:
		if c.Rego == nil || c.Rego.Module == "" || c.Rego.Query == "" {
			return "rego requires module and query"
		}
	case ConditionNamespaceMatch:
	default:
		return fmt.Sprintf("unknown condition type %q", c.Type)
	}
	return ""
}

func validPattern(p string) bool {
	if PatternSpecificity(p) != SpecificityGlob {
		return true
	}
	_, err := path.Match(p, "")
	return err == nil
}

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekday accepts short or long English day names, case-insensitively.
func ParseWeekday(s string) (time.Weekday, bool) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	return d, ok
}
