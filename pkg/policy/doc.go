// Package policy defines the declarative access model: policies with ordered
// allow/deny rules, secret access groups, and the immutable Snapshot that the
// policy store publishes.
//
// # Patterns
//
// Secret names, principals and namespaces are matched with four pattern forms,
// ranked from most to least specific:
//
//	db-creds      exact
//	frontend-*    prefix
//	app-?-config  glob (path.Match syntax)
//	*             wildcard
//
// # Conditions
//
// Condition is a closed tagged variant. The Type field selects exactly one
// populated body:
//
//	conditions:
//	  - type: rate_limit
//	    rateLimit: {count: 10, period: 1m, scope: secret}
//	  - type: time_window
//	    timeWindow: {start: "08:00", end: "18:00", days: [mon, tue, wed, thu, fri]}
//	  - type: anomaly
//	    anomaly: {maxScore: 70, action: require_approval, approvers: [sec-oncall]}
//	  - type: rego
//	    rego: {module: "...", query: "data.secrets.allow"}
//	  - type: namespace_match
package policy
