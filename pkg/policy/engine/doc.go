// Package engine evaluates secret access requests against the current
// policy snapshot.
//
// # Evaluation
//
// Deny rules are scanned first across every policy whose selector matches
// the caller. Any matching deny rule ends evaluation, so a low-priority deny
// always blocks a high-priority allow. Backend matching for deny rules is
// conservative: a request that does not name a backend matches deny rules
// for every backend.
//
// Matching allow rules are then ordered most specific first:
//
//	exact secret > prefix ("app-*") > glob ("app-?-cfg") > wildcard
//	explicit keys > any key
//	higher policy priority > lower
//	policy ID, then rule index
//
// The first candidate whose policy gates hold (time_window, rego,
// namespace_match) wins. Anomaly conditions on the winning policy may
// deny, require approval or only raise audit verbosity. Rate limits are
// consumed last; a breach turns the grant into a deny.
//
// When no allow rule matched, a SecretAccessGroup covering the secret may
// grant access or require approval. Otherwise the request is denied with
// "no matching allow policy".
//
// # Usage
//
//	ev, err := engine.New(engine.DefaultConfig(), policyStore, limiter, detector)
//	if err != nil {
//	    return err
//	}
//	d, err := ev.Evaluate(ctx, id, engine.Request{SecretName: "db", Key: "password"})
//	if d.Allowed() {
//	    // read from d.Backend
//	}
package engine
