package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"mercator-hq/secretsrouter/pkg/identity"
	"mercator-hq/secretsrouter/pkg/policy"
)

// forbiddenBuiltins are removed from the capabilities rego conditions are
// compiled with. Conditions must stay side-effect free and must not reach
// the network.
var forbiddenBuiltins = map[string]bool{
	"http.send":            true,
	"net.lookup_ip_addr":   true,
	"opa.runtime":          true,
	"rand.intn":            true,
	"io.jwt.decode_verify": true,
	"trace":                true,
}

var regoCapabilities = func() *ast.Capabilities {
	caps := ast.CapabilitiesForThisVersion()
	kept := caps.Builtins[:0]
	for _, b := range caps.Builtins {
		if !forbiddenBuiltins[b.Name] {
			kept = append(kept, b)
		}
	}
	caps.Builtins = kept
	return caps
}()

// regoCache holds prepared queries keyed by a hash of module and query.
type regoCache struct {
	mu      sync.RWMutex
	queries map[string]rego.PreparedEvalQuery
}

func newRegoCache() *regoCache {
	return &regoCache{queries: make(map[string]rego.PreparedEvalQuery)}
}

func regoKey(c *policy.RegoCondition) string {
	h := sha256.New()
	h.Write([]byte(c.Module))
	h.Write([]byte{0})
	h.Write([]byte(c.Query))
	return hex.EncodeToString(h.Sum(nil))
}

func (rc *regoCache) prepare(ctx context.Context, c *policy.RegoCondition) (rego.PreparedEvalQuery, error) {
	key := regoKey(c)

	rc.mu.RLock()
	q, ok := rc.queries[key]
	rc.mu.RUnlock()
	if ok {
		return q, nil
	}

	r := rego.New(
		rego.Query(c.Query),
		rego.Module("condition.rego", c.Module),
		rego.Capabilities(regoCapabilities),
		rego.StrictBuiltinErrors(true),
	)
	q, err := r.PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to compile rego condition: %w", err)
	}

	rc.mu.Lock()
	rc.queries[key] = q
	rc.mu.Unlock()
	return q, nil
}

// eval reports whether the query yields exactly true for the request.
func (rc *regoCache) eval(ctx context.Context, c *policy.RegoCondition, id *identity.ServiceIdentity, req Request, score int, now time.Time) (bool, error) {
	q, err := rc.prepare(ctx, c)
	if err != nil {
		return false, err
	}
	input := map[string]interface{}{
		"identity": map[string]interface{}{
			"principal":   id.Principal,
			"namespace":   id.Namespace,
			"labels":      id.Labels,
			"auth_method": string(id.AuthMethod),
		},
		"request": map[string]interface{}{
			"backend":   req.Backend,
			"secret":    req.SecretName,
			"key":       req.Key,
			"namespace": req.Namespace,
		},
		"risk_score": score,
		"time":       now.UTC().Format(time.RFC3339),
	}
	rs, err := q.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, err
	}
	return rs.Allowed(), nil
}

// Prepare compiles every rego condition in snap so that broken modules are
// reported at reload time rather than on the first request.
func (e *Evaluator) Prepare(ctx context.Context, snap *policy.Snapshot) error {
	if snap == nil {
		return nil
	}
	for _, p := range snap.Policies {
		for _, c := range p.Conditions {
			if c.Type != policy.ConditionRego || c.Rego == nil {
				continue
			}
			if _, err := e.rego.prepare(ctx, c.Rego); err != nil {
				return &ConditionError{PolicyID: p.ID, Type: string(c.Type), Cause: err}
			}
		}
	}
	return nil
}
