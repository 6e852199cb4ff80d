package policy

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"
)

//go:embed authz.rego
var defaultPolicy string

const decisionQuery = "data.notifications.authz.decision"

// RegoPolicyEngine evaluates an OPA policy. The policy must define
// data.notifications.authz.decision as {"allow": bool, "reason": string}.
type RegoPolicyEngine struct {
	query rego.PreparedEvalQuery
}

// NewRegoPolicyEngine compiles the policy at path, or the built-in policy
// when path is empty.
func NewRegoPolicyEngine(ctx context.Context, path string) (*RegoPolicyEngine, error) {
	module := defaultPolicy
	name := "authz.rego"
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy %s: %w", path, err)
		}
		module = string(b)
		name = path
	}

	q, err := rego.New(
		rego.Query(decisionQuery),
		rego.Module(name, module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	return &RegoPolicyEngine{query: q}, nil
}

func (e *RegoPolicyEngine) Check(ctx context.Context, pctx *PolicyContext) (*PolicyResult, error) {
	roles := make([]string, len(pctx.Roles))
	for i, r := range pctx.Roles {
		roles[i] = string(r)
	}
	input := map[string]interface{}{
		"user_id":  pctx.UserID,
		"roles":    roles,
		"action":   string(pctx.Action),
		"resource": pctx.Resource,
	}

	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluate policy: %w", err)
	}

	result := &PolicyResult{Reason: "no matching policy found", Rules: []string{"rego:" + decisionQuery}}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return result, nil
	}
	decision, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("policy decision has unexpected type %T", rs[0].Expressions[0].Value)
	}
	if allowed, ok := decision["allow"].(bool); ok {
		result.Allowed = allowed
	}
	if reason, ok := decision["reason"].(string); ok && reason != "" {
		result.Reason = reason
	}
	return result, nil
}
