package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-bexpr"

	"github.com/casidp/authn/internal/services/authn"
)

// evaluators caches compiled bexpr evaluators keyed by expression.
var evaluators = &sync.Map{}

// CompileExpression compiles and caches an expression. Use it at startup to
// reject invalid configuration early.
func CompileExpression(expr string) error {
	_, err := evaluator(expr)
	return err
}

func evaluator(expr string) (*bexpr.Evaluator, error) {
	if cached, ok := evaluators.Load(expr); ok {
		return cached.(*bexpr.Evaluator), nil
	}
	ev, err := bexpr.CreateEvaluator(expr)
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", expr, err)
	}
	evaluators.Store(expr, ev)
	return ev, nil
}

// evaluate reports whether expr matches datum. Empty expressions match;
// compile and evaluation errors (such as a missing selector) do not.
func evaluate(expr string, datum map[string]any) bool {
	if strings.TrimSpace(expr) == "" {
		return true
	}
	ev, err := evaluator(expr)
	if err != nil {
		return false
	}
	matches, err := ev.Evaluate(datum)
	if err != nil {
		return false
	}
	return matches
}

// transactionDatum exposes the transaction to expressions:
//
//	service_id, service, credential_types, client_ip
func transactionDatum(ctx context.Context, reg *Registry, tx *authn.Transaction) map[string]any {
	datum := map[string]any{
		"service_id":       "",
		"service":          "",
		"credential_types": tx.CredentialTypes(),
		"client_ip":        "",
	}
	if svc := tx.Service(); svc != nil {
		datum["service_id"] = svc.ID
	}
	if registered, ok := reg.Match(tx.Service()); ok {
		datum["service"] = registered.Name
	}
	if ci, ok := authn.ClientInfoFromContext(ctx); ok {
		datum["client_ip"] = ci.ClientIP
	}
	return datum
}

// authenticationDatum adds principal_id, successful_handlers and the
// principal attributes as strings.
func authenticationDatum(ctx context.Context, reg *Registry, auth *authn.Authentication, successful []string, tx *authn.Transaction) map[string]any {
	datum := transactionDatum(ctx, reg, tx)
	datum["principal_id"] = ""
	datum["successful_handlers"] = append([]string{}, successful...)

	attrs := map[string][]string{}
	if p := auth.Principal(); p != nil {
		datum["principal_id"] = p.ID
		for name, values := range p.Attributes {
			for _, v := range values {
				attrs[name] = append(attrs[name], fmt.Sprint(v))
			}
		}
	}
	datum["attributes"] = attrs
	return datum
}

// ExpressionPolicy is satisfied when at least one handler succeeded and the
// expression matches the authentication, for example
//
//	"admins" in attributes.memberOf and "db" in successful_handlers
type ExpressionPolicy struct {
	PolicyName     string
	Expression     string
	TryAllHandlers bool
	// Registry, when set, exposes the matched service name as "service".
	Registry *Registry
}

// NewExpressionPolicy compiles expr.
func NewExpressionPolicy(name, expr string, reg *Registry) (*ExpressionPolicy, error) {
	if err := CompileExpression(expr); err != nil {
		return nil, err
	}
	return &ExpressionPolicy{PolicyName: name, Expression: expr, Registry: reg}, nil
}

func (p *ExpressionPolicy) Name() string {
	if p.PolicyName != "" {
		return p.PolicyName
	}
	return "Expression(" + p.Expression + ")"
}

func (p *ExpressionPolicy) TryAll() bool { return p.TryAllHandlers }

func (p *ExpressionPolicy) ShouldResumeOnFailure(f authn.Failure) bool {
	return f.Kind != authn.FailurePolicy
}

func (p *ExpressionPolicy) IsSatisfiedBy(ctx context.Context, auth *authn.Authentication, successful []string, _ *authn.ExecutionPlan, tx *authn.Transaction) (authn.PolicyResult, error) {
	if len(successful) == 0 {
		return authn.Unsatisfied("no handler succeeded"), nil
	}
	if !evaluate(p.Expression, authenticationDatum(ctx, p.Registry, auth, successful, tx)) {
		return authn.Unsatisfied("expression not matched: %s", p.Expression), nil
	}
	return authn.Satisfied(), nil
}

// ExpressionPolicyResolver keeps the policies whose condition matches the
// transaction. Policies without a condition are always kept. The starting
// selection is Base's when Base supports the transaction, otherwise every
// registered policy. An empty result selects the at-least-one policy, so a
// transaction matching no condition is never judged by the filtered policies.
type ExpressionPolicyResolver struct {
	// Conditions maps policy names to bexpr conditions.
	Conditions map[string]string
	Base       authn.PolicyResolver
	Registry   *Registry
}

func (r ExpressionPolicyResolver) Name() string { return "ConditionalPolicyResolver" }

func (r ExpressionPolicyResolver) Supports(tx *authn.Transaction) bool {
	return len(r.Conditions) > 0 || (r.Base != nil && r.Base.Supports(tx))
}

func (r ExpressionPolicyResolver) Resolve(ctx context.Context, tx *authn.Transaction, registered []authn.Policy) ([]authn.Policy, error) {
	candidates := registered
	if r.Base != nil && r.Base.Supports(tx) {
		selected, err := r.Base.Resolve(ctx, tx, registered)
		if err != nil {
			return nil, err
		}
		if len(selected) > 0 {
			candidates = selected
		}
	}
	if len(r.Conditions) == 0 {
		return candidates, nil
	}

	datum := transactionDatum(ctx, r.Registry, tx)
	out := make([]authn.Policy, 0, len(candidates))
	for _, p := range candidates {
		cond, ok := r.Conditions[p.Name()]
		if !ok || evaluate(cond, datum) {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []authn.Policy{authn.AtLeastOnePolicy{}}, nil
	}
	return out, nil
}
