package authn

import (
	"context"
	"fmt"
	"strings"
)

// PolicyResult is the verdict of a policy.
type PolicyResult struct {
	Success bool
	Reason  string
}

func Satisfied() PolicyResult { return PolicyResult{Success: true} }

func Unsatisfied(format string, args ...any) PolicyResult {
	return PolicyResult{Reason: fmt.Sprintf(format, args...)}
}

// Policy decides whether a transaction's accumulated successes and failures
// constitute overall success.
//
// ShouldResumeOnFailure is asked in two places: after a handler failure (should
// the remaining handlers for that credential still run?) and after the policy
// itself failed during policy evaluation (is the failure a soft warning?).
// Policy failures reach it with Kind == FailurePolicy.
type Policy interface {
	Name() string
	IsSatisfiedBy(ctx context.Context, auth *Authentication, successful []string, plan *ExecutionPlan, tx *Transaction) (PolicyResult, error)
	ShouldResumeOnFailure(f Failure) bool
}

// TryAllPolicy is implemented by policies that want every candidate handler
// attempted even after they are satisfied.
type TryAllPolicy interface {
	TryAll() bool
}

// HandlerRequirer is implemented by policies that name handlers which must take
// part in the transaction, including standby ones.
type HandlerRequirer interface {
	RequiredHandlers() []string
}

func policyTriesAll(p Policy) bool {
	t, ok := p.(TryAllPolicy)
	return ok && t.TryAll()
}

// resumeOnHandlerFailure is shared by the built-in hard policies: handler
// failures never stop the loop, the policy's own failure is never soft.
func resumeOnHandlerFailure(f Failure) bool {
	return f.Kind != FailurePolicy
}

// AllPolicy requires every handler that attempted a credential to succeed.
// It always tries all candidates.
type AllPolicy struct{}

func (AllPolicy) Name() string                         { return "AllAuthenticationHandlersSucceeded" }
func (AllPolicy) TryAll() bool                         { return true }
func (AllPolicy) ShouldResumeOnFailure(f Failure) bool { return resumeOnHandlerFailure(f) }

func (AllPolicy) IsSatisfiedBy(_ context.Context, auth *Authentication, successful []string, _ *ExecutionPlan, _ *Transaction) (PolicyResult, error) {
	if len(successful) == 0 {
		return Unsatisfied("no handler succeeded"), nil
	}
	if failed := auth.FailureNames(); len(failed) > 0 {
		return Unsatisfied("handlers failed: %s", strings.Join(failed, ", ")), nil
	}
	return Satisfied(), nil
}

// AtLeastOnePolicy requires at least one success. With TryAllHandlers set the
// remaining handlers still run after the first success.
type AtLeastOnePolicy struct {
	TryAllHandlers bool
}

func (p AtLeastOnePolicy) Name() string                         { return "AtLeastOneCredentialValidated" }
func (p AtLeastOnePolicy) TryAll() bool                         { return p.TryAllHandlers }
func (p AtLeastOnePolicy) ShouldResumeOnFailure(f Failure) bool { return resumeOnHandlerFailure(f) }

func (p AtLeastOnePolicy) IsSatisfiedBy(_ context.Context, _ *Authentication, successful []string, _ *ExecutionPlan, _ *Transaction) (PolicyResult, error) {
	if len(successful) == 0 {
		return Unsatisfied("no handler succeeded"), nil
	}
	return Satisfied(), nil
}

// RequiredHandlerPolicy requires every named handler among the successes.
// Successes recorded in the transaction history count, so a step-up flow can
// require a handler that succeeded in an earlier step. Successes of other
// handlers are informative only.
type RequiredHandlerPolicy struct {
	Handlers       []string
	TryAllHandlers bool
}

// RequireHandler is shorthand for a single required handler.
func RequireHandler(name string, tryAll bool) *RequiredHandlerPolicy {
	return &RequiredHandlerPolicy{Handlers: []string{name}, TryAllHandlers: tryAll}
}

func (p *RequiredHandlerPolicy) Name() string {
	return "RequiredHandler(" + strings.Join(p.Handlers, ",") + ")"
}

func (p *RequiredHandlerPolicy) TryAll() bool { return p.TryAllHandlers }
func (p *RequiredHandlerPolicy) RequiredHandlers() []string {
	return append([]string(nil), p.Handlers...)
}
func (p *RequiredHandlerPolicy) ShouldResumeOnFailure(f Failure) bool {
	return resumeOnHandlerFailure(f)
}

func (p *RequiredHandlerPolicy) IsSatisfiedBy(_ context.Context, _ *Authentication, successful []string, _ *ExecutionPlan, tx *Transaction) (PolicyResult, error) {
	var missing []string
	for _, required := range p.Handlers {
		if !contains(successful, required) && !succeededInHistory(tx, required) {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return Unsatisfied("required handlers did not succeed: %s", strings.Join(missing, ", ")), nil
	}
	return Satisfied(), nil
}

// NotPreventedPolicy requires at least one success and no prevented failure.
// A prevented handler failure stops the remaining handlers for that credential.
type NotPreventedPolicy struct{}

func (NotPreventedPolicy) Name() string { return "NotPrevented" }

func (NotPreventedPolicy) ShouldResumeOnFailure(f Failure) bool {
	return f.Kind != FailurePrevented && f.Kind != FailurePolicy
}

func (NotPreventedPolicy) IsSatisfiedBy(_ context.Context, auth *Authentication, successful []string, _ *ExecutionPlan, _ *Transaction) (PolicyResult, error) {
	for _, name := range auth.failureNames {
		if auth.failures[name].Kind == FailurePrevented {
			return Unsatisfied("handler %s was prevented", name), nil
		}
	}
	if len(successful) == 0 {
		return Unsatisfied("no handler succeeded"), nil
	}
	return Satisfied(), nil
}

// Advisory wraps a policy so its failures become warnings instead of vetoes.
func Advisory(p Policy) Policy { return advisoryPolicy{p} }

type advisoryPolicy struct{ Policy }

func (a advisoryPolicy) Name() string                       { return a.Policy.Name() }
func (a advisoryPolicy) ShouldResumeOnFailure(Failure) bool { return true }
func (a advisoryPolicy) TryAll() bool                       { return policyTriesAll(a.Policy) }
func (a advisoryPolicy) RequiredHandlers() []string         { return handlersRequiredBy(a.Policy) }

// Named registers a policy under a different name, e.g. one chosen in configuration.
func Named(name string, p Policy) Policy { return namedPolicy{Policy: p, name: name} }

type namedPolicy struct {
	Policy
	name string
}

func (n namedPolicy) Name() string               { return n.name }
func (n namedPolicy) TryAll() bool               { return policyTriesAll(n.Policy) }
func (n namedPolicy) RequiredHandlers() []string { return handlersRequiredBy(n.Policy) }

func handlersRequiredBy(p Policy) []string {
	if hr, ok := p.(HandlerRequirer); ok {
		return hr.RequiredHandlers()
	}
	return nil
}

func succeededInHistory(tx *Transaction, handler string) bool {
	if tx == nil {
		return false
	}
	for _, prior := range tx.history {
		if prior.HasSuccess(handler) {
			return true
		}
	}
	return false
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
