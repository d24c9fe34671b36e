package authn

import (
	"context"
	"fmt"
	"sync/atomic"
)

// testHandler is a configurable spy handler.
type testHandler struct {
	name    string
	state   HandlerState
	types   []CredentialType
	err     error
	panics  bool
	attrs   Attributes
	noPrinc bool

	supportsCalls atomic.Int64
	authCalls     atomic.Int64
}

func succeeding(name string) *testHandler {
	return &testHandler{name: name}
}

func failing(name string, err error) *testHandler {
	return &testHandler{name: name, err: err}
}

func (h *testHandler) Name() string { return h.name }

func (h *testHandler) State() HandlerState {
	if h.state == "" {
		return HandlerStateActive
	}
	return h.state
}

func (h *testHandler) Supports(c Credential) bool {
	h.supportsCalls.Add(1)
	if len(h.types) == 0 {
		return c.Type() == CredentialTypeUsernamePassword || c.Type() == CredentialTypeRememberMe
	}
	for _, t := range h.types {
		if t == c.Type() {
			return true
		}
	}
	return false
}

func (h *testHandler) Authenticate(_ context.Context, c Credential, _ *Service) (*HandlerResult, error) {
	h.authCalls.Add(1)
	if h.panics {
		panic("backend exploded")
	}
	if h.err != nil {
		return nil, h.err
	}
	if h.noPrinc {
		return NewHandlerResult(h, nil), nil
	}
	return NewHandlerResult(h, NewPrincipal(c.ID(), h.attrs)), nil
}

// testResolver resolves a principal, or fails with err.
type testResolver struct {
	err   error
	attrs Attributes
	calls atomic.Int64
}

func (r *testResolver) Name() string             { return "testResolver" }
func (r *testResolver) Supports(Credential) bool { return true }

func (r *testResolver) Resolve(_ context.Context, c Credential, _ *HandlerResult, _ *Principal) (*Principal, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return NewPrincipal(c.ID(), r.attrs), nil
}

type testPreProcessor struct {
	err   error
	calls atomic.Int64
}

func (p *testPreProcessor) Name() string             { return "testPreProcessor" }
func (p *testPreProcessor) Supports(Credential) bool { return true }

func (p *testPreProcessor) Process(context.Context, *Transaction) error {
	p.calls.Add(1)
	return p.err
}

type testPostProcessor struct {
	err    error
	panics bool
	calls  atomic.Int64
}

func (p *testPostProcessor) Name() string             { return "testPostProcessor" }
func (p *testPostProcessor) Supports(Credential) bool { return true }

func (p *testPostProcessor) Process(context.Context, *Authentication, *Transaction) error {
	p.calls.Add(1)
	if p.panics {
		panic("post-processor bug")
	}
	return p.err
}

// erroringPolicy always fails evaluation with an error.
type erroringPolicy struct{}

func (erroringPolicy) Name() string                         { return "erroringPolicy" }
func (erroringPolicy) ShouldResumeOnFailure(f Failure) bool { return f.Kind != FailurePolicy }

func (erroringPolicy) IsSatisfiedBy(context.Context, *Authentication, []string, *ExecutionPlan, *Transaction) (PolicyResult, error) {
	return PolicyResult{}, fmt.Errorf("policy backend unavailable")
}

func upc(username string) *UsernamePasswordCredential {
	return &UsernamePasswordCredential{Username: username, Password: "secret"}
}

func newTx(creds ...Credential) *Transaction {
	return DefaultTransactionFactory{}.NewTransaction(&Service{ID: "https://app.example.org"}, creds...)
}

func newPlan(handlers ...Handler) *ExecutionPlan {
	plan := NewExecutionPlan()
	for _, h := range handlers {
		if err := plan.RegisterHandler(h); err != nil {
			panic(err)
		}
	}
	return plan
}
