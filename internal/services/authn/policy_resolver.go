package authn

import "context"

// PolicyResolver selects the registered policies that apply to a transaction.
type PolicyResolver interface {
	Name() string
	Supports(tx *Transaction) bool
	Resolve(ctx context.Context, tx *Transaction, registered []Policy) ([]Policy, error)
}

// PolicyResolverFunc adapts a function selecting policies for every transaction.
type PolicyResolverFunc func(ctx context.Context, tx *Transaction, registered []Policy) ([]Policy, error)

func (f PolicyResolverFunc) Name() string               { return "PolicyResolverFunc" }
func (f PolicyResolverFunc) Supports(*Transaction) bool { return true }

func (f PolicyResolverFunc) Resolve(ctx context.Context, tx *Transaction, registered []Policy) ([]Policy, error) {
	return f(ctx, tx, registered)
}
