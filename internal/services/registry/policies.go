package registry

import (
	"context"
	"fmt"

	"github.com/casidp/authn/internal/services/authn"
)

// ServicePolicyResolver selects the registered policies named by the matched
// service, in the service's order.
type ServicePolicyResolver struct {
	Registry *Registry
}

func (r ServicePolicyResolver) Name() string { return "RegisteredServicePolicyResolver" }

func (r ServicePolicyResolver) Supports(tx *authn.Transaction) bool {
	svc, ok := r.Registry.Match(tx.Service())
	return ok && len(svc.Policies) > 0
}

func (r ServicePolicyResolver) Resolve(_ context.Context, tx *authn.Transaction, registered []authn.Policy) ([]authn.Policy, error) {
	svc, ok := r.Registry.Match(tx.Service())
	if !ok || len(svc.Policies) == 0 {
		return nil, nil
	}

	byName := make(map[string]authn.Policy, len(registered))
	for _, p := range registered {
		byName[p.Name()] = p
	}

	selected := make([]authn.Policy, 0, len(svc.Policies))
	for _, name := range svc.Policies {
		p, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("service %s names unknown policy %q", svc.Name, name)
		}
		selected = append(selected, p)
	}
	return selected, nil
}
