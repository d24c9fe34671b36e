package authn

import (
	"context"
	"fmt"
)

// EchoingPrincipalResolver trusts the principal produced by the handler.
type EchoingPrincipalResolver struct{}

func (EchoingPrincipalResolver) Name() string             { return "EchoingPrincipalResolver" }
func (EchoingPrincipalResolver) Supports(Credential) bool { return true }

func (EchoingPrincipalResolver) Resolve(_ context.Context, c Credential, result *HandlerResult, _ *Principal) (*Principal, error) {
	if result != nil && result.Principal != nil {
		return result.Principal.Clone(), nil
	}
	if id := c.ID(); id != "" {
		return NewPrincipal(id, nil), nil
	}
	return nil, ErrUnresolvedPrincipal
}

// ChainingPrincipalResolver runs every supporting resolver in order and
// update-merges their attributes. The first resolved id wins.
type ChainingPrincipalResolver struct {
	Resolvers []PrincipalResolver
}

func (r *ChainingPrincipalResolver) Name() string { return "ChainingPrincipalResolver" }

func (r *ChainingPrincipalResolver) Supports(c Credential) bool {
	for _, res := range r.Resolvers {
		if res.Supports(c) {
			return true
		}
	}
	return false
}

func (r *ChainingPrincipalResolver) Resolve(ctx context.Context, c Credential, result *HandlerResult, prior *Principal) (*Principal, error) {
	var merged *Principal
	for _, res := range r.Resolvers {
		if !res.Supports(c) {
			continue
		}
		p, err := res.Resolve(ctx, c, result, prior)
		if err != nil {
			return nil, fmt.Errorf("resolver %s: %w", res.Name(), err)
		}
		if p == nil {
			continue
		}
		if merged == nil {
			merged = p.Clone()
			continue
		}
		merged.Attributes.update(p.Attributes)
	}
	if merged == nil {
		return nil, ErrUnresolvedPrincipal
	}
	return merged, nil
}
