package authn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/casidp/authn/internal/logger"
)

// HandlerRegistration pairs a handler with its optional principal resolver.
// A nil Resolver means the handler's own principal is trusted.
type HandlerRegistration struct {
	Handler  Handler
	Resolver PrincipalResolver
}

// planSnapshot is an immutable view of the plan. It is never modified after
// being stored; registration builds a new one.
type planSnapshot struct {
	handlers         []HandlerRegistration
	byName           map[string]int
	populators       []MetadataPopulator
	policies         []Policy
	policyResolvers  []PolicyResolver
	handlerResolvers []HandlerResolver
	preProcessors    []PreProcessor
	postProcessors   []PostProcessor
	listeners        []EventListener
}

func (s *planSnapshot) clone() *planSnapshot {
	c := &planSnapshot{
		handlers:         append([]HandlerRegistration(nil), s.handlers...),
		byName:           make(map[string]int, len(s.byName)),
		populators:       append([]MetadataPopulator(nil), s.populators...),
		policies:         append([]Policy(nil), s.policies...),
		policyResolvers:  append([]PolicyResolver(nil), s.policyResolvers...),
		handlerResolvers: append([]HandlerResolver(nil), s.handlerResolvers...),
		preProcessors:    append([]PreProcessor(nil), s.preProcessors...),
		postProcessors:   append([]PostProcessor(nil), s.postProcessors...),
		listeners:        append([]EventListener(nil), s.listeners...),
	}
	for k, v := range s.byName {
		c.byName[k] = v
	}
	return c
}

// ExecutionPlan is the ordered registry of handlers, resolvers, populators,
// policies and processors.
//
// Reads load an immutable snapshot through atomic.Value and never block.
// Registration is serialized, copies the current snapshot, applies the change
// and swaps the pointer, so a transaction that already loaded a snapshot keeps
// a consistent view. Plans are built at startup and passed around explicitly;
// several independently configured plans can coexist in one process.
type ExecutionPlan struct {
	mu       sync.Mutex
	snapshot atomic.Value // *planSnapshot
}

// NewExecutionPlan returns an empty plan.
func NewExecutionPlan() *ExecutionPlan {
	p := &ExecutionPlan{}
	p.snapshot.Store(&planSnapshot{byName: map[string]int{}})
	return p
}

func (p *ExecutionPlan) load() *planSnapshot {
	return p.snapshot.Load().(*planSnapshot)
}

func (p *ExecutionPlan) mutate(fn func(s *planSnapshot) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.load().clone()
	if err := fn(next); err != nil {
		return err
	}
	p.snapshot.Store(next)
	return nil
}

// RegisterHandler adds a handler that trusts its own principal.
func (p *ExecutionPlan) RegisterHandler(h Handler) error {
	return p.RegisterHandlers(HandlerRegistration{Handler: h})
}

// RegisterHandlerWithResolver adds a handler paired with a principal resolver.
func (p *ExecutionPlan) RegisterHandlerWithResolver(h Handler, r PrincipalResolver) error {
	return p.RegisterHandlers(HandlerRegistration{Handler: h, Resolver: r})
}

// RegisterHandlers adds handler/resolver pairs in bulk. Either every pair is
// registered or none is: a duplicate handler name rejects the whole call.
func (p *ExecutionPlan) RegisterHandlers(regs ...HandlerRegistration) error {
	return p.mutate(func(s *planSnapshot) error {
		for _, reg := range regs {
			if reg.Handler == nil {
				return fmt.Errorf("register handler: nil handler")
			}
			name := reg.Handler.Name()
			if _, exists := s.byName[name]; exists {
				logger.Error("duplicate authentication handler", logger.KeyHandler, name)
				return fmt.Errorf("register handler %s: %w", name, ErrDuplicateHandler)
			}
			s.byName[name] = len(s.handlers)
			s.handlers = append(s.handlers, reg)
		}
		return nil
	})
}

func (p *ExecutionPlan) RegisterMetadataPopulators(populators ...MetadataPopulator) {
	_ = p.mutate(func(s *planSnapshot) error {
		s.populators = append(s.populators, populators...)
		return nil
	})
}

// RegisterPolicies appends policies in evaluation order. Policy names are
// unique within a plan since resolvers select policies by name; a duplicate
// rejects the whole call.
func (p *ExecutionPlan) RegisterPolicies(policies ...Policy) error {
	return p.mutate(func(s *planSnapshot) error {
		names := make(map[string]bool, len(s.policies)+len(policies))
		for _, pol := range s.policies {
			names[pol.Name()] = true
		}
		for _, pol := range policies {
			if pol == nil {
				return fmt.Errorf("register policy: nil policy")
			}
			if names[pol.Name()] {
				return fmt.Errorf("register policy %s: %w", pol.Name(), ErrDuplicatePolicy)
			}
			names[pol.Name()] = true
			s.policies = append(s.policies, pol)
		}
		return nil
	})
}

func (p *ExecutionPlan) RegisterPolicyResolvers(resolvers ...PolicyResolver) {
	_ = p.mutate(func(s *planSnapshot) error {
		s.policyResolvers = append(s.policyResolvers, resolvers...)
		return nil
	})
}

func (p *ExecutionPlan) RegisterHandlerResolvers(resolvers ...HandlerResolver) {
	_ = p.mutate(func(s *planSnapshot) error {
		s.handlerResolvers = append(s.handlerResolvers, resolvers...)
		return nil
	})
}

func (p *ExecutionPlan) RegisterPreProcessors(processors ...PreProcessor) {
	_ = p.mutate(func(s *planSnapshot) error {
		s.preProcessors = append(s.preProcessors, processors...)
		return nil
	})
}

func (p *ExecutionPlan) RegisterPostProcessors(processors ...PostProcessor) {
	_ = p.mutate(func(s *planSnapshot) error {
		s.postProcessors = append(s.postProcessors, processors...)
		return nil
	})
}

func (p *ExecutionPlan) RegisterEventListeners(listeners ...EventListener) {
	_ = p.mutate(func(s *planSnapshot) error {
		s.listeners = append(s.listeners, listeners...)
		return nil
	})
}

// Handlers lists handler/resolver pairs in registration order.
func (p *ExecutionPlan) Handlers() []HandlerRegistration {
	return append([]HandlerRegistration(nil), p.load().handlers...)
}

// Handler looks up a registered handler by name.
func (p *ExecutionPlan) Handler(name string) (Handler, bool) {
	s := p.load()
	i, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return s.handlers[i].Handler, true
}

// PrincipalResolverFor returns the resolver paired with the named handler.
func (p *ExecutionPlan) PrincipalResolverFor(name string) PrincipalResolver {
	return p.load().resolverFor(name)
}

func (p *ExecutionPlan) Policies() []Policy {
	return append([]Policy(nil), p.load().policies...)
}

func (p *ExecutionPlan) MetadataPopulators() []MetadataPopulator {
	return append([]MetadataPopulator(nil), p.load().populators...)
}

// PopulatorsFor lists the populators supporting c, in registration order.
func (p *ExecutionPlan) PopulatorsFor(c Credential) []MetadataPopulator {
	var out []MetadataPopulator
	for _, pop := range p.load().populators {
		if pop.Supports(c) {
			out = append(out, pop)
		}
	}
	return out
}

func (p *ExecutionPlan) HandlerResolvers() []HandlerResolver {
	return append([]HandlerResolver(nil), p.load().handlerResolvers...)
}

func (p *ExecutionPlan) PolicyResolvers() []PolicyResolver {
	return append([]PolicyResolver(nil), p.load().policyResolvers...)
}

func (p *ExecutionPlan) PreProcessors() []PreProcessor {
	return append([]PreProcessor(nil), p.load().preProcessors...)
}

func (p *ExecutionPlan) PostProcessors() []PostProcessor {
	return append([]PostProcessor(nil), p.load().postProcessors...)
}

func (p *ExecutionPlan) EventListeners() []EventListener {
	return append([]EventListener(nil), p.load().listeners...)
}

// ResolvePolicies returns the policies applicable to tx.
func (p *ExecutionPlan) ResolvePolicies(ctx context.Context, tx *Transaction) ([]Policy, error) {
	return p.load().resolvePolicies(ctx, tx)
}

// ResolveHandlers returns the candidate handlers for tx.
func (p *ExecutionPlan) ResolveHandlers(ctx context.Context, tx *Transaction) ([]Handler, error) {
	s := p.load()
	policies, err := s.resolvePolicies(ctx, tx)
	if err != nil {
		return nil, err
	}
	return s.resolveHandlers(ctx, tx, requiredHandlerNames(policies))
}

func (s *planSnapshot) resolverFor(name string) PrincipalResolver {
	i, ok := s.byName[name]
	if !ok {
		return nil
	}
	return s.handlers[i].Resolver
}

// resolvePolicies unions the selections of every supporting policy resolver,
// keeping first-seen order. No selection means every registered policy; no
// registered policy means the implicit at-least-one policy.
func (s *planSnapshot) resolvePolicies(ctx context.Context, tx *Transaction) ([]Policy, error) {
	if len(s.policies) == 0 {
		return []Policy{AtLeastOnePolicy{}}, nil
	}

	var selected []Policy
	seen := map[string]bool{}
	for _, r := range s.policyResolvers {
		if !r.Supports(tx) {
			continue
		}
		policies, err := r.Resolve(ctx, tx, append([]Policy(nil), s.policies...))
		if err != nil {
			return nil, fmt.Errorf("policy resolver %s: %w", r.Name(), err)
		}
		for _, pol := range policies {
			if !seen[pol.Name()] {
				seen[pol.Name()] = true
				selected = append(selected, pol)
			}
		}
	}
	if len(selected) == 0 {
		return append([]Policy(nil), s.policies...), nil
	}
	return selected, nil
}

// resolveHandlers drops standby handlers that are not required, narrows
// progressively through every supporting handler resolver and finally keeps
// the handlers supporting at least one credential.
func (s *planSnapshot) resolveHandlers(ctx context.Context, tx *Transaction, required []string) ([]Handler, error) {
	candidates := make([]Handler, 0, len(s.handlers))
	for _, reg := range s.handlers {
		h := reg.Handler
		if h.State() == HandlerStateStandby && !contains(required, h.Name()) {
			continue
		}
		candidates = append(candidates, h)
	}

	for _, r := range s.handlerResolvers {
		if !r.Supports(candidates, tx) {
			continue
		}
		narrowed, err := r.Resolve(ctx, candidates, tx)
		if err != nil {
			return nil, fmt.Errorf("handler resolver %s: %w", r.Name(), err)
		}
		candidates = narrowed
	}

	return supportingHandlers(candidates, tx), nil
}

func requiredHandlerNames(policies []Policy) []string {
	var names []string
	for _, pol := range policies {
		if r, ok := pol.(HandlerRequirer); ok {
			names = append(names, r.RequiredHandlers()...)
		}
	}
	return names
}
