// Package registry holds the services an identity provider authenticates for,
// and the resolvers that scope handlers and policies per service.
package registry

import (
	"fmt"
	"regexp"

	"github.com/casidp/authn/internal/services/authn"
)

// ServiceDefinition describes a registered service.
type ServiceDefinition struct {
	Name    string
	Pattern string
	// AllowedHandlers restricts the handlers that may authenticate for the
	// service. Empty means every handler.
	AllowedHandlers []string
	// Policies names the registered policies that apply to the service.
	// Empty means the plan decides.
	Policies []string
}

// RegisteredService is a definition with its compiled id pattern. The pattern
// must match the whole service id.
type RegisteredService struct {
	ServiceDefinition
	pattern *regexp.Regexp
}

// Matches reports whether a service id matches the registered pattern.
func (s *RegisteredService) Matches(id string) bool {
	return s.pattern.MatchString(id)
}

// Registry matches service ids against registered services in registration
// order. The first match wins.
type Registry struct {
	services []*RegisteredService
	byName   map[string]*RegisteredService
}

// New compiles every definition.
func New(defs ...ServiceDefinition) (*Registry, error) {
	r := &Registry{byName: make(map[string]*RegisteredService, len(defs))}
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("register service: name is required")
		}
		if _, dup := r.byName[def.Name]; dup {
			return nil, fmt.Errorf("register service: duplicate service %q", def.Name)
		}
		re, err := regexp.Compile(`^(?:` + def.Pattern + `)$`)
		if err != nil {
			return nil, fmt.Errorf("register service %s: compile pattern: %w", def.Name, err)
		}
		svc := &RegisteredService{ServiceDefinition: def, pattern: re}
		r.services = append(r.services, svc)
		r.byName[def.Name] = svc
	}
	return r, nil
}

// Match returns the first registered service matching svc.
func (r *Registry) Match(svc *authn.Service) (*RegisteredService, bool) {
	if r == nil || svc == nil {
		return nil, false
	}
	for _, s := range r.services {
		if s.Matches(svc.ID) {
			return s, true
		}
	}
	return nil, false
}

// Get returns a registered service by name.
func (r *Registry) Get(name string) (*RegisteredService, bool) {
	s, ok := r.byName[name]
	return s, ok
}

func (r *Registry) Services() []*RegisteredService {
	return append([]*RegisteredService(nil), r.services...)
}
