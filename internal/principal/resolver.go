// Package principal resolves principals by looking up attributes of local
// accounts.
package principal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/casidp/authn/internal/db/models"
	"github.com/casidp/authn/internal/logger"
	"github.com/casidp/authn/internal/repository"
	"github.com/casidp/authn/internal/services/authn"
)

// Source is the slice of the user repository the resolver reads.
type Source interface {
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	Attributes(ctx context.Context, userID string) (map[string][]string, error)
}

// Options tune the resolver.
type Options struct {
	// CacheSize bounds the number of cached lookups. Zero disables caching.
	CacheSize int
	// CacheTTL expires cached lookups. Zero keeps them until evicted.
	CacheTTL time.Duration
	// RequireAccount fails resolution when no local account exists. When
	// false the handler's principal is returned unchanged.
	RequireAccount bool
}

// AttributeRepositoryResolver adds repository attributes to the principal
// produced by a handler.
type AttributeRepositoryResolver struct {
	source Source
	opts   Options
	cache  *expirable.LRU[string, authn.Attributes]
}

// NewAttributeRepositoryResolver creates a resolver over source.
func NewAttributeRepositoryResolver(source Source, opts Options) *AttributeRepositoryResolver {
	r := &AttributeRepositoryResolver{source: source, opts: opts}
	if opts.CacheSize > 0 {
		r.cache = expirable.NewLRU[string, authn.Attributes](opts.CacheSize, nil, opts.CacheTTL)
	}
	return r
}

func (r *AttributeRepositoryResolver) Name() string { return "AttributeRepositoryPrincipalResolver" }

func (r *AttributeRepositoryResolver) Supports(c authn.Credential) bool {
	return c != nil
}

func (r *AttributeRepositoryResolver) Resolve(ctx context.Context, c authn.Credential, result *authn.HandlerResult, _ *authn.Principal) (*authn.Principal, error) {
	id := c.ID()
	var base authn.Attributes
	if result != nil && result.Principal != nil {
		id = result.Principal.ID
		base = result.Principal.Attributes
	}
	if id == "" {
		return nil, authn.ErrUnresolvedPrincipal
	}

	attrs, found, err := r.lookup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lookup attributes for %s: %w", id, err)
	}
	if !found {
		if r.opts.RequireAccount {
			return nil, fmt.Errorf("no account for %s: %w", id, authn.ErrUnresolvedPrincipal)
		}
		return authn.NewPrincipal(id, base), nil
	}
	return authn.NewPrincipal(id, base.Merge(attrs)), nil
}

func (r *AttributeRepositoryResolver) lookup(ctx context.Context, id string) (authn.Attributes, bool, error) {
	if r.cache != nil {
		if attrs, ok := r.cache.Get(id); ok {
			return attrs.Clone(), attrs != nil, nil
		}
	}

	user, err := r.source.GetByUsername(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// negative results are cached as nil
			if r.cache != nil {
				r.cache.Add(id, nil)
			}
			return nil, false, nil
		}
		return nil, false, err
	}

	raw, err := r.source.Attributes(ctx, user.ID)
	if err != nil {
		return nil, false, err
	}

	attrs := make(authn.Attributes, len(raw))
	for name, values := range raw {
		for _, v := range values {
			attrs[name] = append(attrs[name], v)
		}
	}

	if r.cache != nil {
		r.cache.Add(id, attrs.Clone())
	}
	logger.DebugCtx(ctx, "resolved repository attributes", logger.KeyPrincipal, id, "count", len(attrs))
	return attrs, true, nil
}

// Invalidate drops a cached lookup, e.g. after attributes changed.
func (r *AttributeRepositoryResolver) Invalidate(id string) {
	if r.cache != nil {
		r.cache.Remove(id)
	}
}
