package registry

import (
	"context"
	_ "embed"
	"fmt"
	"sync/atomic"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/casbin/casbin/v2/persist"

	"github.com/casidp/authn/internal/logger"
	"github.com/casidp/authn/internal/services/authn"
)

//go:embed model.conf
var whitelistModel string

// anyHandler grants a service every handler.
const anyHandler = "*"

// HandlerWhitelist narrows candidate handlers to those the matched service
// allows. Grants live in a casbin enforcer keyed by (service, handler).
// Transactions for unregistered services are left untouched.
type HandlerWhitelist struct {
	registry *Registry
	adapter  persist.Adapter

	// replaced whole on Reload, never mutated after it is published
	enforcer atomic.Pointer[casbin.SyncedEnforcer]
}

// NewHandlerWhitelist loads one grant per allowed handler of every service.
func NewHandlerWhitelist(reg *Registry) (*HandlerWhitelist, error) {
	return newHandlerWhitelist(reg, nil)
}

// NewStoredHandlerWhitelist also loads the grants kept by adapter. Stored
// grants extend the configured ones; configured grants are never written back.
func NewStoredHandlerWhitelist(reg *Registry, adapter persist.Adapter) (*HandlerWhitelist, error) {
	return newHandlerWhitelist(reg, adapter)
}

func newHandlerWhitelist(reg *Registry, adapter persist.Adapter) (*HandlerWhitelist, error) {
	w := &HandlerWhitelist{registry: reg, adapter: adapter}
	enforcer, err := w.build()
	if err != nil {
		return nil, err
	}
	w.enforcer.Store(enforcer)
	return w, nil
}

// build returns an enforcer holding the stored grants plus the configured ones.
func (w *HandlerWhitelist) build() (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(whitelistModel)
	if err != nil {
		return nil, fmt.Errorf("parse whitelist model: %w", err)
	}

	params := []any{m}
	if w.adapter != nil {
		params = append(params, w.adapter)
	}
	enforcer, err := casbin.NewSyncedEnforcer(params...)
	if err != nil {
		return nil, fmt.Errorf("create whitelist enforcer: %w", err)
	}
	enforcer.EnableAutoSave(false)

	for _, svc := range w.registry.Services() {
		allowed := svc.AllowedHandlers
		if len(allowed) == 0 {
			allowed = []string{anyHandler}
		}
		for _, h := range allowed {
			if _, err := enforcer.AddPolicy(svc.Name, h); err != nil {
				return nil, fmt.Errorf("grant handler %s to service %s: %w", h, svc.Name, err)
			}
		}
	}
	return enforcer, nil
}

// Reload re-reads stored grants and swaps them in at once. It is a no-op
// without an adapter. On error the previous grants stay in effect.
func (w *HandlerWhitelist) Reload() error {
	if w.adapter == nil {
		return nil
	}
	enforcer, err := w.build()
	if err != nil {
		return fmt.Errorf("reload service grants: %w", err)
	}
	w.enforcer.Store(enforcer)
	return nil
}

func (w *HandlerWhitelist) Name() string { return "RegisteredServiceHandlerResolver" }

func (w *HandlerWhitelist) Supports(_ []authn.Handler, tx *authn.Transaction) bool {
	_, ok := w.registry.Match(tx.Service())
	return ok
}

func (w *HandlerWhitelist) Resolve(ctx context.Context, handlers []authn.Handler, tx *authn.Transaction) ([]authn.Handler, error) {
	svc, ok := w.registry.Match(tx.Service())
	if !ok {
		return handlers, nil
	}

	out := make([]authn.Handler, 0, len(handlers))
	for _, h := range handlers {
		allowed, err := w.enforcer.Load().Enforce(svc.Name, h.Name())
		if err != nil {
			return nil, fmt.Errorf("enforce handler %s for service %s: %w", h.Name(), svc.Name, err)
		}
		if allowed {
			out = append(out, h)
			continue
		}
		logger.DebugCtx(ctx, "handler not allowed for service", logger.KeyService, svc.Name, logger.KeyHandler, h.Name())
	}
	return out, nil
}

// Allowed reports whether a service may use a handler.
func (w *HandlerWhitelist) Allowed(service, handler string) (bool, error) {
	return w.enforcer.Load().Enforce(service, handler)
}
