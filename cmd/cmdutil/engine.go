package cmdutil

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"

	"github.com/casidp/authn/internal/config"
	"github.com/casidp/authn/internal/db/bunx"
	"github.com/casidp/authn/internal/handlers/accept"
	"github.com/casidp/authn/internal/handlers/otp"
	"github.com/casidp/authn/internal/handlers/password"
	"github.com/casidp/authn/internal/handlers/token"
	"github.com/casidp/authn/internal/handlers/x509"
	"github.com/casidp/authn/internal/logger"
	"github.com/casidp/authn/internal/principal"
	"github.com/casidp/authn/internal/processors/audit"
	"github.com/casidp/authn/internal/processors/throttle"
	"github.com/casidp/authn/internal/repository"
	"github.com/casidp/authn/internal/services/authn"
	"github.com/casidp/authn/internal/services/registry"
	"github.com/casidp/authn/internal/telemetry"
)

// Engine bundles the manager with the connections it owns so commands can
// release them when finished.
type Engine struct {
	Manager   *authn.DefaultManager
	Plan      *authn.ExecutionPlan
	Registry  *registry.Registry
	Whitelist *registry.HandlerWhitelist
	Throttle  *throttle.Throttle
	DB        *bun.DB

	redis *redis.Client
}

// Close releases the database and redis connections.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			logger.Warn("close redis client", logger.Err(err))
		}
	}
	if e.DB != nil {
		bunx.Close(e.DB)
	}
}

// NewEngine builds an execution plan and manager from configuration.
func NewEngine(ctx context.Context, cfg *config.Config) (*Engine, error) {
	e := &Engine{}
	if cfg.DatabaseURL != "" {
		db, err := bunx.NewDB(cfg.DatabaseURL, cfg.MaxDBConnections)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		e.DB = db
	}

	if err := e.build(ctx, cfg); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) build(ctx context.Context, cfg *config.Config) error {
	plan := authn.NewExecutionPlan()

	deps := newHandlerDeps(e.DB, cfg.Engine.AttributeCacheSize)
	for _, hc := range cfg.Handlers {
		h, err := buildHandler(hc, deps)
		if err != nil {
			return err
		}
		if err := plan.RegisterHandlerWithResolver(h, deps.principalResolver(hc.PrincipalResolver)); err != nil {
			return fmt.Errorf("register handler %s: %w", hc.Name, err)
		}
	}

	populators, err := buildPopulators(cfg.Engine.Populators)
	if err != nil {
		return err
	}
	plan.RegisterMetadataPopulators(populators...)

	reg, err := buildRegistry(cfg.Services)
	if err != nil {
		return err
	}
	e.Registry = reg

	policies, conditions, err := buildPolicies(cfg.Policies, reg)
	if err != nil {
		return err
	}
	if err := plan.RegisterPolicies(policies...); err != nil {
		return err
	}

	if cfg.Engine.CredentialSourceSelection {
		plan.RegisterHandlerResolvers(authn.ByCredentialSourceHandlerResolver{})
	}
	if len(cfg.Services) > 0 {
		whitelist, err := e.whitelist(cfg, reg)
		if err != nil {
			return err
		}
		e.Whitelist = whitelist
		plan.RegisterHandlerResolvers(whitelist)
	}
	if resolver := policyResolver(cfg, reg, conditions); resolver != nil {
		plan.RegisterPolicyResolvers(resolver)
	}

	if cfg.Throttle.Enabled {
		client, err := throttle.NewRedisClient(ctx, cfg.Throttle.RedisAddr)
		if err != nil {
			return err
		}
		e.redis = client
		e.Throttle = throttle.New(client, cfg.Throttle.Threshold, cfg.Throttle.Window)
		plan.RegisterPreProcessors(e.Throttle)
		plan.RegisterEventListeners(e.Throttle)
	}

	if cfg.Audit.Enabled {
		auditor := audit.New(repository.NewBunAuthenticationEventRepository(e.DB))
		plan.RegisterPostProcessors(auditor)
		plan.RegisterEventListeners(auditor)
	}

	metrics, err := telemetry.NewAuthnMetrics(nil)
	if err != nil {
		return fmt.Errorf("create engine metrics: %w", err)
	}

	e.Plan = plan
	e.Manager = authn.NewManager(plan, authn.ManagerConfig{
		PrincipalResolutionFailureFatal: cfg.Engine.PrincipalResolutionFailureFatal,
		Metrics:                         metrics,
	})

	logger.Debug("authentication plan built",
		"handlers", len(cfg.Handlers), "policies", len(policies), "services", len(cfg.Services))
	return nil
}

// handlerDeps holds the repositories shared by handlers and resolvers. The
// attribute resolver is shared so every handler hits the same cache.
type handlerDeps struct {
	users      *repository.BunUserRepository
	revoked    *repository.BunRevokedJTIRepository
	attributes *principal.AttributeRepositoryResolver
}

func newHandlerDeps(db *bun.DB, cacheSize int) *handlerDeps {
	if db == nil {
		return &handlerDeps{}
	}
	users := repository.NewBunUserRepository(db)
	return &handlerDeps{
		users:      users,
		revoked:    repository.NewBunRevokedJTIRepository(db),
		attributes: principal.NewAttributeRepositoryResolver(users, principal.Options{CacheSize: cacheSize}),
	}
}

func (d *handlerDeps) principalResolver(name string) authn.PrincipalResolver {
	switch name {
	case "echo":
		return authn.EchoingPrincipalResolver{}
	case "attribute_repository":
		if d.attributes != nil {
			return d.attributes
		}
	}
	return nil
}

func handlerState(s string) authn.HandlerState {
	if s == "" {
		return authn.HandlerStateActive
	}
	return authn.HandlerState(s)
}

func buildHandler(hc config.HandlerConfig, deps *handlerDeps) (authn.Handler, error) {
	state := handlerState(hc.State)

	switch hc.Type {
	case config.HandlerTypeAcceptUsers:
		var opts accept.Options
		if err := config.DecodeOptions(hc, &opts); err != nil {
			return nil, err
		}
		return accept.New(hc.Name, state, opts)

	case config.HandlerTypeDatabase:
		if deps.users == nil {
			return nil, fmt.Errorf("handler %s: database handler needs database_url", hc.Name)
		}
		var opts password.Options
		if err := config.DecodeOptions(hc, &opts); err != nil {
			return nil, err
		}
		return password.New(hc.Name, state, deps.users, opts), nil

	case config.HandlerTypeJWT:
		var opts token.Options
		if err := config.DecodeOptions(hc, &opts); err != nil {
			return nil, err
		}
		var denylist token.Denylist
		if deps.revoked != nil {
			denylist = deps.revoked
		}
		return token.New(hc.Name, state, opts, denylist)

	case config.HandlerTypeX509:
		var opts x509.Options
		if err := config.DecodeOptions(hc, &opts); err != nil {
			return nil, err
		}
		return x509.New(hc.Name, state, opts)

	case config.HandlerTypeTOTP:
		var opts otp.Options
		if err := config.DecodeOptions(hc, &opts); err != nil {
			return nil, err
		}
		return otp.New(hc.Name, state, opts)

	default:
		return nil, fmt.Errorf("handler %s: unknown type %q", hc.Name, hc.Type)
	}
}

func buildPopulators(names []string) ([]authn.MetadataPopulator, error) {
	populators := make([]authn.MetadataPopulator, 0, len(names))
	for _, name := range names {
		switch name {
		case "client_info":
			populators = append(populators, authn.ClientInfoPopulator{})
		case "credential_type":
			populators = append(populators, authn.CredentialTypePopulator{})
		case "remember_me":
			populators = append(populators, authn.RememberMePopulator{})
		case "successful_handlers":
			populators = append(populators, authn.SuccessfulHandlersPopulator{})
		default:
			return nil, fmt.Errorf("unknown metadata populator %q", name)
		}
	}
	return populators, nil
}

func (e *Engine) whitelist(cfg *config.Config, reg *registry.Registry) (*registry.HandlerWhitelist, error) {
	if !cfg.Engine.DatabaseGrants {
		return registry.NewHandlerWhitelist(reg)
	}
	return registry.NewStoredHandlerWhitelist(reg, repository.NewBunGrantAdapter(e.DB))
}

func buildRegistry(services []config.ServiceConfig) (*registry.Registry, error) {
	defs := make([]registry.ServiceDefinition, 0, len(services))
	for _, s := range services {
		defs = append(defs, registry.ServiceDefinition{
			Name:            s.Name,
			Pattern:         s.Pattern,
			AllowedHandlers: s.AllowedHandlers,
			Policies:        s.Policies,
		})
	}
	return registry.New(defs...)
}

// buildPolicies returns the policies in configuration order and the
// conditions keyed by policy name.
func buildPolicies(configs []config.PolicyConfig, reg *registry.Registry) ([]authn.Policy, map[string]string, error) {
	policies := make([]authn.Policy, 0, len(configs))
	conditions := map[string]string{}

	for i, pc := range configs {
		var p authn.Policy
		switch pc.Type {
		case config.PolicyTypeAll:
			p = authn.AllPolicy{}
		case config.PolicyTypeAtLeastOne:
			p = authn.AtLeastOnePolicy{TryAllHandlers: pc.TryAll}
		case config.PolicyTypeRequiredHandler:
			p = &authn.RequiredHandlerPolicy{Handlers: pc.Handlers, TryAllHandlers: pc.TryAll}
		case config.PolicyTypeNotPrevented:
			p = authn.NotPreventedPolicy{}
		case config.PolicyTypeExpression:
			ep, err := registry.NewExpressionPolicy(pc.Name, pc.Expression, reg)
			if err != nil {
				return nil, nil, fmt.Errorf("policy %d: %w", i, err)
			}
			ep.TryAllHandlers = pc.TryAll
			p = ep
		default:
			return nil, nil, fmt.Errorf("policy %d: unknown type %q", i, pc.Type)
		}

		if pc.Name != "" && pc.Type != config.PolicyTypeExpression {
			p = authn.Named(pc.Name, p)
		}
		if pc.Advisory {
			p = authn.Advisory(p)
		}
		if pc.When != "" {
			if err := registry.CompileExpression(pc.When); err != nil {
				return nil, nil, fmt.Errorf("policy %s: %w", p.Name(), err)
			}
			conditions[p.Name()] = pc.When
		}
		policies = append(policies, p)
	}
	return policies, conditions, nil
}

func policyResolver(cfg *config.Config, reg *registry.Registry, conditions map[string]string) authn.PolicyResolver {
	var base authn.PolicyResolver
	for _, s := range cfg.Services {
		if len(s.Policies) > 0 {
			base = registry.ServicePolicyResolver{Registry: reg}
			break
		}
	}
	if len(conditions) == 0 {
		return base
	}
	return registry.ExpressionPolicyResolver{Conditions: conditions, Base: base, Registry: reg}
}
