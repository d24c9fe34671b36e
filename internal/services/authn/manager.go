package authn

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/casidp/authn/internal/logger"
	"github.com/casidp/authn/internal/telemetry"
)

const tracerName = "authn/engine"

// Manager executes an authentication transaction.
//
// Return values:
//   - (auth, nil): the transaction succeeded; auth has at least one success
//   - (nil, err): err is an *AuthenticationError carrying every failure collected
type Manager interface {
	Authenticate(ctx context.Context, tx *Transaction) (*Authentication, error)
}

// ManagerConfig tunes the default manager.
type ManagerConfig struct {
	// PrincipalResolutionFailureFatal aborts the whole transaction when a
	// principal cannot be resolved after a successful handler check. When
	// false the failure is recorded against that handler and the loop continues.
	PrincipalResolutionFailureFatal bool

	// Metrics is optional.
	Metrics *telemetry.AuthnMetrics
}

// DefaultManager runs transactions against an ExecutionPlan. It holds no
// per-transaction state and is safe for concurrent use.
type DefaultManager struct {
	plan *ExecutionPlan
	cfg  ManagerConfig
}

// NewManager creates a manager bound to plan.
func NewManager(plan *ExecutionPlan, cfg ManagerConfig) *DefaultManager {
	return &DefaultManager{plan: plan, cfg: cfg}
}

// Plan returns the plan the manager executes.
func (m *DefaultManager) Plan() *ExecutionPlan { return m.plan }

// Authenticate runs the transaction through pre-processing, validation,
// per-handler attempts, metadata population, policy evaluation and
// post-processing.
func (m *DefaultManager) Authenticate(ctx context.Context, tx *Transaction) (*Authentication, error) {
	start := time.Now()
	if tx == nil {
		tx = DefaultTransactionFactory{}.NewTransaction(nil)
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "authn.Authenticate",
		attribute.String(telemetry.AttrTransactionID, tx.ID()),
		attribute.String(telemetry.AttrServiceID, serviceID(tx)),
		attribute.Int(telemetry.AttrCredentialCount, len(tx.credentials)),
	)
	defer span.End()

	lc := &logger.LogContext{
		TraceID:       telemetry.TraceID(ctx),
		TransactionID: tx.ID(),
		Service:       serviceID(tx),
	}
	if ci, ok := ClientInfoFromContext(ctx); ok {
		lc.ClientIP = ci.ClientIP
	}
	ctx = logger.WithContext(ctx, lc)

	r := &run{
		cfg:     m.cfg,
		planRef: m.plan,
		plan:    m.plan.load(),
		tx:      tx,
		span:    span,
	}
	r.emit(ctx, Event{Type: EventTransactionStarted, Transaction: tx})

	auth, authErr := r.execute(ctx)
	durationMs := float64(time.Since(start).Microseconds()) / 1000.0

	if authErr != nil {
		telemetry.RecordError(span, authErr)
		m.cfg.Metrics.RecordTransaction(ctx, false, string(authErr.Reason), durationMs)
		logger.InfoCtx(ctx, "authentication failed",
			logger.KeyReason, string(authErr.Reason),
			logger.KeyDurationMs, durationMs,
			logger.Err(authErr))
		r.emit(ctx, Event{Type: EventTransactionFailed, Transaction: tx, Err: authErr})
		return nil, authErr
	}

	span.SetAttributes(attribute.String(telemetry.AttrPrincipalID, auth.principal.ID))
	m.cfg.Metrics.RecordTransaction(ctx, true, "", durationMs)
	logger.InfoCtx(ctx, "authentication succeeded",
		logger.KeyPrincipal, auth.principal.ID,
		logger.KeyHandler, auth.successNames,
		logger.KeyDurationMs, durationMs)

	r.postProcess(ctx, auth)
	r.emit(ctx, Event{Type: EventTransactionSucceeded, Transaction: tx, Authentication: auth, Principal: auth.Principal()})
	return auth, nil
}

// run holds the state of one transaction. It never outlives Authenticate.
type run struct {
	cfg      ManagerConfig
	planRef  *ExecutionPlan
	plan     *planSnapshot
	tx       *Transaction
	span     trace.Span
	policies []Policy
}

func (r *run) execute(ctx context.Context) (*Authentication, *AuthenticationError) {
	creds := r.tx.credentials

	for _, pp := range r.plan.preProcessors {
		if !supportsAny(pp.Supports, creds) {
			continue
		}
		if err := r.preProcess(ctx, pp); err != nil {
			logger.InfoCtx(ctx, "transaction rejected by pre-processor",
				logger.KeyProcessor, pp.Name(), logger.Err(err))
			return nil, structuralError(ReasonRejected, pp.Name(),
				Failure{Kind: FailureRejected, Message: err.Error(), Err: err})
		}
	}

	if len(creds) == 0 {
		return nil, structuralError(ReasonNoCredentials, "transaction",
			Failure{Kind: FailureNoCredentials, Message: "no credentials supplied"})
	}

	policies, err := r.plan.resolvePolicies(ctx, r.tx)
	if err != nil {
		return nil, structuralError(ReasonPolicy, "policy-resolution",
			Failure{Kind: FailurePolicy, Message: err.Error(), Err: err})
	}
	r.policies = policies

	handlers, err := r.plan.resolveHandlers(ctx, r.tx, requiredHandlerNames(policies))
	if err != nil {
		return nil, structuralError(ReasonNoHandlers, "handler-resolution",
			Failure{Kind: FailurePrevented, Message: err.Error(), Err: err})
	}
	if len(handlers) == 0 {
		return nil, structuralError(ReasonNoHandlers, "handler-resolution",
			Failure{Kind: FailureNoHandlers, Message: "no authentication handlers could be resolved"})
	}

	b := NewBuilder()
	metas := make([]*CredentialMetadata, len(creds))
	for i, c := range creds {
		metas[i] = NewCredentialMetadata(c)
		b.AddCredential(metas[i])
	}

	for i, c := range creds {
		for _, h := range handlers {
			if !h.Supports(c) {
				continue
			}
			proceed, abort := r.attempt(ctx, b, h, c, metas[i])
			if abort != nil {
				return nil, abort
			}
			if !proceed {
				break
			}
		}
	}

	if len(b.successes) == 0 {
		return nil, newAuthenticationError(ReasonNoSuccess, "no authentication handler succeeded",
			b.failureNames, b.failures, nil)
	}

	for _, name := range b.successNames {
		b.MergeAttribute(AttributeAuthenticationMethod, name)
	}

	for _, pop := range r.plan.populators {
		for _, c := range creds {
			if pop.Supports(c) {
				pop.Populate(ctx, b, r.tx)
			}
		}
	}

	current := b.Build()
	for _, pol := range policies {
		res, err := r.evaluate(ctx, pol, current)
		if res.Success {
			continue
		}
		f := Failure{Kind: FailurePolicy, Message: res.Reason, Err: err}
		r.cfg.Metrics.RecordPolicyFailure(ctx, pol.Name())
		telemetry.AddEvent(r.span, "policy.failed",
			attribute.String(telemetry.AttrPolicyName, pol.Name()),
			attribute.String(telemetry.AttrFailureReason, res.Reason))
		r.emit(ctx, Event{Type: EventPolicyFailed, Transaction: r.tx, Policy: pol.Name(), Failure: &f})

		if pol.ShouldResumeOnFailure(f) {
			logger.WarnCtx(ctx, "advisory policy not satisfied",
				logger.KeyPolicy, pol.Name(), logger.KeyReason, res.Reason)
			b.AddWarning(pol.Name() + ": " + res.Reason)
			continue
		}
		logger.WarnCtx(ctx, "policy not satisfied",
			logger.KeyPolicy, pol.Name(), logger.KeyReason, res.Reason)
		b.AddFailure(pol.Name(), f)
		return nil, newAuthenticationError(ReasonPolicy, res.Reason, b.failureNames, b.failures, b.successes)
	}

	if b.principal == nil {
		return nil, newAuthenticationError(ReasonUnresolvedPrincipal, "no principal was resolved",
			b.failureNames, b.failures, b.successes)
	}
	return b.Build(), nil
}

// attempt runs one handler against one credential. proceed reports whether
// the remaining handlers for this credential should still run.
func (r *run) attempt(ctx context.Context, b *Builder, h Handler, c Credential, meta *CredentialMetadata) (proceed bool, abort *AuthenticationError) {
	name := h.Name()

	result, err := r.invoke(ctx, h, c)
	if err == nil && result == nil {
		err = fmt.Errorf("handler %s returned no result: %w", name, ErrPrevented)
	}
	if err != nil {
		f := Classify(err)
		r.recordFailure(ctx, b, name, c, f)
		return r.resumeAfterFailure(f), nil
	}

	result.HandlerName = name
	if result.Metadata == nil {
		result.Metadata = meta
	}

	principal, err := r.resolvePrincipal(ctx, name, c, result, b.principal)
	if err != nil {
		f := Failure{Kind: FailureUnresolvedPrincipal, Message: err.Error(), Err: err}
		r.recordFailure(ctx, b, name, c, f)
		if r.cfg.PrincipalResolutionFailureFatal {
			return false, newAuthenticationError(ReasonUnresolvedPrincipal, err.Error(),
				b.failureNames, b.failures, b.successes)
		}
		return r.resumeAfterFailure(f), nil
	}

	result.Principal = principal
	b.AddSuccess(name, result)
	if b.principal == nil {
		b.SetPrincipal(principal)
	} else {
		b.principal.Attributes.update(principal.Attributes)
	}

	r.cfg.Metrics.RecordHandlerAttempt(ctx, name, true, "")
	telemetry.AddEvent(r.span, "handler.succeeded", attribute.String(telemetry.AttrHandlerName, name))
	logger.DebugCtx(ctx, "handler succeeded",
		logger.KeyHandler, name,
		logger.KeyCredentialType, string(c.Type()),
		logger.KeyPrincipal, principal.ID)
	r.emit(ctx, Event{Type: EventHandlerSucceeded, Transaction: r.tx, Handler: name, Credential: c, Principal: principal.Clone()})
	r.emit(ctx, Event{Type: EventPrincipalResolved, Transaction: r.tx, Handler: name, Credential: c, Principal: principal.Clone()})

	return !r.satisfiedEarly(ctx, b), nil
}

func (r *run) recordFailure(ctx context.Context, b *Builder, name string, c Credential, f Failure) {
	b.AddFailure(name, f)
	r.cfg.Metrics.RecordHandlerAttempt(ctx, name, false, string(f.Kind))
	telemetry.AddEvent(r.span, "handler.failed",
		attribute.String(telemetry.AttrHandlerName, name),
		attribute.String(telemetry.AttrFailureKind, string(f.Kind)))
	logger.DebugCtx(ctx, "handler failed",
		logger.KeyHandler, name,
		logger.KeyCredentialType, string(c.Type()),
		logger.KeyFailureKind, string(f.Kind),
		logger.Err(f.Err))
	r.emit(ctx, Event{Type: EventHandlerFailed, Transaction: r.tx, Handler: name, Credential: c, Failure: &f})
}

// invoke calls the handler, converting a panic into a prevented failure.
func (r *run) invoke(ctx context.Context, h Handler, c Credential) (result *HandlerResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("handler %s panicked: %v: %w", h.Name(), rec, ErrPrevented)
		}
	}()
	return h.Authenticate(ctx, c, r.tx.service)
}

func (r *run) resolvePrincipal(ctx context.Context, handler string, c Credential, result *HandlerResult, prior *Principal) (p *Principal, err error) {
	resolver := r.plan.resolverFor(handler)
	if resolver == nil {
		if result.Principal == nil || result.Principal.ID == "" {
			return nil, fmt.Errorf("handler %s produced no principal: %w", handler, ErrUnresolvedPrincipal)
		}
		return result.Principal.Clone(), nil
	}
	if !resolver.Supports(c) {
		return nil, fmt.Errorf("resolver %s does not support %s: %w", resolver.Name(), c.Type(), ErrUnresolvedPrincipal)
	}

	defer func() {
		if rec := recover(); rec != nil {
			p = nil
			err = fmt.Errorf("resolver %s panicked: %v: %w", resolver.Name(), rec, ErrUnresolvedPrincipal)
		}
	}()
	p, err = resolver.Resolve(ctx, c, result, prior.Clone())
	if err != nil {
		return nil, fmt.Errorf("resolver %s: %w", resolver.Name(), err)
	}
	if p == nil || p.ID == "" {
		return nil, fmt.Errorf("resolver %s returned no principal: %w", resolver.Name(), ErrUnresolvedPrincipal)
	}
	return p.Clone(), nil
}

// resumeAfterFailure asks every resolved policy whether handlers should keep
// running after f.
func (r *run) resumeAfterFailure(f Failure) bool {
	for _, pol := range r.policies {
		if !pol.ShouldResumeOnFailure(f) {
			return false
		}
	}
	return true
}

// satisfiedEarly reports whether the remaining handlers can be skipped: at
// least one explicitly registered policy applies, none wants every handler
// tried, and all of them are already satisfied.
func (r *run) satisfiedEarly(ctx context.Context, b *Builder) bool {
	if len(r.plan.policies) == 0 {
		return false
	}
	for _, pol := range r.policies {
		if policyTriesAll(pol) {
			return false
		}
	}
	current := b.Build()
	for _, pol := range r.policies {
		if res, _ := r.evaluate(ctx, pol, current); !res.Success {
			return false
		}
	}
	return true
}

// evaluate runs a policy. Errors and panics count as unsatisfied.
func (r *run) evaluate(ctx context.Context, pol Policy, auth *Authentication) (res PolicyResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("policy %s panicked: %v", pol.Name(), rec)
			res = PolicyResult{Reason: err.Error()}
		}
	}()
	res, err = pol.IsSatisfiedBy(ctx, auth, auth.SuccessNames(), r.planRef, r.tx)
	if err != nil {
		return PolicyResult{Reason: err.Error()}, err
	}
	return res, nil
}

func (r *run) preProcess(ctx context.Context, pp PreProcessor) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("pre-processor %s panicked: %v", pp.Name(), rec)
		}
	}()
	return pp.Process(ctx, r.tx)
}

// postProcess runs every supporting post-processor. Failures are logged only.
func (r *run) postProcess(ctx context.Context, auth *Authentication) {
	for _, pp := range r.plan.postProcessors {
		if !supportsAny(pp.Supports, r.tx.credentials) {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.ErrorCtx(ctx, "post-processor panicked", logger.KeyProcessor, pp.Name(), "panic", rec)
				}
			}()
			if err := pp.Process(ctx, auth, r.tx); err != nil {
				logger.WarnCtx(ctx, "post-processor failed", logger.KeyProcessor, pp.Name(), logger.Err(err))
			}
		}()
	}
}

func (r *run) emit(ctx context.Context, ev Event) {
	for _, l := range r.plan.listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.ErrorCtx(ctx, "event listener panicked", "event", string(ev.Type), "panic", rec)
				}
			}()
			l.OnEvent(ctx, ev)
		}()
	}
}

func serviceID(tx *Transaction) string {
	if tx.service == nil {
		return ""
	}
	return tx.service.ID
}
