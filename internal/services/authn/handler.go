package authn

import "context"

// HandlerState controls whether a handler takes part in default candidate resolution.
type HandlerState string

const (
	HandlerStateActive HandlerState = "active"
	// HandlerStateStandby handlers are skipped unless a resolved policy requires them by name.
	HandlerStateStandby HandlerState = "standby"
)

// Service is the target the transaction authenticates to.
type Service struct {
	ID         string         `json:"id" yaml:"id"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Handler verifies one or more credential kinds.
//
// Supports must be cheap and perform no I/O. Authenticate returns a result on
// success, or an error wrapping one of ErrAccountNotFound, ErrFailedLogin,
// ErrAccountDisabled, ErrPasswordMustChange or ErrPrevented. Any other error
// is classified as an infrastructure failure.
type Handler interface {
	Name() string
	State() HandlerState
	Supports(c Credential) bool
	Authenticate(ctx context.Context, c Credential, svc *Service) (*HandlerResult, error)
}

// HandlerResult is produced by a successful handler invocation.
type HandlerResult struct {
	HandlerName string              `json:"handler" yaml:"handler"`
	Metadata    *CredentialMetadata `json:"-" yaml:"-"`
	Principal   *Principal          `json:"principal,omitempty" yaml:"principal,omitempty"`
	Warnings    []string            `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// NewHandlerResult is a convenience for handlers returning a principal.
func NewHandlerResult(h Handler, p *Principal, warnings ...string) *HandlerResult {
	return &HandlerResult{HandlerName: h.Name(), Principal: p, Warnings: warnings}
}

func (r *HandlerResult) clone() *HandlerResult {
	if r == nil {
		return nil
	}
	return &HandlerResult{
		HandlerName: r.HandlerName,
		Metadata:    r.Metadata.Clone(),
		Principal:   r.Principal.Clone(),
		Warnings:    append([]string(nil), r.Warnings...),
	}
}

// PrincipalResolver turns a successful handler verdict into a principal.
//
// prior is the principal the transaction has resolved so far (nil for the first
// success). A nil principal or an error is an unresolved principal.
type PrincipalResolver interface {
	Name() string
	Supports(c Credential) bool
	Resolve(ctx context.Context, c Credential, result *HandlerResult, prior *Principal) (*Principal, error)
}
