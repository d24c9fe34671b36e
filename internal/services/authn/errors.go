package authn

import (
	"errors"
	"fmt"
	"strings"
)

// Handler rejection sentinels. Handlers return these (optionally wrapped) so the
// manager can classify the outcome without inspecting messages.
var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrFailedLogin        = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrPasswordMustChange = errors.New("account password must change")
	// ErrPrevented marks an infrastructure failure (backend unavailable, timeout).
	ErrPrevented = errors.New("authentication prevented")
	// ErrUnresolvedPrincipal is returned by principal resolvers that cannot produce an identity.
	ErrUnresolvedPrincipal = errors.New("principal could not be resolved")

	// ErrAuthentication matches every *AuthenticationError with errors.Is.
	ErrAuthentication = errors.New("authentication failed")

	ErrDuplicateHandler = errors.New("handler already registered")
	ErrDuplicatePolicy  = errors.New("policy already registered")
)

// FailureKind tags why a handler, processor, policy or transaction failed.
type FailureKind string

const (
	FailureAccountNotFound     FailureKind = "account_not_found"
	FailureFailedLogin         FailureKind = "failed_login"
	FailureAccountDisabled     FailureKind = "account_disabled"
	FailurePasswordMustChange  FailureKind = "password_must_change"
	FailurePrevented           FailureKind = "prevented"
	FailureUnresolvedPrincipal FailureKind = "unresolved_principal"
	FailureRejected            FailureKind = "rejected_by_preprocessor"
	FailureNoCredentials       FailureKind = "no_credentials"
	FailureNoHandlers          FailureKind = "no_handlers"
	FailurePolicy              FailureKind = "policy"
)

// IsCredentialRejection reports whether the kind is an expected per-credential outcome.
func (k FailureKind) IsCredentialRejection() bool {
	switch k {
	case FailureAccountNotFound, FailureFailedLogin, FailureAccountDisabled, FailurePasswordMustChange:
		return true
	}
	return false
}

// Failure is the classified outcome of a failed step.
type Failure struct {
	Kind    FailureKind `json:"kind" yaml:"kind"`
	Message string      `json:"message,omitempty" yaml:"message,omitempty"`
	Err     error       `json:"-" yaml:"-"`
}

func (f Failure) Error() string {
	if f.Message == "" {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Message
}

func (f Failure) Unwrap() error { return f.Err }

// Classify maps an error returned by a handler or resolver to a Failure.
// Errors that match no known sentinel are infrastructure failures.
func Classify(err error) Failure {
	f := Failure{Message: err.Error(), Err: err}
	var existing Failure
	switch {
	case errors.As(err, &existing):
		return existing
	case errors.Is(err, ErrAccountNotFound):
		f.Kind = FailureAccountNotFound
	case errors.Is(err, ErrFailedLogin):
		f.Kind = FailureFailedLogin
	case errors.Is(err, ErrAccountDisabled):
		f.Kind = FailureAccountDisabled
	case errors.Is(err, ErrPasswordMustChange):
		f.Kind = FailurePasswordMustChange
	case errors.Is(err, ErrUnresolvedPrincipal):
		f.Kind = FailureUnresolvedPrincipal
	default:
		f.Kind = FailurePrevented
	}
	return f
}

// Reason names the step that terminated a failed transaction.
type Reason string

const (
	ReasonRejected            Reason = "rejected_by_preprocessor"
	ReasonNoCredentials       Reason = "no_credentials"
	ReasonNoHandlers          Reason = "no_handlers"
	ReasonNoSuccess           Reason = "no_successful_handler"
	ReasonUnresolvedPrincipal Reason = "unresolved_principal"
	ReasonPolicy              Reason = "policy"
)

// AuthenticationError is the single aggregate error returned when a transaction fails.
// Failures always holds at least one entry.
type AuthenticationError struct {
	Reason  Reason
	Message string

	failureNames []string
	failures     map[string]Failure
	successes    map[string]*HandlerResult
}

func newAuthenticationError(reason Reason, msg string, names []string, failures map[string]Failure, successes map[string]*HandlerResult) *AuthenticationError {
	e := &AuthenticationError{
		Reason:       reason,
		Message:      msg,
		failureNames: append([]string(nil), names...),
		failures:     make(map[string]Failure, len(failures)+1),
		successes:    make(map[string]*HandlerResult, len(successes)),
	}
	for k, v := range failures {
		e.failures[k] = v
	}
	for k, v := range successes {
		e.successes[k] = v
	}
	if len(e.failures) == 0 {
		key := string(reason)
		e.failureNames = append(e.failureNames, key)
		e.failures[key] = Failure{Kind: reasonKind(reason), Message: msg}
	}
	return e
}

// structuralError builds an AuthenticationError carrying a single synthetic entry.
func structuralError(reason Reason, key string, f Failure) *AuthenticationError {
	return newAuthenticationError(reason, f.Message, []string{key}, map[string]Failure{key: f}, nil)
}

func reasonKind(r Reason) FailureKind {
	switch r {
	case ReasonRejected:
		return FailureRejected
	case ReasonNoCredentials:
		return FailureNoCredentials
	case ReasonNoHandlers:
		return FailureNoHandlers
	case ReasonUnresolvedPrincipal:
		return FailureUnresolvedPrincipal
	case ReasonPolicy:
		return FailurePolicy
	}
	return FailurePrevented
}

func (e *AuthenticationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "authentication failed (%s)", e.Reason)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	parts := make([]string, 0, len(e.failureNames))
	for _, name := range e.failureNames {
		parts = append(parts, name+"="+string(e.failures[name].Kind))
	}
	if len(parts) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString("]")
	}
	return b.String()
}

func (e *AuthenticationError) Is(target error) bool { return target == ErrAuthentication }

// Failures returns a copy of the name to failure map.
func (e *AuthenticationError) Failures() map[string]Failure {
	out := make(map[string]Failure, len(e.failures))
	for k, v := range e.failures {
		out[k] = v
	}
	return out
}

// FailureNames returns failure keys in the order they were recorded.
func (e *AuthenticationError) FailureNames() []string {
	return append([]string(nil), e.failureNames...)
}

// Successes returns the handler results collected before the transaction failed.
func (e *AuthenticationError) Successes() map[string]*HandlerResult {
	out := make(map[string]*HandlerResult, len(e.successes))
	for k, v := range e.successes {
		out[k] = v
	}
	return out
}

// HasFailureKind reports whether any recorded failure is of kind k.
func (e *AuthenticationError) HasFailureKind(k FailureKind) bool {
	for _, f := range e.failures {
		if f.Kind == k {
			return true
		}
	}
	return false
}
