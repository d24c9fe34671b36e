package authn

import "context"

// PreProcessor runs before any handler. A non-nil error rejects the transaction.
type PreProcessor interface {
	Name() string
	Supports(c Credential) bool
	Process(ctx context.Context, tx *Transaction) error
}

// PostProcessor runs after a successful decision. Errors are logged and never
// change the outcome.
type PostProcessor interface {
	Name() string
	Supports(c Credential) bool
	Process(ctx context.Context, auth *Authentication, tx *Transaction) error
}

// EventType names a transaction lifecycle event.
type EventType string

const (
	EventTransactionStarted   EventType = "transaction_started"
	EventHandlerSucceeded     EventType = "handler_succeeded"
	EventHandlerFailed        EventType = "handler_failed"
	EventPrincipalResolved    EventType = "principal_resolved"
	EventPolicyFailed         EventType = "policy_failed"
	EventTransactionSucceeded EventType = "transaction_succeeded"
	EventTransactionFailed    EventType = "transaction_failed"
)

// Event is delivered to listeners. Fields not relevant to the type are zero.
type Event struct {
	Type           EventType
	Transaction    *Transaction
	Handler        string
	Policy         string
	Credential     Credential
	Principal      *Principal
	Failure        *Failure
	Authentication *Authentication
	Err            *AuthenticationError
}

// EventListener observes transaction lifecycle events. Listeners run
// synchronously on the authenticating goroutine; panics are recovered.
type EventListener interface {
	OnEvent(ctx context.Context, ev Event)
}

// EventListenerFunc adapts a function to EventListener.
type EventListenerFunc func(ctx context.Context, ev Event)

func (f EventListenerFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }

func supportsAny(supports func(Credential) bool, creds []Credential) bool {
	for _, c := range creds {
		if supports(c) {
			return true
		}
	}
	return false
}
