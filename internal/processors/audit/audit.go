// Package audit persists authentication outcomes to the authentication_events
// table.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/casidp/authn/internal/db/models"
	"github.com/casidp/authn/internal/logger"
	"github.com/casidp/authn/internal/services/authn"
)

// Store is the slice of the event repository the auditor writes to.
type Store interface {
	Create(ctx context.Context, event *models.AuthenticationEvent) error
}

// Auditor writes one row per successful authentication (as a post-processor)
// and one row per failed handler attempt or failed transaction (as a listener).
type Auditor struct {
	store Store
}

// New creates an auditor.
func New(store Store) *Auditor {
	return &Auditor{store: store}
}

func (a *Auditor) Name() string                     { return "AuditTrail" }
func (a *Auditor) Supports(c authn.Credential) bool { return true }

// Process records a successful authentication with its full record as payload.
func (a *Auditor) Process(ctx context.Context, auth *authn.Authentication, tx *authn.Transaction) error {
	payload, err := json.Marshal(auth.Record())
	if err != nil {
		return fmt.Errorf("encode authentication record: %w", err)
	}

	event := a.newEvent(ctx, tx, authn.EventTransactionSucceeded)
	event.Success = true
	event.PrincipalID = auth.Principal().ID
	event.Payload = string(payload)
	if names := auth.SuccessNames(); len(names) > 0 {
		event.Handler = names[0]
	}

	if err := a.store.Create(ctx, event); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// OnEvent records failures. Successful transactions are written by Process.
func (a *Auditor) OnEvent(ctx context.Context, ev authn.Event) {
	var event *models.AuthenticationEvent

	switch ev.Type {
	case authn.EventHandlerFailed:
		event = a.newEvent(ctx, ev.Transaction, ev.Type)
		event.Handler = ev.Handler
		if ev.Failure != nil {
			event.FailureKind = string(ev.Failure.Kind)
			event.Payload = encode(ev.Failure)
		}
		if ev.Credential != nil {
			event.PrincipalID = ev.Credential.ID()
		}
	case authn.EventTransactionFailed:
		event = a.newEvent(ctx, ev.Transaction, ev.Type)
		if ev.Err != nil {
			event.FailureKind = string(ev.Err.Reason)
			event.Payload = encode(struct {
				Reason   authn.Reason             `json:"reason"`
				Message  string                   `json:"message"`
				Failures map[string]authn.Failure `json:"failures"`
			}{ev.Err.Reason, ev.Err.Message, ev.Err.Failures()})
		}
	default:
		return
	}

	if err := a.store.Create(ctx, event); err != nil {
		logger.WarnCtx(ctx, "failed to write audit event", logger.KeyProcessor, a.Name(), logger.Err(err))
	}
}

func (a *Auditor) newEvent(ctx context.Context, tx *authn.Transaction, typ authn.EventType) *models.AuthenticationEvent {
	event := &models.AuthenticationEvent{Type: string(typ)}
	if tx != nil {
		event.TransactionID = tx.ID()
		if svc := tx.Service(); svc != nil {
			event.ServiceID = svc.ID
		}
	}
	if ci, ok := authn.ClientInfoFromContext(ctx); ok {
		event.ClientIP = ci.ClientIP
	}
	return event
}

func encode(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
