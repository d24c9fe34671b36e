package models

import (
	"time"

	"github.com/uptrace/bun"
)

// AuthenticationEvent is one audit row written for a finished transaction
// or a noteworthy step within it.
type AuthenticationEvent struct {
	bun.BaseModel `bun:"table:authentication_events,alias:ae"`

	ID            string    `bun:"id,pk,type:varchar(36)"`
	TransactionID string    `bun:"transaction_id,notnull"`
	Type          string    `bun:"type,notnull"`
	ServiceID     string    `bun:"service_id"`
	PrincipalID   string    `bun:"principal_id"`
	Handler       string    `bun:"handler"`
	FailureKind   string    `bun:"failure_kind"`
	Success       bool      `bun:"success,notnull,default:false"`
	ClientIP      string    `bun:"client_ip"`
	Payload       string    `bun:"payload,type:text"` // JSON
	CreatedAt     time.Time `bun:"created_at,notnull,default:current_timestamp"`
}
