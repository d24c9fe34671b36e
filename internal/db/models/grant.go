package models

import (
	"time"

	"github.com/uptrace/bun"
)

// ServiceGrant allows a registered service to use a handler, in addition to
// the handlers its configuration allows. Handler "*" grants every handler.
type ServiceGrant struct {
	bun.BaseModel `bun:"table:service_grants,alias:sg"`

	// composite primary key, one row per (service, handler)
	Service   string    `bun:"service,pk,type:varchar(255)"`
	Handler   string    `bun:"handler,pk,type:varchar(255)"`
	GrantedAt time.Time `bun:"granted_at,notnull,default:current_timestamp"`
}
