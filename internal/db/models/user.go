package models

import (
	"time"

	"github.com/uptrace/bun"
)

// User is a locally stored account checked by the database handler.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID                 string     `bun:"id,pk,type:varchar(36)"`
	Username           string     `bun:"username,notnull,unique"`
	Email              string     `bun:"email"`
	Name               string     `bun:"name"`
	PasswordHash       string     `bun:"password_hash,notnull"` // bcrypt
	MustChangePassword bool       `bun:"must_change_password,notnull,default:false"`
	PasswordChangedAt  time.Time  `bun:"password_changed_at,notnull,default:current_timestamp"`
	CreatedAt          time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt          time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
	LastLoginAt        *time.Time `bun:"last_login_at"`
	DisabledAt         *time.Time `bun:"disabled_at"`
}

// Disabled reports whether the account has been switched off.
func (u *User) Disabled() bool {
	return u != nil && u.DisabledAt != nil
}

// UserAttribute is one value of a multi-valued principal attribute.
type UserAttribute struct {
	bun.BaseModel `bun:"table:user_attributes,alias:ua"`

	ID        string    `bun:"id,pk,type:varchar(36)"`
	UserID    string    `bun:"user_id,notnull,type:varchar(36)"` // FK to users(id)
	Name      string    `bun:"name,notnull"`
	Value     string    `bun:"value,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// RevokedJTI denylists bearer tokens by their jti claim.
type RevokedJTI struct {
	bun.BaseModel `bun:"table:revoked_jti,alias:rjti"`

	JTI       string    `bun:"jti,pk"`
	Subject   string    `bun:"subject,notnull"`
	Exp       time.Time `bun:"exp,notnull"` // token expiry, for cleanup
	RevokedAt time.Time `bun:"revoked_at,notnull,default:current_timestamp"`
}
