package repository

import (
	"context"
	"errors"
	"time"

	"github.com/casidp/authn/internal/db/models"
)

// ErrNotFound is wrapped by every lookup that matched no row.
var ErrNotFound = errors.New("not found")

// UserRepository exposes persistence operations for local accounts.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	Update(ctx context.Context, user *models.User) error
	UpdateLastLogin(ctx context.Context, id string) error
	SetPasswordHash(ctx context.Context, id string, passwordHash string) error
	List(ctx context.Context) ([]models.User, error)

	// Attributes
	AddAttribute(ctx context.Context, userID, name, value string) error
	RemoveAttribute(ctx context.Context, userID, name, value string) error
	Attributes(ctx context.Context, userID string) (map[string][]string, error)
}

// RevokedJTIRepository manages the bearer token denylist.
type RevokedJTIRepository interface {
	Create(ctx context.Context, revoked *models.RevokedJTI) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	DeleteExpired(ctx context.Context, gracePeriod time.Duration) error
}

// AuthenticationEventRepository stores the audit trail.
type AuthenticationEventRepository interface {
	Create(ctx context.Context, event *models.AuthenticationEvent) error
	ListByTransaction(ctx context.Context, transactionID string) ([]models.AuthenticationEvent, error)
	ListByPrincipal(ctx context.Context, principalID string, limit int) ([]models.AuthenticationEvent, error)
}

// ServiceGrantRepository manages handler grants stored outside configuration.
type ServiceGrantRepository interface {
	Grant(ctx context.Context, service, handler string) error
	Revoke(ctx context.Context, service, handler string) error
	List(ctx context.Context) ([]models.ServiceGrant, error)
}
