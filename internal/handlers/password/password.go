// Package password verifies username and password credentials against the
// local user table.
package password

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/casidp/authn/internal/db/models"
	"github.com/casidp/authn/internal/logger"
	"github.com/casidp/authn/internal/repository"
	"github.com/casidp/authn/internal/services/authn"
)

// expiryWarning is how long before expiry a password starts producing warnings.
const expiryWarning = 7 * 24 * time.Hour

// Users is the slice of the user repository the handler needs.
type Users interface {
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id string) error
}

// Options mirror the database handler options.
type Options struct {
	// PasswordMaxAge forces a password change once exceeded. Zero disables it.
	PasswordMaxAge time.Duration `mapstructure:"password_max_age"`
}

// Handler checks bcrypt password hashes stored by the repository layer.
type Handler struct {
	name  string
	state authn.HandlerState
	users Users
	opts  Options
	now   func() time.Time
}

// New creates a database-backed password handler.
func New(name string, state authn.HandlerState, users Users, opts Options) *Handler {
	if state == "" {
		state = authn.HandlerStateActive
	}
	return &Handler{name: name, state: state, users: users, opts: opts, now: time.Now}
}

func (h *Handler) Name() string              { return h.name }
func (h *Handler) State() authn.HandlerState { return h.state }

func (h *Handler) Supports(c authn.Credential) bool {
	_, ok := authn.AsUsernamePassword(c)
	return ok
}

func (h *Handler) Authenticate(ctx context.Context, c authn.Credential, _ *authn.Service) (*authn.HandlerResult, error) {
	up, ok := authn.AsUsernamePassword(c)
	if !ok {
		return nil, fmt.Errorf("unsupported credential %s: %w", c.Type(), authn.ErrPrevented)
	}

	user, err := h.users.GetByUsername(ctx, up.Username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("user %s: %w", up.Username, authn.ErrAccountNotFound)
		}
		return nil, fmt.Errorf("lookup user %s: %w: %w", up.Username, authn.ErrPrevented, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(up.Password)); err != nil {
		return nil, fmt.Errorf("user %s: %w", up.Username, authn.ErrFailedLogin)
	}

	// account state is only disclosed to callers who know the password
	if user.Disabled() {
		return nil, fmt.Errorf("user %s: %w", up.Username, authn.ErrAccountDisabled)
	}
	if user.MustChangePassword || h.expired(user) {
		return nil, fmt.Errorf("user %s: %w", up.Username, authn.ErrPasswordMustChange)
	}

	var warnings []string
	if w := h.expiryWarning(user); w != "" {
		warnings = append(warnings, w)
	}
	if err := h.users.UpdateLastLogin(ctx, user.ID); err != nil {
		logger.WarnCtx(ctx, "failed to record last login", logger.KeyHandler, h.name, logger.Err(err))
	}

	return authn.NewHandlerResult(h, authn.NewPrincipal(user.Username, userAttributes(user)), warnings...), nil
}

func (h *Handler) expired(u *models.User) bool {
	if h.opts.PasswordMaxAge <= 0 {
		return false
	}
	return h.now().After(u.PasswordChangedAt.Add(h.opts.PasswordMaxAge))
}

func (h *Handler) expiryWarning(u *models.User) string {
	if h.opts.PasswordMaxAge <= 0 {
		return ""
	}
	left := u.PasswordChangedAt.Add(h.opts.PasswordMaxAge).Sub(h.now())
	if left > expiryWarning {
		return ""
	}
	days := int(left.Hours()/24) + 1
	return fmt.Sprintf("password expires in %d day(s)", days)
}

func userAttributes(u *models.User) authn.Attributes {
	attrs := authn.Attributes{"uid": {u.ID}}
	if u.Email != "" {
		attrs["mail"] = []any{u.Email}
	}
	if u.Name != "" {
		attrs["cn"] = []any{u.Name}
	}
	return attrs
}
