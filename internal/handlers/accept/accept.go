// Package accept implements a handler that checks usernames and passwords
// against a static map taken from configuration.
package accept

import (
	"context"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/casidp/authn/internal/services/authn"
)

// Options mirror the accept_users handler options.
type Options struct {
	// Users maps username to secret.
	Users map[string]string `mapstructure:"users"`
	// BCrypt marks the secrets as bcrypt hashes instead of plaintext.
	BCrypt bool `mapstructure:"bcrypt"`
}

// Handler is the static accept-users handler.
type Handler struct {
	name  string
	state authn.HandlerState
	opts  Options
}

// New creates a handler. An empty state means active.
func New(name string, state authn.HandlerState, opts Options) (*Handler, error) {
	if len(opts.Users) == 0 {
		return nil, fmt.Errorf("accept handler %s: no users configured", name)
	}
	if state == "" {
		state = authn.HandlerStateActive
	}
	users := make(map[string]string, len(opts.Users))
	for u, s := range opts.Users {
		users[u] = s
	}
	opts.Users = users
	return &Handler{name: name, state: state, opts: opts}, nil
}

func (h *Handler) Name() string              { return h.name }
func (h *Handler) State() authn.HandlerState { return h.state }

func (h *Handler) Supports(c authn.Credential) bool {
	_, ok := authn.AsUsernamePassword(c)
	return ok
}

func (h *Handler) Authenticate(_ context.Context, c authn.Credential, _ *authn.Service) (*authn.HandlerResult, error) {
	up, ok := authn.AsUsernamePassword(c)
	if !ok {
		return nil, fmt.Errorf("unsupported credential %s: %w", c.Type(), authn.ErrPrevented)
	}

	secret, found := h.opts.Users[up.Username]
	if !found {
		return nil, fmt.Errorf("user %s: %w", up.Username, authn.ErrAccountNotFound)
	}
	if !h.matches(secret, up.Password) {
		return nil, fmt.Errorf("user %s: %w", up.Username, authn.ErrFailedLogin)
	}

	return authn.NewHandlerResult(h, authn.NewPrincipal(up.Username, nil)), nil
}

func (h *Handler) matches(secret, password string) bool {
	if h.opts.BCrypt {
		return bcrypt.CompareHashAndPassword([]byte(secret), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(password)) == 1
}
