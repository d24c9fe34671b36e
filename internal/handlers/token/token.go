// Package token authenticates bearer JWTs signed with a shared HMAC secret or
// a key from a JWKS document.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/casidp/authn/internal/services/authn"
)

// Options mirror the jwt handler options.
type Options struct {
	Issuer         string        `mapstructure:"issuer"`
	Audience       string        `mapstructure:"audience"`
	HMACSecret     string        `mapstructure:"hmac_secret"`
	JWKSFile       string        `mapstructure:"jwks_file"`
	PrincipalClaim string        `mapstructure:"principal_claim"`
	GroupsClaim    string        `mapstructure:"groups_claim"`
	GroupsPath     string        `mapstructure:"groups_claim_path"`
	Leeway         time.Duration `mapstructure:"leeway"`
}

// Denylist reports revoked token ids.
type Denylist interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Handler validates TokenCredentials.
type Handler struct {
	name     string
	state    authn.HandlerState
	opts     Options
	keys     *jose.JSONWebKeySet
	denylist Denylist
	parser   *jwt.Parser
}

// New creates a token handler. denylist may be nil.
func New(name string, state authn.HandlerState, opts Options, denylist Denylist) (*Handler, error) {
	if state == "" {
		state = authn.HandlerStateActive
	}
	if opts.PrincipalClaim == "" {
		opts.PrincipalClaim = "sub"
	}

	h := &Handler{name: name, state: state, opts: opts, denylist: denylist}

	var methods []string
	switch {
	case opts.HMACSecret != "" && opts.JWKSFile != "":
		return nil, fmt.Errorf("token handler %s: hmac_secret and jwks_file are exclusive", name)
	case opts.HMACSecret != "":
		methods = []string{"HS256", "HS384", "HS512"}
	case opts.JWKSFile != "":
		keys, err := loadKeySet(opts.JWKSFile)
		if err != nil {
			return nil, fmt.Errorf("token handler %s: %w", name, err)
		}
		h.keys = keys
		methods = []string{"RS256", "RS384", "RS512", "PS256", "ES256", "ES384", "EdDSA"}
	default:
		return nil, fmt.Errorf("token handler %s: no verification key configured", name)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(opts.Leeway),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	h.parser = jwt.NewParser(parserOpts...)
	return h, nil
}

func loadKeySet(path string) (*jose.JSONWebKeySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwks: %w", err)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	if len(set.Keys) == 0 {
		return nil, fmt.Errorf("jwks %s has no keys", path)
	}
	return &set, nil
}

func (h *Handler) Name() string              { return h.name }
func (h *Handler) State() authn.HandlerState { return h.state }

func (h *Handler) Supports(c authn.Credential) bool {
	_, ok := c.(*authn.TokenCredential)
	return ok
}

func (h *Handler) Authenticate(ctx context.Context, c authn.Credential, _ *authn.Service) (*authn.HandlerResult, error) {
	tc, ok := c.(*authn.TokenCredential)
	if !ok {
		return nil, fmt.Errorf("unsupported credential %s: %w", c.Type(), authn.ErrPrevented)
	}

	claims := jwt.MapClaims{}
	if _, err := h.parser.ParseWithClaims(tc.Token, claims, h.keyFunc); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token expired: %w", authn.ErrFailedLogin)
		}
		return nil, fmt.Errorf("invalid token: %v: %w", err, authn.ErrFailedLogin)
	}

	if jti, _ := claims["jti"].(string); jti != "" && h.denylist != nil {
		revoked, err := h.denylist.IsRevoked(ctx, jti)
		if err != nil {
			return nil, fmt.Errorf("check revocation: %w: %w", authn.ErrPrevented, err)
		}
		if revoked {
			return nil, fmt.Errorf("token %s revoked: %w", jti, authn.ErrFailedLogin)
		}
	}

	id, err := ExtractClaimString(claims, h.opts.PrincipalClaim)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, authn.ErrAccountNotFound)
	}

	attrs := claimAttributes(claims)
	if h.opts.GroupsClaim != "" {
		groups, err := ExtractGroups(claims, h.opts.GroupsClaim, h.opts.GroupsPath)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, authn.ErrFailedLogin)
		}
		values := make([]any, 0, len(groups))
		for _, g := range groups {
			values = append(values, g)
		}
		attrs["memberOf"] = values
	}

	return authn.NewHandlerResult(h, authn.NewPrincipal(id, attrs)), nil
}

func (h *Handler) keyFunc(t *jwt.Token) (any, error) {
	if h.keys == nil {
		return []byte(h.opts.HMACSecret), nil
	}

	kid, _ := t.Header["kid"].(string)
	var candidates []jose.JSONWebKey
	if kid != "" {
		candidates = h.keys.Key(kid)
	} else if len(h.keys.Keys) == 1 {
		candidates = h.keys.Keys
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no key for kid %q", kid)
	}

	key := candidates[0]
	if !key.IsPublic() {
		key = key.Public()
	}
	return key.Key, nil
}
