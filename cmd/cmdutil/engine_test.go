package cmdutil

import (
	"context"
	"crypto/sha1"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/casidp/authn/internal/config"
	"github.com/casidp/authn/internal/db/bunx"
	"github.com/casidp/authn/internal/db/models"
	"github.com/casidp/authn/internal/handlers/otp"
	"github.com/casidp/authn/internal/migrations"
	"github.com/casidp/authn/internal/repository"
	"github.com/casidp/authn/internal/services/authn"
)

func baseConfig() *config.Config {
	return &config.Config{
		Logging: config.LoggingConfig{Level: "INFO", Format: "text", Output: "stderr"},
		Engine: config.EngineConfig{
			Populators:                []string{"client_info", "credential_type", "remember_me", "successful_handlers"},
			CredentialSourceSelection: true,
			AttributeCacheSize:        16,
		},
	}
}

func staticHandler(name string, users map[string]any) config.HandlerConfig {
	return config.HandlerConfig{
		Name:              name,
		Type:              config.HandlerTypeAcceptUsers,
		PrincipalResolver: "echo",
		Options:           map[string]any{"users": users},
	}
}

func newEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	require.NoError(t, config.Validate(cfg))
	e, err := NewEngine(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func login(username, password string) *authn.UsernamePasswordCredential {
	return &authn.UsernamePasswordCredential{Username: username, Password: password}
}

func authenticate(e *Engine, svc *authn.Service, creds ...authn.Credential) (*authn.Authentication, *authn.Transaction, error) {
	tx := authn.DefaultTransactionFactory{}.NewTransaction(svc, creds...)
	auth, err := e.Manager.Authenticate(context.Background(), tx)
	return auth, tx, err
}

func TestNewEngine_StaticHandlers(t *testing.T) {
	cfg := baseConfig()
	cfg.Handlers = []config.HandlerConfig{
		staticHandler("primary", map[string]any{"casuser": "Mellon"}),
		staticHandler("secondary", map[string]any{"casuser": "Mellon", "bob": "builder"}),
	}
	e := newEngine(t, cfg)

	names := make([]string, 0, len(e.Plan.Handlers()))
	for _, reg := range e.Plan.Handlers() {
		names = append(names, reg.Handler.Name())
		assert.Equal(t, "EchoingPrincipalResolver", reg.Resolver.Name())
	}
	assert.Equal(t, []string{"primary", "secondary"}, names)
	assert.Len(t, e.Plan.MetadataPopulators(), 4)
	require.Len(t, e.Plan.HandlerResolvers(), 1)
	assert.Empty(t, e.Plan.PolicyResolvers())

	auth, _, err := authenticate(e, nil, login("bob", "builder"))
	require.NoError(t, err)
	assert.Equal(t, "bob", auth.Principal().ID)
	assert.Equal(t, []string{"secondary"}, auth.SuccessNames())

	_, _, err = authenticate(e, nil, login("bob", "wrong"))
	require.Error(t, err)
	var authErr *authn.AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.True(t, authErr.HasFailureKind(authn.FailureFailedLogin))
	assert.True(t, authErr.HasFailureKind(authn.FailureAccountNotFound))
}

func TestNewEngine_TOTPHandler(t *testing.T) {
	cfg := baseConfig()
	cfg.Handlers = []config.HandlerConfig{
		staticHandler("primary", map[string]any{"casuser": "Mellon"}),
		{
			Name:              "mfa",
			Type:              config.HandlerTypeTOTP,
			PrincipalResolver: "echo",
			Options:           map[string]any{"secrets": map[string]any{"casuser": "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"}},
		},
	}
	e := newEngine(t, cfg)

	code := otp.Code(sha1.New, []byte("12345678901234567890"), time.Now().Unix()/30, 6)
	auth, _, err := authenticate(e, nil, &authn.OneTimePasswordCredential{UserID: "casuser", Code: code})
	require.NoError(t, err)
	assert.Equal(t, "casuser", auth.Principal().ID)
	assert.Equal(t, []string{"mfa"}, auth.SuccessNames())

	_, _, err = authenticate(e, nil, &authn.OneTimePasswordCredential{UserID: "casuser", Code: code})
	require.Error(t, err)
	var authErr *authn.AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.True(t, authErr.HasFailureKind(authn.FailureFailedLogin))
}

func TestNewEngine_ServicesAndPolicies(t *testing.T) {
	cfg := baseConfig()
	cfg.Handlers = []config.HandlerConfig{
		staticHandler("primary", map[string]any{"casuser": "Mellon"}),
		staticHandler("mfa", map[string]any{"casuser": "Mellon"}),
	}
	cfg.Handlers[1].State = "standby"
	cfg.Policies = []config.PolicyConfig{
		{Name: "need-mfa", Type: config.PolicyTypeRequiredHandler, Handlers: []string{"mfa"}},
		{Name: "casuser-only", Type: config.PolicyTypeExpression, Expression: `principal_id == "casuser"`},
		{Name: "internal", Type: config.PolicyTypeAll, When: `client_ip matches "^10[.]"`, Advisory: true},
	}
	cfg.Services = []config.ServiceConfig{
		{Name: "admin", Pattern: `^https://admin\.example\.com/.*`, AllowedHandlers: []string{"mfa"}, Policies: []string{"need-mfa"}},
		{Name: "web", Pattern: `^https://[^/]*\.example\.com/.*`, Policies: []string{"casuser-only"}},
	}
	e := newEngine(t, cfg)

	policies := make([]string, 0, 3)
	for _, p := range e.Plan.Policies() {
		policies = append(policies, p.Name())
	}
	assert.Equal(t, []string{"need-mfa", "casuser-only", "internal"}, policies)
	require.Len(t, e.Plan.PolicyResolvers(), 1)
	assert.Equal(t, "ConditionalPolicyResolver", e.Plan.PolicyResolvers()[0].Name())
	require.Len(t, e.Plan.HandlerResolvers(), 2)

	auth, _, err := authenticate(e, &authn.Service{ID: "https://admin.example.com/console"}, login("casuser", "Mellon"))
	require.NoError(t, err)
	assert.Equal(t, []string{"mfa"}, auth.SuccessNames())

	auth, _, err = authenticate(e, &authn.Service{ID: "https://app.example.com/"}, login("casuser", "Mellon"))
	require.NoError(t, err)
	assert.Equal(t, []string{"primary"}, auth.SuccessNames())
}

func TestNewEngine_InvalidPolicyExpression(t *testing.T) {
	cfg := baseConfig()
	cfg.Handlers = []config.HandlerConfig{staticHandler("primary", map[string]any{"casuser": "Mellon"})}
	cfg.Policies = []config.PolicyConfig{{Name: "broken", Type: config.PolicyTypeExpression, Expression: `principal_id ==`}}
	require.NoError(t, config.Validate(cfg))

	e, err := NewEngine(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, e)
	assert.Contains(t, err.Error(), "compile expression")
}

func TestNewEngine_DatabaseHandlerWithAudit(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig()
	cfg.DatabaseURL = ":memory:"
	cfg.Audit.Enabled = true
	cfg.Handlers = []config.HandlerConfig{{
		Name:              "db",
		Type:              config.HandlerTypeDatabase,
		PrincipalResolver: "attribute_repository",
	}}
	e := newEngine(t, cfg)

	_, err := migrations.Apply(ctx, e.DB)
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte("Mellon"), bcrypt.MinCost)
	require.NoError(t, err)
	users := repository.NewBunUserRepository(e.DB)
	user := &models.User{Username: "casuser", Email: "casuser@example.com", PasswordHash: string(hash)}
	require.NoError(t, users.Create(ctx, user))
	require.NoError(t, users.AddAttribute(ctx, user.ID, "memberOf", "admins"))

	auth, tx, err := authenticate(e, nil, login("casuser", "Mellon"))
	require.NoError(t, err)
	p := auth.Principal()
	assert.Equal(t, "casuser", p.ID)
	assert.Equal(t, []any{"admins"}, p.Attributes["memberOf"])
	assert.Equal(t, []any{"casuser@example.com"}, p.Attributes["mail"])

	events := repository.NewBunAuthenticationEventRepository(e.DB)
	rows, err := events.ListByTransaction(ctx, tx.ID())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, string(authn.EventTransactionSucceeded), rows[0].Type)
	assert.True(t, rows[0].Success)

	_, tx, err = authenticate(e, nil, login("casuser", "wrong"))
	require.Error(t, err)
	rows, err = events.ListByTransaction(ctx, tx.ID())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, string(authn.EventHandlerFailed), rows[0].Type)
	assert.Equal(t, string(authn.EventTransactionFailed), rows[1].Type)
}

func TestNewEngine_DatabaseGrants(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "authn.db")

	db, err := bunx.NewDB(dsn, 0)
	require.NoError(t, err)
	_, err = migrations.Apply(ctx, db)
	require.NoError(t, err)
	require.NoError(t, repository.NewBunGrantAdapter(db).Grant(ctx, "admin", "primary"))
	require.NoError(t, bunx.Close(db))

	cfg := baseConfig()
	cfg.DatabaseURL = dsn
	cfg.Engine.DatabaseGrants = true
	cfg.Handlers = []config.HandlerConfig{
		staticHandler("primary", map[string]any{"casuser": "Mellon"}),
		staticHandler("mfa", map[string]any{"casuser": "Mellon"}),
		staticHandler("other", map[string]any{"casuser": "Mellon"}),
	}
	cfg.Services = []config.ServiceConfig{
		{Name: "admin", Pattern: `^https://admin\.example\.com/.*`, AllowedHandlers: []string{"mfa"}},
	}
	e := newEngine(t, cfg)
	require.NotNil(t, e.Whitelist)

	admin := &authn.Service{ID: "https://admin.example.com/"}
	auth, _, err := authenticate(e, admin, login("casuser", "Mellon"))
	require.NoError(t, err)
	assert.Equal(t, []string{"primary", "mfa"}, auth.SuccessNames())

	require.NoError(t, repository.NewBunGrantAdapter(e.DB).Grant(ctx, "admin", "other"))
	require.NoError(t, e.Whitelist.Reload())
	auth, _, err = authenticate(e, admin, login("casuser", "Mellon"))
	require.NoError(t, err)
	assert.Equal(t, []string{"primary", "mfa", "other"}, auth.SuccessNames())
}

func TestNewEngine_Throttle(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := baseConfig()
	cfg.Handlers = []config.HandlerConfig{staticHandler("primary", map[string]any{"casuser": "Mellon"})}
	cfg.Throttle = config.ThrottleConfig{Enabled: true, RedisAddr: mr.Addr(), Threshold: 2, Window: time.Minute}
	e := newEngine(t, cfg)
	require.NotNil(t, e.Throttle)
	require.Len(t, e.Plan.PreProcessors(), 1)

	for i := 0; i < 2; i++ {
		_, _, err := authenticate(e, nil, login("casuser", "wrong"))
		require.Error(t, err)
	}

	_, _, err := authenticate(e, nil, login("casuser", "Mellon"))
	require.Error(t, err)
	var authErr *authn.AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, authn.ReasonRejected, authErr.Reason)

	mr.FastForward(2 * time.Minute)
	_, _, err = authenticate(e, nil, login("casuser", "Mellon"))
	assert.NoError(t, err)
}

func TestBuildPopulators_Unknown(t *testing.T) {
	_, err := buildPopulators([]string{"client_info", "geo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"geo"`)
}
