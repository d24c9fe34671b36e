package principal

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casidp/authn/internal/db/bunx"
	"github.com/casidp/authn/internal/db/models"
	"github.com/casidp/authn/internal/migrations"
	"github.com/casidp/authn/internal/repository"
	"github.com/casidp/authn/internal/services/authn"
)

type countingSource struct {
	users   map[string]map[string][]string
	lookups int
	err     error
}

func (s *countingSource) GetByUsername(_ context.Context, username string) (*models.User, error) {
	s.lookups++
	if s.err != nil {
		return nil, s.err
	}
	if _, ok := s.users[username]; !ok {
		return nil, fmt.Errorf("user %s: %w", username, repository.ErrNotFound)
	}
	return &models.User{ID: "id-" + username, Username: username}, nil
}

func (s *countingSource) Attributes(_ context.Context, userID string) (map[string][]string, error) {
	return s.users[userID[len("id-"):]], nil
}

func handlerResult(id string, attrs authn.Attributes) *authn.HandlerResult {
	return &authn.HandlerResult{HandlerName: "h", Principal: authn.NewPrincipal(id, attrs)}
}

func TestResolver_MergesAttributes(t *testing.T) {
	src := &countingSource{users: map[string]map[string][]string{
		"casuser": {"memberOf": {"staff", "faculty"}},
	}}
	r := NewAttributeRepositoryResolver(src, Options{})

	p, err := r.Resolve(context.Background(), &authn.UsernamePasswordCredential{Username: "casuser"},
		handlerResult("casuser", authn.Attributes{"memberOf": {"staff"}, "mail": {"cas@example.org"}}), nil)
	require.NoError(t, err)
	assert.Equal(t, "casuser", p.ID)
	assert.Equal(t, []any{"staff", "faculty"}, p.Attributes.Values("memberOf"))
	assert.Equal(t, []any{"cas@example.org"}, p.Attributes.Values("mail"))
}

func TestResolver_MissingAccount(t *testing.T) {
	src := &countingSource{users: map[string]map[string][]string{}}
	cred := &authn.UsernamePasswordCredential{Username: "ghost"}

	p, err := NewAttributeRepositoryResolver(src, Options{}).Resolve(context.Background(), cred, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ghost", p.ID)
	assert.Empty(t, p.Attributes)

	_, err = NewAttributeRepositoryResolver(src, Options{RequireAccount: true}).Resolve(context.Background(), cred, nil, nil)
	assert.ErrorIs(t, err, authn.ErrUnresolvedPrincipal)
}

func TestResolver_Caches(t *testing.T) {
	src := &countingSource{users: map[string]map[string][]string{"casuser": {"k": {"v"}}}}
	r := NewAttributeRepositoryResolver(src, Options{CacheSize: 8})
	ctx := context.Background()
	cred := &authn.UsernamePasswordCredential{Username: "casuser"}

	for i := 0; i < 3; i++ {
		p, err := r.Resolve(ctx, cred, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, []any{"v"}, p.Attributes.Values("k"))
	}
	assert.Equal(t, 1, src.lookups)

	// negative lookups are cached too
	for i := 0; i < 2; i++ {
		_, err := r.Resolve(ctx, &authn.UsernamePasswordCredential{Username: "ghost"}, nil, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, src.lookups)

	r.Invalidate("casuser")
	_, err := r.Resolve(ctx, cred, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, src.lookups)
}

func TestResolver_SourceError(t *testing.T) {
	r := NewAttributeRepositoryResolver(&countingSource{err: errors.New("db down")}, Options{CacheSize: 8})
	_, err := r.Resolve(context.Background(), &authn.UsernamePasswordCredential{Username: "casuser"}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")

	_, err = r.Resolve(context.Background(), &authn.TokenCredential{}, &authn.HandlerResult{}, nil)
	assert.ErrorIs(t, err, authn.ErrUnresolvedPrincipal)
}

func TestResolver_InEngineWithRepository(t *testing.T) {
	db, err := bunx.NewDB(":memory:", 0)
	require.NoError(t, err)
	defer bunx.Close(db)

	ctx := context.Background()
	_, err = migrations.Apply(ctx, db)
	require.NoError(t, err)

	repo := repository.NewBunUserRepository(db)
	user := &models.User{Username: "casuser", PasswordHash: "x"}
	require.NoError(t, repo.Create(ctx, user))
	require.NoError(t, repo.AddAttribute(ctx, user.ID, "memberOf", "staff"))

	plan := authn.NewExecutionPlan()
	require.NoError(t, plan.RegisterHandlerWithResolver(acceptAll{}, NewAttributeRepositoryResolver(repo, Options{CacheSize: 4})))

	tx := authn.DefaultTransactionFactory{}.NewTransaction(nil, &authn.UsernamePasswordCredential{Username: "casuser", Password: "x"})
	auth, err := authn.NewManager(plan, authn.ManagerConfig{PrincipalResolutionFailureFatal: true}).Authenticate(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, "casuser", auth.Principal().ID)
	assert.Equal(t, []any{"staff"}, auth.Principal().Attributes.Values("memberOf"))
}

type acceptAll struct{}

func (acceptAll) Name() string                     { return "acceptAll" }
func (acceptAll) State() authn.HandlerState        { return authn.HandlerStateActive }
func (acceptAll) Supports(c authn.Credential) bool { return true }
func (a acceptAll) Authenticate(_ context.Context, c authn.Credential, _ *authn.Service) (*authn.HandlerResult, error) {
	return authn.NewHandlerResult(a, authn.NewPrincipal(c.ID(), nil)), nil
}
