package authn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authError(t *testing.T, err error) *AuthenticationError {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrAuthentication)
	var authErr *AuthenticationError
	require.True(t, errors.As(err, &authErr), "expected *AuthenticationError, got %T", err)
	require.NotEmpty(t, authErr.Failures())
	return authErr
}

func TestAuthenticate_DefaultConfigurationSucceeds(t *testing.T) {
	h := succeeding("H1")
	mgr := NewManager(newPlan(h), ManagerConfig{})

	auth, err := mgr.Authenticate(context.Background(), newTx(upc("casuser")))
	require.NoError(t, err)

	assert.Equal(t, "casuser", auth.Principal().ID)
	assert.Equal(t, []string{"H1"}, auth.SuccessNames())
	assert.Empty(t, auth.Failures())
	assert.Len(t, auth.Credentials(), 1)
	assert.Equal(t, []any{"H1"}, auth.Attributes()[AttributeAuthenticationMethod])
}

func TestAuthenticate_EveryHandlerFails(t *testing.T) {
	mgr := NewManager(newPlan(
		failing("H1", ErrFailedLogin),
		failing("H2", fmt.Errorf("lookup casuser: %w", ErrAccountNotFound)),
		failing("H3", ErrAccountDisabled),
	), ManagerConfig{})

	_, err := mgr.Authenticate(context.Background(), newTx(upc("casuser")))
	authErr := authError(t, err)

	assert.Equal(t, ReasonNoSuccess, authErr.Reason)
	assert.Equal(t, []string{"H1", "H2", "H3"}, authErr.FailureNames())
	failures := authErr.Failures()
	assert.Equal(t, FailureFailedLogin, failures["H1"].Kind)
	assert.Equal(t, FailureAccountNotFound, failures["H2"].Kind)
	assert.Equal(t, FailureAccountDisabled, failures["H3"].Kind)
}

func TestAuthenticate_DefaultAttemptsEveryCandidate(t *testing.T) {
	h1 := succeeding("H1")
	h2 := failing("H2", ErrFailedLogin)
	mgr := NewManager(newPlan(h1, h2), ManagerConfig{})

	auth, err := mgr.Authenticate(context.Background(), newTx(upc("casuser")))
	require.NoError(t, err)

	assert.Equal(t, int64(1), h2.authCalls.Load())
	assert.Equal(t, []string{"H1"}, auth.SuccessNames())
	assert.Equal(t, []string{"H2"}, auth.FailureNames())
}

func TestAuthenticate_AtLeastOne(t *testing.T) {
	tests := []struct {
		name          string
		tryAll        bool
		handlers      func() (*testHandler, *testHandler)
		wantSuccesses []string
		wantFailures  []string
		wantH2Calls   int64
	}{
		{
			name:          "fail then succeed records both",
			handlers:      func() (*testHandler, *testHandler) { return failing("H1", ErrFailedLogin), succeeding("H2") },
			wantSuccesses: []string{"H2"},
			wantFailures:  []string{"H1"},
			wantH2Calls:   1,
		},
		{
			name:          "stops at first success",
			handlers:      func() (*testHandler, *testHandler) { return succeeding("H1"), failing("H2", ErrFailedLogin) },
			wantSuccesses: []string{"H1"},
			wantFailures:  nil,
			wantH2Calls:   0,
		},
		{
			name:          "try all keeps going after success",
			tryAll:        true,
			handlers:      func() (*testHandler, *testHandler) { return succeeding("H1"), failing("H2", ErrFailedLogin) },
			wantSuccesses: []string{"H1"},
			wantFailures:  []string{"H2"},
			wantH2Calls:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h1, h2 := tt.handlers()
			plan := newPlan(h1, h2)
			require.NoError(t, plan.RegisterPolicies(AtLeastOnePolicy{TryAllHandlers: tt.tryAll}))

			auth, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
			require.NoError(t, err)

			assert.Equal(t, tt.wantSuccesses, auth.SuccessNames())
			assert.Equal(t, tt.wantFailures, auth.FailureNames())
			assert.Equal(t, tt.wantH2Calls, h2.authCalls.Load())
		})
	}
}

func TestAuthenticate_AtLeastOne_TwoCredentials(t *testing.T) {
	plan := newPlan(succeeding("H1"), failing("H2", ErrFailedLogin))
	require.NoError(t, plan.RegisterPolicies(AtLeastOnePolicy{}))

	auth, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(),
		newTx(upc("casuser"), upc("otheruser")))
	require.NoError(t, err)

	assert.Len(t, auth.Successes(), 1)
	assert.Len(t, auth.Credentials(), 2)
}

func TestAuthenticate_AllPolicy(t *testing.T) {
	plan := newPlan(succeeding("H1"), failing("H2", ErrFailedLogin))
	require.NoError(t, plan.RegisterPolicies(AllPolicy{}))

	_, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
	authErr := authError(t, err)

	assert.Equal(t, ReasonPolicy, authErr.Reason)
	assert.Equal(t, FailureFailedLogin, authErr.Failures()["H2"].Kind)
	assert.Equal(t, FailurePolicy, authErr.Failures()[AllPolicy{}.Name()].Kind)
	assert.Contains(t, authErr.Successes(), "H1")
}

func TestAuthenticate_AllPolicy_AllSucceed(t *testing.T) {
	plan := newPlan(succeeding("H1"), succeeding("H2"))
	require.NoError(t, plan.RegisterPolicies(AllPolicy{}))

	auth, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
	require.NoError(t, err)
	assert.Equal(t, []string{"H1", "H2"}, auth.SuccessNames())
}

func TestAuthenticate_RequiredHandler(t *testing.T) {
	t.Run("required handler fails", func(t *testing.T) {
		plan := newPlan(succeeding("H1"), failing("H2", ErrFailedLogin))
		require.NoError(t, plan.RegisterPolicies(RequireHandler("H2", false)))

		_, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
		authErr := authError(t, err)
		assert.Equal(t, ReasonPolicy, authErr.Reason)
		assert.Contains(t, authErr.Message, "H2")
	})

	t.Run("required handler succeeds", func(t *testing.T) {
		plan := newPlan(failing("H1", ErrFailedLogin), succeeding("H2"))
		require.NoError(t, plan.RegisterPolicies(RequireHandler("H2", false)))

		auth, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
		require.NoError(t, err)
		assert.Len(t, auth.Successes(), 1)
		assert.True(t, auth.HasSuccess("H2"))
	})

	t.Run("satisfied by history", func(t *testing.T) {
		first := newPlan(succeeding("H2"))
		prior, err := NewManager(first, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
		require.NoError(t, err)

		plan := newPlan(succeeding("H1"), failing("H2", ErrFailedLogin))
		require.NoError(t, plan.RegisterPolicies(RequireHandler("H2", false)))

		tx := newTx(upc("casuser")).Collect(prior)
		auth, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), tx)
		require.NoError(t, err)
		assert.True(t, auth.HasSuccess("H1"))
	})
}

func TestAuthenticate_NotPrevented(t *testing.T) {
	t.Run("prevented failure vetoes a success", func(t *testing.T) {
		plan := newPlan(succeeding("H1"), failing("H2", fmt.Errorf("dial ldap: %w", ErrPrevented)))
		require.NoError(t, plan.RegisterPolicies(NotPreventedPolicy{}, AtLeastOnePolicy{TryAllHandlers: true}))

		_, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
		authErr := authError(t, err)
		assert.Equal(t, ReasonPolicy, authErr.Reason)
		assert.True(t, authErr.HasFailureKind(FailurePrevented))
	})

	t.Run("prevented failure stops remaining handlers", func(t *testing.T) {
		h2 := succeeding("H2")
		plan := newPlan(&testHandler{name: "H1", panics: true}, h2)
		require.NoError(t, plan.RegisterPolicies(NotPreventedPolicy{}))

		_, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
		authErr := authError(t, err)
		assert.Equal(t, FailurePrevented, authErr.Failures()["H1"].Kind)
		assert.Zero(t, h2.authCalls.Load())
	})
}

func TestAuthenticate_HandlerPanicIsPrevented(t *testing.T) {
	plan := newPlan(&testHandler{name: "H1", panics: true}, succeeding("H2"))

	auth, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
	require.NoError(t, err)

	failure := auth.Failures()["H1"]
	assert.Equal(t, FailurePrevented, failure.Kind)
	assert.ErrorIs(t, failure, ErrPrevented)
	assert.True(t, auth.HasSuccess("H2"))
}

func TestAuthenticate_UnknownErrorIsPrevented(t *testing.T) {
	plan := newPlan(failing("H1", errors.New("connection reset by peer")))

	_, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
	authErr := authError(t, err)
	assert.Equal(t, FailurePrevented, authErr.Failures()["H1"].Kind)
}

func TestAuthenticate_PrincipalResolution(t *testing.T) {
	t.Run("fatal resolver failure aborts", func(t *testing.T) {
		h1 := succeeding("H1")
		h2 := succeeding("H2")
		plan := NewExecutionPlan()
		require.NoError(t, plan.RegisterHandlerWithResolver(h1, &testResolver{err: errors.New("directory down")}))
		require.NoError(t, plan.RegisterHandler(h2))

		_, err := NewManager(plan, ManagerConfig{PrincipalResolutionFailureFatal: true}).
			Authenticate(context.Background(), newTx(upc("casuser")))
		authErr := authError(t, err)

		assert.Equal(t, ReasonUnresolvedPrincipal, authErr.Reason)
		assert.Equal(t, FailureUnresolvedPrincipal, authErr.Failures()["H1"].Kind)
		assert.Zero(t, h2.authCalls.Load())
	})

	t.Run("non-fatal resolver failure continues", func(t *testing.T) {
		h2 := succeeding("H2")
		plan := NewExecutionPlan()
		require.NoError(t, plan.RegisterHandlerWithResolver(succeeding("H1"), &testResolver{err: errors.New("directory down")}))
		require.NoError(t, plan.RegisterHandler(h2))

		auth, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
		require.NoError(t, err)

		assert.Equal(t, int64(1), h2.authCalls.Load())
		assert.Equal(t, []string{"H2"}, auth.SuccessNames())
		assert.Equal(t, FailureUnresolvedPrincipal, auth.Failures()["H1"].Kind)
	})

	t.Run("resolver attributes merge into principal", func(t *testing.T) {
		plan := NewExecutionPlan()
		require.NoError(t, plan.RegisterHandlerWithResolver(
			&testHandler{name: "H1", attrs: Attributes{"mail": {"casuser@example.org"}}},
			&testResolver{attrs: Attributes{"role": {"admin"}}},
		))
		require.NoError(t, plan.RegisterHandler(&testHandler{name: "H2", attrs: Attributes{"role": {"staff"}}}))

		auth, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
		require.NoError(t, err)

		p := auth.Principal()
		assert.Equal(t, "casuser", p.ID)
		assert.Equal(t, []any{"admin", "staff"}, p.Attributes["role"])
		assert.NotContains(t, p.Attributes, "mail")
	})

	t.Run("handler without principal and no resolver", func(t *testing.T) {
		plan := newPlan(&testHandler{name: "H1", noPrinc: true})

		_, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
		authErr := authError(t, err)
		assert.Equal(t, FailureUnresolvedPrincipal, authErr.Failures()["H1"].Kind)
	})
}

func TestAuthenticate_NoCredentials(t *testing.T) {
	spy := succeeding("spy")
	pre := &testPreProcessor{}
	plan := newPlan(spy)
	plan.RegisterPreProcessors(pre)

	_, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx())
	authErr := authError(t, err)

	assert.Equal(t, ReasonNoCredentials, authErr.Reason)
	assert.Zero(t, spy.supportsCalls.Load())
	assert.Zero(t, spy.authCalls.Load())
	assert.Zero(t, pre.calls.Load())
}

func TestAuthenticate_NilTransaction(t *testing.T) {
	_, err := NewManager(newPlan(succeeding("H1")), ManagerConfig{}).Authenticate(context.Background(), nil)
	assert.Equal(t, ReasonNoCredentials, authError(t, err).Reason)
}

func TestAuthenticate_PreProcessorRejects(t *testing.T) {
	spy := succeeding("spy")
	plan := newPlan(spy)
	plan.RegisterPreProcessors(&testPreProcessor{err: errors.New("too many attempts")})

	_, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
	authErr := authError(t, err)

	assert.Equal(t, ReasonRejected, authErr.Reason)
	require.Len(t, authErr.Failures(), 1)
	assert.Equal(t, FailureRejected, authErr.Failures()["testPreProcessor"].Kind)
	assert.Zero(t, spy.authCalls.Load())
}

func TestAuthenticate_NoSupportingHandler(t *testing.T) {
	plan := newPlan(&testHandler{name: "certs", types: []CredentialType{CredentialTypeCertificate}})

	_, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
	assert.Equal(t, ReasonNoHandlers, authError(t, err).Reason)
}

func TestAuthenticate_StandbyHandlers(t *testing.T) {
	t.Run("skipped by default", func(t *testing.T) {
		standby := &testHandler{name: "standby", state: HandlerStateStandby}
		plan := newPlan(standby, succeeding("H1"))

		auth, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
		require.NoError(t, err)
		assert.Zero(t, standby.authCalls.Load())
		assert.Equal(t, []string{"H1"}, auth.SuccessNames())
	})

	t.Run("included when required", func(t *testing.T) {
		standby := &testHandler{name: "standby", state: HandlerStateStandby}
		plan := newPlan(standby, succeeding("H1"))
		require.NoError(t, plan.RegisterPolicies(RequireHandler("standby", false)))

		auth, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
		require.NoError(t, err)
		assert.True(t, auth.HasSuccess("standby"))
	})
}

func TestAuthenticate_PolicyErrorFails(t *testing.T) {
	plan := newPlan(succeeding("H1"))
	require.NoError(t, plan.RegisterPolicies(erroringPolicy{}))

	_, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
	authErr := authError(t, err)
	assert.Equal(t, ReasonPolicy, authErr.Reason)
	assert.Contains(t, authErr.Message, "policy backend unavailable")
}

func TestAuthenticate_PolicyResolverErrorFails(t *testing.T) {
	plan := newPlan(succeeding("H1"))
	require.NoError(t, plan.RegisterPolicies(AtLeastOnePolicy{}))
	plan.RegisterPolicyResolvers(fixedPolicyResolver{supports: true, err: errors.New("registry down")})

	_, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
	authErr := authError(t, err)
	assert.Equal(t, ReasonPolicy, authErr.Reason)
	assert.Equal(t, []string{"policy-resolution"}, authErr.FailureNames())
	assert.Equal(t, FailurePolicy, authErr.Failures()["policy-resolution"].Kind)
	assert.Contains(t, authErr.Error(), "registry down")
}

func TestAuthenticate_AdvisoryPolicyOnlyWarns(t *testing.T) {
	plan := newPlan(succeeding("H1"))
	require.NoError(t, plan.RegisterPolicies(Advisory(RequireHandler("mfa", false)), AtLeastOnePolicy{}))

	auth, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
	require.NoError(t, err)
	require.Len(t, auth.Warnings(), 1)
	assert.Contains(t, auth.Warnings()[0], "mfa")
}

func TestAuthenticate_Populators(t *testing.T) {
	plan := newPlan(succeeding("H1"))
	plan.RegisterMetadataPopulators(
		ClientInfoPopulator{},
		CredentialTypePopulator{},
		RememberMePopulator{},
		SuccessfulHandlersPopulator{},
	)

	ctx := WithClientInfo(context.Background(), ClientInfo{ClientIP: "10.0.0.7", ServerIP: "10.0.0.1", UserAgent: "curl/8"})
	cred := &RememberMeCredential{UsernamePasswordCredential: *upc("casuser"), RememberMe: true}

	auth, err := NewManager(plan, ManagerConfig{}).Authenticate(ctx, newTx(cred, upc("casuser2")))
	require.NoError(t, err)

	attrs := auth.Attributes()
	assert.Equal(t, []any{"10.0.0.7"}, attrs[AttributeClientIP])
	assert.Equal(t, []any{"10.0.0.1"}, attrs[AttributeServerIP])
	assert.Equal(t, []any{"curl/8"}, attrs[AttributeUserAgent])
	assert.Equal(t, []any{string(CredentialTypeRememberMe), string(CredentialTypeUsernamePassword)}, attrs[AttributeCredentialType])
	assert.Equal(t, []any{true}, attrs[AttributeRememberMe])
	assert.Equal(t, []any{"H1"}, attrs[AttributeSuccessfulHandlers])
}

func TestAuthenticate_PostProcessorsBestEffort(t *testing.T) {
	failingPost := &testPostProcessor{err: errors.New("audit store down")}
	panickingPost := &testPostProcessor{panics: true}
	plan := newPlan(succeeding("H1"))
	plan.RegisterPostProcessors(failingPost, panickingPost)

	auth, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
	require.NoError(t, err)
	assert.NotNil(t, auth)
	assert.Equal(t, int64(1), failingPost.calls.Load())
	assert.Equal(t, int64(1), panickingPost.calls.Load())
}

func TestAuthenticate_PostProcessorsSkippedOnFailure(t *testing.T) {
	post := &testPostProcessor{}
	plan := newPlan(failing("H1", ErrFailedLogin))
	plan.RegisterPostProcessors(post)

	_, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
	require.Error(t, err)
	assert.Zero(t, post.calls.Load())
}

func TestAuthenticate_Events(t *testing.T) {
	var mu sync.Mutex
	var events []EventType
	record := EventListenerFunc(func(_ context.Context, ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev.Type)
	})

	plan := newPlan(failing("H1", ErrFailedLogin), succeeding("H2"))
	plan.RegisterEventListeners(record, EventListenerFunc(func(context.Context, Event) { panic("listener bug") }))

	_, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
	require.NoError(t, err)

	assert.Equal(t, []EventType{
		EventTransactionStarted,
		EventHandlerFailed,
		EventHandlerSucceeded,
		EventPrincipalResolved,
		EventTransactionSucceeded,
	}, events)
}

func TestAuthenticate_CredentialSource(t *testing.T) {
	h1 := succeeding("H1")
	h2 := succeeding("H2")
	plan := newPlan(h1, h2)
	plan.RegisterHandlerResolvers(ByCredentialSourceHandlerResolver{})

	cred := upc("casuser")
	cred.Source = "H2"
	auth, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(cred))
	require.NoError(t, err)

	assert.Zero(t, h1.authCalls.Load())
	assert.Equal(t, []string{"H2"}, auth.SuccessNames())
	source, ok := auth.Credentials()[0].Property(MetadataPropertySource)
	require.True(t, ok)
	assert.Equal(t, "H2", source)
}

func TestAuthenticate_Concurrent(t *testing.T) {
	plan := newPlan(failing("H1", ErrFailedLogin), &testHandler{name: "H2", attrs: Attributes{"role": {"user"}}})
	require.NoError(t, plan.RegisterPolicies(AtLeastOnePolicy{}))
	plan.RegisterMetadataPopulators(CredentialTypePopulator{}, ClientInfoPopulator{})
	mgr := NewManager(plan, ManagerConfig{})

	const workers = 64
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			username := fmt.Sprintf("user-%d", i)
			ctx := WithClientInfo(context.Background(), ClientInfo{ClientIP: fmt.Sprintf("10.0.0.%d", i)})

			auth, err := mgr.Authenticate(ctx, newTx(upc(username)))
			if err != nil {
				errs <- err
				return
			}
			if auth.Principal().ID != username {
				errs <- fmt.Errorf("worker %d got principal %s", i, auth.Principal().ID)
				return
			}
			if got := auth.Attributes()[AttributeClientIP]; len(got) != 1 || got[0] != fmt.Sprintf("10.0.0.%d", i) {
				errs <- fmt.Errorf("worker %d got client ip %v", i, got)
				return
			}
			if len(auth.SuccessNames()) != 1 || len(auth.FailureNames()) != 1 {
				errs <- fmt.Errorf("worker %d got %v / %v", i, auth.SuccessNames(), auth.FailureNames())
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestAuthenticate_ResultIsImmutable(t *testing.T) {
	plan := newPlan(&testHandler{name: "H1", attrs: Attributes{"role": {"user"}}})
	auth, err := NewManager(plan, ManagerConfig{}).Authenticate(context.Background(), newTx(upc("casuser")))
	require.NoError(t, err)

	p := auth.Principal()
	p.Attributes["role"] = append(p.Attributes["role"], "admin")
	auth.Attributes()["extra"] = []any{"x"}
	auth.Successes()["H1"].Principal.ID = "mallory"

	assert.Equal(t, []any{"user"}, auth.Principal().Attributes["role"])
	assert.NotContains(t, auth.Attributes(), "extra")
	assert.Equal(t, "casuser", auth.Successes()["H1"].Principal.ID)
}
