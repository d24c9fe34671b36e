package authn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authWith(principalID string, principalAttrs, attrs Attributes) *Authentication {
	b := NewBuilder().SetPrincipal(NewPrincipal(principalID, principalAttrs))
	for k, v := range attrs {
		b.AddAttribute(k, v...)
	}
	return b.Build()
}

func TestBuilder_Update(t *testing.T) {
	first := authWith("casuser", Attributes{"role": {"a"}, "mail": {"c@example.org"}}, Attributes{"role": {"a"}})
	second := authWith("other", Attributes{"role": {"b", "a"}}, Attributes{"role": {"b"}, "mfa": {true}})

	merged := NewBuilderFrom(first).Update(second).Build()

	assert.Equal(t, []any{"a", "b"}, merged.Attributes()["role"])
	assert.Equal(t, []any{true}, merged.Attributes()["mfa"])

	p := merged.Principal()
	assert.Equal(t, "casuser", p.ID)
	assert.Equal(t, []any{"a", "b"}, p.Attributes["role"])
	assert.Equal(t, []any{"c@example.org"}, p.Attributes["mail"])
}

func TestBuilder_Replace(t *testing.T) {
	first := authWith("casuser", Attributes{"role": {"a"}, "mail": {"c@example.org"}}, Attributes{"role": {"a"}, "keep": {1}})
	second := authWith("other", Attributes{"role": {"b"}}, Attributes{"role": {"b"}})

	merged := NewBuilderFrom(first).Replace(second).Build()

	assert.Equal(t, []any{"b"}, merged.Attributes()["role"])
	assert.Equal(t, []any{1}, merged.Attributes()["keep"])

	p := merged.Principal()
	assert.Equal(t, "other", p.ID)
	assert.Equal(t, []any{"b"}, p.Attributes["role"])
	assert.Equal(t, []any{"c@example.org"}, p.Attributes["mail"])
}

func TestBuilder_MergeDoesNotTouchFinalizedRecords(t *testing.T) {
	first := authWith("casuser", Attributes{"role": {"a"}}, Attributes{"role": {"a"}})
	second := authWith("casuser", Attributes{"role": {"b"}}, Attributes{"role": {"b"}})

	_ = NewBuilderFrom(first).Update(second).Build()
	_ = NewBuilderFrom(first).Replace(second).Build()

	assert.Equal(t, []any{"a"}, first.Attributes()["role"])
	assert.Equal(t, []any{"a"}, first.Principal().Attributes["role"])
	assert.Equal(t, []any{"b"}, second.Attributes()["role"])
}

func TestBuilder_MergeSuccessesAndFailures(t *testing.T) {
	first := NewBuilder().
		SetPrincipal(NewPrincipal("casuser", nil)).
		AddSuccess("password", &HandlerResult{HandlerName: "password"}).
		AddFailure("otp", Failure{Kind: FailureFailedLogin}).
		Build()
	second := NewBuilder().
		SetPrincipal(NewPrincipal("casuser", nil)).
		AddSuccess("otp", &HandlerResult{HandlerName: "otp"}).
		AddFailure("otp-sms", Failure{Kind: FailurePrevented}).
		Build()

	updated := NewBuilderFrom(first).Update(second).Build()
	assert.Equal(t, []string{"password", "otp"}, updated.SuccessNames())
	assert.Equal(t, []string{"otp", "otp-sms"}, updated.FailureNames())

	replaced := NewBuilderFrom(first).Replace(second).Build()
	assert.Equal(t, []string{"password", "otp"}, replaced.SuccessNames())
	assert.Contains(t, replaced.FailureNames(), "otp-sms")
}

func TestBuilder_AddFailureKeepsSuccess(t *testing.T) {
	b := NewBuilder().
		AddSuccess("H1", &HandlerResult{HandlerName: "H1"}).
		AddFailure("H1", Failure{Kind: FailureFailedLogin}).
		AddFailure("H1", Failure{Kind: FailureAccountDisabled})

	assert.True(t, b.HasSuccess("H1"))
	assert.Equal(t, []string{"H1#2"}, b.FailureNames())
	assert.Equal(t, FailureAccountDisabled, b.Failures()["H1#2"].Kind)
}

func TestBuilder_AddCredentialDeduplicates(t *testing.T) {
	cred := upc("casuser")
	m1 := NewCredentialMetadata(cred)
	m2 := NewCredentialMetadata(cred)
	m2.AddProperty("warning", "expiring")

	b := NewBuilder().AddCredential(m1).AddCredential(m2).AddCredential(NewCredentialMetadata(upc("other")))

	creds := b.Credentials()
	require.Len(t, creds, 2)
	assert.Equal(t, m1.ID(), creds[0].ID())
	v, ok := creds[0].Property("warning")
	require.True(t, ok)
	assert.Equal(t, "expiring", v)
}

func TestBuilder_Attributes(t *testing.T) {
	b := NewBuilder().
		AddAttribute("k", "a", "b").
		MergeAttribute("k", "b", "c").
		MergeAttribute("fresh", 1, 1)

	assert.Equal(t, []any{"a", "b", "c"}, b.Attribute("k"))
	assert.Equal(t, []any{1}, b.Attribute("fresh"))
	assert.True(t, b.HasAttribute("k"))

	b.AddAttribute("k", "z")
	assert.Equal(t, []any{"z"}, b.Attribute("k"))
}

func TestBuilder_BuildSnapshots(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := NewBuilder().SetAuthenticatedAt(at).SetPrincipal(NewPrincipal("casuser", nil))
	first := b.Build()

	b.AddAttribute("later", "x").AddSuccess("H1", &HandlerResult{HandlerName: "H1"})

	assert.Equal(t, at, first.AuthenticatedAt())
	assert.NotContains(t, first.Attributes(), "later")
	assert.Empty(t, first.SuccessNames())
}

func TestAuthentication_Record(t *testing.T) {
	cred := upc("casuser")
	meta := NewCredentialMetadata(cred)
	auth := NewBuilder().
		SetPrincipal(NewPrincipal("casuser", Attributes{"role": {"a"}})).
		AddCredential(meta).
		AddSuccess("H1", &HandlerResult{HandlerName: "H1", Metadata: meta, Principal: NewPrincipal("casuser", nil)}).
		AddFailure("H2", Failure{Kind: FailureFailedLogin, Message: "bad password"}).
		AddAttribute(AttributeAuthenticationMethod, "H1").
		Build()

	rec := auth.Record()
	assert.Equal(t, "casuser", rec.Principal.ID)
	require.Len(t, rec.Credentials, 1)
	assert.Equal(t, CredentialTypeUsernamePassword, rec.Credentials[0].Type)
	assert.Equal(t, "casuser", rec.Successes["H1"].CredentialID)
	assert.Equal(t, FailureFailedLogin, rec.Failures["H2"].Kind)
	assert.Equal(t, []any{"H1"}, rec.Attributes[AttributeAuthenticationMethod])
}
