package authn

import "context"

// MetadataPopulator enriches the in-progress authentication. It runs once per
// credential it supports, in registration order, and must tolerate repeated
// invocation without accumulating duplicates.
type MetadataPopulator interface {
	Name() string
	Supports(c Credential) bool
	Populate(ctx context.Context, b *Builder, tx *Transaction)
}

// ClientInfoPopulator records the client and server address and the user agent
// found in the context. Values are replaced, never accumulated.
type ClientInfoPopulator struct{}

func (ClientInfoPopulator) Name() string             { return "ClientInfoPopulator" }
func (ClientInfoPopulator) Supports(Credential) bool { return true }

func (ClientInfoPopulator) Populate(ctx context.Context, b *Builder, _ *Transaction) {
	ci, ok := ClientInfoFromContext(ctx)
	if !ok {
		return
	}
	if ci.ClientIP != "" {
		b.AddAttribute(AttributeClientIP, ci.ClientIP)
	}
	if ci.ServerIP != "" {
		b.AddAttribute(AttributeServerIP, ci.ServerIP)
	}
	if ci.UserAgent != "" {
		b.AddAttribute(AttributeUserAgent, ci.UserAgent)
	}
}

// CredentialTypePopulator records the types of the presented credentials.
type CredentialTypePopulator struct{}

func (CredentialTypePopulator) Name() string             { return "CredentialTypePopulator" }
func (CredentialTypePopulator) Supports(Credential) bool { return true }

func (CredentialTypePopulator) Populate(_ context.Context, b *Builder, tx *Transaction) {
	for _, t := range tx.CredentialTypes() {
		b.MergeAttribute(AttributeCredentialType, t)
	}
}

// RememberMePopulator flags long-term authentication requests.
type RememberMePopulator struct{}

func (RememberMePopulator) Name() string { return "RememberMePopulator" }

func (RememberMePopulator) Supports(c Credential) bool {
	rm, ok := c.(*RememberMeCredential)
	return ok && rm.RememberMe
}

func (RememberMePopulator) Populate(_ context.Context, b *Builder, _ *Transaction) {
	b.AddAttribute(AttributeRememberMe, true)
}

// SuccessfulHandlersPopulator records the names of the handlers that succeeded.
type SuccessfulHandlersPopulator struct{}

func (SuccessfulHandlersPopulator) Name() string             { return "SuccessfulHandlersPopulator" }
func (SuccessfulHandlersPopulator) Supports(Credential) bool { return true }

func (SuccessfulHandlersPopulator) Populate(_ context.Context, b *Builder, _ *Transaction) {
	for _, name := range b.successNames {
		b.MergeAttribute(AttributeSuccessfulHandlers, name)
	}
}
