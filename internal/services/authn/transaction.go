package authn

import (
	"context"

	"github.com/google/uuid"
)

// Transaction is one authentication attempt. It is immutable apart from the
// append-only history of prior authentications.
type Transaction struct {
	id          string
	service     *Service
	credentials []Credential
	history     []*Authentication
}

// ID returns the transaction's unique id.
func (t *Transaction) ID() string { return t.id }

// Service returns the target service, or nil for non-service-bound logins.
func (t *Transaction) Service() *Service { return t.service }

// Credentials returns the presented credentials in submission order.
func (t *Transaction) Credentials() []Credential {
	return append([]Credential(nil), t.credentials...)
}

// History returns prior authentications collected into this transaction.
func (t *Transaction) History() []*Authentication {
	return append([]*Authentication(nil), t.history...)
}

// Collect appends prior authentications of the same login session.
func (t *Transaction) Collect(auths ...*Authentication) *Transaction {
	for _, a := range auths {
		if a != nil {
			t.history = append(t.history, a)
		}
	}
	return t
}

// HasCredentialOfType reports whether any credential is of type ct.
func (t *Transaction) HasCredentialOfType(ct CredentialType) bool {
	for _, c := range t.credentials {
		if c.Type() == ct {
			return true
		}
	}
	return false
}

// CredentialTypes returns the distinct credential types, in submission order.
func (t *Transaction) CredentialTypes() []string {
	seen := map[CredentialType]bool{}
	var out []string
	for _, c := range t.credentials {
		if !seen[c.Type()] {
			seen[c.Type()] = true
			out = append(out, string(c.Type()))
		}
	}
	return out
}

// TransactionFactory creates transactions.
type TransactionFactory interface {
	NewTransaction(svc *Service, credentials ...Credential) *Transaction
}

// DefaultTransactionFactory creates transactions with random ids. Nil
// credentials are dropped.
type DefaultTransactionFactory struct{}

func (DefaultTransactionFactory) NewTransaction(svc *Service, credentials ...Credential) *Transaction {
	creds := make([]Credential, 0, len(credentials))
	for _, c := range credentials {
		if c != nil {
			creds = append(creds, c)
		}
	}
	return &Transaction{
		id:          uuid.NewString(),
		service:     svc,
		credentials: creds,
	}
}

// ClientInfo describes the network origin of an authentication attempt.
type ClientInfo struct {
	ClientIP  string
	ServerIP  string
	UserAgent string
}

type clientInfoKey struct{}

// WithClientInfo stores client info in the context for populators and processors.
func WithClientInfo(ctx context.Context, ci ClientInfo) context.Context {
	return context.WithValue(ctx, clientInfoKey{}, ci)
}

// ClientInfoFromContext returns the client info stored by WithClientInfo.
func ClientInfoFromContext(ctx context.Context) (ClientInfo, bool) {
	ci, ok := ctx.Value(clientInfoKey{}).(ClientInfo)
	return ci, ok
}
