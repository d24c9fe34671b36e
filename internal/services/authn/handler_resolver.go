package authn

import "context"

// HandlerResolver narrows candidate handlers for a transaction. Registered
// resolvers run in registration order, each receiving the previous output.
type HandlerResolver interface {
	Name() string
	Supports(handlers []Handler, tx *Transaction) bool
	Resolve(ctx context.Context, handlers []Handler, tx *Transaction) ([]Handler, error)
}

// ByCredentialSourceHandlerResolver keeps only the handlers named by the
// source of username/password credentials.
type ByCredentialSourceHandlerResolver struct{}

func (ByCredentialSourceHandlerResolver) Name() string { return "ByCredentialSourceHandlerResolver" }

func (ByCredentialSourceHandlerResolver) Supports(_ []Handler, tx *Transaction) bool {
	for _, c := range tx.credentials {
		if credentialSource(c) != "" {
			return true
		}
	}
	return false
}

func (ByCredentialSourceHandlerResolver) Resolve(_ context.Context, handlers []Handler, tx *Transaction) ([]Handler, error) {
	sources := map[string]bool{}
	for _, c := range tx.credentials {
		if src := credentialSource(c); src != "" {
			sources[src] = true
		}
	}
	out := make([]Handler, 0, len(handlers))
	for _, h := range handlers {
		if sources[h.Name()] {
			out = append(out, h)
		}
	}
	return out, nil
}

// supportingHandlers keeps handlers that support at least one credential.
func supportingHandlers(handlers []Handler, tx *Transaction) []Handler {
	out := make([]Handler, 0, len(handlers))
	for _, h := range handlers {
		for _, c := range tx.credentials {
			if h.Supports(c) {
				out = append(out, h)
				break
			}
		}
	}
	return out
}
