// Package x509 authenticates X.509 SVID certificate chains against a SPIFFE
// trust bundle. The SPIFFE ID of the leaf becomes the principal id.
package x509

import (
	"context"
	"fmt"

	"github.com/spiffe/go-spiffe/v2/bundle/x509bundle"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"

	"github.com/casidp/authn/internal/services/authn"
)

// Options mirror the x509 handler options.
type Options struct {
	TrustDomain string `mapstructure:"trust_domain"`
	BundleFile  string `mapstructure:"bundle_file"`
}

// Handler verifies CertificateCredentials.
type Handler struct {
	name   string
	state  authn.HandlerState
	bundle *x509bundle.Bundle
}

// New loads the PEM trust bundle named by opts.
func New(name string, state authn.HandlerState, opts Options) (*Handler, error) {
	td, err := spiffeid.TrustDomainFromString(opts.TrustDomain)
	if err != nil {
		return nil, fmt.Errorf("x509 handler %s: invalid trust domain: %w", name, err)
	}
	bundle, err := x509bundle.Load(td, opts.BundleFile)
	if err != nil {
		return nil, fmt.Errorf("x509 handler %s: load bundle: %w", name, err)
	}
	return NewWithBundle(name, state, bundle), nil
}

// NewWithBundle creates a handler over an already loaded bundle.
func NewWithBundle(name string, state authn.HandlerState, bundle *x509bundle.Bundle) *Handler {
	if state == "" {
		state = authn.HandlerStateActive
	}
	return &Handler{name: name, state: state, bundle: bundle}
}

func (h *Handler) Name() string              { return h.name }
func (h *Handler) State() authn.HandlerState { return h.state }

func (h *Handler) Supports(c authn.Credential) bool {
	_, ok := c.(*authn.CertificateCredential)
	return ok
}

func (h *Handler) Authenticate(_ context.Context, c authn.Credential, _ *authn.Service) (*authn.HandlerResult, error) {
	cc, ok := c.(*authn.CertificateCredential)
	if !ok {
		return nil, fmt.Errorf("unsupported credential %s: %w", c.Type(), authn.ErrPrevented)
	}
	if len(cc.Chain) == 0 {
		return nil, fmt.Errorf("empty certificate chain: %w", authn.ErrFailedLogin)
	}

	id, _, err := x509svid.Verify(cc.Chain, h.bundle)
	if err != nil {
		return nil, fmt.Errorf("verify certificate: %v: %w", err, authn.ErrFailedLogin)
	}

	leaf := cc.Leaf()
	attrs := authn.Attributes{
		"trustDomain":  {id.TrustDomain().Name()},
		"spiffePath":   {id.Path()},
		"subjectDN":    {leaf.Subject.String()},
		"serialNumber": {leaf.SerialNumber.String()},
	}
	return authn.NewHandlerResult(h, authn.NewPrincipal(id.String(), attrs)), nil
}
