package authn

import (
	"crypto/x509"
	"fmt"
)

// CredentialType tags the closed set of credential variants understood by handlers.
type CredentialType string

const (
	CredentialTypeUsernamePassword CredentialType = "UsernamePasswordCredential"
	CredentialTypeRememberMe       CredentialType = "RememberMeUsernamePasswordCredential"
	CredentialTypeToken            CredentialType = "TokenCredential"
	CredentialTypeOneTimePassword  CredentialType = "OneTimePasswordCredential"
	CredentialTypeCertificate      CredentialType = "X509CertificateCredential"
)

// Credential is user-supplied proof of identity. It carries no verification logic.
//
// ID returns the identifier the credential claims (username, token subject hint,
// certificate subject). Secrets are never part of ID or String.
type Credential interface {
	ID() string
	Type() CredentialType
}

// UsernamePasswordCredential is a classic username and password pair.
// Source optionally names the handler the credential must be checked against.
type UsernamePasswordCredential struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"-" yaml:"-"`
	Source   string `json:"source,omitempty" yaml:"source,omitempty"`
}

func (c *UsernamePasswordCredential) ID() string           { return c.Username }
func (c *UsernamePasswordCredential) Type() CredentialType { return CredentialTypeUsernamePassword }

func (c *UsernamePasswordCredential) String() string {
	return fmt.Sprintf("UsernamePasswordCredential(username=%s)", c.Username)
}

// RememberMeCredential is a username and password pair with a long-term session request.
type RememberMeCredential struct {
	UsernamePasswordCredential
	RememberMe bool `json:"remember_me" yaml:"remember_me"`
}

func (c *RememberMeCredential) Type() CredentialType { return CredentialTypeRememberMe }

func (c *RememberMeCredential) String() string {
	return fmt.Sprintf("RememberMeCredential(username=%s, rememberMe=%t)", c.Username, c.RememberMe)
}

// TokenCredential carries an opaque or JWT bearer token.
type TokenCredential struct {
	Token string `json:"-" yaml:"-"`
}

// ID returns a short, non-reversible hint of the token so logs can correlate attempts.
func (c *TokenCredential) ID() string {
	if len(c.Token) <= 8 {
		return "token"
	}
	return "token:" + c.Token[len(c.Token)-8:]
}

func (c *TokenCredential) Type() CredentialType { return CredentialTypeToken }
func (c *TokenCredential) String() string       { return "TokenCredential(" + c.ID() + ")" }

// OneTimePasswordCredential is a one-time code bound to a user id.
type OneTimePasswordCredential struct {
	UserID string `json:"user_id" yaml:"user_id"`
	Code   string `json:"-" yaml:"-"`
}

func (c *OneTimePasswordCredential) ID() string           { return c.UserID }
func (c *OneTimePasswordCredential) Type() CredentialType { return CredentialTypeOneTimePassword }

func (c *OneTimePasswordCredential) String() string {
	return fmt.Sprintf("OneTimePasswordCredential(user=%s)", c.UserID)
}

// CertificateCredential holds a presented certificate chain, leaf first.
type CertificateCredential struct {
	Chain []*x509.Certificate `json:"-" yaml:"-"`
}

// Leaf returns the first certificate of the chain or nil.
func (c *CertificateCredential) Leaf() *x509.Certificate {
	if len(c.Chain) == 0 {
		return nil
	}
	return c.Chain[0]
}

func (c *CertificateCredential) ID() string {
	if leaf := c.Leaf(); leaf != nil {
		if len(leaf.URIs) > 0 {
			return leaf.URIs[0].String()
		}
		return leaf.Subject.String()
	}
	return ""
}

func (c *CertificateCredential) Type() CredentialType { return CredentialTypeCertificate }
func (c *CertificateCredential) String() string       { return "CertificateCredential(" + c.ID() + ")" }

// credentialSource returns the handler name a credential is pinned to, if any.
func credentialSource(c Credential) string {
	switch v := c.(type) {
	case *UsernamePasswordCredential:
		return v.Source
	case *RememberMeCredential:
		return v.Source
	}
	return ""
}

// AsUsernamePassword unwraps the username and password carried by either
// password credential variant.
func AsUsernamePassword(c Credential) (*UsernamePasswordCredential, bool) {
	switch v := c.(type) {
	case *UsernamePasswordCredential:
		return v, v != nil
	case *RememberMeCredential:
		if v == nil {
			return nil, false
		}
		return &v.UsernamePasswordCredential, true
	}
	return nil, false
}
