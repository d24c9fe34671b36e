package authn

import "time"

// Well-known authentication attributes.
const (
	AttributeAuthenticationMethod = "authenticationMethod"
	AttributeSuccessfulHandlers   = "successfulAuthenticationHandlers"
	AttributeCredentialType       = "credentialType"
	AttributeRememberMe           = "longTermAuthenticationRequestTokenUsed"
	AttributeClientIP             = "clientIpAddress"
	AttributeServerIP             = "serverIpAddress"
	AttributeUserAgent            = "userAgent"
)

// Authentication is the immutable result of a successful transaction.
// Every accessor returns a copy.
type Authentication struct {
	principal       *Principal
	authenticatedAt time.Time
	credentials     []*CredentialMetadata
	successNames    []string
	successes       map[string]*HandlerResult
	failureNames    []string
	failures        map[string]Failure
	attributes      Attributes
	warnings        []string
}

func (a *Authentication) Principal() *Principal      { return a.principal.Clone() }
func (a *Authentication) AuthenticatedAt() time.Time { return a.authenticatedAt }
func (a *Authentication) Attributes() Attributes     { return a.attributes.Clone() }
func (a *Authentication) Warnings() []string         { return append([]string(nil), a.warnings...) }
func (a *Authentication) SuccessNames() []string     { return append([]string(nil), a.successNames...) }
func (a *Authentication) FailureNames() []string     { return append([]string(nil), a.failureNames...) }

func (a *Authentication) Credentials() []*CredentialMetadata {
	out := make([]*CredentialMetadata, 0, len(a.credentials))
	for _, m := range a.credentials {
		out = append(out, m.Clone())
	}
	return out
}

func (a *Authentication) Successes() map[string]*HandlerResult {
	out := make(map[string]*HandlerResult, len(a.successes))
	for k, v := range a.successes {
		out[k] = v.clone()
	}
	return out
}

func (a *Authentication) Failures() map[string]Failure {
	out := make(map[string]Failure, len(a.failures))
	for k, v := range a.failures {
		out[k] = v
	}
	return out
}

func (a *Authentication) HasSuccess(name string) bool {
	_, ok := a.successes[name]
	return ok
}

// HandlerResultRecord is the serializable form of a HandlerResult.
type HandlerResultRecord struct {
	Handler      string     `json:"handler" yaml:"handler"`
	CredentialID string     `json:"credential_id,omitempty" yaml:"credential_id,omitempty"`
	Principal    *Principal `json:"principal,omitempty" yaml:"principal,omitempty"`
	Warnings     []string   `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// AuthenticationRecord is the serializable form of an Authentication with
// stable field names.
type AuthenticationRecord struct {
	Principal       *Principal                     `json:"principal" yaml:"principal"`
	AuthenticatedAt time.Time                      `json:"authenticated_at" yaml:"authenticated_at"`
	Credentials     []CredentialMetadataRecord     `json:"credentials" yaml:"credentials"`
	Successes       map[string]HandlerResultRecord `json:"successes" yaml:"successes"`
	Failures        map[string]Failure             `json:"failures,omitempty" yaml:"failures,omitempty"`
	Attributes      Attributes                     `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Warnings        []string                       `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Record returns the serializable form.
func (a *Authentication) Record() AuthenticationRecord {
	rec := AuthenticationRecord{
		Principal:       a.principal.Clone(),
		AuthenticatedAt: a.authenticatedAt,
		Successes:       make(map[string]HandlerResultRecord, len(a.successes)),
		Failures:        a.Failures(),
		Attributes:      a.attributes.Clone(),
		Warnings:        a.Warnings(),
	}
	for _, m := range a.credentials {
		rec.Credentials = append(rec.Credentials, m.Record())
	}
	for name, r := range a.successes {
		hr := HandlerResultRecord{
			Handler:   r.HandlerName,
			Principal: r.Principal.Clone(),
			Warnings:  append([]string(nil), r.Warnings...),
		}
		if r.Metadata != nil {
			hr.CredentialID = r.Metadata.CredentialID()
		}
		rec.Successes[name] = hr
	}
	return rec
}
