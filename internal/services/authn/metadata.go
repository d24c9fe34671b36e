package authn

import (
	"maps"

	"github.com/google/uuid"
)

// Well-known credential metadata properties.
const (
	MetadataPropertySource     = "source"
	MetadataPropertyRememberMe = "rememberMe"
)

// CredentialMetadata is the safe-to-persist summary of a credential.
//
// The id, credential type and credential id are fixed when the credential is
// accepted into a transaction. Only the property bag changes afterwards, and
// it never receives raw secrets.
type CredentialMetadata struct {
	id           string
	credType     CredentialType
	credentialID string
	properties   map[string]any
}

// NewCredentialMetadata summarizes c.
func NewCredentialMetadata(c Credential) *CredentialMetadata {
	m := &CredentialMetadata{
		id:           uuid.NewString(),
		credType:     c.Type(),
		credentialID: c.ID(),
		properties:   map[string]any{},
	}
	if src := credentialSource(c); src != "" {
		m.properties[MetadataPropertySource] = src
	}
	if rm, ok := c.(*RememberMeCredential); ok && rm.RememberMe {
		m.properties[MetadataPropertyRememberMe] = true
	}
	return m
}

func (m *CredentialMetadata) ID() string                    { return m.id }
func (m *CredentialMetadata) Type() CredentialType          { return m.credType }
func (m *CredentialMetadata) CredentialID() string          { return m.credentialID }
func (m *CredentialMetadata) AddProperty(key string, v any) { m.properties[key] = v }
func (m *CredentialMetadata) RemoveProperty(key string)     { delete(m.properties, key) }

// Property returns a single property.
func (m *CredentialMetadata) Property(key string) (any, bool) {
	v, ok := m.properties[key]
	return v, ok
}

// Properties returns a copy of the property bag.
func (m *CredentialMetadata) Properties() map[string]any {
	return maps.Clone(m.properties)
}

// Clone returns an independent copy keeping the same identity.
func (m *CredentialMetadata) Clone() *CredentialMetadata {
	if m == nil {
		return nil
	}
	return &CredentialMetadata{
		id:           m.id,
		credType:     m.credType,
		credentialID: m.credentialID,
		properties:   maps.Clone(m.properties),
	}
}

// CredentialMetadataRecord is the serializable form of CredentialMetadata.
type CredentialMetadataRecord struct {
	ID           string         `json:"id" yaml:"id"`
	Type         CredentialType `json:"type" yaml:"type"`
	CredentialID string         `json:"credential_id" yaml:"credential_id"`
	Properties   map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Record returns the serializable form.
func (m *CredentialMetadata) Record() CredentialMetadataRecord {
	return CredentialMetadataRecord{
		ID:           m.id,
		Type:         m.credType,
		CredentialID: m.credentialID,
		Properties:   maps.Clone(m.properties),
	}
}

// sameCredential reports whether two metadata summarize the same presented credential.
func (m *CredentialMetadata) sameCredential(other *CredentialMetadata) bool {
	return m.id == other.id || (m.credType == other.credType && m.credentialID == other.credentialID)
}
