package authn

// Principal is a resolved identity: a stable id plus attributes, independent of
// which handler verified the credential.
type Principal struct {
	ID         string     `json:"id" yaml:"id"`
	Attributes Attributes `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// NewPrincipal creates a principal with a copy of attrs.
func NewPrincipal(id string, attrs Attributes) *Principal {
	if attrs == nil {
		attrs = Attributes{}
	}
	return &Principal{ID: id, Attributes: attrs.Clone()}
}

// Clone returns a deep copy. A nil principal clones to nil.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	return NewPrincipal(p.ID, p.Attributes)
}
