package authn

import (
	"strconv"
	"time"
)

// Builder assembles an Authentication incrementally. A builder is owned by a
// single transaction and is not safe for concurrent use.
type Builder struct {
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

// NewBuilder returns an empty builder stamped with the current instant.
func NewBuilder() *Builder {
	return &Builder{
		authenticatedAt: time.Now().UTC(),
		successes:       map[string]*HandlerResult{},
		failures:        map[string]Failure{},
		attributes:      Attributes{},
	}
}

// NewBuilderFrom seeds a builder with a copy of a finalized authentication.
func NewBuilderFrom(a *Authentication) *Builder {
	b := NewBuilder()
	if a == nil {
		return b
	}
	b.authenticatedAt = a.authenticatedAt
	b.principal = a.principal.Clone()
	for _, m := range a.credentials {
		b.credentials = append(b.credentials, m.Clone())
	}
	for _, name := range a.successNames {
		b.AddSuccess(name, a.successes[name])
	}
	for _, name := range a.failureNames {
		b.AddFailure(name, a.failures[name])
	}
	b.attributes = a.attributes.Clone()
	b.warnings = append(b.warnings, a.warnings...)
	return b
}

func (b *Builder) SetPrincipal(p *Principal) *Builder {
	b.principal = p.Clone()
	return b
}

// Principal returns a copy of the principal resolved so far.
func (b *Builder) Principal() *Principal { return b.principal.Clone() }

func (b *Builder) SetAuthenticatedAt(t time.Time) *Builder {
	b.authenticatedAt = t
	return b
}

// AddCredential records credential metadata. Metadata describing an already
// recorded credential merges its properties into the existing entry.
func (b *Builder) AddCredential(m *CredentialMetadata) *Builder {
	if m == nil {
		return b
	}
	for _, existing := range b.credentials {
		if existing.sameCredential(m) {
			for k, v := range m.properties {
				existing.properties[k] = v
			}
			return b
		}
	}
	b.credentials = append(b.credentials, m.Clone())
	return b
}

// Credentials returns copies of the recorded credential metadata.
func (b *Builder) Credentials() []*CredentialMetadata {
	out := make([]*CredentialMetadata, 0, len(b.credentials))
	for _, m := range b.credentials {
		out = append(out, m.Clone())
	}
	return out
}

// AddSuccess records a successful handler result under name.
func (b *Builder) AddSuccess(name string, r *HandlerResult) *Builder {
	if _, ok := b.successes[name]; !ok {
		b.successNames = append(b.successNames, name)
	}
	b.successes[name] = r.clone()
	return b
}

// AddFailure records a failure under name. A name already holding a success
// gets a numeric suffix so neither outcome is lost.
func (b *Builder) AddFailure(name string, f Failure) *Builder {
	key := name
	for i := 2; ; i++ {
		if _, ok := b.successes[key]; !ok {
			break
		}
		key = name + "#" + strconv.Itoa(i)
	}
	if _, ok := b.failures[key]; !ok {
		b.failureNames = append(b.failureNames, key)
	}
	b.failures[key] = f
	return b
}

func (b *Builder) HasSuccess(name string) bool {
	_, ok := b.successes[name]
	return ok
}

// SuccessNames returns successful handler names in the order they succeeded.
func (b *Builder) SuccessNames() []string { return append([]string(nil), b.successNames...) }

// FailureNames returns failure keys in the order they were recorded.
func (b *Builder) FailureNames() []string { return append([]string(nil), b.failureNames...) }

func (b *Builder) Failures() map[string]Failure {
	out := make(map[string]Failure, len(b.failures))
	for k, v := range b.failures {
		out[k] = v
	}
	return out
}

func (b *Builder) Successes() map[string]*HandlerResult {
	out := make(map[string]*HandlerResult, len(b.successes))
	for k, v := range b.successes {
		out[k] = v.clone()
	}
	return out
}

// AddAttribute sets key to exactly values.
func (b *Builder) AddAttribute(key string, values ...any) *Builder {
	b.attributes[key] = append([]any(nil), values...)
	return b
}

// MergeAttribute adds values to key, skipping duplicates.
func (b *Builder) MergeAttribute(key string, values ...any) *Builder {
	b.attributes[key] = unionValues(b.attributes[key], values)
	return b
}

func (b *Builder) Attribute(key string) []any {
	return append([]any(nil), b.attributes[key]...)
}

func (b *Builder) HasAttribute(key string) bool {
	_, ok := b.attributes[key]
	return ok
}

func (b *Builder) AddWarning(msg string) *Builder {
	b.warnings = append(b.warnings, msg)
	return b
}

// Update folds other into the builder. Attribute keys present on both sides
// (top-level and principal) become the union of their values. Successes,
// failures and credentials already recorded are kept.
func (b *Builder) Update(other *Authentication) *Builder {
	if other == nil {
		return b
	}
	b.attributes.update(other.attributes)
	if other.principal != nil {
		if b.principal == nil {
			b.principal = other.principal.Clone()
		} else {
			b.principal.Attributes.update(other.principal.Attributes)
		}
	}
	for _, name := range other.successNames {
		if !b.HasSuccess(name) {
			b.AddSuccess(name, other.successes[name])
		}
	}
	for _, name := range other.failureNames {
		if _, ok := b.failures[name]; !ok {
			b.AddFailure(name, other.failures[name])
		}
	}
	b.mergeCredentials(other)
	b.warnings = append(b.warnings, other.warnings...)
	return b
}

// Replace folds other into the builder. Attribute keys present in other
// overwrite existing values and keys absent from other are left untouched.
// The incoming principal id, successes and failures win.
func (b *Builder) Replace(other *Authentication) *Builder {
	if other == nil {
		return b
	}
	b.attributes.replace(other.attributes)
	if other.principal != nil {
		if b.principal == nil {
			b.principal = other.principal.Clone()
		} else {
			b.principal.ID = other.principal.ID
			b.principal.Attributes.replace(other.principal.Attributes)
		}
	}
	for _, name := range other.successNames {
		b.AddSuccess(name, other.successes[name])
	}
	for _, name := range other.failureNames {
		b.AddFailure(name, other.failures[name])
	}
	b.mergeCredentials(other)
	b.warnings = append(b.warnings, other.warnings...)
	return b
}

func (b *Builder) mergeCredentials(other *Authentication) {
	for _, m := range other.credentials {
		b.AddCredential(m)
	}
}

// Build returns an immutable snapshot. The builder stays usable.
func (b *Builder) Build() *Authentication {
	a := &Authentication{
		principal:       b.principal.Clone(),
		authenticatedAt: b.authenticatedAt,
		successNames:    append([]string(nil), b.successNames...),
		successes:       make(map[string]*HandlerResult, len(b.successes)),
		failureNames:    append([]string(nil), b.failureNames...),
		failures:        make(map[string]Failure, len(b.failures)),
		attributes:      b.attributes.Clone(),
		warnings:        append([]string(nil), b.warnings...),
	}
	for _, m := range b.credentials {
		a.credentials = append(a.credentials, m.Clone())
	}
	for k, v := range b.successes {
		a.successes[k] = v.clone()
	}
	for k, v := range b.failures {
		a.failures[k] = v
	}
	return a
}
