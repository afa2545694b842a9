package session

import "sort"

// PolicyKind identifies which shape an encrypted-fields Policy has.
type PolicyKind int

const (
	// PolicyBool encrypts every designated field or none of them.
	PolicyBool PolicyKind = iota
	// PolicyFields encrypts exactly the named fields.
	PolicyFields
	// PolicyPredicate asks a caller supplied function on every access.
	PolicyPredicate
)

func (k PolicyKind) String() string {
	switch k {
	case PolicyBool:
		return "bool"
	case PolicyFields:
		return "fields"
	case PolicyPredicate:
		return "predicate"
	default:
		return "unknown"
	}
}

// Policy decides which secret fields are encrypted at rest. The zero value
// encrypts nothing.
type Policy struct {
	kind   PolicyKind
	all    bool
	fields map[string]struct{}
	pred   func(field string) bool
}

// EncryptAll designates every secret field.
func EncryptAll() Policy { return Policy{kind: PolicyBool, all: true} }

// EncryptNone designates no field.
func EncryptNone() Policy { return Policy{kind: PolicyBool} }

// EncryptBool returns EncryptAll when b is true and EncryptNone otherwise.
func EncryptBool(b bool) Policy { return Policy{kind: PolicyBool, all: b} }

// EncryptFields designates exactly the named fields, such as "authKey", in
// every datacenter.
func EncryptFields(names ...string) Policy {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return Policy{kind: PolicyFields, fields: set}
}

// EncryptIf consults fn for every field access. A nil fn encrypts nothing.
func EncryptIf(fn func(field string) bool) Policy {
	if fn == nil {
		return EncryptNone()
	}
	return Policy{kind: PolicyPredicate, pred: fn}
}

// Kind reports the policy shape.
func (p Policy) Kind() PolicyKind { return p.kind }

// Encrypts reports whether field is designated by the policy.
func (p Policy) Encrypts(field string) bool {
	switch p.kind {
	case PolicyFields:
		_, ok := p.fields[field]
		return ok
	case PolicyPredicate:
		return p.pred(field)
	default:
		return p.all
	}
}

// MayEncrypt reports whether any field could be designated, which is when a
// cipher becomes mandatory.
func (p Policy) MayEncrypt() bool {
	switch p.kind {
	case PolicyFields:
		return len(p.fields) > 0
	case PolicyPredicate:
		return true
	default:
		return p.all
	}
}

// Fields returns the designated names of a PolicyFields policy, sorted.
func (p Policy) Fields() []string {
	if p.kind != PolicyFields {
		return nil
	}
	out := make([]string, 0, len(p.fields))
	for name := range p.fields {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
