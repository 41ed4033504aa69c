package interceptors

import (
	"slices"
	"strings"

	"github.com/glimte/mmate-dispatch/contracts"
)

// Descriptor identifies a message type for policy evaluation
type Descriptor struct {
	Type string
	Kind contracts.Kind
}

// Policy decides whether a middleware applies to a message type.
// Policies are evaluated once per type when chains are built.
type Policy interface {
	Applies(d Descriptor) bool
}

// PolicyFunc is a function adapter for Policy
type PolicyFunc func(d Descriptor) bool

// Applies implements Policy
func (f PolicyFunc) Applies(d Descriptor) bool {
	return f(d)
}

// All applies to every message type
func All() Policy {
	return PolicyFunc(func(Descriptor) bool { return true })
}

// OfKind applies to messages of any of the given kinds
func OfKind(kinds ...contracts.Kind) Policy {
	return PolicyFunc(func(d Descriptor) bool {
		return slices.Contains(kinds, d.Kind)
	})
}

// Commands applies to commands only
func Commands() Policy {
	return OfKind(contracts.KindCommand)
}

// Queries applies to queries only
func Queries() Policy {
	return OfKind(contracts.KindQuery)
}

// Events applies to events only
func Events() Policy {
	return OfKind(contracts.KindEvent)
}

// Types applies to the listed type tags
func Types(types ...string) Policy {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return PolicyFunc(func(d Descriptor) bool {
		_, ok := set[d.Type]
		return ok
	})
}

// TypePrefix applies to type tags in a namespace, e.g. "orders."
func TypePrefix(prefix string) Policy {
	return PolicyFunc(func(d Descriptor) bool {
		return strings.HasPrefix(d.Type, prefix)
	})
}

// Not inverts a policy
func Not(p Policy) Policy {
	return PolicyFunc(func(d Descriptor) bool {
		return !p.Applies(d)
	})
}

// AnyOf applies when at least one policy applies
func AnyOf(policies ...Policy) Policy {
	return PolicyFunc(func(d Descriptor) bool {
		for _, p := range policies {
			if p.Applies(d) {
				return true
			}
		}
		return false
	})
}

// AllOf applies when every policy applies
func AllOf(policies ...Policy) Policy {
	return PolicyFunc(func(d Descriptor) bool {
		for _, p := range policies {
			if !p.Applies(d) {
				return false
			}
		}
		return true
	})
}
