package token

import (
	"fmt"
	"sort"
	"strings"
)

// ScopeSet is the canonical in-memory representation of a token's scopes.
// Providers encode the scope claim either as a space-delimited string or as
// an array of strings; both normalize to the same set.
type ScopeSet map[string]struct{}

// NormalizeScopes converts a raw scope claim value into a ScopeSet. A nil or
// absent claim normalizes to an empty set.
func NormalizeScopes(claim any) (ScopeSet, error) {
	set := make(ScopeSet)
	switch v := claim.(type) {
	case nil:
	case string:
		for _, s := range strings.Fields(v) {
			set[s] = struct{}{}
		}
	case []string:
		for _, s := range v {
			if s != "" {
				set[s] = struct{}{}
			}
		}
	case []any:
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("scope array contains non-string element")
			}
			if s != "" {
				set[s] = struct{}{}
			}
		}
	default:
		return nil, fmt.Errorf("scope claim has unsupported type %T", claim)
	}
	return set, nil
}

// Has reports whether the set contains the given scope.
func (s ScopeSet) Has(scope string) bool {
	_, ok := s[scope]
	return ok
}

// HasAll reports whether the set contains every given scope.
func (s ScopeSet) HasAll(scopes ...string) bool {
	for _, scope := range scopes {
		if !s.Has(scope) {
			return false
		}
	}
	return true
}

// Missing returns the subset of required scopes absent from the set.
func (s ScopeSet) Missing(required []string) []string {
	var missing []string
	for _, scope := range required {
		if !s.Has(scope) {
			missing = append(missing, scope)
		}
	}
	return missing
}

// List returns the scopes in sorted order.
func (s ScopeSet) List() []string {
	list := make([]string, 0, len(s))
	for scope := range s {
		list = append(list, scope)
	}
	sort.Strings(list)
	return list
}
