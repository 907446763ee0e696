package canonical

import (
	"fmt"
	"sort"
	"strings"
)

// UnknownInputError reports a key that matches no declared input.
type UnknownInputError struct {
	Key string
}

func (e *UnknownInputError) Error() string {
	return fmt.Sprintf("unknown input: %q", e.Key)
}

// AmbiguousNameError reports a base or qualified name that matches more than
// one declared input. Candidates are canonical id strings, sorted.
type AmbiguousNameError struct {
	Key        string
	Candidates []string
}

func (e *AmbiguousNameError) Error() string {
	return fmt.Sprintf("ambiguous input name %q: candidates %s", e.Key, strings.Join(e.Candidates, ", "))
}

// Resolver maps user-supplied input keys to canonical ids. A key may be a
// full canonical id, a namespace-qualified name, or a base name. Base names
// resolve only when they are unique across the whole tree; inputs sharing a
// base name in sibling namespaces must be referenced fully qualified.
type Resolver struct {
	known       map[string]ID
	byQualified map[string][]ID
	byBase      map[string][]ID
}

func NewResolver(ids []ID) *Resolver {
	r := &Resolver{
		known:       map[string]ID{},
		byQualified: map[string][]ID{},
		byBase:      map[string][]ID{},
	}
	for _, id := range ids {
		if id.Kind != KindInput {
			continue
		}
		key := id.String()
		if _, ok := r.known[key]; ok {
			continue
		}
		r.known[key] = id
		r.byQualified[id.Qualified()] = append(r.byQualified[id.Qualified()], id)
		r.byBase[id.Name] = append(r.byBase[id.Name], id)
	}
	return r
}

// Known reports whether the canonical id string is a declared input.
func (r *Resolver) Known(canonicalID string) bool {
	_, ok := r.known[canonicalID]
	return ok
}

// All returns the declared input ids sorted by canonical string.
func (r *Resolver) All() []ID {
	out := make([]ID, 0, len(r.known))
	for _, id := range r.known {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// ResolveInput resolves key to the canonical id of a declared input.
func (r *Resolver) ResolveInput(key string) (ID, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return ID{}, &UnknownInputError{Key: key}
	}

	// Full canonical form must match the known set exactly.
	if strings.HasPrefix(key, string(KindInput)+":") {
		id, err := Parse(key)
		if err != nil {
			return ID{}, err
		}
		if got, ok := r.known[id.String()]; ok {
			return got, nil
		}
		return ID{}, &UnknownInputError{Key: key}
	}

	if matches, ok := r.byQualified[key]; ok {
		if len(matches) == 1 {
			return matches[0], nil
		}
		return ID{}, &AmbiguousNameError{Key: key, Candidates: idStrings(matches)}
	}

	if matches, ok := r.byBase[key]; ok {
		if len(matches) == 1 {
			return matches[0], nil
		}
		return ID{}, &AmbiguousNameError{Key: key, Candidates: idStrings(matches)}
	}

	return ID{}, &UnknownInputError{Key: key}
}

func idStrings(ids []ID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	sort.Strings(out)
	return out
}
