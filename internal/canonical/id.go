// Package canonical defines the fully-qualified identifier grammar used for
// every input, artifact, and producer in a blueprint tree, plus the resolver
// that maps user-supplied short names back to canonical form.
//
// Wire format:
//
//	Input:Namespace.Name
//	Artifact:Namespace.Name[segment=0][image=2]
//	Producer:Namespace.Name[segment=0]
//
// The qualified name joins the namespace path with ".". Index brackets are
// rendered sorted lexicographically by key; two ids are equal iff kind,
// qualified name, and index assignment set are identical.
package canonical

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type Kind string

const (
	KindInput    Kind = "Input"
	KindArtifact Kind = "Artifact"
	KindProducer Kind = "Producer"
)

func ParseKind(s string) (Kind, error) {
	switch s {
	case string(KindInput):
		return KindInput, nil
	case string(KindArtifact):
		return KindArtifact, nil
	case string(KindProducer):
		return KindProducer, nil
	default:
		return "", fmt.Errorf("invalid canonical id kind: %q", s)
	}
}

func (k Kind) Valid() bool {
	_, err := ParseKind(string(k))
	return err == nil
}

// Index is a single fan-out index assignment, e.g. segment=0.
type Index struct {
	Key   string
	Value int
}

// ID is a parsed canonical id.
type ID struct {
	Kind    Kind
	Path    []string
	Name    string
	Indices []Index
}

func InputID(path []string, name string) ID {
	return ID{Kind: KindInput, Path: copyPath(path), Name: name}
}

func ArtifactID(path []string, name string, indices ...Index) ID {
	return ID{Kind: KindArtifact, Path: copyPath(path), Name: name, Indices: sortedIndices(indices)}
}

func ProducerID(path []string, name string, indices ...Index) ID {
	return ID{Kind: KindProducer, Path: copyPath(path), Name: name, Indices: sortedIndices(indices)}
}

// Qualified returns the dotted namespace-qualified name without kind or indices.
func (id ID) Qualified() string {
	if len(id.Path) == 0 {
		return id.Name
	}
	return strings.Join(id.Path, ".") + "." + id.Name
}

// Base returns the id with all index assignments stripped.
func (id ID) Base() ID {
	return ID{Kind: id.Kind, Path: copyPath(id.Path), Name: id.Name}
}

// WithIndices returns a copy of the id carrying the given index assignments.
func (id ID) WithIndices(indices []Index) ID {
	out := id.Base()
	out.Indices = sortedIndices(indices)
	return out
}

// IndexValue returns the assignment for the given index key.
func (id ID) IndexValue(key string) (int, bool) {
	for _, ix := range id.Indices {
		if ix.Key == key {
			return ix.Value, true
		}
	}
	return 0, false
}

func (id ID) String() string {
	var b strings.Builder
	b.WriteString(string(id.Kind))
	b.WriteString(":")
	b.WriteString(id.Qualified())
	for _, ix := range sortedIndices(id.Indices) {
		fmt.Fprintf(&b, "[%s=%d]", ix.Key, ix.Value)
	}
	return b.String()
}

func (id ID) Equal(other ID) bool {
	if id.Kind != other.Kind || id.Qualified() != other.Qualified() {
		return false
	}
	if len(id.Indices) != len(other.Indices) {
		return false
	}
	a := sortedIndices(id.Indices)
	b := sortedIndices(other.Indices)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Parse decodes a canonical id string.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	colon := strings.Index(s, ":")
	if colon <= 0 {
		return ID{}, fmt.Errorf("invalid canonical id: %q", s)
	}
	kind, err := ParseKind(s[:colon])
	if err != nil {
		return ID{}, err
	}
	rest := s[colon+1:]

	qualified := rest
	var indices []Index
	if bracket := strings.Index(rest, "["); bracket >= 0 {
		qualified = rest[:bracket]
		indices, err = parseIndices(rest[bracket:])
		if err != nil {
			return ID{}, fmt.Errorf("invalid canonical id %q: %w", s, err)
		}
	}
	qualified = strings.TrimSpace(qualified)
	if qualified == "" {
		return ID{}, fmt.Errorf("invalid canonical id: empty qualified name in %q", s)
	}
	segments := strings.Split(qualified, ".")
	for _, seg := range segments {
		if strings.TrimSpace(seg) == "" {
			return ID{}, fmt.Errorf("invalid canonical id: empty segment in %q", s)
		}
	}
	id := ID{
		Kind:    kind,
		Path:    segments[:len(segments)-1],
		Name:    segments[len(segments)-1],
		Indices: sortedIndices(indices),
	}
	return id, nil
}

// MustParse is Parse for ids known valid at compile time; it panics on error.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func parseIndices(s string) ([]Index, error) {
	var out []Index
	seen := map[string]bool{}
	for s != "" {
		if !strings.HasPrefix(s, "[") {
			return nil, fmt.Errorf("malformed index brackets: %q", s)
		}
		end := strings.Index(s, "]")
		if end < 0 {
			return nil, fmt.Errorf("unterminated index bracket: %q", s)
		}
		body := s[1:end]
		eq := strings.Index(body, "=")
		if eq <= 0 {
			return nil, fmt.Errorf("malformed index assignment: %q", body)
		}
		key := strings.TrimSpace(body[:eq])
		val, err := strconv.Atoi(strings.TrimSpace(body[eq+1:]))
		if err != nil {
			return nil, fmt.Errorf("non-integer index value in %q", body)
		}
		if seen[key] {
			return nil, fmt.Errorf("duplicate index key %q", key)
		}
		seen[key] = true
		out = append(out, Index{Key: key, Value: val})
		s = s[end+1:]
	}
	return out, nil
}

func sortedIndices(in []Index) []Index {
	if len(in) == 0 {
		return nil
	}
	out := append([]Index{}, in...)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func copyPath(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	return append([]string{}, in...)
}

// FormatCanonicalInputID builds the canonical id string for a declared input.
func FormatCanonicalInputID(path []string, name string) string {
	return InputID(path, name).String()
}

// ProducerScopedInputID builds the canonical id for a producer-scoped
// configuration key. Nested config keys are flattened with "." before they
// reach this function.
func ProducerScopedInputID(producer ID, key string) ID {
	path := append(copyPath(producer.Path), producer.Name)
	return InputID(path, key)
}
