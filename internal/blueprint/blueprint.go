// Package blueprint models the declarative description of producers,
// artifacts, and their wiring as a namespace tree, and loads it together
// with the user's inputs document.
package blueprint

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/keremk/tutopanda-sub001/internal/canonical"
)

// ParseError is fatal and user-facing; no plan is produced after one.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string { return "blueprint parse: " + e.Message }

func parseErrorf(format string, args ...any) error {
	return &ParseError{Message: fmt.Sprintf(format, args...)}
}

type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderGemini     Provider = "gemini"
	ProviderReplicate  Provider = "replicate"
	ProviderElevenLabs Provider = "elevenlabs"
	ProviderCustom     Provider = "custom"
	ProviderInternal   Provider = "internal"
)

func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai":
		return ProviderOpenAI, nil
	case "gemini":
		return ProviderGemini, nil
	case "replicate":
		return ProviderReplicate, nil
	case "elevenlabs":
		return ProviderElevenLabs, nil
	case "custom":
		return ProviderCustom, nil
	case "internal":
		return ProviderInternal, nil
	default:
		return "", fmt.Errorf("unknown provider: %q", s)
	}
}

func (p Provider) Valid() bool {
	_, err := ParseProvider(string(p))
	return err == nil
}

type Priority string

const (
	PriorityMain     Priority = "main"
	PriorityFallback Priority = "fallback"
)

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "main":
		return PriorityMain, nil
	case "fallback":
		return PriorityFallback, nil
	default:
		return "", fmt.Errorf("invalid variant priority: %q", s)
	}
}

// InputDecl declares one input a blueprint node accepts.
type InputDecl struct {
	Name     string
	Type     string
	Required bool
	Default  any
}

// CountSpec declares one fan-out dimension: the input carrying the
// cardinality and the index key instances are addressed by.
type CountSpec struct {
	Input string
	Index string
}

// ArtifactDecl declares one artifact. Counts are ordered outer to inner;
// nested artifacts list their parents' dimensions first.
type ArtifactDecl struct {
	Name   string
	Type   string
	Counts []CountSpec
}

// Variant is one provider+model rendition of a producer.
type Variant struct {
	Provider       Provider
	Model          string
	Config         map[string]any
	SystemPrompt   string
	UserPrompt     string
	Variables      []string
	ResponseSchema json.RawMessage
	TextFormat     string
	Priority       Priority
}

// Binding wires one producer input alias to a source reference. A non-empty
// GroupBy marks the binding as fan-in aggregation.
type Binding struct {
	Alias   string
	Source  string
	GroupBy string
	OrderBy string
}

// ProducerDecl declares a producer and the artifacts it emits.
type ProducerDecl struct {
	Name     string
	Produces []string
	Inputs   []Binding
	Variants []Variant
}

// MainVariant returns the variant with priority main.
func (p *ProducerDecl) MainVariant() (Variant, bool) {
	for _, v := range p.Variants {
		if v.Priority == PriorityMain {
			return v, true
		}
	}
	return Variant{}, false
}

// Fallbacks returns the fallback variants in declaration order.
func (p *ProducerDecl) Fallbacks() []Variant {
	var out []Variant
	for _, v := range p.Variants {
		if v.Priority == PriorityFallback {
			out = append(out, v)
		}
	}
	return out
}

// SubRef references a module to expand as a child node.
type SubRef struct {
	Alias  string
	Module string
}

// Node is one namespace in the blueprint tree.
type Node struct {
	Path      []string
	Inputs    []InputDecl
	Artifacts []ArtifactDecl
	Producers []ProducerDecl
	Refs      []SubRef
	Children  []*Node
}

// Walk visits the node and all descendants depth-first.
func (n *Node) Walk(fn func(*Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// InputIDs returns the canonical ids of every declared input in the tree.
func (n *Node) InputIDs() []canonical.ID {
	var out []canonical.ID
	n.Walk(func(node *Node) {
		for _, in := range node.Inputs {
			out = append(out, canonical.InputID(node.Path, in.Name))
		}
	})
	return out
}

// InputDecl finds a declared input by canonical id.
func (n *Node) InputDecl(id canonical.ID) (*InputDecl, bool) {
	var found *InputDecl
	want := id.Base().String()
	n.Walk(func(node *Node) {
		for i := range node.Inputs {
			if canonical.InputID(node.Path, node.Inputs[i].Name).String() == want {
				found = &node.Inputs[i]
			}
		}
	})
	if found == nil {
		return nil, false
	}
	return found, true
}

// ProducerIDs returns the canonical ids of every producer in the tree.
func (n *Node) ProducerIDs() []canonical.ID {
	var out []canonical.ID
	n.Walk(func(node *Node) {
		for _, p := range node.Producers {
			out = append(out, canonical.ProducerID(node.Path, p.Name))
		}
	})
	return out
}

// Validate checks node-local invariants across the whole tree.
func (n *Node) Validate() error {
	var err error
	n.Walk(func(node *Node) {
		if err != nil {
			return
		}
		err = node.validateLocal()
	})
	return err
}

func (n *Node) validateLocal() error {
	ns := strings.Join(n.Path, ".")
	if ns == "" {
		ns = "(root)"
	}
	seen := map[string]string{}
	claim := func(kind, name string) error {
		if name == "" {
			return parseErrorf("%s: %s with empty name", ns, kind)
		}
		if prev, ok := seen[name]; ok {
			return parseErrorf("%s: identifier %q declared as both %s and %s", ns, name, prev, kind)
		}
		seen[name] = kind
		return nil
	}
	for _, in := range n.Inputs {
		if err := claim("input", in.Name); err != nil {
			return err
		}
	}
	artifacts := map[string]bool{}
	for _, a := range n.Artifacts {
		if err := claim("artifact", a.Name); err != nil {
			return err
		}
		artifacts[a.Name] = true
		for _, c := range a.Counts {
			if strings.TrimSpace(c.Input) == "" || strings.TrimSpace(c.Index) == "" {
				return parseErrorf("%s: artifact %q has a count without input or index", ns, a.Name)
			}
		}
	}
	for _, p := range n.Producers {
		if err := claim("producer", p.Name); err != nil {
			return err
		}
		if len(p.Produces) == 0 {
			return parseErrorf("%s: producer %q produces nothing", ns, p.Name)
		}
		for _, a := range p.Produces {
			if !artifacts[a] {
				return parseErrorf("%s: producer %q produces unknown artifact %q", ns, p.Name, a)
			}
		}
		if len(p.Variants) == 0 {
			return parseErrorf("%s: producer %q has no variants", ns, p.Name)
		}
		mains := 0
		for _, v := range p.Variants {
			if !v.Provider.Valid() {
				return parseErrorf("%s: producer %q has invalid provider %q", ns, p.Name, v.Provider)
			}
			if strings.TrimSpace(v.Model) == "" && v.Provider != ProviderInternal {
				return parseErrorf("%s: producer %q has a variant without a model", ns, p.Name)
			}
			if v.Priority == PriorityMain {
				mains++
			}
		}
		if mains != 1 {
			return parseErrorf("%s: producer %q must declare exactly one main variant (got %d)", ns, p.Name, mains)
		}
		aliases := map[string]bool{}
		for _, b := range p.Inputs {
			if strings.TrimSpace(b.Alias) == "" || strings.TrimSpace(b.Source) == "" {
				return parseErrorf("%s: producer %q has a binding without alias or source", ns, p.Name)
			}
			if aliases[b.Alias] {
				return parseErrorf("%s: producer %q binds alias %q twice", ns, p.Name, b.Alias)
			}
			aliases[b.Alias] = true
			if b.OrderBy != "" && b.GroupBy == "" {
				return parseErrorf("%s: producer %q binding %q sets orderBy without groupBy", ns, p.Name, b.Alias)
			}
		}
	}
	for _, r := range n.Refs {
		if err := claim("blueprint ref", r.Alias); err != nil {
			return err
		}
	}
	return nil
}
