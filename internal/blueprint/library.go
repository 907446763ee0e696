package blueprint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/keremk/tutopanda-sub001/internal/canonical"
)

// moduleDoc is the YAML file shape of one blueprint module.
type moduleDoc struct {
	Name      string `yaml:"name"`
	Inputs    []struct {
		Name     string `yaml:"name"`
		Type     string `yaml:"type"`
		Required bool   `yaml:"required"`
		Default  any    `yaml:"default"`
	} `yaml:"inputs"`
	Artifacts []struct {
		Name   string `yaml:"name"`
		Type   string `yaml:"type"`
		Counts []struct {
			Input string `yaml:"input"`
			Index string `yaml:"index"`
		} `yaml:"counts"`
	} `yaml:"artifacts"`
	Producers []struct {
		Name     string   `yaml:"name"`
		Produces []string `yaml:"produces"`
		Inputs   []struct {
			Alias   string `yaml:"alias"`
			Source  string `yaml:"source"`
			GroupBy string `yaml:"groupBy"`
			OrderBy string `yaml:"orderBy"`
		} `yaml:"inputs"`
		Variants []struct {
			Priority       string         `yaml:"priority"`
			Provider       string         `yaml:"provider"`
			Model          string         `yaml:"model"`
			Config         map[string]any `yaml:"config"`
			SystemPrompt   string         `yaml:"systemPrompt"`
			UserPrompt     string         `yaml:"userPrompt"`
			Variables      []string       `yaml:"variables"`
			ResponseSchema map[string]any `yaml:"responseSchema"`
			TextFormat     string         `yaml:"textFormat"`
		} `yaml:"variants"`
	} `yaml:"producers"`
	Blueprints []struct {
		Alias  string `yaml:"alias"`
		Module string `yaml:"module"`
	} `yaml:"blueprints"`
}

// Library holds blueprint modules addressable by name for sub-blueprint
// expansion.
type Library struct {
	modules map[string]*moduleDoc
}

func NewLibrary() *Library {
	return &Library{modules: map[string]*moduleDoc{}}
}

// AddModule parses a module document and registers it under its name.
func (l *Library) AddModule(doc []byte) (string, error) {
	m, err := decodeModule(doc)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(m.Name) == "" {
		return "", parseErrorf("module document missing name")
	}
	if _, ok := l.modules[m.Name]; ok {
		return "", parseErrorf("duplicate module name %q", m.Name)
	}
	l.modules[m.Name] = m
	return m.Name, nil
}

// Module returns the named module document.
func (l *Library) module(name string) (*moduleDoc, bool) {
	m, ok := l.modules[name]
	return m, ok
}

// LoadLibraryDir discovers every *.yaml / *.yml module under dir.
func LoadLibraryDir(dir string) (*Library, error) {
	lib := NewLibrary()
	matches, err := doublestar.FilepathGlob(filepath.Join(dir, "**", "*.{yaml,yml}"))
	if err != nil {
		return nil, err
	}
	for _, p := range matches {
		doc, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if _, err := lib.AddModule(doc); err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return lib, nil
}

func decodeModule(doc []byte) (*moduleDoc, error) {
	var m moduleDoc
	dec := yaml.NewDecoder(strings.NewReader(string(doc)))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, parseErrorf("malformed blueprint document: %v", err)
	}
	return &m, nil
}

// toNode converts a decoded module into a Node rooted at path.
func (m *moduleDoc) toNode(path []string) (*Node, error) {
	n := &Node{Path: append([]string{}, path...)}
	for _, in := range m.Inputs {
		n.Inputs = append(n.Inputs, InputDecl{
			Name:     in.Name,
			Type:     in.Type,
			Required: in.Required,
			Default:  in.Default,
		})
	}
	for _, a := range m.Artifacts {
		decl := ArtifactDecl{Name: a.Name, Type: a.Type}
		for _, c := range a.Counts {
			decl.Counts = append(decl.Counts, CountSpec{Input: c.Input, Index: c.Index})
		}
		n.Artifacts = append(n.Artifacts, decl)
	}
	for _, p := range m.Producers {
		decl := ProducerDecl{Name: p.Name, Produces: append([]string{}, p.Produces...)}
		for _, b := range p.Inputs {
			decl.Inputs = append(decl.Inputs, Binding{
				Alias:   b.Alias,
				Source:  b.Source,
				GroupBy: b.GroupBy,
				OrderBy: b.OrderBy,
			})
		}
		for _, v := range p.Variants {
			priority, err := ParsePriority(v.Priority)
			if err != nil {
				return nil, parseErrorf("producer %q: %v", p.Name, err)
			}
			provider, err := ParseProvider(v.Provider)
			if err != nil {
				return nil, parseErrorf("producer %q: %v", p.Name, err)
			}
			variant := Variant{
				Provider:     provider,
				Model:        v.Model,
				Config:       v.Config,
				SystemPrompt: v.SystemPrompt,
				UserPrompt:   v.UserPrompt,
				Variables:    append([]string{}, v.Variables...),
				TextFormat:   v.TextFormat,
				Priority:     priority,
			}
			if len(v.ResponseSchema) > 0 {
				raw, err := compileResponseSchema(p.Name, v.ResponseSchema)
				if err != nil {
					return nil, err
				}
				variant.ResponseSchema = raw
			}
			decl.Variants = append(decl.Variants, variant)
		}
		n.Producers = append(n.Producers, decl)
	}
	for _, r := range m.Blueprints {
		n.Refs = append(n.Refs, SubRef{Alias: r.Alias, Module: r.Module})
	}
	return n, nil
}

// compileResponseSchema checks the declared schema is a valid JSON Schema
// and returns its canonical JSON encoding.
func compileResponseSchema(producer string, schema map[string]any) (json.RawMessage, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, parseErrorf("producer %q: encode responseSchema: %v", producer, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, parseErrorf("producer %q: invalid responseSchema: %v", producer, err)
	}
	if _, err := c.Compile("schema.json"); err != nil {
		return nil, parseErrorf("producer %q: invalid responseSchema: %v", producer, err)
	}
	return raw, nil
}

// Parse expands the root document against the library into a validated
// blueprint tree.
func Parse(rootDoc []byte, lib *Library) (*Node, error) {
	m, err := decodeModule(rootDoc)
	if err != nil {
		return nil, err
	}
	if lib == nil {
		lib = NewLibrary()
	}
	visiting := map[string]bool{}
	if m.Name != "" {
		visiting[m.Name] = true
	}
	root, err := expand(m, nil, lib, visiting)
	if err != nil {
		return nil, err
	}
	if err := root.Validate(); err != nil {
		return nil, err
	}
	if err := checkInputCollisions(root); err != nil {
		return nil, err
	}
	return root, nil
}

func expand(m *moduleDoc, path []string, lib *Library, visiting map[string]bool) (*Node, error) {
	n, err := m.toNode(path)
	if err != nil {
		return nil, err
	}
	for _, ref := range n.Refs {
		child, ok := lib.module(ref.Module)
		if !ok {
			return nil, parseErrorf("unknown blueprint module %q (ref alias %q)", ref.Module, ref.Alias)
		}
		if visiting[ref.Module] {
			return nil, parseErrorf("blueprint module cycle through %q", ref.Module)
		}
		visiting[ref.Module] = true
		childNode, err := expand(child, append(append([]string{}, path...), ref.Alias), lib, visiting)
		if err != nil {
			return nil, err
		}
		delete(visiting, ref.Module)
		n.Children = append(n.Children, childNode)
	}
	return n, nil
}

// checkInputCollisions rejects two declarations flattening to the same
// canonical input id (e.g. a namespace alias colliding with a dotted name).
func checkInputCollisions(root *Node) error {
	seen := map[string]bool{}
	var err error
	root.Walk(func(n *Node) {
		if err != nil {
			return
		}
		for _, in := range n.Inputs {
			id := canonical.InputID(n.Path, in.Name).String()
			if seen[id] {
				err = parseErrorf("duplicate canonical input id %s", id)
				return
			}
			seen[id] = true
		}
	})
	return err
}
