package blueprint

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/keremk/tutopanda-sub001/internal/canonical"
)

// inquiryPromptInputName is the declared input the top-level override binds to.
const inquiryPromptInputName = "InquiryPrompt"

// ModelSelection pins a producer to a provider+model with optional config.
type ModelSelection struct {
	Producer canonical.ID
	Provider Provider
	Model    string
	Config   map[string]any
}

// LoadedInputs is the normalised input surface the planner consumes. Values
// is keyed by canonical input id string.
type LoadedInputs struct {
	Values     map[string]any
	Selections []ModelSelection
}

// SelectionFor returns the selection for a producer, if any.
func (in *LoadedInputs) SelectionFor(producer canonical.ID) (ModelSelection, bool) {
	want := producer.Base().String()
	for _, sel := range in.Selections {
		if sel.Producer.Base().String() == want {
			return sel, true
		}
	}
	return ModelSelection{}, false
}

type inputsDoc struct {
	Inputs map[string]any `yaml:"inputs"`
	Models []struct {
		ProducerID string         `yaml:"producerId"`
		Provider   string         `yaml:"provider"`
		Model      string         `yaml:"model"`
		Config     map[string]any `yaml:"config"`
	} `yaml:"models"`
	InquiryPrompt any `yaml:"inquiryPrompt"`
}

// ParseInputs loads the inputs document against the blueprint tree: every
// user key is canonicalised, required inputs are checked, model selections
// are merged, and selection config is flattened back into the value map
// under producer-scoped canonical ids.
func ParseInputs(doc []byte, root *Node) (*LoadedInputs, error) {
	var d inputsDoc
	dec := yaml.NewDecoder(strings.NewReader(string(doc)))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, parseErrorf("malformed inputs document: %v", err)
	}

	resolver := canonical.NewResolver(root.InputIDs())
	producers := newProducerIndex(root)

	out := &LoadedInputs{Values: map[string]any{}}
	// provider/model fragments keyed by producer canonical string.
	fragments := map[string]*ModelSelection{}

	keys := make([]string, 0, len(d.Inputs))
	for k := range d.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := d.Inputs[key]
		id, err := resolver.ResolveInput(key)
		if err == nil {
			canonicalKey := id.String()
			if _, dup := out.Values[canonicalKey]; dup {
				return nil, parseErrorf("duplicate value for %s (key %q)", canonicalKey, key)
			}
			out.Values[canonicalKey] = value
			continue
		}
		// Producer-scoped model selection keys: <producer>.provider|model.
		prodID, field, ok := producers.selectionKey(key)
		if !ok {
			return nil, &ParseError{Message: err.Error()}
		}
		frag := fragments[prodID.String()]
		if frag == nil {
			frag = &ModelSelection{Producer: prodID}
			fragments[prodID.String()] = frag
		}
		text := strings.TrimSpace(fmt.Sprint(value))
		switch field {
		case "provider":
			provider, err := ParseProvider(text)
			if err != nil {
				return nil, parseErrorf("%s: %v", key, err)
			}
			frag.Provider = provider
		case "model":
			frag.Model = text
		}
	}

	// Top-level models section merges under explicit per-key fragments.
	for _, m := range d.Models {
		prodID, err := producers.resolve(m.ProducerID)
		if err != nil {
			return nil, err
		}
		provider, err := ParseProvider(m.Provider)
		if err != nil {
			return nil, parseErrorf("models entry %q: %v", m.ProducerID, err)
		}
		frag := fragments[prodID.String()]
		if frag == nil {
			frag = &ModelSelection{Producer: prodID}
			fragments[prodID.String()] = frag
		}
		if frag.Provider == "" {
			frag.Provider = provider
		}
		if frag.Model == "" {
			frag.Model = strings.TrimSpace(m.Model)
		}
		if len(m.Config) > 0 {
			if frag.Config == nil {
				frag.Config = map[string]any{}
			}
			for k, v := range m.Config {
				if _, ok := frag.Config[k]; !ok {
					frag.Config[k] = v
				}
			}
		}
	}

	fragKeys := make([]string, 0, len(fragments))
	for k := range fragments {
		fragKeys = append(fragKeys, k)
	}
	sort.Strings(fragKeys)
	for _, k := range fragKeys {
		sel := fragments[k]
		if sel.Provider == "" || sel.Model == "" {
			return nil, parseErrorf("model selection for %s needs both provider and model", sel.Producer)
		}
		out.Selections = append(out.Selections, *sel)
		injectSelection(out.Values, *sel)
	}

	if err := applyDefaultsAndRequired(out.Values, root); err != nil {
		return nil, err
	}
	if d.InquiryPrompt != nil {
		if err := applyInquiryOverride(out.Values, root, resolver, d.InquiryPrompt); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// injectSelection exposes a selection to the planner as producer-scoped
// canonical inputs, with nested config keys flattened by ".".
func injectSelection(values map[string]any, sel ModelSelection) {
	values[canonical.ProducerScopedInputID(sel.Producer, "provider").String()] = string(sel.Provider)
	values[canonical.ProducerScopedInputID(sel.Producer, "model").String()] = sel.Model
	for key, v := range flattenConfig("", sel.Config) {
		values[canonical.ProducerScopedInputID(sel.Producer, key).String()] = v
	}
}

func flattenConfig(prefix string, config map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range config {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flattenConfig(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func applyDefaultsAndRequired(values map[string]any, root *Node) error {
	var err error
	root.Walk(func(n *Node) {
		if err != nil {
			return
		}
		for _, in := range n.Inputs {
			key := canonical.InputID(n.Path, in.Name).String()
			if _, ok := values[key]; ok {
				continue
			}
			if in.Default != nil {
				values[key] = in.Default
				continue
			}
			if in.Required {
				err = parseErrorf("required input %s has no value and no default", key)
				return
			}
		}
	})
	return err
}

func applyInquiryOverride(values map[string]any, root *Node, resolver *canonical.Resolver, value any) error {
	id, err := resolver.ResolveInput(inquiryPromptInputName)
	if err == nil {
		values[id.String()] = value
		return nil
	}
	if ambiguous, ok := err.(*canonical.AmbiguousNameError); ok {
		return &ParseError{Message: ambiguous.Error()}
	}
	// Not declared anywhere: bind at the root namespace.
	values[canonical.InputID(nil, inquiryPromptInputName).String()] = value
	return nil
}

// producerIndex resolves user-facing producer references by base or
// qualified name.
type producerIndex struct {
	byBase      map[string][]canonical.ID
	byQualified map[string]canonical.ID
}

func newProducerIndex(root *Node) *producerIndex {
	idx := &producerIndex{
		byBase:      map[string][]canonical.ID{},
		byQualified: map[string]canonical.ID{},
	}
	for _, id := range root.ProducerIDs() {
		idx.byBase[id.Name] = append(idx.byBase[id.Name], id)
		idx.byQualified[id.Qualified()] = id
	}
	return idx
}

func (idx *producerIndex) resolve(key string) (canonical.ID, error) {
	key = strings.TrimSpace(key)
	if id, ok := idx.byQualified[key]; ok {
		return id, nil
	}
	matches := idx.byBase[key]
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return canonical.ID{}, parseErrorf("unknown producer %q", key)
	default:
		candidates := make([]string, 0, len(matches))
		for _, m := range matches {
			candidates = append(candidates, m.String())
		}
		sort.Strings(candidates)
		return canonical.ID{}, parseErrorf("ambiguous producer %q: candidates %s", key, strings.Join(candidates, ", "))
	}
}

// selectionKey recognises "<producer>.provider" / "<producer>.model" keys.
func (idx *producerIndex) selectionKey(key string) (canonical.ID, string, bool) {
	dot := strings.LastIndex(key, ".")
	if dot <= 0 {
		return canonical.ID{}, "", false
	}
	field := key[dot+1:]
	if field != "provider" && field != "model" {
		return canonical.ID{}, "", false
	}
	id, err := idx.resolve(key[:dot])
	if err != nil {
		return canonical.ID{}, "", false
	}
	return id, field, true
}
