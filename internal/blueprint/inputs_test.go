package blueprint

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keremk/tutopanda-sub001/internal/canonical"
)

func storyTree(t *testing.T) *Node {
	t.Helper()
	root, err := Parse([]byte(storyModule), storyLibrary(t))
	require.NoError(t, err)
	return root
}

func TestParseInputs_CanonicalisesKeys(t *testing.T) {
	doc := `
inputs:
  Topic: volcanoes
  Images.SegmentCount: 3
  Style: oil painting
`
	in, err := ParseInputs([]byte(doc), storyTree(t))
	require.NoError(t, err)
	require.Equal(t, "volcanoes", in.Values["Input:Topic"])
	require.Equal(t, 3, in.Values["Input:Images.SegmentCount"])
	// Style is unique across the tree, so the base name resolves.
	require.Equal(t, "oil painting", in.Values["Input:Images.Style"])
	// Root SegmentCount keeps its declared default.
	require.Equal(t, 2, in.Values["Input:SegmentCount"])
}

func TestParseInputs_AmbiguousBaseNameListsCandidates(t *testing.T) {
	doc := `
inputs:
  Topic: volcanoes
  SegmentCount: 5
`
	_, err := ParseInputs([]byte(doc), storyTree(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "ambiguous")
	require.Contains(t, err.Error(), "Input:SegmentCount")
	require.Contains(t, err.Error(), "Input:Images.SegmentCount")
}

func TestParseInputs_RequiredWithoutValue(t *testing.T) {
	_, err := ParseInputs([]byte(`inputs: {}`), storyTree(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "Input:Topic")
}

func TestParseInputs_DuplicateKeyForms(t *testing.T) {
	doc := `
inputs:
  Topic: volcanoes
  "Input:Topic": earthquakes
`
	_, err := ParseInputs([]byte(doc), storyTree(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate")
}

func TestParseInputs_ModelSelectionFragments(t *testing.T) {
	doc := `
inputs:
  Topic: volcanoes
  ImageGenerator.provider: gemini
  ImageGenerator.model: imagen-3
`
	in, err := ParseInputs([]byte(doc), storyTree(t))
	require.NoError(t, err)

	prod := canonical.MustParse("Producer:Images.ImageGenerator")
	sel, ok := in.SelectionFor(prod)
	require.True(t, ok)
	require.Equal(t, ProviderGemini, sel.Provider)
	require.Equal(t, "imagen-3", sel.Model)

	require.Equal(t, "gemini", in.Values["Input:Images.ImageGenerator.provider"])
	require.Equal(t, "imagen-3", in.Values["Input:Images.ImageGenerator.model"])
}

func TestParseInputs_ModelsSectionMergesUnderFragments(t *testing.T) {
	doc := `
inputs:
  Topic: volcanoes
  ImageGenerator.model: flux-pro
models:
  - producerId: ImageGenerator
    provider: replicate
    model: flux-dev
    config:
      quality: high
      sampling:
        steps: 40
`
	in, err := ParseInputs([]byte(doc), storyTree(t))
	require.NoError(t, err)

	sel, ok := in.SelectionFor(canonical.MustParse("Producer:Images.ImageGenerator"))
	require.True(t, ok)
	// The explicit per-key fragment wins over the models entry.
	require.Equal(t, "flux-pro", sel.Model)
	require.Equal(t, ProviderReplicate, sel.Provider)

	require.Equal(t, "high", in.Values["Input:Images.ImageGenerator.quality"])
	require.Equal(t, 40, in.Values["Input:Images.ImageGenerator.sampling.steps"])
}

func TestParseInputs_SelectionNeedsProviderAndModel(t *testing.T) {
	doc := `
inputs:
  Topic: volcanoes
  ImageGenerator.model: flux-dev
`
	_, err := ParseInputs([]byte(doc), storyTree(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "provider and model")
}

func TestParseInputs_UnknownKeyRejected(t *testing.T) {
	doc := `
inputs:
  Topic: volcanoes
  Nonsense: 1
`
	_, err := ParseInputs([]byte(doc), storyTree(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "Nonsense")
}

func TestParseInputs_InquiryOverrideUndeclaredBindsAtRoot(t *testing.T) {
	doc := `
inputs:
  Topic: volcanoes
inquiryPrompt: "Focus on eruptions"
`
	in, err := ParseInputs([]byte(doc), storyTree(t))
	require.NoError(t, err)
	require.Equal(t, "Focus on eruptions", in.Values["Input:InquiryPrompt"])
}

func TestParseInputs_InquiryOverrideBindsDeclaredInput(t *testing.T) {
	module := `
name: inquiry
inputs:
  - name: InquiryPrompt
    type: text
    default: ""
artifacts:
  - name: A
    type: text
producers:
  - name: P
    produces: [A]
    variants:
      - priority: main
        provider: openai
        model: m
`
	root, err := Parse([]byte(module), NewLibrary())
	require.NoError(t, err)

	in, err := ParseInputs([]byte("inquiryPrompt: deeper\n"), root)
	require.NoError(t, err)
	require.Equal(t, "deeper", in.Values["Input:InquiryPrompt"])
}
