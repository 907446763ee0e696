package canonical

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDString_IndexOrderIsLexicographic(t *testing.T) {
	id := ArtifactID([]string{"ImageGenerator"}, "SegmentImage",
		Index{Key: "segment", Value: 0},
		Index{Key: "image", Value: 2},
	)
	require.Equal(t, "Artifact:ImageGenerator.SegmentImage[image=2][segment=0]", id.String())
}

func TestParse_RoundTrip(t *testing.T) {
	cases := []string{
		"Input:Topic",
		"Input:ScriptGeneration.Topic",
		"Artifact:NarrationScript",
		"Artifact:Audio.SegmentAudio[segment=0]",
		"Artifact:ImageGenerator.SegmentImage[image=2][segment=0]",
		"Producer:Timeline.Assembler",
	}
	for _, s := range cases {
		id, err := Parse(s)
		require.NoError(t, err, s)
		require.Equal(t, s, id.String(), s)
	}
}

func TestParse_NormalizesIndexOrder(t *testing.T) {
	id, err := Parse("Artifact:A.B[segment=1][image=0]")
	require.NoError(t, err)
	require.Equal(t, "Artifact:A.B[image=0][segment=1]", id.String())
}

func TestParse_Rejects(t *testing.T) {
	for _, s := range []string{
		"",
		"Artifact",
		"Widget:A.B",
		"Input:",
		"Input:A..B",
		"Artifact:A[segment]",
		"Artifact:A[segment=x]",
		"Artifact:A[segment=0][segment=1]",
		"Artifact:A[segment=0",
	} {
		_, err := Parse(s)
		require.Error(t, err, s)
	}
}

func TestEqual_IgnoresIndexDeclarationOrder(t *testing.T) {
	a := ArtifactID([]string{"A"}, "B", Index{Key: "x", Value: 1}, Index{Key: "y", Value: 2})
	b := ArtifactID([]string{"A"}, "B", Index{Key: "y", Value: 2}, Index{Key: "x", Value: 1})
	require.True(t, a.Equal(b))

	c := ArtifactID([]string{"A"}, "B", Index{Key: "x", Value: 1})
	require.False(t, a.Equal(c))
}

func TestProducerScopedInputID(t *testing.T) {
	prod := ProducerID([]string{"Script"}, "Generator")
	id := ProducerScopedInputID(prod, "temperature")
	require.Equal(t, "Input:Script.Generator.temperature", id.String())
}

func TestResolver_CanonicalQualifiedAndBase(t *testing.T) {
	ids := []ID{
		InputID(nil, "Topic"),
		InputID([]string{"Audio"}, "Voice"),
		InputID([]string{"Video"}, "Voice"),
	}
	r := NewResolver(ids)

	got, err := r.ResolveInput("Input:Topic")
	require.NoError(t, err)
	require.Equal(t, "Input:Topic", got.String())

	got, err = r.ResolveInput("Audio.Voice")
	require.NoError(t, err)
	require.Equal(t, "Input:Audio.Voice", got.String())

	got, err = r.ResolveInput("Topic")
	require.NoError(t, err)
	require.Equal(t, "Input:Topic", got.String())
}

func TestResolver_AmbiguousBaseNameListsCandidates(t *testing.T) {
	r := NewResolver([]ID{
		InputID([]string{"Audio"}, "Voice"),
		InputID([]string{"Video"}, "Voice"),
	})
	_, err := r.ResolveInput("Voice")
	var ambiguous *AmbiguousNameError
	require.True(t, errors.As(err, &ambiguous))
	require.Equal(t, []string{"Input:Audio.Voice", "Input:Video.Voice"}, ambiguous.Candidates)
}

func TestResolver_Unknown(t *testing.T) {
	r := NewResolver([]ID{InputID(nil, "Topic")})

	_, err := r.ResolveInput("Missing")
	var unknown *UnknownInputError
	require.True(t, errors.As(err, &unknown))

	// Canonical form of an undeclared input is also unknown.
	_, err = r.ResolveInput("Input:Missing")
	require.True(t, errors.As(err, &unknown))
}
