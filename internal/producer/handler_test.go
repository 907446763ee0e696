package producer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keremk/tutopanda-sub001/internal/blueprint"
	"github.com/keremk/tutopanda-sub001/internal/plan"
)

func TestNewError_Defaults(t *testing.T) {
	cases := []struct {
		code               ErrorCode
		retryable          bool
		userActionRequired bool
	}{
		{CodeRateLimited, true, false},
		{CodeTransientProvider, true, false},
		{CodeSensitiveContent, false, true},
		{CodeProviderFailure, false, false},
		{CodeMissingInput, false, false},
		{CodeCancelled, false, false},
		{CodeUnknown, false, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			e := NewError(tc.code, "boom")
			require.Equal(t, tc.retryable, e.Retryable)
			require.Equal(t, tc.userActionRequired, e.UserActionRequired)
		})
	}
}

func TestCoerce(t *testing.T) {
	he := NewError(CodeRateLimited, "slow down")
	require.Same(t, he, Coerce(he))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Equal(t, CodeCancelled, Coerce(ctx.Err()).Code)

	e := Coerce(context.DeadlineExceeded)
	require.Equal(t, CodeCancelled, e.Code)

	plain := Coerce(errDummy)
	require.Equal(t, CodeUnknown, plain.Code)
	require.False(t, plain.Retryable)
}

var errDummy error = &plainError{msg: "dummy"}

type plainError struct{ msg string }

func (e *plainError) Error() string { return e.msg }

func TestRenderPrompts(t *testing.T) {
	req := Request{
		Variant: blueprint.Variant{
			SystemPrompt: "You narrate {{Topic}} documentaries",
			UserPrompt:   "Write about {{Topic}} for {{Audience}}",
		},
		Inputs: map[string]Value{
			"Topic":    {Text: "volcanoes"},
			"Audience": {Raw: 12},
		},
	}
	system, user, err := RenderPrompts(req)
	require.NoError(t, err)
	require.Equal(t, "You narrate volcanoes documentaries", system)
	require.Equal(t, "Write about volcanoes for 12", user)
}

func TestRenderPrompts_MissingInput(t *testing.T) {
	req := Request{
		Variant: blueprint.Variant{UserPrompt: "Write about {{Topic}}"},
		Inputs:  map[string]Value{},
	}
	_, _, err := RenderPrompts(req)
	require.Error(t, err)
	he := Coerce(err)
	require.Equal(t, CodeMissingInput, he.Code)
	require.False(t, he.Retryable)
	require.Contains(t, he.Message, "Topic")
}

func TestPromptVars_FanInJoinsGroups(t *testing.T) {
	req := Request{Inputs: map[string]Value{
		"Captions": {FanIn: &FanInValue{
			Values: [][]Value{
				{{Text: "a"}, {Text: "b"}},
				{{Text: "c"}},
			},
		}},
	}}
	vars := PromptVars(req)
	require.Equal(t, "a\nb\n\nc", vars["Captions"])
}

func TestStubHandler_Deterministic(t *testing.T) {
	req := Request{
		Job: plan.JobDescriptor{
			Produces: []string{"Artifact:NarrationScript"},
		},
		Variant: blueprint.Variant{
			Provider:   blueprint.ProviderOpenAI,
			Model:      "gpt-4.1",
			UserPrompt: "Write about {{Topic}}",
		},
		Inputs: map[string]Value{"Topic": {Text: "volcanoes"}},
	}
	a, err := StubHandler{}.Invoke(context.Background(), req)
	require.NoError(t, err)
	b, err := StubHandler{}.Invoke(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a.Artifacts, 1)
	require.Equal(t, "Artifact:NarrationScript", a.Artifacts[0].ArtifactID)
	require.Contains(t, string(a.Artifacts[0].Data), "volcanoes")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(blueprint.ProviderOpenAI, StubHandler{})

	h, err := r.Resolve(blueprint.ProviderOpenAI)
	require.NoError(t, err)
	require.NotNil(t, h)

	_, err = r.Resolve(blueprint.ProviderGemini)
	require.Error(t, err)
}
