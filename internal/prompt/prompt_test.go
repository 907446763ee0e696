package prompt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	out, err := Render("Write a script about {{Topic}} in {{ Style }} style", map[string]string{
		"Topic": "volcanoes",
		"Style": "noir",
	})
	require.NoError(t, err)
	require.Equal(t, "Write a script about volcanoes in noir style", out)
}

func TestRender_MissingVariablesListed(t *testing.T) {
	_, err := Render("{{Topic}} and {{Style}} and {{Topic}}", map[string]string{})
	require.Error(t, err)
	var missing *MissingVariablesError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, []string{"Style", "Topic"}, missing.Names)
}

func TestVariables(t *testing.T) {
	require.Equal(t, []string{"Topic", "Style"}, Variables("{{Topic}} {{Style}} {{Topic}}"))
	require.Empty(t, Variables("no placeholders here"))
}
