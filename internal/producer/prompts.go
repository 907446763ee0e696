package producer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/keremk/tutopanda-sub001/internal/prompt"
)

// PromptVars flattens the request inputs into the string map prompt
// templates substitute from. Fan-in inputs are joined group by group with
// blank lines between groups.
func PromptVars(req Request) map[string]string {
	vars := map[string]string{}
	for alias, v := range req.Inputs {
		vars[alias] = valueText(v)
	}
	return vars
}

func valueText(v Value) string {
	if v.FanIn != nil {
		var groups []string
		for _, members := range v.FanIn.Values {
			var parts []string
			for _, m := range members {
				parts = append(parts, valueText(m))
			}
			groups = append(groups, strings.Join(parts, "\n"))
		}
		return strings.Join(groups, "\n\n")
	}
	if v.Text != "" {
		return v.Text
	}
	if v.Raw != nil {
		return fmt.Sprint(v.Raw)
	}
	return string(v.Data)
}

// RenderPrompts renders the variant's system and user prompts against the
// request inputs. An unbound placeholder is a missing_input failure; the
// runner does not retry it.
func RenderPrompts(req Request) (system, user string, err error) {
	vars := PromptVars(req)
	if req.Variant.SystemPrompt != "" {
		system, err = prompt.Render(req.Variant.SystemPrompt, vars)
		if err != nil {
			return "", "", missingInputError(err)
		}
	}
	if req.Variant.UserPrompt != "" {
		user, err = prompt.Render(req.Variant.UserPrompt, vars)
		if err != nil {
			return "", "", missingInputError(err)
		}
	}
	return system, user, nil
}

func missingInputError(err error) error {
	var missing *prompt.MissingVariablesError
	if errors.As(err, &missing) {
		return NewError(CodeMissingInput, "unbound prompt variables: %s", strings.Join(missing.Names, ", "))
	}
	return NewError(CodeMissingInput, "%v", err)
}
