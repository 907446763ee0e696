// Package prompt renders {{Variable}} placeholders in producer prompt
// templates.
package prompt

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// MissingVariablesError lists placeholders with no bound value, sorted.
type MissingVariablesError struct {
	Names []string
}

func (e *MissingVariablesError) Error() string {
	return fmt.Sprintf("prompt references unbound variables: %s", strings.Join(e.Names, ", "))
}

// Variables returns the distinct placeholder names in template, in order of
// first appearance.
func Variables(template string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Render substitutes every placeholder from vars. Any placeholder without a
// value fails the render; placeholders are never passed through verbatim.
func Render(template string, vars map[string]string) (string, error) {
	missing := map[string]bool{}
	rendered := placeholderRe.ReplaceAllStringFunc(template, func(tok string) string {
		name := placeholderRe.FindStringSubmatch(tok)[1]
		v, ok := vars[name]
		if !ok {
			missing[name] = true
			return tok
		}
		return v
	})
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", &MissingVariablesError{Names: names}
	}
	return rendered, nil
}
