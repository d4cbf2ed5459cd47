// Package templateutil handles {{placeholder}} substitution for template
// message parameters and conversation prompts. Placeholders are positional
// ({{1}}, {{2}}) or named ({{name}}, {{order_id}}).
package templateutil

import (
	"fmt"
	"regexp"
	"strings"
)

// ParameterPattern matches template parameters like {{1}}, {{name}}, {{order_id}}
var ParameterPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// ParamNames extracts parameter names from content, in order of first
// occurrence, without duplicates.
func ParamNames(content string) []string {
	matches := ParameterPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var names []string
	for _, match := range matches {
		if len(match) > 1 {
			name := strings.TrimSpace(match[1])
			if name != "" && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// ResolveParams maps the placeholders of content to ordered values from
// params. Named keys are tried first, then positional (1-indexed); missing
// values resolve to the empty string.
func ResolveParams(content string, params map[string]interface{}) []string {
	if len(params) == 0 {
		return nil
	}

	names := ParamNames(content)
	if len(names) == 0 {
		return nil
	}

	result := make([]string, len(names))
	for i, name := range names {
		if val, ok := params[name]; ok {
			result[i] = fmt.Sprintf("%v", val)
			continue
		}
		if val, ok := params[fmt.Sprintf("%d", i+1)]; ok {
			result[i] = fmt.Sprintf("%v", val)
			continue
		}
		result[i] = ""
	}
	return result
}

// Replace substitutes every {{name}} in content with its value from params.
// Placeholders without a value are left intact so the gap is visible.
func Replace(content string, params map[string]interface{}) string {
	if content == "" || len(params) == 0 {
		return content
	}

	for _, name := range ParamNames(content) {
		val, ok := params[name]
		if !ok {
			continue
		}
		content = strings.ReplaceAll(content, fmt.Sprintf("{{%s}}", name), fmt.Sprintf("%v", val))
	}
	return content
}
